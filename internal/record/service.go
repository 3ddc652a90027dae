package record

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"trialdiary.org/internal/access"
	"trialdiary.org/internal/ids"
	"trialdiary.org/internal/obs"
)

// Service defines the clinical record store operations. Every method takes
// the acting identity explicitly; there is no ambient session state.
type Service interface {
	SubmitEvent(ctx context.Context, actor access.Actor, in SubmitInput) (SubmitResult, error)
	GetRecord(ctx context.Context, actor access.Actor, recordUUID string) (CurrentState, error)
	ListRecords(ctx context.Context, actor access.Actor, f RecordFilter) ([]CurrentState, error)
	ListEvents(ctx context.Context, actor access.Actor, recordUUID string) ([]Event, error)
	ListConflicts(ctx context.Context, actor access.Actor, f ConflictFilter) ([]SyncConflict, error)
	ResolveConflict(ctx context.Context, actor access.Actor, conflictID string, strategy Strategy, payload json.RawMessage) (SubmitResult, error)
	Annotate(ctx context.Context, actor access.Actor, in AnnotateInput) (Annotation, error)
	ListAnnotations(ctx context.Context, actor access.Actor, recordUUID string) ([]Annotation, error)
	ResolveAnnotation(ctx context.Context, actor access.Actor, annotationID string) (Annotation, error)
	Export(ctx context.Context, actor access.Actor) (ExportBundle, error)

	// AmendEvent and DeleteEvent exist only to refuse. The ledger exposes no
	// mutation path; regulatory integrity depends on that being structurally
	// impossible, not merely discouraged.
	AmendEvent(ctx context.Context, actor access.Actor, eventID int64) error
	DeleteEvent(ctx context.Context, actor access.Actor, eventID int64) error
}

// InMemory implements Service in process memory. It is the reference
// implementation the domain tests run against; the durable implementation
// lives in internal/store/pg. A single mutex serializes writers, which
// matches the per-record locking contract trivially.
type InMemory struct {
	mu     sync.Mutex
	engine *access.Engine
	stream *Stream
	now    func() time.Time

	nextEventID   int64
	events        []Event
	states        map[string]*CurrentState
	conflicts     []string
	conflictByID  map[string]*SyncConflict
	annotations   []string
	annotationsBy map[string]*Annotation
}

var _ Service = (*InMemory)(nil)

// InMemoryOption configures the in-memory service.
type InMemoryOption func(*InMemory)

// WithStream publishes applied events to the given stream.
func WithStream(st *Stream) InMemoryOption {
	return func(s *InMemory) { s.stream = st }
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) InMemoryOption {
	return func(s *InMemory) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewInMemory creates a fresh record store backed by the given access engine.
func NewInMemory(engine *access.Engine, opts ...InMemoryOption) *InMemory {
	s := &InMemory{
		engine:        engine,
		now:           time.Now,
		states:        make(map[string]*CurrentState),
		conflictByID:  make(map[string]*SyncConflict),
		annotationsBy: make(map[string]*Annotation),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemory) SubmitEvent(ctx context.Context, actor access.Actor, in SubmitInput) (SubmitResult, error) {
	if err := ValidateSubmit(in); err != nil {
		return SubmitResult{}, err
	}
	key := recordKey(in.RecordUUID)

	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.states[key]
	patientID, siteID := in.PatientID, in.SiteID
	if state != nil {
		// The ledger, not the client, knows who a record belongs to.
		if in.PatientID != state.PatientID || in.SiteID != state.SiteID {
			return SubmitResult{}, invalidf("patient_id/site_id do not match record %s", key)
		}
		patientID, siteID = state.PatientID, state.SiteID
	}

	if err := s.engine.Authorize(ctx, access.Request{
		Actor:      actor,
		Intent:     access.IntentWrite,
		Operation:  string(in.Operation),
		RecordUUID: key,
		PatientID:  patientID,
		SiteID:     siteID,
	}); err != nil {
		return SubmitResult{}, err
	}

	if state == nil && !in.Operation.IsCreate() {
		return SubmitResult{}, fmt.Errorf("%w: record %s", ErrNotFound, key)
	}

	ev := s.buildEvent(actor, in, key)
	next, outcome := Project(state, &ev)

	if outcome == ProjectionConflict {
		s.appendEvent(ev)
		conflict := s.detectConflict(&ev, state)
		return SubmitResult{
			Status:     StatusConflict,
			RecordUUID: key,
			EventID:    ev.EventID,
			ConflictID: conflict.ID,
		}, nil
	}

	s.appendEvent(ev)
	s.states[key] = &next
	s.publishApplied(ev, next.Version)

	return SubmitResult{
		Status:     StatusApplied,
		RecordUUID: key,
		EventID:    ev.EventID,
		NewVersion: next.Version,
	}, nil
}

func (s *InMemory) GetRecord(ctx context.Context, actor access.Actor, recordUUID string) (CurrentState, error) {
	key := recordKey(recordUUID)

	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.states[key]
	if state == nil {
		return CurrentState{}, fmt.Errorf("%w: record %s", ErrNotFound, key)
	}
	if err := s.authorizeRecordRead(ctx, actor, state); err != nil {
		return CurrentState{}, err
	}
	return *state, nil
}

func (s *InMemory) ListRecords(ctx context.Context, actor access.Actor, f RecordFilter) ([]CurrentState, error) {
	scope, err := s.engine.ReadScope(ctx, actor)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []CurrentState
	for _, state := range s.states {
		if !scope.Allows(state.PatientID, state.SiteID) {
			continue
		}
		if state.IsDeleted && !scope.IncludeDeleted {
			continue
		}
		if f.SiteID != "" && state.SiteID != f.SiteID {
			continue
		}
		if f.PatientID != "" && state.PatientID != f.PatientID {
			continue
		}
		if state.LastEventID <= f.SinceEventID {
			continue
		}
		out = append(out, *state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastEventID < out[j].LastEventID })
	return out, nil
}

func (s *InMemory) ListEvents(ctx context.Context, actor access.Actor, recordUUID string) ([]Event, error) {
	key := recordKey(recordUUID)

	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.states[key]
	if state == nil {
		return nil, fmt.Errorf("%w: record %s", ErrNotFound, key)
	}
	if err := s.authorizeRecordRead(ctx, actor, state); err != nil {
		return nil, err
	}

	var out []Event
	for _, ev := range s.events {
		if ev.RecordUUID == key {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *InMemory) ListConflicts(ctx context.Context, actor access.Actor, f ConflictFilter) ([]SyncConflict, error) {
	scope, err := s.engine.ReadScope(ctx, actor)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []SyncConflict
	for _, id := range s.conflicts {
		c := s.conflictByID[id]
		if !scope.Allows(c.PatientID, c.SiteID) {
			continue
		}
		if f.RecordUUID != "" && c.RecordUUID != recordKey(f.RecordUUID) {
			continue
		}
		if f.SiteID != "" && c.SiteID != f.SiteID {
			continue
		}
		if f.PatientID != "" && c.PatientID != f.PatientID {
			continue
		}
		if f.UnresolvedOnly && c.Resolved {
			continue
		}
		out = append(out, *c)
	}
	return out, nil
}

func (s *InMemory) ResolveConflict(ctx context.Context, actor access.Actor, conflictID string, strategy Strategy, payload json.RawMessage) (SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conflict, ok := s.conflictByID[strings.TrimSpace(conflictID)]
	if !ok {
		return SubmitResult{}, fmt.Errorf("%w: conflict %s", ErrNotFound, conflictID)
	}

	if err := s.engine.Authorize(ctx, access.Request{
		Actor:      actor,
		Intent:     access.IntentResolve,
		RecordUUID: conflict.RecordUUID,
		PatientID:  conflict.PatientID,
		SiteID:     conflict.SiteID,
	}); err != nil {
		return SubmitResult{}, err
	}

	if conflict.Resolved {
		return SubmitResult{}, invalidf("conflict %s is already resolved", conflict.ID)
	}
	resolved, err := ResolutionPayload(conflict, strategy, payload)
	if err != nil {
		return SubmitResult{}, err
	}

	state := s.states[conflict.RecordUUID]
	if state == nil {
		return SubmitResult{}, fmt.Errorf("%w: record %s", ErrNotFound, conflict.RecordUUID)
	}

	// The resolution is itself an event: conflicts are resolved by writing,
	// never by retroactively editing.
	in := SubmitInput{
		RecordUUID:      conflict.RecordUUID,
		PatientID:       conflict.PatientID,
		SiteID:          conflict.SiteID,
		Operation:       ResolutionOperation(actor.Role),
		BaseVersion:     state.Version,
		Payload:         resolved,
		ChangeReason:    fmt.Sprintf("sync conflict %s resolved via %s", conflict.ID, strategy),
		ClientTimestamp: s.now().UTC(),
	}
	in.Signature = ComputeSignature(in)

	ev := s.buildEvent(actor, in, conflict.RecordUUID)
	parent := state.LastEventID
	ev.ParentEventID = &parent
	ev.ConflictResolved = true
	ev.ResolvedConflictID = conflict.ID

	next, outcome := Project(state, &ev)
	if outcome != ProjectionApplied {
		// Unreachable while the lock is held: base version was read under it.
		return SubmitResult{}, ErrUnavailable
	}
	s.appendEvent(ev)
	s.states[conflict.RecordUUID] = &next
	s.publishApplied(ev, next.Version)

	now := s.now().UTC()
	conflict.Resolved = true
	conflict.ResolutionStrategy = strategy
	conflict.ResolvedPayload = resolved
	conflict.ResolvedBy = actor.ID
	conflict.ResolvedAt = &now
	conflict.ResolutionEventID = &ev.EventID
	obs.IncConflictResolved(string(strategy))

	return SubmitResult{
		Status:     StatusApplied,
		RecordUUID: conflict.RecordUUID,
		EventID:    ev.EventID,
		NewVersion: next.Version,
	}, nil
}

func (s *InMemory) Annotate(ctx context.Context, actor access.Actor, in AnnotateInput) (Annotation, error) {
	key := recordKey(in.RecordUUID)
	if _, err := ParseAnnotationType(string(in.Type)); err != nil {
		return Annotation{}, err
	}
	if strings.TrimSpace(in.Text) == "" {
		return Annotation{}, invalidf("annotation text is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.states[key]
	if state == nil {
		return Annotation{}, fmt.Errorf("%w: record %s", ErrNotFound, key)
	}
	if err := s.engine.Authorize(ctx, access.Request{
		Actor:      actor,
		Intent:     access.IntentAnnotate,
		RecordUUID: key,
		PatientID:  state.PatientID,
		SiteID:     state.SiteID,
	}); err != nil {
		return Annotation{}, err
	}

	ann := &Annotation{
		ID:               ids.New(),
		RecordUUID:       key,
		SiteID:           state.SiteID,
		InvestigatorID:   actor.ID,
		Type:             in.Type,
		Text:             in.Text,
		RequiresResponse: in.RequiresResponse,
		CreatedAt:        s.now().UTC(),
	}
	s.annotationsBy[ann.ID] = ann
	s.annotations = append(s.annotations, ann.ID)
	return *ann, nil
}

func (s *InMemory) ListAnnotations(ctx context.Context, actor access.Actor, recordUUID string) ([]Annotation, error) {
	key := recordKey(recordUUID)

	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.states[key]
	if state == nil {
		return nil, fmt.Errorf("%w: record %s", ErrNotFound, key)
	}
	if err := s.authorizeRecordRead(ctx, actor, state); err != nil {
		return nil, err
	}

	var out []Annotation
	for _, id := range s.annotations {
		if ann := s.annotationsBy[id]; ann.RecordUUID == key {
			out = append(out, *ann)
		}
	}
	return out, nil
}

func (s *InMemory) ResolveAnnotation(ctx context.Context, actor access.Actor, annotationID string) (Annotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ann, ok := s.annotationsBy[strings.TrimSpace(annotationID)]
	if !ok {
		return Annotation{}, fmt.Errorf("%w: annotation %s", ErrNotFound, annotationID)
	}
	state := s.states[ann.RecordUUID]
	if state == nil {
		return Annotation{}, fmt.Errorf("%w: record %s", ErrNotFound, ann.RecordUUID)
	}
	if err := s.engine.Authorize(ctx, access.Request{
		Actor:      actor,
		Intent:     access.IntentAnnotate,
		RecordUUID: ann.RecordUUID,
		PatientID:  state.PatientID,
		SiteID:     state.SiteID,
	}); err != nil {
		return Annotation{}, err
	}
	if ann.Resolved {
		return Annotation{}, invalidf("annotation %s is already resolved", ann.ID)
	}

	now := s.now().UTC()
	ann.Resolved = true
	ann.ResolvedBy = actor.ID
	ann.ResolvedAt = &now
	return *ann, nil
}

func (s *InMemory) Export(ctx context.Context, actor access.Actor) (ExportBundle, error) {
	if err := s.engine.Authorize(ctx, access.Request{
		Actor:  actor,
		Intent: access.IntentExport,
		PHI:    true,
	}); err != nil {
		return ExportBundle{}, err
	}

	entries, err := s.engine.AccessEntries(ctx)
	if err != nil {
		return ExportBundle{}, err
	}
	grants, err := s.engine.Grants(ctx)
	if err != nil {
		return ExportBundle{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	events := make([]Event, len(s.events))
	copy(events, s.events)
	return ExportBundle{
		AsOf:       s.now().UTC(),
		Events:     events,
		AccessLog:  entries,
		BreakGlass: grants,
	}, nil
}

func (s *InMemory) AmendEvent(ctx context.Context, actor access.Actor, eventID int64) error {
	return fmt.Errorf("%w: event %d", ErrMutationForbidden, eventID)
}

func (s *InMemory) DeleteEvent(ctx context.Context, actor access.Actor, eventID int64) error {
	return fmt.Errorf("%w: event %d", ErrMutationForbidden, eventID)
}

// --- internals ---

func (s *InMemory) buildEvent(actor access.Actor, in SubmitInput, key string) Event {
	s.nextEventID++
	return Event{
		EventID:            s.nextEventID,
		RecordUUID:         key,
		PatientID:          in.PatientID,
		SiteID:             in.SiteID,
		Operation:          in.Operation,
		BaseVersion:        in.BaseVersion,
		Payload:            in.Payload,
		ActorID:            actor.ID,
		ActorRole:          actor.Role,
		ClientTimestamp:    in.ClientTimestamp.UTC(),
		ServerTimestamp:    s.now().UTC(),
		ChangeReason:       in.ChangeReason,
		IntegritySignature: in.Signature,
	}
}

func (s *InMemory) appendEvent(ev Event) {
	s.events = append(s.events, ev)
	obs.IncEventAppended(string(ev.Operation))
}

func (s *InMemory) detectConflict(ev *Event, state *CurrentState) *SyncConflict {
	conflict := &SyncConflict{
		ID:            ids.New(),
		RecordUUID:    ev.RecordUUID,
		PatientID:     state.PatientID,
		SiteID:        state.SiteID,
		EventID:       ev.EventID,
		ClientVersion: ev.BaseVersion,
		ServerVersion: state.Version,
		ClientPayload: ev.Payload,
		ServerPayload: state.CurrentPayload,
		DetectedAt:    s.now().UTC(),
	}
	s.conflictByID[conflict.ID] = conflict
	s.conflicts = append(s.conflicts, conflict.ID)
	obs.IncConflictDetected()
	return conflict
}

func (s *InMemory) authorizeRecordRead(ctx context.Context, actor access.Actor, state *CurrentState) error {
	err := s.engine.Authorize(ctx, access.Request{
		Actor:          actor,
		Intent:         access.IntentRead,
		RecordUUID:     state.RecordUUID,
		PatientID:      state.PatientID,
		SiteID:         state.SiteID,
		PHI:            true,
		IncludeDeleted: state.IsDeleted,
	})
	if err != nil && state.IsDeleted {
		// A tombstoned record a role cannot see is indistinguishable from a
		// record that never existed.
		return fmt.Errorf("%w: record %s", ErrNotFound, state.RecordUUID)
	}
	return err
}

func (s *InMemory) publishApplied(ev Event, version int64) {
	if s.stream == nil {
		return
	}
	s.stream.Publish(AppliedEvent{
		EventID:    ev.EventID,
		RecordUUID: ev.RecordUUID,
		SiteID:     ev.SiteID,
		Operation:  ev.Operation,
		NewVersion: version,
		Timestamp:  ev.ServerTimestamp,
	})
}

// ResolutionOperation maps the resolving actor's role to the operation kind
// its resolution event carries.
func ResolutionOperation(role access.Role) Operation {
	switch role {
	case access.RolePatient:
		return OpPatientUpdate
	case access.RoleInvestigator:
		return OpInvestigatorUpdate
	default:
		return OpAdminCorrection
	}
}

// ResolutionPayload selects the payload a resolution event will carry.
func ResolutionPayload(c *SyncConflict, strategy Strategy, supplied json.RawMessage) (json.RawMessage, error) {
	switch strategy {
	case StrategyClientWins:
		return c.ClientPayload, nil
	case StrategyServerWins:
		return c.ServerPayload, nil
	case StrategyMerge, StrategyManual:
		// No field-level auto-merge: both strategies take the caller's
		// curated payload verbatim.
		if err := validatePayload(supplied); err != nil {
			return nil, invalidf("strategy %s requires a resolved payload", strategy)
		}
		return supplied, nil
	default:
		return nil, invalidf("unknown resolution strategy %q", strategy)
	}
}

func recordKey(recordUUID string) string {
	return strings.ToLower(strings.TrimSpace(recordUUID))
}

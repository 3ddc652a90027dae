package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"trialdiary.org/internal/access"
	"trialdiary.org/internal/ids"
	"trialdiary.org/internal/obs"
	"trialdiary.org/internal/record"
)

// Store is the durable record.Service implementation. Versions are guarded
// by a SELECT ... FOR UPDATE on the record_state row, so concurrent writers
// to the same record serialize at the database and the read-compare-write
// step stays race-free across replicas.
type Store struct {
	db     *sql.DB
	engine *access.Engine
	stream *record.Stream
	now    func() time.Time
}

var _ record.Service = (*Store)(nil)

// Open opens a pooled connection using the pgx stdlib driver.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// StoreOption configures Store.
type StoreOption func(*Store)

// WithStream publishes applied events to the given stream.
func WithStream(st *record.Stream) StoreOption {
	return func(s *Store) { s.stream = st }
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) StoreOption {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewStore wires the durable store to an open handle and an access engine.
func NewStore(db *sql.DB, engine *access.Engine, opts ...StoreOption) *Store {
	s := &Store{db: db, engine: engine, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) SubmitEvent(ctx context.Context, actor access.Actor, in record.SubmitInput) (record.SubmitResult, error) {
	if err := record.ValidateSubmit(in); err != nil {
		return record.SubmitResult{}, err
	}
	var res record.SubmitResult
	err := s.withRetry(func() error {
		var err error
		res, err = s.submitOnce(ctx, actor, in)
		return err
	})
	return res, err
}

func (s *Store) submitOnce(ctx context.Context, actor access.Actor, in record.SubmitInput) (record.SubmitResult, error) {
	key := strings.ToLower(strings.TrimSpace(in.RecordUUID))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return record.SubmitResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	state, err := lockState(ctx, tx, key)
	if err != nil {
		return record.SubmitResult{}, err
	}

	patientID, siteID := in.PatientID, in.SiteID
	if state != nil {
		if in.PatientID != state.PatientID || in.SiteID != state.SiteID {
			return record.SubmitResult{}, fmt.Errorf("%w: patient_id/site_id do not match record %s", record.ErrInvalid, key)
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
		return record.SubmitResult{}, err
	}

	if state == nil && !in.Operation.IsCreate() {
		return record.SubmitResult{}, fmt.Errorf("%w: record %s", record.ErrNotFound, key)
	}

	ev := record.Event{
		RecordUUID:         key,
		PatientID:          in.PatientID,
		SiteID:             in.SiteID,
		Operation:          in.Operation,
		BaseVersion:        in.BaseVersion,
		Payload:            in.Payload,
		ActorID:            actor.ID,
		ActorRole:          actor.Role,
		ClientTimestamp:    in.ClientTimestamp.UTC(),
		ChangeReason:       in.ChangeReason,
		IntegritySignature: in.Signature,
	}
	if err := insertEvent(ctx, tx, &ev); err != nil {
		return record.SubmitResult{}, err
	}

	next, outcome := record.Project(state, &ev)
	if outcome == record.ProjectionConflict {
		conflictID := ids.New()
		if _, err := tx.ExecContext(ctx, `
			insert into sync_conflicts(id, record_uuid, patient_id, site_id, event_id,
				client_version, server_version, client_payload, server_payload, detected_at)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, conflictID, key, state.PatientID, state.SiteID, ev.EventID,
			ev.BaseVersion, state.Version, []byte(ev.Payload), []byte(state.CurrentPayload), s.now().UTC()); err != nil {
			return record.SubmitResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return record.SubmitResult{}, err
		}
		obs.IncEventAppended(string(ev.Operation))
		obs.IncConflictDetected()
		return record.SubmitResult{
			Status:     record.StatusConflict,
			RecordUUID: key,
			EventID:    ev.EventID,
			ConflictID: conflictID,
		}, nil
	}

	// A fresh record takes a plain insert, never an upsert: if a concurrent
	// create committed first, the unique violation aborts this transaction
	// and the retry re-reads the row, routing this write to the conflict
	// queue instead of overwriting the winner.
	persist := updateState
	if state == nil {
		persist = insertState
	}
	if err := persist(ctx, tx, &next); err != nil {
		return record.SubmitResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return record.SubmitResult{}, err
	}
	obs.IncEventAppended(string(ev.Operation))
	s.publishApplied(ev, next.Version)
	return record.SubmitResult{
		Status:     record.StatusApplied,
		RecordUUID: key,
		EventID:    ev.EventID,
		NewVersion: next.Version,
	}, nil
}

func (s *Store) GetRecord(ctx context.Context, actor access.Actor, recordUUID string) (record.CurrentState, error) {
	key := strings.ToLower(strings.TrimSpace(recordUUID))
	state, err := s.readState(ctx, key)
	if err != nil {
		return record.CurrentState{}, err
	}
	if err := s.authorizeRecordRead(ctx, actor, state); err != nil {
		return record.CurrentState{}, err
	}
	return *state, nil
}

func (s *Store) ListRecords(ctx context.Context, actor access.Actor, f record.RecordFilter) ([]record.CurrentState, error) {
	scope, err := s.engine.ReadScope(ctx, actor)
	if err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	switch {
	case scope.All:
	case scope.PatientID != "":
		add("patient_id = $%d", scope.PatientID)
	default:
		if len(scope.SiteIDs) == 0 {
			return nil, nil
		}
		ph := make([]string, len(scope.SiteIDs))
		for i, siteID := range scope.SiteIDs {
			args = append(args, siteID)
			ph[i] = fmt.Sprintf("$%d", len(args))
		}
		where = append(where, "site_id in ("+strings.Join(ph, ",")+")")
	}
	if !scope.IncludeDeleted {
		where = append(where, "not is_deleted")
	}
	if f.SiteID != "" {
		add("site_id = $%d", f.SiteID)
	}
	if f.PatientID != "" {
		add("patient_id = $%d", f.PatientID)
	}
	if f.SinceEventID > 0 {
		add("last_event_id > $%d", f.SinceEventID)
	}

	query := `select record_uuid, patient_id, site_id, current_payload, version, last_event_id, is_deleted, updated_at
		from record_state`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	query += " order by last_event_id asc"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []record.CurrentState
	for rows.Next() {
		var st record.CurrentState
		var payload []byte
		if err := rows.Scan(&st.RecordUUID, &st.PatientID, &st.SiteID, &payload,
			&st.Version, &st.LastEventID, &st.IsDeleted, &st.UpdatedAt); err != nil {
			return nil, err
		}
		st.CurrentPayload = json.RawMessage(payload)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) ListEvents(ctx context.Context, actor access.Actor, recordUUID string) ([]record.Event, error) {
	key := strings.ToLower(strings.TrimSpace(recordUUID))
	state, err := s.readState(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeRecordRead(ctx, actor, state); err != nil {
		return nil, err
	}
	return s.queryEvents(ctx, `
		select event_id, record_uuid, patient_id, site_id, operation, base_version, payload,
			actor_id, actor_role, client_timestamp, server_timestamp, parent_event_id,
			change_reason, conflict_resolved, coalesce(resolved_conflict_id,''), integrity_signature
		from events where record_uuid = $1 order by event_id asc
	`, key)
}

func (s *Store) ListConflicts(ctx context.Context, actor access.Actor, f record.ConflictFilter) ([]record.SyncConflict, error) {
	scope, err := s.engine.ReadScope(ctx, actor)
	if err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	switch {
	case scope.All:
	case scope.PatientID != "":
		add("patient_id = $%d", scope.PatientID)
	default:
		if len(scope.SiteIDs) == 0 {
			return nil, nil
		}
		ph := make([]string, len(scope.SiteIDs))
		for i, siteID := range scope.SiteIDs {
			args = append(args, siteID)
			ph[i] = fmt.Sprintf("$%d", len(args))
		}
		where = append(where, "site_id in ("+strings.Join(ph, ",")+")")
	}
	if f.RecordUUID != "" {
		add("record_uuid = $%d", strings.ToLower(strings.TrimSpace(f.RecordUUID)))
	}
	if f.SiteID != "" {
		add("site_id = $%d", f.SiteID)
	}
	if f.PatientID != "" {
		add("patient_id = $%d", f.PatientID)
	}
	if f.UnresolvedOnly {
		where = append(where, "not resolved")
	}

	query := `select id, record_uuid, patient_id, site_id, event_id, client_version, server_version,
		client_payload, server_payload, detected_at, resolved, coalesce(resolution_strategy,''),
		resolved_payload, coalesce(resolved_by,''), resolved_at, resolution_event_id
		from sync_conflicts`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	query += " order by detected_at asc"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []record.SyncConflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) ResolveConflict(ctx context.Context, actor access.Actor, conflictID string, strategy record.Strategy, payload json.RawMessage) (record.SubmitResult, error) {
	var res record.SubmitResult
	err := s.withRetry(func() error {
		var err error
		res, err = s.resolveOnce(ctx, actor, conflictID, strategy, payload)
		return err
	})
	return res, err
}

func (s *Store) resolveOnce(ctx context.Context, actor access.Actor, conflictID string, strategy record.Strategy, payload json.RawMessage) (record.SubmitResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return record.SubmitResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		select id, record_uuid, patient_id, site_id, event_id, client_version, server_version,
			client_payload, server_payload, detected_at, resolved, coalesce(resolution_strategy,''),
			resolved_payload, coalesce(resolved_by,''), resolved_at, resolution_event_id
		from sync_conflicts where id = $1 for update
	`, strings.TrimSpace(conflictID))
	conflict, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.SubmitResult{}, fmt.Errorf("%w: conflict %s", record.ErrNotFound, conflictID)
	}
	if err != nil {
		return record.SubmitResult{}, err
	}

	if err := s.engine.Authorize(ctx, access.Request{
		Actor:      actor,
		Intent:     access.IntentResolve,
		RecordUUID: conflict.RecordUUID,
		PatientID:  conflict.PatientID,
		SiteID:     conflict.SiteID,
	}); err != nil {
		return record.SubmitResult{}, err
	}
	if conflict.Resolved {
		return record.SubmitResult{}, fmt.Errorf("%w: conflict %s is already resolved", record.ErrInvalid, conflict.ID)
	}

	resolved, err := record.ResolutionPayload(&conflict, strategy, payload)
	if err != nil {
		return record.SubmitResult{}, err
	}

	state, err := lockState(ctx, tx, conflict.RecordUUID)
	if err != nil {
		return record.SubmitResult{}, err
	}
	if state == nil {
		return record.SubmitResult{}, fmt.Errorf("%w: record %s", record.ErrNotFound, conflict.RecordUUID)
	}

	in := record.SubmitInput{
		RecordUUID:      conflict.RecordUUID,
		PatientID:       conflict.PatientID,
		SiteID:          conflict.SiteID,
		Operation:       record.ResolutionOperation(actor.Role),
		BaseVersion:     state.Version,
		Payload:         resolved,
		ChangeReason:    fmt.Sprintf("sync conflict %s resolved via %s", conflict.ID, strategy),
		ClientTimestamp: s.now().UTC(),
	}
	in.Signature = record.ComputeSignature(in)

	parent := state.LastEventID
	ev := record.Event{
		RecordUUID:         conflict.RecordUUID,
		PatientID:          conflict.PatientID,
		SiteID:             conflict.SiteID,
		Operation:          in.Operation,
		BaseVersion:        in.BaseVersion,
		Payload:            resolved,
		ActorID:            actor.ID,
		ActorRole:          actor.Role,
		ClientTimestamp:    in.ClientTimestamp,
		ParentEventID:      &parent,
		ChangeReason:       in.ChangeReason,
		ConflictResolved:   true,
		ResolvedConflictID: conflict.ID,
		IntegritySignature: in.Signature,
	}
	if err := insertEvent(ctx, tx, &ev); err != nil {
		return record.SubmitResult{}, err
	}

	next, outcome := record.Project(state, &ev)
	if outcome != record.ProjectionApplied {
		// Unreachable: the base version was read under the row lock.
		return record.SubmitResult{}, record.ErrUnavailable
	}
	if err := updateState(ctx, tx, &next); err != nil {
		return record.SubmitResult{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update sync_conflicts
		set resolved = true, resolution_strategy = $2, resolved_payload = $3,
			resolved_by = $4, resolved_at = $5, resolution_event_id = $6
		where id = $1
	`, conflict.ID, string(strategy), []byte(resolved), actor.ID, s.now().UTC(), ev.EventID); err != nil {
		return record.SubmitResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return record.SubmitResult{}, err
	}
	obs.IncEventAppended(string(ev.Operation))
	obs.IncConflictResolved(string(strategy))
	s.publishApplied(ev, next.Version)
	return record.SubmitResult{
		Status:     record.StatusApplied,
		RecordUUID: conflict.RecordUUID,
		EventID:    ev.EventID,
		NewVersion: next.Version,
	}, nil
}

func (s *Store) Annotate(ctx context.Context, actor access.Actor, in record.AnnotateInput) (record.Annotation, error) {
	if _, err := record.ParseAnnotationType(string(in.Type)); err != nil {
		return record.Annotation{}, err
	}
	if strings.TrimSpace(in.Text) == "" {
		return record.Annotation{}, fmt.Errorf("%w: annotation text is required", record.ErrInvalid)
	}
	key := strings.ToLower(strings.TrimSpace(in.RecordUUID))
	state, err := s.readState(ctx, key)
	if err != nil {
		return record.Annotation{}, err
	}
	if err := s.engine.Authorize(ctx, access.Request{
		Actor:      actor,
		Intent:     access.IntentAnnotate,
		RecordUUID: key,
		PatientID:  state.PatientID,
		SiteID:     state.SiteID,
	}); err != nil {
		return record.Annotation{}, err
	}

	ann := record.Annotation{
		ID:               ids.New(),
		RecordUUID:       key,
		SiteID:           state.SiteID,
		InvestigatorID:   actor.ID,
		Type:             in.Type,
		Text:             in.Text,
		RequiresResponse: in.RequiresResponse,
		CreatedAt:        s.now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		insert into annotations(id, record_uuid, site_id, investigator_id, annotation_type, body, requires_response, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, ann.ID, ann.RecordUUID, ann.SiteID, ann.InvestigatorID, string(ann.Type), ann.Text, ann.RequiresResponse, ann.CreatedAt)
	if err != nil {
		return record.Annotation{}, err
	}
	return ann, nil
}

func (s *Store) ListAnnotations(ctx context.Context, actor access.Actor, recordUUID string) ([]record.Annotation, error) {
	key := strings.ToLower(strings.TrimSpace(recordUUID))
	state, err := s.readState(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeRecordRead(ctx, actor, state); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		select id, record_uuid, site_id, investigator_id, annotation_type, body, requires_response,
			created_at, resolved, coalesce(resolved_by,''), resolved_at
		from annotations where record_uuid = $1 order by created_at asc
	`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []record.Annotation
	for rows.Next() {
		var ann record.Annotation
		var typ string
		if err := rows.Scan(&ann.ID, &ann.RecordUUID, &ann.SiteID, &ann.InvestigatorID, &typ, &ann.Text,
			&ann.RequiresResponse, &ann.CreatedAt, &ann.Resolved, &ann.ResolvedBy, &ann.ResolvedAt); err != nil {
			return nil, err
		}
		ann.Type = record.AnnotationType(typ)
		out = append(out, ann)
	}
	return out, rows.Err()
}

func (s *Store) ResolveAnnotation(ctx context.Context, actor access.Actor, annotationID string) (record.Annotation, error) {
	var ann record.Annotation
	var typ string
	err := s.db.QueryRowContext(ctx, `
		select id, record_uuid, site_id, investigator_id, annotation_type, body, requires_response,
			created_at, resolved, coalesce(resolved_by,''), resolved_at
		from annotations where id = $1
	`, strings.TrimSpace(annotationID)).Scan(&ann.ID, &ann.RecordUUID, &ann.SiteID, &ann.InvestigatorID,
		&typ, &ann.Text, &ann.RequiresResponse, &ann.CreatedAt, &ann.Resolved, &ann.ResolvedBy, &ann.ResolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Annotation{}, fmt.Errorf("%w: annotation %s", record.ErrNotFound, annotationID)
	}
	if err != nil {
		return record.Annotation{}, err
	}
	ann.Type = record.AnnotationType(typ)

	state, err := s.readState(ctx, ann.RecordUUID)
	if err != nil {
		return record.Annotation{}, err
	}
	if err := s.engine.Authorize(ctx, access.Request{
		Actor:      actor,
		Intent:     access.IntentAnnotate,
		RecordUUID: ann.RecordUUID,
		PatientID:  state.PatientID,
		SiteID:     state.SiteID,
	}); err != nil {
		return record.Annotation{}, err
	}
	if ann.Resolved {
		return record.Annotation{}, fmt.Errorf("%w: annotation %s is already resolved", record.ErrInvalid, ann.ID)
	}

	now := s.now().UTC()
	if _, err := s.db.ExecContext(ctx, `
		update annotations set resolved = true, resolved_by = $2, resolved_at = $3 where id = $1
	`, ann.ID, actor.ID, now); err != nil {
		return record.Annotation{}, err
	}
	ann.Resolved = true
	ann.ResolvedBy = actor.ID
	ann.ResolvedAt = &now
	return ann, nil
}

func (s *Store) Export(ctx context.Context, actor access.Actor) (record.ExportBundle, error) {
	if err := s.engine.Authorize(ctx, access.Request{
		Actor:  actor,
		Intent: access.IntentExport,
		PHI:    true,
	}); err != nil {
		return record.ExportBundle{}, err
	}

	events, err := s.queryEvents(ctx, `
		select event_id, record_uuid, patient_id, site_id, operation, base_version, payload,
			actor_id, actor_role, client_timestamp, server_timestamp, parent_event_id,
			change_reason, conflict_resolved, coalesce(resolved_conflict_id,''), integrity_signature
		from events order by event_id asc
	`)
	if err != nil {
		return record.ExportBundle{}, err
	}
	entries, err := s.engine.AccessEntries(ctx)
	if err != nil {
		return record.ExportBundle{}, err
	}
	grants, err := s.engine.Grants(ctx)
	if err != nil {
		return record.ExportBundle{}, err
	}
	return record.ExportBundle{
		AsOf:       s.now().UTC(),
		Events:     events,
		AccessLog:  entries,
		BreakGlass: grants,
	}, nil
}

func (s *Store) AmendEvent(ctx context.Context, actor access.Actor, eventID int64) error {
	return fmt.Errorf("%w: event %d", record.ErrMutationForbidden, eventID)
}

func (s *Store) DeleteEvent(ctx context.Context, actor access.Actor, eventID int64) error {
	return fmt.Errorf("%w: event %d", record.ErrMutationForbidden, eventID)
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func lockState(ctx context.Context, tx *sql.Tx, key string) (*record.CurrentState, error) {
	var st record.CurrentState
	var payload []byte
	err := tx.QueryRowContext(ctx, `
		select record_uuid, patient_id, site_id, current_payload, version, last_event_id, is_deleted, updated_at
		from record_state where record_uuid = $1 for update
	`, key).Scan(&st.RecordUUID, &st.PatientID, &st.SiteID, &payload,
		&st.Version, &st.LastEventID, &st.IsDeleted, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st.CurrentPayload = json.RawMessage(payload)
	return &st, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev *record.Event) error {
	return tx.QueryRowContext(ctx, `
		insert into events(record_uuid, patient_id, site_id, operation, base_version, payload,
			actor_id, actor_role, client_timestamp, parent_event_id, change_reason,
			conflict_resolved, resolved_conflict_id, integrity_signature)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,nullif($13,''),$14)
		returning event_id, server_timestamp
	`, ev.RecordUUID, ev.PatientID, ev.SiteID, string(ev.Operation), ev.BaseVersion, []byte(ev.Payload),
		ev.ActorID, string(ev.ActorRole), ev.ClientTimestamp, ev.ParentEventID, ev.ChangeReason,
		ev.ConflictResolved, ev.ResolvedConflictID, ev.IntegritySignature,
	).Scan(&ev.EventID, &ev.ServerTimestamp)
}

func insertState(ctx context.Context, tx *sql.Tx, st *record.CurrentState) error {
	_, err := tx.ExecContext(ctx, `
		insert into record_state(record_uuid, patient_id, site_id, current_payload, version, last_event_id, is_deleted, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, st.RecordUUID, st.PatientID, st.SiteID, []byte(st.CurrentPayload),
		st.Version, st.LastEventID, st.IsDeleted, st.UpdatedAt)
	return err
}

func updateState(ctx context.Context, tx *sql.Tx, st *record.CurrentState) error {
	_, err := tx.ExecContext(ctx, `
		update record_state
		set current_payload = $2, version = $3, last_event_id = $4, is_deleted = $5, updated_at = $6
		where record_uuid = $1
	`, st.RecordUUID, []byte(st.CurrentPayload),
		st.Version, st.LastEventID, st.IsDeleted, st.UpdatedAt)
	return err
}

func (s *Store) readState(ctx context.Context, key string) (*record.CurrentState, error) {
	var st record.CurrentState
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		select record_uuid, patient_id, site_id, current_payload, version, last_event_id, is_deleted, updated_at
		from record_state where record_uuid = $1
	`, key).Scan(&st.RecordUUID, &st.PatientID, &st.SiteID, &payload,
		&st.Version, &st.LastEventID, &st.IsDeleted, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: record %s", record.ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	st.CurrentPayload = json.RawMessage(payload)
	return &st, nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]record.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []record.Event
	for rows.Next() {
		var ev record.Event
		var payload []byte
		var op, role string
		if err := rows.Scan(&ev.EventID, &ev.RecordUUID, &ev.PatientID, &ev.SiteID, &op, &ev.BaseVersion,
			&payload, &ev.ActorID, &role, &ev.ClientTimestamp, &ev.ServerTimestamp, &ev.ParentEventID,
			&ev.ChangeReason, &ev.ConflictResolved, &ev.ResolvedConflictID, &ev.IntegritySignature); err != nil {
			return nil, err
		}
		ev.Operation = record.Operation(op)
		ev.ActorRole = access.Role(role)
		ev.Payload = json.RawMessage(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanConflict(row rowScanner) (record.SyncConflict, error) {
	var c record.SyncConflict
	var clientPayload, serverPayload, resolvedPayload []byte
	var strategy string
	err := row.Scan(&c.ID, &c.RecordUUID, &c.PatientID, &c.SiteID, &c.EventID, &c.ClientVersion,
		&c.ServerVersion, &clientPayload, &serverPayload, &c.DetectedAt, &c.Resolved, &strategy,
		&resolvedPayload, &c.ResolvedBy, &c.ResolvedAt, &c.ResolutionEventID)
	if err != nil {
		return record.SyncConflict{}, err
	}
	c.ClientPayload = json.RawMessage(clientPayload)
	c.ServerPayload = json.RawMessage(serverPayload)
	if len(resolvedPayload) > 0 {
		c.ResolvedPayload = json.RawMessage(resolvedPayload)
	}
	c.ResolutionStrategy = record.Strategy(strategy)
	return c, nil
}

func (s *Store) authorizeRecordRead(ctx context.Context, actor access.Actor, state *record.CurrentState) error {
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
		return fmt.Errorf("%w: record %s", record.ErrNotFound, state.RecordUUID)
	}
	return err
}

func (s *Store) publishApplied(ev record.Event, version int64) {
	if s.stream == nil {
		return
	}
	s.stream.Publish(record.AppliedEvent{
		EventID:    ev.EventID,
		RecordUUID: ev.RecordUUID,
		SiteID:     ev.SiteID,
		Operation:  ev.Operation,
		NewVersion: version,
		Timestamp:  ev.ServerTimestamp,
	})
}

// withRetry retries once on a serialization failure, a deadlock, or a lost
// race on a record's first write; a second failure surfaces as ErrUnavailable
// so clients re-sync instead of guessing.
func (s *Store) withRetry(fn func() error) error {
	err := fn()
	if !isRetryable(err) {
		return err
	}
	if err = fn(); isRetryable(err) {
		return record.ErrUnavailable
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return true
		case "23505":
			// Two creates raced on the same record_uuid. The rerun locks the
			// committed row and projects this write as a conflict.
			return pgErr.ConstraintName == "record_state_pkey"
		}
	}
	return false
}

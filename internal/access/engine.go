package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"trialdiary.org/internal/ids"
	"trialdiary.org/internal/obs"
)

const (
	defaultGrantTTL = 15 * time.Minute
	maxGrantTTL     = 4 * time.Hour
)

// rolePolicy is one row of the policy table from which every authorization
// decision is derived. Keeping the whole policy in data makes the table
// unit-testable in isolation.
type rolePolicy struct {
	readAll      bool   // read any record, any site
	readAssigned bool   // read records at active assigned sites
	readOwn      bool   // read own records only
	readDeleted  bool   // soft-deleted rows visible
	writeOwn     bool   // mutate own records only
	writeSite    bool   // mutate at sites with read-write/admin level
	writeAll     bool
	opPrefix     string // operation kinds this role may author
	annotate     bool   // may attach annotations to records
	grantForPHI  bool   // PHI reads require an active break-glass grant
	readLogs     bool   // access/action logs visible (export)
}

var policies = map[Role]rolePolicy{
	RolePatient:      {readOwn: true, writeOwn: true, opPrefix: "patient-"},
	RoleInvestigator: {readAssigned: true, writeSite: true, annotate: true, opPrefix: "investigator-"},
	RoleAnalyst:      {readAssigned: true, readDeleted: true},
	RoleSponsor:      {readAll: true, readDeleted: true},
	RoleAuditor:      {readAll: true, readDeleted: true, readLogs: true},
	RoleAdmin:        {readAll: true, readDeleted: true, writeAll: true, opPrefix: "admin-", annotate: true, grantForPHI: true, readLogs: true},
}

// Scope is the resolved read visibility for one actor, used by list queries.
type Scope struct {
	All            bool
	PatientID      string
	SiteIDs        []string
	IncludeDeleted bool
	GrantID        string
}

// Allows reports whether a record owned by the given patient at the given
// site falls inside the scope.
func (s Scope) Allows(patientID, siteID string) bool {
	if s.All {
		return true
	}
	if s.PatientID != "" {
		return patientID == s.PatientID
	}
	for _, id := range s.SiteIDs {
		if id == siteID {
			return true
		}
	}
	return false
}

// Engine evaluates the role policy table against site assignments and
// break-glass grants. Every denial and every break-glass-backed read is
// appended to the access log before the caller hears anything.
type Engine struct {
	assignments AssignmentStore
	grants      GrantStore
	log         AccessLog
	now         func() time.Time
}

// EngineOption configures Engine behavior.
type EngineOption func(*Engine)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEngine constructs the access control engine.
func NewEngine(assignments AssignmentStore, grants GrantStore, log AccessLog, opts ...EngineOption) (*Engine, error) {
	if assignments == nil || grants == nil || log == nil {
		return nil, errors.New("access: assignment store, grant store and access log are required")
	}
	e := &Engine{
		assignments: assignments,
		grants:      grants,
		log:         log,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Authorize answers one authorization question. A nil return means allow.
// Denials always come back as the generic ErrForbidden; the concrete reason
// only ever reaches the access log.
func (e *Engine) Authorize(ctx context.Context, req Request) error {
	pol, err := e.policyFor(req.Actor)
	if err != nil {
		return e.deny(ctx, req, err.Error())
	}

	switch req.Intent {
	case IntentRead:
		return e.authorizeRead(ctx, req, pol)
	case IntentWrite, IntentAnnotate, IntentResolve:
		return e.authorizeWrite(ctx, req, pol)
	case IntentExport:
		return e.authorizeExport(ctx, req, pol)
	default:
		return e.deny(ctx, req, fmt.Sprintf("unknown intent %q", req.Intent))
	}
}

// ReadScope resolves the visibility window for list queries. For admins the
// PHI break-glass check happens here, so a list read produces exactly one
// access-log entry like any other read.
func (e *Engine) ReadScope(ctx context.Context, actor Actor) (Scope, error) {
	req := Request{Actor: actor, Intent: IntentRead, PHI: true}
	pol, err := e.policyFor(actor)
	if err != nil {
		return Scope{}, e.deny(ctx, req, err.Error())
	}

	switch {
	case pol.readAll:
		scope := Scope{All: true, IncludeDeleted: pol.readDeleted}
		if pol.grantForPHI {
			grant, err := e.activeGrant(ctx, actor.ID)
			if err != nil {
				return Scope{}, err
			}
			if grant == nil {
				return Scope{}, e.deny(ctx, req, "admin PHI read without active break-glass grant")
			}
			scope.GrantID = grant.ID
			e.logBreakGlassUse(ctx, req, grant.ID)
		}
		return scope, nil
	case pol.readAssigned:
		assignments, err := e.assignments.ListBySubject(ctx, actor.ID)
		if err != nil {
			return Scope{}, err
		}
		scope := Scope{IncludeDeleted: pol.readDeleted}
		for _, a := range assignments {
			if a.IsActive {
				scope.SiteIDs = append(scope.SiteIDs, a.SiteID)
			}
		}
		if len(scope.SiteIDs) == 0 {
			return Scope{}, e.deny(ctx, req, "no active site assignments")
		}
		return scope, nil
	case pol.readOwn:
		return Scope{PatientID: actor.ID}, nil
	default:
		return Scope{}, e.deny(ctx, req, "role has no read scope")
	}
}

// GrantBreakGlass issues a time-boxed PHI authorization for an administrator.
// Granting is itself a logged action.
func (e *Engine) GrantBreakGlass(ctx context.Context, grantor Actor, adminID, justification string, duration time.Duration) (*Grant, error) {
	if grantor.Role != RoleAdmin {
		return nil, e.deny(ctx, Request{Actor: grantor, Intent: IntentWrite, Operation: "break-glass-grant"}, "only admins may grant break-glass access")
	}
	adminID = strings.TrimSpace(adminID)
	if adminID == "" {
		return nil, fmt.Errorf("%w: admin_id is required", ErrInvalidInput)
	}
	justification = strings.TrimSpace(justification)
	if justification == "" {
		return nil, fmt.Errorf("%w: justification is required", ErrInvalidInput)
	}
	if duration <= 0 {
		duration = defaultGrantTTL
	}
	if duration > maxGrantTTL {
		duration = maxGrantTTL
	}

	now := e.now().UTC()
	grant := &Grant{
		ID:            ids.New(),
		AdminID:       adminID,
		GrantedBy:     grantor.ID,
		Justification: justification,
		GrantedAt:     now,
		ExpiresAt:     now.Add(duration),
	}
	if err := e.grants.Create(ctx, grant); err != nil {
		return nil, err
	}
	obs.IncBreakGlassGrant()
	e.append(ctx, &LogEntry{
		OccurredAt: now,
		ActorID:    grantor.ID,
		ActorRole:  grantor.Role,
		Intent:     IntentWrite,
		Operation:  "break-glass-grant",
		Decision:   DecisionAllow,
		Reason:     justification,
		GrantID:    grant.ID,
	})
	return grant, nil
}

// RevokeBreakGlass ends a grant before its natural expiry.
func (e *Engine) RevokeBreakGlass(ctx context.Context, actor Actor, grantID string) error {
	if actor.Role != RoleAdmin {
		return e.deny(ctx, Request{Actor: actor, Intent: IntentWrite, Operation: "break-glass-revoke"}, "only admins may revoke break-glass access")
	}
	grantID = strings.TrimSpace(grantID)
	if grantID == "" {
		return fmt.Errorf("%w: grant_id is required", ErrInvalidInput)
	}
	now := e.now().UTC()
	if err := e.grants.Revoke(ctx, grantID, actor.ID, now); err != nil {
		return err
	}
	e.append(ctx, &LogEntry{
		OccurredAt: now,
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Intent:     IntentWrite,
		Operation:  "break-glass-revoke",
		Decision:   DecisionAllow,
		GrantID:    grantID,
	})
	return nil
}

// UpsertAssignment manages the site-assignment table. Admin only.
func (e *Engine) UpsertAssignment(ctx context.Context, actor Actor, a *SiteAssignment) error {
	if actor.Role != RoleAdmin {
		return e.deny(ctx, Request{Actor: actor, Intent: IntentWrite, Operation: "assignment-upsert", SiteID: a.SiteID}, "only admins may manage site assignments")
	}
	if a == nil || strings.TrimSpace(a.SubjectID) == "" || strings.TrimSpace(a.SiteID) == "" {
		return fmt.Errorf("%w: subject_id and site_id are required", ErrInvalidInput)
	}
	if _, err := ParseRole(string(a.Role)); err != nil {
		return err
	}
	if a.Role == RoleInvestigator && a.AccessLevel == "" {
		a.AccessLevel = LevelReadOnly
	}
	return e.assignments.Upsert(ctx, a)
}

// ListAssignments returns the assignments visible to the actor: admins and
// auditors see any subject, everyone else only their own.
func (e *Engine) ListAssignments(ctx context.Context, actor Actor, subjectID string) ([]SiteAssignment, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		subjectID = actor.ID
	}
	if subjectID != actor.ID && actor.Role != RoleAdmin && actor.Role != RoleAuditor {
		return nil, e.deny(ctx, Request{Actor: actor, Intent: IntentRead, Operation: "assignment-list"}, "assignments of other subjects are not visible to this role")
	}
	return e.assignments.ListBySubject(ctx, subjectID)
}

// AccessEntries exposes the access log for the regulatory export.
func (e *Engine) AccessEntries(ctx context.Context) ([]LogEntry, error) {
	return e.log.Entries(ctx)
}

// Grants exposes the break-glass log for the regulatory export.
func (e *Engine) Grants(ctx context.Context) ([]Grant, error) {
	return e.grants.List(ctx)
}

// --- policy evaluation ---

func (e *Engine) authorizeRead(ctx context.Context, req Request, pol rolePolicy) error {
	if req.IncludeDeleted && !pol.readDeleted {
		return e.deny(ctx, req, "soft-deleted records not visible to this role")
	}
	switch {
	case pol.readAll:
		if pol.grantForPHI && req.PHI {
			grant, err := e.activeGrant(ctx, req.Actor.ID)
			if err != nil {
				return err
			}
			if grant == nil {
				return e.deny(ctx, req, "admin PHI read without active break-glass grant")
			}
			e.logBreakGlassUse(ctx, req, grant.ID)
		}
		return nil
	case pol.readAssigned:
		return e.requireActiveAssignment(ctx, req, false)
	case pol.readOwn:
		if req.PatientID != req.Actor.ID {
			return e.deny(ctx, req, "patient may only read own records")
		}
		return nil
	default:
		return e.deny(ctx, req, "role has no read scope")
	}
}

func (e *Engine) authorizeWrite(ctx context.Context, req Request, pol rolePolicy) error {
	if req.Intent == IntentWrite && (pol.opPrefix == "" || !strings.HasPrefix(req.Operation, pol.opPrefix)) {
		return e.deny(ctx, req, fmt.Sprintf("operation %q not permitted for role %s", req.Operation, req.Actor.Role))
	}
	if req.Intent == IntentAnnotate && !pol.annotate {
		return e.deny(ctx, req, fmt.Sprintf("role %s may not annotate records", req.Actor.Role))
	}
	switch {
	case pol.writeAll:
		return nil
	case pol.writeOwn:
		if req.PatientID != req.Actor.ID {
			return e.deny(ctx, req, "patient may only write own records")
		}
		// Enrollment gate: the patient must be actively assigned to the site.
		return e.requireActiveAssignment(ctx, req, false)
	case pol.writeSite:
		return e.requireActiveAssignment(ctx, req, true)
	default:
		return e.deny(ctx, req, "role has no write scope")
	}
}

func (e *Engine) authorizeExport(ctx context.Context, req Request, pol rolePolicy) error {
	if !pol.readLogs {
		return e.deny(ctx, req, "role may not export audit data")
	}
	if pol.grantForPHI {
		grant, err := e.activeGrant(ctx, req.Actor.ID)
		if err != nil {
			return err
		}
		if grant == nil {
			return e.deny(ctx, req, "admin export without active break-glass grant")
		}
		e.logBreakGlassUse(ctx, req, grant.ID)
	}
	return nil
}

func (e *Engine) requireActiveAssignment(ctx context.Context, req Request, needsWriteLevel bool) error {
	if strings.TrimSpace(req.SiteID) == "" {
		return e.deny(ctx, req, "site scope missing")
	}
	assignment, err := e.assignments.Active(ctx, req.Actor.ID, req.SiteID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return e.deny(ctx, req, fmt.Sprintf("no active assignment at site %s", req.SiteID))
		}
		return err
	}
	if needsWriteLevel && !assignment.AccessLevel.CanWrite() {
		return e.deny(ctx, req, fmt.Sprintf("access level %s does not permit writes at site %s", assignment.AccessLevel, req.SiteID))
	}
	return nil
}

func (e *Engine) policyFor(actor Actor) (rolePolicy, error) {
	if strings.TrimSpace(actor.ID) == "" {
		return rolePolicy{}, errors.New("actor identity missing")
	}
	pol, ok := policies[actor.Role]
	if !ok {
		return rolePolicy{}, fmt.Errorf("unknown role %q", actor.Role)
	}
	return pol, nil
}

func (e *Engine) activeGrant(ctx context.Context, adminID string) (*Grant, error) {
	grant, err := e.grants.ActiveForAdmin(ctx, adminID, e.now().UTC())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return grant, nil
}

func (e *Engine) logBreakGlassUse(ctx context.Context, req Request, grantID string) {
	obs.IncBreakGlassUse()
	e.append(ctx, &LogEntry{
		OccurredAt: e.now().UTC(),
		ActorID:    req.Actor.ID,
		ActorRole:  req.Actor.Role,
		Intent:     req.Intent,
		Operation:  req.Operation,
		RecordUUID: req.RecordUUID,
		PatientID:  req.PatientID,
		SiteID:     req.SiteID,
		Decision:   DecisionBreakGlass,
		GrantID:    grantID,
	})
}

func (e *Engine) deny(ctx context.Context, req Request, reason string) error {
	obs.IncAccessDenial(string(req.Actor.Role))
	e.append(ctx, &LogEntry{
		OccurredAt: e.now().UTC(),
		ActorID:    req.Actor.ID,
		ActorRole:  req.Actor.Role,
		Intent:     req.Intent,
		Operation:  req.Operation,
		RecordUUID: req.RecordUUID,
		PatientID:  req.PatientID,
		SiteID:     req.SiteID,
		Decision:   DecisionDeny,
		Reason:     reason,
	})
	return ErrForbidden
}

func (e *Engine) append(ctx context.Context, entry *LogEntry) {
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	// The access log is best-effort relative to the denial itself: a caller
	// must never be told more because logging failed.
	_ = e.log.Append(ctx, entry)
}

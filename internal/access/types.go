package access

import (
	"fmt"
	"strings"
	"time"
)

// Role is the trial-level role an actor operates under. Roles are closed:
// every operation in the system is evaluated against exactly one of these.
type Role string

const (
	RolePatient      Role = "patient"
	RoleInvestigator Role = "investigator"
	RoleAnalyst      Role = "analyst"
	RoleSponsor      Role = "sponsor"
	RoleAuditor      Role = "auditor"
	RoleAdmin        Role = "admin"
)

// ParseRole normalizes and validates a role string.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.TrimSpace(strings.ToLower(raw)))
	switch role {
	case RolePatient, RoleInvestigator, RoleAnalyst, RoleSponsor, RoleAuditor, RoleAdmin:
		return role, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, raw)
	}
}

// AccessLevel qualifies an investigator's site assignment.
type AccessLevel string

const (
	LevelReadOnly  AccessLevel = "read-only"
	LevelReadWrite AccessLevel = "read-write"
	LevelAdmin     AccessLevel = "admin"
)

// CanWrite reports whether the level permits mutations at the site.
func (l AccessLevel) CanWrite() bool {
	return l == LevelReadWrite || l == LevelAdmin
}

// Actor is the explicit request context threaded through every call. There is
// no ambient "current user"; a missing actor is a denial, never a default.
type Actor struct {
	ID   string
	Role Role
}

// SiteAssignment binds a patient, investigator or analyst to a trial site.
type SiteAssignment struct {
	ID          string      `json:"id"`
	SubjectID   string      `json:"subject_id"`
	Role        Role        `json:"role"`
	SiteID      string      `json:"site_id"`
	AccessLevel AccessLevel `json:"access_level,omitempty"`
	IsActive    bool        `json:"is_active"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Grant is a time-boxed break-glass authorization for one administrator.
type Grant struct {
	ID            string     `json:"id"`
	AdminID       string     `json:"admin_id"`
	GrantedBy     string     `json:"granted_by"`
	Justification string     `json:"justification"`
	GrantedAt     time.Time  `json:"granted_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	Revoked       bool       `json:"revoked"`
	RevokedBy     string     `json:"revoked_by,omitempty"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
}

// ActiveAt reports whether the grant authorizes access at the given instant.
func (g Grant) ActiveAt(now time.Time) bool {
	return !g.Revoked && now.Before(g.ExpiresAt) && !now.Before(g.GrantedAt)
}

// Intent classifies what an operation is about to do with patient data.
type Intent string

const (
	IntentRead     Intent = "read"
	IntentWrite    Intent = "write"
	IntentAnnotate Intent = "annotate"
	IntentResolve  Intent = "resolve"
	IntentExport   Intent = "export"
)

// Request describes one authorization question. PHI marks operations whose
// result carries clinical payloads; IncludeDeleted marks reads that surface
// soft-deleted rows.
type Request struct {
	Actor          Actor
	Intent         Intent
	Operation      string
	RecordUUID     string
	PatientID      string
	SiteID         string
	PHI            bool
	IncludeDeleted bool
}

// Decision values recorded in the access log.
const (
	DecisionAllow      = "allow"
	DecisionDeny       = "deny"
	DecisionBreakGlass = "break-glass"
)

// LogEntry is one row of the persistent access log. Denials keep the real
// reason here; callers only ever see the generic denial.
type LogEntry struct {
	ID         string    `json:"id"`
	OccurredAt time.Time `json:"occurred_at"`
	ActorID    string    `json:"actor_id"`
	ActorRole  Role      `json:"actor_role"`
	Intent     Intent    `json:"intent"`
	Operation  string    `json:"operation,omitempty"`
	RecordUUID string    `json:"record_uuid,omitempty"`
	PatientID  string    `json:"patient_id,omitempty"`
	SiteID     string    `json:"site_id,omitempty"`
	Decision   string    `json:"decision"`
	Reason     string    `json:"reason,omitempty"`
	GrantID    string    `json:"grant_id,omitempty"`
}

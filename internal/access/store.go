package access

import (
	"context"
	"time"
)

// AssignmentStore persists patient/investigator/analyst site assignments.
type AssignmentStore interface {
	Upsert(ctx context.Context, a *SiteAssignment) error
	Active(ctx context.Context, subjectID, siteID string) (*SiteAssignment, error)
	ListBySubject(ctx context.Context, subjectID string) ([]SiteAssignment, error)
}

// GrantStore persists break-glass authorizations. Grants are never deleted;
// revocation is a flag.
type GrantStore interface {
	Create(ctx context.Context, g *Grant) error
	Find(ctx context.Context, id string) (*Grant, error)
	ActiveForAdmin(ctx context.Context, adminID string, now time.Time) (*Grant, error)
	Revoke(ctx context.Context, id, revokedBy string, at time.Time) error
	List(ctx context.Context) ([]Grant, error)
}

// AccessLog is the append-only record of denials and break-glass activity.
type AccessLog interface {
	Append(ctx context.Context, e *LogEntry) error
	Entries(ctx context.Context) ([]LogEntry, error)
}

package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"trialdiary.org/internal/access"
	"trialdiary.org/internal/ids"
)

// AccessStore is the durable backing for the access control engine: site
// assignments, break-glass grants and the access log. It is a separate type
// from Store because the engine sits underneath the record service.
type AccessStore struct {
	db *sql.DB
}

var (
	_ access.AssignmentStore = (*AccessStore)(nil)
	_ access.GrantStore      = (*AccessStore)(nil)
	_ access.AccessLog       = (*AccessStore)(nil)
)

// NewAccessStore wires the access stores to an open handle.
func NewAccessStore(db *sql.DB) *AccessStore {
	return &AccessStore{db: db}
}

func (s *AccessStore) Upsert(ctx context.Context, a *access.SiteAssignment) error {
	if a.ID == "" {
		a.ID = ids.New()
	}
	now := time.Now().UTC()
	return s.db.QueryRowContext(ctx, `
		insert into site_assignments (id, subject_id, subject_role, site_id, access_level, is_active, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$7)
		on conflict (subject_id, site_id) do update
		set subject_role = excluded.subject_role,
			access_level = excluded.access_level,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
		returning id, created_at, updated_at
	`, a.ID, a.SubjectID, string(a.Role), a.SiteID, string(a.AccessLevel), a.IsActive, now).
		Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
}

func (s *AccessStore) Active(ctx context.Context, subjectID, siteID string) (*access.SiteAssignment, error) {
	a, err := s.scanAssignment(s.db.QueryRowContext(ctx, `
		select id, subject_id, subject_role, site_id, access_level, is_active, created_at, updated_at
		from site_assignments where subject_id = $1 and site_id = $2 and is_active
	`, subjectID, siteID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: assignment %s/%s", access.ErrNotFound, subjectID, siteID)
	}
	return a, err
}

func (s *AccessStore) ListBySubject(ctx context.Context, subjectID string) ([]access.SiteAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, subject_id, subject_role, site_id, access_level, is_active, created_at, updated_at
		from site_assignments where subject_id = $1 order by site_id
	`, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.SiteAssignment
	for rows.Next() {
		a, err := s.scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *AccessStore) Create(ctx context.Context, g *access.Grant) error {
	if g.ID == "" {
		g.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into break_glass_grants (id, admin_id, granted_by, justification, granted_at, expires_at)
		values ($1,$2,$3,$4,$5,$6)
	`, g.ID, g.AdminID, g.GrantedBy, g.Justification, g.GrantedAt, g.ExpiresAt)
	return err
}

func (s *AccessStore) Find(ctx context.Context, id string) (*access.Grant, error) {
	g, err := s.scanGrant(s.db.QueryRowContext(ctx, grantColumns+` where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: grant %s", access.ErrNotFound, id)
	}
	return g, err
}

func (s *AccessStore) ActiveForAdmin(ctx context.Context, adminID string, now time.Time) (*access.Grant, error) {
	g, err := s.scanGrant(s.db.QueryRowContext(ctx, grantColumns+`
		where admin_id = $1 and not revoked and granted_at <= $2 and expires_at > $2
		order by expires_at desc limit 1
	`, adminID, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no active grant for %s", access.ErrNotFound, adminID)
	}
	return g, err
}

func (s *AccessStore) Revoke(ctx context.Context, id, revokedBy string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update break_glass_grants set revoked = true, revoked_by = $2, revoked_at = $3 where id = $1
	`, id, revokedBy, at)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: grant %s", access.ErrNotFound, id)
	}
	return nil
}

func (s *AccessStore) List(ctx context.Context) ([]access.Grant, error) {
	rows, err := s.db.QueryContext(ctx, grantColumns+` order by granted_at asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.Grant
	for rows.Next() {
		g, err := s.scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

func (s *AccessStore) Append(ctx context.Context, e *access.LogEntry) error {
	if e.ID == "" {
		e.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into access_log (id, occurred_at, actor_id, actor_role, intent, operation,
			record_uuid, patient_id, site_id, decision, reason, grant_id)
		values ($1,$2,$3,$4,$5,nullif($6,''),nullif($7,''),nullif($8,''),nullif($9,''),$10,nullif($11,''),nullif($12,''))
	`, e.ID, e.OccurredAt, e.ActorID, string(e.ActorRole), string(e.Intent), e.Operation,
		e.RecordUUID, e.PatientID, e.SiteID, e.Decision, e.Reason, e.GrantID)
	return err
}

func (s *AccessStore) Entries(ctx context.Context) ([]access.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, occurred_at, actor_id, actor_role, intent, coalesce(operation,''),
			coalesce(record_uuid,''), coalesce(patient_id,''), coalesce(site_id,''),
			decision, coalesce(reason,''), coalesce(grant_id,'')
		from access_log order by occurred_at asc, id asc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.LogEntry
	for rows.Next() {
		var e access.LogEntry
		var role, intent string
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.ActorID, &role, &intent, &e.Operation,
			&e.RecordUUID, &e.PatientID, &e.SiteID, &e.Decision, &e.Reason, &e.GrantID); err != nil {
			return nil, err
		}
		e.ActorRole = access.Role(role)
		e.Intent = access.Intent(intent)
		out = append(out, e)
	}
	return out, rows.Err()
}

const grantColumns = `
	select id, admin_id, granted_by, justification, granted_at, expires_at,
		revoked, coalesce(revoked_by,''), revoked_at
	from break_glass_grants`

func (s *AccessStore) scanAssignment(row rowScanner) (*access.SiteAssignment, error) {
	var a access.SiteAssignment
	var role, level string
	if err := row.Scan(&a.ID, &a.SubjectID, &role, &a.SiteID, &level, &a.IsActive, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Role = access.Role(role)
	a.AccessLevel = access.AccessLevel(level)
	return &a, nil
}

func (s *AccessStore) scanGrant(row rowScanner) (*access.Grant, error) {
	var g access.Grant
	if err := row.Scan(&g.ID, &g.AdminID, &g.GrantedBy, &g.Justification, &g.GrantedAt,
		&g.ExpiresAt, &g.Revoked, &g.RevokedBy, &g.RevokedAt); err != nil {
		return nil, err
	}
	return &g, nil
}

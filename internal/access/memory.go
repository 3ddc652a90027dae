package access

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"trialdiary.org/internal/ids"
)

// MemoryStore implements AssignmentStore, GrantStore and AccessLog in
// process memory. It backs the in-memory record service and tests; the
// Postgres implementations live in internal/store/pg.
type MemoryStore struct {
	mu          sync.RWMutex
	assignments map[string]*SiteAssignment // subjectID|siteID -> assignment
	grants      map[string]*Grant
	entries     []LogEntry
}

var (
	_ AssignmentStore = (*MemoryStore)(nil)
	_ GrantStore      = (*MemoryStore)(nil)
	_ AccessLog       = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assignments: make(map[string]*SiteAssignment),
		grants:      make(map[string]*Grant),
	}
}

func assignmentKey(subjectID, siteID string) string {
	return subjectID + "|" + siteID
}

func (m *MemoryStore) Upsert(ctx context.Context, a *SiteAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	key := assignmentKey(a.SubjectID, a.SiteID)
	if existing, ok := m.assignments[key]; ok {
		a.ID = existing.ID
		a.CreatedAt = existing.CreatedAt
	} else {
		if a.ID == "" {
			a.ID = ids.New()
		}
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	copied := *a
	m.assignments[key] = &copied
	return nil
}

func (m *MemoryStore) Active(ctx context.Context, subjectID, siteID string) (*SiteAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[assignmentKey(subjectID, siteID)]
	if !ok || !a.IsActive {
		return nil, fmt.Errorf("%w: assignment %s/%s", ErrNotFound, subjectID, siteID)
	}
	copied := *a
	return &copied, nil
}

func (m *MemoryStore) ListBySubject(ctx context.Context, subjectID string) ([]SiteAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []SiteAssignment
	for _, a := range m.assignments {
		if a.SubjectID == subjectID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *MemoryStore) Create(ctx context.Context, g *Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g.ID == "" {
		g.ID = ids.New()
	}
	copied := *g
	m.grants[g.ID] = &copied
	return nil
}

func (m *MemoryStore) Find(ctx context.Context, id string) (*Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.grants[id]
	if !ok {
		return nil, fmt.Errorf("%w: grant %s", ErrNotFound, id)
	}
	copied := *g
	return &copied, nil
}

func (m *MemoryStore) ActiveForAdmin(ctx context.Context, adminID string, now time.Time) (*Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *Grant
	for _, g := range m.grants {
		if g.AdminID != adminID || !g.ActiveAt(now) {
			continue
		}
		if best == nil || g.ExpiresAt.After(best.ExpiresAt) {
			best = g
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: no active grant for %s", ErrNotFound, adminID)
	}
	copied := *best
	return &copied, nil
}

func (m *MemoryStore) Revoke(ctx context.Context, id, revokedBy string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	if !ok {
		return fmt.Errorf("%w: grant %s", ErrNotFound, id)
	}
	g.Revoked = true
	g.RevokedBy = revokedBy
	revokedAt := at
	g.RevokedAt = &revokedAt
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Grant, 0, len(m.grants))
	for _, g := range m.grants {
		out = append(out, *g)
	}
	sortGrants(out)
	return out, nil
}

func (m *MemoryStore) Append(ctx context.Context, e *LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = ids.New()
	}
	m.entries = append(m.entries, *e)
	return nil
}

func (m *MemoryStore) Entries(ctx context.Context) ([]LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]LogEntry, len(m.entries))
	copy(out, m.entries)
	return out, nil
}

func sortGrants(grants []Grant) {
	sort.Slice(grants, func(i, j int) bool {
		return grants[i].GrantedAt.Before(grants[j].GrantedAt)
	})
}

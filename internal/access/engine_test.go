package access

import (
	"context"
	"errors"
	"testing"
	"time"
)

const (
	testSiteA = "SITE-001"
	testSiteB = "SITE-002"
)

func newTestEngine(t *testing.T, opts ...EngineOption) (*Engine, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	engine, err := NewEngine(store, store, store, opts...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine, store
}

func enroll(t *testing.T, store *MemoryStore, subjectID string, role Role, siteID string, level AccessLevel) {
	t.Helper()
	err := store.Upsert(context.Background(), &SiteAssignment{
		SubjectID:   subjectID,
		Role:        role,
		SiteID:      siteID,
		AccessLevel: level,
		IsActive:    true,
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
}

func TestAuthorizePatientOwnRecordsOnly(t *testing.T) {
	engine, store := newTestEngine(t)
	enroll(t, store, "pat-1", RolePatient, testSiteA, LevelReadWrite)
	ctx := context.Background()
	actor := Actor{ID: "pat-1", Role: RolePatient}

	read := Request{Actor: actor, Intent: IntentRead, PatientID: "pat-1", SiteID: testSiteA, PHI: true}
	if err := engine.Authorize(ctx, read); err != nil {
		t.Fatalf("own read: %v", err)
	}

	read.PatientID = "pat-2"
	if err := engine.Authorize(ctx, read); !errors.Is(err, ErrForbidden) {
		t.Fatalf("foreign read err = %v, want ErrForbidden", err)
	}

	write := Request{Actor: actor, Intent: IntentWrite, Operation: "patient-update", PatientID: "pat-1", SiteID: testSiteA}
	if err := engine.Authorize(ctx, write); err != nil {
		t.Fatalf("own write: %v", err)
	}

	// Role prefix gate: a patient token can never author investigator ops.
	write.Operation = "investigator-update"
	if err := engine.Authorize(ctx, write); !errors.Is(err, ErrForbidden) {
		t.Fatalf("op prefix err = %v, want ErrForbidden", err)
	}
}

func TestAuthorizePatientRequiresActiveEnrollment(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	actor := Actor{ID: "pat-1", Role: RolePatient}
	write := Request{Actor: actor, Intent: IntentWrite, Operation: "patient-create", PatientID: "pat-1", SiteID: testSiteA}

	if err := engine.Authorize(ctx, write); !errors.Is(err, ErrForbidden) {
		t.Fatalf("unenrolled write err = %v, want ErrForbidden", err)
	}

	enroll(t, store, "pat-1", RolePatient, testSiteA, LevelReadWrite)
	if err := engine.Authorize(ctx, write); err != nil {
		t.Fatalf("enrolled write: %v", err)
	}

	// Deactivation takes effect immediately.
	err := store.Upsert(ctx, &SiteAssignment{SubjectID: "pat-1", Role: RolePatient, SiteID: testSiteA, AccessLevel: LevelReadWrite, IsActive: false})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := engine.Authorize(ctx, write); !errors.Is(err, ErrForbidden) {
		t.Fatalf("deactivated write err = %v, want ErrForbidden", err)
	}
}

func TestAuthorizeInvestigatorAccessLevel(t *testing.T) {
	engine, store := newTestEngine(t)
	enroll(t, store, "inv-1", RoleInvestigator, testSiteA, LevelReadOnly)
	ctx := context.Background()
	actor := Actor{ID: "inv-1", Role: RoleInvestigator}

	read := Request{Actor: actor, Intent: IntentRead, SiteID: testSiteA, PHI: true}
	if err := engine.Authorize(ctx, read); err != nil {
		t.Fatalf("read-only read: %v", err)
	}

	write := Request{Actor: actor, Intent: IntentWrite, Operation: "investigator-update", SiteID: testSiteA}
	if err := engine.Authorize(ctx, write); !errors.Is(err, ErrForbidden) {
		t.Fatalf("read-only write err = %v, want ErrForbidden", err)
	}

	enroll(t, store, "inv-1", RoleInvestigator, testSiteA, LevelReadWrite)
	if err := engine.Authorize(ctx, write); err != nil {
		t.Fatalf("read-write write: %v", err)
	}

	write.SiteID = testSiteB
	if err := engine.Authorize(ctx, write); !errors.Is(err, ErrForbidden) {
		t.Fatalf("unassigned site write err = %v, want ErrForbidden", err)
	}
}

func TestAuthorizeReadOnlyRolesCannotWrite(t *testing.T) {
	engine, store := newTestEngine(t)
	enroll(t, store, "ana-1", RoleAnalyst, testSiteA, LevelReadOnly)
	ctx := context.Background()

	for _, actor := range []Actor{
		{ID: "ana-1", Role: RoleAnalyst},
		{ID: "spo-1", Role: RoleSponsor},
		{ID: "aud-1", Role: RoleAuditor},
	} {
		req := Request{Actor: actor, Intent: IntentWrite, Operation: "admin-update", SiteID: testSiteA}
		if err := engine.Authorize(ctx, req); !errors.Is(err, ErrForbidden) {
			t.Fatalf("%s write err = %v, want ErrForbidden", actor.Role, err)
		}
	}
}

func TestDenialsAreGenericButLogged(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	req := Request{
		Actor:     Actor{ID: "spo-1", Role: RoleSponsor},
		Intent:    IntentWrite,
		Operation: "admin-update",
		SiteID:    testSiteA,
	}

	err := engine.Authorize(ctx, req)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
	if err.Error() != ErrForbidden.Error() {
		t.Fatalf("denial leaked detail: %q", err.Error())
	}

	entries, _ := store.Entries(ctx)
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Decision != DecisionDeny || e.Reason == "" || e.ActorID != "spo-1" {
		t.Fatalf("entry = %+v", e)
	}
}

func TestBreakGlassGrantLifecycle(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	engine, store := newTestEngine(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()
	grantor := Actor{ID: "adm-1", Role: RoleAdmin}

	if _, err := engine.GrantBreakGlass(ctx, Actor{ID: "inv-1", Role: RoleInvestigator}, "adm-2", "x", 0); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-admin grant err = %v, want ErrForbidden", err)
	}
	if _, err := engine.GrantBreakGlass(ctx, grantor, "adm-2", "", 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("missing justification err = %v, want ErrInvalidInput", err)
	}

	grant, err := engine.GrantBreakGlass(ctx, grantor, "adm-2", "incident 9934", 0)
	if err != nil {
		t.Fatalf("GrantBreakGlass: %v", err)
	}
	if got := grant.ExpiresAt.Sub(grant.GrantedAt); got != 15*time.Minute {
		t.Fatalf("default ttl = %v", got)
	}

	long, err := engine.GrantBreakGlass(ctx, grantor, "adm-3", "incident 9934", 24*time.Hour)
	if err != nil {
		t.Fatalf("GrantBreakGlass: %v", err)
	}
	if got := long.ExpiresAt.Sub(long.GrantedAt); got != 4*time.Hour {
		t.Fatalf("clamped ttl = %v", got)
	}

	admin := Actor{ID: "adm-2", Role: RoleAdmin}
	read := Request{Actor: admin, Intent: IntentRead, PatientID: "pat-1", SiteID: testSiteA, PHI: true}
	if err := engine.Authorize(ctx, read); err != nil {
		t.Fatalf("granted PHI read: %v", err)
	}

	// Expiry is purely time-based.
	now = now.Add(16 * time.Minute)
	if err := engine.Authorize(ctx, read); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expired PHI read err = %v, want ErrForbidden", err)
	}

	// Non-PHI admin actions never need a grant.
	write := Request{Actor: admin, Intent: IntentWrite, Operation: "admin-correction", SiteID: testSiteA}
	if err := engine.Authorize(ctx, write); err != nil {
		t.Fatalf("admin write: %v", err)
	}

	entries, _ := store.Entries(ctx)
	var grants, uses int
	for _, e := range entries {
		if e.Operation == "break-glass-grant" && e.Decision == DecisionAllow {
			grants++
		}
		if e.Decision == DecisionBreakGlass {
			uses++
		}
	}
	if grants != 2 || uses != 1 {
		t.Fatalf("logged grants = %d, uses = %d", grants, uses)
	}
}

func TestBreakGlassRevoke(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	grantor := Actor{ID: "adm-1", Role: RoleAdmin}

	grant, err := engine.GrantBreakGlass(ctx, grantor, "adm-2", "incident 9934", time.Hour)
	if err != nil {
		t.Fatalf("GrantBreakGlass: %v", err)
	}
	if err := engine.RevokeBreakGlass(ctx, grantor, grant.ID); err != nil {
		t.Fatalf("RevokeBreakGlass: %v", err)
	}

	admin := Actor{ID: "adm-2", Role: RoleAdmin}
	read := Request{Actor: admin, Intent: IntentRead, PHI: true}
	if err := engine.Authorize(ctx, read); !errors.Is(err, ErrForbidden) {
		t.Fatalf("revoked PHI read err = %v, want ErrForbidden", err)
	}
}

func TestReadScopeShapes(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	engine, store := newTestEngine(t, WithClock(func() time.Time { return now }))
	enroll(t, store, "inv-1", RoleInvestigator, testSiteA, LevelReadWrite)
	enroll(t, store, "inv-1", RoleInvestigator, testSiteB, LevelReadOnly)
	ctx := context.Background()

	scope, err := engine.ReadScope(ctx, Actor{ID: "pat-1", Role: RolePatient})
	if err != nil {
		t.Fatalf("patient scope: %v", err)
	}
	if scope.All || scope.PatientID != "pat-1" || scope.IncludeDeleted {
		t.Fatalf("patient scope = %+v", scope)
	}

	scope, err = engine.ReadScope(ctx, Actor{ID: "inv-1", Role: RoleInvestigator})
	if err != nil {
		t.Fatalf("investigator scope: %v", err)
	}
	if scope.All || len(scope.SiteIDs) != 2 {
		t.Fatalf("investigator scope = %+v", scope)
	}
	if !scope.Allows("anyone", testSiteA) || scope.Allows("anyone", "SITE-999") {
		t.Fatal("site scope membership wrong")
	}

	scope, err = engine.ReadScope(ctx, Actor{ID: "spo-1", Role: RoleSponsor})
	if err != nil {
		t.Fatalf("sponsor scope: %v", err)
	}
	if !scope.All || !scope.IncludeDeleted {
		t.Fatalf("sponsor scope = %+v", scope)
	}

	// Admins get the all-records scope only through an active grant.
	if _, err := engine.ReadScope(ctx, Actor{ID: "adm-1", Role: RoleAdmin}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("ungranted admin scope err = %v, want ErrForbidden", err)
	}
	grant, err := engine.GrantBreakGlass(ctx, Actor{ID: "adm-9", Role: RoleAdmin}, "adm-1", "data export audit", 0)
	if err != nil {
		t.Fatalf("GrantBreakGlass: %v", err)
	}
	scope, err = engine.ReadScope(ctx, Actor{ID: "adm-1", Role: RoleAdmin})
	if err != nil {
		t.Fatalf("granted admin scope: %v", err)
	}
	if !scope.All || scope.GrantID != grant.ID {
		t.Fatalf("admin scope = %+v", scope)
	}
}

func TestUpsertAssignmentAdminOnly(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	a := &SiteAssignment{SubjectID: "inv-1", Role: RoleInvestigator, SiteID: testSiteA, AccessLevel: LevelReadWrite, IsActive: true}

	if err := engine.UpsertAssignment(ctx, Actor{ID: "inv-1", Role: RoleInvestigator}, a); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-admin upsert err = %v, want ErrForbidden", err)
	}
	if err := engine.UpsertAssignment(ctx, Actor{ID: "adm-1", Role: RoleAdmin}, a); err != nil {
		t.Fatalf("admin upsert: %v", err)
	}

	got, err := engine.ListAssignments(ctx, Actor{ID: "inv-1", Role: RoleInvestigator}, "")
	if err != nil {
		t.Fatalf("ListAssignments: %v", err)
	}
	if len(got) != 1 || got[0].SiteID != testSiteA {
		t.Fatalf("assignments = %+v", got)
	}

	// Subjects cannot enumerate other subjects' assignments.
	if _, err := engine.ListAssignments(ctx, Actor{ID: "inv-2", Role: RoleInvestigator}, "inv-1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("cross-subject list err = %v, want ErrForbidden", err)
	}
}

package record

import (
	"encoding/json"
	"testing"
	"time"
)

func testEvent(id int64, op Operation, base int64, payload string) Event {
	return Event{
		EventID:         id,
		RecordUUID:      "0f1e2d3c-0000-0000-0000-000000000001",
		PatientID:       "pat-100",
		SiteID:          siteA,
		Operation:       op,
		BaseVersion:     base,
		Payload:         json.RawMessage(payload),
		ServerTimestamp: time.Unix(1700000000+id, 0).UTC(),
	}
}

func TestProjectFirstEvent(t *testing.T) {
	ev := testEvent(1, OpPatientCreate, 0, `{"pain":3}`)
	state, outcome := Project(nil, &ev)
	if outcome != ProjectionApplied {
		t.Fatalf("outcome = %v", outcome)
	}
	if state.Version != 1 || state.LastEventID != 1 || state.IsDeleted {
		t.Fatalf("state = %+v", state)
	}
	if string(state.CurrentPayload) != `{"pain":3}` {
		t.Fatalf("payload = %s", state.CurrentPayload)
	}
}

func TestProjectStaleBaseLeavesStateUntouched(t *testing.T) {
	create := testEvent(1, OpPatientCreate, 0, `{"pain":3}`)
	state, _ := Project(nil, &create)

	update := testEvent(2, OpPatientUpdate, 1, `{"pain":5}`)
	state, _ = Project(&state, &update)

	stale := testEvent(3, OpPatientUpdate, 1, `{"pain":7}`)
	got, outcome := Project(&state, &stale)
	if outcome != ProjectionConflict {
		t.Fatalf("outcome = %v, want conflict", outcome)
	}
	if got.Version != 2 || got.LastEventID != 2 || string(got.CurrentPayload) != `{"pain":5}` {
		t.Fatalf("conflicting event mutated state: %+v", got)
	}
}

func TestProjectDeleteKeepsPayload(t *testing.T) {
	create := testEvent(1, OpPatientCreate, 0, `{"pain":3}`)
	state, _ := Project(nil, &create)

	del := testEvent(2, OpPatientDelete, 1, `{"reason":"duplicate"}`)
	state, outcome := Project(&state, &del)
	if outcome != ProjectionApplied {
		t.Fatalf("outcome = %v", outcome)
	}
	if !state.IsDeleted {
		t.Fatal("tombstone flag not set")
	}
	if string(state.CurrentPayload) != `{"pain":3}` {
		t.Fatalf("delete replaced payload: %s", state.CurrentPayload)
	}

	// A correction after the delete revives the record.
	fix := testEvent(3, OpAdminCorrection, 2, `{"pain":4}`)
	state, outcome = Project(&state, &fix)
	if outcome != ProjectionApplied || state.IsDeleted {
		t.Fatalf("revive failed: %+v", state)
	}
	if string(state.CurrentPayload) != `{"pain":4}` {
		t.Fatalf("payload = %s", state.CurrentPayload)
	}
}

func TestReplaySkipsConflictedEvents(t *testing.T) {
	events := []Event{
		testEvent(1, OpPatientCreate, 0, `{"pain":3}`),
		testEvent(2, OpPatientUpdate, 1, `{"pain":5}`),
		testEvent(3, OpPatientUpdate, 1, `{"pain":7}`), // stale, never applied
		testEvent(4, OpPatientUpdate, 2, `{"pain":6}`),
	}
	state := Replay(events)
	if state == nil {
		t.Fatal("no state")
	}
	if state.Version != 3 || state.LastEventID != 4 {
		t.Fatalf("state = %+v", state)
	}
	if string(state.CurrentPayload) != `{"pain":6}` {
		t.Fatalf("payload = %s", state.CurrentPayload)
	}
}

func TestReplayEmptyHistory(t *testing.T) {
	if state := Replay(nil); state != nil {
		t.Fatalf("state = %+v, want nil", state)
	}
}

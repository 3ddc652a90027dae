package record

// ProjectionOutcome is the projector's verdict for one appended event.
type ProjectionOutcome int

const (
	// ProjectionApplied means the event advanced the current state by one version.
	ProjectionApplied ProjectionOutcome = iota
	// ProjectionConflict means the event's base version was stale; the state
	// is untouched and the event must be routed to the conflict detector.
	ProjectionConflict
)

// Project performs the read-compare-write step for one event against the
// current state of its record. It is pure: callers load the state under a
// row lock, call Project, and persist the returned state only when the
// outcome is ProjectionApplied.
//
// A nil prior state means this is the record's first event; the caller must
// already have verified the operation is a create. The two-table split this
// serves keeps "what happened" (the log) and "what is true now" (the
// projection) decoupled, so either is recoverable from the other.
func Project(prior *CurrentState, ev *Event) (CurrentState, ProjectionOutcome) {
	if prior == nil {
		return CurrentState{
			RecordUUID:     ev.RecordUUID,
			PatientID:      ev.PatientID,
			SiteID:         ev.SiteID,
			CurrentPayload: ev.Payload,
			Version:        1,
			LastEventID:    ev.EventID,
			UpdatedAt:      ev.ServerTimestamp,
		}, ProjectionApplied
	}

	if ev.BaseVersion != prior.Version {
		return *prior, ProjectionConflict
	}

	next := *prior
	next.Version = prior.Version + 1
	next.LastEventID = ev.EventID
	next.UpdatedAt = ev.ServerTimestamp
	if ev.Operation.IsDelete() {
		// Tombstone: the payload stays intact so audit and analyst reads can
		// still see what was deleted.
		next.IsDeleted = true
	} else {
		// Updates are a full payload replace; corrections and resolutions
		// behave the same way and may also revive a tombstoned record.
		next.CurrentPayload = ev.Payload
		next.IsDeleted = false
	}
	return next, ProjectionApplied
}

// Replay rebuilds the current state of one record from its ordered event
// history, applying exactly the events a live projection would have applied.
// It exists so that corruption of the projection is recoverable from the log,
// and so tests can assert projection fidelity.
func Replay(events []Event) *CurrentState {
	var state *CurrentState
	for i := range events {
		ev := events[i]
		if state == nil {
			if !ev.Operation.IsCreate() {
				continue
			}
			s, _ := Project(nil, &ev)
			state = &s
			continue
		}
		next, outcome := Project(state, &ev)
		if outcome == ProjectionApplied {
			state = &next
		}
	}
	return state
}

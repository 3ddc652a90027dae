package record

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"trialdiary.org/internal/access"
)

// Operation is the kind of clinical action an event records. The set is
// closed; the role prefix doubles as the write-authorization boundary.
type Operation string

const (
	OpPatientCreate        Operation = "patient-create"
	OpPatientUpdate        Operation = "patient-update"
	OpPatientDelete        Operation = "patient-delete"
	OpInvestigatorCreate   Operation = "investigator-create"
	OpInvestigatorUpdate   Operation = "investigator-update"
	OpInvestigatorAnnotate Operation = "investigator-annotate"
	OpAdminCreate          Operation = "admin-create"
	OpAdminUpdate          Operation = "admin-update"
	OpAdminDelete          Operation = "admin-delete"
	OpAdminCorrection      Operation = "admin-correction"
)

var operations = map[Operation]struct{}{
	OpPatientCreate: {}, OpPatientUpdate: {}, OpPatientDelete: {},
	OpInvestigatorCreate: {}, OpInvestigatorUpdate: {}, OpInvestigatorAnnotate: {},
	OpAdminCreate: {}, OpAdminUpdate: {}, OpAdminDelete: {}, OpAdminCorrection: {},
}

// Known reports whether the operation belongs to the allowed set.
func (o Operation) Known() bool {
	_, ok := operations[o]
	return ok
}

// IsCreate reports whether the operation opens a new logical record.
func (o Operation) IsCreate() bool { return strings.HasSuffix(string(o), "-create") }

// IsDelete reports whether the operation tombstones the record.
func (o Operation) IsDelete() bool { return strings.HasSuffix(string(o), "-delete") }

// Event is one immutable fact in the clinical ledger. Events are only ever
// appended; EventID is assigned by the store and establishes the total order
// across all records system-wide.
type Event struct {
	EventID            int64           `json:"event_id"`
	RecordUUID         string          `json:"record_uuid"`
	PatientID          string          `json:"patient_id"`
	SiteID             string          `json:"site_id"`
	Operation          Operation       `json:"operation"`
	BaseVersion        int64           `json:"base_version"`
	Payload            json.RawMessage `json:"payload"`
	ActorID            string          `json:"actor_id"`
	ActorRole          access.Role     `json:"actor_role"`
	ClientTimestamp    time.Time       `json:"client_timestamp"`
	ServerTimestamp    time.Time       `json:"server_timestamp"`
	ParentEventID      *int64          `json:"parent_event_id,omitempty"`
	ChangeReason       string          `json:"change_reason"`
	ConflictResolved   bool            `json:"conflict_resolved"`
	ResolvedConflictID string          `json:"resolved_conflict_id,omitempty"`
	IntegritySignature string          `json:"integrity_signature"`
}

// CurrentState is the mutable projection: the latest materialized view of one
// logical record. Only the projector writes it; Version counts applied events
// and CurrentPayload is always reproducible by replaying events up to
// LastEventID.
type CurrentState struct {
	RecordUUID     string          `json:"record_uuid"`
	PatientID      string          `json:"patient_id"`
	SiteID         string          `json:"site_id"`
	CurrentPayload json.RawMessage `json:"current_payload"`
	Version        int64           `json:"version"`
	LastEventID    int64           `json:"last_event_id"`
	IsDeleted      bool            `json:"is_deleted"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Strategy is how a sync conflict gets resolved.
type Strategy string

const (
	StrategyClientWins Strategy = "client-wins"
	StrategyServerWins Strategy = "server-wins"
	StrategyMerge      Strategy = "merge"
	StrategyManual     Strategy = "manual"
)

// ParseStrategy validates a resolution strategy string.
func ParseStrategy(raw string) (Strategy, error) {
	s := Strategy(strings.TrimSpace(strings.ToLower(raw)))
	switch s {
	case StrategyClientWins, StrategyServerWins, StrategyMerge, StrategyManual:
		return s, nil
	default:
		return "", invalidf("unknown resolution strategy %q", raw)
	}
}

// SyncConflict captures a divergent concurrent write: both what the client
// intended and what the server held at detection time. Conflicts are kept
// forever for audit; resolution flips the flag and records the outcome.
type SyncConflict struct {
	ID                 string          `json:"id"`
	RecordUUID         string          `json:"record_uuid"`
	PatientID          string          `json:"patient_id"`
	SiteID             string          `json:"site_id"`
	EventID            int64           `json:"event_id"` // the stale-versioned event that triggered detection
	ClientVersion      int64           `json:"client_version"`
	ServerVersion      int64           `json:"server_version"`
	ClientPayload      json.RawMessage `json:"client_payload"`
	ServerPayload      json.RawMessage `json:"server_payload"`
	DetectedAt         time.Time       `json:"detected_at"`
	Resolved           bool            `json:"resolved"`
	ResolutionStrategy Strategy        `json:"resolution_strategy,omitempty"`
	ResolvedPayload    json.RawMessage `json:"resolved_payload,omitempty"`
	ResolvedBy         string          `json:"resolved_by,omitempty"`
	ResolvedAt         *time.Time      `json:"resolved_at,omitempty"`
	ResolutionEventID  *int64          `json:"resolution_event_id,omitempty"`
}

// AnnotationType classifies investigator commentary.
type AnnotationType string

const (
	AnnotationNote          AnnotationType = "note"
	AnnotationQuery         AnnotationType = "query"
	AnnotationCorrection    AnnotationType = "correction"
	AnnotationClarification AnnotationType = "clarification"
)

// ParseAnnotationType validates an annotation type string.
func ParseAnnotationType(raw string) (AnnotationType, error) {
	t := AnnotationType(strings.TrimSpace(strings.ToLower(raw)))
	switch t {
	case AnnotationNote, AnnotationQuery, AnnotationCorrection, AnnotationClarification:
		return t, nil
	default:
		return "", invalidf("unknown annotation type %q", raw)
	}
}

// Annotation is investigator commentary referencing a record. It never
// mutates the record itself; resolution state is mutable because annotations
// are discussion, not clinical fact.
type Annotation struct {
	ID               string         `json:"id"`
	RecordUUID       string         `json:"record_uuid"`
	SiteID           string         `json:"site_id"`
	InvestigatorID   string         `json:"investigator_id"`
	Type             AnnotationType `json:"type"`
	Text             string         `json:"text"`
	RequiresResponse bool           `json:"requires_response"`
	CreatedAt        time.Time      `json:"created_at"`
	Resolved         bool           `json:"resolved"`
	ResolvedBy       string         `json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time     `json:"resolved_at,omitempty"`
}

// SubmitInput is one incoming diary write from a device or portal.
type SubmitInput struct {
	RecordUUID      string          `json:"record_uuid"`
	PatientID       string          `json:"patient_id"`
	SiteID          string          `json:"site_id"`
	Operation       Operation       `json:"operation"`
	BaseVersion     int64           `json:"base_version"`
	Payload         json.RawMessage `json:"payload"`
	ChangeReason    string          `json:"change_reason"`
	ClientTimestamp time.Time       `json:"client_timestamp"`
	Signature       string          `json:"integrity_signature"`
}

// AnnotateInput is one incoming annotation.
type AnnotateInput struct {
	RecordUUID       string         `json:"record_uuid"`
	Type             AnnotationType `json:"type"`
	Text             string         `json:"text"`
	RequiresResponse bool           `json:"requires_response"`
}

// SubmitStatus distinguishes the two non-error outcomes of a submit.
type SubmitStatus string

const (
	StatusApplied  SubmitStatus = "applied"
	StatusConflict SubmitStatus = "conflict"
)

// SubmitResult is the outcome of SubmitEvent or ResolveConflict. A Conflict
// status is a routed outcome of offline-first use, not a failure.
type SubmitResult struct {
	Status     SubmitStatus `json:"status"`
	RecordUUID string       `json:"record_uuid"`
	EventID    int64        `json:"event_id"`
	NewVersion int64        `json:"new_version,omitempty"`
	ConflictID string       `json:"conflict_id,omitempty"`
}

// RecordFilter narrows ListRecords inside the actor's authorized scope.
type RecordFilter struct {
	SiteID       string
	PatientID    string
	SinceEventID int64
}

// ConflictFilter narrows ListConflicts inside the actor's authorized scope.
type ConflictFilter struct {
	RecordUUID     string
	SiteID         string
	PatientID      string
	UnresolvedOnly bool
}

// ExportBundle is the complete regulatory export: the full event log plus the
// access trail, in server-assigned order. Nothing is ever hidden from it.
type ExportBundle struct {
	AsOf       time.Time         `json:"as_of"`
	Events     []Event           `json:"events"`
	AccessLog  []access.LogEntry `json:"access_log"`
	BreakGlass []access.Grant    `json:"break_glass"`
}

var (
	ErrInvalid           = errors.New("record: invalid event")
	ErrNotFound          = errors.New("record: not found")
	ErrMutationForbidden = errors.New("record: events are immutable")
	ErrUnavailable       = errors.New("record: temporarily unavailable")
)

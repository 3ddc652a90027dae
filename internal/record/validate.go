package record

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const maxChangeReasonLen = 2000

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...)
}

// ValidateSubmit checks everything the event store rejects on: operation
// kind, mandatory change reason, well-formed identifiers and payload, and the
// integrity signature. Authorization is a separate concern and happens after.
func ValidateSubmit(in SubmitInput) error {
	if _, err := uuid.Parse(strings.TrimSpace(in.RecordUUID)); err != nil {
		return invalidf("record_uuid must be a valid UUID")
	}
	if strings.TrimSpace(in.PatientID) == "" {
		return invalidf("patient_id is required")
	}
	if strings.TrimSpace(in.SiteID) == "" {
		return invalidf("site_id is required")
	}
	if !in.Operation.Known() {
		return invalidf("operation %q is not in the allowed set", in.Operation)
	}
	if in.BaseVersion < 0 {
		return invalidf("base_version must be >= 0")
	}
	if in.Operation.IsCreate() && in.BaseVersion != 0 {
		return invalidf("create operations must carry base_version 0")
	}
	// A non-create with base_version 0 is well-formed: a device that went
	// offline before the server assigned version 1 submits exactly that, and
	// the projector routes it to the conflict queue rather than dropping it.
	if strings.TrimSpace(in.ChangeReason) == "" {
		return invalidf("change_reason is required")
	}
	if len(in.ChangeReason) > maxChangeReasonLen {
		return invalidf("change_reason exceeds %d characters", maxChangeReasonLen)
	}
	if err := validatePayload(in.Payload); err != nil {
		return err
	}
	if strings.TrimSpace(in.Signature) == "" {
		return invalidf("integrity_signature is required")
	}
	if !VerifySignature(in) {
		return invalidf("integrity_signature does not match event content")
	}
	return nil
}

func validatePayload(payload json.RawMessage) error {
	if len(payload) == 0 {
		return invalidf("payload is required")
	}
	if !json.Valid(payload) {
		return invalidf("payload is not valid JSON")
	}
	return nil
}

package record

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func baseInput() SubmitInput {
	return SubmitInput{
		RecordUUID:      "0F1E2D3C-0000-0000-0000-000000000001",
		PatientID:       "pat-100",
		SiteID:          siteA,
		Operation:       OpPatientCreate,
		BaseVersion:     0,
		Payload:         json.RawMessage(`{"pain":3}`),
		ChangeReason:    "initial entry",
		ClientTimestamp: time.Unix(1700000000, 0).UTC(),
	}
}

func TestSignatureRoundTrip(t *testing.T) {
	in := baseInput()
	in.Signature = ComputeSignature(in)
	if !VerifySignature(in) {
		t.Fatal("self-signed input did not verify")
	}
}

func TestSignatureDetectsTampering(t *testing.T) {
	in := baseInput()
	in.Signature = ComputeSignature(in)

	tampered := in
	tampered.Payload = json.RawMessage(`{"pain":9}`)
	if VerifySignature(tampered) {
		t.Fatal("payload tampering not detected")
	}

	tampered = in
	tampered.ChangeReason = "edited after signing"
	if VerifySignature(tampered) {
		t.Fatal("change_reason tampering not detected")
	}

	tampered = in
	tampered.BaseVersion = 2
	if VerifySignature(tampered) {
		t.Fatal("base_version tampering not detected")
	}
}

func TestSignatureCaseInsensitiveUUID(t *testing.T) {
	in := baseInput()
	in.Signature = ComputeSignature(in)

	lowered := in
	lowered.RecordUUID = strings.ToLower(in.RecordUUID)
	if !VerifySignature(lowered) {
		t.Fatal("uuid casing changed the signature")
	}
}

func TestSignedAt(t *testing.T) {
	at := time.Unix(1700000123, 0).UTC()
	in := SignedAt(baseInput(), at)
	if !in.ClientTimestamp.Equal(at) {
		t.Fatalf("timestamp = %v", in.ClientTimestamp)
	}
	if !VerifySignature(in) {
		t.Fatal("SignedAt output did not verify")
	}
}

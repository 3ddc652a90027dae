package record

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// The integrity signature is an HMAC-SHA256 over the canonical event content.
// Devices compute it before submission; the store recomputes and compares on
// append, and auditors can re-derive it from the export to detect tampering.
// The key is deliberately well-known: the signature is tamper EVIDENCE over
// content in transit and at rest, not a secrecy mechanism.

const signatureContext = "trialdiary.record.v1"

// canonicalContent flattens the signed fields into a stable byte string.
// Field order is part of the format and must never change.
func canonicalContent(in SubmitInput) []byte {
	parts := []string{
		strings.ToLower(strings.TrimSpace(in.RecordUUID)),
		strings.TrimSpace(in.PatientID),
		strings.TrimSpace(in.SiteID),
		string(in.Operation),
		strconv.FormatInt(in.BaseVersion, 10),
		string(in.Payload),
		strings.TrimSpace(in.ChangeReason),
		strconv.FormatInt(in.ClientTimestamp.UTC().Unix(), 10),
	}
	return []byte(strings.Join(parts, "\n"))
}

// ComputeSignature derives the integrity signature for an event's content.
func ComputeSignature(in SubmitInput) string {
	mac := hmac.New(sha256.New, []byte(signatureContext))
	mac.Write(canonicalContent(in))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether the carried signature matches the content.
func VerifySignature(in SubmitInput) bool {
	expected := ComputeSignature(in)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(in.Signature))))
}

// SignedAt is a convenience for building inputs in one expression.
func SignedAt(in SubmitInput, at time.Time) SubmitInput {
	in.ClientTimestamp = at
	in.Signature = ComputeSignature(in)
	return in
}

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"trialdiary.org/internal/access"
	"trialdiary.org/internal/record"
)

// Smoke-tests a running API end to end: enrollment, offline-style sync with a
// stale write, conflict resolution, and the final projected state.

type client struct {
	base  string
	http  *http.Client
	token string
}

func (c *client) do(method, path string, body any, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequest(method, c.base+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (c *client) authenticate(subject string, role access.Role) {
	var tok struct {
		Token string `json:"token"`
	}
	code, err := c.do(http.MethodPost, "/v1/auth/token", map[string]any{
		"subject": subject,
		"role":    string(role),
	}, &tok)
	if err != nil || code != http.StatusOK {
		log.Fatalf("token for %s: status=%d err=%v", subject, code, err)
	}
	c.token = tok.Token
}

func main() {
	base := os.Getenv("DIARY_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}

	const (
		siteID    = "SITE-900"
		patientID = "pat-900"
	)
	recordUUID := uuid.NewString()

	admin := &client{base: base, http: &http.Client{Timeout: 5 * time.Second}}
	admin.authenticate("adm-900", access.RoleAdmin)

	for _, a := range []map[string]any{
		{"subject_id": patientID, "role": "patient", "site_id": siteID, "is_active": true},
		{"subject_id": "inv-900", "role": "investigator", "site_id": siteID, "access_level": "read-write", "is_active": true},
	} {
		if code, err := admin.do(http.MethodPut, "/v1/admin/assignments", a, nil); err != nil || code != http.StatusOK {
			log.Fatalf("enroll %v: status=%d err=%v", a["subject_id"], code, err)
		}
	}

	patient := &client{base: base, http: admin.http}
	patient.authenticate(patientID, access.RolePatient)

	submit := func(op record.Operation, base int64, payload string) (record.SubmitResult, int) {
		in := record.SignedAt(record.SubmitInput{
			RecordUUID:   recordUUID,
			PatientID:    patientID,
			SiteID:       siteID,
			Operation:    op,
			BaseVersion:  base,
			Payload:      json.RawMessage(payload),
			ChangeReason: "smoke sync",
		}, time.Now().UTC())
		var res record.SubmitResult
		code, err := patient.do(http.MethodPost, "/v1/sync/events", in, &res)
		if err != nil {
			log.Fatalf("submit %s: %v", op, err)
		}
		return res, code
	}

	if res, code := submit(record.OpPatientCreate, 0, `{"pain":3}`); code != http.StatusCreated || res.NewVersion != 1 {
		log.Fatalf("create: status=%d result=%+v", code, res)
	}
	if res, code := submit(record.OpPatientUpdate, 1, `{"pain":5}`); code != http.StatusCreated || res.NewVersion != 2 {
		log.Fatalf("update: status=%d result=%+v", code, res)
	}

	stale, code := submit(record.OpPatientUpdate, 1, `{"pain":2}`)
	if code != http.StatusConflict || stale.ConflictID == "" {
		log.Fatalf("stale write: status=%d result=%+v", code, stale)
	}

	investigator := &client{base: base, http: admin.http}
	investigator.authenticate("inv-900", access.RoleInvestigator)

	var resolved record.SubmitResult
	code, err := investigator.do(http.MethodPost, "/v1/conflicts/"+stale.ConflictID+"/resolve", map[string]any{
		"strategy": "client-wins",
	}, &resolved)
	if err != nil || code != http.StatusOK || resolved.NewVersion != 3 {
		log.Fatalf("resolve: status=%d result=%+v err=%v", code, resolved, err)
	}

	var state record.CurrentState
	code, err = patient.do(http.MethodGet, "/v1/records/"+recordUUID, nil, &state)
	if err != nil || code != http.StatusOK {
		log.Fatalf("get record: status=%d err=%v", code, err)
	}
	if state.Version != 3 || string(state.CurrentPayload) != `{"pain":2}` {
		log.Fatalf("unexpected final state: %+v", state)
	}

	fmt.Printf("✅ diary smoke test passed: record=%s conflict=%s\n", recordUUID, stale.ConflictID)
}

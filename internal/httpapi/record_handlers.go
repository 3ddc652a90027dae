package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"trialdiary.org/internal/access"
	"trialdiary.org/internal/record"
)

type resolveConflictRequest struct {
	Strategy string          `json:"strategy"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type annotateRequest struct {
	Type             string `json:"type"`
	Text             string `json:"text"`
	RequiresResponse bool   `json:"requires_response"`
}

type listRecordsResponse struct {
	Items []record.CurrentState `json:"items"`
	AsOf  time.Time             `json:"as_of"`
}

type listConflictsResponse struct {
	Items []record.SyncConflict `json:"items"`
	AsOf  time.Time             `json:"as_of"`
}

func (a *API) handleSyncEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}

	var in record.SubmitInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.svc.SubmitEvent(r.Context(), actor, in)
	if err != nil {
		handleRecordError(w, r, err)
		return
	}

	meta := map[string]string{
		"operation": string(in.Operation),
		"event_id":  strconv.FormatInt(res.EventID, 10),
	}
	switch res.Status {
	case record.StatusConflict:
		meta["conflict_id"] = res.ConflictID
		a.audit(r.Context(), "record.event.conflict", "record", res.RecordUUID, meta)
		writeJSON(w, http.StatusConflict, res)
	default:
		a.audit(r.Context(), "record.event.applied", "record", res.RecordUUID, meta)
		writeJSON(w, http.StatusCreated, res)
	}
}

func (a *API) handleRecordsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}

	var f record.RecordFilter
	f.SiteID = strings.TrimSpace(r.URL.Query().Get("site_id"))
	f.PatientID = strings.TrimSpace(r.URL.Query().Get("patient_id"))
	if raw := strings.TrimSpace(r.URL.Query().Get("since_event_id")); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeError(w, r, http.StatusBadRequest, "since_event_id must be a non-negative integer")
			return
		}
		f.SinceEventID = v
	}

	items, err := a.svc.ListRecords(r.Context(), actor, f)
	if err != nil {
		handleRecordError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listRecordsResponse{Items: items, AsOf: time.Now().UTC()})
}

func (a *API) handleRecordResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/records/")
	path = strings.Trim(path, "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}

	parts := strings.Split(path, "/")
	recordUUID := parts[0]
	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		state, err := a.svc.GetRecord(r.Context(), actor, recordUUID)
		if err != nil {
			handleRecordError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, state)
	case len(parts) == 2 && parts[1] == "events":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		events, err := a.svc.ListEvents(r.Context(), actor, recordUUID)
		if err != nil {
			handleRecordError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": events})
	case len(parts) == 2 && parts[1] == "annotations":
		a.handleRecordAnnotations(w, r, actor, recordUUID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleRecordAnnotations(w http.ResponseWriter, r *http.Request, actor access.Actor, recordUUID string) {
	switch r.Method {
	case http.MethodGet:
		items, err := a.svc.ListAnnotations(r.Context(), actor, recordUUID)
		if err != nil {
			handleRecordError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		var req annotateRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		kind, err := record.ParseAnnotationType(req.Type)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		ann, err := a.svc.Annotate(r.Context(), actor, record.AnnotateInput{
			RecordUUID:       recordUUID,
			Type:             kind,
			Text:             req.Text,
			RequiresResponse: req.RequiresResponse,
		})
		if err != nil {
			handleRecordError(w, r, err)
			return
		}
		a.audit(r.Context(), "record.annotation.create", "annotation", ann.ID, map[string]string{
			"record_uuid": recordUUID,
			"type":        string(ann.Type),
		})
		writeJSON(w, http.StatusCreated, ann)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleConflictsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}

	f := record.ConflictFilter{
		RecordUUID:     strings.TrimSpace(r.URL.Query().Get("record_uuid")),
		SiteID:         strings.TrimSpace(r.URL.Query().Get("site_id")),
		PatientID:      strings.TrimSpace(r.URL.Query().Get("patient_id")),
		UnresolvedOnly: r.URL.Query().Get("unresolved") == "true",
	}
	items, err := a.svc.ListConflicts(r.Context(), actor, f)
	if err != nil {
		handleRecordError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listConflictsResponse{Items: items, AsOf: time.Now().UTC()})
}

func (a *API) handleConflictResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/conflicts/")
	path = strings.Trim(path, "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "resolve" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}

	var req resolveConflictRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	strategy, err := record.ParseStrategy(req.Strategy)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.svc.ResolveConflict(r.Context(), actor, parts[0], strategy, req.Payload)
	if err != nil {
		handleRecordError(w, r, err)
		return
	}
	a.audit(r.Context(), "record.conflict.resolve", "conflict", parts[0], map[string]string{
		"strategy": string(strategy),
		"event_id": strconv.FormatInt(res.EventID, 10),
	})
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleAnnotationResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/annotations/")
	path = strings.Trim(path, "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "resolve" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}

	ann, err := a.svc.ResolveAnnotation(r.Context(), actor, parts[0])
	if err != nil {
		handleRecordError(w, r, err)
		return
	}
	a.audit(r.Context(), "record.annotation.resolve", "annotation", ann.ID, nil)
	writeJSON(w, http.StatusOK, ann)
}

func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}

	bundle, err := a.svc.Export(r.Context(), actor)
	if err != nil {
		handleRecordError(w, r, err)
		return
	}
	a.audit(r.Context(), "record.export", "export", "", map[string]string{
		"events": strconv.Itoa(len(bundle.Events)),
	})
	writeJSON(w, http.StatusOK, bundle)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleRecordError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, record.ErrInvalid), errors.Is(err, access.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, access.ErrForbidden):
		// Always the generic message; the real reason lives in the access log.
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, record.ErrNotFound), errors.Is(err, access.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, record.ErrMutationForbidden):
		writeError(w, r, http.StatusMethodNotAllowed, err.Error())
	case errors.Is(err, record.ErrUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

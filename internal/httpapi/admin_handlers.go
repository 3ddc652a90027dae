package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"trialdiary.org/internal/access"
)

type breakGlassRequest struct {
	AdminID       string `json:"admin_id"`
	Justification string `json:"justification"`
	TTLSeconds    int64  `json:"ttl_seconds,omitempty"`
}

type assignmentRequest struct {
	SubjectID   string `json:"subject_id"`
	Role        string `json:"role"`
	SiteID      string `json:"site_id"`
	AccessLevel string `json:"access_level,omitempty"`
	IsActive    bool   `json:"is_active"`
}

func (a *API) handleBreakGlassCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}

	var req breakGlassRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	grant, err := a.engine.GrantBreakGlass(r.Context(), actor, req.AdminID, req.Justification, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}

	a.audit(r.Context(), "access.break_glass.grant", "grant", grant.ID, map[string]string{
		"admin_id":   grant.AdminID,
		"expires_at": grant.ExpiresAt.Format(time.RFC3339),
	})
	w.Header().Set("Location", "/v1/admin/break-glass/"+grant.ID)
	writeJSON(w, http.StatusCreated, grant)
}

func (a *API) handleBreakGlassResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/admin/break-glass/")
	path = strings.Trim(path, "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "revoke" {
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

	if err := a.engine.RevokeBreakGlass(r.Context(), actor, parts[0]); err != nil {
		handleAccessError(w, r, err)
		return
	}
	a.audit(r.Context(), "access.break_glass.revoke", "grant", parts[0], nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAssignments(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodPut:
		var req assignmentRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := access.ParseRole(req.Role)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		assignment := access.SiteAssignment{
			SubjectID:   strings.TrimSpace(req.SubjectID),
			Role:        role,
			SiteID:      strings.TrimSpace(req.SiteID),
			AccessLevel: access.AccessLevel(req.AccessLevel),
			IsActive:    req.IsActive,
		}
		if err := a.engine.UpsertAssignment(r.Context(), actor, &assignment); err != nil {
			handleAccessError(w, r, err)
			return
		}
		a.audit(r.Context(), "access.assignment.upsert", "assignment", assignment.ID, map[string]string{
			"subject_id": assignment.SubjectID,
			"site_id":    assignment.SiteID,
			"role":       string(assignment.Role),
		})
		writeJSON(w, http.StatusOK, assignment)
	case http.MethodGet:
		subjectID := strings.TrimSpace(r.URL.Query().Get("subject_id"))
		if subjectID == "" {
			subjectID = actor.ID
		}
		items, err := a.engine.ListAssignments(r.Context(), actor, subjectID)
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}

func handleAccessError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, access.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, access.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, access.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

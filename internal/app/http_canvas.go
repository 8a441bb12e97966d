package app

import (
	"net/http"
	"strconv"
	"strings"

	"teamcanvas/api/internal/canvas"
	"teamcanvas/api/internal/canvas/optimistic"
	"teamcanvas/api/internal/rbac"
	"teamcanvas/api/internal/store"
)

// handleTeam serves everything under /api/teams/{teamId}. rest is the path
// after the team id.
func (s *HTTPServer) handleTeam(w http.ResponseWriter, r *http.Request, session Session, teamID string, rest []string) {
	role, err := s.service.TeamRole(r.Context(), session, teamID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if len(rest) == 0 {
		writeError(w, http.StatusNotFound, codeNotFound, "Not found", nil)
		return
	}

	switch rest[0] {
	case "canvas":
		s.handleCanvas(w, r, session, role, teamID, rest[1:])
	case "edit-session":
		s.handleEditSession(w, r, session, role, teamID, rest[1:])
	case "roles":
		s.handleRoles(w, r, session, role, teamID, rest[1:])
	case "members":
		s.handleMembers(w, r, session, role, teamID, rest[1:])
	default:
		writeError(w, http.StatusNotFound, codeNotFound, "Not found", nil)
	}
}

func (s *HTTPServer) handleCanvas(w http.ResponseWriter, r *http.Request, session Session, role, teamID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		if !s.service.Can(role, rbac.ActionViewCanvas) {
			s.forbid(w, r, session, string(rbac.ActionViewCanvas))
			return
		}
		payload, err := s.service.LoadCanvas(r.Context(), teamID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 0 && r.Method == http.MethodPut,
		len(rest) == 1 && rest[0] == "beacon" && r.Method == http.MethodPost:
		if !s.service.Can(role, rbac.ActionEditCanvas) {
			s.forbid(w, r, session, string(rbac.ActionEditCanvas))
			return
		}
		var snap canvas.StoredSnapshot
		if err := decodeBody(r, &snap); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.SaveCanvas(r.Context(), session, teamID, snap); err != nil {
			s.fail(w, r, err)
			return
		}
		if len(rest) == 1 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 1 && rest[0] == "history" && r.Method == http.MethodGet:
		if !s.service.Can(role, rbac.ActionViewCanvas) {
			s.forbid(w, r, session, string(rbac.ActionViewCanvas))
			return
		}
		limit := 0
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, codeValidation, "limit must be an integer", nil)
				return
			}
			limit = parsed
		}
		versions, err := s.service.CanvasHistory(r.Context(), teamID, limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		items := make([]map[string]any, 0, len(versions))
		for _, v := range versions {
			items = append(items, versionPayload(v))
		}
		writeJSON(w, http.StatusOK, map[string]any{"versions": items})

	case len(rest) == 2 && rest[0] == "history" && r.Method == http.MethodGet:
		if !s.service.Can(role, rbac.ActionViewCanvas) {
			s.forbid(w, r, session, string(rbac.ActionViewCanvas))
			return
		}
		snap, version, err := s.service.CanvasVersion(r.Context(), teamID, rest[1])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"version": versionPayload(version),
			"canvas":  snap,
		})

	case len(rest) <= 2:
		writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "Method not allowed", nil)

	default:
		writeError(w, http.StatusNotFound, codeNotFound, "Not found", nil)
	}
}

func (s *HTTPServer) handleEditSession(w http.ResponseWriter, r *http.Request, session Session, role, teamID string, rest []string) {
	if len(rest) == 0 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "Method not allowed", nil)
			return
		}
		if !s.service.Can(role, rbac.ActionViewCanvas) {
			s.forbid(w, r, session, string(rbac.ActionViewCanvas))
			return
		}
		status, err := s.service.CheckEditSession(r.Context(), session, teamID, s.service.Can(role, rbac.ActionEditCanvas))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
		return
	}

	if len(rest) != 1 {
		writeError(w, http.StatusNotFound, codeNotFound, "Not found", nil)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "Method not allowed", nil)
		return
	}

	switch rest[0] {
	case "acquire":
		if !s.service.Can(role, rbac.ActionEditCanvas) {
			s.forbid(w, r, session, string(rbac.ActionEditCanvas))
			return
		}
		result, err := s.service.AcquireEditSession(r.Context(), session, teamID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case "heartbeat":
		if err := s.service.HeartbeatEditSession(r.Context(), session, teamID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case "release":
		if err := s.service.ReleaseEditSession(r.Context(), session, teamID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, codeNotFound, "Not found", nil)
	}
}

func (s *HTTPServer) handleRoles(w http.ResponseWriter, r *http.Request, session Session, role, teamID string, rest []string) {
	if !s.service.Can(role, rbac.ActionManageRoles) {
		s.forbid(w, r, session, string(rbac.ActionManageRoles))
		return
	}

	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		var body optimistic.RoleInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		created, err := s.service.CreateRole(r.Context(), session, teamID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)

	case len(rest) == 1 && r.Method == http.MethodPut:
		var body optimistic.RoleInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		updated, err := s.service.UpdateRole(r.Context(), session, teamID, rest[0], body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)

	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeleteRole(r.Context(), session, teamID, rest[0]); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 2 && rest[1] == "metric" && r.Method == http.MethodPut:
		var body struct {
			MetricID string `json:"metricId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		updated, err := s.service.AssignMetric(r.Context(), session, teamID, rest[0], body.MetricID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)

	case len(rest) == 2 && rest[1] == "metric" && r.Method == http.MethodDelete:
		updated, err := s.service.UnassignMetric(r.Context(), session, teamID, rest[0])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)

	case len(rest) <= 1, len(rest) == 2 && rest[1] == "metric":
		writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "Method not allowed", nil)

	default:
		writeError(w, http.StatusNotFound, codeNotFound, "Not found", nil)
	}
}

func (s *HTTPServer) handleMembers(w http.ResponseWriter, r *http.Request, session Session, role, teamID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		if !s.service.Can(role, rbac.ActionViewCanvas) {
			s.forbid(w, r, session, string(rbac.ActionViewCanvas))
			return
		}
		members, err := s.service.ListMembers(r.Context(), teamID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		items := make([]map[string]any, 0, len(members))
		for _, m := range members {
			items = append(items, map[string]any{
				"userId":      m.UserID,
				"displayName": m.DisplayName,
				"role":        m.Role,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"members": items})

	case len(rest) == 1 && r.Method == http.MethodPut:
		if !s.service.Can(role, rbac.ActionAdmin) {
			s.forbid(w, r, session, string(rbac.ActionAdmin))
			return
		}
		var body struct {
			Role string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.SetMemberRole(r.Context(), session, teamID, rest[0], body.Role); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "userId": rest[0], "role": body.Role})

	case len(rest) <= 1:
		writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "Method not allowed", nil)

	default:
		writeError(w, http.StatusNotFound, codeNotFound, "Not found", nil)
	}
}

func versionPayload(v store.Version) map[string]any {
	return map[string]any{
		"hash":      v.Hash,
		"message":   v.Message,
		"author":    v.Author,
		"createdAt": v.CreatedAt,
	}
}

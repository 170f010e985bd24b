package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"perimetra.io/internal/audit"
	"perimetra.io/internal/rbac"
	"perimetra.io/internal/session"
)

type assignRoleRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

type permissionRequest struct {
	UserID     string `json:"user_id"`
	Permission string `json:"permission"`
	Revoke     bool   `json:"revoke"`
}

type anonymizeRequest struct {
	UserID string `json:"user_id"`
}

type terminateSessionRequest struct {
	SessionID string `json:"session_id"`
}

func (a *API) actor(r *http.Request) rbac.Actor {
	sc, _ := SecurityFromContext(r.Context())
	return rbac.Actor{UserID: sc.UserID, IP: clientIP(r), UserAgent: r.UserAgent()}
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, err.Error(), nil)
		return
	}
	if err := a.access.AssignRole(r.Context(), req.UserID, rbac.Role(req.Role), a.actor(r)); err != nil {
		handleAccessError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req permissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, err.Error(), nil)
		return
	}
	perm := rbac.Permission(strings.TrimSpace(req.Permission))
	var err error
	if req.Revoke {
		err = a.access.RevokePermission(r.Context(), req.UserID, perm, a.actor(r))
	} else {
		err = a.access.GrantPermission(r.Context(), req.UserID, perm, a.actor(r))
	}
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAnonymize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req anonymizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, err.Error(), nil)
		return
	}
	if err := a.access.AnonymizeUser(r.Context(), req.UserID, a.actor(r)); err != nil {
		handleAccessError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, err.Error(), nil)
		return
	}
	entries, err := a.auditor.AuditLogs(r.Context(), audit.EntryFilter{
		UserID: strings.TrimSpace(r.URL.Query().Get("user_id")),
		Action: audit.Action(strings.TrimSpace(r.URL.Query().Get("action"))),
		Limit:  limit,
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "audit read failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": entries})
}

func (a *API) handleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, err.Error(), nil)
		return
	}
	events, err := a.auditor.SecurityEvents(r.Context(), audit.EventFilter{
		UserID:   strings.TrimSpace(r.URL.Query().Get("user_id")),
		Type:     audit.EventType(strings.TrimSpace(r.URL.Query().Get("type"))),
		Severity: audit.Severity(strings.TrimSpace(r.URL.Query().Get("severity"))),
		Limit:    limit,
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "event read failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"security_events": events})
}

func (a *API) handleAdminSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, "user_id is required", nil)
		return
	}
	sessions, err := a.sessions.DetectSuspicious(r.Context(), userID)
	suspicious := map[string]bool{}
	if err == nil {
		for _, s := range sessions {
			suspicious[s.ID] = true
		}
	}
	active, err := a.sessions.ActiveSessions(r.Context(), userID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "session read failed", nil)
		return
	}
	type annotated struct {
		session.Session
		Suspicious bool `json:"suspicious"`
	}
	out := make([]annotated, 0, len(active))
	for _, s := range active {
		out = append(out, annotated{Session: s, Suspicious: suspicious[s.ID]})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (a *API) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req terminateSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, err.Error(), nil)
		return
	}
	if err := a.sessions.Invalidate(r.Context(), req.SessionID); err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, "session_id is required", nil)
		return
	}
	sc, _ := SecurityFromContext(r.Context())
	_, _ = a.auditor.LogSecurityAction(r.Context(), sc.UserID, audit.ActionAdmin, "session:"+req.SessionID,
		clientIP(r), r.UserAgent(), true, audit.Detail{SessionID: req.SessionID, Reason: "terminated"})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	result := a.Cleanup(r.Context())
	sc, _ := SecurityFromContext(r.Context())
	_, _ = a.auditor.LogSecurityAction(r.Context(), sc.UserID, audit.ActionAdmin, "maintenance:cleanup",
		clientIP(r), r.UserAgent(), true, audit.Detail{Reason: "manual_cleanup"})
	writeJSON(w, http.StatusOK, result)
}

func handleAccessError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, rbac.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, err.Error(), nil)
	case errors.Is(err, rbac.ErrNotFound):
		writeError(w, r, http.StatusNotFound, codeNotFound, err.Error(), nil)
	default:
		writeError(w, r, http.StatusInternalServerError, codeInternal, "operation failed", nil)
	}
}

func parseLimit(raw string) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < 1 || val > 1000 {
		return 0, errors.New("limit must be an integer between 1 and 1000")
	}
	return val, nil
}

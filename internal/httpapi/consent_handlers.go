package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"perimetra.io/internal/audit"
	"perimetra.io/internal/consent"
)

type grantConsentRequest struct {
	Purpose       string `json:"purpose"`
	LegalBasis    string `json:"legal_basis"`
	RetentionDays int    `json:"retention_days"`
}

type revokeConsentRequest struct {
	Purpose string `json:"purpose"`
}

func (a *API) handleConsents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listConsents(w, r)
	case http.MethodPost:
		a.grantConsent(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) listConsents(w http.ResponseWriter, r *http.Request) {
	sc, _ := SecurityFromContext(r.Context())
	consents, err := a.consents.ListByUser(r.Context(), sc.UserID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "consent read failed", nil)
		return
	}
	now := time.Now().UTC()
	type annotated struct {
		consent.Consent
		Active bool `json:"active"`
	}
	out := make([]annotated, 0, len(consents))
	for _, c := range consents {
		out = append(out, annotated{Consent: c, Active: c.ActiveAt(now)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"consents": out})
}

func (a *API) grantConsent(w http.ResponseWriter, r *http.Request) {
	sc, _ := SecurityFromContext(r.Context())
	var req grantConsentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, err.Error(), nil)
		return
	}
	if req.RetentionDays <= 0 {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, "retention_days must be positive", nil)
		return
	}
	c, err := a.consents.Grant(r.Context(), sc.UserID, consent.Purpose(req.Purpose), req.LegalBasis,
		time.Duration(req.RetentionDays)*24*time.Hour, clientIP(r), r.UserAgent())
	if err != nil {
		handleConsentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) handleConsentRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	sc, _ := SecurityFromContext(r.Context())
	var req revokeConsentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, err.Error(), nil)
		return
	}
	err := a.consents.Revoke(r.Context(), sc.UserID, consent.Purpose(req.Purpose), clientIP(r), r.UserAgent())
	if err != nil {
		handleConsentError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDataExport sits behind requireMFA, requirePermission(data.export),
// and requireConsent(data_processing); it returns the caller's own security
// footprint.
func (a *API) handleDataExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	sc, _ := SecurityFromContext(r.Context())
	profile, err := a.access.Profile(r.Context(), sc.UserID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "export failed", nil)
		return
	}
	sessions, err := a.sessions.ActiveSessions(r.Context(), sc.UserID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "export failed", nil)
		return
	}
	consents, err := a.consents.ListByUser(r.Context(), sc.UserID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "export failed", nil)
		return
	}
	_, _ = a.auditor.LogSecurityAction(r.Context(), sc.UserID, audit.ActionDataExport, "user:"+sc.UserID,
		clientIP(r), r.UserAgent(), true, audit.Detail{})
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     sc.UserID,
		"role":        profile.Role,
		"mfa_enabled": profile.MFAEnabled,
		"sessions":    sessions,
		"consents":    consents,
		"exported_at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleOwnSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	sc, _ := SecurityFromContext(r.Context())
	sessions, err := a.sessions.ActiveSessions(r.Context(), sc.UserID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "session read failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// handleSuspiciousScan runs the heuristic session scan for the caller and
// logs a high-severity event when anything is flagged.
func (a *API) handleSuspiciousScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	sc, _ := SecurityFromContext(r.Context())
	flagged, err := a.sessions.DetectSuspicious(r.Context(), sc.UserID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "scan failed", nil)
		return
	}
	if len(flagged) > 0 {
		desc := fmt.Sprintf("%d suspicious sessions detected", len(flagged))
		_, _ = a.auditor.CreateSecurityEvent(r.Context(), audit.EventSuspiciousActivity, audit.RiskHigh,
			sc.UserID, clientIP(r), desc, audit.Detail{Count: len(flagged)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"suspicious_sessions": flagged})
}

func handleConsentError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, consent.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, err.Error(), nil)
	case errors.Is(err, consent.ErrNotFound):
		writeError(w, r, http.StatusNotFound, codeNotFound, err.Error(), nil)
	default:
		writeError(w, r, http.StatusInternalServerError, codeInternal, "consent operation failed", nil)
	}
}

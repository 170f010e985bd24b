package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"perimetra.io/internal/audit"
	"perimetra.io/internal/obs"
	"perimetra.io/internal/rbac"
	"perimetra.io/internal/token"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type mfaEnableRequest struct {
	Secret string `json:"secret"`
	Code   string `json:"code"`
}

type mfaVerifyRequest struct {
	Code string `json:"code"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, err.Error(), nil)
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, "email and password are required", nil)
		return
	}

	ip, agent := clientIP(r), r.UserAgent()
	user, err := a.profiles.FindUserByEmail(r.Context(), req.Email)
	if errors.Is(err, rbac.ErrNotFound) {
		_ = a.auditor.LogFailedLogin(r.Context(), req.Email, ip, agent, "unknown_email")
		denyCredentials(w, r)
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "login failed", nil)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		_ = a.auditor.LogFailedLogin(r.Context(), req.Email, ip, agent, "bad_password")
		_, _ = a.profiles.RecordFailedLogin(r.Context(), user.ID)
		denyCredentials(w, r)
		return
	}
	if user.Status != rbac.UserStatusActive {
		_ = a.auditor.LogFailedLogin(r.Context(), req.Email, ip, agent, "account_disabled")
		writeError(w, r, http.StatusForbidden, codeForbidden, "account is disabled", nil)
		return
	}

	profile, err := a.access.Profile(r.Context(), user.ID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "login failed", nil)
		return
	}
	timeout := a.cfg.SessionTimeout
	if profile.SessionTimeoutMin > 0 {
		timeout = time.Duration(profile.SessionTimeoutMin) * time.Minute
	}

	sess, err := a.sessions.Create(r.Context(), user.ID, ip, agent, timeout)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "login failed", nil)
		return
	}
	if err := a.profiles.RecordLogin(r.Context(), user.ID, time.Now().UTC()); err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "login failed", nil)
		return
	}
	_, _ = a.auditor.LogSecurityAction(r.Context(), user.ID, audit.ActionLogin, "auth:login", ip, agent, true,
		audit.Detail{Email: req.Email, SessionID: sess.ID})

	accessToken, err := token.Generate(user.ID, sess.ID, string(profile.Role), a.cfg.TokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "login failed", nil)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sess.ID,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   a.cfg.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"token":        accessToken,
		"session":      sess,
		"role":         profile.Role,
		"mfa_required": profile.MFAEnabled && !sess.MFAVerified,
	})
}

func denyCredentials(w http.ResponseWriter, r *http.Request) {
	obs.IncAuthDenial("invalid_credentials")
	writeError(w, r, http.StatusUnauthorized, codeInvalidCredentials, "invalid email or password", nil)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	sc, _ := SecurityFromContext(r.Context())
	if err := a.sessions.Invalidate(r.Context(), sc.SessionID); err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "logout failed", nil)
		return
	}
	_, _ = a.auditor.LogSecurityAction(r.Context(), sc.UserID, audit.ActionLogout, "auth:logout",
		clientIP(r), r.UserAgent(), true, audit.Detail{SessionID: sc.SessionID})
	clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	sc, _ := SecurityFromContext(r.Context())
	n, err := a.sessions.InvalidateAllForUser(r.Context(), sc.UserID, sc.SessionID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "logout failed", nil)
		return
	}
	_, _ = a.auditor.LogSecurityAction(r.Context(), sc.UserID, audit.ActionLogout, "auth:logout-all",
		clientIP(r), r.UserAgent(), true, audit.Detail{Count: int(n)})
	writeJSON(w, http.StatusOK, map[string]any{"sessions_invalidated": n})
}

func (a *API) handleMFAEnroll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	sc, _ := SecurityFromContext(r.Context())
	secret, uri, err := a.mfa.GenerateSecret(sc.UserID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "enrollment failed", nil)
		return
	}
	// Nothing is persisted yet; the client must prove possession via enable.
	writeJSON(w, http.StatusOK, map[string]any{
		"secret":           secret,
		"provisioning_uri": uri,
	})
}

func (a *API) handleMFAEnable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	sc, _ := SecurityFromContext(r.Context())
	var req mfaEnableRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, err.Error(), nil)
		return
	}
	backupCodes, err := a.mfa.Enable(r.Context(), sc.UserID, req.Secret, req.Code, clientIP(r), r.UserAgent())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, "code does not match secret", nil)
		return
	}
	// Backup codes are shown exactly once.
	writeJSON(w, http.StatusOK, map[string]any{"backup_codes": backupCodes})
}

func (a *API) handleMFADisable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	sc, _ := SecurityFromContext(r.Context())
	if err := a.mfa.Disable(r.Context(), sc.UserID, clientIP(r), r.UserAgent()); err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "disable failed", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMFAVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	sc, _ := SecurityFromContext(r.Context())
	var req mfaVerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, err.Error(), nil)
		return
	}
	ok, err := a.mfa.Challenge(r.Context(), sc.UserID, req.Code)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, "MFA is not enrolled", nil)
		return
	}
	ip, agent := clientIP(r), r.UserAgent()
	if !ok {
		_, _ = a.auditor.LogSecurityAction(r.Context(), sc.UserID, audit.ActionLogin, "auth:mfa", ip, agent, false,
			audit.Detail{SessionID: sc.SessionID, Reason: "mfa_code_rejected"})
		writeError(w, r, http.StatusUnauthorized, codeInvalidCredentials, "invalid MFA code", nil)
		return
	}
	if err := a.sessions.VerifyMFA(r.Context(), sc.SessionID); err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "verification failed", nil)
		return
	}
	_, _ = a.auditor.LogSecurityAction(r.Context(), sc.UserID, audit.ActionLogin, "auth:mfa", ip, agent, true,
		audit.Detail{SessionID: sc.SessionID, Reason: "mfa_verified"})
	writeJSON(w, http.StatusOK, map[string]any{"mfa_verified": true})
}

func (a *API) handleProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	sc, _ := SecurityFromContext(r.Context())
	profile, err := a.access.Profile(r.Context(), sc.UserID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "profile load failed", nil)
		return
	}
	perms := make([]rbac.Permission, 0, len(sc.Permissions))
	for _, p := range rbac.AllPermissions() {
		if sc.Has(p) {
			perms = append(perms, p)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":      sc.UserID,
		"role":         profile.Role,
		"permissions":  perms,
		"mfa_enabled":  profile.MFAEnabled,
		"mfa_verified": sc.MFAVerified,
		"last_login":   profile.LastLoginAt,
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}

package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"perimetra.io/internal/audit"
	"perimetra.io/internal/consent"
	"perimetra.io/internal/obs"
	"perimetra.io/internal/ratelimit"
	"perimetra.io/internal/rbac"
	"perimetra.io/internal/token"
)

const (
	sessionCookie = "perimetra_session"
	authHeader    = "Authorization"
	bearer        = "Bearer "
)

var (
	errNoCredentials = errors.New("missing session cookie or bearer token")
	errBadScheme     = errors.New("invalid authorization scheme")
	errBadToken      = errors.New("invalid token")
)

// requireAuth resolves the caller's session from the session cookie or a
// bearer token, validates it against the observed IP, and attaches the
// SecurityContext. Bearer tokens carry the session id in the sid claim; the
// server-side session record stays authoritative either way.
func (a *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID, err := sessionIDFromRequest(r)
		if err != nil {
			obs.IncAuthDenial("missing_credentials")
			writeError(w, r, http.StatusUnauthorized, codeUnauthenticated, err.Error(), nil)
			return
		}

		sess, err := a.sessions.Validate(r.Context(), sessionID, clientIP(r))
		if err != nil {
			obs.IncAuthDenial("invalid_session")
			writeError(w, r, http.StatusUnauthorized, codeUnauthenticated, "invalid or expired session", nil)
			return
		}

		profile, err := a.access.Profile(r.Context(), sess.UserID)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, codeInternal, "identity resolution failed", nil)
			return
		}

		sc := &SecurityContext{
			UserID:      sess.UserID,
			SessionID:   sess.ID,
			Role:        profile.Role,
			Permissions: profile.EffectivePermissions(),
			MFAVerified: sess.MFAVerified,
		}
		next(w, r.WithContext(ContextWithSecurity(r.Context(), sc)))
	}
}

// requireMFA layers on requireAuth: the session must have passed an MFA
// challenge.
func (a *API) requireMFA(next http.HandlerFunc) http.HandlerFunc {
	return a.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		sc, _ := SecurityFromContext(r.Context())
		if !sc.MFAVerified {
			obs.IncAuthDenial("mfa_required")
			writeError(w, r, http.StatusUnauthorized, codeMFARequired, "MFA verification required for this resource", nil)
			return
		}
		next(w, r)
	})
}

// requirePermission denies with 403 and an unauthorized-access audit row when
// the caller's effective set lacks the permission.
func (a *API) requirePermission(perm rbac.Permission, next http.HandlerFunc) http.HandlerFunc {
	return a.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		sc, _ := SecurityFromContext(r.Context())
		if !sc.Has(perm) {
			a.denyForbidden(w, r, sc, audit.Detail{Permission: string(perm), Method: r.Method, Path: r.URL.Path})
			return
		}
		next(w, r)
	})
}

// requireRole denies with 403 unless the caller holds exactly this role.
func (a *API) requireRole(role rbac.Role, next http.HandlerFunc) http.HandlerFunc {
	return a.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		sc, _ := SecurityFromContext(r.Context())
		if sc.Role != role {
			a.denyForbidden(w, r, sc, audit.Detail{Role: string(role), Method: r.Method, Path: r.URL.Path})
			return
		}
		next(w, r)
	})
}

// requireConsent denies with 451 when the caller holds no active consent for
// the purpose.
func (a *API) requireConsent(purpose consent.Purpose, next http.HandlerFunc) http.HandlerFunc {
	return a.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		sc, _ := SecurityFromContext(r.Context())
		ok, err := a.consents.HasActive(r.Context(), sc.UserID, purpose)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, codeInternal, "consent check failed", nil)
			return
		}
		if !ok {
			obs.IncAuthDenial("consent_required")
			writeError(w, r, http.StatusUnavailableForLegalReasons, codeConsentRequired,
				"active consent is required for this resource", map[string]string{"purpose": string(purpose)})
			return
		}
		next(w, r)
	})
}

// rateLimit admits up to maxRequests per (client IP, path) within each
// window. Exceeding it answers 429 with a Retry-After hint and records a
// medium-severity brute-force event.
func (a *API) rateLimit(maxRequests int, window time.Duration, next http.HandlerFunc) http.HandlerFunc {
	limiter := ratelimit.NewWindowLimiter(maxRequests, window)
	a.limiters = append(a.limiters, limiter)
	return func(w http.ResponseWriter, r *http.Request) {
		d := limiter.Allow(ratelimit.Key(clientIP(r), r.URL.Path))
		if !d.Allowed {
			obs.IncRateLimited()
			retryAfter := int(d.RetryAfter.Round(time.Second).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			desc := fmt.Sprintf("rate limit exceeded on %s", r.URL.Path)
			_, _ = a.auditor.CreateSecurityEvent(r.Context(), audit.EventBruteForceAttempt, audit.RiskMedium,
				"", clientIP(r), desc, audit.Detail{Path: r.URL.Path, Count: d.Limit})
			writeError(w, r, http.StatusTooManyRequests, codeRateLimited, "rate limit exceeded",
				map[string]string{"retry_after": fmt.Sprintf("%ds", retryAfter)})
			return
		}
		next(w, r)
	}
}

func (a *API) denyForbidden(w http.ResponseWriter, r *http.Request, sc *SecurityContext, detail audit.Detail) {
	obs.IncAuthDenial("forbidden")
	_, _ = a.auditor.LogSecurityAction(r.Context(), sc.UserID, audit.ActionUnauthorizedAccess,
		r.URL.Path, clientIP(r), r.UserAgent(), false, detail)
	writeError(w, r, http.StatusForbidden, codeForbidden, "insufficient privileges", nil)
}

func sessionIDFromRequest(r *http.Request) (string, error) {
	if c, err := r.Cookie(sessionCookie); err == nil && strings.TrimSpace(c.Value) != "" {
		return strings.TrimSpace(c.Value), nil
	}
	header := strings.TrimSpace(r.Header.Get(authHeader))
	if header == "" {
		return "", errNoCredentials
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errBadScheme
	}
	raw := strings.TrimSpace(header[len(bearer):])
	claims, err := token.ParseAndValidate(raw)
	if err != nil {
		return "", errBadToken
	}
	return claims.SessionID, nil
}

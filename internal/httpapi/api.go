// Package httpapi composes the security core into HTTP request guards and
// handlers. Every denial uses one JSON error envelope and is observable
// through metrics and, where required, the audit trail.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"perimetra.io/internal/audit"
	"perimetra.io/internal/consent"
	"perimetra.io/internal/mfa"
	"perimetra.io/internal/obs"
	"perimetra.io/internal/ratelimit"
	"perimetra.io/internal/rbac"
	"perimetra.io/internal/session"
)

// ReadyProbe checks dependency readiness (a DB ping when wired).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Config tunes the HTTP layer.
type Config struct {
	Version         string
	SessionTimeout  time.Duration
	TokenTTL        time.Duration
	CookieSecure    bool
	LoginRateLimit  int
	LoginRateWindow time.Duration
	AuditRetention  time.Duration
}

func (c *Config) withDefaults() {
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 30 * time.Minute
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 15 * time.Minute
	}
	if c.LoginRateLimit <= 0 {
		c.LoginRateLimit = 10
	}
	if c.LoginRateWindow <= 0 {
		c.LoginRateWindow = 15 * time.Minute
	}
	if c.AuditRetention <= 0 {
		c.AuditRetention = 365 * 24 * time.Hour
	}
}

// Deps are the wired services the HTTP layer fronts.
type Deps struct {
	Sessions *session.Manager
	Access   *rbac.Resolver
	Profiles rbac.Store
	MFA      *mfa.Service
	Consents *consent.Service
	Auditor  *audit.Logger
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	cfg        Config
	readyProbe ReadyProbe

	sessions *session.Manager
	access   *rbac.Resolver
	profiles rbac.Store
	mfa      *mfa.Service
	consents *consent.Service
	auditor  *audit.Logger

	// Route-level sliding-window limiters, registered here so the
	// maintenance sweep can prune their expired counters.
	limiters []ratelimit.Limiter
}

func New(cfg Config, rp ReadyProbe, deps Deps) *API {
	cfg.withDefaults()
	a := &API{
		mux:        http.NewServeMux(),
		cfg:        cfg,
		readyProbe: rp,
		sessions:   deps.Sessions,
		access:     deps.Access,
		profiles:   deps.Profiles,
		mfa:        deps.MFA,
		consents:   deps.Consents,
		auditor:    deps.Auditor,
	}

	// health/ready/metrics
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())

	// authentication lifecycle
	a.mux.HandleFunc("/v1/auth/login", a.rateLimit(cfg.LoginRateLimit, cfg.LoginRateWindow, a.handleLogin))
	a.mux.HandleFunc("/v1/auth/logout", a.requireAuth(a.handleLogout))
	a.mux.HandleFunc("/v1/auth/logout-all", a.requireAuth(a.handleLogoutAll))

	// MFA enrollment and step-up
	a.mux.HandleFunc("/v1/auth/mfa/enroll", a.requireAuth(a.handleMFAEnroll))
	a.mux.HandleFunc("/v1/auth/mfa/enable", a.requireAuth(a.handleMFAEnable))
	a.mux.HandleFunc("/v1/auth/mfa/disable", a.requireMFA(a.handleMFADisable))
	a.mux.HandleFunc("/v1/auth/mfa/verify", a.rateLimit(cfg.LoginRateLimit, cfg.LoginRateWindow,
		a.requireAuth(a.handleMFAVerify)))

	// self-service
	a.mux.HandleFunc("/v1/profile", a.requireAuth(a.handleProfile))
	a.mux.HandleFunc("/v1/sessions", a.requireAuth(a.handleOwnSessions))
	a.mux.HandleFunc("/v1/sessions/suspicious", a.requireAuth(a.handleSuspiciousScan))
	a.mux.HandleFunc("/v1/consents", a.requireAuth(a.handleConsents))
	a.mux.HandleFunc("/v1/consents/revoke", a.requireAuth(a.handleConsentRevoke))
	a.mux.HandleFunc("/v1/data/export", a.requireMFA(
		a.requirePermission(rbac.PermDataExport,
			a.requireConsent(consent.PurposeDataProcessing, a.handleDataExport))))

	// admin surface
	a.mux.HandleFunc("/v1/admin/users/role", a.requireMFA(
		a.requirePermission(rbac.PermRoleAssign, a.handleAssignRole)))
	a.mux.HandleFunc("/v1/admin/users/permissions", a.requireMFA(
		a.requirePermission(rbac.PermPermissionManage, a.handlePermissions)))
	a.mux.HandleFunc("/v1/admin/users/anonymize", a.requireMFA(
		a.requirePermission(rbac.PermDataDelete, a.handleAnonymize)))
	a.mux.HandleFunc("/v1/admin/audit-logs", a.requirePermission(rbac.PermAuditView, a.handleAuditLogs))
	a.mux.HandleFunc("/v1/admin/security-events", a.requirePermission(rbac.PermAuditView, a.handleSecurityEvents))
	a.mux.HandleFunc("/v1/admin/sessions", a.requirePermission(rbac.PermSessionView, a.handleAdminSessions))
	a.mux.HandleFunc("/v1/admin/sessions/terminate", a.requirePermission(rbac.PermSessionTerminate, a.handleTerminateSession))
	a.mux.HandleFunc("/v1/admin/maintenance/cleanup", a.requirePermission(rbac.PermSecurityAdmin, a.handleCleanup))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, codeNotFound, "resource not found", nil)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// Cleanup is the maintenance entry point: expired sessions are deactivated,
// audit data past retention is purged, lapsed consents are dropped, and
// stale rate-limit counters are pruned.
func (a *API) Cleanup(ctx context.Context) map[string]int64 {
	out := map[string]int64{}
	if n, err := a.sessions.CleanupExpired(ctx); err == nil {
		out["sessions_deactivated"] = n
	}
	if n, err := a.auditor.PurgeExpired(ctx, a.cfg.AuditRetention); err == nil {
		out["audit_rows_purged"] = n
	}
	if n, err := a.consents.PurgeExpired(ctx); err == nil {
		out["consents_purged"] = n
	}
	var pruned int64
	for _, lim := range a.limiters {
		pruned += int64(lim.PruneExpired())
	}
	out["rate_counters_pruned"] = pruned
	return out
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "perimetra-api",
		"version": a.cfg.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"perimetra.io/internal/audit"
	"perimetra.io/internal/audit/audittest"
	"perimetra.io/internal/consent"
	"perimetra.io/internal/mfa"
	"perimetra.io/internal/rbac"
	"perimetra.io/internal/session"
	"perimetra.io/internal/token"
)

const testIP = "203.0.113.10"

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T

	api     *API
	backend *memBackend
	audits  *audittest.Store
	mfaSvc  *mfa.Service
}

func newTestAPI(t *testing.T, cfg Config) *apiClient {
	t.Helper()

	t.Setenv("PERIMETRA_TOKEN_SECRET", "test-secret")
	token.ResetSecretForTests()

	backend := newMemBackend()
	audits := &audittest.Store{}

	auditor, err := audit.NewLogger(audits)
	if err != nil {
		t.Fatalf("audit logger: %v", err)
	}
	sessions, err := session.NewManager(backend, auditor)
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}
	access, err := rbac.NewResolver(backend, auditor)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	sealer, err := mfa.NewSealer(bytes.Repeat([]byte("k"), 32))
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	mfaSvc, err := mfa.NewService(backend, sealer, auditor, "perimetra")
	if err != nil {
		t.Fatalf("mfa service: %v", err)
	}
	consents, err := consent.NewService(memConsents{backend}, auditor)
	if err != nil {
		t.Fatalf("consent service: %v", err)
	}

	api := New(cfg, ReadyProbe{}, Deps{
		Sessions: sessions,
		Access:   access,
		Profiles: backend,
		MFA:      mfaSvc,
		Consents: consents,
		Auditor:  auditor,
	})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		api:     api,
		backend: backend,
		audits:  audits,
		mfaSvc:  mfaSvc,
	}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", testIP)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-Forwarded-For", testIP)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) seedUser(email, password string, role rbac.Role) string {
	c.t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		c.t.Fatalf("hash password: %v", err)
	}
	return c.backend.addUser(email, string(hash), role)
}

// enrollMFA enables TOTP directly through the service and returns the plain
// secret so tests can mint valid codes.
func (c *apiClient) enrollMFA(userID string) string {
	c.t.Helper()
	secret, _, err := c.mfaSvc.GenerateSecret(userID)
	if err != nil {
		c.t.Fatalf("generate secret: %v", err)
	}
	if _, err := c.mfaSvc.Enable(context.Background(), userID, secret, totpCode(c.t, secret), testIP, "test"); err != nil {
		c.t.Fatalf("enable mfa: %v", err)
	}
	return secret
}

// login posts credentials and returns the session cookie header value plus
// the decoded response body.
func (c *apiClient) login(email, password string) (map[string]string, map[string]any) {
	c.t.Helper()
	resp := c.post("/v1/auth/login", map[string]any{"email": email, "password": password}, nil)
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("login status: %d", resp.StatusCode)
	}
	var cookie string
	for _, ck := range resp.Cookies() {
		if ck.Name == sessionCookie {
			cookie = ck.Name + "=" + ck.Value
		}
	}
	if cookie == "" {
		c.t.Fatalf("no session cookie issued")
	}
	body := decode[map[string]any](c.t, resp)
	return map[string]string{"Cookie": cookie}, body
}

func totpCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, time.Now(), totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		t.Fatalf("generate totp code: %v", err)
	}
	return code
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func decodeError(t *testing.T, r *http.Response) errorBody {
	t.Helper()
	return decode[errorEnvelope](t, r).Error
}

func TestLoginAndProfile(t *testing.T) {
	api := newTestAPI(t, Config{})
	api.seedUser("alice@example.com", "correct horse", rbac.RoleCustomer)

	auth, body := api.login("alice@example.com", "correct horse")
	if body["token"] == "" || body["token"] == nil {
		t.Fatalf("no bearer token in login response")
	}
	if body["mfa_required"] != false {
		t.Fatalf("mfa_required = %v for user without MFA", body["mfa_required"])
	}

	resp := api.get("/v1/profile", nil, auth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("profile status: %d", resp.StatusCode)
	}
	profile := decode[map[string]any](t, resp)
	if profile["role"] != "customer" {
		t.Fatalf("role = %v", profile["role"])
	}
	perms, ok := profile["permissions"].([]any)
	if !ok || len(perms) == 0 {
		t.Fatalf("permissions missing: %v", profile["permissions"])
	}
}

func TestLoginBearerToken(t *testing.T) {
	api := newTestAPI(t, Config{})
	api.seedUser("alice@example.com", "correct horse", rbac.RoleCustomer)

	_, body := api.login("alice@example.com", "correct horse")
	bearerAuth := map[string]string{"Authorization": "Bearer " + body["token"].(string)}

	resp := api.get("/v1/profile", nil, bearerAuth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("profile via bearer status: %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestLoginInvalidCredentials(t *testing.T) {
	api := newTestAPI(t, Config{})
	api.seedUser("alice@example.com", "correct horse", rbac.RoleCustomer)

	resp := api.post("/v1/auth/login", map[string]any{
		"email":    "alice@example.com",
		"password": "wrong",
	}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	eb := decodeError(t, resp)
	if eb.Code != codeInvalidCredentials {
		t.Fatalf("code = %q", eb.Code)
	}
	if eb.RequestID == "" || eb.Timestamp == "" {
		t.Fatalf("incomplete envelope: %+v", eb)
	}

	// The failed attempt lands in the audit trail.
	found := false
	for _, e := range api.audits.EntryLog {
		if e.Action == audit.ActionLogin && !e.Success {
			found = true
		}
	}
	if !found {
		t.Fatalf("no failed login audit entry")
	}
}

func TestLoginUnknownEmailSameAnswer(t *testing.T) {
	api := newTestAPI(t, Config{})

	resp := api.post("/v1/auth/login", map[string]any{
		"email":    "ghost@example.com",
		"password": "whatever",
	}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if eb := decodeError(t, resp); eb.Code != codeInvalidCredentials {
		t.Fatalf("code = %q", eb.Code)
	}
}

func TestMFAStepUp(t *testing.T) {
	api := newTestAPI(t, Config{})
	userID := api.seedUser("admin@example.com", "correct horse", rbac.RoleAdmin)
	secret := api.enrollMFA(userID)

	auth, body := api.login("admin@example.com", "correct horse")
	if body["mfa_required"] != true {
		t.Fatalf("mfa_required = %v for enrolled user", body["mfa_required"])
	}

	// MFA-gated route is refused before the challenge.
	resp := api.post("/v1/auth/mfa/disable", nil, auth)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("pre-challenge status: %d", resp.StatusCode)
	}
	if eb := decodeError(t, resp); eb.Code != codeMFARequired {
		t.Fatalf("code = %q", eb.Code)
	}

	// Wrong code is rejected.
	resp = api.post("/v1/auth/mfa/verify", map[string]any{"code": "000000"}, auth)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad code status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post("/v1/auth/mfa/verify", map[string]any{"code": totpCode(t, secret)}, auth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status: %d", resp.StatusCode)
	}
	verified := decode[map[string]any](t, resp)
	if verified["mfa_verified"] != true {
		t.Fatalf("verify response: %v", verified)
	}

	resp = api.post("/v1/auth/mfa/disable", nil, auth)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("post-challenge status: %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestForbiddenIsAudited(t *testing.T) {
	api := newTestAPI(t, Config{})
	api.seedUser("alice@example.com", "correct horse", rbac.RoleCustomer)
	auth, _ := api.login("alice@example.com", "correct horse")

	resp := api.get("/v1/admin/audit-logs", nil, auth)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if eb := decodeError(t, resp); eb.Code != codeForbidden {
		t.Fatalf("code = %q", eb.Code)
	}

	found := false
	for _, e := range api.audits.EntryLog {
		if e.Action == audit.ActionUnauthorizedAccess && !e.Success {
			found = true
		}
	}
	if !found {
		t.Fatalf("denial not audited")
	}
}

func TestAdminAuditLogView(t *testing.T) {
	api := newTestAPI(t, Config{})
	api.seedUser("admin@example.com", "correct horse", rbac.RoleAdmin)
	auth, _ := api.login("admin@example.com", "correct horse")

	resp := api.get("/v1/admin/audit-logs", url.Values{"limit": {"10"}}, auth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	entries, ok := body["audit_logs"].([]any)
	if !ok || len(entries) == 0 {
		t.Fatalf("expected the login entry, got %v", body)
	}
}

func TestDataExportNeedsConsent(t *testing.T) {
	api := newTestAPI(t, Config{})
	userID := api.seedUser("support@example.com", "correct horse", rbac.RoleSupport)
	secret := api.enrollMFA(userID)

	auth, _ := api.login("support@example.com", "correct horse")
	resp := api.post("/v1/auth/mfa/verify", map[string]any{"code": totpCode(t, secret)}, auth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.get("/v1/data/export", nil, auth)
	if resp.StatusCode != http.StatusUnavailableForLegalReasons {
		t.Fatalf("pre-consent status: %d", resp.StatusCode)
	}
	eb := decodeError(t, resp)
	if eb.Code != codeConsentRequired || eb.Details["purpose"] != string(consent.PurposeDataProcessing) {
		t.Fatalf("envelope: %+v", eb)
	}

	resp = api.post("/v1/consents", map[string]any{
		"purpose":        string(consent.PurposeDataProcessing),
		"legal_basis":    "contract",
		"retention_days": 30,
	}, auth)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("grant status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.get("/v1/data/export", nil, auth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export status: %d", resp.StatusCode)
	}
	export := decode[map[string]any](t, resp)
	if export["user_id"] == nil || export["sessions"] == nil || export["consents"] == nil {
		t.Fatalf("incomplete export: %v", export)
	}

	found := false
	for _, e := range api.audits.EntryLog {
		if e.Action == audit.ActionDataExport && e.Success {
			found = true
		}
	}
	if !found {
		t.Fatalf("export not audited")
	}
}

func TestLoginRateLimited(t *testing.T) {
	api := newTestAPI(t, Config{LoginRateLimit: 2, LoginRateWindow: time.Minute})

	creds := map[string]any{"email": "ghost@example.com", "password": "nope"}
	for i := 0; i < 2; i++ {
		resp := api.post("/v1/auth/login", creds, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d status: %d", i+1, resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp := api.post("/v1/auth/login", creds, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header")
	}
	if eb := decodeError(t, resp); eb.Code != codeRateLimited {
		t.Fatalf("code = %q", eb.Code)
	}

	events := api.audits.EventsOfType(audit.EventBruteForceAttempt)
	if len(events) == 0 {
		t.Fatalf("no brute force event recorded")
	}
}

func TestSessionIPBinding(t *testing.T) {
	api := newTestAPI(t, Config{})
	api.seedUser("alice@example.com", "correct horse", rbac.RoleCustomer)
	auth, _ := api.login("alice@example.com", "correct horse")

	// Same cookie from a different address is rejected and the session dies.
	elsewhere := map[string]string{"Cookie": auth["Cookie"], "X-Forwarded-For": "198.51.100.7"}
	resp := api.get("/v1/profile", nil, elsewhere)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("hijack status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.get("/v1/profile", nil, auth)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("original address status after hijack: %d", resp.StatusCode)
	}
	resp.Body.Close()

	if len(api.audits.EventsOfType(audit.EventSuspiciousActivity)) == 0 {
		t.Fatalf("ip mismatch not surfaced as an event")
	}
}

func TestRequireRoleExactMatch(t *testing.T) {
	api := newTestAPI(t, Config{})
	api.seedUser("root@example.com", "correct horse", rbac.RoleSuperAdmin)
	auth, _ := api.login("root@example.com", "correct horse")

	handler := api.api.requireRole(rbac.RoleAdmin, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// A strictly higher role is still not an exact match.
	req := httptest.NewRequest(http.MethodGet, "/restricted", nil)
	req.Header.Set("Cookie", auth["Cookie"])
	req.Header.Set("X-Forwarded-For", testIP)
	rec := httptest.NewRecorder()
	handler(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("super_admin against admin gate: %d", rec.Code)
	}

	handler = api.api.requireRole(rbac.RoleSuperAdmin, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	req = httptest.NewRequest(http.MethodGet, "/restricted", nil)
	req.Header.Set("Cookie", auth["Cookie"])
	req.Header.Set("X-Forwarded-For", testIP)
	rec = httptest.NewRecorder()
	handler(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("exact role match: %d", rec.Code)
	}
}

func TestLogoutClearsSession(t *testing.T) {
	api := newTestAPI(t, Config{})
	api.seedUser("alice@example.com", "correct horse", rbac.RoleCustomer)
	auth, _ := api.login("alice@example.com", "correct horse")

	resp := api.post("/v1/auth/logout", nil, auth)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.get("/v1/profile", nil, auth)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status after logout: %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestUnknownRouteEnvelope(t *testing.T) {
	api := newTestAPI(t, Config{})

	resp := api.get("/v1/nope", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if eb := decodeError(t, resp); eb.Code != codeNotFound {
		t.Fatalf("code = %q", eb.Code)
	}
}

func TestHealthz(t *testing.T) {
	api := newTestAPI(t, Config{})

	resp := api.get("/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["service"] != "perimetra-api" {
		t.Fatalf("service = %v", body["service"])
	}
}

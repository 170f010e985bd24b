package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"perimetra.io/internal/audit"
)

const (
	defaultTimeout = 30 * time.Minute

	// Heuristic thresholds for DetectSuspicious.
	maxConcurrentIPs   = 2
	maxSessionAge      = 24 * time.Hour
	maxDistinctAgents  = 3
	sessionIDByteCount = 32
)

// Manager owns the session lifecycle: creation, validation with IP binding,
// extension, MFA step-up marking, and the suspicious-pattern scan.
type Manager struct {
	store Store
	audit *audit.Logger
	now   func() time.Time
}

// Option configures Manager behavior.
type Option func(*Manager)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager constructs a Manager.
func NewManager(store Store, auditLogger *audit.Logger, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	if auditLogger == nil {
		return nil, fmt.Errorf("%w: audit logger is required", ErrInvalidInput)
	}
	m := &Manager{store: store, audit: auditLogger, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Create opens a session for the user, bound to the observed IP and
// user-agent. The identifier is 32 bytes of CSPRNG output, base64url.
func (m *Manager) Create(ctx context.Context, userID, ip, userAgent string, timeout time.Duration) (*Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	id, err := newSessionID()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	now := m.now().UTC()
	s := &Session{
		ID:           id,
		UserID:       userID,
		IP:           ip,
		UserAgent:    userAgent,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(timeout),
		Active:       true,
		MFAVerified:  false,
	}
	if err := m.store.Create(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate resolves an active, unexpired session. A non-empty ip that does
// not match the session's bound IP invalidates the session immediately and
// fails validation; this is the primary hijack safety net. Successful
// validation stamps last_activity.
func (m *Manager) Validate(ctx context.Context, id, ip string) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrNotFound
	}
	s, err := m.store.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	if !s.Active || !s.ExpiresAt.After(now) {
		return nil, ErrNotFound
	}
	if ip != "" && s.IP != "" && ip != s.IP {
		if err := m.store.Deactivate(ctx, id); err != nil {
			return nil, err
		}
		// Best effort: the denial stands whether or not the event persists.
		_, _ = m.audit.CreateSecurityEvent(ctx, audit.EventSuspiciousActivity, audit.RiskHigh, s.UserID, ip,
			"session used from an IP other than its binding", audit.Detail{SessionID: id, Reason: "ip_mismatch"})
		return nil, ErrNotFound
	}
	if err := m.store.Touch(ctx, id, now); err != nil {
		return nil, err
	}
	s.LastActivity = now
	return s, nil
}

// Invalidate deactivates the session. Idempotent; the row persists.
func (m *Manager) Invalidate(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	return m.store.Deactivate(ctx, id)
}

// InvalidateAllForUser deactivates every session of the user, optionally
// sparing one (the caller's current session).
func (m *Manager) InvalidateAllForUser(ctx context.Context, userID, exceptID string) (int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return m.store.DeactivateAllForUser(ctx, userID, exceptID)
}

// Extend slides the expiry forward from now.
func (m *Manager) Extend(ctx context.Context, id string, d time.Duration) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	if d <= 0 {
		return fmt.Errorf("%w: extension must be positive", ErrInvalidInput)
	}
	return m.store.Extend(ctx, id, m.now().UTC().Add(d))
}

// VerifyMFA marks the session MFA-verified. The flag never transitions back
// for the session's remaining lifetime.
func (m *Manager) VerifyMFA(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	return m.store.MarkMFAVerified(ctx, id)
}

// ActiveSessions lists the user's currently active sessions.
func (m *Manager) ActiveSessions(ctx context.Context, userID string) ([]Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return m.store.ActiveByUser(ctx, userID)
}

// DetectSuspicious scans the user's active sessions and returns the union of
// sessions implicated by any heuristic: more than two distinct bound IPs
// concurrently active, sessions older than 24 hours, or more than three
// distinct user-agent strings. Advisory only; nothing is invalidated here.
func (m *Manager) DetectSuspicious(ctx context.Context, userID string) ([]Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	sessions, err := m.store.ActiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	flagged := make(map[string]Session)

	ips := make(map[string]struct{})
	agents := make(map[string]struct{})
	for _, s := range sessions {
		if s.IP != "" {
			ips[s.IP] = struct{}{}
		}
		if s.UserAgent != "" {
			agents[s.UserAgent] = struct{}{}
		}
	}
	if len(ips) > maxConcurrentIPs || len(agents) > maxDistinctAgents {
		for _, s := range sessions {
			flagged[s.ID] = s
		}
	}
	now := m.now().UTC()
	for _, s := range sessions {
		if now.Sub(s.CreatedAt) > maxSessionAge {
			flagged[s.ID] = s
		}
	}

	out := make([]Session, 0, len(flagged))
	for _, s := range sessions {
		if f, ok := flagged[s.ID]; ok {
			out = append(out, f)
		}
	}
	return out, nil
}

// CleanupExpired bulk-deactivates sessions past expiry. Safe to run
// concurrently with request traffic; deactivate-if-expired is convergent.
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	return m.store.DeactivateExpired(ctx, m.now().UTC())
}

func newSessionID() (string, error) {
	buf := make([]byte, sessionIDByteCount)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

package httpapi

import (
	"context"
	"strings"
	"sync"
	"time"

	"perimetra.io/internal/consent"
	"perimetra.io/internal/ids"
	"perimetra.io/internal/mfa"
	"perimetra.io/internal/rbac"
	"perimetra.io/internal/session"
)

var (
	_ session.Store    = (*memBackend)(nil)
	_ rbac.Store       = (*memBackend)(nil)
	_ mfa.ProfileStore = (*memBackend)(nil)
	_ consent.Store    = memConsents{}
)

// memBackend implements all persistence interfaces the HTTP layer fronts,
// backed by maps, so end-to-end tests run without Postgres.
type memBackend struct {
	mu       sync.Mutex
	users    map[string]*rbac.User
	profiles map[string]*rbac.Profile
	sessions map[string]*session.Session
	consents map[string]*consent.Consent
}

func newMemBackend() *memBackend {
	return &memBackend{
		users:    map[string]*rbac.User{},
		profiles: map[string]*rbac.Profile{},
		sessions: map[string]*session.Session{},
		consents: map[string]*consent.Consent{},
	}
}

func (m *memBackend) addUser(email, passwordHash string, role rbac.Role) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := ids.New()
	m.users[id] = &rbac.User{
		ID: id, Email: strings.ToLower(email), PasswordHash: passwordHash,
		Status: rbac.UserStatusActive, CreatedAt: time.Now().UTC(),
	}
	m.profiles[id] = &rbac.Profile{UserID: id, Role: role}
	return id
}

// --- rbac.Store / mfa.ProfileStore ---

func (m *memBackend) Profile(_ context.Context, userID string) (*rbac.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return nil, rbac.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memBackend) EnsureProfile(ctx context.Context, userID string) (*rbac.Profile, error) {
	m.mu.Lock()
	if _, ok := m.profiles[userID]; !ok {
		m.profiles[userID] = &rbac.Profile{UserID: userID, Role: rbac.RoleCustomer}
	}
	m.mu.Unlock()
	return m.Profile(ctx, userID)
}

func (m *memBackend) SetRole(_ context.Context, userID string, role rbac.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return rbac.ErrNotFound
	}
	p.Role = role
	return nil
}

func (m *memBackend) SetPermissions(_ context.Context, userID string, extra, revoked []rbac.Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return rbac.ErrNotFound
	}
	p.ExtraPermissions = extra
	p.RevokedPermissions = revoked
	return nil
}

func (m *memBackend) RecordLogin(_ context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return rbac.ErrNotFound
	}
	p.FailedLogins = 0
	p.LastLoginAt = &at
	return nil
}

func (m *memBackend) RecordFailedLogin(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return 0, rbac.ErrNotFound
	}
	p.FailedLogins++
	return p.FailedLogins, nil
}

func (m *memBackend) FindUserByEmail(_ context.Context, email string) (*rbac.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, rbac.ErrNotFound
}

func (m *memBackend) AnonymizeUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return rbac.ErrNotFound
	}
	u.Email = "deleted-" + userID + "@anonymized.invalid"
	u.PasswordHash = ""
	u.Status = rbac.UserStatusDisabled
	for _, s := range m.sessions {
		if s.UserID == userID {
			s.Active = false
		}
	}
	return nil
}

func (m *memBackend) SetMFA(_ context.Context, userID string, enabled bool, sealedSecret string, backupCodes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return rbac.ErrNotFound
	}
	p.MFAEnabled = enabled
	p.MFASecret = sealedSecret
	p.BackupCodes = backupCodes
	return nil
}

func (m *memBackend) ReplaceBackupCodes(_ context.Context, userID string, codes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return rbac.ErrNotFound
	}
	p.BackupCodes = codes
	return nil
}

// --- session.Store ---

func (m *memBackend) Create(_ context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memBackend) Find(_ context.Context, id string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memBackend) Touch(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || !s.Active {
		return session.ErrNotFound
	}
	s.LastActivity = at
	return nil
}

func (m *memBackend) Deactivate(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.Active = false
	}
	return nil
}

func (m *memBackend) DeactivateAllForUser(_ context.Context, userID, exceptID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.sessions {
		if s.UserID == userID && s.Active && s.ID != exceptID {
			s.Active = false
			n++
		}
	}
	return n, nil
}

func (m *memBackend) Extend(_ context.Context, id string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || !s.Active {
		return session.ErrNotFound
	}
	s.ExpiresAt = until
	return nil
}

func (m *memBackend) MarkMFAVerified(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || !s.Active {
		return session.ErrNotFound
	}
	s.MFAVerified = true
	return nil
}

func (m *memBackend) ActiveByUser(_ context.Context, userID string) ([]session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []session.Session
	for _, s := range m.sessions {
		if s.UserID == userID && s.Active {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memBackend) DeactivateExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.sessions {
		if s.Active && !s.ExpiresAt.After(now) {
			s.Active = false
			n++
		}
	}
	return n, nil
}

// --- consent.Store ---

// memConsents adapts memBackend to consent.Store; Find would otherwise
// collide with the session store's Find.
type memConsents struct{ *memBackend }

func (m memConsents) Find(ctx context.Context, userID string, purpose consent.Purpose) (*consent.Consent, error) {
	return m.FindConsent(ctx, userID, purpose)
}

func consentKey(userID string, purpose consent.Purpose) string {
	return userID + "|" + string(purpose)
}

func (m *memBackend) Upsert(_ context.Context, c *consent.Consent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.consents[consentKey(c.UserID, c.Purpose)] = &cp
	return nil
}

func (m *memBackend) FindConsent(_ context.Context, userID string, purpose consent.Purpose) (*consent.Consent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.consents[consentKey(userID, purpose)]
	if !ok {
		return nil, consent.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memBackend) Revoke(_ context.Context, userID string, purpose consent.Purpose, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.consents[consentKey(userID, purpose)]
	if !ok || c.RevokedAt != nil {
		return consent.ErrNotFound
	}
	c.RevokedAt = &at
	return nil
}

func (m *memBackend) ListByUser(_ context.Context, userID string) ([]consent.Consent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []consent.Consent
	for _, c := range m.consents {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memBackend) PurgeExpired(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, c := range m.consents {
		if c.ExpiresAt().Before(cutoff) {
			delete(m.consents, k)
			n++
		}
	}
	return n, nil
}

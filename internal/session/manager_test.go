package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perimetra.io/internal/audit"
	"perimetra.io/internal/audit/audittest"
)

type memStore struct {
	sessions map[string]*Session
}

func newMemStore() *memStore {
	return &memStore{sessions: map[string]*Session{}}
}

func (m *memStore) Create(_ context.Context, s *Session) error {
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memStore) Find(_ context.Context, id string) (*Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) Touch(_ context.Context, id string, at time.Time) error {
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.LastActivity = at
	return nil
}

func (m *memStore) Deactivate(_ context.Context, id string) error {
	if s, ok := m.sessions[id]; ok {
		s.Active = false
	}
	return nil
}

func (m *memStore) DeactivateAllForUser(_ context.Context, userID, exceptID string) (int64, error) {
	var n int64
	for _, s := range m.sessions {
		if s.UserID == userID && s.Active && s.ID != exceptID {
			s.Active = false
			n++
		}
	}
	return n, nil
}

func (m *memStore) Extend(_ context.Context, id string, until time.Time) error {
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.ExpiresAt = until
	return nil
}

func (m *memStore) MarkMFAVerified(_ context.Context, id string) error {
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.MFAVerified = true
	return nil
}

func (m *memStore) ActiveByUser(_ context.Context, userID string) ([]Session, error) {
	var out []Session
	for _, s := range m.sessions {
		if s.UserID == userID && s.Active {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStore) DeactivateExpired(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for _, s := range m.sessions {
		if s.Active && !s.ExpiresAt.After(now) {
			s.Active = false
			n++
		}
	}
	return n, nil
}

func newTestManager(t *testing.T, now *time.Time) (*Manager, *memStore, *audittest.Store) {
	t.Helper()
	store := newMemStore()
	auditStore := &audittest.Store{}
	logger, err := audit.NewLogger(auditStore, audit.WithClock(func() time.Time { return *now }))
	require.NoError(t, err)
	mgr, err := NewManager(store, logger, WithClock(func() time.Time { return *now }))
	require.NoError(t, err)
	return mgr, store, auditStore
}

func TestCreateAndValidate(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	mgr, _, _ := newTestManager(t, &now)
	ctx := context.Background()

	s, err := mgr.Create(ctx, "u-1", "192.0.2.10", "agent-a", 30*time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.False(t, s.MFAVerified)
	assert.Equal(t, now.Add(30*time.Minute), s.ExpiresAt)

	now = now.Add(5 * time.Minute)
	got, err := mgr.Validate(ctx, s.ID, "192.0.2.10")
	require.NoError(t, err)
	assert.Equal(t, "u-1", got.UserID)
	assert.Equal(t, now, got.LastActivity, "validation must stamp last_activity")
}

func TestValidateExpiredIsAbsence(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	mgr, _, _ := newTestManager(t, &now)
	ctx := context.Background()

	s, err := mgr.Create(ctx, "u-1", "192.0.2.10", "agent-a", 10*time.Minute)
	require.NoError(t, err)

	now = now.Add(11 * time.Minute)
	_, err = mgr.Validate(ctx, s.ID, "192.0.2.10")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestValidateIPMismatchInvalidates(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	mgr, store, auditStore := newTestManager(t, &now)
	ctx := context.Background()

	s, err := mgr.Create(ctx, "u-1", "192.0.2.10", "agent-a", 30*time.Minute)
	require.NoError(t, err)

	_, err = mgr.Validate(ctx, s.ID, "198.51.100.99")
	require.True(t, errors.Is(err, ErrNotFound))

	assert.False(t, store.sessions[s.ID].Active, "mismatched IP must invalidate the session")
	events := auditStore.EventsOfType(audit.EventSuspiciousActivity)
	require.Len(t, events, 1)
	assert.Equal(t, audit.RiskHigh, events[0].Severity)

	// Even from the original IP the session is now gone.
	_, err = mgr.Validate(ctx, s.ID, "192.0.2.10")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMFAVerifiedIsMonotone(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	mgr, store, _ := newTestManager(t, &now)
	ctx := context.Background()

	s, err := mgr.Create(ctx, "u-1", "192.0.2.10", "agent-a", time.Hour)
	require.NoError(t, err)
	assert.False(t, store.sessions[s.ID].MFAVerified)

	require.NoError(t, mgr.VerifyMFA(ctx, s.ID))
	assert.True(t, store.sessions[s.ID].MFAVerified)

	// Re-verification and subsequent validations never flip it back.
	require.NoError(t, mgr.VerifyMFA(ctx, s.ID))
	got, err := mgr.Validate(ctx, s.ID, "192.0.2.10")
	require.NoError(t, err)
	assert.True(t, got.MFAVerified)
}

func TestExtendSlidesExpiry(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	mgr, store, _ := newTestManager(t, &now)
	ctx := context.Background()

	s, err := mgr.Create(ctx, "u-1", "192.0.2.10", "agent-a", 10*time.Minute)
	require.NoError(t, err)

	now = now.Add(9 * time.Minute)
	require.NoError(t, mgr.Extend(ctx, s.ID, time.Hour))
	assert.Equal(t, now.Add(time.Hour), store.sessions[s.ID].ExpiresAt)
}

func TestInvalidateAllForUserSparesException(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	mgr, store, _ := newTestManager(t, &now)
	ctx := context.Background()

	keep, err := mgr.Create(ctx, "u-1", "192.0.2.10", "agent-a", time.Hour)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := mgr.Create(ctx, "u-1", "192.0.2.10", "agent-a", time.Hour)
		require.NoError(t, err)
	}

	n, err := mgr.InvalidateAllForUser(ctx, "u-1", keep.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.True(t, store.sessions[keep.ID].Active)
}

func TestDetectSuspicious(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	mgr, _, _ := newTestManager(t, &now)
	ctx := context.Background()

	// Two IPs, two agents: nothing suspicious.
	_, err := mgr.Create(ctx, "u-1", "192.0.2.1", "agent-a", 48*time.Hour)
	require.NoError(t, err)
	_, err = mgr.Create(ctx, "u-1", "192.0.2.2", "agent-b", 48*time.Hour)
	require.NoError(t, err)

	flagged, err := mgr.DetectSuspicious(ctx, "u-1")
	require.NoError(t, err)
	assert.Empty(t, flagged)

	// A third concurrent IP trips the heuristic for every active session.
	_, err = mgr.Create(ctx, "u-1", "192.0.2.3", "agent-a", 48*time.Hour)
	require.NoError(t, err)
	flagged, err = mgr.DetectSuspicious(ctx, "u-1")
	require.NoError(t, err)
	assert.Len(t, flagged, 3)

	// A session older than 24h is flagged on its own for another user.
	old, err := mgr.Create(ctx, "u-2", "192.0.2.9", "agent-z", 72*time.Hour)
	require.NoError(t, err)
	now = now.Add(25 * time.Hour)
	flagged, err = mgr.DetectSuspicious(ctx, "u-2")
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.Equal(t, old.ID, flagged[0].ID)
}

func TestCleanupExpired(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	mgr, store, _ := newTestManager(t, &now)
	ctx := context.Background()

	short, err := mgr.Create(ctx, "u-1", "192.0.2.1", "agent-a", 5*time.Minute)
	require.NoError(t, err)
	long, err := mgr.Create(ctx, "u-1", "192.0.2.1", "agent-a", time.Hour)
	require.NoError(t, err)

	now = now.Add(10 * time.Minute)
	n, err := mgr.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.False(t, store.sessions[short.ID].Active)
	assert.True(t, store.sessions[long.ID].Active)

	// Idempotent: a second sweep finds nothing.
	n, err = mgr.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

package mfa

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"perimetra.io/internal/audit"
	"perimetra.io/internal/rbac"
)

var (
	ErrInvalidInput = errors.New("mfa: invalid input")
	ErrNotEnrolled  = errors.New("mfa: not enrolled")
)

const (
	backupCodeCount = 10
	backupCodeBytes = 4 // 8 hex characters
)

// ProfileStore is the slice of profile persistence the MFA service needs.
type ProfileStore interface {
	Profile(ctx context.Context, userID string) (*rbac.Profile, error)
	EnsureProfile(ctx context.Context, userID string) (*rbac.Profile, error)
	// SetMFA stores enrollment state atomically: secret and backup codes
	// are written (or cleared) together, never partially.
	SetMFA(ctx context.Context, userID string, enabled bool, sealedSecret string, backupCodes []string) error
	ReplaceBackupCodes(ctx context.Context, userID string, codes []string) error
}

// Service generates and verifies TOTP secrets and single-use backup codes,
// and toggles MFA enrollment on the security profile.
type Service struct {
	store  ProfileStore
	codes  CodeSource
	sealer *Sealer
	audit  *audit.Logger
	issuer string
	now    func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithCodeSource swaps the one-time-password implementation.
func WithCodeSource(src CodeSource) Option {
	return func(s *Service) {
		if src != nil {
			s.codes = src
		}
	}
}

// NewService constructs the MFA service. issuer labels provisioning URIs.
func NewService(store ProfileStore, sealer *Sealer, auditLogger *audit.Logger, issuer string, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	if sealer == nil {
		return nil, fmt.Errorf("%w: sealer is required", ErrInvalidInput)
	}
	if auditLogger == nil {
		return nil, fmt.Errorf("%w: audit logger is required", ErrInvalidInput)
	}
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return nil, fmt.Errorf("%w: issuer is required", ErrInvalidInput)
	}
	s := &Service{
		store:  store,
		codes:  NewTOTPSource(),
		sealer: sealer,
		audit:  auditLogger,
		issuer: issuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// GenerateSecret produces a fresh TOTP secret and provisioning URI for the
// account label. Nothing is persisted; enrollment completes via Enable.
func (s *Service) GenerateSecret(account string) (secret, uri string, err error) {
	account = strings.TrimSpace(account)
	if account == "" {
		return "", "", fmt.Errorf("%w: account label is required", ErrInvalidInput)
	}
	return s.codes.GenerateSecret(s.issuer, account)
}

// VerifyTOTP checks a submitted code against the plaintext secret at the
// current time, with the standard ±1 step drift tolerance.
func (s *Service) VerifyTOTP(secret, code string) bool {
	return s.codes.Validate(secret, strings.TrimSpace(code), s.now())
}

// GenerateBackupCodes returns ten single-use codes, 8 uppercase hex each.
func (s *Service) GenerateBackupCodes() ([]string, error) {
	codes := make([]string, backupCodeCount)
	for i := range codes {
		buf := make([]byte, backupCodeBytes)
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
		codes[i] = strings.ToUpper(hex.EncodeToString(buf))
	}
	return codes, nil
}

// VerifyBackupCode matches case-insensitively against the stored list and
// consumes the code on success.
func (s *Service) VerifyBackupCode(ctx context.Context, userID, code string) (bool, error) {
	profile, err := s.store.Profile(ctx, userID)
	if err != nil {
		return false, err
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return false, nil
	}
	for i, stored := range profile.BackupCodes {
		if strings.ToUpper(stored) != code {
			continue
		}
		remaining := make([]string, 0, len(profile.BackupCodes)-1)
		remaining = append(remaining, profile.BackupCodes[:i]...)
		remaining = append(remaining, profile.BackupCodes[i+1:]...)
		if err := s.store.ReplaceBackupCodes(ctx, userID, remaining); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// Enable turns MFA on for the user: the secret is verified against a
// submitted code, sealed, and stored along with a fresh set of backup codes,
// which are returned exactly once.
func (s *Service) Enable(ctx context.Context, userID, secret, code string, actorIP, actorAgent string) ([]string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if secret == "" {
		return nil, fmt.Errorf("%w: secret is required", ErrInvalidInput)
	}
	if !s.VerifyTOTP(secret, code) {
		return nil, fmt.Errorf("%w: code does not match secret", ErrInvalidInput)
	}
	if _, err := s.store.EnsureProfile(ctx, userID); err != nil {
		return nil, err
	}
	sealed, err := s.sealer.Seal(secret)
	if err != nil {
		return nil, err
	}
	backupCodes, err := s.GenerateBackupCodes()
	if err != nil {
		return nil, err
	}
	if err := s.store.SetMFA(ctx, userID, true, sealed, backupCodes); err != nil {
		return nil, err
	}
	_, _ = s.audit.LogSecurityAction(ctx, userID, audit.ActionMFAEnable, "user:"+userID, actorIP, actorAgent, true, audit.Detail{})
	return backupCodes, nil
}

// Disable turns MFA off, clearing the secret and backup codes together.
func (s *Service) Disable(ctx context.Context, userID string, actorIP, actorAgent string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if err := s.store.SetMFA(ctx, userID, false, "", nil); err != nil {
		return err
	}
	_, _ = s.audit.LogSecurityAction(ctx, userID, audit.ActionMFADisable, "user:"+userID, actorIP, actorAgent, true, audit.Detail{})
	return nil
}

// Challenge verifies a step-up submission for an enrolled user: a TOTP code
// first, then a backup code. Backup codes are consumed on success.
func (s *Service) Challenge(ctx context.Context, userID, code string) (bool, error) {
	profile, err := s.store.Profile(ctx, userID)
	if err != nil {
		return false, err
	}
	if !profile.MFAEnabled || profile.MFASecret == "" {
		return false, ErrNotEnrolled
	}
	secret, err := s.sealer.Open(profile.MFASecret)
	if err != nil {
		return false, err
	}
	if s.VerifyTOTP(secret, code) {
		return true, nil
	}
	return s.VerifyBackupCode(ctx, userID, code)
}

package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"perimetra.io/internal/rbac"
)

const profileColumns = `user_id, role, extra_permissions, revoked_permissions, mfa_enabled,
		coalesce(mfa_secret, ''), backup_codes, failed_logins, last_login_at,
		password_changed_at, session_timeout_min, created_at, updated_at`

func (s *Store) Profile(ctx context.Context, userID string) (*rbac.Profile, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+profileColumns+`
		from security_profiles
		where user_id = $1
	`, userID)
	return scanProfile(row)
}

func (s *Store) EnsureProfile(ctx context.Context, userID string) (*rbac.Profile, error) {
	// First touch creates a default customer profile; a concurrent insert
	// loses quietly and both callers read the surviving row.
	_, err := s.db.ExecContext(ctx, `
		insert into security_profiles (user_id, role)
		values ($1, $2)
		on conflict (user_id) do nothing
	`, userID, rbac.RoleCustomer)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return nil, rbac.ErrNotFound
		}
		return nil, err
	}
	return s.Profile(ctx, userID)
}

func (s *Store) SetRole(ctx context.Context, userID string, role rbac.Role) error {
	res, err := s.db.ExecContext(ctx, `
		update security_profiles set role = $2, updated_at = now() where user_id = $1
	`, userID, role)
	if err != nil {
		return err
	}
	return requireRow(res, rbac.ErrNotFound)
}

func (s *Store) SetPermissions(ctx context.Context, userID string, extra, revoked []rbac.Permission) error {
	extraJSON, err := permissionsJSON(extra)
	if err != nil {
		return err
	}
	revokedJSON, err := permissionsJSON(revoked)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update security_profiles
		set extra_permissions = $2, revoked_permissions = $3, updated_at = now()
		where user_id = $1
	`, userID, extraJSON, revokedJSON)
	if err != nil {
		return err
	}
	return requireRow(res, rbac.ErrNotFound)
}

func (s *Store) RecordLogin(ctx context.Context, userID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update security_profiles
		set failed_logins = 0, last_login_at = $2, updated_at = now()
		where user_id = $1
	`, userID, at)
	if err != nil {
		return err
	}
	return requireRow(res, rbac.ErrNotFound)
}

func (s *Store) RecordFailedLogin(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		update security_profiles
		set failed_logins = failed_logins + 1, updated_at = now()
		where user_id = $1
		returning failed_logins
	`, userID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, rbac.ErrNotFound
	}
	return count, err
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*rbac.User, error) {
	var user rbac.User
	err := s.db.QueryRowContext(ctx, `
		select id, email, password_hash, status, created_at
		from users
		where lower(email) = lower($1)
	`, strings.TrimSpace(email)).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.Status, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rbac.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Store) AnonymizeUser(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update users
		set email = 'deleted-' || id || '@anonymized.invalid',
		    password_hash = '',
		    status = $2
		where id = $1
	`, userID, rbac.UserStatusDisabled)
	if err != nil {
		return err
	}
	if err := requireRow(res, rbac.ErrNotFound); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		update security_profiles
		set mfa_enabled = false, mfa_secret = null, backup_codes = '[]',
		    extra_permissions = '[]', revoked_permissions = '[]', updated_at = now()
		where user_id = $1
	`, userID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		update sessions set active = false where user_id = $1
	`, userID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) SetMFA(ctx context.Context, userID string, enabled bool, sealedSecret string, backupCodes []string) error {
	codesJSON, err := stringsJSON(backupCodes)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update security_profiles
		set mfa_enabled = $2, mfa_secret = nullif($3, ''), backup_codes = $4, updated_at = now()
		where user_id = $1
	`, userID, enabled, sealedSecret, codesJSON)
	if err != nil {
		return err
	}
	return requireRow(res, rbac.ErrNotFound)
}

func (s *Store) ReplaceBackupCodes(ctx context.Context, userID string, codes []string) error {
	codesJSON, err := stringsJSON(codes)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update security_profiles
		set backup_codes = $2, updated_at = now()
		where user_id = $1
	`, userID, codesJSON)
	if err != nil {
		return err
	}
	return requireRow(res, rbac.ErrNotFound)
}

func scanProfile(row *sql.Row) (*rbac.Profile, error) {
	var (
		p           rbac.Profile
		extraRaw    []byte
		revokedRaw  []byte
		codesRaw    []byte
		lastLogin   sql.NullTime
		passChanged sql.NullTime
	)
	err := row.Scan(&p.UserID, &p.Role, &extraRaw, &revokedRaw, &p.MFAEnabled,
		&p.MFASecret, &codesRaw, &p.FailedLogins, &lastLogin,
		&passChanged, &p.SessionTimeoutMin, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rbac.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(extraRaw, &p.ExtraPermissions); err != nil {
		return nil, fmt.Errorf("decode extra_permissions: %w", err)
	}
	if err := json.Unmarshal(revokedRaw, &p.RevokedPermissions); err != nil {
		return nil, fmt.Errorf("decode revoked_permissions: %w", err)
	}
	if err := json.Unmarshal(codesRaw, &p.BackupCodes); err != nil {
		return nil, fmt.Errorf("decode backup_codes: %w", err)
	}
	if lastLogin.Valid {
		p.LastLoginAt = &lastLogin.Time
	}
	if passChanged.Valid {
		p.PasswordChangedAt = &passChanged.Time
	}
	return &p, nil
}

func permissionsJSON(perms []rbac.Permission) ([]byte, error) {
	if perms == nil {
		perms = []rbac.Permission{}
	}
	return json.Marshal(perms)
}

func stringsJSON(values []string) ([]byte, error) {
	if values == nil {
		values = []string{}
	}
	return json.Marshal(values)
}

package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"perimetra.io/internal/session"
)

func (s *Store) Create(ctx context.Context, sess *session.Session) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (id, user_id, ip, user_agent, created_at, last_activity, expires_at, active, mfa_verified)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, sess.ID, sess.UserID, sess.IP, sess.UserAgent, sess.CreatedAt, sess.LastActivity, sess.ExpiresAt, sess.Active, sess.MFAVerified)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return session.ErrInvalidInput
	}
	return err
}

func (s *Store) Find(ctx context.Context, id string) (*session.Session, error) {
	var sess session.Session
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, ip, user_agent, created_at, last_activity, expires_at, active, mfa_verified
		from sessions
		where id = $1
	`, id).Scan(&sess.ID, &sess.UserID, &sess.IP, &sess.UserAgent, &sess.CreatedAt, &sess.LastActivity, &sess.ExpiresAt, &sess.Active, &sess.MFAVerified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) Touch(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update sessions set last_activity = $2 where id = $1 and active
	`, id, at)
	if err != nil {
		return err
	}
	return requireRow(res, session.ErrNotFound)
}

func (s *Store) Deactivate(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		update sessions set active = false where id = $1
	`, id)
	return err
}

func (s *Store) DeactivateAllForUser(ctx context.Context, userID, exceptID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		update sessions set active = false
		where user_id = $1 and active and id <> $2
	`, userID, exceptID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) Extend(ctx context.Context, id string, until time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update sessions set expires_at = $2 where id = $1 and active
	`, id, until)
	if err != nil {
		return err
	}
	return requireRow(res, session.ErrNotFound)
}

func (s *Store) MarkMFAVerified(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		update sessions set mfa_verified = true where id = $1 and active
	`, id)
	if err != nil {
		return err
	}
	return requireRow(res, session.ErrNotFound)
}

func (s *Store) ActiveByUser(ctx context.Context, userID string) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, ip, user_agent, created_at, last_activity, expires_at, active, mfa_verified
		from sessions
		where user_id = $1 and active
		order by created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []session.Session
	for rows.Next() {
		var sess session.Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.IP, &sess.UserAgent, &sess.CreatedAt, &sess.LastActivity, &sess.ExpiresAt, &sess.Active, &sess.MFAVerified); err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

func (s *Store) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		update sessions set active = false
		where active and expires_at <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func requireRow(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}

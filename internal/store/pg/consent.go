package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"perimetra.io/internal/consent"
)

// Consents is the consent-record face of the store. It is a distinct type
// because consent lookup is keyed by (user, purpose) while the session store
// already owns Find-by-id on *Store.
type Consents struct {
	db *sql.DB
}

var _ consent.Store = (*Consents)(nil)

func (s *Store) Consents() *Consents { return &Consents{db: s.db} }

func (s *Consents) Upsert(ctx context.Context, c *consent.Consent) error {
	_, err := s.db.ExecContext(ctx, `
		insert into consents (id, user_id, purpose, legal_basis, retention_seconds, granted_at, revoked_at)
		values ($1, $2, $3, $4, $5, $6, null)
		on conflict (user_id, purpose) do update
		set id = excluded.id,
		    legal_basis = excluded.legal_basis,
		    retention_seconds = excluded.retention_seconds,
		    granted_at = excluded.granted_at,
		    revoked_at = null
	`, c.ID, c.UserID, c.Purpose, c.LegalBasis, int64(c.Retention/time.Second), c.GrantedAt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return consent.ErrInvalidInput
	}
	return err
}

func (s *Consents) Find(ctx context.Context, userID string, purpose consent.Purpose) (*consent.Consent, error) {
	var (
		c         consent.Consent
		retention int64
		revokedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, purpose, legal_basis, retention_seconds, granted_at, revoked_at
		from consents
		where user_id = $1 and purpose = $2
	`, userID, purpose).Scan(&c.ID, &c.UserID, &c.Purpose, &c.LegalBasis, &retention, &c.GrantedAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, consent.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Retention = time.Duration(retention) * time.Second
	if revokedAt.Valid {
		c.RevokedAt = &revokedAt.Time
	}
	return &c, nil
}

func (s *Consents) Revoke(ctx context.Context, userID string, purpose consent.Purpose, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update consents set revoked_at = $3
		where user_id = $1 and purpose = $2 and revoked_at is null
	`, userID, purpose, at)
	if err != nil {
		return err
	}
	return requireRow(res, consent.ErrNotFound)
}

func (s *Consents) ListByUser(ctx context.Context, userID string) ([]consent.Consent, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, purpose, legal_basis, retention_seconds, granted_at, revoked_at
		from consents
		where user_id = $1
		order by purpose
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []consent.Consent
	for rows.Next() {
		var (
			c         consent.Consent
			retention int64
			revokedAt sql.NullTime
		)
		if err := rows.Scan(&c.ID, &c.UserID, &c.Purpose, &c.LegalBasis, &retention, &c.GrantedAt, &revokedAt); err != nil {
			return nil, err
		}
		c.Retention = time.Duration(retention) * time.Second
		if revokedAt.Valid {
			c.RevokedAt = &revokedAt.Time
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (s *Consents) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from consents
		where granted_at + retention_seconds * interval '1 second' < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

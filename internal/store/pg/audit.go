package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"perimetra.io/internal/audit"
)

func (s *Store) AppendEntry(ctx context.Context, e *audit.Entry) error {
	detailJSON, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("marshal detail: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_logs (id, user_id, action, resource, ip, user_agent, success, detail, risk, created_at)
		values ($1, nullif($2, ''), $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, e.UserID, e.Action, e.Resource, e.IP, e.UserAgent, e.Success, detailJSON, e.Risk, e.CreatedAt)
	return err
}

func (s *Store) AppendEvent(ctx context.Context, e *audit.Event) error {
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into security_events (id, type, severity, user_id, ip, description, metadata, resolved, created_at)
		values ($1, $2, $3, nullif($4, ''), $5, $6, $7, $8, $9)
	`, e.ID, e.Type, e.Severity, e.UserID, e.IP, e.Description, metaJSON, e.Resolved, e.CreatedAt)
	return err
}

func (s *Store) AppendAlert(ctx context.Context, a *audit.Alert) error {
	_, err := s.db.ExecContext(ctx, `
		insert into security_alerts (id, event_id, acknowledged, created_at)
		values ($1, $2, $3, $4)
	`, a.ID, a.EventID, a.Acknowledged, a.CreatedAt)
	return err
}

func (s *Store) CountFailedLogins(ctx context.Context, ip string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		select count(*)
		from audit_logs
		where action = $1 and not success and ip = $2 and created_at >= $3
	`, audit.ActionLogin, ip, since).Scan(&count)
	return count, err
}

func (s *Store) Entries(ctx context.Context, f audit.EntryFilter) ([]audit.Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.Action != "" {
		args = append(args, f.Action)
		where = append(where, fmt.Sprintf("action = $%d", len(args)))
	}
	query := `
		select id, coalesce(user_id, ''), action, resource, ip, user_agent, success, detail, risk, created_at
		from audit_logs`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(" order by created_at desc limit $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []audit.Entry
	for rows.Next() {
		var (
			e         audit.Entry
			detailRaw []byte
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.Resource, &e.IP, &e.UserAgent, &e.Success, &detailRaw, &e.Risk, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(detailRaw, &e.Detail); err != nil {
			return nil, fmt.Errorf("decode detail: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *Store) Events(ctx context.Context, f audit.EventFilter) ([]audit.Event, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	if f.Severity != "" {
		args = append(args, f.Severity)
		where = append(where, fmt.Sprintf("severity = $%d", len(args)))
	}
	query := `
		select id, type, severity, coalesce(user_id, ''), ip, description, metadata, resolved, created_at
		from security_events`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(" order by created_at desc limit $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []audit.Event
	for rows.Next() {
		var (
			e       audit.Event
			metaRaw []byte
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.Severity, &e.UserID, &e.IP, &e.Description, &metaRaw, &e.Resolved, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(metaRaw, &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from audit_logs where created_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

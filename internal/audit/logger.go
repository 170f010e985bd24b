package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"perimetra.io/internal/ids"
	"perimetra.io/internal/obs"
)

const (
	defaultBruteForceWindow    = 15 * time.Minute
	defaultBruteForceThreshold = 5
)

var ErrInvalidInput = errors.New("audit: invalid input")

// Logger persists security actions and events, computes risk levels, and
// synthesizes alerts for critical conditions.
type Logger struct {
	store Store
	sink  Sink
	now   func() time.Time

	bruteForceWindow    time.Duration
	bruteForceThreshold int
}

// Option configures Logger behavior.
type Option func(*Logger)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(l *Logger) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithSink attaches an operator notification sink for critical events.
func WithSink(sink Sink) Option {
	return func(l *Logger) {
		l.sink = sink
	}
}

// WithBruteForceWindow overrides the failed-login rolling window.
func WithBruteForceWindow(window time.Duration, threshold int) Option {
	return func(l *Logger) {
		if window > 0 {
			l.bruteForceWindow = window
		}
		if threshold > 0 {
			l.bruteForceThreshold = threshold
		}
	}
}

// NewLogger constructs a Logger over the given store.
func NewLogger(store Store, opts ...Option) (*Logger, error) {
	if store == nil {
		return nil, errors.New("audit: store is required")
	}
	l := &Logger{
		store:               store,
		now:                 time.Now,
		bruteForceWindow:    defaultBruteForceWindow,
		bruteForceThreshold: defaultBruteForceThreshold,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// LogSecurityAction appends an audit row for the action and, when the
// computed risk is high or critical, synthesizes a suspicious-activity event.
func (l *Logger) LogSecurityAction(ctx context.Context, userID string, action Action, resource, ip, userAgent string, success bool, detail Detail) (*Entry, error) {
	if strings.TrimSpace(string(action)) == "" {
		return nil, fmt.Errorf("%w: action is required", ErrInvalidInput)
	}
	detail.Version = detailVersion
	entry := &Entry{
		ID:        ids.New(),
		UserID:    strings.TrimSpace(userID),
		Action:    action,
		Resource:  strings.TrimSpace(resource),
		IP:        ip,
		UserAgent: userAgent,
		Success:   success,
		Detail:    detail,
		Risk:      riskFor(action, success),
		CreatedAt: l.now().UTC(),
	}
	if err := l.store.AppendEntry(ctx, entry); err != nil {
		return nil, err
	}
	obs.IncAuditWrite(string(entry.Action), string(entry.Risk))
	l.trace(entry)

	if entry.Risk.AtLeast(RiskHigh) {
		desc := fmt.Sprintf("%s risk action %s on %s", entry.Risk, entry.Action, entry.Resource)
		meta := detail
		meta.Reason = string(entry.Action)
		// Best effort: the audit row already exists, the event is advisory.
		_, _ = l.CreateSecurityEvent(ctx, EventSuspiciousActivity, entry.Risk, entry.UserID, entry.IP, desc, meta)
	}
	return entry, nil
}

// LogFailedLogin records a failed primary authentication attempt and emits a
// brute-force event exactly when the rolling per-IP failure count reaches the
// threshold. A fresh window can re-trigger the event.
func (l *Logger) LogFailedLogin(ctx context.Context, email, ip, userAgent, reason string) error {
	detail := Detail{Email: strings.TrimSpace(strings.ToLower(email)), Reason: reason}
	if _, err := l.LogSecurityAction(ctx, "", ActionLogin, "auth:login", ip, userAgent, false, detail); err != nil {
		return err
	}
	count, err := l.store.CountFailedLogins(ctx, ip, l.now().Add(-l.bruteForceWindow))
	if err != nil {
		return err
	}
	if count == l.bruteForceThreshold {
		desc := fmt.Sprintf("%d failed logins from %s within %s", count, ip, l.bruteForceWindow)
		_, err = l.CreateSecurityEvent(ctx, EventBruteForceAttempt, RiskHigh, "", ip, desc, Detail{Count: count})
		return err
	}
	return nil
}

// CreateSecurityEvent persists a detected condition. Critical severity
// additionally writes an unacknowledged alert and notifies the sink.
func (l *Logger) CreateSecurityEvent(ctx context.Context, eventType EventType, severity Severity, userID, ip, description string, metadata Detail) (*Event, error) {
	if strings.TrimSpace(string(eventType)) == "" {
		return nil, fmt.Errorf("%w: event type is required", ErrInvalidInput)
	}
	if _, ok := riskOrder[severity]; !ok {
		return nil, fmt.Errorf("%w: unknown severity %q", ErrInvalidInput, severity)
	}
	metadata.Version = detailVersion
	event := &Event{
		ID:          ids.New(),
		Type:        eventType,
		Severity:    severity,
		UserID:      strings.TrimSpace(userID),
		IP:          ip,
		Description: description,
		Metadata:    metadata,
		CreatedAt:   l.now().UTC(),
	}
	if err := l.store.AppendEvent(ctx, event); err != nil {
		return nil, err
	}
	obs.IncSecurityEvent(string(event.Type), string(event.Severity))

	if severity == RiskCritical {
		alert := &Alert{
			ID:        ids.New(),
			EventID:   event.ID,
			CreatedAt: l.now().UTC(),
		}
		if err := l.store.AppendAlert(ctx, alert); err != nil {
			return nil, err
		}
		if l.sink != nil {
			l.sink.Notify(ctx, *event)
		}
	}
	return event, nil
}

// AuditLogs returns audit rows newest-first, narrowed by the filter.
func (l *Logger) AuditLogs(ctx context.Context, filter EntryFilter) ([]Entry, error) {
	if filter.Limit <= 0 || filter.Limit > 1000 {
		filter.Limit = 100
	}
	return l.store.Entries(ctx, filter)
}

// SecurityEvents returns events newest-first, narrowed by the filter.
func (l *Logger) SecurityEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	if filter.Limit <= 0 || filter.Limit > 1000 {
		filter.Limit = 100
	}
	return l.store.Events(ctx, filter)
}

// PurgeExpired removes audit data older than the retention window.
func (l *Logger) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("%w: retention must be positive", ErrInvalidInput)
	}
	return l.store.PurgeBefore(ctx, l.now().Add(-retention))
}

// trace mirrors the durable row as a structured log line.
func (l *Logger) trace(entry *Entry) {
	obs.LogEntry(map[string]any{
		"ts":      entry.CreatedAt.Format(time.RFC3339Nano),
		"type":    "audit",
		"action":  string(entry.Action),
		"user_id": entry.UserID,
		"risk":    string(entry.Risk),
		"success": entry.Success,
	})
}

// LogSink is the default alert sink: it writes critical events to the shared
// structured logger so operators see them without extra infrastructure.
type LogSink struct{}

// Notify implements Sink.
func (LogSink) Notify(_ context.Context, event Event) {
	obs.LogEntry(map[string]any{
		"ts":       event.CreatedAt.Format(time.RFC3339Nano),
		"type":     "security_alert",
		"event_id": event.ID,
		"event":    string(event.Type),
		"severity": string(event.Severity),
		"msg":      event.Description,
	})
}

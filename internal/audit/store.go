package audit

import (
	"context"
	"time"
)

// Store is the persistence boundary for audit rows, events, and alerts.
// Rows are immutable once appended; retention is enforced via PurgeBefore.
type Store interface {
	AppendEntry(ctx context.Context, entry *Entry) error
	AppendEvent(ctx context.Context, event *Event) error
	AppendAlert(ctx context.Context, alert *Alert) error

	// CountFailedLogins counts failed login entries from the given IP at or
	// after since. Used by the brute-force window.
	CountFailedLogins(ctx context.Context, ip string, since time.Time) (int, error)

	Entries(ctx context.Context, filter EntryFilter) ([]Entry, error)
	Events(ctx context.Context, filter EventFilter) ([]Event, error)

	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sink consumes critical events for operator notification. Delivery is
// best-effort; the durable event and alert rows are the guarantee.
type Sink interface {
	Notify(ctx context.Context, event Event)
}

// Package audittest provides an in-memory audit.Store for tests.
package audittest

import (
	"context"
	"sync"
	"time"

	"perimetra.io/internal/audit"
)

// Store is a thread-safe in-memory audit.Store.
type Store struct {
	mu       sync.Mutex
	EntryLog []audit.Entry
	EventLog []audit.Event
	AlertLog []audit.Alert
}

var _ audit.Store = (*Store)(nil)

func (s *Store) AppendEntry(_ context.Context, e *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.EntryLog = append(s.EntryLog, *e)
	return nil
}

func (s *Store) AppendEvent(_ context.Context, e *audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.EventLog = append(s.EventLog, *e)
	return nil
}

func (s *Store) AppendAlert(_ context.Context, a *audit.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AlertLog = append(s.AlertLog, *a)
	return nil
}

func (s *Store) CountFailedLogins(_ context.Context, ip string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, e := range s.EntryLog {
		if e.Action == audit.ActionLogin && !e.Success && e.IP == ip && !e.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *Store) Entries(_ context.Context, f audit.EntryFilter) ([]audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Entry
	for i := len(s.EntryLog) - 1; i >= 0; i-- {
		e := s.EntryLog[i]
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Events(_ context.Context, f audit.EventFilter) ([]audit.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Event
	for i := len(s.EventLog) - 1; i >= 0; i-- {
		e := s.EventLog[i]
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.Severity != "" && e.Severity != f.Severity {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []audit.Entry
	var purged int64
	for _, e := range s.EntryLog {
		if e.CreatedAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	s.EntryLog = kept
	return purged, nil
}

// EventsOfType returns recorded events matching the type, oldest first.
func (s *Store) EventsOfType(t audit.EventType) []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Event
	for _, e := range s.EventLog {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

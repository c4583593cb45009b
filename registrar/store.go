package registrar

import (
	"sync"
	"time"
)

// Store is the single-writer AOR→bindings table (§5 "Shared resources": "the
// registrar store (one writer inside the registrar actor)"). It is safe for
// concurrent use; callers needing atomic read-modify-write register
// sequences should still funnel through one goroutine, matching the spec's
// single-writer design.
type Store struct {
	mu  sync.Mutex
	aor map[string][]*Binding
}

// NewStore creates an empty binding store.
func NewStore() *Store {
	return &Store{aor: make(map[string][]*Binding)}
}

// Upsert inserts b, replacing any existing binding under the same aor with
// an identical Key (§4.7 "Re-registration from the same instance+reg-id
// replaces the prior binding (and reorders it to the front)"), and keeps
// the list ordered most-recently-refreshed-first (§3).
func (s *Store) Upsert(aor string, b *Binding) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b.refreshed = time.Now()
	list := s.aor[aor]
	filtered := list[:0:0]
	for _, existing := range list {
		if existing.Key == b.Key {
			continue
		}
		filtered = append(filtered, existing)
	}
	s.aor[aor] = append([]*Binding{b}, filtered...)
}

// Remove drops the binding matching key from aor (an Expires: 0
// de-registration).
func (s *Store) Remove(aor string, key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.aor[aor]
	out := list[:0:0]
	for _, b := range list {
		if b.Key != key {
			out = append(out, b)
		}
	}
	s.aor[aor] = out
}

// Find returns the live (unexpired) bindings for aor, most-recently-
// refreshed first, dropping expired entries as a side effect.
func (s *Store) Find(aor string, now time.Time) []*Binding {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.aor[aor]
	live := list[:0:0]
	for _, b := range list {
		if now.Before(b.Expires) {
			live = append(live, b)
		}
	}
	s.aor[aor] = live

	out := make([]*Binding, len(live))
	copy(out, live)
	return out
}

// ExpireAll sweeps every AOR dropping bindings past expiry, for periodic
// housekeeping by the host application.
func (s *Store) ExpireAll(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for aor, list := range s.aor {
		live := list[:0:0]
		for _, b := range list {
			if now.Before(b.Expires) {
				live = append(live, b)
			}
		}
		if len(live) == 0 {
			delete(s.aor, aor)
			continue
		}
		s.aor[aor] = live
	}
}

// Package timer implements the L2 timer service: named, cancellable
// one-shot timers that post tagged events into a call actor's mailbox.
//
// A timer is identified by (call-id, tag). Re-arming a timer under the
// same (call-id, tag) bumps a subject-id the caller controls; the fired
// event carries that subject-id back so the receiving call actor can
// detect a timer that fired concurrently with a cancel/reschedule and
// discard it, rather than requiring Cancel itself to be race-free against
// an in-flight fire.
package timer

import (
	"sync"
	"time"
)

// Event is delivered to a Sink when a scheduled timer fires.
type Event struct {
	CallID    string
	Tag       string
	SubjectID uint64
}

// Sink receives fired timer events. A call actor implements this by
// pushing the event onto its own mailbox channel.
type Sink interface {
	Post(Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event)

func (f SinkFunc) Post(e Event) { f(e) }

type key struct {
	callID string
	tag    string
}

type entry struct {
	subjectID uint64
	timer     *time.Timer
}

// Service is a priority-queue-backed (via the runtime's own timer heap)
// registry of named one-shot timers. It holds no reference to call state;
// it only knows how to start, cancel, and fire named timers.
type Service struct {
	mu      sync.Mutex
	entries map[key]*entry
}

// NewService returns an empty timer service.
func NewService() *Service {
	return &Service{entries: make(map[key]*entry)}
}

// Start (re)arms the timer named tag for callID to fire after d, posting
// Event{callID, tag, subjectID} to sink on expiry. A prior timer with the
// same (callID, tag) is stopped and replaced.
func (s *Service) Start(callID, tag string, d time.Duration, subjectID uint64, sink Sink) {
	k := key{callID, tag}

	s.mu.Lock()
	if old, ok := s.entries[k]; ok {
		old.timer.Stop()
	}
	e := &entry{subjectID: subjectID}
	e.timer = time.AfterFunc(d, func() {
		sink.Post(Event{CallID: callID, Tag: tag, SubjectID: subjectID})
	})
	s.entries[k] = e
	s.mu.Unlock()
}

// Cancel stops the timer named tag for callID if still pending. It is
// idempotent: cancelling an unknown or already-fired timer is a no-op
// returning false. Cancel does not guarantee a fire already in flight
// will be suppressed; the subject-id on the delivered Event lets the
// consumer detect and ignore it.
func (s *Service) Cancel(callID, tag string) bool {
	k := key{callID, tag}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	if !ok {
		return false
	}
	delete(s.entries, k)
	return e.timer.Stop()
}

// CancelAll stops every pending timer for callID, used when a call actor
// is torn down (check_call sweep or crash).
func (s *Service) CancelAll(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if k.callID != callID {
			continue
		}
		e.timer.Stop()
		delete(s.entries, k)
	}
}

// Pending reports whether a timer named tag was started for callID and not
// cancelled since; a timer that already fired still counts.
func (s *Service) Pending(callID, tag string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key{callID, tag}]
	return ok
}

// Len returns the number of timers started and not cancelled since (fired
// ones included), for tests and metrics.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

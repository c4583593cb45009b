// Package router implements the L3 router: it maps a (service, Call-ID)
// pair to a live call actor, spawning one on first reference, and
// enforces the per-service concurrent-call cap.
package router

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrTooManyCalls is returned by SendWork when the service's max_calls cap
// has been reached and the work item's target call does not already exist.
var ErrTooManyCalls = errors.New("router: too_many_calls")

// ErrServiceNotFound is returned by SendWork for a service with no
// registered Config.
var ErrServiceNotFound = errors.New("router: service_not_started")

// Actor is the mailbox surface a call actor (package call) exposes to the
// router. Deliver must not block past enqueueing; the actor itself is the
// single-writer owner of everything downstream.
type Actor interface {
	// Deliver enqueues item on the actor's mailbox. It returns an error if
	// the actor has already stopped.
	Deliver(item any) error
	// Stopped is closed once the actor has torn itself down, at which
	// point the router removes it from the table.
	Stopped() <-chan struct{}
}

// ActorFactory spawns a new call actor for callID the first time the
// router sees it for a service. cfg is the service configuration snapshot
// (timer constants, callbacks, etc.) the caller registered for service.
type ActorFactory func(service, callID string, cfg any) (Actor, error)

// Config is a per-service router configuration snapshot, recognised
// options named in spec §6.
type Config struct {
	// MaxCalls is the hard cap on concurrent call actors for this service.
	// Zero means unbounded.
	MaxCalls int
	// MsgRouters is the shard count of the (service, call-id) table,
	// 1..127. Zero defaults to 1.
	MsgRouters int
	// New spawns the call actor backing a given Call-ID. ActorConfig is
	// passed through to it verbatim.
	New ActorFactory
	// ActorConfig is the opaque config snapshot handed to New.
	ActorConfig any
}

type shard struct {
	mu    sync.Mutex
	calls map[string]Actor
}

type service struct {
	name    string
	cfg     Config
	shards  []*shard
	count   int64 // active call actors, atomic
	metrics *metrics
}

func (s *service) shardFor(callID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(callID))
	idx := int(h.Sum32()) % len(s.shards)
	if idx < 0 {
		idx += len(s.shards)
	}
	return s.shards[idx]
}

// Router maps (service, Call-ID) to call actors, sharded per-service for
// lock concurrency (by service first, then by hashed Call-ID).
type Router struct {
	log *slog.Logger

	mu       sync.RWMutex
	services map[string]*service
}

// New returns an empty Router. Logger may be nil, in which case
// slog.Default() is used.
func New(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{log: logger, services: make(map[string]*service)}
}

// RegisterService installs or replaces the configuration for service.
// Existing call actors for the service are left running.
func (r *Router) RegisterService(name string, cfg Config, reg *prometheus.Registry) error {
	if cfg.New == nil {
		return fmt.Errorf("router: service %q has no ActorFactory", name)
	}
	n := cfg.MsgRouters
	if n <= 0 {
		n = 1
	}
	if n > 127 {
		return fmt.Errorf("router: msg_routers %d exceeds maximum of 127", n)
	}

	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{calls: make(map[string]Actor)}
	}

	m, err := newMetrics(reg, name)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.services[name] = &service{name: name, cfg: cfg, shards: shards, metrics: m}
	r.mu.Unlock()
	return nil
}

// SendWork looks up or creates the call actor for (service, callID) and
// delivers item to it. A new actor is only spawned if one does not
// already exist and the service is under its max_calls cap; otherwise
// ErrTooManyCalls is returned without enqueueing anything, per spec §4.1
// and the "Service overload" class in §7.
func (r *Router) SendWork(svcName, callID string, item any) error {
	r.mu.RLock()
	svc, ok := r.services[svcName]
	r.mu.RUnlock()
	if !ok {
		return ErrServiceNotFound
	}

	sh := svc.shardFor(callID)

	sh.mu.Lock()
	actor, exists := sh.calls[callID]
	if !exists {
		if svc.cfg.MaxCalls > 0 && atomic.LoadInt64(&svc.count) >= int64(svc.cfg.MaxCalls) {
			sh.mu.Unlock()
			return ErrTooManyCalls
		}
		newActor, err := svc.cfg.New(svcName, callID, svc.cfg.ActorConfig)
		if err != nil {
			sh.mu.Unlock()
			return fmt.Errorf("router: spawning call actor for %s: %w", callID, err)
		}
		sh.calls[callID] = newActor
		actor = newActor
		atomic.AddInt64(&svc.count, 1)
		svc.metrics.activeCalls.Inc()
		r.log.Debug("call actor spawned", "service", svcName, "call_id", callID)
		go r.reap(svc, sh, callID, newActor)
	}
	sh.mu.Unlock()

	if err := actor.Deliver(item); err != nil {
		return fmt.Errorf("router: delivering work to %s: %w", callID, err)
	}
	return nil
}

// reap removes callID from the table once its actor stops, so a later
// SendWork for the same Call-ID spawns a fresh actor instead of finding a
// dead mailbox.
func (r *Router) reap(svc *service, sh *shard, callID string, actor Actor) {
	<-actor.Stopped()

	sh.mu.Lock()
	if sh.calls[callID] == actor {
		delete(sh.calls, callID)
		atomic.AddInt64(&svc.count, -1)
		svc.metrics.activeCalls.Dec()
	}
	sh.mu.Unlock()
	r.log.Debug("call actor reaped", "service", svc.name, "call_id", callID)
}

// ActiveCalls returns the number of live call actors for service, or 0 if
// the service is unknown.
func (r *Router) ActiveCalls(svcName string) int {
	r.mu.RLock()
	svc, ok := r.services[svcName]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	return int(atomic.LoadInt64(&svc.count))
}

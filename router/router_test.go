package router_test

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipstack/sipstack/router"
)

type fakeActor struct {
	mu      sync.Mutex
	items   []any
	stopped chan struct{}
}

func newFakeActor() *fakeActor {
	return &fakeActor{stopped: make(chan struct{})}
}

func (a *fakeActor) Deliver(item any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.items = append(a.items, item)
	return nil
}

func (a *fakeActor) Stopped() <-chan struct{} { return a.stopped }

func TestSendWorkSpawnsOnFirstReference(t *testing.T) {
	r := router.New(nil)
	actors := map[string]*fakeActor{}
	var mu sync.Mutex

	require.NoError(t, r.RegisterService("svc", router.Config{
		MsgRouters: 4,
		New: func(service, callID string, cfg any) (router.Actor, error) {
			mu.Lock()
			defer mu.Unlock()
			a := newFakeActor()
			actors[callID] = a
			return a, nil
		},
	}, prometheus.NewRegistry()))

	require.NoError(t, r.SendWork("svc", "call-1", "hello"))
	require.NoError(t, r.SendWork("svc", "call-1", "world"))

	mu.Lock()
	a := actors["call-1"]
	mu.Unlock()
	require.NotNil(t, a)
	assert.Equal(t, []any{"hello", "world"}, a.items)
	assert.Equal(t, 1, r.ActiveCalls("svc"))
}

func TestSendWorkUnknownService(t *testing.T) {
	r := router.New(nil)
	err := r.SendWork("nope", "call-1", "x")
	assert.ErrorIs(t, err, router.ErrServiceNotFound)
}

func TestSendWorkTooManyCalls(t *testing.T) {
	r := router.New(nil)
	require.NoError(t, r.RegisterService("svc", router.Config{
		MaxCalls:   1,
		MsgRouters: 1,
		New: func(service, callID string, cfg any) (router.Actor, error) {
			return newFakeActor(), nil
		},
	}, prometheus.NewRegistry()))

	require.NoError(t, r.SendWork("svc", "call-1", "x"))
	err := r.SendWork("svc", "call-2", "x")
	assert.ErrorIs(t, err, router.ErrTooManyCalls)

	// Existing call can still receive more work despite being at cap.
	assert.NoError(t, r.SendWork("svc", "call-1", "y"))
}

func TestReapRemovesStoppedActor(t *testing.T) {
	r := router.New(nil)
	a := newFakeActor()
	require.NoError(t, r.RegisterService("svc", router.Config{
		MsgRouters: 1,
		New: func(service, callID string, cfg any) (router.Actor, error) {
			return a, nil
		},
	}, prometheus.NewRegistry()))

	require.NoError(t, r.SendWork("svc", "call-1", "x"))
	require.Equal(t, 1, r.ActiveCalls("svc"))

	close(a.stopped)
	require.Eventually(t, func() bool {
		return r.ActiveCalls("svc") == 0
	}, testTimeout, testTick)
}

package timer_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipstack/sipstack/timer"
)

type collector struct {
	mu     sync.Mutex
	events []timer.Event
}

func (c *collector) Post(e timer.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) wait(t *testing.T, n int) []timer.Event {
	t.Helper()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.events) >= n
	}, time.Second, time.Millisecond)
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]timer.Event(nil), c.events...)
}

func TestServiceFiresEvent(t *testing.T) {
	s := timer.NewService()
	c := &collector{}

	s.Start("call-1", "timer_b", 5*time.Millisecond, 1, c)

	events := c.wait(t, 1)
	require.Len(t, events, 1)
	assert.Equal(t, "call-1", events[0].CallID)
	assert.Equal(t, "timer_b", events[0].Tag)
	assert.EqualValues(t, 1, events[0].SubjectID)
}

func TestCancelIsIdempotent(t *testing.T) {
	s := timer.NewService()
	c := &collector{}

	s.Start("call-1", "timer_a", time.Hour, 1, c)
	assert.True(t, s.Cancel("call-1", "timer_a"))
	assert.False(t, s.Cancel("call-1", "timer_a"))
	assert.False(t, s.Pending("call-1", "timer_a"))
}

func TestRestartReplacesPriorTimer(t *testing.T) {
	s := timer.NewService()
	c := &collector{}

	s.Start("call-1", "timer_g", time.Hour, 1, c)
	s.Start("call-1", "timer_g", 5*time.Millisecond, 2, c)

	events := c.wait(t, 1)
	require.Len(t, events, 1)
	assert.EqualValues(t, 2, events[0].SubjectID)
	assert.Equal(t, 1, s.Len())
}

func TestCancelAll(t *testing.T) {
	s := timer.NewService()
	c := &collector{}

	s.Start("call-1", "timer_a", time.Hour, 1, c)
	s.Start("call-1", "timer_b", time.Hour, 1, c)
	s.Start("call-2", "timer_a", time.Hour, 1, c)

	s.CancelAll("call-1")

	assert.Equal(t, 1, s.Len())
	assert.True(t, s.Pending("call-2", "timer_a"))
}

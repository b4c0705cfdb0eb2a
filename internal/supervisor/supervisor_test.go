package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wasync/internal/models"
	"wasync/internal/poll"
	"wasync/internal/scheduler"
	"wasync/internal/store"
)

type staticSource struct{ cfg *models.ConnectionConfig }

func (s staticSource) Current(context.Context) (*models.ConnectionConfig, error) {
	if s.cfg == nil {
		return nil, store.ErrNotFound
	}
	return s.cfg, nil
}

type counter struct {
	mu     sync.Mutex
	health int
	polls  map[string]int
}

func (c *counter) Run(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health++
}

func (c *counter) PollSince(_ context.Context, phone string, _ int) poll.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.polls == nil {
		c.polls = map[string]int{}
	}
	c.polls[phone]++
	return poll.Result{}
}

func (c *counter) healthRuns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

func (c *counter) pollRuns(phone string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polls[phone]
}

func connected() *models.ConnectionConfig {
	n := "5548000000000"
	return &models.ConnectionConfig{InstanceName: "main", Status: models.StatusConnected, PairedNumber: &n}
}

func newSupervisor(t *testing.T, cfg *models.ConnectionConfig, ttl time.Duration) (*Supervisor, *scheduler.Scheduler, *counter) {
	c := &counter{}
	sched := scheduler.New()
	s := New(staticSource{cfg: cfg}, c, c, sched, Options{
		HealthInterval:           10 * time.Millisecond,
		BackstopPollInterval:     10 * time.Millisecond,
		ConversationPollInterval: 5 * time.Millisecond,
		WatchTTL:                 ttl,
	})
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s, sched, c
}

func TestStartWithConnectedInstance(t *testing.T) {
	_, sched, c := newSupervisor(t, connected(), time.Minute)

	assert.Equal(t, []string{taskBackstopPoll, taskHealth, taskWatchSweep}, sched.Names())
	assert.Eventually(t, func() bool { return c.healthRuns() >= 2 && c.pollRuns("") >= 2 }, time.Second, time.Millisecond)
}

func TestStartWithoutConnection(t *testing.T) {
	_, sched, _ := newSupervisor(t, nil, time.Minute)
	assert.Empty(t, sched.Names())
}

func TestConnectionChangesDriveTasks(t *testing.T) {
	s, sched, _ := newSupervisor(t, nil, time.Minute)

	s.Notify(&models.ConnectionConfig{InstanceName: "main", Status: models.StatusAwaitingQRScan})
	assert.Eventually(t, func() bool { return sched.Has(taskHealth) }, time.Second, time.Millisecond)
	assert.False(t, sched.Has(taskBackstopPoll))

	s.Notify(connected())
	assert.Eventually(t, func() bool { return sched.Has(taskBackstopPoll) }, time.Second, time.Millisecond)

	s.Notify(&models.ConnectionConfig{InstanceName: "main", Status: models.StatusDisconnected})
	assert.Eventually(t, func() bool { return !sched.Has(taskBackstopPoll) }, time.Second, time.Millisecond)
	assert.True(t, sched.Has(taskHealth))

	_, err := s.Watch("5548999999999")
	require.NoError(t, err)
	s.Notify(nil)
	assert.Eventually(t, func() bool { return len(sched.Names()) == 0 }, time.Second, time.Millisecond)
}

func TestLeavingConnectedStopsWatches(t *testing.T) {
	s, sched, c := newSupervisor(t, connected(), time.Minute)

	_, err := s.Watch("5548999999999")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return c.pollRuns("5548999999999") >= 1 }, time.Second, time.Millisecond)

	s.Notify(&models.ConnectionConfig{InstanceName: "main", Status: models.StatusDisconnected})
	assert.Eventually(t, func() bool { return len(s.Watches()) == 0 }, time.Second, time.Millisecond)
	assert.False(t, sched.Has(taskBackstopPoll))
	assert.True(t, sched.Has(taskHealth))

	runs := c.pollRuns("5548999999999")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, runs, c.pollRuns("5548999999999"))
	assert.False(t, s.Unwatch("5548999999999"))
}

func TestWatchPollsConversation(t *testing.T) {
	s, _, c := newSupervisor(t, connected(), time.Minute)

	expires, err := s.Watch("+55 (48) 99999-9999")
	require.NoError(t, err)
	assert.True(t, expires.After(time.Now()))
	assert.Equal(t, []string{"5548999999999"}, s.Watches())
	assert.Eventually(t, func() bool { return c.pollRuns("5548999999999") >= 2 }, time.Second, time.Millisecond)

	assert.True(t, s.Unwatch("5548999999999"))
	assert.Empty(t, s.Watches())
	runs := c.pollRuns("5548999999999")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, runs, c.pollRuns("5548999999999"))

	assert.False(t, s.Unwatch("5548999999999"))
	_, err = s.Watch("12")
	assert.Error(t, err)
}

func TestWatchExpiresWithoutRenewal(t *testing.T) {
	s, _, _ := newSupervisor(t, connected(), 30*time.Millisecond)

	_, err := s.Watch("5548999999999")
	require.NoError(t, err)
	assert.Len(t, s.Watches(), 1)
	assert.Eventually(t, func() bool { return len(s.Watches()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestStopCancelsEverything(t *testing.T) {
	c := &counter{}
	sched := scheduler.New()
	s := New(staticSource{cfg: connected()}, c, c, sched, Options{HealthInterval: 5 * time.Millisecond, BackstopPollInterval: time.Hour})
	s.Start(context.Background())
	_, err := s.Watch("5548999999999")
	require.NoError(t, err)

	s.Stop()
	assert.Empty(t, sched.Names())
	runs := c.healthRuns()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, runs, c.healthRuns())
}

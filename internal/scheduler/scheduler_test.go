package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEveryRunsUntilCancelled(t *testing.T) {
	s := New()
	var runs atomic.Int32
	s.Every("tick", 5*time.Millisecond, true, func(ctx context.Context) { runs.Add(1) })

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
	assert.True(t, s.Has("tick"))

	assert.True(t, s.Cancel("tick"))
	assert.False(t, s.Has("tick"))
	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, runs.Load())

	assert.False(t, s.Cancel("tick"))
}

func TestBusyRunSkipsTicks(t *testing.T) {
	s := New()
	defer s.StopAll()

	var active, maxActive, runs atomic.Int32
	release := make(chan struct{})
	s.Every("slow", 2*time.Millisecond, true, func(ctx context.Context) {
		n := active.Add(1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		runs.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		active.Add(-1)
	})

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
	close(release)
	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestCancelInterruptsRunningTask(t *testing.T) {
	s := New()
	started := make(chan struct{})
	var finished atomic.Bool
	s.Every("blocking", time.Hour, true, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		finished.Store(true)
	})

	<-started
	s.Cancel("blocking")
	assert.True(t, finished.Load())
}

func TestEveryReplacesAndStopAll(t *testing.T) {
	s := New()
	var first, second atomic.Int32
	s.Every("a", time.Millisecond, true, func(context.Context) { first.Add(1) })
	s.Every("a", time.Millisecond, true, func(context.Context) { second.Add(1) })
	s.Every("b", time.Hour, false, func(context.Context) {})

	assert.Equal(t, []string{"a", "b"}, s.Names())
	assert.Eventually(t, func() bool { return second.Load() > 0 }, time.Second, time.Millisecond)

	stopped := first.Load()
	s.StopAll()
	assert.Empty(t, s.Names())
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, stopped, first.Load())
}

func TestPanickingTaskKeepsScheduling(t *testing.T) {
	s := New()
	defer s.StopAll()
	var runs atomic.Int32
	s.Every("panic", 2*time.Millisecond, true, func(context.Context) {
		runs.Add(1)
		panic("boom")
	})
	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, time.Millisecond)
}

// Package scheduler runs named periodic tasks that can be cancelled
// individually or all at once. A tick that fires while the previous run of
// the same task is still busy is skipped.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Task is one run of a periodic job. It should return when ctx is done.
type Task func(ctx context.Context)

type entry struct {
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running sync.Mutex
	skipped int
}

type Scheduler struct {
	mu    sync.Mutex
	tasks map[string]*entry
}

func New() *Scheduler {
	return &Scheduler{tasks: make(map[string]*entry)}
}

// Every runs fn each interval under name, replacing any task already
// registered under it. With immediate set the first run starts right away.
func (s *Scheduler) Every(name string, interval time.Duration, immediate bool, fn Task) {
	s.Cancel(name)

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{cancel: cancel}

	s.mu.Lock()
	s.tasks[name] = e
	s.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		if immediate {
			s.fire(ctx, name, e, fn)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.fire(ctx, name, e, fn)
			}
		}
	}()

	log.Debug().Str("task", name).Dur("interval", interval).Msg("Scheduled periodic task")
}

func (s *Scheduler) fire(ctx context.Context, name string, e *entry, fn Task) {
	if !e.running.TryLock() {
		e.skipped++
		log.Debug().Str("task", name).Int("skipped", e.skipped).Msg("Previous run still busy, skipping tick")
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.running.Unlock()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("task", name).Msg("Periodic task panicked")
			}
		}()
		fn(ctx)
	}()
}

// Cancel stops the task and waits for an in-flight run to return. It reports
// whether a task was registered under name.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	e, ok := s.tasks[name]
	delete(s.tasks, name)
	s.mu.Unlock()
	if !ok {
		return false
	}
	e.cancel()
	e.wg.Wait()
	log.Debug().Str("task", name).Msg("Cancelled periodic task")
	return true
}

func (s *Scheduler) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[name]
	return ok
}

// Names lists the registered tasks in order.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StopAll cancels every task and waits for them.
func (s *Scheduler) StopAll() {
	for _, name := range s.Names() {
		s.Cancel(name)
	}
}

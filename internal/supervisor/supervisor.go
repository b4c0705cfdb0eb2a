// Package supervisor owns the background work of the active instance: the
// health check, the backstop poll and one poll per watched conversation.
// Connection changes start and stop those tasks; removing the integration
// stops all of them.
package supervisor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"wasync/internal/gateway"
	"wasync/internal/models"
	"wasync/internal/poll"
	"wasync/internal/scheduler"
)

const (
	taskHealth         = "health"
	taskBackstopPoll   = "backstop-poll"
	taskWatchSweep     = "watch-sweep"
	conversationPrefix = "conversation:"
)

type ConfigSource interface {
	Current(ctx context.Context) (*models.ConnectionConfig, error)
}

type Checker interface {
	Run(ctx context.Context)
}

type Poller interface {
	PollSince(ctx context.Context, phone string, limit int) poll.Result
}

type Options struct {
	HealthInterval           time.Duration
	BackstopPollInterval     time.Duration
	ConversationPollInterval time.Duration
	WatchTTL                 time.Duration
}

type Supervisor struct {
	conn   ConfigSource
	health Checker
	poller Poller
	sched  *scheduler.Scheduler
	opts   Options
	leases *cache.Cache

	mu         sync.Mutex
	pending    *models.ConnectionConfig
	hasPending bool
	wake       chan struct{}
	cancel     context.CancelFunc
	done       chan struct{}
}

func New(conn ConfigSource, health Checker, poller Poller, sched *scheduler.Scheduler, opts Options) *Supervisor {
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = time.Minute
	}
	if opts.BackstopPollInterval <= 0 {
		opts.BackstopPollInterval = 5 * time.Minute
	}
	if opts.ConversationPollInterval <= 0 {
		opts.ConversationPollInterval = 20 * time.Second
	}
	if opts.WatchTTL <= 0 {
		opts.WatchTTL = 2 * time.Minute
	}
	return &Supervisor{
		conn:   conn,
		health: health,
		poller: poller,
		sched:  sched,
		opts:   opts,
		leases: cache.New(opts.WatchTTL, opts.WatchTTL),
		wake:   make(chan struct{}, 1),
	}
}

// Start applies the persisted connection and follows later changes until
// Stop is called.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	cfg, err := s.conn.Current(ctx)
	if err != nil {
		log.Info().Err(err).Msg("Supervisor started without an active connection")
		cfg = nil
	}
	s.apply(cfg)

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				s.mu.Lock()
				cfg, ok := s.pending, s.hasPending
				s.pending, s.hasPending = nil, false
				s.mu.Unlock()
				if ok {
					s.apply(cfg)
				}
			}
		}
	}()
}

// Stop ends the change loop and cancels every task.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	s.sched.StopAll()
	s.leases.Flush()
	log.Info().Msg("Supervisor stopped")
}

// Notify queues a connection change; nil means the integration was removed.
// Only the latest change is kept. It never blocks, so it is safe to call
// from a connection listener.
func (s *Supervisor) Notify(cfg *models.ConnectionConfig) {
	s.mu.Lock()
	s.pending, s.hasPending = cfg, true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Supervisor) apply(cfg *models.ConnectionConfig) {
	if cfg == nil {
		s.sched.StopAll()
		s.leases.Flush()
		log.Info().Msg("No active connection, background tasks stopped")
		return
	}

	if !s.sched.Has(taskHealth) {
		s.sched.Every(taskHealth, s.opts.HealthInterval, true, s.health.Run)
	}
	if !s.sched.Has(taskWatchSweep) {
		s.sched.Every(taskWatchSweep, s.sweepInterval(), false, func(context.Context) { s.sweep() })
	}

	if cfg.Status == models.StatusConnected {
		if !s.sched.Has(taskBackstopPoll) {
			s.sched.Every(taskBackstopPoll, s.opts.BackstopPollInterval, true, func(ctx context.Context) {
				s.poller.PollSince(ctx, "", 0)
			})
			log.Info().Str("instance", cfg.InstanceName).Msg("Backstop poll started")
		}
		return
	}
	if s.sched.Cancel(taskBackstopPoll) {
		log.Info().Str("instance", cfg.InstanceName).Str("status", string(cfg.Status)).Msg("Backstop poll stopped")
	}
	if n := s.stopWatches(); n > 0 {
		log.Info().Str("instance", cfg.InstanceName).Int("watches", n).Msg("Conversation watches stopped")
	}
}

// stopWatches cancels every conversation poll and drops its lease.
func (s *Supervisor) stopWatches() int {
	n := 0
	for _, phone := range s.Watches() {
		s.leases.Delete(phone)
		if s.sched.Cancel(conversationPrefix + phone) {
			n++
		}
	}
	return n
}

func (s *Supervisor) sweepInterval() time.Duration {
	d := s.opts.WatchTTL / 2
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}

// Watch starts or renews the poll of one conversation. The watch lapses
// after the TTL unless renewed.
func (s *Supervisor) Watch(phone string) (time.Time, error) {
	phone, err := gateway.PhoneFromJID(phone)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid phone: %w", err)
	}
	expires := time.Now().Add(s.opts.WatchTTL)
	s.leases.Set(phone, expires, cache.DefaultExpiration)

	name := conversationPrefix + phone
	if !s.sched.Has(name) {
		s.sched.Every(name, s.opts.ConversationPollInterval, true, func(ctx context.Context) {
			if _, ok := s.leases.Get(phone); !ok {
				return
			}
			s.poller.PollSince(ctx, phone, 0)
		})
		log.Info().Str("phone", phone).Dur("ttl", s.opts.WatchTTL).Msg("Conversation watch started")
	}
	return expires, nil
}

// Unwatch stops the poll of one conversation. It reports whether a watch
// was active.
func (s *Supervisor) Unwatch(phone string) bool {
	phone, err := gateway.PhoneFromJID(phone)
	if err != nil {
		return false
	}
	s.leases.Delete(phone)
	stopped := s.sched.Cancel(conversationPrefix + phone)
	if stopped {
		log.Info().Str("phone", phone).Msg("Conversation watch stopped")
	}
	return stopped
}

// Watches lists the conversations currently polled.
func (s *Supervisor) Watches() []string {
	var out []string
	for _, name := range s.sched.Names() {
		if strings.HasPrefix(name, conversationPrefix) {
			out = append(out, strings.TrimPrefix(name, conversationPrefix))
		}
	}
	return out
}

// sweep cancels conversation polls whose lease expired.
func (s *Supervisor) sweep() {
	for _, phone := range s.Watches() {
		if _, ok := s.leases.Get(phone); ok {
			continue
		}
		if s.sched.Cancel(conversationPrefix + phone) {
			log.Debug().Str("phone", phone).Msg("Conversation watch expired")
		}
	}
}

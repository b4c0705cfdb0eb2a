// Package health runs the periodic connection check: gateway reachability,
// connection state drift, webhook drift with one repair attempt per cycle and
// a catch-up poll when the webhook has gone quiet for too long.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"wasync/internal/gateway"
	"wasync/internal/models"
	"wasync/internal/poll"
)

// Connection is the state machine the monitor reconciles against.
type Connection interface {
	Current(ctx context.Context) (*models.ConnectionConfig, error)
	ApplyGatewayState(ctx context.Context, state gateway.State, number string) error
}

// Poller runs the catch-up pull.
type Poller interface {
	PollSince(ctx context.Context, phone string, limit int) poll.Result
}

// Activity reports when the webhook last delivered an event.
type Activity interface {
	Last() time.Time
}

type Options struct {
	CallTimeout  time.Duration
	Retries      int
	GapThreshold time.Duration
}

// Report is the outcome of one check. Degraded is what the UI shows.
type Report struct {
	CheckedAt       time.Time               `json:"checkedAt"`
	Configured      bool                    `json:"configured"`
	Status          models.ConnectionStatus `json:"status,omitempty"`
	Reachable       bool                    `json:"reachable"`
	GatewayState    gateway.State           `json:"gatewayState,omitempty"`
	WebhookDrift    bool                    `json:"webhookDrift"`
	DriftReason     string                  `json:"driftReason,omitempty"`
	RepairAttempted bool                    `json:"repairAttempted"`
	RepairFailed    bool                    `json:"repairFailed"`
	LastIngestAt    *time.Time              `json:"lastIngestAt,omitempty"`
	GapSeconds      float64                 `json:"gapSeconds"`
	GapExceeded     bool                    `json:"gapExceeded"`
	CatchUp         *poll.Result            `json:"catchUp,omitempty"`
	Degraded        bool                    `json:"degraded"`
	Problems        []string                `json:"problems,omitempty"`
}

func (r *Report) problem(format string, args ...interface{}) {
	r.Degraded = true
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

type Monitor struct {
	conn     Connection
	poller   Poller
	activity Activity
	opts     Options
	now      func() time.Time

	mu   sync.RWMutex
	last *Report
}

func NewMonitor(conn Connection, poller Poller, activity Activity, opts Options) *Monitor {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 5 * time.Second
	}
	if opts.GapThreshold <= 0 {
		opts.GapThreshold = 2 * time.Minute
	}
	return &Monitor{conn: conn, poller: poller, activity: activity, opts: opts, now: time.Now}
}

// Last returns the most recent report, or nil before the first check.
func (m *Monitor) Last() *Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return nil
	}
	r := *m.last
	return &r
}

// Run is the scheduler entry point.
func (m *Monitor) Run(ctx context.Context) {
	m.Check(ctx)
}

// Check runs one cycle and records its report. It never fails: problems end
// up in the report.
func (m *Monitor) Check(ctx context.Context) *Report {
	report := &Report{CheckedAt: m.now().UTC()}
	defer func() {
		m.mu.Lock()
		m.last = report
		m.mu.Unlock()
	}()

	cfg, err := m.conn.Current(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("Health check: no connection configured")
		return report
	}
	report.Configured = true
	report.Status = cfg.Status

	reads, err := gateway.NewClient(cfg, gateway.Options{Timeout: m.opts.CallTimeout, Retries: m.opts.Retries, RetryWait: 200 * time.Millisecond})
	if err != nil {
		report.problem("invalid gateway config: %v", err)
		return report
	}

	state, err := m.connectionState(ctx, reads)
	if gateway.IsNotFound(err) || gateway.IsUnauthorized(err) {
		// The gateway answered: the instance is gone or the key was revoked.
		report.Reachable = true
		report.problem("gateway rejected instance: %v", err)
		if cfg.Status != models.StatusDisconnected {
			log.Warn().Err(err).Str("instance", cfg.InstanceName).Msg("Health check: instance rejected by gateway, marking disconnected")
			if err := m.conn.ApplyGatewayState(ctx, gateway.StateClose, ""); err != nil {
				report.problem("state reconcile failed: %v", err)
			} else {
				report.Status = models.StatusDisconnected
			}
		}
		return report
	}
	if err != nil {
		log.Error().Err(err).Str("instance", cfg.InstanceName).Msg("Health check: gateway unreachable")
		report.problem("gateway unreachable: %v", err)
		return report
	}
	report.Reachable = true
	report.GatewayState = state

	if cfg.Status == models.StatusDisconnected {
		return report
	}

	if err := m.conn.ApplyGatewayState(ctx, state, ""); err != nil {
		log.Error().Err(err).Str("gatewayState", string(state)).Msg("Health check: failed to reconcile connection state")
		report.problem("state reconcile failed: %v", err)
	}
	if cfg, err = m.conn.Current(ctx); err != nil {
		report.problem("failed to reload connection: %v", err)
		return report
	}
	report.Status = cfg.Status

	if cfg.WebhookURL != "" && cfg.Status != models.StatusDisconnected {
		m.checkWebhook(ctx, cfg, reads, report)
	}

	if cfg.Status == models.StatusConnected {
		m.checkGap(ctx, report)
	}

	if report.Degraded {
		log.Warn().Strs("problems", report.Problems).Str("instance", cfg.InstanceName).Msg("Health check degraded")
	} else {
		log.Debug().Str("instance", cfg.InstanceName).Str("status", string(cfg.Status)).Msg("Health check passed")
	}
	return report
}

func (m *Monitor) connectionState(ctx context.Context, client *gateway.Client) (gateway.State, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.callBudget())
	defer cancel()
	return client.ConnectionState(callCtx)
}

// callBudget bounds one call including its retries.
func (m *Monitor) callBudget() time.Duration {
	return m.opts.CallTimeout * time.Duration(m.opts.Retries+1)
}

func (m *Monitor) checkWebhook(ctx context.Context, cfg *models.ConnectionConfig, reads *gateway.Client, report *Report) {
	callCtx, cancel := context.WithTimeout(ctx, m.callBudget())
	hook, err := reads.FindWebhook(callCtx)
	cancel()
	if err != nil {
		report.problem("cannot read webhook config: %v", err)
		return
	}

	reason := webhookDrift(hook, cfg)
	if reason == "" {
		return
	}
	report.WebhookDrift = true
	report.DriftReason = reason
	report.RepairAttempted = true
	log.Warn().Str("instance", cfg.InstanceName).Str("reason", reason).Msg("Webhook drift detected, re-registering")

	// One attempt per cycle; the next tick is the retry.
	writes, err := gateway.NewClient(cfg, gateway.Options{Timeout: m.opts.CallTimeout})
	if err == nil {
		callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
		err = writes.SetWebhook(callCtx, cfg.WebhookURL, cfg.ActiveEvents)
		cancel()
	}
	if err != nil {
		report.RepairFailed = true
		report.problem("webhook repair failed: %v", err)
		return
	}
	log.Info().Str("instance", cfg.InstanceName).Msg("Webhook repaired")
}

// webhookDrift explains how hook differs from what cfg expects, or returns "".
func webhookDrift(hook *gateway.WebhookConfig, cfg *models.ConnectionConfig) string {
	switch {
	case !hook.Enabled:
		return "webhook disabled"
	case hook.URL != cfg.WebhookURL:
		return fmt.Sprintf("url is %q", hook.URL)
	case len(cfg.ActiveEvents) > 0 && !sameEvents(hook.Events, cfg.ActiveEvents):
		return "event set differs"
	}
	return ""
}

func sameEvents(a, b []string) bool {
	na, nb := normalizeEvents(a), normalizeEvents(b)
	if len(na) != len(nb) {
		return false
	}
	for i := range na {
		if na[i] != nb[i] {
			return false
		}
	}
	return true
}

func normalizeEvents(events []string) []string {
	seen := make(map[string]bool, len(events))
	out := make([]string, 0, len(events))
	for _, e := range events {
		n := gateway.NormalizeEventName(e)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (m *Monitor) checkGap(ctx context.Context, report *Report) {
	last := m.activity.Last()
	if last.IsZero() {
		report.GapSeconds = -1
		report.GapExceeded = true
	} else {
		l := last.UTC()
		report.LastIngestAt = &l
		gap := m.now().Sub(last)
		report.GapSeconds = gap.Seconds()
		report.GapExceeded = gap > m.opts.GapThreshold
	}
	if !report.GapExceeded {
		return
	}
	res := m.poller.PollSince(ctx, "", 0)
	report.CatchUp = &res
	log.Info().Float64("gapSeconds", report.GapSeconds).Int("new", res.New).Int("updated", res.Updated).Bool("skipped", res.Skipped).Msg("Message gap detected, ran catch-up poll")
}

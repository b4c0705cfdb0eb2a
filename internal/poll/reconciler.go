// Package poll pulls recent messages from the gateway and merges them through
// the same ingest path the webhook uses. It is a best-effort fallback: it
// never returns errors, only zero results.
package poll

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"wasync/internal/gateway"
	"wasync/internal/ingest"
	"wasync/internal/models"
	"wasync/internal/store"
)

// ConfigSource yields the active connection.
type ConfigSource interface {
	Current(ctx context.Context) (*models.ConnectionConfig, error)
}

// SyncRecorder remembers when a reconciliation last succeeded.
type SyncRecorder interface {
	TouchLastSync(ctx context.Context, at time.Time) error
}

// Result of one poll. Skipped is set when the poll was dropped by the
// cool-down or because the same scope was already being polled.
type Result struct {
	New     int  `json:"new"`
	Updated int  `json:"updated"`
	Skipped bool `json:"skipped,omitempty"`
}

type Options struct {
	Cooldown time.Duration
	Limit    int
}

type Reconciler struct {
	conn     ConfigSource
	factory  *gateway.Factory
	ingestor *ingest.Ingestor
	sync     SyncRecorder
	limit    int
	cooldown time.Duration

	recent   *cache.Cache
	mu       sync.Mutex
	inflight map[string]bool
}

func New(conn ConfigSource, factory *gateway.Factory, ingestor *ingest.Ingestor, rec SyncRecorder, opts Options) *Reconciler {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 5 * time.Second
	}
	return &Reconciler{
		conn:     conn,
		factory:  factory,
		ingestor: ingestor,
		sync:     rec,
		limit:    opts.Limit,
		cooldown: opts.Cooldown,
		recent:   cache.New(opts.Cooldown, 2*opts.Cooldown),
		inflight: make(map[string]bool),
	}
}

const maxLimit = 500

func scopeKey(phone string) string {
	if phone == "" {
		return "all"
	}
	return "contact:" + phone
}

// PollSince fetches up to limit of the most recent messages, optionally for
// one contact, and upserts them. limit <= 0 uses the configured default.
func (r *Reconciler) PollSince(ctx context.Context, phone string, limit int) Result {
	scope := scopeKey(phone)
	if !r.acquire(scope) {
		log.Debug().Str("scope", scope).Msg("Poll dropped, scope polled recently or in flight")
		return Result{Skipped: true}
	}
	defer r.release(scope)

	if limit <= 0 {
		limit = r.limit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	cfg, err := r.conn.Current(ctx)
	if err != nil {
		log.Debug().Err(err).Str("scope", scope).Msg("Poll skipped, no connection")
		return Result{}
	}
	if cfg.Status != models.StatusConnected {
		log.Debug().Str("scope", scope).Str("status", string(cfg.Status)).Msg("Poll skipped, instance not connected")
		return Result{}
	}

	client, err := r.factory.Background(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Poll: cannot build gateway client")
		return Result{}
	}

	remoteJID := ""
	if phone != "" {
		remoteJID = gateway.JIDFromPhone(phone)
	}
	page, err := client.FindMessages(ctx, remoteJID, 1, limit)
	if err != nil {
		log.Warn().Err(err).Str("scope", scope).Msg("Poll: gateway unreachable")
		return Result{}
	}

	var res Result
	failed := 0
	for _, rec := range page.Records {
		pm, err := rec.Parse()
		if err != nil {
			log.Debug().Err(err).Str("externalId", rec.Key.ID).Msg("Poll: skipping record")
			continue
		}
		outcome, err := r.ingestor.UpsertMessage(ctx, cfg.InstanceName, pm)
		if err != nil {
			failed++
			log.Error().Err(err).Str("externalId", pm.Message.ExternalID).Msg("Poll: failed to store message")
			continue
		}
		switch outcome {
		case store.Created:
			res.New++
		case store.Updated:
			res.Updated++
		}
	}

	if failed == 0 && r.sync != nil {
		if err := r.sync.TouchLastSync(ctx, time.Now()); err != nil {
			log.Error().Err(err).Msg("Poll: failed to record last sync")
		}
	}

	log.Debug().Str("scope", scope).Int("fetched", len(page.Records)).Int("new", res.New).Int("updated", res.Updated).Int("failed", failed).Msg("Poll completed")
	return res
}

func (r *Reconciler) acquire(scope string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[scope] {
		return false
	}
	if _, found := r.recent.Get(scope); found {
		return false
	}
	r.inflight[scope] = true
	return true
}

// release starts the cool-down for scope.
func (r *Reconciler) release(scope string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, scope)
	r.recent.Set(scope, time.Now(), r.cooldown)
}

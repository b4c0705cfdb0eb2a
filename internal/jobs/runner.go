// Package jobs runs bulk synchronizations of contacts and messages in the
// background, recording progress on the job row after every page.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"wasync/internal/broker"
	"wasync/internal/gateway"
	"wasync/internal/ingest"
	"wasync/internal/models"
	"wasync/internal/store"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrJobFinished  = errors.New("job already finished")
	ErrNotConnected = errors.New("instance is not connected")
)

// OrphanDetail is recorded on jobs interrupted by a restart.
const OrphanDetail = "interrupted by restart"

type ConfigSource interface {
	Current(ctx context.Context) (*models.ConnectionConfig, error)
}

type Options struct {
	PageSize        int
	MaxPageFailures int
	PagesPerSecond  float64
}

type handle struct {
	cancelled atomic.Bool
	done      chan struct{}
}

// Runner owns every job started by this process.
type Runner struct {
	jobs      *store.JobStore
	conn      ConfigSource
	factory   *gateway.Factory
	ingestor  *ingest.Ingestor
	publisher broker.Publisher
	opts      Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]*handle
}

func NewRunner(jobs *store.JobStore, conn ConfigSource, factory *gateway.Factory, ingestor *ingest.Ingestor, publisher broker.Publisher, opts Options) *Runner {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.MaxPageFailures <= 0 {
		opts.MaxPageFailures = 3
	}
	if publisher == nil {
		publisher = broker.Noop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		jobs:      jobs,
		conn:      conn,
		factory:   factory,
		ingestor:  ingestor,
		publisher: publisher,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		running:   make(map[string]*handle),
	}
}

// RecoverOrphaned fails jobs a previous process left pending or running.
func (r *Runner) RecoverOrphaned(ctx context.Context) (int64, error) {
	n, err := r.jobs.FailOrphaned(ctx, OrphanDetail)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Warn().Int64("jobs", n).Msg("Marked orphaned sync jobs as failed")
	}
	return n, nil
}

// StartJob creates a job and runs it asynchronously.
func (r *Runner) StartJob(ctx context.Context, kind models.JobKind) (*models.SyncJob, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid job kind %q", kind)
	}
	cfg, err := r.conn.Current(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.Status != models.StatusConnected {
		return nil, ErrNotConnected
	}

	job, err := r.jobs.Create(ctx, kind)
	if err != nil {
		return nil, err
	}

	h := &handle{done: make(chan struct{})}
	r.mu.Lock()
	r.running[job.ID] = h
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(h, job, cfg)

	log.Info().Str("jobId", job.ID).Str("kind", string(kind)).Msg("Sync job started")
	return job, nil
}

func (r *Runner) Get(ctx context.Context, id string) (*models.SyncJob, error) {
	job, err := r.jobs.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	return job, err
}

func (r *Runner) List(ctx context.Context, limit int) ([]models.SyncJob, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return r.jobs.List(ctx, limit)
}

// Cancel asks a job to stop after its current page and waits for it until
// ctx is done. Jobs not owned by this process are cancelled directly.
func (r *Runner) Cancel(ctx context.Context, id string) (*models.SyncJob, error) {
	job, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, ErrJobFinished
	}

	r.mu.Lock()
	h := r.running[id]
	r.mu.Unlock()

	if h == nil {
		ok, err := r.jobs.Finish(ctx, id, models.JobCancelled, "")
		if err != nil {
			return nil, err
		}
		if !ok {
			job, _ = r.Get(ctx, id)
			return job, ErrJobFinished
		}
		return r.Get(ctx, id)
	}

	h.cancelled.Store(true)
	log.Info().Str("jobId", id).Msg("Sync job cancellation requested")
	select {
	case <-h.done:
	case <-ctx.Done():
		return job, nil
	}

	job, err = r.Get(context.Background(), id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobCancelled {
		return job, ErrJobFinished
	}
	return job, nil
}

// Shutdown interrupts running jobs and waits for them until ctx is done.
func (r *Runner) Shutdown(ctx context.Context) {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("Timed out waiting for sync jobs to stop")
	}
}

func (r *Runner) run(h *handle, job *models.SyncJob, cfg *models.ConnectionConfig) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.running, job.ID)
		r.mu.Unlock()
		close(h.done)
	}()
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Str("jobId", job.ID).Msg("Sync job panicked")
			r.finish(job.ID, models.JobFailed, fmt.Sprintf("internal error: %v", p))
		}
	}()

	ctx := r.ctx
	if h.cancelled.Load() {
		r.finish(job.ID, models.JobCancelled, "")
		return
	}
	if err := r.jobs.MarkRunning(ctx, job.ID); err != nil {
		log.Error().Err(err).Str("jobId", job.ID).Msg("Failed to start sync job")
		r.finish(job.ID, models.JobFailed, err.Error())
		return
	}
	r.publish(ctx, job.ID)

	status, detail := r.execute(ctx, h, job, cfg)
	r.finish(job.ID, status, detail)
}

func (r *Runner) execute(ctx context.Context, h *handle, job *models.SyncJob, cfg *models.ConnectionConfig) (models.JobStatus, string) {
	client, err := r.factory.Background(cfg)
	if err != nil {
		return models.JobFailed, err.Error()
	}
	limit := rate.Inf
	if r.opts.PagesPerSecond > 0 {
		limit = rate.Limit(r.opts.PagesPerSecond)
	}
	s := &syncer{
		runner:   r,
		handle:   h,
		jobID:    job.ID,
		instance: cfg.InstanceName,
		client:   client,
		limiter:  rate.NewLimiter(limit, 1),
	}

	switch job.Kind {
	case models.JobKindContacts:
		return s.contacts(ctx)
	case models.JobKindMessages:
		return s.messages(ctx)
	default:
		if status, detail := s.contacts(ctx); status != models.JobCompleted {
			return status, detail
		}
		return s.messages(ctx)
	}
}

// finish performs the terminal transition. It uses its own context so that
// jobs interrupted by shutdown still reach a terminal state.
func (r *Runner) finish(id string, status models.JobStatus, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if r.ctx.Err() != nil && status == models.JobFailed && detail == "" {
		detail = "interrupted by shutdown"
	}
	ok, err := r.jobs.Finish(ctx, id, status, detail)
	if err != nil {
		log.Error().Err(err).Str("jobId", id).Msg("Failed to finish sync job")
		return
	}
	if !ok {
		log.Debug().Str("jobId", id).Msg("Sync job was already finished")
		return
	}
	log.Info().Str("jobId", id).Str("status", string(status)).Str("detail", detail).Msg("Sync job finished")
	r.publish(ctx, id)
}

func (r *Runner) publish(ctx context.Context, id string) {
	job, err := r.jobs.Get(ctx, id)
	if err != nil {
		log.Debug().Err(err).Str("jobId", id).Msg("Cannot load job for progress event")
		return
	}
	r.publisher.Publish(ctx, broker.EventJobProgress, job)
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"wasync/internal/models"
)

// ErrStaleTransition is returned when a job is no longer in the state a
// transition requires.
var ErrStaleTransition = errors.New("job is not in the expected state")

// Progress is a delta applied to a running job.
type Progress struct {
	Processed int
	Total     int
	Created   int
	Updated   int
	Skipped   int
	Errors    int
	LogLine   string
}

type JobStore struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewJobStore(db *sqlx.DB) *JobStore {
	return &JobStore{db: db, now: time.Now}
}

const jobColumns = `id, kind, status, items_processed, items_total, created_count, updated_count,
	skipped_count, error_count, log, error_detail, started_at, finished_at, created_at, updated_at`

// Create inserts a new pending job.
func (s *JobStore) Create(ctx context.Context, kind models.JobKind) (*models.SyncJob, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid job kind %q", kind)
	}
	now := s.now().UTC()
	job := &models.SyncJob{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    models.JobPending,
		Log:       models.StringList{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_jobs (id, kind, status, log, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)`,
		job.ID, job.Kind, job.Status, job.Log, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}

func (s *JobStore) Get(ctx context.Context, id string) (*models.SyncJob, error) {
	var job models.SyncJob
	err := s.db.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM sync_jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return &job, nil
}

// List returns the most recent jobs first.
func (s *JobStore) List(ctx context.Context, limit int) ([]models.SyncJob, error) {
	jobs := []models.SyncJob{}
	err := s.db.SelectContext(ctx, &jobs, `SELECT `+jobColumns+` FROM sync_jobs
		ORDER BY created_at DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// MarkRunning moves a pending job to running.
func (s *JobStore) MarkRunning(ctx context.Context, id string) error {
	now := s.now().UTC()
	r, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs SET status = $1, started_at = $2, updated_at = $2
		WHERE id = $3 AND status = $4`,
		models.JobRunning, now, id, models.JobPending)
	if err != nil {
		return fmt.Errorf("failed to start job: %w", err)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return ErrStaleTransition
	}
	return nil
}

// AddProgress applies p to a running job. Total only grows.
func (s *JobStore) AddProgress(ctx context.Context, id string, p Progress) error {
	now := s.now().UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var entries models.StringList
	err = tx.GetContext(ctx, &entries, `SELECT log FROM sync_jobs WHERE id = $1 AND status = $2`, id, models.JobRunning)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrStaleTransition
	}
	if err != nil {
		return fmt.Errorf("failed to load job log: %w", err)
	}
	if p.LogLine != "" {
		entries = append(entries, now.Format(time.RFC3339)+" "+p.LogLine)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sync_jobs SET
			items_processed = items_processed + $1,
			items_total = CASE WHEN items_total < $2 THEN $2 ELSE items_total END,
			created_count = created_count + $3,
			updated_count = updated_count + $4,
			skipped_count = skipped_count + $5,
			error_count = error_count + $6,
			log = $7,
			updated_at = $8
		WHERE id = $9 AND status = $10`,
		p.Processed, p.Total, p.Created, p.Updated, p.Skipped, p.Errors, entries, now, id, models.JobRunning)
	if err != nil {
		return fmt.Errorf("failed to record job progress: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Finish performs the terminal transition of a pending or running job. It
// reports false when the job had already finished.
func (s *JobStore) Finish(ctx context.Context, id string, status models.JobStatus, detail string) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("status %q is not terminal", status)
	}
	var errDetail *string
	if detail != "" {
		errDetail = &detail
	}
	now := s.now().UTC()
	r, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs SET status = $1, error_detail = $2, finished_at = $3, updated_at = $3
		WHERE id = $4 AND status IN ($5, $6)`,
		status, errDetail, now, id, models.JobPending, models.JobRunning)
	if err != nil {
		return false, fmt.Errorf("failed to finish job: %w", err)
	}
	n, _ := r.RowsAffected()
	return n > 0, nil
}

// FailOrphaned fails every job left pending or running by a previous process.
func (s *JobStore) FailOrphaned(ctx context.Context, detail string) (int64, error) {
	now := s.now().UTC()
	r, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs SET status = $1, error_detail = $2, finished_at = $3, updated_at = $3
		WHERE status IN ($4, $5)`,
		models.JobFailed, detail, now, models.JobPending, models.JobRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to recover orphaned jobs: %w", err)
	}
	return r.RowsAffected()
}

package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"wasync/internal/gateway"
	"wasync/internal/models"
	"wasync/internal/store"
)

// syncer walks the gateway listings of one job page by page.
type syncer struct {
	runner   *Runner
	handle   *handle
	jobID    string
	instance string
	client   *gateway.Client
	limiter  *rate.Limiter

	// base is the total of earlier phases of a full sync.
	base int
}

var errStopped = errors.New("job stopped")

// wait paces the next page. It returns errStopped when the job was
// cancelled and ctx's error on shutdown.
func (s *syncer) wait(ctx context.Context) error {
	if s.handle.cancelled.Load() {
		return errStopped
	}
	return s.limiter.Wait(ctx)
}

func (s *syncer) stopped(err error) (models.JobStatus, string) {
	if errors.Is(err, errStopped) {
		return models.JobCancelled, ""
	}
	return models.JobFailed, fmt.Sprintf("interrupted: %v", err)
}

// record writes one page of progress and publishes it.
func (s *syncer) record(ctx context.Context, p store.Progress) error {
	if err := s.runner.jobs.AddProgress(ctx, s.jobID, p); err != nil {
		return err
	}
	s.runner.publish(ctx, s.jobID)
	return nil
}

func (s *syncer) contacts(ctx context.Context) (models.JobStatus, string) {
	var (
		records  []gateway.ContactRecord
		err      error
		failures int
	)
	for {
		if err := s.wait(ctx); err != nil {
			return s.stopped(err)
		}
		if records, err = s.client.FindContacts(ctx); err == nil {
			break
		}
		failures++
		if rerr := s.record(ctx, store.Progress{Errors: 1, LogLine: fmt.Sprintf("contact listing failed (attempt %d): %v", failures, err)}); rerr != nil {
			return models.JobFailed, rerr.Error()
		}
		if failures >= s.runner.opts.MaxPageFailures {
			return models.JobFailed, fmt.Sprintf("giving up after %d failed attempts to list contacts: %v", failures, err)
		}
	}

	total := s.base + len(records)
	size := s.runner.opts.PageSize
	if len(records) == 0 {
		if err := s.record(ctx, store.Progress{Total: total, LogLine: "no contacts to import"}); err != nil {
			return models.JobFailed, err.Error()
		}
	}
	for start, page := 0, 1; start < len(records); start, page = start+size, page+1 {
		if page > 1 {
			if err := s.wait(ctx); err != nil {
				return s.stopped(err)
			}
		}
		end := start + size
		if end > len(records) {
			end = len(records)
		}

		p := store.Progress{Total: total}
		for _, rec := range records[start:end] {
			p.Processed++
			phone, err := gateway.PhoneFromJID(rec.RemoteJID)
			if err != nil {
				p.Skipped++
				continue
			}
			outcome, err := s.runner.ingestor.UpsertContact(ctx, store.ContactInfo{PhoneNumber: phone, PushName: rec.PushName, ProfilePictureURL: rec.ProfilePicURL})
			if err != nil {
				p.Errors++
				log.Error().Err(err).Str("jobId", s.jobID).Str("phone", phone).Msg("Failed to import contact")
				continue
			}
			count(&p, outcome)
		}
		p.LogLine = fmt.Sprintf("contacts page %d: %d processed, %d created, %d updated, %d skipped, %d errors",
			page, p.Processed, p.Created, p.Updated, p.Skipped, p.Errors)
		if err := s.record(ctx, p); err != nil {
			return models.JobFailed, err.Error()
		}
	}

	s.base = total
	return models.JobCompleted, ""
}

func (s *syncer) messages(ctx context.Context) (models.JobStatus, string) {
	size := s.runner.opts.PageSize
	failures := 0
	for page := 1; ; {
		if err := s.wait(ctx); err != nil {
			return s.stopped(err)
		}

		result, err := s.client.FindMessages(ctx, "", page, size)
		if err != nil {
			failures++
			if rerr := s.record(ctx, store.Progress{Errors: 1, LogLine: fmt.Sprintf("messages page %d failed (attempt %d): %v", page, failures, err)}); rerr != nil {
				return models.JobFailed, rerr.Error()
			}
			if failures >= s.runner.opts.MaxPageFailures {
				return models.JobFailed, fmt.Sprintf("giving up on messages page %d after %d consecutive failures: %v", page, failures, err)
			}
			continue
		}
		failures = 0

		p := store.Progress{Total: s.base + result.Total}
		for _, rec := range result.Records {
			p.Processed++
			pm, err := rec.Parse()
			if errors.Is(err, gateway.ErrUnsupportedChat) {
				p.Skipped++
				continue
			}
			if err != nil {
				p.Errors++
				log.Debug().Err(err).Str("jobId", s.jobID).Str("externalId", rec.Key.ID).Msg("Unparseable message record")
				continue
			}
			outcome, err := s.runner.ingestor.UpsertMessage(ctx, s.instance, pm)
			if err != nil {
				p.Errors++
				log.Error().Err(err).Str("jobId", s.jobID).Str("externalId", pm.Message.ExternalID).Msg("Failed to import message")
				continue
			}
			count(&p, outcome)
		}
		p.LogLine = fmt.Sprintf("messages page %d/%d: %d processed, %d created, %d updated, %d skipped, %d errors",
			page, result.Pages, p.Processed, p.Created, p.Updated, p.Skipped, p.Errors)
		if err := s.record(ctx, p); err != nil {
			return models.JobFailed, err.Error()
		}

		if len(result.Records) == 0 || page >= result.Pages {
			break
		}
		page++
	}
	return models.JobCompleted, ""
}

func count(p *store.Progress, o store.Outcome) {
	switch o {
	case store.Created:
		p.Created++
	case store.Updated:
		p.Updated++
	default:
		p.Skipped++
	}
}

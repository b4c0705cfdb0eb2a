// Package ingest applies gateway events to the stores. The webhook handler,
// the poll reconciler and bulk sync jobs all write through it so they share
// one dedup key and one idempotency contract.
package ingest

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"wasync/internal/broker"
	"wasync/internal/gateway"
	"wasync/internal/models"
	"wasync/internal/store"
)

// ConnectionSink receives connection events. It is implemented by the
// connection manager.
type ConnectionSink interface {
	Current(ctx context.Context) (*models.ConnectionConfig, error)
	ApplyGatewayState(ctx context.Context, state gateway.State, number string) error
	ApplyQR(ctx context.Context, qr gateway.QRCode) error
}

// MediaUploader mirrors inline media and returns its URL.
type MediaUploader interface {
	Upload(ctx context.Context, instance, phone, messageID, mimeType, payload string) (string, error)
}

// Activity tracks when the webhook last delivered something.
type Activity struct {
	last atomic.Int64
}

func (a *Activity) Touch(t time.Time) {
	a.last.Store(t.UnixNano())
}

// Last returns the zero time if nothing was ingested since start.
func (a *Activity) Last() time.Time {
	n := a.last.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Counts tallies the outcome of a batch of upserts.
type Counts struct {
	Created   int
	Updated   int
	Unchanged int
	Errors    int
}

func (c *Counts) add(o store.Outcome) {
	switch o {
	case store.Created:
		c.Created++
	case store.Updated:
		c.Updated++
	default:
		c.Unchanged++
	}
}

// Ingestor is the single write path for gateway data.
type Ingestor struct {
	messages  *store.MessageStore
	conn      ConnectionSink
	media     MediaUploader
	publisher broker.Publisher
	activity  *Activity
}

func New(messages *store.MessageStore, conn ConnectionSink, publisher broker.Publisher) *Ingestor {
	if publisher == nil {
		publisher = broker.Noop{}
	}
	return &Ingestor{messages: messages, conn: conn, publisher: publisher, activity: &Activity{}}
}

// WithMedia enables mirroring of inline media.
func (in *Ingestor) WithMedia(m MediaUploader) *Ingestor {
	in.media = m
	return in
}

func (in *Ingestor) Activity() *Activity {
	return in.activity
}

// Result summarizes what one webhook delivery changed.
type Result struct {
	Type    gateway.EventType
	Ignored bool
	Counts
	Dropped int
}

// Apply processes one webhook delivery. Store failures are returned so the
// delivery is not acknowledged; ordering anomalies are dropped quietly.
func (in *Ingestor) Apply(ctx context.Context, env *gateway.Envelope) (Result, error) {
	res := Result{Type: env.Event.Type()}

	cfg, err := in.conn.Current(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Debug().Str("event", env.Name).Msg("No connection configured, ignoring webhook event")
			res.Ignored = true
			return res, nil
		}
		return res, err
	}
	if env.Instance != "" && env.Instance != cfg.InstanceName {
		log.Debug().Str("event", env.Name).Str("instance", env.Instance).Str("expected", cfg.InstanceName).Msg("Ignoring webhook event for another instance")
		res.Ignored = true
		return res, nil
	}

	switch ev := env.Event.(type) {
	case gateway.MessageUpsert:
		for _, pm := range ev.Messages {
			outcome, err := in.UpsertMessage(ctx, cfg.InstanceName, pm)
			if err != nil {
				return res, err
			}
			res.add(outcome)
		}
	case gateway.MessageStatusUpdate:
		for _, ch := range ev.Changes {
			outcome, err := in.ApplyStatus(ctx, ch)
			if errors.Is(err, store.ErrNotFound) {
				res.Dropped++
				continue
			}
			if err != nil {
				return res, err
			}
			res.add(outcome)
		}
	case gateway.ContactUpdate:
		for _, c := range ev.Contacts {
			outcome, err := in.UpsertContact(ctx, store.ContactInfo{PhoneNumber: c.Phone, PushName: c.PushName, ProfilePictureURL: c.ProfilePictureURL})
			if err != nil {
				return res, err
			}
			res.add(outcome)
		}
	case gateway.ConnectionUpdate:
		if err := in.conn.ApplyGatewayState(ctx, ev.State, ev.Number); err != nil {
			return res, err
		}
	case gateway.QRUpdate:
		if err := in.conn.ApplyQR(ctx, ev.QR); err != nil {
			return res, err
		}
	default:
		res.Ignored = true
		return res, nil
	}

	in.activity.Touch(time.Now())
	return res, nil
}

// UpsertMessage stores one gateway message and the sender's push name.
func (in *Ingestor) UpsertMessage(ctx context.Context, instance string, pm gateway.ParsedMessage) (store.Outcome, error) {
	res, err := in.messages.UpsertMessage(ctx, pm.Message)
	if err != nil {
		if isDuplicateKey(err) {
			log.Debug().Str("externalId", pm.Message.ExternalID).Msg("Duplicate message delivery")
			return store.Unchanged, nil
		}
		return store.Unchanged, err
	}

	if pm.PushName != "" {
		if _, err := in.messages.UpsertContact(ctx, store.ContactInfo{PhoneNumber: pm.Message.ContactRef, PushName: pm.PushName}); err != nil {
			log.Warn().Err(err).Str("phone", pm.Message.ContactRef).Msg("Failed to record push name")
		}
	}

	switch res.Outcome {
	case store.Created:
		if in.media != nil && pm.MediaData != "" && pm.Message.MediaURL == "" {
			in.mirror(ctx, instance, pm)
		}
		in.publisher.Publish(ctx, broker.EventMessageUpserted, pm.Message)
	case store.Updated:
		in.publisher.Publish(ctx, broker.EventMessageStatus, statusEvent(pm.Message.ContactRef, pm.Message.ExternalID, pm.Message.DeliveryStatus))
	default:
		log.Debug().Str("externalId", pm.Message.ExternalID).Str("phone", pm.Message.ContactRef).Msg("Message already up to date")
	}
	return res.Outcome, nil
}

func (in *Ingestor) mirror(ctx context.Context, instance string, pm gateway.ParsedMessage) {
	url, err := in.media.Upload(ctx, instance, pm.Message.ContactRef, pm.Message.ExternalID, pm.MimeType, pm.MediaData)
	if err != nil {
		log.Warn().Err(err).Str("externalId", pm.Message.ExternalID).Msg("Failed to mirror media")
		return
	}
	if err := in.messages.SetMediaURL(ctx, pm.Message.ContactRef, pm.Message.ExternalID, url); err != nil {
		log.Warn().Err(err).Str("externalId", pm.Message.ExternalID).Msg("Failed to record mirrored media url")
	}
}

// ApplyStatus moves a message's status forward. store.ErrNotFound means the
// message has not been ingested yet.
func (in *Ingestor) ApplyStatus(ctx context.Context, ch gateway.StatusChange) (store.Outcome, error) {
	outcome, err := in.messages.ApplyStatus(ctx, ch.Phone, ch.ExternalID, ch.Status)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug().Str("externalId", ch.ExternalID).Str("status", string(ch.Status)).Msg("Status update for unknown message dropped")
		return outcome, err
	}
	if err != nil {
		return outcome, err
	}
	if outcome == store.Updated {
		in.publisher.Publish(ctx, broker.EventMessageStatus, statusEvent(ch.Phone, ch.ExternalID, ch.Status))
	}
	return outcome, nil
}

// UpsertContact records gateway contact metadata.
func (in *Ingestor) UpsertContact(ctx context.Context, info store.ContactInfo) (store.Outcome, error) {
	outcome, err := in.messages.UpsertContact(ctx, info)
	if err != nil {
		if isDuplicateKey(err) {
			return store.Unchanged, nil
		}
		return outcome, err
	}
	if outcome != store.Unchanged {
		in.publisher.Publish(ctx, broker.EventContactUpdated, info)
	}
	return outcome, nil
}

func statusEvent(phone, id string, status models.DeliveryStatus) map[string]string {
	return map[string]string{"phone": phone, "externalId": id, "status": string(status)}
}

// isDuplicateKey reports unique violations from postgres or sqlite.
func isDuplicateKey(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

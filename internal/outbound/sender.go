// Package outbound sends messages through the gateway on behalf of a user.
// A message is stored under a local placeholder id before the gateway is
// called so that it is visible immediately; the gateway id replaces the
// placeholder once the send is acknowledged.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"wasync/internal/broker"
	"wasync/internal/gateway"
	"wasync/internal/models"
	"wasync/internal/store"
)

var (
	ErrNotConnected   = errors.New("instance is not connected")
	ErrInvalidMessage = errors.New("invalid message")
)

type ConfigSource interface {
	Current(ctx context.Context) (*models.ConnectionConfig, error)
}

// MediaRequest is an outbound media send. Media is a URL or base64 content.
type MediaRequest struct {
	Phone     string `json:"phone"`
	MediaType string `json:"mediaType"`
	MimeType  string `json:"mimeType"`
	Caption   string `json:"caption"`
	Media     string `json:"media"`
	FileName  string `json:"fileName"`
}

var mediaTypes = map[string]bool{"image": true, "video": true, "audio": true, "document": true}

type Sender struct {
	conn      ConfigSource
	factory   *gateway.Factory
	messages  *store.MessageStore
	publisher broker.Publisher
}

func New(conn ConfigSource, factory *gateway.Factory, messages *store.MessageStore, publisher broker.Publisher) *Sender {
	if publisher == nil {
		publisher = broker.Noop{}
	}
	return &Sender{conn: conn, factory: factory, messages: messages, publisher: publisher}
}

func (s *Sender) SendText(ctx context.Context, phone, text string) (*models.Message, error) {
	phone, err := gateway.PhoneFromJID(phone)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text is required", ErrInvalidMessage)
	}

	msg := models.Message{ContactRef: phone, Direction: models.DirectionOutbound, Body: text}
	return s.send(ctx, msg, func(c *gateway.Client) (*gateway.SendResult, error) {
		return c.SendText(ctx, phone, text)
	})
}

func (s *Sender) SendMedia(ctx context.Context, req MediaRequest) (*models.Message, error) {
	phone, err := gateway.PhoneFromJID(req.Phone)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	req.MediaType = strings.ToLower(req.MediaType)
	if !mediaTypes[req.MediaType] {
		return nil, fmt.Errorf("%w: unsupported media type %q", ErrInvalidMessage, req.MediaType)
	}
	if req.Media == "" {
		return nil, fmt.Errorf("%w: media is required", ErrInvalidMessage)
	}

	msg := models.Message{
		ContactRef: phone,
		Direction:  models.DirectionOutbound,
		Body:       req.Caption,
		MediaType:  req.MediaType,
	}
	if strings.HasPrefix(req.Media, "http://") || strings.HasPrefix(req.Media, "https://") {
		msg.MediaURL = req.Media
	}
	return s.send(ctx, msg, func(c *gateway.Client) (*gateway.SendResult, error) {
		return c.SendMedia(ctx, gateway.MediaMessage{
			Number:    phone,
			MediaType: req.MediaType,
			MimeType:  req.MimeType,
			Caption:   req.Caption,
			Media:     req.Media,
			FileName:  req.FileName,
		})
	})
}

func (s *Sender) send(ctx context.Context, msg models.Message, call func(*gateway.Client) (*gateway.SendResult, error)) (*models.Message, error) {
	cfg, err := s.conn.Current(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.Status != models.StatusConnected {
		return nil, ErrNotConnected
	}
	client, err := s.factory.Interactive(cfg)
	if err != nil {
		return nil, err
	}

	placeholder := models.PlaceholderPrefix + uuid.NewString()
	msg.ExternalID = placeholder
	msg.Timestamp = time.Now()
	msg.DeliveryStatus = models.DeliverySent
	if _, err := s.messages.UpsertMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to store outbound message: %w", err)
	}

	res, err := call(client)
	if err != nil {
		// The request context may be gone already; the failure must still be recorded.
		fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, serr := s.messages.ApplyStatus(fctx, msg.ContactRef, placeholder, models.DeliveryFailed); serr != nil {
			log.Error().Err(serr).Str("externalId", placeholder).Msg("Failed to mark outbound message as failed")
		}
		log.Warn().Err(err).Str("phone", msg.ContactRef).Msg("Gateway send failed")
		failed, _ := s.messages.GetMessage(fctx, msg.ContactRef, placeholder)
		return failed, fmt.Errorf("send failed: %w", err)
	}

	id := placeholder
	if res.Key.ID == "" {
		log.Warn().Str("phone", msg.ContactRef).Msg("Gateway acknowledged a send without a message id")
	} else {
		status, ok := gateway.ParseStatus(res.Status)
		if !ok {
			status = models.DeliveryServerAck
		}
		if err := s.messages.SupersedePlaceholder(ctx, msg.ContactRef, placeholder, res.Key.ID, status); err != nil {
			return nil, fmt.Errorf("failed to record gateway id: %w", err)
		}
		id = res.Key.ID
	}

	sent, err := s.messages.GetMessage(ctx, msg.ContactRef, id)
	if err != nil {
		return nil, err
	}
	log.Info().Str("phone", sent.ContactRef).Str("externalId", sent.ExternalID).Msg("Message sent")
	s.publisher.Publish(ctx, broker.EventMessageUpserted, sent)
	return sent, nil
}

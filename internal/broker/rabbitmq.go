package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// Event names published for consumers of the sync state.
const (
	EventMessageUpserted   = "message.upserted"
	EventMessageStatus     = "message.status"
	EventContactUpdated    = "contact.updated"
	EventConnectionChanged = "connection.changed"
	EventJobProgress       = "job.progress"
)

// Publisher delivers state change notifications. Publishing is best effort:
// failures are logged, never returned to the caller.
type Publisher interface {
	Publish(ctx context.Context, event string, data interface{})
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, string, interface{}) {}

type envelope struct {
	Event     string      `json:"event"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Rabbit publishes each event to a durable queue named <prefix>_<event>.
type Rabbit struct {
	conn     *amqp091.Connection
	mu       sync.Mutex
	channel  *amqp091.Channel
	prefix   string
	declared map[string]bool
}

// Dial connects to RabbitMQ.
func Dial(url, prefix string) (*Rabbit, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not open RabbitMQ channel: %w", err)
	}
	if prefix == "" {
		prefix = "wasync"
	}
	log.Info().Str("prefix", prefix).Msg("RabbitMQ connection established.")
	return &Rabbit{conn: conn, channel: ch, prefix: prefix, declared: map[string]bool{}}, nil
}

// QueueName returns the queue an event is routed to.
func QueueName(prefix, event string) string {
	return prefix + "_" + strings.ReplaceAll(strings.ToLower(event), ".", "_")
}

func (r *Rabbit) Publish(ctx context.Context, event string, data interface{}) {
	body, err := json.Marshal(envelope{Event: event, Data: data, Timestamp: time.Now().UTC()})
	if err != nil {
		log.Error().Err(err).Str("eventType", event).Msg("Failed to marshal payload for RabbitMQ")
		return
	}
	queue := QueueName(r.prefix, event)

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.declared[queue] {
		// Declare queue (idempotent)
		if _, err := r.channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			log.Error().Err(err).Str("queue", queue).Msg("Could not declare RabbitMQ queue")
			return
		}
		r.declared[queue] = true
	}

	err = r.channel.PublishWithContext(ctx, "", queue, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Body:         body,
	})
	if err != nil {
		log.Error().Err(err).Str("eventType", event).Str("queue", queue).Msg("Failed to publish to RabbitMQ")
		return
	}
	log.Debug().Str("eventType", event).Str("queue", queue).Msg("Published message to RabbitMQ")
}

func (r *Rabbit) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.channel.Close(); err != nil {
		log.Warn().Err(err).Msg("Error closing RabbitMQ channel")
	}
	return r.conn.Close()
}

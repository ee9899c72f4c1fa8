// Package events publishes domain events to RabbitMQ. Publishing is best
// effort: callers log failures and carry on.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	DocumentUploaded   = "document.uploaded"
	DocumentProcessed  = "document.processed"
	DocumentFailed     = "document.failed"
	InvitationCreated  = "invitation.created"
	InvitationAccepted = "invitation.accepted"
)

// DefaultExchange is a durable topic exchange; the routing key is the event type.
const DefaultExchange = "meddocs.events"

type Event struct {
	ID             string      `json:"id"`
	Type           string      `json:"type"`
	OrganizationID uuid.UUID   `json:"organization_id"`
	OccurredAt     time.Time   `json:"occurred_at"`
	Data           interface{} `json:"data,omitempty"`
}

func New(eventType string, orgID uuid.UUID, data interface{}) Event {
	return Event{
		ID:             uuid.New().String(),
		Type:           eventType,
		OrganizationID: orgID,
		OccurredAt:     time.Now().UTC(),
		Data:           data,
	}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// AMQPPublisher holds one connection and channel, redialing when the broker
// closes them.
type AMQPPublisher struct {
	url      string
	exchange string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   channel
	dial func() (*amqp.Connection, channel, error)
}

func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	p := &AMQPPublisher{url: url, exchange: exchange}
	p.dial = p.connect
	if err := p.ensure(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) connect() (*amqp.Connection, channel, error) {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("rabbitmq exchange declare: %w", err)
	}
	return conn, ch, nil
}

// ensure must be called with mu held or before the publisher is shared.
func (p *AMQPPublisher) ensure() error {
	if p.ch != nil && !p.ch.IsClosed() {
		return nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	conn, ch, err := p.dial()
	if err != nil {
		return err
	}
	p.conn, p.ch = conn, ch
	return nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensure(); err != nil {
		return err
	}
	return p.ch.PublishWithContext(ctx, p.exchange, e.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Timestamp:    e.OccurredAt,
		Type:         e.Type,
		Body:         body,
	})
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	p.ch, p.conn = nil, nil
	return errors.Join(errs...)
}

// Recorder receives one call per publish attempt. metrics.Metrics satisfies it.
type Recorder interface {
	EventPublished(eventType string, err error)
}

// Emitter wraps a Publisher so callers never see publish errors.
type Emitter struct {
	publisher Publisher
	recorder  Recorder
	logger    zerolog.Logger
	timeout   time.Duration
}

func NewEmitter(p Publisher, rec Recorder, logger zerolog.Logger) *Emitter {
	if p == nil {
		p = NopPublisher{}
	}
	return &Emitter{publisher: p, recorder: rec, logger: logger, timeout: 5 * time.Second}
}

func (em *Emitter) Emit(ctx context.Context, eventType string, orgID uuid.UUID, data interface{}) {
	if em == nil {
		return
	}
	e := New(eventType, orgID, data)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), em.timeout)
	defer cancel()

	err := em.publisher.Publish(ctx, e)
	if em.recorder != nil {
		em.recorder.EventPublished(eventType, err)
	}
	if err != nil {
		em.logger.Warn().Err(err).Str("event_type", eventType).Str("event_id", e.ID).Msg("failed to publish event")
	}
}

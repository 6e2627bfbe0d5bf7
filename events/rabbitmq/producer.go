/*
Package rabbitmq publishes billing events to a RabbitMQ topic exchange.

PURPOSE:
  Billing state changes (approval requested, billed, paid, refunded...) are
  announced on the "billing_events" exchange with the event type as routing
  key. Email and chat notifiers subscribe outside this service.

FALLBACK:
  When AMQP_URL is empty or the broker is unreachable at startup, the
  server uses Fallback, which logs and drops events. Publishing is never
  allowed to fail a billing operation.
*/
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/warp/lesson-engine/billing"
)

// Exchange receives every billing event.
const Exchange = "billing_events"

const dialTimeout = 10 * time.Second

// Producer owns one connection and channel.
type Producer struct {
	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
	logger  *slog.Logger
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewProducer dials the broker and declares the exchange.
func NewProducer(amqpURL string, logger *slog.Logger) (*Producer, error) {
	clean, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp091.DialConfig(clean, amqp091.Config{Dial: amqp091.DefaultDial(dialTimeout)})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declare(ch); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &Producer{conn: conn, channel: ch, logger: logger}, nil
}

func declare(ch *amqp091.Channel) error {
	return ch.ExchangeDeclare(
		Exchange,
		"topic",
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	)
}

// PublishBillingEvent implements billing.Publisher. A failed publish
// reopens the channel once and retries.
func (p *Producer) PublishBillingEvent(ctx context.Context, e billing.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode billing event: %w", err)
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    e.OccurredAt,
		MessageId:    e.ScheduleID + ":" + string(e.Type),
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx, Exchange, string(e.Type), false, false, msg)
	if err == nil {
		return nil
	}

	p.logger.Warn("publish failed; reopening channel", "exchange", Exchange, "routing_key", e.Type, "error", err)
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return errors.Join(err, chErr)
	}
	p.channel = ch
	if err := declare(ch); err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx, Exchange, string(e.Type), false, false, msg)
}

func (p *Producer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// =============================================================================
// FALLBACK
// =============================================================================

// Fallback logs and drops events when no broker is available.
type Fallback struct {
	Logger *slog.Logger
}

func (f Fallback) PublishBillingEvent(_ context.Context, e billing.Event) error {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("billing event publish skipped", "mode", "fallback", "type", e.Type, "schedule_id", e.ScheduleID)
	return nil
}

func (Fallback) Close() {}

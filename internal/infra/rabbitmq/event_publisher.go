package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"contractor-dispatch/internal/domain"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultExchange = "dispatch.events"
	contentTypeJSON = "application/json"
)

var ErrPublisherClosed = errors.New("event publisher is closed")

// Config holds the broker connection and exchange settings.
type Config struct {
	URL            string
	Exchange       string
	RetryAttempts  int
	RetryInterval  time.Duration
	Heartbeat      time.Duration
	PublishTimeout time.Duration
}

// channel is the subset of *amqp.Channel the publisher needs.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type eventPublisher struct {
	cfg     Config
	conn    *amqp.Connection
	channel channel
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewEventPublisher dials the broker, retrying RetryAttempts times, and declares a
// durable topic exchange. Events are routed by their type.
func NewEventPublisher(cfg Config, logger *slog.Logger) (domain.EventPublisher, error) {
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	logger = logger.With("component", "rabbitmq-publisher")

	var conn *amqp.Connection
	var err error
	for attempt := 1; attempt <= cfg.RetryAttempts; attempt++ {
		logger.Info("connecting to rabbitmq", "attempt", attempt, "max_attempts", cfg.RetryAttempts)
		conn, err = amqp.DialConfig(cfg.URL, amqp.Config{Heartbeat: cfg.Heartbeat, Locale: "en_US"})
		if err == nil {
			break
		}
		logger.Error("failed to connect to rabbitmq", "attempt", attempt, "error", err)
		if attempt < cfg.RetryAttempts {
			time.Sleep(cfg.RetryInterval)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq after %d attempts: %w", cfg.RetryAttempts, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
	}

	logger.Info("rabbitmq event publisher ready", "exchange", cfg.Exchange)
	return newEventPublisher(cfg, conn, ch, logger), nil
}

func newEventPublisher(cfg Config, conn *amqp.Connection, ch channel, logger *slog.Logger) *eventPublisher {
	return &eventPublisher{
		cfg:     cfg,
		conn:    conn,
		channel: ch,
		logger:  logger,
	}
}

// Publish sends evt as persistent JSON with routing key "dispatch.<type>".
func (p *eventPublisher) Publish(ctx context.Context, evt domain.DispatchEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPublisherClosed
	}

	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", evt.Type, err)
	}

	if p.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.PublishTimeout)
		defer cancel()
	}

	key := RoutingKey(evt.Type)
	err = p.channel.PublishWithContext(ctx, p.cfg.Exchange, key, false, false, amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    evt.AssignmentID,
		Timestamp:    evt.OccurredAt,
		Type:         string(evt.Type),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", key, err)
	}
	p.logger.Debug("event published", "routing_key", key, "job_id", evt.JobID, "body_size", len(body))
	return nil
}

func (p *eventPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.logger.Error("failed to close rabbitmq channel", "error", err)
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			return fmt.Errorf("failed to close rabbitmq connection: %w", err)
		}
	}
	p.logger.Info("rabbitmq connection closed")
	return nil
}

// RoutingKey is the topic key an event type is published under.
func RoutingKey(t domain.EventType) string {
	return "dispatch." + string(t)
}

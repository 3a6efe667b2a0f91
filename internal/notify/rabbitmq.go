package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitConfig holds RabbitMQ connection settings.
type RabbitConfig struct {
	URL           string        `yaml:"url"`
	Exchange      string        `yaml:"exchange"`
	RetryAttempts int           `yaml:"retry_attempts" validate:"min=0"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// ErrNotConnected is returned when publishing on a closed connection.
var ErrNotConnected = errors.New("not connected to RabbitMQ")

// RabbitPublisher publishes notifications to a durable topic exchange as
// persistent JSON messages.
type RabbitPublisher struct {
	cfg RabbitConfig
	log *slog.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool
}

// NewRabbitPublisher dials the broker (with retries) and declares the exchange.
func NewRabbitPublisher(cfg RabbitConfig, logger *slog.Logger) (*RabbitPublisher, error) {
	if cfg.Exchange == "" {
		cfg.Exchange = "forge.jobs"
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &RabbitPublisher{cfg: cfg, log: logger.With("component", "notify", "exchange", cfg.Exchange)}
	if err := p.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ publisher: %w", err)
	}
	return p, nil
}

func (p *RabbitPublisher) connect() error {
	var err error
	for attempt := 1; attempt <= p.cfg.RetryAttempts; attempt++ {
		p.log.Info("Connecting to RabbitMQ", "attempt", attempt, "max_attempts", p.cfg.RetryAttempts)

		p.conn, err = amqp.DialConfig(p.cfg.URL, amqp.Config{Heartbeat: p.cfg.Heartbeat, Locale: "en_US"})
		if err == nil {
			break
		}
		p.log.Error("Failed to connect to RabbitMQ", "attempt", attempt, "error", err)
		if attempt < p.cfg.RetryAttempts {
			time.Sleep(p.cfg.RetryInterval)
		}
	}
	if err != nil {
		return fmt.Errorf("connect after %d attempts: %w", p.cfg.RetryAttempts, err)
	}

	p.channel, err = p.conn.Channel()
	if err != nil {
		p.conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	err = p.channel.ExchangeDeclare(
		p.cfg.Exchange, // name
		"topic",        // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		p.channel.Close()
		p.conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}

	p.connected = true
	p.log.Info("RabbitMQ publisher initialized")
	return nil
}

// Publish sends msg under its routing key.
func (p *RabbitPublisher) Publish(ctx context.Context, msg Message) error {
	body, err := msg.encode()
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected || p.conn.IsClosed() {
		return ErrNotConnected
	}

	err = p.channel.PublishWithContext(
		ctx,
		p.cfg.Exchange,   // exchange
		msg.RoutingKey(), // routing key
		false,            // mandatory
		false,            // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			MessageId:    string(msg.JobID) + "." + msg.Event,
			Timestamp:    msg.At,
		},
	)
	if err != nil {
		p.log.Error("Failed to publish notification", "jobID", msg.JobID, "error", err)
		return fmt.Errorf("publish notification: %w", err)
	}
	p.log.Debug("Notification published", "routing_key", msg.RoutingKey(), "body_size", len(body))
	return nil
}

// Close closes the channel and the connection.
func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil
	}
	p.connected = false

	if err := p.channel.Close(); err != nil {
		p.log.Error("Failed to close RabbitMQ channel", "error", err)
	}
	if err := p.conn.Close(); err != nil {
		return fmt.Errorf("close RabbitMQ connection: %w", err)
	}
	p.log.Info("RabbitMQ connection closed")
	return nil
}

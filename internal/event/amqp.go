package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Exchange is the topic exchange session events are published to.
const Exchange = "exstem.session.events"

// AMQPPublisher publishes events to a RabbitMQ topic exchange. An empty URL
// yields a disabled publisher that only logs.
type AMQPPublisher struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	enabled bool
	log     zerolog.Logger
}

// NewAMQPPublisher connects and declares the exchange.
func NewAMQPPublisher(url string, log zerolog.Logger) (*AMQPPublisher, error) {
	log = log.With().Str("component", "event_publisher").Logger()

	if url == "" {
		log.Warn().Msg("AMQP_URL is empty, event publishing is disabled")
		return &AMQPPublisher{log: log}, nil
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := channel.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	log.Info().Str("exchange", Exchange).Msg("Event publisher initialized")
	return &AMQPPublisher{conn: conn, channel: channel, enabled: true, log: log}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, e *Event) error {
	if !p.enabled {
		p.log.Debug().Str("type", string(e.Type)).Msg("Event publishing disabled, skipping")
		return nil
	}

	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx, Exchange, string(e.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.OccurredAt,
		Body:         body,
		Headers: amqp.Table{
			"event_type": string(e.Type),
			"test_id":    e.TestID.String(),
			"user_id":    e.UserID,
		},
	})
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	if !p.enabled {
		return nil
	}
	if err := p.channel.Close(); err != nil {
		p.log.Warn().Err(err).Msg("Error closing AMQP channel")
	}
	return p.conn.Close()
}

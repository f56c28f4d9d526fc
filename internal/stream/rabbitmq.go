package stream

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "XCMFlow/internal/errors"
)

// RabbitMQConfig describes the broker connection.
type RabbitMQConfig struct {
	URL      string
	Exchange string
	Durable  bool
}

// RabbitMQ publishes envelopes to a topic exchange. Routing keys follow
// event.<chain>, tx.<status> and metrics.snapshot.
type RabbitMQ struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewRabbitMQ connects and declares the topic exchange.
func NewRabbitMQ(cfg RabbitMQConfig) (*RabbitMQ, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, xerrors.New(xerrors.CodeInitFailure, "rabbitmq url is required")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "xcmflow.stream"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStreamFailure, err, "connect rabbitmq")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeStreamFailure, err, "open rabbitmq channel")
	}
	if err := ch.ExchangeDeclare(exchange, "topic", cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeStreamFailure, err, "declare exchange")
	}
	return &RabbitMQ{conn: conn, ch: ch, exchange: exchange}, nil
}

func (r *RabbitMQ) Publish(ctx context.Context, routingKey string, payload any) error {
	if r == nil || r.ch == nil {
		return xerrors.New(xerrors.CodeInitFailure, "rabbitmq publisher not initialized")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStreamFailure, err, "encode payload")
	}
	envelope := Envelope{
		Kind:       kindOf(routingKey),
		RoutingKey: routingKey,
		Payload:    raw,
		EmittedAt:  time.Now(),
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStreamFailure, err, "encode envelope")
	}
	err = r.ch.PublishWithContext(ctx, r.exchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   envelope.EmittedAt,
		Body:        body,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStreamFailure, err, "publish",
			xerrors.WithMetadata("routing_key", routingKey))
	}
	return nil
}

func (r *RabbitMQ) Close() error {
	if r == nil {
		return nil
	}
	if r.ch != nil {
		_ = r.ch.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

func kindOf(routingKey string) string {
	if idx := strings.IndexRune(routingKey, '.'); idx > 0 {
		return routingKey[:idx]
	}
	return routingKey
}

var _ Publisher = (*RabbitMQ)(nil)

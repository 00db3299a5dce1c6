package events

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQEmitterConfig describes the topic exchange an emitter publishes
// to.
type RabbitMQEmitterConfig struct {
	URL      string
	Exchange string
	Durable  bool
}

// RabbitMQEmitter publishes market events to a RabbitMQ topic exchange,
// grounded on the teacher's RabbitMQ task-queue client usage but repurposed
// from a single-queue work-consumer into an exchange-based fan-out
// publisher, since multiple independent consumers (indexer, alerting)
// each need their own copy of every event.
type RabbitMQEmitter struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewRabbitMQEmitter dials RabbitMQ and declares the topic exchange used for
// event fan-out (default "market.events").
func NewRabbitMQEmitter(cfg RabbitMQEmitterConfig) (*RabbitMQEmitter, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url cannot be empty")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "market.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &RabbitMQEmitter{conn: conn, ch: ch, exchange: exchange}, nil
}

// Emit implements Emitter, publishing with the event name as routing key so
// consumers can bind to a subset of the event surface.
func (e *RabbitMQEmitter) Emit(ctx context.Context, event Event) error {
	payload, err := Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return e.ch.PublishWithContext(ctx, e.exchange, event.Name, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        payload,
	})
}

// Close releases the RabbitMQ channel and connection.
func (e *RabbitMQEmitter) Close() error {
	if e == nil {
		return nil
	}
	if e.ch != nil {
		_ = e.ch.Close()
	}
	if e.conn != nil {
		return e.conn.Close()
	}
	return nil
}

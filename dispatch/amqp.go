/*
amqp.go - RabbitMQ notification publisher

PURPOSE:
  Publishes notification requests to a topic exchange so the notification
  service (push, SMS) can consume them out-of-process. Routing key is the
  notice kind (rent_reminder, auto_termination, booking_confirmed, ...) so
  consumers can bind selectively.
*/
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPNotifier publishes notices to a durable topic exchange.
type AMQPNotifier struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func NewAMQPNotifier(url, exchange string) (*AMQPNotifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPNotifier{conn: conn, ch: ch, exchange: exchange}, nil
}

type noticeEnvelope struct {
	UserID  string            `json:"userId"`
	Kind    string            `json:"kind"`
	Payload map[string]string `json:"payload"`
}

func (n *AMQPNotifier) Enqueue(ctx context.Context, userID, kind string, payload map[string]string) error {
	body, err := json.Marshal(noticeEnvelope{UserID: userID, Kind: kind, Payload: payload})
	if err != nil {
		return err
	}
	return n.ch.PublishWithContext(ctx, n.exchange, kind, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

func (n *AMQPNotifier) Close() error {
	if n.ch != nil {
		_ = n.ch.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}

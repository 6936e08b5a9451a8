package services

import (
	"strconv"
	"time"

	"github.com/streadway/amqp"
)

// Publisher publishes messages to RabbitMQ. It opens a short-lived channel
// per publish, which keeps it safe for concurrent use from in-flight
// handlers sharing one connection.
type Publisher struct {
	conn *amqp.Connection
}

// NewPublisher creates a new Publisher.
func NewPublisher(conn *amqp.Connection) *Publisher {
	return &Publisher{conn: conn}
}

// Publish publishes a message body to the given exchange and routing key.
func (p *Publisher) Publish(exchange, routingKey string, body []byte) error {
	return p.publish(exchange, routingKey, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

// PublishExpiring publishes a message with a per-message TTL. Once the TTL
// elapses the message follows the queue's dead-letter configuration, which
// the delay queues use to route it back onto its work queue.
func (p *Publisher) PublishExpiring(exchange, routingKey string, body []byte, ttl time.Duration) error {
	return p.publish(exchange, routingKey, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Expiration:  strconv.FormatInt(ttl.Milliseconds(), 10),
	})
}

func (p *Publisher) publish(exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	return ch.Publish(
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		msg,
	)
}

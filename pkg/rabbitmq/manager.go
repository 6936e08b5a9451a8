package rabbitmq

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/streadway/amqp"
)

// Manager maintains a single AMQP connection shared by consumers and
// publishers, and helps declare topology.
type Manager struct {
	url    string
	conn   *amqp.Connection
	logger *slog.Logger
	mu     sync.RWMutex
}

func NewManager(url string, logger *slog.Logger) (*Manager, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &Manager{
		url:    url,
		conn:   conn,
		logger: logger,
	}, nil
}

func (m *Manager) Connection() *amqp.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

// ConsumerChannel opens a channel with the prefetch sized to the number of
// in-flight handlers the caller intends to run.
func (m *Manager) ConsumerChannel(prefetch int) (*amqp.Channel, error) {
	ch, err := m.Connection().Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return ch, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn = nil
	return err
}

// RetryQueueName returns the delay queue backing a routing key's work queue.
func RetryQueueName(routingKey string) string {
	return routingKey + ".retry.queue"
}

// DeclareNotificationTopology ensures exchange/queues exist before consuming.
// Each work queue gets a companion delay queue whose dead-letter configuration
// routes expired messages back onto the work queue; retried messages are
// parked there with the backoff as their per-message TTL instead of being
// held unacked on the consumer.
func (m *Manager) DeclareNotificationTopology(exchange string, routing map[string]string, dlq string) error {
	ch, err := m.Connection().Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(
		exchange,
		"direct",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	if dlq != "" {
		if _, err := ch.QueueDeclare(
			dlq,
			true,
			false,
			false,
			false,
			nil,
		); err != nil {
			return fmt.Errorf("declare dlq: %w", err)
		}
	}

	for queue, key := range routing {
		args := amqp.Table{}
		if dlq != "" {
			args["x-dead-letter-exchange"] = ""
			args["x-dead-letter-routing-key"] = dlq
		}

		if _, err := ch.QueueDeclare(
			queue,
			true,
			false,
			false,
			false,
			args,
		); err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}

		if err := ch.QueueBind(
			queue,
			key,
			exchange,
			false,
			nil,
		); err != nil {
			return fmt.Errorf("bind queue %s: %w", queue, err)
		}

		if _, err := ch.QueueDeclare(
			RetryQueueName(key),
			true,
			false,
			false,
			false,
			amqp.Table{
				"x-dead-letter-exchange":    exchange,
				"x-dead-letter-routing-key": key,
			},
		); err != nil {
			return fmt.Errorf("declare retry queue for %s: %w", queue, err)
		}
	}

	return nil
}

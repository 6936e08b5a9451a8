// Package dispatch runs the notification pipeline: it consumes a channel's
// work queue and, per message, resolves content, delivers it, reports the
// outcome, and acknowledges. Failures go through a per-notification retry
// policy with exponential backoff and eventual dead-lettering.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/debaycisse/notification-dispatch/internal/channel"
	"github.com/debaycisse/notification-dispatch/internal/models"
	"github.com/debaycisse/notification-dispatch/pkg/metrics"
)

// ContentResolver produces deliverable content for a notification.
type ContentResolver interface {
	Resolve(ctx context.Context, n models.Notification) (models.RenderedContent, error)
}

// Reporter emits terminal outcomes. Implementations are best-effort and must
// never fail the pipeline.
type Reporter interface {
	Sent(notificationID string)
	Failed(notificationID string)
	DeadLetter(notificationID string, payload []byte)
}

// Requeuer parks a raw payload on a delay queue for later redelivery. The
// TTL is carried as the message expiration, so the broker releases it back
// to the work queue once the backoff has elapsed.
type Requeuer interface {
	PublishExpiring(exchange, routingKey string, body []byte, ttl time.Duration) error
}

// AttemptRecorder persists an audit trail of attempt outcomes.
type AttemptRecorder interface {
	Record(notificationID, channel string, attempt int, outcome, detail string) error
}

// Config wires a Dispatcher to one channel's queue.
type Config struct {
	Queue      string // e.g. "email.queue"
	RetryQueue string // e.g. "email.retry.queue"
	Workers    int
}

// Dispatcher owns the subscription to one channel-specific work queue.
type Dispatcher struct {
	cfg      Config
	channel  channel.Channel
	resolver ContentResolver
	reporter Reporter
	requeue  Requeuer
	retries  *RetryPolicy
	attempts AttemptRecorder // optional
	metrics  *metrics.Collector
	logger   *slog.Logger

	wg sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. attempts may be nil to disable the
// audit trail.
func NewDispatcher(
	cfg Config,
	ch channel.Channel,
	resolver ContentResolver,
	reporter Reporter,
	requeue Requeuer,
	retries *RetryPolicy,
	attempts AttemptRecorder,
	collector *metrics.Collector,
	logger *slog.Logger,
) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	return &Dispatcher{
		cfg:      cfg,
		channel:  ch,
		resolver: resolver,
		reporter: reporter,
		requeue:  requeue,
		retries:  retries,
		attempts: attempts,
		metrics:  collector,
		logger:   logger.With(slog.String("queue", cfg.Queue)),
	}
}

// Start subscribes to the work queue and processes deliveries on a worker
// pool until the context is canceled or the broker channel closes. In-flight
// handlers finish their current attempt before Start returns.
func (d *Dispatcher) Start(ctx context.Context, amqpCh *amqp.Channel) error {
	deliveries, err := amqpCh.Consume(
		d.cfg.Queue,
		"", // consumer tag
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", d.cfg.Queue, err)
	}

	d.logger.Info("dispatcher started", slog.Int("workers", d.cfg.Workers))

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, deliveries)
	}

	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
	return nil
}

func (d *Dispatcher) worker(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			d.handle(ctx, delivery)
		}
	}
}

// handle runs one message through the pipeline: decode, resolve content,
// deliver, report, acknowledge.
func (d *Dispatcher) handle(ctx context.Context, delivery amqp.Delivery) {
	d.metrics.IncConsumed()

	n, err := models.Decode(delivery.Body)
	if err != nil {
		// Poison message: it can never succeed, so acknowledge and drop.
		d.metrics.IncMalformed()
		d.logger.Warn("dropping malformed message", slog.Any("error", err))
		d.ack(delivery)
		return
	}

	logger := d.logger.With(slog.String("notification_id", n.ID()))

	content, err := d.resolver.Resolve(ctx, n)
	var receipt string
	if err == nil {
		receipt, err = d.channel.Send(ctx, content, n)
	}

	if err == nil {
		attempt := d.retries.Clear(n.ID()) + 1
		d.record(n.ID(), attempt, "sent", receipt)
		d.reporter.Sent(n.ID())
		d.ack(delivery)
		d.metrics.IncDelivered()
		logger.Info("notification delivered",
			slog.Int("attempt", attempt),
			slog.String("provider_message_id", receipt),
		)
		return
	}

	if errors.Is(err, channel.ErrProviderRejected) {
		// Permanent validation failure: no retry budget is consumed.
		logger.Warn("provider rejected notification", slog.Any("error", err))
		d.deadLetter(n, delivery, d.retries.Clear(n.ID())+1, "rejected", err)
		return
	}

	decision := d.retries.OnFailure(n.ID())
	if decision.DeadLetter {
		logger.Error("retries exhausted",
			slog.Int("attempts", decision.Attempt),
			slog.Any("error", err),
		)
		d.deadLetter(n, delivery, decision.Attempt, "dead_lettered", err)
		return
	}

	d.metrics.IncRetried()
	d.record(n.ID(), decision.Attempt, "retried", err.Error())
	logger.Warn("delivery failed, scheduling retry",
		slog.Int("attempt", decision.Attempt),
		slog.Duration("delay", decision.Delay),
		slog.Any("error", err),
	)
	d.redeliverLater(delivery, decision.Delay, logger)
}

// redeliverLater parks the payload on the channel's delay queue with the
// backoff as its per-message TTL, then acknowledges the original. The ack
// happens before the backoff elapses, so a message waiting out its backoff
// never holds a unit of the consumer's prefetch window and other queued
// messages keep flowing. On expiry the delay queue dead-letters the payload
// back to the work queue, so redelivery never happens before the backoff
// has elapsed.
func (d *Dispatcher) redeliverLater(delivery amqp.Delivery, delay time.Duration, logger *slog.Logger) {
	if err := d.requeue.PublishExpiring("", d.cfg.RetryQueue, delivery.Body, delay); err != nil {
		logger.Error("failed to park message for retry, releasing for broker redelivery", slog.Any("error", err))
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			logger.Error("failed to nack message", slog.Any("error", nackErr))
		}
		return
	}
	d.ack(delivery)
}

// deadLetter publishes the terminal failed status, emits the payload to the
// dead-letter queue, and acknowledges the message off the live queue.
func (d *Dispatcher) deadLetter(n models.Notification, delivery amqp.Delivery, attempt int, outcome string, cause error) {
	d.reporter.Failed(n.ID())
	d.reporter.DeadLetter(n.ID(), delivery.Body)
	d.record(n.ID(), attempt, outcome, cause.Error())
	d.ack(delivery)
	d.metrics.IncDeadLettered()
}

func (d *Dispatcher) record(notificationID string, attempt int, outcome, detail string) {
	if d.attempts == nil {
		return
	}
	if err := d.attempts.Record(notificationID, string(d.channel.Name()), attempt, outcome, detail); err != nil {
		d.logger.Warn("failed to record delivery attempt",
			slog.String("notification_id", notificationID),
			slog.Any("error", err),
		)
	}
}

func (d *Dispatcher) ack(delivery amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		d.logger.Error("failed to ack message", slog.Any("error", err))
	}
}

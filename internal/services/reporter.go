package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/debaycisse/notification-dispatch/internal/models"
	"github.com/debaycisse/notification-dispatch/internal/repository"
)

const (
	statusExchange  = "notifications.direct"
	sentRoutingKey  = "update"
	failRoutingKey  = "failed"
	deadLetterQueue = "failed.queue"

	statusGuardTTL = 24 * time.Hour
)

// AMQPPublisher is the publishing behavior the reporter needs.
type AMQPPublisher interface {
	Publish(exchange, routingKey string, body []byte) error
}

// StatusReporter emits delivery outcome events to the status topic and
// routes exhausted payloads to the dead-letter queue. All emissions are
// best-effort: failures are logged, never propagated into the pipeline.
type StatusReporter struct {
	publisher AMQPPublisher
	guard     *repository.RedisRepository
	logger    *slog.Logger
}

// NewStatusReporter creates a new StatusReporter. guard may be nil, in which
// case duplicate terminal statuses for a notification are not suppressed.
func NewStatusReporter(publisher AMQPPublisher, guard *repository.RedisRepository, logger *slog.Logger) *StatusReporter {
	return &StatusReporter{
		publisher: publisher,
		guard:     guard,
		logger:    logger,
	}
}

// Sent publishes a terminal "sent" status for the notification.
func (r *StatusReporter) Sent(notificationID string) {
	r.publishStatus(notificationID, models.StatusSent, sentRoutingKey)
}

// Failed publishes a terminal "failed" status for the notification.
func (r *StatusReporter) Failed(notificationID string) {
	r.publishStatus(notificationID, models.StatusFailed, failRoutingKey)
}

// DeadLetter emits the original payload to the dead-letter queue for
// external reprocessing.
func (r *StatusReporter) DeadLetter(notificationID string, payload []byte) {
	if err := r.publisher.Publish("", deadLetterQueue, payload); err != nil {
		r.logger.Error("failed to publish dead letter",
			slog.String("notification_id", notificationID),
			slog.Any("error", err),
		)
	}
}

func (r *StatusReporter) publishStatus(notificationID string, status models.DeliveryStatus, routingKey string) {
	// At-least-once redelivery can reach a terminal outcome twice; a SetNX
	// guard keeps the status topic to one event per notification where the
	// guard store is reachable.
	first, err := r.guard.SetOnce(context.Background(), "status:"+notificationID, string(status), statusGuardTTL)
	if err != nil {
		r.logger.Warn("status guard unavailable, publishing anyway",
			slog.String("notification_id", notificationID),
			slog.Any("error", err),
		)
		first = true
	}
	if !first {
		r.logger.Debug("terminal status already published",
			slog.String("notification_id", notificationID),
			slog.String("status", string(status)),
		)
		return
	}

	body, err := json.Marshal(models.StatusUpdate{
		NotificationID: notificationID,
		Status:         status,
	})
	if err != nil {
		r.logger.Error("failed to marshal status update", slog.Any("error", err))
		return
	}

	if err := r.publisher.Publish(statusExchange, routingKey, body); err != nil {
		r.logger.Error("failed to publish status update",
			slog.String("notification_id", notificationID),
			slog.String("status", string(status)),
			slog.Any("error", err),
		)
	}
}

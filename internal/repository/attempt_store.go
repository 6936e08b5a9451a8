package repository

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DeliveryAttempt records a single delivery attempt for a notification.
type DeliveryAttempt struct {
	ID             string `gorm:"primaryKey"`
	NotificationID string `gorm:"index;not null"`
	Channel        string `gorm:"not null"`
	Attempt        int    `gorm:"not null"`
	Outcome        string `gorm:"not null"` // sent, retried, dead_lettered, rejected
	Detail         string `gorm:"type:text"`
	CreatedAt      time.Time
}

// AttemptStore persists the delivery-attempt audit trail.
type AttemptStore struct {
	db *gorm.DB
}

// NewAttemptStore creates a new AttemptStore.
func NewAttemptStore(db *gorm.DB) *AttemptStore {
	// Auto-migrate the schema
	db.AutoMigrate(&DeliveryAttempt{})
	return &AttemptStore{db: db}
}

// Record appends an attempt outcome for a notification.
func (s *AttemptStore) Record(notificationID, channel string, attempt int, outcome, detail string) error {
	return s.db.Create(&DeliveryAttempt{
		ID:             uuid.NewString(),
		NotificationID: notificationID,
		Channel:        channel,
		Attempt:        attempt,
		Outcome:        outcome,
		Detail:         detail,
	}).Error
}

// History returns the recorded attempts for a notification, oldest first.
func (s *AttemptStore) History(notificationID string) ([]DeliveryAttempt, error) {
	var attempts []DeliveryAttempt
	err := s.db.
		Where("notification_id = ?", notificationID).
		Order("created_at asc").
		Find(&attempts).Error
	return attempts, err
}

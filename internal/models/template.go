package models

// TemplateRecord is the cached copy of a template. The authoring service owns
// the source of truth; the cache exclusively owns this copy for its TTL.
type TemplateRecord struct {
	TemplateID string                 `json:"template_id"`
	Subject    string                 `json:"subject"`
	Message    string                 `json:"message"`
	Variables  map[string]interface{} `json:"data,omitempty"`
}

// RenderedContent is the deliverable content handed to a channel.
type RenderedContent struct {
	Subject string
	Body    string
}

// DeliveryStatus is a terminal outcome for a notification.
type DeliveryStatus string

const (
	StatusSent   DeliveryStatus = "sent"
	StatusFailed DeliveryStatus = "failed"
)

// StatusUpdate is the outcome event published to the status topic.
type StatusUpdate struct {
	NotificationID string         `json:"notification_id"`
	Status         DeliveryStatus `json:"status"`
}

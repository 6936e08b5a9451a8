package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Channel identifies a delivery channel.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

// ErrMalformedMessage indicates a queue payload that cannot be decoded into a
// notification. Such messages can never succeed and are dropped.
var ErrMalformedMessage = errors.New("malformed notification message")

// Metadata carries provenance for a notification. It is not used for
// delivery decisions.
type Metadata struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
}

// Envelope is the common structure shared by all queued notifications.
// NotificationID is stable across retries of the same logical notification
// and joins the dispatch pipeline to the status topic.
type Envelope struct {
	NotificationID string                 `json:"notification_id"`
	Type           Channel                `json:"type"`
	To             string                 `json:"to"`
	Body           string                 `json:"body"`
	TemplateID     string                 `json:"template_id,omitempty"`
	Data           map[string]interface{} `json:"data,omitempty"`
	Metadata       Metadata               `json:"metadata"`
}

// EmailNotification is the email-channel message variant.
type EmailNotification struct {
	Envelope
	Subject string `json:"subject"`
}

// PushNotification is the push-channel message variant.
type PushNotification struct {
	Envelope
	Title       string `json:"title"`
	DeviceToken string `json:"device_token"`
	Image       string `json:"image,omitempty"`
	Link        string `json:"link,omitempty"`
}

// Notification is implemented by the channel-specific message variants.
type Notification interface {
	ID() string
	Channel() Channel
	// Recipient is the delivery destination: an email address for the email
	// channel, a device token for push.
	Recipient() string
	// Content returns the inline subject/title and body carried by the
	// message, used verbatim when no template applies.
	Content() (subject, body string)
	TemplateRef() string
	Variables() map[string]interface{}
}

func (e *Envelope) ID() string                        { return e.NotificationID }
func (e *Envelope) Channel() Channel                  { return e.Type }
func (e *Envelope) TemplateRef() string               { return e.TemplateID }
func (e *Envelope) Variables() map[string]interface{} { return e.Data }

func (n *EmailNotification) Recipient() string { return n.To }

func (n *EmailNotification) Content() (string, string) { return n.Subject, n.Body }

// Recipient prefers the explicit device token; older gateway envelopes carry
// the token in the shared "to" field.
func (n *PushNotification) Recipient() string {
	if n.DeviceToken != "" {
		return n.DeviceToken
	}
	return n.To
}

func (n *PushNotification) Content() (string, string) { return n.Title, n.Body }

// Decode parses a raw queue payload into its channel-specific variant.
// Any payload that cannot be decoded, carries an unknown type, or lacks a
// notification id is reported as ErrMalformedMessage.
func Decode(payload []byte) (Notification, error) {
	var head struct {
		Type Channel `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	var n Notification
	switch head.Type {
	case ChannelEmail:
		var email EmailNotification
		if err := json.Unmarshal(payload, &email); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		n = &email
	case ChannelPush:
		var push PushNotification
		if err := json.Unmarshal(payload, &push); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		n = &push
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, head.Type)
	}

	if n.ID() == "" {
		return nil, fmt.Errorf("%w: missing notification_id", ErrMalformedMessage)
	}
	return n, nil
}

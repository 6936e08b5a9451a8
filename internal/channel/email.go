package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"time"

	"github.com/debaycisse/notification-dispatch/internal/models"
)

const defaultSendGridURL = "https://api.sendgrid.com/v3/mail/send"

type sendGridAddress struct {
	Email string `json:"email"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendGridPersonalization struct {
	To []sendGridAddress `json:"to"`
}

type sendGridMail struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	Subject          string                    `json:"subject"`
	Content          []sendGridContent         `json:"content"`
}

// EmailChannel delivers notifications through the SendGrid v3 mail API.
type EmailChannel struct {
	apiKey    string
	fromEmail string
	baseURL   string
	client    *http.Client
}

// NewEmailChannel creates a new EmailChannel with a fixed sender address.
func NewEmailChannel(apiKey, fromEmail string) *EmailChannel {
	return &EmailChannel{
		apiKey:    apiKey,
		fromEmail: fromEmail,
		baseURL:   defaultSendGridURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// WithBaseURL points the channel at an alternative endpoint. Used by tests.
func (c *EmailChannel) WithBaseURL(url string) *EmailChannel {
	c.baseURL = url
	return c
}

func (c *EmailChannel) Name() models.Channel { return models.ChannelEmail }

// Send builds the mail with a plain-text body and an HTML-escaped copy and
// hands it to the provider.
func (c *EmailChannel) Send(ctx context.Context, content models.RenderedContent, n models.Notification) (string, error) {
	mail := sendGridMail{
		Personalizations: []sendGridPersonalization{
			{To: []sendGridAddress{{Email: n.Recipient()}}},
		},
		From:    sendGridAddress{Email: c.fromEmail},
		Subject: content.Subject,
		Content: []sendGridContent{
			{Type: "text/plain", Value: content.Body},
			{Type: "text/html", Value: "<p>" + html.EscapeString(content.Body) + "</p>"},
		},
	}

	payload, err := json.Marshal(mail)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.Header.Get("X-Message-Id"), nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", fmt.Errorf("%w: %s", ErrProviderRejected, readErrorBody(resp.Body))
	default:
		return "", fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}
}

func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 1024))
	if err != nil || len(data) == 0 {
		return "no detail"
	}
	return string(data)
}

package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/debaycisse/notification-dispatch/internal/models"
)

// ErrTemplateServiceUnavailable indicates the template-resolution endpoint is
// unreachable, misconfigured, or tripping the circuit breaker. Retryable.
var ErrTemplateServiceUnavailable = errors.New("template service unavailable")

type resolveRequest struct {
	Subject    string `json:"subject"`
	Message    string `json:"message"`
	TemplateID string `json:"template_id"`
}

type resolveResponse struct {
	Subject string `json:"subject"`
	Message string `json:"message"`
}

// TemplateClient resolves templates against the template service.
type TemplateClient struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewTemplateClient creates a new TemplateClient.
func NewTemplateClient(baseURL string, timeout time.Duration) *TemplateClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TemplateClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "template-service",
		}),
	}
}

// Resolve asks the template service for the rendered form of a template,
// passing the message's own subject and body as fallback content.
func (c *TemplateClient) Resolve(ctx context.Context, subject, message, templateID string) (*models.TemplateRecord, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("%w: endpoint not configured", ErrTemplateServiceUnavailable)
	}

	payload, err := json.Marshal(resolveRequest{
		Subject:    subject,
		Message:    message,
		TemplateID: templateID,
	})
	if err != nil {
		return nil, err
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("template service returned %d", resp.StatusCode)
		}

		var body resolveResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, err
		}
		return &body, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplateServiceUnavailable, err)
	}

	resolved := result.(*resolveResponse)
	return &models.TemplateRecord{
		TemplateID: templateID,
		Subject:    resolved.Subject,
		Message:    resolved.Message,
	}, nil
}

package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/debaycisse/notification-dispatch/internal/models"
)

const (
	defaultFCMBaseURL = "https://fcm.googleapis.com"
	fcmAudience       = "https://fcm.googleapis.com/"
	serviceTokenTTL   = time.Hour
)

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Image string `json:"image,omitempty"`
}

type fcmOptions struct {
	Link string `json:"link"`
}

type fcmWebpush struct {
	FCMOptions fcmOptions `json:"fcm_options"`
}

type fcmMessage struct {
	Token        string          `json:"token"`
	Notification fcmNotification `json:"notification"`
	Webpush      *fcmWebpush     `json:"webpush,omitempty"`
}

type fcmSendRequest struct {
	Message fcmMessage `json:"message"`
}

type fcmSendResponse struct {
	Name string `json:"name"`
}

// serviceTokenSource mints self-signed RS256 service-account JWTs accepted
// by Google APIs as bearer tokens, caching each until shortly before expiry.
type serviceTokenSource struct {
	clientEmail string
	privateKey  interface{}

	mu      sync.Mutex
	token   string
	expires time.Time
}

func newServiceTokenSource(clientEmail, privateKeyPEM string) (*serviceTokenSource, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse service account key: %w", err)
	}
	return &serviceTokenSource{
		clientEmail: clientEmail,
		privateKey:  key,
	}, nil
}

func (s *serviceTokenSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if s.token != "" && now.Before(s.expires.Add(-time.Minute)) {
		return s.token, nil
	}

	expires := now.Add(serviceTokenTTL)
	claims := jwt.RegisteredClaims{
		Issuer:    s.clientEmail,
		Subject:   s.clientEmail,
		Audience:  jwt.ClaimStrings{fcmAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign service account token: %w", err)
	}

	s.token = token
	s.expires = expires
	return token, nil
}

// PushChannel delivers notifications through the FCM HTTP v1 API.
type PushChannel struct {
	projectID string
	tokens    *serviceTokenSource
	baseURL   string
	client    *http.Client
	logger    *slog.Logger
}

// NewPushChannel creates a new PushChannel for the given FCM project,
// authenticating with the service account's client email and private key.
func NewPushChannel(projectID, clientEmail, privateKeyPEM string, logger *slog.Logger) (*PushChannel, error) {
	tokens, err := newServiceTokenSource(clientEmail, privateKeyPEM)
	if err != nil {
		return nil, err
	}
	return &PushChannel{
		projectID: projectID,
		tokens:    tokens,
		baseURL:   defaultFCMBaseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}, nil
}

// WithBaseURL points the channel at an alternative endpoint. Used by tests.
func (c *PushChannel) WithBaseURL(url string) *PushChannel {
	c.baseURL = url
	return c
}

func (c *PushChannel) Name() models.Channel { return models.ChannelPush }

// Send builds the FCM message, carrying the click-through link as a webpush
// option when present, and hands it to the provider.
func (c *PushChannel) Send(ctx context.Context, content models.RenderedContent, n models.Notification) (string, error) {
	message := fcmMessage{
		Token: n.Recipient(),
		Notification: fcmNotification{
			Title: content.Subject,
			Body:  content.Body,
		},
	}
	if push, ok := n.(*models.PushNotification); ok {
		message.Notification.Image = push.Image
		if push.Link != "" {
			message.Webpush = &fcmWebpush{FCMOptions: fcmOptions{Link: push.Link}}
		}
	}

	payload, err := json.Marshal(fcmSendRequest{Message: message})
	if err != nil {
		return "", err
	}

	bearer, err := c.tokens.Token()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	url := fmt.Sprintf("%s/v1/projects/%s/messages:send", c.baseURL, c.projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var body fcmSendResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			// The provider accepted the message; failing the attempt over an
			// unreadable receipt would trigger a duplicate send.
			c.logger.Warn("provider receipt could not be parsed", slog.Any("error", err))
			return "", nil
		}
		return body.Name, nil
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound:
		// INVALID_ARGUMENT and UNREGISTERED: the token or payload will never
		// be accepted.
		return "", fmt.Errorf("%w: %s", ErrProviderRejected, readErrorBody(resp.Body))
	default:
		return "", fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}
}

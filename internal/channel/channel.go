// Package channel implements the delivery providers behind the dispatch
// pipeline: transactional email via the SendGrid v3 API and mobile push via
// FCM HTTP v1.
package channel

import (
	"context"
	"errors"

	"github.com/debaycisse/notification-dispatch/internal/models"
)

// ErrProviderUnavailable indicates a transient transport or provider-side
// outage. Retryable.
var ErrProviderUnavailable = errors.New("provider unavailable")

// ErrProviderRejected indicates a permanent content or address validation
// failure at the provider. Not retryable; dead-lettered directly.
var ErrProviderRejected = errors.New("provider rejected message")

// Channel is the outbound delivery capability for one notification channel.
type Channel interface {
	Name() models.Channel
	// Send delivers rendered content to the notification's recipient and
	// returns the provider's message id when one is available.
	Send(ctx context.Context, content models.RenderedContent, n models.Notification) (string, error)
}

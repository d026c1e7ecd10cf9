// Package deliver runs the per-channel delivery workers that claim queued
// notifications, render them, and hand them to a channel transport with
// bounded retries.
package deliver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/l3v3l/pulse/internal/event"
	"github.com/l3v3l/pulse/internal/queue"
)

// Delivery is one rendered notification handed to a transport.
type Delivery struct {
	// EntryID is the queue entry being delivered.
	EntryID string

	// IdempotencyKey is stable across retries of the same entry, so a
	// provider that deduplicates on it cannot double-send.
	IdempotencyKey string

	// Recipient is the user being notified.
	Recipient string

	// Address is the channel-specific destination: an email address, a
	// phone number, or a push token.
	Address string

	// Channel selects the transport family.
	Channel queue.Channel

	// Trigger is the semantic category, exposed for provider analytics.
	Trigger event.Type

	// Subject is the rendered subject line. Empty for SMS.
	Subject string

	// Body is the rendered message body. HTML for email, plain text
	// otherwise.
	Body string
}

// Receipt is the provider acknowledgement for a successful delivery.
type Receipt struct {
	// ProviderID is the provider-side message identifier, recorded in
	// the delivery log.
	ProviderID string
}

// Transport sends a rendered notification over one channel. Implementations
// wrap a provider SDK or API client.
type Transport interface {
	// Send delivers the notification. A returned error wrapped in
	// PermanentError marks the failure as non-retryable.
	Send(ctx context.Context, d Delivery) (Receipt, error)
}

// PermanentError marks a delivery failure that retrying cannot fix, such as
// an invalid address or a provider-side rejection of the content.
type PermanentError struct {
	Err error
}

// Error returns the underlying message.
func (e *PermanentError) Error() string {
	return e.Err.Error()
}

// Unwrap exposes the wrapped error.
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether the failure should skip the retry loop.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}

// LogTransport is a transport that records deliveries to the log instead of
// an external provider. It backs local development and the default daemon
// configuration until real provider credentials are wired in.
type LogTransport struct {
	log *slog.Logger
}

// NewLogTransport creates a log-only transport.
func NewLogTransport(log *slog.Logger) *LogTransport {
	return &LogTransport{log: log}
}

// Send logs the delivery and succeeds.
func (t *LogTransport) Send(ctx context.Context,
	d Delivery) (Receipt, error) {

	t.log.InfoContext(ctx, "Delivering notification",
		"channel", d.Channel,
		"recipient", d.Recipient,
		"address", d.Address,
		"trigger", d.Trigger,
		"subject", d.Subject)

	return Receipt{
		ProviderID: fmt.Sprintf("log-%s", d.IdempotencyKey),
	}, nil
}

package deliver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/l3v3l/pulse/internal/queue"
)

const (
	// DefaultInterval is the poll cadence of a delivery worker.
	DefaultInterval = 5 * time.Second

	// DefaultBatchSize caps entries claimed per poll.
	DefaultBatchSize = 25

	// DefaultMaxAttempts bounds delivery attempts per entry before it is
	// marked terminally failed.
	DefaultMaxAttempts = 3

	// DefaultLeaseTimeout is how long an in-flight claim is honored
	// before another worker run may re-claim the entry.
	DefaultLeaseTimeout = 2 * time.Minute

	// DefaultBackoffBase is the retry delay after the first failure; it
	// doubles per subsequent failure.
	DefaultBackoffBase = 30 * time.Second

	// DefaultBackoffMax caps the retry delay.
	DefaultBackoffMax = 10 * time.Minute
)

// WorkerConfig configures one per-channel delivery worker.
type WorkerConfig struct {
	// Channel is the single channel this worker serves.
	Channel queue.Channel

	// Transport sends rendered notifications.
	Transport Transport

	// Addresses resolves recipients to channel destinations.
	Addresses AddressBook

	// Renderer produces subject and body from queue entries.
	Renderer Renderer

	// Interval is the poll cadence. Zero selects DefaultInterval.
	Interval time.Duration

	// BatchSize caps entries per poll. Zero selects DefaultBatchSize.
	BatchSize int

	// MaxAttempts bounds attempts per entry. Zero selects
	// DefaultMaxAttempts.
	MaxAttempts int

	// LeaseTimeout re-qualifies stale in-flight entries. Zero selects
	// DefaultLeaseTimeout.
	LeaseTimeout time.Duration

	// BackoffBase is the first retry delay. Zero selects
	// DefaultBackoffBase.
	BackoffBase time.Duration

	// BackoffMax caps the retry delay. Zero selects DefaultBackoffMax.
	BackoffMax time.Duration

	// Clock returns the current time. Nil selects time.Now; tests
	// inject a fixed clock.
	Clock func() time.Time

	// Logger receives per-entry outcome records.
	Logger *slog.Logger
}

// Worker drains one channel of the queue: claim a batch, deliver each
// entry, and record the outcome. Multiple workers for the same channel are
// safe; the claim transaction guarantees each entry has at most one owner
// within a lease.
type Worker struct {
	cfg   WorkerConfig
	queue *queue.Store
	clock func() time.Time
	log   *slog.Logger
}

// NewWorker creates a delivery worker, filling config zero values with
// defaults.
func NewWorker(cfg WorkerConfig, queueStore *queue.Store) (*Worker, error) {
	if !cfg.Channel.Valid() {
		return nil, fmt.Errorf("invalid worker channel %q",
			cfg.Channel)
	}
	if cfg.Transport == nil {
		return nil, errors.New("worker requires a transport")
	}
	if cfg.Addresses == nil {
		return nil, errors.New("worker requires an address book")
	}
	if cfg.Renderer == nil {
		return nil, errors.New("worker requires a renderer")
	}

	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.LeaseTimeout == 0 {
		cfg.LeaseTimeout = DefaultLeaseTimeout
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Worker{
		cfg:   cfg,
		queue: queueStore,
		clock: clock,
		log:   log.With("channel", cfg.Channel),
	}, nil
}

// Run polls the queue until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.log.InfoContext(ctx, "Delivery worker starting",
		"interval", w.cfg.Interval,
		"batch_size", w.cfg.BatchSize)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := w.Process(ctx); err != nil {
			w.log.ErrorContext(ctx, "Delivery pass failed",
				"err", err)
		}

		select {
		case <-ctx.Done():
			w.log.InfoContext(ctx, "Delivery worker stopping")
			return

		case <-ticker.C:
		}
	}
}

// Process runs a single claim-and-deliver pass. A claim failure aborts the
// pass; a per-entry failure is recorded on that entry and the pass
// continues.
func (w *Worker) Process(ctx context.Context) error {
	now := w.clock().UTC()

	entries, err := w.queue.Claim(ctx, queue.ClaimParams{
		Channel:      w.cfg.Channel,
		Limit:        w.cfg.BatchSize,
		Now:          now,
		LeaseTimeout: w.cfg.LeaseTimeout,
	})
	if err != nil {
		return fmt.Errorf("claim batch: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	w.log.DebugContext(ctx, "Claimed delivery batch",
		"count", len(entries))

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		w.deliverOne(ctx, entry)
	}

	return nil
}

// deliverOne attempts a single entry and records the outcome. All queue
// status updates tolerate ErrClaimConflict, which means a lease expiry let
// another worker take over while we were delivering.
func (w *Worker) deliverOne(ctx context.Context, entry queue.Entry) {
	receipt, err := w.attempt(ctx, entry)
	now := w.clock().UTC()

	switch {
	case err == nil:
		w.appendLog(ctx, entry, queue.OutcomeDelivered,
			receipt.ProviderID, "")

		if err := w.queue.MarkSent(
			ctx, entry.ID, entry.ClaimToken, now,
		); err != nil {
			w.handleUpdateErr(ctx, entry, err)
			return
		}

		w.log.InfoContext(ctx, "Notification delivered",
			"entry", entry.ID,
			"recipient", entry.Recipient,
			"trigger", entry.Trigger)

	case IsPermanent(err):
		w.appendLog(ctx, entry, queue.OutcomeFailed, "", err.Error())

		if err2 := w.queue.MarkFailed(
			ctx, entry.ID, entry.ClaimToken, err.Error(), now,
		); err2 != nil {
			w.handleUpdateErr(ctx, entry, err2)
			return
		}

		w.log.WarnContext(ctx, "Notification permanently failed",
			"entry", entry.ID,
			"recipient", entry.Recipient,
			"err", err)

	default:
		w.retryOrFail(ctx, entry, err, now)
	}
}

// retryOrFail handles a transient failure: schedule a backed-off retry, or
// mark the entry failed once the attempt budget is exhausted.
func (w *Worker) retryOrFail(ctx context.Context, entry queue.Entry,
	cause error, now time.Time) {

	// The in-flight attempt is counted by the status update itself.
	attempts := entry.Attempts + 1

	if attempts >= w.cfg.MaxAttempts {
		w.appendLog(ctx, entry, queue.OutcomeFailed, "",
			cause.Error())

		if err := w.queue.MarkFailed(
			ctx, entry.ID, entry.ClaimToken, cause.Error(), now,
		); err != nil {
			w.handleUpdateErr(ctx, entry, err)
			return
		}

		w.log.WarnContext(ctx, "Notification failed after retries",
			"entry", entry.ID,
			"recipient", entry.Recipient,
			"attempts", attempts,
			"err", cause)

		return
	}

	delay := w.backoff(entry.Attempts)
	if err := w.queue.Retry(
		ctx, entry.ID, entry.ClaimToken, cause.Error(), now, delay,
	); err != nil {
		w.handleUpdateErr(ctx, entry, err)
		return
	}

	w.log.InfoContext(ctx, "Notification delivery will retry",
		"entry", entry.ID,
		"recipient", entry.Recipient,
		"attempt", attempts,
		"retry_in", delay,
		"err", cause)
}

// attempt resolves the address, renders the message, and calls the
// transport.
func (w *Worker) attempt(ctx context.Context,
	entry queue.Entry) (Receipt, error) {

	addr, err := w.cfg.Addresses.Lookup(
		ctx, entry.Recipient, entry.Channel,
	)
	if err != nil {
		if errors.Is(err, ErrNoAddress) {
			return Receipt{}, Permanent(err)
		}

		return Receipt{}, fmt.Errorf("lookup address: %w", err)
	}

	subject, body, err := w.cfg.Renderer.Render(entry)
	if err != nil {
		return Receipt{}, Permanent(
			fmt.Errorf("render: %w", err),
		)
	}

	return w.cfg.Transport.Send(ctx, Delivery{
		EntryID:        entry.ID,
		IdempotencyKey: entry.ID,
		Recipient:      entry.Recipient,
		Address:        addr,
		Channel:        entry.Channel,
		Trigger:        entry.Trigger,
		Subject:        subject,
		Body:           body,
	})
}

// backoff returns the retry delay for the given completed attempt count,
// doubling from the base and capped at the max.
func (w *Worker) backoff(attempts int) time.Duration {
	delay := w.cfg.BackoffBase
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= w.cfg.BackoffMax {
			return w.cfg.BackoffMax
		}
	}
	if delay > w.cfg.BackoffMax {
		return w.cfg.BackoffMax
	}

	return delay
}

// appendLog writes a delivery log record, logging rather than failing on
// error since the log is advisory.
func (w *Worker) appendLog(ctx context.Context, entry queue.Entry, outcome,
	providerID, detail string) {

	err := w.queue.AppendLog(ctx, queue.LogRecord{
		QueueID:    entry.ID,
		Recipient:  entry.Recipient,
		Trigger:    entry.Trigger,
		Channel:    entry.Channel,
		Outcome:    outcome,
		ProviderID: providerID,
		Detail:     detail,
		SentAt:     w.clock().UTC(),
	})
	if err != nil {
		w.log.ErrorContext(ctx, "Failed to append delivery log",
			"entry", entry.ID, "err", err)
	}
}

// handleUpdateErr distinguishes the benign lost-claim race from real
// storage failures when finalizing an entry.
func (w *Worker) handleUpdateErr(ctx context.Context, entry queue.Entry,
	err error) {

	if errors.Is(err, queue.ErrClaimConflict) {
		w.log.DebugContext(ctx, "Entry re-claimed during delivery",
			"entry", entry.ID)
		return
	}

	w.log.ErrorContext(ctx, "Failed to update entry status",
		"entry", entry.ID, "err", err)
}

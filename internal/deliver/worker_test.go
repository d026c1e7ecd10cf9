package deliver

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l3v3l/pulse/internal/db"
	"github.com/l3v3l/pulse/internal/event"
	"github.com/l3v3l/pulse/internal/queue"
)

// fakeClock is a manually advanced clock for the worker.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

// scriptedTransport fails the first failures calls, then succeeds.
type scriptedTransport struct {
	mu       sync.Mutex
	failures int
	failWith error
	sent     []Delivery
}

func (s *scriptedTransport) Send(ctx context.Context,
	d Delivery) (Receipt, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failures > 0 {
		s.failures--
		return Receipt{}, s.failWith
	}

	s.sent = append(s.sent, d)

	return Receipt{ProviderID: "prov-" + d.EntryID}, nil
}

func (s *scriptedTransport) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.sent)
}

// workerHarness bundles a worker over a temp database with a controlled
// clock.
type workerHarness struct {
	queue     *queue.Store
	addresses *StoreAddressBook
	transport *scriptedTransport
	clock     *fakeClock
	worker    *Worker
}

func newWorkerHarness(t *testing.T) *workerHarness {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")

	log := slog.Default()

	dbStore, err := db.Open(dbPath, log)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, dbStore.Close())
	})

	h := &workerHarness{
		queue:     queue.NewStore(dbStore, log),
		addresses: NewStoreAddressBook(dbStore),
		transport: &scriptedTransport{},
		// Start the clock ahead of wall time so entries enqueued
		// during the test are always due.
		clock: &fakeClock{
			now: time.Now().UTC().Add(5 * time.Second),
		},
	}

	h.worker, err = NewWorker(WorkerConfig{
		Channel:      queue.ChannelPush,
		Transport:    h.transport,
		Addresses:    h.addresses,
		Renderer:     NewTemplateRenderer(),
		MaxAttempts:  3,
		LeaseTimeout: time.Minute,
		BackoffBase:  10 * time.Second,
		BackoffMax:   time.Minute,
		Clock:        h.clock.Now,
		Logger:       log,
	}, h.queue)
	require.NoError(t, err)

	// Bob can receive push notifications.
	require.NoError(t, h.addresses.SetAddresses(
		context.Background(), "bob", "bob@example.com", "",
		"push-token-bob",
	))

	return h
}

// enqueue inserts one push entry for bob and returns it.
func (h *workerHarness) enqueue(t *testing.T) queue.Entry {
	t.Helper()

	entries, err := h.queue.Enqueue(context.Background(),
		queue.EnqueueParams{
			Recipient: "bob",
			Trigger:   event.TypeMessageSent,
			Channels:  []queue.Channel{queue.ChannelPush},
			Payload: map[string]any{
				"actor": "alice", "preview": "hi",
			},
		})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	return entries[0]
}

// get re-reads an entry.
func (h *workerHarness) get(t *testing.T, id string) queue.Entry {
	t.Helper()

	entry, err := h.queue.Get(context.Background(), id)
	require.NoError(t, err)

	return entry
}

// TestWorkerDeliversAndLogs verifies the happy path: claim, render, send,
// mark sent, and append a delivered log record.
func TestWorkerDeliversAndLogs(t *testing.T) {
	h := newWorkerHarness(t)
	ctx := context.Background()

	entry := h.enqueue(t)

	require.NoError(t, h.worker.Process(ctx))

	got := h.get(t, entry.ID)
	require.Equal(t, queue.StatusSent, got.Status)
	require.Equal(t, 1, got.Attempts)

	require.Equal(t, 1, h.transport.sentCount())
	sent := h.transport.sent[0]
	require.Equal(t, "push-token-bob", sent.Address)
	require.Equal(t, entry.ID, sent.IdempotencyKey)
	require.Contains(t, sent.Subject, "alice")

	records, err := h.queue.History(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, queue.OutcomeDelivered, records[0].Outcome)
	require.Equal(t, "prov-"+entry.ID, records[0].ProviderID)
}

// TestWorkerRetriesWithBackoff verifies a transient failure reschedules
// the entry with backoff and a later pass delivers it.
func TestWorkerRetriesWithBackoff(t *testing.T) {
	h := newWorkerHarness(t)
	ctx := context.Background()

	h.transport.failures = 1
	h.transport.failWith = errors.New("provider timeout")

	entry := h.enqueue(t)

	require.NoError(t, h.worker.Process(ctx))

	got := h.get(t, entry.ID)
	require.Equal(t, queue.StatusPending, got.Status)
	require.Equal(t, 1, got.Attempts)
	require.True(t, got.ScheduledFor.After(h.clock.Now()))

	// An immediate second pass claims nothing.
	require.NoError(t, h.worker.Process(ctx))
	require.Zero(t, h.transport.sentCount())

	// After the backoff the retry succeeds.
	h.clock.Advance(30 * time.Second)
	require.NoError(t, h.worker.Process(ctx))

	got = h.get(t, entry.ID)
	require.Equal(t, queue.StatusSent, got.Status)
	require.Equal(t, 2, got.Attempts)
	require.Equal(t, 1, h.transport.sentCount())
}

// TestWorkerAttemptBudget verifies the entry fails terminally after
// exactly MaxAttempts transient failures.
func TestWorkerAttemptBudget(t *testing.T) {
	h := newWorkerHarness(t)
	ctx := context.Background()

	h.transport.failures = 100
	h.transport.failWith = errors.New("provider down")

	entry := h.enqueue(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, h.worker.Process(ctx))
		h.clock.Advance(2 * time.Minute)
	}

	got := h.get(t, entry.ID)
	require.Equal(t, queue.StatusFailed, got.Status)
	require.Equal(t, 3, got.Attempts)
	require.Equal(t, "provider down", got.LastError)
	require.Zero(t, h.transport.sentCount())
}

// TestWorkerPermanentFailure verifies a permanent error skips the retry
// loop entirely.
func TestWorkerPermanentFailure(t *testing.T) {
	h := newWorkerHarness(t)
	ctx := context.Background()

	h.transport.failures = 100
	h.transport.failWith = Permanent(errors.New("invalid push token"))

	entry := h.enqueue(t)

	require.NoError(t, h.worker.Process(ctx))

	got := h.get(t, entry.ID)
	require.Equal(t, queue.StatusFailed, got.Status)
	require.Equal(t, 1, got.Attempts)

	records, err := h.queue.History(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, queue.OutcomeFailed, records[0].Outcome)
}

// TestWorkerMissingAddress verifies a recipient with no address for the
// channel fails permanently rather than burning retries.
func TestWorkerMissingAddress(t *testing.T) {
	h := newWorkerHarness(t)
	ctx := context.Background()

	entries, err := h.queue.Enqueue(ctx, queue.EnqueueParams{
		Recipient: "carol",
		Trigger:   event.TypeMessageSent,
		Channels:  []queue.Channel{queue.ChannelPush},
		Payload:   map[string]any{"actor": "alice"},
	})
	require.NoError(t, err)

	require.NoError(t, h.worker.Process(ctx))

	got := h.get(t, entries[0].ID)
	require.Equal(t, queue.StatusFailed, got.Status)
	require.Equal(t, 1, got.Attempts)
	require.Contains(t, got.LastError, "no address")
}

// TestRenderChannels verifies the renderer emits HTML for email and plain
// text for push.
func TestRenderChannels(t *testing.T) {
	r := NewTemplateRenderer()

	base := queue.Entry{
		Trigger: event.TypeMutualInterest,
		Payload: map[string]any{"actor": "alice"},
	}

	emailEntry := base
	emailEntry.Channel = queue.ChannelEmail
	subject, body, err := r.Render(emailEntry)
	require.NoError(t, err)
	require.NotEmpty(t, subject)
	require.Contains(t, body, "<strong>alice</strong>")

	pushEntry := base
	pushEntry.Channel = queue.ChannelPush
	_, body, err = r.Render(pushEntry)
	require.NoError(t, err)
	require.Contains(t, body, "alice")
	require.NotContains(t, body, "<")
	require.NotContains(t, body, "**")
}

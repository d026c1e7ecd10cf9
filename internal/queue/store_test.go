package queue

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l3v3l/pulse/internal/db"
	"github.com/l3v3l/pulse/internal/event"
)

// newTestStore opens a queue store over a migrated temp database.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")

	dbStore, err := db.Open(dbPath, slog.Default())
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, dbStore.Close())
	})

	return NewStore(dbStore, slog.Default())
}

// enqueueOne inserts a single-channel entry and returns it.
func enqueueOne(t *testing.T, s *Store, recipient string,
	priority Priority) Entry {

	t.Helper()

	entries, err := s.Enqueue(context.Background(), EnqueueParams{
		Recipient: recipient,
		Trigger:   event.TypeFavoriteAdded,
		Channels:  []Channel{ChannelPush},
		Priority:  priority,
		Payload:   map[string]any{"actor": "alice"},
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	return entries[0]
}

// claimAll claims up to n due push entries at the given instant.
func claimAll(t *testing.T, s *Store, n int, now time.Time) []Entry {
	t.Helper()

	entries, err := s.Claim(context.Background(), ClaimParams{
		Channel:      ChannelPush,
		Limit:        n,
		Now:          now,
		LeaseTimeout: time.Minute,
	})
	require.NoError(t, err)

	return entries
}

// TestEnqueueFansOutPerChannel verifies a multi-channel notification
// becomes sibling rows sharing a group id.
func TestEnqueueFansOutPerChannel(t *testing.T) {
	s := newTestStore(t)

	entries, err := s.Enqueue(context.Background(), EnqueueParams{
		Recipient: "bob",
		Trigger:   event.TypeMutualInterest,
		Channels:  []Channel{ChannelEmail, ChannelSMS, ChannelPush},
		Priority:  PriorityHigh,
		Payload:   map[string]any{"actor": "alice"},
	})
	require.NoError(t, err)
	require.Len(t, entries, 3)

	group := entries[0].GroupID
	seen := make(map[Channel]bool)
	for _, e := range entries {
		require.Equal(t, group, e.GroupID)
		require.Equal(t, StatusPending, e.Status)
		seen[e.Channel] = true
	}
	require.Len(t, seen, 3)
}

// TestClaimExclusive verifies a claimed entry cannot be claimed again
// within its lease.
func TestClaimExclusive(t *testing.T) {
	s := newTestStore(t)
	// Claim a little ahead of wall time so the enqueue timestamps are
	// always due.
	now := time.Now().UTC().Add(5 * time.Second)

	enqueueOne(t, s, "bob", PriorityNormal)

	first := claimAll(t, s, 10, now)
	require.Len(t, first, 1)
	require.Equal(t, StatusInFlight, first[0].Status)
	require.NotEmpty(t, first[0].ClaimToken)

	second := claimAll(t, s, 10, now)
	require.Empty(t, second)
}

// TestClaimConcurrent verifies that racing claims never hand the same
// entry to two owners.
func TestClaimConcurrent(t *testing.T) {
	s := newTestStore(t)
	// Claim a little ahead of wall time so the enqueue timestamps are
	// always due.
	now := time.Now().UTC().Add(5 * time.Second)

	const total = 20
	for i := 0; i < total; i++ {
		enqueueOne(t, s, "bob", PriorityNormal)
	}

	const claimers = 4

	var wg sync.WaitGroup
	claimed := make([][]Entry, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			claimed[slot] = claimAll(t, s, total, now)
		}(i)
	}
	wg.Wait()

	seen := make(map[string]int)
	for _, batch := range claimed {
		for _, e := range batch {
			seen[e.ID]++
		}
	}

	require.Len(t, seen, total)
	for id, owners := range seen {
		require.Equal(t, 1, owners, "entry %s claimed twice", id)
	}
}

// TestClaimHonorsSchedule verifies a deferred entry stays unclaimed until
// its scheduled time.
func TestClaimHonorsSchedule(t *testing.T) {
	s := newTestStore(t)
	// Claim a little ahead of wall time so the enqueue timestamps are
	// always due.
	now := time.Now().UTC().Add(5 * time.Second)

	_, err := s.Enqueue(context.Background(), EnqueueParams{
		Recipient: "bob",
		Trigger:   event.TypeMessageSent,
		Channels:  []Channel{ChannelPush},
		Payload:   map[string]any{"actor": "alice"},
		NotBefore: now.Add(time.Hour),
	})
	require.NoError(t, err)

	require.Empty(t, claimAll(t, s, 10, now))
	require.Len(t, claimAll(t, s, 10, now.Add(2*time.Hour)), 1)
}

// TestClaimPriorityOrder verifies high priority entries are claimed before
// normal and low ones regardless of insertion order.
func TestClaimPriorityOrder(t *testing.T) {
	s := newTestStore(t)
	// Claim a little ahead of wall time so the enqueue timestamps are
	// always due.
	now := time.Now().UTC().Add(5 * time.Second)

	enqueueOne(t, s, "low", PriorityLow)
	enqueueOne(t, s, "normal", PriorityNormal)
	enqueueOne(t, s, "high", PriorityHigh)

	entries := claimAll(t, s, 3, now)
	require.Len(t, entries, 3)
	require.Equal(t, PriorityHigh, entries[0].Priority)
	require.Equal(t, PriorityNormal, entries[1].Priority)
	require.Equal(t, PriorityLow, entries[2].Priority)
}

// TestLeaseExpiryReclaim verifies that an in-flight entry whose claim aged
// past the lease timeout is claimable again, and that the previous owner's
// finalizers are fenced off afterwards.
func TestLeaseExpiryReclaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	// Claim a little ahead of wall time so the enqueue timestamps are
	// always due.
	now := time.Now().UTC().Add(5 * time.Second)

	enqueueOne(t, s, "bob", PriorityNormal)

	first := claimAll(t, s, 1, now)
	require.Len(t, first, 1)

	// Within the lease nothing is claimable.
	require.Empty(t, claimAll(t, s, 1, now.Add(30*time.Second)))

	// Past the lease the entry is handed to a new owner.
	second := claimAll(t, s, 1, now.Add(2*time.Minute))
	require.Len(t, second, 1)
	require.Equal(t, first[0].ID, second[0].ID)
	require.NotEqual(t, first[0].ClaimToken, second[0].ClaimToken)

	// The first owner's stale token can no longer finalize the entry.
	err := s.MarkSent(ctx, first[0].ID, first[0].ClaimToken, now)
	require.ErrorIs(t, err, ErrClaimConflict)

	// The new owner's token can.
	err = s.MarkSent(ctx, second[0].ID, second[0].ClaimToken, now)
	require.NoError(t, err)

	got, err := s.Get(ctx, second[0].ID)
	require.NoError(t, err)
	require.Equal(t, StatusSent, got.Status)
}

// TestRetryReschedules verifies Retry returns the entry to pending with
// the delay applied and the attempt counted.
func TestRetryReschedules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Add(5 * time.Second).Truncate(time.Second)

	enqueueOne(t, s, "bob", PriorityNormal)

	claimed := claimAll(t, s, 1, now)
	require.Len(t, claimed, 1)

	err := s.Retry(
		ctx, claimed[0].ID, claimed[0].ClaimToken,
		"provider timeout", now, time.Minute,
	)
	require.NoError(t, err)

	got, err := s.Get(ctx, claimed[0].ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	require.Equal(t, 1, got.Attempts)
	require.Equal(t, now.Add(time.Minute), got.ScheduledFor)
	require.Equal(t, "provider timeout", got.LastError)

	// Not due again until the delay elapses.
	require.Empty(t, claimAll(t, s, 1, now))
	require.Len(t, claimAll(t, s, 1, now.Add(2*time.Minute)), 1)
}

// TestCancelPending verifies pending entries are cancelled by recipient,
// trigger, and payload actor, and in-flight entries are left alone.
func TestCancelPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	// Claim a little ahead of wall time so the enqueue timestamps are
	// always due.
	now := time.Now().UTC().Add(5 * time.Second)

	// Two pending entries from different actors for the same recipient
	// and trigger.
	_, err := s.Enqueue(ctx, EnqueueParams{
		Recipient: "bob",
		Trigger:   event.TypeFavoriteAdded,
		Channels:  []Channel{ChannelPush},
		Payload:   map[string]any{"actor": "alice"},
	})
	require.NoError(t, err)

	_, err = s.Enqueue(ctx, EnqueueParams{
		Recipient: "bob",
		Trigger:   event.TypeFavoriteAdded,
		Channels:  []Channel{ChannelPush},
		Payload:   map[string]any{"actor": "carol"},
	})
	require.NoError(t, err)

	n, err := s.CancelPending(
		ctx, "bob", event.TypeFavoriteAdded, "alice",
	)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	// Carol's entry survives and is still claimable.
	remaining := claimAll(t, s, 10, now)
	require.Len(t, remaining, 1)
	require.Equal(t, "carol", remaining[0].Payload["actor"])
}

// TestRequeueFailed verifies the operator path from failed back to
// pending.
func TestRequeueFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	// Claim a little ahead of wall time so the enqueue timestamps are
	// always due.
	now := time.Now().UTC().Add(5 * time.Second)

	enqueueOne(t, s, "bob", PriorityNormal)

	claimed := claimAll(t, s, 1, now)
	require.Len(t, claimed, 1)

	err := s.MarkFailed(
		ctx, claimed[0].ID, claimed[0].ClaimToken,
		"provider rejected", now,
	)
	require.NoError(t, err)

	// Requeue only applies to failed entries.
	require.ErrorIs(t,
		s.Requeue(ctx, "no-such-id", now), ErrNotFound)
	require.NoError(t, s.Requeue(ctx, claimed[0].ID, now))

	got, err := s.Get(ctx, claimed[0].ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	require.Empty(t, got.LastError)
}

// TestStatsAndSkipped verifies aggregate counts, including skipped entries
// which never enter the claim pipeline.
func TestStatsAndSkipped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	// Claim a little ahead of wall time so the enqueue timestamps are
	// always due.
	now := time.Now().UTC().Add(5 * time.Second)

	enqueueOne(t, s, "bob", PriorityNormal)
	require.NoError(t, s.EnqueueSkipped(
		ctx, "carol", event.TypeProfileViewed,
		map[string]any{"actor": "alice"},
	))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.PendingCount)
	require.EqualValues(t, 1, stats.SkippedCount)
	require.NotNil(t, stats.OldestPending)

	// The skipped entry is invisible to claims on every channel.
	for _, ch := range AllChannels {
		entries, err := s.Claim(ctx, ClaimParams{
			Channel:      ch,
			Limit:        10,
			Now:          now,
			LeaseTimeout: time.Minute,
		})
		require.NoError(t, err)
		if ch == ChannelPush {
			require.Len(t, entries, 1)
		} else {
			require.Empty(t, entries)
		}
	}
}

// TestDeliveryLog verifies append and per-user readback ordering.
func TestDeliveryLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendLog(ctx, LogRecord{
			QueueID:    "q1",
			Recipient:  "bob",
			Trigger:    event.TypeMessageSent,
			Channel:    ChannelPush,
			Outcome:    OutcomeDelivered,
			ProviderID: "p1",
			SentAt:     base.Add(time.Duration(i) * time.Minute),
		}))
	}

	records, err := s.History(ctx, "bob", 2)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Newest first.
	require.True(t,
		records[0].SentAt.After(records[1].SentAt) ||
			records[0].SentAt.Equal(records[1].SentAt))
	require.Equal(t, base.Add(2*time.Minute), records[0].SentAt)
}

package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l3v3l/pulse/internal/event"
)

// TestHubDeliversByType verifies subscribers only see events of their
// subscribed type.
func TestHubDeliversByType(t *testing.T) {
	hub := NewHub(slog.Default())
	ctx := context.Background()

	favCh, unsubFav := hub.Subscribe(event.TypeFavoriteAdded)
	defer unsubFav()

	msgCh, unsubMsg := hub.Subscribe(event.TypeMessageSent)
	defer unsubMsg()

	ev := event.New(event.TypeFavoriteAdded, "alice", "bob", nil)
	require.NoError(t, hub.Publish(ctx, ev))

	select {
	case got := <-favCh:
		require.Equal(t, event.TypeFavoriteAdded, got.Type)
		require.Equal(t, "alice", got.Actor)

	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}

	select {
	case <-msgCh:
		t.Fatal("subscriber received event of the wrong type")

	default:
	}
}

// TestHubUnsubscribe verifies unsubscribing closes the channel and is
// idempotent.
func TestHubUnsubscribe(t *testing.T) {
	hub := NewHub(slog.Default())

	ch, unsub := hub.Subscribe(event.TypeMessageSent)
	require.Equal(t, 1, hub.SubscriberCount(event.TypeMessageSent))

	unsub()
	unsub()

	require.Zero(t, hub.SubscriberCount(event.TypeMessageSent))

	_, open := <-ch
	require.False(t, open)
}

// TestHubNeverBlocks verifies a full subscriber buffer drops events
// instead of stalling the publisher.
func TestHubNeverBlocks(t *testing.T) {
	hub := NewHub(slog.Default())
	ctx := context.Background()

	_, unsub := hub.Subscribe(event.TypeMessageSent)
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultSubBuffer*3; i++ {
			ev := event.New(
				event.TypeMessageSent, "alice", "bob", nil,
			)
			_ = hub.Publish(ctx, ev)
		}
	}()

	select {
	case <-done:

	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

// failingBroadcaster always errors.
type failingBroadcaster struct {
	err error
}

func (f *failingBroadcaster) Publish(ctx context.Context,
	ev event.Event) error {

	return f.err
}

// TestFanoutContinuesPastFailure verifies every member is attempted and
// errors are joined.
func TestFanoutContinuesPastFailure(t *testing.T) {
	hub := NewHub(slog.Default())
	ch, unsub := hub.Subscribe(event.TypeFavoriteAdded)
	defer unsub()

	errBroker := errors.New("broker down")
	fanout := NewFanout(&failingBroadcaster{err: errBroker}, hub)

	ev := event.New(event.TypeFavoriteAdded, "alice", "bob", nil)
	err := fanout.Publish(context.Background(), ev)
	require.ErrorIs(t, err, errBroker)

	// The healthy member still received the event.
	select {
	case <-ch:

	case <-time.After(time.Second):
		t.Fatal("healthy member did not receive event")
	}
}

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/l3v3l/pulse/internal/event"
	"github.com/l3v3l/pulse/internal/prefs"
	"github.com/l3v3l/pulse/internal/queue"
)

// Sink accepts follow-up events produced inside a handler. It is the narrow
// slice of the dispatcher the handlers need, kept as an interface to break
// the construction cycle between dispatcher and handlers.
type Sink interface {
	Dispatch(ctx context.Context, ev event.Event)
}

// Handlers owns every built-in event handler of the pipeline. Each handler
// resolves the recipient's preferences and enqueues per-channel work, with
// relation bookkeeping for the favorite and shortlist triggers.
type Handlers struct {
	sink      Sink
	prefs     *prefs.Store
	queue     *queue.Store
	relations *RelationStore
	log       *slog.Logger
}

// NewHandlers creates the handler set. The sink may be set later via
// SetSink when the dispatcher is constructed after the handlers.
func NewHandlers(prefStore *prefs.Store, queueStore *queue.Store,
	relations *RelationStore, log *slog.Logger) *Handlers {

	return &Handlers{
		prefs:     prefStore,
		queue:     queueStore,
		relations: relations,
		log:       log,
	}
}

// SetSink installs the follow-up event sink. Must be called before any
// dispatch reaches the handlers.
func (h *Handlers) SetSink(sink Sink) {
	h.sink = sink
}

// RegisterAll registers every built-in handler on the registry.
func (h *Handlers) RegisterAll(reg *event.Registry) {
	reg.Register(event.TypeFavoriteAdded,
		event.HandlerFunc("favorite_added", h.handleFavoriteAdded))
	reg.Register(event.TypeFavoriteRemoved,
		event.HandlerFunc("favorite_removed", h.handleFavoriteRemoved))
	reg.Register(event.TypeMutualInterest,
		event.HandlerFunc("mutual_interest", h.handleMutualInterest))
	reg.Register(event.TypeShortlistAdded,
		event.HandlerFunc("shortlist_added", h.handleShortlistAdded))
	reg.Register(event.TypeShortlistRemoved,
		event.HandlerFunc("shortlist_removed",
			h.handleShortlistRemoved))
	reg.Register(event.TypeProfileViewed,
		event.HandlerFunc("profile_viewed", h.notifyTarget))
	reg.Register(event.TypeMessageSent,
		event.HandlerFunc("message_sent", h.notifyTarget))
	reg.Register(event.TypeAccessRequested,
		event.HandlerFunc("access_requested", h.notifyTarget))
	reg.Register(event.TypeAccessGranted,
		event.HandlerFunc("access_granted", h.notifyTarget))
	reg.Register(event.TypeAccessDenied,
		event.HandlerFunc("access_denied", h.notifyTarget))
	reg.Register(event.TypeAccountSuspended,
		event.HandlerFunc("account_suspended", h.notifyTarget))
	reg.Register(event.TypeAccountReactivated,
		event.HandlerFunc("account_reactivated", h.notifyTarget))
	reg.Register(event.TypeSuspiciousLogin,
		event.HandlerFunc("suspicious_login", h.handleSuspiciousLogin))
	reg.Register(event.TypeUnreadMessages,
		event.HandlerFunc("unread_messages", h.handleUnreadMessages))
	reg.Register(event.TypeUserBanned,
		event.HandlerFunc("user_banned", h.notifyTarget))
}

// handleFavoriteAdded records the favorite edge. A favorite that closes a
// reciprocal pair fires a mutual_interest follow-up event in place of the
// single-interest notification; a one-sided favorite notifies the target. A
// duplicate favorite is a no-op: no notification, no mutual check.
func (h *Handlers) handleFavoriteAdded(ctx context.Context,
	ev event.Event) error {

	inserted, mutual, err := h.relations.AddFavorite(
		ctx, ev.Actor, ev.Target,
	)
	if err != nil {
		return fmt.Errorf("record favorite: %w", err)
	}
	if !inserted {
		return nil
	}

	if mutual {
		h.log.InfoContext(ctx, "Mutual interest detected",
			"actor", ev.Actor, "target", ev.Target)

		h.sink.Dispatch(ctx, event.New(
			event.TypeMutualInterest, ev.Actor, ev.Target, nil,
		))

		return nil
	}

	return h.enqueueFor(ctx, ev.Target, ev, queue.PriorityNormal)
}

// handleMutualInterest notifies both sides of a newly mutual pair at high
// priority. A partial failure still notifies the side that succeeded.
func (h *Handlers) handleMutualInterest(ctx context.Context,
	ev event.Event) error {

	errActor := h.enqueueFor(ctx, ev.Actor, ev, queue.PriorityHigh)
	errTarget := h.enqueueFor(ctx, ev.Target, ev, queue.PriorityHigh)

	if errActor != nil {
		return errActor
	}

	return errTarget
}

// handleFavoriteRemoved drops the favorite edge and cancels any still
// pending favorite_added notification the removal makes stale.
func (h *Handlers) handleFavoriteRemoved(ctx context.Context,
	ev event.Event) error {

	if _, err := h.relations.RemoveFavorite(
		ctx, ev.Actor, ev.Target,
	); err != nil {
		return fmt.Errorf("remove favorite: %w", err)
	}

	return h.cancelStale(ctx, ev, event.TypeFavoriteAdded)
}

// handleShortlistAdded records the shortlist edge and notifies the target.
// Duplicates are silent.
func (h *Handlers) handleShortlistAdded(ctx context.Context,
	ev event.Event) error {

	added, err := h.relations.AddShortlist(ctx, ev.Actor, ev.Target)
	if err != nil {
		return fmt.Errorf("record shortlist: %w", err)
	}
	if !added {
		return nil
	}

	return h.enqueueFor(ctx, ev.Target, ev, queue.PriorityNormal)
}

// handleShortlistRemoved drops the shortlist edge and cancels any still
// pending shortlist_added notification.
func (h *Handlers) handleShortlistRemoved(ctx context.Context,
	ev event.Event) error {

	if _, err := h.relations.RemoveShortlist(
		ctx, ev.Actor, ev.Target,
	); err != nil {
		return fmt.Errorf("remove shortlist: %w", err)
	}

	return h.cancelStale(ctx, ev, event.TypeShortlistAdded)
}

// handleSuspiciousLogin notifies the account owner, who is the event actor
// since a login event has no counterpart user.
func (h *Handlers) handleSuspiciousLogin(ctx context.Context,
	ev event.Event) error {

	return h.enqueueFor(ctx, ev.Actor, ev, queue.PriorityHigh)
}

// handleUnreadMessages notifies the account owner, who is the event actor:
// the digest job emits one event per user with unread messages. Low priority
// keeps digests behind interactive notifications in claim batches.
func (h *Handlers) handleUnreadMessages(ctx context.Context,
	ev event.Event) error {

	return h.enqueueFor(ctx, ev.Actor, ev, queue.PriorityLow)
}

// notifyTarget is the common shape for triggers that simply notify the
// target user at normal priority.
func (h *Handlers) notifyTarget(ctx context.Context, ev event.Event) error {
	return h.enqueueFor(ctx, ev.Target, ev, queue.PriorityNormal)
}

// enqueueFor resolves the recipient's preferences for the event's trigger
// and enqueues the resulting per-channel work. Zero resolved channels are
// recorded as a skipped entry so suppression stays observable. A resolution
// error fails closed: nothing is enqueued and the dispatcher logs it.
func (h *Handlers) enqueueFor(ctx context.Context, recipient string,
	ev event.Event, priority queue.Priority) error {

	if recipient == "" {
		return fmt.Errorf("event %s has no recipient", ev.Type)
	}

	p, err := h.prefs.Get(ctx, recipient)
	if err != nil {
		return fmt.Errorf("load prefs for %s: %w", recipient, err)
	}

	res, err := prefs.Resolve(p, ev.Type, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("resolve prefs for %s: %w", recipient, err)
	}

	payload := buildPayload(ev)

	if len(res.Channels) == 0 {
		h.log.DebugContext(ctx, "Notification suppressed by prefs",
			"recipient", recipient, "trigger", ev.Type)

		return h.queue.EnqueueSkipped(ctx, recipient, ev.Type, payload)
	}

	entries, err := h.queue.Enqueue(ctx, queue.EnqueueParams{
		Recipient: recipient,
		Trigger:   ev.Type,
		Channels:  res.Channels,
		Priority:  priority,
		Payload:   payload,
		NotBefore: res.NotBefore,
	})
	if err != nil {
		return fmt.Errorf("enqueue for %s: %w", recipient, err)
	}

	h.log.InfoContext(ctx, "Notification enqueued",
		"recipient", recipient,
		"trigger", ev.Type,
		"channels", len(entries),
		"deferred", !res.NotBefore.IsZero())

	return nil
}

// cancelStale removes pending notifications that an undo event made
// irrelevant before they were delivered.
func (h *Handlers) cancelStale(ctx context.Context, ev event.Event,
	stale event.Type) error {

	n, err := h.queue.CancelPending(ctx, ev.Target, stale, ev.Actor)
	if err != nil {
		return fmt.Errorf("cancel stale %s: %w", stale, err)
	}

	if n > 0 {
		h.log.InfoContext(ctx, "Cancelled stale notifications",
			"recipient", ev.Target, "trigger", stale, "count", n)
	}

	return nil
}

// buildPayload flattens the event into the template data map stored with
// each queue entry. Metadata keys never override the reserved actor and
// target keys.
func buildPayload(ev event.Event) map[string]any {
	payload := make(map[string]any, len(ev.Metadata)+2)
	for k, v := range ev.Metadata {
		if k == "actor" || k == "target" {
			continue
		}
		payload[k] = v
	}

	payload["actor"] = ev.Actor
	payload["target"] = ev.Target

	return payload
}

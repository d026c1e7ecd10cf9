// Package event defines the typed user-action events that drive the
// notification pipeline, the handler registry, and the dispatcher that fans
// events out to handlers with per-handler failure isolation.
package event

import (
	"time"
)

// Type is the closed enumeration of event types the pipeline understands.
// The set is versioned with the wire format of the broadcast payload; adding
// a type is backwards compatible, removing or renaming one is not.
type Type string

const (
	// TypeFavoriteAdded fires when a user favorites another profile.
	TypeFavoriteAdded Type = "favorite_added"

	// TypeFavoriteRemoved fires when a user removes a favorite.
	TypeFavoriteRemoved Type = "favorite_removed"

	// TypeMutualInterest fires when two users have favorited each other.
	// It is dispatched by the favorite_added handler itself, never by
	// outside callers.
	TypeMutualInterest Type = "mutual_interest"

	// TypeShortlistAdded fires when a user shortlists another profile.
	TypeShortlistAdded Type = "shortlist_added"

	// TypeShortlistRemoved fires when a user removes a shortlist entry.
	TypeShortlistRemoved Type = "shortlist_removed"

	// TypeProfileViewed fires when a user views another profile.
	TypeProfileViewed Type = "profile_viewed"

	// TypeMessageSent fires when a user sends a direct message.
	TypeMessageSent Type = "message_sent"

	// TypeAccessRequested fires when a user requests access to another
	// user's private information.
	TypeAccessRequested Type = "access_requested"

	// TypeAccessGranted fires when a private information request is
	// approved.
	TypeAccessGranted Type = "access_granted"

	// TypeAccessDenied fires when a private information request is
	// declined.
	TypeAccessDenied Type = "access_denied"

	// TypeAccountSuspended fires when an administrator suspends an
	// account.
	TypeAccountSuspended Type = "account_suspended"

	// TypeAccountReactivated fires when a suspended account is restored.
	TypeAccountReactivated Type = "account_reactivated"

	// TypeSuspiciousLogin fires when a login from an unrecognized device
	// or location is detected.
	TypeSuspiciousLogin Type = "suspicious_login"

	// TypeUnreadMessages fires from a scheduled digest job when a user has
	// accumulated unread messages.
	TypeUnreadMessages Type = "unread_messages"

	// TypeUserBanned fires when an administrator permanently bans an
	// account.
	TypeUserBanned Type = "user_banned"
)

// AllTypes lists every event type in the closed set.
var AllTypes = []Type{
	TypeFavoriteAdded, TypeFavoriteRemoved, TypeMutualInterest,
	TypeShortlistAdded, TypeShortlistRemoved, TypeProfileViewed,
	TypeMessageSent, TypeAccessRequested, TypeAccessGranted,
	TypeAccessDenied, TypeAccountSuspended, TypeAccountReactivated,
	TypeSuspiciousLogin, TypeUnreadMessages, TypeUserBanned,
}

// Valid returns true if the type is a member of the closed set.
func (t Type) Valid() bool {
	for _, known := range AllTypes {
		if t == known {
			return true
		}
	}

	return false
}

// String returns the wire name of the event type.
func (t Type) String() string {
	return string(t)
}

// Channel returns the broadcast channel name for this event type, used by
// external subscribers such as analytics taps.
func (t Type) Channel() string {
	return "events:" + string(t)
}

// Metadata carries arbitrary event-specific key/value pairs.
type Metadata map[string]any

// Event is a single user action flowing through the dispatcher. Events are
// constructed fresh per dispatch call and never persisted as-is; the queue
// stores derived notification records instead.
type Event struct {
	// Type identifies which action occurred.
	Type Type

	// Actor is the user who performed the action.
	Actor string

	// Target is the user affected by the action. Empty when the event has
	// no counterpart (e.g. a login event).
	Target string

	// Metadata carries event-specific context such as message previews or
	// suspension reasons.
	Metadata Metadata

	// OccurredAt is the UTC time the event was constructed.
	OccurredAt time.Time
}

// New constructs an event stamped with the current UTC time. The metadata map
// is copied so later caller mutations cannot leak into in-flight handlers.
func New(eventType Type, actor, target string, md Metadata) Event {
	copied := make(Metadata, len(md))
	for k, v := range md {
		copied[k] = v
	}

	return Event{
		Type:       eventType,
		Actor:      actor,
		Target:     target,
		Metadata:   copied,
		OccurredAt: time.Now().UTC(),
	}
}

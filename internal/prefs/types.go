// Package prefs stores per-user notification preferences and resolves them
// into a concrete delivery decision for a given trigger and instant.
package prefs

import (
	"time"

	"github.com/l3v3l/pulse/internal/event"
	"github.com/l3v3l/pulse/internal/queue"
)

// QuietHours is a daily suppression window in the user's local timezone.
// Notifications triggered inside the window are deferred to the end of the
// window rather than dropped, except for triggers in the exception list.
type QuietHours struct {
	// Enabled turns the window on. A disabled window never defers.
	Enabled bool

	// Start is the window start in "HH:MM" 24h form.
	Start string

	// End is the window end in "HH:MM" 24h form. End before Start means
	// the window crosses midnight.
	End string

	// Timezone is an IANA zone name the window is evaluated in.
	Timezone string

	// Exceptions lists triggers that bypass the window entirely.
	Exceptions []event.Type
}

// Preferences is a user's full notification configuration.
type Preferences struct {
	// Username identifies the owner.
	Username string

	// Channels maps each trigger to the channels the user wants it
	// delivered on. A trigger absent from the map produces no delivery.
	Channels map[event.Type][]queue.Channel

	// Quiet is the user's quiet-hours window.
	Quiet QuietHours

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DefaultQuietExceptions lists the triggers that bypass quiet hours unless
// the user edits the exception list: both are time-sensitive and
// security-or-consent relevant.
var DefaultQuietExceptions = []event.Type{
	event.TypeAccessRequested,
	event.TypeSuspiciousLogin,
}

// DefaultPreferences returns the preference set a user starts with before
// ever editing anything. Security triggers fan out widest, social triggers
// default to push only, and profile views stay silent. Timestamps are
// truncated to seconds, the precision the store persists, so the record
// returned by a winning first access matches every later read.
func DefaultPreferences(username string, now time.Time) Preferences {
	now = now.Truncate(time.Second)

	return Preferences{
		Username: username,
		Channels: map[event.Type][]queue.Channel{
			event.TypeFavoriteAdded: {queue.ChannelPush},
			event.TypeMutualInterest: {
				queue.ChannelEmail, queue.ChannelPush,
			},
			event.TypeShortlistAdded: {queue.ChannelPush},
			event.TypeMessageSent:    {queue.ChannelPush},
			event.TypeAccessRequested: {
				queue.ChannelEmail, queue.ChannelPush,
			},
			event.TypeAccessGranted: {
				queue.ChannelEmail, queue.ChannelPush,
			},
			event.TypeAccessDenied:     {queue.ChannelPush},
			event.TypeAccountSuspended: {queue.ChannelEmail},
			event.TypeAccountReactivated: {
				queue.ChannelEmail,
			},
			event.TypeSuspiciousLogin: {
				queue.ChannelEmail, queue.ChannelSMS,
				queue.ChannelPush,
			},
			event.TypeUnreadMessages: {queue.ChannelEmail},
			event.TypeUserBanned:     {queue.ChannelEmail},
		},
		Quiet: QuietHours{
			Enabled:    false,
			Start:      "22:00",
			End:        "08:00",
			Timezone:   "UTC",
			Exceptions: DefaultQuietExceptions,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

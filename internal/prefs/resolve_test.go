package prefs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/l3v3l/pulse/internal/event"
	"github.com/l3v3l/pulse/internal/queue"
)

// testPrefs returns preferences with quiet hours 22:00-08:00 UTC enabled
// and push configured for message_sent.
func testPrefs() Preferences {
	p := DefaultPreferences("alice", time.Unix(0, 0).UTC())
	p.Quiet.Enabled = true

	return p
}

// at builds a UTC instant on a fixed date with the given clock time.
func at(hour, min int) time.Time {
	return time.Date(2026, 3, 14, hour, min, 0, 0, time.UTC)
}

// TestResolveQuietHours exercises the wraparound window 22:00-08:00.
func TestResolveQuietHours(t *testing.T) {
	tests := []struct {
		name      string
		now       time.Time
		deferred  bool
		deferTo   time.Time
	}{
		{
			name:     "before window",
			now:      at(12, 0),
			deferred: false,
		},
		{
			name:     "late evening inside window",
			now:      at(23, 30),
			deferred: true,
			// Window end is on the next calendar day.
			deferTo: time.Date(
				2026, 3, 15, 8, 0, 0, 0, time.UTC,
			),
		},
		{
			name:     "early morning inside window",
			now:      at(6, 0),
			deferred: true,
			deferTo:  at(8, 0),
		},
		{
			name:     "exactly at window start",
			now:      at(22, 0),
			deferred: true,
			deferTo: time.Date(
				2026, 3, 15, 8, 0, 0, 0, time.UTC,
			),
		},
		{
			name:     "exactly at window end",
			now:      at(8, 0),
			deferred: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := Resolve(
				testPrefs(), event.TypeMessageSent, tc.now,
			)
			require.NoError(t, err)
			require.NotEmpty(t, res.Channels)

			if tc.deferred {
				require.Equal(t, tc.deferTo, res.NotBefore)
			} else {
				require.True(t, res.NotBefore.IsZero())
			}
		})
	}
}

// TestResolveQuietDisabled verifies a disabled window never defers.
func TestResolveQuietDisabled(t *testing.T) {
	p := testPrefs()
	p.Quiet.Enabled = false

	res, err := Resolve(p, event.TypeMessageSent, at(23, 30))
	require.NoError(t, err)
	require.True(t, res.NotBefore.IsZero())
}

// TestResolveExceptionsBypassQuiet verifies the default exception triggers
// deliver immediately even inside the window.
func TestResolveExceptionsBypassQuiet(t *testing.T) {
	for _, trigger := range DefaultQuietExceptions {
		res, err := Resolve(testPrefs(), trigger, at(23, 30))
		require.NoError(t, err)
		require.NotEmpty(t, res.Channels)
		require.True(t, res.NotBefore.IsZero(),
			"trigger %s should bypass quiet hours", trigger)
	}
}

// TestResolveUnknownTrigger verifies a trigger with no configured channels
// resolves to full suppression, not an error.
func TestResolveUnknownTrigger(t *testing.T) {
	res, err := Resolve(testPrefs(), event.TypeProfileViewed, at(12, 0))
	require.NoError(t, err)
	require.Empty(t, res.Channels)
}

// TestResolveBadTimezone verifies an unresolvable zone fails closed with an
// error rather than delivering at the wrong time.
func TestResolveBadTimezone(t *testing.T) {
	p := testPrefs()
	p.Quiet.Timezone = "Mars/Olympus_Mons"

	_, err := Resolve(p, event.TypeMessageSent, at(23, 30))
	require.Error(t, err)
}

// TestResolveLocalTimezone verifies the window is evaluated in the user's
// zone, not UTC.
func TestResolveLocalTimezone(t *testing.T) {
	p := testPrefs()
	p.Quiet.Timezone = "America/New_York"

	// 03:00 UTC on 2026-03-14 is 22:00 the previous evening in New
	// York (EST, UTC-5), which is inside the window.
	now := time.Date(2026, 3, 14, 3, 0, 0, 0, time.UTC)

	res, err := Resolve(p, event.TypeMessageSent, now)
	require.NoError(t, err)
	require.False(t, res.NotBefore.IsZero())

	// The deferral lands at 08:00 New York time.
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	local := res.NotBefore.In(loc)
	require.Equal(t, 8, local.Hour())
	require.Equal(t, 0, local.Minute())
}

// TestResolveDeferralProperties checks, for arbitrary instants and window
// bounds, that a deferral always lands outside the window and never moves
// delivery earlier.
func TestResolveDeferralProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		startH := rapid.IntRange(0, 23).Draw(rt, "startH")
		endH := rapid.IntRange(0, 23).Draw(rt, "endH")
		if startH == endH {
			return
		}

		p := testPrefs()
		p.Quiet.Start = clockString(startH, 0)
		p.Quiet.End = clockString(endH, 0)

		nowH := rapid.IntRange(0, 23).Draw(rt, "nowH")
		nowM := rapid.IntRange(0, 59).Draw(rt, "nowM")
		now := at(nowH, nowM)

		res, err := Resolve(p, event.TypeMessageSent, now)
		require.NoError(rt, err)

		if res.NotBefore.IsZero() {
			return
		}

		// Deferred delivery never moves earlier.
		require.False(rt, res.NotBefore.Before(now))

		// The deferral target is the window end, which is outside
		// the half-open window.
		deferRes, err := Resolve(
			p, event.TypeMessageSent, res.NotBefore,
		)
		require.NoError(rt, err)
		require.True(rt, deferRes.NotBefore.IsZero())
	})
}

func clockString(h, m int) string {
	return time.Date(2000, 1, 1, h, m, 0, 0, time.UTC).Format("15:04")
}

// TestDefaultPreferencesShape sanity checks the starting preference set.
func TestDefaultPreferencesShape(t *testing.T) {
	p := DefaultPreferences("bob", time.Unix(0, 0).UTC())

	require.Equal(t, "bob", p.Username)
	require.False(t, p.Quiet.Enabled)
	require.ElementsMatch(t, DefaultQuietExceptions, p.Quiet.Exceptions)

	// Security triggers fan out widest.
	require.ElementsMatch(t,
		[]queue.Channel{
			queue.ChannelEmail, queue.ChannelSMS,
			queue.ChannelPush,
		},
		p.Channels[event.TypeSuspiciousLogin])

	// Profile views are silent by default.
	require.Empty(t, p.Channels[event.TypeProfileViewed])
}

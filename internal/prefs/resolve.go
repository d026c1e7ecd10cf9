package prefs

import (
	"fmt"
	"time"

	"github.com/l3v3l/pulse/internal/event"
	"github.com/l3v3l/pulse/internal/queue"
)

// Resolution is the delivery decision derived from a user's preferences for
// one trigger at one instant.
type Resolution struct {
	// Channels is the set to deliver on. Empty means the notification is
	// suppressed entirely and should be recorded as skipped.
	Channels []queue.Channel

	// NotBefore is the earliest delivery time. The zero value means
	// deliverable immediately; a non-zero value means quiet hours
	// deferred the notification to the end of the window.
	NotBefore time.Time
}

// Resolve computes the delivery decision for a trigger given the user's
// preferences and the current instant. Resolution is pure; it reads nothing
// beyond its arguments.
func Resolve(p Preferences, trigger event.Type,
	now time.Time) (Resolution, error) {

	channels := p.Channels[trigger]
	if len(channels) == 0 {
		return Resolution{}, nil
	}

	res := Resolution{
		Channels: append([]queue.Channel(nil), channels...),
	}

	if !p.Quiet.Enabled || quietExempt(p.Quiet, trigger) {
		return res, nil
	}

	deferUntil, err := quietDeferral(p.Quiet, now)
	if err != nil {
		return Resolution{}, fmt.Errorf("quiet hours for %s: %w",
			p.Username, err)
	}

	res.NotBefore = deferUntil

	return res, nil
}

// quietExempt reports whether the trigger bypasses the quiet window.
func quietExempt(q QuietHours, trigger event.Type) bool {
	for _, t := range q.Exceptions {
		if t == trigger {
			return true
		}
	}

	return false
}

// quietDeferral returns the UTC time the quiet window ends if now falls
// inside it, or the zero time if now is outside the window. The window is
// half-open [start, end) in the user's local zone and may cross midnight.
func quietDeferral(q QuietHours, now time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(q.Timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("load zone %q: %w",
			q.Timezone, err)
	}

	startMin, err := parseClock(q.Start)
	if err != nil {
		return time.Time{}, fmt.Errorf("start %q: %w", q.Start, err)
	}
	endMin, err := parseClock(q.End)
	if err != nil {
		return time.Time{}, fmt.Errorf("end %q: %w", q.End, err)
	}

	// A degenerate window suppresses nothing.
	if startMin == endMin {
		return time.Time{}, nil
	}

	local := now.In(loc)
	nowMin := local.Hour()*60 + local.Minute()

	inWindow := false
	if startMin < endMin {
		inWindow = nowMin >= startMin && nowMin < endMin
	} else {
		// Crosses midnight, e.g. 22:00 to 08:00.
		inWindow = nowMin >= startMin || nowMin < endMin
	}
	if !inWindow {
		return time.Time{}, nil
	}

	// Walk to the end of the current window occurrence. When the window
	// crosses midnight and we are in the late-evening half, the end is on
	// the next calendar day.
	endDay := local
	if startMin > endMin && nowMin >= startMin {
		endDay = local.AddDate(0, 0, 1)
	}

	end := time.Date(
		endDay.Year(), endDay.Month(), endDay.Day(),
		endMin/60, endMin%60, 0, 0, loc,
	)

	return end.UTC(), nil
}

// parseClock parses an "HH:MM" 24h clock string into minutes past midnight.
func parseClock(s string) (int, error) {
	var hh, mm int
	if _, err := fmt.Sscanf(s, "%02d:%02d", &hh, &mm); err != nil {
		return 0, fmt.Errorf("parse clock: %w", err)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("clock out of range: %s", s)
	}

	return hh*60 + mm, nil
}

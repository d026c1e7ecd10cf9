// Package broadcast publishes raw dispatched events to external and
// in-process subscribers that sit outside the notification pipeline, such
// as analytics consumers and live admin views.
package broadcast

import (
	"context"
	"errors"

	"github.com/l3v3l/pulse/internal/event"
)

// Fanout publishes to every member broadcaster, collecting errors instead
// of stopping at the first, so one degraded sink cannot starve the others.
type Fanout struct {
	members []event.Broadcaster
}

// NewFanout creates a composite broadcaster. Nil members are skipped.
func NewFanout(members ...event.Broadcaster) *Fanout {
	kept := make([]event.Broadcaster, 0, len(members))
	for _, m := range members {
		if m != nil {
			kept = append(kept, m)
		}
	}

	return &Fanout{members: kept}
}

// Publish sends the event to all members and joins their errors.
func (f *Fanout) Publish(ctx context.Context, ev event.Event) error {
	var errs []error
	for _, m := range f.members {
		if err := m.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

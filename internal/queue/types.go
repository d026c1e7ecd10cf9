// Package queue implements the durable notification work queue and the
// append-only delivery log. Handlers insert pending entries; delivery
// workers claim, deliver, and update them. The two roles never update the
// same rows concurrently, so the only contention is between workers of the
// same channel, resolved by the atomic claim.
package queue

import (
	"errors"
	"time"

	"github.com/l3v3l/pulse/internal/event"
)

// Channel is a delivery medium for a notification.
type Channel string

const (
	// ChannelEmail delivers via outbound mail transfer.
	ChannelEmail Channel = "email"

	// ChannelSMS delivers via an SMS carrier API.
	ChannelSMS Channel = "sms"

	// ChannelPush delivers via a push-notification gateway.
	ChannelPush Channel = "push"
)

// AllChannels lists every supported delivery channel.
var AllChannels = []Channel{ChannelEmail, ChannelSMS, ChannelPush}

// Valid returns true if the channel is a member of the supported set.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush:
		return true
	}

	return false
}

// Priority orders entries within a claim batch.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Status is the lifecycle state of a queue entry.
//
// Transitions: pending -> in_flight -> {sent | pending(retry) | failed}.
// Terminal states are sent, failed, and skipped; skipped is set by the
// enqueuing handler when preference resolution yields zero channels, and
// such entries never enter the worker pipeline at all.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusSent     Status = "sent"
	StatusFailed   Status = "failed"
	StatusSkipped  Status = "skipped"
)

// Entry is a single unit of deliverable work: one recipient, one trigger,
// one channel. A logical notification addressed to multiple channels is
// stored as sibling entries sharing a GroupID, because status and attempt
// accounting are per-channel facts.
type Entry struct {
	ID        string
	GroupID   string
	Recipient string
	Trigger   event.Type
	Channel   Channel
	Priority  Priority
	Payload   map[string]any

	Status   Status
	Attempts int

	// ClaimToken identifies the claim that owns an in-flight entry.
	// Status finalizers require it, so a worker that lost its lease to
	// a re-claim cannot clobber the new owner's updates.
	ClaimToken string

	CreatedAt       time.Time
	ScheduledFor    time.Time
	ClaimedAt       time.Time
	LastAttemptedAt time.Time
	LastError       string
}

// EnqueueParams describes a logical notification to insert.
type EnqueueParams struct {
	// Recipient is the user to notify.
	Recipient string

	// Trigger is the semantic category of the notification.
	Trigger event.Type

	// Channels is the set of delivery channels; one entry row is created
	// per channel.
	Channels []Channel

	// Priority orders the entries within worker claim batches.
	Priority Priority

	// Payload carries template data for rendering.
	Payload map[string]any

	// NotBefore defers delivery; the zero value means deliverable
	// immediately.
	NotBefore time.Time
}

// ClaimParams selects the batch a delivery worker takes ownership of.
type ClaimParams struct {
	// Channel restricts the claim to entries for this worker's channel.
	Channel Channel

	// Limit caps the batch size.
	Limit int

	// Now is the claim timestamp; entries with ScheduledFor after Now are
	// not yet due.
	Now time.Time

	// LeaseTimeout re-qualifies in-flight entries whose claim is older
	// than this, healing claims orphaned by a crashed worker run.
	LeaseTimeout time.Duration
}

// LogRecord is one append-only delivery attempt record.
type LogRecord struct {
	QueueID    string
	Recipient  string
	Trigger    event.Type
	Channel    Channel
	Outcome    string
	ProviderID string
	Detail     string
	SentAt     time.Time
}

// Delivery log outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
)

// Stats holds aggregate counts for the queue, for the operator surface.
type Stats struct {
	PendingCount  int64
	InFlightCount int64
	SentCount     int64
	FailedCount   int64
	SkippedCount  int64
	OldestPending *time.Time
}

var (
	// ErrClaimConflict is returned when a status update loses the race
	// against another worker or a lease re-claim. It is benign; the
	// caller simply skips the entry.
	ErrClaimConflict = errors.New("queue entry claimed by another worker")

	// ErrNotFound is returned when an entry id does not exist.
	ErrNotFound = errors.New("queue entry not found")
)

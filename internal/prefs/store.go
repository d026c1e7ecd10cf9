package prefs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/l3v3l/pulse/internal/db"
	"github.com/l3v3l/pulse/internal/event"
	"github.com/l3v3l/pulse/internal/queue"
)

// Store persists per-user preferences.
type Store struct {
	db  *db.Store
	log *slog.Logger
}

// NewStore creates a preference store on top of the shared database store.
func NewStore(dbStore *db.Store, log *slog.Logger) *Store {
	return &Store{
		db:  dbStore,
		log: log,
	}
}

// Get returns the user's preferences, lazily creating and persisting the
// default set on first access. Two concurrent first accesses race on the
// insert; the loser of the unique constraint re-reads the winner's row.
func (s *Store) Get(ctx context.Context,
	username string) (Preferences, error) {

	p, err := s.fetch(ctx, username)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Preferences{}, err
	}

	defaults := DefaultPreferences(username, time.Now().UTC())
	inserted, err := s.insertDefaults(ctx, defaults)
	if err != nil {
		return Preferences{}, err
	}

	// A concurrent first access may have won the insert; its record is
	// authoritative.
	if !inserted {
		return s.fetch(ctx, username)
	}

	s.log.DebugContext(ctx, "Created default preferences",
		"username", username)

	return defaults, nil
}

// insertDefaults writes the default record unless one already exists,
// reporting whether the insert won.
func (s *Store) insertDefaults(ctx context.Context,
	p Preferences) (bool, error) {

	channelsJSON, err := json.Marshal(channelsWire(p.Channels))
	if err != nil {
		return false, fmt.Errorf("marshal channels: %w", err)
	}

	exceptionsJSON, err := json.Marshal(typeNames(p.Quiet.Exceptions))
	if err != nil {
		return false, fmt.Errorf("marshal exceptions: %w", err)
	}

	var inserted bool
	err = s.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO notification_prefs (
				username, channels_json, quiet_enabled,
				quiet_start, quiet_end, quiet_tz,
				quiet_exceptions_json, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.Username, string(channelsJSON),
			boolInt(p.Quiet.Enabled), p.Quiet.Start, p.Quiet.End,
			p.Quiet.Timezone, string(exceptionsJSON),
			p.CreatedAt.Unix(), p.UpdatedAt.Unix(),
		)
		if err != nil {
			return err
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n > 0

		return nil
	})
	if err != nil {
		return false, err
	}

	return inserted, nil
}

// Put writes the full preference record, inserting or replacing. UpdatedAt
// is stamped by the store.
func (s *Store) Put(ctx context.Context, p Preferences) error {
	channelsJSON, err := json.Marshal(channelsWire(p.Channels))
	if err != nil {
		return fmt.Errorf("marshal channels: %w", err)
	}

	exceptionsJSON, err := json.Marshal(typeNames(p.Quiet.Exceptions))
	if err != nil {
		return fmt.Errorf("marshal exceptions: %w", err)
	}

	now := time.Now().UTC()
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	return s.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO notification_prefs (
				username, channels_json, quiet_enabled,
				quiet_start, quiet_end, quiet_tz,
				quiet_exceptions_json, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (username) DO UPDATE SET
				channels_json = excluded.channels_json,
				quiet_enabled = excluded.quiet_enabled,
				quiet_start = excluded.quiet_start,
				quiet_end = excluded.quiet_end,
				quiet_tz = excluded.quiet_tz,
				quiet_exceptions_json =
					excluded.quiet_exceptions_json,
				updated_at = excluded.updated_at`,
			p.Username, string(channelsJSON),
			boolInt(p.Quiet.Enabled), p.Quiet.Start, p.Quiet.End,
			p.Quiet.Timezone, string(exceptionsJSON),
			createdAt.Unix(), now.Unix(),
		)

		return err
	})
}

// SetQuietHours updates just the quiet window on an existing (or default)
// record.
func (s *Store) SetQuietHours(ctx context.Context, username string,
	q QuietHours) error {

	p, err := s.Get(ctx, username)
	if err != nil {
		return err
	}

	p.Quiet = q

	return s.Put(ctx, p)
}

// SetChannels updates the channel list for one trigger on an existing (or
// default) record. An empty list removes the trigger, silencing it.
func (s *Store) SetChannels(ctx context.Context, username string,
	trigger event.Type, channels []queue.Channel) error {

	p, err := s.Get(ctx, username)
	if err != nil {
		return err
	}

	if len(channels) == 0 {
		delete(p.Channels, trigger)
	} else {
		p.Channels[trigger] = channels
	}

	return s.Put(ctx, p)
}

// fetch reads the raw row. Returns sql.ErrNoRows when absent.
func (s *Store) fetch(ctx context.Context,
	username string) (Preferences, error) {

	var (
		p              Preferences
		channelsJSON   string
		quietEnabled   int
		exceptionsJSON string
		createdAt      int64
		updatedAt      int64
	)

	err := s.db.WithReadTx(ctx, func(ctx context.Context,
		tx *sql.Tx) error {

		row := tx.QueryRowContext(ctx, `
			SELECT username, channels_json, quiet_enabled,
			       quiet_start, quiet_end, quiet_tz,
			       quiet_exceptions_json, created_at, updated_at
			FROM notification_prefs WHERE username = ?`,
			username,
		)

		return row.Scan(
			&p.Username, &channelsJSON, &quietEnabled,
			&p.Quiet.Start, &p.Quiet.End, &p.Quiet.Timezone,
			&exceptionsJSON, &createdAt, &updatedAt,
		)
	})
	if err != nil {
		return Preferences{}, err
	}

	var wire map[string][]string
	if err := json.Unmarshal([]byte(channelsJSON), &wire); err != nil {
		return Preferences{}, fmt.Errorf("unmarshal channels: %w", err)
	}

	p.Channels = make(map[event.Type][]queue.Channel, len(wire))
	for t, names := range wire {
		chans := make([]queue.Channel, 0, len(names))
		for _, name := range names {
			chans = append(chans, queue.Channel(name))
		}
		p.Channels[event.Type(t)] = chans
	}

	var exceptions []string
	if err := json.Unmarshal(
		[]byte(exceptionsJSON), &exceptions,
	); err != nil {
		return Preferences{}, fmt.Errorf(
			"unmarshal exceptions: %w", err)
	}
	for _, name := range exceptions {
		p.Quiet.Exceptions = append(
			p.Quiet.Exceptions, event.Type(name),
		)
	}

	p.Quiet.Enabled = quietEnabled != 0
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	p.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return p, nil
}

// channelsWire converts the typed channel map to its JSON wire shape.
func channelsWire(m map[event.Type][]queue.Channel) map[string][]string {
	wire := make(map[string][]string, len(m))
	for t, chans := range m {
		names := make([]string, 0, len(chans))
		for _, c := range chans {
			names = append(names, string(c))
		}
		wire[string(t)] = names
	}

	return wire
}

// typeNames converts event types to their string names.
func typeNames(types []event.Type) []string {
	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, string(t))
	}

	return names
}

// boolInt stores a bool in an INTEGER column.
func boolInt(b bool) int {
	if b {
		return 1
	}

	return 0
}

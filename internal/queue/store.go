package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/l3v3l/pulse/internal/db"
	"github.com/l3v3l/pulse/internal/event"
)

// entryColumns is the column list every entry select uses, kept in one place
// so scanEntry stays in sync.
const entryColumns = `id, group_id, recipient, trigger_type, channel,
	priority, payload_json, status, attempts, claim_token, created_at,
	scheduled_for, claimed_at, last_attempted_at, last_error`

// Store provides access to the notification queue and the delivery log.
type Store struct {
	db  *db.Store
	log *slog.Logger
}

// NewStore creates a queue store on top of the shared database store.
func NewStore(dbStore *db.Store, log *slog.Logger) *Store {
	return &Store{
		db:  dbStore,
		log: log,
	}
}

// Enqueue inserts one pending entry per requested channel, all sharing a
// fresh group id, in a single transaction. It returns the inserted entries.
func (s *Store) Enqueue(ctx context.Context,
	params EnqueueParams) ([]Entry, error) {

	if len(params.Channels) == 0 {
		return nil, fmt.Errorf("enqueue for %s/%s: no channels",
			params.Recipient, params.Trigger)
	}

	priority := params.Priority
	if priority == "" {
		priority = PriorityNormal
	}

	payloadJSON, err := json.Marshal(params.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	now := time.Now().UTC()
	notBefore := params.NotBefore
	if notBefore.IsZero() {
		notBefore = now
	}

	groupID := uuid.Must(uuid.NewV7()).String()
	entries := make([]Entry, 0, len(params.Channels))

	err = s.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for _, ch := range params.Channels {
			entry := Entry{
				ID:           uuid.Must(uuid.NewV7()).String(),
				GroupID:      groupID,
				Recipient:    params.Recipient,
				Trigger:      params.Trigger,
				Channel:      ch,
				Priority:     priority,
				Payload:      params.Payload,
				Status:       StatusPending,
				CreatedAt:    now,
				ScheduledFor: notBefore,
			}

			_, err := tx.ExecContext(ctx, `
				INSERT INTO notification_queue (
					id, group_id, recipient, trigger_type,
					channel, priority, payload_json,
					status, created_at, scheduled_for
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				entry.ID, entry.GroupID, entry.Recipient,
				string(entry.Trigger), string(entry.Channel),
				string(entry.Priority), string(payloadJSON),
				string(StatusPending), now.Unix(),
				notBefore.Unix(),
			)
			if err != nil {
				return fmt.Errorf("insert entry: %w", err)
			}

			entries = append(entries, entry)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// EnqueueSkipped records that preference resolution yielded zero channels
// for a notification, so the admin surface can distinguish "suppressed by
// prefs" from "never attempted". Skipped entries carry no channel and never
// enter the worker pipeline.
func (s *Store) EnqueueSkipped(ctx context.Context, recipient string,
	trigger event.Type, payload map[string]any) error {

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	now := time.Now().UTC()

	return s.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO notification_queue (
				id, group_id, recipient, trigger_type, channel,
				priority, payload_json, status, created_at,
				scheduled_for
			) VALUES (?, ?, ?, ?, '', ?, ?, ?, ?, ?)`,
			uuid.Must(uuid.NewV7()).String(),
			uuid.Must(uuid.NewV7()).String(),
			recipient, string(trigger), string(PriorityLow),
			string(payloadJSON), string(StatusSkipped),
			now.Unix(), now.Unix(),
		)

		return err
	})
}

// Claim atomically takes ownership of up to Limit due entries for one
// channel. The select and the status flip happen in the same transaction
// under a fresh claim token, so two concurrent worker runs can never both
// transition the same entry out of pending. Entries whose in-flight claim is
// older than the lease timeout are treated as abandoned and re-claimed.
func (s *Store) Claim(ctx context.Context,
	params ClaimParams) ([]Entry, error) {

	if params.Limit <= 0 {
		return nil, nil
	}

	token := uuid.Must(uuid.NewV7()).String()
	leaseCutoff := params.Now.Add(-params.LeaseTimeout).Unix()

	var entries []Entry
	err := s.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE notification_queue
			SET status = ?, claim_token = ?, claimed_at = ?
			WHERE id IN (
				SELECT id FROM notification_queue
				WHERE channel = ?
				AND (
					(status = ? AND scheduled_for <= ?)
					OR (status = ? AND claimed_at <= ?)
				)
				ORDER BY
					CASE priority
						WHEN 'high' THEN 0
						WHEN 'normal' THEN 1
						ELSE 2
					END,
					scheduled_for
				LIMIT ?
			)`,
			string(StatusInFlight), token, params.Now.Unix(),
			string(params.Channel),
			string(StatusPending), params.Now.Unix(),
			string(StatusInFlight), leaseCutoff,
			params.Limit,
		)
		if err != nil {
			return fmt.Errorf("claim update: %w", err)
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT `+entryColumns+`
			FROM notification_queue
			WHERE claim_token = ?
			ORDER BY
				CASE priority
					WHEN 'high' THEN 0
					WHEN 'normal' THEN 1
					ELSE 2
				END,
				scheduled_for`,
			token,
		)
		if err != nil {
			return fmt.Errorf("claim select: %w", err)
		}
		defer rows.Close()

		entries, err = scanEntries(rows)

		return err
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// MarkSent transitions a claimed entry to the terminal sent state. It
// returns ErrClaimConflict if the claim token no longer owns the entry,
// which means another worker re-claimed it after a lease expiry.
func (s *Store) MarkSent(ctx context.Context, id, token string,
	at time.Time) error {

	return s.finishEntry(ctx, id, token, StatusSent, "", at)
}

// MarkFailed transitions a claimed entry to the terminal failed state,
// recording the final error for operator visibility.
func (s *Store) MarkFailed(ctx context.Context, id, token, errMsg string,
	at time.Time) error {

	return s.finishEntry(ctx, id, token, StatusFailed, errMsg, at)
}

// finishEntry moves an in-flight entry into a terminal state, bumping the
// attempt counter. The update is fenced on the claim token.
func (s *Store) finishEntry(ctx context.Context, id, token string,
	status Status, errMsg string, at time.Time) error {

	return s.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE notification_queue
			SET status = ?, attempts = attempts + 1,
			    last_attempted_at = ?, last_error = ?,
			    claim_token = NULL
			WHERE id = ? AND status = ? AND claim_token = ?`,
			string(status), at.Unix(), nullString(errMsg),
			id, string(StatusInFlight), token,
		)
		if err != nil {
			return fmt.Errorf("finish entry: %w", err)
		}

		return requireClaimed(ctx, tx, res, id)
	})
}

// Retry returns an in-flight entry to pending with a backoff delay applied
// to its schedule, bumping the attempt counter. Like the terminal updates,
// it is fenced on the claim token.
func (s *Store) Retry(ctx context.Context, id, token, errMsg string,
	at time.Time, delay time.Duration) error {

	return s.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE notification_queue
			SET status = ?, attempts = attempts + 1,
			    last_attempted_at = ?, last_error = ?,
			    scheduled_for = ?, claim_token = NULL
			WHERE id = ? AND status = ? AND claim_token = ?`,
			string(StatusPending), at.Unix(), nullString(errMsg),
			at.Add(delay).Unix(), id, string(StatusInFlight),
			token,
		)
		if err != nil {
			return fmt.Errorf("retry entry: %w", err)
		}

		return requireClaimed(ctx, tx, res, id)
	})
}

// Requeue resets a terminally failed entry to pending so it can be
// re-attempted, used by the operator CLI.
func (s *Store) Requeue(ctx context.Context, id string,
	now time.Time) error {

	return s.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE notification_queue
			SET status = ?, scheduled_for = ?, last_error = NULL,
			    claim_token = NULL
			WHERE id = ? AND status = ?`,
			string(StatusPending), now.Unix(), id,
			string(StatusFailed),
		)
		if err != nil {
			return fmt.Errorf("requeue entry: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}

		return nil
	})
}

// CancelPending deletes still-pending entries for a (recipient, trigger)
// pair whose payload actor matches. Used when the originating action is
// undone before delivery (favorite removed, shortlist entry removed).
// Returns the number of cancelled entries.
func (s *Store) CancelPending(ctx context.Context, recipient string,
	trigger event.Type, actor string) (int64, error) {

	var cancelled int64
	err := s.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM notification_queue
			WHERE recipient = ? AND trigger_type = ?
			AND status = ?
			AND json_extract(payload_json, '$.actor') = ?`,
			recipient, string(trigger), string(StatusPending),
			actor,
		)
		if err != nil {
			return fmt.Errorf("cancel pending: %w", err)
		}

		cancelled, err = res.RowsAffected()

		return err
	})

	return cancelled, err
}

// Get returns a single entry by id.
func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	var entry Entry

	err := s.db.WithReadTx(ctx, func(ctx context.Context,
		tx *sql.Tx) error {

		row := tx.QueryRowContext(ctx, `
			SELECT `+entryColumns+`
			FROM notification_queue WHERE id = ?`, id,
		)

		var err error
		entry, err = scanEntryRow(row)

		return err
	})

	return entry, err
}

// ListByRecipient returns the most recent entries for a user, newest first.
func (s *Store) ListByRecipient(ctx context.Context, recipient string,
	limit int) ([]Entry, error) {

	var entries []Entry
	err := s.db.WithReadTx(ctx, func(ctx context.Context,
		tx *sql.Tx) error {

		rows, err := tx.QueryContext(ctx, `
			SELECT `+entryColumns+`
			FROM notification_queue
			WHERE recipient = ?
			ORDER BY created_at DESC
			LIMIT ?`,
			recipient, limit,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		entries, err = scanEntries(rows)

		return err
	})

	return entries, err
}

// RecentFailures returns terminally failed entries, most recent first.
func (s *Store) RecentFailures(ctx context.Context,
	limit int) ([]Entry, error) {

	var entries []Entry
	err := s.db.WithReadTx(ctx, func(ctx context.Context,
		tx *sql.Tx) error {

		rows, err := tx.QueryContext(ctx, `
			SELECT `+entryColumns+`
			FROM notification_queue
			WHERE status = ?
			ORDER BY last_attempted_at DESC
			LIMIT ?`,
			string(StatusFailed), limit,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		entries, err = scanEntries(rows)

		return err
	})

	return entries, err
}

// Stats returns aggregate counts by status plus the age of the oldest
// pending entry.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats

	err := s.db.WithReadTx(ctx, func(ctx context.Context,
		tx *sql.Tx) error {

		row := tx.QueryRowContext(ctx, `
			SELECT
				COUNT(CASE WHEN status = 'pending' THEN 1 END),
				COUNT(CASE WHEN status = 'in_flight' THEN 1 END),
				COUNT(CASE WHEN status = 'sent' THEN 1 END),
				COUNT(CASE WHEN status = 'failed' THEN 1 END),
				COUNT(CASE WHEN status = 'skipped' THEN 1 END),
				MIN(CASE WHEN status = 'pending'
					THEN scheduled_for END)
			FROM notification_queue`,
		)

		var oldest sql.NullInt64
		err := row.Scan(
			&stats.PendingCount, &stats.InFlightCount,
			&stats.SentCount, &stats.FailedCount,
			&stats.SkippedCount, &oldest,
		)
		if err != nil {
			return err
		}

		if oldest.Valid {
			t := time.Unix(oldest.Int64, 0).UTC()
			stats.OldestPending = &t
		}

		return nil
	})

	return stats, err
}

// AppendLog writes one append-only delivery attempt record.
func (s *Store) AppendLog(ctx context.Context, rec LogRecord) error {
	return s.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO delivery_log (
				queue_id, recipient, trigger_type, channel,
				outcome, provider_id, detail, sent_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.QueueID, rec.Recipient, string(rec.Trigger),
			string(rec.Channel), rec.Outcome,
			nullString(rec.ProviderID), nullString(rec.Detail),
			rec.SentAt.Unix(),
		)

		return err
	})
}

// History returns a user's delivery log records, newest first.
func (s *Store) History(ctx context.Context, recipient string,
	limit int) ([]LogRecord, error) {

	var recs []LogRecord
	err := s.db.WithReadTx(ctx, func(ctx context.Context,
		tx *sql.Tx) error {

		rows, err := tx.QueryContext(ctx, `
			SELECT queue_id, recipient, trigger_type, channel,
			       outcome, provider_id, detail, sent_at
			FROM delivery_log
			WHERE recipient = ?
			ORDER BY sent_at DESC
			LIMIT ?`,
			recipient, limit,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				rec        LogRecord
				trigger    string
				channel    string
				providerID sql.NullString
				detail     sql.NullString
				sentAt     int64
			)

			err := rows.Scan(
				&rec.QueueID, &rec.Recipient, &trigger,
				&channel, &rec.Outcome, &providerID, &detail,
				&sentAt,
			)
			if err != nil {
				return err
			}

			rec.Trigger = event.Type(trigger)
			rec.Channel = Channel(channel)
			rec.ProviderID = providerID.String
			rec.Detail = detail.String
			rec.SentAt = time.Unix(sentAt, 0).UTC()

			recs = append(recs, rec)
		}

		return rows.Err()
	})

	return recs, err
}

// requireClaimed maps a zero-row status update to either ErrNotFound or the
// benign ErrClaimConflict, depending on whether the entry still exists.
func requireClaimed(ctx context.Context, tx *sql.Tx, res sql.Result,
	id string) error {

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notification_queue WHERE id = ?`, id,
	).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}

	return ErrClaimConflict
}

// scanEntries collects all entries from an open rows cursor.
func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		entry, err := scanEntryRow(rows)
		if err != nil {
			return nil, err
		}

		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// rowScanner is the subset of sql.Row/sql.Rows needed by scanEntryRow.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanEntryRow scans a single entry using the entryColumns order.
func scanEntryRow(row rowScanner) (Entry, error) {
	var (
		entry       Entry
		trigger     string
		channel     string
		priority    string
		payloadJSON string
		status      string
		claimToken  sql.NullString
		createdAt   int64
		scheduled   int64
		claimedAt   sql.NullInt64
		attemptedAt sql.NullInt64
		lastError   sql.NullString
	)

	err := row.Scan(
		&entry.ID, &entry.GroupID, &entry.Recipient, &trigger,
		&channel, &priority, &payloadJSON, &status, &entry.Attempts,
		&claimToken, &createdAt, &scheduled, &claimedAt, &attemptedAt,
		&lastError,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return Entry{}, ErrNotFound
		}

		return Entry{}, fmt.Errorf("scan entry: %w", err)
	}

	entry.Trigger = event.Type(trigger)
	entry.Channel = Channel(channel)
	entry.Priority = Priority(priority)
	entry.Status = Status(status)
	entry.ClaimToken = claimToken.String
	entry.CreatedAt = time.Unix(createdAt, 0).UTC()
	entry.ScheduledFor = time.Unix(scheduled, 0).UTC()
	entry.LastError = lastError.String

	if claimedAt.Valid {
		entry.ClaimedAt = time.Unix(claimedAt.Int64, 0).UTC()
	}
	if attemptedAt.Valid {
		entry.LastAttemptedAt = time.Unix(attemptedAt.Int64, 0).UTC()
	}

	if payloadJSON != "" {
		if err := json.Unmarshal(
			[]byte(payloadJSON), &entry.Payload,
		); err != nil {
			return Entry{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}

	return entry, nil
}

// nullString converts a string to sql.NullString, treating empty strings as
// NULL.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: s, Valid: true}
}

// Package notify wires event handlers to the preference and queue stores,
// turning raw user-action events into queued notifications.
package notify

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/l3v3l/pulse/internal/db"
)

// RelationStore persists directional favorite and shortlist relations. Its
// single job beyond bookkeeping is mutual-favorite detection, which must be
// atomic with the insert so exactly one of two concurrent reciprocal
// favorites observes mutuality.
type RelationStore struct {
	db  *db.Store
	log *slog.Logger
}

// NewRelationStore creates a relation store on top of the shared database
// store.
func NewRelationStore(dbStore *db.Store, log *slog.Logger) *RelationStore {
	return &RelationStore{
		db:  dbStore,
		log: log,
	}
}

// AddFavorite records user -> target, reporting whether the edge is new and
// whether the pair is now mutual. The insert and the reverse-edge check run
// in one write transaction, so with two users favoriting each other
// concurrently the serialized last writer, and only it, sees mutual=true. A
// duplicate favorite reports inserted=false and never reports mutuality.
func (r *RelationStore) AddFavorite(ctx context.Context, user,
	target string) (inserted, mutual bool, err error) {

	err = r.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO favorites (user, target, created_at)
			VALUES (?, ?, ?)`,
			user, target, time.Now().UTC().Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert favorite: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Already favorited; re-favoriting must not re-fire
			// mutual detection.
			inserted, mutual = false, false
			return nil
		}
		inserted = true

		var reverse int
		err = tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM favorites
			WHERE user = ? AND target = ?`,
			target, user,
		).Scan(&reverse)
		if err != nil {
			return fmt.Errorf("check reverse favorite: %w", err)
		}

		mutual = reverse > 0

		return nil
	})
	if err != nil {
		return false, false, err
	}

	return inserted, mutual, nil
}

// RemoveFavorite deletes user -> target and reports whether an edge existed.
func (r *RelationStore) RemoveFavorite(ctx context.Context, user,
	target string) (bool, error) {

	return r.removeEdge(ctx, "favorites", user, target)
}

// AddShortlist records user -> target and reports whether the edge is new.
func (r *RelationStore) AddShortlist(ctx context.Context, user,
	target string) (bool, error) {

	var added bool
	err := r.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO shortlists (user, target, created_at)
			VALUES (?, ?, ?)`,
			user, target, time.Now().UTC().Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert shortlist: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		added = n > 0

		return nil
	})
	if err != nil {
		return false, err
	}

	return added, nil
}

// RemoveShortlist deletes user -> target and reports whether an edge
// existed.
func (r *RelationStore) RemoveShortlist(ctx context.Context, user,
	target string) (bool, error) {

	return r.removeEdge(ctx, "shortlists", user, target)
}

// removeEdge deletes one directional edge from the named relation table.
func (r *RelationStore) removeEdge(ctx context.Context, table, user,
	target string) (bool, error) {

	var removed bool
	err := r.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE user = ? AND target = ?`,
			user, target,
		)
		if err != nil {
			return fmt.Errorf("delete from %s: %w", table, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		removed = n > 0

		return nil
	})
	if err != nil {
		return false, err
	}

	return removed, nil
}

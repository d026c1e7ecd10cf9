package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	prand "math/rand"
	"time"
)

// DefaultStoreTimeout is the default timeout used for any interaction
// with the storage/database.
var DefaultStoreTimeout = time.Second * 10

const (
	// DefaultNumTxRetries is the default number of times we'll retry a
	// transaction if it fails with an error that permits transaction
	// repetition.
	DefaultNumTxRetries = 10

	// DefaultInitialRetryDelay is the default initial delay between
	// retries. This will be used to generate a random delay between -50%
	// and +50% of this value, so 20 to 60 milliseconds. The retry will be
	// doubled after each attempt until we reach DefaultMaxRetryDelay. We
	// start with a random value to avoid multiple goroutines that are
	// created at the same time to effectively retry at the same time.
	DefaultInitialRetryDelay = time.Millisecond * 40

	// DefaultMaxRetryDelay is the default maximum delay between retries.
	DefaultMaxRetryDelay = time.Second * 3
)

// txOptions holds the retry options for the transaction helpers.
type txOptions struct {
	numRetries        int
	initialRetryDelay time.Duration
	maxRetryDelay     time.Duration
}

// defaultTxOptions returns the default options for transaction execution.
func defaultTxOptions() *txOptions {
	return &txOptions{
		numRetries:        DefaultNumTxRetries,
		initialRetryDelay: DefaultInitialRetryDelay,
		maxRetryDelay:     DefaultMaxRetryDelay,
	}
}

// randRetryDelay returns a random retry delay between -50% and +50% of the
// configured delay that is doubled for each attempt and capped at a max value.
func (t *txOptions) randRetryDelay(attempt int) time.Duration {
	halfDelay := t.initialRetryDelay / 2
	randDelay := prand.Int63n(int64(t.initialRetryDelay)) //nolint:gosec

	// 50% plus 0%-100% gives us the range of 50%-150%.
	initialDelay := halfDelay + time.Duration(randDelay)

	// If this is the first attempt, we just return the initial delay.
	if attempt == 0 {
		return initialDelay
	}

	// For each subsequent delay, we double the initial delay. This still
	// gives us a somewhat random delay, but it still increases with each
	// attempt. If we double something n times, that's the same as
	// multiplying the value with 2^n. We limit the power to 32 to avoid
	// overflows.
	factor := time.Duration(math.Pow(2, math.Min(float64(attempt), 32)))
	//nolint:durationcheck
	actualDelay := initialDelay * factor

	// Cap the delay at the maximum configured value.
	if actualDelay > t.maxRetryDelay {
		return t.maxRetryDelay
	}

	return actualDelay
}

// TxOption is a functional option that can be passed to NewStore to modify
// transaction retry behavior.
type TxOption func(*txOptions)

// WithTxRetries allows callers to specify the number of times a transaction
// should be retried if it fails with a repeatable error.
func WithTxRetries(numRetries int) TxOption {
	return func(o *txOptions) {
		o.numRetries = numRetries
	}
}

// WithTxRetryDelay allows callers to specify the delay to wait before a
// failed transaction is retried.
func WithTxRetryDelay(delay time.Duration) TxOption {
	return func(o *txOptions) {
		o.initialRetryDelay = delay
	}
}

// Store wraps a raw SQLite connection with transaction helpers that retry
// serialization and deadlock failures with a jittered exponential backoff.
type Store struct {
	db *sql.DB

	opts *txOptions

	log *slog.Logger
}

// NewStore creates a new Store instance wrapping the given database
// connection.
func NewStore(db *sql.DB, log *slog.Logger, opts ...TxOption) *Store {
	txOpts := defaultTxOptions()
	for _, optFunc := range opts {
		optFunc(txOpts)
	}

	return &Store{
		db:   db,
		opts: txOpts,
		log:  log,
	}
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// TxFunc is the function signature for transaction callbacks. The callback
// receives a transaction handle that all statements must be executed against.
type TxFunc func(ctx context.Context, tx *sql.Tx) error

// WithTx executes the given function within a write transaction. If the
// function returns an error, the transaction is rolled back. Serialization
// and deadlock errors are retried up to the configured bound.
func (s *Store) WithTx(ctx context.Context, fn TxFunc) error {
	return s.execTx(ctx, &sql.TxOptions{}, fn)
}

// WithReadTx executes the given function within a read-only transaction.
func (s *Store) WithReadTx(ctx context.Context, fn TxFunc) error {
	return s.execTx(ctx, &sql.TxOptions{ReadOnly: true}, fn)
}

// execTx is a wrapper for txBody to abstract the creation and commit of a db
// transaction, retrying the body when the database reports a transient
// serialization or deadlock failure.
func (s *Store) execTx(ctx context.Context, txOpts *sql.TxOptions,
	txBody TxFunc) error {

	waitBeforeRetry := func(attemptNumber int) {
		retryDelay := s.opts.randRetryDelay(attemptNumber)

		s.log.DebugContext(
			ctx,
			"Retrying transaction due to tx serialization or "+
				"deadlock error",
			"attempt_number", attemptNumber,
			"delay", retryDelay,
		)

		// Before we try again, we'll wait with a random backoff based
		// on the retry delay.
		time.Sleep(retryDelay)
	}

	for i := 0; i < s.opts.numRetries; i++ {
		// Create the db transaction.
		tx, err := s.db.BeginTx(ctx, txOpts)
		if err != nil {
			dbErr := MapSQLError(err)
			if IsSerializationOrDeadlockError(dbErr) {
				// Nothing to roll back here, since we didn't
				// even get a transaction yet.
				waitBeforeRetry(i)
				continue
			}

			return dbErr
		}

		if err := txBody(ctx, tx); err != nil {
			dbErr := MapSQLError(err)

			// Roll back the transaction, then pop back up to try
			// once again if the error permits it.
			if rbErr := tx.Rollback(); rbErr != nil {
				return fmt.Errorf("tx error: %w, rollback "+
					"error: %v", dbErr, rbErr)
			}

			if IsSerializationOrDeadlockError(dbErr) {
				waitBeforeRetry(i)
				continue
			}

			return dbErr
		}

		// Commit transaction.
		if err = tx.Commit(); err != nil {
			dbErr := MapSQLError(err)
			if IsSerializationOrDeadlockError(dbErr) {
				// Commit failed due to serialization/deadlock,
				// clean up transaction state before retry.
				_ = tx.Rollback()

				waitBeforeRetry(i)

				continue
			}

			return dbErr
		}

		return nil
	}

	// If we get to this point, then we weren't able to successfully commit
	// a tx given the max number of retries.
	return ErrRetriesExceeded
}

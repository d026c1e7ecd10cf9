package deliver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/l3v3l/pulse/internal/db"
	"github.com/l3v3l/pulse/internal/queue"
)

// ErrNoAddress is returned when a user has no destination registered for
// the requested channel. It is permanent for the affected entry; retrying
// cannot conjure an address.
var ErrNoAddress = errors.New("no address registered for channel")

// AddressBook resolves a user's destination for a channel.
type AddressBook interface {
	// Lookup returns the address for the user on the channel, or
	// ErrNoAddress.
	Lookup(ctx context.Context, username string,
		channel queue.Channel) (string, error)
}

// StoreAddressBook is the database-backed address book.
type StoreAddressBook struct {
	db *db.Store
}

// NewStoreAddressBook creates an address book over the shared database
// store.
func NewStoreAddressBook(dbStore *db.Store) *StoreAddressBook {
	return &StoreAddressBook{db: dbStore}
}

// Lookup reads the user's address row and selects the channel column.
func (a *StoreAddressBook) Lookup(ctx context.Context, username string,
	channel queue.Channel) (string, error) {

	var email, phone, pushToken sql.NullString

	err := a.db.WithReadTx(ctx, func(ctx context.Context,
		tx *sql.Tx) error {

		return tx.QueryRowContext(ctx, `
			SELECT email, phone, push_token
			FROM addresses WHERE username = ?`,
			username,
		).Scan(&email, &phone, &pushToken)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s/%s", ErrNoAddress,
				username, channel)
		}

		return "", err
	}

	var addr sql.NullString
	switch channel {
	case queue.ChannelEmail:
		addr = email
	case queue.ChannelSMS:
		addr = phone
	case queue.ChannelPush:
		addr = pushToken
	default:
		return "", fmt.Errorf("unknown channel %q", channel)
	}

	if !addr.Valid || addr.String == "" {
		return "", fmt.Errorf("%w: %s/%s", ErrNoAddress,
			username, channel)
	}

	return addr.String, nil
}

// SetAddresses upserts a user's destinations. Empty strings clear the
// corresponding column.
func (a *StoreAddressBook) SetAddresses(ctx context.Context, username,
	email, phone, pushToken string) error {

	return a.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO addresses (username, email, phone, push_token)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (username) DO UPDATE SET
				email = excluded.email,
				phone = excluded.phone,
				push_token = excluded.push_token`,
			username, nullable(email), nullable(phone),
			nullable(pushToken),
		)

		return err
	})
}

// Addresses returns a user's registered destinations for display.
func (a *StoreAddressBook) Addresses(ctx context.Context,
	username string) (email, phone, pushToken string, err error) {

	var e, p, t sql.NullString
	err = a.db.WithReadTx(ctx, func(ctx context.Context,
		tx *sql.Tx) error {

		return tx.QueryRowContext(ctx, `
			SELECT email, phone, push_token
			FROM addresses WHERE username = ?`,
			username,
		).Scan(&e, &p, &t)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", "", nil
		}

		return "", "", "", err
	}

	return e.String, p.String, t.String, nil
}

// nullable converts an empty string to NULL.
func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: s, Valid: true}
}

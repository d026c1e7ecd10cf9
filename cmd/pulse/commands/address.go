package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/l3v3l/pulse/internal/deliver"
)

var (
	addrEmail string
	addrPhone string
	addrPush  string
)

// addressCmd is the parent command for address book subcommands.
var addressCmd = &cobra.Command{
	Use:   "address",
	Short: "Manage per-user delivery addresses",
}

// addressSetCmd upserts a user's addresses.
var addressSetCmd = &cobra.Command{
	Use:   "set <username>",
	Short: "Set a user's delivery addresses",
	Args:  cobra.ExactArgs(1),
	RunE:  runAddressSet,
}

// addressShowCmd prints a user's addresses.
var addressShowCmd = &cobra.Command{
	Use:   "show <username>",
	Short: "Show a user's delivery addresses",
	Args:  cobra.ExactArgs(1),
	RunE:  runAddressShow,
}

func init() {
	addressSetCmd.Flags().StringVar(
		&addrEmail, "email", "", "Email address",
	)
	addressSetCmd.Flags().StringVar(
		&addrPhone, "phone", "", "Phone number for SMS",
	)
	addressSetCmd.Flags().StringVar(
		&addrPush, "push-token", "", "Push notification token",
	)

	addressCmd.AddCommand(addressSetCmd)
	addressCmd.AddCommand(addressShowCmd)
}

func runAddressSet(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	book := deliver.NewStoreAddressBook(store)

	err = book.SetAddresses(
		context.Background(), args[0], addrEmail, addrPhone, addrPush,
	)
	if err != nil {
		return fmt.Errorf("failed to set addresses: %w", err)
	}

	fmt.Printf("Addresses updated for %s\n", args[0])

	return nil
}

func runAddressShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	book := deliver.NewStoreAddressBook(store)

	email, phone, push, err := book.Addresses(
		context.Background(), args[0],
	)
	if err != nil {
		return fmt.Errorf("failed to read addresses: %w", err)
	}

	if outputFormat == "json" {
		return outputJSON(map[string]string{
			"email":      email,
			"phone":      phone,
			"push_token": push,
		})
	}

	fmt.Printf("Addresses for %s\n", args[0])
	fmt.Printf("  email:      %s\n", orNone(email))
	fmt.Printf("  phone:      %s\n", orNone(phone))
	fmt.Printf("  push token: %s\n", orNone(push))

	return nil
}

// orNone substitutes a placeholder for empty values in text output.
func orNone(s string) string {
	if s == "" {
		return "(none)"
	}

	return s
}

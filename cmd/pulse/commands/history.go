package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/l3v3l/pulse/internal/queue"
)

var historyLimit int

// historyCmd lists a user's queue entries and delivery log.
var historyCmd = &cobra.Command{
	Use:   "history <username>",
	Short: "Show a user's notification history",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVar(
		&historyLimit, "limit", 20, "Maximum records to list",
	)
}

func runHistory(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	qs := queue.NewStore(store, slog.Default())
	ctx := context.Background()

	entries, err := qs.ListByRecipient(ctx, args[0], historyLimit)
	if err != nil {
		return fmt.Errorf("failed to list entries: %w", err)
	}

	records, err := qs.History(ctx, args[0], historyLimit)
	if err != nil {
		return fmt.Errorf("failed to read delivery log: %w", err)
	}

	if outputFormat == "json" {
		return outputJSON(map[string]any{
			"entries":      entries,
			"delivery_log": records,
		})
	}

	fmt.Printf("Queue entries for %s:\n", args[0])
	if len(entries) == 0 {
		fmt.Println("  (none)")
	}
	for _, e := range entries {
		fmt.Println("  " + formatEntry(e))
	}

	fmt.Printf("\nDelivery log for %s:\n", args[0])
	if len(records) == 0 {
		fmt.Println("  (none)")
	}
	for _, r := range records {
		line := fmt.Sprintf("  %s  %-9s %-6s %-12s",
			r.SentAt.Format(time.RFC3339), r.Outcome, r.Channel,
			r.Trigger)
		if r.ProviderID != "" {
			line += "  provider: " + r.ProviderID
		}
		if r.Detail != "" {
			line += "  detail: " + r.Detail
		}
		fmt.Println(line)
	}

	return nil
}

package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/l3v3l/pulse/internal/queue"
)

var failuresLimit int

// queueCmd is the parent command for queue inspection subcommands.
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the notification queue",
}

// queueStatsCmd shows aggregate counts for the queue.
var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	RunE:  runQueueStats,
}

// queueFailuresCmd lists recent terminally failed entries.
var queueFailuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "List recent failed notifications",
	RunE:  runQueueFailures,
}

// queueRequeueCmd returns a failed entry to pending.
var queueRequeueCmd = &cobra.Command{
	Use:   "requeue <entry-id>",
	Short: "Return a failed entry to the pending state",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRequeue,
}

func init() {
	queueFailuresCmd.Flags().IntVar(
		&failuresLimit, "limit", 20, "Maximum entries to list",
	)

	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueFailuresCmd)
	queueCmd.AddCommand(queueRequeueCmd)
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	qs := queue.NewStore(store, slog.Default())

	stats, err := qs.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("failed to read stats: %w", err)
	}

	if outputFormat == "json" {
		return outputJSON(stats)
	}

	fmt.Printf("Pending:   %d\n", stats.PendingCount)
	fmt.Printf("In flight: %d\n", stats.InFlightCount)
	fmt.Printf("Sent:      %d\n", stats.SentCount)
	fmt.Printf("Failed:    %d\n", stats.FailedCount)
	fmt.Printf("Skipped:   %d\n", stats.SkippedCount)

	if stats.OldestPending != nil {
		fmt.Printf("Oldest pending: %s (%s ago)\n",
			stats.OldestPending.Format(time.RFC3339),
			time.Since(*stats.OldestPending).Round(time.Second))
	}

	return nil
}

func runQueueFailures(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	qs := queue.NewStore(store, slog.Default())

	entries, err := qs.RecentFailures(
		context.Background(), failuresLimit,
	)
	if err != nil {
		return fmt.Errorf("failed to list failures: %w", err)
	}

	if outputFormat == "json" {
		return outputJSON(entries)
	}

	if len(entries) == 0 {
		fmt.Println("No failed notifications.")
		return nil
	}

	for _, e := range entries {
		fmt.Println(formatEntry(e))
		fmt.Printf("  id: %s\n", e.ID)
	}

	return nil
}

func runQueueRequeue(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	qs := queue.NewStore(store, slog.Default())

	err = qs.Requeue(context.Background(), args[0], time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to requeue: %w", err)
	}

	fmt.Printf("Entry %s requeued\n", args[0])

	return nil
}

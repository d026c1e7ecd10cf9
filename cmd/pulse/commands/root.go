package commands

import (
	"github.com/spf13/cobra"
)

var (
	// dbPath is the path to the SQLite database.
	dbPath string

	// sockPath is the daemon intake socket path.
	sockPath string

	// outputFormat controls output format (text, json).
	outputFormat string
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "pulse",
	Short: "Notification pipeline operator CLI",
	Long: `Pulse CLI inspects and operates the notification pipeline.

Use it to emit events, inspect queue state and delivery history, and manage
per-user notification preferences and addresses.`,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags.
	rootCmd.PersistentFlags().StringVar(
		&dbPath, "db", "",
		"Path to SQLite database (default: ~/.pulse/pulse.db)",
	)
	rootCmd.PersistentFlags().StringVar(
		&sockPath, "socket", "",
		"Daemon intake socket (default: ~/.pulse/pulsed.sock)",
	)
	rootCmd.PersistentFlags().StringVar(
		&outputFormat, "format", "text",
		"Output format: text, json",
	)

	// Add subcommands.
	rootCmd.AddCommand(emitCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(prefsCmd)
	rootCmd.AddCommand(addressCmd)
	rootCmd.AddCommand(versionCmd)
}

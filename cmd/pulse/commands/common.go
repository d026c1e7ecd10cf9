package commands

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/l3v3l/pulse/internal/db"
	"github.com/l3v3l/pulse/internal/queue"
)

// openStore opens the database directly. CLI subcommands operate on the
// store without going through the daemon, except for emit which prefers
// the daemon's intake socket.
func openStore() (*db.Store, error) {
	path := dbPath
	if path == "" {
		var err error
		path, err = db.DefaultDBPath()
		if err != nil {
			return nil, err
		}
	}

	store, err := db.Open(path, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return store, nil
}

// outputJSON outputs data as indented JSON.
func outputJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))

	return nil
}

// formatEntry formats one queue entry for text output.
func formatEntry(e queue.Entry) string {
	line := fmt.Sprintf("%s  %-9s %-6s %-12s -> %s",
		e.CreatedAt.Format(time.RFC3339), e.Status, e.Channel,
		e.Trigger, e.Recipient)

	if e.Attempts > 0 {
		line += fmt.Sprintf("  (attempts: %d)", e.Attempts)
	}
	if e.LastError != "" {
		line += fmt.Sprintf("  err: %s", e.LastError)
	}

	return line
}

package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/l3v3l/pulse/internal/event"
	"github.com/l3v3l/pulse/internal/intake"
	"github.com/l3v3l/pulse/internal/notify"
	"github.com/l3v3l/pulse/internal/prefs"
	"github.com/l3v3l/pulse/internal/queue"
)

var (
	emitTarget   string
	emitMetadata string
	emitDirect   bool
)

// emitCmd dispatches an event into the pipeline.
var emitCmd = &cobra.Command{
	Use:   "emit <type> <actor>",
	Short: "Emit an event into the pipeline",
	Long: `Emit dispatches a single event. It prefers the running daemon's
intake socket; when no daemon is reachable it falls back to running the
handlers in-process against the database directly.`,
	Args: cobra.ExactArgs(2),
	RunE: runEmit,
}

func init() {
	emitCmd.Flags().StringVar(
		&emitTarget, "target", "",
		"Target user of the event",
	)
	emitCmd.Flags().StringVar(
		&emitMetadata, "metadata", "",
		"Event metadata as a JSON object",
	)
	emitCmd.Flags().BoolVar(
		&emitDirect, "direct", false,
		"Skip the daemon and run handlers in-process",
	)
}

func runEmit(cmd *cobra.Command, args []string) error {
	eventType := event.Type(args[0])
	if !eventType.Valid() {
		return fmt.Errorf("unknown event type %q", args[0])
	}
	actor := args[1]

	var md event.Metadata
	if emitMetadata != "" {
		if err := json.Unmarshal(
			[]byte(emitMetadata), &md,
		); err != nil {
			return fmt.Errorf("parse --metadata: %w", err)
		}
	}

	ev := event.New(eventType, actor, emitTarget, md)

	ctx, cancel := context.WithTimeout(
		context.Background(), 30*time.Second,
	)
	defer cancel()

	if !emitDirect {
		sock := sockPath
		if sock == "" {
			var err error
			sock, err = intake.DefaultSocketPath()
			if err != nil {
				return err
			}
		}

		err := intake.Emit(ctx, sock, ev)
		if err == nil {
			fmt.Printf("Event %s dispatched via daemon\n",
				eventType)
			return nil
		}

		// Fall back to in-process dispatch when no daemon is
		// running; a rejection from a live daemon is final.
		if !errors.Is(err, intake.ErrUnavailable) {
			return err
		}
	}

	return emitInProcess(ctx, ev)
}

// emitInProcess builds the handler pipeline against the database and
// dispatches synchronously, without broadcast.
func emitInProcess(ctx context.Context, ev event.Event) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	log := slog.Default()

	registry := event.NewRegistry()
	handlers := notify.NewHandlers(
		prefs.NewStore(store, log),
		queue.NewStore(store, log),
		notify.NewRelationStore(store, log),
		log,
	)
	handlers.RegisterAll(registry)

	dispatcher := event.NewDispatcher(event.DispatcherConfig{
		Registry: registry,
		Logger:   log,
	})
	handlers.SetSink(dispatcher)

	dispatcher.Dispatch(ctx, ev)

	fmt.Printf("Event %s dispatched in-process\n", ev.Type)

	return nil
}

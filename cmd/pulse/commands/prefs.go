package commands

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/l3v3l/pulse/internal/event"
	"github.com/l3v3l/pulse/internal/prefs"
	"github.com/l3v3l/pulse/internal/queue"
)

var (
	quietStart      string
	quietEnd        string
	quietTimezone   string
	quietExceptions []string
)

// prefsCmd is the parent command for preference subcommands.
var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Inspect and edit notification preferences",
}

// prefsShowCmd prints a user's full preference record.
var prefsShowCmd = &cobra.Command{
	Use:   "show <username>",
	Short: "Show a user's notification preferences",
	Args:  cobra.ExactArgs(1),
	RunE:  runPrefsShow,
}

// prefsQuietCmd edits a user's quiet hours.
var prefsQuietCmd = &cobra.Command{
	Use:   "quiet <username> <on|off>",
	Short: "Enable or disable quiet hours",
	Args:  cobra.ExactArgs(2),
	RunE:  runPrefsQuiet,
}

// prefsChannelsCmd sets the channels for one trigger.
var prefsChannelsCmd = &cobra.Command{
	Use:   "channels <username> <trigger> [channel...]",
	Short: "Set delivery channels for a trigger (none to silence it)",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runPrefsChannels,
}

func init() {
	prefsQuietCmd.Flags().StringVar(
		&quietStart, "start", "", "Window start (HH:MM)",
	)
	prefsQuietCmd.Flags().StringVar(
		&quietEnd, "end", "", "Window end (HH:MM)",
	)
	prefsQuietCmd.Flags().StringVar(
		&quietTimezone, "tz", "", "IANA timezone name",
	)
	prefsQuietCmd.Flags().StringSliceVar(
		&quietExceptions, "exceptions", nil,
		"Triggers that bypass quiet hours",
	)

	prefsCmd.AddCommand(prefsShowCmd)
	prefsCmd.AddCommand(prefsQuietCmd)
	prefsCmd.AddCommand(prefsChannelsCmd)
}

func runPrefsShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ps := prefs.NewStore(store, slog.Default())

	p, err := ps.Get(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to load preferences: %w", err)
	}

	if outputFormat == "json" {
		return outputJSON(p)
	}

	fmt.Printf("Preferences for %s\n", p.Username)
	fmt.Println(strings.Repeat("-", 40))

	triggers := make([]string, 0, len(p.Channels))
	for t := range p.Channels {
		triggers = append(triggers, string(t))
	}
	sort.Strings(triggers)

	for _, t := range triggers {
		chans := p.Channels[event.Type(t)]
		names := make([]string, 0, len(chans))
		for _, c := range chans {
			names = append(names, string(c))
		}
		fmt.Printf("  %-20s %s\n", t, strings.Join(names, ", "))
	}

	fmt.Println()
	state := "off"
	if p.Quiet.Enabled {
		state = "on"
	}
	fmt.Printf("Quiet hours: %s (%s to %s %s)\n",
		state, p.Quiet.Start, p.Quiet.End, p.Quiet.Timezone)

	if len(p.Quiet.Exceptions) > 0 {
		names := make([]string, 0, len(p.Quiet.Exceptions))
		for _, t := range p.Quiet.Exceptions {
			names = append(names, string(t))
		}
		fmt.Printf("Exceptions: %s\n", strings.Join(names, ", "))
	}

	return nil
}

func runPrefsQuiet(cmd *cobra.Command, args []string) error {
	var enabled bool
	switch args[1] {
	case "on":
		enabled = true
	case "off":
		enabled = false
	default:
		return fmt.Errorf("expected on or off, got %q", args[1])
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ps := prefs.NewStore(store, slog.Default())
	ctx := context.Background()

	p, err := ps.Get(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to load preferences: %w", err)
	}

	q := p.Quiet
	q.Enabled = enabled
	if quietStart != "" {
		q.Start = quietStart
	}
	if quietEnd != "" {
		q.End = quietEnd
	}
	if quietTimezone != "" {
		if _, err := time.LoadLocation(quietTimezone); err != nil {
			return fmt.Errorf("unknown timezone %q", quietTimezone)
		}
		q.Timezone = quietTimezone
	}
	if cmd.Flags().Changed("exceptions") {
		q.Exceptions = nil
		for _, name := range quietExceptions {
			t := event.Type(name)
			if !t.Valid() {
				return fmt.Errorf("unknown trigger %q", name)
			}
			q.Exceptions = append(q.Exceptions, t)
		}
	}

	if err := ps.SetQuietHours(ctx, args[0], q); err != nil {
		return fmt.Errorf("failed to update quiet hours: %w", err)
	}

	fmt.Printf("Quiet hours %s for %s\n", args[1], args[0])

	return nil
}

func runPrefsChannels(cmd *cobra.Command, args []string) error {
	trigger := event.Type(args[1])
	if !trigger.Valid() {
		return fmt.Errorf("unknown trigger %q", args[1])
	}

	var channels []queue.Channel
	for _, name := range args[2:] {
		c := queue.Channel(name)
		if !c.Valid() {
			return fmt.Errorf("unknown channel %q", name)
		}
		channels = append(channels, c)
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ps := prefs.NewStore(store, slog.Default())

	err = ps.SetChannels(
		context.Background(), args[0], trigger, channels,
	)
	if err != nil {
		return fmt.Errorf("failed to update channels: %w", err)
	}

	if len(channels) == 0 {
		fmt.Printf("Trigger %s silenced for %s\n", trigger, args[0])
	} else {
		fmt.Printf("Channels updated for %s/%s\n", args[0], trigger)
	}

	return nil
}

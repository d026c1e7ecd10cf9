// Package build holds process-level wiring shared by the binaries: logger
// construction with per-subsystem tags, dual console/file output with
// rotation, and version identification.
package build

import (
	"context"
	"log/slog"
	"os"

	"github.com/btcsuite/btclog"
	btclogv2 "github.com/btcsuite/btclog/v2"
)

// LogConfig configures process logging.
type LogConfig struct {
	// LogDir enables file logging with rotation when non-empty.
	LogDir string

	// Debug lowers the level to debug on all outputs.
	Debug bool

	// MaxLogFiles is the number of rotated files kept. Zero selects
	// DefaultMaxLogFiles.
	MaxLogFiles int

	// MaxLogFileSize is the rotation threshold in megabytes. Zero
	// selects DefaultMaxLogFileSize.
	MaxLogFileSize int
}

// LogSetup owns the process log outputs. Subsystem hands out tagged
// loggers; Close flushes the file rotator on shutdown.
type LogSetup struct {
	handler btclogv2.Handler
	rotator *FileRotator
}

// NewLogSetup constructs the log outputs: always the console, plus a
// rotating file when cfg.LogDir is set.
func NewLogSetup(cfg LogConfig) (*LogSetup, error) {
	console := btclogv2.NewDefaultHandler(os.Stdout)

	handlers := []btclogv2.Handler{console}

	var rot *FileRotator
	if cfg.LogDir != "" {
		var err error
		rot, err = NewFileRotator(FileRotatorConfig{
			LogDir:         cfg.LogDir,
			MaxLogFiles:    cfg.MaxLogFiles,
			MaxLogFileSize: cfg.MaxLogFileSize,
		})
		if err != nil {
			return nil, err
		}

		handlers = append(
			handlers, btclogv2.NewDefaultHandler(rot),
		)
	}

	fanout := &fanoutHandler{set: handlers}

	level := btclog.LevelInfo
	if cfg.Debug {
		level = btclog.LevelDebug
	}
	fanout.SetLevel(level)

	return &LogSetup{
		handler: fanout,
		rotator: rot,
	}, nil
}

// Subsystem returns a logger tagged with the given subsystem name, e.g.
// "QUEUE" or "DLVR".
func (l *LogSetup) Subsystem(tag string) *slog.Logger {
	return slog.New(l.handler.SubSystem(tag))
}

// Root returns the untagged process logger.
func (l *LogSetup) Root() *slog.Logger {
	return slog.New(l.handler)
}

// Close flushes and stops the file rotator, if any.
func (l *LogSetup) Close() error {
	if l.rotator != nil {
		return l.rotator.Close()
	}

	return nil
}

// fanoutHandler dispatches each record to every member handler, so one
// record reaches both the console and the log file.
type fanoutHandler struct {
	level btclog.Level
	set   []btclogv2.Handler
}

func (h *fanoutHandler) Enabled(ctx context.Context,
	level slog.Level) bool {

	for _, member := range h.set {
		if member.Enabled(ctx, level) {
			return true
		}
	}

	return false
}

func (h *fanoutHandler) Handle(ctx context.Context,
	record slog.Record) error {

	for _, member := range h.set {
		if err := member.Handle(ctx, record); err != nil {
			return err
		}
	}

	return nil
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.set))
	for i, member := range h.set {
		next[i] = member.WithAttrs(attrs)
	}

	return &plainFanout{set: next}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.set))
	for i, member := range h.set {
		next[i] = member.WithGroup(name)
	}

	return &plainFanout{set: next}
}

// SubSystem tags every member with the subsystem name.
func (h *fanoutHandler) SubSystem(tag string) btclogv2.Handler {
	next := make([]btclogv2.Handler, len(h.set))
	for i, member := range h.set {
		next[i] = member.SubSystem(tag)
	}

	return &fanoutHandler{set: next, level: h.level}
}

// SetLevel applies the level to every member.
func (h *fanoutHandler) SetLevel(level btclog.Level) {
	for _, member := range h.set {
		member.SetLevel(level)
	}
	h.level = level
}

// Level returns the current level.
func (h *fanoutHandler) Level() btclog.Level {
	return h.level
}

// WithPrefix prefixes every member's messages.
func (h *fanoutHandler) WithPrefix(prefix string) btclogv2.Handler {
	next := make([]btclogv2.Handler, len(h.set))
	for i, member := range h.set {
		next[i] = member.WithPrefix(prefix)
	}

	return &fanoutHandler{set: next, level: h.level}
}

var _ btclogv2.Handler = (*fanoutHandler)(nil)

// plainFanout is the slog-only form produced by WithAttrs and WithGroup,
// which lose the btclog-specific surface.
type plainFanout struct {
	set []slog.Handler
}

func (p *plainFanout) Enabled(ctx context.Context,
	level slog.Level) bool {

	for _, member := range p.set {
		if member.Enabled(ctx, level) {
			return true
		}
	}

	return false
}

func (p *plainFanout) Handle(ctx context.Context,
	record slog.Record) error {

	for _, member := range p.set {
		if err := member.Handle(ctx, record); err != nil {
			return err
		}
	}

	return nil
}

func (p *plainFanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(p.set))
	for i, member := range p.set {
		next[i] = member.WithAttrs(attrs)
	}

	return &plainFanout{set: next}
}

func (p *plainFanout) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(p.set))
	for i, member := range p.set {
		next[i] = member.WithGroup(name)
	}

	return &plainFanout{set: next}
}

var _ slog.Handler = (*plainFanout)(nil)

// Package intake accepts events from local producers over a unix domain
// socket and feeds them to the dispatcher. The wire format is one JSON
// object per line; each accepted event is answered with a single status
// line.
package intake

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/l3v3l/pulse/internal/event"
)

// maxLineBytes caps one intake line. Events carry short metadata; anything
// near this size is a misbehaving producer, not a real event.
const maxLineBytes = 256 << 10

// wireRequest is one intake line.
type wireRequest struct {
	Type     string         `json:"type"`
	Actor    string         `json:"actor"`
	Target   string         `json:"target,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// wireResponse is the per-event acknowledgement.
type wireResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// DefaultSocketPath returns ~/.pulse/pulsed.sock.
func DefaultSocketPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}

	return filepath.Join(home, ".pulse", "pulsed.sock"), nil
}

// Dispatcher is the slice of the event dispatcher the listener needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev event.Event)
}

// DispatcherFunc adapts a dispatch function to the Dispatcher interface, so
// the daemon can hand the listener an asynchronous dispatch entry point.
type DispatcherFunc func(ctx context.Context, ev event.Event)

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, ev event.Event) {
	f(ctx, ev)
}

// Listener serves the intake socket.
type Listener struct {
	ln       net.Listener
	dispatch Dispatcher
	log      *slog.Logger
}

// NewListener binds the unix socket, replacing a stale socket file left by
// a previous run.
func NewListener(path string, dispatch Dispatcher,
	log *slog.Logger) (*Listener, error) {

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}

	// A leftover socket file from an unclean shutdown blocks the bind.
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("bind intake socket: %w", err)
	}

	return &Listener{
		ln:       ln,
		dispatch: dispatch,
		log:      log,
	}, nil
}

// Serve accepts connections until the listener is closed or the context is
// cancelled. Each connection is served on its own goroutine.
func (l *Listener) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}

			l.log.WarnContext(ctx, "Intake accept failed",
				"err", err)
			continue
		}

		go l.serveConn(ctx, conn)
	}
}

// serveConn reads newline-delimited events and dispatches each, answering
// with a status line. A malformed line fails that line only; a line over
// maxLineBytes is answered with an error before the connection closes.
func (l *Listener) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		resp := l.handleLine(ctx, line)
		if err := enc.Encode(resp); err != nil {
			l.log.WarnContext(ctx, "Intake response failed",
				"err", err)
			return
		}
	}

	if err := scanner.Err(); err != nil {
		l.log.WarnContext(ctx, "Intake read failed", "err", err)
		_ = enc.Encode(wireResponse{
			Error: fmt.Sprintf("read: %v", err),
		})
	}
}

// handleLine parses and dispatches one event line.
func (l *Listener) handleLine(ctx context.Context,
	line []byte) wireResponse {

	var req wireRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return wireResponse{Error: fmt.Sprintf("bad json: %v", err)}
	}

	t := event.Type(req.Type)
	if !t.Valid() {
		return wireResponse{
			Error: fmt.Sprintf("unknown event type %q", req.Type),
		}
	}
	if req.Actor == "" {
		return wireResponse{Error: "event requires an actor"}
	}

	ev := event.New(t, req.Actor, req.Target, req.Metadata)

	l.log.DebugContext(ctx, "Intake event accepted",
		"event_type", ev.Type, "actor", ev.Actor)

	l.dispatch.Dispatch(ctx, ev)

	return wireResponse{OK: true}
}

// Close shuts the socket down.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// ErrUnavailable marks an emit failure caused by no daemon listening, so
// callers can fall back to in-process dispatch.
var ErrUnavailable = errors.New("intake socket unavailable")

// Emit connects to the intake socket and submits one event, waiting for
// the acknowledgement. It is the client half used by the operator CLI.
func Emit(ctx context.Context, sockPath string, ev event.Event) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", sockPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	}

	payload, err := json.Marshal(wireRequest{
		Type:     string(ev.Type),
		Actor:    ev.Actor,
		Target:   ev.Target,
		Metadata: ev.Metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	var resp wireResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("read acknowledgement: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("event rejected: %s", resp.Error)
	}

	return nil
}

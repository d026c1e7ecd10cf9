package event

import "context"

// Handler reacts to a single event. Handlers may have side effects on the
// queue and preference stores, but must never panic across the boundary; the
// dispatcher treats a returned error or a recovered panic identically and
// isolates it from sibling handlers.
type Handler interface {
	// Name returns a stable identifier used in logs.
	Name() string

	// Handle processes the event. The context carries the per-handler
	// timeout configured on the dispatcher.
	Handle(ctx context.Context, ev Event) error
}

// Registry maps event types to the ordered list of handlers that react to
// them. A registry is built once during process initialization and must not
// be mutated once a dispatcher starts serving events; it is deliberately an
// explicit value passed by reference rather than a package-level singleton so
// tests can build isolated registries.
type Registry struct {
	handlers map[Type][]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[Type][]Handler),
	}
}

// Register appends a handler for the given event type. Registering never
// overwrites prior registrations for the type. Not safe for concurrent use;
// all registration must complete before the registry is handed to a
// dispatcher.
func (r *Registry) Register(eventType Type, h Handler) {
	r.handlers[eventType] = append(r.handlers[eventType], h)
}

// Handlers returns the handlers registered for the given event type, in
// registration order. The returned slice is a copy.
func (r *Registry) Handlers(eventType Type) []Handler {
	regs := r.handlers[eventType]
	if len(regs) == 0 {
		return nil
	}

	out := make([]Handler, len(regs))
	copy(out, regs)

	return out
}

// HandlerCount returns the total number of registrations across all types.
func (r *Registry) HandlerCount() int {
	total := 0
	for _, regs := range r.handlers {
		total += len(regs)
	}

	return total
}

// funcHandler adapts a plain function to the Handler interface.
type funcHandler struct {
	name string
	fn   func(ctx context.Context, ev Event) error
}

// HandlerFunc wraps a function as a named Handler.
func HandlerFunc(name string,
	fn func(ctx context.Context, ev Event) error) Handler {

	return &funcHandler{name: name, fn: fn}
}

// Name returns the handler's log identifier.
func (f *funcHandler) Name() string { return f.name }

// Handle invokes the wrapped function.
func (f *funcHandler) Handle(ctx context.Context, ev Event) error {
	return f.fn(ctx, ev)
}

// Package events provides the host's lifecycle event dispatch. The host
// sends named lifecycle transitions (connect, ready, shutdown,
// disconnect) and every handler registered for that name runs
// synchronously, in registration order, on the caller's goroutine. In
// practice that caller is the reactor goroutine, so handlers must not
// block.
//
// The registry is nil-safe: calling Send on a nil *Registry is a no-op,
// so components do not need guard checks.
package events

import (
	"log/slog"
	"sync"
)

// Lifecycle event names sent by the host.
const (
	// Connect is sent once the host has connected to its hardware and
	// before it reports ready.
	Connect = "klippy:connect"
	// Ready is sent when the host has finished startup.
	Ready = "klippy:ready"
	// Shutdown is sent when the host enters its shutdown (error) state.
	// The process keeps running.
	Shutdown = "klippy:shutdown"
	// Disconnect is sent just before the host exits.
	Disconnect = "klippy:disconnect"
)

// Handler is called when the event it was registered for is sent.
type Handler func()

// Registry maps event names to their handlers.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler
	// order records event names in first-registration order.
	order []string
}

// NewRegistry creates an empty registry. A nil logger uses
// slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger,
		handlers: make(map[string][]Handler),
	}
}

// Register appends h to the handlers for name.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; !ok {
		r.order = append(r.order, name)
	}
	r.handlers[name] = append(r.handlers[name], h)
}

// Send runs every handler registered for name, in registration order,
// and returns how many ran. Safe to call on a nil receiver.
func (r *Registry) Send(name string) int {
	if r == nil {
		return 0
	}

	// Copy so handlers may register further handlers without
	// deadlocking.
	r.mu.RLock()
	hs := append([]Handler(nil), r.handlers[name]...)
	r.mu.RUnlock()

	r.logger.Debug("lifecycle event", "event", name, "handlers", len(hs))
	for _, h := range hs {
		h()
	}
	return len(hs)
}

// HandlerCount returns the number of handlers registered for name.
func (r *Registry) HandlerCount(name string) int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[name])
}

// Events returns the registered event names in the order they were
// first registered.
func (r *Registry) Events() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

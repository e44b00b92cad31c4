// Package router fans decoded envelopes out to handlers registered per kind.
package router

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ehrlich-b/sandlink/internal/ws"
)

// Handler reacts to one envelope. A returned error is isolated to this
// handler and reported through the error sink.
type Handler func(env ws.Envelope) error

// HandlerError wraps an error returned (or a panic raised) by a handler.
type HandlerError struct {
	Kind  ws.Kind
	ID    string
	Panic any
	Err   error
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("handler for %s panicked: %v", e.Kind, e.Panic)
	}
	return fmt.Sprintf("handler for %s: %v", e.Kind, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

type entry struct {
	id int
	fn Handler
}

// Router is a typed publish/subscribe dispatcher. Publish runs handlers
// synchronously in the caller's goroutine, so envelopes keep the order in
// which they were published.
type Router struct {
	mu      sync.RWMutex
	subs    map[ws.Kind][]entry
	observe func(ws.Envelope)
	onError func(error)
	nextID  int
	gen     uint64

	log *slog.Logger
}

func New(log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		subs: make(map[ws.Kind][]entry),
		log:  log,
	}
}

// Subscribe registers fn for kind. The returned func removes it and is safe
// to call more than once.
func (r *Router) Subscribe(kind ws.Kind, fn Handler) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	gen := r.gen
	r.subs[kind] = append(r.subs[kind], entry{id: id, fn: fn})
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.gen != gen {
			return
		}
		list := r.subs[kind]
		for i, e := range list {
			if e.id == id {
				r.subs[kind] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
}

// Observe sets the single hook that sees every envelope before kind handlers.
// Pass nil to clear it.
func (r *Router) Observe(fn func(ws.Envelope)) {
	r.mu.Lock()
	r.observe = fn
	r.mu.Unlock()
}

// OnError sets the single sink for handler failures. Without one, failures
// are only logged.
func (r *Router) OnError(fn func(error)) {
	r.mu.Lock()
	r.onError = fn
	r.mu.Unlock()
}

// Publish delivers env to the observer and then to every handler for env.Kind.
func (r *Router) Publish(env ws.Envelope) {
	r.mu.RLock()
	gen := r.gen
	observe := r.observe
	handlers := make([]entry, len(r.subs[env.Kind]))
	copy(handlers, r.subs[env.Kind])
	r.mu.RUnlock()

	if observe != nil {
		r.call(env, func(e ws.Envelope) error {
			observe(e)
			return nil
		})
	}
	for _, h := range handlers {
		// A Reset between handlers means the rest belong to a torn-down owner.
		if r.generation() != gen {
			return
		}
		r.call(env, h.fn)
	}
}

// Reset drops every subscription and the observer. Handlers captured by a
// Publish already in flight are skipped from this point on.
func (r *Router) Reset() {
	r.mu.Lock()
	r.subs = make(map[ws.Kind][]entry)
	r.observe = nil
	r.gen++
	r.mu.Unlock()
}

// Len returns the number of handlers registered for kind.
func (r *Router) Len(kind ws.Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[kind])
}

func (r *Router) generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gen
}

func (r *Router) call(env ws.Envelope, fn Handler) {
	var herr *HandlerError
	func() {
		defer func() {
			if p := recover(); p != nil {
				herr = &HandlerError{Kind: env.Kind, ID: env.ID, Panic: p}
			}
		}()
		if err := fn(env); err != nil {
			herr = &HandlerError{Kind: env.Kind, ID: env.ID, Err: err}
		}
	}()
	if herr == nil {
		return
	}
	r.log.Warn("router: handler failed", "kind", env.Kind, "id", env.ID, "err", herr)
	r.mu.RLock()
	sink := r.onError
	r.mu.RUnlock()
	if sink != nil {
		sink(herr)
	}
}

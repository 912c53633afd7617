// Package registry implements the refcounted, linger-debounced subscription
// multiplexer described in SPEC_FULL.md: many downstream clients share a
// single upstream subscription per symbol, and a brief linger window
// absorbs subscribe/unsubscribe churn around the zero-refcount boundary.
package registry

import (
	"context"
	"sync"
	"time"
)

// Outcome reports whether a Subscribe call requires the caller to emit a
// new upstream subscribe message.
type Outcome int

const (
	// AlreadyActive means the upstream already carries the symbol: it had
	// at least one subscriber, or its linger teardown was still pending.
	AlreadyActive Outcome = iota
	// NewSubscriptionNeeded means the symbol had no entry (first subscriber
	// since it was last torn down); the caller must send an upstream
	// subscribe for this symbol.
	NewSubscriptionNeeded
)

type entry struct {
	refcount uint32
	cancel   context.CancelFunc
}

// Registry is a single-mutex refcounted map of symbol -> subscriber count,
// with a linger task delaying teardown after the last unsubscribe.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	linger  time.Duration

	// onExpire is invoked (outside the lock) when a symbol's linger expires
	// and its entry is removed — the caller emits the upstream unsubscribe.
	onExpire func(symbol string)
}

// New creates a Registry with the given linger duration. onExpire is called
// once per symbol whose linger window elapses without a re-subscription; it
// may be nil.
func New(linger time.Duration, onExpire func(symbol string)) *Registry {
	return &Registry{
		entries:  make(map[string]*entry),
		linger:   linger,
		onExpire: onExpire,
	}
}

// Subscribe increments the refcount for symbol, cancelling any pending
// linger teardown. It reports NewSubscriptionNeeded iff the symbol had no
// entry; a subscribe that lands inside the linger window reports
// AlreadyActive, since the upstream subscription was never torn down.
func (r *Registry) Subscribe(symbol string) Outcome {
	r.mu.Lock()
	e, ok := r.entries[symbol]
	if !ok {
		e = &entry{}
		r.entries[symbol] = e
	}
	e.refcount++

	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}

	// An existing entry is still subscribed upstream: either it has other
	// subscribers or its linger teardown was pending until just now.
	isNew := !ok
	r.mu.Unlock()

	if isNew {
		return NewSubscriptionNeeded
	}
	return AlreadyActive
}

// Unsubscribe decrements the refcount for symbol. If it reaches zero, a
// linger task is spawned: if the linger elapses without an intervening
// Subscribe, the entry is removed and onExpire is invoked outside the lock.
// Unsubscribing a symbol that was never subscribed, or is already at zero,
// is a no-op.
func (r *Registry) Unsubscribe(symbol string) {
	r.mu.Lock()
	e, ok := r.entries[symbol]
	if !ok || e.refcount == 0 {
		r.mu.Unlock()
		return
	}

	e.refcount--

	if e.refcount != 0 {
		r.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	r.mu.Unlock()

	go r.lingerAndExpire(ctx, symbol)
}

// lingerAndExpire waits out the linger window (or an earlier cancellation
// from a re-subscribe) and, on natural expiry, re-verifies refcount under
// the lock before removing the entry — this re-check is what makes
// cancellation race-safe against a subscribe that arrives just before
// expiry.
func (r *Registry) lingerAndExpire(ctx context.Context, symbol string) {
	timer := time.NewTimer(r.linger)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	r.mu.Lock()
	e, ok := r.entries[symbol]
	if ok && e.refcount == 0 {
		delete(r.entries, symbol)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if ok && r.onExpire != nil {
		r.onExpire(symbol)
	}
}

// RefCount returns the current refcount for symbol (0 if absent).
func (r *Registry) RefCount(symbol string) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[symbol]; ok {
		return e.refcount
	}
	return 0
}

// ActiveSymbols returns every symbol currently holding refcount > 0. Used by
// UpstreamClient to build the full resubscribe set on (re)connect.
func (r *Registry) ActiveSymbols() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for sym, e := range r.entries {
		if e.refcount > 0 {
			out = append(out, sym)
		}
	}
	return out
}

// Len returns the number of tracked symbols (including ones lingering at
// refcount zero), for metrics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

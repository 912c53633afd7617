// Package dispatcher implements the zero-copy fan-out broadcast engine:
// one decoded quote frame is shared by reference across every interested
// client queue, with a global memory budget and priority-based eviction of
// misbehaving low-priority clients. Grounded on
// original_source/lib_common/src/core/dispatcher.rs, generalized from a
// single global feed into a per-symbol-filtered fan-out, and on
// go-server-3/internal/session/hub.go for the Go registration idiom
// (sync.Map-free here since eviction needs ordered, lockable enumeration).
package dispatcher

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adred-codev/restream-gateway/internal/memguard"
	"github.com/adred-codev/restream-gateway/internal/metrics"
	"github.com/adred-codev/restream-gateway/internal/quote"
)

// Priority gates eviction eligibility: only Low-priority clients are ever
// selected as eviction victims.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityHigh
)

// perCopyOverhead is the fixed per-frame accounting overhead added to the
// serialized payload length, mirroring the "+64" heuristic in
// original_source/lib_common/src/core/dispatcher.rs.
const perCopyOverhead = 64

// avgFrameSizeEstimate is used to estimate bytes freed by eviction when the
// exact historical byte cost per queued item isn't tracked per-item (the
// original's dispatcher.rs uses the same flat per-message estimate for the
// same reason: tracking per-item size would require scanning the unbounded
// channel, which defeats the purpose of an O(1) eviction).
const avgFrameSizeEstimate = 128

// client is the internal registration record for one downstream consumer.
type client struct {
	id                string
	priority          Priority
	queue             chan *quote.Frame
	queueDepth        int64 // only mutated under Dispatcher.mu
	dropSignal        chan struct{}
	insertedAt        time.Time
	pendingDropNotice bool // true until the next frame delivered to this client carries DataDropped
}

// Dispatcher fans a decoded frame out to every registered client whose
// subscription set contains its symbol (callers of Broadcast already filter
// upstream in the common case; Dispatcher itself fans out unconditionally
// to whatever client list it is given — symbol filtering is the
// downstream server's per-connection responsibility, since each client has
// a distinct subscription set).
type Dispatcher struct {
	mu      sync.Mutex
	clients map[string]*client
	order   []string // insertion order, for oldest-first eviction tie-break

	guard   *memguard.Guard
	metrics *metrics.Registry
}

// New creates a Dispatcher backed by the given memory guard.
func New(guard *memguard.Guard, m *metrics.Registry) *Dispatcher {
	return &Dispatcher{
		clients: make(map[string]*client),
		guard:   guard,
		metrics: m,
	}
}

// Handle is the caller-facing view of a registered client: the receive end
// of its queue, its drop-signal channel, and its stable ID.
type Handle struct {
	ID         string
	Queue      <-chan *quote.Frame
	DropSignal <-chan struct{}
}

// AddClient registers a new client with the given priority and returns its
// handle. The queue is unbounded in spirit (sized generously here since Go
// channels need a concrete capacity; see SPEC_FULL.md's Design Notes on why
// unbounded-plus-eviction was chosen over bounded backpressure) — eviction,
// not channel-full blocking, is the congestion control mechanism.
func (d *Dispatcher) AddClient(priority Priority) *Handle {
	id := uuid.NewString()
	c := &client{
		id:         id,
		priority:   priority,
		queue:      make(chan *quote.Frame, 65536),
		dropSignal: make(chan struct{}, 1),
		insertedAt: time.Now(),
	}

	d.mu.Lock()
	d.clients[id] = c
	d.order = append(d.order, id)
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.ActiveConnections.Inc()
	}

	return &Handle{ID: id, Queue: c.queue, DropSignal: c.dropSignal}
}

// RemoveClient unregisters a client. Safe to call more than once.
func (d *Dispatcher) RemoveClient(id string) {
	d.mu.Lock()
	c, ok := d.clients[id]
	if ok {
		delete(d.clients, id)
		d.removeFromOrder(id)
	}
	d.mu.Unlock()

	if !ok {
		return
	}
	close(c.queue)
	if d.metrics != nil {
		d.metrics.ActiveConnections.Dec()
	}
}

func (d *Dispatcher) removeFromOrder(id string) {
	for i, v := range d.order {
		if v == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			return
		}
	}
}

// Broadcast shares frame by reference with every registered client. The
// estimated byte cost of one copy (serialized-size proxy + fixed overhead)
// is multiplied by the fan-out count and checked against the memory guard
// before enumeration; a breach triggers eviction before delivery continues.
// Symbol filtering happens before this call: callers pass the client IDs
// the downstream server's symbol index (RecipientsFor) returns for
// frame.Symbol, and Broadcast itself does not check frame.Symbol.
func (d *Dispatcher) Broadcast(ids []string, frame *quote.Frame) {
	estimate := estimateFrameBytes(frame) + perCopyOverhead

	d.mu.Lock()
	defer d.mu.Unlock()

	total := estimate * uint64(len(ids))
	if total > 0 && !d.guard.Increment(total) {
		d.evictOneLowPriority()
	}
	if d.metrics != nil {
		d.metrics.MemoryUsageBytes.Set(float64(d.guard.Current()))
	}

	for _, id := range ids {
		c, ok := d.clients[id]
		if !ok {
			continue
		}

		toSend := frame
		if c.pendingDropNotice {
			toSend = frame.WithDataDropped(true)
			c.pendingDropNotice = false
		}

		select {
		case c.queue <- toSend:
			c.queueDepth++
			if d.metrics != nil {
				d.metrics.MessagesDelivered.Inc()
			}
		default:
			// Enqueue failure on a channel this large means the consumer
			// is not draining at all (likely disconnected); isolate the
			// failure to this client per SPEC_FULL.md §4.4.
			delete(d.clients, id)
			d.removeFromOrder(id)
			close(c.queue)
			d.guard.Decrement(estimate)
			if d.metrics != nil {
				d.metrics.ActiveConnections.Dec()
				d.metrics.BroadcastDropped.Inc()
			}
		}
	}
}

// evictOneLowPriority selects the Low-priority client with the largest
// queueDepth (oldest first on ties), signals its consumer to drop pending
// work, and resets its accounting. Must be called with d.mu held.
func (d *Dispatcher) evictOneLowPriority() {
	var victim *client
	for _, id := range d.order {
		c := d.clients[id]
		if c.priority != PriorityLow {
			continue
		}
		if victim == nil || c.queueDepth > victim.queueDepth {
			victim = c
		}
	}
	if victim == nil {
		return // no eligible victim; overage persists until consumers drain
	}

	freed := uint64(victim.queueDepth) * avgFrameSizeEstimate
	d.guard.Decrement(freed)
	victim.queueDepth = 0
	victim.pendingDropNotice = true

	select {
	case victim.dropSignal <- struct{}{}:
	default:
		// already has a pending signal; the consumer hasn't processed it
		// yet, which is fine — the effect is idempotent.
	}

	if d.metrics != nil {
		d.metrics.EvictionsTotal.Inc()
	}
}

// estimateFrameBytes is a lightweight proxy for serialized payload size
// (symbol + two string fields + fixed numeric fields), avoiding an actual
// JSON marshal on the hot path just to size it.
func estimateFrameBytes(f *quote.Frame) uint64 {
	return uint64(len(f.Symbol)+len(f.Exchange)+len(f.Currency)+len(f.UnderlyingSymbol)) + 96
}

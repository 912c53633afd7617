package dispatcher

import (
	"testing"
	"time"

	"github.com/adred-codev/restream-gateway/internal/memguard"
	"github.com/adred-codev/restream-gateway/internal/quote"
)

func frame(symbol string) *quote.Frame {
	return &quote.Frame{Symbol: symbol, Price: 1, QuoteType: quote.QuoteTypeEquity, TsLibraryIn: time.Now()}
}

func TestBroadcastFanOutDedup(t *testing.T) {
	guard := memguard.New(1 << 20)
	d := New(guard, nil)

	h1 := d.AddClient(PriorityHigh)
	h2 := d.AddClient(PriorityHigh)

	d.Broadcast([]string{h1.ID, h2.ID}, frame("TSLA"))

	for _, h := range []*Handle{h1, h2} {
		select {
		case f := <-h.Queue:
			if f.Symbol != "TSLA" {
				t.Fatalf("got symbol %q, want TSLA", f.Symbol)
			}
		default:
			t.Fatal("expected a frame in queue")
		}
	}
}

func TestRemoveClientClosesQueue(t *testing.T) {
	guard := memguard.New(1 << 20)
	d := New(guard, nil)
	h := d.AddClient(PriorityLow)
	d.RemoveClient(h.ID)

	_, ok := <-h.Queue
	if ok {
		t.Fatal("expected queue to be closed after RemoveClient")
	}
	// Removing twice must not panic.
	d.RemoveClient(h.ID)
}

func TestEvictionTargetsLargestLowPriorityQueue(t *testing.T) {
	guard := memguard.New(1024) // small capacity forces a breach quickly
	d := New(guard, nil)

	high := d.AddClient(PriorityHigh)
	low := d.AddClient(PriorityLow)

	// Drain High's queue as we go but never drain Low's, to grow its depth.
	for i := 0; i < 20; i++ {
		d.Broadcast([]string{high.ID, low.ID}, frame("X"))
		<-high.Queue
	}

	d.mu.Lock()
	lowDepth := d.clients[low.ID].queueDepth
	d.mu.Unlock()

	// Every breaching broadcast evicts before it enqueues, so after the last
	// one the evicted client holds only the frame delivered after eviction.
	if lowDepth != 1 {
		t.Fatalf("expected low-priority client to have been evicted (queueDepth 1: only the post-eviction frame), got %d", lowDepth)
	}

	select {
	case <-low.DropSignal:
	default:
		t.Fatal("expected a drop signal to have been sent to the evicted client")
	}
}

func TestEvictionNeverTargetsHighPriority(t *testing.T) {
	guard := memguard.New(256)
	d := New(guard, nil)

	high1 := d.AddClient(PriorityHigh)
	high2 := d.AddClient(PriorityHigh)

	for i := 0; i < 20; i++ {
		d.Broadcast([]string{high1.ID, high2.ID}, frame("X"))
	}

	d.mu.Lock()
	d1 := d.clients[high1.ID].queueDepth
	d2 := d.clients[high2.ID].queueDepth
	d.mu.Unlock()

	if d1 == 0 && d2 == 0 {
		t.Fatal("expected at least one high-priority queue to retain depth (no eviction should have touched them)")
	}
}

func TestNextFrameAfterEvictionCarriesDataDropped(t *testing.T) {
	guard := memguard.New(512)
	d := New(guard, nil)

	high := d.AddClient(PriorityHigh)
	low := d.AddClient(PriorityLow)

	for i := 0; i < 10; i++ {
		d.Broadcast([]string{high.ID, low.ID}, frame("X"))
		<-high.Queue
	}

	// Drain whatever is left in low's queue from before eviction, then the
	// next broadcast should carry DataDropped.
	for {
		select {
		case <-low.Queue:
			continue
		default:
		}
		break
	}

	d.Broadcast([]string{high.ID, low.ID}, frame("X"))
	<-high.Queue

	f := <-low.Queue
	if !f.DataDropped {
		t.Fatal("expected the first frame delivered after eviction to carry DataDropped = true")
	}

	// Release the accounted bytes so the next broadcast stays within
	// capacity and triggers no new eviction; the flag must not persist.
	guard.Decrement(guard.Current())
	d.Broadcast([]string{high.ID, low.ID}, frame("X"))
	<-high.Queue
	f2 := <-low.Queue
	if f2.DataDropped {
		t.Fatal("DataDropped must reset after the one tagged frame")
	}
}

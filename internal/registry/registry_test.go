package registry

import (
	"sync"
	"testing"
	"time"
)

func TestSubscribeFirstReturnsNewSubscriptionNeeded(t *testing.T) {
	r := New(50*time.Millisecond, nil)
	if got := r.Subscribe("AAPL"); got != NewSubscriptionNeeded {
		t.Fatalf("first subscribe = %v, want NewSubscriptionNeeded", got)
	}
	if r.RefCount("AAPL") != 1 {
		t.Fatalf("refcount = %d, want 1", r.RefCount("AAPL"))
	}
}

func TestSubscribeTwiceDeduplicatesRefcount(t *testing.T) {
	r := New(50*time.Millisecond, nil)
	r.Subscribe("TSLA")
	if got := r.Subscribe("TSLA"); got != AlreadyActive {
		t.Fatalf("second subscribe = %v, want AlreadyActive", got)
	}
	if r.RefCount("TSLA") != 2 {
		t.Fatalf("refcount = %d, want 2", r.RefCount("TSLA"))
	}
}

func TestUnsubscribeNeverSubscribedIsNoop(t *testing.T) {
	r := New(50*time.Millisecond, nil)
	r.Unsubscribe("GOOG") // must not panic or go negative
	if r.RefCount("GOOG") != 0 {
		t.Fatalf("refcount = %d, want 0", r.RefCount("GOOG"))
	}
}

func TestSubscribeUnsubscribePairsReturnToBaseline(t *testing.T) {
	r := New(50*time.Millisecond, nil)
	for i := 0; i < 5; i++ {
		r.Subscribe("MSFT")
		r.Unsubscribe("MSFT")
	}
	if r.RefCount("MSFT") != 0 {
		t.Fatalf("refcount = %d, want 0", r.RefCount("MSFT"))
	}
}

func TestLingerExpiryRemovesEntryAndFiresCallback(t *testing.T) {
	var mu sync.Mutex
	var expired []string
	r := New(30*time.Millisecond, func(symbol string) {
		mu.Lock()
		expired = append(expired, symbol)
		mu.Unlock()
	})

	r.Subscribe("NFLX")
	r.Unsubscribe("NFLX")

	time.Sleep(100 * time.Millisecond)

	if r.RefCount("NFLX") != 0 {
		t.Fatalf("refcount after expiry = %d, want 0", r.RefCount("NFLX"))
	}
	mu.Lock()
	defer mu.Unlock()
	if len(expired) != 1 || expired[0] != "NFLX" {
		t.Fatalf("expired = %v, want [NFLX]", expired)
	}
}

func TestSubscribeDuringLingerCancelsTeardown(t *testing.T) {
	var mu sync.Mutex
	var expired []string
	r := New(60*time.Millisecond, func(symbol string) {
		mu.Lock()
		expired = append(expired, symbol)
		mu.Unlock()
	})

	r.Subscribe("MSFT")
	r.Unsubscribe("MSFT")

	// Re-subscribe well before the linger window elapses.
	time.Sleep(10 * time.Millisecond)
	if got := r.Subscribe("MSFT"); got != AlreadyActive {
		t.Fatalf("resubscribe during linger = %v, want AlreadyActive (upstream already has this symbol)", got)
	}

	// Wait past the original linger deadline; teardown must have been cancelled.
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(expired) != 0 {
		t.Fatalf("expired = %v, want none (linger should have been cancelled)", expired)
	}
	if r.RefCount("MSFT") != 1 {
		t.Fatalf("refcount = %d, want 1", r.RefCount("MSFT"))
	}
}

func TestActiveSymbolsOnlyIncludesPositiveRefcount(t *testing.T) {
	r := New(30*time.Millisecond, nil)
	r.Subscribe("AAPL")
	r.Subscribe("TSLA")
	r.Subscribe("TSLA")
	r.Unsubscribe("AAPL") // lingers, still present in map but refcount 0

	syms := r.ActiveSymbols()
	if len(syms) != 1 || syms[0] != "TSLA" {
		t.Fatalf("active symbols = %v, want [TSLA]", syms)
	}
}

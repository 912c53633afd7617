package upstream

import (
	"context"
	"testing"
	"time"
)

func alwaysSubscribed() bool { return true }

func TestWatchdogTransportTimeoutFires(t *testing.T) {
	w := newWatchdog(20*time.Millisecond, time.Hour, alwaysSubscribed)
	defer w.stop()

	err := w.run(context.Background())
	if err == nil {
		t.Fatal("expected a transport timeout error")
	}
}

func TestWatchdogDataTimeoutFires(t *testing.T) {
	w := newWatchdog(time.Hour, 20*time.Millisecond, alwaysSubscribed)
	defer w.stop()

	err := w.run(context.Background())
	if err == nil {
		t.Fatal("expected a data timeout error")
	}
}

func TestWatchdogDataTimeoutSwallowedWithoutActiveSubscribers(t *testing.T) {
	w := newWatchdog(time.Hour, 15*time.Millisecond, func() bool { return false })

	done := make(chan error, 1)
	go func() { done <- w.run(context.Background()) }()

	// Let several data-timeout cycles elapse; with no active subscribers
	// each one must be swallowed instead of erroring out.
	time.Sleep(60 * time.Millisecond)
	w.stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected no error with zero active subscribers, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("watchdog did not stop in time")
	}
}

func TestWatchdogResetPreventsTimeout(t *testing.T) {
	w := newWatchdog(30*time.Millisecond, time.Hour, alwaysSubscribed)

	done := make(chan error, 1)
	go func() { done <- w.run(context.Background()) }()

	// Keep resetting transport liveness faster than it would time out.
	for i := 0; i < 5; i++ {
		time.Sleep(15 * time.Millisecond)
		w.resetTransport()
	}
	w.stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected no timeout error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("watchdog did not stop in time")
	}
}

func TestWatchdogStopsOnContextCancel(t *testing.T) {
	w := newWatchdog(time.Hour, time.Hour, alwaysSubscribed)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- w.run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error on context cancel, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("watchdog did not stop on context cancellation")
	}
}

package sysmonitor

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestNewMonitorForCurrentProcess(t *testing.T) {
	m, err := New(time.Second, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m == nil {
		t.Fatal("expected a non-nil Monitor")
	}
}

func TestSampleDoesNotPanicWithNilMetrics(t *testing.T) {
	m, err := New(time.Second, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.sample()
}

func TestRunStopsOnContextCancel(t *testing.T) {
	m, err := New(10*time.Millisecond, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

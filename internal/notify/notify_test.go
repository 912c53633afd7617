package notify

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestConnectWithEmptyURLDisablesNotifications(t *testing.T) {
	p := Connect("", zap.NewNop())
	if p == nil {
		t.Fatal("expected a non-nil no-op Publisher")
	}
	// Must not panic even though there is no underlying connection.
	p.PublishModeTransition(ModeTransitionEvent{From: "idle", To: "streaming", At: time.Unix(0, 0)})
	p.PublishEviction(EvictionEvent{ClientID: "client-1", At: time.Unix(0, 0)})
	p.Close()
}

func TestConnectWithUnreachableURLDisablesNotifications(t *testing.T) {
	p := Connect("nats://127.0.0.1:1", zap.NewNop())
	if p == nil {
		t.Fatal("expected a non-nil Publisher even on connect failure")
	}
	p.PublishModeTransition(ModeTransitionEvent{From: "streaming", To: "idle", At: time.Unix(0, 0)})
	p.Close()
}

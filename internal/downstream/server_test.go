package downstream

import (
	"testing"

	"go.uber.org/zap"

	"github.com/adred-codev/restream-gateway/internal/config"
	"github.com/adred-codev/restream-gateway/internal/dispatcher"
	"github.com/adred-codev/restream-gateway/internal/memguard"
	"github.com/adred-codev/restream-gateway/internal/registry"
)

type noopRelay struct{}

func (noopRelay) Subscribe(symbols []string) error   { return nil }
func (noopRelay) Unsubscribe(symbols []string) error { return nil }

func newTestServer() *Server {
	reg := registry.New(0, func(string) {})
	disp := dispatcher.New(memguard.New(1<<20), nil)
	return New(config.DownstreamConfig{AcceptRatePerSec: 100, AcceptBurst: 100}, reg, disp, noopRelay{}, nil, nil, zap.NewNop())
}

func TestIndexSymbolAddsRecipient(t *testing.T) {
	s := newTestServer()
	s.indexSymbol("AAPL", "client-1")
	got := s.RecipientsFor("AAPL")
	if len(got) != 1 || got[0] != "client-1" {
		t.Fatalf("got %v, want [client-1]", got)
	}
}

func TestUnindexSymbolRemovesRecipientAndCleansEmptySet(t *testing.T) {
	s := newTestServer()
	s.indexSymbol("AAPL", "client-1")
	s.unindexSymbol("AAPL", "client-1")
	if got := s.RecipientsFor("AAPL"); len(got) != 0 {
		t.Fatalf("expected no recipients after unindex, got %v", got)
	}
	s.mu.RLock()
	_, exists := s.symbolIndex["AAPL"]
	s.mu.RUnlock()
	if exists {
		t.Fatal("expected empty symbol entry to be removed from the index")
	}
}

func TestRecipientsForMultipleClients(t *testing.T) {
	s := newTestServer()
	s.indexSymbol("TSLA", "client-1")
	s.indexSymbol("TSLA", "client-2")
	got := s.RecipientsFor("TSLA")
	if len(got) != 2 {
		t.Fatalf("expected 2 recipients, got %d", len(got))
	}
}

func TestRecipientsForUnknownSymbolIsEmpty(t *testing.T) {
	s := newTestServer()
	if got := s.RecipientsFor("NOPE"); got != nil {
		t.Fatalf("expected nil for unknown symbol, got %v", got)
	}
}

package downstream

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/adred-codev/restream-gateway/internal/dispatcher"
	"github.com/adred-codev/restream-gateway/internal/memguard"
	"github.com/adred-codev/restream-gateway/internal/quote"
)

func TestWriteLoopDeliversPricingFrame(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	disp := dispatcher.New(memguard.New(1<<20), nil)
	handle := disp.AddClient(dispatcher.PriorityHigh)
	c := newConnection(serverConn, handle, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.writeLoop(ctx)

	disp.Broadcast([]string{handle.ID}, &quote.Frame{Symbol: "AAPL", Price: 150, QuoteType: quote.QuoteTypeEquity})

	payload, err := readOneTextFrame(clientConn)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}

	var out outboundFrame
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Type != "pricing" || out.Message == "" {
		t.Fatalf("unexpected outbound frame: %+v", out)
	}
}

func TestDrainQueueClearsAllPendingFrames(t *testing.T) {
	disp := dispatcher.New(memguard.New(1<<20), nil)
	handle := disp.AddClient(dispatcher.PriorityLow)
	c := newConnection(nil, handle, nil, zap.NewNop())

	disp.Broadcast([]string{handle.ID}, &quote.Frame{Symbol: "AAPL"})
	disp.Broadcast([]string{handle.ID}, &quote.Frame{Symbol: "TSLA"})

	c.drainQueue()

	select {
	case _, ok := <-handle.Queue:
		if ok {
			t.Fatal("expected queue to be fully drained")
		}
	default:
	}
}

func readOneTextFrame(conn net.Conn) ([]byte, error) {
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := wsutil.NewReader(conn, ws.StateClientSide)
	header, err := reader.NextFrame()
	if err != nil {
		return nil, err
	}
	payload := make([]byte, header.Length)
	if _, err := readFull(reader, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func readFull(r interface {
	Read(p []byte) (int, error)
}, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

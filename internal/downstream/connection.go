package downstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/adred-codev/restream-gateway/internal/dispatcher"
	"github.com/adred-codev/restream-gateway/internal/quote"
	"github.com/adred-codev/restream-gateway/internal/registry"
)

// controlMessage is the client-originated JSON control frame: either a
// subscribe or unsubscribe symbol list.
type controlMessage struct {
	Subscribe   []string `json:"subscribe"`
	Unsubscribe []string `json:"unsubscribe"`
}

// outboundFrame is the envelope written for every delivered quote and for
// error replies. Message holds the base64 of the binary-encoded quote when
// Type is "pricing"; it is empty for "error". A drop notice rides on the
// pricing frame's data_dropped field; no separate notice frame is written.
type outboundFrame struct {
	Type        string `json:"type"`
	Message     string `json:"message,omitempty"`
	DataDropped bool   `json:"data_dropped,omitempty"`
	Error       string `json:"error,omitempty"`
}

// connection binds one accepted net.Conn to its dispatcher handle and
// tracks the set of symbols this client has subscribed to, so disconnect
// can clean up the registry and the server's symbol index.
type connection struct {
	conn   net.Conn
	handle *dispatcher.Handle
	server *Server
	logger *zap.Logger

	mu      sync.Mutex
	symbols map[string]struct{}
}

func newConnection(conn net.Conn, handle *dispatcher.Handle, server *Server, logger *zap.Logger) *connection {
	return &connection{
		conn:    conn,
		handle:  handle,
		server:  server,
		logger:  logger,
		symbols: make(map[string]struct{}),
	}
}

func (c *connection) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		c.writeLoop(ctx)
	}()

	c.readLoop(ctx)
	cancel()
	<-writeDone
}

func (c *connection) readLoop(ctx context.Context) {
	reader := wsutil.NewReader(c.conn, ws.StateServerSide)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		header, err := reader.NextFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Debug("read frame error", zap.Error(err))
			}
			return
		}

		switch header.OpCode {
		case ws.OpClose:
			_ = wsutil.WriteServerMessage(c.conn, ws.OpClose, nil)
			return
		case ws.OpPing:
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPong, nil); err != nil {
				return
			}
		case ws.OpText:
			payload := make([]byte, header.Length)
			if _, err := io.ReadFull(reader, payload); err != nil {
				return
			}
			c.handleControl(payload)
		default:
			if _, err := io.CopyN(io.Discard, reader, int64(header.Length)); err != nil {
				return
			}
		}
	}
}

func (c *connection) handleControl(payload []byte) {
	var msg controlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.writeError("malformed control message")
		return
	}

	for _, symbol := range msg.Subscribe {
		c.subscribeOne(symbol)
	}
	for _, symbol := range msg.Unsubscribe {
		c.unsubscribeOne(symbol)
	}
}

func (c *connection) subscribeOne(symbol string) {
	c.mu.Lock()
	_, already := c.symbols[symbol]
	c.symbols[symbol] = struct{}{}
	c.mu.Unlock()
	if already {
		return
	}

	c.server.indexSymbol(symbol, c.handle.ID)
	if outcome := c.server.registry.Subscribe(symbol); outcome == registry.NewSubscriptionNeeded {
		if err := c.server.relay.Subscribe([]string{symbol}); err != nil {
			c.logger.Warn("upstream subscribe relay failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}
}

func (c *connection) unsubscribeOne(symbol string) {
	c.mu.Lock()
	_, had := c.symbols[symbol]
	delete(c.symbols, symbol)
	c.mu.Unlock()
	if !had {
		return
	}

	c.server.unindexSymbol(symbol, c.handle.ID)
	c.server.registry.Unsubscribe(symbol)
}

func (c *connection) writeError(msg string) {
	data, err := json.Marshal(outboundFrame{Type: "error", Error: msg})
	if err != nil {
		return
	}
	_ = wsutil.WriteServerMessage(c.conn, ws.OpText, data)
}

func (c *connection) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.handle.DropSignal:
			c.drainQueue()
		case frame, ok := <-c.handle.Queue:
			if !ok {
				return
			}
			if err := c.writeFrame(frame); err != nil {
				return
			}
		}
	}
}

// drainQueue cooperatively clears pending work once the dispatcher has
// signalled this client was chosen for eviction, per SPEC_FULL.md's
// cooperative drop-signal design: only the consumer's own goroutine may
// safely drain its receive-only queue.
func (c *connection) drainQueue() {
	for {
		select {
		case _, ok := <-c.handle.Queue:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (c *connection) writeFrame(f *quote.Frame) error {
	data, err := json.Marshal(outboundFrame{
		Type:        "pricing",
		Message:     base64.StdEncoding.EncodeToString(quote.Encode(f)),
		DataDropped: f.DataDropped,
	})
	if err != nil {
		return err
	}
	return wsutil.WriteServerMessage(c.conn, ws.OpText, data)
}

func (c *connection) cleanup() {
	c.server.dispatcher.RemoveClient(c.handle.ID)

	c.mu.Lock()
	symbols := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		symbols = append(symbols, s)
	}
	c.symbols = nil
	c.mu.Unlock()

	for _, symbol := range symbols {
		c.server.unindexSymbol(symbol, c.handle.ID)
		c.server.registry.Unsubscribe(symbol)
	}
}

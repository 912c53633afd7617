// Package upstream implements the supervised WSS ingest client: a single
// persistent connection to the upstream quote feed, re-dialed with
// exponential backoff on failure, watched by two independent liveness
// timers, and relayed into the dispatcher via the decoded quote frame.
//
// The reconnect-supervisor shape (an outer loop that reconnects forever,
// an inner loop that reads until error, subscription state replayed on
// every reconnect) is grounded on
// romanzzaa-code-bybit-options-roller/internal/infrastructure/bybit/market_stream.go.
// Frame decoding and the watchdog timers are grounded on
// original_source/servers/src/yahoo_logic/upstream.rs and
// original_source/lib_common/src/core/upstream_manager.rs. The WebSocket
// transport itself reuses gobwas/ws + wsutil the same way
// go-server-3/internal/transport/server.go uses them on the server side,
// mirrored here for the client side of the handshake.
package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/adred-codev/restream-gateway/internal/config"
	"github.com/adred-codev/restream-gateway/internal/dispatcher"
	"github.com/adred-codev/restream-gateway/internal/metrics"
	"github.com/adred-codev/restream-gateway/internal/mode"
	"github.com/adred-codev/restream-gateway/internal/quote"
	"github.com/adred-codev/restream-gateway/internal/registry"
)

// idleGateQuantum bounds how long Run sleeps between re-checks of the
// operation mode while it is Idle, per SPEC_FULL.md §4.5's mode gate:
// UpstreamClient must not open a WSS connection while the market is
// closed, and must notice a transition back to Streaming promptly.
const idleGateQuantum = 2 * time.Second

// ModeReader is the narrow view of the operation-mode FSM the upstream
// client needs to gate dialing on. Satisfied by *mode.Manager.
type ModeReader interface {
	Current() mode.Mode
}

// envelope mirrors the upstream's JSON transport wrapper: a base64-encoded
// payload nested under "message", matching
// original_source/servers/src/yahoo_logic/upstream.rs's deserialization.
type envelope struct {
	Message string `json:"message"`
}

// FrameSink receives a decoded frame along with the list of registered
// client IDs it should fan out to. The upstream package has no notion of
// which downstream clients exist; it defers that lookup to the caller
// (normally the registry + a symbol->client index owned by downstream).
type FrameSink interface {
	RecipientsFor(symbol string) []string
}

// Client manages the single upstream WSS connection.
type Client struct {
	cfg        config.UpstreamConfig
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	sink       FrameSink
	modeReader ModeReader
	metrics    *metrics.Registry
	logger     *zap.Logger

	// consecutiveFailures counts connectAndServe returns since the last
	// successful dial: reset to zero on a successful dial, so a connected
	// session that is later lost counts as the first failure and each
	// failed dial after it adds one. FailoverPolling activates once this reaches
	// cfg.FailoverAfterFailures, per SPEC_FULL.md's Open Question
	// resolution (failure count, not market status, triggers failover).
	consecutiveFailures int

	onFailoverChange func(active bool)

	connMu sync.Mutex
	conn   net.Conn // nil when disconnected; guarded by connMu

	// failoverMu guards the REST snapshot poller's lifecycle: started when
	// consecutiveFailures crosses cfg.FailoverAfterFailures, stopped on the
	// next successful reconnect.
	failoverMu     sync.Mutex
	failoverCancel context.CancelFunc
}

// New creates an upstream Client. modeReader gates (re)connection attempts:
// Run never dials while it reports mode.Idle.
func New(cfg config.UpstreamConfig, reg *registry.Registry, disp *dispatcher.Dispatcher, sink FrameSink, modeReader ModeReader, m *metrics.Registry, logger *zap.Logger) *Client {
	return &Client{
		cfg:        cfg,
		registry:   reg,
		dispatcher: disp,
		sink:       sink,
		modeReader: modeReader,
		metrics:    m,
		logger:     logger,
	}
}

// OnFailoverChange registers a callback invoked whenever FailoverPolling
// is entered (active=true) or exited (active=false). Used by the mode
// manager to fold upstream health into the operation-mode FSM.
func (c *Client) OnFailoverChange(fn func(active bool)) {
	c.onFailoverChange = fn
}

// Run supervises the upstream connection until ctx is cancelled. It never
// returns early on connection failure; it reconnects with exponential
// backoff, resetting the backoff on every successful connect.
func (c *Client) Run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectBaseDelay
	b.MaxInterval = c.cfg.ReconnectMaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0 // plain doubling, no jitter
	b.MaxElapsedTime = 0 // retry forever; caller controls lifetime via ctx

	for {
		if ctx.Err() != nil {
			return
		}

		// Mode gate: per SPEC_FULL.md §4.5, the client must not open a WSS
		// connection while the market is closed. FailoverPolling is left
		// alone here — it still attempts to reconnect with backoff while
		// the REST snapshot poller covers the gap, per the Open Question
		// resolution in DESIGN.md.
		if c.modeReader != nil && c.modeReader.Current() == mode.Idle {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idleGateQuantum):
			}
			continue
		}

		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}

		c.consecutiveFailures++
		if c.consecutiveFailures == 1 {
			// First failure since the last successful connect (or since
			// start): the delay starts again from the initial interval.
			b.Reset()
		}
		if c.metrics != nil {
			c.metrics.UpstreamConnected.Set(0)
			c.metrics.UpstreamReconnects.Inc()
		}
		c.logger.Warn("upstream connection lost", zap.Error(err), zap.Int("consecutive_failures", c.consecutiveFailures))

		if c.consecutiveFailures == c.cfg.FailoverAfterFailures {
			if c.onFailoverChange != nil {
				c.onFailoverChange(true)
			}
			c.startFailoverPolling(ctx)
		}

		delay := b.NextBackOff()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// connectAndServe dials the upstream, replays the active subscription set,
// and reads frames until the connection errs or ctx is cancelled.
func (c *Client) connectAndServe(ctx context.Context) error {
	c.logger.Info("connecting to upstream", zap.String("url", c.cfg.URL))

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.TransportTimeout)
	defer cancel()

	conn, _, _, err := ws.DefaultDialer.Dial(dialCtx, c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer func() {
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		conn.Close()
	}()

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.consecutiveFailures = 0
	c.stopFailoverPolling()
	if c.onFailoverChange != nil {
		c.onFailoverChange(false)
	}
	if c.metrics != nil {
		c.metrics.UpstreamConnected.Set(1)
	}
	c.logger.Info("upstream connected")

	if symbols := c.registry.ActiveSymbols(); len(symbols) > 0 {
		if err := c.sendControl(conn, "subscribe", symbols); err != nil {
			return fmt.Errorf("resubscribe on connect: %w", err)
		}
	}

	watchdog := newWatchdog(c.cfg.TransportTimeout, c.cfg.DataInactivityThreshold, func() bool {
		return len(c.registry.ActiveSymbols()) > 0
	})
	defer watchdog.stop()

	watchdogDone := make(chan error, 1)
	go func() { watchdogDone <- watchdog.run(ctx) }()

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(conn, watchdog) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-watchdogDone:
		return fmt.Errorf("watchdog: %w", err)
	case err := <-readErr:
		return err
	}
}

// readLoop reads frames from conn until error, decoding each and relaying
// non-heartbeat frames to the dispatcher.
func (c *Client) readLoop(conn net.Conn, wd *watchdog) error {
	reader := wsutil.NewReader(conn, ws.StateClientSide)
	for {
		header, err := reader.NextFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return err
			}
			return fmt.Errorf("next frame: %w", err)
		}
		wd.resetTransport()

		if header.OpCode == ws.OpClose {
			return errors.New("upstream closed connection")
		}
		if header.OpCode != ws.OpText && header.OpCode != ws.OpBinary {
			if _, err := io.CopyN(io.Discard, reader, header.Length); err != nil {
				return fmt.Errorf("drain frame: %w", err)
			}
			continue
		}

		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return fmt.Errorf("read payload: %w", err)
		}

		c.handlePayload(payload, wd)
	}
}

func (c *Client) handlePayload(payload []byte, wd *watchdog) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		c.logger.Debug("non-envelope upstream payload discarded", zap.Error(err))
		return
	}
	raw, err := base64.StdEncoding.DecodeString(env.Message)
	if err != nil {
		c.logger.Debug("base64 decode failed", zap.Error(err))
		return
	}

	frame, err := quote.Decode(raw, time.Now())
	if err != nil {
		if errors.Is(err, quote.ErrDiscard) && frame != nil && frame.IsHeartbeat() {
			// Heartbeats reset transport liveness (already done above) but
			// never data liveness — a quiet market still needs a data
			// timeout to fire.
			return
		}
		c.logger.Debug("frame decode discarded", zap.Error(err))
		return
	}

	wd.resetData()
	if c.metrics != nil {
		c.metrics.MessagesPublished.Inc()
	}

	ids := c.sink.RecipientsFor(frame.Symbol)
	if len(ids) > 0 {
		c.dispatcher.Broadcast(ids, frame)
	}
}

// Subscribe relays a new upstream subscription, called when a symbol
// transitions from zero to one active client. If currently disconnected
// this is a no-op: the next successful connect replays the full active
// set via registry.ActiveSymbols(), which already reflects the caller's
// registry update.
func (c *Client) Subscribe(symbols []string) error {
	return c.sendControlIfConnected("subscribe", symbols)
}

// Unsubscribe relays an upstream unsubscription once a symbol's linger
// window has expired with no resubscription. Same disconnected-is-a-no-op
// behavior as Subscribe.
func (c *Client) Unsubscribe(symbols []string) error {
	return c.sendControlIfConnected("unsubscribe", symbols)
}

func (c *Client) sendControlIfConnected(op string, symbols []string) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return nil
	}
	return c.sendControl(conn, op, symbols)
}

func (c *Client) sendControl(conn net.Conn, op string, symbols []string) error {
	msg := map[string]interface{}{op: symbols}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return wsutil.WriteClientMessage(conn, ws.OpText, data)
}

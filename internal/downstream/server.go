// Package downstream terminates TLS WebSocket client sessions and fans
// out per-symbol quotes decoded upstream. The accept-loop/upgrade shape is
// grounded on go-server-3/internal/transport/server.go and
// go-server-3/internal/session/hub.go, generalized from
// broadcast-to-everyone into per-connection symbol subscriptions backed by
// internal/registry and internal/dispatcher, per
// original_source/servers/src/yahoo_logic/downstream.rs.
package downstream

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/adred-codev/restream-gateway/internal/auth"
	"github.com/adred-codev/restream-gateway/internal/config"
	"github.com/adred-codev/restream-gateway/internal/dispatcher"
	"github.com/adred-codev/restream-gateway/internal/metrics"
	"github.com/adred-codev/restream-gateway/internal/registry"
)

// UpstreamRelay is the subset of the upstream client's control surface
// downstream needs, kept as a narrow interface so this package does not
// depend on upstream's connection internals.
type UpstreamRelay interface {
	Subscribe(symbols []string) error
	Unsubscribe(symbols []string) error
}

// Server accepts downstream WebSocket connections on a TLS listener and
// fans out decoded quote frames filtered per connection's subscription
// set.
type Server struct {
	cfg        config.DownstreamConfig
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	relay      UpstreamRelay
	authMgr    *auth.Manager
	metrics    *metrics.Registry
	logger     *zap.Logger

	limiter *rate.Limiter

	mu          sync.RWMutex
	symbolIndex map[string]map[string]struct{} // symbol -> set of dispatcher client IDs

	listener net.Listener
	wg       sync.WaitGroup
}

// New creates a downstream Server.
func New(cfg config.DownstreamConfig, reg *registry.Registry, disp *dispatcher.Dispatcher, relay UpstreamRelay, authMgr *auth.Manager, m *metrics.Registry, logger *zap.Logger) *Server {
	return &Server{
		cfg:         cfg,
		registry:    reg,
		dispatcher:  disp,
		relay:       relay,
		authMgr:     authMgr,
		metrics:     m,
		logger:      logger,
		limiter:     rate.NewLimiter(rate.Limit(cfg.AcceptRatePerSec), cfg.AcceptBurst),
		symbolIndex: make(map[string]map[string]struct{}),
	}
}

// RecipientsFor returns the dispatcher client IDs currently subscribed to
// symbol. Satisfies upstream.FrameSink.
func (s *Server) RecipientsFor(symbol string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.symbolIndex[symbol]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

func (s *Server) indexSymbol(symbol, clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.symbolIndex[symbol]
	if !ok {
		set = make(map[string]struct{})
		s.symbolIndex[symbol] = set
	}
	set[clientID] = struct{}{}
}

func (s *Server) unindexSymbol(symbol, clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.symbolIndex[symbol]
	if !ok {
		return
	}
	delete(set, clientID)
	if len(set) == 0 {
		delete(s.symbolIndex, symbol)
	}
}

// Run starts the TLS listener and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertPath, s.cfg.TLSKeyPath)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}

	ln, err := tls.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port), &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	s.logger.Info("downstream listening", zap.Uint16("port", s.cfg.Port), zap.String("path", s.cfg.WSPath))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			s.logger.Warn("accept error", zap.Error(err))
			continue
		}

		if !s.limiter.Allow() {
			conn.Close()
			if s.metrics != nil {
				s.metrics.AcceptErrors.Inc()
			}
			continue
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleConnection(ctx, c)
		}(conn)
	}
}

// HealthHandler always answers 200 with the static body "OK" for liveness
// probes; it does not check the listener state. Wired by cmd/gateway
// alongside the metrics HTTP mux (downstream itself speaks raw WebSocket
// framing, not HTTP, so health is exposed separately).
func (s *Server) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

func (s *Server) handleConnection(parent context.Context, conn net.Conn) {
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))

	var reqURI, authHeader string
	upgrader := ws.Upgrader{
		OnRequest: func(uri []byte) error {
			reqURI = string(uri)
			return nil
		},
		OnHeader: func(key, value []byte) error {
			if string(key) == "Authorization" {
				authHeader = string(value)
			}
			return nil
		},
	}
	if _, err := upgrader.Upgrade(conn); err != nil {
		if s.metrics != nil {
			s.metrics.AcceptErrors.Inc()
		}
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	_ = conn.SetDeadline(time.Time{})

	priority := dispatcher.PriorityLow
	if s.authMgr != nil {
		if req, err := http.NewRequest(http.MethodGet, reqURI, nil); err == nil {
			if authHeader != "" {
				req.Header.Set("Authorization", authHeader)
			}
			if s.authMgr.IsHighPriority(req) {
				priority = dispatcher.PriorityHigh
			}
		}
	}

	handle := s.dispatcher.AddClient(priority)
	conn2 := newConnection(conn, handle, s, s.logger)
	defer conn2.cleanup()

	conn2.serve(parent)
}

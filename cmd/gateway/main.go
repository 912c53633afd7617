// Command gateway is the restream-gateway entrypoint: it wires the
// registry, dispatcher, upstream ingest client, mode manager, and
// downstream terminator together and supervises their long-running loops
// until a shutdown signal arrives. Structured the way
// go-server-3/cmd/odin-ws/main.go wires its own components (config then
// logger then metrics then servers, signal.NotifyContext for graceful
// shutdown), with coachpo-meltica-gateway/cmd/gateway/main.go's
// conc.WaitGroup supervision pattern used in place of a single hub's
// Start/Stop pair, since this gateway runs four independent long-lived
// loops instead of one.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/restream-gateway/internal/auth"
	"github.com/adred-codev/restream-gateway/internal/config"
	"github.com/adred-codev/restream-gateway/internal/dispatcher"
	"github.com/adred-codev/restream-gateway/internal/downstream"
	"github.com/adred-codev/restream-gateway/internal/logging"
	"github.com/adred-codev/restream-gateway/internal/memguard"
	"github.com/adred-codev/restream-gateway/internal/metrics"
	"github.com/adred-codev/restream-gateway/internal/mode"
	"github.com/adred-codev/restream-gateway/internal/notify"
	"github.com/adred-codev/restream-gateway/internal/registry"
	"github.com/adred-codev/restream-gateway/internal/sysmonitor"
	"github.com/adred-codev/restream-gateway/internal/upstream"
)

// shutdownGrace bounds how long in-flight work is given to wind down
// after a shutdown signal before the process exits anyway.
const shutdownGrace = 10 * time.Second

func main() {
	// .env is optional local-dev convenience; its absence is not an
	// error, and it never overrides variables already set in the
	// environment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	metricsRegistry := metrics.NewRegistry()

	relay := &upstreamRelay{}
	reg := registry.New(time.Duration(cfg.Registry.LingerSecs)*time.Second, func(symbol string) {
		if err := relay.Unsubscribe([]string{symbol}); err != nil {
			logger.Warn("upstream unsubscribe relay failed", zap.String("symbol", symbol), zap.Error(err))
		}
	})
	guard := memguard.New(cfg.Memory.MaxBytes)
	disp := dispatcher.New(guard, metricsRegistry)

	authMgr := auth.NewManager(cfg.Auth.JWTSecret)
	downstreamServer := downstream.New(cfg.Downstream, reg, disp, relay, authMgr, metricsRegistry, logger)

	// modeManager is constructed before upstreamClient so the client can
	// gate dialing on it (see internal/upstream.ModeReader); the reverse
	// wiring (upstream health feeding the mode FSM) is registered just
	// after via OnFailoverChange, since that direction has no
	// construction-order constraint.
	modeManager := mode.New(cfg.Upstream, metricsRegistry, logger)

	upstreamClient := upstream.New(cfg.Upstream, reg, disp, downstreamServer, modeManager, metricsRegistry, logger)
	relay.client = upstreamClient
	upstreamClient.OnFailoverChange(modeManager.SetFailoverActive)

	notifier := notify.Connect(cfg.Notify.NATSURL, logger)
	defer notifier.Close()
	modeManager.OnChange(func(old, new mode.Mode) {
		notifier.PublishModeTransition(notify.ModeTransitionEvent{From: old.String(), To: new.String(), At: time.Now()})
	})

	sysMonitor, err := sysmonitor.New(10*time.Second, metricsRegistry, logger)
	if err != nil {
		logger.Fatal("failed to initialize system monitor", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() { modeManager.Run(ctx) })
	lifecycle.Go(func() { upstreamClient.Run(ctx) })
	lifecycle.Go(func() { sysMonitor.Run(ctx) })
	lifecycle.Go(func() {
		if err := downstreamServer.Run(ctx); err != nil {
			logger.Error("downstream server stopped with error", zap.Error(err))
			stop()
		}
	})

	httpErrCh := make(chan error, 1)
	go func() {
		httpErrCh <- runHTTPServer(ctx, cfg, downstreamServer, metricsRegistry, logger)
	}()

	logger.Info("gateway started", zap.Uint16("downstream_port", cfg.Downstream.Port), zap.String("metrics_addr", cfg.Metrics.ListenAddr))

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("http server error", zap.Error(err))
		}
		stop()
	}

	done := make(chan struct{})
	go func() {
		lifecycle.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all components stopped cleanly")
	case <-time.After(shutdownGrace):
		logger.Warn("shutdown grace period elapsed, exiting anyway")
	}
}

// upstreamRelay adapts an *upstream.Client behind downstream.UpstreamRelay
// so downstream and upstream can be constructed in either order without
// an import cycle: downstream only ever needs the relay interface.
type upstreamRelay struct {
	client *upstream.Client
}

func (r *upstreamRelay) Subscribe(symbols []string) error {
	if r.client == nil {
		return nil
	}
	return r.client.Subscribe(symbols)
}

func (r *upstreamRelay) Unsubscribe(symbols []string) error {
	if r.client == nil {
		return nil
	}
	return r.client.Unsubscribe(symbols)
}

func runHTTPServer(ctx context.Context, cfg config.Config, ds *downstream.Server, metricsRegistry *metrics.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Endpoint, metricsRegistry.Handler())
	mux.Handle("/health", ds.HealthHandler())

	httpServer := &http.Server{
		Addr:         cfg.Metrics.ListenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics http server starting", zap.String("addr", cfg.Metrics.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics http server shutdown error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

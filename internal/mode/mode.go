package mode

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adred-codev/restream-gateway/internal/config"
	"github.com/adred-codev/restream-gateway/internal/metrics"
)

// Mode is one of the gateway's three operational states.
type Mode int

const (
	Idle Mode = iota
	Streaming
	FailoverPolling
)

func (m Mode) String() string {
	switch m {
	case Streaming:
		return "streaming"
	case FailoverPolling:
		return "failover_polling"
	default:
		return "idle"
	}
}

// Manager owns the current operation mode and the market-status poll loop
// that drives Streaming/Idle transitions, generalized from
// original_source/lib_common/src/core/upstream_manager.rs's
// UpstreamManager.reconcile_state. FailoverPolling is layered on top via
// SetFailoverActive, called by the upstream client on sustained reconnect
// failure — per SPEC_FULL.md's Open Question resolution, it is never
// entered from market-status polling.
type Manager struct {
	mu   sync.RWMutex
	mode Mode

	failoverActive bool

	fetcher *StatusFetcher
	cfg     config.UpstreamConfig
	metrics *metrics.Registry
	logger  *zap.Logger

	onChange func(old, new Mode)
}

// New creates a Manager starting in Idle.
func New(cfg config.UpstreamConfig, m *metrics.Registry, logger *zap.Logger) *Manager {
	return &Manager{
		mode:    Idle,
		fetcher: NewStatusFetcher(cfg.MarketStatusURL, cfg.TransportTimeout),
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
}

// OnChange registers a callback invoked synchronously on every mode
// transition, after the new mode is already visible to Current().
func (m *Manager) OnChange(fn func(old, new Mode)) {
	m.onChange = fn
}

// Current returns the gateway's present operation mode.
func (m *Manager) Current() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// SetFailoverActive is called by the upstream client whenever its
// consecutive-failure count crosses (active=true) or recovers below
// (active=false) the configured threshold. FailoverPolling takes priority
// display over whatever the market-status poll last decided; once it
// clears, the next poll cycle's Streaming/Idle decision resumes.
func (m *Manager) SetFailoverActive(active bool) {
	m.mu.Lock()
	m.failoverActive = active
	old := m.mode
	if active {
		m.mode = FailoverPolling
	}
	new := m.mode
	m.mu.Unlock()

	if old != new {
		m.logAndNotify(old, new)
	}
}

// Run polls market status forever at a cadence that depends on the
// current mode, sleeping through market-closed hours using the
// NY-anchored nap duration instead of busy-polling.
func (m *Manager) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		status, err := m.fetcher.Fetch()
		if err != nil {
			m.logger.Error("market status fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.cfg.MarketStatusErrorBackoff):
			}
			continue
		}

		m.applyStatus(status)

		var wait time.Duration
		if m.Current() == Idle {
			wait = status.SleepDuration()
			m.logger.Info("market closed, napping", zap.Duration("nap", wait))
		} else {
			wait = m.cfg.MarketStatusPollInterval
		}
		if wait <= 0 {
			wait = m.cfg.MarketStatusPollInterval
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (m *Manager) applyStatus(status Status) {
	m.mu.Lock()
	if m.failoverActive {
		// FailoverPolling overrides market-status-derived mode until the
		// upstream client clears it.
		m.mu.Unlock()
		return
	}
	old := m.mode
	if status.IsOpen() {
		m.mode = Streaming
	} else {
		m.mode = Idle
	}
	new := m.mode
	m.mu.Unlock()

	if old != new {
		m.logAndNotify(old, new)
	}
}

func (m *Manager) logAndNotify(old, new Mode) {
	m.logger.Info("operation mode transition", zap.String("from", old.String()), zap.String("to", new.String()))
	if m.metrics != nil {
		m.metrics.OperationMode.Set(float64(new))
	}
	if m.onChange != nil {
		m.onChange(old, new)
	}
}

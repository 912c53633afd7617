package upstream

import (
	"context"
	"errors"
	"time"
)

// watchdog distinguishes a quiet-but-alive feed from a stuck one using two
// independent timers: transport liveness resets on any inbound frame
// (including heartbeats), data liveness resets only on a decoded
// non-heartbeat frame. A feed that keeps sending heartbeats but no real
// quotes still trips the data timer, matching
// original_source/lib_common/src/core/upstream_manager.rs's intent that a
// silent market is not the same as a dead connection.
type watchdog struct {
	transportTimeout time.Duration
	dataTimeout      time.Duration

	// hasActiveSubscribers reports whether the registry currently has any
	// subscribed symbol. Per SPEC_FULL.md §4.5/§8, the data-inactivity
	// reconnect only applies "while subscriptions are non-empty" — with
	// zero subscribers a quiet feed is expected, not stuck, so an expiring
	// data timer is swallowed instead of forcing a reconnect.
	hasActiveSubscribers func() bool

	resetTransportCh chan struct{}
	resetDataCh      chan struct{}
	stopCh           chan struct{}
}

func newWatchdog(transportTimeout, dataTimeout time.Duration, hasActiveSubscribers func() bool) *watchdog {
	return &watchdog{
		transportTimeout:     transportTimeout,
		dataTimeout:          dataTimeout,
		hasActiveSubscribers: hasActiveSubscribers,
		resetTransportCh:     make(chan struct{}, 1),
		resetDataCh:          make(chan struct{}, 1),
		stopCh:               make(chan struct{}),
	}
}

func (w *watchdog) resetTransport() {
	select {
	case w.resetTransportCh <- struct{}{}:
	default:
	}
}

func (w *watchdog) resetData() {
	select {
	case w.resetDataCh <- struct{}{}:
	default:
	}
}

func (w *watchdog) stop() {
	close(w.stopCh)
}

// run blocks until either timer elapses without a reset, ctx is
// cancelled, or stop is called, returning a descriptive error in the
// first case and nil otherwise.
func (w *watchdog) run(ctx context.Context) error {
	transportTimer := time.NewTimer(w.transportTimeout)
	dataTimer := time.NewTimer(w.dataTimeout)
	defer transportTimer.Stop()
	defer dataTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.stopCh:
			return nil
		case <-w.resetTransportCh:
			if !transportTimer.Stop() {
				drain(transportTimer)
			}
			transportTimer.Reset(w.transportTimeout)
		case <-w.resetDataCh:
			if !dataTimer.Stop() {
				drain(dataTimer)
			}
			dataTimer.Reset(w.dataTimeout)
		case <-transportTimer.C:
			return errors.New("transport liveness timeout: no inbound frames")
		case <-dataTimer.C:
			if w.hasActiveSubscribers != nil && !w.hasActiveSubscribers() {
				dataTimer.Reset(w.dataTimeout)
				continue
			}
			return errors.New("data liveness timeout: no non-heartbeat frames")
		}
	}
}

func drain(t *time.Timer) {
	select {
	case <-t.C:
	default:
	}
}

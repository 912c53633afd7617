// Package mode implements the operation-mode FSM (Streaming / Idle /
// FailoverPolling) and the market-status poller that drives it, grounded
// on original_source/lib_common/src/core/upstream_manager.rs and
// original_source/lib_common/src/markets/nasdaq/marketstatus.rs.
package mode

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	// America/New_York must resolve even on minimal container images that
	// ship no host zoneinfo database.
	_ "time/tzdata"
)

const naiveLayout = "2006-01-02T15:04:05"

// Status is the subset of the upstream market-status payload this gateway
// needs, field-for-field with
// original_source/lib_common/src/markets/nasdaq/marketstatus.rs's
// MarketStatusData (camelCase wire names preserved for the same reason the
// original keeps serde's rename_all: the API is not ours to rename).
type Status struct {
	MarketStatus   string `json:"mrktStatus"`
	NextTradeDate  string `json:"nextTradeDate"`
	PreMarketOpen  string `json:"pmOpenRaw"`
	AfterHoursOpen string `json:"ahCloseRaw"`
	MarketOpen     string `json:"openRaw"`
	MarketClose    string `json:"closeRaw"`
}

// IsOpen reports whether the market is currently open.
func (s Status) IsOpen() bool {
	return s.MarketStatus == "Open"
}

var nyLocation = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.UTC
	}
	return loc
}()

func nowNY() time.Time {
	return time.Now().In(nyLocation)
}

func parseNaive(s string) (time.Time, error) {
	t, err := time.ParseInLocation(naiveLayout, s, nyLocation)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse naive timestamp %q: %w", s, err)
	}
	return t, nil
}

// SleepDuration reproduces get_sleep_duration from
// original_source/lib_common/src/markets/nasdaq/marketstatus.rs: zero while
// the market is open, otherwise the time remaining until the next
// pre-market or regular open, anchored to 04:00 NY on the next trading day
// when the raw timestamps are themselves stale (a weekend or holiday).
func (s Status) SleepDuration() time.Duration {
	if s.IsOpen() {
		return 0
	}

	now := nowNY()

	pmOpen, errPM := parseNaive(s.PreMarketOpen)
	open, errOpen := parseNaive(s.MarketOpen)
	if errPM != nil || errOpen != nil {
		return 5 * time.Minute
	}

	target := open
	if now.Before(pmOpen) {
		target = pmOpen
	}

	if !target.After(now) {
		if nextDate, err := time.ParseInLocation("Jan 2, 2006", s.NextTradeDate, nyLocation); err == nil {
			target = time.Date(nextDate.Year(), nextDate.Month(), nextDate.Day(), 4, 0, 0, 0, nyLocation)
		}
	}

	if target.After(now) {
		return target.Sub(now)
	}
	return 5 * time.Minute
}

// StatusFetcher retrieves and strictly-but-non-fatally validates market
// status from the upstream REST endpoint. Schema mismatches are logged by
// the caller (Manager) and surfaced as an error rather than a fatal
// process exit, since SPEC_FULL.md's ambient-stack expansion downgrades
// the original's logger.fatal into recoverable error handling — on a
// malformed status payload the Manager keeps the current mode and retries
// after its error back-off instead of crashing the gateway.
type StatusFetcher struct {
	url    string
	client *http.Client
}

// NewStatusFetcher creates a fetcher for the given market-status endpoint.
func NewStatusFetcher(url string, timeout time.Duration) *StatusFetcher {
	return &StatusFetcher{url: url, client: &http.Client{Timeout: timeout}}
}

// Fetch retrieves the current market status.
func (f *StatusFetcher) Fetch() (Status, error) {
	resp, err := f.client.Get(f.url)
	if err != nil {
		return Status{}, fmt.Errorf("market status request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Status{}, fmt.Errorf("read market status body: %w", err)
	}

	var envelope struct {
		Data Status `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Status{}, fmt.Errorf("market status schema validation failed: %w", err)
	}
	return envelope.Data, nil
}

package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/adred-codev/restream-gateway/internal/quote"
)

// failoverResponse mirrors the subset of Yahoo Finance's v7 quote snapshot
// schema (`{"quoteResponse":{"result":[...]}}`) this gateway needs to
// synthesize a Frame per symbol, grounded on
// original_source/lib_common/src/ingestors/cnn_polling.rs's
// self-scheduling REST-ingestor shape (execute_poll -> PollResult ->
// dispatcher.broadcast), adapted to Yahoo's real quote-snapshot response
// instead of that ingestor's mocked payload.
type failoverResponse struct {
	QuoteResponse struct {
		Result []failoverQuote `json:"result"`
	} `json:"quoteResponse"`
}

type failoverQuote struct {
	Symbol                     string  `json:"symbol"`
	FullExchangeName           string  `json:"fullExchangeName"`
	Currency                   string  `json:"currency"`
	MarketState                string  `json:"marketState"`
	RegularMarketPrice         float32 `json:"regularMarketPrice"`
	RegularMarketDayHigh       float32 `json:"regularMarketDayHigh"`
	RegularMarketDayLow        float32 `json:"regularMarketDayLow"`
	RegularMarketChange        float32 `json:"regularMarketChange"`
	RegularMarketChangePercent float32 `json:"regularMarketChangePercent"`
	RegularMarketVolume        int64   `json:"regularMarketVolume"`
	RegularMarketTime          int64   `json:"regularMarketTime"`
}

func (q failoverQuote) marketHours() quote.MarketHours {
	switch q.MarketState {
	case "PRE":
		return quote.MarketHoursPre
	case "POST", "POSTPOST":
		return quote.MarketHoursPost
	case "REGULAR":
		return quote.MarketHoursRegular
	default:
		return quote.MarketHoursExtended
	}
}

// startFailoverPolling launches the REST snapshot poller if it isn't
// already running. Safe to call more than once; only the first call after
// a stopFailoverPolling takes effect.
func (c *Client) startFailoverPolling(ctx context.Context) {
	c.failoverMu.Lock()
	defer c.failoverMu.Unlock()
	if c.failoverCancel != nil {
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	c.failoverCancel = cancel
	go c.runFailoverPolling(pollCtx)
}

// stopFailoverPolling stops the REST snapshot poller if running. Safe to
// call even when it isn't.
func (c *Client) stopFailoverPolling() {
	c.failoverMu.Lock()
	defer c.failoverMu.Unlock()
	if c.failoverCancel != nil {
		c.failoverCancel()
		c.failoverCancel = nil
	}
}

// runFailoverPolling fetches a REST snapshot for the registry's active
// symbol set at cfg.FailoverPollInterval, feeding synthesized frames
// through the same dispatcher fan-out the WSS path uses, until ctx is
// cancelled (by stopFailoverPolling on a successful reconnect, or by the
// caller's own shutdown).
func (c *Client) runFailoverPolling(ctx context.Context) {
	c.logger.Warn("entering failover REST polling", zap.Duration("interval", c.cfg.FailoverPollInterval))
	ticker := time.NewTicker(c.cfg.FailoverPollInterval)
	defer ticker.Stop()

	httpClient := &http.Client{Timeout: c.cfg.TransportTimeout}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("exiting failover REST polling")
			return
		case <-ticker.C:
			c.pollSnapshot(ctx, httpClient)
		}
	}
}

func (c *Client) pollSnapshot(ctx context.Context, httpClient *http.Client) {
	symbols := c.registry.ActiveSymbols()
	if len(symbols) == 0 {
		return
	}

	reqURL := fmt.Sprintf(c.cfg.FailoverSnapshotURL, url.QueryEscape(strings.Join(symbols, ",")))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		c.logger.Warn("failover snapshot request build failed", zap.Error(err))
		return
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		c.logger.Warn("failover snapshot request failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.logger.Warn("failover snapshot read failed", zap.Error(err))
		return
	}

	var parsed failoverResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		c.logger.Warn("failover snapshot decode failed", zap.Error(err))
		return
	}

	now := time.Now()
	for _, q := range parsed.QuoteResponse.Result {
		frame := &quote.Frame{
			Symbol:              q.Symbol,
			Price:               q.RegularMarketPrice,
			TimestampUpstreamMs: q.RegularMarketTime * 1000,
			Exchange:            q.FullExchangeName,
			Currency:            q.Currency,
			QuoteType:           quote.QuoteTypeEquity,
			MarketHours:         q.marketHours(),
			DayHigh:             q.RegularMarketDayHigh,
			DayLow:              q.RegularMarketDayLow,
			Change:              q.RegularMarketChange,
			ChangePercent:       q.RegularMarketChangePercent,
			DayVolume:           q.RegularMarketVolume,
			TsLibraryIn:         now,
		}

		if c.metrics != nil {
			c.metrics.MessagesPublished.Inc()
		}

		ids := c.sink.RecipientsFor(frame.Symbol)
		if len(ids) > 0 {
			c.dispatcher.Broadcast(ids, frame)
		}
	}
}

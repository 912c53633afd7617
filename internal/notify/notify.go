// Package notify publishes best-effort operational events — mode
// transitions and evictions — to an optional NATS subject, adapted from
// go-server/pkg/nats/client.go's connection-event-handler and
// PublishJSON pattern. Unlike the teacher's full pub/sub router, this
// gateway only ever publishes; it never subscribes, since no component
// here consumes externally-originated NATS messages.
package notify

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Publisher wraps an optional NATS connection. A nil Publisher (or one
// built from an empty URL) makes every Publish call a silent no-op —
// notifications are diagnostic, never load-bearing.
type Publisher struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// Connect dials the given NATS URL. An empty url disables notifications
// entirely and returns a non-nil Publisher whose Publish calls are no-ops,
// so callers never need a nil check.
func Connect(url string, logger *zap.Logger) *Publisher {
	if url == "" {
		return &Publisher{logger: logger}
	}

	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("notify: disconnected from NATS", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("notify: reconnected to NATS", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		logger.Warn("notify: NATS connect failed, notifications disabled", zap.Error(err))
		return &Publisher{logger: logger}
	}
	return &Publisher{conn: conn, logger: logger}
}

// subjects used by this gateway's event stream.
const (
	SubjectModeTransition = "restream.mode.transition"
	SubjectEviction       = "restream.dispatcher.eviction"
)

// ModeTransitionEvent describes a Streaming/Idle/FailoverPolling change.
type ModeTransitionEvent struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}

// EvictionEvent describes a low-priority client being cleared under
// memory pressure.
type EvictionEvent struct {
	ClientID string    `json:"client_id"`
	At       time.Time `json:"at"`
}

// PublishModeTransition notifies subscribers of a mode change. Failure is
// logged, never returned — a lost notification must not disrupt the FSM.
func (p *Publisher) PublishModeTransition(event ModeTransitionEvent) {
	p.publishJSON(SubjectModeTransition, event)
}

// PublishEviction notifies subscribers that a client was evicted.
func (p *Publisher) PublishEviction(event EvictionEvent) {
	p.publishJSON(SubjectEviction, event)
}

func (p *Publisher) publishJSON(subject string, v interface{}) {
	if p.conn == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		p.logger.Warn("notify: marshal failed", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("notify: publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// Close drains and closes the underlying connection, if any.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}

// Package quote defines the normalized Quote Frame and the binary decoder
// contract for the upstream wire format. The wire schema itself is treated
// as an opaque decoder contract per SPEC_FULL.md §1: this package reproduces
// the field set and enum tag values recovered from
// original_source/lib_common/src/markets/nasdaq/datafeeds/yahoostreaming/proto_handler.rs,
// decoded with a small length-prefixed binary reader rather than a
// generated protobuf codec (see DESIGN.md for why no pack library applies).
package quote

import (
	"encoding/binary"
	"errors"
	"math"
	"time"
)

// QuoteType mirrors the upstream's numeric quote-type tag values.
type QuoteType int32

const (
	QuoteTypeNone           QuoteType = 0
	QuoteTypeAltSymbol      QuoteType = 5
	QuoteTypeHeartbeat      QuoteType = 7
	QuoteTypeEquity         QuoteType = 8
	QuoteTypeIndex          QuoteType = 9
	QuoteTypeMutualFund     QuoteType = 11
	QuoteTypeMoneyMarket    QuoteType = 12
	QuoteTypeOption         QuoteType = 13
	QuoteTypeCurrency       QuoteType = 14
	QuoteTypeWarrant        QuoteType = 15
	QuoteTypeBond           QuoteType = 17
	QuoteTypeFuture         QuoteType = 18
	QuoteTypeETF            QuoteType = 20
	QuoteTypeCommodity      QuoteType = 23
	QuoteTypeECNQuote       QuoteType = 28
	QuoteTypeCryptocurrency QuoteType = 41
	QuoteTypeIndicator      QuoteType = 42
	QuoteTypeIndustry       QuoteType = 1000
)

// MarketHours mirrors the upstream's market-session tag values.
type MarketHours int32

const (
	MarketHoursPre      MarketHours = 0
	MarketHoursRegular  MarketHours = 1
	MarketHoursPost     MarketHours = 2
	MarketHoursExtended MarketHours = 3
)

// OptionType distinguishes calls from puts for derivative quotes.
type OptionType int32

const (
	OptionTypeCall OptionType = 0
	OptionTypePut  OptionType = 1
)

// Frame is the immutable, shared-by-reference quote payload fanned out to
// downstream clients. Once constructed, a Frame is never mutated in place —
// callers that need to flag data_dropped build a shallow copy (see
// WithDataDropped).
type Frame struct {
	Symbol        string
	Price         float32
	TimestampUpstreamMs int64
	Exchange      string
	Currency      string
	QuoteType     QuoteType
	MarketHours   MarketHours
	DayHigh       float32
	DayLow        float32
	Change        float32
	ChangePercent float32
	DayVolume     int64

	// Optional derivative fields.
	Strike          float32
	ExpireDateMs    int64
	UnderlyingSymbol string
	OptionType      OptionType
	HasDerivative   bool

	// Ingress-assigned fields.
	TsLibraryIn time.Time
	DataDropped bool
}

// WithDataDropped returns a shallow copy of f with DataDropped set. Used by
// the dispatcher to tag the single frame following an eviction for a given
// client, without mutating the shared original seen by every other client.
func (f *Frame) WithDataDropped(dropped bool) *Frame {
	cp := *f
	cp.DataDropped = dropped
	return &cp
}

// IsHeartbeat reports whether this frame is a keep-alive rather than real
// market data.
func (f *Frame) IsHeartbeat() bool {
	return f.QuoteType == QuoteTypeHeartbeat
}

var (
	// ErrDiscard is returned by Decode for frames that must be silently
	// discarded: heartbeats and unparseable payloads both signal this way
	// so callers handle them uniformly (reset transport liveness, skip
	// data-liveness reset, never forward to the dispatcher).
	ErrDiscard = errors.New("quote: frame discarded")
)

// wire layout (opaque contract, big-endian, length-prefixed strings):
//
//	int32   quoteType
//	int32   marketHours
//	int64   timestampMs
//	float32 price
//	float32 dayHigh
//	float32 dayLow
//	float32 change
//	float32 changePercent
//	int64   dayVolume
//	uint16  symbolLen   + symbol bytes
//	uint16  exchangeLen + exchange bytes
//	uint16  currencyLen + currency bytes
//	uint8   hasDerivative (0/1)
//	  if 1:
//	    float32 strike
//	    int64   expireDateMs
//	    int32   optionType
//	    uint16  underlyingLen + underlying bytes
const minFrameLen = 4 + 4 + 8 + 4*5 + 8 + 2 + 2 + 2 + 1

// Decode parses one opaque upstream binary message into a normalized Frame.
// It returns ErrDiscard (never a data-path panic) for heartbeats and
// malformed payloads; tsIn is stamped onto the returned frame as
// TsLibraryIn at the instant of read.
func Decode(raw []byte, tsIn time.Time) (*Frame, error) {
	if len(raw) < minFrameLen {
		return nil, ErrDiscard
	}

	r := &reader{buf: raw}

	qt := QuoteType(r.int32())
	mh := MarketHours(r.int32())
	tsMs := r.int64()
	price := r.float32()
	dayHigh := r.float32()
	dayLow := r.float32()
	change := r.float32()
	changePct := r.float32()
	dayVolume := r.int64()

	symbol := r.lenPrefixedString()
	exchange := r.lenPrefixedString()
	currency := r.lenPrefixedString()
	hasDerivative := r.byte_() == 1

	var strike float32
	var expireMs int64
	var optType OptionType
	var underlying string
	if hasDerivative {
		strike = r.float32()
		expireMs = r.int64()
		optType = OptionType(r.int32())
		underlying = r.lenPrefixedString()
	}

	if r.err != nil {
		return nil, ErrDiscard
	}

	f := &Frame{
		Symbol:           symbol,
		Price:            price,
		TimestampUpstreamMs: tsMs,
		Exchange:         exchange,
		Currency:         currency,
		QuoteType:        qt,
		MarketHours:      mh,
		DayHigh:          dayHigh,
		DayLow:           dayLow,
		Change:           change,
		ChangePercent:    changePct,
		DayVolume:        dayVolume,
		Strike:           strike,
		ExpireDateMs:     expireMs,
		UnderlyingSymbol: underlying,
		OptionType:       optType,
		HasDerivative:    hasDerivative,
		TsLibraryIn:      tsIn,
	}

	if f.IsHeartbeat() {
		return f, ErrDiscard
	}

	return f, nil
}

// reader is a tiny cursor over a byte slice that tracks the first error
// encountered so call sites can chain reads without per-field checks.
type reader struct {
	buf []byte
	pos int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.pos+n > len(r.buf) {
		r.err = errors.New("quote: short buffer")
		return false
	}
	return true
}

func (r *reader) int32() int32 {
	if !r.need(4) {
		return 0
	}
	v := int32(binary.BigEndian.Uint32(r.buf[r.pos:]))
	r.pos += 4
	return v
}

func (r *reader) int64() int64 {
	if !r.need(8) {
		return 0
	}
	v := int64(binary.BigEndian.Uint64(r.buf[r.pos:]))
	r.pos += 8
	return v
}

func (r *reader) float32() float32 {
	if !r.need(4) {
		return 0
	}
	bits := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return math.Float32frombits(bits)
}

func (r *reader) byte_() byte {
	if !r.need(1) {
		return 0
	}
	b := r.buf[r.pos]
	r.pos++
	return b
}

func (r *reader) lenPrefixedString() string {
	if !r.need(2) {
		return ""
	}
	n := int(binary.BigEndian.Uint16(r.buf[r.pos:]))
	r.pos += 2
	if !r.need(n) {
		return ""
	}
	s := string(r.buf[r.pos : r.pos+n])
	r.pos += n
	return s
}

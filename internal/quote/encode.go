package quote

import (
	"encoding/binary"
	"math"
)

// Encode serializes f into the wire layout documented in quote.go. It is
// used by tests and by the downstream server, which base64-wraps the
// encoded bytes in every "pricing" frame it sends.
func Encode(f *Frame) []byte {
	buf := make([]byte, 0, minFrameLen+len(f.Symbol)+len(f.Exchange)+len(f.Currency)+len(f.UnderlyingSymbol)+32)

	buf = appendInt32(buf, int32(f.QuoteType))
	buf = appendInt32(buf, int32(f.MarketHours))
	buf = appendInt64(buf, f.TimestampUpstreamMs)
	buf = appendFloat32(buf, f.Price)
	buf = appendFloat32(buf, f.DayHigh)
	buf = appendFloat32(buf, f.DayLow)
	buf = appendFloat32(buf, f.Change)
	buf = appendFloat32(buf, f.ChangePercent)
	buf = appendInt64(buf, f.DayVolume)
	buf = appendLenPrefixed(buf, f.Symbol)
	buf = appendLenPrefixed(buf, f.Exchange)
	buf = appendLenPrefixed(buf, f.Currency)

	if f.HasDerivative {
		buf = append(buf, 1)
		buf = appendFloat32(buf, f.Strike)
		buf = appendInt64(buf, f.ExpireDateMs)
		buf = appendInt32(buf, int32(f.OptionType))
		buf = appendLenPrefixed(buf, f.UnderlyingSymbol)
	} else {
		buf = append(buf, 0)
	}

	return buf
}

func appendInt32(buf []byte, v int32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(v))
	return append(buf, tmp[:]...)
}

func appendInt64(buf []byte, v int64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	return append(buf, tmp[:]...)
}

func appendFloat32(buf []byte, v float32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], math.Float32bits(v))
	return append(buf, tmp[:]...)
}

func appendLenPrefixed(buf []byte, s string) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(s)))
	buf = append(buf, tmp[:]...)
	return append(buf, s...)
}

// Package winenc encodes the two window aggregate types — trade OHLCV
// aggregates and order-book accumulators — into a compact, self-describing
// binary form for the durable windows log and the live window feed.
// Every record is framed with a 2-byte big-endian length prefix, in the
// same style as the venue's wire protocol framing; optional fields (the
// order accumulator has several, since a window can close without ever
// observing a valid mid-price) are tagged with a one-byte presence flag
// ahead of their value so a decoder never has to guess whether a zero
// means "zero" or "absent".
package winenc

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/taltech/windowpipe/internal/orderwindow"
	"github.com/taltech/windowpipe/internal/tradewindow"
)

const (
	present byte = 1
	absent  byte = 0
)

// EncodeTrade serializes a trade window Aggregate, framed with a 2-byte
// big-endian length prefix.
func EncodeTrade(a tradewindow.Aggregate) []byte {
	body := make([]byte, 0, 128)
	body = appendI64(body, a.TradeCount)
	body = appendF64(body, a.SumVol)
	body = appendF64(body, a.SumPV)
	body = appendF64(body, a.BuyVol)
	body = appendF64(body, a.SellVol)
	body = appendF64(body, a.SumPrice)
	body = appendF64(body, a.SumPrice2)
	body = appendF64(body, a.SumLogRet)
	body = appendF64(body, a.SumLogRet2)
	body = appendF64(body, a.SumLogRet3)
	body = appendF64(body, a.Open)
	body = appendF64(body, a.High)
	body = appendF64(body, a.Low)
	body = appendF64(body, a.Close)
	body = appendF64(body, a.MinSize)
	body = appendF64(body, a.MaxSize)
	body = appendI64(body, a.FirstTs)
	body = appendI64(body, a.LastTs)
	body = appendI64(body, a.SumDt)
	body = appendI64(body, a.MaxGapMs)

	return frame(body)
}

// DecodeTrade parses a record produced by EncodeTrade, including its
// length prefix.
func DecodeTrade(buf []byte) (tradewindow.Aggregate, error) {
	body, err := unframe(buf)
	if err != nil {
		return tradewindow.Aggregate{}, err
	}

	r := newReader(body)
	var a tradewindow.Aggregate
	a.TradeCount = r.i64()
	a.SumVol = r.f64()
	a.SumPV = r.f64()
	a.BuyVol = r.f64()
	a.SellVol = r.f64()
	a.SumPrice = r.f64()
	a.SumPrice2 = r.f64()
	a.SumLogRet = r.f64()
	a.SumLogRet2 = r.f64()
	a.SumLogRet3 = r.f64()
	a.Open = r.f64()
	a.High = r.f64()
	a.Low = r.f64()
	a.Close = r.f64()
	a.MinSize = r.f64()
	a.MaxSize = r.f64()
	a.FirstTs = r.i64()
	a.LastTs = r.i64()
	a.SumDt = r.i64()
	a.MaxGapMs = r.i64()

	return a, r.err
}

// EncodeOrder serializes an order-book window Accumulator, framed with a
// 2-byte big-endian length prefix.
func EncodeOrder(a orderwindow.Accumulator) []byte {
	body := make([]byte, 0, 256)
	body = appendF64(body, a.SW)
	body = appendF64(body, a.SWMid)
	body = appendF64(body, a.SWMicro)
	body = appendF64(body, a.SpreadMin)
	body = appendF64(body, a.SpreadMax)
	body = appendF64(body, a.SWSpread)
	body = appendF64(body, a.NW)
	body = appendF64(body, a.MeanMid)
	body = appendF64(body, a.M2Mid)
	body = appendF64(body, a.SWBid)
	body = appendF64(body, a.SWAsk)
	body = appendF64(body, a.SWImbalance)
	body = appendF64(body, a.SWBidBestQty)
	body = appendF64(body, a.SWAskBestQty)
	body = appendI64(body, a.NUpdates)
	body = appendI64(body, a.NMidUp)
	body = appendI64(body, a.NMidDown)
	body = appendI64(body, a.NSpreadWidening)
	body = appendI64(body, a.NSpreadTightening)
	body = appendOptI64(body, a.TFirst)
	body = appendOptI64(body, a.TLast)
	body = appendOptF64(body, a.CloseMid)
	body = appendOptF64(body, a.CloseSpread)
	body = appendOptF64(body, a.CloseBestBid)
	body = appendOptF64(body, a.CloseBestAsk)
	body = appendF64(body, a.CloseBidQty0)
	body = appendF64(body, a.CloseAskQty0)
	body = appendF64(body, a.CloseBestImb)

	return frame(body)
}

// DecodeOrder parses a record produced by EncodeOrder, including its
// length prefix.
func DecodeOrder(buf []byte) (orderwindow.Accumulator, error) {
	body, err := unframe(buf)
	if err != nil {
		return orderwindow.Accumulator{}, err
	}

	r := newReader(body)
	var a orderwindow.Accumulator
	a.SW = r.f64()
	a.SWMid = r.f64()
	a.SWMicro = r.f64()
	a.SpreadMin = r.f64()
	a.SpreadMax = r.f64()
	a.SWSpread = r.f64()
	a.NW = r.f64()
	a.MeanMid = r.f64()
	a.M2Mid = r.f64()
	a.SWBid = r.f64()
	a.SWAsk = r.f64()
	a.SWImbalance = r.f64()
	a.SWBidBestQty = r.f64()
	a.SWAskBestQty = r.f64()
	a.NUpdates = r.i64()
	a.NMidUp = r.i64()
	a.NMidDown = r.i64()
	a.NSpreadWidening = r.i64()
	a.NSpreadTightening = r.i64()
	a.TFirst = r.optI64()
	a.TLast = r.optI64()
	a.CloseMid = r.optF64()
	a.CloseSpread = r.optF64()
	a.CloseBestBid = r.optF64()
	a.CloseBestAsk = r.optF64()
	a.CloseBidQty0 = r.f64()
	a.CloseAskQty0 = r.f64()
	a.CloseBestImb = r.f64()

	return a, r.err
}

func frame(body []byte) []byte {
	out := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(out[:2], uint16(len(body)))
	copy(out[2:], body)
	return out
}

func unframe(buf []byte) ([]byte, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("winenc: record shorter than its length prefix")
	}
	n := int(binary.BigEndian.Uint16(buf[:2]))
	if len(buf) < 2+n {
		return nil, fmt.Errorf("winenc: length prefix says %d bytes, have %d", n, len(buf)-2)
	}
	return buf[2 : 2+n], nil
}

func appendF64(b []byte, v float64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], math.Float64bits(v))
	return append(b, tmp[:]...)
}

func appendI64(b []byte, v int64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	return append(b, tmp[:]...)
}

func appendOptF64(b []byte, v *float64) []byte {
	if v == nil {
		return append(b, absent)
	}
	b = append(b, present)
	return appendF64(b, *v)
}

func appendOptI64(b []byte, v *int64) []byte {
	if v == nil {
		return append(b, absent)
	}
	b = append(b, present)
	return appendI64(b, *v)
}

// reader walks a decoded body sequentially. The first error encountered is
// sticky: once set, every subsequent read returns a zero value instead of
// panicking on a short buffer.
type reader struct {
	buf []byte
	pos int
	err error
}

func newReader(buf []byte) *reader {
	return &reader{buf: buf}
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.pos+n > len(r.buf) {
		r.err = fmt.Errorf("winenc: unexpected end of record at offset %d, need %d more bytes", r.pos, n)
		return false
	}
	return true
}

func (r *reader) f64() float64 {
	if !r.need(8) {
		return 0
	}
	v := math.Float64frombits(binary.BigEndian.Uint64(r.buf[r.pos : r.pos+8]))
	r.pos += 8
	return v
}

func (r *reader) i64() int64 {
	if !r.need(8) {
		return 0
	}
	v := int64(binary.BigEndian.Uint64(r.buf[r.pos : r.pos+8]))
	r.pos += 8
	return v
}

func (r *reader) optF64() *float64 {
	if !r.need(1) {
		return nil
	}
	tag := r.buf[r.pos]
	r.pos++
	if tag == absent {
		return nil
	}
	v := r.f64()
	return &v
}

func (r *reader) optI64() *int64 {
	if !r.need(1) {
		return nil
	}
	tag := r.buf[r.pos]
	r.pos++
	if tag == absent {
		return nil
	}
	v := r.i64()
	return &v
}

// Package tradewindow computes OHLCV and log-return-moment statistics
// over a buffer of trades in one pass, using a struct-of-arrays layout so
// a window's features can be derived without allocating a slice of trade
// structs.
package tradewindow

import "math"

const initialCapacity = 2048

// Side values recorded on each trade.
const (
	SideBuy  uint8 = 0
	SideSell uint8 = 1
)

// SoABuffer accumulates trades for one open window as parallel arrays,
// doubling capacity as needed. Use Append to add trades and Features to
// derive the window's aggregate once the window closes.
type SoABuffer struct {
	ts    []int64
	price []float64
	qty   []float64
	side  []uint8
	n     int
}

// NewSoABuffer returns an empty buffer pre-sized to the teacher-observed
// starting capacity.
func NewSoABuffer() *SoABuffer {
	return &SoABuffer{
		ts:    make([]int64, initialCapacity),
		price: make([]float64, initialCapacity),
		qty:   make([]float64, initialCapacity),
		side:  make([]uint8, initialCapacity),
	}
}

// Len returns the number of trades currently held.
func (b *SoABuffer) Len() int { return b.n }

// Append records one trade, growing the underlying arrays by doubling
// their capacity when full.
func (b *SoABuffer) Append(tsMs int64, price, qty float64, side uint8) {
	if b.n == len(b.ts) {
		b.grow()
	}
	b.ts[b.n] = tsMs
	b.price[b.n] = price
	b.qty[b.n] = qty
	b.side[b.n] = side
	b.n++
}

func (b *SoABuffer) grow() {
	newCap := len(b.ts) * 2
	if newCap == 0 {
		newCap = initialCapacity
	}
	b.ts = append(b.ts, make([]int64, newCap-len(b.ts))...)
	b.price = append(b.price, make([]float64, newCap-len(b.price))...)
	b.qty = append(b.qty, make([]float64, newCap-len(b.qty))...)
	b.side = append(b.side, make([]uint8, newCap-len(b.side))...)
}

// Clear empties the buffer in place, keeping its backing arrays so the
// next window avoids a fresh allocation. It returns the receiver so a
// handler can swap-and-clear in one expression.
func (b *SoABuffer) Clear() *SoABuffer {
	b.n = 0
	return b
}

// Aggregate is the OHLCV + log-return-moment summary of one closed trade
// window.
type Aggregate struct {
	TradeCount int64
	SumVol     float64
	SumPV      float64
	BuyVol     float64
	SellVol    float64
	SumPrice   float64
	SumPrice2  float64
	SumLogRet  float64
	SumLogRet2 float64
	SumLogRet3 float64

	Open  float64
	High  float64
	Low   float64
	Close float64

	MinSize float64
	MaxSize float64

	FirstTs int64
	LastTs  int64
	SumDt   int64
	MaxGapMs int64
}

// Features computes the Aggregate for the trades currently held. When the
// buffer is empty it returns a zero-valued Aggregate with FirstTs and
// LastTs both set to windowStart, matching an empty window's closing
// record.
func (b *SoABuffer) Features(windowStart, windowEnd int64) Aggregate {
	if b.n == 0 {
		return Aggregate{FirstTs: windowStart, LastTs: windowStart}
	}

	var agg Aggregate
	agg.TradeCount = int64(b.n)
	agg.Open = b.price[0]
	agg.Close = b.price[b.n-1]
	agg.High = b.price[0]
	agg.Low = b.price[0]
	agg.MinSize = b.qty[0]
	agg.MaxSize = b.qty[0]
	agg.FirstTs = b.ts[0]
	agg.LastTs = b.ts[b.n-1]

	for i := 0; i < b.n; i++ {
		price := b.price[i]
		qty := b.qty[i]

		agg.SumVol += qty
		agg.SumPV += price * qty
		agg.SumPrice += price
		agg.SumPrice2 += price * price

		if b.side[i] == SideBuy {
			agg.BuyVol += qty
		}

		if price > agg.High {
			agg.High = price
		}
		if price < agg.Low {
			agg.Low = price
		}
		if qty < agg.MinSize {
			agg.MinSize = qty
		}
		if qty > agg.MaxSize {
			agg.MaxSize = qty
		}
	}
	agg.SellVol = agg.SumVol - agg.BuyVol

	if b.n > 1 {
		var prevLogPrice float64
		havePrev := false
		for i := 0; i < b.n; i++ {
			if i > 0 {
				dt := b.ts[i] - b.ts[i-1]
				agg.SumDt += dt
				if dt > agg.MaxGapMs {
					agg.MaxGapMs = dt
				}
			}

			if b.price[i] <= 0 {
				havePrev = false
				continue
			}
			logPrice := math.Log(b.price[i])
			if havePrev {
				r := logPrice - prevLogPrice
				agg.SumLogRet += r
				agg.SumLogRet2 += r * r
				agg.SumLogRet3 += r * r * r
			}
			prevLogPrice = logPrice
			havePrev = true
		}
	}

	return agg
}

// Package orderwindow computes time-weighted statistics over an order
// book across one aggregation window: time-weighted mid-price and
// microprice, a streaming variance of the mid-price via weighted
// Welford's algorithm, time-weighted book imbalance, and close-of-window
// snapshot fields.
package orderwindow

import (
	"math"

	"github.com/taltech/windowpipe/internal/orderbook"
)

// Accumulator holds the running state of one open window. Every field
// mirrors a quantity spec.md names; none are derived lazily, so Close can
// read them directly.
type Accumulator struct {
	SW      float64 // total elapsed weight covered so far
	SWMid   float64 // time-weighted sum of mid-price
	SWMicro float64 // time-weighted sum of microprice

	SpreadMin float64
	SpreadMax float64
	SWSpread  float64

	NW      float64 // running weight for the Welford accumulators
	MeanMid float64
	M2Mid   float64

	SWBid        float64
	SWAsk        float64
	SWImbalance  float64
	SWBidBestQty float64
	SWAskBestQty float64

	NUpdates          int64
	NMidUp            int64
	NMidDown          int64
	NSpreadWidening   int64
	NSpreadTightening int64

	TFirst *int64
	TLast  *int64

	CloseMid     *float64
	CloseSpread  *float64
	CloseBestBid *float64
	CloseBestAsk *float64
	CloseBidQty0 float64
	CloseAskQty0 float64
	CloseBestImb float64
}

// NewAccumulator returns an Accumulator in its just-reset state.
func NewAccumulator() *Accumulator {
	a := &Accumulator{}
	Reset(a, nil)
	return a
}

// Reset zeroes every window-local field. When winStart is non-nil, TFirst
// and TLast are both seeded to it so a window that never observes an
// update before it closes still reports sane timestamps.
func Reset(a *Accumulator, winStart *int64) {
	*a = Accumulator{
		SpreadMin: math.Inf(1),
		SpreadMax: math.Inf(-1),
	}
	if winStart != nil {
		t := *winStart
		a.TFirst = &t
		t2 := *winStart
		a.TLast = &t2
	}
}

// UpdateTick folds in the book state held between tPrev and tCurr, weighted
// by the elapsed time between the two (or by 1, uniformly, when
// timeWeighted is false or the two timestamps coincide). A zero-duration
// tick is only given unit weight when it is not the window's opening
// tick: prevMid/prevSpread being nil marks that there is no prior
// observation in this window to have held the book state over, so that
// tick contributes no weight at all. It returns the tick's mid and spread
// (nil if either side of the book is empty or the book is crossed) so the
// caller can pass them back in as prevMid/prevSpread on the next call.
func UpdateTick(a *Accumulator, mgr *orderbook.Manager, tPrev, tCurr int64, prevMid, prevSpread *float64, timeWeighted bool) (mid, spread *float64) {
	var w float64
	if !timeWeighted {
		w = 1
	} else {
		w = float64(tCurr - tPrev)
		if w < 0 {
			w = 0
		}
		if w == 0 && (prevMid != nil || prevSpread != nil) {
			w = 1
		}
	}

	bb, bbOK := mgr.Bids.Best()
	ba, baOK := mgr.Asks.Best()

	var bq0, aq0 float64
	if bbOK {
		bq0 = mgr.Bids.Get(bb)
	}
	if baOK {
		aq0 = mgr.Asks.Get(ba)
	}

	if bbOK && baOK && ba >= bb {
		m := (bb + ba) / 2
		mid = &m
		s := ba - bb
		spread = &s
	}

	if mid != nil {
		a.SWMid += w * (*mid)
		if bq0+aq0 > 0 {
			// Deliberately cross-weighted: the ask price is weighted by
			// the bid size and vice versa, pulling the microprice toward
			// the thinner side.
			micro := (ba*bq0 + bb*aq0) / (bq0 + aq0)
			a.SWMicro += w * micro
		}
	}
	if spread != nil {
		a.SWSpread += w * (*spread)
		if *spread < a.SpreadMin {
			a.SpreadMin = *spread
		}
		if *spread > a.SpreadMax {
			a.SpreadMax = *spread
		}
	}
	a.SW += w

	totalBid := mgr.Bids.TotalVolume()
	totalAsk := mgr.Asks.TotalVolume()
	a.SWBid += w * totalBid
	a.SWAsk += w * totalAsk
	if totalBid+totalAsk > 0 {
		a.SWImbalance += w * (totalBid - totalAsk) / (totalBid + totalAsk)
	}
	a.SWBidBestQty += w * bq0
	a.SWAskBestQty += w * aq0

	if mid != nil && w > 0 {
		a.NW += w
		delta := *mid - a.MeanMid
		a.MeanMid += (w / a.NW) * delta
		delta2 := *mid - a.MeanMid
		a.M2Mid += w * delta * delta2
	}

	if mid != nil && prevMid != nil {
		switch {
		case *mid > *prevMid:
			a.NMidUp++
		case *mid < *prevMid:
			a.NMidDown++
		}
	}
	if spread != nil && prevSpread != nil {
		switch {
		case *spread > *prevSpread:
			a.NSpreadWidening++
		case *spread < *prevSpread:
			a.NSpreadTightening++
		}
	}
	a.NUpdates++

	if a.TFirst == nil {
		t := tPrev
		a.TFirst = &t
	}
	t := tCurr
	a.TLast = &t

	return mid, spread
}

// Close fills in the close-of-window snapshot fields from the book's
// current top-of-book, preferring the caller-supplied lastMid/lastSpread
// (the most recent tick's values) when present.
func Close(a *Accumulator, mgr *orderbook.Manager, lastMid, lastSpread *float64) {
	bb, bbOK := mgr.Bids.Best()
	ba, baOK := mgr.Asks.Best()

	if bbOK {
		v := bb
		a.CloseBestBid = &v
		a.CloseBidQty0 = mgr.Bids.Get(bb)
	}
	if baOK {
		v := ba
		a.CloseBestAsk = &v
		a.CloseAskQty0 = mgr.Asks.Get(ba)
	}

	switch {
	case lastMid != nil:
		a.CloseMid = lastMid
	case bbOK && baOK && ba >= bb:
		m := (bb + ba) / 2
		a.CloseMid = &m
	}

	switch {
	case lastSpread != nil:
		a.CloseSpread = lastSpread
	case bbOK && baOK && ba >= bb:
		s := ba - bb
		a.CloseSpread = &s
	}

	if a.CloseBidQty0+a.CloseAskQty0 > 0 {
		a.CloseBestImb = (a.CloseBidQty0 - a.CloseAskQty0) / (a.CloseBidQty0 + a.CloseAskQty0)
	} else {
		a.CloseBestImb = 0
	}
}

// VarianceMid returns the window's weighted variance of the mid-price
// (M2Mid divided by the total weight NW), derived from the Welford
// accumulators. It returns 0 when fewer than two
// weighted observations were folded in.
func (a *Accumulator) VarianceMid() float64 {
	if a.NW <= 0 {
		return 0
	}
	return a.M2Mid / a.NW
}

// Package windowhandler drives trade and order-book aggregation across
// window boundaries. Each handler owns exactly one (platform, symbol,
// window size) state machine and is fed a strictly-ordered stream of
// events for that tuple; it decides when to append to the open window,
// when to start tracking the next one early, and when a window has
// closed and should be emitted.
package windowhandler

import (
	"github.com/taltech/windowpipe/internal/orderbook"
	"github.com/taltech/windowpipe/internal/orderwindow"
	"github.com/taltech/windowpipe/internal/platform"
	"github.com/taltech/windowpipe/internal/tradewindow"
)

func windowStart(timeMs, windowSizeMs int64) int64 {
	return (timeMs / windowSizeMs) * windowSizeMs
}

// TradeEvent is one trade tick fed to a TradeHandler.
type TradeEvent struct {
	TimeMs   int64
	Price    float64
	Qty      float64
	Side     uint8
	Symbol   string
	Platform platform.Platform
}

// TradeWindow is one closed trade window ready to be persisted or
// published.
type TradeWindow struct {
	WindowStartMs int64
	Aggregate     tradewindow.Aggregate
}

// TradeHandler aggregates trades into fixed-size windows, tracking the
// current window and, once a trade from the following window arrives,
// the next window too — so a burst of trades spanning a boundary never
// has to be buffered and replayed.
type TradeHandler struct {
	WindowSizeMs int64

	currentStart *int64
	currentData  *tradewindow.SoABuffer
	nextStart    *int64
	nextData     *tradewindow.SoABuffer
}

// NewTradeHandler returns a handler for one (platform, symbol, window
// size) tuple.
func NewTradeHandler(windowSizeMs int64) *TradeHandler {
	return &TradeHandler{
		WindowSizeMs: windowSizeMs,
		currentData:  tradewindow.NewSoABuffer(),
		nextData:     tradewindow.NewSoABuffer(),
	}
}

// Handle folds in one trade, returning a closed TradeWindow whenever the
// trade's arrival causes the current window to roll over.
func (h *TradeHandler) Handle(ev TradeEvent) (closed *TradeWindow) {
	ws := windowStart(ev.TimeMs, h.WindowSizeMs)

	switch {
	case h.currentStart == nil:
		// Case 1: nothing open yet — this trade starts the current window.
		s := ws
		h.currentStart = &s
		h.currentData.Append(ev.TimeMs, ev.Price, ev.Qty, ev.Side)

	case ws == *h.currentStart:
		// Case 2: belongs to the window already open.
		h.currentData.Append(ev.TimeMs, ev.Price, ev.Qty, ev.Side)

	case h.nextStart == nil || ws == *h.nextStart:
		// Case 3: belongs to (or starts) the window right after current.
		if h.nextStart == nil {
			s := ws
			h.nextStart = &s
		}
		h.nextData.Append(ev.TimeMs, ev.Price, ev.Qty, ev.Side)

	default:
		// Case 4: this trade is beyond even the next window. Close out
		// current, roll next into current, and start a fresh next.
		if h.currentData.Len() > 0 {
			start := *h.currentStart
			closed = &TradeWindow{
				WindowStartMs: start,
				Aggregate:     h.currentData.Features(start, start+h.WindowSizeMs),
			}
		}

		oldCurrent := h.currentData
		h.currentStart = h.nextStart
		h.currentData = h.nextData
		if h.currentStart == nil {
			// There was no next window tracked yet; current becomes this trade's.
			s := ws
			h.currentStart = &s
		}

		s := ws
		h.nextStart = &s
		h.nextData = oldCurrent.Clear()
		h.nextData.Append(ev.TimeMs, ev.Price, ev.Qty, ev.Side)
	}

	return closed
}

// Flush closes whatever window is currently open, for use at shutdown or
// when draining backfilled history before switching to live events.
func (h *TradeHandler) Flush() *TradeWindow {
	if h.currentStart == nil {
		return nil
	}
	start := *h.currentStart
	w := &TradeWindow{
		WindowStartMs: start,
		Aggregate:     h.currentData.Features(start, start+h.WindowSizeMs),
	}
	h.currentStart = nil
	h.currentData = tradewindow.NewSoABuffer()
	return w
}

// OrderEvent is one order-book snapshot or incremental update fed to an
// OrderHandler.
type OrderEvent struct {
	TimeMs     int64
	IsSnapshot bool
	Bids       [][2]float64
	Asks       [][2]float64
	Symbol     string
	Platform   platform.Platform
}

// OrderWindow is one closed order-book window ready to be persisted or
// published.
type OrderWindow struct {
	WindowStartMs int64
	Accumulator   orderwindow.Accumulator
}

// OrderHandler reconstructs a live order book and accumulates
// time-weighted statistics over it, rolling over to a fresh Accumulator
// whenever an event's window start moves past the one currently open.
type OrderHandler struct {
	WindowSizeMs int64

	mgr *orderbook.Manager
	acc *orderwindow.Accumulator

	winStart *int64
	prevT    *int64
	prevMid  *float64
	prevSpread *float64
}

// NewOrderHandler returns a handler for one (platform, symbol, window
// size) tuple.
func NewOrderHandler(windowSizeMs int64) *OrderHandler {
	return &OrderHandler{
		WindowSizeMs: windowSizeMs,
		mgr:          orderbook.NewManager(),
		acc:          orderwindow.NewAccumulator(),
	}
}

// Handle folds in one order-book event, returning a closed OrderWindow
// whenever the event's arrival causes the current window to roll over.
// Events that would move the window backward (stale, out-of-order
// delivery) are dropped. Updates arriving before the book has ever seen a
// snapshot are passed to the book manager, which ignores them, and
// produce no output.
func (h *OrderHandler) Handle(ev OrderEvent) (closed *OrderWindow) {
	ws := windowStart(ev.TimeMs, h.WindowSizeMs)

	if h.winStart != nil && ws < *h.winStart {
		return nil
	}

	h.mgr.Apply(orderbook.Update{
		IsSnapshot:  ev.IsSnapshot,
		Bids:        ev.Bids,
		Asks:        ev.Asks,
		TimestampMs: ev.TimeMs,
	})

	if !h.mgr.HasSnapshot {
		return nil
	}

	switch {
	case h.winStart == nil:
		s := ws
		h.winStart = &s

	case ws > *h.winStart:
		orderwindow.Close(h.acc, h.mgr, h.prevMid, h.prevSpread)
		closed = &OrderWindow{WindowStartMs: *h.winStart, Accumulator: *h.acc}

		s := ws
		orderwindow.Reset(h.acc, &s)
		h.winStart = &s
		h.prevT = nil
		h.prevMid = nil
		h.prevSpread = nil
	}

	tPrev := *h.winStart
	if h.prevT != nil {
		tPrev = *h.prevT
	}
	mid, spread := orderwindow.UpdateTick(h.acc, h.mgr, tPrev, ev.TimeMs, h.prevMid, h.prevSpread, true)

	t := ev.TimeMs
	h.prevT = &t
	h.prevMid = mid
	h.prevSpread = spread

	return closed
}

// Flush closes whatever window is currently open.
func (h *OrderHandler) Flush() *OrderWindow {
	if h.winStart == nil {
		return nil
	}
	orderwindow.Close(h.acc, h.mgr, h.prevMid, h.prevSpread)
	w := &OrderWindow{WindowStartMs: *h.winStart, Accumulator: *h.acc}

	orderwindow.Reset(h.acc, nil)
	h.winStart = nil
	h.prevT = nil
	h.prevMid = nil
	h.prevSpread = nil
	return w
}

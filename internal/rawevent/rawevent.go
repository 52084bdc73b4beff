// Package rawevent decodes the JSON wire shapes that arrive over the
// durable event log and the live feed into the plain value types the
// window handlers operate on. Decimal price/quantity fields arrive as
// strings upstream and are parsed to float64 here, at the boundary,
// matching how far downstream keeps them as strings before this pipeline
// ever sees them.
package rawevent

import (
	"fmt"
	"strconv"

	"github.com/taltech/windowpipe/internal/tradewindow"
	"github.com/taltech/windowpipe/internal/windowhandler"
)

// Trade is the wire shape of one trade tick.
type Trade struct {
	Symbol    string  `json:"symbol"`
	Price     string  `json:"price"`
	Quantity  string  `json:"quantity"`
	TimeMs    int64   `json:"time"`
	Platform  string  `json:"platform"`
	Side      int     `json:"side"`      // 0 = buy, 1 = sell
	OrderType int     `json:"orderType"` // 0 = market, 1 = limit
	Misc      *string `json:"misc,omitempty"`
}

// TradeWithID is the live-feed envelope: a Trade plus the monotone id the
// upstream bridge assigned it when first appending to the durable log.
type TradeWithID struct {
	ID int64 `json:"id"`
	Trade
}

// ToEvent parses the wire Trade into a windowhandler.TradeEvent.
func (t Trade) ToEvent() (windowhandler.TradeEvent, error) {
	price, err := strconv.ParseFloat(t.Price, 64)
	if err != nil {
		return windowhandler.TradeEvent{}, fmt.Errorf("rawevent: trade price %q: %w", t.Price, err)
	}
	qty, err := strconv.ParseFloat(t.Quantity, 64)
	if err != nil {
		return windowhandler.TradeEvent{}, fmt.Errorf("rawevent: trade quantity %q: %w", t.Quantity, err)
	}
	side := uint8(tradewindow.SideBuy)
	if t.Side == 1 {
		side = tradewindow.SideSell
	}
	return windowhandler.TradeEvent{
		TimeMs: t.TimeMs,
		Price:  price,
		Qty:    qty,
		Side:   side,
		Symbol: t.Symbol,
	}, nil
}

// OrderBook is the wire shape of one order-book snapshot or incremental
// update. Bids/asks are ordered [price, qty] string pairs.
type OrderBook struct {
	Type     string      `json:"type"` // "update" or "snapshot"
	Symbol   string      `json:"symbol"`
	Bids     [][2]string `json:"bids"`
	Asks     [][2]string `json:"asks"`
	TimeMs   int64       `json:"time"`
	Platform string      `json:"platform"`
}

// OrderBookWithID is the live-feed envelope for an OrderBook.
type OrderBookWithID struct {
	ID int64 `json:"id"`
	OrderBook
}

// ToEvent parses the wire OrderBook into a windowhandler.OrderEvent.
func (o OrderBook) ToEvent() (windowhandler.OrderEvent, error) {
	bids, err := parseLevels(o.Bids)
	if err != nil {
		return windowhandler.OrderEvent{}, fmt.Errorf("rawevent: order book bids: %w", err)
	}
	asks, err := parseLevels(o.Asks)
	if err != nil {
		return windowhandler.OrderEvent{}, fmt.Errorf("rawevent: order book asks: %w", err)
	}
	return windowhandler.OrderEvent{
		TimeMs:     o.TimeMs,
		IsSnapshot: o.Type == "snapshot",
		Bids:       bids,
		Asks:       asks,
		Symbol:     o.Symbol,
	}, nil
}

func parseLevels(levels [][2]string) ([][2]float64, error) {
	out := make([][2]float64, len(levels))
	for i, lvl := range levels {
		price, err := strconv.ParseFloat(lvl[0], 64)
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", lvl[0], err)
		}
		qty, err := strconv.ParseFloat(lvl[1], 64)
		if err != nil {
			return nil, fmt.Errorf("quantity %q: %w", lvl[1], err)
		}
		out[i] = [2]float64{price, qty}
	}
	return out, nil
}

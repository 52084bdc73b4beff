// Package orderbook maintains a per-symbol limit order book reconstructed
// from a stream of depth snapshots and incremental level updates. It keeps
// enough aggregate state (best price, total depth, notional value) for the
// window accumulator to compute mid-price, microprice and imbalance
// without ever re-scanning the full book.
package orderbook

import "sort"

// Side identifies which side of the book a SideBook represents.
type Side int

const (
	Bid Side = iota
	Ask
)

// SideBook holds one side (bid or ask) of a price-level book, kept sorted
// ascending by price regardless of side. For bids the best price is the
// last element; for asks the best price is the first element. Levels are
// never physically reordered to put "best" first — only Best() knows
// which end to read.
type SideBook struct {
	side          Side
	prices        []float64
	volumes       map[float64]float64
	totalQty      float64
	totalNotional float64
}

// NewSideBook returns an empty SideBook for the given side.
func NewSideBook(side Side) *SideBook {
	return &SideBook{
		side:    side,
		volumes: make(map[float64]float64),
	}
}

// Clear empties the book.
func (s *SideBook) Clear() {
	s.prices = s.prices[:0]
	for k := range s.volumes {
		delete(s.volumes, k)
	}
	s.totalQty = 0
	s.totalNotional = 0
}

// SetSnapshot replaces the book's contents with levels, dropping any level
// whose quantity is zero and computing the running aggregates once over
// the result. levels need not be sorted or deduplicated.
func (s *SideBook) SetSnapshot(levels [][2]float64) {
	s.Clear()

	tmp := make([]float64, 0, len(levels))
	for _, lvl := range levels {
		price, qty := lvl[0], lvl[1]
		if qty == 0 {
			continue
		}
		if _, exists := s.volumes[price]; !exists {
			tmp = append(tmp, price)
		}
		s.volumes[price] = qty
	}
	sort.Float64s(tmp)
	s.prices = tmp

	for _, price := range s.prices {
		qty := s.volumes[price]
		s.totalQty += qty
		s.totalNotional += qty * price
	}
}

// ApplyLevel applies one incremental level update: a zero quantity removes
// the level, an existing price updates its quantity, and a new price is
// inserted in sorted order (fast-pathing an append/prepend at either end
// before falling back to a binary-search insert).
func (s *SideBook) ApplyLevel(price, qty float64) {
	existing, had := s.volumes[price]

	if qty == 0 {
		if !had {
			return
		}
		s.removeLevel(price, existing)
		return
	}

	if had {
		s.updateLevel(price, existing, qty)
		return
	}

	s.insertLevel(price, qty)
}

func (s *SideBook) removeLevel(price, qty float64) {
	idx := sort.SearchFloat64s(s.prices, price)
	if idx < len(s.prices) && s.prices[idx] == price {
		s.prices = append(s.prices[:idx], s.prices[idx+1:]...)
	}
	delete(s.volumes, price)
	s.totalQty -= qty
	s.totalNotional -= qty * price
}

func (s *SideBook) updateLevel(price, oldQty, newQty float64) {
	s.volumes[price] = newQty
	s.totalQty += newQty - oldQty
	s.totalNotional += (newQty - oldQty) * price
}

func (s *SideBook) insertLevel(price, qty float64) {
	s.volumes[price] = qty
	s.totalQty += qty
	s.totalNotional += qty * price

	switch {
	case len(s.prices) == 0 || price > s.prices[len(s.prices)-1]:
		s.prices = append(s.prices, price)
	case price < s.prices[0]:
		s.prices = append([]float64{price}, s.prices...)
	default:
		idx := sort.SearchFloat64s(s.prices, price)
		s.prices = append(s.prices, 0)
		copy(s.prices[idx+1:], s.prices[idx:])
		s.prices[idx] = price
	}
}

// EnforceDepth trims the book down to depth levels by dropping the levels
// furthest from the best price: the lowest-priced bids or the
// highest-priced asks.
func (s *SideBook) EnforceDepth(depth int) {
	if depth <= 0 {
		return
	}
	for len(s.prices) > depth {
		var worst float64
		if s.side == Bid {
			worst = s.prices[0]
			s.prices = s.prices[1:]
		} else {
			worst = s.prices[len(s.prices)-1]
			s.prices = s.prices[:len(s.prices)-1]
		}
		qty := s.volumes[worst]
		delete(s.volumes, worst)
		s.totalQty -= qty
		s.totalNotional -= qty * worst
	}
}

// Best returns the best (top-of-book) price and whether one exists.
func (s *SideBook) Best() (float64, bool) {
	if len(s.prices) == 0 {
		return 0, false
	}
	if s.side == Bid {
		return s.prices[len(s.prices)-1], true
	}
	return s.prices[0], true
}

// Get returns the quantity resting at price, or 0 if the level is absent.
func (s *SideBook) Get(price float64) float64 {
	return s.volumes[price]
}

// Depth returns the number of distinct price levels.
func (s *SideBook) Depth() int {
	return len(s.prices)
}

// Levels returns the book's (price, qty) pairs in ascending-price order.
func (s *SideBook) Levels() [][2]float64 {
	out := make([][2]float64, len(s.prices))
	for i, price := range s.prices {
		out[i] = [2]float64{price, s.volumes[price]}
	}
	return out
}

// TotalVolume returns the sum of quantity across every level.
func (s *SideBook) TotalVolume() float64 {
	return s.totalQty
}

// TotalNotional returns the sum of price*qty across every level.
func (s *SideBook) TotalNotional() float64 {
	return s.totalNotional
}

// VWAP returns the volume-weighted average price across the side, or 0 if
// the side is empty.
func (s *SideBook) VWAP() float64 {
	if s.totalQty == 0 {
		return 0
	}
	return s.totalNotional / s.totalQty
}

// Update is one inbound order-book event: either a full snapshot
// (replacing both sides entirely) or an incremental update (a set of
// level deltas applied on top of the current book).
type Update struct {
	IsSnapshot  bool
	Bids        [][2]float64
	Asks        [][2]float64
	TimestampMs int64
}

// Manager reconstructs a live order book for one symbol from a sequence
// of snapshots and updates. Updates received before the first snapshot
// are ignored, since there is nothing yet to apply them to.
type Manager struct {
	Bids *SideBook
	Asks *SideBook

	HasSnapshot   bool
	BidDepth      int
	AskDepth      int
	LastTimestamp int64
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{
		Bids: NewSideBook(Bid),
		Asks: NewSideBook(Ask),
	}
}

// Reset clears the book back to its pre-snapshot state.
func (m *Manager) Reset() {
	m.Bids.Clear()
	m.Asks.Clear()
	m.HasSnapshot = false
	m.BidDepth = 0
	m.AskDepth = 0
	m.LastTimestamp = 0
}

// Apply applies one Update, dispatching to the snapshot or incremental
// path.
func (m *Manager) Apply(u Update) {
	if u.IsSnapshot {
		m.applySnapshot(u)
	} else {
		m.applyUpdate(u)
	}
	m.LastTimestamp = u.TimestampMs
}

func (m *Manager) applySnapshot(u Update) {
	m.Bids.SetSnapshot(u.Bids)
	m.Asks.SetSnapshot(u.Asks)
	m.HasSnapshot = true
	m.BidDepth = m.Bids.Depth()
	m.AskDepth = m.Asks.Depth()
}

func (m *Manager) applyUpdate(u Update) {
	if !m.HasSnapshot {
		return
	}
	for _, lvl := range u.Bids {
		m.Bids.ApplyLevel(lvl[0], lvl[1])
	}
	for _, lvl := range u.Asks {
		m.Asks.ApplyLevel(lvl[0], lvl[1])
	}
	// Each side enforces its own depth, independently of the other.
	m.Bids.EnforceDepth(m.BidDepth)
	m.Asks.EnforceDepth(m.AskDepth)
}

package orderbook

import "testing"

func TestSideBookSnapshotDropsZeroQuantityLevels(t *testing.T) {
	s := NewSideBook(Bid)
	s.SetSnapshot([][2]float64{{100, 1}, {99, 0}, {98, 2}})

	if s.Depth() != 2 {
		t.Fatalf("depth = %d, want 2 (zero-qty level dropped)", s.Depth())
	}
	if s.Get(99) != 0 {
		t.Fatalf("Get(99) = %v, want 0", s.Get(99))
	}
}

func TestSideBookBestForBidIsHighestPrice(t *testing.T) {
	s := NewSideBook(Bid)
	s.SetSnapshot([][2]float64{{98, 1}, {100, 1}, {99, 1}})

	best, ok := s.Best()
	if !ok || best != 100 {
		t.Fatalf("Best() = (%v, %v), want (100, true)", best, ok)
	}
}

func TestSideBookBestForAskIsLowestPrice(t *testing.T) {
	s := NewSideBook(Ask)
	s.SetSnapshot([][2]float64{{103, 1}, {101, 1}, {102, 1}})

	best, ok := s.Best()
	if !ok || best != 101 {
		t.Fatalf("Best() = (%v, %v), want (101, true)", best, ok)
	}
}

func TestSideBookApplyLevelInsertsUpdatesAndRemoves(t *testing.T) {
	s := NewSideBook(Bid)
	s.SetSnapshot([][2]float64{{100, 1}})

	s.ApplyLevel(101, 2) // insert above current max
	if best, _ := s.Best(); best != 101 {
		t.Fatalf("after insert above max, Best() = %v, want 101", best)
	}

	s.ApplyLevel(99, 3) // insert below current min
	if s.Depth() != 3 {
		t.Fatalf("depth after inserting below min = %d, want 3", s.Depth())
	}

	s.ApplyLevel(100, 5) // update existing level
	if s.Get(100) != 5 {
		t.Fatalf("Get(100) after update = %v, want 5", s.Get(100))
	}
	if s.TotalVolume() != 3+5+2 {
		t.Fatalf("TotalVolume = %v, want 10", s.TotalVolume())
	}

	s.ApplyLevel(100, 0) // remove
	if s.Depth() != 2 {
		t.Fatalf("depth after removing level = %d, want 2", s.Depth())
	}
	if s.Get(100) != 0 {
		t.Fatalf("Get(100) after removal = %v, want 0", s.Get(100))
	}
}

func TestSideBookEnforceDepthDropsWorstLevels(t *testing.T) {
	bids := NewSideBook(Bid)
	bids.SetSnapshot([][2]float64{{98, 1}, {99, 1}, {100, 1}})
	bids.EnforceDepth(2)
	if got, _ := bids.Best(); got != 100 {
		t.Fatalf("bid Best() after enforce = %v, want 100", got)
	}
	if bids.Get(98) != 0 {
		t.Fatal("bid EnforceDepth should drop the lowest (worst) price first")
	}

	asks := NewSideBook(Ask)
	asks.SetSnapshot([][2]float64{{101, 1}, {102, 1}, {103, 1}})
	asks.EnforceDepth(2)
	if got, _ := asks.Best(); got != 101 {
		t.Fatalf("ask Best() after enforce = %v, want 101", got)
	}
	if asks.Get(103) != 0 {
		t.Fatal("ask EnforceDepth should drop the highest (worst) price first")
	}
}

func TestManagerIgnoresUpdateBeforeSnapshot(t *testing.T) {
	m := NewManager()
	m.Apply(Update{IsSnapshot: false, Bids: [][2]float64{{100, 1}}, TimestampMs: 1})

	if m.HasSnapshot {
		t.Fatal("an update must not set HasSnapshot")
	}
	if m.Bids.Depth() != 0 {
		t.Fatal("an update received before any snapshot must be ignored")
	}
}

func TestManagerSnapshotSetsPerSideDepthFromResultingLevelCounts(t *testing.T) {
	m := NewManager()
	m.Apply(Update{
		IsSnapshot: true,
		Bids:       [][2]float64{{100, 1}, {99, 1}},
		Asks:       [][2]float64{{101, 1}, {102, 1}, {103, 1}},
	})

	if m.BidDepth != 2 {
		t.Fatalf("BidDepth = %d, want 2", m.BidDepth)
	}
	if m.AskDepth != 3 {
		t.Fatalf("AskDepth = %d, want 3", m.AskDepth)
	}
}

func TestManagerUpdateEnforcesEachSidesDepthIndependently(t *testing.T) {
	m := NewManager()
	m.Apply(Update{
		IsSnapshot: true,
		Bids:       [][2]float64{{99, 1}, {100, 1}},
		Asks:       [][2]float64{{101, 1}},
	})

	// Grow the bid side well past its snapshot depth of 2; the ask side,
	// untouched, must keep its own depth of 1.
	m.Apply(Update{
		IsSnapshot: false,
		Bids:       [][2]float64{{98, 1}, {97, 1}, {101, 1}},
	})

	if m.Bids.Depth() != m.BidDepth {
		t.Fatalf("bid depth after update = %d, want enforced depth %d", m.Bids.Depth(), m.BidDepth)
	}
	if m.Asks.Depth() != 1 {
		t.Fatalf("ask depth should stay 1, got %d", m.Asks.Depth())
	}
}

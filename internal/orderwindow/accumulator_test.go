package orderwindow

import (
	"math"
	"testing"

	"github.com/taltech/windowpipe/internal/orderbook"
)

func f(v float64) *float64 { return &v }

func TestUpdateTickAndCloseSeedScenario(t *testing.T) {
	mgr := orderbook.NewManager()
	mgr.Apply(orderbook.Update{
		IsSnapshot:  true,
		Bids:        [][2]float64{{100, 1}},
		Asks:        [][2]float64{{101, 1}},
		TimestampMs: 0,
	})

	acc := NewAccumulator()
	Reset(acc, f0(0))

	// First tick: the book's own snapshot instant, t_prev == t_curr == 0.
	mid, spread := UpdateTick(acc, mgr, 0, 0, nil, nil, true)

	// Second tick: an update repeating the same levels at t=400.
	mid, spread = UpdateTick(acc, mgr, 0, 400, mid, spread, true)

	if acc.SW != 400 {
		t.Fatalf("SW = %v, want 400", acc.SW)
	}

	// Window boundary crossed at t=1000: close the window using the last
	// tick's mid/spread.
	Close(acc, mgr, mid, spread)

	if acc.CloseMid == nil || *acc.CloseMid != 100.5 {
		t.Fatalf("CloseMid = %v, want 100.5", acc.CloseMid)
	}
	if acc.CloseSpread == nil || *acc.CloseSpread != 1 {
		t.Fatalf("CloseSpread = %v, want 1", acc.CloseSpread)
	}
	if acc.CloseBestImb != 0 {
		t.Fatalf("CloseBestImb = %v, want 0", acc.CloseBestImb)
	}
}

func f0(v int64) *int64 { return &v }

func TestUpdateTickSubstitutesUnitWeightWhenNotTimeWeighted(t *testing.T) {
	mgr := orderbook.NewManager()
	mgr.Apply(orderbook.Update{IsSnapshot: true, Bids: [][2]float64{{100, 1}}, Asks: [][2]float64{{101, 1}}})

	acc := NewAccumulator()
	Reset(acc, f0(0))

	UpdateTick(acc, mgr, 0, 0, nil, nil, false)
	UpdateTick(acc, mgr, 0, 0, nil, nil, false)

	if acc.SW != 2 {
		t.Fatalf("SW = %v, want 2 (two unit-weight ticks)", acc.SW)
	}
}

func TestUpdateTickGivesDuplicateTimestampMidWindowUnitWeight(t *testing.T) {
	mgr := orderbook.NewManager()
	mgr.Apply(orderbook.Update{IsSnapshot: true, Bids: [][2]float64{{100, 1}}, Asks: [][2]float64{{101, 1}}})

	acc := NewAccumulator()
	Reset(acc, f0(0))

	// Window-opening tick: no prior observation yet, contributes no weight.
	mid, spread := UpdateTick(acc, mgr, 0, 0, nil, nil, true)
	if acc.SW != 0 {
		t.Fatalf("SW after opening tick = %v, want 0", acc.SW)
	}

	// A second update arrives at the identical timestamp mid-window: this
	// is a genuine zero-duration observation and must still count as one.
	UpdateTick(acc, mgr, 0, 0, mid, spread, true)
	if acc.SW != 1 {
		t.Fatalf("SW after duplicate-timestamp tick = %v, want 1", acc.SW)
	}
}

func TestUpdateTickTracksSpreadMinMaxAndDirectionCounters(t *testing.T) {
	mgr := orderbook.NewManager()
	mgr.Apply(orderbook.Update{IsSnapshot: true, Bids: [][2]float64{{100, 1}}, Asks: [][2]float64{{101, 1}}})

	acc := NewAccumulator()
	Reset(acc, f0(0))

	mid, spread := UpdateTick(acc, mgr, 0, 100, nil, nil, true)

	// Remove the 101 ask and add 102: the best ask moves up, so the spread
	// widens from 1 to 2 and the mid rises from 100.5 to 101.
	mgr.Apply(orderbook.Update{Bids: [][2]float64{{100, 1}}, Asks: [][2]float64{{101, 0}, {102, 1}}, TimestampMs: 200})
	mid, spread = UpdateTick(acc, mgr, 100, 200, mid, spread, true)

	if acc.SpreadMax != 2 {
		t.Fatalf("SpreadMax = %v, want 2", acc.SpreadMax)
	}
	if acc.SpreadMin != 1 {
		t.Fatalf("SpreadMin = %v, want 1", acc.SpreadMin)
	}
	if acc.NSpreadWidening != 1 {
		t.Fatalf("NSpreadWidening = %d, want 1", acc.NSpreadWidening)
	}
	if acc.NMidUp != 1 {
		t.Fatalf("NMidUp = %d, want 1", acc.NMidUp)
	}
	_ = mid
}

func TestCloseWithNoBookFallsBackToZeroImbalance(t *testing.T) {
	mgr := orderbook.NewManager()
	acc := NewAccumulator()
	Reset(acc, f0(0))

	Close(acc, mgr, nil, nil)

	if acc.CloseMid != nil {
		t.Fatal("CloseMid should stay nil when the book never had a snapshot")
	}
	if acc.CloseBestImb != 0 {
		t.Fatalf("CloseBestImb = %v, want 0", acc.CloseBestImb)
	}
}

func TestResetReinitializesSpreadBounds(t *testing.T) {
	acc := NewAccumulator()
	acc.SpreadMin = 5
	acc.SpreadMax = -5

	Reset(acc, f0(42))

	if !math.IsInf(acc.SpreadMin, 1) {
		t.Fatalf("SpreadMin after Reset = %v, want +Inf", acc.SpreadMin)
	}
	if !math.IsInf(acc.SpreadMax, -1) {
		t.Fatalf("SpreadMax after Reset = %v, want -Inf", acc.SpreadMax)
	}
	if acc.TFirst == nil || *acc.TFirst != 42 {
		t.Fatalf("TFirst after Reset(winStart=42) = %v, want 42", acc.TFirst)
	}
}

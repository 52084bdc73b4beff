package tradewindow

import (
	"math"
	"testing"
)

func approxEqual(a, b, eps float64) bool {
	return math.Abs(a-b) <= eps
}

func TestFeaturesEmptyWindow(t *testing.T) {
	b := NewSoABuffer()
	agg := b.Features(1000, 2000)

	if agg.TradeCount != 0 {
		t.Fatalf("TradeCount = %d, want 0", agg.TradeCount)
	}
	if agg.FirstTs != 1000 || agg.LastTs != 1000 {
		t.Fatalf("FirstTs/LastTs = %d/%d, want 1000/1000", agg.FirstTs, agg.LastTs)
	}
}

func TestFeaturesSeedScenario(t *testing.T) {
	b := NewSoABuffer()
	b.Append(500, 100, 1, SideBuy)
	b.Append(700, 101, 2, SideSell)
	b.Append(1200, 99, 1, SideBuy)

	agg := b.Features(0, 1000)

	if agg.TradeCount != 3 {
		t.Fatalf("TradeCount = %d, want 3", agg.TradeCount)
	}
	if agg.Open != 100 {
		t.Fatalf("Open = %v, want 100", agg.Open)
	}
	if agg.Close != 99 {
		t.Fatalf("Close = %v, want 99", agg.Close)
	}
	if agg.High != 101 {
		t.Fatalf("High = %v, want 101", agg.High)
	}
	if agg.Low != 99 {
		t.Fatalf("Low = %v, want 99", agg.Low)
	}
	if agg.SumVol != 4 {
		t.Fatalf("SumVol = %v, want 4", agg.SumVol)
	}
	if agg.BuyVol != 2 {
		t.Fatalf("BuyVol = %v, want 2", agg.BuyVol)
	}
	if agg.SellVol != 2 {
		t.Fatalf("SellVol = %v, want 2", agg.SellVol)
	}
	if agg.FirstTs != 500 || agg.LastTs != 1200 {
		t.Fatalf("FirstTs/LastTs = %d/%d, want 500/1200", agg.FirstTs, agg.LastTs)
	}
	if agg.SumDt != 700 {
		t.Fatalf("SumDt = %d, want 700 (200 + 500)", agg.SumDt)
	}
	if agg.MaxGapMs != 500 {
		t.Fatalf("MaxGapMs = %d, want 500", agg.MaxGapMs)
	}

	wantLogRet := math.Log(101.0/100.0) + math.Log(99.0/101.0)
	if !approxEqual(agg.SumLogRet, wantLogRet, 1e-12) {
		t.Fatalf("SumLogRet = %v, want %v", agg.SumLogRet, wantLogRet)
	}
}

func TestFeaturesSkipsNonPositivePricesInLogReturns(t *testing.T) {
	b := NewSoABuffer()
	b.Append(0, 100, 1, SideBuy)
	b.Append(100, 0, 1, SideBuy) // missing/invalid price
	b.Append(200, 102, 1, SideBuy)

	agg := b.Features(0, 1000)

	// The missing price in the middle breaks the log-return chain; only
	// trades with two consecutive positive prices contribute.
	if agg.SumLogRet != 0 {
		t.Fatalf("SumLogRet = %v, want 0 (no valid consecutive pair)", agg.SumLogRet)
	}
}

func TestAppendGrowsPastInitialCapacity(t *testing.T) {
	b := NewSoABuffer()
	for i := 0; i < initialCapacity+10; i++ {
		b.Append(int64(i), 100, 1, SideBuy)
	}
	if b.Len() != initialCapacity+10 {
		t.Fatalf("Len() = %d, want %d", b.Len(), initialCapacity+10)
	}
	agg := b.Features(0, 1)
	if agg.TradeCount != int64(initialCapacity+10) {
		t.Fatalf("TradeCount = %d, want %d", agg.TradeCount, initialCapacity+10)
	}
}

func TestClearResetsLengthButKeepsCapacity(t *testing.T) {
	b := NewSoABuffer()
	b.Append(0, 100, 1, SideBuy)
	b.Clear()
	if b.Len() != 0 {
		t.Fatalf("Len() after Clear = %d, want 0", b.Len())
	}
	b.Append(0, 50, 1, SideBuy)
	agg := b.Features(0, 1)
	if agg.Open != 50 {
		t.Fatalf("Open after Clear+Append = %v, want 50", agg.Open)
	}
}

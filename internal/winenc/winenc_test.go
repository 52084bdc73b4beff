package winenc

import (
	"testing"

	"github.com/taltech/windowpipe/internal/orderwindow"
	"github.com/taltech/windowpipe/internal/tradewindow"
)

func TestTradeRoundTrip(t *testing.T) {
	want := tradewindow.Aggregate{
		TradeCount: 3,
		SumVol:     4,
		Open:       100,
		High:       101,
		Low:        99,
		Close:      99,
		FirstTs:    500,
		LastTs:     1200,
	}

	got, err := DecodeTrade(EncodeTrade(want))
	if err != nil {
		t.Fatalf("DecodeTrade: %v", err)
	}
	if got != want {
		t.Fatalf("round trip: got %+v, want %+v", got, want)
	}
}

func TestOrderRoundTripWithNilOptionalFields(t *testing.T) {
	want := orderwindow.Accumulator{
		SW:    400,
		SWMid: 40200,
	}

	got, err := DecodeOrder(EncodeOrder(want))
	if err != nil {
		t.Fatalf("DecodeOrder: %v", err)
	}
	if got.TFirst != nil || got.CloseMid != nil {
		t.Fatal("nil optional fields must decode back to nil, not zero values")
	}
	if got.SW != want.SW || got.SWMid != want.SWMid {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestOrderRoundTripWithPresentOptionalFields(t *testing.T) {
	tFirst := int64(0)
	closeMid := 100.5

	want := orderwindow.Accumulator{
		SW:       400,
		TFirst:   &tFirst,
		CloseMid: &closeMid,
	}

	got, err := DecodeOrder(EncodeOrder(want))
	if err != nil {
		t.Fatalf("DecodeOrder: %v", err)
	}
	if got.TFirst == nil || *got.TFirst != 0 {
		t.Fatalf("TFirst = %v, want pointer to 0", got.TFirst)
	}
	if got.CloseMid == nil || *got.CloseMid != 100.5 {
		t.Fatalf("CloseMid = %v, want pointer to 100.5", got.CloseMid)
	}
}

func TestDecodeTradeRejectsTruncatedRecord(t *testing.T) {
	full := EncodeTrade(tradewindow.Aggregate{TradeCount: 1})
	truncated := full[:len(full)-4]

	if _, err := DecodeTrade(truncated); err == nil {
		t.Fatal("expected an error decoding a truncated record")
	}
}

func TestDecodeRejectsBadLengthPrefix(t *testing.T) {
	buf := []byte{0xFF, 0xFF, 0x01, 0x02}
	if _, err := DecodeTrade(buf); err == nil {
		t.Fatal("expected an error when the length prefix exceeds the buffer")
	}
}

package winkey

import (
	"bytes"
	"testing"

	"github.com/taltech/windowpipe/internal/platform"
)

func mustPack(t *testing.T, k Key) []byte {
	t.Helper()
	buf, err := Pack(k)
	if err != nil {
		t.Fatalf("Pack(%+v): %v", k, err)
	}
	return buf
}

func TestPackIsExactly30Bytes(t *testing.T) {
	buf := mustPack(t, Key{
		WindowEndMs:  1_700_000_000_000,
		Symbol:       "BTC_USDT",
		Kind:         KindTrade,
		WindowSizeMs: 60_000,
		Platform:     platform.PlatformBinance,
	})
	if len(buf) != 30 {
		t.Fatalf("packed key length = %d, want 30", len(buf))
	}
}

func TestRoundTrip(t *testing.T) {
	want := Key{
		WindowEndMs:  1_700_000_123_456,
		Symbol:       "eth_usd",
		Kind:         KindOrder,
		WindowSizeMs: 1000,
		Platform:     platform.PlatformKraken,
	}
	got, err := Unpack(mustPack(t, want))
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if got != want {
		t.Fatalf("round trip: got %+v, want %+v", got, want)
	}
}

func TestPackUpperCasesUnpackLowerCases(t *testing.T) {
	buf := mustPack(t, Key{
		WindowEndMs:  1,
		Symbol:       "btc_usdt",
		Kind:         KindTrade,
		WindowSizeMs: 1000,
		Platform:     platform.PlatformBinance,
	})

	want := mustPack(t, Key{
		WindowEndMs:  1,
		Symbol:       "BTC_USDT",
		Kind:         KindTrade,
		WindowSizeMs: 1000,
		Platform:     platform.PlatformBinance,
	})
	if !bytes.Equal(buf, want) {
		t.Fatalf("Pack should upper-case the symbol on the wire: got %x, want %x", buf, want)
	}

	got, err := Unpack(buf)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if got.Symbol != "btc_usdt" {
		t.Fatalf("Unpack should lower-case the symbol, got %q", got.Symbol)
	}
}

func TestOrderingByWindowEndMs(t *testing.T) {
	earlier := mustPack(t, Key{WindowEndMs: 1000, Symbol: "BTC_USDT", Kind: KindTrade, WindowSizeMs: 1000, Platform: platform.PlatformBinance})
	later := mustPack(t, Key{WindowEndMs: 2000, Symbol: "BTC_USDT", Kind: KindTrade, WindowSizeMs: 1000, Platform: platform.PlatformBinance})
	if bytes.Compare(earlier, later) >= 0 {
		t.Fatal("a key with a smaller window_end_ms must sort before one with a larger window_end_ms")
	}
}

func TestOrderingBySymbolThenKindThenWindowSizeThenPlatform(t *testing.T) {
	base := Key{WindowEndMs: 5000, WindowSizeMs: 1000}

	btc := mustPack(t, Key{WindowEndMs: base.WindowEndMs, Symbol: "BTC_USDT", Kind: KindTrade, WindowSizeMs: base.WindowSizeMs, Platform: platform.PlatformBinance})
	eth := mustPack(t, Key{WindowEndMs: base.WindowEndMs, Symbol: "ETH_USDT", Kind: KindTrade, WindowSizeMs: base.WindowSizeMs, Platform: platform.PlatformBinance})
	if bytes.Compare(btc, eth) >= 0 {
		t.Fatal("for equal window_end_ms, keys should sort by symbol")
	}

	trade := mustPack(t, Key{WindowEndMs: base.WindowEndMs, Symbol: "BTC_USDT", Kind: KindTrade, WindowSizeMs: base.WindowSizeMs, Platform: platform.PlatformBinance})
	order := mustPack(t, Key{WindowEndMs: base.WindowEndMs, Symbol: "BTC_USDT", Kind: KindOrder, WindowSizeMs: base.WindowSizeMs, Platform: platform.PlatformBinance})
	if bytes.Compare(trade, order) >= 0 {
		t.Fatal("for equal window_end_ms and symbol, keys should sort by kind")
	}

	small := mustPack(t, Key{WindowEndMs: base.WindowEndMs, Symbol: "BTC_USDT", Kind: KindTrade, WindowSizeMs: 1000, Platform: platform.PlatformBinance})
	large := mustPack(t, Key{WindowEndMs: base.WindowEndMs, Symbol: "BTC_USDT", Kind: KindTrade, WindowSizeMs: 60_000, Platform: platform.PlatformBinance})
	if bytes.Compare(small, large) >= 0 {
		t.Fatal("for equal window_end_ms, symbol and kind, keys should sort by window_size_ms")
	}

	binance := mustPack(t, Key{WindowEndMs: base.WindowEndMs, Symbol: "BTC_USDT", Kind: KindTrade, WindowSizeMs: base.WindowSizeMs, Platform: platform.PlatformBinance})
	kraken := mustPack(t, Key{WindowEndMs: base.WindowEndMs, Symbol: "BTC_USDT", Kind: KindTrade, WindowSizeMs: base.WindowSizeMs, Platform: platform.PlatformKraken})
	if bytes.Compare(binance, kraken) >= 0 {
		t.Fatal("for equal window_end_ms, symbol, kind and window_size_ms, keys should sort by platform")
	}
}

func TestPackRejectsSymbolWithoutUnderscore(t *testing.T) {
	_, err := Pack(Key{WindowEndMs: 1, Symbol: "BTCUSDT", Kind: KindTrade, WindowSizeMs: 1000, Platform: platform.PlatformBinance})
	if err == nil {
		t.Fatal("expected an error for a symbol with no '_' separator")
	}
}

func TestPackTruncatesOversizedSymbolHalf(t *testing.T) {
	buf := mustPack(t, Key{WindowEndMs: 1, Symbol: "SOMELONGNAME_USDT", Kind: KindTrade, WindowSizeMs: 1000, Platform: platform.PlatformBinance})
	got, err := Unpack(buf)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if got.Symbol != "somelong_usdt" {
		t.Fatalf("expected symbol half truncated to 8 bytes, got %q", got.Symbol)
	}
}

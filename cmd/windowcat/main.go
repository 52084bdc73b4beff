// Command windowcat reads the durable windows BoltLog directly off disk
// and prints closed window aggregates in human-readable form, filtered
// by platform/symbol/kind/window size and an optional time range.
//
// Usage:
//
//	windowcat -log ./data/windows/windows.bolt
//	windowcat -log ./data/windows/windows.bolt -platform binance -symbol btc_usdt -kind trade
//	windowcat -log ./data/windows/windows.bolt -window-size 60000 -from 1700000000000 -limit 20
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"

	"github.com/taltech/windowpipe/internal/eventlog"
	"github.com/taltech/windowpipe/internal/platform"
	"github.com/taltech/windowpipe/internal/winenc"
	"github.com/taltech/windowpipe/internal/winkey"
)

// scanBatchSize is the IterateFrom page size windowcat requests per pass
// over the log.
const scanBatchSize = 500

func main() {
	logPath := flag.String("log", "", "path to the windows BoltLog file (required)")
	platformName := flag.String("platform", "", "filter to one platform (empty = all)")
	symbolName := flag.String("symbol", "", "filter to one symbol (empty = all)")
	kindName := flag.String("kind", "", "filter to trade or order (empty = both)")
	windowSizeMs := flag.Int64("window-size", 0, "filter to one window size in milliseconds (0 = all)")
	fromMs := flag.Int64("from", 0, "only print windows ending at or after this epoch-ms")
	toMs := flag.Int64("to", 0, "only print windows ending before this epoch-ms (0 = no upper bound)")
	limit := flag.Int("limit", 100, "maximum number of windows to print (0 = unlimited)")
	flag.Parse()

	log.SetFlags(0)

	if *logPath == "" {
		log.Fatal("windowcat: -log is required")
	}

	var wantPlatform platform.Platform
	filterPlatform := false
	if *platformName != "" {
		p, err := platform.Parse(*platformName)
		if err != nil {
			log.Fatalf("windowcat: -platform: %v", err)
		}
		wantPlatform = p
		filterPlatform = true
	}

	var wantKind winkey.Kind
	filterKind := false
	switch *kindName {
	case "":
	case "trade":
		wantKind, filterKind = winkey.KindTrade, true
	case "order":
		wantKind, filterKind = winkey.KindOrder, true
	default:
		log.Fatalf("windowcat: -kind must be trade or order, got %q", *kindName)
	}

	l, err := eventlog.OpenSecondary(*logPath)
	if err != nil {
		log.Fatalf("windowcat: opening %s: %v", *logPath, err)
	}
	defer l.Close()

	// The first 8 bytes of a packed key are the big-endian window-end-ms
	// field, which sorts ahead of everything else; zero-filling the rest
	// gives the lowest possible key at or after fromMs without needing a
	// well-formed symbol to call winkey.Pack with.
	start := make([]byte, winkey.Size)
	binary.BigEndian.PutUint64(start[0:8], uint64(*fromMs))

	printed := 0
	for {
		recs, err := l.IterateFrom(start, scanBatchSize)
		if err != nil {
			log.Fatalf("windowcat: scanning log: %v", err)
		}
		if len(recs) == 0 {
			break
		}

		for _, rec := range recs {
			k, err := winkey.Unpack(rec.ID)
			if err != nil {
				fmt.Printf("??? undecodable key: %v\n", err)
				continue
			}
			if *toMs > 0 && int64(k.WindowEndMs) >= *toMs {
				return
			}
			if filterPlatform && k.Platform != wantPlatform {
				continue
			}
			if *symbolName != "" && k.Symbol != *symbolName {
				continue
			}
			if filterKind && k.Kind != wantKind {
				continue
			}
			if *windowSizeMs > 0 && int64(k.WindowSizeMs) != *windowSizeMs {
				continue
			}

			printWindow(k, rec.Value)
			printed++
			if *limit > 0 && printed >= *limit {
				return
			}
		}

		if len(recs) < scanBatchSize {
			break
		}
		start = nextKey(recs[len(recs)-1].ID)
	}
}

func printWindow(k winkey.Key, value []byte) {
	switch k.Kind {
	case winkey.KindTrade:
		agg, err := winenc.DecodeTrade(value)
		if err != nil {
			fmt.Printf("%s %s/%s/%-5s size=%-7d end=%-14d  decode error: %v\n",
				k.Platform, k.Symbol, k.Kind, "", k.WindowSizeMs, k.WindowEndMs, err)
			return
		}
		fmt.Printf("%-8s %-16s trade size=%-7d end=%-14d trades=%-6d vol=%.6f vwap=%s open=%.6f high=%.6f low=%.6f close=%.6f\n",
			k.Platform, k.Symbol, k.WindowSizeMs, k.WindowEndMs, agg.TradeCount, agg.SumVol, vwap(agg.SumPV, agg.SumVol),
			agg.Open, agg.High, agg.Low, agg.Close)
	case winkey.KindOrder:
		acc, err := winenc.DecodeOrder(value)
		if err != nil {
			fmt.Printf("%s %s/%s/%-5s size=%-7d end=%-14d  decode error: %v\n",
				k.Platform, k.Symbol, k.Kind, "", k.WindowSizeMs, k.WindowEndMs, err)
			return
		}
		fmt.Printf("%-8s %-16s order size=%-7d end=%-14d %+v\n",
			k.Platform, k.Symbol, k.WindowSizeMs, k.WindowEndMs, acc)
	}
}

func vwap(sumPV, sumVol float64) string {
	if sumVol == 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.6f", sumPV/sumVol)
}

// nextKey returns the lexicographically-next byte slice after id, so the
// next IterateFrom page starts strictly after the last record already
// printed rather than re-reading it.
func nextKey(id []byte) []byte {
	next := append([]byte(nil), id...)
	for i := len(next) - 1; i >= 0; i-- {
		if next[i] < 0xff {
			next[i]++
			return next
		}
		next[i] = 0
	}
	return next
}

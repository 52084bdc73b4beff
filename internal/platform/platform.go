// Package platform identifies the exchanges this system ingests trade and
// order-book events from, and validates the "<base>_<quote>" symbol
// format those events and the windows log key both depend on.
package platform

import (
	"fmt"
	"strings"
)

// Platform is the exchange a stream of events was sourced from. Its byte
// value is part of the durable windows log key, so these constants must
// never be renumbered once data has been written under them.
type Platform uint8

const (
	PlatformBinance Platform = 0
	PlatformKraken  Platform = 1
)

func (p Platform) String() string {
	switch p {
	case PlatformBinance:
		return "binance"
	case PlatformKraken:
		return "kraken"
	default:
		return fmt.Sprintf("platform(%d)", uint8(p))
	}
}

// Byte returns the wire-level encoding of p.
func (p Platform) Byte() byte { return byte(p) }

// FromByte decodes the wire-level encoding produced by Byte. An
// unrecognized value round-trips as itself rather than erroring, so a
// future platform addition does not break decoding of already-written
// records; callers that must reject unknown platforms should check
// Valid().
func FromByte(b byte) Platform { return Platform(b) }

// Valid reports whether p is one of the known platforms.
func (p Platform) Valid() bool {
	return p == PlatformBinance || p == PlatformKraken
}

// Parse maps a lowercase platform name (as used in CLI flags and
// shared-memory ring buffer file naming) to a Platform.
func Parse(name string) (Platform, error) {
	switch strings.ToLower(name) {
	case "binance":
		return PlatformBinance, nil
	case "kraken":
		return PlatformKraken, nil
	default:
		return 0, fmt.Errorf("platform: unknown platform %q", name)
	}
}

// All returns every known platform, in a stable order.
func All() []Platform {
	return []Platform{PlatformBinance, PlatformKraken}
}

// SplitSymbol validates and splits a "<base>_<quote>" symbol (e.g.
// "BTC_USDT") into halves that each fit the windows log key's 8-byte
// fixed-width fields.
func SplitSymbol(symbol string) (base, quote string, err error) {
	base, quote, found := strings.Cut(symbol, "_")
	if !found || base == "" || quote == "" {
		return "", "", fmt.Errorf("platform: symbol %q must be two non-empty parts joined by '_'", symbol)
	}
	if len(base) > 8 {
		return "", "", fmt.Errorf("platform: symbol base %q exceeds 8 bytes", base)
	}
	if len(quote) > 8 {
		return "", "", fmt.Errorf("platform: symbol quote %q exceeds 8 bytes", quote)
	}
	return base, quote, nil
}

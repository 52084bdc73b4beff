// Package winkey implements the fixed-width, big-endian persistence key
// under which window aggregates are stored in the durable windows log.
// Keys sort lexicographically in byte order, and that byte order must
// match (window_end_ms, symbol, kind, window_size_ms, platform) ordering
// so that a time-ranged scan of the log is also a time-ordered scan of
// windows.
package winkey

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/taltech/windowpipe/internal/platform"
)

// Size is the encoded length of a Key in bytes.
const Size = 8 + 8 + 8 + 1 + 4 + 1

// Kind distinguishes a trade window aggregate from an order-book window
// aggregate.
type Kind uint8

const (
	KindTrade Kind = 0
	KindOrder Kind = 1
)

func (k Kind) String() string {
	switch k {
	case KindTrade:
		return "trade"
	case KindOrder:
		return "order"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Key identifies one closed window: a single (platform, symbol, kind,
// window size) aggregate ending at WindowEndMs.
type Key struct {
	WindowEndMs  uint64
	Symbol       string // "<left>_<right>", each half at most 8 bytes
	Kind         Kind
	WindowSizeMs uint32
	Platform     platform.Platform
}

// Pack encodes k into its 30-byte big-endian wire form.
func Pack(k Key) ([]byte, error) {
	left, right, found := strings.Cut(k.Symbol, "_")
	if !found || left == "" || right == "" {
		return nil, fmt.Errorf("winkey: symbol %q must be two non-empty parts joined by '_'", k.Symbol)
	}

	leftBytes := fix8(left)
	rightBytes := fix8(right)

	buf := make([]byte, Size)
	binary.BigEndian.PutUint64(buf[0:8], k.WindowEndMs)
	copy(buf[8:16], leftBytes[:])
	copy(buf[16:24], rightBytes[:])
	buf[24] = byte(k.Kind)
	binary.BigEndian.PutUint32(buf[25:29], k.WindowSizeMs)
	buf[29] = k.Platform.Byte()

	return buf, nil
}

// Unpack decodes a 30-byte key produced by Pack.
func Unpack(buf []byte) (Key, error) {
	if len(buf) != Size {
		return Key{}, fmt.Errorf("winkey: expected %d bytes, got %d", Size, len(buf))
	}

	left := strip8(buf[8:16])
	right := strip8(buf[16:24])

	return Key{
		WindowEndMs:  binary.BigEndian.Uint64(buf[0:8]),
		Symbol:       left + "_" + right,
		Kind:         Kind(buf[24]),
		WindowSizeMs: binary.BigEndian.Uint32(buf[25:29]),
		Platform:     platform.FromByte(buf[29]),
	}, nil
}

// fix8 upper-cases s, truncates it to 8 bytes, and null-pads it to exactly
// 8 bytes.
func fix8(s string) [8]byte {
	var out [8]byte
	s = strings.ToUpper(s)
	if len(s) > 8 {
		s = s[:8]
	}
	copy(out[:], s)
	return out
}

// strip8 trims trailing zero bytes left by fix8 and lower-cases the result.
func strip8(b []byte) string {
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return strings.ToLower(string(b[:end]))
}

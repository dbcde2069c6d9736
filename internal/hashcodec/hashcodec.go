// Package hashcodec implements the double-SHA256 and 256-bit integer
// arithmetic the rest of the pool core builds difficulty comparisons on.
package hashcodec

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
)

// DIFF1 is the pool-difficulty-1 target integer: the divisor used to turn a
// block hash into a difficulty value. It is the target corresponding to
// Bitcoin's minimum-difficulty compact bits (0x1d00ffff).
var DIFF1 = mustBig("26959535291011309493156476344723991336010898738574164086137773096960")

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("hashcodec: bad constant " + s)
	}
	return v
}

// SHA256d returns SHA256(SHA256(b)).
func SHA256d(b []byte) [32]byte {
	first := sha256.Sum256(b)
	return sha256.Sum256(first[:])
}

// LE256ToBigInt interprets a 32-byte buffer as an unsigned little-endian
// 256-bit integer.
func LE256ToBigInt(h [32]byte) *big.Int {
	be := make([]byte, 32)
	for i := 0; i < 32; i++ {
		be[i] = h[31-i]
	}
	return new(big.Int).SetBytes(be)
}

// DifficultyFromHash computes DIFF1 / le256(h) as a float64, matching the
// conventional Stratum difficulty reporting semantics. Comparisons against
// network difficulty that decide block-found status must use the integer
// form (CompactTargetToBigInt) rather than this floating-point value.
func DifficultyFromHash(h [32]byte) float64 {
	v := LE256ToBigInt(h)
	if v.Sign() == 0 {
		return 0
	}
	diff := new(big.Rat).SetFrac(DIFF1, v)
	f, _ := diff.Float64()
	return f
}

// CompactTargetToBigInt decodes Bitcoin's "compact" nBits encoding into an
// unsigned 256-bit target: the first byte is the exponent, the remaining
// three bytes are the mantissa.
func CompactTargetToBigInt(nbits uint32) *big.Int {
	exp := int(nbits >> 24)
	mantissa := int64(nbits & 0x007fffff)
	if nbits&0x00800000 != 0 {
		mantissa = -mantissa
	}
	target := big.NewInt(mantissa)
	shift := exp - 3
	if shift > 0 {
		target.Lsh(target, uint(8*shift))
	} else if shift < 0 {
		target.Rsh(target, uint(-8*shift))
	}
	if target.Sign() < 0 {
		return big.NewInt(0)
	}
	return target
}

// DifficultyFromCompact converts compact nBits directly into a difficulty
// value relative to DIFF1 — this is the network difficulty of a template.
func DifficultyFromCompact(nbits uint32) float64 {
	target := CompactTargetToBigInt(nbits)
	if target.Sign() == 0 {
		return 0
	}
	diff := new(big.Rat).SetFrac(DIFF1, target)
	f, _ := diff.Float64()
	return f
}

// HexToBytes32 decodes a 32-byte hex string, erroring on any other length.
func HexToBytes32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("decode hex: %w", err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// Reversed returns a byte-order-reversed copy of b.
func Reversed(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[len(b)-1-i] = c
	}
	return out
}

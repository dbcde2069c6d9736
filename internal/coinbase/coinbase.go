// Package coinbase assembles the pool's coinbase transaction and splits it
// into the two halves ("coinb1"/"coinb2") that sandwich the miner-visible
// extranonce region, grounded on the split algorithm in
// miner113-pool/internal/job/coinbase_split.go.
package coinbase

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/hashforge/stratumcore/internal/hashcodec"
)

// ExtraNonce1Size and ExtraNonce2Size fix the placeholder width the spec
// calls W = 8 bytes total.
const (
	ExtraNonce1Size = 4
	ExtraNonce2Size = 4
	ExtraNonceWidth = ExtraNonce1Size + ExtraNonce2Size
)

// coinbaseTag identifies this pool's coinbase message; arbitrary and opaque
// to consensus, mirrors the "opaque tag" the spec calls for between the
// BIP34 height push and the extranonce region.
var coinbaseTag = []byte("/stratumcore/")

// Payout is one coinbase output: an address and its percentage share of the
// total reward. Percentages across a payout set must sum to 100.
type Payout struct {
	Address string
	Percent float64
}

// BuildParams carries everything CoinbaseBuilder needs to assemble a fresh
// coinbase for a new template.
type BuildParams struct {
	Payouts     []Payout
	Height      int64
	TotalReward int64 // subsidy + fees, in satoshis
	Network     *chaincfg.Params
}

// Coinbase holds the two coinbase halves that sandwich extranonce1||extranonce2.
type Coinbase struct {
	Coinb1 []byte
	Coinb2 []byte
}

// Subsidy implements Bitcoin's halving schedule: 50 BTC halving every
// 210,000 blocks, exhausting to zero once the right shift empties the
// 50 BTC base amount.
func Subsidy(height int64) int64 {
	const baseSubsidy = 5_000_000_000
	halvings := height / 210_000
	if halvings >= 64 {
		return 0
	}
	return baseSubsidy >> uint(halvings)
}

// Build constructs the coinbase transaction with a zeroed extranonce
// placeholder and returns it split into coinb1/coinb2 around that
// placeholder.
func Build(p BuildParams) (Coinbase, error) {
	if len(p.Payouts) == 0 {
		return Coinbase{}, fmt.Errorf("coinbase: no payouts")
	}
	if p.Network == nil {
		return Coinbase{}, fmt.Errorf("coinbase: network params required")
	}
	sumPercent := 0.0
	for _, po := range p.Payouts {
		sumPercent += po.Percent
	}
	if sumPercent < 99.999 || sumPercent > 100.001 {
		return Coinbase{}, fmt.Errorf("coinbase: payout percentages sum to %.4f, want 100", sumPercent)
	}

	scriptSig, splitOffset, err := buildScriptSig(p.Height)
	if err != nil {
		return Coinbase{}, err
	}

	var buf []byte
	buf = append(buf, leU32(1)...) // version
	buf = append(buf, varInt(1)...)
	buf = append(buf, make([]byte, 32)...) // null prevout hash
	buf = append(buf, 0xff, 0xff, 0xff, 0xff)
	buf = append(buf, varInt(uint64(len(scriptSig)))...)
	scriptStart := len(buf)
	buf = append(buf, scriptSig...)
	buf = append(buf, 0xff, 0xff, 0xff, 0xff) // sequence

	outs, err := buildOutputs(p.Payouts, p.TotalReward, p.Network)
	if err != nil {
		return Coinbase{}, err
	}
	buf = append(buf, varInt(uint64(len(p.Payouts)))...)
	buf = append(buf, outs...)
	buf = append(buf, leU32(0)...) // locktime

	extranonceStart := scriptStart + splitOffset
	return Coinbase{
		Coinb1: append([]byte{}, buf[:extranonceStart]...),
		Coinb2: append([]byte{}, buf[extranonceStart+ExtraNonceWidth:]...),
	}, nil
}

// buildScriptSig returns the coinbase scriptSig with a zeroed extranonce
// region and the byte offset within that script where the region starts:
// BIP34 height push, then the opaque tag, then W zero bytes.
func buildScriptSig(height int64) (script []byte, extranonceOffset int, err error) {
	heightPush, err := bip34HeightPush(height)
	if err != nil {
		return nil, 0, err
	}
	script = append(script, heightPush...)
	script = append(script, pushData(coinbaseTag)...)
	extranonceOffset = len(script)
	script = append(script, make([]byte, ExtraNonceWidth)...)
	return script, extranonceOffset, nil
}

// bip34HeightPush encodes height as a minimal-length little-endian push,
// per BIP34.
func bip34HeightPush(height int64) ([]byte, error) {
	if height < 0 {
		return nil, fmt.Errorf("coinbase: negative height")
	}
	if height == 0 {
		return []byte{0x00}, nil // OP_0
	}
	var raw []byte
	v := height
	for v > 0 {
		raw = append(raw, byte(v&0xff))
		v >>= 8
	}
	// Minimal encoding: if the high bit of the last byte is set, append a
	// zero byte so the value isn't misread as negative.
	if raw[len(raw)-1]&0x80 != 0 {
		raw = append(raw, 0x00)
	}
	return pushData(raw), nil
}

// pushData returns a minimal PUSHDATA opcode sequence for data up to 75
// bytes, which covers both the BIP34 height push and the coinbase tag.
func pushData(data []byte) []byte {
	if len(data) > 75 {
		// Not needed for our fixed-size tag/height pushes, but keep this
		// correct rather than silently truncating.
		out := []byte{0x4c, byte(len(data))}
		return append(out, data...)
	}
	out := make([]byte, 0, 1+len(data))
	out = append(out, byte(len(data)))
	out = append(out, data...)
	return out
}

func buildOutputs(payouts []Payout, totalReward int64, params *chaincfg.Params) ([]byte, error) {
	amounts := splitReward(payouts, totalReward)
	var out []byte
	for i, po := range payouts {
		script, err := scriptForAddress(po.Address, params)
		if err != nil {
			return nil, fmt.Errorf("coinbase: output %d: %w", i, err)
		}
		out = append(out, leU64(uint64(amounts[i]))...)
		out = append(out, varInt(uint64(len(script)))...)
		out = append(out, script...)
	}
	return out, nil
}

// splitReward computes floor(total*percent/100) per payout, assigning the
// rounding residue to the last output so the sum is exact (spec P7).
func splitReward(payouts []Payout, total int64) []int64 {
	amounts := make([]int64, len(payouts))
	var sum int64
	for i, po := range payouts {
		amt := int64(float64(total) * po.Percent / 100.0)
		amounts[i] = amt
		sum += amt
	}
	amounts[len(amounts)-1] += total - sum
	return amounts
}

// scriptForAddress decodes a Bitcoin address string and returns its
// scriptPubKey, supporting P2PKH, P2SH, P2WPKH and P2TR via btcutil/txscript.
func scriptForAddress(addr string, params *chaincfg.Params) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return nil, fmt.Errorf("decode address %q: %w", addr, err)
	}
	if !decoded.IsForNet(params) {
		return nil, fmt.Errorf("address %q is not valid for network %s", addr, params.Name)
	}
	script, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return nil, fmt.Errorf("pay-to-addr script for %q: %w", addr, err)
	}
	return script, nil
}

// Assemble concatenates coinb1, extranonce1, extranonce2 and coinb2 into the
// full coinbase transaction bytes.
func Assemble(coinb1, extranonce1, extranonce2, coinb2 []byte) []byte {
	out := make([]byte, 0, len(coinb1)+len(extranonce1)+len(extranonce2)+len(coinb2))
	out = append(out, coinb1...)
	out = append(out, extranonce1...)
	out = append(out, extranonce2...)
	out = append(out, coinb2...)
	return out
}

// Txid computes the coinbase transaction id (internal byte order, i.e. the
// raw sha256d output with no display-order byte reversal) from the fully
// assembled coinbase bytes.
func Txid(full []byte) [32]byte {
	return hashcodec.SHA256d(full)
}

func leU32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func leU64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func varInt(v uint64) []byte {
	switch {
	case v < 0xfd:
		return []byte{byte(v)}
	case v <= 0xffff:
		return []byte{0xfd, byte(v), byte(v >> 8)}
	case v <= 0xffffffff:
		return []byte{0xfe, byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	default:
		return []byte{0xff, byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24), byte(v >> 32), byte(v >> 40), byte(v >> 48), byte(v >> 56)}
	}
}

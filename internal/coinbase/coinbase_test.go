package coinbase

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
)

const testAddr = "1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2" // well-known mainnet P2PKH example

func TestSubsidySchedule(t *testing.T) {
	cases := []struct {
		height int64
		want   int64
	}{
		{0, 5_000_000_000},
		{209_999, 5_000_000_000},
		{210_000, 2_500_000_000},
		{420_000, 1_250_000_000},
		{13_440_000, 0},
	}
	for _, c := range cases {
		if got := Subsidy(c.height); got != c.want {
			t.Errorf("Subsidy(%d) = %d, want %d", c.height, got, c.want)
		}
	}
}

func TestBuildOutputsSumExact(t *testing.T) {
	total := int64(5_000_123_457)
	cb, err := Build(BuildParams{
		Payouts: []Payout{
			{Address: testAddr, Percent: 1.5},
			{Address: testAddr, Percent: 98.5},
		},
		Height:      700_000,
		TotalReward: total,
		Network:     &chaincfg.MainNetParams,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	full := Assemble(cb.Coinb1, []byte{1, 2, 3, 4}, []byte{5, 6, 7, 8}, cb.Coinb2)
	sum := sumOutputValues(t, full)
	if sum != total {
		t.Fatalf("output sum = %d, want %d", sum, total)
	}
}

func TestBuildRejectsBadPercentages(t *testing.T) {
	_, err := Build(BuildParams{
		Payouts:     []Payout{{Address: testAddr, Percent: 50}},
		Height:      1,
		TotalReward: 100,
		Network:     &chaincfg.MainNetParams,
	})
	if err == nil {
		t.Fatalf("expected error for payouts not summing to 100")
	}
}

// coinb1 || extranonce1 || extranonce2 || coinb2 must deserialize as a
// valid transaction whose txid folds correctly.
func TestCoinbaseRoundTrips(t *testing.T) {
	cb, err := Build(BuildParams{
		Payouts:     []Payout{{Address: testAddr, Percent: 100}},
		Height:      850_123,
		TotalReward: 625_000_000,
		Network:     &chaincfg.MainNetParams,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	e1 := []byte{0xde, 0xad, 0xbe, 0xef}
	e2 := []byte{0x00, 0x00, 0x00, 0x01}
	full := Assemble(cb.Coinb1, e1, e2, cb.Coinb2)

	tx, err := parseTx(full)
	if err != nil {
		t.Fatalf("parse assembled coinbase: %v", err)
	}
	if len(tx.outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(tx.outputs))
	}
	if tx.outputs[0].value != 625_000_000 {
		t.Fatalf("unexpected output value %d", tx.outputs[0].value)
	}

	txid := Txid(full)
	if txid == [32]byte{} {
		t.Fatalf("txid should not be all zero")
	}
}

func TestPayoutSplitBelowThreshold(t *testing.T) {
	got := PayoutSplit(testAddr, 1e12, "1DevFeeAddrXXXXXXXXXXXXXXXXXXXXXXX")
	if len(got) != 1 || got[0].Percent != 100 {
		t.Fatalf("expected single 100%% payout below threshold, got %+v", got)
	}
}

func TestPayoutSplitAboveThresholdWithDevFee(t *testing.T) {
	got := PayoutSplit(testAddr, 60e12, "1DevFeeAddrXXXXXXXXXXXXXXXXXXXXXXX")
	if len(got) != 2 {
		t.Fatalf("expected two payouts above threshold, got %+v", got)
	}
	sum := 0.0
	for _, p := range got {
		sum += p.Percent
	}
	if sum < 99.999 || sum > 100.001 {
		t.Fatalf("percentages should sum to 100, got %v", sum)
	}
}

func TestPayoutSplitNoDevFeeAddress(t *testing.T) {
	got := PayoutSplit(testAddr, 100e12, "")
	if len(got) != 1 || got[0].Percent != 100 {
		t.Fatalf("expected single 100%% payout with no dev fee address, got %+v", got)
	}
}

// --- minimal tx parser for test assertions only ---

type txOutput struct {
	value int64
}

type parsedTx struct {
	outputs []txOutput
}

func parseTx(b []byte) (*parsedTx, error) {
	pos := 4 // skip version
	_, n := readVarInt(b[pos:])
	pos += n // skip txin count (always 1 here)
	pos += 32 + 4
	scriptLen, n := readVarInt(b[pos:])
	pos += n
	pos += int(scriptLen)
	pos += 4 // sequence
	outCount, n := readVarInt(b[pos:])
	pos += n
	out := &parsedTx{}
	for i := uint64(0); i < outCount; i++ {
		value := int64(b[pos]) | int64(b[pos+1])<<8 | int64(b[pos+2])<<16 | int64(b[pos+3])<<24 |
			int64(b[pos+4])<<32 | int64(b[pos+5])<<40 | int64(b[pos+6])<<48 | int64(b[pos+7])<<56
		pos += 8
		sl, n := readVarInt(b[pos:])
		pos += n
		pos += int(sl)
		out.outputs = append(out.outputs, txOutput{value: value})
	}
	return out, nil
}

func sumOutputValues(t *testing.T, full []byte) int64 {
	t.Helper()
	tx, err := parseTx(full)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var sum int64
	for _, o := range tx.outputs {
		sum += o.value
	}
	return sum
}

func readVarInt(b []byte) (uint64, int) {
	switch b[0] {
	case 0xff:
		return uint64(b[1]) | uint64(b[2])<<8 | uint64(b[3])<<16 | uint64(b[4])<<24 | uint64(b[5])<<32 | uint64(b[6])<<40 | uint64(b[7])<<48 | uint64(b[8])<<56, 9
	case 0xfe:
		return uint64(b[1]) | uint64(b[2])<<8 | uint64(b[3])<<16 | uint64(b[4])<<24, 5
	case 0xfd:
		return uint64(b[1]) | uint64(b[2])<<8, 3
	default:
		return uint64(b[0]), 1
	}
}

package job

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/hashforge/stratumcore/internal/coinbase"
	"github.com/hashforge/stratumcore/internal/hashcodec"
)

const testAddr = "1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2"

func buildTestJob(t *testing.T, clean bool) *MiningJob {
	t.Helper()
	cb, err := coinbase.Build(coinbase.BuildParams{
		Payouts:     []coinbase.Payout{{Address: testAddr, Percent: 100}},
		Height:      800_000,
		TotalReward: 625_000_000,
		Network:     &chaincfg.MainNetParams,
	})
	if err != nil {
		t.Fatalf("build coinbase: %v", err)
	}
	tmpl := &Template{
		PrevHash: "0000000000000000000000000000000000000000000000000000000000000001",
		Version:  536870912,
		NBits:    0x1d00ffff,
		Height:   800_000,
		Transactions: []TxEntry{
			{Txid: "000000000000000000000000000000000000000000000000000000000000000a", Hex: "deadbeef"},
		},
	}
	j, err := NewMiningJob("1", tmpl, tmpl.PrevHash, cb, 1_700_000_000, clean)
	if err != nil {
		t.Fatalf("new mining job: %v", err)
	}
	return j
}

// Rebuilding the same job and submission twice must produce byte-identical
// headers and coinbases, and the resulting difficulty must be positive.
func TestRebuildIsDeterministic(t *testing.T) {
	j := buildTestJob(t, true)
	sub := Submission{
		ExtraNonce1: []byte{0x00, 0x00, 0x00, 0x01},
		ExtraNonce2: []byte{0x00, 0x00, 0x00, 0x02},
		NTime:       1_700_000_000,
		Nonce:       42,
	}
	h1, cb1, err := j.Rebuild(sub, 0)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	h2, cb2, err := j.Rebuild(sub, 0)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("rebuild should be deterministic for identical submissions")
	}
	if string(cb1) != string(cb2) {
		t.Fatalf("coinbase assembly should be deterministic")
	}

	hash := hashcodec.SHA256d(h1[:])
	diff := hashcodec.DifficultyFromHash(hash)
	if diff <= 0 {
		t.Fatalf("expected positive difficulty, got %v", diff)
	}
}

func TestRebuildAppliesVersionMask(t *testing.T) {
	j := buildTestJob(t, true)
	mask := uint32(0x1fffe000)
	sub := Submission{
		ExtraNonce1:   []byte{0, 0, 0, 1},
		ExtraNonce2:   []byte{0, 0, 0, 2},
		NTime:         1_700_000_000,
		Nonce:         7,
		VersionBits:   0x20000000,
		HasVersionBit: true,
	}
	header, _, err := j.Rebuild(sub, mask)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	gotVersion := uint32(header[0]) | uint32(header[1])<<8 | uint32(header[2])<<16 | uint32(header[3])<<24
	want := (j.Version &^ mask) | (sub.VersionBits & mask)
	if gotVersion != want {
		t.Fatalf("version mask not applied: got %08x want %08x", gotVersion, want)
	}
}

// A template marked ClearJobs must evict previously published jobs from
// the registry once the new job is installed.
func TestRegistryCleanJobsEvictsOldJobs(t *testing.T) {
	r := NewRegistry()
	tmplA := &Template{PrevHash: "000000000000000000000000000000000000000000000000000000000000000a", NBits: 0x1d00ffff}
	tmplB := &Template{PrevHash: "000000000000000000000000000000000000000000000000000000000000000b", NBits: 0x1d00ffff, ClearJobs: true}

	cb, _ := coinbase.Build(coinbase.BuildParams{
		Payouts: []coinbase.Payout{{Address: testAddr, Percent: 100}}, Height: 1, TotalReward: 100, Network: &chaincfg.MainNetParams,
	})

	jobA, err := r.OnNewTemplate(func(id string) (*MiningJob, error) {
		return NewMiningJob(id, tmplA, tmplA.PrevHash, cb, 1, false)
	})
	if err != nil {
		t.Fatalf("build job A: %v", err)
	}

	_, err = r.OnNewTemplate(func(id string) (*MiningJob, error) {
		return NewMiningJob(id, tmplB, tmplB.PrevHash, cb, 2, true)
	})
	if err != nil {
		t.Fatalf("build job B: %v", err)
	}

	if r.GetJob(jobA.JobID) != nil {
		t.Fatalf("expected old job to be evicted after clean_jobs template")
	}
}

func TestRegistrySubscribeLatestWins(t *testing.T) {
	r := NewRegistry()
	ch, unsubscribe := r.Subscribe()
	defer unsubscribe()

	tmpl := &Template{PrevHash: "000000000000000000000000000000000000000000000000000000000000000a", NBits: 0x1d00ffff}
	cb, _ := coinbase.Build(coinbase.BuildParams{
		Payouts: []coinbase.Payout{{Address: testAddr, Percent: 100}}, Height: 1, TotalReward: 100, Network: &chaincfg.MainNetParams,
	})

	var last *MiningJob
	for i := 0; i < 5; i++ {
		j, err := r.OnNewTemplate(func(id string) (*MiningJob, error) {
			return NewMiningJob(id, tmpl, tmpl.PrevHash, cb, uint32(i), false)
		})
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		last = j
	}

	select {
	case got := <-ch:
		if got.JobID != last.JobID {
			t.Fatalf("expected latest job %s, got %s", last.JobID, got.JobID)
		}
	default:
		t.Fatalf("expected a job to be available on the subscriber channel")
	}
}

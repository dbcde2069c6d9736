package share

import (
	"context"
	"testing"

	"github.com/hashforge/stratumcore/internal/store"
)

type fakeStats struct {
	submissions []store.SubmissionRecord
}

func (f *fakeStats) AddSubmission(ctx context.Context, s store.SubmissionRecord) error {
	f.submissions = append(f.submissions, s)
	return nil
}

func (f *fakeStats) GetHashRate(ctx context.Context, address string) (float64, error) {
	return 0, nil
}

func TestSubmitRejectsExactDuplicateTuple(t *testing.T) {
	a := NewAccounting(nil)
	k := Key{JobID: "1", ExtraNonce2: "00000001", NTime: 100, Nonce: 7}

	if got := a.Submit(k); got != Accepted {
		t.Fatalf("first submission: got %v, want Accepted", got)
	}
	if got := a.Submit(k); got != Duplicate {
		t.Fatalf("repeat submission: got %v, want Duplicate", got)
	}
}

func TestSubmitAcceptsDistinctTuples(t *testing.T) {
	a := NewAccounting(nil)
	a.Submit(Key{JobID: "1", ExtraNonce2: "00000001", NTime: 100, Nonce: 7})
	got := a.Submit(Key{JobID: "1", ExtraNonce2: "00000001", NTime: 100, Nonce: 8})
	if got != Accepted {
		t.Fatalf("got %v, want Accepted for a tuple differing only in nonce", got)
	}
}

func TestRecordAcceptedTracksBestDifficultyAndForwards(t *testing.T) {
	stats := &fakeStats{}
	a := NewAccounting(stats)

	if err := a.RecordAccepted(context.Background(), "addr", "worker1", "sess1", "deadbeef", 100, 64); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := a.RecordAccepted(context.Background(), "addr", "worker1", "sess1", "cafebabe", 250, 64); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := a.RecordAccepted(context.Background(), "addr", "worker1", "sess1", "00000000", 10, 64); err != nil {
		t.Fatalf("record: %v", err)
	}

	if got := a.BestDifficulty(); got != 250 {
		t.Fatalf("best difficulty = %v, want 250", got)
	}
	if len(stats.submissions) != 3 {
		t.Fatalf("expected 3 forwarded submissions, got %d", len(stats.submissions))
	}
	for _, sub := range stats.submissions {
		if sub.SessionDifficulty != 64 {
			t.Fatalf("forwarded submission should carry the session difficulty (64), got %v", sub.SessionDifficulty)
		}
	}
}

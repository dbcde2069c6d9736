// Package share implements per-session duplicate detection and best-
// difficulty tracking, forwarding accepted shares to the external
// statistics store. Grounded on miner113-pool/internal/share/validator.go's
// interface shape and the RecordShare bookkeeping in
// miner113-pool/internal/stratum/session.go, generalized from a thin
// Validate(ctx, []byte) stub into a real submission ledger.
package share

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashforge/stratumcore/internal/store"
)

// Outcome is the result of submitting a share against a session's ledger.
type Outcome int

const (
	Accepted Outcome = iota
	Duplicate
	Stale
)

// Key identifies a submission uniquely within a session's lifetime.
type Key struct {
	JobID       string
	ExtraNonce2 string
	NTime       uint32
	Nonce       uint32
}

// Accounting tracks one session's submitted shares: exact-tuple dedup and
// the running best difficulty seen.
type Accounting struct {
	stats store.StatisticsStore

	mu        sync.Mutex
	seen      map[Key]struct{}
	bestDiff  float64
}

// NewAccounting builds an Accounting backed by the given statistics store.
// stats may be nil, in which case accepted shares are tracked locally only.
func NewAccounting(stats store.StatisticsStore) *Accounting {
	return &Accounting{
		stats: stats,
		seen:  make(map[Key]struct{}),
	}
}

// Submit records a share for the exact (job_id, extranonce2, ntime, nonce)
// tuple. A repeat of a tuple previously accepted within this session
// returns Duplicate; otherwise it is recorded as Accepted. Callers are
// expected to have already rejected shares below session difficulty before
// calling Submit (spec §4.8 step 3 precedes step 4).
func (a *Accounting) Submit(k Key) Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, dup := a.seen[k]; dup {
		return Duplicate
	}
	a.seen[k] = struct{}{}
	return Accepted
}

// RecordAccepted updates the session's best difficulty from the share's
// actual (lucky) difficulty and forwards the accepted share to the external
// StatisticsStore. sessionDifficulty is the threshold the miner was working
// against, not diff: GetHashRate estimates hashrate from session_difficulty
// * 2^32 / time, and forwarding the lucky per-share difficulty there would
// wildly overstate it.
func (a *Accounting) RecordAccepted(ctx context.Context, address, worker, sessionID, hash string, diff, sessionDifficulty float64) error {
	a.mu.Lock()
	if diff > a.bestDiff {
		a.bestDiff = diff
	}
	a.mu.Unlock()

	if a.stats == nil {
		return nil
	}
	err := a.stats.AddSubmission(ctx, store.SubmissionRecord{
		Address:           address,
		Worker:            worker,
		SessionID:         sessionID,
		Hash:              hash,
		SessionDifficulty: sessionDifficulty,
		Timestamp:         time.Now(),
	})
	if err != nil {
		return fmt.Errorf("share: record submission: %w", err)
	}
	return nil
}

// BestDifficulty returns the highest difficulty accepted so far in this
// session.
func (a *Accounting) BestDifficulty() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bestDiff
}

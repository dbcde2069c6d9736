// Package vardiff implements the per-session variable-difficulty
// controller (spec §4.6), grounded on the retarget/push shape of
// miner113-pool/internal/stratum/session.go's adjustDifficulty, rebuilt
// around a ring buffer of recent share timestamps and a target share rate
// instead of the teacher's simple gap heuristic.
package vardiff

import "time"

// Constants chosen per spec.md §9's open question and recorded here:
// K=16 samples, target rate R=1 share per 20s, snapped to a power-of-two
// lattice, clamped to [floor, 2^32].
const (
	SampleCount   = 16
	TargetRate    = 1.0 / 20.0 // shares per second
	MaxDifficulty = 4294967296.0 // 2^32
)

// Controller tracks recent submission timestamps for one session and
// suggests a new difficulty once enough samples have accumulated.
type Controller struct {
	samples [SampleCount]time.Time
	count   int
	next    int

	lastSuggestion float64
	hasSuggestion  bool
	fresh          bool // a sample arrived since lastSuggestion was computed
}

// NewController returns an empty controller.
func NewController() *Controller {
	return &Controller{}
}

// RecordShare records a new accepted-share timestamp.
func (c *Controller) RecordShare(at time.Time) {
	c.samples[c.next] = at
	c.next = (c.next + 1) % SampleCount
	if c.count < SampleCount {
		c.count++
	}
	c.fresh = true
}

// Suggest returns a new difficulty suggestion derived from the observed
// share cadence, or ok=false while fewer than SampleCount samples exist.
// Calling Suggest repeatedly without new samples returns the same value
// (idempotent), per spec §4.6.
func (c *Controller) Suggest(current, floor float64) (suggested float64, ok bool) {
	if c.count < SampleCount {
		return 0, false
	}
	if c.hasSuggestion && !c.fresh {
		return c.lastSuggestion, true
	}
	oldest, newest := c.oldestNewest()
	windowSeconds := newest.Sub(oldest).Seconds()
	if windowSeconds <= 0 {
		if c.hasSuggestion {
			return c.lastSuggestion, true
		}
		return current, true
	}

	// windowSeconds spans SampleCount-1 inter-share gaps (oldest to newest
	// sample), so the observed rate is (SampleCount-1)/windowSeconds.
	rate := float64(SampleCount-1) / windowSeconds
	raw := current * rate / TargetRate
	snapped := snapToPowerOfTwo(raw)
	snapped = clamp(snapped, floor, MaxDifficulty)

	c.lastSuggestion = snapped
	c.hasSuggestion = true
	c.fresh = false
	return snapped, true
}

// oldestNewest returns the oldest and newest recorded timestamps in the
// ring buffer. Precondition: c.count == SampleCount.
func (c *Controller) oldestNewest() (oldest, newest time.Time) {
	oldestIdx := c.next // next overwrite slot holds the oldest sample
	newestIdx := (c.next - 1 + SampleCount) % SampleCount
	return c.samples[oldestIdx], c.samples[newestIdx]
}

func snapToPowerOfTwo(v float64) float64 {
	if v <= 0 {
		return 1
	}
	lower := 1.0
	for lower*2 <= v {
		lower *= 2
	}
	upper := lower * 2
	if v-lower <= upper-v {
		return lower
	}
	return upper
}

func clamp(v, low, high float64) float64 {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}

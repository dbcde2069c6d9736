package job

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// maxLiveJobs bounds jobs_by_id; older jobs are dropped once a new
// clean_jobs template supersedes them (spec §4.5/§5).
const maxLiveJobs = 32

// Registry is the process-wide job registry: current template, monotonic
// job-id allocator, job lookup by id, and the broadcast channel that is the
// only coupling between the template source and sessions (spec §4.5).
//
// Grounded on miner113-pool/internal/stratum/server.go's current/jobs/
// broadcastTemplate fields, reshaped into a latest-wins broadcast channel.
type Registry struct {
	mu      sync.RWMutex
	current *MiningJob
	jobs    map[string]*MiningJob

	nextID uint64

	subMu sync.Mutex
	subs  map[*subscriber]struct{}
}

type subscriber struct {
	ch chan *MiningJob
}

// NewRegistry constructs an empty job registry.
func NewRegistry() *Registry {
	return &Registry{
		jobs: make(map[string]*MiningJob),
		subs: make(map[*subscriber]struct{}),
	}
}

// NextID returns a fresh, monotonically increasing job id.
func (r *Registry) NextID() string {
	id := atomic.AddUint64(&r.nextID, 1)
	return fmt.Sprintf("%x", id)
}

// OnNewTemplate builds a new MiningJob from the given template via build,
// installs it as current, and publishes it to every subscriber. If the
// template signals a tip change, prior jobs are dropped (a late submission
// against an old job id then fails lookup).
func (r *Registry) OnNewTemplate(build func(jobID string) (*MiningJob, error)) (*MiningJob, error) {
	jobID := r.NextID()
	j, err := build(jobID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if j.CleanJobs {
		r.jobs = make(map[string]*MiningJob)
	}
	r.jobs[j.JobID] = j
	r.current = j
	r.trimLocked()
	r.mu.Unlock()

	r.publish(j)
	return j, nil
}

func (r *Registry) trimLocked() {
	if len(r.jobs) <= maxLiveJobs {
		return
	}
	// Bounded map: drop arbitrary oldest-ish entries until back under the
	// cap. Map iteration order is unspecified but that's fine here — we
	// only need a bound, not strict LRU.
	for id := range r.jobs {
		if len(r.jobs) <= maxLiveJobs {
			break
		}
		if r.current != nil && id == r.current.JobID {
			continue
		}
		delete(r.jobs, id)
	}
}

// GetJob looks up a job by id; returns nil if unknown or superseded.
func (r *Registry) GetJob(id string) *MiningJob {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.jobs[id]
}

// Current returns the most recently published job, or nil before the first
// template arrives.
func (r *Registry) Current() *MiningJob {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Subscribe returns a receive handle that yields every subsequent
// MiningJob. Slow subscribers see only the latest job; in-flight jobs may
// be dropped from their queue (bounded, latest-wins) rather than blocking
// the publisher.
func (r *Registry) Subscribe() (<-chan *MiningJob, func()) {
	sub := &subscriber{ch: make(chan *MiningJob, 1)}
	r.subMu.Lock()
	r.subs[sub] = struct{}{}
	r.subMu.Unlock()

	unsubscribe := func() {
		r.subMu.Lock()
		delete(r.subs, sub)
		r.subMu.Unlock()
	}
	return sub.ch, unsubscribe
}

func (r *Registry) publish(j *MiningJob) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for sub := range r.subs {
		select {
		case sub.ch <- j:
		default:
			// Full: drop the stale pending job and replace with the latest.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- j:
			default:
			}
		}
	}
}

package admission

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Regulator tracks pending async ops for the Batch Processor's backpressure
// path: registerPending returns false when saturated; waitForCapacity
// blocks up to a deadline. Backed by golang.org/x/sync/semaphore, a
// bounded-concurrency primitive used here as an admission gate.
type Regulator struct {
	sem   *semaphore.Weighted
	limit int64

	mu          sync.Mutex
	forceSync   bool
	syncForced  int64
	waits       int64
	timeouts    int64
}

func NewRegulator(limit int64) *Regulator {
	return &Regulator{sem: semaphore.NewWeighted(limit), limit: limit}
}

// RegisterPending attempts to claim one unit of admission capacity without
// blocking; false means saturated.
func (r *Regulator) RegisterPending() bool {
	return r.sem.TryAcquire(1)
}

// Release returns one unit of capacity, called when a pending op completes.
func (r *Regulator) Release() { r.sem.Release(1) }

// WaitForCapacity blocks until capacity frees up or deadline elapses.
func (r *Regulator) WaitForCapacity(ctx context.Context, deadline time.Duration) bool {
	r.mu.Lock()
	r.waits++
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	if err := r.sem.Acquire(ctx, 1); err != nil {
		r.mu.Lock()
		r.timeouts++
		r.mu.Unlock()
		return false
	}
	return true
}

// ShouldForceSync reports the drain signal: when set, the batch
// processor runs batches synchronously instead of scheduling async work.
func (r *Regulator) ShouldForceSync() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.forceSync
}

func (r *Regulator) SetForceSync(v bool) {
	r.mu.Lock()
	if v && !r.forceSync {
		r.syncForced++
	}
	r.forceSync = v
	r.mu.Unlock()
}

// Counters returns the syncForced/waits/timeouts metrics.
func (r *Regulator) Counters() (syncForced, waits, timeouts int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.syncForced, r.waits, r.timeouts
}

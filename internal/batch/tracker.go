// Package batch implements the Batch Processor and Write-Concern Tracker
//: admission, classification, async processing with
// backpressure, and the MEMORY -> APPLIED -> REPLICATED -> PERSISTED
// acknowledgement ladder.
package batch

import (
	"sync"
	"time"

	"github.com/crdtmesh/coordinator/internal/pipeline"
)

// ladder orders the Write Concern levels from weakest to strongest.
var ladder = []pipeline.WriteConcern{
	pipeline.ConcernMemory,
	pipeline.ConcernApplied,
	pipeline.ConcernReplicated,
	pipeline.ConcernPersisted,
}

func ladderIndex(level pipeline.WriteConcern) int {
	for i, l := range ladder {
		if l == level {
			return i
		}
	}
	return -1
}

// Result is the terminal (or intermediate, via OnLevel) notification for a
// pending write.
type Result struct {
	OpID          string
	Success       bool
	AchievedLevel pipeline.WriteConcern
	Error         error
}

// PendingWrite bookkeeps one op whose target Write Concern is above MEMORY.
type PendingWrite struct {
	OpID         string
	Target       pipeline.WriteConcern
	Deadline     time.Time

	mu            sync.Mutex
	levelsReached map[pipeline.WriteConcern]bool
	done          bool
	timer         *time.Timer

	onLevel  func(Result)
	onFinal  func(Result)
}

// notifyLevel records level as reached and, if this is a new high-water
// mark, fires onLevel; if level meets target, resolves the pending write.
// Monotonicity is enforced by only ever notifying a level once all lower
// levels have already been notified.
func (p *PendingWrite) notifyLevel(level pipeline.WriteConcern) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	idx := ladderIndex(level)
	if idx < 0 {
		return
	}
	for i := 0; i <= idx; i++ {
		l := ladder[i]
		if !p.levelsReached[l] {
			p.levelsReached[l] = true
			if p.onLevel != nil {
				p.onLevel(Result{OpID: p.OpID, Success: true, AchievedLevel: l})
			}
		}
	}
	if level == p.Target {
		p.resolveLocked(Result{OpID: p.OpID, Success: true, AchievedLevel: p.Target})
	}
}

func (p *PendingWrite) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	achieved := pipeline.ConcernMemory
	for _, l := range ladder {
		if p.levelsReached[l] {
			achieved = l
		}
	}
	p.resolveLocked(Result{OpID: p.OpID, Success: false, AchievedLevel: achieved, Error: err})
}

func (p *PendingWrite) resolveLocked(r Result) {
	p.done = true
	if p.timer != nil {
		p.timer.Stop()
	}
	if p.onFinal != nil {
		p.onFinal(r)
	}
}

// Tracker owns the pending-write table.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]*PendingWrite
}

func NewTracker() *Tracker {
	return &Tracker{pending: make(map[string]*PendingWrite)}
}

// Register creates a pending write for opID targeting level, timing out
// after timeout unless resolved first. onLevel fires for every newly
// reached level (including the target); onFinal fires exactly once.
func (t *Tracker) Register(opID string, target pipeline.WriteConcern, timeout time.Duration, onLevel, onFinal func(Result)) *PendingWrite {
	pw := &PendingWrite{
		OpID:          opID,
		Target:        target,
		Deadline:      time.Now().Add(timeout),
		levelsReached: make(map[pipeline.WriteConcern]bool),
		onLevel:       onLevel,
		onFinal: func(r Result) {
			t.remove(opID)
			if onFinal != nil {
				onFinal(r)
			}
		},
	}
	pw.timer = time.AfterFunc(timeout, func() {
		pw.fail(errTimeout)
	})
	t.mu.Lock()
	t.pending[opID] = pw
	t.mu.Unlock()
	return pw
}

func (t *Tracker) remove(opID string) {
	t.mu.Lock()
	delete(t.pending, opID)
	t.mu.Unlock()
}

// NotifyLevel looks up opID and, if still pending, advances it to level.
func (t *Tracker) NotifyLevel(opID string, level pipeline.WriteConcern) {
	t.mu.Lock()
	pw, ok := t.pending[opID]
	t.mu.Unlock()
	if ok {
		pw.notifyLevel(level)
	}
}

// Fail looks up opID and, if still pending, fails it with err.
func (t *Tracker) Fail(opID string, err error) {
	t.mu.Lock()
	pw, ok := t.pending[opID]
	t.mu.Unlock()
	if ok {
		pw.fail(err)
	}
}

var errTimeout = &timeoutError{}

type timeoutError struct{}

func (*timeoutError) Error() string { return "write concern timeout" }

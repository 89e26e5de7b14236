// Package hlc implements a hybrid logical clock: {millis, counter, nodeId}.
// The coordinator is the sole owner of the clock value on its own node;
// the CRDT merge algorithms that consume HLC-stamped records live outside
// this core — this package only provides the totally ordered,
// causally consistent timestamp the rest of the coordinator stamps and
// compares against.
package hlc

import (
	"fmt"
	"sync"
	"time"
)

// Timestamp is comparable by value and JSON/msgp-encodable.
type Timestamp struct {
	Millis  int64  `json:"millis" msg:"millis"`
	Counter int32  `json:"counter" msg:"counter"`
	NodeID  string `json:"nodeId" msg:"nodeId"`
}

// Zero reports whether t is the uninitialized timestamp.
func (t Timestamp) Zero() bool {
	return t.Millis == 0 && t.Counter == 0 && t.NodeID == ""
}

// Compare returns -1, 0, or 1 the way bytes.Compare does: millis first, then
// counter, then node id as a final deterministic tiebreaker so any two
// distinct timestamps always order (required for LWW survivor selection).
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Millis != o.Millis:
		if t.Millis < o.Millis {
			return -1
		}
		return 1
	case t.Counter != o.Counter:
		if t.Counter < o.Counter {
			return -1
		}
		return 1
	case t.NodeID != o.NodeID:
		if t.NodeID < o.NodeID {
			return -1
		}
		return 1
	default:
		return 0
	}
}

func (t Timestamp) Less(o Timestamp) bool { return t.Compare(o) < 0 }
func (t Timestamp) After(o Timestamp) bool { return t.Compare(o) > 0 }

// Sub returns t minus d with Counter reset to 0, preserving NodeID — the
// same shape as the GC safe prune horizon (global.millis - gcAgeMs), which
// internal/gc computes inline.
func (t Timestamp) Sub(d time.Duration) Timestamp {
	return Timestamp{Millis: t.Millis - d.Milliseconds(), Counter: 0, NodeID: t.NodeID}
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d@%s", t.Millis, t.Counter, t.NodeID)
}

// Clock is a single node's HLC generator: monotonic even across small clock
// skew, and mergeable with timestamps observed on incoming frames.
type Clock struct {
	mu      sync.Mutex
	nodeID  string
	last    Timestamp
	nowFunc func() time.Time
}

// New creates a Clock for nodeID. nowFunc defaults to time.Now and is
// overridable for deterministic tests.
func New(nodeID string) *Clock {
	return &Clock{nodeID: nodeID, nowFunc: time.Now}
}

// Tick advances the clock for a purely local event and returns the new
// timestamp.
func (c *Clock) Tick() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tickLocked(c.nowFunc().UnixMilli())
}

func (c *Clock) tickLocked(wallMillis int64) Timestamp {
	if wallMillis > c.last.Millis {
		c.last = Timestamp{Millis: wallMillis, Counter: 0, NodeID: c.nodeID}
	} else {
		c.last.Counter++
	}
	return c.last
}

// Update merges an externally observed timestamp into the clock, ticking
// the node clock on every inbound frame carrying one, so the local clock
// never falls behind a peer it has heard from.
func (c *Clock) Update(observed Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	wall := c.nowFunc().UnixMilli()
	switch {
	case wall > c.last.Millis && wall > observed.Millis:
		c.last = Timestamp{Millis: wall, Counter: 0, NodeID: c.nodeID}
	case observed.Millis > c.last.Millis:
		c.last = Timestamp{Millis: observed.Millis, Counter: observed.Counter + 1, NodeID: c.nodeID}
	case c.last.Millis > observed.Millis:
		c.last.Counter++
	default:
		if observed.Counter >= c.last.Counter {
			c.last.Counter = observed.Counter + 1
		} else {
			c.last.Counter++
		}
	}
	return c.last
}

// Now returns the last-assigned timestamp without advancing the clock.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

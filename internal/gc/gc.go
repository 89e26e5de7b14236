// Package gc implements GC Consensus: a leader-coordinated round that agrees
// on a safe tombstone-prune horizon across the cluster, then every node
// sweeps its own maps against it. The leader is always the
// lexicographically smallest current member id — no election protocol
// beyond recomputing that on every round.
package gc

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/crdtmesh/coordinator/internal/hlc"
	"github.com/crdtmesh/coordinator/internal/partition"
	"github.com/crdtmesh/coordinator/internal/storage"
)

const (
	defaultInterval = time.Hour
	defaultAge      = 30 * 24 * time.Hour
)

// Reporter sends this node's local minimum HLC to the leader.
type Reporter func(leaderNodeID string, minHLC hlc.Timestamp)

// Committer broadcasts the agreed safe horizon to every peer.
type Committer func(safe hlc.Timestamp)

// ActiveMinimum returns the earliest last-active HLC across this node's
// sessions, or now (via clock) if there are none.
type ActiveMinimum func() hlc.Timestamp

// SweepHook observes one map's sweep outcome, used to broadcast TTL
// expirations as ordinary delete events and announce the pruned horizon.
type SweepHook func(mapName string, expiredKeys []string, pruned int)

// Coordinator runs one node's side of the GC consensus round, whether or
// not it turns out to be the leader for that round.
type Coordinator struct {
	mu       sync.Mutex
	service  partition.Service
	storage  *storage.Manager
	clock    *hlc.Clock
	interval time.Duration
	ageMs    int64

	activeMin ActiveMinimum
	report    Reporter
	commit    Committer
	sweepHook SweepHook

	reports map[string]hlc.Timestamp // nodeId -> minHlc, leader-side only
}

func NewCoordinator(service partition.Service, storageMgr *storage.Manager, clock *hlc.Clock, activeMin ActiveMinimum) *Coordinator {
	return &Coordinator{
		service:   service,
		storage:   storageMgr,
		clock:     clock,
		interval:  defaultInterval,
		ageMs:     defaultAge.Milliseconds(),
		activeMin: activeMin,
		reports:   make(map[string]hlc.Timestamp),
	}
}

func (c *Coordinator) SetInterval(d time.Duration) { c.interval = d }
func (c *Coordinator) SetMaxAge(d time.Duration)   { c.ageMs = d.Milliseconds() }
func (c *Coordinator) SetReporter(fn Reporter)     { c.report = fn }
func (c *Coordinator) SetCommitter(fn Committer)   { c.commit = fn }
func (c *Coordinator) SetSweepHook(fn SweepHook)   { c.sweepHook = fn }

// Run blocks, driving one consensus round every interval until stop is
// closed.
func (c *Coordinator) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.RunRound()
		case <-stop:
			return
		}
	}
}

// leaderID is the lexicographically smallest current member id.
func (c *Coordinator) leaderID() string {
	members := c.service.Members()
	leader := ""
	for _, m := range members {
		if leader == "" || m < leader {
			leader = m
		}
	}
	return leader
}

// RunRound executes this node's part of one consensus round: compute local
// minimum HLC, self-record if leader, otherwise report to the leader.
func (c *Coordinator) RunRound() {
	minHLC := c.activeMin()
	leader := c.leaderID()
	local := c.service.LocalNodeID()

	if leader == local {
		c.recordReport(local, minHLC)
		return
	}
	if c.report != nil {
		c.report(leader, minHLC)
	}
}

// recordReport accepts one member's minHlc (including the leader's own via
// self-record); once every current member has reported, computes the global
// minimum, derives the safe horizon, commits, sweeps locally and clears
// state for the next round.
func (c *Coordinator) recordReport(fromNodeID string, minHLC hlc.Timestamp) {
	c.mu.Lock()
	c.reports[fromNodeID] = minHLC
	members := c.service.Members()
	complete := len(c.reports) >= len(members)
	if complete {
		for _, m := range members {
			if _, ok := c.reports[m]; !ok {
				complete = false
				break
			}
		}
	}
	var global hlc.Timestamp
	if complete {
		global = minOf(c.reports)
		c.reports = make(map[string]hlc.Timestamp)
	}
	c.mu.Unlock()

	if !complete {
		return
	}
	safe := hlc.Timestamp{Millis: global.Millis - c.ageMs, Counter: 0, NodeID: global.NodeID}
	if c.commit != nil {
		c.commit(safe)
	}
	c.Sweep(safe)
}

// HandleReport is the leader-side entrypoint for an incoming
// CLUSTER_GC_REPORT.
func (c *Coordinator) HandleReport(fromNodeID string, minHLC hlc.Timestamp) {
	c.recordReport(fromNodeID, minHLC)
}

// HandleCommit is every non-leader node's entrypoint for an incoming
// CLUSTER_GC_COMMIT.
func (c *Coordinator) HandleCommit(safe hlc.Timestamp) {
	c.Sweep(safe)
}

// Sweep runs the local expire+prune pass over every map against safe.
func (c *Coordinator) Sweep(safe hlc.Timestamp) {
	now := c.clock.Now()
	for name, slot := range c.storage.AllMaps() {
		var expired []string
		var pruned int
		switch slot.Type() {
		case storage.TypeLWW:
			expired = slot.LWW().ExpireTTL(now)
			pruned = slot.LWW().PruneTombstones(safe)
		case storage.TypeOR:
			expired = slot.OR().ExpireTTL(now)
			pruned = slot.OR().PruneTombstones(safe)
		}
		if len(expired) == 0 && pruned == 0 {
			continue
		}
		glog.Infof("gc: map %s expired=%d pruned=%d", name, len(expired), pruned)
		if c.sweepHook != nil {
			c.sweepHook(name, expired, pruned)
		}
	}
}

func minOf(reports map[string]hlc.Timestamp) hlc.Timestamp {
	var min hlc.Timestamp
	first := true
	for _, ts := range reports {
		if first || ts.Compare(min) < 0 {
			min = ts
			first = false
		}
	}
	return min
}

// Package heartbeat implements the Heartbeat Reaper: a periodic scan that
// closes sessions which have gone silent past the configured timeout,
// leaving all other cleanup to the session-close handler.
package heartbeat

import (
	"time"

	"github.com/golang/glog"

	"github.com/crdtmesh/coordinator/internal/connmgr"
	"github.com/crdtmesh/coordinator/internal/wire"
)

const (
	defaultCheckInterval = 5 * time.Second
	defaultTimeout        = 20 * time.Second
)

// CloseHandler is the unified session-close path (writer flush, subscription
// teardown, lock release, CLUSTER_CLIENT_DISCONNECTED fan-out, connection
// manager removal); the reaper only decides *when* to call it.
type CloseHandler func(sessionID string, code int, reason string)

// Reaper periodically scans the connection manager for idle sessions.
type Reaper struct {
	mgr           *connmgr.Manager
	checkInterval time.Duration
	timeout       time.Duration
	onClose       CloseHandler
}

func NewReaper(mgr *connmgr.Manager, onClose CloseHandler) *Reaper {
	return &Reaper{mgr: mgr, checkInterval: defaultCheckInterval, timeout: defaultTimeout, onClose: onClose}
}

func (r *Reaper) SetCheckInterval(d time.Duration) { r.checkInterval = d }
func (r *Reaper) SetTimeout(d time.Duration)       { r.timeout = d }

// Run blocks, scanning every checkInterval until stop is closed.
func (r *Reaper) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(r.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-stop:
			return
		}
	}
}

func (r *Reaper) sweep() {
	for _, s := range r.mgr.All() {
		if r.mgr.IdleTime(s.ID) > r.timeout {
			glog.Warningf("heartbeat: closing idle session %s (idle %s)", s.ID, r.mgr.IdleTime(s.ID))
			r.onClose(s.ID, wire.CloseHeartbeatTimeout, "Heartbeat timeout")
		}
	}
}

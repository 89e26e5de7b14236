// Package clusterevt implements the Cluster Event Handler: the single
// dispatch point for every peer-originated frame, routing by wire.Type to
// the pipeline, the query scatterer, the lock manager, the topic manager, or
// an injected GC/repair hook.
package clusterevt

import (
	"time"

	"github.com/crdtmesh/coordinator/internal/crdt"
	"github.com/crdtmesh/coordinator/internal/hlc"
	"github.com/crdtmesh/coordinator/internal/lock"
	"github.com/crdtmesh/coordinator/internal/partition"
	"github.com/crdtmesh/coordinator/internal/pipeline"
	"github.com/crdtmesh/coordinator/internal/query"
	"github.com/crdtmesh/coordinator/internal/storage"
	"github.com/crdtmesh/coordinator/internal/topic"
)

// GCReportHandler is invoked on CLUSTER_GC_REPORT (leader side) and
// CLUSTER_GC_COMMIT (every node).
type GCReportHandler interface {
	HandleReport(fromNodeID string, minHLC hlc.Timestamp)
	HandleCommit(safe hlc.Timestamp)
}

// RepairHandler forwards Merkle/repair traffic to the anti-entropy
// scheduler, which this repo does not implement beyond this seam.
type RepairHandler interface {
	HandleMerkleRequest(fromNodeID string, payload map[string]interface{})
	HandleMerkleResponse(fromNodeID string, payload map[string]interface{})
	HandleRepairRequest(fromNodeID string, payload map[string]interface{})
	HandleRepairResponse(fromNodeID string, payload map[string]interface{})
}

// LockReplyFn routes a CLUSTER_LOCK_GRANTED back to the originating session,
// which may live on a different node than the lock owner.
type LockReplyFn func(originNodeID, sessionID, requestID string, fencingToken int64, granted bool)

// LockReleaseReplyFn routes a CLUSTER_LOCK_RELEASED back to the originating
// session.
type LockReleaseReplyFn func(originNodeID, sessionID, name string)

// TopicDeliverFn delivers one CLUSTER_TOPIC_PUB to a local session.
type TopicDeliverFn func(sessionID, topicName string, payload map[string]interface{}, originalSenderID string)

// EventBroadcastFn fans a merged peer write out to local subscribers as a
// SERVER_EVENT.
type EventBroadcastFn func(mapName string, eventPayload map[string]interface{})

// ClientDisconnectFn releases every resource a peer reports as belonging to
// a now-gone session (locks currently, extensible to other per-session
// cluster state).
type ClientDisconnectFn func(holderID string)

// Handler wires every cluster-facing concern behind one Dispatch entrypoint.
type Handler struct {
	pipeline  *pipeline.Pipeline
	partition partition.Service
	storage   *storage.Manager
	scatterer *query.Scatterer
	lockMgr   *lock.Manager
	topicMgr  *topic.Manager

	gc     GCReportHandler
	repair RepairHandler

	lockReply        LockReplyFn
	lockReleaseReply LockReleaseReplyFn
	topicDeliver     TopicDeliverFn
	broadcast        EventBroadcastFn
}

func New(p *pipeline.Pipeline, svc partition.Service, storageMgr *storage.Manager, scatterer *query.Scatterer, lockMgr *lock.Manager, topicMgr *topic.Manager) *Handler {
	return &Handler{pipeline: p, partition: svc, storage: storageMgr, scatterer: scatterer, lockMgr: lockMgr, topicMgr: topicMgr}
}

func (h *Handler) SetGCHandler(gc GCReportHandler)         { h.gc = gc }
func (h *Handler) SetRepairHandler(r RepairHandler)        { h.repair = r }
func (h *Handler) SetLockReply(fn LockReplyFn)             { h.lockReply = fn }
func (h *Handler) SetLockReleaseReply(fn LockReleaseReplyFn) { h.lockReleaseReply = fn }
func (h *Handler) SetTopicDeliver(fn TopicDeliverFn)       { h.topicDeliver = fn }
func (h *Handler) SetEventBroadcast(fn EventBroadcastFn)   { h.broadcast = fn }

// HandleOpForward runs a routed client op through the local pipeline as if
// it arrived from the originating session. Ops carrying _replication or
// _migration flags are handled by those listeners, not this path — callers
// check for those flags before calling HandleOpForward.
func (h *Handler) HandleOpForward(op *pipeline.Op, originNodeID, originSessionID string) *pipeline.ApplyResult {
	ctx := &pipeline.Context{SessionID: originSessionID, FromCluster: true, OriginSenderID: originNodeID}
	return h.pipeline.ProcessLocal(ctx, op, nil)
}

// Event is one replicated write shipped to a partition's owner/backup
// peers as CLUSTER_EVENT. Exactly one payload shape is set: Record for an
// LWW merge, Entry for an OR add, Remove+Tag+Timestamp for an OR tombstone.
type Event struct {
	MapName string
	Key     string
	MapType storage.MapType

	Record *crdt.Record      // LWW merge payload
	Entry  *crdt.TaggedEntry // OR_ADD payload

	Remove    bool // OR_REMOVE marker
	Tag       string
	Timestamp hlc.Timestamp
}

// HandleClusterEvent stores a peer-replicated write iff this node owns or
// backs up the key's partition, then feeds the change into query
// subscriptions (via the storage manager's change hook) and broadcasts it to
// local clients — it never re-forwards.
func (h *Handler) HandleClusterEvent(ev Event) {
	partitionID := h.partition.Partition(ev.Key)
	owner := h.partition.Owner(partitionID)
	isBackup := false
	for _, b := range h.partition.Backups(partitionID) {
		if b == h.partition.LocalNodeID() {
			isBackup = true
			break
		}
	}
	if owner != h.partition.LocalNodeID() && !isBackup {
		return
	}

	slot, err := h.storage.GetOrCreate(ev.MapName, ev.MapType)
	if err != nil {
		return
	}

	var payload map[string]interface{}
	switch {
	case ev.MapType == storage.TypeLWW && ev.Record != nil:
		newRec, oldRec := slot.LWW().MergeRecord(ev.Key, ev.Record)
		h.storage.NotifyChange(ev.MapName, slot, ev.Key, newRec, oldRec)
		payload = map[string]interface{}{
			"map": ev.MapName, "key": ev.Key,
			"record": map[string]interface{}{"value": newRec.Value, "timestamp": newRec.Timestamp, "ttlMs": newRec.TTLMs},
		}
	case ev.MapType == storage.TypeOR && ev.Entry != nil:
		slot.OR().Add(ev.Key, ev.Entry)
		h.storage.NotifyChange(ev.MapName, slot, ev.Key, nil, nil)
		payload = map[string]interface{}{
			"map": ev.MapName, "key": ev.Key, "eventType": "OR_ADD",
			"orRecord": map[string]interface{}{"value": ev.Entry.Value, "timestamp": ev.Entry.Timestamp, "tag": ev.Entry.Tag},
		}
	case ev.MapType == storage.TypeOR && ev.Remove:
		slot.OR().Remove(ev.Key, ev.Tag, ev.Timestamp)
		h.storage.NotifyChange(ev.MapName, slot, ev.Key, nil, nil)
		payload = map[string]interface{}{
			"map": ev.MapName, "key": ev.Key, "eventType": "OR_REMOVE", "tag": ev.Tag,
		}
	default:
		return
	}

	if h.broadcast != nil {
		h.broadcast(ev.MapName, payload)
	}
}

// HandleClusterQueryExec runs q locally and returns the results; the caller
// sends them back to the originating peer, whose scatterer takes them in
// through Gather.
func (h *Handler) HandleClusterQueryExec(q *query.Query) []query.Result {
	return query.ExecuteLocal(h.storage, q)
}

// HandleClusterQueryResp feeds one peer's results back into a pending
// scatter/gather round.
func (h *Handler) HandleClusterQueryResp(requestID, peerNodeID string, results []query.Result) {
	h.scatterer.Gather(requestID, peerNodeID, results)
}

func (h *Handler) HandleGCReport(fromNodeID string, minHLC hlc.Timestamp) {
	if h.gc != nil {
		h.gc.HandleReport(fromNodeID, minHLC)
	}
}

func (h *Handler) HandleGCCommit(safe hlc.Timestamp) {
	if h.gc != nil {
		h.gc.HandleCommit(safe)
	}
}

func (h *Handler) HandleMerkleRequest(fromNodeID string, payload map[string]interface{}) {
	if h.repair != nil {
		h.repair.HandleMerkleRequest(fromNodeID, payload)
	}
}

func (h *Handler) HandleMerkleResponse(fromNodeID string, payload map[string]interface{}) {
	if h.repair != nil {
		h.repair.HandleMerkleResponse(fromNodeID, payload)
	}
}

func (h *Handler) HandleRepairRequest(fromNodeID string, payload map[string]interface{}) {
	if h.repair != nil {
		h.repair.HandleRepairRequest(fromNodeID, payload)
	}
}

func (h *Handler) HandleRepairResponse(fromNodeID string, payload map[string]interface{}) {
	if h.repair != nil {
		h.repair.HandleRepairResponse(fromNodeID, payload)
	}
}

// HandleLockReq is the lock owner's side of a forwarded lock request.
func (h *Handler) HandleLockReq(name, originNodeID, sessionID, requestID string, ttlMs int64) {
	holderID := lock.CompositeHolderID(originNodeID, sessionID)
	token, granted := h.lockMgr.Request(name, holderID, time.Duration(ttlMs)*time.Millisecond)
	if h.lockReply != nil {
		h.lockReply(originNodeID, sessionID, requestID, token, granted)
	}
}

// HandleLockRelease is the lock owner's side of a forwarded lock release.
func (h *Handler) HandleLockRelease(name, originNodeID, sessionID string) {
	holderID := lock.CompositeHolderID(originNodeID, sessionID)
	if h.lockMgr.Release(name, holderID) && h.lockReleaseReply != nil {
		h.lockReleaseReply(originNodeID, sessionID, name)
	}
}

// HandleLockGranted is the origin node's side of a grant that travelled
// back from a remote lock owner.
func (h *Handler) HandleLockGranted(originNodeID, sessionID, requestID string, fencingToken int64, granted bool) {
	if h.lockReply != nil {
		h.lockReply(originNodeID, sessionID, requestID, fencingToken, granted)
	}
}

// HandleLockReleased is the origin node's side of a release acknowledgement
// from a remote lock owner.
func (h *Handler) HandleLockReleased(originNodeID, sessionID, name string) {
	if h.lockReleaseReply != nil {
		h.lockReleaseReply(originNodeID, sessionID, name)
	}
}

// HandleClusterTopicPub delivers a peer publish to local subscribers only.
func (h *Handler) HandleClusterTopicPub(topicName string, payload map[string]interface{}, originalSenderID string) {
	if h.topicDeliver == nil {
		return
	}
	h.topicMgr.HandleClusterPub(topicName, payload, originalSenderID, topic.Publisher(h.topicDeliver))
}

// HandleClientDisconnected releases every lock the disconnected session held
// on this node.
func (h *Handler) HandleClientDisconnected(originNodeID, sessionID string) []string {
	return h.lockMgr.ReleaseAllHeldBy(lock.CompositeHolderID(originNodeID, sessionID))
}

// Package antientropy adapts the client-facing sync verbs (SYNC_INIT,
// MERKLE_REQ_BUCKET and the ORMAP_* family) onto the anti-entropy repair
// machinery. The Merkle trees and the repair scheduler are external
// collaborators behind the Hasher seam; what lives here is the verb
// translation plus the OR-map diff paths, which read and write the maps
// directly and need no tree at all.
package antientropy

import (
	"strconv"

	"github.com/crdtmesh/coordinator/internal/hlc"
	"github.com/crdtmesh/coordinator/internal/pipeline"
	"github.com/crdtmesh/coordinator/internal/storage"
	"github.com/crdtmesh/coordinator/internal/wire"
)

// Hasher is the Merkle-tree seam. Root returns ok=false when no tree exists
// for mapName yet, which the adapter surfaces as SYNC_RESET_REQUIRED so the
// client falls back to a full resync instead of walking a tree that isn't
// there.
type Hasher interface {
	Root(mapName string) (hash string, ok bool)
	Buckets(mapName string, bucketIDs []int) map[int]string
	Leaf(mapName string, bucketID int) map[string]string
}

// Reply is one outbound frame the coordinator should write back urgent=false.
type Reply struct {
	Type    wire.Type
	Payload map[string]interface{}
}

// Adapter translates sync verbs into Hasher walks and OR-map diffs.
type Adapter struct {
	storage *storage.Manager
	hasher  Hasher
}

func New(storageMgr *storage.Manager, hasher Hasher) *Adapter {
	return &Adapter{storage: storageMgr, hasher: hasher}
}

func resetRequired(mapName string) Reply {
	return Reply{Type: wire.TypeSyncResetRequired, Payload: map[string]interface{}{"mapName": mapName}}
}

// HandleSyncInit answers SYNC_INIT (wantType TypeLWW) and ORMAP_SYNC_INIT
// (wantType TypeOR) with the map's Merkle root, or SYNC_RESET_REQUIRED when
// no tree is available or the map's type contradicts the verb.
func (a *Adapter) HandleSyncInit(mapName string, wantType storage.MapType) Reply {
	slot, ok := a.storage.Existing(mapName)
	if !ok || slot.Type() != wantType || a.hasher == nil {
		return resetRequired(mapName)
	}
	root, ok := a.hasher.Root(mapName)
	if !ok {
		return resetRequired(mapName)
	}
	return Reply{Type: wire.TypeSyncRespRoot, Payload: map[string]interface{}{"mapName": mapName, "root": root}}
}

// HandleMerkleReqBucket answers MERKLE_REQ_BUCKET / ORMAP_MERKLE_REQ_BUCKET.
// A request for a single bucket with leaf=true descends to the key level
// (SYNC_RESP_LEAF); otherwise it returns the child bucket hashes
// (SYNC_RESP_BUCKETS).
func (a *Adapter) HandleMerkleReqBucket(mapName string, bucketIDs []int, leaf bool) Reply {
	if a.hasher == nil {
		return resetRequired(mapName)
	}
	if leaf && len(bucketIDs) == 1 {
		return Reply{Type: wire.TypeSyncRespLeaf, Payload: map[string]interface{}{
			"mapName": mapName, "bucketId": bucketIDs[0], "keys": a.hasher.Leaf(mapName, bucketIDs[0]),
		}}
	}
	buckets := a.hasher.Buckets(mapName, bucketIDs)
	encoded := make(map[string]interface{}, len(buckets))
	for id, h := range buckets {
		encoded[strconv.Itoa(id)] = h
	}
	return Reply{Type: wire.TypeSyncRespBuckets, Payload: map[string]interface{}{"mapName": mapName, "buckets": encoded}}
}

// HandleORMapDiffRequest answers ORMAP_DIFF_REQUEST straight off the OR map:
// for each requested key, the live tagged entries plus the tombstoned tags.
// An empty key list means the whole map.
func (a *Adapter) HandleORMapDiffRequest(mapName string, keys []string) Reply {
	slot, ok := a.storage.Existing(mapName)
	if !ok || slot.Type() != storage.TypeOR {
		return resetRequired(mapName)
	}
	slot.AwaitReady()
	m := slot.OR()
	if len(keys) == 0 {
		keys = m.Keys()
	}
	diff := make(map[string]interface{}, len(keys))
	for _, key := range keys {
		entries := m.Live(key)
		encoded := make([]map[string]interface{}, 0, len(entries))
		for _, e := range entries {
			encoded = append(encoded, map[string]interface{}{
				"value": string(e.Value), "timestamp": e.Timestamp, "tag": e.Tag,
			})
		}
		diff[key] = map[string]interface{}{"entries": encoded, "tombstones": m.Tombstones(key)}
	}
	return Reply{Type: wire.TypeSyncRespLeaf, Payload: map[string]interface{}{"mapName": mapName, "diff": diff}}
}

// DecodePushDiff turns an ORMAP_PUSH_DIFF frame's entries and tombstones
// into pipeline ops. The coordinator runs these through ProcessLocal so
// pushed entries replicate and broadcast exactly like client ops. Entries
// missing a key or tag are skipped; entries missing a timestamp get a fresh
// one from tick.
func DecodePushDiff(mapName string, rawEntries, rawTombstones []interface{}, tick func() hlc.Timestamp) []*pipeline.Op {
	var ops []*pipeline.Op
	for _, r := range rawEntries {
		m, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		key, _ := m["key"].(string)
		tag, _ := m["tag"].(string)
		if key == "" || tag == "" {
			continue
		}
		op := &pipeline.Op{
			ID: "push:" + tag, MapName: mapName, MapType: storage.TypeOR,
			Key: key, Verb: pipeline.VerbORAdd, Tag: tag,
			Timestamp: timestampOf(m["timestamp"], tick), WriteConcern: pipeline.ConcernApplied,
		}
		if v, ok := m["value"].(string); ok {
			op.Value = []byte(v)
		}
		ops = append(ops, op)
	}
	for _, r := range rawTombstones {
		m, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		key, _ := m["key"].(string)
		tag, _ := m["tag"].(string)
		if key == "" || tag == "" {
			continue
		}
		ops = append(ops, &pipeline.Op{
			ID: "push-rm:" + tag, MapName: mapName, MapType: storage.TypeOR,
			Key: key, Verb: pipeline.VerbORRemove, Tag: tag,
			Timestamp: timestampOf(m["timestamp"], tick), WriteConcern: pipeline.ConcernApplied,
		})
	}
	return ops
}

func timestampOf(v interface{}, tick func() hlc.Timestamp) hlc.Timestamp {
	m, ok := v.(map[string]interface{})
	if !ok {
		return tick()
	}
	var ts hlc.Timestamp
	if f, ok := m["millis"].(float64); ok {
		ts.Millis = int64(f)
	}
	if f, ok := m["counter"].(float64); ok {
		ts.Counter = int32(f)
	}
	ts.NodeID, _ = m["nodeId"].(string)
	if ts.Millis == 0 {
		return tick()
	}
	return ts
}

package antientropy

import (
	"testing"

	"github.com/crdtmesh/coordinator/internal/crdt"
	"github.com/crdtmesh/coordinator/internal/hlc"
	"github.com/crdtmesh/coordinator/internal/pipeline"
	"github.com/crdtmesh/coordinator/internal/storage"
	"github.com/crdtmesh/coordinator/internal/wire"
)

type fakeHasher struct {
	roots   map[string]string
	buckets map[int]string
	leaves  map[int]map[string]string
}

func (h *fakeHasher) Root(mapName string) (string, bool) {
	r, ok := h.roots[mapName]
	return r, ok
}

func (h *fakeHasher) Buckets(mapName string, bucketIDs []int) map[int]string {
	out := make(map[int]string)
	for _, id := range bucketIDs {
		if b, ok := h.buckets[id]; ok {
			out[id] = b
		}
	}
	return out
}

func (h *fakeHasher) Leaf(mapName string, bucketID int) map[string]string {
	return h.leaves[bucketID]
}

func TestSyncInitWithoutHasherRequiresReset(t *testing.T) {
	mgr := storage.NewManager(nil)
	if _, err := mgr.GetOrCreate("tasks", storage.TypeLWW); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	a := New(mgr, nil)
	reply := a.HandleSyncInit("tasks", storage.TypeLWW)
	if reply.Type != wire.TypeSyncResetRequired {
		t.Fatalf("expected SYNC_RESET_REQUIRED without a hasher, got %s", reply.Type)
	}
}

func TestSyncInitReturnsRoot(t *testing.T) {
	mgr := storage.NewManager(nil)
	if _, err := mgr.GetOrCreate("tasks", storage.TypeLWW); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	a := New(mgr, &fakeHasher{roots: map[string]string{"tasks": "abc123"}})
	reply := a.HandleSyncInit("tasks", storage.TypeLWW)
	if reply.Type != wire.TypeSyncRespRoot || reply.Payload["root"] != "abc123" {
		t.Fatalf("expected the root hash, got %s %v", reply.Type, reply.Payload)
	}
}

func TestSyncInitTypeMismatchRequiresReset(t *testing.T) {
	mgr := storage.NewManager(nil)
	if _, err := mgr.GetOrCreate("tags", storage.TypeOR); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	a := New(mgr, &fakeHasher{roots: map[string]string{"tags": "abc123"}})
	reply := a.HandleSyncInit("tags", storage.TypeLWW)
	if reply.Type != wire.TypeSyncResetRequired {
		t.Fatalf("expected SYNC_RESET_REQUIRED for an LWW walk of an OR map, got %s", reply.Type)
	}
}

func TestMerkleReqBucketDescendsToBucketsThenLeaf(t *testing.T) {
	mgr := storage.NewManager(nil)
	a := New(mgr, &fakeHasher{
		buckets: map[int]string{1: "h1", 2: "h2"},
		leaves:  map[int]map[string]string{1: {"t1": "r1"}},
	})

	reply := a.HandleMerkleReqBucket("tasks", []int{1, 2}, false)
	if reply.Type != wire.TypeSyncRespBuckets {
		t.Fatalf("expected SYNC_RESP_BUCKETS, got %s", reply.Type)
	}
	buckets, _ := reply.Payload["buckets"].(map[string]interface{})
	if buckets["1"] != "h1" || buckets["2"] != "h2" {
		t.Fatalf("expected both bucket hashes, got %v", buckets)
	}

	reply = a.HandleMerkleReqBucket("tasks", []int{1}, true)
	if reply.Type != wire.TypeSyncRespLeaf {
		t.Fatalf("expected SYNC_RESP_LEAF for a single-bucket leaf walk, got %s", reply.Type)
	}
	keys, _ := reply.Payload["keys"].(map[string]string)
	if keys["t1"] != "r1" {
		t.Fatalf("expected the leaf key hashes, got %v", reply.Payload)
	}
}

func TestORMapDiffRequestListsEntriesAndTombstones(t *testing.T) {
	mgr := storage.NewManager(nil)
	slot, err := mgr.GetOrCreate("tags", storage.TypeOR)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	slot.OR().Add("k1", &crdt.TaggedEntry{Value: []byte("v1"), Tag: "tag1", Timestamp: hlc.Timestamp{Millis: 10}})
	slot.OR().Add("k1", &crdt.TaggedEntry{Value: []byte("v2"), Tag: "tag2", Timestamp: hlc.Timestamp{Millis: 20}})
	slot.OR().Remove("k1", "tag2", hlc.Timestamp{Millis: 30})

	a := New(mgr, nil)
	reply := a.HandleORMapDiffRequest("tags", []string{"k1"})
	if reply.Type != wire.TypeSyncRespLeaf {
		t.Fatalf("expected SYNC_RESP_LEAF, got %s", reply.Type)
	}
	diff, _ := reply.Payload["diff"].(map[string]interface{})
	k1, _ := diff["k1"].(map[string]interface{})
	entries, _ := k1["entries"].([]map[string]interface{})
	if len(entries) != 1 || entries[0]["tag"] != "tag1" {
		t.Fatalf("expected only the live tag1 entry, got %v", entries)
	}
	tombstones, _ := k1["tombstones"].([]string)
	if len(tombstones) != 1 || tombstones[0] != "tag2" {
		t.Fatalf("expected tag2 tombstoned, got %v", tombstones)
	}
}

func TestORMapDiffRequestOnLWWMapRequiresReset(t *testing.T) {
	mgr := storage.NewManager(nil)
	if _, err := mgr.GetOrCreate("tasks", storage.TypeLWW); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	a := New(mgr, nil)
	if reply := a.HandleORMapDiffRequest("tasks", nil); reply.Type != wire.TypeSyncResetRequired {
		t.Fatalf("expected SYNC_RESET_REQUIRED for an OR diff of an LWW map, got %s", reply.Type)
	}
}

func TestDecodePushDiffBuildsPipelineOps(t *testing.T) {
	clock := hlc.New("n1")
	ops := DecodePushDiff("tags",
		[]interface{}{
			map[string]interface{}{"key": "k1", "tag": "tag1", "value": "v1",
				"timestamp": map[string]interface{}{"millis": float64(100), "counter": float64(0), "nodeId": "c1"}},
			map[string]interface{}{"tag": "orphan"}, // no key, skipped
		},
		[]interface{}{
			map[string]interface{}{"key": "k1", "tag": "tag0"},
		},
		clock.Tick)

	if len(ops) != 2 {
		t.Fatalf("expected one add and one remove, got %d", len(ops))
	}
	add, rm := ops[0], ops[1]
	if add.Verb != pipeline.VerbORAdd || add.Key != "k1" || add.Tag != "tag1" || string(add.Value) != "v1" || add.Timestamp.Millis != 100 {
		t.Fatalf("unexpected add op %+v", add)
	}
	if rm.Verb != pipeline.VerbORRemove || rm.Tag != "tag0" {
		t.Fatalf("unexpected remove op %+v", rm)
	}
	if rm.Timestamp.Millis == 0 {
		t.Fatalf("expected a fresh timestamp for the tombstone missing one")
	}
}

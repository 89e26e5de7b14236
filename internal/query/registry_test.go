package query

import (
	"testing"

	"github.com/crdtmesh/coordinator/internal/crdt"
	"github.com/crdtmesh/coordinator/internal/hlc"
	"github.com/crdtmesh/coordinator/internal/storage"
)

func rec(value string) *crdt.Record {
	return &crdt.Record{Value: []byte(value), Timestamp: hlc.Timestamp{Millis: 1, NodeID: "n1"}}
}

func TestProcessChangeEmitsAddedForNewlyMatchingRecord(t *testing.T) {
	r := NewRegistry()
	q := &Query{MapName: "tasks", Filters: []Filter{{Field: "status", Op: OpEQ, Value: "open"}}}
	r.Register("q1", "s1", q, nil)

	deltas := r.ProcessChange("tasks", nil, "t1", rec(`{"status":"open"}`), nil)
	if len(deltas) != 1 || deltas[0].EventType != ChangeAdded {
		t.Fatalf("expected ADDED delta, got %+v", deltas)
	}
}

func TestProcessChangeEmitsUpdatedWhenStillMatching(t *testing.T) {
	r := NewRegistry()
	q := &Query{MapName: "tasks", Filters: []Filter{{Field: "status", Op: OpEQ, Value: "open"}}}
	r.Register("q1", "s1", q, []string{"t1"})

	deltas := r.ProcessChange("tasks", nil, "t1", rec(`{"status":"open","extra":1}`), rec(`{"status":"open"}`))
	if len(deltas) != 1 || deltas[0].EventType != ChangeUpdated {
		t.Fatalf("expected UPDATED delta, got %+v", deltas)
	}
}

func TestProcessChangeEmitsRemovedWhenNoLongerMatching(t *testing.T) {
	r := NewRegistry()
	q := &Query{MapName: "tasks", Filters: []Filter{{Field: "status", Op: OpEQ, Value: "open"}}}
	r.Register("q1", "s1", q, []string{"t1"})

	deltas := r.ProcessChange("tasks", nil, "t1", rec(`{"status":"closed"}`), rec(`{"status":"open"}`))
	if len(deltas) != 1 || deltas[0].EventType != ChangeRemoved {
		t.Fatalf("expected REMOVED delta, got %+v", deltas)
	}
}

func TestProcessChangeTombstoneTreatedAsRemoval(t *testing.T) {
	r := NewRegistry()
	q := &Query{MapName: "tasks", Filters: []Filter{{Field: "status", Op: OpEQ, Value: "open"}}}
	r.Register("q1", "s1", q, []string{"t1"})

	tomb := &crdt.Record{Value: nil, Timestamp: hlc.Timestamp{Millis: 2, NodeID: "n1"}, TTLMs: -1}
	deltas := r.ProcessChange("tasks", nil, "t1", tomb, rec(`{"status":"open"}`))
	if len(deltas) != 1 || deltas[0].EventType != ChangeRemoved {
		t.Fatalf("expected REMOVED for a tombstoned key, got %+v", deltas)
	}
}

func TestProcessChangeNoDeltaWhenNeverMatchedAndStillDoesNotMatch(t *testing.T) {
	r := NewRegistry()
	q := &Query{MapName: "tasks", Filters: []Filter{{Field: "status", Op: OpEQ, Value: "open"}}}
	r.Register("q1", "s1", q, nil)

	deltas := r.ProcessChange("tasks", nil, "t1", rec(`{"status":"closed"}`), nil)
	if len(deltas) != 0 {
		t.Fatalf("expected no delta for a record that never matched, got %+v", deltas)
	}
}

func TestProcessChangeOnlyReevaluatesSubscriptionsForThatMap(t *testing.T) {
	r := NewRegistry()
	q := &Query{MapName: "other-map"}
	r.Register("q1", "s1", q, nil)

	deltas := r.ProcessChange("tasks", nil, "t1", rec(`{}`), nil)
	if len(deltas) != 0 {
		t.Fatalf("expected no deltas for a map with no subscriptions, got %+v", deltas)
	}
}

func TestProcessChangeAggregatesORSurvivingValues(t *testing.T) {
	mgr := storage.NewManager(nil)
	slot, err := mgr.GetOrCreate("tags", storage.TypeOR)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	r := NewRegistry()
	q := &Query{MapName: "tags", Filters: []Filter{{Field: "status", Op: OpEQ, Value: "open"}}}
	r.Register("q1", "s1", q, nil)

	slot.OR().Add("t1", &crdt.TaggedEntry{Value: []byte(`{"status":"open"}`), Tag: "tag1", Timestamp: hlc.Timestamp{Millis: 1, NodeID: "n1"}})
	deltas := r.ProcessChange("tags", slot, "t1", nil, nil)
	if len(deltas) != 1 || deltas[0].EventType != ChangeAdded {
		t.Fatalf("expected ADDED once a surviving entry matches, got %+v", deltas)
	}

	// Tombstoning the only matching entry flips the key to REMOVED.
	slot.OR().Remove("t1", "tag1", hlc.Timestamp{Millis: 2, NodeID: "n1"})
	deltas = r.ProcessChange("tags", slot, "t1", nil, nil)
	if len(deltas) != 1 || deltas[0].EventType != ChangeRemoved {
		t.Fatalf("expected REMOVED once no surviving entry matches, got %+v", deltas)
	}
}

func TestUnregisterStopsFurtherDeltas(t *testing.T) {
	r := NewRegistry()
	q := &Query{MapName: "tasks", Filters: []Filter{{Field: "status", Op: OpEQ, Value: "open"}}}
	r.Register("q1", "s1", q, nil)
	r.Unregister("tasks", "q1")

	deltas := r.ProcessChange("tasks", nil, "t1", rec(`{"status":"open"}`), nil)
	if len(deltas) != 0 {
		t.Fatalf("expected no deltas after unregister, got %+v", deltas)
	}
}

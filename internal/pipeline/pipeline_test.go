package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/crdtmesh/coordinator/internal/crdt"
	"github.com/crdtmesh/coordinator/internal/hlc"
	"github.com/crdtmesh/coordinator/internal/storage"
)

func newOp(key string, value string, millis int64) *Op {
	return &Op{
		ID:           "op-" + key,
		MapName:      "tasks",
		MapType:      storage.TypeLWW,
		Key:          key,
		Verb:         VerbPut,
		Value:        []byte(value),
		Timestamp:    hlc.Timestamp{Millis: millis, NodeID: "n1"},
		WriteConcern: ConcernMemory,
	}
}

func TestProcessLocalAppliesPutToMap(t *testing.T) {
	p := New(storage.NewManager(nil))
	ctx := &Context{SessionID: "s1", Authenticated: true}
	result := p.ProcessLocal(ctx, newOp("t1", "hello", 1), nil)
	if result.Rejected || result.Err != nil {
		t.Fatalf("unexpected rejection/error: %+v", result)
	}
	if result.EventPayload["eventType"] != "PUT" {
		t.Fatalf("expected PUT eventType, got %v", result.EventPayload["eventType"])
	}

	slot, err := p.storage.GetOrCreate("tasks", storage.TypeLWW)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	slot.AwaitReady()
	rec := slot.LWW().Get("t1")
	if rec == nil || string(rec.Value) != "hello" {
		t.Fatalf("expected the map to hold the merged record, got %+v", rec)
	}
}

func TestProcessLocalUpdateThenDeleteClassification(t *testing.T) {
	p := New(storage.NewManager(nil))
	ctx := &Context{SessionID: "s1", Authenticated: true}

	p.ProcessLocal(ctx, newOp("t1", "v1", 1), nil)
	second := p.ProcessLocal(ctx, newOp("t1", "v2", 2), nil)
	if second.EventPayload["eventType"] != "UPDATE" {
		t.Fatalf("expected UPDATE, got %v", second.EventPayload["eventType"])
	}

	del := newOp("t1", "", 3)
	del.Verb = VerbDelete
	del.Value = nil
	third := p.ProcessLocal(ctx, del, nil)
	if third.EventPayload["eventType"] != "DELETE" {
		t.Fatalf("expected DELETE, got %v", third.EventPayload["eventType"])
	}
}

func TestBeforeInterceptorCanDropOp(t *testing.T) {
	p := New(storage.NewManager(nil))
	p.AddBeforeInterceptor(func(ctx *Context, op *Op) (*Op, error) {
		return nil, nil
	})
	result := p.ProcessLocal(&Context{}, newOp("t1", "v", 1), nil)
	if !result.Rejected {
		t.Fatalf("expected the op to be rejected when an interceptor drops it")
	}
}

func TestBeforeInterceptorCanRejectWithError(t *testing.T) {
	p := New(storage.NewManager(nil))
	wantErr := errors.New("quota exceeded")
	p.AddBeforeInterceptor(func(ctx *Context, op *Op) (*Op, error) {
		return nil, wantErr
	})
	result := p.ProcessLocal(&Context{}, newOp("t1", "v", 1), nil)
	if !result.Rejected || result.RejectReason != wantErr.Error() {
		t.Fatalf("expected rejection with reason %q, got %+v", wantErr.Error(), result)
	}
}

func TestBeforeInterceptorCanTransformOp(t *testing.T) {
	p := New(storage.NewManager(nil))
	p.AddBeforeInterceptor(func(ctx *Context, op *Op) (*Op, error) {
		clone := *op
		clone.Value = []byte("transformed")
		return &clone, nil
	})
	p.ProcessLocal(&Context{}, newOp("t1", "original", 1), nil)

	slot, _ := p.storage.GetOrCreate("tasks", storage.TypeLWW)
	slot.AwaitReady()
	rec := slot.LWW().Get("t1")
	if string(rec.Value) != "transformed" {
		t.Fatalf("expected transformed value to be persisted, got %q", rec.Value)
	}
}

func TestResolverRejectionShortCircuitsApply(t *testing.T) {
	p := New(storage.NewManager(nil))
	p.RegisterResolver("tasks", func(existing, incoming *crdt.Record) (*crdt.Record, bool) {
		return existing, true
	})
	result := p.ProcessLocal(&Context{}, newOp("t1", "v", 1), nil)
	if !result.Rejected {
		t.Fatalf("expected resolver rejection to propagate as a Rejected ApplyResult")
	}
}

func TestCollectOnlyAppendsToBatchInsteadOfBroadcasting(t *testing.T) {
	p := New(storage.NewManager(nil))
	broadcastCalled := false
	p.SetBroadcaster(func(map[string]interface{}, string, string, string) { broadcastCalled = true })

	var batch []BatchEvent
	p.ProcessLocal(&Context{}, newOp("t1", "v", 1), &batch)

	if broadcastCalled {
		t.Fatalf("expected broadcast to be skipped when collectOnly is supplied")
	}
	if len(batch) != 1 || batch[0].Key != "t1" {
		t.Fatalf("expected the event collected into the batch buffer, got %+v", batch)
	}
}

func TestListResolversReflectsRegisterUnregister(t *testing.T) {
	p := New(storage.NewManager(nil))
	p.RegisterResolver("tasks", func(existing, incoming *crdt.Record) (*crdt.Record, bool) { return incoming, false })
	if len(p.ListResolvers()) != 1 {
		t.Fatalf("expected one registered resolver")
	}
	p.UnregisterResolver("tasks")
	if len(p.ListResolvers()) != 0 {
		t.Fatalf("expected no resolvers after unregister")
	}
}

func TestApplyORAddAndRemove(t *testing.T) {
	p := New(storage.NewManager(nil))
	ctx := &Context{}

	add := &Op{
		ID: "op1", MapName: "tags", MapType: storage.TypeOR, Key: "k1",
		Verb: VerbORAdd, Value: []byte("red"), Tag: "tag-a",
		Timestamp: hlc.Timestamp{Millis: 1, NodeID: "n1"},
	}
	result := p.ProcessLocal(ctx, add, nil)
	if result.Rejected || result.Err != nil {
		t.Fatalf("unexpected OR_ADD failure: %+v", result)
	}

	slot, _ := p.storage.GetOrCreate("tags", storage.TypeOR)
	slot.AwaitReady()
	if !slot.OR().Present("k1") {
		t.Fatalf("expected k1 present after OR_ADD")
	}

	remove := &Op{
		ID: "op2", MapName: "tags", MapType: storage.TypeOR, Key: "k1",
		Verb: VerbORRemove, Tag: "tag-a",
		Timestamp: hlc.Timestamp{Millis: 2, NodeID: "n1"},
	}
	result2 := p.ProcessLocal(ctx, remove, nil)
	if result2.Rejected || result2.Err != nil {
		t.Fatalf("unexpected OR_REMOVE failure: %+v", result2)
	}
	if slot.OR().Present("k1") {
		t.Fatalf("expected k1 no longer present after OR_REMOVE of its only tag")
	}
}

func TestApplyORFiresChangeHook(t *testing.T) {
	storageMgr := storage.NewManager(nil)
	p := New(storageMgr)

	type change struct {
		key     string
		mapType storage.MapType
	}
	var changes []change
	storageMgr.SetChangeHook(func(mapName string, slot *storage.MapSlot, key string, newRec, oldRec *crdt.Record) {
		changes = append(changes, change{key: key, mapType: slot.Type()})
	})

	ctx := &Context{}
	p.ProcessLocal(ctx, &Op{
		ID: "op1", MapName: "tags", MapType: storage.TypeOR, Key: "k1",
		Verb: VerbORAdd, Value: []byte("red"), Tag: "tag-a",
		Timestamp: hlc.Timestamp{Millis: 1, NodeID: "n1"},
	}, nil)
	p.ProcessLocal(ctx, &Op{
		ID: "op2", MapName: "tags", MapType: storage.TypeOR, Key: "k1",
		Verb: VerbORRemove, Tag: "tag-a",
		Timestamp: hlc.Timestamp{Millis: 2, NodeID: "n1"},
	}, nil)

	if len(changes) != 2 {
		t.Fatalf("expected the change hook fired for OR_ADD and OR_REMOVE, got %d calls", len(changes))
	}
	for _, c := range changes {
		if c.key != "k1" || c.mapType != storage.TypeOR {
			t.Fatalf("unexpected change notification %+v", c)
		}
	}
}

func TestReplicatorAndAfterInterceptorsFire(t *testing.T) {
	p := New(storage.NewManager(nil))

	replicated := make(chan struct{}, 1)
	p.SetReplicator(func(op *Op) error {
		replicated <- struct{}{}
		return nil
	})

	afterCalled := make(chan struct{}, 1)
	p.AddAfterInterceptor(func(ctx *Context, op *Op, result *ApplyResult) {
		afterCalled <- struct{}{}
	})

	p.ProcessLocal(&Context{}, newOp("t1", "v", 1), nil)

	select {
	case <-replicated:
	case <-time.After(time.Second):
		t.Fatalf("expected replicator to be invoked (it runs fire-and-forget on a goroutine)")
	}
	select {
	case <-afterCalled:
	case <-time.After(time.Second):
		t.Fatalf("expected after-interceptor to be invoked (it runs fire-and-forget on a goroutine)")
	}
}

package pipeline

import (
	"github.com/golang/glog"

	"github.com/crdtmesh/coordinator/internal/crdt"
	"github.com/crdtmesh/coordinator/internal/storage"
)

// BeforeInterceptor may transform or silently drop (return nil, nil) an op
// before it reaches apply-to-map. An error is treated as a rejection of the
// op only — interceptor exceptions never abort the rest of the batch.
type BeforeInterceptor func(ctx *Context, op *Op) (*Op, error)

// AfterInterceptor runs fire-and-forget once an op has been applied,
// replicated and broadcast.
type AfterInterceptor func(ctx *Context, op *Op, result *ApplyResult)

// ConflictResolver decides the survivor for an LWW map that has one
// registered; returning rejected=true skips persist/replicate/broadcast
// entirely.
type ConflictResolver func(existing, incoming *crdt.Record) (survivor *crdt.Record, rejected bool)

// Replicator fires an op at backup nodes; failures are logged, never fatal.
type Replicator func(op *Op) error

// Broadcaster delivers the post-merge event to subscribed local sessions,
// excluding the origin session.
type Broadcaster func(eventPayload map[string]interface{}, mapName, key string, excludeSessionID string)

// Pipeline wires the Operation Pipeline's five stages together.
type Pipeline struct {
	storage *storage.Manager

	before []BeforeInterceptor
	after  []AfterInterceptor

	resolvers map[string]ConflictResolver

	replicate Replicator
	broadcast Broadcaster
}

func New(storageMgr *storage.Manager) *Pipeline {
	return &Pipeline{storage: storageMgr, resolvers: make(map[string]ConflictResolver)}
}

func (p *Pipeline) AddBeforeInterceptor(fn BeforeInterceptor) { p.before = append(p.before, fn) }
func (p *Pipeline) AddAfterInterceptor(fn AfterInterceptor)   { p.after = append(p.after, fn) }
func (p *Pipeline) SetReplicator(fn Replicator)               { p.replicate = fn }
func (p *Pipeline) SetBroadcaster(fn Broadcaster)             { p.broadcast = fn }
func (p *Pipeline) RegisterResolver(mapName string, fn ConflictResolver) {
	p.resolvers[mapName] = fn
}
func (p *Pipeline) UnregisterResolver(mapName string) { delete(p.resolvers, mapName) }
func (p *Pipeline) ListResolvers() []string {
	out := make([]string, 0, len(p.resolvers))
	for k := range p.resolvers {
		out = append(out, k)
	}
	return out
}

// ProcessLocal runs the full single-op pipeline: before-interceptors,
// apply-to-map, replicate, broadcast, after-interceptors. When collectOnly
// is non-nil, the broadcast step is skipped and the event is appended to it
// instead — the Batch Processor collects events into a shared batch buffer
// rather than broadcasting per-op.
func (p *Pipeline) ProcessLocal(ctx *Context, op *Op, collectOnly *[]BatchEvent) *ApplyResult {
	// (2) before-interceptors
	cur := op
	for _, fn := range p.before {
		next, err := fn(ctx, cur)
		if err != nil {
			return &ApplyResult{Rejected: true, RejectReason: err.Error()}
		}
		if next == nil {
			return &ApplyResult{Rejected: true, RejectReason: "dropped by interceptor"}
		}
		cur = next
	}

	// (3) apply to map
	result := p.applyToMap(cur)
	if result.Err != nil || result.Rejected {
		return result
	}

	// (4) replicate (fire-and-forget)
	if p.replicate != nil {
		go func() {
			if err := p.replicate(cur); err != nil {
				glog.Errorf("pipeline: replicate op %s failed: %v", cur.ID, err)
			}
		}()
	}

	// (5) broadcast, or collect into the caller's batch buffer
	if collectOnly != nil {
		*collectOnly = append(*collectOnly, BatchEvent{MapName: cur.MapName, Key: cur.Key, Payload: result.EventPayload})
	} else if p.broadcast != nil {
		p.broadcast(result.EventPayload, cur.MapName, cur.Key, ctx.OriginSenderID)
	}

	// (6) after-interceptors (fire-and-forget)
	for _, fn := range p.after {
		fn := fn
		go fn(ctx, cur, result)
	}

	return result
}

// BatchEvent is one collected event awaiting SERVER_BATCH_EVENT delivery.
type BatchEvent struct {
	MapName string
	Key     string
	Payload map[string]interface{}
}

// applyToMap dispatches the op to the map's merge logic by type.
func (p *Pipeline) applyToMap(op *Op) *ApplyResult {
	slot, err := p.storage.GetOrCreate(op.MapName, op.MapType)
	if err != nil {
		return &ApplyResult{Err: err}
	}

	switch op.MapType {
	case storage.TypeLWW:
		return p.applyLWW(slot, op)
	case storage.TypeOR:
		return p.applyOR(slot, op)
	default:
		return &ApplyResult{Err: &storage.ErrTypeMismatch{Map: op.MapName, Wanted: op.MapType}}
	}
}

func (p *Pipeline) applyLWW(slot *storage.MapSlot, op *Op) *ApplyResult {
	m := slot.LWW()
	incoming := &crdt.Record{Value: op.Value, Timestamp: op.Timestamp, TTLMs: op.TTLMs}

	if resolver, ok := p.resolvers[op.MapName]; ok {
		existing := m.Get(op.Key)
		survivor, rejected := resolver(existing, incoming)
		if rejected {
			return &ApplyResult{Rejected: true, RejectReason: "Rejected by conflict resolver"}
		}
		incoming = survivor
	}

	newRec, oldRec := m.MergeRecord(op.Key, incoming)

	// side effects: notify query registry, update map-size
	// metric (both via NotifyChange), persist, journal (handled by
	// interceptors/journal adapter), Merkle update and search indexing are
	// external and are exposed as injectable after-interceptors.
	p.storage.NotifyChange(op.MapName, slot, op.Key, newRec, oldRec)
	if err := p.storage.Persist(op.MapName, op.Key, newRec, op.SyncPersist && op.WriteConcern == ConcernPersisted); err != nil {
		if op.WriteConcern == ConcernPersisted {
			return &ApplyResult{Err: err}
		}
		glog.Errorf("pipeline: persist %s/%s failed: %v", op.MapName, op.Key, err)
	}

	eventType := classifyEvent(oldRec, newRec)
	return &ApplyResult{
		EventPayload: map[string]interface{}{
			"map":       op.MapName,
			"key":       op.Key,
			"eventType": eventType,
			"record": map[string]interface{}{
				"value":     newRec.Value,
				"timestamp": newRec.Timestamp,
				"ttlMs":     newRec.TTLMs,
			},
		},
		OldRecord: oldRec,
	}
}

func classifyEvent(old, new *crdt.Record) string {
	switch {
	case new.IsTombstone():
		return "DELETE"
	case old == nil || old.IsTombstone():
		return "PUT"
	default:
		return "UPDATE"
	}
}

func (p *Pipeline) applyOR(slot *storage.MapSlot, op *Op) *ApplyResult {
	m := slot.OR()
	switch op.Verb {
	case VerbORAdd:
		entry := &crdt.TaggedEntry{Value: op.Value, Timestamp: op.Timestamp, Tag: op.Tag}
		m.Add(op.Key, entry)
		// the registry aggregates the key's surviving values from the slot,
		// so OR changes carry no record pair
		p.storage.NotifyChange(op.MapName, slot, op.Key, nil, nil)
		if err := p.storage.PersistOREntry(op.MapName, op.Key, entry, op.SyncPersist && op.WriteConcern == ConcernPersisted); err != nil && op.WriteConcern == ConcernPersisted {
			return &ApplyResult{Err: err}
		}
		return &ApplyResult{
			EventPayload: map[string]interface{}{
				"map": op.MapName, "key": op.Key, "eventType": "OR_ADD",
				"orRecord": map[string]interface{}{"value": entry.Value, "timestamp": entry.Timestamp, "tag": entry.Tag},
			},
		}
	case VerbORRemove:
		m.Remove(op.Key, op.Tag, op.Timestamp)
		p.storage.NotifyChange(op.MapName, slot, op.Key, nil, nil)
		if err := p.storage.PersistORTombstone(op.MapName, op.Key, op.Tag, op.Timestamp, op.SyncPersist && op.WriteConcern == ConcernPersisted); err != nil && op.WriteConcern == ConcernPersisted {
			return &ApplyResult{Err: err}
		}
		return &ApplyResult{
			EventPayload: map[string]interface{}{
				"map": op.MapName, "key": op.Key, "eventType": "OR_REMOVE", "tag": op.Tag,
			},
		}
	default:
		return &ApplyResult{Err: &storage.ErrTypeMismatch{Map: op.MapName, Existing: storage.TypeOR, Wanted: storage.TypeLWW}}
	}
}

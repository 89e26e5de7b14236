package query

import (
	"sync"

	"github.com/crdtmesh/coordinator/internal/crdt"
	"github.com/crdtmesh/coordinator/internal/storage"
)

// ChangeEventType is what processChange decides a mutation means relative
// to a subscription's previous result-key set.
type ChangeEventType string

const (
	ChangeAdded   ChangeEventType = "ADDED"
	ChangeUpdated ChangeEventType = "UPDATED"
	ChangeRemoved ChangeEventType = "REMOVED"
)

// ChangeDelta is what the registry hands to the coordinator for broadcast
// on every relevant mutation.
type ChangeDelta struct {
	QueryID   string
	SessionID string
	MapName   string
	Key       string
	EventType ChangeEventType
	Value     []byte
}

// Subscription is one live QUERY_SUB: the compiled predicate plus the
// result-key set it was last known to match, so processChange only needs to
// look at the single changed key.
type Subscription struct {
	QueryID    string
	SessionID  string
	Query      *Query
	resultKeys map[string]struct{}
}

// Registry holds every live query subscription, keyed by map name so a
// merge on one map only re-evaluates that map's subscriptions.
type Registry struct {
	mu   sync.RWMutex
	byMap map[string]map[string]*Subscription // mapName -> queryId -> sub
}

func NewRegistry() *Registry {
	return &Registry{byMap: make(map[string]map[string]*Subscription)}
}

// Register seeds a subscription with the key set its initial query result
// produced.
func (r *Registry) Register(queryID, sessionID string, q *Query, seedKeys []string) {
	sub := &Subscription{QueryID: queryID, SessionID: sessionID, Query: q, resultKeys: make(map[string]struct{}, len(seedKeys))}
	for _, k := range seedKeys {
		sub.resultKeys[k] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byMap[q.MapName]
	if !ok {
		m = make(map[string]*Subscription)
		r.byMap[q.MapName] = m
	}
	m[queryID] = sub
}

// Unregister drops a subscription by query id.
func (r *Registry) Unregister(mapName, queryID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.byMap[mapName]; ok {
		delete(m, queryID)
	}
}

// ProcessChange re-evaluates every subscription on mapName against the
// changed key and returns the deltas to broadcast — this is what lets the
// coordinator avoid re-scanning the whole map on every write. For LWW maps
// the merged record carries the truth; for OR maps newRecord/oldRecord are
// nil and the key's surviving values are aggregated from the slot, the same
// aggregation the executor's full scan applies.
func (r *Registry) ProcessChange(mapName string, slot *storage.MapSlot, key string, newRecord *crdt.Record, oldRecord *crdt.Record) []ChangeDelta {
	r.mu.RLock()
	subs := r.byMap[mapName]
	snapshot := make([]*Subscription, 0, len(subs))
	for _, s := range subs {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()

	var deltas []ChangeDelta
	for _, sub := range snapshot {
		var matches bool
		var value []byte
		if slot != nil && slot.Type() == storage.TypeOR {
			for _, e := range slot.OR().Live(key) {
				if sub.Query.Matches(e.Value) {
					matches = true
					value = e.Value
					break
				}
			}
		} else if newRecord != nil && !newRecord.IsTombstone() && sub.Query.Matches(newRecord.Value) {
			matches = true
			value = newRecord.Value
		}

		r.mu.Lock()
		_, wasPresent := sub.resultKeys[key]
		switch {
		case matches && !wasPresent:
			sub.resultKeys[key] = struct{}{}
			deltas = append(deltas, ChangeDelta{QueryID: sub.QueryID, SessionID: sub.SessionID, MapName: mapName, Key: key, EventType: ChangeAdded, Value: value})
		case matches && wasPresent:
			deltas = append(deltas, ChangeDelta{QueryID: sub.QueryID, SessionID: sub.SessionID, MapName: mapName, Key: key, EventType: ChangeUpdated, Value: value})
		case !matches && wasPresent:
			delete(sub.resultKeys, key)
			deltas = append(deltas, ChangeDelta{QueryID: sub.QueryID, SessionID: sub.SessionID, MapName: mapName, Key: key, EventType: ChangeRemoved})
		}
		r.mu.Unlock()
	}
	return deltas
}

package crdt

import (
	"sync"

	"github.com/crdtmesh/coordinator/internal/hlc"
)

// LWWMap is a last-writer-wins CRDT map: one Record survives per key.
type LWWMap struct {
	mu   sync.RWMutex
	name string
	data map[string]*Record
}

func NewLWWMap(name string) *LWWMap {
	return &LWWMap{name: name, data: make(map[string]*Record)}
}

func (m *LWWMap) Name() string { return m.name }
func (m *LWWMap) Type() string { return "lww" }

// Get returns the current surviving record for key, or nil if absent/never
// written.
func (m *LWWMap) Get(key string) *Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data[key]
}

// MergeRecord applies an incoming record against whatever is currently
// stored for key and returns (newRecord, oldRecord). newRecord is the
// post-merge survivor; it may be identical to oldRecord if the incoming
// record lost.
func (m *LWWMap) MergeRecord(key string, incoming *Record) (newRecord, oldRecord *Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	oldRecord = m.data[key]
	newRecord = Merge(oldRecord, incoming)
	m.data[key] = newRecord
	return newRecord, oldRecord
}

// Keys returns a snapshot of all keys currently tracked, including
// tombstoned ones (callers filter as needed).
func (m *LWWMap) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys
}

// Len reports the number of non-tombstone records, for the map-size metric.
func (m *LWWMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.data {
		if !r.IsTombstone() {
			n++
		}
	}
	return n
}

// ExpireTTL implements the LWW half of the GC sweep: any non-tombstone record
// whose TTL has elapsed as of `now` is replaced by a fresh tombstone stamped
// at the expiration instant (not at `now`) so a late-arriving write from
// before expiration still loses to it, and a write concurrent with expiry
// correctly resurrects the key on a later merge.
func (m *LWWMap) ExpireTTL(now hlc.Timestamp) (expired []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, r := range m.data {
		if r.IsTombstone() || r.TTLMs <= 0 {
			continue
		}
		expireAt := r.Timestamp.Millis + r.TTLMs
		if expireAt < now.Millis {
			m.data[key] = &Record{
				Value:     nil,
				Timestamp: hlc.Timestamp{Millis: expireAt, Counter: r.Timestamp.Counter, NodeID: r.Timestamp.NodeID},
			}
			expired = append(expired, key)
		}
	}
	return expired
}

// PruneTombstones drops tombstones whose timestamp is strictly older than
// safe, per the GC leader's CLUSTER_GC_COMMIT contract: nothing newer than
// safe is ever pruned.
func (m *LWWMap) PruneTombstones(safe hlc.Timestamp) (pruned int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, r := range m.data {
		if r.IsTombstone() && r.Timestamp.Compare(safe) < 0 {
			delete(m.data, key)
			pruned++
		}
	}
	return pruned
}

// Scan calls fn for every non-tombstone record; used by the full-scan query
// fallback.
func (m *LWWMap) Scan(fn func(key string, r *Record)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for k, r := range m.data {
		if !r.IsTombstone() {
			fn(k, r)
		}
	}
}

// ScanAll calls fn for every record including tombstones, used by the sync
// facade which must report deletes (value===null) as well as puts.
func (m *LWWMap) ScanAll(fn func(key string, r *Record)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for k, r := range m.data {
		fn(k, r)
	}
}

package crdt

import (
	"sync"

	"github.com/crdtmesh/coordinator/internal/hlc"
)

// ORMap is an observed-remove CRDT map: each key may have multiple tagged
// entries; a key is present iff at least one of its entries is not
// tombstoned.
type ORMap struct {
	mu         sync.RWMutex
	name       string
	entries    map[string][]*TaggedEntry // key -> tagged entries
	tombstones map[string]map[string]hlc.Timestamp // key -> tag -> removal timestamp
}

func NewORMap(name string) *ORMap {
	return &ORMap{
		name:       name,
		entries:    make(map[string][]*TaggedEntry),
		tombstones: make(map[string]map[string]hlc.Timestamp),
	}
}

func (m *ORMap) Name() string { return m.name }
func (m *ORMap) Type() string { return "or" }

// Add applies an OR_ADD: the tagged entry is appended unconditionally (OR
// semantics never reject a concurrent add).
func (m *ORMap) Add(key string, entry *TaggedEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = append(m.entries[key], entry)
}

// Remove applies an OR_REMOVE: the given tag is tombstoned at ts. Only that
// specific add is affected; entries added concurrently with a different tag
// survive (classic OR-set "observed remove").
func (m *ORMap) Remove(key, tag string, ts hlc.Timestamp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tags, ok := m.tombstones[key]
	if !ok {
		tags = make(map[string]hlc.Timestamp)
		m.tombstones[key] = tags
	}
	tags[tag] = ts
}

// Live returns the surviving (non-tombstoned) entries for key.
func (m *ORMap) Live(key string) []*TaggedEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.liveLocked(key)
}

func (m *ORMap) liveLocked(key string) []*TaggedEntry {
	tombstones := m.tombstones[key]
	var live []*TaggedEntry
	for _, e := range m.entries[key] {
		if _, removed := tombstones[e.Tag]; !removed {
			live = append(live, e)
		}
	}
	return live
}

// Tombstones returns the tombstoned tags for key, used by the OR-map diff
// path of client sync.
func (m *ORMap) Tombstones(key string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tags := m.tombstones[key]
	out := make([]string, 0, len(tags))
	for tag := range tags {
		out = append(out, tag)
	}
	return out
}

// Present reports whether key has at least one surviving entry.
func (m *ORMap) Present(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.liveLocked(key)) > 0
}

func (m *ORMap) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	return keys
}

func (m *ORMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for k := range m.entries {
		if len(m.liveLocked(k)) > 0 {
			n++
		}
	}
	return n
}

// ExpireTTL tombstones individual tagged entries whose TTL has elapsed,
// mirroring LWWMap.ExpireTTL but at entry granularity.
func (m *ORMap) ExpireTTL(now hlc.Timestamp) (expired []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, entries := range m.entries {
		tombstones := m.tombstones[key]
		for _, e := range entries {
			if _, removed := tombstones[e.Tag]; removed {
				continue
			}
			ttl := ttlFromValue(e)
			if ttl <= 0 {
				continue
			}
			expireAt := e.Timestamp.Millis + ttl
			if expireAt < now.Millis {
				if tombstones == nil {
					tombstones = make(map[string]hlc.Timestamp)
					m.tombstones[key] = tombstones
				}
				tombstones[e.Tag] = hlc.Timestamp{Millis: expireAt, NodeID: e.Timestamp.NodeID}
				expired = append(expired, key)
			}
		}
	}
	return expired
}

// ttlFromValue is a seam: OR entries do not carry their own TTL field in
// the base model (only LWW Records do); entry-level TTL is an optional
// extension some OR maps carry out-of-band. Returns 0 (no TTL) here.
func ttlFromValue(*TaggedEntry) int64 { return 0 }

// PruneTombstones drops tombstone tags older than safe, then physically
// removes the now-ungoverned entries from the live slice to bound memory
// growth.
func (m *ORMap) PruneTombstones(safe hlc.Timestamp) (pruned int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	justPruned := make(map[string]map[string]bool)
	for key, tags := range m.tombstones {
		for tag, ts := range tags {
			if ts.Compare(safe) < 0 {
				delete(tags, tag)
				pruned++
				if justPruned[key] == nil {
					justPruned[key] = make(map[string]bool)
				}
				justPruned[key][tag] = true
			}
		}
		if len(tags) == 0 {
			delete(m.tombstones, key)
		}
	}
	for key, tags := range justPruned {
		entries := m.entries[key]
		kept := entries[:0:0]
		for _, e := range entries {
			if tags[e.Tag] {
				continue
			}
			kept = append(kept, e)
		}
		m.entries[key] = kept
	}
	return pruned
}

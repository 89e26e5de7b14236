// Package storage implements the Storage Manager: the in-process map
// registry, lazy map creation with a type hint, async hydrate-from-driver
// readiness, and the persist hook the Operation Pipeline calls on every
// successful merge. The persistent storage driver is an external
// collaborator; Driver below is the seam, and BuntDriver is the one
// concrete adapter this repo ships, backed by github.com/tidwall/buntdb.
package storage

import (
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/crdtmesh/coordinator/internal/crdt"
	"github.com/crdtmesh/coordinator/internal/hlc"
)

// MapType is the CRDT flavor hint carried on first reference to a map name.
type MapType string

const (
	TypeLWW MapType = "lww"
	TypeOR  MapType = "or"
)

// ErrTypeMismatch is returned (and should be treated as fatal) when a
// caller references an existing map with a type hint that contradicts what
// it was created as.
type ErrTypeMismatch struct {
	Map      string
	Existing MapType
	Wanted   MapType
}

func (e *ErrTypeMismatch) Error() string {
	return fmt.Sprintf("map %q is %s, got %s", e.Map, e.Existing, e.Wanted)
}

// Driver is the persistence seam: load all records for a map at startup,
// and persist a single key's record/entries on every merge. The persisted
// layout keeps an OR map's tombstone tag set under a special
// "__tombstones__" key.
type Driver interface {
	LoadLWW(mapName string) (map[string]*crdt.Record, error)
	LoadOR(mapName string) (entries map[string][]*crdt.TaggedEntry, tombstones map[string]map[string]hlc.Timestamp, err error)
	PersistLWW(mapName, key string, rec *crdt.Record) error
	PersistOREntry(mapName, key string, entry *crdt.TaggedEntry) error
	PersistORTombstone(mapName, key, tag string, ts hlc.Timestamp) error
	Close() error
}

type MapSlot struct {
	mtype MapType
	lww   *crdt.LWWMap
	or    *crdt.ORMap
	ready chan struct{}
	once  sync.Once
}

// Manager owns the map table; sole writer for map creation.
type Manager struct {
	driver Driver
	mu     sync.RWMutex
	maps   map[string]*MapSlot

	onChange func(mapName string, slot *MapSlot, key string, newRec, oldRec *crdt.Record)
}

func NewManager(driver Driver) *Manager {
	return &Manager{driver: driver, maps: make(map[string]*MapSlot)}
}

// SetChangeHook registers the callback invoked after every successful
// merge, used by the Query Registry for incremental delivery. The slot is
// passed along so OR-map consumers can aggregate the key's surviving
// values; for OR merges newRec/oldRec are nil and the slot is the source
// of truth.
func (m *Manager) SetChangeHook(fn func(mapName string, slot *MapSlot, key string, newRec, oldRec *crdt.Record)) {
	m.onChange = fn
}

// Existing returns the named map's slot without creating it, used by query
// execution which must never create a map as a side effect of reading it.
func (m *Manager) Existing(name string) (*MapSlot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	slot, ok := m.maps[name]
	return slot, ok
}

// GetOrCreate returns the named map, lazily creating it with typeHint on
// first reference and kicking off an async hydrate from the driver. It
// fails with *ErrTypeMismatch if the map already exists under a different
// type — treated as a fatal protocol error by callers.
func (m *Manager) GetOrCreate(name string, typeHint MapType) (*MapSlot, error) {
	m.mu.RLock()
	slot, ok := m.maps[name]
	m.mu.RUnlock()
	if ok {
		if slot.mtype != typeHint {
			return nil, &ErrTypeMismatch{Map: name, Existing: slot.mtype, Wanted: typeHint}
		}
		return slot, nil
	}

	m.mu.Lock()
	slot, ok = m.maps[name]
	if ok {
		m.mu.Unlock()
		if slot.mtype != typeHint {
			return nil, &ErrTypeMismatch{Map: name, Existing: slot.mtype, Wanted: typeHint}
		}
		return slot, nil
	}
	slot = &MapSlot{mtype: typeHint, ready: make(chan struct{})}
	switch typeHint {
	case TypeLWW:
		slot.lww = crdt.NewLWWMap(name)
	case TypeOR:
		slot.or = crdt.NewORMap(name)
	}
	m.maps[name] = slot
	m.mu.Unlock()

	go m.hydrate(name, slot)
	return slot, nil
}

func (m *Manager) hydrate(name string, slot *MapSlot) {
	defer slot.once.Do(func() { close(slot.ready) })
	if m.driver == nil {
		return
	}
	switch slot.mtype {
	case TypeLWW:
		records, err := m.driver.LoadLWW(name)
		if err != nil {
			glog.Errorf("storage: hydrate %s failed: %v", name, err)
			return
		}
		for key, rec := range records {
			slot.lww.MergeRecord(key, rec)
		}
	case TypeOR:
		entries, tombstones, err := m.driver.LoadOR(name)
		if err != nil {
			glog.Errorf("storage: hydrate %s failed: %v", name, err)
			return
		}
		for key, es := range entries {
			for _, e := range es {
				slot.or.Add(key, e)
			}
		}
		for key, tags := range tombstones {
			for tag, ts := range tags {
				slot.or.Remove(key, tag, ts)
			}
		}
	}
}

// AwaitReady blocks until the named map has finished its async hydrate,
// used by query execution which must not read a partially-loaded map.
func (slot *MapSlot) AwaitReady() { <-slot.ready }

func (slot *MapSlot) Type() MapType    { return slot.mtype }
func (slot *MapSlot) LWW() *crdt.LWWMap { return slot.lww }
func (slot *MapSlot) OR() *crdt.ORMap   { return slot.or }

// Persist fires the persist side effect in the background unless sync is
// requested by the caller's Write Concern.
func (m *Manager) Persist(mapName, key string, rec *crdt.Record, sync bool) error {
	if m.driver == nil {
		return nil
	}
	if sync {
		return m.driver.PersistLWW(mapName, key, rec)
	}
	go func() {
		if err := m.driver.PersistLWW(mapName, key, rec); err != nil {
			glog.Errorf("storage: persist %s/%s failed: %v", mapName, key, err)
		}
	}()
	return nil
}

func (m *Manager) PersistOREntry(mapName, key string, e *crdt.TaggedEntry, sync bool) error {
	if m.driver == nil {
		return nil
	}
	if sync {
		return m.driver.PersistOREntry(mapName, key, e)
	}
	go func() {
		if err := m.driver.PersistOREntry(mapName, key, e); err != nil {
			glog.Errorf("storage: persist %s/%s failed: %v", mapName, key, err)
		}
	}()
	return nil
}

func (m *Manager) PersistORTombstone(mapName, key, tag string, ts hlc.Timestamp, sync bool) error {
	if m.driver == nil {
		return nil
	}
	if sync {
		return m.driver.PersistORTombstone(mapName, key, tag, ts)
	}
	go func() {
		if err := m.driver.PersistORTombstone(mapName, key, tag, ts); err != nil {
			glog.Errorf("storage: persist tombstone %s/%s failed: %v", mapName, key, err)
		}
	}()
	return nil
}

// AllMaps returns a snapshot of every map name currently registered, used by
// the GC sweep, which runs per-map.
func (m *Manager) AllMaps() map[string]*MapSlot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*MapSlot, len(m.maps))
	for k, v := range m.maps {
		out[k] = v
	}
	return out
}

func (m *Manager) NotifyChange(mapName string, slot *MapSlot, key string, newRec, oldRec *crdt.Record) {
	if m.onChange != nil {
		m.onChange(mapName, slot, key, newRec, oldRec)
	}
}

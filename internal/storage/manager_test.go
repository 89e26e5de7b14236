package storage

import (
	"testing"

	"github.com/crdtmesh/coordinator/internal/crdt"
	"github.com/crdtmesh/coordinator/internal/hlc"
)

func TestGetOrCreateLazyCreatesAndHydratesAsync(t *testing.T) {
	mgr := NewManager(nil)
	slot, err := mgr.GetOrCreate("tasks", TypeLWW)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	slot.AwaitReady() // must not block forever with a nil driver
	if slot.Type() != TypeLWW || slot.LWW() == nil {
		t.Fatalf("expected a ready LWW slot")
	}
}

func TestGetOrCreateTypeMismatchIsFatal(t *testing.T) {
	mgr := NewManager(nil)
	if _, err := mgr.GetOrCreate("tasks", TypeLWW); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := mgr.GetOrCreate("tasks", TypeOR)
	if err == nil {
		t.Fatalf("expected ErrTypeMismatch when referencing an existing map under a different type hint")
	}
	if _, ok := err.(*ErrTypeMismatch); !ok {
		t.Fatalf("expected *ErrTypeMismatch, got %T", err)
	}
}

func TestExistingDoesNotCreateAsASideEffect(t *testing.T) {
	mgr := NewManager(nil)
	if _, ok := mgr.Existing("never-referenced"); ok {
		t.Fatalf("Existing must not report a map that was never created")
	}
	mgr.GetOrCreate("tasks", TypeLWW)
	if _, ok := mgr.Existing("tasks"); !ok {
		t.Fatalf("Existing must find a map created via GetOrCreate")
	}
}

type fakeDriver struct {
	lww map[string]map[string]*crdt.Record
}

func newFakeDriver() *fakeDriver { return &fakeDriver{lww: make(map[string]map[string]*crdt.Record)} }

func (d *fakeDriver) LoadLWW(mapName string) (map[string]*crdt.Record, error) {
	return d.lww[mapName], nil
}
func (d *fakeDriver) LoadOR(string) (map[string][]*crdt.TaggedEntry, map[string]map[string]hlc.Timestamp, error) {
	return nil, nil, nil
}
func (d *fakeDriver) PersistLWW(mapName, key string, rec *crdt.Record) error {
	if d.lww[mapName] == nil {
		d.lww[mapName] = make(map[string]*crdt.Record)
	}
	d.lww[mapName][key] = rec
	return nil
}
func (d *fakeDriver) PersistOREntry(string, string, *crdt.TaggedEntry) error       { return nil }
func (d *fakeDriver) PersistORTombstone(string, string, string, hlc.Timestamp) error { return nil }
func (d *fakeDriver) Close() error                                                 { return nil }

func TestHydrateFromDriverBeforeReady(t *testing.T) {
	driver := newFakeDriver()
	driver.lww["tasks"] = map[string]*crdt.Record{
		"t1": {Value: []byte("preexisting"), Timestamp: hlc.Timestamp{Millis: 1, NodeID: "n1"}},
	}
	mgr := NewManager(driver)
	slot, err := mgr.GetOrCreate("tasks", TypeLWW)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	slot.AwaitReady()
	if r := slot.LWW().Get("t1"); r == nil || string(r.Value) != "preexisting" {
		t.Fatalf("expected hydrated record before AwaitReady returns, got %+v", r)
	}
}

func TestPersistSyncRoundTripsThroughDriver(t *testing.T) {
	driver := newFakeDriver()
	mgr := NewManager(driver)
	rec := &crdt.Record{Value: []byte("v"), Timestamp: hlc.Timestamp{Millis: 1, NodeID: "n1"}}
	if err := mgr.Persist("tasks", "t1", rec, true); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if driver.lww["tasks"]["t1"] != rec {
		t.Fatalf("expected synchronous persist to land before Persist returns")
	}
}

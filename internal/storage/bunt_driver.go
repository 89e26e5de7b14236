package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/crdtmesh/coordinator/internal/crdt"
	"github.com/crdtmesh/coordinator/internal/hlc"
)

// tombstoneKey is the special per-map key the persisted layout reserves for
// an OR map's tombstone tag set.
const tombstoneKey = "__tombstones__"

// BuntDriver is the default Driver, an embedded single-file indexed KV store
// backed by github.com/tidwall/buntdb. Keys are namespaced
// "<map>/<record-key>" so every map shares one buntdb handle.
type BuntDriver struct {
	db *buntdb.DB
}

// OpenBunt opens (creating if absent) a buntdb file at path. Pass ":memory:"
// for an ephemeral, test-only store.
func OpenBunt(path string) (*BuntDriver, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open buntdb at %s", path)
	}
	return &BuntDriver{db: db}, nil
}

func lwwKey(mapName, key string) string { return mapName + "/" + key }
func orEntryPrefix(mapName, key string) string { return mapName + "/" + key + "/" }

func (d *BuntDriver) Close() error { return d.db.Close() }

func (d *BuntDriver) PersistLWW(mapName, key string, rec *crdt.Record) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal lww record")
	}
	return d.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(lwwKey(mapName, key), string(buf), nil)
		return err
	})
}

func (d *BuntDriver) LoadLWW(mapName string) (map[string]*crdt.Record, error) {
	out := make(map[string]*crdt.Record)
	prefix := mapName + "/"
	err := d.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(k, v string) bool {
			rest := strings.TrimPrefix(k, prefix)
			if rest == tombstoneKey || strings.Contains(rest, "/") {
				return true // belongs to an OR map layout, skip
			}
			var rec crdt.Record
			if err := json.Unmarshal([]byte(v), &rec); err != nil {
				return true
			}
			out[rest] = &rec
			return true
		})
	})
	if err != nil {
		return nil, errors.Wrapf(err, "load lww map %s", mapName)
	}
	return out, nil
}

type orEntryDoc struct {
	Value     []byte        `json:"value"`
	Timestamp hlc.Timestamp `json:"timestamp"`
	Tag       string        `json:"tag"`
}

func (d *BuntDriver) PersistOREntry(mapName, key string, e *crdt.TaggedEntry) error {
	doc := orEntryDoc{Value: e.Value, Timestamp: e.Timestamp, Tag: e.Tag}
	buf, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "marshal or entry")
	}
	k := fmt.Sprintf("%s%s", orEntryPrefix(mapName, key), e.Tag)
	return d.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(k, string(buf), nil)
		return err
	})
}

func (d *BuntDriver) PersistORTombstone(mapName, key, tag string, ts hlc.Timestamp) error {
	k := mapName + "/" + tombstoneKey
	return d.db.Update(func(tx *buntdb.Tx) error {
		existing := map[string]map[string]hlc.Timestamp{}
		if v, err := tx.Get(k); err == nil {
			_ = json.Unmarshal([]byte(v), &existing)
		}
		if existing[key] == nil {
			existing[key] = make(map[string]hlc.Timestamp)
		}
		existing[key][tag] = ts
		buf, err := json.Marshal(existing)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(k, string(buf), nil)
		return err
	})
}

func (d *BuntDriver) LoadOR(mapName string) (map[string][]*crdt.TaggedEntry, map[string]map[string]hlc.Timestamp, error) {
	entries := make(map[string][]*crdt.TaggedEntry)
	prefix := mapName + "/"
	tombstones := make(map[string]map[string]hlc.Timestamp)

	err := d.db.View(func(tx *buntdb.Tx) error {
		if v, err := tx.Get(prefix + tombstoneKey); err == nil {
			_ = json.Unmarshal([]byte(v), &tombstones)
		}
		return tx.AscendKeys(prefix+"*", func(k, v string) bool {
			rest := strings.TrimPrefix(k, prefix)
			if rest == tombstoneKey {
				return true
			}
			parts := strings.SplitN(rest, "/", 2)
			if len(parts) != 2 {
				return true
			}
			key, _ := parts[0], parts[1]
			var doc orEntryDoc
			if err := json.Unmarshal([]byte(v), &doc); err != nil {
				return true
			}
			entries[key] = append(entries[key], &crdt.TaggedEntry{Value: doc.Value, Timestamp: doc.Timestamp, Tag: doc.Tag})
			return true
		})
	})
	if err != nil {
		return nil, nil, errors.Wrapf(err, "load or map %s", mapName)
	}
	return entries, tombstones, nil
}

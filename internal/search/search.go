// Package search adapts the SEARCH / SEARCH_SUB / SEARCH_UNSUB verbs onto
// an injected full-text engine. The engine itself is an external
// collaborator; with none injected, every search answers "search disabled"
// and the pipeline's index hook is a no-op.
package search

import "sync"

// Hit is one matched document returned by a search.
type Hit struct {
	Key   string  `json:"key"`
	Score float64 `json:"score"`
	Value []byte  `json:"value,omitempty"`
}

// Engine is the full-text engine seam. Index and Remove keep the engine's
// view of a map current as the pipeline applies writes; Search answers a
// one-shot query; Match re-evaluates a live subscription's query against a
// single changed document so subscriptions never trigger a full re-search.
type Engine interface {
	Index(mapName, key string, value []byte)
	Remove(mapName, key string)
	Search(mapName, queryText string, limit int) []Hit
	Match(queryText string, value []byte) bool
}

// Delta is one subscription notification produced by a map change.
type Delta struct {
	SessionID string
	SearchID  string
	MapName   string
	Key       string
	Value     []byte
	Removed   bool
}

type subscription struct {
	searchID  string
	sessionID string
	mapName   string
	queryText string
}

// Manager owns search subscriptions and the per-map index-enabled set; all
// engine calls go through it so a nil engine degrades to "disabled" instead
// of a nil dereference somewhere in the pipeline.
type Manager struct {
	mu      sync.RWMutex
	engine  Engine
	enabled map[string]struct{}       // map names with indexing on
	subs    map[string][]subscription // mapName -> live subscriptions
}

func NewManager(engine Engine) *Manager {
	return &Manager{engine: engine, enabled: make(map[string]struct{}), subs: make(map[string][]subscription)}
}

// Enabled reports whether indexing (and therefore searching) is on for
// mapName. A manager with no engine has nothing enabled.
func (m *Manager) Enabled(mapName string) bool {
	if m.engine == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.enabled[mapName]
	return ok
}

// Enable turns indexing on for mapName.
func (m *Manager) Enable(mapName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled[mapName] = struct{}{}
}

// Search runs a one-shot query. ok=false means search is not available for
// this map (no engine, or indexing off).
func (m *Manager) Search(mapName, queryText string, limit int) (hits []Hit, ok bool) {
	if !m.Enabled(mapName) {
		return nil, false
	}
	return m.engine.Search(mapName, queryText, limit), true
}

// Subscribe registers a live search; subsequent map changes that flip the
// query's verdict on a key surface through ProcessChange.
func (m *Manager) Subscribe(searchID, sessionID, mapName, queryText string) bool {
	if !m.Enabled(mapName) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[mapName] = append(m.subs[mapName], subscription{searchID: searchID, sessionID: sessionID, mapName: mapName, queryText: queryText})
	return true
}

// Unsubscribe drops one subscription by id.
func (m *Manager) Unsubscribe(mapName, searchID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subs[mapName]
	for i, s := range subs {
		if s.searchID == searchID {
			m.subs[mapName] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// UnsubscribeAll drops every subscription held by sessionID, used on
// disconnect.
func (m *Manager) UnsubscribeAll(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for mapName, subs := range m.subs {
		kept := subs[:0]
		for _, s := range subs {
			if s.sessionID != sessionID {
				kept = append(kept, s)
			}
		}
		m.subs[mapName] = kept
	}
}

// ProcessChange keeps the index current for one applied write and returns a
// delta per live subscription whose query matches the new value (or whose
// key was removed). value==nil is a tombstone.
func (m *Manager) ProcessChange(mapName, key string, value []byte) []Delta {
	if !m.Enabled(mapName) {
		return nil
	}
	if value == nil {
		m.engine.Remove(mapName, key)
	} else {
		m.engine.Index(mapName, key, value)
	}

	m.mu.RLock()
	subs := append([]subscription(nil), m.subs[mapName]...)
	m.mu.RUnlock()

	var out []Delta
	for _, s := range subs {
		if value == nil {
			out = append(out, Delta{SessionID: s.sessionID, SearchID: s.searchID, MapName: mapName, Key: key, Removed: true})
			continue
		}
		if m.engine.Match(s.queryText, value) {
			out = append(out, Delta{SessionID: s.sessionID, SearchID: s.searchID, MapName: mapName, Key: key, Value: value})
		}
	}
	return out
}

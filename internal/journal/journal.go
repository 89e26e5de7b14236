// Package journal implements the per-map event journal: a bounded,
// sequence-numbered ring buffer fed from the pipeline's after-interceptor
// hook, with live JOURNAL_EVENT push and a replay-from-sequence read path.
package journal

import "sync"

const defaultCapacity = 1000

// Entry is one journaled mutation.
type Entry struct {
	Seq       int64
	MapName   string
	Key       string
	EventType string
	Payload   map[string]interface{}
	Timestamp int64
}

// Deliver pushes a JOURNAL_EVENT to one subscribed session.
type Deliver func(sessionID string, entry Entry)

type mapJournal struct {
	entries  []Entry
	nextSeq  int64
	capacity int
	subs     map[string]struct{}
}

// Manager holds one ring buffer and subscriber set per map.
type Manager struct {
	mu       sync.Mutex
	maps     map[string]*mapJournal
	capacity int
}

func NewManager() *Manager {
	return &Manager{maps: make(map[string]*mapJournal), capacity: defaultCapacity}
}

func (m *Manager) journalFor(mapName string) *mapJournal {
	mj, ok := m.maps[mapName]
	if !ok {
		mj = &mapJournal{capacity: m.capacity, subs: make(map[string]struct{})}
		m.maps[mapName] = mj
	}
	return mj
}

// Append records one event and fans it out to every current subscriber of
// mapName via deliver. Called from a pipeline after-interceptor, so it must
// never block on a slow writer — deliver is expected to be non-blocking
// (session writers already coalesce/queue internally).
func (m *Manager) Append(mapName, key, eventType string, payload map[string]interface{}, timestampMs int64, deliver Deliver) Entry {
	m.mu.Lock()
	mj := m.journalFor(mapName)
	mj.nextSeq++
	entry := Entry{Seq: mj.nextSeq, MapName: mapName, Key: key, EventType: eventType, Payload: payload, Timestamp: timestampMs}
	mj.entries = append(mj.entries, entry)
	if len(mj.entries) > mj.capacity {
		mj.entries = mj.entries[len(mj.entries)-mj.capacity:]
	}
	subs := make([]string, 0, len(mj.subs))
	for id := range mj.subs {
		subs = append(subs, id)
	}
	m.mu.Unlock()

	if deliver != nil {
		for _, sessionID := range subs {
			deliver(sessionID, entry)
		}
	}
	return entry
}

// Read returns entries with Seq > sinceSeq, oldest first, capped at limit (0
// means unbounded). A sinceSeq older than the buffer's retained window
// returns whatever is still retained — callers detect a gap by comparing the
// first returned Seq against sinceSeq+1.
func (m *Manager) Read(mapName string, sinceSeq int64, limit int) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, ok := m.maps[mapName]
	if !ok {
		return nil
	}
	var out []Entry
	for _, e := range mj.entries {
		if e.Seq > sinceSeq {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

func (m *Manager) Subscribe(mapName, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.journalFor(mapName).subs[sessionID] = struct{}{}
}

func (m *Manager) Unsubscribe(mapName, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mj, ok := m.maps[mapName]; ok {
		delete(mj.subs, sessionID)
	}
}

// UnsubscribeAll drops every subscription held by sessionID, used on
// disconnect.
func (m *Manager) UnsubscribeAll(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mj := range m.maps {
		delete(mj.subs, sessionID)
	}
}

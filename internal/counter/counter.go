// Package counter implements the distributed counter adapter: a named
// integer with increment/decrement verbs and live sync to subscribers.
package counter

import "sync"

// Manager tracks named counters and their subscribers on this node.
type Manager struct {
	mu     sync.Mutex
	values map[string]int64
	subs   map[string]map[string]struct{} // counter name -> sessionIds
}

func NewManager() *Manager {
	return &Manager{values: make(map[string]int64), subs: make(map[string]map[string]struct{})}
}

// Apply adds delta to name's counter and returns the new value.
func (m *Manager) Apply(name string, delta int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[name] += delta
	return m.values[name]
}

func (m *Manager) Get(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[name]
}

func (m *Manager) Subscribe(name, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.subs[name]
	if !ok {
		set = make(map[string]struct{})
		m.subs[name] = set
	}
	set[sessionID] = struct{}{}
}

func (m *Manager) Unsubscribe(name, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.subs[name]; ok {
		delete(set, sessionID)
	}
}

// UnsubscribeAll drops every subscription held by sessionID, used on
// disconnect.
func (m *Manager) UnsubscribeAll(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, set := range m.subs {
		delete(set, sessionID)
	}
}

func (m *Manager) Subscribers(name string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.subs[name]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Package connmgr implements the Connection Manager: the sole
// owner of the session table.
package connmgr

import (
	"sync"
	"time"

	"github.com/crdtmesh/coordinator/internal/transport"
)

// Manager owns a map from session id to *transport.Session.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*transport.Session

	onRegister func(*transport.Session)
	onRemove   func(*transport.Session)

	heartbeatTimeout time.Duration
}

func New(heartbeatTimeout time.Duration) *Manager {
	return &Manager{
		sessions:         make(map[string]*transport.Session),
		heartbeatTimeout: heartbeatTimeout,
	}
}

func (m *Manager) OnRegister(fn func(*transport.Session)) { m.onRegister = fn }
func (m *Manager) OnRemove(fn func(*transport.Session))   { m.onRemove = fn }

// Register stores session and fires the registration callback.
func (m *Manager) Register(s *transport.Session) {
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	if m.onRegister != nil {
		m.onRegister(s)
	}
}

// Remove drops id, fires the removal callback, and returns the removed
// session for cleanup (nil if unknown).
func (m *Manager) Remove(id string) *transport.Session {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if ok && m.onRemove != nil {
		m.onRemove(s)
	}
	return s
}

func (m *Manager) Get(id string) (*transport.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// All returns a snapshot slice of every currently registered session.
func (m *Manager) All() []*transport.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*transport.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Broadcast writes message raw to every session, optionally excluding one.
func (m *Manager) Broadcast(data []byte, excludeID string, urgent bool) {
	for _, s := range m.All() {
		if s.ID == excludeID {
			continue
		}
		s.Writer.WriteRaw(data, urgent)
	}
}

// IsAlive reports now-lastPing < timeout.
func (m *Manager) IsAlive(id string) bool {
	s, ok := m.Get(id)
	if !ok {
		return false
	}
	return time.Since(s.LastPing()) < m.heartbeatTimeout
}

func (m *Manager) UpdateLastPing(id string) {
	if s, ok := m.Get(id); ok {
		s.UpdateLastPing()
	}
}

// IdleTime returns how long id has been silent.
func (m *Manager) IdleTime(id string) time.Duration {
	s, ok := m.Get(id)
	if !ok {
		return 0
	}
	return time.Since(s.LastPing())
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

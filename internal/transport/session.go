package transport

import (
	"sync"
	"time"

	"github.com/crdtmesh/coordinator/internal/auth"
	"github.com/crdtmesh/coordinator/internal/hlc"
)

// Session is one open transport connection: opaque id, transport
// handle, outbound coalescing writer, auth state, active subscriptions,
// last-observed HLC, last heartbeat. Exclusively owned by the Connection
// Manager; every other component only reads through the narrow accessors
// below.
type Session struct {
	ID     string
	Conn   Conn
	Writer *CoalescingWriter

	mu            sync.RWMutex
	authenticated bool
	principal     *auth.Principal
	subscriptions map[string]struct{}
	lastHLC       hlc.Timestamp
	lastPing      time.Time
}

func NewSession(id string, conn Conn, preset Preset) *Session {
	return &Session{
		ID:            id,
		Conn:          conn,
		Writer:        New(conn, preset),
		subscriptions: make(map[string]struct{}),
		lastPing:      time.Now(),
	}
}

func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

func (s *Session) SetAuthenticated(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = v
}

func (s *Session) Principal() *auth.Principal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.principal
}

func (s *Session) SetPrincipal(p *auth.Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.principal = p
}

func (s *Session) AddSubscription(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[id] = struct{}{}
}

func (s *Session) RemoveSubscription(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, id)
}

func (s *Session) Subscriptions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.subscriptions))
	for id := range s.subscriptions {
		out = append(out, id)
	}
	return out
}

func (s *Session) LastHLC() hlc.Timestamp {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHLC
}

func (s *Session) SetLastHLC(t hlc.Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Compare(s.lastHLC) > 0 {
		s.lastHLC = t
	}
}

func (s *Session) LastPing() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastPing
}

func (s *Session) UpdateLastPing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPing = time.Now()
}

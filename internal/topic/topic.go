// Package topic implements pure pub/sub fan-out: peer-originated publishes
// are delivered to local subscribers only and never re-forwarded, which is
// what prevents publish loops across the cluster.
package topic

import "sync"

// Publisher delivers a TOPIC_PUB payload to one session.
type Publisher func(sessionID string, topicName string, payload map[string]interface{}, originalSenderID string)

// Manager tracks topic subscriptions for the local node.
type Manager struct {
	mu   sync.RWMutex
	subs map[string]map[string]struct{} // topic -> sessionIds
}

func NewManager() *Manager {
	return &Manager{subs: make(map[string]map[string]struct{})}
}

func (m *Manager) Subscribe(topicName, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.subs[topicName]
	if !ok {
		set = make(map[string]struct{})
		m.subs[topicName] = set
	}
	set[sessionID] = struct{}{}
}

func (m *Manager) Unsubscribe(topicName, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.subs[topicName]; ok {
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

// Subscribers returns the session ids subscribed to topicName.
func (m *Manager) Subscribers(topicName string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.subs[topicName]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Publish delivers payload to every local subscriber of topicName via
// deliver, excluding excludeSessionID (the originating session, if local).
func (m *Manager) Publish(topicName string, payload map[string]interface{}, excludeSessionID string, deliver Publisher) {
	for _, sessionID := range m.Subscribers(topicName) {
		if sessionID == excludeSessionID {
			continue
		}
		deliver(sessionID, topicName, payload, "")
	}
}

// HandleClusterPub delivers a CLUSTER_TOPIC_PUB from a peer to local
// subscribers only — it is never re-forwarded to other peers.
func (m *Manager) HandleClusterPub(topicName string, payload map[string]interface{}, originalSenderID string, deliver Publisher) {
	for _, sessionID := range m.Subscribers(topicName) {
		deliver(sessionID, topicName, payload, originalSenderID)
	}
}

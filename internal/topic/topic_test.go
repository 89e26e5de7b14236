package topic

import (
	"testing"
)

func TestPublishDeliversToSubscribersExcludingOrigin(t *testing.T) {
	m := NewManager()
	m.Subscribe("news", "s1")
	m.Subscribe("news", "s2")

	var delivered []string
	m.Publish("news", map[string]interface{}{"x": 1}, "s1", func(sessionID, topicName string, payload map[string]interface{}, originalSenderID string) {
		delivered = append(delivered, sessionID)
	})

	if len(delivered) != 1 || delivered[0] != "s2" {
		t.Fatalf("expected only s2 delivered, got %v", delivered)
	}
}

func TestHandleClusterPubNeverReforwards(t *testing.T) {
	m := NewManager()
	m.Subscribe("news", "s1")

	var deliveries int
	forward := func(string, map[string]interface{}, string, Publisher) {
		t.Fatalf("peer-originated publish must never be re-forwarded to other peers")
	}
	_ = forward

	m.HandleClusterPub("news", map[string]interface{}{"x": 1}, "peer-node:origin-session", func(sessionID, topicName string, payload map[string]interface{}, originalSenderID string) {
		deliveries++
		if originalSenderID != "peer-node:origin-session" {
			t.Fatalf("expected originalSenderID threaded through, got %q", originalSenderID)
		}
	})
	if deliveries != 1 {
		t.Fatalf("expected exactly 1 local delivery, got %d", deliveries)
	}
}

func TestUnsubscribeAllRemovesEverySubscription(t *testing.T) {
	m := NewManager()
	m.Subscribe("news", "s1")
	m.Subscribe("sports", "s1")
	m.UnsubscribeAll("s1")

	if len(m.Subscribers("news")) != 0 || len(m.Subscribers("sports")) != 0 {
		t.Fatalf("expected all subscriptions for s1 removed")
	}
}

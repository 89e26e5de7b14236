package journal

import "testing"

func TestAppendAssignsMonotonicSeqPerMap(t *testing.T) {
	m := NewManager()
	e1 := m.Append("tasks", "t1", "PUT", nil, 1, nil)
	e2 := m.Append("tasks", "t2", "PUT", nil, 2, nil)
	if e1.Seq != 1 || e2.Seq != 2 {
		t.Fatalf("expected sequential seqs 1,2 got %d,%d", e1.Seq, e2.Seq)
	}
}

func TestAppendDeliversToCurrentSubscribers(t *testing.T) {
	m := NewManager()
	m.Subscribe("tasks", "s1")

	var delivered []Entry
	m.Append("tasks", "t1", "PUT", map[string]interface{}{"v": 1}, 100, func(sessionID string, e Entry) {
		delivered = append(delivered, e)
	})
	if len(delivered) != 1 || delivered[0].Key != "t1" {
		t.Fatalf("expected delivery to subscribed session, got %v", delivered)
	}
}

func TestReadReturnsEntriesAfterSinceSeq(t *testing.T) {
	m := NewManager()
	m.Append("tasks", "t1", "PUT", nil, 1, nil)
	m.Append("tasks", "t2", "PUT", nil, 2, nil)
	m.Append("tasks", "t3", "PUT", nil, 3, nil)

	entries := m.Read("tasks", 1, 0)
	if len(entries) != 2 || entries[0].Key != "t2" || entries[1].Key != "t3" {
		t.Fatalf("expected t2,t3 after seq 1, got %+v", entries)
	}
}

func TestReadRespectsLimit(t *testing.T) {
	m := NewManager()
	for i := 0; i < 5; i++ {
		m.Append("tasks", "k", "PUT", nil, int64(i), nil)
	}
	entries := m.Read("tasks", 0, 2)
	if len(entries) != 2 {
		t.Fatalf("expected limit respected, got %d entries", len(entries))
	}
}

func TestReadUnknownMapReturnsNil(t *testing.T) {
	m := NewManager()
	if entries := m.Read("never-seen", 0, 0); entries != nil {
		t.Fatalf("expected nil for unknown map, got %v", entries)
	}
}

func TestRingBufferCapsAtCapacity(t *testing.T) {
	m := NewManager()
	m.capacity = 3
	for i := 0; i < 5; i++ {
		m.Append("tasks", "k", "PUT", nil, int64(i), nil)
	}
	entries := m.Read("tasks", 0, 0)
	if len(entries) != 3 {
		t.Fatalf("expected ring buffer capped at capacity 3, got %d", len(entries))
	}
	if entries[0].Seq != 3 {
		t.Fatalf("expected oldest retained entry to be seq 3 (seqs 3-5 kept at capacity 3), got %d", entries[0].Seq)
	}
}

func TestUnsubscribeAllStopsDelivery(t *testing.T) {
	m := NewManager()
	m.Subscribe("tasks", "s1")
	m.UnsubscribeAll("s1")

	delivered := false
	m.Append("tasks", "t1", "PUT", nil, 1, func(string, Entry) { delivered = true })
	if delivered {
		t.Fatalf("expected no delivery after UnsubscribeAll")
	}
}

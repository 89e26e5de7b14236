package query

import (
	"testing"
	"time"
)

func TestExecuteMergesLocalResultsWhenNoPeers(t *testing.T) {
	s := NewScatterer(nil)
	local := []Result{{Key: "k1"}}
	got := s.Execute("req1", &Query{MapName: "tasks"}, nil, local)
	if len(got) != 1 || got[0].Key != "k1" {
		t.Fatalf("expected local-only results, got %+v", got)
	}
}

func TestExecuteFinalizesOnceAllPeersGather(t *testing.T) {
	var scattered []string
	s := NewScatterer(func(peerNodeID, requestID string, q *Query) error {
		scattered = append(scattered, peerNodeID)
		return nil
	})

	done := make(chan []Result, 1)
	go func() {
		done <- s.Execute("req1", &Query{MapName: "tasks"}, []string{"peer1", "peer2"}, []Result{{Key: "local"}})
	}()

	// Give Execute a moment to register the pending query before gathering.
	time.Sleep(20 * time.Millisecond)
	s.Gather("req1", "peer1", []Result{{Key: "p1"}})
	s.Gather("req1", "peer2", []Result{{Key: "p2"}})

	select {
	case got := <-done:
		if len(got) != 3 {
			t.Fatalf("expected local + 2 peer results merged, got %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected Execute to finalize once every expected peer responded")
	}

	if len(scattered) != 2 {
		t.Fatalf("expected both peers scattered to, got %v", scattered)
	}
}

func TestGatherForUnknownRequestIDIsNoop(t *testing.T) {
	s := NewScatterer(nil)
	s.Gather("never-started", "peer1", []Result{{Key: "x"}})
}

package hlc

import (
	"testing"
	"time"
)

func TestTimestampCompare(t *testing.T) {
	cases := []struct {
		a, b hlcPair
		want int
	}{
		{hlcPair{1, 0, "a"}, hlcPair{2, 0, "a"}, -1},
		{hlcPair{2, 0, "a"}, hlcPair{1, 0, "a"}, 1},
		{hlcPair{1, 1, "a"}, hlcPair{1, 2, "a"}, -1},
		{hlcPair{1, 1, "a"}, hlcPair{1, 1, "b"}, -1},
		{hlcPair{1, 1, "a"}, hlcPair{1, 1, "a"}, 0},
	}
	for _, c := range cases {
		got := c.a.ts().Compare(c.b.ts())
		if got != c.want {
			t.Errorf("%+v.Compare(%+v) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

type hlcPair struct {
	millis  int64
	counter int32
	node    string
}

func (p hlcPair) ts() Timestamp { return Timestamp{Millis: p.millis, Counter: p.counter, NodeID: p.node} }

func TestClockTickMonotonic(t *testing.T) {
	fixed := time.UnixMilli(1000)
	c := New("n1")
	c.nowFunc = func() time.Time { return fixed }

	first := c.Tick()
	second := c.Tick()
	third := c.Tick()

	if !first.Less(second) || !second.Less(third) {
		t.Fatalf("ticks at the same wall time must still strictly increase: %v %v %v", first, second, third)
	}
	if first.Millis != 1000 || second.Counter != 1 || third.Counter != 2 {
		t.Fatalf("unexpected tick values: %+v %+v %+v", first, second, third)
	}
}

func TestClockTickAdvancesWithWallClock(t *testing.T) {
	wall := time.UnixMilli(1000)
	c := New("n1")
	c.nowFunc = func() time.Time { return wall }

	c.Tick()
	c.Tick()
	wall = time.UnixMilli(2000)
	ts := c.Tick()
	if ts.Millis != 2000 || ts.Counter != 0 {
		t.Fatalf("clock should reset counter once wall time advances past last: %+v", ts)
	}
}

func TestClockUpdateNeverGoesBackwards(t *testing.T) {
	wall := time.UnixMilli(1000)
	c := New("n1")
	c.nowFunc = func() time.Time { return wall }
	c.Tick()

	observed := Timestamp{Millis: 5000, Counter: 3, NodeID: "peer"}
	after := c.Update(observed)
	if !after.After(observed) && after.Compare(observed) != 0 {
		if after.Millis < observed.Millis {
			t.Fatalf("Update must never regress behind an observed timestamp: got %+v from %+v", after, observed)
		}
	}
	if after.Millis != observed.Millis || after.Counter <= observed.Counter {
		t.Fatalf("Update should adopt the observed millis and tick its counter past it: %+v", after)
	}

	// Now observe something older than local: local must still move forward.
	before := c.Now()
	older := Timestamp{Millis: 1, Counter: 0, NodeID: "peer"}
	next := c.Update(older)
	if !next.After(before) {
		t.Fatalf("Update with a stale observed timestamp must still advance past local: before=%+v next=%+v", before, next)
	}
}

func TestTimestampSubPreservesNode(t *testing.T) {
	ts := Timestamp{Millis: 10_000, Counter: 5, NodeID: "n1"}
	safe := ts.Sub(3 * time.Second)
	if safe.Millis != 7000 || safe.NodeID != "n1" || safe.Counter != 0 {
		t.Fatalf("unexpected Sub result: %+v", safe)
	}
}

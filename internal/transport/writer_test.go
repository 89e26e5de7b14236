package transport

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	mu       sync.Mutex
	writes   [][]byte
	closed   bool
	closeErr error
	writable bool
}

func newFakeConn() *fakeConn { return &fakeConn{writable: true} }

func (c *fakeConn) WriteRaw(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.writable {
		return bytes.ErrTooLarge
	}
	cp := append([]byte(nil), data...)
	c.writes = append(c.writes, cp)
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.closeErr
}

func (c *fakeConn) snapshot() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

func TestCoalescingWriterSingleMessageSentRaw(t *testing.T) {
	conn := newFakeConn()
	w := New(conn, Preset{MaxBatchSize: 100, MaxDelayMs: 500, MaxBatchBytes: 1 << 20})
	w.WriteRaw([]byte("hello"), false)
	w.Flush()

	writes := conn.snapshot()
	if len(writes) != 1 || string(writes[0]) != "hello" {
		t.Fatalf("expected single raw message sent, got %v", writes)
	}
}

func TestCoalescingWriterBatchesMultipleMessages(t *testing.T) {
	conn := newFakeConn()
	w := New(conn, Preset{MaxBatchSize: 100, MaxDelayMs: 500, MaxBatchBytes: 1 << 20})
	msgs := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")}
	for _, m := range msgs {
		w.WriteRaw(m, false)
	}
	w.Flush()

	writes := conn.snapshot()
	if len(writes) != 1 {
		t.Fatalf("expected exactly one envelope write, got %d", len(writes))
	}
	decoded, ok := DecodeBatch(writes[0])
	if !ok {
		t.Fatalf("failed to decode batch envelope")
	}
	if len(decoded) != len(msgs) {
		t.Fatalf("decoded %d messages, want %d", len(decoded), len(msgs))
	}
	for i := range msgs {
		if !bytes.Equal(decoded[i], msgs[i]) {
			t.Fatalf("message %d: got %q want %q", i, decoded[i], msgs[i])
		}
	}
}

func TestBatchEnvelopeRoundTripArbitrarySequences(t *testing.T) {
	sequences := [][][]byte{
		{[]byte("x")},
		{[]byte("a"), []byte(""), []byte("c")},
		{[]byte("one"), []byte("two"), []byte("three"), []byte("four")},
	}
	for _, seq := range sequences {
		conn := newFakeConn()
		w := New(conn, Preset{MaxBatchSize: 1000, MaxDelayMs: 500, MaxBatchBytes: 1 << 20})
		for _, m := range seq {
			w.WriteRaw(m, false)
		}
		w.Flush()

		writes := conn.snapshot()
		var decoded [][]byte
		if len(seq) == 1 {
			decoded = writes
		} else {
			var ok bool
			decoded, ok = DecodeBatch(writes[0])
			if !ok {
				t.Fatalf("decode failed for sequence %v", seq)
			}
		}
		if len(decoded) != len(seq) {
			t.Fatalf("round trip length mismatch: got %d want %d", len(decoded), len(seq))
		}
		for i := range seq {
			if !bytes.Equal(decoded[i], seq[i]) {
				t.Fatalf("round trip mismatch at %d: got %q want %q", i, decoded[i], seq[i])
			}
		}
	}
}

func TestCoalescingWriterForcesFlushOnMaxBatchSize(t *testing.T) {
	conn := newFakeConn()
	w := New(conn, Preset{MaxBatchSize: 2, MaxDelayMs: 60_000, MaxBatchBytes: 1 << 20})
	w.WriteRaw([]byte("a"), false)
	if len(conn.snapshot()) != 0 {
		t.Fatalf("should not flush before maxBatchSize reached")
	}
	w.WriteRaw([]byte("b"), false)
	if len(conn.snapshot()) != 1 {
		t.Fatalf("expected immediate flush once maxBatchSize reached")
	}
}

func TestCoalescingWriterForcesFlushOnMaxBatchBytes(t *testing.T) {
	conn := newFakeConn()
	w := New(conn, Preset{MaxBatchSize: 1000, MaxDelayMs: 60_000, MaxBatchBytes: 3})
	w.WriteRaw([]byte("ab"), false)
	w.WriteRaw([]byte("cd"), false)
	if len(conn.snapshot()) != 1 {
		t.Fatalf("expected immediate flush once maxBatchBytes exceeded")
	}
}

func TestCoalescingWriterTimedFlush(t *testing.T) {
	conn := newFakeConn()
	w := New(conn, Preset{MaxBatchSize: 1000, MaxDelayMs: 20, MaxBatchBytes: 1 << 20})
	w.WriteRaw([]byte("a"), false)
	if len(conn.snapshot()) != 0 {
		t.Fatalf("should not flush before the timer fires")
	}
	time.Sleep(100 * time.Millisecond)
	if len(conn.snapshot()) != 1 {
		t.Fatalf("expected a timed flush after maxDelayMs")
	}
}

func TestCoalescingWriterUrgentBypassesQueue(t *testing.T) {
	conn := newFakeConn()
	w := New(conn, Preset{MaxBatchSize: 1000, MaxDelayMs: 60_000, MaxBatchBytes: 1 << 20})
	w.WriteRaw([]byte("queued"), false)
	w.WriteRaw([]byte("urgent"), true)

	writes := conn.snapshot()
	if len(writes) != 1 || string(writes[0]) != "urgent" {
		t.Fatalf("urgent write must be sent immediately ahead of the queued flush, got %v", writes)
	}
	if w.PendingDepth() != 1 {
		t.Fatalf("queued message must remain pending until its own flush trigger")
	}
}

func TestCoalescingWriterDropsSilentlyWhenNotWritable(t *testing.T) {
	conn := newFakeConn()
	conn.writable = false
	w := New(conn, Preset{MaxBatchSize: 10, MaxDelayMs: 60_000, MaxBatchBytes: 1 << 20})
	w.WriteRaw([]byte("urgent"), true)
	w.Flush()
	w.Close()
	// No panics, no propagated errors — delivery is best-effort.
}

func TestCoalescingWriterCloseFlushesPending(t *testing.T) {
	conn := newFakeConn()
	w := New(conn, Preset{MaxBatchSize: 1000, MaxDelayMs: 60_000, MaxBatchBytes: 1 << 20})
	w.WriteRaw([]byte("a"), false)
	w.Close()
	if len(conn.snapshot()) != 1 {
		t.Fatalf("Close must flush pending messages before releasing")
	}
	w.WriteRaw([]byte("b"), false)
	if len(conn.snapshot()) != 1 {
		t.Fatalf("writes after Close must be no-ops")
	}
}

func TestCoalescingWriterBatchUtilization(t *testing.T) {
	conn := newFakeConn()
	w := New(conn, Preset{MaxBatchSize: 10, MaxDelayMs: 60_000, MaxBatchBytes: 1 << 20})
	for i := 0; i < 5; i++ {
		w.WriteRaw([]byte("m"), false)
	}
	w.Flush()
	util := w.BatchUtilization()
	if util <= 0 || util > 1 {
		t.Fatalf("expected utilization in (0,1], got %f", util)
	}
}

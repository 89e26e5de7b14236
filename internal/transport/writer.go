// Package transport implements the per-socket Coalescing Writer
// and the Session value it's attached to. The underlying duplex
// socket is abstracted behind Conn so the writer never depends on a
// particular transport library; internal/wire's WSConn adapter wraps
// github.com/gorilla/websocket for the concrete client-facing protocol.
package transport

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/bytebufferpool"
)

// Conn is the minimal duplex-socket seam a CoalescingWriter needs.
type Conn interface {
	// WriteRaw writes one already-framed message. Returning an error means
	// the socket is no longer writable.
	WriteRaw(data []byte) error
	Close(code int, reason string) error
}

// BatchEnvelopeType names a coalesced multi-message frame. A multi-message
// flush writes only the envelope's data bytes (<4-byte count><for each:
// 4-byte length, bytes>, little-endian); no type or count field is written
// around them, and this constant itself never goes on the wire.
const BatchEnvelopeType = "BATCH"

// Preset bundles the three coalescing triggers.
type Preset struct {
	MaxBatchSize  int
	MaxDelayMs    int
	MaxBatchBytes int
}

var (
	PresetConservative  = Preset{MaxBatchSize: 100, MaxDelayMs: 2, MaxBatchBytes: 64 * 1024}
	PresetBalanced      = Preset{MaxBatchSize: 300, MaxDelayMs: 2, MaxBatchBytes: 128 * 1024}
	PresetHighThroughput = Preset{MaxBatchSize: 500, MaxDelayMs: 2, MaxBatchBytes: 256 * 1024}
	PresetAggressive    = Preset{MaxBatchSize: 1000, MaxDelayMs: 5, MaxBatchBytes: 512 * 1024}
)

var (
	metricMessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_writer_messages_sent_total",
		Help: "Messages sent through coalescing writers.",
	}, nil)
	metricBatchesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_writer_batches_sent_total",
		Help: "Batch envelopes sent through coalescing writers.",
	}, nil)
	metricBytesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_writer_bytes_sent_total",
		Help: "Bytes sent through coalescing writers.",
	}, nil)
	metricImmediateFlush = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_writer_immediate_flushes_total",
		Help: "Flushes triggered by a size/byte threshold.",
	}, nil)
	metricTimedFlush = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_writer_timed_flushes_total",
		Help: "Flushes triggered by maxDelayMs elapsing.",
	}, nil)
)

func init() {
	prometheus.MustRegister(metricMessagesSent, metricBatchesSent, metricBytesSent, metricImmediateFlush, metricTimedFlush)
}

type queuedMsg struct {
	data   []byte
	urgent bool
}

// CoalescingWriter buffers a session's outbound messages and flushes them as
// one transport write when any trigger fires.
type CoalescingWriter struct {
	conn   Conn
	preset Preset

	mu        sync.Mutex
	queue     [][]byte
	queueSize int // bytes
	firstEnq  time.Time
	timer     *time.Timer
	closed    bool

	// metrics
	batchCount   int64
	messageCount int64
}

// New creates a CoalescingWriter over conn using preset's triggers.
func New(conn Conn, preset Preset) *CoalescingWriter {
	return &CoalescingWriter{conn: conn, preset: preset}
}

// Write serializes message (caller-provided encoder) and enqueues it,
// unless urgent, in which case it bypasses the queue and is sent
// immediately ahead of any pending flush.
func (w *CoalescingWriter) Write(data []byte, urgent bool) {
	if urgent {
		w.sendRaw(data)
		return
	}
	w.WriteRaw(data, false)
}

// WriteRaw enqueues preserialized bytes (or sends immediately if urgent).
func (w *CoalescingWriter) WriteRaw(data []byte, urgent bool) {
	if urgent {
		w.sendRaw(data)
		return
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	if len(w.queue) == 0 {
		w.firstEnq = time.Now()
		w.timer = time.AfterFunc(time.Duration(w.preset.MaxDelayMs)*time.Millisecond, w.onTimer)
	}
	w.queue = append(w.queue, data)
	w.queueSize += len(data)
	forceFlush := len(w.queue) >= w.preset.MaxBatchSize || w.queueSize >= w.preset.MaxBatchBytes
	w.mu.Unlock()

	if forceFlush {
		metricImmediateFlush.WithLabelValues().Inc()
		w.Flush()
	}
}

func (w *CoalescingWriter) onTimer() {
	metricTimedFlush.WithLabelValues().Inc()
	w.Flush()
}

// Flush drains the queue synchronously, sending either the single raw
// message or a BATCH envelope.
func (w *CoalescingWriter) Flush() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if len(w.queue) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.queue
	w.queue = nil
	w.queueSize = 0
	w.mu.Unlock()

	w.batchCount++
	w.messageCount += int64(len(batch))

	if len(batch) == 1 {
		w.sendRaw(batch[0])
		return
	}
	w.sendRaw(encodeBatch(batch))
}

// encodeBatch builds a multi-message envelope's bytes: 4-byte little-endian
// count, then for each message a 4-byte little-endian length followed by its
// bytes. No type or count wrapper is added around them.
func encodeBatch(messages [][]byte) []byte {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(messages)))
	buf.Write(hdr[:])
	for _, m := range messages {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(m)))
		buf.Write(lenBuf[:])
		buf.Write(m)
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out
}

// DecodeBatch is the inverse of encodeBatch, used by tests that exercise the
// encode/decode round trip and by any peer that must decode a batch it
// receives.
func DecodeBatch(data []byte) ([][]byte, bool) {
	if len(data) < 4 {
		return nil, false
	}
	count := binary.LittleEndian.Uint32(data[:4])
	offset := 4
	out := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		if offset+4 > len(data) {
			return nil, false
		}
		n := int(binary.LittleEndian.Uint32(data[offset : offset+4]))
		offset += 4
		if offset+n > len(data) {
			return nil, false
		}
		out = append(out, data[offset:offset+n])
		offset += n
	}
	return out, true
}

// sendRaw writes directly to the socket. If the socket is not writable, the
// message is discarded silently — delivery accounting lives in the
// Write-Concern Tracker, not here.
func (w *CoalescingWriter) sendRaw(data []byte) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return
	}
	metricMessagesSent.WithLabelValues().Inc()
	metricBytesSent.WithLabelValues().Add(float64(len(data)))
	if err := w.conn.WriteRaw(data); err != nil {
		// silently dropped; the close path cleans up
		return
	}
}

// Close flushes any pending messages then marks the writer closed; further
// writes are no-ops.
func (w *CoalescingWriter) Close() {
	w.Flush()
	w.mu.Lock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}

// PendingDepth reports the current queue length, for the pending-depth
// metric.
func (w *CoalescingWriter) PendingDepth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// BatchUtilization is avg-per-batch / maxBatchSize.
func (w *CoalescingWriter) BatchUtilization() float64 {
	if w.batchCount == 0 {
		return 0
	}
	avg := float64(w.messageCount) / float64(w.batchCount)
	return avg / float64(w.preset.MaxBatchSize)
}

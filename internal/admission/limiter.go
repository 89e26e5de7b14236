// Package admission implements the Rate Limiter & Admission component and
// the backpressure Regulator. A sliding 1-second window is hand-rolled
// rather than pulled from golang.org/x/time because the admission decision
// here is a joint function of two independently-tracked counters
// (completed-in-window AND pending) with explicit
// onAttempt/onEstablished/onFailed/onRejected transitions — no ecosystem
// token-bucket limiter models that shape directly, so this one concern is
// deliberately stdlib (sync.Mutex + a ring of timestamps).
package admission

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var metricRejections = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "coordinator_admission_rejections_total",
	Help: "Connection attempts rejected by the rate limiter.",
})

func init() { prometheus.MustRegister(metricRejections) }

// Limiter accepts iff completed-in-window < maxPerSecond AND pending < maxPending.
type Limiter struct {
	maxPerSecond int
	maxPending   int

	mu        sync.Mutex
	completed []time.Time // sliding 1s window of connection completions
	pending   int
	nowFunc   func() time.Time
}

func New(maxPerSecond, maxPending int) *Limiter {
	return &Limiter{maxPerSecond: maxPerSecond, maxPending: maxPending, nowFunc: time.Now}
}

func (l *Limiter) prune() {
	cutoff := l.nowFunc().Add(-time.Second)
	i := 0
	for ; i < len(l.completed); i++ {
		if l.completed[i].After(cutoff) {
			break
		}
	}
	l.completed = l.completed[i:]
}

// Allow reports whether a new connection attempt should be admitted.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune()
	return len(l.completed) < l.maxPerSecond && l.pending < l.maxPending
}

// OnAttempt registers a new pending (unauthenticated) attempt.
func (l *Limiter) OnAttempt() {
	l.mu.Lock()
	l.pending++
	l.mu.Unlock()
}

// OnEstablished transitions a pending attempt to completed.
func (l *Limiter) OnEstablished() {
	l.mu.Lock()
	l.pending--
	l.completed = append(l.completed, l.nowFunc())
	l.mu.Unlock()
}

// OnFailed drops a pending attempt without counting it as completed.
func (l *Limiter) OnFailed() {
	l.mu.Lock()
	l.pending--
	l.mu.Unlock()
}

// OnRejected increments the rejection counter for a connection that never
// reached pending.
func (l *Limiter) OnRejected() {
	metricRejections.Inc()
}

func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}

package query

import (
	"sync"
	"time"
)

// clusterQueryTimeout is the fixed scatter/gather deadline.
const clusterQueryTimeout = 5 * time.Second

// PeerScatter sends a CLUSTER_QUERY_EXEC to one peer; the returned results
// are fed back into the pending query via Scatterer.Gather.
type PeerScatter func(peerNodeID, requestID string, q *Query) error

// pendingQuery tracks one in-flight scatter/gather round.
type pendingQuery struct {
	requestID string
	query     *Query
	expected  map[string]bool // peer node id -> responded
	mu        sync.Mutex
	results   []Result
	timer     *time.Timer
	done      bool
	onFinal   func([]Result)
}

// Scatterer coordinates cluster-wide query execution: scatter to a pruned
// peer set, gather responses (or time out after 5s), merge with the local
// result set.
type Scatterer struct {
	mu      sync.Mutex
	pending map[string]*pendingQuery
	scatter PeerScatter
}

func NewScatterer(scatter PeerScatter) *Scatterer {
	return &Scatterer{pending: make(map[string]*pendingQuery), scatter: scatter}
}

// Execute runs q against peers (the caller supplies the already-pruned peer
// set and the local results to seed the merge), returning the finalized,
// merged result set once every peer has responded or the timeout fires.
func (s *Scatterer) Execute(requestID string, q *Query, peers []string, localResults []Result) []Result {
	done := make(chan []Result, 1)
	pq := &pendingQuery{
		requestID: requestID,
		query:     q,
		expected:  make(map[string]bool, len(peers)),
		results:   append([]Result(nil), localResults...),
		onFinal:   func(r []Result) { done <- r },
	}
	for _, p := range peers {
		pq.expected[p] = false
	}
	pq.timer = time.AfterFunc(clusterQueryTimeout, func() { s.finalize(requestID) })

	s.mu.Lock()
	s.pending[requestID] = pq
	s.mu.Unlock()

	if len(peers) == 0 {
		s.finalize(requestID)
	} else {
		for _, p := range peers {
			if s.scatter != nil {
				_ = s.scatter(p, requestID, q)
			}
		}
	}
	return <-done
}

// Gather records one peer's CLUSTER_QUERY_RESP; once every expected peer
// has responded, finalizes early rather than waiting out the timeout.
func (s *Scatterer) Gather(requestID, peerNodeID string, results []Result) {
	s.mu.Lock()
	pq, ok := s.pending[requestID]
	s.mu.Unlock()
	if !ok {
		return
	}
	pq.mu.Lock()
	if pq.done {
		pq.mu.Unlock()
		return
	}
	if _, known := pq.expected[peerNodeID]; known {
		pq.expected[peerNodeID] = true
	}
	pq.results = append(pq.results, results...)
	allResponded := true
	for _, responded := range pq.expected {
		if !responded {
			allResponded = false
			break
		}
	}
	pq.mu.Unlock()

	if allResponded {
		s.finalize(requestID)
	}
}

func (s *Scatterer) finalize(requestID string) {
	s.mu.Lock()
	pq, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	pq.mu.Lock()
	if pq.done {
		pq.mu.Unlock()
		return
	}
	pq.done = true
	pq.timer.Stop()
	results := pq.results
	onFinal := pq.onFinal
	pq.mu.Unlock()
	if onFinal != nil {
		onFinal(results)
	}
}

// Package clustertransport is the intra-cluster half of the wire protocol:
// every CLUSTER_* and OP_FORWARD frame between peer nodes travels as a
// plain HTTP POST of a JSON-encoded wire.Frame against the peer's
// /cluster endpoint, mirroring the way the rest of this codebase already
// favors a thin HTTP client over a bespoke binary peer protocol.
package clustertransport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/crdtmesh/coordinator/internal/clusterevt"
	"github.com/crdtmesh/coordinator/internal/crdt"
	"github.com/crdtmesh/coordinator/internal/hlc"
	"github.com/crdtmesh/coordinator/internal/pipeline"
	"github.com/crdtmesh/coordinator/internal/query"
	"github.com/crdtmesh/coordinator/internal/storage"
	"github.com/crdtmesh/coordinator/internal/wire"
)

const defaultTimeout = 5 * time.Second

// Transport is the client side: it knows every peer's base URL and posts
// wire frames to their /cluster endpoint.
type Transport struct {
	mu      sync.RWMutex
	nodeID  string
	peers   map[string]string // nodeID -> base URL, e.g. http://10.0.0.2:7000
	client  *http.Client
}

func New(nodeID string, peers map[string]string) *Transport {
	return &Transport{
		nodeID: nodeID,
		peers:  peers,
		client: &http.Client{Timeout: defaultTimeout},
	}
}

// SetPeer adds or updates a peer's address, used when the partition map
// changes membership.
func (t *Transport) SetPeer(nodeID, baseURL string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[nodeID] = baseURL
}

// RemovePeer drops a peer, e.g. once it is confirmed gone from the ring.
func (t *Transport) RemovePeer(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, nodeID)
}

func (t *Transport) addrOf(nodeID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	addr, ok := t.peers[nodeID]
	return addr, ok
}

// send posts one wire frame to nodeID's /cluster endpoint, fire-and-forget
// from the caller's perspective — errors are returned for logging only,
// never retried here.
func (t *Transport) send(nodeID string, typ wire.Type, payload map[string]interface{}) error {
	addr, ok := t.addrOf(nodeID)
	if !ok {
		return fmt.Errorf("clustertransport: unknown peer %q", nodeID)
	}
	data, err := wire.EncodeJSON(typ, payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+"/cluster", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("clustertransport: peer %s replied %d", nodeID, resp.StatusCode)
	}
	return nil
}

// ForwardOp implements batch.PeerForwarder. pipeline.Op carries no JSON
// tags of its own (it never crosses the wire as a client-facing type), so
// the map is built by hand to match decodePipelineOp's expectations.
func (t *Transport) ForwardOp(nodeID string, op *pipeline.Op) error {
	return t.send(nodeID, wire.TypeOpForward, map[string]interface{}{
		"originNodeId": t.nodeID,
		"op": map[string]interface{}{
			"id": op.ID, "mapName": op.MapName, "key": op.Key,
			"verb": string(op.Verb), "mapType": string(op.MapType),
			"value": string(op.Value), "ttlMs": op.TTLMs, "tag": op.Tag,
			"writeConcern": string(op.WriteConcern),
		},
	})
}

// PublishEvent sends CLUSTER_EVENT to every backup/owner peer that isn't
// this node, used by the pipeline's Replicator hook. The payload mirrors
// clusterevt.Event: record for an LWW merge, orEntry for an OR add,
// orRemove+tag+timestamp for an OR tombstone.
func (t *Transport) PublishEvent(peers []string, ev clusterevt.Event) {
	payload := map[string]interface{}{
		"mapName": ev.MapName, "key": ev.Key, "mapType": string(ev.MapType),
	}
	switch {
	case ev.Record != nil:
		// built by hand to match decodeRecord (a nil Value stays absent so
		// tombstones survive the round trip)
		rec := map[string]interface{}{"timestamp": ev.Record.Timestamp, "ttlMs": ev.Record.TTLMs}
		if ev.Record.Value != nil {
			rec["value"] = string(ev.Record.Value)
		}
		payload["record"] = rec
	case ev.Entry != nil:
		payload["orEntry"] = map[string]interface{}{
			"value": string(ev.Entry.Value), "timestamp": ev.Entry.Timestamp, "tag": ev.Entry.Tag,
		}
	case ev.Remove:
		payload["orRemove"] = true
		payload["tag"] = ev.Tag
		payload["timestamp"] = ev.Timestamp
	}
	for _, p := range peers {
		if p == t.nodeID {
			continue
		}
		if err := t.send(p, wire.TypeClusterEvent, payload); err != nil {
			glog.Warningf("clustertransport: CLUSTER_EVENT to %s failed: %v", p, err)
		}
	}
}

// Scatter implements query.PeerScatter: sends CLUSTER_QUERY_EXEC to one peer.
func (t *Transport) Scatter(peerNodeID, requestID string, q *query.Query) error {
	return t.send(peerNodeID, wire.TypeClusterQueryExec, map[string]interface{}{
		"requestId": requestID, "query": q, "originNodeId": t.nodeID,
	})
}

// replyQuery sends a CLUSTER_QUERY_RESP back to the node that issued a
// CLUSTER_QUERY_EXEC. query.Result carries no JSON tags of its own, so the
// payload is built by hand to match decodeResults.
func (t *Transport) replyQuery(originNodeID, requestID string, results []query.Result) error {
	encoded := make([]map[string]interface{}, 0, len(results))
	for _, r := range results {
		encoded = append(encoded, map[string]interface{}{"key": r.Key, "value": string(r.Value), "timestamp": r.Timestamp})
	}
	return t.send(originNodeID, wire.TypeClusterQueryResp, map[string]interface{}{
		"requestId": requestID, "originNodeId": t.nodeID, "results": encoded,
	})
}

// RequestLock implements the lock-forward seam: sends CLUSTER_LOCK_REQ to
// the partition owner.
func (t *Transport) RequestLock(ownerNodeID, name, originNodeID, sessionID, requestID string, ttl time.Duration) error {
	return t.send(ownerNodeID, wire.TypeClusterLockReq, map[string]interface{}{
		"name": name, "originNodeId": originNodeID, "sessionId": sessionID,
		"requestId": requestID, "ttlMs": ttl.Milliseconds(),
	})
}

// ReleaseLock forwards a client's lock release to the partition owner.
func (t *Transport) ReleaseLock(ownerNodeID, name, originNodeID, sessionID string) error {
	return t.send(ownerNodeID, wire.TypeClusterLockRelease, map[string]interface{}{
		"name": name, "originNodeId": originNodeID, "sessionId": sessionID,
	})
}

// SendLockGranted routes a grant decision back to the node the requesting
// session is connected to.
func (t *Transport) SendLockGranted(originNodeID, sessionID, requestID string, fencingToken int64, granted bool) error {
	return t.send(originNodeID, wire.TypeClusterLockGranted, map[string]interface{}{
		"originNodeId": originNodeID, "sessionId": sessionID, "requestId": requestID,
		"fencingToken": fencingToken, "granted": granted,
	})
}

// SendLockReleased routes a release acknowledgement back to the origin node.
func (t *Transport) SendLockReleased(originNodeID, sessionID, name string) error {
	return t.send(originNodeID, wire.TypeClusterLockReleased, map[string]interface{}{
		"originNodeId": originNodeID, "sessionId": sessionID, "name": name,
	})
}

// PublishTopic fans a client-originated topic publish out to one peer.
func (t *Transport) PublishTopic(nodeID, topicName string, payload map[string]interface{}, originalSenderID string) error {
	return t.send(nodeID, wire.TypeClusterTopicPub, map[string]interface{}{
		"topic": topicName, "payload": payload, "originalSenderId": originalSenderID,
	})
}

// NotifyClientDisconnected tells nodeID that a session it may hold locks
// for is gone.
func (t *Transport) NotifyClientDisconnected(nodeID, originNodeID, sessionID string) error {
	return t.send(nodeID, wire.TypeClusterClientDisconnected, map[string]interface{}{
		"originNodeId": originNodeID, "sessionId": sessionID,
	})
}

// ReportGC sends this node's local minimum HLC to the GC leader.
func (t *Transport) ReportGC(leaderNodeID string, minHLC hlc.Timestamp) {
	if err := t.send(leaderNodeID, wire.TypeClusterGCReport, map[string]interface{}{
		"fromNodeId": t.nodeID, "minHlc": minHLC,
	}); err != nil {
		glog.Warningf("clustertransport: CLUSTER_GC_REPORT to leader %s failed: %v", leaderNodeID, err)
	}
}

// CommitGC broadcasts the computed safe horizon to every peer.
func (t *Transport) CommitGC(safe hlc.Timestamp) {
	t.mu.RLock()
	peers := make([]string, 0, len(t.peers))
	for id := range t.peers {
		peers = append(peers, id)
	}
	t.mu.RUnlock()
	for _, p := range peers {
		if err := t.send(p, wire.TypeClusterGCCommit, map[string]interface{}{"safe": safe}); err != nil {
			glog.Warningf("clustertransport: CLUSTER_GC_COMMIT to %s failed: %v", p, err)
		}
	}
}

// Server is the receiving side: one HTTP handler that decodes the frame
// and dispatches it to the cluster event handler. It also holds the
// Transport back-reference needed to reply to CLUSTER_QUERY_EXEC, since a
// scatter/gather round trip is two independent POSTs, not a single
// request/response.
type Server struct {
	handler   *clusterevt.Handler
	transport *Transport
}

func NewServer(handler *clusterevt.Handler, transport *Transport) *Server {
	return &Server{handler: handler, transport: transport}
}

// ServeHTTP implements http.Handler for the /cluster endpoint.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	frame, err := wire.DecodeJSON(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.dispatch(frame)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) dispatch(frame *wire.Frame) {
	switch frame.Type {
	case wire.TypeOpForward:
		op := decodePipelineOp(frame)
		originNodeID, _ := frame.MustField("originNodeId").(string)
		s.handler.HandleOpForward(op, originNodeID, "")
	case wire.TypeClusterEvent:
		s.handler.HandleClusterEvent(decodeClusterEvent(frame))
	case wire.TypeClusterQueryExec:
		q := decodeQuery(frame)
		requestID, _ := frame.MustField("requestId").(string)
		originNodeID, _ := frame.MustField("originNodeId").(string)
		results := s.handler.HandleClusterQueryExec(q)
		if err := s.transport.replyQuery(originNodeID, requestID, results); err != nil {
			glog.Warningf("clustertransport: CLUSTER_QUERY_RESP to %s failed: %v", originNodeID, err)
		}
	case wire.TypeClusterQueryResp:
		requestID, _ := frame.MustField("requestId").(string)
		peerNodeID, _ := frame.MustField("originNodeId").(string)
		results := decodeResults(frame)
		s.handler.HandleClusterQueryResp(requestID, peerNodeID, results)
	case wire.TypeClusterGCReport:
		fromNodeID, _ := frame.MustField("fromNodeId").(string)
		minHLC := decodeTimestamp(frame, "minHlc")
		s.handler.HandleGCReport(fromNodeID, minHLC)
	case wire.TypeClusterGCCommit:
		safe := decodeTimestamp(frame, "safe")
		s.handler.HandleGCCommit(safe)
	case wire.TypeClusterMerkleRequest:
		fromNodeID, payload := decodeFromPayload(frame)
		s.handler.HandleMerkleRequest(fromNodeID, payload)
	case wire.TypeClusterMerkleResponse:
		fromNodeID, payload := decodeFromPayload(frame)
		s.handler.HandleMerkleResponse(fromNodeID, payload)
	case wire.TypeClusterRepairRequest:
		fromNodeID, payload := decodeFromPayload(frame)
		s.handler.HandleRepairRequest(fromNodeID, payload)
	case wire.TypeClusterRepairResponse:
		fromNodeID, payload := decodeFromPayload(frame)
		s.handler.HandleRepairResponse(fromNodeID, payload)
	case wire.TypeClusterLockReq:
		name, _ := frame.MustField("name").(string)
		originNodeID, _ := frame.MustField("originNodeId").(string)
		sessionID, _ := frame.MustField("sessionId").(string)
		requestID, _ := frame.MustField("requestId").(string)
		ttlMs := int64FromFloat(frame, "ttlMs")
		s.handler.HandleLockReq(name, originNodeID, sessionID, requestID, ttlMs)
	case wire.TypeClusterLockRelease:
		name, _ := frame.MustField("name").(string)
		originNodeID, _ := frame.MustField("originNodeId").(string)
		sessionID, _ := frame.MustField("sessionId").(string)
		s.handler.HandleLockRelease(name, originNodeID, sessionID)
	case wire.TypeClusterLockGranted:
		originNodeID, _ := frame.MustField("originNodeId").(string)
		sessionID, _ := frame.MustField("sessionId").(string)
		requestID, _ := frame.MustField("requestId").(string)
		granted, _ := frame.MustField("granted").(bool)
		s.handler.HandleLockGranted(originNodeID, sessionID, requestID, int64FromFloat(frame, "fencingToken"), granted)
	case wire.TypeClusterLockReleased:
		originNodeID, _ := frame.MustField("originNodeId").(string)
		sessionID, _ := frame.MustField("sessionId").(string)
		name, _ := frame.MustField("name").(string)
		s.handler.HandleLockReleased(originNodeID, sessionID, name)
	case wire.TypeClusterTopicPub:
		topicName, _ := frame.MustField("topic").(string)
		payload, _ := frame.MustField("payload").(map[string]interface{})
		originalSenderID, _ := frame.MustField("originalSenderId").(string)
		s.handler.HandleClusterTopicPub(topicName, payload, originalSenderID)
	case wire.TypeClusterClientDisconnected:
		originNodeID, _ := frame.MustField("originNodeId").(string)
		sessionID, _ := frame.MustField("sessionId").(string)
		s.handler.HandleClientDisconnected(originNodeID, sessionID)
	default:
		glog.Warningf("clustertransport: unknown cluster frame type %q", frame.Type)
	}
}

func decodePipelineOp(frame *wire.Frame) *pipeline.Op {
	raw, _ := frame.MustField("op").(map[string]interface{})
	op := &pipeline.Op{}
	op.ID, _ = raw["id"].(string)
	op.MapName, _ = raw["mapName"].(string)
	op.Key, _ = raw["key"].(string)
	op.Verb = pipeline.Verb(asString(raw["verb"]))
	op.MapType = storage.MapType(asString(raw["mapType"]))
	if v, ok := raw["value"].(string); ok {
		op.Value = []byte(v)
	}
	if f, ok := raw["ttlMs"].(float64); ok {
		op.TTLMs = int64(f)
	}
	op.Tag, _ = raw["tag"].(string)
	op.WriteConcern = pipeline.WriteConcern(asString(raw["writeConcern"]))
	return op
}

func decodeClusterEvent(frame *wire.Frame) clusterevt.Event {
	ev := clusterevt.Event{}
	ev.MapName, _ = frame.MustField("mapName").(string)
	ev.Key, _ = frame.MustField("key").(string)
	mapType, _ := frame.MustField("mapType").(string)
	ev.MapType = storage.MapType(mapType)

	if raw, ok := frame.MustField("orEntry").(map[string]interface{}); ok {
		entry := &crdt.TaggedEntry{Timestamp: decodeTimestampValue(raw["timestamp"])}
		if v, ok := raw["value"].(string); ok {
			entry.Value = []byte(v)
		}
		entry.Tag = asString(raw["tag"])
		ev.Entry = entry
		return ev
	}
	if remove, _ := frame.MustField("orRemove").(bool); remove {
		ev.Remove = true
		ev.Tag = asString(frame.MustField("tag"))
		ev.Timestamp = decodeTimestamp(frame, "timestamp")
		return ev
	}
	ev.Record = decodeRecord(frame)
	return ev
}

func decodeRecord(frame *wire.Frame) *crdt.Record {
	raw, _ := frame.MustField("record").(map[string]interface{})
	if raw == nil {
		return nil
	}
	rec := &crdt.Record{}
	if v, ok := raw["value"].(string); ok {
		rec.Value = []byte(v)
	}
	rec.Timestamp = decodeTimestampValue(raw["timestamp"])
	if f, ok := raw["ttlMs"].(float64); ok {
		rec.TTLMs = int64(f)
	}
	return rec
}

func decodeQuery(frame *wire.Frame) *query.Query {
	raw, _ := frame.MustField("query").(map[string]interface{})
	q := &query.Query{}
	q.MapName, _ = raw["mapName"].(string)
	if filters, ok := raw["filters"].([]interface{}); ok {
		for _, r := range filters {
			if m, ok := r.(map[string]interface{}); ok {
				q.Filters = append(q.Filters, query.Filter{Field: asString(m["field"]), Op: query.Op(asString(m["op"])), Value: m["value"]})
			}
		}
	}
	if sorts, ok := raw["sort"].([]interface{}); ok {
		for _, r := range sorts {
			if m, ok := r.(map[string]interface{}); ok {
				desc, _ := m["desc"].(bool)
				q.Sort = append(q.Sort, query.SortField{Field: asString(m["field"]), Desc: desc})
			}
		}
	}
	if f, ok := raw["limit"].(float64); ok {
		q.Limit = int(f)
	}
	return q
}

func decodeResults(frame *wire.Frame) []query.Result {
	raw, _ := frame.MustField("results").([]interface{})
	out := make([]query.Result, 0, len(raw))
	for _, r := range raw {
		m, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		res := query.Result{Key: asString(m["key"])}
		if v, ok := m["value"].(string); ok {
			res.Value = []byte(v)
		}
		res.Timestamp = m["timestamp"]
		out = append(out, res)
	}
	return out
}

func decodeTimestamp(frame *wire.Frame, field string) hlc.Timestamp {
	return decodeTimestampValue(frame.MustField(field))
}

func decodeTimestampValue(v interface{}) hlc.Timestamp {
	m, ok := v.(map[string]interface{})
	if !ok {
		return hlc.Timestamp{}
	}
	var ts hlc.Timestamp
	if f, ok := m["millis"].(float64); ok {
		ts.Millis = int64(f)
	}
	if f, ok := m["counter"].(float64); ok {
		ts.Counter = int32(f)
	}
	ts.NodeID = asString(m["nodeId"])
	return ts
}

func decodeFromPayload(frame *wire.Frame) (fromNodeID string, payload map[string]interface{}) {
	fromNodeID, _ = frame.MustField("fromNodeId").(string)
	payload, _ = frame.MustField("payload").(map[string]interface{})
	return fromNodeID, payload
}

func int64FromFloat(frame *wire.Frame, field string) int64 {
	f, _ := frame.MustField(field).(float64)
	return int64(f)
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

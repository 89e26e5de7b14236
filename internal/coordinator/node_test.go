package coordinator

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/crdtmesh/coordinator/internal/auth"
	"github.com/crdtmesh/coordinator/internal/pipeline"
	"github.com/crdtmesh/coordinator/internal/transport"
	"github.com/crdtmesh/coordinator/internal/wire"
)

type fakeConn struct {
	written [][]byte
	closed  bool
}

func (c *fakeConn) WriteRaw(data []byte) error {
	c.written = append(c.written, data)
	return nil
}
func (c *fakeConn) Close(code int, reason string) error {
	c.closed = true
	return nil
}

const testSecret = "node-test-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	n, err := New(Config{NodeID: "n1", Members: []string{"n1"}, NumPartitions: 4, AuthSecret: []byte(testSecret)}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return n
}

func newRegisteredSession(t *testing.T, n *Node, id string) (*transport.Session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	s := transport.NewSession(id, conn, transport.PresetBalanced)
	n.ConnManager().Register(s)
	return s, conn
}

// writtenFrames flushes the session's coalescing writer (most payload frames
// are enqueued non-urgently and only reach the wire on a size/byte/timer
// trigger) and decodes every message written so far, in order. A write that
// is not a JSON object is a multi-message flush envelope and is unwrapped
// with transport.DecodeBatch first.
func writtenFrames(t *testing.T, session *transport.Session, conn *fakeConn) []*wire.Frame {
	t.Helper()
	session.Writer.Flush()
	var frames []*wire.Frame
	for _, data := range conn.written {
		msgs := [][]byte{data}
		if len(data) > 0 && data[0] != '{' {
			decoded, ok := transport.DecodeBatch(data)
			if !ok {
				t.Fatalf("DecodeBatch: malformed batch envelope")
			}
			msgs = decoded
		}
		for _, m := range msgs {
			f, err := wire.DecodeJSON(m)
			if err != nil {
				t.Fatalf("DecodeJSON: %v", err)
			}
			frames = append(frames, f)
		}
	}
	return frames
}

// lastFrame returns the most recently written message.
func lastFrame(t *testing.T, session *transport.Session, conn *fakeConn) *wire.Frame {
	t.Helper()
	frames := writtenFrames(t, session, conn)
	if len(frames) == 0 {
		t.Fatalf("expected at least one frame written")
	}
	return frames[len(frames)-1]
}

// lastFrameOfType returns the most recently written message of type typ.
func lastFrameOfType(t *testing.T, session *transport.Session, conn *fakeConn, typ wire.Type) *wire.Frame {
	t.Helper()
	frames := writtenFrames(t, session, conn)
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Type == typ {
			return frames[i]
		}
	}
	t.Fatalf("expected a %s frame written, got %d other frames", typ, len(frames))
	return nil
}

func authenticate(t *testing.T, n *Node, session *transport.Session, conn *fakeConn) {
	t.Helper()
	token := signToken(t, jwt.MapClaims{"sub": "user1", "roles": []interface{}{"USER"}})
	n.Router().HandleMessage(session, &wire.Frame{Type: wire.TypeAuth, Payload: map[string]interface{}{"token": token}})
	f := lastFrame(t, session, conn)
	if f.Type != wire.TypeAuthAck {
		t.Fatalf("expected AUTH_ACK, got %s", f.Type)
	}
	if !session.Authenticated() {
		t.Fatalf("expected session marked authenticated")
	}
}

func TestNodeOnSessionRegisteredSendsAuthRequired(t *testing.T) {
	n := newTestNode(t)
	session, conn := newRegisteredSession(t, n, "s1")
	f := lastFrame(t, session, conn)
	if f.Type != wire.TypeAuthRequired {
		t.Fatalf("expected AUTH_REQUIRED on registration, got %s", f.Type)
	}
}

func TestNodeAuthFailureClosesSessionWithUnauthorized(t *testing.T) {
	n := newTestNode(t)
	session, conn := newRegisteredSession(t, n, "s1")

	n.Router().HandleMessage(session, &wire.Frame{Type: wire.TypeAuth, Payload: map[string]interface{}{"token": "garbage"}})

	if !conn.closed {
		t.Fatalf("expected the connection closed after an AUTH_FAIL")
	}
}

func TestNodeClientOpPutProducesAck(t *testing.T) {
	n := newTestNode(t)
	session, conn := newRegisteredSession(t, n, "s1")
	authenticate(t, n, session, conn)

	op := map[string]interface{}{
		"id": "op1", "mapName": "tasks", "key": "t1", "verb": string(pipeline.VerbPut),
		"mapType": "lww", "value": "hello", "writeConcern": string(pipeline.ConcernMemory),
	}
	n.Router().HandleMessage(session, &wire.Frame{Type: wire.TypeClientOp, Payload: map[string]interface{}{"op": op}})

	f := lastFrame(t, session, conn)
	if f.Type != wire.TypeOpAck {
		t.Fatalf("expected OP_ACK, got %s: %v", f.Type, f.Payload)
	}
}

func TestNodeClientOpBroadcastsServerEventToOtherSubscribers(t *testing.T) {
	n := newTestNode(t)
	writer, writerConn := newRegisteredSession(t, n, "s1")
	authenticate(t, n, writer, writerConn)
	subscriber, subConn := newRegisteredSession(t, n, "s2")
	authenticate(t, n, subscriber, subConn)

	// A filter that a plain non-JSON value can never match keeps the
	// incremental QUERY_RESP delta path (§4.9, tested separately by
	// TestNodeQuerySubReceivesIncrementalDelta) from also firing here, so
	// the one frame this subscriber receives is unambiguously the
	// SERVER_EVENT from the broadcast router under test.
	n.Router().HandleMessage(subscriber, &wire.Frame{Type: wire.TypeQuerySub, Payload: map[string]interface{}{
		"queryId": "q1", "mapName": "tasks",
		"filters": []interface{}{map[string]interface{}{"field": "status", "op": "EQ", "value": "open"}},
	}})
	subscriber.Writer.Flush()
	subConn.written = nil

	op := map[string]interface{}{
		"id": "op1", "mapName": "tasks", "key": "t1", "verb": string(pipeline.VerbPut),
		"mapType": "lww", "value": "hello", "writeConcern": string(pipeline.ConcernMemory),
	}
	n.Router().HandleMessage(writer, &wire.Frame{Type: wire.TypeClientOp, Payload: map[string]interface{}{"op": op}})

	f := lastFrame(t, subscriber, subConn)
	if f.Type != wire.TypeServerEvent {
		t.Fatalf("expected the other subscribed session to receive SERVER_EVENT via the broadcast router, got %s: %v", f.Type, f.Payload)
	}
}

func TestNodeClientOpMalformedSendsError(t *testing.T) {
	n := newTestNode(t)
	session, conn := newRegisteredSession(t, n, "s1")
	authenticate(t, n, session, conn)

	n.Router().HandleMessage(session, &wire.Frame{Type: wire.TypeClientOp, Payload: map[string]interface{}{}})
	f := lastFrame(t, session, conn)
	if f.Type != wire.TypeError {
		t.Fatalf("expected ERROR for a malformed op, got %s", f.Type)
	}
}

func TestNodeQuerySubAndUnsub(t *testing.T) {
	n := newTestNode(t)
	session, conn := newRegisteredSession(t, n, "s1")
	authenticate(t, n, session, conn)

	op := map[string]interface{}{
		"id": "op1", "mapName": "tasks", "key": "t1", "verb": string(pipeline.VerbPut),
		"mapType": "lww", "value": `{"status":"open"}`, "writeConcern": string(pipeline.ConcernMemory),
	}
	n.Router().HandleMessage(session, &wire.Frame{Type: wire.TypeClientOp, Payload: map[string]interface{}{"op": op}})

	n.Router().HandleMessage(session, &wire.Frame{Type: wire.TypeQuerySub, Payload: map[string]interface{}{
		"queryId": "q1", "mapName": "tasks",
	}})
	f := lastFrame(t, session, conn)
	if f.Type != wire.TypeQueryResp {
		t.Fatalf("expected QUERY_RESP, got %s", f.Type)
	}
	if len(session.Subscriptions()) != 1 {
		t.Fatalf("expected the session to carry one query subscription")
	}

	n.Router().HandleMessage(session, &wire.Frame{Type: wire.TypeQueryUnsub, Payload: map[string]interface{}{
		"queryId": "q1", "mapName": "tasks",
	}})
	if len(session.Subscriptions()) != 0 {
		t.Fatalf("expected the subscription removed after unsub")
	}
}

func TestNodeQuerySubReceivesIncrementalDelta(t *testing.T) {
	n := newTestNode(t)
	session, conn := newRegisteredSession(t, n, "s1")
	authenticate(t, n, session, conn)

	n.Router().HandleMessage(session, &wire.Frame{Type: wire.TypeQuerySub, Payload: map[string]interface{}{
		"queryId": "q1", "mapName": "tasks",
		"filters": []interface{}{map[string]interface{}{"field": "status", "op": "EQ", "value": "open"}},
	}})

	op := map[string]interface{}{
		"id": "op1", "mapName": "tasks", "key": "t1", "verb": string(pipeline.VerbPut),
		"mapType": "lww", "value": `{"status":"open"}`, "writeConcern": string(pipeline.ConcernMemory),
	}
	n.Router().HandleMessage(session, &wire.Frame{Type: wire.TypeClientOp, Payload: map[string]interface{}{"op": op}})

	// The delta is written while the op is applied; OP_ACK follows it.
	f := lastFrameOfType(t, session, conn, wire.TypeQueryResp)
	if f.Type != wire.TypeQueryResp {
		t.Fatalf("expected an incremental QUERY_RESP delta, got %s", f.Type)
	}
	if f.MustField("deltaType") != "ADDED" {
		t.Fatalf("expected ADDED deltaType, got %v", f.MustField("deltaType"))
	}
}

func TestNodeLockRequestAndRelease(t *testing.T) {
	n := newTestNode(t)
	session, conn := newRegisteredSession(t, n, "s1")
	authenticate(t, n, session, conn)

	n.Router().HandleMessage(session, &wire.Frame{Type: wire.TypeLockRequest, Payload: map[string]interface{}{
		"name": "res1", "requestId": "r1", "ttlMs": float64(60000),
	}})
	f := lastFrame(t, session, conn)
	if f.Type != wire.TypeLockGranted || f.MustField("granted") != true {
		t.Fatalf("expected LOCK_GRANTED with granted=true, got %s %v", f.Type, f.Payload)
	}

	n.Router().HandleMessage(session, &wire.Frame{Type: wire.TypeLockRelease, Payload: map[string]interface{}{"name": "res1"}})
	f2 := lastFrame(t, session, conn)
	if f2.Type != wire.TypeLockReleased {
		t.Fatalf("expected LOCK_RELEASED, got %s", f2.Type)
	}
}

func TestNodeTopicPubSubDeliversExcludingOrigin(t *testing.T) {
	n := newTestNode(t)
	s1, conn1 := newRegisteredSession(t, n, "s1")
	authenticate(t, n, s1, conn1)
	s2, conn2 := newRegisteredSession(t, n, "s2")
	authenticate(t, n, s2, conn2)

	n.Router().HandleMessage(s1, &wire.Frame{Type: wire.TypeTopicSub, Payload: map[string]interface{}{"topic": "news"}})
	n.Router().HandleMessage(s2, &wire.Frame{Type: wire.TypeTopicSub, Payload: map[string]interface{}{"topic": "news"}})

	n.Router().HandleMessage(s1, &wire.Frame{Type: wire.TypeTopicPub, Payload: map[string]interface{}{
		"topic": "news", "payload": map[string]interface{}{"x": float64(1)},
	}})

	f2 := lastFrame(t, s2, conn2)
	if f2.Type != wire.TypeTopicPub {
		t.Fatalf("expected s2 (not the publisher) to receive TOPIC_PUB, got %s", f2.Type)
	}
}

func TestNodeCounterRequestAccumulatesAndSyncs(t *testing.T) {
	n := newTestNode(t)
	session, conn := newRegisteredSession(t, n, "s1")
	authenticate(t, n, session, conn)

	n.Router().HandleMessage(session, &wire.Frame{Type: wire.TypeCounterRequest, Payload: map[string]interface{}{
		"name": "visits", "delta": float64(5),
	}})
	n.Router().HandleMessage(session, &wire.Frame{Type: wire.TypeCounterSync, Payload: map[string]interface{}{"name": "visits"}})

	f := lastFrame(t, session, conn)
	if f.Type != wire.TypeCounterSync || f.MustField("value") != float64(5) {
		t.Fatalf("expected COUNTER_SYNC with value 5, got %s %v", f.Type, f.Payload)
	}
}

func TestNodePartitionMapRequestRespondsWhenStale(t *testing.T) {
	n := newTestNode(t)
	session, conn := newRegisteredSession(t, n, "s1")
	authenticate(t, n, session, conn)

	n.Router().HandleMessage(session, &wire.Frame{Type: wire.TypePartitionMapRequest, Payload: map[string]interface{}{
		"currentVersion": float64(0),
	}})
	f := lastFrame(t, session, conn)
	if f.Type != wire.TypePartitionMap {
		t.Fatalf("expected PARTITION_MAP for a stale client version, got %s", f.Type)
	}
}

func TestNodeJournalSubscribeAndRead(t *testing.T) {
	n := newTestNode(t)
	session, conn := newRegisteredSession(t, n, "s1")
	authenticate(t, n, session, conn)

	n.Router().HandleMessage(session, &wire.Frame{Type: wire.TypeJournalSubscribe, Payload: map[string]interface{}{"mapName": "tasks"}})

	op := map[string]interface{}{
		"id": "op1", "mapName": "tasks", "key": "t1", "verb": string(pipeline.VerbPut),
		"mapType": "lww", "value": "hi", "writeConcern": string(pipeline.ConcernMemory),
	}
	n.Router().HandleMessage(session, &wire.Frame{Type: wire.TypeClientOp, Payload: map[string]interface{}{"op": op}})

	// journalAfterOp is an after-interceptor and runs on its own goroutine,
	// so wait for the entry to land before reading.
	deadline := time.Now().Add(time.Second)
	for len(n.journalMgr.Read("tasks", 0, 0)) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	n.Router().HandleMessage(session, &wire.Frame{Type: wire.TypeJournalRead, Payload: map[string]interface{}{
		"mapName": "tasks", "sinceSeq": float64(0),
	}})
	f := lastFrameOfType(t, session, conn, wire.TypeJournalReadResponse)
	if f.Type != wire.TypeJournalReadResponse {
		t.Fatalf("expected JOURNAL_READ_RESPONSE, got %s", f.Type)
	}
	entries, _ := f.MustField("entries").([]interface{})
	if len(entries) != 1 {
		t.Fatalf("expected the PUT recorded as one journal entry, got %v", f.MustField("entries"))
	}
	first, _ := entries[0].(map[string]interface{})
	if first["Key"] != "t1" {
		t.Fatalf("expected the journal entry for key t1, got %v", first)
	}
}

func TestNodeCloseSessionReleasesLocksAndRemovesFromConnMgr(t *testing.T) {
	n := newTestNode(t)
	session, conn := newRegisteredSession(t, n, "s1")
	authenticate(t, n, session, conn)

	n.Router().HandleMessage(session, &wire.Frame{Type: wire.TypeLockRequest, Payload: map[string]interface{}{
		"name": "res1", "requestId": "r1", "ttlMs": float64(60000),
	}})

	n.closeSession(session.ID, wire.CloseProtocolError, "test close")

	if _, ok := n.ConnManager().Get(session.ID); ok {
		t.Fatalf("expected session removed from the connection manager after close")
	}
	if !conn.closed {
		t.Fatalf("expected the underlying connection closed")
	}

	// Lock should now be available to a new holder.
	session2, conn2 := newRegisteredSession(t, n, "s2")
	authenticate(t, n, session2, conn2)
	n.Router().HandleMessage(session2, &wire.Frame{Type: wire.TypeLockRequest, Payload: map[string]interface{}{
		"name": "res1", "requestId": "r2", "ttlMs": float64(60000),
	}})
	f := lastFrame(t, session2, conn2)
	if f.Type != wire.TypeLockGranted || f.MustField("granted") != true {
		t.Fatalf("expected res1 grantable to a new holder after the prior session closed, got %v", f.Payload)
	}
}

func TestNodeCheckPermDeniesForbiddenOps(t *testing.T) {
	n, err := New(Config{NodeID: "n1", Members: []string{"n1"}, NumPartitions: 4, AuthSecret: []byte(testSecret)}, nil,
		func(principal *auth.Principal, verb pipeline.Verb, mapName string) bool { return false })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	session, conn := newRegisteredSession(t, n, "s1")
	authenticate(t, n, session, conn)

	op := map[string]interface{}{
		"id": "op1", "mapName": "tasks", "key": "t1", "verb": string(pipeline.VerbPut),
		"mapType": "lww", "value": "hello", "writeConcern": string(pipeline.ConcernMemory),
	}
	n.Router().HandleMessage(session, &wire.Frame{Type: wire.TypeClientOp, Payload: map[string]interface{}{"op": op}})
	f := lastFrame(t, session, conn)
	if f.Type != wire.TypeError {
		t.Fatalf("expected ERROR when checkPerm denies, got %s", f.Type)
	}
}

// Package wire defines the client<->coordinator frame types and
// the two encodings a frame may travel in: a canonical binary encoding
// (preferred, via github.com/tinylib/msgp's low-level Append/Read helpers)
// or a JSON fallback (via github.com/json-iterator/go). Payload is modeled
// as an opaque map rather than per-verb structs: control frames are a
// tagged union by Type, and user data payloads stay opaque values the
// coordinator never needs to fully parse.
package wire

import (
	"github.com/json-iterator/go"
	"github.com/tinylib/msgp/msgp"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Type is the frame's required discriminant.
type Type string

const (
	TypeAuthRequired Type = "AUTH_REQUIRED"
	TypeAuth         Type = "AUTH"
	TypeAuthAck      Type = "AUTH_ACK"
	TypeAuthFail     Type = "AUTH_FAIL"
	TypePing         Type = "PING"
	TypePong         Type = "PONG"
	TypeClientOp     Type = "CLIENT_OP"
	TypeOpBatch      Type = "OP_BATCH"
	TypeOpAck        Type = "OP_ACK"
	TypeOpRejected   Type = "OP_REJECTED"
	TypeServerEvent  Type = "SERVER_EVENT"
	TypeServerBatchEvent Type = "SERVER_BATCH_EVENT"
	TypeError        Type = "ERROR"
	TypeQuerySub     Type = "QUERY_SUB"
	TypeQueryUnsub   Type = "QUERY_UNSUB"
	TypeQueryResp    Type = "QUERY_RESP"
	TypeLockRequest  Type = "LOCK_REQUEST"
	TypeLockRelease  Type = "LOCK_RELEASE"
	TypeLockGranted  Type = "LOCK_GRANTED"
	TypeLockReleased Type = "LOCK_RELEASED"
	TypeTopicSub     Type = "TOPIC_SUB"
	TypeTopicUnsub   Type = "TOPIC_UNSUB"
	TypeTopicPub     Type = "TOPIC_PUB"
	TypeCounterRequest Type = "COUNTER_REQUEST"
	TypeCounterSync  Type = "COUNTER_SYNC"
	TypeEntryProcess Type = "ENTRY_PROCESS"
	TypeEntryProcessBatch Type = "ENTRY_PROCESS_BATCH"
	TypeRegisterResolver Type = "REGISTER_RESOLVER"
	TypeUnregisterResolver Type = "UNREGISTER_RESOLVER"
	TypeListResolvers Type = "LIST_RESOLVERS"
	TypePartitionMapRequest Type = "PARTITION_MAP_REQUEST"
	TypePartitionMap Type = "PARTITION_MAP"
	TypeMergeRejected Type = "MERGE_REJECTED"
	TypeJournalSubscribe Type = "JOURNAL_SUBSCRIBE"
	TypeJournalUnsubscribe Type = "JOURNAL_UNSUBSCRIBE"
	TypeJournalRead  Type = "JOURNAL_READ"
	TypeJournalEvent Type = "JOURNAL_EVENT"
	TypeJournalReadResponse Type = "JOURNAL_READ_RESPONSE"
	TypeGCPrune      Type = "GC_PRUNE"
	TypeSearch       Type = "SEARCH"
	TypeSearchSub    Type = "SEARCH_SUB"
	TypeSearchUnsub  Type = "SEARCH_UNSUB"
	TypeSearchResp   Type = "SEARCH_RESP"
	TypeSyncInit     Type = "SYNC_INIT"
	TypeMerkleReqBucket Type = "MERKLE_REQ_BUCKET"
	TypeORMapSyncInit Type = "ORMAP_SYNC_INIT"
	TypeORMapMerkleReqBucket Type = "ORMAP_MERKLE_REQ_BUCKET"
	TypeORMapDiffRequest Type = "ORMAP_DIFF_REQUEST"
	TypeORMapPushDiff Type = "ORMAP_PUSH_DIFF"
	TypeSyncRespRoot Type = "SYNC_RESP_ROOT"
	TypeSyncRespBuckets Type = "SYNC_RESP_BUCKETS"
	TypeSyncRespLeaf Type = "SYNC_RESP_LEAF"
	TypeSyncResetRequired Type = "SYNC_RESET_REQUIRED"
	TypeBatch        Type = "BATCH"

	// Peer-to-peer (cluster) frame types.
	TypeOpForward            Type = "OP_FORWARD"
	TypeClusterEvent         Type = "CLUSTER_EVENT"
	TypeClusterQueryExec     Type = "CLUSTER_QUERY_EXEC"
	TypeClusterQueryResp     Type = "CLUSTER_QUERY_RESP"
	TypeClusterGCReport      Type = "CLUSTER_GC_REPORT"
	TypeClusterGCCommit      Type = "CLUSTER_GC_COMMIT"
	TypeClusterMerkleRequest Type = "CLUSTER_MERKLE_ROOT_REQ"
	TypeClusterMerkleResponse Type = "CLUSTER_MERKLE_ROOT_RESP"
	TypeClusterRepairRequest Type = "CLUSTER_REPAIR_DATA_REQ"
	TypeClusterRepairResponse Type = "CLUSTER_REPAIR_DATA_RESP"
	TypeClusterLockReq       Type = "CLUSTER_LOCK_REQ"
	TypeClusterLockRelease   Type = "CLUSTER_LOCK_RELEASE"
	TypeClusterLockGranted   Type = "CLUSTER_LOCK_GRANTED"
	TypeClusterLockReleased  Type = "CLUSTER_LOCK_RELEASED"
	TypeClusterTopicPub      Type = "CLUSTER_TOPIC_PUB"
	TypeClusterClientDisconnected Type = "CLUSTER_CLIENT_DISCONNECTED"
)

// Close codes.
const (
	CloseProtocolError  = 1002
	CloseOverload       = 1013
	CloseRejected       = 4000
	CloseUnauthorized   = 4001
	CloseHeartbeatTimeout = 4002
)

// Frame is one inbound or outbound message.
type Frame struct {
	Type    Type                   `json:"type" msg:"type"`
	Payload map[string]interface{} `json:"-" msg:"-"`
	Raw     jsoniter.RawMessage    `json:"-" msg:"-"`
}

// Field reads a payload field by name, decoding Raw lazily on first access
// when the frame arrived as JSON.
func (f *Frame) Field(name string) (interface{}, bool) {
	if f.Payload == nil && f.Raw != nil {
		var m map[string]interface{}
		if err := json.Unmarshal(f.Raw, &m); err == nil {
			f.Payload = m
		}
	}
	if f.Payload == nil {
		return nil, false
	}
	v, ok := f.Payload[name]
	return v, ok
}

// MustField returns the named payload field or nil if absent.
func (f *Frame) MustField(name string) interface{} {
	v, _ := f.Field(name)
	return v
}

// EncodeJSON serializes a frame (type + flattened payload) for the JSON
// fallback wire encoding.
func EncodeJSON(typ Type, payload map[string]interface{}) ([]byte, error) {
	out := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["type"] = string(typ)
	return json.Marshal(out)
}

// DecodeJSON parses a raw JSON frame.
func DecodeJSON(data []byte) (*Frame, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	t, _ := m["type"].(string)
	delete(m, "type")
	return &Frame{Type: Type(t), Payload: m}, nil
}

// EncodeBinary serializes a frame using the canonical binary encoding: a
// msgp string for the type discriminant followed by a msgp-encoded
// interface{} for the payload map (github.com/tinylib/msgp/msgp's
// reflection-based AppendIntf, used here exactly as its doc comment
// recommends for "data whose shape is not known at compile time").
func EncodeBinary(typ Type, payload map[string]interface{}) ([]byte, error) {
	var buf []byte
	buf = msgp.AppendString(buf, string(typ))
	buf, err := msgp.AppendIntf(buf, payload)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// DecodeBinary is the inverse of EncodeBinary.
func DecodeBinary(data []byte) (*Frame, error) {
	typ, rest, err := msgp.ReadStringBytes(data)
	if err != nil {
		return nil, err
	}
	raw, _, err := msgp.ReadIntfBytes(rest)
	if err != nil {
		return nil, err
	}
	payload, _ := raw.(map[string]interface{})
	return &Frame{Type: Type(typ), Payload: payload}, nil
}

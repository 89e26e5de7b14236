package coordinator

import (
	"context"
	"strings"
	"time"

	"github.com/teris-io/shortid"

	"github.com/crdtmesh/coordinator/internal/batch"
	"github.com/crdtmesh/coordinator/internal/clusterevt"
	"github.com/crdtmesh/coordinator/internal/crdt"
	"github.com/crdtmesh/coordinator/internal/hlc"
	"github.com/crdtmesh/coordinator/internal/journal"
	"github.com/crdtmesh/coordinator/internal/lock"
	"github.com/crdtmesh/coordinator/internal/pipeline"
	"github.com/crdtmesh/coordinator/internal/query"
	"github.com/crdtmesh/coordinator/internal/storage"
	"github.com/crdtmesh/coordinator/internal/topic"
	"github.com/crdtmesh/coordinator/internal/transport"
	"github.com/crdtmesh/coordinator/internal/wire"
)

// registerHandlers wires every client-facing verb into the router.
func (n *Node) registerHandlers() {
	n.router.Register(wire.TypeAuth, n.handleAuth)
	n.router.Register(wire.TypeClientOp, n.handleClientOp)
	n.router.Register(wire.TypeOpBatch, n.handleOpBatch)
	n.router.Register(wire.TypeQuerySub, n.handleQuerySub)
	n.router.Register(wire.TypeQueryUnsub, n.handleQueryUnsub)
	n.router.Register(wire.TypeLockRequest, n.handleLockRequest)
	n.router.Register(wire.TypeLockRelease, n.handleLockRelease)
	n.router.Register(wire.TypeTopicSub, n.handleTopicSub)
	n.router.Register(wire.TypeTopicUnsub, n.handleTopicUnsub)
	n.router.Register(wire.TypeTopicPub, n.handleTopicPub)
	n.router.Register(wire.TypeCounterRequest, n.handleCounterRequest)
	n.router.Register(wire.TypeCounterSync, n.handleCounterSync)
	n.router.Register(wire.TypeEntryProcess, n.handleEntryProcess)
	n.router.Register(wire.TypeEntryProcessBatch, n.handleEntryProcessBatch)
	n.router.Register(wire.TypeRegisterResolver, n.handleRegisterResolver)
	n.router.Register(wire.TypeUnregisterResolver, n.handleUnregisterResolver)
	n.router.Register(wire.TypeListResolvers, n.handleListResolvers)
	n.router.Register(wire.TypePartitionMapRequest, n.handlePartitionMapRequest)
	n.router.Register(wire.TypeJournalSubscribe, n.handleJournalSubscribe)
	n.router.Register(wire.TypeJournalUnsubscribe, n.handleJournalUnsubscribe)
	n.router.Register(wire.TypeJournalRead, n.handleJournalRead)
	n.router.Register(wire.TypeSearch, n.handleSearch)
	n.router.Register(wire.TypeSearchSub, n.handleSearchSub)
	n.router.Register(wire.TypeSearchUnsub, n.handleSearchUnsub)
	n.router.Register(wire.TypeSyncInit, n.handleSyncInit)
	n.router.Register(wire.TypeMerkleReqBucket, n.handleMerkleReqBucket)
	n.router.Register(wire.TypeORMapSyncInit, n.handleORMapSyncInit)
	n.router.Register(wire.TypeORMapMerkleReqBucket, n.handleMerkleReqBucket)
	n.router.Register(wire.TypeORMapDiffRequest, n.handleORMapDiffRequest)
	n.router.Register(wire.TypeORMapPushDiff, n.handleORMapPushDiff)
}

func (n *Node) handleAuth(session *transport.Session, frame *wire.Frame) {
	if session.Authenticated() {
		return
	}
	token, _ := frame.MustField("token").(string)
	reason, ok := n.authHandler.HandleAuth(session, token)
	if ok {
		data, _ := wire.EncodeJSON(wire.TypeAuthAck, map[string]interface{}{"protocolVersion": 1})
		session.Writer.WriteRaw(data, true)
		return
	}
	data, _ := wire.EncodeJSON(wire.TypeAuthFail, map[string]interface{}{"error": reason})
	session.Writer.WriteRaw(data, true)
	n.closeSession(session.ID, wire.CloseUnauthorized, "unauthorized")
}

func (n *Node) checkPermOrDeny(session *transport.Session, verb pipeline.Verb, mapName string) bool {
	if n.checkPerm == nil {
		return true
	}
	return n.checkPerm(session.Principal(), verb, mapName)
}

func (n *Node) sendError(session *transport.Session, code int, message string) {
	data, _ := wire.EncodeJSON(wire.TypeError, map[string]interface{}{"code": code, "message": message})
	session.Writer.WriteRaw(data, true)
}

func (n *Node) handleClientOp(session *transport.Session, frame *wire.Frame) {
	op := decodeOp(frame)
	if op == nil {
		n.sendError(session, 400, "malformed op")
		return
	}
	if !n.checkPermOrDeny(session, verbForPermission(op.Verb), op.MapName) {
		n.sendError(session, 403, "forbidden")
		return
	}
	ctx := &pipeline.Context{SessionID: session.ID, Principal: session.Principal(), Authenticated: session.Authenticated(), OriginSenderID: session.ID}
	result := n.pipeline.ProcessLocal(ctx, op, nil)
	if result.Err != nil {
		n.sendError(session, 500, result.Err.Error())
		return
	}
	if result.Rejected {
		data, _ := wire.EncodeJSON(wire.TypeOpRejected, map[string]interface{}{"opId": op.ID, "reason": result.RejectReason})
		session.Writer.WriteRaw(data, true)
		return
	}
	data, _ := wire.EncodeJSON(wire.TypeOpAck, map[string]interface{}{"lastId": op.ID, "achievedLevel": string(pipeline.ConcernApplied)})
	session.Writer.WriteRaw(data, false)
}

func verbForPermission(v pipeline.Verb) pipeline.Verb {
	if v == pipeline.VerbORRemove {
		return pipeline.VerbDelete
	}
	return pipeline.VerbPut
}

func decodeOp(frame *wire.Frame) *pipeline.Op {
	raw, ok := frame.MustField("op").(map[string]interface{})
	if !ok {
		return nil
	}
	return opFromMap(raw)
}

func opFromMap(raw map[string]interface{}) *pipeline.Op {
	op := &pipeline.Op{}
	op.ID, _ = raw["id"].(string)
	op.MapName, _ = raw["mapName"].(string)
	op.Key, _ = raw["key"].(string)
	op.Verb = pipeline.Verb(stringField(raw, "verb"))
	op.MapType = storage.MapType(stringField(raw, "mapType"))
	if v, ok := raw["value"].(string); ok {
		op.Value = []byte(v)
	}
	op.TTLMs = int64Field(raw, "ttlMs")
	op.Tag, _ = raw["tag"].(string)
	op.WriteConcern = pipeline.WriteConcern(stringField(raw, "writeConcern"))
	op.SyncPersist, _ = raw["syncPersist"].(bool)
	return op
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func int64Field(m map[string]interface{}, key string) int64 {
	f, _ := m[key].(float64)
	return int64(f)
}

func (n *Node) handleOpBatch(session *transport.Session, frame *wire.Frame) {
	rawOps, _ := frame.MustField("ops").([]interface{})
	ops := make([]*pipeline.Op, 0, len(rawOps))
	for _, r := range rawOps {
		if m, ok := r.(map[string]interface{}); ok {
			ops = append(ops, opFromMap(m))
		}
	}
	timeoutMs := int64Field(frameFields(frame), "timeout")
	batchFrame := &batch.Frame{
		Ops:          ops,
		BatchConcern: pipeline.WriteConcern(stringField(frameFields(frame), "writeConcern")),
		Timeout:      time.Duration(timeoutMs) * time.Millisecond,
	}
	n.processor.Submit(context.Background(), session, batchFrame)
}

func frameFields(frame *wire.Frame) map[string]interface{} {
	m := make(map[string]interface{})
	if v, ok := frame.Field("timeout"); ok {
		m["timeout"] = v
	}
	if v, ok := frame.Field("writeConcern"); ok {
		m["writeConcern"] = v
	}
	return m
}

func (n *Node) forwardOp(nodeID string, op *pipeline.Op) error {
	if n.peerForward == nil {
		return nil
	}
	return n.peerForward(nodeID, op)
}

// SetPeerForward injects the cluster transport's send-to-peer function.
func (n *Node) SetPeerForward(fn func(nodeID string, op *pipeline.Op) error) { n.peerForward = fn }

func (n *Node) handleQuerySub(session *transport.Session, frame *wire.Frame) {
	q := decodeQuery(frame)
	if q == nil {
		n.sendError(session, 400, "malformed query")
		return
	}
	if n.cfg.DisableSubscriptions {
		n.sendError(session, 403, "subscriptions disabled")
		return
	}
	if !n.checkPermOrDeny(session, pipeline.VerbRead, q.MapName) {
		n.sendError(session, 403, "forbidden")
		return
	}
	queryID, _ := frame.MustField("queryId").(string)
	cursorRaw, _ := frame.MustField("cursor").(string)
	results := query.ExecuteLocal(n.storageMgr, q)
	if peers := n.queryPeers(q); len(peers) > 0 {
		requestID, _ := shortid.Generate()
		results = n.scatterer.Execute(requestID, q, peers, results)
	}
	page := query.Finalize(q, results, cursorRaw, 0, n.clock.Now().Millis)
	seedKeys := make([]string, 0, len(page.Results))
	for _, r := range page.Results {
		seedKeys = append(seedKeys, r.Key)
	}
	n.queryRegistry.Register(queryID, session.ID, q, seedKeys)
	session.AddSubscription(q.MapName + ":" + queryID)

	for i := range page.Results {
		page.Results[i].Value = n.filterValueFor(session, q.MapName, page.Results[i].Value)
	}
	data, _ := wire.EncodeJSON(wire.TypeQueryResp, map[string]interface{}{
		"queryId": queryID, "results": page.Results, "nextCursor": page.NextCursor,
		"hasMore": page.HasMore, "cursorStatus": string(page.CursorStatus),
	})
	session.Writer.WriteRaw(data, false)
}

// queryPeers prunes the scatter set for q: the owners of every partition
// the query's key predicates can touch, minus this node. Single-node
// clusters always scatter to nobody.
func (n *Node) queryPeers(q *query.Query) []string {
	if len(n.partitionSvc.Members()) < 2 {
		return nil
	}
	var predicateKeys []string
	for _, f := range q.Filters {
		if f.Field == "key" && f.Op == query.OpEQ {
			if s, ok := f.Value.(string); ok {
				predicateKeys = append(predicateKeys, s)
			}
		}
	}
	seen := make(map[string]struct{})
	var peers []string
	for _, p := range n.partitionSvc.RelevantPartitions(predicateKeys) {
		owner := n.partitionSvc.Owner(p)
		if owner == n.cfg.NodeID {
			continue
		}
		if _, dup := seen[owner]; dup {
			continue
		}
		seen[owner] = struct{}{}
		peers = append(peers, owner)
	}
	return peers
}

// filterValueFor runs one record value through the broadcast router's
// field-level filter for this session's principal.
func (n *Node) filterValueFor(session *transport.Session, mapName string, value []byte) []byte {
	if value == nil {
		return nil
	}
	filtered := n.broadcastRouter.FilterFor(session.Principal(), mapName, map[string]interface{}{
		"record": map[string]interface{}{"value": value},
	})
	if rec, ok := filtered["record"].(map[string]interface{}); ok {
		if v, ok := rec["value"].([]byte); ok {
			return v
		}
	}
	return nil
}

func (n *Node) handleQueryUnsub(session *transport.Session, frame *wire.Frame) {
	queryID, _ := frame.MustField("queryId").(string)
	mapName, _ := frame.MustField("mapName").(string)
	n.queryRegistry.Unregister(mapName, queryID)
	session.RemoveSubscription(mapName + ":" + queryID)
}

func decodeQuery(frame *wire.Frame) *query.Query {
	mapName, _ := frame.MustField("mapName").(string)
	if mapName == "" {
		return nil
	}
	q := &query.Query{MapName: mapName}
	if raw, ok := frame.MustField("filters").([]interface{}); ok {
		for _, r := range raw {
			if m, ok := r.(map[string]interface{}); ok {
				q.Filters = append(q.Filters, query.Filter{
					Field: stringField(m, "field"), Op: query.Op(stringField(m, "op")), Value: m["value"],
				})
			}
		}
	}
	if raw, ok := frame.MustField("sort").([]interface{}); ok {
		for _, r := range raw {
			if m, ok := r.(map[string]interface{}); ok {
				desc, _ := m["desc"].(bool)
				q.Sort = append(q.Sort, query.SortField{Field: stringField(m, "field"), Desc: desc})
			}
		}
	}
	if v, ok := frame.Field("limit"); ok {
		if f, ok := v.(float64); ok {
			q.Limit = int(f)
		}
	}
	return q
}

func (n *Node) onMapChange(mapName string, slot *storage.MapSlot, key string, newRec, oldRec *crdt.Record) {
	deltas := n.queryRegistry.ProcessChange(mapName, slot, key, newRec, oldRec)
	for _, d := range deltas {
		s, ok := n.connMgr.Get(d.SessionID)
		if !ok {
			continue
		}
		value := d.Value
		if d.EventType != query.ChangeRemoved {
			// Same field-filter hook BroadcastEvent/BroadcastBatch use (§4.8),
			// applied per-requester since this delta bypasses the role-bucketed
			// broadcast path entirely.
			filtered := n.broadcastRouter.FilterFor(s.Principal(), mapName, map[string]interface{}{
				"record": map[string]interface{}{"value": d.Value},
			})
			if rec, ok := filtered["record"].(map[string]interface{}); ok {
				v, _ := rec["value"].([]byte)
				value = v
			} else {
				value = nil
			}
		}
		data, _ := wire.EncodeJSON(wire.TypeQueryResp, map[string]interface{}{
			"queryId": d.QueryID, "deltaType": string(d.EventType), "key": d.Key, "value": value,
		})
		s.Writer.WriteRaw(data, false)
	}
}

func (n *Node) handleLockRequest(session *transport.Session, frame *wire.Frame) {
	name, _ := frame.MustField("name").(string)
	requestID, _ := frame.MustField("requestId").(string)
	ttlMs := int64Field(map[string]interface{}{"ttlMs": frame.MustField("ttlMs")}, "ttlMs")
	ttl := time.Duration(ttlMs) * time.Millisecond

	if n.partitionSvc.IsLocalOwner(name) {
		holderID := lock.CompositeHolderID(n.cfg.NodeID, session.ID)
		token, granted := n.lockMgr.Request(name, holderID, ttl)
		n.sendLockGranted(session, requestID, token, granted)
		return
	}
	owner := n.partitionSvc.Owner(n.partitionSvc.Partition(name))
	if n.peerLockReq != nil {
		if err := n.peerLockReq(owner, name, n.cfg.NodeID, session.ID, requestID, ttl); err != nil {
			n.sendError(session, 500, "lock forward failed")
		}
	}
}

// SetPeerLockRequest injects the cluster transport's lock-forward function.
func (n *Node) SetPeerLockRequest(fn func(ownerNodeID, name, originNodeID, sessionID, requestID string, ttl time.Duration) error) {
	n.peerLockReq = fn
}

func (n *Node) sendLockGranted(session *transport.Session, requestID string, token int64, granted bool) {
	data, _ := wire.EncodeJSON(wire.TypeLockGranted, map[string]interface{}{
		"requestId": requestID, "fencingToken": token, "granted": granted,
	})
	session.Writer.WriteRaw(data, false)
}

// onLockGrantedForOrigin routes a lock grant back to the originating
// session: delivered directly when the origin is this node, otherwise sent
// to the origin node as CLUSTER_LOCK_GRANTED. A session that disconnected
// mid-flight is dropped on the floor — its disconnect fan-out releases the
// grant on the owner.
func (n *Node) onLockGrantedForOrigin(originNodeID, sessionID, requestID string, fencingToken int64, granted bool) {
	if originNodeID != n.cfg.NodeID {
		if n.peerLockGranted != nil {
			_ = n.peerLockGranted(originNodeID, sessionID, requestID, fencingToken, granted)
		}
		return
	}
	if s, ok := n.connMgr.Get(sessionID); ok {
		n.sendLockGranted(s, requestID, fencingToken, granted)
	}
}

func (n *Node) handleLockRelease(session *transport.Session, frame *wire.Frame) {
	name, _ := frame.MustField("name").(string)
	if !n.partitionSvc.IsLocalOwner(name) {
		owner := n.partitionSvc.Owner(n.partitionSvc.Partition(name))
		if n.peerLockRelease != nil {
			_ = n.peerLockRelease(owner, name, n.cfg.NodeID, session.ID)
		}
		return
	}
	holderID := lock.CompositeHolderID(n.cfg.NodeID, session.ID)
	if n.lockMgr.Release(name, holderID) {
		data, _ := wire.EncodeJSON(wire.TypeLockReleased, map[string]interface{}{"name": name})
		session.Writer.WriteRaw(data, false)
	}
}

// onLockReleasedForOrigin mirrors onLockGrantedForOrigin for the release
// acknowledgement path.
func (n *Node) onLockReleasedForOrigin(originNodeID, sessionID, name string) {
	if originNodeID != n.cfg.NodeID {
		if n.peerLockReleased != nil {
			_ = n.peerLockReleased(originNodeID, sessionID, name)
		}
		return
	}
	if s, ok := n.connMgr.Get(sessionID); ok {
		data, _ := wire.EncodeJSON(wire.TypeLockReleased, map[string]interface{}{"name": name})
		s.Writer.WriteRaw(data, false)
	}
}

func (n *Node) handleTopicSub(session *transport.Session, frame *wire.Frame) {
	name, _ := frame.MustField("topic").(string)
	if n.cfg.DisableSubscriptions {
		n.sendError(session, 403, "subscriptions disabled")
		return
	}
	if !n.checkPermOrDeny(session, pipeline.VerbRead, name) {
		n.sendError(session, 403, "forbidden")
		return
	}
	n.topicMgr.Subscribe(name, session.ID)
}

func (n *Node) handleTopicUnsub(session *transport.Session, frame *wire.Frame) {
	name, _ := frame.MustField("topic").(string)
	n.topicMgr.Unsubscribe(name, session.ID)
}

func (n *Node) handleTopicPub(session *transport.Session, frame *wire.Frame) {
	name, _ := frame.MustField("topic").(string)
	if !n.checkPermOrDeny(session, pipeline.VerbPut, name) {
		n.sendError(session, 403, "forbidden")
		return
	}
	payload, _ := frame.MustField("payload").(map[string]interface{})
	n.topicMgr.Publish(name, payload, session.ID, n.deliverTopicLocal)
	if n.peerTopicPub != nil {
		for _, peer := range n.partitionSvc.Members() {
			if peer == n.cfg.NodeID {
				continue
			}
			_ = n.peerTopicPub(peer, name, payload, session.ID)
		}
	}
}

// SetPeerTopicPublish injects the cluster transport's topic-fanout function.
func (n *Node) SetPeerTopicPublish(fn func(nodeID, topicName string, payload map[string]interface{}, originalSenderID string) error) {
	n.peerTopicPub = fn
}

func (n *Node) deliverTopicLocal(sessionID, topicName string, payload map[string]interface{}, originalSenderID string) {
	s, ok := n.connMgr.Get(sessionID)
	if !ok {
		return
	}
	data, _ := wire.EncodeJSON(wire.TypeTopicPub, map[string]interface{}{"topic": topicName, "payload": payload})
	s.Writer.WriteRaw(data, false)
}

var _ topic.Publisher = (*Node)(nil).deliverTopicLocal

func (n *Node) handleCounterRequest(session *transport.Session, frame *wire.Frame) {
	name, _ := frame.MustField("name").(string)
	if !n.checkPermOrDeny(session, pipeline.VerbPut, name) {
		n.sendError(session, 403, "forbidden")
		return
	}
	delta := int64Field(map[string]interface{}{"delta": frame.MustField("delta")}, "delta")
	newVal := n.counterMgr.Apply(name, delta)
	n.counterMgr.Subscribe(name, session.ID)
	n.broadcastCounterSync(name, newVal, session.ID)
}

func (n *Node) handleCounterSync(session *transport.Session, frame *wire.Frame) {
	name, _ := frame.MustField("name").(string)
	if !n.checkPermOrDeny(session, pipeline.VerbRead, name) {
		n.sendError(session, 403, "forbidden")
		return
	}
	n.counterMgr.Subscribe(name, session.ID)
	data, _ := wire.EncodeJSON(wire.TypeCounterSync, map[string]interface{}{"name": name, "value": n.counterMgr.Get(name)})
	session.Writer.WriteRaw(data, false)
}

func (n *Node) broadcastCounterSync(name string, value int64, excludeSessionID string) {
	data, _ := wire.EncodeJSON(wire.TypeCounterSync, map[string]interface{}{"name": name, "value": value})
	for _, sessionID := range n.counterMgr.Subscribers(name) {
		if sessionID == excludeSessionID {
			continue
		}
		if s, ok := n.connMgr.Get(sessionID); ok {
			s.Writer.WriteRaw(data, false)
		}
	}
}

func (n *Node) handleEntryProcess(session *transport.Session, frame *wire.Frame) {
	mapName, _ := frame.MustField("mapName").(string)
	key, _ := frame.MustField("key").(string)
	procName, _ := frame.MustField("processor").(string)
	args, _ := frame.MustField("args").(map[string]interface{})
	if !n.checkPermOrDeny(session, pipeline.VerbPut, mapName) {
		n.sendError(session, 403, "forbidden")
		return
	}
	slot, ok := n.storageMgr.Existing(mapName)
	if !ok {
		n.sendError(session, 404, "no such map")
		return
	}
	rec := slot.LWW().Get(key)
	if rec == nil || rec.IsTombstone() {
		n.sendError(session, 404, "no such key")
		return
	}
	out, err := n.entryProcReg.Apply(procName, rec.Value, args)
	if err != nil {
		n.sendError(session, 400, err.Error())
		return
	}
	op := &pipeline.Op{ID: procName + ":" + key, MapName: mapName, MapType: storage.TypeLWW, Key: key, Verb: pipeline.VerbUpdate, Value: out, Timestamp: n.clock.Tick(), WriteConcern: pipeline.ConcernApplied}
	ctx := &pipeline.Context{SessionID: session.ID, Principal: session.Principal(), Authenticated: session.Authenticated(), OriginSenderID: session.ID}
	n.pipeline.ProcessLocal(ctx, op, nil)
}

func (n *Node) handleEntryProcessBatch(session *transport.Session, frame *wire.Frame) {
	keys, _ := frame.MustField("keys").([]interface{})
	mapName, _ := frame.MustField("mapName").(string)
	procName, _ := frame.MustField("processor").(string)
	args, _ := frame.MustField("args").(map[string]interface{})
	for _, k := range keys {
		key, _ := k.(string)
		n.handleEntryProcess(session, syntheticEntryFrame(mapName, key, procName, args))
	}
}

func syntheticEntryFrame(mapName, key, procName string, args map[string]interface{}) *wire.Frame {
	return &wire.Frame{Type: wire.TypeEntryProcess, Payload: map[string]interface{}{
		"mapName": mapName, "key": key, "processor": procName, "args": args,
	}}
}

func (n *Node) handleRegisterResolver(session *transport.Session, frame *wire.Frame) {
	mapName, _ := frame.MustField("mapName").(string)
	policyName, _ := frame.MustField("policyName").(string)
	if err := n.resolverReg.Register(mapName, policyName); err != nil {
		n.sendError(session, 400, err.Error())
	}
}

func (n *Node) handleUnregisterResolver(session *transport.Session, frame *wire.Frame) {
	mapName, _ := frame.MustField("mapName").(string)
	n.resolverReg.Unregister(mapName)
}

func (n *Node) handleListResolvers(session *transport.Session, frame *wire.Frame) {
	data, _ := wire.EncodeJSON(wire.TypeListResolvers, map[string]interface{}{"resolvers": n.resolverReg.List()})
	session.Writer.WriteRaw(data, false)
}

func (n *Node) handlePartitionMapRequest(session *transport.Session, frame *wire.Frame) {
	clientVersion := int64Field(map[string]interface{}{"v": frame.MustField("currentVersion")}, "v")
	snap := n.partmapBuilder.Respond(clientVersion)
	if snap == nil {
		return
	}
	data, _ := wire.EncodeJSON(wire.TypePartitionMap, map[string]interface{}{"snapshot": snap})
	session.Writer.WriteRaw(data, false)
}

// broadcastPartitionMap sends the current partition map to every
// authenticated session. No code path calls it: a membership change does
// not push a new map, and clients see one only through
// PARTITION_MAP_REQUEST.
func (n *Node) broadcastPartitionMap() {
	snap := n.partmapBuilder.Build()
	n.broadcastRouter.Broadcast(wire.TypePartitionMap, map[string]interface{}{"snapshot": snap}, "")
}

// journalAfterOp is the pipeline after-interceptor that appends the per-map
// journal entry spec.md §4.7 step (d) requires and fans JOURNAL_EVENT out to
// every subscriber of the map it just mutated.
func (n *Node) journalAfterOp(ctx *pipeline.Context, op *pipeline.Op, result *pipeline.ApplyResult) {
	if result.EventPayload == nil {
		return
	}
	eventType, _ := result.EventPayload["eventType"].(string)
	n.journalMgr.Append(op.MapName, op.Key, eventType, result.EventPayload, n.clock.Now().Millis, n.deliverJournalEvent)
}

func (n *Node) deliverJournalEvent(sessionID string, entry journal.Entry) {
	s, ok := n.connMgr.Get(sessionID)
	if !ok {
		return
	}
	data, _ := wire.EncodeJSON(wire.TypeJournalEvent, map[string]interface{}{
		"seq": entry.Seq, "mapName": entry.MapName, "key": entry.Key,
		"eventType": entry.EventType, "payload": entry.Payload, "timestamp": entry.Timestamp,
	})
	s.Writer.WriteRaw(data, false)
}

func (n *Node) handleJournalSubscribe(session *transport.Session, frame *wire.Frame) {
	mapName, _ := frame.MustField("mapName").(string)
	if n.cfg.DisableSubscriptions {
		n.sendError(session, 403, "subscriptions disabled")
		return
	}
	if !n.checkPermOrDeny(session, pipeline.VerbRead, mapName) {
		n.sendError(session, 403, "forbidden")
		return
	}
	n.journalMgr.Subscribe(mapName, session.ID)
}

func (n *Node) handleJournalUnsubscribe(session *transport.Session, frame *wire.Frame) {
	mapName, _ := frame.MustField("mapName").(string)
	n.journalMgr.Unsubscribe(mapName, session.ID)
}

func (n *Node) handleJournalRead(session *transport.Session, frame *wire.Frame) {
	mapName, _ := frame.MustField("mapName").(string)
	if !n.checkPermOrDeny(session, pipeline.VerbRead, mapName) {
		n.sendError(session, 403, "forbidden")
		return
	}
	sinceSeq := int64Field(map[string]interface{}{"s": frame.MustField("sinceSeq")}, "s")
	entries := n.journalMgr.Read(mapName, sinceSeq, 0)
	data, _ := wire.EncodeJSON(wire.TypeJournalReadResponse, map[string]interface{}{"mapName": mapName, "entries": entries})
	session.Writer.WriteRaw(data, false)
}

// onGCSweep surfaces one map's GC outcome to clients: each TTL expiration
// goes out as an ordinary delete event (and through the query registry, so
// live subscriptions see the key leave their result set), and a GC_PRUNE
// frame announces the pruned tombstone count.
func (n *Node) onGCSweep(mapName string, expiredKeys []string, pruned int) {
	slot, ok := n.storageMgr.Existing(mapName)
	if ok && slot.Type() == storage.TypeLWW {
		for _, key := range expiredKeys {
			rec := slot.LWW().Get(key)
			if rec == nil {
				continue
			}
			n.storageMgr.NotifyChange(mapName, slot, key, rec, nil)
			n.broadcastRouter.BroadcastEvent(mapName, map[string]interface{}{
				"map": mapName, "key": key, "eventType": "DELETE",
				"record": map[string]interface{}{"value": nil, "timestamp": rec.Timestamp},
			}, "")
		}
	}
	if pruned > 0 {
		n.broadcastRouter.Broadcast(wire.TypeGCPrune, map[string]interface{}{
			"mapName": mapName, "pruned": pruned,
		}, "")
	}
}

// localActiveMinimum computes the earliest last-active HLC across every
// currently authenticated session, or the clock's current value if none.
func (n *Node) localActiveMinimum() hlc.Timestamp {
	var min hlc.Timestamp
	first := true
	for _, s := range n.connMgr.All() {
		if !s.Authenticated() {
			continue
		}
		ts := s.LastHLC()
		if first || ts.Compare(min) < 0 {
			min = ts
			first = false
		}
	}
	if first {
		return n.clock.Now()
	}
	return min
}

func (n *Node) scatterPeer(peerNodeID, requestID string, q *query.Query) error {
	if n.peerScatter == nil {
		return nil
	}
	return n.peerScatter(peerNodeID, requestID, q)
}

// SetPeerScatter injects the cluster transport's CLUSTER_QUERY_EXEC sender.
func (n *Node) SetPeerScatter(fn func(peerNodeID, requestID string, q *query.Query) error) { n.peerScatter = fn }

// SetPeerClientDisconnected injects the cluster transport's
// CLUSTER_CLIENT_DISCONNECTED fan-out sender.
func (n *Node) SetPeerClientDisconnected(fn func(nodeID, originNodeID, sessionID string) error) {
	n.peerClientDisconnected = fn
}

// splitSubscriptionID reverses the "mapName:queryID" encoding AddSubscription
// stores query subscriptions under.
func splitSubscriptionID(sub string) (mapName, queryID string, ok bool) {
	i := strings.IndexByte(sub, ':')
	if i < 0 {
		return "", "", false
	}
	return sub[:i], sub[i+1:], true
}

// CloseSession is the transport layer's entry into the session-close
// sequence, used when a socket read loop ends.
func (n *Node) CloseSession(sessionID string, code int, reason string) {
	n.closeSession(sessionID, code, reason)
}

// closeSession runs the full idempotent session-close sequence: writer
// close (flushes), subscription/lock/topic/counter/journal/search teardown,
// a CLUSTER_CLIENT_DISCONNECTED fan-out to peers, then connection-manager
// removal. Safe to call more than once for the same session id.
func (n *Node) closeSession(sessionID string, code int, reason string) {
	s, ok := n.connMgr.Get(sessionID)
	if !ok {
		return
	}
	s.Writer.Close()
	_ = s.Conn.Close(code, reason)

	for _, sub := range s.Subscriptions() {
		mapName, queryID, ok := splitSubscriptionID(sub)
		if ok {
			n.queryRegistry.Unregister(mapName, queryID)
		}
	}
	holderID := lock.CompositeHolderID(n.cfg.NodeID, sessionID)
	n.lockMgr.ReleaseAllHeldBy(holderID)
	n.topicMgr.UnsubscribeAll(sessionID)
	n.counterMgr.UnsubscribeAll(sessionID)
	n.journalMgr.UnsubscribeAll(sessionID)
	n.searchMgr.UnsubscribeAll(sessionID)

	if n.peerClientDisconnected != nil {
		for _, peer := range n.partitionSvc.Members() {
			if peer == n.cfg.NodeID {
				continue
			}
			_ = n.peerClientDisconnected(peer, n.cfg.NodeID, sessionID)
		}
	}

	n.connMgr.Remove(sessionID)
}

// ClusterTransport is the narrow seam SetClusterTransport needs from the
// cluster transport — kept as an interface so this package never imports
// internal/clustertransport directly (that package already imports this
// one's collaborators, and a two-way import would cycle).
type ClusterTransport interface {
	ForwardOp(nodeID string, op *pipeline.Op) error
	PublishEvent(peers []string, ev clusterevt.Event)
	Scatter(peerNodeID, requestID string, q *query.Query) error
	RequestLock(ownerNodeID, name, originNodeID, sessionID, requestID string, ttl time.Duration) error
	ReleaseLock(ownerNodeID, name, originNodeID, sessionID string) error
	SendLockGranted(originNodeID, sessionID, requestID string, fencingToken int64, granted bool) error
	SendLockReleased(originNodeID, sessionID, name string) error
	PublishTopic(nodeID, topicName string, payload map[string]interface{}, originalSenderID string) error
	NotifyClientDisconnected(nodeID, originNodeID, sessionID string) error
	ReportGC(leaderNodeID string, minHLC hlc.Timestamp)
	CommitGC(safe hlc.Timestamp)
}

// SetClusterTransport wires every peer-facing seam to one transport
// implementation and hooks the pipeline's fire-and-forget Replicator to
// fan a local write out to its partition's backup nodes.
func (n *Node) SetClusterTransport(t ClusterTransport) {
	n.peerForward = t.ForwardOp
	n.peerLockReq = t.RequestLock
	n.peerLockRelease = t.ReleaseLock
	n.peerLockGranted = t.SendLockGranted
	n.peerLockReleased = t.SendLockReleased
	n.peerTopicPub = t.PublishTopic
	n.peerClientDisconnected = t.NotifyClientDisconnected
	n.peerScatter = t.Scatter

	n.gcCoord.SetReporter(t.ReportGC)
	n.gcCoord.SetCommitter(t.CommitGC)

	n.pipeline.SetReplicator(func(op *pipeline.Op) error {
		backups := n.partitionSvc.Backups(n.partitionSvc.Partition(op.Key))
		if len(backups) == 0 {
			return nil
		}
		ev := clusterevt.Event{MapName: op.MapName, Key: op.Key, MapType: op.MapType}
		switch op.Verb {
		case pipeline.VerbORAdd:
			ev.Entry = &crdt.TaggedEntry{Value: op.Value, Timestamp: op.Timestamp, Tag: op.Tag}
		case pipeline.VerbORRemove:
			ev.Remove, ev.Tag, ev.Timestamp = true, op.Tag, op.Timestamp
		default:
			ev.Record = &crdt.Record{Value: op.Value, Timestamp: op.Timestamp, TTLMs: op.TTLMs}
		}
		t.PublishEvent(backups, ev)
		return nil
	})
}

// HandleClientDisconnected is the peer-facing entrypoint for an incoming
// CLUSTER_CLIENT_DISCONNECTED: release every lock the now-gone session held
// on this node.
func (n *Node) HandleClientDisconnected(originNodeID, sessionID string) {
	n.clusterHandler.HandleClientDisconnected(originNodeID, sessionID)
}

package coordinator

import (
	"github.com/crdtmesh/coordinator/internal/antientropy"
	"github.com/crdtmesh/coordinator/internal/pipeline"
	"github.com/crdtmesh/coordinator/internal/storage"
	"github.com/crdtmesh/coordinator/internal/transport"
	"github.com/crdtmesh/coordinator/internal/wire"
)

// handleSearch answers a one-shot SEARCH with SEARCH_RESP. A map with no
// engine or with indexing off reports "search disabled" inline rather than
// an ERROR frame, matching how the sync facade reports per-operation
// failures.
func (n *Node) handleSearch(session *transport.Session, frame *wire.Frame) {
	mapName, _ := frame.MustField("mapName").(string)
	queryText, _ := frame.MustField("query").(string)
	searchID, _ := frame.MustField("searchId").(string)
	if !n.checkPermOrDeny(session, pipeline.VerbRead, mapName) {
		n.sendError(session, 403, "forbidden")
		return
	}
	limit := int(int64Field(map[string]interface{}{"l": frame.MustField("limit")}, "l"))
	hits, ok := n.searchMgr.Search(mapName, queryText, limit)
	payload := map[string]interface{}{"searchId": searchID, "mapName": mapName}
	if !ok {
		payload["error"] = "search disabled for map " + mapName
	} else {
		encoded := make([]map[string]interface{}, 0, len(hits))
		for _, h := range hits {
			value := n.filterValueFor(session, mapName, h.Value)
			encoded = append(encoded, map[string]interface{}{"key": h.Key, "score": h.Score, "value": value})
		}
		payload["hits"] = encoded
	}
	data, _ := wire.EncodeJSON(wire.TypeSearchResp, payload)
	session.Writer.WriteRaw(data, false)
}

func (n *Node) handleSearchSub(session *transport.Session, frame *wire.Frame) {
	mapName, _ := frame.MustField("mapName").(string)
	queryText, _ := frame.MustField("query").(string)
	searchID, _ := frame.MustField("searchId").(string)
	if n.cfg.DisableSubscriptions {
		n.sendError(session, 403, "subscriptions disabled")
		return
	}
	if !n.checkPermOrDeny(session, pipeline.VerbRead, mapName) {
		n.sendError(session, 403, "forbidden")
		return
	}
	if !n.searchMgr.Subscribe(searchID, session.ID, mapName, queryText) {
		data, _ := wire.EncodeJSON(wire.TypeSearchResp, map[string]interface{}{
			"searchId": searchID, "mapName": mapName, "error": "search disabled for map " + mapName,
		})
		session.Writer.WriteRaw(data, false)
	}
}

func (n *Node) handleSearchUnsub(session *transport.Session, frame *wire.Frame) {
	mapName, _ := frame.MustField("mapName").(string)
	searchID, _ := frame.MustField("searchId").(string)
	n.searchMgr.Unsubscribe(mapName, searchID)
}

// searchAfterOp is the pipeline after-interceptor that keeps the full-text
// index current and fans deltas out to live search subscriptions.
func (n *Node) searchAfterOp(ctx *pipeline.Context, op *pipeline.Op, result *pipeline.ApplyResult) {
	deltas := n.searchMgr.ProcessChange(op.MapName, op.Key, op.Value)
	for _, d := range deltas {
		s, ok := n.connMgr.Get(d.SessionID)
		if !ok {
			continue
		}
		value := d.Value
		if !d.Removed {
			value = n.filterValueFor(s, d.MapName, d.Value)
		}
		data, _ := wire.EncodeJSON(wire.TypeSearchResp, map[string]interface{}{
			"searchId": d.SearchID, "mapName": d.MapName, "key": d.Key,
			"value": value, "removed": d.Removed,
		})
		s.Writer.WriteRaw(data, false)
	}
}

func (n *Node) sendSyncReply(session *transport.Session, reply antientropy.Reply) {
	data, _ := wire.EncodeJSON(reply.Type, reply.Payload)
	session.Writer.WriteRaw(data, false)
}

func (n *Node) handleSyncInit(session *transport.Session, frame *wire.Frame) {
	mapName, _ := frame.MustField("mapName").(string)
	if !n.checkPermOrDeny(session, pipeline.VerbRead, mapName) {
		n.sendError(session, 403, "forbidden")
		return
	}
	wantType := storage.TypeLWW
	if frame.Type == wire.TypeORMapSyncInit {
		wantType = storage.TypeOR
	}
	n.sendSyncReply(session, n.antiSync.HandleSyncInit(mapName, wantType))
}

func (n *Node) handleORMapSyncInit(session *transport.Session, frame *wire.Frame) {
	n.handleSyncInit(session, frame)
}

// handleMerkleReqBucket serves both MERKLE_REQ_BUCKET and its ORMAP_ twin;
// the bucket walk is map-type agnostic once the tree exists.
func (n *Node) handleMerkleReqBucket(session *transport.Session, frame *wire.Frame) {
	mapName, _ := frame.MustField("mapName").(string)
	if !n.checkPermOrDeny(session, pipeline.VerbRead, mapName) {
		n.sendError(session, 403, "forbidden")
		return
	}
	var bucketIDs []int
	if raw, ok := frame.MustField("bucketIds").([]interface{}); ok {
		for _, r := range raw {
			if f, ok := r.(float64); ok {
				bucketIDs = append(bucketIDs, int(f))
			}
		}
	}
	leaf, _ := frame.MustField("leaf").(bool)
	n.sendSyncReply(session, n.antiSync.HandleMerkleReqBucket(mapName, bucketIDs, leaf))
}

func (n *Node) handleORMapDiffRequest(session *transport.Session, frame *wire.Frame) {
	mapName, _ := frame.MustField("mapName").(string)
	if !n.checkPermOrDeny(session, pipeline.VerbRead, mapName) {
		n.sendError(session, 403, "forbidden")
		return
	}
	var keys []string
	if raw, ok := frame.MustField("keys").([]interface{}); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				keys = append(keys, s)
			}
		}
	}
	n.sendSyncReply(session, n.antiSync.HandleORMapDiffRequest(mapName, keys))
}

// handleORMapPushDiff applies a client's pushed OR-map diff through the
// full pipeline, so pushed entries persist, replicate and broadcast exactly
// like ordinary CLIENT_OPs.
func (n *Node) handleORMapPushDiff(session *transport.Session, frame *wire.Frame) {
	mapName, _ := frame.MustField("mapName").(string)
	if !n.checkPermOrDeny(session, pipeline.VerbPut, mapName) {
		n.sendError(session, 403, "forbidden")
		return
	}
	rawEntries, _ := frame.MustField("entries").([]interface{})
	rawTombstones, _ := frame.MustField("tombstones").([]interface{})
	ops := antientropy.DecodePushDiff(mapName, rawEntries, rawTombstones, n.clock.Tick)
	ctx := &pipeline.Context{SessionID: session.ID, Principal: session.Principal(), Authenticated: session.Authenticated(), OriginSenderID: session.ID}
	applied := 0
	for _, op := range ops {
		result := n.pipeline.ProcessLocal(ctx, op, nil)
		if result.Err == nil && !result.Rejected {
			applied++
		}
	}
	data, _ := wire.EncodeJSON(wire.TypeOpAck, map[string]interface{}{
		"mapName": mapName, "applied": applied, "achievedLevel": string(pipeline.ConcernApplied),
	})
	session.Writer.WriteRaw(data, false)
}

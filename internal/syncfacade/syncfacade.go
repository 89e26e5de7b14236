// Package syncfacade implements the HTTP Sync Facade: a stateless
// alternative to the websocket wire protocol for serverless clients. One
// request carries a credential, the client's HLC, optional ops, optional
// per-map sync-since requests, and optional one-shot queries.
package syncfacade

import (
	"time"

	"github.com/crdtmesh/coordinator/internal/auth"
	"github.com/crdtmesh/coordinator/internal/crdt"
	"github.com/crdtmesh/coordinator/internal/hlc"
	"github.com/crdtmesh/coordinator/internal/pipeline"
	"github.com/crdtmesh/coordinator/internal/query"
	"github.com/crdtmesh/coordinator/internal/search"
	"github.com/crdtmesh/coordinator/internal/storage"
)

// PermissionChecker gates every op the same way the batch processor does.
type PermissionChecker func(principal *auth.Principal, verb pipeline.Verb, mapName string) bool

// OpResult reports one op's outcome; Error is empty on success.
type OpResult struct {
	OpID  string `json:"opId"`
	Error string `json:"error,omitempty"`
}

// SyncMapRequest asks for every change to mapName since sinceMs.
type SyncMapRequest struct {
	MapName string `json:"mapName"`
	SinceMs int64  `json:"sinceMs"`
}

// RecordOut is one changed record returned by a sync-map request.
type RecordOut struct {
	Key       string        `json:"key"`
	Value     []byte        `json:"value,omitempty"`
	Timestamp hlc.Timestamp `json:"timestamp"`
	EventType string        `json:"eventType"`
}

// SearchRequest is one one-shot full-text search.
type SearchRequest struct {
	MapName string `json:"mapName"`
	Query   string `json:"query"`
	Limit   int    `json:"limit"`
}

// SearchResult carries one search's hits; Error is set when search is not
// available for the map.
type SearchResult struct {
	MapName string       `json:"mapName"`
	Hits    []search.Hit `json:"hits,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// Request is one HTTP sync-facade call.
type Request struct {
	Token     string
	ClientHLC hlc.Timestamp
	Ops       []*pipeline.Op
	SyncMaps  []SyncMapRequest
	Queries   []*query.Query
	Searches  []SearchRequest
}

// Response is the facade's reply; ServerHLC becomes the client's next-round
// low-water mark.
type Response struct {
	ServerHLC    hlc.Timestamp          `json:"serverHlc"`
	OpResults     []OpResult             `json:"opResults,omitempty"`
	SyncResults   map[string][]RecordOut `json:"syncResults,omitempty"`
	QueryResults  []query.Page           `json:"queryResults,omitempty"`
	SearchResults []SearchResult         `json:"searchResults,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

// Facade handles one-shot HTTP sync requests against the same pipeline and
// storage the websocket path uses.
type Facade struct {
	authHandler *auth.Handler
	clock       *hlc.Clock
	pipeline    *pipeline.Pipeline
	storage     *storage.Manager
	searchMgr   *search.Manager
	checkPerm   PermissionChecker
}

func New(authHandler *auth.Handler, clock *hlc.Clock, p *pipeline.Pipeline, storageMgr *storage.Manager, searchMgr *search.Manager, checkPerm PermissionChecker) *Facade {
	return &Facade{authHandler: authHandler, clock: clock, pipeline: p, storage: storageMgr, searchMgr: searchMgr, checkPerm: checkPerm}
}

// Handle runs the full stateless request: verify, tick, apply, sync, query.
func (f *Facade) Handle(req *Request) *Response {
	principal, err := f.authHandler.VerifyToken(req.Token)
	if err != nil {
		return &Response{Error: "401 " + err.Error()}
	}

	serverHLC := f.clock.Update(req.ClientHLC)

	var opResults []OpResult
	for _, op := range req.Ops {
		if !f.checkPerm(principal, op.Verb, op.MapName) {
			opResults = append(opResults, OpResult{OpID: op.ID, Error: "403 forbidden"})
			continue
		}
		ctx := &pipeline.Context{Principal: principal, Authenticated: true}
		result := f.pipeline.ProcessLocal(ctx, op, nil)
		if result.Err != nil {
			opResults = append(opResults, OpResult{OpID: op.ID, Error: result.Err.Error()})
		} else if result.Rejected {
			opResults = append(opResults, OpResult{OpID: op.ID, Error: result.RejectReason})
		} else {
			opResults = append(opResults, OpResult{OpID: op.ID})
		}
	}

	var syncResults map[string][]RecordOut
	for _, sm := range req.SyncMaps {
		recs := f.syncMap(sm)
		if len(recs) == 0 {
			continue
		}
		if syncResults == nil {
			syncResults = make(map[string][]RecordOut)
		}
		syncResults[sm.MapName] = recs
	}

	var queryResults []query.Page
	for _, q := range req.Queries {
		slot, ok := f.storage.Existing(q.MapName)
		if !ok {
			queryResults = append(queryResults, query.Page{})
			continue
		}
		slot.AwaitReady()
		results := query.ExecuteLocal(f.storage, q)
		queryResults = append(queryResults, query.Finalize(q, results, "", time.Duration(0), serverHLC.Millis))
	}

	var searchResults []SearchResult
	for _, sr := range req.Searches {
		if !f.checkPerm(principal, pipeline.VerbRead, sr.MapName) {
			searchResults = append(searchResults, SearchResult{MapName: sr.MapName, Error: "403 forbidden"})
			continue
		}
		hits, ok := f.searchMgr.Search(sr.MapName, sr.Query, sr.Limit)
		if !ok {
			searchResults = append(searchResults, SearchResult{MapName: sr.MapName, Error: "search disabled for map " + sr.MapName})
			continue
		}
		searchResults = append(searchResults, SearchResult{MapName: sr.MapName, Hits: hits})
	}

	return &Response{
		ServerHLC:     serverHLC,
		OpResults:     opResults,
		SyncResults:   syncResults,
		QueryResults:  queryResults,
		SearchResults: searchResults,
	}
}

// syncMap returns every record on sm.MapName whose HLC strictly postdates
// sm.SinceMs, with eventType inferred from value===null.
func (f *Facade) syncMap(sm SyncMapRequest) []RecordOut {
	slot, ok := f.storage.Existing(sm.MapName)
	if !ok {
		return nil
	}
	slot.AwaitReady()

	var out []RecordOut
	switch slot.Type() {
	case storage.TypeLWW:
		slot.LWW().ScanAll(func(key string, r *crdt.Record) {
			if r.Timestamp.Millis <= sm.SinceMs {
				return
			}
			eventType := "PUT"
			if r.IsTombstone() {
				eventType = "DELETE"
			}
			out = append(out, RecordOut{Key: key, Value: r.Value, Timestamp: r.Timestamp, EventType: eventType})
		})
	case storage.TypeOR:
		for _, key := range slot.OR().Keys() {
			for _, e := range slot.OR().Live(key) {
				if e.Timestamp.Millis <= sm.SinceMs {
					continue
				}
				out = append(out, RecordOut{Key: key, Value: e.Value, Timestamp: e.Timestamp, EventType: "OR_ADD"})
			}
		}
	}
	return out
}

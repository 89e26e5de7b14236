package query

import (
	"sort"
	"time"

	"github.com/crdtmesh/coordinator/internal/crdt"
	"github.com/crdtmesh/coordinator/internal/storage"
)

// Result is one matched record ready for QUERY_RESP.
type Result struct {
	Key       string
	Value     []byte
	Timestamp interface{}
	SortValue interface{}
}

// Page is a finalized, paginated result set.
type Page struct {
	Results      []Result
	NextCursor   string
	HasMore      bool
	CursorStatus CursorStatus
}

// ExecuteLocal runs q against the named map in mgr, awaiting map readiness
// first. LWW maps yield non-tombstone records; OR maps aggregate every
// key's surviving tagged values. A map that has never been referenced
// yields no results rather than being created as a side effect of a query.
func ExecuteLocal(mgr *storage.Manager, q *Query) []Result {
	slot, ok := mgr.Existing(q.MapName)
	if !ok {
		return nil
	}
	slot.AwaitReady()

	var out []Result
	switch slot.Type() {
	case storage.TypeLWW:
		slot.LWW().Scan(func(key string, r *crdt.Record) {
			if q.Matches(r.Value) {
				out = append(out, Result{Key: key, Value: r.Value, Timestamp: r.Timestamp, SortValue: q.SortValue(r.Value)})
			}
		})
	case storage.TypeOR:
		for _, key := range slot.OR().Keys() {
			for _, v := range slot.OR().Live(key) {
				if q.Matches(v.Value) {
					out = append(out, Result{Key: key, Value: v.Value, Timestamp: v.Timestamp, SortValue: q.SortValue(v.Value)})
				}
			}
		}
	}
	return out
}

// Finalize runs the dedup/sort/paginate stage shared by both local and
// scatter/gather execution paths.
func Finalize(q *Query, results []Result, cursorRaw string, maxCursorAge time.Duration, nowMs int64) Page {
	dedup := make(map[string]Result, len(results))
	for _, r := range results {
		dedup[r.Key] = r
	}
	merged := make([]Result, 0, len(dedup))
	for _, r := range dedup {
		merged = append(merged, r)
	}

	sortResults(merged, q.Sort)

	cursor, status := Decode(cursorRaw, q, maxCursorAge, nowMs)
	if status == CursorInvalid || status == CursorExpired {
		return Page{CursorStatus: status}
	}
	if cursor != nil {
		idx := indexAfterCursor(merged, cursor)
		merged = merged[idx:]
	}

	limit := q.Limit
	if limit <= 0 || limit > len(merged) {
		limit = len(merged)
	}
	page := merged[:limit]
	hasMore := limit < len(merged)

	var nextCursor string
	if hasMore && len(page) > 0 {
		last := page[len(page)-1]
		nextCursor = Encode(q, last.Key, last.SortValue, nowMs)
	}
	if status == CursorNone {
		status = CursorValid
	}
	return Page{Results: page, NextCursor: nextCursor, HasMore: hasMore, CursorStatus: status}
}

func indexAfterCursor(results []Result, c *Cursor) int {
	for i, r := range results {
		if r.Key == c.LastKey {
			return i + 1
		}
	}
	return 0
}

func sortResults(results []Result, fields []SortField) {
	if len(fields) == 0 {
		sort.Slice(results, func(i, j int) bool { return results[i].Key < results[j].Key })
		return
	}
	f := fields[0]
	sort.Slice(results, func(i, j int) bool {
		less := lessValue(results[i].SortValue, results[j].SortValue)
		if f.Desc {
			return !less && results[i].SortValue != results[j].SortValue
		}
		return less
	})
}

func lessValue(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af < bf
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as < bs
	}
	return false
}

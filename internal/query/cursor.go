package query

import (
	"encoding/base64"
	"strconv"
	"time"

	"github.com/OneOfOne/xxhash"
)

// CursorStatus is what validating an inbound cursor against the current
// query yields.
type CursorStatus string

const (
	CursorNone    CursorStatus = "none"
	CursorValid   CursorStatus = "valid"
	CursorExpired CursorStatus = "expired"
	CursorInvalid CursorStatus = "invalid"
)

// Cursor is the opaque pagination token: the last key and sort value
// returned, plus a fingerprint binding it to the exact query it was issued
// for so a client can't replay it against a different predicate/sort.
type Cursor struct {
	LastKey         string      `json:"lastKey"`
	LastSortValue   interface{} `json:"lastSortValue"`
	SortFingerprint string      `json:"sortFingerprint"`
	PredicateHash   string      `json:"predicateHash"`
	IssuedAtMs      int64       `json:"issuedAtMs"`
}

func fingerprint(q *Query) (sortFp, predicateHash string) {
	sortBytes, _ := json.Marshal(q.Sort)
	filterBytes, _ := json.Marshal(q.Filters)
	mapBytes := []byte(q.MapName)
	return strconv.FormatUint(xxhash.ChecksumString64(string(sortBytes)), 16),
		strconv.FormatUint(xxhash.ChecksumString64(string(mapBytes)+string(filterBytes)), 16)
}

// Encode builds an opaque cursor string for the last record returned in
// this page of results.
func Encode(q *Query, lastKey string, lastSortValue interface{}, issuedAtMs int64) string {
	sortFp, predicateHash := fingerprint(q)
	c := Cursor{
		LastKey:         lastKey,
		LastSortValue:   lastSortValue,
		SortFingerprint: sortFp,
		PredicateHash:   predicateHash,
		IssuedAtMs:      issuedAtMs,
	}
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

// Decode parses an opaque cursor string, validating it against q and
// maxAge. nowMs is injected so callers control the clock.
func Decode(raw string, q *Query, maxAge time.Duration, nowMs int64) (*Cursor, CursorStatus) {
	if raw == "" {
		return nil, CursorNone
	}
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, CursorInvalid
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, CursorInvalid
	}
	sortFp, predicateHash := fingerprint(q)
	if c.SortFingerprint != sortFp || c.PredicateHash != predicateHash {
		return nil, CursorInvalid
	}
	if maxAge > 0 && nowMs-c.IssuedAtMs > maxAge.Milliseconds() {
		return nil, CursorExpired
	}
	return &c, CursorValid
}

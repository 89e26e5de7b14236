// Package query implements the canonical predicate tree, local and
// distributed execution, cursor-based pagination and the incremental-update
// registry behind QUERY_SUB.
package query

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Op is a predicate comparison operator.
type Op string

const (
	OpEQ       Op = "EQ"
	OpNE       Op = "NE"
	OpGT       Op = "GT"
	OpGTE      Op = "GTE"
	OpLT       Op = "LT"
	OpLTE      Op = "LTE"
	OpContains Op = "CONTAINS"
)

// Filter is one leaf predicate: field compared against value.
type Filter struct {
	Field string      `json:"field"`
	Op    Op          `json:"op"`
	Value interface{} `json:"value"`
}

// SortField is one entry of a query's global sort order.
type SortField struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc"`
}

// Query is the canonical predicate tree a QUERY_SUB request compiles to.
type Query struct {
	MapName string      `json:"mapName"`
	Filters []Filter    `json:"filters"`
	Sort    []SortField `json:"sort"`
	Limit   int         `json:"limit"`
}

// Matches decodes value as a JSON object and evaluates every filter against
// it (conjunctive — all filters must pass). A record that fails to decode as
// an object never matches a predicate with filters.
func (q *Query) Matches(value []byte) bool {
	if len(q.Filters) == 0 {
		return true
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(value, &doc); err != nil {
		return false
	}
	for _, f := range q.Filters {
		if !f.matches(doc[f.Field]) {
			return false
		}
	}
	return true
}

func (f *Filter) matches(actual interface{}) bool {
	switch f.Op {
	case OpEQ:
		return compareEqual(actual, f.Value)
	case OpNE:
		return !compareEqual(actual, f.Value)
	case OpGT, OpGTE, OpLT, OpLTE:
		return compareOrdered(actual, f.Value, f.Op)
	case OpContains:
		return containsValue(actual, f.Value)
	default:
		return false
	}
}

func compareEqual(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func compareOrdered(a, b interface{}, op Op) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return false
	}
	switch op {
	case OpGT:
		return af > bf
	case OpGTE:
		return af >= bf
	case OpLT:
		return af < bf
	case OpLTE:
		return af <= bf
	}
	return false
}

func containsValue(actual, want interface{}) bool {
	list, ok := actual.([]interface{})
	if !ok {
		return false
	}
	for _, v := range list {
		if compareEqual(v, want) {
			return true
		}
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// SortValue extracts the first sort field's value from value, used for
// global sort and as the cursor's lastSortValue.
func (q *Query) SortValue(value []byte) interface{} {
	if len(q.Sort) == 0 {
		return nil
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(value, &doc); err != nil {
		return nil
	}
	return doc[q.Sort[0].Field]
}

package query

import "testing"

func TestFilterEQ(t *testing.T) {
	q := &Query{Filters: []Filter{{Field: "status", Op: OpEQ, Value: "open"}}}
	if !q.Matches([]byte(`{"status":"open"}`)) {
		t.Fatalf("expected match on equal string field")
	}
	if q.Matches([]byte(`{"status":"closed"}`)) {
		t.Fatalf("expected no match on differing string field")
	}
}

func TestFilterNumericComparisons(t *testing.T) {
	cases := []struct {
		op    Op
		value float64
		doc   string
		want  bool
	}{
		{OpGT, 5, `{"n":10}`, true},
		{OpGT, 5, `{"n":5}`, false},
		{OpGTE, 5, `{"n":5}`, true},
		{OpLT, 5, `{"n":1}`, true},
		{OpLTE, 5, `{"n":5}`, true},
		{OpNE, 5, `{"n":6}`, true},
	}
	for _, c := range cases {
		q := &Query{Filters: []Filter{{Field: "n", Op: c.op, Value: c.value}}}
		if got := q.Matches([]byte(c.doc)); got != c.want {
			t.Errorf("%v %v against %s: got %v want %v", c.op, c.value, c.doc, got, c.want)
		}
	}
}

func TestFilterContains(t *testing.T) {
	q := &Query{Filters: []Filter{{Field: "tags", Op: OpContains, Value: "urgent"}}}
	if !q.Matches([]byte(`{"tags":["a","urgent"]}`)) {
		t.Fatalf("expected CONTAINS to match an element of the array")
	}
	if q.Matches([]byte(`{"tags":["a","b"]}`)) {
		t.Fatalf("expected no match when element is absent")
	}
}

func TestFilterConjunction(t *testing.T) {
	q := &Query{Filters: []Filter{
		{Field: "status", Op: OpEQ, Value: "open"},
		{Field: "priority", Op: OpGTE, Value: float64(3)},
	}}
	if !q.Matches([]byte(`{"status":"open","priority":5}`)) {
		t.Fatalf("expected both filters to pass")
	}
	if q.Matches([]byte(`{"status":"open","priority":1}`)) {
		t.Fatalf("expected failure when one filter does not match")
	}
}

func TestQueryMatchesUndecodableValueNeverMatchesWithFilters(t *testing.T) {
	q := &Query{Filters: []Filter{{Field: "x", Op: OpEQ, Value: "y"}}}
	if q.Matches([]byte("not json")) {
		t.Fatalf("undecodable value must never match a predicate with filters")
	}
}

func TestQueryMatchesNoFiltersAlwaysTrue(t *testing.T) {
	q := &Query{}
	if !q.Matches([]byte("anything, even not json")) {
		t.Fatalf("a query with no filters must match every record")
	}
}

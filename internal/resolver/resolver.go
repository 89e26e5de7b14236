// Package resolver implements the named conflict-resolution policy catalog
// that REGISTER_RESOLVER/UNREGISTER_RESOLVER/LIST_RESOLVERS select from —
// wire callers name a policy, they never ship a function.
package resolver

import (
	"fmt"
	"sort"
	"sync"

	"github.com/crdtmesh/coordinator/internal/crdt"
	"github.com/crdtmesh/coordinator/internal/pipeline"
)

// Policy is a named conflict-resolution function suitable for
// pipeline.Pipeline.RegisterResolver.
type Policy = pipeline.ConflictResolver

// builtins is the fixed catalog of resolution strategies this node ships.
var builtins = map[string]Policy{
	// HighestValueWins keeps whichever value is greater as raw bytes,
	// ignoring HLC order, so the stored value never regresses regardless of
	// write order. Values compare as byte strings, not numbers: "9" beats "10".
	"HIGHEST_VALUE_WINS": func(existing, incoming *crdt.Record) (*crdt.Record, bool) {
		if existing == nil || existing.IsTombstone() {
			return incoming, false
		}
		if incoming == nil || incoming.IsTombstone() {
			return existing, false
		}
		if string(incoming.Value) > string(existing.Value) {
			return incoming, false
		}
		return existing, false
	},
	// RejectConcurrentWrites refuses any incoming write that does not
	// strictly postdate the existing record's HLC stamp, instead of
	// silently picking a winner.
	"REJECT_CONCURRENT_WRITES": func(existing, incoming *crdt.Record) (*crdt.Record, bool) {
		if existing == nil || existing.IsTombstone() {
			return incoming, false
		}
		if incoming.Timestamp.Compare(existing.Timestamp) <= 0 {
			return existing, true
		}
		return incoming, false
	},
	// FirstWriterWins keeps whatever is already present, used for maps
	// that model write-once registration records.
	"FIRST_WRITER_WINS": func(existing, incoming *crdt.Record) (*crdt.Record, bool) {
		if existing == nil || existing.IsTombstone() {
			return incoming, false
		}
		return existing, true
	},
}

// Registry tracks which named policy is active per map, on top of the
// pipeline's own resolver table, so LIST_RESOLVERS can report names instead
// of opaque function identity.
type Registry struct {
	mu       sync.Mutex
	pipeline *pipeline.Pipeline
	active   map[string]string // mapName -> policy name
}

func NewRegistry(p *pipeline.Pipeline) *Registry {
	return &Registry{pipeline: p, active: make(map[string]string)}
}

// Register activates policyName for mapName, replacing any prior policy.
func (r *Registry) Register(mapName, policyName string) error {
	policy, ok := builtins[policyName]
	if !ok {
		return fmt.Errorf("resolver: unknown policy %q", policyName)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipeline.RegisterResolver(mapName, policy)
	r.active[mapName] = policyName
	return nil
}

func (r *Registry) Unregister(mapName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipeline.UnregisterResolver(mapName)
	delete(r.active, mapName)
}

// Binding is one active (map, policy) pair reported by LIST_RESOLVERS.
type Binding struct {
	MapName    string `json:"mapName"`
	PolicyName string `json:"policyName"`
}

func (r *Registry) List() []Binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Binding, 0, len(r.active))
	for m, p := range r.active {
		out = append(out, Binding{MapName: m, PolicyName: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MapName < out[j].MapName })
	return out
}

// PolicyNames returns every policy name available for registration.
func PolicyNames() []string {
	out := make([]string, 0, len(builtins))
	for name := range builtins {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

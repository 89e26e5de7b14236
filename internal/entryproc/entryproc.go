// Package entryproc implements the named server-side value-transform
// registry ENTRY_PROCESS and ENTRY_PROCESS_BATCH invoke by name, so a client
// can request a transform without shipping code.
package entryproc

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Processor transforms one decoded JSON value, returning the new value.
type Processor func(value map[string]interface{}, args map[string]interface{}) (map[string]interface{}, error)

var builtins = map[string]Processor{
	// Increment adds args["by"] (default 1) to the numeric field args["field"].
	"INCREMENT": func(value, args map[string]interface{}) (map[string]interface{}, error) {
		field, _ := args["field"].(string)
		if field == "" {
			return nil, fmt.Errorf("entryproc: INCREMENT requires args.field")
		}
		by := 1.0
		if v, ok := args["by"].(float64); ok {
			by = v
		}
		cur, _ := value[field].(float64)
		value[field] = cur + by
		return value, nil
	},
	// SetField overwrites args["field"] with args["value"].
	"SET_FIELD": func(value, args map[string]interface{}) (map[string]interface{}, error) {
		field, _ := args["field"].(string)
		if field == "" {
			return nil, fmt.Errorf("entryproc: SET_FIELD requires args.field")
		}
		value[field] = args["value"]
		return value, nil
	},
	// RemoveField deletes args["field"] from the record.
	"REMOVE_FIELD": func(value, args map[string]interface{}) (map[string]interface{}, error) {
		field, _ := args["field"].(string)
		delete(value, field)
		return value, nil
	},
}

// Registry is the node-wide entry-processor catalog. It ships with builtins
// fixed; nothing about it is currently mutable beyond lookup, but it is a
// struct (not package functions) so a future deployment can inject
// additional named processors without changing every call site.
type Registry struct {
	mu    sync.RWMutex
	procs map[string]Processor
}

func NewRegistry() *Registry {
	procs := make(map[string]Processor, len(builtins))
	for k, v := range builtins {
		procs[k] = v
	}
	return &Registry{procs: procs}
}

// Apply runs the named processor against raw (a JSON-encoded record value)
// and returns the re-encoded result.
func (r *Registry) Apply(name string, raw []byte, args map[string]interface{}) ([]byte, error) {
	r.mu.RLock()
	proc, ok := r.procs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("entryproc: unknown processor %q", name)
	}
	var value map[string]interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("entryproc: decode value: %w", err)
	}
	out, err := proc(value, args)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.procs))
	for name := range r.procs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

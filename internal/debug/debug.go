// Package debug provides compile-time-gated invariant assertions: per-package
// verbosity modules and a single Assert/Assertf pair.
package debug

import (
	"fmt"

	"github.com/golang/glog"
)

// Module identifies a coordinator subsystem for independent debug-log
// verbosity control, the way cmn/debug enumerates "ais", "cluster", "fs".
type Module uint8

const (
	ModulePipeline Module = iota
	ModuleBroadcast
	ModuleGC
	ModuleQuery
	ModuleCluster
	ModuleStorage
)

var names = map[Module]string{
	ModulePipeline:  "pipeline",
	ModuleBroadcast: "broadcast",
	ModuleGC:        "gc",
	ModuleQuery:     "query",
	ModuleCluster:   "cluster",
	ModuleStorage:   "storage",
}

func (m Module) String() string { return names[m] }

// Enabled is set to true by debug_on.go when built with the "debug" build
// tag, and stays false otherwise.
var Enabled = false

// Assert panics with the given args if cond is false. Only ever called on
// conditions that indicate a protocol or invariant violation, never on
// expected runtime outcomes (permission denial, timeout, etc. are first-class
// result variants, not assertion failures).
func Assert(cond bool, args ...interface{}) {
	if !Enabled || cond {
		return
	}
	glog.Errorf("[DEBUG] assertion failed: %s", fmt.Sprint(args...))
	panic(fmt.Sprint(args...))
}

// Assertf is the Printf-style variant of Assert.
func Assertf(cond bool, format string, args ...interface{}) {
	if !Enabled || cond {
		return
	}
	msg := fmt.Sprintf(format, args...)
	glog.Errorf("[DEBUG] assertion failed: %s", msg)
	panic(msg)
}

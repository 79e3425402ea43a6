// Package registry is the in-runner test inventory (§9, "Late-binding of
// tests in the runner"): user test functions register themselves by
// calling Register from an init() function, the idiomatic Go stand-in for
// the link-section-backed static inventory the design notes describe as
// one option ("an explicit registration call emitted by the test macro
// into a generated fn register_all").
package registry

import (
	"fmt"
	"sort"
	"sync"

	"hive.dev/hive/internal/hwmodel"
)

// TestFunc is a user test function. It receives the per-worker handle
// constructed by the dispatcher for one (probe, target) pair (§4.8 step 4).
type TestFunc func(tc *TestChannel) error

// TestChannel is the per-worker context handed to a test function for one
// wave (§4.8): the probe and target it was assigned, and the active
// testprogram's defines.
type TestChannel struct {
	ProbeSlot    hwmodel.ProbeSlot
	ProbeHandle  any // the probe-library handle; opaque to registry (out of scope per spec.md §1)
	TargetSocket hwmodel.TargetSocket
	Target       hwmodel.TargetAssignment
	Defines      map[string]any
}

// Entry is one registered test function and its declared scheduling
// constraints (§4.8).
type Entry struct {
	Name   string
	Module string
	Func   TestFunc

	// SupportedArchitectures is the set of architectures this test may run
	// against. A (probe, target) pair is scheduled only if the target's
	// architecture is in this set.
	SupportedArchitectures []hwmodel.Architecture

	// TargetGlob restricts scheduling to targets whose name matches this
	// shell-style glob (§4.8). Empty means every target matches.
	TargetGlob string

	// Timeout overrides the dispatcher's default per-test wall-clock
	// timeout (§4.8: "default 30s, overridable per test") when non-zero.
	Timeout int64 // nanoseconds; zero means "use the dispatcher default"

	// ShouldPanic marks a test that is expected to panic; the dispatcher
	// reports such a test as pass when it panics and fail when it
	// returns normally (supplemented from original_source's per-test
	// should_panic attribute — SPEC_FULL.md supplemented feature 4).
	ShouldPanic bool

	// declOrder preserves registration order for the "(declared-order,
	// name)" wave sort (§4.8).
	declOrder int
}

var (
	mu      sync.Mutex
	entries []Entry
	seq     int
)

// Register adds e to the global registry. Called from a test file's
// init(), before the runner's main() computes a schedule.
func Register(e Entry) {
	mu.Lock()
	defer mu.Unlock()

	e.declOrder = seq
	seq++
	entries = append(entries, e)
}

// All returns every registered test, sorted by (declared-order, name) as
// required for deterministic wave ordering (§4.8).
func All() []Entry {
	mu.Lock()
	defer mu.Unlock()

	out := make([]Entry, len(entries))
	copy(out, entries)

	sort.Slice(out, func(i, j int) bool {
		if out[i].declOrder != out[j].declOrder {
			return out[i].declOrder < out[j].declOrder
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Reset clears the registry. Exposed for tests that need a clean registry
// between cases; production code never calls it.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	entries = nil
	seq = 0
}

// SupportsArchitecture reports whether e declares support for arch.
func (e Entry) SupportsArchitecture(arch hwmodel.Architecture) bool {
	for _, a := range e.SupportedArchitectures {
		if a == arch {
			return true
		}
	}
	return false
}

func (e Entry) String() string {
	return fmt.Sprintf("%s::%s", e.Module, e.Name)
}

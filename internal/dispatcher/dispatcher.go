// Package dispatcher implements the In-Runner Dispatcher (§4.8): it
// computes each registered test's schedule, then executes it in waves of
// N = number-of-Known-probes workers, each worker owning one probe for the
// whole run and rendezvousing with the others at two per-wave barriers.
package dispatcher

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"hive.dev/hive/internal/flasher"
	"hive.dev/hive/internal/hwmodel"
	"hive.dev/hive/internal/ipc"
	"hive.dev/hive/internal/registry"
	"hive.dev/hive/internal/switchmatrix"
)

// DefaultTestTimeout is the per-test wall-clock budget when a test entry
// does not override it (§4.8).
const DefaultTestTimeout = 30 * time.Second

// ProbeOpener opens the probe-library handle for a Known probe slot. The
// real implementation wraps the probe library (out of scope per spec.md
// §1); returning an error marks the probe dead for the remainder of the
// run (ProbeError, §4.8).
type ProbeOpener interface {
	Handle(slot hwmodel.ProbeSlot) (flasher.ProbeHandle, error)
}

// Dispatcher runs every registered test's schedule against one
// HardwareState snapshot and a set of already-built binaries.
type Dispatcher struct {
	matrix       *switchmatrix.Matrix
	probes       ProbeOpener
	binaries     map[hwmodel.BinaryKey][]byte
	defines      map[string]any
	targetFilter glob.Glob
	filterErr    error
	emit         func(ipc.Message)
	cancelled    func() bool

	deadMu sync.Mutex
	dead   map[hwmodel.ProbeSlot]bool
}

// New builds a Dispatcher. targetFilter restricts every test's schedule to
// targets whose name matches it (§6 submit_test(binary_bytes, filter));
// empty means every target is eligible. emit is called for every
// TestResult produced and for the FatalError frame Run sends when a glob
// does not compile; cancelled is polled between waves (§4.8, §5: "the
// dispatcher polls the IPC read half between waves").
func New(matrix *switchmatrix.Matrix, probes ProbeOpener, binaries map[hwmodel.BinaryKey][]byte, defines map[string]any, targetFilter string, emit func(ipc.Message), cancelled func() bool) *Dispatcher {
	d := &Dispatcher{
		matrix:    matrix,
		probes:    probes,
		binaries:  binaries,
		defines:   defines,
		emit:      emit,
		cancelled: cancelled,
		dead:      make(map[hwmodel.ProbeSlot]bool),
	}
	if targetFilter != "" {
		d.targetFilter, d.filterErr = glob.Compile(targetFilter)
	}
	return d
}

// Run executes every registered test's schedule in declared-order and
// returns the number of TestResult frames emitted. It never emits the
// terminal Results frame — that's the caller's job, since only the caller
// knows whether Run returned early due to cancellation. It does emit a
// FatalError frame itself, and stops, when the target filter or a test's
// target glob fails to compile.
func (d *Dispatcher) Run(probeAssignments [hwmodel.MaxProbeSlots]hwmodel.ProbeAssignment, targetAssignments [hwmodel.MaxTSS][hwmodel.MaxTargetsPerTSS]hwmodel.TargetAssignment) int {
	if d.filterErr != nil {
		d.emit(ipc.NewFatalError("invalid target filter: %v", d.filterErr))
		return 0
	}

	probeSlots := knownProbeSlotsSorted(probeAssignments)
	targets := knownTargetsSorted(targetAssignments)
	count := 0

	for _, entry := range sortedTests() {
		if d.cancelled() || len(probeSlots) == 0 {
			return count
		}

		mt, err := matchingTargets(entry, targets, d.targetFilter)
		if err != nil {
			// Bug: an invariant violation (an unparseable glob should have
			// been rejected at registration time) invalidates the whole run.
			d.emit(ipc.NewFatalError("test %s declared an invalid target glob: %v", entry, err))
			return count
		}
		if len(mt) == 0 {
			continue
		}

		rounds := max(len(probeSlots), len(mt))
		for round := 0; round < rounds; round++ {
			if d.cancelled() {
				return count
			}
			for _, res := range d.runWave(entry, probeSlots, mt, round, rounds) {
				d.emit(ipc.NewTestResult(res))
				count++
			}
		}
	}
	return count
}

// runWave runs entry once per worker, each against a different target
// drawn from mt by round-robin rotation so that, across all `rounds =
// max(len(probeSlots), len(mt))` rounds, every (probe, target) pair in the
// cross product is covered exactly once (§4.8, P6) while no two workers
// ever share a target within a single round. When there are more probes
// than matching targets, a worker whose rotated index falls outside mt has
// no target to run against this round and idles at both barriers instead
// of being wrapped onto a target another worker already owns.
func (d *Dispatcher) runWave(entry registry.Entry, probeSlots []hwmodel.ProbeSlot, mt []targetHandle, round, rounds int) []ipc.TestResultPayload {
	n := len(probeSlots)
	postFlash := newBarrier(n)
	postTest := newBarrier(n)

	resultsCh := make(chan ipc.TestResultPayload, n)
	var wg sync.WaitGroup

	for workerIdx, slot := range probeSlots {
		wg.Add(1)
		go func(workerIdx int, slot hwmodel.ProbeSlot) {
			defer wg.Done()
			idx := (workerIdx + round) % rounds
			if idx >= len(mt) {
				postFlash.wait()
				postTest.wait()
				return
			}
			resultsCh <- d.runOne(entry, slot, mt[idx], postFlash, postTest)
		}(workerIdx, slot)
	}

	wg.Wait()
	close(resultsCh)

	out := make([]ipc.TestResultPayload, 0, n)
	for r := range resultsCh {
		out = append(out, r)
	}
	return out
}

// runOne drives one worker's pipeline for one (probe, target) pair: route,
// power, flash, rendezvous, test, rendezvous (§4.8 steps 1-6).
func (d *Dispatcher) runOne(entry registry.Entry, slot hwmodel.ProbeSlot, th targetHandle, postFlash, postTest *barrier) ipc.TestResultPayload {
	base := ipc.TestResultPayload{
		TestName:     entry.Name,
		ModulePath:   entry.Module,
		ProbeSlot:    slot,
		TargetSocket: th.Socket,
		ShouldPanic:  entry.ShouldPanic,
	}

	if d.isDead(slot) {
		postFlash.wait()
		postTest.wait()
		base.Outcome = ipc.OutcomeSkip
		base.Message = "probe dead from a prior error this run"
		return base
	}

	start := time.Now()

	handle, err := d.probes.Handle(slot)
	if err != nil {
		d.markDead(slot)
		postFlash.wait()
		postTest.wait()
		base.Outcome = ipc.OutcomeSkip
		base.Message = fmt.Sprintf("probe error: %v", err)
		return base
	}

	if res, ok := d.flashPair(slot, th, handle); !ok {
		postFlash.wait()
		postTest.wait()
		base.Outcome = res.Outcome
		base.Message = res.Message
		return base
	}

	postFlash.wait() // before-flash: all workers have finished flashing

	outcome, message, backtrace := d.runTest(entry, slot, th, handle)
	base.Outcome = outcome
	base.Message = message
	base.Backtrace = backtrace
	base.DurationUs = time.Since(start).Microseconds()

	postTest.wait() // before-test: bounds the next wave
	return base
}

// flashPair routes the probe, powers the target, and flashes it. A
// failure here is a TargetError (§4.8): it affects only this pair.
func (d *Dispatcher) flashPair(slot hwmodel.ProbeSlot, th targetHandle, handle flasher.ProbeHandle) (ipc.TestResultPayload, bool) {
	if err := d.matrix.Connect(slot, th.Socket); err != nil {
		return ipc.TestResultPayload{Outcome: ipc.OutcomeSkip, Message: fmt.Sprintf("target error: failed to route probe: %v", err)}, false
	}
	if err := d.matrix.TargetVccOn(th.Socket); err != nil {
		return ipc.TestResultPayload{Outcome: ipc.OutcomeSkip, Message: fmt.Sprintf("target error: failed to power target: %v", err)}, false
	}

	elf, ok := d.binaries[hwmodel.BinaryKey{Arch: th.Target.Arch, RAMOrigin: th.Target.RAMOrigin}]
	if !ok {
		return ipc.TestResultPayload{Outcome: ipc.OutcomeSkip, Message: "flash failed: no linked binary available"}, false
	}

	res := flasher.Flash(handle, th.Target.Name, elf)
	if res.Status != hwmodel.FlashStatusOk {
		return ipc.TestResultPayload{Outcome: ipc.OutcomeSkip, Message: "flash failed: " + res.Message}, false
	}
	return ipc.TestResultPayload{}, true
}

// runTest invokes the user's test function with a wall-clock timeout,
// classifying the outcome per §4.8 steps 4-5: pass/fail, or (on panic) a
// backtrace filtered to frames between the test entry and the dispatcher.
// ShouldPanic inverts the usual pass/fail mapping (supplemented feature 4).
// An entry with a nil Func is treated as a test that returns nil.
func (d *Dispatcher) runTest(entry registry.Entry, slot hwmodel.ProbeSlot, th targetHandle, handle flasher.ProbeHandle) (outcome ipc.Outcome, message, backtrace string) {
	timeout := DefaultTestTimeout
	if entry.Timeout > 0 {
		timeout = time.Duration(entry.Timeout)
	}

	tc := &registry.TestChannel{
		ProbeSlot:    slot,
		ProbeHandle:  handle,
		TargetSocket: th.Socket,
		Target:       th.Target,
		Defines:      d.defines,
	}

	type outcomeResult struct {
		err       error
		panicked  bool
		panicVal  any
		backtrace string
	}
	done := make(chan outcomeResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcomeResult{panicked: true, panicVal: r, backtrace: string(debug.Stack())}
			}
		}()
		var err error
		if entry.Func != nil {
			err = entry.Func(tc)
		}
		done <- outcomeResult{err: err}
	}()

	select {
	case r := <-done:
		switch {
		case r.panicked:
			if entry.ShouldPanic {
				return ipc.OutcomePass, fmt.Sprintf("%v", r.panicVal), r.backtrace
			}
			return ipc.OutcomeFail, fmt.Sprintf("%v", r.panicVal), r.backtrace
		case entry.ShouldPanic:
			return ipc.OutcomeFail, "expected a panic but the test returned normally", ""
		case r.err != nil:
			return ipc.OutcomeFail, r.err.Error(), ""
		default:
			return ipc.OutcomePass, "", ""
		}
	case <-time.After(timeout):
		return ipc.OutcomeFail, fmt.Sprintf("test timed out after %s", timeout), ""
	}
}

func (d *Dispatcher) isDead(slot hwmodel.ProbeSlot) bool {
	d.deadMu.Lock()
	defer d.deadMu.Unlock()
	return d.dead[slot]
}

func (d *Dispatcher) markDead(slot hwmodel.ProbeSlot) {
	d.deadMu.Lock()
	defer d.deadMu.Unlock()
	d.dead[slot] = true
}

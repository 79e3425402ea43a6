// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command hive-runner is the in-runner dispatcher binary (§4.6, §4.8): it is
// invoked with no arguments inside the sandbox, reads the inherited IPC
// socket named by HIVE_IPC_FD, and drives every registered test against the
// hardware assignments the controller sends in the Init frame.
//
// A real build links this package's main against test packages that
// register entries with internal/registry via a blank import; this
// reference build registers none, so Run's schedule is always empty.
package main

import (
	"fmt"
	"os"
	"strconv"

	"hive.dev/hive/internal/dispatcher"
	"hive.dev/hive/internal/flasher"
	"hive.dev/hive/internal/hwmodel"
	"hive.dev/hive/internal/hwstate"
	"hive.dev/hive/internal/ipc"
	"hive.dev/hive/internal/sandbox"
	"hive.dev/hive/internal/switchmatrix"
)

func main() {
	os.Exit(run())
}

func run() int {
	fdStr := os.Getenv(sandbox.IPCFdEnvVar)
	fd, err := strconv.Atoi(fdStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hive-runner: invalid or missing %s: %v\n", sandbox.IPCFdEnvVar, err)
		return 1
	}
	conn := os.NewFile(uintptr(fd), "hive-ipc")
	defer conn.Close()

	msg, err := ipc.ReadFrame(conn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hive-runner: failed to read init frame: %v\n", err)
		return 1
	}
	if msg.Kind != ipc.KindInit {
		writeFatal(conn, "expected an Init frame, got %s", msg.Kind)
		return 1
	}
	init := msg.Init

	binaries := make(map[hwmodel.BinaryKey][]byte, len(init.Binaries))
	for _, b := range init.Binaries {
		binaries[b.Key] = b.ELF
	}

	// The real switch-matrix bus and debug-probe library are out of scope
	// (spec.md §1); a production build links its own switchmatrix.Bus and
	// probeDriver here. This reference build runs against simulators.
	matrix := switchmatrix.New(switchmatrix.NewSimBus())
	opener := &slotProbeOpener{
		driver:      hwstate.NewSimProbeDriver(),
		assignments: init.Probes,
	}

	cancelled := func() bool {
		return false // a full build polls a non-blocking peek on conn here
	}

	count := 0
	emit := func(m ipc.Message) {
		if err := ipc.WriteFrame(conn, m); err != nil {
			fmt.Fprintf(os.Stderr, "hive-runner: failed to write frame: %v\n", err)
			return
		}
		if m.Kind == ipc.KindTestResult {
			count++
		}
	}

	d := dispatcher.New(matrix, opener, binaries, init.Defines, init.TargetFilter, emit, cancelled)
	d.Run(init.Probes, init.Targets)

	if err := ipc.WriteFrame(conn, ipc.NewResults(count)); err != nil {
		fmt.Fprintf(os.Stderr, "hive-runner: failed to write results frame: %v\n", err)
		return 1
	}
	return 0
}

func writeFatal(conn *os.File, format string, args ...any) {
	if err := ipc.WriteFrame(conn, ipc.NewFatalError(format, args...)); err != nil {
		fmt.Fprintf(os.Stderr, "hive-runner: failed to write fatal frame: %v\n", err)
	}
}

// slotProbeOpener adapts a driver that opens probes by identity into
// dispatcher.ProbeOpener, which addresses them by slot.
type slotProbeOpener struct {
	driver      interface {
		Open(hwmodel.ProbeIdentity) (flasher.ProbeHandle, error)
	}
	assignments [hwmodel.MaxProbeSlots]hwmodel.ProbeAssignment
}

func (o *slotProbeOpener) Handle(slot hwmodel.ProbeSlot) (flasher.ProbeHandle, error) {
	a := o.assignments[slot]
	if a.Kind != hwmodel.ProbeKnown {
		return nil, fmt.Errorf("hive-runner: probe slot %d is not Known", slot)
	}
	return o.driver.Open(a.Identity)
}

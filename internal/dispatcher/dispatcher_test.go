package dispatcher

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hive.dev/hive/internal/flasher"
	"hive.dev/hive/internal/hwmodel"
	"hive.dev/hive/internal/ipc"
	"hive.dev/hive/internal/registry"
	"hive.dev/hive/internal/switchmatrix"
)

type noopProbeHandle struct{}

func (noopProbeHandle) Attach() error               { return nil }
func (noopProbeHandle) ResetHalt(bool) error         { return nil }
func (noopProbeHandle) EraseAndProgram([]byte) error { return nil }
func (noopProbeHandle) VerifySentinel() error        { return nil }
func (noopProbeHandle) Detach() error                { return nil }

type fakeOpener struct {
	deadSlots map[hwmodel.ProbeSlot]bool
}

func (f *fakeOpener) Handle(slot hwmodel.ProbeSlot) (flasher.ProbeHandle, error) {
	if f.deadSlots[slot] {
		return nil, errors.New("probe not responding")
	}
	return noopProbeHandle{}, nil
}

func testHardware(probeSlots []hwmodel.ProbeSlot, targetSpecs []struct {
	Socket hwmodel.TargetSocket
	Name   string
	Arch   hwmodel.Architecture
}) ([hwmodel.MaxProbeSlots]hwmodel.ProbeAssignment, [hwmodel.MaxTSS][hwmodel.MaxTargetsPerTSS]hwmodel.TargetAssignment) {
	var probes [hwmodel.MaxProbeSlots]hwmodel.ProbeAssignment
	for _, s := range probeSlots {
		probes[s] = hwmodel.ProbeAssignment{Kind: hwmodel.ProbeKnown, Identity: hwmodel.ProbeIdentity{Identifier: "probe"}}
	}

	var targets [hwmodel.MaxTSS][hwmodel.MaxTargetsPerTSS]hwmodel.TargetAssignment
	for _, ts := range targetSpecs {
		targets[ts.Socket.TSS][ts.Socket.Pos] = hwmodel.TargetAssignment{
			Kind: hwmodel.TargetKnown,
			Name: ts.Name,
			Arch: ts.Arch,
		}
	}
	return probes, targets
}

func newTestDispatcher(t *testing.T, opener *fakeOpener, binaries map[hwmodel.BinaryKey][]byte) (*Dispatcher, *[]ipc.Message) {
	t.Helper()
	return newTestDispatcherWithFilter(t, opener, binaries, "")
}

func newTestDispatcherWithFilter(t *testing.T, opener *fakeOpener, binaries map[hwmodel.BinaryKey][]byte, targetFilter string) (*Dispatcher, *[]ipc.Message) {
	t.Helper()
	matrix := switchmatrix.New(switchmatrix.NewSimBus())
	var emitted []ipc.Message
	d := New(matrix, opener, binaries, nil, targetFilter, func(m ipc.Message) {
		emitted = append(emitted, m)
	}, func() bool { return false })
	return d, &emitted
}

func TestRunEmitsPassForMatchingProbeAndTarget(t *testing.T) {
	registry.Reset()
	t.Cleanup(registry.Reset)
	registry.Register(registry.Entry{
		Name:                   "t1",
		SupportedArchitectures: []hwmodel.Architecture{hwmodel.ArchARM},
	})

	probes, targets := testHardware(
		[]hwmodel.ProbeSlot{0},
		[]struct {
			Socket hwmodel.TargetSocket
			Name   string
			Arch   hwmodel.Architecture
		}{{hwmodel.TargetSocket{TSS: 2, Pos: 0}, "stm32f103", hwmodel.ArchARM}},
	)

	opener := &fakeOpener{}
	binaries := map[hwmodel.BinaryKey][]byte{{Arch: hwmodel.ArchARM, RAMOrigin: 0}: []byte("elf")}
	d, emitted := newTestDispatcher(t, opener, binaries)

	count := d.Run(probes, targets)
	require.Equal(t, 1, count)
	require.Len(t, *emitted, 1)

	tr := (*emitted)[0].TestResult
	require.Equal(t, ipc.OutcomePass, tr.Outcome)
	require.Equal(t, "t1", tr.TestName)
}

func TestRunZeroProbesYieldsZeroResults(t *testing.T) {
	registry.Reset()
	t.Cleanup(registry.Reset)
	registry.Register(registry.Entry{Name: "t1", SupportedArchitectures: []hwmodel.Architecture{hwmodel.ArchARM}})

	probes, targets := testHardware(nil, []struct {
		Socket hwmodel.TargetSocket
		Name   string
		Arch   hwmodel.Architecture
	}{{hwmodel.TargetSocket{TSS: 0, Pos: 0}, "board", hwmodel.ArchARM}})

	d, emitted := newTestDispatcher(t, &fakeOpener{}, nil)
	count := d.Run(probes, targets)
	require.Equal(t, 0, count)
	require.Empty(t, *emitted)
}

func TestRunSkipsOnMissingBinary(t *testing.T) {
	registry.Reset()
	t.Cleanup(registry.Reset)
	registry.Register(registry.Entry{Name: "t1", SupportedArchitectures: []hwmodel.Architecture{hwmodel.ArchARM}})

	probes, targets := testHardware([]hwmodel.ProbeSlot{0}, []struct {
		Socket hwmodel.TargetSocket
		Name   string
		Arch   hwmodel.Architecture
	}{{hwmodel.TargetSocket{TSS: 0, Pos: 0}, "board", hwmodel.ArchARM}})

	d, emitted := newTestDispatcher(t, &fakeOpener{}, nil)
	d.Run(probes, targets)

	require.Len(t, *emitted, 1)
	tr := (*emitted)[0].TestResult
	require.Equal(t, ipc.OutcomeSkip, tr.Outcome)
	require.Contains(t, tr.Message, "flash failed")
}

func TestRunPanicIsReportedAsFailWithBacktrace(t *testing.T) {
	registry.Reset()
	t.Cleanup(registry.Reset)
	registry.Register(registry.Entry{
		Name:                   "panics",
		SupportedArchitectures: []hwmodel.Architecture{hwmodel.ArchARM},
		Func: func(tc *registry.TestChannel) error {
			panic("boom")
		},
	})

	probes, targets := testHardware([]hwmodel.ProbeSlot{0}, []struct {
		Socket hwmodel.TargetSocket
		Name   string
		Arch   hwmodel.Architecture
	}{{hwmodel.TargetSocket{TSS: 0, Pos: 0}, "board", hwmodel.ArchARM}})

	binaries := map[hwmodel.BinaryKey][]byte{{Arch: hwmodel.ArchARM, RAMOrigin: 0}: []byte("elf")}
	d, emitted := newTestDispatcher(t, &fakeOpener{}, binaries)
	d.Run(probes, targets)

	tr := (*emitted)[0].TestResult
	require.Equal(t, ipc.OutcomeFail, tr.Outcome)
	require.Equal(t, "boom", tr.Message)
	require.NotEmpty(t, tr.Backtrace)
}

func TestRunShouldPanicInvertsOutcome(t *testing.T) {
	registry.Reset()
	t.Cleanup(registry.Reset)
	registry.Register(registry.Entry{
		Name:                   "expects-panic",
		SupportedArchitectures: []hwmodel.Architecture{hwmodel.ArchARM},
		ShouldPanic:            true,
		Func: func(tc *registry.TestChannel) error {
			panic("expected")
		},
	})

	probes, targets := testHardware([]hwmodel.ProbeSlot{0}, []struct {
		Socket hwmodel.TargetSocket
		Name   string
		Arch   hwmodel.Architecture
	}{{hwmodel.TargetSocket{TSS: 0, Pos: 0}, "board", hwmodel.ArchARM}})

	binaries := map[hwmodel.BinaryKey][]byte{{Arch: hwmodel.ArchARM, RAMOrigin: 0}: []byte("elf")}
	d, emitted := newTestDispatcher(t, &fakeOpener{}, binaries)
	d.Run(probes, targets)

	tr := (*emitted)[0].TestResult
	require.Equal(t, ipc.OutcomePass, tr.Outcome)
}

func TestRunShouldPanicFailsWhenNoPanicOccurs(t *testing.T) {
	registry.Reset()
	t.Cleanup(registry.Reset)
	registry.Register(registry.Entry{
		Name:                   "expects-panic-but-doesnt",
		SupportedArchitectures: []hwmodel.Architecture{hwmodel.ArchARM},
		ShouldPanic:            true,
		Func: func(tc *registry.TestChannel) error {
			return nil
		},
	})

	probes, targets := testHardware([]hwmodel.ProbeSlot{0}, []struct {
		Socket hwmodel.TargetSocket
		Name   string
		Arch   hwmodel.Architecture
	}{{hwmodel.TargetSocket{TSS: 0, Pos: 0}, "board", hwmodel.ArchARM}})

	binaries := map[hwmodel.BinaryKey][]byte{{Arch: hwmodel.ArchARM, RAMOrigin: 0}: []byte("elf")}
	d, emitted := newTestDispatcher(t, &fakeOpener{}, binaries)
	d.Run(probes, targets)

	tr := (*emitted)[0].TestResult
	require.Equal(t, ipc.OutcomeFail, tr.Outcome)
}

func TestRunTestTimeoutFails(t *testing.T) {
	registry.Reset()
	t.Cleanup(registry.Reset)
	registry.Register(registry.Entry{
		Name:                   "slow",
		SupportedArchitectures: []hwmodel.Architecture{hwmodel.ArchARM},
		Timeout:                int64(20 * time.Millisecond),
		Func: func(tc *registry.TestChannel) error {
			time.Sleep(time.Second)
			return nil
		},
	})

	probes, targets := testHardware([]hwmodel.ProbeSlot{0}, []struct {
		Socket hwmodel.TargetSocket
		Name   string
		Arch   hwmodel.Architecture
	}{{hwmodel.TargetSocket{TSS: 0, Pos: 0}, "board", hwmodel.ArchARM}})

	binaries := map[hwmodel.BinaryKey][]byte{{Arch: hwmodel.ArchARM, RAMOrigin: 0}: []byte("elf")}
	d, emitted := newTestDispatcher(t, &fakeOpener{}, binaries)
	d.Run(probes, targets)

	tr := (*emitted)[0].TestResult
	require.Equal(t, ipc.OutcomeFail, tr.Outcome)
	require.Contains(t, tr.Message, "timed out")
}

func TestRunGlobFiltersTargetsByName(t *testing.T) {
	registry.Reset()
	t.Cleanup(registry.Reset)
	registry.Register(registry.Entry{
		Name:                   "arm-only-boards",
		SupportedArchitectures: []hwmodel.Architecture{hwmodel.ArchARM},
		TargetGlob:             "arm-*",
	})

	probes, targets := testHardware([]hwmodel.ProbeSlot{0}, []struct {
		Socket hwmodel.TargetSocket
		Name   string
		Arch   hwmodel.Architecture
	}{
		{hwmodel.TargetSocket{TSS: 0, Pos: 0}, "arm-board", hwmodel.ArchARM},
		{hwmodel.TargetSocket{TSS: 0, Pos: 1}, "riscv-board", hwmodel.ArchARM},
	})

	binaries := map[hwmodel.BinaryKey][]byte{{Arch: hwmodel.ArchARM, RAMOrigin: 0}: []byte("elf")}
	d, emitted := newTestDispatcher(t, &fakeOpener{}, binaries)
	count := d.Run(probes, targets)

	require.Equal(t, 1, count)
	require.Equal(t, hwmodel.TargetSocket{TSS: 0, Pos: 0}, (*emitted)[0].TestResult.TargetSocket)
}

func TestRunProbeErrorMarksProbeDeadForRestOfRun(t *testing.T) {
	registry.Reset()
	t.Cleanup(registry.Reset)
	registry.Register(registry.Entry{Name: "t1", SupportedArchitectures: []hwmodel.Architecture{hwmodel.ArchARM}})
	registry.Register(registry.Entry{Name: "t2", SupportedArchitectures: []hwmodel.Architecture{hwmodel.ArchARM}})

	probes, targets := testHardware([]hwmodel.ProbeSlot{0}, []struct {
		Socket hwmodel.TargetSocket
		Name   string
		Arch   hwmodel.Architecture
	}{{hwmodel.TargetSocket{TSS: 0, Pos: 0}, "board", hwmodel.ArchARM}})

	opener := &fakeOpener{deadSlots: map[hwmodel.ProbeSlot]bool{0: true}}
	binaries := map[hwmodel.BinaryKey][]byte{{Arch: hwmodel.ArchARM, RAMOrigin: 0}: []byte("elf")}
	d, emitted := newTestDispatcher(t, opener, binaries)
	d.Run(probes, targets)

	require.Len(t, *emitted, 2)
	for _, m := range *emitted {
		require.Equal(t, ipc.OutcomeSkip, m.TestResult.Outcome)
	}
}

func TestRunWithMoreProbesThanTargetsNeverDoublesUpOnATarget(t *testing.T) {
	registry.Reset()
	t.Cleanup(registry.Reset)
	registry.Register(registry.Entry{Name: "t1", SupportedArchitectures: []hwmodel.Architecture{hwmodel.ArchARM}})

	probes, targets := testHardware([]hwmodel.ProbeSlot{0, 1}, []struct {
		Socket hwmodel.TargetSocket
		Name   string
		Arch   hwmodel.Architecture
	}{{hwmodel.TargetSocket{TSS: 0, Pos: 0}, "board", hwmodel.ArchARM}})

	binaries := map[hwmodel.BinaryKey][]byte{{Arch: hwmodel.ArchARM, RAMOrigin: 0}: []byte("elf")}
	d, emitted := newTestDispatcher(t, &fakeOpener{}, binaries)
	count := d.Run(probes, targets)

	require.Equal(t, 2, count, "each probe must get its own round against the single target rather than colliding with the other")
	seenSlots := map[hwmodel.ProbeSlot]bool{}
	for _, m := range *emitted {
		require.Equal(t, ipc.OutcomePass, m.TestResult.Outcome)
		require.Equal(t, hwmodel.TargetSocket{TSS: 0, Pos: 0}, m.TestResult.TargetSocket)
		seenSlots[m.TestResult.ProbeSlot] = true
	}
	require.Len(t, seenSlots, 2, "both probes must have run, one per round, never concurrently on the same target")
}

func TestRunFilterRestrictsToMatchingTargets(t *testing.T) {
	registry.Reset()
	t.Cleanup(registry.Reset)
	registry.Register(registry.Entry{Name: "t1", SupportedArchitectures: []hwmodel.Architecture{hwmodel.ArchARM}})

	probes, targets := testHardware([]hwmodel.ProbeSlot{0}, []struct {
		Socket hwmodel.TargetSocket
		Name   string
		Arch   hwmodel.Architecture
	}{
		{hwmodel.TargetSocket{TSS: 0, Pos: 0}, "board-a", hwmodel.ArchARM},
		{hwmodel.TargetSocket{TSS: 0, Pos: 1}, "board-b", hwmodel.ArchARM},
	})

	binaries := map[hwmodel.BinaryKey][]byte{{Arch: hwmodel.ArchARM, RAMOrigin: 0}: []byte("elf")}
	d, emitted := newTestDispatcherWithFilter(t, &fakeOpener{}, binaries, "board-a")
	count := d.Run(probes, targets)

	require.Equal(t, 1, count)
	require.Equal(t, hwmodel.TargetSocket{TSS: 0, Pos: 0}, (*emitted)[0].TestResult.TargetSocket)
}

func TestRunInvalidFilterEmitsFatalError(t *testing.T) {
	registry.Reset()
	t.Cleanup(registry.Reset)
	registry.Register(registry.Entry{Name: "t1", SupportedArchitectures: []hwmodel.Architecture{hwmodel.ArchARM}})

	probes, targets := testHardware([]hwmodel.ProbeSlot{0}, []struct {
		Socket hwmodel.TargetSocket
		Name   string
		Arch   hwmodel.Architecture
	}{{hwmodel.TargetSocket{TSS: 0, Pos: 0}, "board-a", hwmodel.ArchARM}})

	d, emitted := newTestDispatcherWithFilter(t, &fakeOpener{}, nil, "[")
	count := d.Run(probes, targets)

	require.Equal(t, 0, count)
	require.Len(t, *emitted, 1)
	require.Equal(t, ipc.KindFatalError, (*emitted)[0].Kind)
}

func TestRunRespectsCancellation(t *testing.T) {
	registry.Reset()
	t.Cleanup(registry.Reset)
	registry.Register(registry.Entry{Name: "t1", SupportedArchitectures: []hwmodel.Architecture{hwmodel.ArchARM}})

	probes, targets := testHardware([]hwmodel.ProbeSlot{0}, []struct {
		Socket hwmodel.TargetSocket
		Name   string
		Arch   hwmodel.Architecture
	}{{hwmodel.TargetSocket{TSS: 0, Pos: 0}, "board", hwmodel.ArchARM}})

	matrix := switchmatrix.New(switchmatrix.NewSimBus())
	var emitted []ipc.Message
	d := New(matrix, &fakeOpener{}, nil, nil, "", func(m ipc.Message) { emitted = append(emitted, m) }, func() bool { return true })

	count := d.Run(probes, targets)
	require.Equal(t, 0, count)
	require.Empty(t, emitted)
}

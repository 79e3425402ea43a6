// Package hwstate implements the Hardware State Manager (§4.2): the
// authoritative runtime view of probes, targets, and testprogram binaries,
// rebuilt from persistent state plus live enumeration on every reinit.
package hwstate

import (
	"fmt"
	"log"
	"sync"

	hiveerrors "hive.dev/hive/internal/errors"
	"hive.dev/hive/internal/flasher"
	"hive.dev/hive/internal/hwmodel"
	"hive.dev/hive/internal/store"
	"hive.dev/hive/internal/switchmatrix"
	"hive.dev/hive/internal/testprogram"
)

// ProbeEnumerator abstracts the probe library's enumeration call (out of
// scope per spec.md §1).
type ProbeEnumerator interface {
	ListProbes() ([]hwmodel.ProbeIdentity, error)
}

// ProbeDriver abstracts opening a probe handle for flashing, and resetting
// its USB interface before use. Resetting before reinitializing a probe is
// supplemented from original_source's reset_probe_usb call (see
// SPEC_FULL.md supplemented feature 2): it's a best-effort step to clear a
// wedged probe and is never fatal to the enclosing reinit.
type ProbeDriver interface {
	ProbeEnumerator
	ResetUSB(identity hwmodel.ProbeIdentity) error
	Open(identity hwmodel.ProbeIdentity) (flasher.ProbeHandle, error)
}

// Manager rebuilds and serves the HardwareState. Reinitialise must only be
// called while the caller holds the hardware-exclusive lock (§4.2); Manager
// itself does not take that lock — ownership lives with the Task Manager's
// dispatcher (§4.5, §5).
type Manager struct {
	matrix *switchmatrix.Matrix
	db     *store.Store
	cache  *testprogram.Cache
	probes ProbeDriver

	mu   sync.RWMutex
	last *hwmodel.HardwareState
}

// New builds a Manager over its collaborators.
func New(matrix *switchmatrix.Matrix, db *store.Store, cache *testprogram.Cache, probes ProbeDriver) *Manager {
	return &Manager{
		matrix: matrix,
		db:     db,
		cache:  cache,
		probes: probes,
		last:   hwmodel.NewHardwareState(),
	}
}

// Snapshot returns the last completed HardwareState. Cheap: no hardware
// access (§4.2).
func (m *Manager) Snapshot() *hwmodel.HardwareState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := *m.last
	return &cp
}

// Reinitialise performs the §4.2 algorithm in order: enumerate TSS/
// daughterboards, read persisted assignments, reconcile against live
// hardware (demoting absent sockets/probes to NotConnected/Unknown without
// rewriting persistent state — I4, and §4.2 step 3's rationale: "the
// user's intent is preserved for when hardware returns"), build binaries
// for the active testprogram, then flash every Known target.
func (m *Manager) Reinitialise() (*hwmodel.HardwareState, error) {
	hs := hwmodel.NewHardwareState()

	// 1. Enumerate TSS and daughterboards.
	tssPresent, err := m.matrix.TSSPresent()
	if err != nil {
		return nil, hiveerrors.Wrap(err, hiveerrors.KindHardwareBus, "failed to enumerate TSS carriers")
	}
	hs.TSSConnected = tssPresent

	for tss := 0; tss < hwmodel.MaxTSS; tss++ {
		if !tssPresent[tss] {
			continue
		}
		present, err := m.matrix.DaughterboardPresent(tss)
		if err != nil {
			log.Printf("[hwstate] failed to probe daughterboard presence on tss %d: %v", tss, err)
			continue
		}
		hs.DaughterboardConnected[tss] = present
	}

	// 2. Read persisted probe and target assignments.
	var persistedProbes [hwmodel.MaxProbeSlots]hwmodel.ProbeAssignment
	if _, err := m.db.Get(store.KeyProbeAssignments, &persistedProbes); err != nil {
		return nil, hiveerrors.Wrap(err, hiveerrors.KindInternal, "failed to read persisted probe assignments")
	}

	var persistedTargets [hwmodel.MaxTSS][hwmodel.MaxTargetsPerTSS]hwmodel.TargetAssignment
	if _, err := m.db.Get(store.KeyTargetAssignments, &persistedTargets); err != nil {
		return nil, hiveerrors.Wrap(err, hiveerrors.KindInternal, "failed to read persisted target assignments")
	}

	// 3. Reconcile targets: demote Known entries on absent sockets to
	// NotConnected in memory only.
	for tss := 0; tss < hwmodel.MaxTSS; tss++ {
		for pos := 0; pos < hwmodel.MaxTargetsPerTSS; pos++ {
			a := persistedTargets[tss][pos]
			if a.Kind == hwmodel.TargetKnown && !hs.IsSocketPhysical(hwmodel.TargetSocket{TSS: tss, Pos: pos}) {
				hs.Desync.TargetDesync = true
				a = hwmodel.TargetAssignment{Kind: hwmodel.TargetNotConnected}
			}
			hs.Targets[tss][pos] = a
		}
	}

	// 4. Enumerate live debug probes; reconcile persisted Known probes.
	// An enumeration failure is not fatal: every persisted Known probe is
	// then demoted to Unknown below.
	liveProbes, err := m.enumerateProbesWithReset(persistedProbes)
	if err != nil {
		log.Printf("[hwstate] %v; treating every persisted probe as absent", err)
		liveProbes = nil
	}

	for slot, a := range persistedProbes {
		if a.Kind != hwmodel.ProbeKnown {
			hs.Probes[slot] = a
			continue
		}
		if !probeIsLive(liveProbes, a.Identity) {
			hs.Desync.ProbeDesync = true
			hs.Probes[slot] = hwmodel.ProbeAssignment{Kind: hwmodel.ProbeUnknown}
			continue
		}
		hs.Probes[slot] = a
	}

	// I3: at most one Known probe assignment per identity.
	dedupeKnownProbes(&hs.Probes)

	// 5. Build binaries for the active testprogram.
	activeName := hwmodel.DefaultTestprogramName
	if _, err := m.db.Get(store.KeyActiveTestprogram, &activeName); err != nil {
		return nil, hiveerrors.Wrap(err, hiveerrors.KindInternal, "failed to read active testprogram name")
	}
	hs.ActiveTestprogram = activeName

	var tp hwmodel.Testprogram
	found, err := m.db.Get(store.TestprogramKey(activeName), &tp)
	if err != nil {
		return nil, hiveerrors.Wrap(err, hiveerrors.KindInternal, "failed to read active testprogram record")
	}
	if !found {
		return nil, hiveerrors.Errorf(hiveerrors.KindNotFound, "active testprogram %q has no record", activeName)
	}

	// A new reinit cycle starts from an empty binary cache.
	m.cache.Invalidate()
	m.buildBinaries(hs, tp)

	// 6. Flash every Known target. Failures are non-fatal for the reinit.
	m.flashKnownTargets(hs)

	m.mu.Lock()
	cp := *hs
	m.last = &cp
	m.mu.Unlock()

	return hs, nil
}

func (m *Manager) enumerateProbesWithReset(persisted [hwmodel.MaxProbeSlots]hwmodel.ProbeAssignment) ([]hwmodel.ProbeIdentity, error) {
	for _, a := range persisted {
		if a.Kind != hwmodel.ProbeKnown {
			continue
		}
		if err := m.probes.ResetUSB(a.Identity); err != nil {
			log.Printf("[hwstate] failed to reset usb interface of debug probe %+v: %v", a.Identity, err)
		}
	}

	live, err := m.probes.ListProbes()
	if err != nil {
		return nil, hiveerrors.Wrap(err, hiveerrors.KindProbeEnumeration, "failed to enumerate debug probes")
	}
	return live, nil
}

func probeIsLive(live []hwmodel.ProbeIdentity, id hwmodel.ProbeIdentity) bool {
	for _, l := range live {
		if l.Equal(id) {
			return true
		}
	}
	return false
}

// dedupeKnownProbes enforces I3 by keeping only the first Known assignment
// for any given identity, demoting later duplicates to Unknown.
func dedupeKnownProbes(probes *[hwmodel.MaxProbeSlots]hwmodel.ProbeAssignment) {
	seen := make(map[hwmodel.ProbeIdentity]bool)
	for i, a := range probes {
		if a.Kind != hwmodel.ProbeKnown {
			continue
		}
		if seen[a.Identity] {
			probes[i] = hwmodel.ProbeAssignment{Kind: hwmodel.ProbeUnknown}
			continue
		}
		seen[a.Identity] = true
	}
}

// buildBinaries requests a LinkedBinary from the cache for every (arch,
// ram_origin) appearing among Known targets. A socket whose binary fails
// to build is marked flash_status=Error but remains Known (§4.2 step 5).
func (m *Manager) buildBinaries(hs *hwmodel.HardwareState, tp hwmodel.Testprogram) {
	for tss := 0; tss < hwmodel.MaxTSS; tss++ {
		for pos := 0; pos < hwmodel.MaxTargetsPerTSS; pos++ {
			a := &hs.Targets[tss][pos]
			if a.Kind != hwmodel.TargetKnown {
				continue
			}

			arch := a.Arch
			var source []byte
			switch arch {
			case hwmodel.ArchARM:
				source = tp.ARM.SourceBytes
			case hwmodel.ArchRISCV:
				source = tp.RISCV.SourceBytes
			}

			key := hwmodel.BinaryKey{Arch: arch, RAMOrigin: a.RAMOrigin}
			if _, ok := hs.Binaries[key]; ok {
				continue
			}

			bin, err := m.cache.Get(tp.Name, arch, a.RAMOrigin, source)
			if err != nil {
				a.FlashStatus = hwmodel.FlashStatusError
				a.FlashMessage = fmt.Sprintf("build error: %v", err)
				continue
			}
			hs.Binaries[key] = bin
		}
	}
}

// flashKnownTargets flashes every Known target whose binary built
// successfully. Reinit owns the switch matrix exclusively, so targets are
// flashed one at a time, cycling through the known probes round-robin
// (mirrors original_source/monitor/src/flash.rs, which reuses each probe's
// testchannel sequentially across every reachable target rather than
// treating a probe as a one-shot resource).
func (m *Manager) flashKnownTargets(hs *hwmodel.HardwareState) {
	probeSlot := 0
	knownProbes := hs.KnownProbes()

	for tss := 0; tss < hwmodel.MaxTSS; tss++ {
		for pos := 0; pos < hwmodel.MaxTargetsPerTSS; pos++ {
			a := &hs.Targets[tss][pos]
			if a.Kind != hwmodel.TargetKnown {
				continue
			}
			if a.FlashStatus == hwmodel.FlashStatusError {
				continue // build already failed; don't mistake it for a flash failure
			}
			if len(knownProbes) == 0 {
				a.FlashStatus = hwmodel.FlashStatusError
				a.FlashMessage = "no known probe available to flash with"
				continue
			}

			socket := hwmodel.TargetSocket{TSS: tss, Pos: pos}
			kp := knownProbes[probeSlot%len(knownProbes)]
			probeSlot++

			if err := m.matrix.Connect(kp.Slot, socket); err != nil {
				a.FlashStatus = hwmodel.FlashStatusError
				a.FlashMessage = fmt.Sprintf("failed to route probe: %v", err)
				continue
			}
			if err := m.matrix.TargetVccOn(socket); err != nil {
				a.FlashStatus = hwmodel.FlashStatusError
				a.FlashMessage = fmt.Sprintf("failed to power target: %v", err)
				continue
			}

			handle, err := m.probes.Open(kp.Identity)
			if err != nil {
				a.FlashStatus = hwmodel.FlashStatusError
				a.FlashMessage = fmt.Sprintf("failed to open probe: %v", err)
				continue
			}

			key := hwmodel.BinaryKey{Arch: a.Arch, RAMOrigin: a.RAMOrigin}
			bin, ok := hs.Binaries[key]
			if !ok {
				a.FlashStatus = hwmodel.FlashStatusError
				a.FlashMessage = "no linked binary available"
				continue
			}

			res := flasher.Flash(handle, a.Name, bin.ELF)
			a.FlashStatus = res.Status
			a.FlashMessage = res.Message
		}
	}
}

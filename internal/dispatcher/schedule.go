package dispatcher

import (
	"sort"

	"github.com/gobwas/glob"

	"hive.dev/hive/internal/hwmodel"
	"hive.dev/hive/internal/registry"
)

// targetHandle pairs a socket with the assignment found there, for targets
// that are currently Known.
type targetHandle struct {
	Socket hwmodel.TargetSocket
	Target hwmodel.TargetAssignment
}

// knownTargetsSorted returns every Known target in socket order (§4.8:
// "Targets within a wave are assigned to workers in socket order").
func knownTargetsSorted(targets [hwmodel.MaxTSS][hwmodel.MaxTargetsPerTSS]hwmodel.TargetAssignment) []targetHandle {
	var out []targetHandle
	for tss := 0; tss < hwmodel.MaxTSS; tss++ {
		for pos := 0; pos < hwmodel.MaxTargetsPerTSS; pos++ {
			a := targets[tss][pos]
			if a.Kind == hwmodel.TargetKnown {
				out = append(out, targetHandle{Socket: hwmodel.TargetSocket{TSS: tss, Pos: pos}, Target: a})
			}
		}
	}
	return out
}

// knownProbeSlotsSorted returns every Known probe's slot in slot order.
func knownProbeSlotsSorted(probes [hwmodel.MaxProbeSlots]hwmodel.ProbeAssignment) []hwmodel.ProbeSlot {
	var out []hwmodel.ProbeSlot
	for i, p := range probes {
		if p.Kind == hwmodel.ProbeKnown {
			out = append(out, hwmodel.ProbeSlot(i))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// matchingTargets filters targets to those whose architecture is declared
// supported by entry, whose name matches entry's glob, and whose name
// matches the caller-supplied filter, if any (§4.8, §6 submit_test's
// filter argument). A target must satisfy both globs, not either.
func matchingTargets(entry registry.Entry, targets []targetHandle, filter glob.Glob) ([]targetHandle, error) {
	var g glob.Glob
	if entry.TargetGlob != "" {
		var err error
		g, err = glob.Compile(entry.TargetGlob)
		if err != nil {
			return nil, err
		}
	}

	var out []targetHandle
	for _, th := range targets {
		if !entry.SupportsArchitecture(th.Target.Arch) {
			continue
		}
		if g != nil && !g.Match(th.Target.Name) {
			continue
		}
		if filter != nil && !filter.Match(th.Target.Name) {
			continue
		}
		out = append(out, th)
	}
	return out, nil
}

// sortedTests returns every registered test sorted by (declared-order,
// name) (§4.8).
func sortedTests() []registry.Entry {
	return registry.All() // registry.All already applies this ordering
}

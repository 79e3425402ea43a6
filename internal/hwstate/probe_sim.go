package hwstate

import (
	"sync"

	"hive.dev/hive/internal/flasher"
	"hive.dev/hive/internal/hwmodel"
)

// SimProbeDriver is an in-memory ProbeDriver for development and tests,
// standing in for the real debug-probe library (out of scope per spec.md
// §1). Mirrors switchmatrix.SimBus's provider_sim.go split.
type SimProbeDriver struct {
	mu sync.Mutex

	Identities []hwmodel.ProbeIdentity

	// ResetErr, if set, is returned by ResetUSB for every identity.
	ResetErr error
	// OpenErr, if set, is returned by Open for every identity.
	OpenErr error

	resetCalls int
}

// NewSimProbeDriver returns a driver that enumerates identities.
func NewSimProbeDriver(identities ...hwmodel.ProbeIdentity) *SimProbeDriver {
	return &SimProbeDriver{Identities: identities}
}

func (d *SimProbeDriver) ListProbes() ([]hwmodel.ProbeIdentity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]hwmodel.ProbeIdentity, len(d.Identities))
	copy(out, d.Identities)
	return out, nil
}

func (d *SimProbeDriver) ResetUSB(hwmodel.ProbeIdentity) error {
	d.mu.Lock()
	d.resetCalls++
	d.mu.Unlock()
	return d.ResetErr
}

func (d *SimProbeDriver) Open(identity hwmodel.ProbeIdentity) (flasher.ProbeHandle, error) {
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	return &simProbeHandle{identity: identity}, nil
}

// ResetCalls reports how many times ResetUSB has been invoked, for tests.
func (d *SimProbeDriver) ResetCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resetCalls
}

// simProbeHandle satisfies flasher.ProbeHandle by accepting every step.
type simProbeHandle struct {
	identity hwmodel.ProbeIdentity
	elf      []byte
}

func (h *simProbeHandle) Attach() error                    { return nil }
func (h *simProbeHandle) ResetHalt(connectUnderReset bool) error { return nil }
func (h *simProbeHandle) EraseAndProgram(elf []byte) error {
	h.elf = elf
	return nil
}
func (h *simProbeHandle) VerifySentinel() error { return nil }
func (h *simProbeHandle) Detach() error         { return nil }

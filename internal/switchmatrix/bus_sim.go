package switchmatrix

import (
	"sync"

	"hive.dev/hive/internal/hwmodel"
)

// SimBus is an in-memory Bus implementation for development and tests,
// standing in for the real I2C/GPIO drivers (out of scope per spec.md §1).
// Mirrors the teacher's provider_sim.go split from provider_linux.go.
type SimBus struct {
	mu sync.Mutex

	TSSPresent           [hwmodel.MaxTSS]bool
	DaughterboardPresent [hwmodel.MaxTSS]bool

	routes map[hwmodel.ProbeSlot]hwmodel.TargetSocket
	power  map[hwmodel.TargetSocket]bool

	// FailNextN, if > 0, causes the next N bus operations to fail,
	// decrementing on each attempt. Used to exercise retry/backoff paths.
	FailNextN int
}

// NewSimBus returns a SimBus with all TSS slots and daughterboards present.
func NewSimBus() *SimBus {
	b := &SimBus{
		routes: make(map[hwmodel.ProbeSlot]hwmodel.TargetSocket),
		power:  make(map[hwmodel.TargetSocket]bool),
	}
	for i := range b.TSSPresent {
		b.TSSPresent[i] = true
		b.DaughterboardPresent[i] = true
	}
	return b
}

func (b *SimBus) maybeFail() error {
	if b.FailNextN > 0 {
		b.FailNextN--
		return errBusIO
	}
	return nil
}

func (b *SimBus) Route(probe hwmodel.ProbeSlot, socket hwmodel.TargetSocket) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.maybeFail(); err != nil {
		return err
	}
	b.routes[probe] = socket
	return nil
}

func (b *SimBus) Break(tss int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.maybeFail(); err != nil {
		return err
	}
	for p, s := range b.routes {
		if s.TSS == tss {
			delete(b.routes, p)
		}
	}
	return nil
}

func (b *SimBus) ScanTSS() ([hwmodel.MaxTSS]bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.maybeFail(); err != nil {
		return [hwmodel.MaxTSS]bool{}, err
	}
	return b.TSSPresent, nil
}

func (b *SimBus) ScanDaughterboard(tss int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.maybeFail(); err != nil {
		return false, err
	}
	if tss < 0 || tss >= hwmodel.MaxTSS {
		return false, nil
	}
	return b.DaughterboardPresent[tss], nil
}

func (b *SimBus) SetTargetPower(socket hwmodel.TargetSocket, on bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.maybeFail(); err != nil {
		return err
	}
	b.power[socket] = on
	return nil
}

// RouteOf returns the socket currently routed to probe, for test assertions.
func (b *SimBus) RouteOf(probe hwmodel.ProbeSlot) (hwmodel.TargetSocket, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.routes[probe]
	return s, ok
}

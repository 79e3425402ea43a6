package switchmatrix

import (
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	hiveerrors "hive.dev/hive/internal/errors"
	"hive.dev/hive/internal/hwmodel"
)

var errBusIO = errors.New("switchmatrix: simulated bus I/O error")

// maxBusRetries is the bounded retry count for bus I/O errors (§4.1,
// §7: "Retried 3x with backoff").
const maxBusRetries = 3

// Matrix is the shared mutable hardware resource described in §4.1: all
// calls serialise under a single process-wide exclusion, and transient bus
// errors are retried with bounded backoff before being treated as fatal.
type Matrix struct {
	bus Bus

	// mu provides the process-wide exclusion every call to the matrix
	// serialises under.
	mu sync.Mutex
}

// New wraps bus in a Matrix.
func New(bus Bus) *Matrix {
	return &Matrix{bus: bus}
}

func retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	return backoff.WithMaxRetries(b, maxBusRetries)
}

func withRetry(op func() error) error {
	err := backoff.Retry(op, retryPolicy())
	if err != nil {
		return hiveerrors.Wrap(err, hiveerrors.KindHardwareBus, "switch matrix bus operation failed after retries")
	}
	return nil
}

// Connect routes probe to socket. Idempotent: calling Connect(p, s1) then
// Connect(p, s2) guarantees no prior electrical path from p remains after
// the second call.
func (m *Matrix) Connect(probe hwmodel.ProbeSlot, socket hwmodel.TargetSocket) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return withRetry(func() error {
		return m.bus.Route(probe, socket)
	})
}

// DisconnectAll opens every electrical path terminating on tss.
func (m *Matrix) DisconnectAll(tss int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return withRetry(func() error {
		return m.bus.Break(tss)
	})
}

// TSSPresent returns which TSS carrier slots are connected.
func (m *Matrix) TSSPresent() ([hwmodel.MaxTSS]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result [hwmodel.MaxTSS]bool
	err := withRetry(func() error {
		var err error
		result, err = m.bus.ScanTSS()
		return err
	})
	return result, err
}

// DaughterboardPresent reports whether tss has a daughterboard mounted.
func (m *Matrix) DaughterboardPresent(tss int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var present bool
	err := withRetry(func() error {
		var err error
		present, err = m.bus.ScanDaughterboard(tss)
		return err
	})
	return present, err
}

// TargetVccOn powers a target socket on.
func (m *Matrix) TargetVccOn(socket hwmodel.TargetSocket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return withRetry(func() error {
		return m.bus.SetTargetPower(socket, true)
	})
}

// TargetVccOff powers a target socket off.
func (m *Matrix) TargetVccOff(socket hwmodel.TargetSocket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return withRetry(func() error {
		return m.bus.SetTargetPower(socket, false)
	})
}

// Package switchmatrix implements the Switch Matrix (§4.1): the primitive
// that connects a probe channel to a target socket and detects
// daughterboard presence, on top of the GPIO/I2C drivers that spec.md §1
// treats as out of scope ("a set of switching primitives").
package switchmatrix

import "hive.dev/hive/internal/hwmodel"

// Bus abstracts the low-level GPIO/I2C switching primitives the matrix is
// built on. Components interact with this interface instead of issuing bus
// transactions directly — the same separation the teacher draws between
// internal/kernel.Kernel and its linux/sim providers.
type Bus interface {
	// Route closes the electrical path from probe to socket, breaking any
	// prior path from probe first.
	Route(probe hwmodel.ProbeSlot, socket hwmodel.TargetSocket) error
	// Break opens every electrical path terminating on the given TSS.
	Break(tss int) error
	// ScanTSS returns which of the MaxTSS carrier slots report a board
	// present on the bus.
	ScanTSS() ([hwmodel.MaxTSS]bool, error)
	// ScanDaughterboard returns whether the given TSS reports a
	// daughterboard mounted.
	ScanDaughterboard(tss int) (bool, error)
	// SetTargetPower toggles VCC for a single socket.
	SetTargetPower(socket hwmodel.TargetSocket, on bool) error
}

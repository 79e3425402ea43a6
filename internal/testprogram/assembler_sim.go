package testprogram

import (
	"errors"

	"hive.dev/hive/internal/hwmodel"
)

var errSimAssemblerFailure = errors.New("testprogram: simulated assembler failure")

// SimAssembler is a development/test stand-in for the real assembler/linker
// pipeline (out of scope per spec.md §1): it treats source as an
// already-linked ELF and returns it unchanged.
type SimAssembler struct {
	// FailArches marks architectures Assemble should report a build error
	// for, to exercise the flash_status=Error path without a real toolchain.
	FailArches map[hwmodel.Architecture]bool
}

func (a *SimAssembler) Assemble(arch hwmodel.Architecture, ramOrigin uint64, source []byte) ([]byte, error) {
	if a.FailArches[arch] {
		return nil, errSimAssemblerFailure
	}
	return source, nil
}

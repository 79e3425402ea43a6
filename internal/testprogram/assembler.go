package testprogram

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"hive.dev/hive/internal/hwmodel"
)

// ExecAssembler shells out to an external assembler/linker binary, the way
// the teacher's internal/firewall/atomic.go shells out to nft. The binary
// is invoked once per (arch, ram_origin, source) request; Cache is what
// keeps concurrent duplicate requests from invoking it twice.
type ExecAssembler struct {
	// BinaryPath is the path to the assembler/linker executable.
	BinaryPath string
	// WorkDir is a scratch directory for intermediate source/object files.
	WorkDir string
}

// Assemble writes source to a scratch file and invokes the assembler with
// the requested architecture and RAM origin, returning the produced ELF or
// the assembler's stderr as a build error.
func (a *ExecAssembler) Assemble(arch hwmodel.Architecture, ramOrigin uint64, source []byte) ([]byte, error) {
	workDir, err := os.MkdirTemp(a.WorkDir, "hive-asm-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create assembler scratch dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	srcPath := filepath.Join(workDir, "testprogram.s")
	if err := os.WriteFile(srcPath, source, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write testprogram source: %w", err)
	}

	outPath := filepath.Join(workDir, "testprogram.elf")

	cmd := exec.Command(a.BinaryPath,
		"--arch", arch.String(),
		"--ram-origin", fmt.Sprintf("0x%x", ramOrigin),
		"--input", srcPath,
		"--output", outPath,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s", stderr.String())
	}

	elf, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("assembler reported success but produced no output: %w", err)
	}
	return elf, nil
}

// Package testprogram implements the Testprogram Binary Cache (§4.3): it
// turns a (testprogram name, architecture, RAM origin) key into a linked
// ELF image, delegating the actual assembly/link step to an external
// assembler (out of scope per spec.md §1, "treated as an opaque
// (arm_elf, riscv_elf) producer keyed by target architecture + RAM
// origin").
package testprogram

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	hiveerrors "hive.dev/hive/internal/errors"
	"hive.dev/hive/internal/hwmodel"
)

// Assembler is the external collaborator that turns testprogram source
// bytes plus a RAM origin into a linked ELF, or a build error. Concrete
// implementations shell out to the real assembler/linker pipeline.
type Assembler interface {
	Assemble(arch hwmodel.Architecture, ramOrigin uint64, source []byte) (elf []byte, buildErr error)
}

// Cache memoises LinkedBinary results keyed by (testprogram, arch,
// ram_origin), joining concurrent requests for the same key into a single
// in-flight build (§4.3: "at most one concurrent build per key").
//
// golang.org/x/sync/singleflight is exactly this primitive, so it is used
// directly rather than hand-rolled join-logic.
type Cache struct {
	asm Assembler

	group singleflight.Group

	mu    sync.Mutex
	store map[cacheKey]hwmodel.LinkedBinary
}

type cacheKey struct {
	testprogram string
	key         hwmodel.BinaryKey
}

// New builds a Cache delegating to asm.
func New(asm Assembler) *Cache {
	return &Cache{
		asm:   asm,
		store: make(map[cacheKey]hwmodel.LinkedBinary),
	}
}

// Get returns the linked binary for (testprogramName, arch, ramOrigin),
// building (or joining an in-flight build for) it if necessary. source is
// the testprogram's source bytes for the requested architecture.
func (c *Cache) Get(testprogramName string, arch hwmodel.Architecture, ramOrigin uint64, source []byte) (hwmodel.LinkedBinary, error) {
	ck := cacheKey{testprogramName, hwmodel.BinaryKey{Arch: arch, RAMOrigin: ramOrigin}}

	c.mu.Lock()
	if cached, ok := c.store[ck]; ok {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	sfKey := fmt.Sprintf("%s|%d|%d", testprogramName, arch, ramOrigin)
	result, err, _ := c.group.Do(sfKey, func() (any, error) {
		elf, buildErr := c.asm.Assemble(arch, ramOrigin, source)
		if buildErr != nil {
			return nil, hiveerrors.Wrap(buildErr, hiveerrors.KindBuild, "testprogram build failed")
		}

		bin := hwmodel.LinkedBinary{Key: ck.key, ELF: elf}

		c.mu.Lock()
		c.store[ck] = bin
		c.mu.Unlock()

		return bin, nil
	})
	if err != nil {
		return hwmodel.LinkedBinary{}, err
	}
	return result.(hwmodel.LinkedBinary), nil
}

// Invalidate drops every cached binary. Called when the active testprogram
// is mutated, or at the start of a new reinit cycle (§3: "A LinkedBinary
// lives until the next Reinit or testprogram mutation invalidates it").
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store = make(map[cacheKey]hwmodel.LinkedBinary)
}

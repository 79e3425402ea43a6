// Package flasher implements the Flasher (§4.4): given a probe already
// routed to a target socket, it resets, programs, and verifies the target.
package flasher

import (
	"fmt"

	hiveerrors "hive.dev/hive/internal/errors"
	"hive.dev/hive/internal/hwmodel"
)

// ProbeHandle is the narrow probe-driver surface the flasher needs. A real
// implementation wraps the probe library (out of scope per spec.md §1); for
// tests and simulation, use a fake.
type ProbeHandle interface {
	Attach() error
	ResetHalt(connectUnderReset bool) error
	EraseAndProgram(elf []byte) error
	VerifySentinel() error
	Detach() error
}

// Result is the outcome of a single flash attempt.
type Result struct {
	Status  hwmodel.FlashStatus
	Message string
}

// Flash attaches to probe, resets the target, programs elf, and verifies a
// sentinel region, per the §4.4 algorithm: "attach, reset-halt (retrying
// once without connect-under-reset and once with), erase-and-program,
// verify-read of a small sentinel region, detach." A failure at any step
// returns {Error, message} and is not retried by this component — retry
// budget belongs to the caller's reinit loop, not to Flash itself.
func Flash(probe ProbeHandle, targetName string, elf []byte) Result {
	if err := probe.Attach(); err != nil {
		return errorResult("attach", targetName, err)
	}
	defer probe.Detach()

	if err := resetHalt(probe); err != nil {
		return errorResult("reset-halt", targetName, err)
	}

	if err := probe.EraseAndProgram(elf); err != nil {
		return errorResult("erase-and-program", targetName, err)
	}

	if err := probe.VerifySentinel(); err != nil {
		return errorResult("verify", targetName, err)
	}

	return Result{Status: hwmodel.FlashStatusOk}
}

// resetHalt retries reset-halt once without connect-under-reset, then once
// with it, matching §4.4 exactly (this is a fixed two-attempt sequence, not
// the bounded-backoff retry used by the switch matrix and bus I/O).
func resetHalt(probe ProbeHandle) error {
	if err := probe.ResetHalt(false); err == nil {
		return nil
	}
	return probe.ResetHalt(true)
}

func errorResult(step, targetName string, err error) Result {
	msg := fmt.Sprintf("%s failed for target %q: %v", step, targetName, err)
	return Result{Status: hwmodel.FlashStatusError, Message: msg}
}

// AsError converts an Error result into a classified *errors.Error for
// callers that want it in the KindFlash taxonomy (§7).
func (r Result) AsError() error {
	if r.Status != hwmodel.FlashStatusError {
		return nil
	}
	return hiveerrors.New(hiveerrors.KindFlash, r.Message)
}

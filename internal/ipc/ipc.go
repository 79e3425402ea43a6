// Package ipc implements the wire codec between the controller and a
// sandboxed runner (§4.7): length-prefixed CBOR frames over a local stream
// socket, plus the message variants exchanged over it.
package ipc

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	hiveerrors "hive.dev/hive/internal/errors"
	"hive.dev/hive/internal/hwmodel"
)

// MaxPayloadBytes bounds a single encoded frame payload (§4.7: "Encoded
// payload size limit: 16 MiB").
const MaxPayloadBytes = 16 << 20

// Kind tags the variant of a Message (§4.7: "tag = first CBOR map key
// `kind`").
type Kind string

const (
	KindInit         Kind = "Init"
	KindRunnerStatus Kind = "RunnerStatus"
	KindTestResult   Kind = "TestResult"
	KindResults      Kind = "Results"
	KindFatalError   Kind = "FatalError"
)

// Message is the envelope every frame decodes into; exactly one of the
// payload fields is populated, selected by Kind.
type Message struct {
	Kind Kind `cbor:"kind"`

	Init         *InitPayload         `cbor:"init,omitempty"`
	RunnerStatus *RunnerStatusPayload `cbor:"runner_status,omitempty"`
	TestResult   *TestResultPayload   `cbor:"test_result,omitempty"`
	Results      *ResultsPayload      `cbor:"results,omitempty"`
	FatalError   *FatalErrorPayload   `cbor:"fatal_error,omitempty"`
}

// InitPayload is the sole controller→runner frame: everything the runner
// needs to compute its schedule and flash targets (§4.7, §4.8).
type InitPayload struct {
	Probes            [hwmodel.MaxProbeSlots]hwmodel.ProbeAssignment                    `cbor:"probes"`
	Targets           [hwmodel.MaxTSS][hwmodel.MaxTargetsPerTSS]hwmodel.TargetAssignment `cbor:"targets"`
	ActiveTestprogram string                                                            `cbor:"active_testprogram"`
	Binaries          []BinaryEntry                                                     `cbor:"binaries"`
	Defines           map[string]any                                                    `cbor:"defines"`
	// TargetFilter restricts the schedule to targets whose name matches this
	// glob; empty means every target matches. Carries the HTTP layer's
	// submit_test(binary_bytes, filter) argument (§6) into the runner.
	TargetFilter string `cbor:"target_filter"`
}

// BinaryEntry flattens the map<(arch,ram_origin),bytes> from §4.7 into a
// slice, since CBOR map keys must be primitive-comparable but
// hwmodel.BinaryKey is a struct.
type BinaryEntry struct {
	Key hwmodel.BinaryKey `cbor:"key"`
	ELF []byte            `cbor:"elf"`
}

// RunnerStatusPayload reports dispatcher progress (§4.7).
type RunnerStatusPayload struct {
	Phase  string `cbor:"phase"` // "starting", "flashing", "testing"
	Detail string `cbor:"detail"`
}

// Outcome is the result of running one (test, probe, target) triple.
type Outcome string

const (
	OutcomePass Outcome = "pass"
	OutcomeFail Outcome = "fail"
	OutcomeSkip Outcome = "skip"
)

// TestResultPayload reports one executed (test, probe, target) triple
// (§4.7). ModulePath and ShouldPanic are supplemented from
// original_source's test-result and test-attribute fields (see
// SPEC_FULL.md supplemented features 4 and 5).
type TestResultPayload struct {
	TestName     string               `cbor:"test_name"`
	ModulePath   string               `cbor:"module_path"`
	ProbeSlot    hwmodel.ProbeSlot    `cbor:"probe_slot"`
	TargetSocket hwmodel.TargetSocket `cbor:"target_socket"`
	Outcome      Outcome              `cbor:"outcome"`
	ShouldPanic  bool                 `cbor:"should_panic"`
	DurationUs   int64                `cbor:"duration_us"`
	Message      string               `cbor:"message"`
	Backtrace    string               `cbor:"backtrace"`
}

// ResultsPayload is the terminal success marker (§4.7): it must be preceded
// by exactly Count TestResult frames in the same conversation (P5).
type ResultsPayload struct {
	Count int `cbor:"count"`
}

// FatalErrorPayload is a terminal frame for a run-invalidating error
// (§4.7, §7).
type FatalErrorPayload struct {
	Message string `cbor:"message"`
}

// NewInit builds an Init message.
func NewInit(p InitPayload) Message { return Message{Kind: KindInit, Init: &p} }

// NewRunnerStatus builds a RunnerStatus message.
func NewRunnerStatus(phase, detail string) Message {
	return Message{Kind: KindRunnerStatus, RunnerStatus: &RunnerStatusPayload{Phase: phase, Detail: detail}}
}

// NewTestResult builds a TestResult message.
func NewTestResult(p TestResultPayload) Message {
	return Message{Kind: KindTestResult, TestResult: &p}
}

// NewResults builds the terminal Results message.
func NewResults(count int) Message {
	return Message{Kind: KindResults, Results: &ResultsPayload{Count: count}}
}

// NewFatalError builds the terminal FatalError message.
func NewFatalError(format string, args ...any) Message {
	return Message{Kind: KindFatalError, FatalError: &FatalErrorPayload{Message: fmt.Sprintf(format, args...)}}
}

// IsTerminal reports whether m ends the conversation (§4.7).
func (m Message) IsTerminal() bool {
	return m.Kind == KindResults || m.Kind == KindFatalError
}

// WriteFrame encodes msg as CBOR and writes it to w as
// u32-little-endian-length || payload (§4.7).
func WriteFrame(w io.Writer, msg Message) error {
	payload, err := cbor.Marshal(msg)
	if err != nil {
		return hiveerrors.Wrap(err, hiveerrors.KindIPCProtocolViolation, "failed to encode ipc frame")
	}
	if len(payload) > MaxPayloadBytes {
		return hiveerrors.Errorf(hiveerrors.KindIPCProtocolViolation, "ipc frame payload of %d bytes exceeds the %d byte limit", len(payload), MaxPayloadBytes)
	}

	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("ipc: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("ipc: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads and decodes one frame from r. io.EOF propagates
// unwrapped so callers can distinguish "peer closed cleanly" from a
// protocol violation.
func ReadFrame(r io.Reader) (Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Message{}, hiveerrors.Wrap(err, hiveerrors.KindIPCProtocolViolation, "ipc frame header truncated")
		}
		return Message{}, err
	}

	size := binary.LittleEndian.Uint32(header[:])
	if size > MaxPayloadBytes {
		return Message{}, hiveerrors.Errorf(hiveerrors.KindIPCProtocolViolation, "ipc frame declares %d bytes, exceeding the %d byte limit", size, MaxPayloadBytes)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, hiveerrors.Wrap(err, hiveerrors.KindIPCProtocolViolation, "ipc frame payload truncated")
	}

	var msg Message
	if err := cbor.Unmarshal(payload, &msg); err != nil {
		return Message{}, hiveerrors.Wrap(err, hiveerrors.KindIPCProtocolViolation, "failed to decode ipc frame")
	}
	return msg, nil
}

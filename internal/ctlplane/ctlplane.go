// Package ctlplane implements the four operations §6 says the out-of-scope
// HTTP layer invokes on the core: submit_test, submit_reinit, subscribe, and
// cancel. It is the single point where the Task Manager, Hardware State
// Manager, and Runner Supervisor are wired together into task bodies.
package ctlplane

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	hiveerrors "hive.dev/hive/internal/errors"
	"hive.dev/hive/internal/hwstate"
	"hive.dev/hive/internal/ipc"
	"hive.dev/hive/internal/metrics"
	"hive.dev/hive/internal/runnersupervisor"
	"hive.dev/hive/internal/taskmanager"
)

// TestPayload is the KindTest task payload: the uploaded runner binary and
// an optional target-name glob (§6 submit_test(binary_bytes, filter)).
type TestPayload struct {
	BinaryPath string
	Filter     string
}

// Engine wires the Task Manager to the Hardware State Manager and Runner
// Supervisor, and is the sole owner of the hardware-exclusive lock's
// runtime effect: it is the RunFunc taskmanager.Manager.Run invokes, so at
// most one reinit or test conversation is ever in flight (§4.5, §5).
type Engine struct {
	Tasks   *taskmanager.Manager
	HW      *hwstate.Manager
	Metrics *metrics.Metrics

	// NewSupervisor builds a fresh Supervisor for one runner launch; a
	// function rather than a shared value because RunnerPath differs per
	// submitted binary.
	NewSupervisor func(runnerPath string) *runnersupervisor.Supervisor

	// BinDir holds uploaded runner binaries for the lifetime of their task.
	BinDir string
}

// Run is the taskmanager.RunFunc dispatched for every task.
func (e *Engine) Run(ctx context.Context, t *taskmanager.Task) (any, error) {
	switch t.Kind {
	case taskmanager.KindReinit:
		return e.HW.Reinitialise()
	case taskmanager.KindTest:
		return e.runTest(ctx, t)
	default:
		return nil, hiveerrors.Errorf(hiveerrors.KindInternal, "unknown task kind %v", t.Kind)
	}
}

func (e *Engine) runTest(ctx context.Context, t *taskmanager.Task) (any, error) {
	payload, ok := t.Payload.(TestPayload)
	if !ok {
		return nil, hiveerrors.Errorf(hiveerrors.KindInternal, "test task submitted with wrong payload type")
	}
	defer os.Remove(payload.BinaryPath)

	hs, err := e.HW.Reinitialise()
	if err != nil {
		return nil, hiveerrors.Wrap(err, hiveerrors.KindInternal, "reinit before test run failed")
	}

	init := ipc.InitPayload{
		Probes:            hs.Probes,
		Targets:           hs.Targets,
		ActiveTestprogram: hs.ActiveTestprogram,
		TargetFilter:      payload.Filter,
	}
	for key, bin := range hs.Binaries {
		init.Binaries = append(init.Binaries, ipc.BinaryEntry{Key: key, ELF: bin.ELF})
	}

	sup := e.NewSupervisor(payload.BinaryPath)
	result := sup.Run(ctx, init, func(msg ipc.Message) {
		t.Publish(taskmanager.Frame(msg))
		if msg.Kind == ipc.KindTestResult && e.Metrics != nil {
			e.Metrics.ObserveTestResult(msg.TestResult.TestName, string(msg.TestResult.Outcome))
		}
	})

	if result.FatalMessage != "" {
		if e.Metrics != nil {
			e.Metrics.RunnerCrashes.Inc()
		}
		return result, hiveerrors.New(hiveerrors.KindInternal, result.FatalMessage)
	}
	return result, nil
}

// SubmitTest implements §6 submit_test(binary_bytes, filter) -> TaskHandle:
// it stages the uploaded runner binary to disk and enqueues a Test task.
func (e *Engine) SubmitTest(binary []byte, filter string) (uuid.UUID, error) {
	path := filepath.Join(e.BinDir, "runner-"+uuid.NewString())
	if err := os.WriteFile(path, binary, 0o755); err != nil {
		return uuid.UUID{}, hiveerrors.Wrap(err, hiveerrors.KindInternal, "failed to stage runner binary")
	}

	t := e.Tasks.Submit(taskmanager.KindTest, TestPayload{BinaryPath: path, Filter: filter})
	return t.ID, nil
}

// SubmitReinit implements §6 submit_reinit() -> TaskHandle.
func (e *Engine) SubmitReinit() uuid.UUID {
	return e.Tasks.Submit(taskmanager.KindReinit, nil).ID
}

// Subscribe implements §6 subscribe(TaskId) -> Stream<Frame>.
func (e *Engine) Subscribe(id uuid.UUID) (<-chan taskmanager.Frame, func(), error) {
	t, ok := e.Tasks.Lookup(id)
	if !ok {
		return nil, nil, hiveerrors.Errorf(hiveerrors.KindNotFound, "no task with id %s", id)
	}
	ch, unsubscribe := t.Subscribe()
	return ch, unsubscribe, nil
}

// Cancel implements §6 cancel(TaskId) -> Result.
func (e *Engine) Cancel(id uuid.UUID) error {
	return e.Tasks.Cancel(id)
}

package ctlplane

import (
	"context"
	"os"
	"os/exec"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"hive.dev/hive/internal/hwmodel"
	"hive.dev/hive/internal/hwstate"
	"hive.dev/hive/internal/runnersupervisor"
	"hive.dev/hive/internal/sandbox"
	"hive.dev/hive/internal/store"
	"hive.dev/hive/internal/switchmatrix"
	"hive.dev/hive/internal/taskmanager"
	"hive.dev/hive/internal/testprogram"
)

// shellCommander runs a fixed shell script instead of the runner binary and
// the real bubblewrap-equivalent sandboxer tool, so tests exercise Engine's
// wiring without either being present.
type shellCommander struct{ script string }

func (c shellCommander) Command(runnerPath string, profile sandbox.Profile, ipcConn *os.File) *exec.Cmd {
	cmd := exec.Command("/bin/sh", "-c", c.script)
	cmd.ExtraFiles = []*os.File{ipcConn}
	return cmd
}

func newTestEngine(t *testing.T, script string) *Engine {
	t.Helper()

	db, err := store.Open(t.TempDir() + "/ctlplane.db")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Put(store.KeyActiveTestprogram, hwmodel.DefaultTestprogramName))
	require.NoError(t, db.Put(store.TestprogramKey(hwmodel.DefaultTestprogramName), hwmodel.Testprogram{
		Name: hwmodel.DefaultTestprogramName,
	}))

	matrix := switchmatrix.New(switchmatrix.NewSimBus())
	cache := testprogram.New(&testprogram.SimAssembler{})
	hw := hwstate.New(matrix, db, cache, hwstate.NewSimProbeDriver())

	e := &Engine{
		HW:     hw,
		BinDir: t.TempDir(),
		NewSupervisor: func(runnerPath string) *runnersupervisor.Supervisor {
			return &runnersupervisor.Supervisor{
				Sandboxer:  shellCommander{script: script},
				RunnerPath: runnerPath,
			}
		},
	}
	e.Tasks = taskmanager.New(e.Run)
	return e
}

func TestSubmitReinitRunsToCompletion(t *testing.T) {
	e := newTestEngine(t, "exit 0")
	go e.Tasks.Run(context.Background())

	id := e.SubmitReinit()
	tk, ok := e.Tasks.Lookup(id)
	require.True(t, ok)

	result, err := tk.Wait()
	require.NoError(t, err)
	hs, ok := result.(*hwmodel.HardwareState)
	require.True(t, ok)
	require.Equal(t, hwmodel.DefaultTestprogramName, hs.ActiveTestprogram)
}

func TestSubmitTestStagesBinaryAndCleansUpAfterward(t *testing.T) {
	e := newTestEngine(t, "exit 7")
	go e.Tasks.Run(context.Background())

	id, err := e.SubmitTest([]byte("#!/bin/sh\nexit 0\n"), "*")
	require.NoError(t, err)

	tk, ok := e.Tasks.Lookup(id)
	require.True(t, ok)
	_, _ = tk.Wait()

	entries, err := os.ReadDir(e.BinDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestCancelUnknownTaskReturnsError(t *testing.T) {
	e := newTestEngine(t, "exit 0")
	require.Error(t, e.Cancel(uuid.New()))
}

func TestSubscribeUnknownTaskReturnsError(t *testing.T) {
	e := newTestEngine(t, "exit 0")
	_, _, err := e.Subscribe(uuid.New())
	require.Error(t, err)
}

func TestSubscribeReceivesNoReplayAfterTaskCompletes(t *testing.T) {
	e := newTestEngine(t, "exit 0")
	go e.Tasks.Run(context.Background())

	id, err := e.SubmitTest([]byte("#!/bin/sh\nexit 0\n"), "")
	require.NoError(t, err)

	tk, ok := e.Tasks.Lookup(id)
	require.True(t, ok)
	_, _ = tk.Wait()

	ch, unsubscribe, err := e.Subscribe(id)
	require.NoError(t, err)
	defer unsubscribe()

	_, open := <-ch
	require.False(t, open, "a subscription to an already-complete task should see its channel closed immediately")
}

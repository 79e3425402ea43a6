// Package taskmanager implements the Task Manager (§4.5): the single-writer
// serialiser for the two mutually-exclusive long-running job kinds, Test and
// Reinit. Tasks are FIFO; at most one is Running at any instant.
package taskmanager

import (
	"context"
	"sync"

	"github.com/google/uuid"

	hiveerrors "hive.dev/hive/internal/errors"
)

// Kind distinguishes the two task bodies the dispatcher knows how to run.
type Kind int

const (
	KindTest Kind = iota
	KindReinit
)

func (k Kind) String() string {
	if k == KindReinit {
		return "reinit"
	}
	return "test"
}

// State is a task's position in Queued → Running → Complete (§4.5).
type State int

const (
	StateQueued State = iota
	StateRunning
	StateComplete
)

// Frame is one unit of progress pushed to a task's subscribers. In
// production this carries ipc message values forwarded by the Runner
// Supervisor; taskmanager itself is agnostic to their shape.
type Frame any

// Task is a single unit of work tracked by the Manager: its own
// cancellation context, a completion signal, and a fan-out broadcast of
// progress frames (§4.5: "late subscribers receive frames from the point
// of subscription — no replay").
type Task struct {
	ID      uuid.UUID
	Kind    Kind
	Payload any

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	state  State
	result any
	err    error

	subMu sync.Mutex
	subs  map[int]chan Frame
	nextID int
}

func newTask(kind Kind, payload any) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	return &Task{
		ID:      uuid.New(),
		Kind:    kind,
		Payload: payload,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		subs:    make(map[int]chan Frame),
	}
}

// State returns the task's current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Context is cancelled when the task is cancelled; the runner supervisor
// (or any other task body) observes it at its next IPC boundary (§4.5).
func (t *Task) Context() context.Context {
	return t.ctx
}

// Done is closed once the task reaches Complete.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task completes and returns its result.
func (t *Task) Wait() (any, error) {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

// Subscribe returns a channel of progress frames published from this point
// forward, and an unsubscribe function. The channel is closed when the
// task completes.
func (t *Task) Subscribe() (<-chan Frame, func()) {
	ch := make(chan Frame, 32)

	t.subMu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	t.subMu.Unlock()

	// complete() may already have run (closing every subscriber registered
	// at that time) before the registration above; catch that race here.
	if t.State() == StateComplete {
		t.subMu.Lock()
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(ch)
		}
		t.subMu.Unlock()
	}

	unsubscribe := func() {
		t.subMu.Lock()
		defer t.subMu.Unlock()
		if c, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(c)
		}
	}
	return ch, unsubscribe
}

// Publish fans a frame out to every current subscriber, dropping it for a
// subscriber whose buffer is full rather than blocking the task body.
func (t *Task) Publish(f Frame) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- f:
		default:
		}
	}
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Task) complete(result any, err error) {
	t.mu.Lock()
	t.state = StateComplete
	t.result = result
	t.err = err
	t.mu.Unlock()

	t.subMu.Lock()
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
	t.subMu.Unlock()

	close(t.done)
}

// errNotFound builds the error Cancel returns for an unknown task id.
func errNotFound(id uuid.UUID) error {
	return hiveerrors.Errorf(hiveerrors.KindNotFound, "no task with id %s", id)
}

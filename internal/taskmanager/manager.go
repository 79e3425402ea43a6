package taskmanager

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"

	hiveerrors "hive.dev/hive/internal/errors"
)

// RunFunc executes a task's body while the dispatcher holds the
// hardware-exclusive lock (§4.1, §5). It is called with the task's own
// cancellation context and must observe it at IPC boundaries.
type RunFunc func(ctx context.Context, task *Task) (any, error)

// Manager is the §4.5 Task Manager: a strict FIFO over an unbounded
// multi-producer queue, consumed by a single dispatcher goroutine that is
// the only caller of run for the lifetime of the Manager.
type Manager struct {
	run RunFunc

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*Task
	tasks  map[uuid.UUID]*Task
	closed bool

	// pendingReinit is the queued (not yet Running) Reinit task, if any —
	// a second Reinit submitted while it is still queued coalesces onto it
	// rather than growing the queue (§4.5).
	pendingReinit *Task
}

// New builds a Manager whose dispatcher calls run for every task body.
// Call Run in its own goroutine to start the dispatcher.
func New(run RunFunc) *Manager {
	m := &Manager{
		run:   run,
		tasks: make(map[uuid.UUID]*Task),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Submit enqueues a task and returns immediately. A Reinit submitted while
// one is already queued returns the existing queued Task instead of
// enqueuing a second one.
func (m *Manager) Submit(kind Kind, payload any) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	if kind == KindReinit && m.pendingReinit != nil {
		return m.pendingReinit
	}

	t := newTask(kind, payload)
	m.tasks[t.ID] = t
	m.queue = append(m.queue, t)
	if kind == KindReinit {
		m.pendingReinit = t
	}
	m.cond.Signal()
	return t
}

// Lookup returns a previously submitted task by id.
func (m *Manager) Lookup(id uuid.UUID) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok
}

// Cancel cancels a task (§4.5): a Queued task is removed from the queue and
// completes immediately with a Cancelled error; a Running task has its
// context cancelled, observed by the task body at its next IPC boundary.
func (m *Manager) Cancel(id uuid.UUID) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return errNotFound(id)
	}

	if t.State() != StateQueued {
		m.mu.Unlock()
		t.cancel()
		return nil
	}

	for i, qt := range m.queue {
		if qt == t {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			break
		}
	}
	if m.pendingReinit == t {
		m.pendingReinit = nil
	}
	m.mu.Unlock()

	t.cancel()
	t.complete(nil, hiveerrors.New(hiveerrors.KindCancelled, "task cancelled while queued"))
	return nil
}

// Run is the dispatcher loop (§4.5): await the head task's readiness,
// run its body to completion, advance. It returns when ctx is cancelled
// and the queue has drained.
func (m *Manager) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		m.closed = true
		m.cond.Broadcast()
		m.mu.Unlock()
	}()

	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if len(m.queue) == 0 && m.closed {
			m.mu.Unlock()
			return
		}

		t := m.queue[0]
		m.queue = m.queue[1:]
		if m.pendingReinit == t {
			m.pendingReinit = nil
		}
		m.mu.Unlock()

		m.runOne(t)
	}
}

func (m *Manager) runOne(t *Task) {
	if t.State() == StateComplete {
		return // cancelled while queued, already completed by Cancel
	}

	t.setState(StateRunning)
	result, err := func() (result any, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[taskmanager] task %s (%s) panicked: %v", t.ID, t.Kind, r)
				err = hiveerrors.Errorf(hiveerrors.KindInternal, "task body panicked: %v", r)
			}
		}()
		return m.run(t.ctx, t)
	}()

	t.complete(result, err)
}

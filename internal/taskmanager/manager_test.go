package taskmanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	hiveerrors "hive.dev/hive/internal/errors"
)

func TestSubmitRunsTaskToCompletion(t *testing.T) {
	m := New(func(ctx context.Context, task *Task) (any, error) {
		return "done:" + task.Kind.String(), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	defer cancel()

	task := m.Submit(KindTest, "payload")
	result, err := task.Wait()
	require.NoError(t, err)
	require.Equal(t, "done:test", result)
	require.Equal(t, StateComplete, task.State())
}

func TestAtMostOneTaskRunningAtOnce(t *testing.T) {
	var mu sync.Mutex
	running := 0
	maxConcurrent := 0
	release := make(chan struct{})

	m := New(func(ctx context.Context, task *Task) (any, error) {
		mu.Lock()
		running++
		if running > maxConcurrent {
			maxConcurrent = running
		}
		mu.Unlock()

		<-release

		mu.Lock()
		running--
		mu.Unlock()
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	defer cancel()

	t1 := m.Submit(KindTest, nil)
	t2 := m.Submit(KindTest, nil)

	time.Sleep(20 * time.Millisecond)
	close(release)

	t1.Wait()
	t2.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, maxConcurrent, "at most one task body must run at a time")
}

func TestReinitSubmissionsCoalesceWhileQueued(t *testing.T) {
	gate := make(chan struct{})
	var runCount int
	var mu sync.Mutex

	m := New(func(ctx context.Context, task *Task) (any, error) {
		<-gate
		mu.Lock()
		runCount++
		mu.Unlock()
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	defer cancel()

	blocker := m.Submit(KindTest, nil)
	r1 := m.Submit(KindReinit, nil)
	r2 := m.Submit(KindReinit, nil)

	require.Equal(t, r1.ID, r2.ID, "a second queued Reinit must coalesce onto the first")

	close(gate)
	blocker.Wait()
	r1.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, runCount, "coalesced reinit runs exactly once, plus the blocking test task")
}

func TestCancelQueuedTaskCompletesWithCancelled(t *testing.T) {
	gate := make(chan struct{})
	m := New(func(ctx context.Context, task *Task) (any, error) {
		<-gate
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	defer cancel()

	blocker := m.Submit(KindTest, nil)
	queued := m.Submit(KindTest, nil)

	require.NoError(t, m.Cancel(queued.ID))

	_, err := queued.Wait()
	require.Error(t, err)
	require.Equal(t, hiveerrors.KindCancelled, hiveerrors.GetKind(err))

	close(gate)
	blocker.Wait()
}

func TestCancelRunningTaskCancelsContext(t *testing.T) {
	observed := make(chan error, 1)
	m := New(func(ctx context.Context, task *Task) (any, error) {
		<-ctx.Done()
		observed <- ctx.Err()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	defer cancel()

	running := m.Submit(KindTest, nil)
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, m.Cancel(running.ID))

	select {
	case err := <-observed:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("task body never observed cancellation")
	}
}

func TestCancelUnknownTaskReturnsNotFound(t *testing.T) {
	m := New(func(ctx context.Context, task *Task) (any, error) { return nil, nil })
	err := m.Cancel(uuid.New())
	require.Error(t, err)
	require.Equal(t, hiveerrors.KindNotFound, hiveerrors.GetKind(err))
}

func TestSubscribeReceivesFramesPublishedAfterSubscription(t *testing.T) {
	publishNow := make(chan struct{})
	m := New(func(ctx context.Context, task *Task) (any, error) {
		task.Publish("before-subscribe")
		close(publishNow)
		<-ctx.Done()
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	defer cancel()

	task := m.Submit(KindTest, nil)
	<-publishNow

	frames, unsubscribe := task.Subscribe()
	defer unsubscribe()

	task.Publish("after-subscribe")

	select {
	case f := <-frames:
		require.Equal(t, "after-subscribe", f)
	case <-time.After(time.Second):
		t.Fatal("expected a frame published after subscription")
	}

	m.Cancel(task.ID)
	task.Wait()

	_, ok := <-frames
	require.False(t, ok, "channel must close when the task completes")
}

func TestTicketCacheSingleUseAndExpiry(t *testing.T) {
	c := NewTicketCache(50 * time.Millisecond)
	tok := c.Issue()

	require.True(t, c.Redeem(tok))
	require.False(t, c.Redeem(tok), "a redeemed ticket cannot be redeemed twice")

	expired := c.Issue()
	time.Sleep(100 * time.Millisecond)
	require.False(t, c.Redeem(expired), "an expired ticket must not be admitted")
}

package async

import (
	"sync/atomic"
	"testing"
	"time"

	"firestore-sync/internal/shared/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_TasksRunInOrder(t *testing.T) {
	q := NewQueue(nil)
	defer q.Shutdown()

	var order []int
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, q.Enqueue(func() { order = append(order, i) }))
	}
	q.Drain()

	require.Len(t, order, 100)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestQueue_EnqueueAndWait(t *testing.T) {
	q := NewQueue(nil)
	defer q.Shutdown()

	ran := false
	require.NoError(t, q.EnqueueAndWait(func() { ran = true }))
	assert.True(t, ran)
}

func TestQueue_PanicDoesNotKillQueue(t *testing.T) {
	q := NewQueue(nil)
	defer q.Shutdown()

	require.NoError(t, q.Enqueue(func() { panic("boom") }))

	ran := false
	require.NoError(t, q.EnqueueAndWait(func() { ran = true }))
	assert.True(t, ran)
}

func TestQueue_DelayedOperationRuns(t *testing.T) {
	q := NewQueue(nil)
	defer q.Shutdown()

	done := make(chan struct{})
	op := q.EnqueueAfterDelay(TimerRetryTransaction, 5*time.Millisecond, func() {
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("delayed operation never ran")
	}
	assert.True(t, op.Fired())
	assert.False(t, q.ContainsDelayedOperation(TimerRetryTransaction))
}

func TestQueue_DelayedOperationCancel(t *testing.T) {
	q := NewQueue(nil)
	defer q.Shutdown()

	var ran atomic.Bool
	op := q.EnqueueAfterDelay(TimerGarbageCollection, 50*time.Millisecond, func() {
		ran.Store(true)
	})
	require.True(t, q.ContainsDelayedOperation(TimerGarbageCollection))

	op.Cancel()
	time.Sleep(100 * time.Millisecond)
	q.Drain()

	assert.False(t, ran.Load())
	assert.False(t, op.Fired())
	assert.False(t, q.ContainsDelayedOperation(TimerGarbageCollection))
}

func TestQueue_ShutdownRejectsNewTasks(t *testing.T) {
	q := NewQueue(nil)
	q.Shutdown()

	err := q.Enqueue(func() {})
	assert.ErrorIs(t, err, errors.ErrClientTerminated)
}

func TestQueue_ShutdownDrainsBlockedSender(t *testing.T) {
	q := NewQueue(nil)

	gate := make(chan struct{})
	require.NoError(t, q.Enqueue(func() { <-gate }))
	// Fill the buffer behind the stalled task so the next send blocks.
	for i := 0; i < cap(q.tasks); i++ {
		require.NoError(t, q.Enqueue(func() {}))
	}

	sendResult := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				sendResult <- errors.Newf(errors.CodeInternal, "enqueue panicked: %v", r)
			}
		}()
		sendResult <- q.Enqueue(func() {})
	}()
	time.Sleep(20 * time.Millisecond)

	shutdownDone := make(chan struct{})
	go func() {
		q.Shutdown()
		close(shutdownDone)
	}()
	time.Sleep(20 * time.Millisecond)
	close(gate)

	select {
	case err := <-sendResult:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked sender never completed")
	}
	select {
	case <-shutdownDone:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown never completed")
	}
}

func TestQueue_ShutdownCancelsDelayed(t *testing.T) {
	q := NewQueue(nil)

	var ran atomic.Bool
	q.EnqueueAfterDelay(TimerOnlineStateTimeout, 30*time.Millisecond, func() { ran.Store(true) })
	q.Shutdown()

	time.Sleep(60 * time.Millisecond)
	assert.False(t, ran.Load())
}

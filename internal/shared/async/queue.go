package async

import (
	"sync"
	"sync/atomic"
	"time"

	"firestore-sync/internal/shared/errors"
	"firestore-sync/internal/shared/logger"
)

// TimerID identifies a class of delayed operation so tests and shutdown code
// can find and cancel them.
type TimerID string

const (
	TimerListenStreamIdle           TimerID = "listen_stream_idle"
	TimerListenStreamConnectionBack TimerID = "listen_stream_connection_backoff"
	TimerWriteStreamIdle            TimerID = "write_stream_idle"
	TimerWriteStreamConnectionBack  TimerID = "write_stream_connection_backoff"
	TimerOnlineStateTimeout         TimerID = "online_state_timeout"
	TimerPrimaryLeaseRefresh        TimerID = "primary_lease_refresh"
	TimerGarbageCollection          TimerID = "lru_garbage_collection"
	TimerStorageRecovery            TimerID = "storage_recovery"
	TimerRetryTransaction           TimerID = "retry_transaction"
)

// Queue serializes all engine work onto a single goroutine. Tasks never run
// concurrently, which removes the need for locks around engine state; every
// suspension (network, storage, timers) re-enqueues onto the same queue.
type Queue struct {
	mu       sync.Mutex
	tasks    chan func()
	done     chan struct{}
	shutdown bool
	// senders counts Enqueue calls admitted before shutdown but not yet
	// done sending; Shutdown waits for them before closing tasks.
	senders sync.WaitGroup
	delayed map[*DelayedOperation]struct{}
	log     logger.Logger
}

// NewQueue creates and starts a serialized task queue.
func NewQueue(log logger.Logger) *Queue {
	if log == nil {
		log = &logger.NoopLogger{}
	}
	q := &Queue{
		tasks:   make(chan func(), 256),
		done:    make(chan struct{}),
		delayed: make(map[*DelayedOperation]struct{}),
		log:     log,
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.done)
	for task := range q.tasks {
		q.invoke(task)
	}
}

func (q *Queue) invoke(task func()) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Errorf("Panic on serialized queue: %v", r)
		}
	}()
	task()
}

// Enqueue schedules a task. Returns ErrClientTerminated after Shutdown.
func (q *Queue) Enqueue(task func()) error {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return errors.ErrClientTerminated
	}
	q.senders.Add(1)
	q.mu.Unlock()
	defer q.senders.Done()
	q.tasks <- task
	return nil
}

// EnqueueAndWait schedules a task and blocks until it has run. Must not be
// called from a task already on the queue.
func (q *Queue) EnqueueAndWait(task func()) error {
	ran := make(chan struct{})
	if err := q.Enqueue(func() {
		defer close(ran)
		task()
	}); err != nil {
		return err
	}
	<-ran
	return nil
}

// EnqueueAfterDelay schedules a cancelable task to be enqueued after delay.
func (q *Queue) EnqueueAfterDelay(id TimerID, delay time.Duration, task func()) *DelayedOperation {
	op := &DelayedOperation{ID: id, queue: q, task: task}
	op.timer = time.AfterFunc(delay, op.fire)

	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		op.Cancel()
		return op
	}
	q.delayed[op] = struct{}{}
	q.mu.Unlock()
	return op
}

// ContainsDelayedOperation reports whether a delayed operation with the given
// timer id is still pending. Test hook.
func (q *Queue) ContainsDelayedOperation(id TimerID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for op := range q.delayed {
		if op.ID == id {
			return true
		}
	}
	return false
}

// Drain blocks until every task enqueued before the call has run.
func (q *Queue) Drain() {
	_ = q.EnqueueAndWait(func() {})
}

// Shutdown stops accepting tasks, cancels pending delayed operations and
// waits for in-flight tasks to finish.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.shutdown = true
	pending := make([]*DelayedOperation, 0, len(q.delayed))
	for op := range q.delayed {
		pending = append(pending, op)
	}
	q.mu.Unlock()

	for _, op := range pending {
		op.Cancel()
	}
	// Senders admitted before the flag flipped may still be blocked on a
	// full buffer; the run loop keeps draining until the channel closes,
	// so waiting here cannot deadlock.
	q.senders.Wait()
	close(q.tasks)
	<-q.done
}

func (q *Queue) removeDelayed(op *DelayedOperation) {
	q.mu.Lock()
	delete(q.delayed, op)
	q.mu.Unlock()
}

// DelayedOperation is a scheduled task that is guaranteed not to run once
// Cancel returns.
type DelayedOperation struct {
	ID TimerID

	queue    *Queue
	task     func()
	timer    *time.Timer
	canceled atomic.Bool
	fired    atomic.Bool
}

func (op *DelayedOperation) fire() {
	op.queue.removeDelayed(op)
	if op.canceled.Load() {
		return
	}
	// The cancel flag is re-checked on the queue goroutine: the timer may
	// have fired concurrently with Cancel, and the enqueued wrapper is the
	// last point where non-execution can still be guaranteed.
	err := op.queue.Enqueue(func() {
		if op.canceled.Load() {
			return
		}
		op.fired.Store(true)
		op.task()
	})
	if err != nil {
		op.canceled.Store(true)
	}
}

// Cancel prevents the operation from running if it has not run yet.
func (op *DelayedOperation) Cancel() {
	op.canceled.Store(true)
	if op.timer != nil {
		op.timer.Stop()
	}
	op.queue.removeDelayed(op)
}

// Fired reports whether the operation ran. Test hook.
func (op *DelayedOperation) Fired() bool {
	return op.fired.Load()
}

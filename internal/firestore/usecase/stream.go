package usecase

import (
	"context"
	"sync"
	"time"

	"firestore-sync/internal/shared/async"
	"firestore-sync/internal/shared/errors"
	"firestore-sync/internal/shared/logger"

	"go.uber.org/zap"
)

// streamState is the lifecycle of a watch or write stream.
type streamState int

const (
	// streamStateInitial means Start has never been called or the stream
	// stopped cleanly.
	streamStateInitial streamState = iota
	// streamStateStarting means the connection attempt is in flight.
	streamStateStarting
	// streamStateOpen means the stream is established and usable.
	streamStateOpen
	// streamStateBackoff means the stream closed with an error and a
	// restart waits on the backoff delay.
	streamStateBackoff
	// streamStateStopped means the stream was shut down and will not
	// reconnect until started again.
	streamStateStopped
)

const streamIdleTimeout = 60 * time.Second

// baseStream holds the state machine shared by the watch and write
// streams: start/stop bookkeeping, backoff between retries, an idle
// timer, and a close epoch. The epoch increments on every teardown so
// callbacks from a dead connection can be recognized and dropped.
type baseStream struct {
	mu      sync.Mutex
	state   streamState
	epoch   int
	backoff *ExponentialBackoff
	queue   *async.Queue
	log     logger.Logger

	backoffTimerID async.TimerID
	idleTimerID    async.TimerID

	// restart dials and runs the connection for the given epoch; set by
	// the owning stream. It runs on its own goroutine.
	restart func(ctx context.Context, epoch int)
	// teardown closes the owning stream's connection, if any. Called
	// with the state mutex held.
	teardown func()

	retry *async.DelayedOperation
	idle  *async.DelayedOperation
}

func newBaseStream(queue *async.Queue, log logger.Logger, component string, backoffTimerID, idleTimerID async.TimerID) *baseStream {
	return &baseStream{
		backoff:        NewExponentialBackoff(),
		queue:          queue,
		log:            log.WithComponent(component),
		backoffTimerID: backoffTimerID,
		idleTimerID:    idleTimerID,
	}
}

func (s *baseStream) start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != streamStateInitial && s.state != streamStateStopped {
		return
	}
	s.startLocked(ctx)
}

func (s *baseStream) startLocked(ctx context.Context) {
	s.state = streamStateStarting
	s.epoch++
	epoch := s.epoch
	go s.restart(ctx, epoch)
}

// stop tears the stream down without scheduling a restart.
func (s *baseStream) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.cancelTimersLocked()
	if s.teardown != nil {
		s.teardown()
	}
	s.state = streamStateStopped
}

// inhibitBackoff resets the backoff so the next start connects without
// delay, used when connectivity is known to have returned.
func (s *baseStream) inhibitBackoff() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backoff.Reset()
}

func (s *baseStream) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == streamStateStarting || s.state == streamStateOpen || s.state == streamStateBackoff
}

func (s *baseStream) isOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == streamStateOpen
}

func (s *baseStream) currentEpoch() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// handleOpen transitions to open if the epoch still matches. Returns
// false when the connection belongs to a torn-down incarnation.
func (s *baseStream) handleOpen(epoch int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch || s.state != streamStateStarting {
		return false
	}
	s.state = streamStateOpen
	return true
}

// handleError schedules a restart after the backoff delay. Resource
// exhaustion jumps the backoff to its maximum first. Returns false when
// the error belongs to a torn-down incarnation and must be ignored.
func (s *baseStream) handleError(ctx context.Context, epoch int, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return false
	}
	s.cancelTimersLocked()
	if s.teardown != nil {
		s.teardown()
	}
	if errors.CodeOf(err) == errors.CodeResourceExhausted {
		s.log.Debug("backend reported resource exhaustion, using maximum backoff", zap.Error(err))
		s.backoff.ResetToMax()
	}
	s.state = streamStateBackoff
	s.epoch++
	nextEpoch := s.epoch
	delay := s.backoff.NextDelay()
	s.retry = s.queue.EnqueueAfterDelay(s.backoffTimerID, delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if nextEpoch != s.epoch || s.state != streamStateBackoff {
			return
		}
		s.startLocked(ctx)
	})
	return true
}

// markIdle arms the idle timer; onIdle runs on the queue when no traffic
// cancels it in time.
func (s *baseStream) markIdle(onIdle func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != streamStateOpen {
		return
	}
	epoch := s.epoch
	s.idle = s.queue.EnqueueAfterDelay(s.idleTimerID, streamIdleTimeout, func() {
		s.mu.Lock()
		match := epoch == s.epoch && s.state == streamStateOpen
		s.mu.Unlock()
		if match {
			onIdle()
		}
	})
}

func (s *baseStream) cancelIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelIdleLocked()
}

func (s *baseStream) cancelIdleLocked() {
	if s.idle != nil {
		s.idle.Cancel()
		s.idle = nil
	}
}

func (s *baseStream) cancelTimersLocked() {
	s.cancelIdleLocked()
	if s.retry != nil {
		s.retry.Cancel()
		s.retry = nil
	}
}

package usecase

import (
	"context"
	"sync"

	"firestore-sync/internal/firestore/domain/model"
	"firestore-sync/internal/firestore/domain/repository"
	"firestore-sync/internal/shared/async"
	"firestore-sync/internal/shared/logger"

	"go.uber.org/zap"
)

// WatchStreamListener receives watch stream lifecycle and data events.
// All calls arrive serialized on the engine queue.
type WatchStreamListener interface {
	OnWatchStreamOpen()
	OnWatchStreamChange(change model.WatchChange, snapshotVersion model.SnapshotVersion)
	// OnWatchStreamClose fires for every failure; the stream restarts
	// itself with backoff afterwards.
	OnWatchStreamClose(err error)
}

// WatchStream maintains the listen stream: targets are registered with
// WatchTarget and their snapshots arrive through the listener.
type WatchStream struct {
	base      *baseStream
	datastore repository.Datastore
	queue     *async.Queue
	listener  WatchStreamListener
	log       logger.Logger

	mu   sync.Mutex
	conn repository.WatchConnection
}

func NewWatchStream(datastore repository.Datastore, queue *async.Queue, listener WatchStreamListener, log logger.Logger) *WatchStream {
	s := &WatchStream{
		base:      newBaseStream(queue, log, "watch_stream", async.TimerListenStreamConnectionBack, async.TimerListenStreamIdle),
		datastore: datastore,
		queue:     queue,
		listener:  listener,
		log:       log.WithComponent("watch_stream"),
	}
	s.base.restart = s.run
	s.base.teardown = s.closeConn
	return s
}

func (s *WatchStream) Start(ctx context.Context) { s.base.start(ctx) }
func (s *WatchStream) Stop()                     { s.base.stop() }
func (s *WatchStream) InhibitBackoff()           { s.base.inhibitBackoff() }
func (s *WatchStream) IsStarted() bool           { return s.base.isStarted() }
func (s *WatchStream) IsOpen() bool              { return s.base.isOpen() }

func (s *WatchStream) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// currentConn returns the live connection, nil while disconnected. The
// run goroutine writes conn while the engine queue reads it, so both go
// through the mutex.
func (s *WatchStream) currentConn() repository.WatchConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// run dials the stream and pumps messages until it fails or the epoch
// moves on. It owns its goroutine; everything it tells the listener goes
// through the engine queue.
func (s *WatchStream) run(ctx context.Context, epoch int) {
	conn, err := s.datastore.OpenWatch(ctx)
	if err != nil {
		if s.base.handleError(ctx, epoch, err) {
			s.queue.Enqueue(func() { s.listener.OnWatchStreamClose(err) })
		}
		return
	}
	if !s.base.handleOpen(epoch) {
		_ = conn.Close()
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.queue.Enqueue(func() { s.listener.OnWatchStreamOpen() })

	for {
		change, snapshotVersion, err := conn.Recv()
		if err != nil {
			if s.base.handleError(ctx, epoch, err) {
				s.log.Debug("watch stream closed", zap.Error(err))
				s.queue.Enqueue(func() { s.listener.OnWatchStreamClose(err) })
			}
			return
		}
		if s.base.currentEpoch() != epoch {
			return
		}
		s.queue.Enqueue(func() { s.listener.OnWatchStreamChange(change, snapshotVersion) })
	}
}

// WatchTarget asks the backend to start streaming the target.
func (s *WatchStream) WatchTarget(targetData *model.TargetData) error {
	s.base.cancelIdle()
	conn := s.currentConn()
	if conn == nil {
		return nil
	}
	return conn.WatchTarget(targetData)
}

// UnwatchTarget asks the backend to stop streaming the target.
func (s *WatchStream) UnwatchTarget(targetID model.TargetID) error {
	conn := s.currentConn()
	if conn == nil {
		return nil
	}
	return conn.UnwatchTarget(targetID)
}

// MarkIdle stops the stream after an idle period with no targets.
func (s *WatchStream) MarkIdle() {
	s.base.markIdle(func() {
		s.log.Debug("watch stream idle, stopping")
		s.Stop()
	})
}

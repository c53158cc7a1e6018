package usecase

import (
	"context"
	"sync"

	"firestore-sync/internal/firestore/domain/model"
	"firestore-sync/internal/firestore/domain/repository"
	"firestore-sync/internal/shared/async"
	"firestore-sync/internal/shared/errors"
	"firestore-sync/internal/shared/logger"

	"go.uber.org/zap"
)

// WriteStreamListener receives write stream lifecycle and response
// events. All calls arrive serialized on the engine queue.
type WriteStreamListener interface {
	OnWriteStreamOpen()
	// OnWriteHandshakeComplete fires once per connection, after which
	// mutations may be sent.
	OnWriteHandshakeComplete()
	// OnWriteResponse acknowledges the oldest in-flight batch.
	OnWriteResponse(commitVersion model.SnapshotVersion, results []model.MutationResult)
	OnWriteStreamClose(err error)
}

// WriteStream maintains the write stream. Each connection starts with a
// handshake carrying the last stream token; only afterwards may mutation
// batches go out.
type WriteStream struct {
	base      *baseStream
	datastore repository.Datastore
	queue     *async.Queue
	listener  WriteStreamListener
	log       logger.Logger

	mu                sync.Mutex
	conn              repository.WriteConnection
	handshakeComplete bool
	lastStreamToken   []byte
}

func NewWriteStream(datastore repository.Datastore, queue *async.Queue, listener WriteStreamListener, log logger.Logger) *WriteStream {
	s := &WriteStream{
		base:      newBaseStream(queue, log, "write_stream", async.TimerWriteStreamConnectionBack, async.TimerWriteStreamIdle),
		datastore: datastore,
		queue:     queue,
		listener:  listener,
		log:       log.WithComponent("write_stream"),
	}
	s.base.restart = s.run
	s.base.teardown = s.closeConn
	return s
}

func (s *WriteStream) Start(ctx context.Context) { s.base.start(ctx) }
func (s *WriteStream) InhibitBackoff()           { s.base.inhibitBackoff() }
func (s *WriteStream) IsStarted() bool           { return s.base.isStarted() }
func (s *WriteStream) IsOpen() bool              { return s.base.isOpen() }

func (s *WriteStream) Stop() {
	s.base.stop()
}

// HandshakeComplete reports whether mutations may be sent on the current
// connection.
func (s *WriteStream) HandshakeComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakeComplete
}

// LastStreamToken returns the most recent token from the backend.
func (s *WriteStream) LastStreamToken() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStreamToken
}

// SetLastStreamToken seeds the token from persistence before the first
// handshake.
func (s *WriteStream) SetLastStreamToken(token []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastStreamToken = token
}

func (s *WriteStream) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.handshakeComplete = false
}

func (s *WriteStream) run(ctx context.Context, epoch int) {
	conn, err := s.datastore.OpenWrite(ctx)
	if err != nil {
		if s.base.handleError(ctx, epoch, err) {
			s.queue.Enqueue(func() { s.listener.OnWriteStreamClose(err) })
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
	s.queue.Enqueue(func() { s.listener.OnWriteStreamOpen() })

	for {
		response, err := conn.Recv()
		if err != nil {
			if s.base.handleError(ctx, epoch, err) {
				s.log.Debug("write stream closed", zap.Error(err))
				s.queue.Enqueue(func() { s.listener.OnWriteStreamClose(err) })
			}
			return
		}
		if s.base.currentEpoch() != epoch {
			return
		}
		s.mu.Lock()
		if len(response.StreamToken) > 0 {
			s.lastStreamToken = response.StreamToken
		}
		first := !s.handshakeComplete
		if first {
			s.handshakeComplete = true
		}
		s.mu.Unlock()

		if first {
			// The handshake response carries no mutation results.
			s.queue.Enqueue(func() { s.listener.OnWriteHandshakeComplete() })
		} else {
			resp := response
			s.queue.Enqueue(func() { s.listener.OnWriteResponse(resp.CommitVersion, resp.MutationResults) })
		}
	}
}

// WriteHandshake sends the stream token handshake. Must be the first
// message on every connection.
func (s *WriteStream) WriteHandshake() error {
	s.mu.Lock()
	conn := s.conn
	token := s.lastStreamToken
	handshakeComplete := s.handshakeComplete
	s.mu.Unlock()
	if conn == nil {
		return errors.New(errors.CodeInternal, "write handshake on closed stream")
	}
	if handshakeComplete {
		return errors.New(errors.CodeInternal, "write handshake already sent")
	}
	s.base.cancelIdle()
	return conn.WriteHandshake(token)
}

// WriteMutations sends one batch. The handshake must have completed.
func (s *WriteStream) WriteMutations(mutations []model.Mutation) error {
	s.mu.Lock()
	conn := s.conn
	token := s.lastStreamToken
	handshakeComplete := s.handshakeComplete
	s.mu.Unlock()
	if conn == nil || !handshakeComplete {
		return errors.New(errors.CodeInternal, "write mutations before handshake")
	}
	s.base.cancelIdle()
	return conn.WriteMutations(token, mutations)
}

// MarkIdle stops the stream after an idle period with nothing to send.
func (s *WriteStream) MarkIdle() {
	s.base.markIdle(func() {
		s.log.Debug("write stream idle, stopping")
		s.Stop()
	})
}

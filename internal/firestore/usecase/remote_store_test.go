package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestore-sync/internal/firestore/adapter/persistence/memory"
	"firestore-sync/internal/firestore/domain/model"
	"firestore-sync/internal/firestore/domain/repository"
	"firestore-sync/internal/shared/async"
	"firestore-sync/internal/shared/errors"
	"firestore-sync/internal/shared/logger"
)

type watchFrame struct {
	change  model.WatchChange
	version model.SnapshotVersion
}

type fakeWatchConn struct {
	mu      sync.Mutex
	watched []*model.TargetData
	removed []model.TargetID

	frames    chan watchFrame
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeWatchConn() *fakeWatchConn {
	return &fakeWatchConn{frames: make(chan watchFrame, 16), closed: make(chan struct{})}
}

func (c *fakeWatchConn) WatchTarget(targetData *model.TargetData) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watched = append(c.watched, targetData)
	return nil
}

func (c *fakeWatchConn) UnwatchTarget(targetID model.TargetID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, targetID)
	return nil
}

func (c *fakeWatchConn) Recv() (model.WatchChange, model.SnapshotVersion, error) {
	select {
	case frame := <-c.frames:
		return frame.change, frame.version, nil
	case <-c.closed:
		return nil, model.SnapshotVersionMin, errors.NewUnavailable("connection closed")
	}
}

func (c *fakeWatchConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeWatchConn) watchedTargets() []*model.TargetData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*model.TargetData(nil), c.watched...)
}

type fakeWriteConn struct {
	mu         sync.Mutex
	handshakes int
	writes     [][]model.Mutation

	responses chan *repository.WriteResponse
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeWriteConn() *fakeWriteConn {
	return &fakeWriteConn{responses: make(chan *repository.WriteResponse, 16), closed: make(chan struct{})}
}

func (c *fakeWriteConn) WriteHandshake(streamToken []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handshakes++
	return nil
}

func (c *fakeWriteConn) WriteMutations(streamToken []byte, mutations []model.Mutation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, mutations)
	return nil
}

func (c *fakeWriteConn) Recv() (*repository.WriteResponse, error) {
	select {
	case resp := <-c.responses:
		return resp, nil
	case <-c.closed:
		return nil, errors.NewUnavailable("connection closed")
	}
}

func (c *fakeWriteConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeWriteConn) sentWrites() [][]model.Mutation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]model.Mutation(nil), c.writes...)
}

type fakeDatastore struct {
	mu         sync.Mutex
	watchConns []*fakeWatchConn
	writeConns []*fakeWriteConn
}

func (d *fakeDatastore) OpenWatch(ctx context.Context) (repository.WatchConnection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn := newFakeWatchConn()
	d.watchConns = append(d.watchConns, conn)
	return conn, nil
}

func (d *fakeDatastore) OpenWrite(ctx context.Context) (repository.WriteConnection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn := newFakeWriteConn()
	d.writeConns = append(d.writeConns, conn)
	return conn, nil
}

func (d *fakeDatastore) Commit(ctx context.Context, mutations []model.Mutation) ([]model.MutationResult, model.SnapshotVersion, error) {
	return nil, model.SnapshotVersionMin, errors.NewUnavailable("not implemented")
}

func (d *fakeDatastore) BatchGet(ctx context.Context, keys []model.DocumentKey) ([]model.MaybeDocument, error) {
	return nil, errors.NewUnavailable("not implemented")
}

func (d *fakeDatastore) watchConn(i int) *fakeWatchConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.watchConns) {
		return nil
	}
	return d.watchConns[i]
}

func (d *fakeDatastore) writeConn(i int) *fakeWriteConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.writeConns) {
		return nil
	}
	return d.writeConns[i]
}

type fakeRemoteSyncer struct {
	mu              sync.Mutex
	events          []*model.RemoteEvent
	acks            []*model.MutationBatchResult
	rejectedWrites  []model.BatchID
	rejectedTargets []model.TargetID
}

func (s *fakeRemoteSyncer) ApplyRemoteEvent(ctx context.Context, remoteEvent *model.RemoteEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, remoteEvent)
	return nil
}

func (s *fakeRemoteSyncer) RejectListen(ctx context.Context, targetID model.TargetID, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectedTargets = append(s.rejectedTargets, targetID)
	return nil
}

func (s *fakeRemoteSyncer) ApplySuccessfulWrite(ctx context.Context, result *model.MutationBatchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks = append(s.acks, result)
	return nil
}

func (s *fakeRemoteSyncer) RejectFailedWrite(ctx context.Context, batchID model.BatchID, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectedWrites = append(s.rejectedWrites, batchID)
	return nil
}

func (s *fakeRemoteSyncer) GetRemoteKeysForTarget(targetID model.TargetID) model.DocumentKeySet {
	return model.DocumentKeySet{}
}

func (s *fakeRemoteSyncer) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *fakeRemoteSyncer) ackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.acks)
}

type remoteStoreHarness struct {
	store        *RemoteStore
	localStore   *LocalStore
	datastore    *fakeDatastore
	syncer       *fakeRemoteSyncer
	queue        *async.Queue
	mu           sync.Mutex
	onlineStates []model.OnlineState
}

func newRemoteStoreHarness(t *testing.T) *remoteStoreHarness {
	t.Helper()
	p := memory.NewPersistence(&logger.NoopLogger{})
	require.NoError(t, p.Start(context.Background()))
	localStore := NewLocalStore(p, repository.UnauthenticatedUser, &logger.NoopLogger{})

	h := &remoteStoreHarness{
		localStore: localStore,
		datastore:  &fakeDatastore{},
		syncer:     &fakeRemoteSyncer{},
		queue:      async.NewQueue(&logger.NoopLogger{}),
	}
	h.store = NewRemoteStore(localStore, h.datastore, h.queue, func(state model.OnlineState) {
		h.mu.Lock()
		h.onlineStates = append(h.onlineStates, state)
		h.mu.Unlock()
	}, &logger.NoopLogger{})
	h.store.SetSyncer(h.syncer)
	t.Cleanup(h.queue.Shutdown)
	return h
}

// run executes fn on the engine queue, where all remote store calls
// belong.
func (h *remoteStoreHarness) run(t *testing.T, fn func()) {
	t.Helper()
	require.NoError(t, h.queue.EnqueueAndWait(fn))
}

func (h *remoteStoreHarness) lastOnlineState() model.OnlineState {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.onlineStates) == 0 {
		return model.OnlineStateUnknown
	}
	return h.onlineStates[len(h.onlineStates)-1]
}

func watchTargetData(t *testing.T, path string, targetID model.TargetID) *model.TargetData {
	t.Helper()
	query := model.NewQuery(model.MustParseResourcePath(path))
	return model.NewTargetData(query.ToTarget(), targetID, 1, model.TargetPurposeListen)
}

func TestRemoteStore_ListenTracksTargetsWhileOffline(t *testing.T) {
	h := newRemoteStoreHarness(t)
	targetData := watchTargetData(t, "rooms", 2)

	h.run(t, func() { h.store.Listen(context.Background(), targetData) })

	var got *model.TargetData
	h.run(t, func() { got = h.store.GetTargetDataForTarget(2) })
	require.NotNil(t, got)
	assert.Equal(t, targetData.TargetID, got.TargetID)
	assert.Nil(t, h.datastore.watchConn(0), "no stream while the network is down")

	h.run(t, func() { h.store.Unlisten(2) })
	h.run(t, func() { got = h.store.GetTargetDataForTarget(2) })
	assert.Nil(t, got)
}

func TestRemoteStore_StartWithTargetOpensWatchStream(t *testing.T) {
	h := newRemoteStoreHarness(t)
	targetData := watchTargetData(t, "rooms", 2)

	h.run(t, func() {
		h.store.Listen(context.Background(), targetData)
		require.NoError(t, h.store.Start(context.Background()))
	})

	require.Eventually(t, func() bool {
		conn := h.datastore.watchConn(0)
		return conn != nil && len(conn.watchedTargets()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, model.TargetID(2), h.datastore.watchConn(0).watchedTargets()[0].TargetID)
}

func TestRemoteStore_WatchSnapshotReachesSyncer(t *testing.T) {
	h := newRemoteStoreHarness(t)
	targetData := watchTargetData(t, "rooms", 2)
	h.run(t, func() {
		h.store.Listen(context.Background(), targetData)
		require.NoError(t, h.store.Start(context.Background()))
	})
	require.Eventually(t, func() bool {
		conn := h.datastore.watchConn(0)
		return conn != nil && len(conn.watchedTargets()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	conn := h.datastore.watchConn(0)
	conn.frames <- watchFrame{
		change:  &model.WatchTargetChange{State: model.WatchTargetChangeStateCurrent, TargetIDs: []model.TargetID{2}, ResumeToken: []byte("rt")},
		version: model.SnapshotVersionMin,
	}
	conn.frames <- watchFrame{
		change:  &model.WatchTargetChange{State: model.WatchTargetChangeStateNoChange},
		version: storeVersion(t, 100),
	}

	require.Eventually(t, func() bool { return h.syncer.eventCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	h.syncer.mu.Lock()
	event := h.syncer.events[0]
	h.syncer.mu.Unlock()
	change, ok := event.TargetChanges[2]
	require.True(t, ok)
	assert.True(t, change.Current)
	assert.Equal(t, []byte("rt"), change.ResumeToken)
	assert.Equal(t, model.OnlineStateOnline, h.lastOnlineState())
}

func TestRemoteStore_RemovedTargetWithCauseRejectsListen(t *testing.T) {
	h := newRemoteStoreHarness(t)
	targetData := watchTargetData(t, "rooms", 2)
	h.run(t, func() {
		h.store.Listen(context.Background(), targetData)
		require.NoError(t, h.store.Start(context.Background()))
	})
	require.Eventually(t, func() bool {
		conn := h.datastore.watchConn(0)
		return conn != nil && len(conn.watchedTargets()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.datastore.watchConn(0).frames <- watchFrame{
		change: &model.WatchTargetChange{
			State:     model.WatchTargetChangeStateRemoved,
			TargetIDs: []model.TargetID{2},
			Cause:     errors.New(errors.CodePermissionDenied, "listen denied"),
		},
		version: model.SnapshotVersionMin,
	}

	require.Eventually(t, func() bool {
		h.syncer.mu.Lock()
		defer h.syncer.mu.Unlock()
		return len(h.syncer.rejectedTargets) == 1
	}, 2*time.Second, 10*time.Millisecond)

	var got *model.TargetData
	h.run(t, func() { got = h.store.GetTargetDataForTarget(2) })
	assert.Nil(t, got)
}

func TestRemoteStore_WritePipelineSendsAndAcks(t *testing.T) {
	h := newRemoteStoreHarness(t)

	_, err := h.localStore.LocalWrite(context.Background(), []model.Mutation{
		storeSetMutation(t, "rooms/r1", map[string]model.Value{"name": model.StringValue("eros")}),
	})
	require.NoError(t, err)

	h.run(t, func() { require.NoError(t, h.store.Start(context.Background())) })

	// The stream opens and sends the handshake before any mutations.
	require.Eventually(t, func() bool {
		conn := h.datastore.writeConn(0)
		if conn == nil {
			return false
		}
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.handshakes == 1
	}, 2*time.Second, 10*time.Millisecond)

	conn := h.datastore.writeConn(0)
	conn.responses <- &repository.WriteResponse{StreamToken: []byte("t1")}

	require.Eventually(t, func() bool { return len(conn.sentWrites()) == 1 }, 2*time.Second, 10*time.Millisecond)
	var outstanding int
	h.run(t, func() { outstanding = h.store.OutstandingWrites() })
	assert.Equal(t, 1, outstanding)

	conn.responses <- &repository.WriteResponse{
		StreamToken:     []byte("t2"),
		CommitVersion:   storeVersion(t, 5),
		MutationResults: []model.MutationResult{{Version: storeVersion(t, 5)}},
	}

	require.Eventually(t, func() bool { return h.syncer.ackCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	h.run(t, func() { outstanding = h.store.OutstandingWrites() })
	assert.Equal(t, 0, outstanding)

	h.syncer.mu.Lock()
	ack := h.syncer.acks[0]
	h.syncer.mu.Unlock()
	assert.Equal(t, []byte("t2"), ack.StreamToken)
}

func TestRemoteStore_DisableNetworkClosesStreams(t *testing.T) {
	h := newRemoteStoreHarness(t)
	targetData := watchTargetData(t, "rooms", 2)
	h.run(t, func() {
		h.store.Listen(context.Background(), targetData)
		require.NoError(t, h.store.Start(context.Background()))
	})
	require.Eventually(t, func() bool { return h.datastore.watchConn(0) != nil }, 2*time.Second, 10*time.Millisecond)

	h.run(t, func() { h.store.DisableNetwork(NetworkReasonUserDisabled) })

	select {
	case <-h.datastore.watchConn(0).closed:
	case <-time.After(2 * time.Second):
		t.Fatal("watch connection was not closed")
	}
	assert.Equal(t, model.OnlineStateOffline, h.lastOnlineState())
}

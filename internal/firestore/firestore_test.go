package firestore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestore-sync/internal/firestore/config"
	"firestore-sync/internal/firestore/domain/model"
	"firestore-sync/internal/shared/errors"
)

// newOfflineClient builds a memory-backed client with the network
// forced off, so every operation resolves from the local cache.
func newOfflineClient(t *testing.T) *Client {
	t.Helper()
	cfg := config.Default()
	cfg.LogLevel = "error"
	client, err := NewClient(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, client.DisableNetwork())
	t.Cleanup(func() { _ = client.Terminate(context.Background()) })
	return client
}

func clientSetMutation(t *testing.T, path string, fields map[string]model.Value) model.Mutation {
	t.Helper()
	return model.NewSetMutation(model.MustDocumentKey(path), model.ObjectValueOf(fields), model.PreconditionNoneValue())
}

func awaitSnapshot(t *testing.T, snapshots <-chan model.ViewSnapshot) model.ViewSnapshot {
	t.Helper()
	select {
	case snapshot := <-snapshots:
		return snapshot
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return model.ViewSnapshot{}
	}
}

func TestClient_ListenRaisesInitialCachedSnapshot(t *testing.T) {
	client := newOfflineClient(t)

	snapshots := make(chan model.ViewSnapshot, 8)
	registration, err := client.Listen(
		model.NewQuery(model.MustParseResourcePath("rooms")),
		ListenOptions{},
		func(s model.ViewSnapshot) { snapshots <- s },
		func(err error) { t.Errorf("unexpected listen error: %v", err) },
	)
	require.NoError(t, err)
	defer registration.Remove()

	snapshot := awaitSnapshot(t, snapshots)
	assert.True(t, snapshot.FromCache)
	assert.True(t, snapshot.Docs.IsEmpty())
}

func TestClient_WriteIsVisibleToListeners(t *testing.T) {
	client := newOfflineClient(t)

	snapshots := make(chan model.ViewSnapshot, 8)
	registration, err := client.Listen(
		model.NewQuery(model.MustParseResourcePath("rooms")),
		ListenOptions{},
		func(s model.ViewSnapshot) { snapshots <- s },
		func(err error) { t.Errorf("unexpected listen error: %v", err) },
	)
	require.NoError(t, err)
	defer registration.Remove()

	awaitSnapshot(t, snapshots) // initial empty snapshot

	_, err = client.Write([]model.Mutation{
		clientSetMutation(t, "rooms/r1", map[string]model.Value{"name": model.StringValue("eros")}),
	})
	require.NoError(t, err)

	snapshot := awaitSnapshot(t, snapshots)
	require.Equal(t, 1, snapshot.Docs.Size())
	doc := snapshot.Docs.Get(model.MustDocumentKey("rooms/r1"))
	require.NotNil(t, doc)
	assert.True(t, doc.HasLocalMutations())
}

func TestClient_ReadDocumentFromCache(t *testing.T) {
	client := newOfflineClient(t)

	_, err := client.Write([]model.Mutation{
		clientSetMutation(t, "rooms/r1", map[string]model.Value{"name": model.StringValue("eros")}),
	})
	require.NoError(t, err)

	doc, err := client.ReadDocumentFromCache(model.MustDocumentKey("rooms/r1"))
	require.NoError(t, err)
	name, ok := doc.Field(model.MustFieldPath("name"))
	require.True(t, ok)
	assert.Equal(t, model.StringValue("eros"), name)

	_, err = client.ReadDocumentFromCache(model.MustDocumentKey("rooms/missing"))
	require.Error(t, err)
	assert.Equal(t, errors.CodeNotFound, errors.CodeOf(err))
}

func TestClient_ExecuteQueryFromCache(t *testing.T) {
	client := newOfflineClient(t)

	_, err := client.Write([]model.Mutation{
		clientSetMutation(t, "rooms/r1", map[string]model.Value{"name": model.StringValue("eros")}),
		clientSetMutation(t, "rooms/r2", map[string]model.Value{"name": model.StringValue("other")}),
	})
	require.NoError(t, err)

	docs, err := client.ExecuteQueryFromCache(model.NewQuery(model.MustParseResourcePath("rooms")))
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestClient_ListenerRemoveStopsEvents(t *testing.T) {
	client := newOfflineClient(t)

	snapshots := make(chan model.ViewSnapshot, 8)
	registration, err := client.Listen(
		model.NewQuery(model.MustParseResourcePath("rooms")),
		ListenOptions{},
		func(s model.ViewSnapshot) { snapshots <- s },
		func(err error) {},
	)
	require.NoError(t, err)

	awaitSnapshot(t, snapshots)
	registration.Remove()

	_, err = client.Write([]model.Mutation{
		clientSetMutation(t, "rooms/r1", map[string]model.Value{"name": model.StringValue("eros")}),
	})
	require.NoError(t, err)

	select {
	case snapshot := <-snapshots:
		t.Errorf("got snapshot after removal: %+v", snapshot)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClient_WaitForPendingWrites_EmptyQueue(t *testing.T) {
	client := newOfflineClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.WaitForPendingWrites(ctx))
}

func TestClient_WaitForPendingWrites_BlocksWhileOffline(t *testing.T) {
	client := newOfflineClient(t)

	_, err := client.Write([]model.Mutation{
		clientSetMutation(t, "rooms/r1", map[string]model.Value{"name": model.StringValue("eros")}),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = client.WaitForPendingWrites(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_TerminateIsIdempotent(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "error"
	client, err := NewClient(context.Background(), cfg)
	require.NoError(t, err)

	require.NoError(t, client.Terminate(context.Background()))
	require.NoError(t, client.Terminate(context.Background()))
}

func TestClient_ClearPersistenceRequiresTermination(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "error"
	client, err := NewClient(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, client.DisableNetwork())

	err = client.ClearPersistence(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.CodeFailedPrecondition, errors.CodeOf(err))

	require.NoError(t, client.Terminate(context.Background()))
	require.NoError(t, client.ClearPersistence(context.Background()))
}

func TestClient_ClearPersistenceRefusedWhileOtherClientsActive(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "error"
	client, err := NewClient(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, client.DisableNetwork())
	require.NoError(t, client.Terminate(context.Background()))

	client.activeClients = func(ctx context.Context) ([]string, error) {
		return []string{"other-tab"}, nil
	}
	err = client.ClearPersistence(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.CodeFailedPrecondition, errors.CodeOf(err))

	client.activeClients = func(ctx context.Context) ([]string, error) {
		return nil, nil
	}
	require.NoError(t, client.ClearPersistence(context.Background()))
}

func TestClient_OperationsFailAfterTerminate(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "error"
	client, err := NewClient(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, client.Terminate(context.Background()))

	_, err = client.Write([]model.Mutation{
		clientSetMutation(t, "rooms/r1", map[string]model.Value{"name": model.StringValue("eros")}),
	})
	require.Error(t, err)
	assert.Equal(t, errors.CodeFailedPrecondition, errors.CodeOf(err))

	_, err = client.Listen(model.NewQuery(model.MustParseResourcePath("rooms")), ListenOptions{}, nil, nil)
	require.Error(t, err)
}

func TestClient_TerminateRacesWithCallers(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "error"
	client, err := NewClient(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, client.DisableNetwork())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				path := fmt.Sprintf("rooms/w%d-%d", worker, j)
				_, err := client.Write([]model.Mutation{
					clientSetMutation(t, path, map[string]model.Value{"n": model.IntegerValue(int64(j))}),
				})
				if err != nil {
					// Terminated mid-loop; the call either hit the
					// guard or the already-drained queue.
					if errors.CodeOf(err) != errors.CodeFailedPrecondition {
						assert.ErrorIs(t, err, errors.ErrClientTerminated)
					}
					return
				}
			}
		}(i)
	}
	require.NoError(t, client.Terminate(context.Background()))
	wg.Wait()
}

func TestClient_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Persistence = "bogus"
	_, err := NewClient(context.Background(), cfg)
	require.Error(t, err)
}

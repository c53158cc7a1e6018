package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestore-sync/internal/firestore/adapter/persistence/memory"
	"firestore-sync/internal/firestore/domain/model"
	"firestore-sync/internal/firestore/domain/repository"
	"firestore-sync/internal/shared/logger"
)

func newTestLocalStore(t *testing.T) *LocalStore {
	t.Helper()
	p := memory.NewPersistence(&logger.NoopLogger{})
	require.NoError(t, p.Start(context.Background()))
	return NewLocalStore(p, repository.UnauthenticatedUser, &logger.NoopLogger{})
}

func storeSetMutation(t *testing.T, path string, fields map[string]model.Value) model.Mutation {
	t.Helper()
	return model.NewSetMutation(model.MustDocumentKey(path), model.ObjectValueOf(fields), model.PreconditionNoneValue())
}

func remoteDoc(t *testing.T, path string, seconds int64, fields map[string]model.Value) *model.Document {
	t.Helper()
	return model.NewDocument(model.MustDocumentKey(path), storeVersion(t, seconds), model.ObjectValueOf(fields), model.DocumentStateSynced)
}

func storeVersion(t *testing.T, seconds int64) model.SnapshotVersion {
	t.Helper()
	ts, err := model.NewTimestamp(seconds, 0)
	require.NoError(t, err)
	return model.NewSnapshotVersion(ts)
}

// docUpdateEvent builds a remote event carrying one document for one
// target, the shape a watch snapshot takes after aggregation.
func docUpdateEvent(doc model.MaybeDocument, version model.SnapshotVersion, targetID model.TargetID) *model.RemoteEvent {
	updates := model.MaybeDocumentMap{}
	updates.Put(doc)
	return &model.RemoteEvent{
		SnapshotVersion: version,
		TargetChanges: map[model.TargetID]*model.TargetChange{
			targetID: {
				ResumeToken:       []byte("resume"),
				Current:           true,
				AddedDocuments:    model.NewDocumentKeySet(doc.Key()),
				ModifiedDocuments: model.DocumentKeySet{},
				RemovedDocuments:  model.DocumentKeySet{},
			},
		},
		DocumentUpdates:        updates,
		ResolvedLimboDocuments: model.DocumentKeySet{},
	}
}

func TestLocalStore_LocalWriteProducesPendingView(t *testing.T) {
	store := newTestLocalStore(t)
	ctx := context.Background()

	result, err := store.LocalWrite(ctx, []model.Mutation{
		storeSetMutation(t, "rooms/eros", map[string]model.Value{"name": model.StringValue("eros")}),
	})
	require.NoError(t, err)
	assert.Equal(t, model.BatchID(1), result.BatchID)

	doc, ok := result.Changes["rooms/eros"].(*model.Document)
	require.True(t, ok)
	assert.True(t, doc.HasLocalMutations())

	read, err := store.ReadDocument(ctx, model.MustDocumentKey("rooms/eros"))
	require.NoError(t, err)
	readDoc, ok := read.(*model.Document)
	require.True(t, ok)
	assert.True(t, readDoc.HasLocalMutations())

	highest, err := store.GetHighestUnacknowledgedBatchID(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.BatchID(1), highest)
}

func TestLocalStore_AcknowledgeBatchClearsPendingState(t *testing.T) {
	store := newTestLocalStore(t)
	ctx := context.Background()

	writeResult, err := store.LocalWrite(ctx, []model.Mutation{
		storeSetMutation(t, "rooms/eros", map[string]model.Value{"name": model.StringValue("eros")}),
	})
	require.NoError(t, err)

	batch, err := store.NextMutationBatch(ctx, repository.BatchIDUnknown)
	require.NoError(t, err)
	require.NotNil(t, batch)
	require.Equal(t, writeResult.BatchID, batch.ID)

	commitVersion := storeVersion(t, 100)
	batchResult := model.NewMutationBatchResult(batch, commitVersion, []model.MutationResult{
		{Version: commitVersion},
	}, []byte("token"))

	changes, err := store.AcknowledgeBatch(ctx, batchResult)
	require.NoError(t, err)
	doc, ok := changes["rooms/eros"].(*model.Document)
	require.True(t, ok)
	assert.False(t, doc.HasLocalMutations())
	assert.True(t, doc.HasCommittedMutations())

	highest, err := store.GetHighestUnacknowledgedBatchID(ctx)
	require.NoError(t, err)
	assert.Equal(t, repository.BatchIDUnknown, highest)

	token, err := store.LastStreamToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("token"), token)
}

func TestLocalStore_AcknowledgeBatchKeepsNewerRemoteDocument(t *testing.T) {
	store := newTestLocalStore(t)
	ctx := context.Background()

	query := model.NewQuery(model.MustParseResourcePath("rooms"))
	targetData, err := store.AllocateTarget(ctx, query.ToTarget())
	require.NoError(t, err)

	writeResult, err := store.LocalWrite(ctx, []model.Mutation{
		storeSetMutation(t, "rooms/eros", map[string]model.Value{"v": model.IntegerValue(1)}),
	})
	require.NoError(t, err)

	// A watch update for the same document lands past the pending
	// write's eventual commit version.
	newer := remoteDoc(t, "rooms/eros", 150, map[string]model.Value{"v": model.IntegerValue(9)})
	_, err = store.ApplyRemoteEvent(ctx, docUpdateEvent(newer, storeVersion(t, 150), targetData.TargetID))
	require.NoError(t, err)

	batch, err := store.NextMutationBatch(ctx, repository.BatchIDUnknown)
	require.NoError(t, err)
	require.Equal(t, writeResult.BatchID, batch.ID)

	commitVersion := storeVersion(t, 100)
	_, err = store.AcknowledgeBatch(ctx, model.NewMutationBatchResult(batch, commitVersion, []model.MutationResult{
		{Version: commitVersion},
	}, []byte("token")))
	require.NoError(t, err)

	// The acknowledgement must not roll the cache back behind the
	// newer remote state.
	read, err := store.ReadDocument(ctx, model.MustDocumentKey("rooms/eros"))
	require.NoError(t, err)
	doc, ok := read.(*model.Document)
	require.True(t, ok)
	assert.Equal(t, storeVersion(t, 150), doc.Version())
	v, _ := doc.Field(model.MustFieldPath("v"))
	assert.True(t, model.IntegerValue(9).Equal(v))
}

// The cache must land in the same state whether the write stream's
// acknowledgement or the watch stream's post-commit snapshot of the
// document arrives first.
func TestLocalStore_AckAndWatchUpdateOrderDoesNotMatter(t *testing.T) {
	ctx := context.Background()

	run := func(t *testing.T, ackFirst bool) *model.Document {
		store := newTestLocalStore(t)

		query := model.NewQuery(model.MustParseResourcePath("rooms"))
		targetData, err := store.AllocateTarget(ctx, query.ToTarget())
		require.NoError(t, err)

		_, err = store.LocalWrite(ctx, []model.Mutation{
			storeSetMutation(t, "rooms/eros", map[string]model.Value{"v": model.IntegerValue(1)}),
		})
		require.NoError(t, err)

		batch, err := store.NextMutationBatch(ctx, repository.BatchIDUnknown)
		require.NoError(t, err)
		require.NotNil(t, batch)

		commitVersion := storeVersion(t, 100)
		ack := func() {
			_, err := store.AcknowledgeBatch(ctx, model.NewMutationBatchResult(batch, commitVersion, []model.MutationResult{
				{Version: commitVersion},
			}, []byte("token")))
			require.NoError(t, err)
		}
		watch := func() {
			committed := remoteDoc(t, "rooms/eros", 100, map[string]model.Value{"v": model.IntegerValue(1)})
			_, err := store.ApplyRemoteEvent(ctx, docUpdateEvent(committed, commitVersion, targetData.TargetID))
			require.NoError(t, err)
		}

		if ackFirst {
			ack()
			watch()
		} else {
			watch()
			ack()
		}

		read, err := store.ReadDocument(ctx, model.MustDocumentKey("rooms/eros"))
		require.NoError(t, err)
		doc, ok := read.(*model.Document)
		require.True(t, ok)
		return doc
	}

	ackFirst := run(t, true)
	watchFirst := run(t, false)

	require.Equal(t, ackFirst.Version(), watchFirst.Version())
	assert.Equal(t, ackFirst.HasPendingWrites(), watchFirst.HasPendingWrites())
	v1, _ := ackFirst.Field(model.MustFieldPath("v"))
	v2, _ := watchFirst.Field(model.MustFieldPath("v"))
	assert.True(t, v1.Equal(v2))
}

func TestLocalStore_RejectBatchRevertsView(t *testing.T) {
	store := newTestLocalStore(t)
	ctx := context.Background()

	writeResult, err := store.LocalWrite(ctx, []model.Mutation{
		storeSetMutation(t, "rooms/eros", map[string]model.Value{"name": model.StringValue("eros")}),
	})
	require.NoError(t, err)

	changes, err := store.RejectBatch(ctx, writeResult.BatchID)
	require.NoError(t, err)
	assert.Nil(t, changes["rooms/eros"])

	read, err := store.ReadDocument(ctx, model.MustDocumentKey("rooms/eros"))
	require.NoError(t, err)
	assert.Nil(t, read)
}

func TestLocalStore_ApplyRemoteEventIgnoresStaleVersions(t *testing.T) {
	store := newTestLocalStore(t)
	ctx := context.Background()

	query := model.NewQuery(model.MustParseResourcePath("rooms"))
	targetData, err := store.AllocateTarget(ctx, query.ToTarget())
	require.NoError(t, err)

	newer := remoteDoc(t, "rooms/eros", 50, map[string]model.Value{"v": model.IntegerValue(2)})
	_, err = store.ApplyRemoteEvent(ctx, docUpdateEvent(newer, storeVersion(t, 50), targetData.TargetID))
	require.NoError(t, err)

	older := remoteDoc(t, "rooms/eros", 20, map[string]model.Value{"v": model.IntegerValue(1)})
	_, err = store.ApplyRemoteEvent(ctx, docUpdateEvent(older, storeVersion(t, 60), targetData.TargetID))
	require.NoError(t, err)

	read, err := store.ReadDocument(ctx, model.MustDocumentKey("rooms/eros"))
	require.NoError(t, err)
	doc, ok := read.(*model.Document)
	require.True(t, ok)
	assert.Equal(t, storeVersion(t, 50), doc.Version())

	version, err := store.LastRemoteSnapshotVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, storeVersion(t, 60), version)
}

func TestLocalStore_DeleteTombstoneOverridesCache(t *testing.T) {
	store := newTestLocalStore(t)
	ctx := context.Background()

	query := model.NewQuery(model.MustParseResourcePath("rooms"))
	targetData, err := store.AllocateTarget(ctx, query.ToTarget())
	require.NoError(t, err)

	doc := remoteDoc(t, "rooms/eros", 50, map[string]model.Value{"v": model.IntegerValue(2)})
	_, err = store.ApplyRemoteEvent(ctx, docUpdateEvent(doc, storeVersion(t, 50), targetData.TargetID))
	require.NoError(t, err)

	tombstone := model.NewNoDocument(model.MustDocumentKey("rooms/eros"), model.SnapshotVersionMin, false)
	_, err = store.ApplyRemoteEvent(ctx, docUpdateEvent(tombstone, storeVersion(t, 60), targetData.TargetID))
	require.NoError(t, err)

	read, err := store.ReadDocument(ctx, model.MustDocumentKey("rooms/eros"))
	require.NoError(t, err)
	_, isTombstone := read.(*model.NoDocument)
	assert.True(t, isTombstone)
}

func TestLocalStore_AllocateTargetIsIdempotent(t *testing.T) {
	store := newTestLocalStore(t)
	ctx := context.Background()

	query := model.NewQuery(model.MustParseResourcePath("rooms"))
	first, err := store.AllocateTarget(ctx, query.ToTarget())
	require.NoError(t, err)
	second, err := store.AllocateTarget(ctx, query.ToTarget())
	require.NoError(t, err)
	assert.Equal(t, first.TargetID, second.TargetID)

	other, err := store.AllocateTarget(ctx, model.NewQuery(model.MustParseResourcePath("users")).ToTarget())
	require.NoError(t, err)
	assert.NotEqual(t, first.TargetID, other.TargetID)
}

// The limbo-free version advanced by NotifyLocalViewChanges lives only
// in memory until a later remote event persists it; ExecuteQuery must
// still see it so the index-free path engages right away.
func TestLocalStore_ExecuteQueryUsesInMemoryLimboFreeVersion(t *testing.T) {
	store := newTestLocalStore(t)
	ctx := context.Background()

	query := model.NewQuery(model.MustParseResourcePath("coll")).
		WithAddedFilter(model.NewFieldFilter(model.NewFieldPath("x"), model.OperatorGreaterThan, model.IntegerValue(0)))
	targetData, err := store.AllocateTarget(ctx, query.ToTarget())
	require.NoError(t, err)

	a := remoteDoc(t, "coll/a", 10, map[string]model.Value{"x": model.IntegerValue(1)})
	_, err = store.ApplyRemoteEvent(ctx, docUpdateEvent(a, storeVersion(t, 10), targetData.TargetID))
	require.NoError(t, err)

	// A document cached for an unrelated target before the limbo-free
	// snapshot; only a full scan would pick it up.
	wideQuery := model.NewQuery(model.MustParseResourcePath("coll")).
		WithAddedFilter(model.NewFieldFilter(model.NewFieldPath("x"), model.OperatorGreaterThan, model.IntegerValue(-100)))
	wideTarget, err := store.AllocateTarget(ctx, wideQuery.ToTarget())
	require.NoError(t, err)
	stale := remoteDoc(t, "coll/stale", 5, map[string]model.Value{"x": model.IntegerValue(2)})
	_, err = store.ApplyRemoteEvent(ctx, docUpdateEvent(stale, storeVersion(t, 5), wideTarget.TargetID))
	require.NoError(t, err)

	require.NoError(t, store.NotifyLocalViewChanges(ctx, []LocalViewChanges{{
		TargetID:    targetData.TargetID,
		FromCache:   false,
		AddedKeys:   model.NewDocumentKeySet(a.Key()),
		RemovedKeys: model.DocumentKeySet{},
	}}))

	result, err := store.ExecuteQuery(ctx, query, true)
	require.NoError(t, err)
	require.Len(t, result.Documents, 1)
	assert.Contains(t, result.Documents, "coll/a")
}

func TestLocalStore_ExecuteQueryMergesPendingWrites(t *testing.T) {
	store := newTestLocalStore(t)
	ctx := context.Background()

	query := model.NewQuery(model.MustParseResourcePath("rooms"))
	targetData, err := store.AllocateTarget(ctx, query.ToTarget())
	require.NoError(t, err)

	remote := remoteDoc(t, "rooms/eros", 10, map[string]model.Value{"name": model.StringValue("eros")})
	_, err = store.ApplyRemoteEvent(ctx, docUpdateEvent(remote, storeVersion(t, 10), targetData.TargetID))
	require.NoError(t, err)

	_, err = store.LocalWrite(ctx, []model.Mutation{
		storeSetMutation(t, "rooms/other", map[string]model.Value{"name": model.StringValue("other")}),
	})
	require.NoError(t, err)

	result, err := store.ExecuteQuery(ctx, query, true)
	require.NoError(t, err)
	require.Len(t, result.Documents, 2)
	assert.Contains(t, result.Documents, "rooms/eros")
	assert.Contains(t, result.Documents, "rooms/other")
	assert.True(t, result.RemoteKeys.Contains(model.MustDocumentKey("rooms/eros")))
}

func TestLocalStore_HandleUserChangeSwapsQueues(t *testing.T) {
	store := newTestLocalStore(t)
	ctx := context.Background()

	writeResult, err := store.LocalWrite(ctx, []model.Mutation{
		storeSetMutation(t, "rooms/eros", map[string]model.Value{"name": model.StringValue("eros")}),
	})
	require.NoError(t, err)

	change, err := store.HandleUserChange(ctx, repository.User{UID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, []model.BatchID{writeResult.BatchID}, change.RemovedBatchIDs)
	assert.Empty(t, change.AddedBatchIDs)
	// The anonymous user's write no longer applies.
	assert.Nil(t, change.AffectedDocuments["rooms/eros"])

	back, err := store.HandleUserChange(ctx, repository.UnauthenticatedUser)
	require.NoError(t, err)
	assert.Equal(t, []model.BatchID{writeResult.BatchID}, back.AddedBatchIDs)
	doc, ok := back.AffectedDocuments["rooms/eros"].(*model.Document)
	require.True(t, ok)
	assert.True(t, doc.HasLocalMutations())
}

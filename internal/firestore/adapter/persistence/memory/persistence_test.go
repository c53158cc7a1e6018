package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestore-sync/internal/firestore/domain/model"
	"firestore-sync/internal/firestore/domain/repository"
	"firestore-sync/internal/shared/logger"
)

func startedPersistence(t *testing.T) *Persistence {
	t.Helper()
	p := NewPersistence(&logger.NoopLogger{})
	require.NoError(t, p.Start(context.Background()))
	return p
}

func runTransaction(t *testing.T, p *Persistence, fn func(tx repository.Transaction)) {
	t.Helper()
	err := p.RunTransaction(context.Background(), "test", repository.TransactionModeReadWrite, func(tx repository.Transaction) error {
		fn(tx)
		return nil
	})
	require.NoError(t, err)
}

func version(t *testing.T, seconds int64) model.SnapshotVersion {
	t.Helper()
	ts, err := model.NewTimestamp(seconds, 0)
	require.NoError(t, err)
	return model.NewSnapshotVersion(ts)
}

func setMutation(t *testing.T, path string, fields map[string]model.Value) model.Mutation {
	t.Helper()
	return model.NewSetMutation(model.MustDocumentKey(path), model.ObjectValueOf(fields), model.PreconditionNoneValue())
}

func TestPersistence_TransactionSequenceNumbers(t *testing.T) {
	p := startedPersistence(t)
	var first, second model.ListenSequenceNumber
	runTransaction(t, p, func(tx repository.Transaction) { first = tx.CurrentSequenceNumber() })
	runTransaction(t, p, func(tx repository.Transaction) { second = tx.CurrentSequenceNumber() })
	assert.Greater(t, second, first)
}

func TestPersistence_RejectsUseBeforeStart(t *testing.T) {
	p := NewPersistence(&logger.NoopLogger{})
	err := p.RunTransaction(context.Background(), "test", repository.TransactionModeReadOnly, func(tx repository.Transaction) error {
		return nil
	})
	assert.Error(t, err)
}

func TestMutationQueue_BatchIDsAreMonotonic(t *testing.T) {
	p := startedPersistence(t)
	queue := p.MutationQueue("user1")
	writeTime, err := model.NewTimestamp(100, 0)
	require.NoError(t, err)

	runTransaction(t, p, func(tx repository.Transaction) {
		b1, err := queue.AddMutationBatch(tx, writeTime, nil, []model.Mutation{setMutation(t, "rooms/a", nil)})
		require.NoError(t, err)
		b2, err := queue.AddMutationBatch(tx, writeTime, nil, []model.Mutation{setMutation(t, "rooms/b", nil)})
		require.NoError(t, err)
		assert.Greater(t, b2.ID, b1.ID)

		highest, err := queue.HighestUnacknowledgedBatchID(tx)
		require.NoError(t, err)
		assert.Equal(t, b2.ID, highest)

		next, err := queue.NextMutationBatchAfterBatchID(tx, b1.ID)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, b2.ID, next.ID)
	})
}

func TestMutationQueue_RemoveEnforcesOrder(t *testing.T) {
	p := startedPersistence(t)
	queue := p.MutationQueue("user1")
	writeTime, err := model.NewTimestamp(100, 0)
	require.NoError(t, err)

	runTransaction(t, p, func(tx repository.Transaction) {
		b1, err := queue.AddMutationBatch(tx, writeTime, nil, []model.Mutation{setMutation(t, "rooms/a", nil)})
		require.NoError(t, err)
		b2, err := queue.AddMutationBatch(tx, writeTime, nil, []model.Mutation{setMutation(t, "rooms/b", nil)})
		require.NoError(t, err)

		assert.Error(t, queue.RemoveMutationBatch(tx, b2))
		require.NoError(t, queue.RemoveMutationBatch(tx, b1))
		require.NoError(t, queue.RemoveMutationBatch(tx, b2))

		empty, err := queue.IsEmpty(tx)
		require.NoError(t, err)
		assert.True(t, empty)
	})
}

func TestMutationQueue_AffectingQueries(t *testing.T) {
	p := startedPersistence(t)
	queue := p.MutationQueue("user1")
	writeTime, err := model.NewTimestamp(100, 0)
	require.NoError(t, err)

	runTransaction(t, p, func(tx repository.Transaction) {
		_, err := queue.AddMutationBatch(tx, writeTime, nil, []model.Mutation{
			setMutation(t, "rooms/a", nil),
			setMutation(t, "rooms/a/messages/m1", nil),
		})
		require.NoError(t, err)

		byKey, err := queue.AllMutationBatchesAffectingDocumentKey(tx, model.MustDocumentKey("rooms/a"))
		require.NoError(t, err)
		assert.Len(t, byKey, 1)

		roomsQuery := model.NewQuery(model.MustParseResourcePath("rooms"))
		byQuery, err := queue.AllMutationBatchesAffectingQuery(tx, roomsQuery)
		require.NoError(t, err)
		assert.Len(t, byQuery, 1)

		otherQuery := model.NewQuery(model.MustParseResourcePath("other"))
		byQuery, err = queue.AllMutationBatchesAffectingQuery(tx, otherQuery)
		require.NoError(t, err)
		assert.Empty(t, byQuery)
	})
}

func TestMutationQueue_IsolatedPerUser(t *testing.T) {
	p := startedPersistence(t)
	writeTime, err := model.NewTimestamp(100, 0)
	require.NoError(t, err)

	runTransaction(t, p, func(tx repository.Transaction) {
		_, err := p.MutationQueue("alice").AddMutationBatch(tx, writeTime, nil, []model.Mutation{setMutation(t, "rooms/a", nil)})
		require.NoError(t, err)

		empty, err := p.MutationQueue("bob").IsEmpty(tx)
		require.NoError(t, err)
		assert.True(t, empty)
	})
}

func TestTargetCache_AllocatesEvenIDs(t *testing.T) {
	p := startedPersistence(t)
	runTransaction(t, p, func(tx repository.Transaction) {
		id1, err := p.TargetCache().AllocateTargetID(tx)
		require.NoError(t, err)
		id2, err := p.TargetCache().AllocateTargetID(tx)
		require.NoError(t, err)

		assert.Zero(t, id1%2)
		assert.Zero(t, id2%2)
		assert.Greater(t, id2, id1)
	})
}

func TestTargetCache_LookupAndReferences(t *testing.T) {
	p := startedPersistence(t)
	cache := p.TargetCache()
	target := model.NewQuery(model.MustParseResourcePath("rooms")).ToTarget()

	runTransaction(t, p, func(tx repository.Transaction) {
		id, err := cache.AllocateTargetID(tx)
		require.NoError(t, err)
		data := model.NewTargetData(target, id, tx.CurrentSequenceNumber(), model.TargetPurposeListen)
		require.NoError(t, cache.AddTargetData(tx, data))

		found, err := cache.GetTargetData(tx, target)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, id, found.TargetID)

		keys := model.NewDocumentKeySet(model.MustDocumentKey("rooms/a"), model.MustDocumentKey("rooms/b"))
		require.NoError(t, cache.AddMatchingKeys(tx, keys, id))

		contains, err := cache.ContainsKey(tx, model.MustDocumentKey("rooms/a"))
		require.NoError(t, err)
		assert.True(t, contains)

		matching, err := cache.MatchingKeysForTargetID(tx, id)
		require.NoError(t, err)
		assert.True(t, keys.Equal(matching))

		require.NoError(t, cache.RemoveTargetData(tx, data))
		contains, err = cache.ContainsKey(tx, model.MustDocumentKey("rooms/a"))
		require.NoError(t, err)
		assert.False(t, contains)

		count, err := cache.TargetCount(tx)
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}

func TestRemoteDocumentCache_ChangeBufferShadowsCache(t *testing.T) {
	p := startedPersistence(t)
	cache := p.RemoteDocumentCache()
	key := model.MustDocumentKey("rooms/a")
	doc := model.NewDocument(key, version(t, 10), model.ObjectValueOf(map[string]model.Value{"x": model.IntegerValue(1)}), model.DocumentStateSynced)

	runTransaction(t, p, func(tx repository.Transaction) {
		buffer := cache.NewChangeBuffer()
		buffer.AddEntry(doc, version(t, 10))

		// Visible through the buffer, not yet in the cache.
		fromBuffer, err := buffer.GetEntry(tx, key)
		require.NoError(t, err)
		assert.NotNil(t, fromBuffer)
		fromCache, err := cache.GetEntry(tx, key)
		require.NoError(t, err)
		assert.Nil(t, fromCache)

		require.NoError(t, buffer.Apply(tx))
		fromCache, err = cache.GetEntry(tx, key)
		require.NoError(t, err)
		require.NotNil(t, fromCache)
	})
}

func TestRemoteDocumentCache_GetDocumentsMatchingQuery(t *testing.T) {
	p := startedPersistence(t)
	cache := p.RemoteDocumentCache()
	query := model.NewQuery(model.MustParseResourcePath("rooms")).
		WithAddedFilter(model.NewFieldFilter(model.MustFieldPath("x"), model.OperatorGreaterThan, model.IntegerValue(0)))

	runTransaction(t, p, func(tx repository.Transaction) {
		buffer := cache.NewChangeBuffer()
		add := func(path string, readTimeSeconds int64, x int64) {
			key := model.MustDocumentKey(path)
			doc := model.NewDocument(key, version(t, readTimeSeconds),
				model.ObjectValueOf(map[string]model.Value{"x": model.IntegerValue(x)}), model.DocumentStateSynced)
			buffer.AddEntry(doc, version(t, readTimeSeconds))
		}
		add("rooms/match", 10, 5)
		add("rooms/nonmatch", 10, -5)
		add("rooms/sub/messages/m1", 10, 5)
		require.NoError(t, buffer.Apply(tx))

		results, err := cache.GetDocumentsMatchingQuery(tx, query, model.SnapshotVersionMin)
		require.NoError(t, err)
		require.Len(t, results, 1)
		_, ok := results["rooms/match"]
		assert.True(t, ok)

		// Read-time narrowing skips documents read at or before the bound.
		results, err = cache.GetDocumentsMatchingQuery(tx, query, version(t, 10))
		require.NoError(t, err)
		assert.Empty(t, results)
	})
}

func TestReferenceDelegate_OrphanTracking(t *testing.T) {
	p := startedPersistence(t)
	delegate := p.ReferenceDelegate()
	lru := p.LruDelegate()
	key := model.MustDocumentKey("rooms/orphan")
	doc := model.NewDocument(key, version(t, 10), model.ObjectValueOf(nil), model.DocumentStateSynced)

	runTransaction(t, p, func(tx repository.Transaction) {
		buffer := p.RemoteDocumentCache().NewChangeBuffer()
		buffer.AddEntry(doc, version(t, 10))
		require.NoError(t, buffer.Apply(tx))
		require.NoError(t, delegate.RemoveReference(tx, 2, key))

		count, err := lru.SequenceNumberCount(tx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		removed, err := lru.RemoveOrphanedDocuments(tx, tx.CurrentSequenceNumber())
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		entry, err := p.RemoteDocumentCache().GetEntry(tx, key)
		require.NoError(t, err)
		assert.Nil(t, entry)
	})
}

func TestReferenceDelegate_PinnedByMutationQueue(t *testing.T) {
	p := startedPersistence(t)
	delegate := p.ReferenceDelegate()
	lru := p.LruDelegate()
	key := model.MustDocumentKey("rooms/pinned")
	writeTime, err := model.NewTimestamp(100, 0)
	require.NoError(t, err)

	runTransaction(t, p, func(tx repository.Transaction) {
		_, err := p.MutationQueue("user1").AddMutationBatch(tx, writeTime, nil, []model.Mutation{setMutation(t, "rooms/pinned", nil)})
		require.NoError(t, err)
		require.NoError(t, delegate.RemoveReference(tx, 2, key))

		removed, err := lru.RemoveOrphanedDocuments(tx, tx.CurrentSequenceNumber())
		require.NoError(t, err)
		assert.Zero(t, removed)
	})
}

func TestIndexManager_CollectionParents(t *testing.T) {
	p := startedPersistence(t)
	index := p.IndexManager()

	runTransaction(t, p, func(tx repository.Transaction) {
		require.NoError(t, index.AddToCollectionParentIndex(tx, model.MustParseResourcePath("messages")))
		require.NoError(t, index.AddToCollectionParentIndex(tx, model.MustParseResourcePath("rooms/r1/messages")))
		require.NoError(t, index.AddToCollectionParentIndex(tx, model.MustParseResourcePath("rooms/r1/messages")))

		parents, err := index.GetCollectionParents(tx, "messages")
		require.NoError(t, err)
		require.Len(t, parents, 2)
		assert.Equal(t, "", parents[0].String())
		assert.Equal(t, "rooms/r1", parents[1].String())
	})
}

package usecase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestore-sync/internal/firestore/domain/model"
)

func viewQuery(t *testing.T, path string) *model.Query {
	t.Helper()
	return model.NewQuery(model.MustParseResourcePath(path))
}

func viewDoc(t *testing.T, path string, seconds int64, fields map[string]model.Value, state model.DocumentState) *model.Document {
	t.Helper()
	return model.NewDocument(model.MustDocumentKey(path), storeVersion(t, seconds), model.ObjectValueOf(fields), state)
}

func docUpdates(docs ...model.MaybeDocument) model.MaybeDocumentMap {
	m := model.MaybeDocumentMap{}
	for _, doc := range docs {
		m.Put(doc)
	}
	return m
}

func applyToView(v *View, docs model.MaybeDocumentMap, targetChange *model.TargetChange) ViewChange {
	changes := v.ComputeDocChanges(docs, nil)
	return v.ApplyChanges(changes, true, targetChange)
}

func ackTarget(docs ...model.MaybeDocument) *model.TargetChange {
	tc := model.NewSynthesizedTargetChange(true)
	for _, doc := range docs {
		tc.AddedDocuments.Add(doc.Key())
	}
	return tc
}

func TestView_AddsDocumentsMatchingQuery(t *testing.T) {
	query := viewQuery(t, "rooms")
	view := NewView(query, model.DocumentKeySet{})

	doc1 := viewDoc(t, "rooms/eros", 1, map[string]model.Value{"name": model.StringValue("eros")}, model.DocumentStateSynced)
	doc2 := viewDoc(t, "rooms/other", 1, map[string]model.Value{"name": model.StringValue("other")}, model.DocumentStateSynced)

	change := applyToView(view, docUpdates(doc1, doc2), ackTarget(doc1, doc2))
	require.NotNil(t, change.Snapshot)
	assert.Equal(t, 2, change.Snapshot.Docs.Size())
	assert.False(t, change.Snapshot.FromCache)
	assert.True(t, change.Snapshot.SyncStateChanged)
	require.Len(t, change.Snapshot.DocChanges, 2)
	assert.Equal(t, model.ChangeTypeAdded, change.Snapshot.DocChanges[0].Type)
}

func TestView_FiltersNonMatchingUpdates(t *testing.T) {
	query := viewQuery(t, "rooms").WithAddedFilter(
		model.NewFieldFilter(model.MustFieldPath("x"), model.OperatorGreaterThan, model.IntegerValue(0)))
	view := NewView(query, model.DocumentKeySet{})

	matching := viewDoc(t, "rooms/a", 1, map[string]model.Value{"x": model.IntegerValue(5)}, model.DocumentStateSynced)
	change := applyToView(view, docUpdates(matching), ackTarget(matching))
	require.NotNil(t, change.Snapshot)
	assert.Equal(t, 1, change.Snapshot.Docs.Size())

	// The same document updated to a non-matching value leaves the view
	// with a Removed change.
	flipped := viewDoc(t, "rooms/a", 2, map[string]model.Value{"x": model.IntegerValue(-5)}, model.DocumentStateSynced)
	change = applyToView(view, docUpdates(flipped), nil)
	require.NotNil(t, change.Snapshot)
	assert.Equal(t, 0, change.Snapshot.Docs.Size())
	require.Len(t, change.Snapshot.DocChanges, 1)
	assert.Equal(t, model.ChangeTypeRemoved, change.Snapshot.DocChanges[0].Type)
}

func TestView_PendingWriteKeepsSnapshotFromCacheUntilAcked(t *testing.T) {
	query := viewQuery(t, "rooms")
	view := NewView(query, model.DocumentKeySet{})

	// A local write shows up immediately with pending-write metadata.
	local := viewDoc(t, "rooms/eros", 1, map[string]model.Value{"name": model.StringValue("eros")}, model.DocumentStateLocalMutations)
	change := applyToView(view, docUpdates(local), nil)
	require.NotNil(t, change.Snapshot)
	assert.True(t, change.Snapshot.FromCache)
	assert.True(t, change.Snapshot.HasPendingWrites())

	// The backend confirms the document and the target.
	synced := viewDoc(t, "rooms/eros", 2, map[string]model.Value{"name": model.StringValue("eros")}, model.DocumentStateSynced)
	change = applyToView(view, docUpdates(synced), ackTarget(synced))
	require.NotNil(t, change.Snapshot)
	assert.False(t, change.Snapshot.FromCache)
	assert.False(t, change.Snapshot.HasPendingWrites())
}

func TestView_SuppressesFlickerForAcknowledgedWrite(t *testing.T) {
	query := viewQuery(t, "rooms")
	view := NewView(query, model.DocumentKeySet{})

	local := viewDoc(t, "rooms/eros", 1, map[string]model.Value{"n": model.IntegerValue(2)}, model.DocumentStateLocalMutations)
	applyToView(view, docUpdates(local), nil)

	// The acknowledgement echoes the committed document before the watch
	// stream catches up. No snapshot should fire for the data change.
	committed := viewDoc(t, "rooms/eros", 1, map[string]model.Value{"n": model.IntegerValue(1)}, model.DocumentStateCommittedMutations)
	changes := view.ComputeDocChanges(docUpdates(committed), nil)
	assert.Empty(t, changes.ChangeSet.Changes())
}

func TestView_LimitQueryNeedsRefillWhenBoundaryDropsOut(t *testing.T) {
	query := viewQuery(t, "rooms").WithLimitToFirst(2)
	view := NewView(query, model.DocumentKeySet{})

	docA := viewDoc(t, "rooms/a", 1, nil, model.DocumentStateSynced)
	docB := viewDoc(t, "rooms/b", 1, nil, model.DocumentStateSynced)
	applyToView(view, docUpdates(docA, docB), ackTarget(docA, docB))

	deleted := model.NewNoDocument(docA.Key(), storeVersion(t, 2), false)
	changes := view.ComputeDocChanges(docUpdates(deleted), nil)
	assert.True(t, changes.NeedsRefill)
	assert.Panics(t, func() { view.ApplyChanges(changes, true, nil) })
}

func TestView_LimitQueryRefillReusesFirstPass(t *testing.T) {
	query := viewQuery(t, "rooms").WithLimitToFirst(2)
	view := NewView(query, model.DocumentKeySet{})

	docA := viewDoc(t, "rooms/a", 1, nil, model.DocumentStateSynced)
	docB := viewDoc(t, "rooms/b", 1, nil, model.DocumentStateSynced)
	docC := viewDoc(t, "rooms/c", 1, nil, model.DocumentStateSynced)
	applyToView(view, docUpdates(docA, docB), ackTarget(docA, docB))

	deleted := model.NewNoDocument(docA.Key(), storeVersion(t, 2), false)
	first := view.ComputeDocChanges(docUpdates(deleted), nil)
	require.True(t, first.NeedsRefill)

	// Second pass with the full cache contents clears the refill flag.
	refilled := view.ComputeDocChanges(docUpdates(docB, docC), &first)
	assert.False(t, refilled.NeedsRefill)
	change := view.ApplyChanges(refilled, true, nil)
	require.NotNil(t, change.Snapshot)
	assert.Equal(t, 2, change.Snapshot.Docs.Size())
	assert.Equal(t, "rooms/b", change.Snapshot.Docs.First().Key().String())
	assert.Equal(t, "rooms/c", change.Snapshot.Docs.Last().Key().String())
}

func TestView_DocumentEntersLimboWhenUnconfirmed(t *testing.T) {
	query := viewQuery(t, "rooms")
	view := NewView(query, model.DocumentKeySet{})

	doc := viewDoc(t, "rooms/eros", 1, nil, model.DocumentStateSynced)
	// The document is in the local cache but the backend marks the
	// target current without listing it.
	change := applyToView(view, docUpdates(doc), model.NewSynthesizedTargetChange(true))

	require.Len(t, change.LimboChanges, 1)
	assert.True(t, change.LimboChanges[0].Added)
	assert.Equal(t, "rooms/eros", change.LimboChanges[0].Key.String())
	// A view with limbo documents is never synced.
	assert.Equal(t, model.SyncStateLocal, view.SyncState())
}

func TestView_LocalMutationPreventsLimbo(t *testing.T) {
	query := viewQuery(t, "rooms")
	view := NewView(query, model.DocumentKeySet{})

	doc := viewDoc(t, "rooms/eros", 1, nil, model.DocumentStateLocalMutations)
	change := applyToView(view, docUpdates(doc), model.NewSynthesizedTargetChange(true))
	assert.Empty(t, change.LimboChanges)
}

func TestView_LimboResolvedByTargetMembership(t *testing.T) {
	query := viewQuery(t, "rooms")
	view := NewView(query, model.DocumentKeySet{})

	doc := viewDoc(t, "rooms/eros", 1, nil, model.DocumentStateSynced)
	change := applyToView(view, docUpdates(doc), model.NewSynthesizedTargetChange(true))
	require.Len(t, change.LimboChanges, 1)

	change = applyToView(view, docUpdates(doc), ackTarget(doc))
	require.Len(t, change.LimboChanges, 1)
	assert.False(t, change.LimboChanges[0].Added)
	assert.Equal(t, model.SyncStateSynced, view.SyncState())
}

func TestView_OfflineDropsToFromCache(t *testing.T) {
	query := viewQuery(t, "rooms")
	view := NewView(query, model.DocumentKeySet{})

	doc := viewDoc(t, "rooms/eros", 1, nil, model.DocumentStateSynced)
	change := applyToView(view, docUpdates(doc), ackTarget(doc))
	require.NotNil(t, change.Snapshot)
	require.False(t, change.Snapshot.FromCache)

	offline := view.ApplyOnlineStateChange(model.OnlineStateOffline)
	require.NotNil(t, offline.Snapshot)
	assert.True(t, offline.Snapshot.FromCache)
	assert.True(t, offline.Snapshot.SyncStateChanged)
	assert.Empty(t, offline.Snapshot.DocChanges)

	// Unknown and Online do not force a downgrade.
	assert.Nil(t, view.ApplyOnlineStateChange(model.OnlineStateUnknown).Snapshot)
}

func TestView_MetadataChangeWhenMutationAcknowledged(t *testing.T) {
	query := viewQuery(t, "rooms")
	view := NewView(query, model.DocumentKeySet{})

	local := viewDoc(t, "rooms/eros", 1, map[string]model.Value{"n": model.IntegerValue(1)}, model.DocumentStateLocalMutations)
	applyToView(view, docUpdates(local), nil)

	// Same data back from the server: only metadata changed.
	synced := viewDoc(t, "rooms/eros", 2, map[string]model.Value{"n": model.IntegerValue(1)}, model.DocumentStateSynced)
	changes := view.ComputeDocChanges(docUpdates(synced), nil)
	docChanges := changes.ChangeSet.Changes()
	require.Len(t, docChanges, 1)
	assert.Equal(t, model.ChangeTypeMetadata, docChanges[0].Type)
}

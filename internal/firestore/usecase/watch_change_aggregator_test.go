package usecase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestore-sync/internal/firestore/domain/model"
)

// fakeMetadataProvider backs the aggregator with fixed target data and
// remote key sets.
type fakeMetadataProvider struct {
	targets    map[model.TargetID]*model.TargetData
	remoteKeys map[model.TargetID]model.DocumentKeySet
}

func newFakeMetadataProvider() *fakeMetadataProvider {
	return &fakeMetadataProvider{
		targets:    map[model.TargetID]*model.TargetData{},
		remoteKeys: map[model.TargetID]model.DocumentKeySet{},
	}
}

func (p *fakeMetadataProvider) addQueryTarget(t *testing.T, targetID model.TargetID, path string, keys ...model.DocumentKey) {
	t.Helper()
	query := model.NewQuery(model.MustParseResourcePath(path))
	p.targets[targetID] = model.NewTargetData(query.ToTarget(), targetID, 1, model.TargetPurposeListen)
	keySet := model.NewDocumentKeySet(keys...)
	p.remoteKeys[targetID] = keySet
}

func (p *fakeMetadataProvider) addDocumentTarget(t *testing.T, targetID model.TargetID, path string) {
	t.Helper()
	key := model.MustDocumentKey(path)
	p.targets[targetID] = model.NewTargetData(model.NewDocumentTarget(key), targetID, 1, model.TargetPurposeLimboResolution)
	p.remoteKeys[targetID] = model.DocumentKeySet{}
}

func (p *fakeMetadataProvider) GetRemoteKeysForTarget(targetID model.TargetID) model.DocumentKeySet {
	if keys, ok := p.remoteKeys[targetID]; ok {
		return keys
	}
	return model.DocumentKeySet{}
}

func (p *fakeMetadataProvider) GetTargetDataForTarget(targetID model.TargetID) *model.TargetData {
	return p.targets[targetID]
}

func TestWatchChangeAggregator_DocumentChangeProducesTargetChange(t *testing.T) {
	provider := newFakeMetadataProvider()
	provider.addQueryTarget(t, 2, "rooms")
	agg := NewWatchChangeAggregator(provider)

	doc := remoteDoc(t, "rooms/eros", 10, map[string]model.Value{"name": model.StringValue("eros")})
	agg.HandleDocumentChange(&model.DocumentWatchChange{
		UpdatedTargetIDs: []model.TargetID{2},
		Key:              doc.Key(),
		NewDoc:           doc,
	})

	event := agg.CreateRemoteEvent(storeVersion(t, 10))
	require.Contains(t, event.TargetChanges, model.TargetID(2))
	assert.True(t, event.TargetChanges[2].AddedDocuments.Contains(doc.Key()))
	_, ok := event.DocumentUpdates[doc.Key().String()]
	assert.True(t, ok)
}

func TestWatchChangeAggregator_KnownDocumentReportsModified(t *testing.T) {
	doc := remoteDoc(t, "rooms/eros", 10, map[string]model.Value{"name": model.StringValue("eros")})
	provider := newFakeMetadataProvider()
	provider.addQueryTarget(t, 2, "rooms", doc.Key())
	agg := NewWatchChangeAggregator(provider)

	agg.HandleDocumentChange(&model.DocumentWatchChange{
		UpdatedTargetIDs: []model.TargetID{2},
		Key:              doc.Key(),
		NewDoc:           doc,
	})
	event := agg.CreateRemoteEvent(storeVersion(t, 10))
	require.Contains(t, event.TargetChanges, model.TargetID(2))
	assert.True(t, event.TargetChanges[2].ModifiedDocuments.Contains(doc.Key()))
	assert.False(t, event.TargetChanges[2].AddedDocuments.Contains(doc.Key()))
}

func TestWatchChangeAggregator_CurrentMarksTarget(t *testing.T) {
	provider := newFakeMetadataProvider()
	provider.addQueryTarget(t, 2, "rooms")
	agg := NewWatchChangeAggregator(provider)

	agg.HandleTargetChange(&model.WatchTargetChange{
		State:       model.WatchTargetChangeStateCurrent,
		TargetIDs:   []model.TargetID{2},
		ResumeToken: []byte("resume"),
	})
	event := agg.CreateRemoteEvent(storeVersion(t, 10))
	require.Contains(t, event.TargetChanges, model.TargetID(2))
	assert.True(t, event.TargetChanges[2].Current)
	assert.Equal(t, []byte("resume"), event.TargetChanges[2].ResumeToken)
}

func TestWatchChangeAggregator_PendingTargetIgnoresChanges(t *testing.T) {
	provider := newFakeMetadataProvider()
	provider.addQueryTarget(t, 2, "rooms")
	agg := NewWatchChangeAggregator(provider)

	// An unwatch request is in flight; everything until the server's
	// matching response belongs to the old incarnation of the target.
	agg.RecordPendingTargetRequest(2)
	doc := remoteDoc(t, "rooms/eros", 10, map[string]model.Value{"name": model.StringValue("eros")})
	agg.HandleDocumentChange(&model.DocumentWatchChange{
		UpdatedTargetIDs: []model.TargetID{2},
		Key:              doc.Key(),
		NewDoc:           doc,
	})
	event := agg.CreateRemoteEvent(storeVersion(t, 10))
	assert.NotContains(t, event.TargetChanges, model.TargetID(2))

	// The ADDED response settles the pending request.
	agg.HandleTargetChange(&model.WatchTargetChange{
		State:     model.WatchTargetChangeStateAdded,
		TargetIDs: []model.TargetID{2},
	})
	agg.HandleTargetChange(&model.WatchTargetChange{
		State:       model.WatchTargetChangeStateCurrent,
		TargetIDs:   []model.TargetID{2},
		ResumeToken: []byte("resume"),
	})
	event = agg.CreateRemoteEvent(storeVersion(t, 11))
	require.Contains(t, event.TargetChanges, model.TargetID(2))
	assert.True(t, event.TargetChanges[2].Current)
}

func TestWatchChangeAggregator_EmptyTargetIDsAddressAllTargets(t *testing.T) {
	provider := newFakeMetadataProvider()
	provider.addQueryTarget(t, 2, "rooms")
	provider.addQueryTarget(t, 4, "users")
	agg := NewWatchChangeAggregator(provider)

	agg.HandleTargetChange(&model.WatchTargetChange{
		State:     model.WatchTargetChangeStateNoChange,
		TargetIDs: []model.TargetID{2, 4},
	})
	agg.HandleTargetChange(&model.WatchTargetChange{
		State:     model.WatchTargetChangeStateCurrent,
		TargetIDs: nil,
	})
	event := agg.CreateRemoteEvent(storeVersion(t, 10))
	assert.Contains(t, event.TargetChanges, model.TargetID(2))
	assert.Contains(t, event.TargetChanges, model.TargetID(4))
}

func TestWatchChangeAggregator_ExistenceFilterMismatchResetsTarget(t *testing.T) {
	existing := model.MustDocumentKey("rooms/eros")
	provider := newFakeMetadataProvider()
	provider.addQueryTarget(t, 2, "rooms", existing)
	agg := NewWatchChangeAggregator(provider)

	// Server says the target holds two documents, we know one.
	agg.HandleExistenceFilter(&model.ExistenceFilterChange{TargetID: 2, Count: 2})

	event := agg.CreateRemoteEvent(storeVersion(t, 10))
	assert.Contains(t, event.TargetMismatches, model.TargetID(2))
	require.Contains(t, event.TargetChanges, model.TargetID(2))
	assert.True(t, event.TargetChanges[2].RemovedDocuments.Contains(existing))
}

func TestWatchChangeAggregator_ExistenceFilterMatchIsNoop(t *testing.T) {
	existing := model.MustDocumentKey("rooms/eros")
	provider := newFakeMetadataProvider()
	provider.addQueryTarget(t, 2, "rooms", existing)
	agg := NewWatchChangeAggregator(provider)

	agg.HandleExistenceFilter(&model.ExistenceFilterChange{TargetID: 2, Count: 1})
	event := agg.CreateRemoteEvent(storeVersion(t, 10))
	assert.Empty(t, event.TargetMismatches)
}

func TestWatchChangeAggregator_DocumentTargetZeroCountSynthesizesDelete(t *testing.T) {
	provider := newFakeMetadataProvider()
	provider.addDocumentTarget(t, 1, "rooms/eros")
	agg := NewWatchChangeAggregator(provider)

	agg.HandleExistenceFilter(&model.ExistenceFilterChange{TargetID: 1, Count: 0})
	event := agg.CreateRemoteEvent(storeVersion(t, 10))

	update, ok := event.DocumentUpdates["rooms/eros"]
	require.True(t, ok)
	_, isTombstone := update.(*model.NoDocument)
	assert.True(t, isTombstone)
	assert.True(t, event.ResolvedLimboDocuments.Contains(model.MustDocumentKey("rooms/eros")))
}

func TestWatchChangeAggregator_RemovedTargetDropsState(t *testing.T) {
	provider := newFakeMetadataProvider()
	provider.addQueryTarget(t, 2, "rooms")
	agg := NewWatchChangeAggregator(provider)

	doc := remoteDoc(t, "rooms/eros", 10, map[string]model.Value{"name": model.StringValue("eros")})
	agg.HandleDocumentChange(&model.DocumentWatchChange{
		UpdatedTargetIDs: []model.TargetID{2},
		Key:              doc.Key(),
		NewDoc:           doc,
	})
	agg.RemoveTarget(2)
	delete(provider.targets, 2)

	event := agg.CreateRemoteEvent(storeVersion(t, 10))
	assert.NotContains(t, event.TargetChanges, model.TargetID(2))
}

package usecase

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestore-sync/internal/firestore/adapter/persistence/memory"
	"firestore-sync/internal/firestore/domain/model"
	"firestore-sync/internal/firestore/domain/repository"
	"firestore-sync/internal/shared/logger"
)

type queryEngineFixture struct {
	p      *memory.Persistence
	engine *QueryEngine
}

func newQueryEngineFixture(t *testing.T) *queryEngineFixture {
	t.Helper()
	p := memory.NewPersistence(&logger.NoopLogger{})
	require.NoError(t, p.Start(context.Background()))
	view := NewLocalDocumentsView(p.RemoteDocumentCache(), p.MutationQueue("user"), p.IndexManager())
	return &queryEngineFixture{
		p:      p,
		engine: NewQueryEngine(view, &logger.NoopLogger{}),
	}
}

func (f *queryEngineFixture) addRemoteDoc(t *testing.T, doc *model.Document, readTime model.SnapshotVersion) {
	t.Helper()
	f.transaction(t, func(tx repository.Transaction) {
		buffer := f.p.RemoteDocumentCache().NewChangeBuffer()
		buffer.AddEntry(doc, readTime)
		require.NoError(t, buffer.Apply(tx))
	})
}

func (f *queryEngineFixture) transaction(t *testing.T, fn func(tx repository.Transaction)) {
	t.Helper()
	err := f.p.RunTransaction(context.Background(), "query engine test", repository.TransactionModeReadWrite, func(tx repository.Transaction) error {
		fn(tx)
		return nil
	})
	require.NoError(t, err)
}

func (f *queryEngineFixture) run(t *testing.T, query *model.Query, limboFree model.SnapshotVersion, remoteKeys model.DocumentKeySet) map[string]*model.Document {
	t.Helper()
	var out map[string]*model.Document
	f.transaction(t, func(tx repository.Transaction) {
		var err error
		out, err = f.engine.GetDocumentsMatchingQuery(tx, query, limboFree, remoteKeys)
		require.NoError(t, err)
	})
	return out
}

func matchingDoc(t *testing.T, path string, seconds int64, x int64) *model.Document {
	t.Helper()
	return remoteDoc(t, path, seconds, map[string]model.Value{"x": model.IntegerValue(x)})
}

func TestQueryEngine_UsesPreviousResults(t *testing.T) {
	f := newQueryEngineFixture(t)
	a := matchingDoc(t, "coll/a", 5, 10)
	b := matchingDoc(t, "coll/b", 5, 20)
	f.addRemoteDoc(t, a, storeVersion(t, 5))
	f.addRemoteDoc(t, b, storeVersion(t, 5))

	query := model.NewQuery(model.MustParseResourcePath("coll")).
		WithAddedFilter(model.NewFieldFilter(model.NewFieldPath("x"), model.OperatorGreaterThan, model.IntegerValue(0)))

	results := f.run(t, query, storeVersion(t, 10), model.NewDocumentKeySet(a.Key(), b.Key()))
	assert.Len(t, results, 2)
}

// The index-free path and a full collection scan must agree for every
// query, whatever the previous result set looked like.
func TestQueryEngine_MatchesFullScan(t *testing.T) {
	f := newQueryEngineFixture(t)
	docs := []*model.Document{
		matchingDoc(t, "coll/a", 3, 1),
		matchingDoc(t, "coll/b", 5, 5),
		matchingDoc(t, "coll/c", 9, -2),
		matchingDoc(t, "coll/d", 12, 7),
	}
	for _, doc := range docs {
		f.addRemoteDoc(t, doc, doc.Version())
	}

	query := model.NewQuery(model.MustParseResourcePath("coll")).
		WithAddedFilter(model.NewFieldFilter(model.NewFieldPath("x"), model.OperatorGreaterThan, model.IntegerValue(0)))

	fullScan := f.run(t, query, model.SnapshotVersionMin, model.DocumentKeySet{})
	indexFree := f.run(t, query, storeVersion(t, 5), model.NewDocumentKeySet(docs[0].Key(), docs[1].Key()))

	require.Len(t, indexFree, len(fullScan))
	for key := range fullScan {
		assert.Contains(t, indexFree, key)
	}
}

// Generated-corpus property check: for any filter threshold, the
// matching predicate, a full scan and the index-free path must agree on
// which documents qualify.
func TestQueryEngine_RandomCorpusMatchesFullScan(t *testing.T) {
	rng := rand.New(rand.NewSource(20260829))
	f := newQueryEngineFixture(t)

	docs := make([]*model.Document, 0, 80)
	for i := 0; i < 80; i++ {
		doc := matchingDoc(t, fmt.Sprintf("coll/doc%03d", i), int64(1+rng.Intn(20)), int64(rng.Intn(21)-10))
		docs = append(docs, doc)
		f.addRemoteDoc(t, doc, doc.Version())
	}

	for trial := 0; trial < 20; trial++ {
		threshold := int64(rng.Intn(21) - 10)
		query := model.NewQuery(model.MustParseResourcePath("coll")).
			WithAddedFilter(model.NewFieldFilter(model.NewFieldPath("x"), model.OperatorGreaterThan, model.IntegerValue(threshold)))

		expected := map[string]struct{}{}
		for _, doc := range docs {
			if query.Matches(doc) {
				expected[doc.Key().String()] = struct{}{}
			}
		}

		fullScan := f.run(t, query, model.SnapshotVersionMin, model.DocumentKeySet{})
		require.Len(t, fullScan, len(expected), "full scan diverges from predicate at threshold %d", threshold)
		for key := range expected {
			require.Contains(t, fullScan, key, "full scan missing %s at threshold %d", key, threshold)
		}

		// A consistent earlier snapshot would have held every matching
		// document at or before the limbo-free version.
		limboFree := storeVersion(t, int64(1+rng.Intn(20)))
		var previousKeys []model.DocumentKey
		for _, doc := range docs {
			if query.Matches(doc) && doc.Version().Compare(limboFree) <= 0 {
				previousKeys = append(previousKeys, doc.Key())
			}
		}
		indexFree := f.run(t, query, limboFree, model.NewDocumentKeySet(previousKeys...))
		require.Len(t, indexFree, len(expected), "index-free diverges from full scan at threshold %d", threshold)
		for key := range expected {
			require.Contains(t, indexFree, key, "index-free missing %s at threshold %d", key, threshold)
		}
	}
}

func TestQueryEngine_LimitQueryRefillsAfterBoundaryChange(t *testing.T) {
	f := newQueryEngineFixture(t)
	a := matchingDoc(t, "coll/a", 5, 1)
	// b matched at snapshot 5 but was updated afterwards, so it may have
	// moved across the limit boundary.
	b := matchingDoc(t, "coll/b", 8, 2)
	c := matchingDoc(t, "coll/c", 8, 0)
	f.addRemoteDoc(t, a, storeVersion(t, 5))
	f.addRemoteDoc(t, b, storeVersion(t, 8))
	f.addRemoteDoc(t, c, storeVersion(t, 8))

	query := model.NewQuery(model.MustParseResourcePath("coll")).
		WithAddedOrderBy(model.OrderBy{Field: model.NewFieldPath("x"), Dir: model.Ascending}).
		WithLimitToFirst(2)

	results := f.run(t, query, storeVersion(t, 5), model.NewDocumentKeySet(a.Key(), b.Key()))

	// The refill scan finds c, which now sorts into the first two.
	require.Len(t, results, 3)
	sorted := SortedDocuments(query, results)
	assert.Equal(t, "coll/c", sorted[0].Key().String())
	assert.Equal(t, "coll/a", sorted[1].Key().String())
}

// A limit query whose previous result set was smaller than the limit
// was never truncated, so it reuses the previous results instead of
// refilling with a full scan.
func TestQueryEngine_UnderLimitPreviousResultsAreReused(t *testing.T) {
	f := newQueryEngineFixture(t)
	a := matchingDoc(t, "coll/a", 3, 1)
	// Cached before the limbo-free snapshot but absent from the previous
	// result keys; only a full scan would surface it.
	stale := matchingDoc(t, "coll/stale", 4, 2)
	f.addRemoteDoc(t, a, storeVersion(t, 3))
	f.addRemoteDoc(t, stale, storeVersion(t, 4))

	query := model.NewQuery(model.MustParseResourcePath("coll")).
		WithAddedOrderBy(model.OrderBy{Field: model.NewFieldPath("x"), Dir: model.Ascending}).
		WithLimitToFirst(5)

	results := f.run(t, query, storeVersion(t, 10), model.NewDocumentKeySet(a.Key()))

	require.Len(t, results, 1)
	assert.Contains(t, results, "coll/a")
}

func TestQueryEngine_FullScanWhenNeverSynced(t *testing.T) {
	f := newQueryEngineFixture(t)
	a := matchingDoc(t, "coll/a", 5, 1)
	f.addRemoteDoc(t, a, storeVersion(t, 5))

	query := model.NewQuery(model.MustParseResourcePath("coll")).
		WithAddedFilter(model.NewFieldFilter(model.NewFieldPath("x"), model.OperatorGreaterThan, model.IntegerValue(0)))

	results := f.run(t, query, model.SnapshotVersionMin, model.DocumentKeySet{})
	assert.Len(t, results, 1)
}

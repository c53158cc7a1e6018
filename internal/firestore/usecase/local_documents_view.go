package usecase

import (
	"sort"

	"firestore-sync/internal/firestore/domain/model"
	"firestore-sync/internal/firestore/domain/repository"
)

// LocalDocumentsView answers document reads with the local view: the last
// server state from the remote document cache overlaid with every pending
// mutation batch that affects the document.
type LocalDocumentsView struct {
	remoteDocuments repository.RemoteDocumentCache
	mutationQueue   repository.MutationQueue
	indexManager    repository.IndexManager
}

func NewLocalDocumentsView(remoteDocuments repository.RemoteDocumentCache, mutationQueue repository.MutationQueue, indexManager repository.IndexManager) *LocalDocumentsView {
	return &LocalDocumentsView{
		remoteDocuments: remoteDocuments,
		mutationQueue:   mutationQueue,
		indexManager:    indexManager,
	}
}

// GetDocument returns the local view of a single key, nil when the
// document neither exists remotely nor is created by a pending write.
func (v *LocalDocumentsView) GetDocument(tx repository.Transaction, key model.DocumentKey) (model.MaybeDocument, error) {
	batches, err := v.mutationQueue.AllMutationBatchesAffectingDocumentKey(tx, key)
	if err != nil {
		return nil, err
	}
	return v.getDocumentInternal(tx, key, batches)
}

func (v *LocalDocumentsView) getDocumentInternal(tx repository.Transaction, key model.DocumentKey, batches []*model.MutationBatch) (model.MaybeDocument, error) {
	doc, err := v.remoteDocuments.GetEntry(tx, key)
	if err != nil {
		return nil, err
	}
	for _, batch := range batches {
		doc = batch.ApplyToLocalView(key, doc)
	}
	return doc, nil
}

// GetDocuments returns the local view of every key. Missing documents map
// to a nil entry so callers can tell absence from omission.
func (v *LocalDocumentsView) GetDocuments(tx repository.Transaction, keys model.DocumentKeySet) (model.MaybeDocumentMap, error) {
	docs, err := v.remoteDocuments.GetEntries(tx, keys)
	if err != nil {
		return nil, err
	}
	return v.applyLocalMutations(tx, docs, keys)
}

// GetLocalViewOfDocuments overlays pending mutations onto documents the
// caller already fetched.
func (v *LocalDocumentsView) GetLocalViewOfDocuments(tx repository.Transaction, docs model.MaybeDocumentMap) (model.MaybeDocumentMap, error) {
	return v.applyLocalMutations(tx, docs, docs.Keys())
}

func (v *LocalDocumentsView) applyLocalMutations(tx repository.Transaction, docs model.MaybeDocumentMap, keys model.DocumentKeySet) (model.MaybeDocumentMap, error) {
	batches, err := v.mutationQueue.AllMutationBatchesAffectingDocumentKeys(tx, keys)
	if err != nil {
		return nil, err
	}
	out := make(model.MaybeDocumentMap, len(keys))
	for _, key := range keys.SortedKeys() {
		doc := docs[key.String()]
		for _, batch := range batches {
			doc = batch.ApplyToLocalView(key, doc)
		}
		out[key.String()] = doc
	}
	return out, nil
}

// GetDocumentsMatchingQuery runs a query against the local view. Only
// documents whose read time is strictly after sinceReadTime are scanned
// from the cache; pending writes are always considered.
func (v *LocalDocumentsView) GetDocumentsMatchingQuery(tx repository.Transaction, query *model.Query, sinceReadTime model.SnapshotVersion) (map[string]*model.Document, error) {
	if query.IsDocumentQuery() {
		return v.getDocumentsMatchingDocumentQuery(tx, query)
	}
	if query.IsCollectionGroupQuery() {
		return v.getDocumentsMatchingCollectionGroupQuery(tx, query, sinceReadTime)
	}
	return v.getDocumentsMatchingCollectionQuery(tx, query, sinceReadTime)
}

func (v *LocalDocumentsView) getDocumentsMatchingDocumentQuery(tx repository.Transaction, query *model.Query) (map[string]*model.Document, error) {
	key, err := model.NewDocumentKey(query.Path)
	if err != nil {
		return nil, err
	}
	maybeDoc, err := v.GetDocument(tx, key)
	if err != nil {
		return nil, err
	}
	results := map[string]*model.Document{}
	if doc, ok := maybeDoc.(*model.Document); ok {
		results[doc.Key().String()] = doc
	}
	return results, nil
}

func (v *LocalDocumentsView) getDocumentsMatchingCollectionGroupQuery(tx repository.Transaction, query *model.Query, sinceReadTime model.SnapshotVersion) (map[string]*model.Document, error) {
	parents, err := v.indexManager.GetCollectionParents(tx, query.CollectionGroup)
	if err != nil {
		return nil, err
	}
	results := map[string]*model.Document{}
	for _, parent := range parents {
		collectionQuery := query.AsCollectionQueryAtPath(parent.Append(query.CollectionGroup))
		partial, err := v.getDocumentsMatchingCollectionQuery(tx, collectionQuery, sinceReadTime)
		if err != nil {
			return nil, err
		}
		for k, doc := range partial {
			results[k] = doc
		}
	}
	return results, nil
}

func (v *LocalDocumentsView) getDocumentsMatchingCollectionQuery(tx repository.Transaction, query *model.Query, sinceReadTime model.SnapshotVersion) (map[string]*model.Document, error) {
	results, err := v.remoteDocuments.GetDocumentsMatchingQuery(tx, query, sinceReadTime)
	if err != nil {
		return nil, err
	}
	batches, err := v.mutationQueue.AllMutationBatchesAffectingQuery(tx, query)
	if err != nil {
		return nil, err
	}
	// Pending writes may create documents the cache scan missed, so seed
	// entries for every mutated key under this collection first.
	for _, batch := range batches {
		for _, mutation := range batch.Mutations {
			key := mutation.Key()
			if !query.Path.IsImmediateParentOf(key.Path) {
				continue
			}
			if _, ok := results[key.String()]; !ok {
				results[key.String()] = nil
			}
		}
	}
	for keyString, baseDoc := range results {
		var maybeDoc model.MaybeDocument
		if baseDoc != nil {
			maybeDoc = baseDoc
		}
		key := model.MustDocumentKey(keyString)
		for _, batch := range batches {
			maybeDoc = batch.ApplyToLocalView(key, maybeDoc)
		}
		if doc, ok := maybeDoc.(*model.Document); ok && query.Matches(doc) {
			results[keyString] = doc
		} else {
			delete(results, keyString)
		}
	}
	return results, nil
}

// SortedDocuments returns the documents of a query result in the query's
// order, used by callers that need deterministic iteration.
func SortedDocuments(query *model.Query, docs map[string]*model.Document) []*model.Document {
	out := make([]*model.Document, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc)
	}
	comparator := query.Comparator()
	sort.Slice(out, func(i, j int) bool { return comparator(out[i], out[j]) < 0 })
	return out
}

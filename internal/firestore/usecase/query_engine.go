package usecase

import (
	"firestore-sync/internal/firestore/domain/model"
	"firestore-sync/internal/firestore/domain/repository"
	"firestore-sync/internal/shared/logger"

	"go.uber.org/zap"
)

// QueryEngine executes queries against the local cache without a field
// index. When a query ran to completion against the backend before, the
// previously matching keys seed the result and only documents changed
// since the last limbo-free snapshot are rescanned. Limit queries fall
// back to a full collection scan whenever a previously matching document
// may have dropped out of the boundary.
type QueryEngine struct {
	localDocuments *LocalDocumentsView
	log            logger.Logger
}

func NewQueryEngine(localDocuments *LocalDocumentsView, log logger.Logger) *QueryEngine {
	return &QueryEngine{
		localDocuments: localDocuments,
		log:            log.WithComponent("query_engine"),
	}
}

// GetDocumentsMatchingQuery runs the query. remoteKeys holds the keys the
// backend reported as matching when the target was last limbo free.
func (e *QueryEngine) GetDocumentsMatchingQuery(tx repository.Transaction, query *model.Query, lastLimboFreeSnapshotVersion model.SnapshotVersion, remoteKeys model.DocumentKeySet) (map[string]*model.Document, error) {
	if !e.canUsePreviousResults(query, lastLimboFreeSnapshotVersion) {
		return e.executeFullCollectionScan(tx, query)
	}

	previousResults, err := e.applyQueryToRemoteKeys(tx, query, remoteKeys)
	if err != nil {
		return nil, err
	}
	if e.needsRefill(query, previousResults, remoteKeys, lastLimboFreeSnapshotVersion) {
		e.log.Debug("limit query needs refill, running full scan",
			zap.String("query", query.CanonicalID()))
		return e.executeFullCollectionScan(tx, query)
	}

	updatedResults, err := e.localDocuments.GetDocumentsMatchingQuery(tx, query, lastLimboFreeSnapshotVersion)
	if err != nil {
		return nil, err
	}
	previousResults.ForEach(func(doc *model.Document) {
		updatedResults[doc.Key().String()] = doc
	})
	return updatedResults, nil
}

func (e *QueryEngine) canUsePreviousResults(query *model.Query, lastLimboFreeSnapshotVersion model.SnapshotVersion) bool {
	if lastLimboFreeSnapshotVersion.IsZero() {
		return false
	}
	// Without filters or limits a full scan is already key-indexed and
	// cheap, and the since-read-time narrowing would miss deletes.
	if query.MatchesAllDocuments() {
		return false
	}
	return true
}

// applyQueryToRemoteKeys fetches the local view of the previously matching
// keys and keeps the ones still matching, in query order.
func (e *QueryEngine) applyQueryToRemoteKeys(tx repository.Transaction, query *model.Query, remoteKeys model.DocumentKeySet) (model.DocumentSet, error) {
	docs, err := e.localDocuments.GetDocuments(tx, remoteKeys)
	if err != nil {
		return model.DocumentSet{}, err
	}
	results := model.NewDocumentSet(query.Comparator())
	for _, maybeDoc := range docs {
		if doc, ok := maybeDoc.(*model.Document); ok && query.Matches(doc) {
			results = results.Add(doc)
		}
	}
	return results, nil
}

// needsRefill reports whether a limit query cannot trust the previous
// result set: a previously matching document no longer matches locally,
// or the set is limit-sized and its boundary document may have moved
// (pending writes, or written after the last limbo-free snapshot, since
// a document just outside the limit may now sort before it). A previous
// result set smaller than the limit was never truncated by the limit,
// so it stays eligible for reuse.
func (e *QueryEngine) needsRefill(query *model.Query, sortedPreviousResults model.DocumentSet, remoteKeys model.DocumentKeySet, lastLimboFreeSnapshotVersion model.SnapshotVersion) bool {
	if query.Limit == model.NoLimit {
		return false
	}
	if len(remoteKeys) != sortedPreviousResults.Size() {
		return true
	}
	if sortedPreviousResults.Size() < int(query.Limit) {
		return false
	}
	var boundary *model.Document
	if query.HasLimitToLast() {
		boundary = sortedPreviousResults.First()
	} else {
		boundary = sortedPreviousResults.Last()
	}
	if boundary == nil {
		return false
	}
	return boundary.HasPendingWrites() ||
		boundary.Version().Compare(lastLimboFreeSnapshotVersion) > 0
}

func (e *QueryEngine) executeFullCollectionScan(tx repository.Transaction, query *model.Query) (map[string]*model.Document, error) {
	return e.localDocuments.GetDocumentsMatchingQuery(tx, query, model.SnapshotVersionMin)
}

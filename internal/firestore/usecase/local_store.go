package usecase

import (
	"context"

	"firestore-sync/internal/firestore/domain/model"
	"firestore-sync/internal/firestore/domain/repository"
	"firestore-sync/internal/shared/errors"
	"firestore-sync/internal/shared/logger"

	"go.uber.org/zap"
)

// resumeTokenMaxAgeSeconds bounds how stale a persisted resume token may
// grow before an unchanged target is rewritten anyway.
const resumeTokenMaxAgeSeconds = 5 * 60

// LocalWriteResult is the outcome of a user write: the assigned batch id
// and the documents' new local views.
type LocalWriteResult struct {
	BatchID model.BatchID
	Changes model.MaybeDocumentMap
}

// QueryResult pairs the documents a query produced with the keys the
// backend reported as matching when the target was last synced.
type QueryResult struct {
	Documents  map[string]*model.Document
	RemoteKeys model.DocumentKeySet
}

// UserChangeResult describes the batch delta caused by switching users.
type UserChangeResult struct {
	RemovedBatchIDs   []model.BatchID
	AddedBatchIDs     []model.BatchID
	AffectedDocuments model.MaybeDocumentMap
}

// LocalViewChanges carries a view's membership delta back into
// persistence so reference counts and limbo-free versions stay current.
type LocalViewChanges struct {
	TargetID    model.TargetID
	FromCache   bool
	AddedKeys   model.DocumentKeySet
	RemovedKeys model.DocumentKeySet
}

// NewLocalViewChangesFromSnapshot extracts the membership delta from a
// view snapshot.
func NewLocalViewChangesFromSnapshot(targetID model.TargetID, snapshot model.ViewSnapshot) LocalViewChanges {
	added := model.DocumentKeySet{}
	removed := model.DocumentKeySet{}
	for _, change := range snapshot.DocChanges {
		switch change.Type {
		case model.ChangeTypeAdded:
			added.Add(change.Doc.Key())
		case model.ChangeTypeRemoved:
			removed.Add(change.Doc.Key())
		}
	}
	return LocalViewChanges{
		TargetID:    targetID,
		FromCache:   snapshot.FromCache,
		AddedKeys:   added,
		RemovedKeys: removed,
	}
}

// LocalStore coordinates all local persistence: the user's mutation
// queue, the remote document cache and the target cache. It owns the
// local view computation and is the only component that opens
// transactions; everything above it works with plain values.
type LocalStore struct {
	persistence    repository.Persistence
	mutationQueue  repository.MutationQueue
	remoteDocs     repository.RemoteDocumentCache
	targetCache    repository.TargetCache
	localDocuments *LocalDocumentsView
	queryEngine    *QueryEngine
	log            logger.Logger

	// targetDataByTarget caches allocated targets so remote events can be
	// matched to targets without a cache read. Updated target data is
	// only persisted when the resume token heuristic says so, the map
	// always holds the freshest copy.
	targetDataByTarget map[model.TargetID]*model.TargetData
}

func NewLocalStore(persistence repository.Persistence, initialUser repository.User, log logger.Logger) *LocalStore {
	s := &LocalStore{
		persistence:        persistence,
		log:                log.WithComponent("local_store"),
		targetDataByTarget: map[model.TargetID]*model.TargetData{},
	}
	s.initializeUserComponents(initialUser)
	return s
}

func (s *LocalStore) initializeUserComponents(user repository.User) {
	s.mutationQueue = s.persistence.MutationQueue(user.QueueKey())
	s.remoteDocs = s.persistence.RemoteDocumentCache()
	s.targetCache = s.persistence.TargetCache()
	s.localDocuments = NewLocalDocumentsView(s.remoteDocs, s.mutationQueue, s.persistence.IndexManager())
	s.queryEngine = NewQueryEngine(s.localDocuments, s.log)
}

// HandleUserChange swaps the active mutation queue and reports which
// pending batches disappeared and appeared, with the local view of every
// document either user had in flight.
func (s *LocalStore) HandleUserChange(ctx context.Context, user repository.User) (UserChangeResult, error) {
	result := UserChangeResult{AffectedDocuments: model.MaybeDocumentMap{}}
	err := s.persistence.RunTransaction(ctx, "handle user change", repository.TransactionModeReadOnly, func(tx repository.Transaction) error {
		oldBatches, err := s.mutationQueue.AllMutationBatches(tx)
		if err != nil {
			return err
		}
		s.initializeUserComponents(user)
		newBatches, err := s.mutationQueue.AllMutationBatches(tx)
		if err != nil {
			return err
		}

		affectedKeys := model.DocumentKeySet{}
		for _, batch := range oldBatches {
			result.RemovedBatchIDs = append(result.RemovedBatchIDs, batch.ID)
			for _, key := range batch.Keys().SortedKeys() {
				affectedKeys.Add(key)
			}
		}
		for _, batch := range newBatches {
			result.AddedBatchIDs = append(result.AddedBatchIDs, batch.ID)
			for _, key := range batch.Keys().SortedKeys() {
				affectedKeys.Add(key)
			}
		}

		docs, err := s.localDocuments.GetDocuments(tx, affectedKeys)
		if err != nil {
			return err
		}
		result.AffectedDocuments = docs
		return nil
	})
	return result, err
}

// LocalWrite persists the mutations as one batch and returns the new
// local view of the written documents. Non-idempotent transforms get
// base mutations pinning the current field values so replaying the batch
// after restart stays deterministic.
func (s *LocalStore) LocalWrite(ctx context.Context, mutations []model.Mutation) (LocalWriteResult, error) {
	localWriteTime := model.TimestampNow()
	keys := model.DocumentKeySet{}
	for _, m := range mutations {
		keys.Add(m.Key())
	}

	var result LocalWriteResult
	err := s.persistence.RunTransaction(ctx, "local write", repository.TransactionModeReadWrite, func(tx repository.Transaction) error {
		existingDocs, err := s.localDocuments.GetDocuments(tx, keys)
		if err != nil {
			return err
		}

		var baseMutations []model.Mutation
		for _, m := range mutations {
			transform, ok := m.(*model.TransformMutation)
			if !ok {
				continue
			}
			baseValue, mask, ok := transform.BaseValue(existingDocs[m.Key().String()])
			if !ok {
				continue
			}
			baseMutations = append(baseMutations, model.NewPatchMutation(m.Key(), baseValue, mask, model.PreconditionNoneValue()))
		}

		batch, err := s.mutationQueue.AddMutationBatch(tx, localWriteTime, baseMutations, mutations)
		if err != nil {
			return err
		}
		changes := make(model.MaybeDocumentMap, len(keys))
		for keyString, doc := range existingDocs {
			changes[keyString] = batch.ApplyToLocalView(model.MustDocumentKey(keyString), doc)
		}
		result = LocalWriteResult{BatchID: batch.ID, Changes: changes}
		return nil
	})
	return result, err
}

// AcknowledgeBatch applies a successful commit to the remote document
// cache, removes the batch and returns the affected documents' views.
func (s *LocalStore) AcknowledgeBatch(ctx context.Context, batchResult *model.MutationBatchResult) (model.MaybeDocumentMap, error) {
	var changes model.MaybeDocumentMap
	err := s.persistence.RunTransaction(ctx, "acknowledge batch", repository.TransactionModeReadWritePrimary, func(tx repository.Transaction) error {
		batch := batchResult.Batch
		if err := s.mutationQueue.SetLastStreamToken(tx, batchResult.StreamToken); err != nil {
			return err
		}
		buffer := s.remoteDocs.NewChangeBuffer()
		if err := s.applyWriteToRemoteDocuments(tx, batchResult, buffer); err != nil {
			return err
		}
		if err := buffer.Apply(tx); err != nil {
			return err
		}
		if err := s.removeMutationBatch(tx, batch); err != nil {
			return err
		}
		docs, err := s.localDocuments.GetDocuments(tx, batch.Keys())
		if err != nil {
			return err
		}
		changes = docs
		return nil
	})
	return changes, err
}

// RejectBatch removes a batch the backend permanently rejected and
// returns the affected documents' views with the batch's effects undone.
func (s *LocalStore) RejectBatch(ctx context.Context, batchID model.BatchID) (model.MaybeDocumentMap, error) {
	var changes model.MaybeDocumentMap
	err := s.persistence.RunTransaction(ctx, "reject batch", repository.TransactionModeReadWritePrimary, func(tx repository.Transaction) error {
		batch, err := s.mutationQueue.LookupMutationBatch(tx, batchID)
		if err != nil {
			return err
		}
		if batch == nil {
			return errors.Newf(errors.CodeInternal, "rejected batch %d not found", batchID)
		}
		if err := s.removeMutationBatch(tx, batch); err != nil {
			return err
		}
		docs, err := s.localDocuments.GetDocuments(tx, batch.Keys())
		if err != nil {
			return err
		}
		changes = docs
		return nil
	})
	return changes, err
}

func (s *LocalStore) removeMutationBatch(tx repository.Transaction, batch *model.MutationBatch) error {
	return s.mutationQueue.RemoveMutationBatch(tx, batch)
}

func (s *LocalStore) applyWriteToRemoteDocuments(tx repository.Transaction, batchResult *model.MutationBatchResult, buffer repository.RemoteDocumentChangeBuffer) error {
	batch := batchResult.Batch
	for _, key := range batch.Keys().SortedKeys() {
		existing, err := buffer.GetEntry(tx, key)
		if err != nil {
			return err
		}
		ackVersion, ok := batchResult.DocVersions[key.String()]
		if !ok {
			return errors.Newf(errors.CodeInternal, "missing ack version for %s", key)
		}
		// Only advance past what we have; a newer watch update may have
		// landed while the write was in flight.
		if existing == nil || existing.Version().Compare(ackVersion) < 0 {
			doc := batch.ApplyToRemoteDocument(key, existing, batchResult)
			if doc != nil {
				buffer.AddEntry(doc, batchResult.CommitVersion)
			}
		}
	}
	return nil
}

// LastStreamToken returns the stream token of the last write response.
func (s *LocalStore) LastStreamToken(ctx context.Context) ([]byte, error) {
	var token []byte
	err := s.persistence.RunTransaction(ctx, "last stream token", repository.TransactionModeReadOnly, func(tx repository.Transaction) error {
		var err error
		token, err = s.mutationQueue.LastStreamToken(tx)
		return err
	})
	return token, err
}

// SetLastStreamToken persists a stream token received outside a write ack.
func (s *LocalStore) SetLastStreamToken(ctx context.Context, token []byte) error {
	return s.persistence.RunTransaction(ctx, "set stream token", repository.TransactionModeReadWrite, func(tx repository.Transaction) error {
		return s.mutationQueue.SetLastStreamToken(tx, token)
	})
}

// GetHighestUnacknowledgedBatchID reports the largest pending batch id,
// BatchIDUnknown when none are pending.
func (s *LocalStore) GetHighestUnacknowledgedBatchID(ctx context.Context) (model.BatchID, error) {
	batchID := repository.BatchIDUnknown
	err := s.persistence.RunTransaction(ctx, "highest batch id", repository.TransactionModeReadOnly, func(tx repository.Transaction) error {
		var err error
		batchID, err = s.mutationQueue.HighestUnacknowledgedBatchID(tx)
		return err
	})
	return batchID, err
}

// LastRemoteSnapshotVersion reports the version of the last consistent
// snapshot applied from the watch stream.
func (s *LocalStore) LastRemoteSnapshotVersion(ctx context.Context) (model.SnapshotVersion, error) {
	version := model.SnapshotVersionMin
	err := s.persistence.RunTransaction(ctx, "last remote snapshot", repository.TransactionModeReadOnly, func(tx repository.Transaction) error {
		var err error
		version, err = s.targetCache.LastRemoteSnapshotVersion(tx)
		return err
	})
	return version, err
}

// ApplyRemoteEvent applies one consistent watch snapshot: target resume
// tokens, document contents and the global snapshot version, all in one
// transaction so a crash cannot split them.
func (s *LocalStore) ApplyRemoteEvent(ctx context.Context, remoteEvent *model.RemoteEvent) (model.MaybeDocumentMap, error) {
	var changes model.MaybeDocumentMap
	err := s.persistence.RunTransaction(ctx, "apply remote event", repository.TransactionModeReadWritePrimary, func(tx repository.Transaction) error {
		buffer := s.remoteDocs.NewChangeBuffer()

		for targetID, change := range remoteEvent.TargetChanges {
			oldTargetData, ok := s.targetDataByTarget[targetID]
			if !ok {
				continue
			}
			if err := s.targetCache.RemoveMatchingKeys(tx, change.RemovedDocuments, targetID); err != nil {
				return err
			}
			if err := s.targetCache.AddMatchingKeys(tx, change.AddedDocuments, targetID); err != nil {
				return err
			}

			newTargetData := oldTargetData.WithSequenceNumber(tx.CurrentSequenceNumber())
			if _, mismatched := remoteEvent.TargetMismatches[targetID]; mismatched {
				newTargetData = newTargetData.WithResumeToken(nil, model.SnapshotVersionMin)
			} else if len(change.ResumeToken) > 0 {
				newTargetData = newTargetData.WithResumeToken(change.ResumeToken, remoteEvent.SnapshotVersion)
			}
			s.targetDataByTarget[targetID] = newTargetData
			if shouldPersistTargetData(oldTargetData, newTargetData, change) {
				if err := s.targetCache.UpdateTargetData(tx, newTargetData); err != nil {
					return err
				}
			}
		}

		if err := s.populateDocumentChanges(tx, buffer, remoteEvent); err != nil {
			return err
		}

		// Advance the remote snapshot version unless this is a
		// resume-token-only heartbeat that would move it backwards.
		remoteVersion := remoteEvent.SnapshotVersion
		if !remoteVersion.IsZero() {
			lastVersion, err := s.targetCache.LastRemoteSnapshotVersion(tx)
			if err != nil {
				return err
			}
			if remoteVersion.Compare(lastVersion) >= 0 {
				if err := s.targetCache.SetTargetsMetadata(tx, tx.CurrentSequenceNumber(), remoteVersion); err != nil {
					return err
				}
			}
		}

		if err := buffer.Apply(tx); err != nil {
			return err
		}
		docs, err := s.localDocuments.GetLocalViewOfDocuments(tx, remoteEvent.DocumentUpdates)
		if err != nil {
			return err
		}
		changes = docs
		return nil
	})
	return changes, err
}

func (s *LocalStore) populateDocumentChanges(tx repository.Transaction, buffer repository.RemoteDocumentChangeBuffer, remoteEvent *model.RemoteEvent) error {
	for _, key := range remoteEvent.DocumentUpdates.Keys().SortedKeys() {
		doc := remoteEvent.DocumentUpdates[key.String()]
		existing, err := buffer.GetEntry(tx, key)
		if err != nil {
			return err
		}
		switch {
		case existing == nil:
			buffer.AddEntry(doc, remoteEvent.SnapshotVersion)
		case doc.Version().IsZero():
			// Limbo resolutions report deletes at version zero; trust
			// them over whatever the cache holds.
			buffer.AddEntry(doc, remoteEvent.SnapshotVersion)
		case doc.Version().Compare(existing.Version()) >= 0:
			buffer.AddEntry(doc, remoteEvent.SnapshotVersion)
		default:
			s.log.Debug("ignoring outdated watch update",
				zap.String("key", key.String()),
				zap.String("watchVersion", doc.Version().String()),
				zap.String("cachedVersion", existing.Version().String()))
		}
	}
	return nil
}

// shouldPersistTargetData limits resume token writes: unchanged targets
// are rewritten only when the token would otherwise grow too stale.
func shouldPersistTargetData(oldTargetData, newTargetData *model.TargetData, change *model.TargetChange) bool {
	if len(newTargetData.ResumeToken) == 0 {
		return false
	}
	if len(oldTargetData.ResumeToken) == 0 {
		return true
	}
	if newTargetData.SnapshotVersion.Timestamp().Seconds-oldTargetData.SnapshotVersion.Timestamp().Seconds >= resumeTokenMaxAgeSeconds {
		return true
	}
	return len(change.AddedDocuments) > 0 || len(change.ModifiedDocuments) > 0 || len(change.RemovedDocuments) > 0
}

// NotifyLocalViewChanges records view membership deltas and advances the
// limbo-free snapshot version of targets whose views caught up.
func (s *LocalStore) NotifyLocalViewChanges(ctx context.Context, viewChanges []LocalViewChanges) error {
	return s.persistence.RunTransaction(ctx, "notify local view changes", repository.TransactionModeReadWrite, func(tx repository.Transaction) error {
		delegate := s.persistence.ReferenceDelegate()
		for _, vc := range viewChanges {
			for _, key := range vc.AddedKeys.SortedKeys() {
				if err := delegate.AddReference(tx, vc.TargetID, key); err != nil {
					return err
				}
			}
			for _, key := range vc.RemovedKeys.SortedKeys() {
				if err := delegate.RemoveReference(tx, vc.TargetID, key); err != nil {
					return err
				}
			}
			if vc.FromCache {
				continue
			}
			targetData, ok := s.targetDataByTarget[vc.TargetID]
			if !ok {
				continue
			}
			lastVersion := targetData.SnapshotVersion
			updated := targetData.WithLastLimboFreeSnapshotVersion(lastVersion)
			s.targetDataByTarget[vc.TargetID] = updated
		}
		return nil
	})
}

// NextMutationBatch returns the first pending batch after afterBatchID,
// nil when the queue is drained.
func (s *LocalStore) NextMutationBatch(ctx context.Context, afterBatchID model.BatchID) (*model.MutationBatch, error) {
	var batch *model.MutationBatch
	err := s.persistence.RunTransaction(ctx, "next mutation batch", repository.TransactionModeReadOnly, func(tx repository.Transaction) error {
		var err error
		batch, err = s.mutationQueue.NextMutationBatchAfterBatchID(tx, afterBatchID)
		return err
	})
	return batch, err
}

// ReadDocument returns the local view of a single document.
func (s *LocalStore) ReadDocument(ctx context.Context, key model.DocumentKey) (model.MaybeDocument, error) {
	var doc model.MaybeDocument
	err := s.persistence.RunTransaction(ctx, "read document", repository.TransactionModeReadOnly, func(tx repository.Transaction) error {
		var err error
		doc, err = s.localDocuments.GetDocument(tx, key)
		return err
	})
	return doc, err
}

// AllocateTarget assigns a target id to the target, reusing the persisted
// allocation when the target was seen before.
// ReadDocumentsForBatch returns the local views of every document a
// pending batch touches. Empty when the batch is already gone.
func (s *LocalStore) ReadDocumentsForBatch(ctx context.Context, batchID model.BatchID) (model.MaybeDocumentMap, error) {
	docs := model.MaybeDocumentMap{}
	err := s.persistence.RunTransaction(ctx, "read batch documents", repository.TransactionModeReadOnly, func(tx repository.Transaction) error {
		batch, err := s.mutationQueue.LookupMutationBatch(tx, batchID)
		if err != nil || batch == nil {
			return err
		}
		docs, err = s.localDocuments.GetDocuments(tx, batch.Keys())
		return err
	})
	return docs, err
}

func (s *LocalStore) AllocateTarget(ctx context.Context, target *model.Target) (*model.TargetData, error) {
	var targetData *model.TargetData
	err := s.persistence.RunTransaction(ctx, "allocate target", repository.TransactionModeReadWrite, func(tx repository.Transaction) error {
		cached, err := s.targetCache.GetTargetData(tx, target)
		if err != nil {
			return err
		}
		if cached != nil {
			targetData = cached
			s.targetDataByTarget[cached.TargetID] = cached
			return nil
		}
		targetID, err := s.targetCache.AllocateTargetID(tx)
		if err != nil {
			return err
		}
		targetData = model.NewTargetData(target, targetID, tx.CurrentSequenceNumber(), model.TargetPurposeListen)
		if err := s.targetCache.AddTargetData(tx, targetData); err != nil {
			return err
		}
		s.targetDataByTarget[targetID] = targetData
		return nil
	})
	return targetData, err
}

// TargetDataForTarget returns the cached allocation for a target id, nil
// when the target is not allocated by this client.
func (s *LocalStore) TargetDataForTarget(targetID model.TargetID) *model.TargetData {
	return s.targetDataByTarget[targetID]
}

// ReleaseTarget drops the in-memory allocation. The persisted target data
// stays behind for the garbage collector unless keepPersistedTargetData
// is false and the caller runs in a context that may remove it.
func (s *LocalStore) ReleaseTarget(ctx context.Context, targetID model.TargetID, keepPersistedTargetData bool) error {
	targetData, ok := s.targetDataByTarget[targetID]
	if !ok {
		return errors.Newf(errors.CodeInternal, "released target %d not allocated", targetID)
	}
	mode := repository.TransactionModeReadWrite
	if !keepPersistedTargetData {
		mode = repository.TransactionModeReadWritePrimary
	}
	return s.persistence.RunTransaction(ctx, "release target", mode, func(tx repository.Transaction) error {
		if !keepPersistedTargetData {
			if err := s.persistence.ReferenceDelegate().RemoveTarget(tx, targetData); err != nil {
				return err
			}
		}
		delete(s.targetDataByTarget, targetID)
		return nil
	})
}

// ExecuteQuery runs a query against the local cache. With
// usePreviousResults the last synced result set seeds the scan.
func (s *LocalStore) ExecuteQuery(ctx context.Context, query *model.Query, usePreviousResults bool) (QueryResult, error) {
	var result QueryResult
	err := s.persistence.RunTransaction(ctx, "execute query", repository.TransactionModeReadOnly, func(tx repository.Transaction) error {
		lastLimboFreeVersion := model.SnapshotVersionMin
		remoteKeys := model.DocumentKeySet{}

		target := query.ToTarget()
		targetData, err := s.targetCache.GetTargetData(tx, target)
		if err != nil {
			return err
		}
		if targetData != nil {
			// NotifyLocalViewChanges advances the limbo-free version only
			// in memory; prefer that copy over the persisted one.
			if cached, ok := s.targetDataByTarget[targetData.TargetID]; ok {
				targetData = cached
			}
			lastLimboFreeVersion = targetData.LastLimboFreeSnapshotVersion
			remoteKeys, err = s.targetCache.MatchingKeysForTargetID(tx, targetData.TargetID)
			if err != nil {
				return err
			}
		}

		if !usePreviousResults {
			lastLimboFreeVersion = model.SnapshotVersionMin
		}
		docs, err := s.queryEngine.GetDocumentsMatchingQuery(tx, query, lastLimboFreeVersion, remoteKeys)
		if err != nil {
			return err
		}
		result = QueryResult{Documents: docs, RemoteKeys: remoteKeys}
		return nil
	})
	return result, err
}

// RemoteDocumentKeysForTarget returns the keys the backend reported for a
// target, used to seed views and detect limbo documents.
func (s *LocalStore) RemoteDocumentKeysForTarget(ctx context.Context, targetID model.TargetID) (model.DocumentKeySet, error) {
	keys := model.DocumentKeySet{}
	err := s.persistence.RunTransaction(ctx, "remote document keys", repository.TransactionModeReadOnly, func(tx repository.Transaction) error {
		var err error
		keys, err = s.targetCache.MatchingKeysForTargetID(tx, targetID)
		return err
	})
	return keys, err
}

// CollectGarbage runs one LRU pass over everything this store persisted.
func (s *LocalStore) CollectGarbage(ctx context.Context, gc *LruGarbageCollector) (LruResults, error) {
	var results LruResults
	err := s.persistence.RunTransaction(ctx, "collect garbage", repository.TransactionModeReadWritePrimary, func(tx repository.Transaction) error {
		var err error
		results, err = gc.Collect(tx, s.targetDataByTarget)
		return err
	})
	return results, err
}

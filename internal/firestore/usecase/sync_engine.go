package usecase

import (
	"context"

	"firestore-sync/internal/firestore/domain/model"
	"firestore-sync/internal/firestore/domain/repository"
	"firestore-sync/internal/shared/errors"
	"firestore-sync/internal/shared/logger"

	"go.uber.org/zap"
)

// DefaultMaxConcurrentLimboResolutions caps how many limbo documents are
// being resolved against the backend at once; the rest wait in a queue.
const DefaultMaxConcurrentLimboResolutions = 100

// TargetIDGenerator hands out the odd target ids reserved for limbo
// resolution targets. Even ids come from the target cache.
type TargetIDGenerator struct {
	next model.TargetID
}

func NewLimboTargetIDGenerator() *TargetIDGenerator {
	return &TargetIDGenerator{next: 1}
}

func (g *TargetIDGenerator) Next() model.TargetID {
	id := g.next
	g.next += 2
	return id
}

// SyncEngineListener receives the engine's outputs: new view snapshots
// and terminal per-query errors.
type SyncEngineListener interface {
	OnViewSnapshots(snapshots []model.ViewSnapshot)
	OnListenError(query *model.Query, err error)
	OnOnlineStateChange(onlineState model.OnlineState)
}

// queryView ties a live query to its allocated target and view.
type queryView struct {
	query    *model.Query
	targetID model.TargetID
	view     *View
}

// limboResolution tracks one limbo document fetch.
type limboResolution struct {
	key model.DocumentKey
	// receivedDocument flips once the limbo target delivered anything;
	// a current-without-document after that means deletion.
	receivedDocument bool
}

// SyncEngine is the middle of the client: it owns the views, routes
// local and remote changes through the LocalStore, resolves limbo
// documents, and fans out snapshots. It implements the remote store's
// syncer and the shared-state syncer; everything runs on the engine
// queue.
type SyncEngine struct {
	localStore  *LocalStore
	remoteStore *RemoteStore
	sharedState repository.SharedClientState
	listener    SyncEngineListener
	currentUser repository.User
	log         logger.Logger

	queryViewsByQuery map[string]*queryView
	queriesByTarget   map[model.TargetID]*queryView

	limboTargetsByKey        map[string]model.TargetID
	limboResolutionsByTarget map[model.TargetID]*limboResolution
	limboDocumentRefs        *ReferenceSet
	limboListenQueue         []model.DocumentKey
	limboTargetIDs           *TargetIDGenerator

	mutationCallbacks      map[model.BatchID]func(err error)
	pendingWritesCallbacks map[model.BatchID][]func(err error)

	maxLimboResolutions int
	onlineState         model.OnlineState
	isPrimary           bool
}

func NewSyncEngine(localStore *LocalStore, remoteStore *RemoteStore, sharedState repository.SharedClientState, currentUser repository.User, log logger.Logger) *SyncEngine {
	e := &SyncEngine{
		localStore:               localStore,
		remoteStore:              remoteStore,
		sharedState:              sharedState,
		currentUser:              currentUser,
		log:                      log.WithComponent("sync_engine"),
		queryViewsByQuery:        map[string]*queryView{},
		queriesByTarget:          map[model.TargetID]*queryView{},
		limboTargetsByKey:        map[string]model.TargetID{},
		limboResolutionsByTarget: map[model.TargetID]*limboResolution{},
		limboDocumentRefs:        NewReferenceSet(),
		limboTargetIDs:           NewLimboTargetIDGenerator(),
		mutationCallbacks:        map[model.BatchID]func(error){},
		pendingWritesCallbacks:   map[model.BatchID][]func(error){},
		maxLimboResolutions:      DefaultMaxConcurrentLimboResolutions,
		isPrimary:                true,
	}
	remoteStore.SetSyncer(e)
	sharedState.SetSyncer(e)
	return e
}

// SetListener wires the event manager in. Must happen before Listen.
func (e *SyncEngine) SetListener(listener SyncEngineListener) { e.listener = listener }

// SetMaxConcurrentLimboResolutions overrides the limbo concurrency cap.
func (e *SyncEngine) SetMaxConcurrentLimboResolutions(n int) {
	if n > 0 {
		e.maxLimboResolutions = n
	}
}

// IsPrimary reports whether this client holds the primary lease.
func (e *SyncEngine) IsPrimary() bool { return e.isPrimary }

// Listen starts a query: allocates its target, builds its view from the
// local cache and registers it with the backend.
func (e *SyncEngine) Listen(ctx context.Context, query *model.Query) (model.ViewSnapshot, model.TargetID, error) {
	if qv, ok := e.queryViewsByQuery[query.CanonicalID()]; ok {
		// Another identical query is already live; serve its snapshot.
		snapshot, err := e.currentSnapshot(qv)
		return snapshot, qv.targetID, err
	}

	targetData, err := e.localStore.AllocateTarget(ctx, query.ToTarget())
	if err != nil {
		return model.ViewSnapshot{}, 0, err
	}
	targetState := e.sharedState.AddLocalQueryTarget(targetData.TargetID)
	current := targetState == repository.QueryTargetStateCurrent

	snapshot, err := e.initializeViewAndComputeSnapshot(ctx, query, targetData.TargetID, current)
	if err != nil {
		return model.ViewSnapshot{}, 0, err
	}
	if e.isPrimary {
		e.remoteStore.Listen(ctx, targetData)
	}
	return snapshot, targetData.TargetID, nil
}

func (e *SyncEngine) initializeViewAndComputeSnapshot(ctx context.Context, query *model.Query, targetID model.TargetID, current bool) (model.ViewSnapshot, error) {
	queryResult, err := e.localStore.ExecuteQuery(ctx, query, true)
	if err != nil {
		return model.ViewSnapshot{}, err
	}
	view := NewView(query, queryResult.RemoteKeys)
	docs := model.MaybeDocumentMap{}
	for _, doc := range queryResult.Documents {
		docs.Put(doc)
	}
	viewDocChanges := view.ComputeDocChanges(docs, nil)
	var targetChange *model.TargetChange
	if current {
		targetChange = model.NewSynthesizedTargetChange(true)
	}
	viewChange := view.ApplyChanges(viewDocChanges, e.isPrimary, targetChange)
	e.updateTrackedLimbos(ctx, viewChange.LimboChanges, targetID)

	qv := &queryView{query: query, targetID: targetID, view: view}
	e.queryViewsByQuery[query.CanonicalID()] = qv
	e.queriesByTarget[targetID] = qv

	if viewChange.Snapshot == nil {
		return model.ViewSnapshot{}, errors.New(errors.CodeInternal, "view did not produce an initial snapshot")
	}
	return *viewChange.Snapshot, nil
}

func (e *SyncEngine) currentSnapshot(qv *queryView) (model.ViewSnapshot, error) {
	docs := qv.view.documentSet
	return model.NewViewSnapshotFromInitialDocuments(qv.query, docs, qv.view.mutatedKeys.Copy(), qv.view.syncState != model.SyncStateSynced), nil
}

// Unlisten stops a query: releases its target and, on the primary, stops
// streaming it.
func (e *SyncEngine) Unlisten(ctx context.Context, query *model.Query) error {
	qv, ok := e.queryViewsByQuery[query.CanonicalID()]
	if !ok {
		return nil
	}
	delete(e.queryViewsByQuery, query.CanonicalID())
	delete(e.queriesByTarget, qv.targetID)
	e.sharedState.RemoveLocalQueryTarget(qv.targetID)
	e.removeLimboTargetsForTarget(qv.targetID)

	if err := e.localStore.ReleaseTarget(ctx, qv.targetID, !e.isPrimary); err != nil {
		return err
	}
	if e.isPrimary {
		e.remoteStore.Unlisten(qv.targetID)
	}
	return nil
}

// Write persists mutations locally, surfaces the new local views and
// queues the batch for the backend. completion fires when the backend
// acknowledges or rejects the batch.
func (e *SyncEngine) Write(ctx context.Context, mutations []model.Mutation, completion func(err error)) error {
	result, err := e.localStore.LocalWrite(ctx, mutations)
	if err != nil {
		if completion != nil {
			completion(err)
		}
		return err
	}
	if completion != nil {
		e.mutationCallbacks[result.BatchID] = completion
	}
	e.sharedState.AddPendingMutation(result.BatchID)
	if err := e.emitNewSnapshotsAndNotifyLocalStore(ctx, result.Changes, nil); err != nil {
		return err
	}
	return e.remoteStore.FillWritePipeline(ctx)
}

// WaitForPendingWrites invokes completion once every batch pending at
// call time has been acknowledged or rejected.
func (e *SyncEngine) WaitForPendingWrites(ctx context.Context, completion func(err error)) {
	highestBatchID, err := e.localStore.GetHighestUnacknowledgedBatchID(ctx)
	if err != nil {
		completion(err)
		return
	}
	if highestBatchID == repository.BatchIDUnknown {
		completion(nil)
		return
	}
	e.pendingWritesCallbacks[highestBatchID] = append(e.pendingWritesCallbacks[highestBatchID], completion)
}

func (e *SyncEngine) triggerPendingWritesCallbacks(batchID model.BatchID) {
	for _, callback := range e.pendingWritesCallbacks[batchID] {
		callback(nil)
	}
	delete(e.pendingWritesCallbacks, batchID)
}

func (e *SyncEngine) failOutstandingPendingWritesAwaitingUserChange() {
	for batchID, callbacks := range e.pendingWritesCallbacks {
		for _, callback := range callbacks {
			callback(errors.New(errors.CodeCancelled, "pending writes callback cancelled due to user change"))
		}
		delete(e.pendingWritesCallbacks, batchID)
	}
}

// ApplyRemoteEvent implements RemoteSyncer.
func (e *SyncEngine) ApplyRemoteEvent(ctx context.Context, remoteEvent *model.RemoteEvent) error {
	// Note which limbo targets produced data before the store mutates
	// anything; an empty current target afterwards means deletion.
	for targetID, targetChange := range remoteEvent.TargetChanges {
		resolution, ok := e.limboResolutionsByTarget[targetID]
		if !ok {
			continue
		}
		if len(targetChange.AddedDocuments)+len(targetChange.ModifiedDocuments)+len(targetChange.RemovedDocuments) > 0 {
			resolution.receivedDocument = true
		} else if resolution.receivedDocument && targetChange.Current {
			// Current without the document: it was deleted remotely.
			key := resolution.key
			remoteEvent.DocumentUpdates.Put(model.NewNoDocument(key, remoteEvent.SnapshotVersion, false))
			resolution.receivedDocument = false
		}
	}

	changes, err := e.localStore.ApplyRemoteEvent(ctx, remoteEvent)
	if err != nil {
		return err
	}
	return e.emitNewSnapshotsAndNotifyLocalStore(ctx, changes, remoteEvent)
}

// RejectListen implements RemoteSyncer. Limbo targets synthesize a
// deletion; query targets surface the error and die.
func (e *SyncEngine) RejectListen(ctx context.Context, targetID model.TargetID, rejectionError error) error {
	e.sharedState.UpdateQueryState(targetID, repository.QueryTargetStateRejected, rejectionError)

	if resolution, ok := e.limboResolutionsByTarget[targetID]; ok {
		key := resolution.key
		delete(e.limboResolutionsByTarget, targetID)
		delete(e.limboTargetsByKey, key.String())
		e.pumpLimboResolutionQueue(ctx)

		// Pretend the backend confirmed the document gone. If it still
		// exists the next snapshot for a listening target revives it.
		event := model.NewSynthesizedRemoteEventForCurrentChange(targetID, false, model.SnapshotVersionMin)
		event.DocumentUpdates.Put(model.NewNoDocument(key, model.SnapshotVersionMin, false))
		event.ResolvedLimboDocuments.Add(key)
		changes, err := e.localStore.ApplyRemoteEvent(ctx, event)
		if err != nil {
			return err
		}
		return e.emitNewSnapshotsAndNotifyLocalStore(ctx, changes, event)
	}

	qv, ok := e.queriesByTarget[targetID]
	if !ok {
		return nil
	}
	delete(e.queryViewsByQuery, qv.query.CanonicalID())
	delete(e.queriesByTarget, targetID)
	e.removeLimboTargetsForTarget(targetID)
	if err := e.localStore.ReleaseTarget(ctx, targetID, false); err != nil {
		return err
	}
	e.listener.OnListenError(qv.query, rejectionError)
	return nil
}

// ApplySuccessfulWrite implements RemoteSyncer.
func (e *SyncEngine) ApplySuccessfulWrite(ctx context.Context, result *model.MutationBatchResult) error {
	batchID := result.Batch.ID
	changes, err := e.localStore.AcknowledgeBatch(ctx, result)
	if err != nil {
		return err
	}
	e.processUserCallback(batchID, nil)
	e.triggerPendingWritesCallbacks(batchID)
	e.sharedState.UpdateMutationState(batchID, repository.MutationBatchStateAcknowledged, nil)
	return e.emitNewSnapshotsAndNotifyLocalStore(ctx, changes, nil)
}

// RejectFailedWrite implements RemoteSyncer.
func (e *SyncEngine) RejectFailedWrite(ctx context.Context, batchID model.BatchID, rejectionError error) error {
	changes, err := e.localStore.RejectBatch(ctx, batchID)
	if err != nil {
		return err
	}
	e.processUserCallback(batchID, rejectionError)
	e.triggerPendingWritesCallbacks(batchID)
	e.sharedState.UpdateMutationState(batchID, repository.MutationBatchStateRejected, rejectionError)
	return e.emitNewSnapshotsAndNotifyLocalStore(ctx, changes, nil)
}

func (e *SyncEngine) processUserCallback(batchID model.BatchID, err error) {
	if callback, ok := e.mutationCallbacks[batchID]; ok {
		delete(e.mutationCallbacks, batchID)
		callback(err)
	}
}

// GetRemoteKeysForTarget implements RemoteSyncer and the aggregator's
// metadata provider.
func (e *SyncEngine) GetRemoteKeysForTarget(targetID model.TargetID) model.DocumentKeySet {
	if resolution, ok := e.limboResolutionsByTarget[targetID]; ok {
		if resolution.receivedDocument {
			return model.NewDocumentKeySet(resolution.key)
		}
		return model.DocumentKeySet{}
	}
	if qv, ok := e.queriesByTarget[targetID]; ok {
		return qv.view.SyncedDocuments()
	}
	return model.DocumentKeySet{}
}

// ApplyOnlineStateChange updates every view and listener with the new
// connectivity verdict.
func (e *SyncEngine) ApplyOnlineStateChange(onlineState model.OnlineState) {
	e.onlineState = onlineState
	var snapshots []model.ViewSnapshot
	for _, qv := range e.queryViewsByQuery {
		viewChange := qv.view.ApplyOnlineStateChange(onlineState)
		if viewChange.Snapshot != nil {
			snapshots = append(snapshots, *viewChange.Snapshot)
		}
	}
	e.listener.OnOnlineStateChange(onlineState)
	if len(snapshots) > 0 {
		e.listener.OnViewSnapshots(snapshots)
	}
	e.sharedState.SetOnlineState(onlineState)
}

// emitNewSnapshotsAndNotifyLocalStore recomputes every view against the
// changed documents, refilling limit queries from cache where needed,
// then pushes the membership deltas back into persistence and the
// snapshots out to listeners.
func (e *SyncEngine) emitNewSnapshotsAndNotifyLocalStore(ctx context.Context, changes model.MaybeDocumentMap, remoteEvent *model.RemoteEvent) error {
	var snapshots []model.ViewSnapshot
	var docChangesInAllViews []LocalViewChanges

	for _, qv := range e.queryViewsByQuery {
		view := qv.view
		viewDocChanges := view.ComputeDocChanges(changes, nil)
		if viewDocChanges.NeedsRefill {
			queryResult, err := e.localStore.ExecuteQuery(ctx, qv.query, false)
			if err != nil {
				return err
			}
			refillDocs := model.MaybeDocumentMap{}
			for _, doc := range queryResult.Documents {
				refillDocs.Put(doc)
			}
			previous := viewDocChanges
			viewDocChanges = view.ComputeDocChanges(refillDocs, &previous)
		}

		var targetChange *model.TargetChange
		if remoteEvent != nil {
			targetChange = remoteEvent.TargetChanges[qv.targetID]
		}
		viewChange := view.ApplyChanges(viewDocChanges, e.isPrimary, targetChange)
		e.updateTrackedLimbos(ctx, viewChange.LimboChanges, qv.targetID)
		if viewChange.Snapshot != nil {
			snapshots = append(snapshots, *viewChange.Snapshot)
			docChangesInAllViews = append(docChangesInAllViews, NewLocalViewChangesFromSnapshot(qv.targetID, *viewChange.Snapshot))
			state := repository.QueryTargetStateNotCurrent
			if !viewChange.Snapshot.FromCache {
				state = repository.QueryTargetStateCurrent
			}
			e.sharedState.UpdateQueryState(qv.targetID, state, nil)
		}
	}

	if len(snapshots) > 0 {
		e.listener.OnViewSnapshots(snapshots)
	}
	if len(docChangesInAllViews) > 0 {
		if err := e.localStore.NotifyLocalViewChanges(ctx, docChangesInAllViews); err != nil {
			return err
		}
	}
	return nil
}

// limbo resolution

func (e *SyncEngine) updateTrackedLimbos(ctx context.Context, limboChanges []LimboDocumentChange, targetID model.TargetID) {
	for _, change := range limboChanges {
		if change.Added {
			e.limboDocumentRefs.AddReference(change.Key, targetID)
			e.trackLimboChange(change.Key)
		} else {
			e.limboDocumentRefs.RemoveReference(change.Key, targetID)
			if !e.limboDocumentRefs.ContainsKey(change.Key) {
				e.removeLimboTarget(change.Key)
			}
		}
	}
	e.pumpLimboResolutionQueue(ctx)
}

func (e *SyncEngine) trackLimboChange(key model.DocumentKey) {
	if _, tracked := e.limboTargetsByKey[key.String()]; tracked {
		return
	}
	for _, queued := range e.limboListenQueue {
		if queued.Equal(key) {
			return
		}
	}
	e.log.Debug("new limbo document", zap.String("key", key.String()))
	e.limboListenQueue = append(e.limboListenQueue, key)
}

// pumpLimboResolutionQueue starts queued resolutions up to the
// concurrency cap.
func (e *SyncEngine) pumpLimboResolutionQueue(ctx context.Context) {
	for len(e.limboListenQueue) > 0 && len(e.limboTargetsByKey) < e.maxLimboResolutions {
		key := e.limboListenQueue[0]
		e.limboListenQueue = e.limboListenQueue[1:]
		if _, tracked := e.limboTargetsByKey[key.String()]; tracked {
			continue
		}
		targetID := e.limboTargetIDs.Next()
		e.limboResolutionsByTarget[targetID] = &limboResolution{key: key}
		e.limboTargetsByKey[key.String()] = targetID
		e.remoteStore.Listen(ctx, model.NewTargetData(
			model.NewDocumentTarget(key), targetID, 0, model.TargetPurposeLimboResolution))
	}
}

func (e *SyncEngine) removeLimboTarget(key model.DocumentKey) {
	for i, queued := range e.limboListenQueue {
		if queued.Equal(key) {
			e.limboListenQueue = append(e.limboListenQueue[:i], e.limboListenQueue[i+1:]...)
			break
		}
	}
	targetID, ok := e.limboTargetsByKey[key.String()]
	if !ok {
		return
	}
	e.remoteStore.Unlisten(targetID)
	delete(e.limboTargetsByKey, key.String())
	delete(e.limboResolutionsByTarget, targetID)
	e.pumpLimboResolutionQueue(context.Background())
}

func (e *SyncEngine) removeLimboTargetsForTarget(targetID model.TargetID) {
	for _, key := range e.limboDocumentRefs.RemoveReferencesForID(targetID).SortedKeys() {
		if !e.limboDocumentRefs.ContainsKey(key) {
			e.removeLimboTarget(key)
		}
	}
}

// CurrentLimboDocuments exposes the active limbo resolutions. Test hook.
func (e *SyncEngine) CurrentLimboDocuments() map[string]model.TargetID {
	out := make(map[string]model.TargetID, len(e.limboTargetsByKey))
	for key, targetID := range e.limboTargetsByKey {
		out[key] = targetID
	}
	return out
}

// EnqueuedLimboDocuments exposes the waiting limbo queue. Test hook.
func (e *SyncEngine) EnqueuedLimboDocuments() []model.DocumentKey {
	return append([]model.DocumentKey(nil), e.limboListenQueue...)
}

// HandleCredentialChange rewires the engine for a new user: pending
// batches swap, callbacks for the old user fail, and the streams restart
// with fresh credentials.
func (e *SyncEngine) HandleCredentialChange(ctx context.Context, user repository.User) error {
	if e.currentUser.Equal(user) {
		return nil
	}
	e.log.Debug("user changed", zap.String("uid", user.UID))
	userChanged := e.currentUser
	e.currentUser = user

	e.failOutstandingPendingWritesAwaitingUserChange()
	result, err := e.localStore.HandleUserChange(ctx, user)
	if err != nil {
		return err
	}
	e.sharedState.HandleUserChange(user, result.RemovedBatchIDs, result.AddedBatchIDs)
	// Callbacks keyed by the old user's batches will never fire.
	for _, batchID := range result.RemovedBatchIDs {
		e.processUserCallback(batchID, errors.Newf(errors.CodeCancelled, "user changed from %q", userChanged.UID))
	}
	if err := e.emitNewSnapshotsAndNotifyLocalStore(ctx, result.AffectedDocuments, nil); err != nil {
		return err
	}
	return e.remoteStore.HandleCredentialChange(ctx)
}

// shared client state syncer

// ApplyBatchState implements SharedStateSyncer: another client moved one
// of our mirrored batches.
func (e *SyncEngine) ApplyBatchState(ctx context.Context, batchID model.BatchID, state repository.MutationBatchState, batchError error) error {
	switch state {
	case repository.MutationBatchStatePending:
		return e.remoteStore.FillWritePipeline(ctx)
	case repository.MutationBatchStateAcknowledged, repository.MutationBatchStateRejected:
		e.processUserCallback(batchID, batchError)
		// The primary already updated persistence; refresh our views.
		doc, err := e.localStore.ReadDocumentsForBatch(ctx, batchID)
		if err != nil {
			return err
		}
		return e.emitNewSnapshotsAndNotifyLocalStore(ctx, doc, nil)
	}
	return nil
}

// ApplyTargetState implements SharedStateSyncer for secondary clients.
func (e *SyncEngine) ApplyTargetState(ctx context.Context, targetID model.TargetID, state repository.QueryTargetState, targetError error) error {
	if e.isPrimary {
		// The primary learns target state from the watch stream.
		return nil
	}
	qv, ok := e.queriesByTarget[targetID]
	if !ok {
		return nil
	}
	switch state {
	case repository.QueryTargetStateCurrent, repository.QueryTargetStateNotCurrent:
		// Documents arrive through batch-state notifications; here we
		// only flip the view's sync state.
		event := model.NewSynthesizedRemoteEventForCurrentChange(targetID, state == repository.QueryTargetStateCurrent, model.SnapshotVersionMin)
		if err := e.emitNewSnapshotsAndNotifyLocalStore(ctx, model.MaybeDocumentMap{}, event); err != nil {
			return err
		}
	case repository.QueryTargetStateRejected:
		delete(e.queryViewsByQuery, qv.query.CanonicalID())
		delete(e.queriesByTarget, targetID)
		if err := e.localStore.ReleaseTarget(ctx, targetID, true); err != nil {
			return err
		}
		e.listener.OnListenError(qv.query, targetError)
	}
	return nil
}

// ApplyActiveTargetsChange implements SharedStateSyncer: the primary
// starts and stops streaming targets other clients listen to.
func (e *SyncEngine) ApplyActiveTargetsChange(ctx context.Context, added, removed []model.TargetID) error {
	if !e.isPrimary {
		return nil
	}
	for _, targetID := range added {
		if _, ok := e.queriesByTarget[targetID]; ok {
			continue
		}
		targetData := e.localStore.TargetDataForTarget(targetID)
		if targetData == nil {
			continue
		}
		e.remoteStore.Listen(ctx, targetData)
	}
	for _, targetID := range removed {
		if _, ok := e.queriesByTarget[targetID]; ok {
			// A local listener still needs the target.
			continue
		}
		e.remoteStore.Unlisten(targetID)
		if err := e.localStore.ReleaseTarget(ctx, targetID, false); err != nil {
			return err
		}
	}
	return nil
}

// HandlePrimaryStateChange reacts to gaining or losing the primary
// lease: the new primary starts streaming every locally active target,
// a demoted client stops.
func (e *SyncEngine) HandlePrimaryStateChange(ctx context.Context, isPrimary bool) error {
	if isPrimary == e.isPrimary {
		return nil
	}
	e.isPrimary = isPrimary
	if isPrimary {
		e.log.Info("this client is now primary")
		if err := e.remoteStore.EnableNetwork(ctx, NetworkReasonSecondaryClient); err != nil {
			return err
		}
		for _, qv := range e.queriesByTarget {
			targetData := e.localStore.TargetDataForTarget(qv.targetID)
			if targetData == nil {
				continue
			}
			e.remoteStore.Listen(ctx, targetData)
		}
		return nil
	}
	e.log.Info("this client is now secondary")
	for targetID := range e.queriesByTarget {
		e.remoteStore.Unlisten(targetID)
	}
	e.remoteStore.DisableNetwork(NetworkReasonSecondaryClient)
	return nil
}

package usecase

import (
	"context"
	"time"

	"firestore-sync/internal/firestore/domain/model"
	"firestore-sync/internal/firestore/domain/repository"
	"firestore-sync/internal/shared/async"
	"firestore-sync/internal/shared/errors"
	"firestore-sync/internal/shared/logger"

	"go.uber.org/zap"
)

// writePipelineMaxSize bounds how many batches ride the write stream
// unacknowledged at a time.
const writePipelineMaxSize = 10

// storageRecoveryInterval is how often a storage-failure-disabled network
// probes persistence for recovery.
const storageRecoveryInterval = time.Second

// NetworkDisabledReason names one independent cause for keeping the
// network down. The network is up exactly when no reason is present.
type NetworkDisabledReason string

const (
	NetworkReasonUserDisabled     NetworkDisabledReason = "user_disabled"
	NetworkReasonStorageFailure   NetworkDisabledReason = "storage_failure"
	NetworkReasonSecondaryClient  NetworkDisabledReason = "secondary_client"
	NetworkReasonConnectivity     NetworkDisabledReason = "connectivity"
	NetworkReasonCredentialChange NetworkDisabledReason = "credential_change"
	NetworkReasonShutdown         NetworkDisabledReason = "shutdown"
)

// RemoteSyncer is the engine-side consumer of remote events and write
// acknowledgements. All calls happen on the engine queue.
type RemoteSyncer interface {
	ApplyRemoteEvent(ctx context.Context, remoteEvent *model.RemoteEvent) error
	// RejectListen handles a target the backend refused; the engine
	// surfaces the error to the target's listeners.
	RejectListen(ctx context.Context, targetID model.TargetID, err error) error
	ApplySuccessfulWrite(ctx context.Context, result *model.MutationBatchResult) error
	RejectFailedWrite(ctx context.Context, batchID model.BatchID, err error) error
	GetRemoteKeysForTarget(targetID model.TargetID) model.DocumentKeySet
}

// RemoteStore owns the connection to the backend: the watch stream, the
// write stream and the pipeline of unacknowledged batches. It runs
// entirely on the engine queue except where noted.
type RemoteStore struct {
	localStore *LocalStore
	datastore  repository.Datastore
	syncer     RemoteSyncer
	queue      *async.Queue
	log        logger.Logger

	watchStream   *WatchStream
	writeStream   *WriteStream
	onlineState   *OnlineStateTracker
	aggregator    *WatchChangeAggregator
	listenTargets map[model.TargetID]*model.TargetData

	// writePipeline holds batches sent (or about to be sent) on the
	// write stream, oldest first. Responses arrive in the same order.
	writePipeline []*model.MutationBatch

	disabledReasons map[NetworkDisabledReason]struct{}
	recoveryProbe   *async.DelayedOperation

	ctx context.Context
}

func NewRemoteStore(localStore *LocalStore, datastore repository.Datastore, queue *async.Queue, onOnlineStateChange func(model.OnlineState), log logger.Logger) *RemoteStore {
	r := &RemoteStore{
		localStore:    localStore,
		datastore:     datastore,
		queue:         queue,
		log:           log.WithComponent("remote_store"),
		listenTargets: map[model.TargetID]*model.TargetData{},

		// The network stays down until Start lifts the initial reason.
		disabledReasons: map[NetworkDisabledReason]struct{}{NetworkReasonUserDisabled: {}},
	}
	r.onlineState = NewOnlineStateTracker(onOnlineStateChange, log)
	r.watchStream = NewWatchStream(datastore, queue, (*watchListener)(r), log)
	r.writeStream = NewWriteStream(datastore, queue, (*writeListener)(r), log)
	return r
}

// SetSyncer wires the engine in. Must happen before Start.
func (r *RemoteStore) SetSyncer(syncer RemoteSyncer) { r.syncer = syncer }

// Start brings the network up.
func (r *RemoteStore) Start(ctx context.Context) error {
	r.ctx = ctx
	return r.EnableNetwork(ctx, NetworkReasonUserDisabled)
}

// Shutdown tears both streams down for good.
func (r *RemoteStore) Shutdown() {
	r.log.Debug("shutting down remote store")
	r.disableNetworkInternal()
	r.disabledReasons[NetworkReasonShutdown] = struct{}{}
	r.onlineState.UpdateState(model.OnlineStateUnknown)
}

func (r *RemoteStore) networkAllowed() bool { return len(r.disabledReasons) == 0 }

// EnableNetwork removes one disable reason; streams start once no reason
// remains.
func (r *RemoteStore) EnableNetwork(ctx context.Context, reason NetworkDisabledReason) error {
	delete(r.disabledReasons, reason)
	if !r.networkAllowed() {
		r.log.Debug("network still disabled", zap.Int("remainingReasons", len(r.disabledReasons)))
		return nil
	}
	if r.shouldStartWatchStream() {
		r.startWatchStream(ctx)
	} else {
		r.onlineState.UpdateState(model.OnlineStateUnknown)
	}
	return r.FillWritePipeline(ctx)
}

// DisableNetwork records one disable reason and, if this is the first,
// tears the streams down. Pending batches stay in the pipeline and are
// re-sent on the next connect.
func (r *RemoteStore) DisableNetwork(reason NetworkDisabledReason) {
	first := r.networkAllowed()
	r.disabledReasons[reason] = struct{}{}
	if first {
		r.disableNetworkInternal()
		r.onlineState.UpdateState(model.OnlineStateOffline)
	}
}

func (r *RemoteStore) disableNetworkInternal() {
	r.watchStream.Stop()
	r.writeStream.Stop()
	if len(r.writePipeline) > 0 {
		r.log.Debug("stopping write stream with pending writes", zap.Int("pending", len(r.writePipeline)))
	}
	r.cleanUpWatchStreamState()
}

// Listen starts streaming a target.
func (r *RemoteStore) Listen(ctx context.Context, targetData *model.TargetData) {
	if _, ok := r.listenTargets[targetData.TargetID]; ok {
		return
	}
	r.listenTargets[targetData.TargetID] = targetData
	if r.shouldStartWatchStream() {
		r.startWatchStream(ctx)
	} else if r.watchStream.IsOpen() {
		r.sendWatchRequest(targetData)
	}
}

// Unlisten stops streaming a target.
func (r *RemoteStore) Unlisten(targetID model.TargetID) {
	if _, ok := r.listenTargets[targetID]; !ok {
		return
	}
	delete(r.listenTargets, targetID)
	if r.watchStream.IsOpen() {
		r.sendUnwatchRequest(targetID)
	}
	if len(r.listenTargets) == 0 {
		if r.watchStream.IsOpen() {
			r.watchStream.MarkIdle()
		} else if r.networkAllowed() {
			// No targets left; surfacing unknown avoids a misleading
			// offline state while nothing is listening.
			r.onlineState.UpdateState(model.OnlineStateUnknown)
		}
	}
}

func (r *RemoteStore) sendWatchRequest(targetData *model.TargetData) {
	r.aggregator.RecordPendingTargetRequest(targetData.TargetID)
	if err := r.watchStream.WatchTarget(targetData); err != nil {
		r.log.Warn("failed to send watch request", zap.Error(err))
	}
}

func (r *RemoteStore) sendUnwatchRequest(targetID model.TargetID) {
	r.aggregator.RecordPendingTargetRequest(targetID)
	if err := r.watchStream.UnwatchTarget(targetID); err != nil {
		r.log.Warn("failed to send unwatch request", zap.Error(err))
	}
}

func (r *RemoteStore) shouldStartWatchStream() bool {
	return r.networkAllowed() && !r.watchStream.IsStarted() && len(r.listenTargets) > 0
}

func (r *RemoteStore) startWatchStream(ctx context.Context) {
	r.aggregator = NewWatchChangeAggregator(r)
	r.onlineState.HandleWatchStreamStart()
	r.watchStream.Start(ctx)
}

func (r *RemoteStore) cleanUpWatchStreamState() {
	r.aggregator = nil
}

// GetRemoteKeysForTarget implements TargetMetadataProvider.
func (r *RemoteStore) GetRemoteKeysForTarget(targetID model.TargetID) model.DocumentKeySet {
	return r.syncer.GetRemoteKeysForTarget(targetID)
}

// GetTargetDataForTarget implements TargetMetadataProvider.
func (r *RemoteStore) GetTargetDataForTarget(targetID model.TargetID) *model.TargetData {
	return r.listenTargets[targetID]
}

// CanAddToWritePipeline reports whether the pipeline has room.
func (r *RemoteStore) CanAddToWritePipeline() bool {
	return r.networkAllowed() && len(r.writePipeline) < writePipelineMaxSize
}

// FillWritePipeline pulls batches from the mutation queue until the
// pipeline is full or the queue is drained.
func (r *RemoteStore) FillWritePipeline(ctx context.Context) error {
	lastBatchID := repository.BatchIDUnknown
	if n := len(r.writePipeline); n > 0 {
		lastBatchID = r.writePipeline[n-1].ID
	}
	for r.CanAddToWritePipeline() {
		batch, err := r.localStore.NextMutationBatch(ctx, lastBatchID)
		if err != nil {
			r.disableNetworkUntilRecovery(ctx, err)
			return err
		}
		if batch == nil {
			if len(r.writePipeline) == 0 {
				r.writeStream.MarkIdle()
			}
			break
		}
		r.addToWritePipeline(batch)
		lastBatchID = batch.ID
	}
	if r.shouldStartWriteStream() {
		r.startWriteStream(ctx)
	}
	return nil
}

func (r *RemoteStore) addToWritePipeline(batch *model.MutationBatch) {
	r.writePipeline = append(r.writePipeline, batch)
	if r.writeStream.IsOpen() && r.writeStream.HandshakeComplete() {
		if err := r.writeStream.WriteMutations(batch.Mutations); err != nil {
			r.log.Warn("failed to send mutations", zap.Error(err))
		}
	}
}

func (r *RemoteStore) shouldStartWriteStream() bool {
	return r.networkAllowed() && !r.writeStream.IsStarted() && len(r.writePipeline) > 0
}

func (r *RemoteStore) startWriteStream(ctx context.Context) {
	token, err := r.localStore.LastStreamToken(ctx)
	if err != nil {
		r.disableNetworkUntilRecovery(ctx, err)
		return
	}
	r.writeStream.SetLastStreamToken(token)
	r.writeStream.Start(ctx)
}

// disableNetworkUntilRecovery parks the network after a persistence
// failure and probes until the storage layer answers again.
func (r *RemoteStore) disableNetworkUntilRecovery(ctx context.Context, err error) {
	if !errors.IsStorageUnavailable(err) {
		return
	}
	if _, ok := r.disabledReasons[NetworkReasonStorageFailure]; ok {
		return
	}
	r.log.Warn("storage unavailable, disabling network until recovery", zap.Error(err))
	r.DisableNetwork(NetworkReasonStorageFailure)
	r.scheduleRecoveryProbe(ctx)
}

func (r *RemoteStore) scheduleRecoveryProbe(ctx context.Context) {
	r.recoveryProbe = r.queue.EnqueueAfterDelay(async.TimerStorageRecovery, storageRecoveryInterval, func() {
		if _, err := r.localStore.GetHighestUnacknowledgedBatchID(ctx); err != nil {
			r.scheduleRecoveryProbe(ctx)
			return
		}
		r.log.Info("storage recovered, re-enabling network")
		if err := r.EnableNetwork(ctx, NetworkReasonStorageFailure); err != nil {
			r.log.Warn("failed to re-enable network after recovery", zap.Error(err))
		}
	})
}

// HandleCredentialChange restarts the streams so they pick up the new
// token, after the engine rewired its user state.
func (r *RemoteStore) HandleCredentialChange(ctx context.Context) error {
	if !r.networkAllowed() {
		return nil
	}
	r.onlineState.UpdateState(model.OnlineStateUnknown)
	r.DisableNetwork(NetworkReasonCredentialChange)
	return r.EnableNetwork(ctx, NetworkReasonCredentialChange)
}

// OutstandingWrites reports how many batches await acknowledgement.
func (r *RemoteStore) OutstandingWrites() int { return len(r.writePipeline) }

// watch stream callbacks

type watchListener RemoteStore

func (l *watchListener) OnWatchStreamOpen() {
	r := (*RemoteStore)(l)
	for _, targetData := range r.listenTargets {
		r.sendWatchRequest(targetData)
	}
}

func (l *watchListener) OnWatchStreamChange(change model.WatchChange, snapshotVersion model.SnapshotVersion) {
	r := (*RemoteStore)(l)
	if r.aggregator == nil {
		return
	}
	r.onlineState.UpdateState(model.OnlineStateOnline)

	if targetChange, ok := change.(*model.WatchTargetChange); ok &&
		targetChange.State == model.WatchTargetChangeStateRemoved && targetChange.Cause != nil {
		r.handleTargetError(targetChange)
		return
	}

	switch c := change.(type) {
	case *model.WatchTargetChange:
		r.aggregator.HandleTargetChange(c)
	case *model.DocumentWatchChange:
		r.aggregator.HandleDocumentChange(c)
	case *model.ExistenceFilterChange:
		r.aggregator.HandleExistenceFilter(c)
	}

	if snapshotVersion.IsZero() {
		return
	}
	lastRemoteVersion, err := r.localStore.LastRemoteSnapshotVersion(r.ctx)
	if err != nil {
		r.disableNetworkUntilRecovery(r.ctx, err)
		return
	}
	if snapshotVersion.Compare(lastRemoteVersion) >= 0 {
		r.raiseWatchSnapshot(snapshotVersion)
	}
}

func (l *watchListener) OnWatchStreamClose(err error) {
	r := (*RemoteStore)(l)
	r.cleanUpWatchStreamState()
	if !r.shouldStartWatchStream() {
		// The stream was stopped deliberately or no targets remain.
		return
	}
	r.onlineState.HandleWatchStreamFailure(err)
	r.aggregator = NewWatchChangeAggregator(r)
}

func (r *RemoteStore) handleTargetError(change *model.WatchTargetChange) {
	for _, targetID := range change.TargetIDs {
		if _, ok := r.listenTargets[targetID]; !ok {
			continue
		}
		delete(r.listenTargets, targetID)
		r.aggregator.RemoveTarget(targetID)
		if err := r.syncer.RejectListen(r.ctx, targetID, change.Cause); err != nil {
			r.disableNetworkUntilRecovery(r.ctx, err)
			return
		}
	}
}

// raiseWatchSnapshot folds everything since the last snapshot into one
// remote event and hands it to the engine.
func (r *RemoteStore) raiseWatchSnapshot(snapshotVersion model.SnapshotVersion) {
	remoteEvent := r.aggregator.CreateRemoteEvent(snapshotVersion)

	for targetID := range remoteEvent.TargetMismatches {
		targetData, ok := r.listenTargets[targetID]
		if !ok {
			continue
		}
		// Re-listen from scratch: the existence filter proved our view
		// of the target stale, so the resume token is useless.
		reset := model.NewTargetData(targetData.Target, targetID, targetData.SequenceNumber, model.TargetPurposeExistenceFilterMismatch)
		r.listenTargets[targetID] = reset
		r.sendUnwatchRequest(targetID)
		r.sendWatchRequest(reset)
	}

	if err := r.syncer.ApplyRemoteEvent(r.ctx, remoteEvent); err != nil {
		r.disableNetworkUntilRecovery(r.ctx, err)
	}
}

// write stream callbacks

type writeListener RemoteStore

func (l *writeListener) OnWriteStreamOpen() {
	r := (*RemoteStore)(l)
	if err := r.writeStream.WriteHandshake(); err != nil {
		r.log.Warn("failed to send write handshake", zap.Error(err))
	}
}

func (l *writeListener) OnWriteHandshakeComplete() {
	r := (*RemoteStore)(l)
	// Re-send every pipeline batch; the previous connection may have
	// died with them in flight.
	for _, batch := range r.writePipeline {
		if err := r.writeStream.WriteMutations(batch.Mutations); err != nil {
			r.log.Warn("failed to send mutations", zap.Error(err))
			return
		}
	}
}

func (l *writeListener) OnWriteResponse(commitVersion model.SnapshotVersion, results []model.MutationResult) {
	r := (*RemoteStore)(l)
	if len(r.writePipeline) == 0 {
		r.log.Warn("write response with empty pipeline")
		return
	}
	batch := r.writePipeline[0]
	r.writePipeline = r.writePipeline[1:]

	result := model.NewMutationBatchResult(batch, commitVersion, results, r.writeStream.LastStreamToken())
	if err := r.syncer.ApplySuccessfulWrite(r.ctx, result); err != nil {
		r.disableNetworkUntilRecovery(r.ctx, err)
		return
	}
	if err := r.FillWritePipeline(r.ctx); err != nil {
		r.log.Warn("failed to refill write pipeline", zap.Error(err))
	}
}

func (l *writeListener) OnWriteStreamClose(err error) {
	r := (*RemoteStore)(l)
	if len(r.writePipeline) == 0 {
		return
	}
	if !r.writeStream.HandshakeComplete() {
		r.handleHandshakeError(err)
		return
	}
	r.handleWriteError(err)
}

func (r *RemoteStore) handleHandshakeError(err error) {
	if errors.IsPermanentWriteError(err) {
		// A permanent handshake failure means the stream token is bad;
		// discard it and retry from a clean slate.
		token := r.writeStream.LastStreamToken()
		r.log.Warn("permanent handshake failure, resetting stream token",
			zap.Int("tokenLength", len(token)), zap.Error(err))
		r.writeStream.SetLastStreamToken(nil)
		if serr := r.localStore.SetLastStreamToken(r.ctx, nil); serr != nil {
			r.disableNetworkUntilRecovery(r.ctx, serr)
		}
	} else if errors.CodeOf(err) == errors.CodeAborted {
		// Aborted handshakes retry immediately with the same token.
		r.writeStream.InhibitBackoff()
	}
}

func (r *RemoteStore) handleWriteError(err error) {
	if !errors.IsPermanentWriteError(err) {
		return
	}
	// A permanent error rejects exactly the oldest in-flight batch; the
	// rest of the pipeline is re-sent after the engine reacted.
	batch := r.writePipeline[0]
	r.writePipeline = r.writePipeline[1:]
	if serr := r.syncer.RejectFailedWrite(r.ctx, batch.ID, err); serr != nil {
		r.disableNetworkUntilRecovery(r.ctx, serr)
		return
	}
	if serr := r.FillWritePipeline(r.ctx); serr != nil {
		r.log.Warn("failed to refill write pipeline", zap.Error(serr))
	}
}

package repository

import (
	"context"

	"firestore-sync/internal/firestore/domain/model"
)

// MutationBatchState is a batch's lifecycle as mirrored between clients.
type MutationBatchState string

const (
	MutationBatchStatePending      MutationBatchState = "pending"
	MutationBatchStateAcknowledged MutationBatchState = "acknowledged"
	MutationBatchStateRejected     MutationBatchState = "rejected"
)

// QueryTargetState is a target's sync state as mirrored between clients.
type QueryTargetState string

const (
	QueryTargetStateNotCurrent QueryTargetState = "not-current"
	QueryTargetStateCurrent    QueryTargetState = "current"
	QueryTargetStateRejected   QueryTargetState = "rejected"
)

// SharedStateSyncer is the engine-side handler for state mirrored from
// other clients. All callbacks run on the engine queue.
type SharedStateSyncer interface {
	ApplyBatchState(ctx context.Context, batchID model.BatchID, state MutationBatchState, err error) error
	ApplyTargetState(ctx context.Context, targetID model.TargetID, state QueryTargetState, err error) error
	// ApplyActiveTargetsChange reports targets newly listened or
	// unlistened by other clients; only the primary acts on it.
	ApplyActiveTargetsChange(ctx context.Context, added, removed []model.TargetID) error
}

// SharedClientState mirrors mutation-batch, query-target and online state
// between clients of the same persistence, and runs the primary lease
// election. A single-client deployment uses an in-memory implementation
// that is always primary.
type SharedClientState interface {
	Start(ctx context.Context) error
	Shutdown()

	SetSyncer(syncer SharedStateSyncer)
	// SetOnPrimaryChange registers the callback invoked whenever this
	// client gains or loses the primary lease.
	SetOnPrimaryChange(fn func(isPrimary bool))
	IsPrimary() bool

	AddPendingMutation(batchID model.BatchID)
	UpdateMutationState(batchID model.BatchID, state MutationBatchState, err error)

	// AddLocalQueryTarget registers interest in a target and returns the
	// last state another client reported for it.
	AddLocalQueryTarget(targetID model.TargetID) QueryTargetState
	RemoveLocalQueryTarget(targetID model.TargetID)
	IsLocalQueryTarget(targetID model.TargetID) bool
	ClearQueryState(targetID model.TargetID)
	UpdateQueryState(targetID model.TargetID, state QueryTargetState, err error)

	SetOnlineState(state model.OnlineState)
	// SetOnOnlineStateChange registers the callback for online state
	// published by the primary client.
	SetOnOnlineStateChange(fn func(state model.OnlineState))

	// HandleUserChange rewires pending-batch tracking after the
	// authenticated user changed.
	HandleUserChange(user User, removedBatchIDs, addedBatchIDs []model.BatchID)
}

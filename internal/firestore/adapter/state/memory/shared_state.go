package memory

import (
	"context"

	"firestore-sync/internal/firestore/domain/model"
	"firestore-sync/internal/firestore/domain/repository"
)

// SharedClientState is the single-client implementation: there is nobody
// to mirror state with, so this client is always primary and every
// remote-state query answers with the local default.
type SharedClientState struct {
	syncer          repository.SharedStateSyncer
	onPrimaryChange func(isPrimary bool)
	localTargets    map[model.TargetID]struct{}
	started         bool
}

func NewSharedClientState() *SharedClientState {
	return &SharedClientState{localTargets: map[model.TargetID]struct{}{}}
}

func (s *SharedClientState) Start(ctx context.Context) error {
	s.started = true
	if s.onPrimaryChange != nil {
		s.onPrimaryChange(true)
	}
	return nil
}

func (s *SharedClientState) Shutdown() { s.started = false }

func (s *SharedClientState) SetSyncer(syncer repository.SharedStateSyncer) { s.syncer = syncer }

func (s *SharedClientState) SetOnPrimaryChange(fn func(isPrimary bool)) { s.onPrimaryChange = fn }

func (s *SharedClientState) IsPrimary() bool { return true }

func (s *SharedClientState) AddPendingMutation(batchID model.BatchID) {}

func (s *SharedClientState) UpdateMutationState(batchID model.BatchID, state repository.MutationBatchState, err error) {
}

func (s *SharedClientState) AddLocalQueryTarget(targetID model.TargetID) repository.QueryTargetState {
	s.localTargets[targetID] = struct{}{}
	return repository.QueryTargetStateNotCurrent
}

func (s *SharedClientState) RemoveLocalQueryTarget(targetID model.TargetID) {
	delete(s.localTargets, targetID)
}

func (s *SharedClientState) IsLocalQueryTarget(targetID model.TargetID) bool {
	_, ok := s.localTargets[targetID]
	return ok
}

func (s *SharedClientState) ClearQueryState(targetID model.TargetID) {}

func (s *SharedClientState) UpdateQueryState(targetID model.TargetID, state repository.QueryTargetState, err error) {
}

func (s *SharedClientState) SetOnlineState(state model.OnlineState) {}

func (s *SharedClientState) SetOnOnlineStateChange(fn func(state model.OnlineState)) {}

func (s *SharedClientState) HandleUserChange(user repository.User, removedBatchIDs, addedBatchIDs []model.BatchID) {
}

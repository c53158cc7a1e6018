package usecase

import (
	"firestore-sync/internal/firestore/domain/model"
)

// TargetMetadataProvider supplies the aggregator with the local knowledge
// it needs to interpret watch changes: which keys the backend previously
// reported for a target and whether the target is still active.
type TargetMetadataProvider interface {
	GetRemoteKeysForTarget(targetID model.TargetID) model.DocumentKeySet
	// GetTargetDataForTarget returns nil for targets that were removed
	// or never existed; their changes are dropped.
	GetTargetDataForTarget(targetID model.TargetID) *model.TargetData
}

// targetState accumulates everything the stream said about one target
// since the last snapshot.
type targetState struct {
	// pendingResponses counts listen requests the backend has not
	// acknowledged yet. While non-zero, events for the target belong to
	// a previous incarnation and the target is not considered current.
	pendingResponses int
	current          bool
	resumeToken      []byte

	hasPendingChanges bool
	documentChanges   map[string]model.ChangeType
}

func newTargetState() *targetState {
	return &targetState{
		// Every new target surfaces at least one event, even if empty.
		hasPendingChanges: true,
		documentChanges:   map[string]model.ChangeType{},
	}
}

func (s *targetState) isPending() bool { return s.pendingResponses > 0 }

func (s *targetState) updateResumeToken(token []byte) {
	if len(token) > 0 {
		s.hasPendingChanges = true
		s.resumeToken = token
	}
}

func (s *targetState) markCurrent() {
	s.hasPendingChanges = true
	s.current = true
}

func (s *targetState) addDocumentChange(key model.DocumentKey, changeType model.ChangeType) {
	s.hasPendingChanges = true
	s.documentChanges[key.String()] = changeType
}

func (s *targetState) removeDocumentChange(key model.DocumentKey) {
	s.hasPendingChanges = true
	delete(s.documentChanges, key.String())
}

func (s *targetState) recordPendingRequest() { s.pendingResponses++ }
func (s *targetState) recordResponse()       { s.pendingResponses-- }
func (s *targetState) clearPendingChanges() {
	s.hasPendingChanges = false
	s.documentChanges = map[string]model.ChangeType{}
}

// toTargetChange converts the accumulated state into the change shipped
// inside a remote event.
func (s *targetState) toTargetChange(provider TargetMetadataProvider, targetID model.TargetID) *model.TargetChange {
	added := model.DocumentKeySet{}
	modified := model.DocumentKeySet{}
	removed := model.DocumentKeySet{}
	remoteKeys := provider.GetRemoteKeysForTarget(targetID)
	for keyString, changeType := range s.documentChanges {
		key := model.MustDocumentKey(keyString)
		switch changeType {
		case model.ChangeTypeAdded:
			if remoteKeys.Contains(key) {
				modified.Add(key)
			} else {
				added.Add(key)
			}
		case model.ChangeTypeModified:
			modified.Add(key)
		case model.ChangeTypeRemoved:
			removed.Add(key)
		}
	}
	return &model.TargetChange{
		ResumeToken:       s.resumeToken,
		Current:           s.current,
		AddedDocuments:    added,
		ModifiedDocuments: modified,
		RemovedDocuments:  removed,
	}
}

// WatchChangeAggregator folds the raw watch stream changes into
// consistent RemoteEvents, one per snapshot version boundary.
type WatchChangeAggregator struct {
	provider TargetMetadataProvider

	targetStates map[model.TargetID]*targetState

	pendingDocumentUpdates       model.MaybeDocumentMap
	pendingDocumentTargetMapping map[string]map[model.TargetID]struct{}
	pendingTargetResets          map[model.TargetID]struct{}
}

func NewWatchChangeAggregator(provider TargetMetadataProvider) *WatchChangeAggregator {
	return &WatchChangeAggregator{
		provider:                     provider,
		targetStates:                 map[model.TargetID]*targetState{},
		pendingDocumentUpdates:       model.MaybeDocumentMap{},
		pendingDocumentTargetMapping: map[string]map[model.TargetID]struct{}{},
		pendingTargetResets:          map[model.TargetID]struct{}{},
	}
}

// HandleDocumentChange routes a per-document change to its targets.
func (a *WatchChangeAggregator) HandleDocumentChange(change *model.DocumentWatchChange) {
	for _, targetID := range change.UpdatedTargetIDs {
		if _, ok := change.NewDoc.(*model.Document); ok {
			a.addDocumentToTarget(targetID, change.NewDoc)
		} else if change.NewDoc != nil {
			a.removeDocumentFromTarget(targetID, change.Key, change.NewDoc)
		}
	}
	for _, targetID := range change.RemovedTargetIDs {
		a.removeDocumentFromTarget(targetID, change.Key, change.NewDoc)
	}
}

// HandleTargetChange applies a target-level signal. An empty target id
// list addresses every active target.
func (a *WatchChangeAggregator) HandleTargetChange(change *model.WatchTargetChange) {
	for _, targetID := range a.targetIDsForChange(change) {
		state := a.ensureTargetState(targetID)
		switch change.State {
		case model.WatchTargetChangeStateNoChange:
			if a.isActiveTarget(targetID) {
				state.updateResumeToken(change.ResumeToken)
			}
		case model.WatchTargetChangeStateAdded:
			// The backend echoes each listen request with an added event.
			state.recordResponse()
			if !state.isPending() {
				state.clearPendingChanges()
			}
			state.updateResumeToken(change.ResumeToken)
		case model.WatchTargetChangeStateRemoved:
			// Removal confirms our unlisten; nothing arrives afterwards.
			state.recordResponse()
			if change.Cause != nil {
				delete(a.targetStates, targetID)
			}
		case model.WatchTargetChangeStateCurrent:
			if a.isActiveTarget(targetID) {
				state.markCurrent()
				state.updateResumeToken(change.ResumeToken)
			}
		case model.WatchTargetChangeStateReset:
			if a.isActiveTarget(targetID) {
				a.resetTarget(targetID)
				state.updateResumeToken(change.ResumeToken)
			}
		}
	}
}

func (a *WatchChangeAggregator) targetIDsForChange(change *model.WatchTargetChange) []model.TargetID {
	if len(change.TargetIDs) > 0 {
		return change.TargetIDs
	}
	ids := make([]model.TargetID, 0, len(a.targetStates))
	for targetID := range a.targetStates {
		if a.isActiveTarget(targetID) {
			ids = append(ids, targetID)
		}
	}
	return ids
}

// HandleExistenceFilter compares the backend's count against the local
// one. A mismatch for a document target synthesizes a delete; for a query
// target it marks the target for a resume-token-free re-listen.
func (a *WatchChangeAggregator) HandleExistenceFilter(change *model.ExistenceFilterChange) {
	targetID := change.TargetID
	targetData := a.provider.GetTargetDataForTarget(targetID)
	if targetData == nil {
		return
	}
	if targetData.Target.IsDocumentTarget() {
		key, err := model.NewDocumentKey(targetData.Target.Path)
		if err != nil {
			return
		}
		if change.Count == 0 {
			// The document no longer exists; synthesize the delete the
			// stream never sent.
			a.removeDocumentFromTarget(targetID, key, model.NewNoDocument(key, model.SnapshotVersionMin, false))
		} else if change.Count != 1 {
			a.resetTarget(targetID)
			a.pendingTargetResets[targetID] = struct{}{}
		}
		return
	}
	currentSize := len(a.provider.GetRemoteKeysForTarget(targetID))
	if currentSize != change.Count {
		a.resetTarget(targetID)
		a.pendingTargetResets[targetID] = struct{}{}
	}
}

// CreateRemoteEvent flushes everything accumulated up to snapshotVersion
// into one consistent event and resets the per-snapshot state.
func (a *WatchChangeAggregator) CreateRemoteEvent(snapshotVersion model.SnapshotVersion) *model.RemoteEvent {
	targetChanges := map[model.TargetID]*model.TargetChange{}
	for targetID, state := range a.targetStates {
		if state.isPending() || !a.isActiveTarget(targetID) {
			continue
		}
		if !state.hasPendingChanges {
			continue
		}
		targetChanges[targetID] = state.toTargetChange(a.provider, targetID)
		state.clearPendingChanges()
	}

	resolvedLimboDocuments := model.DocumentKeySet{}
	for keyString, targetIDs := range a.pendingDocumentTargetMapping {
		key := model.MustDocumentKey(keyString)
		onlyLimbo := true
		for targetID := range targetIDs {
			targetData := a.provider.GetTargetDataForTarget(targetID)
			if targetData != nil && targetData.Purpose != model.TargetPurposeLimboResolution {
				onlyLimbo = false
				break
			}
		}
		if onlyLimbo {
			resolvedLimboDocuments.Add(key)
		}
	}

	event := &model.RemoteEvent{
		SnapshotVersion:        snapshotVersion,
		TargetChanges:          targetChanges,
		TargetMismatches:       a.pendingTargetResets,
		DocumentUpdates:        a.pendingDocumentUpdates,
		ResolvedLimboDocuments: resolvedLimboDocuments,
	}
	a.pendingDocumentUpdates = model.MaybeDocumentMap{}
	a.pendingDocumentTargetMapping = map[string]map[model.TargetID]struct{}{}
	a.pendingTargetResets = map[model.TargetID]struct{}{}
	return event
}

// RecordPendingTargetRequest must be called when a listen request goes
// out so stream events for the prior incarnation are ignored.
func (a *WatchChangeAggregator) RecordPendingTargetRequest(targetID model.TargetID) {
	a.ensureTargetState(targetID).recordPendingRequest()
}

// RemoveTarget drops all accumulated state for a target.
func (a *WatchChangeAggregator) RemoveTarget(targetID model.TargetID) {
	delete(a.targetStates, targetID)
}

func (a *WatchChangeAggregator) addDocumentToTarget(targetID model.TargetID, doc model.MaybeDocument) {
	if !a.isActiveTarget(targetID) {
		return
	}
	changeType := model.ChangeTypeAdded
	if a.provider.GetRemoteKeysForTarget(targetID).Contains(doc.Key()) {
		changeType = model.ChangeTypeModified
	}
	a.ensureTargetState(targetID).addDocumentChange(doc.Key(), changeType)
	a.pendingDocumentUpdates.Put(doc)
	a.addDocumentTargetMapping(doc.Key(), targetID)
}

func (a *WatchChangeAggregator) removeDocumentFromTarget(targetID model.TargetID, key model.DocumentKey, doc model.MaybeDocument) {
	if !a.isActiveTarget(targetID) {
		return
	}
	state := a.ensureTargetState(targetID)
	if a.provider.GetRemoteKeysForTarget(targetID).Contains(key) {
		state.addDocumentChange(key, model.ChangeTypeRemoved)
	} else {
		// The document was added and removed within one snapshot.
		state.removeDocumentChange(key)
	}
	a.addDocumentTargetMapping(key, targetID)
	if doc != nil {
		a.pendingDocumentUpdates.Put(doc)
	}
}

func (a *WatchChangeAggregator) addDocumentTargetMapping(key model.DocumentKey, targetID model.TargetID) {
	targets, ok := a.pendingDocumentTargetMapping[key.String()]
	if !ok {
		targets = map[model.TargetID]struct{}{}
		a.pendingDocumentTargetMapping[key.String()] = targets
	}
	targets[targetID] = struct{}{}
}

func (a *WatchChangeAggregator) ensureTargetState(targetID model.TargetID) *targetState {
	state, ok := a.targetStates[targetID]
	if !ok {
		state = newTargetState()
		a.targetStates[targetID] = state
	}
	return state
}

// isActiveTarget reports whether the target is still listened to and has
// no outstanding listen request.
func (a *WatchChangeAggregator) isActiveTarget(targetID model.TargetID) bool {
	if state, ok := a.targetStates[targetID]; ok && state.isPending() {
		return false
	}
	return a.provider.GetTargetDataForTarget(targetID) != nil
}

// resetTarget forgets every previously synced document of a target so
// the re-listen repopulates it from scratch.
func (a *WatchChangeAggregator) resetTarget(targetID model.TargetID) {
	state := a.ensureTargetState(targetID)
	state.clearPendingChanges()
	state.hasPendingChanges = true
	state.current = false
	for _, key := range a.provider.GetRemoteKeysForTarget(targetID).SortedKeys() {
		a.removeDocumentFromTarget(targetID, key, nil)
	}
}

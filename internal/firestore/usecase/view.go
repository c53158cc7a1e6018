package usecase

import (
	"firestore-sync/internal/firestore/domain/model"
)

// ViewDocumentChanges is the intermediate result of folding document
// updates into a view, before limbo accounting and snapshot emission.
type ViewDocumentChanges struct {
	DocumentSet model.DocumentSet
	ChangeSet   *model.ChangeSet
	MutatedKeys model.DocumentKeySet
	// NeedsRefill means a limit query can no longer tell what belongs in
	// the view and the query must be re-run against the local cache.
	NeedsRefill bool
}

// LimboDocumentChange reports a document entering or leaving limbo.
type LimboDocumentChange struct {
	Added bool
	Key   model.DocumentKey
}

// ViewChange is the outcome of applying changes to a view: an optional
// new snapshot and the limbo transitions it caused.
type ViewChange struct {
	Snapshot     *model.ViewSnapshot
	LimboChanges []LimboDocumentChange
}

// View materializes a query's result set and tracks what the backend has
// confirmed, deciding per snapshot whether results are from cache and
// which documents are in limbo.
type View struct {
	query *model.Query

	documentSet model.DocumentSet
	// syncedDocuments is the backend's view of the target's membership.
	syncedDocuments model.DocumentKeySet
	mutatedKeys     model.DocumentKeySet
	limboDocuments  model.DocumentKeySet
	current         bool
	syncState       model.SyncState
}

func NewView(query *model.Query, remoteDocuments model.DocumentKeySet) *View {
	return &View{
		query:           query,
		documentSet:     model.NewDocumentSet(query.Comparator()),
		syncedDocuments: remoteDocuments.Copy(),
		mutatedKeys:     model.DocumentKeySet{},
		limboDocuments:  model.DocumentKeySet{},
		syncState:       model.SyncStateLocal,
	}
}

func (v *View) SyncState() model.SyncState { return v.syncState }

// SyncedDocuments returns the keys the backend reported for this view.
func (v *View) SyncedDocuments() model.DocumentKeySet { return v.syncedDocuments.Copy() }

// ComputeDocChanges folds document updates into the view's result set.
// previousChanges carries the result of an earlier pass when changes are
// applied in several steps (refill).
func (v *View) ComputeDocChanges(docChanges model.MaybeDocumentMap, previousChanges *ViewDocumentChanges) ViewDocumentChanges {
	changeSet := model.NewChangeSet()
	oldDocumentSet := v.documentSet
	newDocumentSet := v.documentSet
	newMutatedKeys := v.mutatedKeys.Copy()
	if previousChanges != nil {
		changeSet = previousChanges.ChangeSet
		newDocumentSet = previousChanges.DocumentSet
		newMutatedKeys = previousChanges.MutatedKeys
	}
	needsRefill := false
	if previousChanges != nil {
		needsRefill = previousChanges.NeedsRefill
	}

	// For limit queries the boundary document decides whether a
	// modification can be evaluated locally. A document sorting after
	// the boundary may only enter the view through a refill.
	var lastDocInLimit *model.Document
	if v.query.HasLimitToFirst() && oldDocumentSet.Size() == int(v.query.Limit) {
		lastDocInLimit = oldDocumentSet.Last()
	}
	var firstDocInLimit *model.Document
	if v.query.HasLimitToLast() && oldDocumentSet.Size() == int(v.query.Limit) {
		firstDocInLimit = oldDocumentSet.First()
	}

	for _, key := range docChanges.Keys().SortedKeys() {
		maybeDoc := docChanges[key.String()]
		oldDoc := oldDocumentSet.Get(key)
		var newDoc *model.Document
		if doc, ok := maybeDoc.(*model.Document); ok && v.query.Matches(doc) {
			newDoc = doc
		}

		oldDocHadPendingMutations := oldDoc != nil && v.mutatedKeys.Contains(key)
		newDocHasPendingMutations := newDoc != nil && (newDoc.HasLocalMutations() ||
			(v.mutatedKeys.Contains(key) && newDoc.HasCommittedMutations()))

		changeApplied := false
		switch {
		case oldDoc != nil && newDoc != nil:
			docsEqual := oldDoc.Data().Equal(newDoc.Data())
			if !docsEqual {
				if !v.shouldWaitForSyncedDocument(newDoc, oldDoc) {
					changeSet.Track(model.DocumentViewChange{Type: model.ChangeTypeModified, Doc: newDoc})
					changeApplied = true
					if (lastDocInLimit != nil && v.query.Comparator()(newDoc, lastDocInLimit) > 0) ||
						(firstDocInLimit != nil && v.query.Comparator()(newDoc, firstDocInLimit) < 0) {
						// The modified document sorts outside the limit;
						// something else may now belong in the view.
						needsRefill = true
					}
				}
			} else if oldDocHadPendingMutations != newDocHasPendingMutations {
				changeSet.Track(model.DocumentViewChange{Type: model.ChangeTypeMetadata, Doc: newDoc})
				changeApplied = true
			}
		case oldDoc == nil && newDoc != nil:
			changeSet.Track(model.DocumentViewChange{Type: model.ChangeTypeAdded, Doc: newDoc})
			changeApplied = true
		case oldDoc != nil && newDoc == nil:
			changeSet.Track(model.DocumentViewChange{Type: model.ChangeTypeRemoved, Doc: oldDoc})
			changeApplied = true
			if lastDocInLimit != nil || firstDocInLimit != nil {
				// A document dropped out of a full limit view; the
				// replacement lives outside our result set.
				needsRefill = true
			}
		}

		if changeApplied {
			if newDoc != nil {
				newDocumentSet = newDocumentSet.Add(newDoc)
				if newDoc.HasLocalMutations() {
					newMutatedKeys.Add(key)
				} else {
					newMutatedKeys.Remove(key)
				}
			} else {
				newDocumentSet = newDocumentSet.Delete(key)
				newMutatedKeys.Remove(key)
			}
		}
	}

	if v.query.Limit != model.NoLimit {
		for int64(newDocumentSet.Size()) > v.query.Limit {
			var popped *model.Document
			if v.query.HasLimitToFirst() {
				popped = newDocumentSet.Last()
			} else {
				popped = newDocumentSet.First()
			}
			newDocumentSet = newDocumentSet.Delete(popped.Key())
			newMutatedKeys.Remove(popped.Key())
			changeSet.Track(model.DocumentViewChange{Type: model.ChangeTypeRemoved, Doc: popped})
		}
	}

	return ViewDocumentChanges{
		DocumentSet: newDocumentSet,
		ChangeSet:   changeSet,
		MutatedKeys: newMutatedKeys,
		NeedsRefill: needsRefill,
	}
}

// shouldWaitForSyncedDocument suppresses flicker when an acknowledged
// write is re-delivered by the backend without the final server fields.
func (v *View) shouldWaitForSyncedDocument(newDoc, oldDoc *model.Document) bool {
	return oldDoc.HasLocalMutations() && newDoc.HasCommittedMutations() && !newDoc.HasLocalMutations()
}

// ApplyChanges commits computed changes, updates limbo accounting from
// the target change, and emits a snapshot when anything visible changed.
func (v *View) ApplyChanges(docChanges ViewDocumentChanges, updateLimboDocuments bool, targetChange *model.TargetChange) ViewChange {
	if docChanges.NeedsRefill {
		panic("view changes must be applied after a refill")
	}
	oldDocs := v.documentSet
	v.documentSet = docChanges.DocumentSet
	v.mutatedKeys = docChanges.MutatedKeys

	v.applyTargetChange(targetChange)
	var limboChanges []LimboDocumentChange
	if updateLimboDocuments {
		limboChanges = v.updateLimboDocuments()
	}

	synced := v.current && len(v.limboDocuments) == 0
	newSyncState := model.SyncStateLocal
	if synced {
		newSyncState = model.SyncStateSynced
	}
	syncStateChanged := newSyncState != v.syncState
	v.syncState = newSyncState

	changes := docChanges.ChangeSet.Changes()
	if len(changes) == 0 && !syncStateChanged {
		return ViewChange{LimboChanges: limboChanges}
	}
	snapshot := model.ViewSnapshot{
		Query:            v.query,
		Docs:             v.documentSet,
		OldDocs:          oldDocs,
		DocChanges:       changes,
		MutatedKeys:      v.mutatedKeys.Copy(),
		FromCache:        newSyncState == model.SyncStateLocal,
		SyncStateChanged: syncStateChanged,
	}
	return ViewChange{Snapshot: &snapshot, LimboChanges: limboChanges}
}

// ApplyOnlineStateChange drops to from-cache results while offline. The
// returned change carries a snapshot only when the state visibly flipped.
func (v *View) ApplyOnlineStateChange(onlineState model.OnlineState) ViewChange {
	if v.current && onlineState == model.OnlineStateOffline {
		// Pretend the backend un-confirmed the view; if it is still
		// correct the next listen confirms it again.
		v.current = false
		return v.ApplyChanges(ViewDocumentChanges{
			DocumentSet: v.documentSet,
			ChangeSet:   model.NewChangeSet(),
			MutatedKeys: v.mutatedKeys,
		}, false, nil)
	}
	return ViewChange{}
}

func (v *View) applyTargetChange(targetChange *model.TargetChange) {
	if targetChange == nil {
		return
	}
	for _, key := range targetChange.AddedDocuments.SortedKeys() {
		v.syncedDocuments.Add(key)
	}
	for _, key := range targetChange.RemovedDocuments.SortedKeys() {
		v.syncedDocuments.Remove(key)
	}
	if targetChange.Current {
		v.current = true
	}
}

func (v *View) updateLimboDocuments() []LimboDocumentChange {
	if !v.current {
		return nil
	}
	oldLimbo := v.limboDocuments
	v.limboDocuments = model.DocumentKeySet{}
	v.documentSet.ForEach(func(doc *model.Document) {
		if v.shouldBeInLimbo(doc.Key()) {
			v.limboDocuments.Add(doc.Key())
		}
	})

	var changes []LimboDocumentChange
	for _, key := range oldLimbo.SortedKeys() {
		if !v.limboDocuments.Contains(key) {
			changes = append(changes, LimboDocumentChange{Added: false, Key: key})
		}
	}
	for _, key := range v.limboDocuments.SortedKeys() {
		if !oldLimbo.Contains(key) {
			changes = append(changes, LimboDocumentChange{Added: true, Key: key})
		}
	}
	return changes
}

// shouldBeInLimbo reports a document we show but the backend never
// confirmed for this target and no pending write explains.
func (v *View) shouldBeInLimbo(key model.DocumentKey) bool {
	if v.syncedDocuments.Contains(key) {
		return false
	}
	doc := v.documentSet.Get(key)
	if doc == nil {
		return false
	}
	if doc.HasLocalMutations() {
		return false
	}
	return true
}

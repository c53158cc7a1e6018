package model

// TargetChange summarizes everything the watch stream reported for one
// target while building a RemoteEvent.
type TargetChange struct {
	ResumeToken []byte
	// Current means the server confirmed the local view of the target is
	// complete as of the event's snapshot version.
	Current           bool
	AddedDocuments    DocumentKeySet
	ModifiedDocuments DocumentKeySet
	RemovedDocuments  DocumentKeySet
}

// NewSynthesizedTargetChange builds the minimal change used for synthetic
// events that only toggle the current flag.
func NewSynthesizedTargetChange(current bool) *TargetChange {
	return &TargetChange{
		Current:           current,
		AddedDocuments:    DocumentKeySet{},
		ModifiedDocuments: DocumentKeySet{},
		RemovedDocuments:  DocumentKeySet{},
	}
}

// RemoteEvent is an aggregated, consistent view of everything the watch
// stream reported up to one snapshot version.
type RemoteEvent struct {
	SnapshotVersion SnapshotVersion
	TargetChanges   map[TargetID]*TargetChange
	// TargetMismatches lists targets whose existence filter disagreed
	// with the local view; they must be reset and re-listened.
	TargetMismatches map[TargetID]struct{}
	DocumentUpdates  MaybeDocumentMap
	// ResolvedLimboDocuments lists limbo documents the event delivered an
	// authoritative state for.
	ResolvedLimboDocuments DocumentKeySet
}

// NewSynthesizedRemoteEventForCurrentChange fabricates the event a limbo
// resolution produces when the server reports the document absent: a
// NoDocument tombstone for its single target.
func NewSynthesizedRemoteEventForCurrentChange(targetID TargetID, current bool, snapshotVersion SnapshotVersion) *RemoteEvent {
	return &RemoteEvent{
		SnapshotVersion: snapshotVersion,
		TargetChanges: map[TargetID]*TargetChange{
			targetID: NewSynthesizedTargetChange(current),
		},
		TargetMismatches:       map[TargetID]struct{}{},
		DocumentUpdates:        MaybeDocumentMap{},
		ResolvedLimboDocuments: DocumentKeySet{},
	}
}

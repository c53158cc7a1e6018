package model

// BatchID orders mutation batches within a single client. IDs are assigned
// from a monotonically increasing counter and never reused.
type BatchID int32

// MutationBatch is the atomic unit of user writes. Base mutations capture
// pre-transform field values for non-idempotent transforms so reapplying
// the batch after a restart produces the same local view.
type MutationBatch struct {
	ID             BatchID
	LocalWriteTime Timestamp
	BaseMutations  []Mutation
	Mutations      []Mutation
}

func NewMutationBatch(id BatchID, localWriteTime Timestamp, baseMutations, mutations []Mutation) *MutationBatch {
	return &MutationBatch{
		ID:             id,
		LocalWriteTime: localWriteTime,
		BaseMutations:  baseMutations,
		Mutations:      mutations,
	}
}

// Keys returns the set of document keys the batch writes to.
func (b *MutationBatch) Keys() DocumentKeySet {
	keys := DocumentKeySet{}
	for _, m := range b.Mutations {
		keys.Add(m.Key())
	}
	return keys
}

// ApplyToLocalView applies the batch's mutations for the given key on top
// of maybeDoc, producing the latency-compensated document state.
func (b *MutationBatch) ApplyToLocalView(key DocumentKey, maybeDoc MaybeDocument) MaybeDocument {
	for _, m := range b.BaseMutations {
		if m.Key().Equal(key) {
			maybeDoc = m.ApplyToLocalView(maybeDoc, b.LocalWriteTime)
		}
	}
	for _, m := range b.Mutations {
		if m.Key().Equal(key) {
			maybeDoc = m.ApplyToLocalView(maybeDoc, b.LocalWriteTime)
		}
	}
	return maybeDoc
}

// ApplyToRemoteDocument applies the server's per-mutation results for the
// given key. The result count must match the mutation count.
func (b *MutationBatch) ApplyToRemoteDocument(key DocumentKey, maybeDoc MaybeDocument, batchResult *MutationBatchResult) MaybeDocument {
	for i, m := range b.Mutations {
		if m.Key().Equal(key) {
			maybeDoc = m.ApplyToRemoteDocument(maybeDoc, batchResult.MutationResults[i])
		}
	}
	return maybeDoc
}

// MutationBatchResult pairs an acknowledged batch with the server's commit
// version, per-mutation results and the write stream token observed at the
// acknowledgement.
type MutationBatchResult struct {
	Batch           *MutationBatch
	CommitVersion   SnapshotVersion
	MutationResults []MutationResult
	StreamToken     []byte
	// DocVersions maps each written document to the version the server
	// assigned it, falling back to the commit version for mutations the
	// server reported no version for (deletes of missing documents).
	DocVersions map[string]SnapshotVersion
}

func NewMutationBatchResult(batch *MutationBatch, commitVersion SnapshotVersion, results []MutationResult, streamToken []byte) *MutationBatchResult {
	versions := make(map[string]SnapshotVersion, len(results))
	for i, m := range batch.Mutations {
		version := results[i].Version
		if version.IsZero() {
			version = commitVersion
		}
		versions[m.Key().String()] = version
	}
	return &MutationBatchResult{
		Batch:           batch,
		CommitVersion:   commitVersion,
		MutationResults: results,
		StreamToken:     streamToken,
		DocVersions:     versions,
	}
}

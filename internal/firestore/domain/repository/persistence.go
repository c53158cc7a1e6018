package repository

import (
	"context"

	"firestore-sync/internal/firestore/domain/model"
)

// TransactionMode declares what a persistence transaction is allowed to do.
type TransactionMode int

const (
	TransactionModeReadOnly TransactionMode = iota
	TransactionModeReadWrite
	// TransactionModeReadWritePrimary additionally requires that this
	// client holds the primary lease; the transaction fails with a
	// failed-precondition error when the lease was lost.
	TransactionModeReadWritePrimary
)

// Transaction scopes a single atomic unit of persistence work. Every
// component operation takes the active transaction as its first argument;
// crossing transactions is a programming error.
type Transaction interface {
	// CurrentSequenceNumber returns the LRU sequence number stamped on
	// this transaction.
	CurrentSequenceNumber() model.ListenSequenceNumber
	// AddOnCommittedListener registers a callback run after a successful
	// commit, used to publish buffered side effects.
	AddOnCommittedListener(fn func())
}

// Persistence is the pluggable transactional store backing the local cache.
// All access happens on the serialized engine queue; implementations may
// assume no concurrent transactions from the same client.
type Persistence interface {
	// Start acquires the store, including the client's primary lease when
	// the implementation supports multi-client access.
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Started() bool

	// MutationQueue returns the queue holding the given user's pending
	// writes. Queues for distinct users are independent.
	MutationQueue(userID string) MutationQueue
	RemoteDocumentCache() RemoteDocumentCache
	TargetCache() TargetCache
	IndexManager() IndexManager
	ReferenceDelegate() ReferenceDelegate

	// RunTransaction executes fn atomically. A retryable storage failure
	// is reported with a storage-unavailable error code so callers can
	// degrade instead of crash.
	RunTransaction(ctx context.Context, label string, mode TransactionMode, fn func(tx Transaction) error) error
}

// MutationQueue persists the ordered pending writes of one user.
type MutationQueue interface {
	IsEmpty(tx Transaction) (bool, error)

	// AddMutationBatch assigns the next batch id and persists the batch
	// with its document index rows.
	AddMutationBatch(tx Transaction, localWriteTime model.Timestamp, baseMutations, mutations []model.Mutation) (*model.MutationBatch, error)
	LookupMutationBatch(tx Transaction, batchID model.BatchID) (*model.MutationBatch, error)
	// NextMutationBatchAfterBatchID returns the first batch with an id
	// greater than batchID, or nil.
	NextMutationBatchAfterBatchID(tx Transaction, batchID model.BatchID) (*model.MutationBatch, error)
	// HighestUnacknowledgedBatchID returns the largest persisted batch id,
	// or BatchIDUnknown when the queue is empty.
	HighestUnacknowledgedBatchID(tx Transaction) (model.BatchID, error)
	AllMutationBatches(tx Transaction) ([]*model.MutationBatch, error)
	AllMutationBatchesAffectingDocumentKey(tx Transaction, key model.DocumentKey) ([]*model.MutationBatch, error)
	AllMutationBatchesAffectingDocumentKeys(tx Transaction, keys model.DocumentKeySet) ([]*model.MutationBatch, error)
	// AllMutationBatchesAffectingQuery matches batches writing documents
	// directly under the query's path.
	AllMutationBatchesAffectingQuery(tx Transaction, query *model.Query) ([]*model.MutationBatch, error)
	// RemoveMutationBatch deletes the batch and its index rows. Batches
	// must be removed in batch id order.
	RemoveMutationBatch(tx Transaction, batch *model.MutationBatch) error

	SetLastStreamToken(tx Transaction, token []byte) error
	LastStreamToken(tx Transaction) ([]byte, error)
}

// BatchIDUnknown is returned where no batch id applies.
const BatchIDUnknown model.BatchID = -1

// RemoteDocumentCache persists the last known server state per document.
type RemoteDocumentCache interface {
	// GetEntry returns the cached entry for key, or nil when the cache
	// has no information about the document.
	GetEntry(tx Transaction, key model.DocumentKey) (model.MaybeDocument, error)
	GetEntries(tx Transaction, keys model.DocumentKeySet) (model.MaybeDocumentMap, error)
	// GetDocumentsMatchingQuery scans documents that could match query,
	// narrowed by path prefix and, when sinceReadTime is non-zero, to
	// documents read at a strictly later snapshot.
	GetDocumentsMatchingQuery(tx Transaction, query *model.Query, sinceReadTime model.SnapshotVersion) (map[string]*model.Document, error)
	// NewChangeBuffer stages entries in memory for one transaction and
	// applies them atomically.
	NewChangeBuffer() RemoteDocumentChangeBuffer
	Size(tx Transaction) (int64, error)
}

// RemoteDocumentChangeBuffer batches cache writes so a remote event's
// document updates commit together with its target bookkeeping.
type RemoteDocumentChangeBuffer interface {
	AddEntry(doc model.MaybeDocument, readTime model.SnapshotVersion)
	RemoveEntry(key model.DocumentKey, readTime model.SnapshotVersion)
	// GetEntry reads through the buffer: staged entries shadow the
	// underlying cache.
	GetEntry(tx Transaction, key model.DocumentKey) (model.MaybeDocument, error)
	GetEntries(tx Transaction, keys model.DocumentKeySet) (model.MaybeDocumentMap, error)
	// Apply writes the staged entries. The buffer must not be reused.
	Apply(tx Transaction) error
}

// TargetCache persists allocated targets and the target-to-document
// reference index.
type TargetCache interface {
	// AllocateTargetID returns the next even target id. Odd ids are
	// reserved for ephemeral limbo targets and never persisted here.
	AllocateTargetID(tx Transaction) (model.TargetID, error)
	AddTargetData(tx Transaction, data *model.TargetData) error
	UpdateTargetData(tx Transaction, data *model.TargetData) error
	// RemoveTargetData drops the target and its matching-key index rows.
	RemoveTargetData(tx Transaction, data *model.TargetData) error
	// GetTargetData looks a target up by canonical id, then verifies
	// structural equality. Returns nil when not found.
	GetTargetData(tx Transaction, target *model.Target) (*model.TargetData, error)
	TargetCount(tx Transaction) (int, error)
	ForEachTarget(tx Transaction, fn func(data *model.TargetData)) error

	AddMatchingKeys(tx Transaction, keys model.DocumentKeySet, targetID model.TargetID) error
	RemoveMatchingKeys(tx Transaction, keys model.DocumentKeySet, targetID model.TargetID) error
	RemoveMatchingKeysForTargetID(tx Transaction, targetID model.TargetID) error
	MatchingKeysForTargetID(tx Transaction, targetID model.TargetID) (model.DocumentKeySet, error)
	// ContainsKey reports whether any target references the key.
	ContainsKey(tx Transaction, key model.DocumentKey) (bool, error)

	LastRemoteSnapshotVersion(tx Transaction) (model.SnapshotVersion, error)
	// SetTargetsMetadata persists the highest observed sequence number
	// and, when non-zero, the last consistent remote snapshot version.
	SetTargetsMetadata(tx Transaction, highestSequenceNumber model.ListenSequenceNumber, version model.SnapshotVersion) error
	HighestSequenceNumber(tx Transaction) (model.ListenSequenceNumber, error)
}

// IndexManager maintains the collection-parent index needed to enumerate
// the concrete collections matched by a collection-group query.
type IndexManager interface {
	// AddToCollectionParentIndex records that a collection exists at
	// collectionPath. Idempotent.
	AddToCollectionParentIndex(tx Transaction, collectionPath model.ResourcePath) error
	// GetCollectionParents returns the parent paths of every collection
	// named collectionID.
	GetCollectionParents(tx Transaction, collectionID string) ([]model.ResourcePath, error)
}

// ReferenceDelegate receives reference-count changes for garbage
// collection. Implementations stamp sequence numbers on orphaned documents
// so the LRU collector can rank them.
type ReferenceDelegate interface {
	// AddReference marks key as referenced by a target or batch.
	AddReference(tx Transaction, targetID model.TargetID, key model.DocumentKey) error
	// RemoveReference marks a target or batch reference dropped; the
	// document may now be orphaned.
	RemoveReference(tx Transaction, targetID model.TargetID, key model.DocumentKey) error
	// RemoveMutationReference records that the key's last pending
	// mutation was removed.
	RemoveMutationReference(tx Transaction, key model.DocumentKey) error
	// RemoveTarget handles a released target; LRU implementations keep
	// the target data and only bump its sequence number.
	RemoveTarget(tx Transaction, data *model.TargetData) error
	// UpdateLimboDocument marks a limbo document access.
	UpdateLimboDocument(tx Transaction, key model.DocumentKey) error
}

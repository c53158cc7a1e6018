package repository

import "firestore-sync/internal/firestore/domain/model"

// LruDelegate exposes the sequence-number bookkeeping the LRU garbage
// collector needs. The persistence's ReferenceDelegate implements it.
type LruDelegate interface {
	// TargetCount returns the number of persisted targets.
	TargetCount(tx Transaction) (int, error)
	ForEachTarget(tx Transaction, fn func(data *model.TargetData)) error
	// SequenceNumberCount returns the number of sequence numbers under
	// consideration: persisted targets plus orphaned documents.
	SequenceNumberCount(tx Transaction) (int, error)
	ForEachOrphanedDocumentSequenceNumber(tx Transaction, fn func(sequenceNumber model.ListenSequenceNumber)) error
	// RemoveTargets drops targets with a sequence number at or below
	// upperBound, excluding the currently active targets. Returns the
	// number removed.
	RemoveTargets(tx Transaction, upperBound model.ListenSequenceNumber, activeTargets map[model.TargetID]*model.TargetData) (int, error)
	// RemoveOrphanedDocuments drops cached documents that no target or
	// mutation batch references, with a sequence number at or below
	// upperBound. Returns the number removed.
	RemoveOrphanedDocuments(tx Transaction, upperBound model.ListenSequenceNumber) (int, error)
	// CacheSize returns the remote document cache's approximate size in
	// bytes for the collection threshold check.
	CacheSize(tx Transaction) (int64, error)
}

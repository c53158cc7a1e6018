package memory

import (
	"firestore-sync/internal/firestore/domain/model"
	"firestore-sync/internal/firestore/domain/repository"
)

// lruReferenceDelegate stamps each reference change with the transaction's
// sequence number. A document whose references all dropped stays cached
// until the LRU collector decides its sequence number is old enough.
type lruReferenceDelegate struct {
	p *Persistence
	// sequenceNumbers remembers the last sequence number at which a key's
	// reference state changed; candidates for collection.
	sequenceNumbers map[string]model.ListenSequenceNumber
}

func newLRUReferenceDelegate(p *Persistence) *lruReferenceDelegate {
	return &lruReferenceDelegate{p: p, sequenceNumbers: map[string]model.ListenSequenceNumber{}}
}

func (d *lruReferenceDelegate) stamp(tx repository.Transaction, key model.DocumentKey) {
	d.sequenceNumbers[key.String()] = tx.CurrentSequenceNumber()
}

func (d *lruReferenceDelegate) AddReference(tx repository.Transaction, targetID model.TargetID, key model.DocumentKey) error {
	d.stamp(tx, key)
	return nil
}

func (d *lruReferenceDelegate) RemoveReference(tx repository.Transaction, targetID model.TargetID, key model.DocumentKey) error {
	d.stamp(tx, key)
	return nil
}

func (d *lruReferenceDelegate) RemoveMutationReference(tx repository.Transaction, key model.DocumentKey) error {
	d.stamp(tx, key)
	return nil
}

func (d *lruReferenceDelegate) RemoveTarget(tx repository.Transaction, data *model.TargetData) error {
	return d.p.targets.UpdateTargetData(tx, data.WithSequenceNumber(tx.CurrentSequenceNumber()))
}

func (d *lruReferenceDelegate) UpdateLimboDocument(tx repository.Transaction, key model.DocumentKey) error {
	d.stamp(tx, key)
	return nil
}

// isOrphaned reports whether nothing pins the key: no target references it
// and no user's queue has a pending write for it.
func (d *lruReferenceDelegate) isOrphaned(key model.DocumentKey) bool {
	if byKey, ok := d.p.targets.targetsByKey[key.String()]; ok && len(byKey) > 0 {
		return false
	}
	return !d.p.mutationQueuesContainKey(key)
}

func (d *lruReferenceDelegate) TargetCount(tx repository.Transaction) (int, error) {
	return d.p.targets.TargetCount(tx)
}

func (d *lruReferenceDelegate) ForEachTarget(tx repository.Transaction, fn func(data *model.TargetData)) error {
	return d.p.targets.ForEachTarget(tx, fn)
}

func (d *lruReferenceDelegate) SequenceNumberCount(tx repository.Transaction) (int, error) {
	count, err := d.p.targets.TargetCount(tx)
	if err != nil {
		return 0, err
	}
	d.forEachOrphaned(func(keyString string, sequenceNumber model.ListenSequenceNumber) {
		count++
	})
	return count, nil
}

func (d *lruReferenceDelegate) ForEachOrphanedDocumentSequenceNumber(tx repository.Transaction, fn func(sequenceNumber model.ListenSequenceNumber)) error {
	d.forEachOrphaned(func(keyString string, sequenceNumber model.ListenSequenceNumber) {
		fn(sequenceNumber)
	})
	return nil
}

func (d *lruReferenceDelegate) forEachOrphaned(fn func(keyString string, sequenceNumber model.ListenSequenceNumber)) {
	for keyString, sequenceNumber := range d.sequenceNumbers {
		if d.isOrphaned(model.MustDocumentKey(keyString)) {
			fn(keyString, sequenceNumber)
		}
	}
}

func (d *lruReferenceDelegate) RemoveTargets(tx repository.Transaction, upperBound model.ListenSequenceNumber, activeTargets map[model.TargetID]*model.TargetData) (int, error) {
	var toRemove []*model.TargetData
	err := d.p.targets.ForEachTarget(tx, func(data *model.TargetData) {
		if data.SequenceNumber > upperBound {
			return
		}
		if _, active := activeTargets[data.TargetID]; active {
			return
		}
		toRemove = append(toRemove, data)
	})
	if err != nil {
		return 0, err
	}
	for _, data := range toRemove {
		if err := d.p.targets.RemoveTargetData(tx, data); err != nil {
			return 0, err
		}
	}
	return len(toRemove), nil
}

func (d *lruReferenceDelegate) RemoveOrphanedDocuments(tx repository.Transaction, upperBound model.ListenSequenceNumber) (int, error) {
	removed := 0
	var collected []string
	d.forEachOrphaned(func(keyString string, sequenceNumber model.ListenSequenceNumber) {
		if sequenceNumber <= upperBound {
			collected = append(collected, keyString)
		}
	})
	for _, keyString := range collected {
		key := model.MustDocumentKey(keyString)
		d.p.remoteDocuments.removeEntry(key)
		delete(d.sequenceNumbers, keyString)
		removed++
	}
	return removed, nil
}

func (d *lruReferenceDelegate) CacheSize(tx repository.Transaction) (int64, error) {
	return d.p.remoteDocuments.Size(tx)
}

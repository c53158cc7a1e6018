package mongodb

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"firestore-sync/internal/firestore/domain/model"
	"firestore-sync/internal/firestore/domain/repository"
	"firestore-sync/internal/shared/errors"
)

// sentinelRow remembers the last sequence number at which a document's
// reference state changed; the LRU collector ranks orphans by it.
type sentinelRow struct {
	Path           string `bson:"_id"`
	SequenceNumber int64  `bson:"sequenceNumber"`
}

// lruReferenceDelegate stamps each reference change with the transaction's
// sequence number. A document whose references all dropped stays cached
// until the collector decides its sequence number is old enough.
type lruReferenceDelegate struct {
	p *Persistence
}

func (d *lruReferenceDelegate) stamp(tx repository.Transaction, key model.DocumentKey) error {
	row := sentinelRow{Path: key.String(), SequenceNumber: int64(tx.CurrentSequenceNumber())}
	_, err := d.p.collection(collSentinels).ReplaceOne(txContext(tx),
		bson.M{"_id": row.Path}, row, options.Replace().SetUpsert(true))
	if err != nil {
		return errors.NewStorageUnavailable(err)
	}
	return nil
}

func (d *lruReferenceDelegate) AddReference(tx repository.Transaction, targetID model.TargetID, key model.DocumentKey) error {
	return d.stamp(tx, key)
}

func (d *lruReferenceDelegate) RemoveReference(tx repository.Transaction, targetID model.TargetID, key model.DocumentKey) error {
	return d.stamp(tx, key)
}

func (d *lruReferenceDelegate) RemoveMutationReference(tx repository.Transaction, key model.DocumentKey) error {
	return d.stamp(tx, key)
}

func (d *lruReferenceDelegate) RemoveTarget(tx repository.Transaction, data *model.TargetData) error {
	return d.p.targets.UpdateTargetData(tx, data.WithSequenceNumber(tx.CurrentSequenceNumber()))
}

func (d *lruReferenceDelegate) UpdateLimboDocument(tx repository.Transaction, key model.DocumentKey) error {
	return d.stamp(tx, key)
}

// isOrphaned reports whether nothing pins the key: no target references it
// and no user's queue has a pending write for it.
func (d *lruReferenceDelegate) isOrphaned(tx repository.Transaction, key model.DocumentKey) (bool, error) {
	referenced, err := d.p.targets.ContainsKey(tx, key)
	if err != nil || referenced {
		return false, err
	}
	pending, err := d.p.mutationQueuesContainKey(txContext(tx), key)
	if err != nil {
		return false, err
	}
	return !pending, nil
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
	err = d.forEachOrphaned(tx, func(keyString string, sequenceNumber model.ListenSequenceNumber) error {
		count++
		return nil
	})
	return count, err
}

func (d *lruReferenceDelegate) ForEachOrphanedDocumentSequenceNumber(tx repository.Transaction, fn func(sequenceNumber model.ListenSequenceNumber)) error {
	return d.forEachOrphaned(tx, func(keyString string, sequenceNumber model.ListenSequenceNumber) error {
		fn(sequenceNumber)
		return nil
	})
}

func (d *lruReferenceDelegate) forEachOrphaned(tx repository.Transaction, fn func(keyString string, sequenceNumber model.ListenSequenceNumber) error) error {
	ctx := txContext(tx)
	cursor, err := d.p.collection(collSentinels).Find(ctx, bson.M{})
	if err != nil {
		return errors.NewStorageUnavailable(err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var row sentinelRow
		if err := cursor.Decode(&row); err != nil {
			return errors.NewStorageUnavailable(err)
		}
		orphaned, err := d.isOrphaned(tx, model.MustDocumentKey(row.Path))
		if err != nil {
			return err
		}
		if !orphaned {
			continue
		}
		if err := fn(row.Path, model.ListenSequenceNumber(row.SequenceNumber)); err != nil {
			return err
		}
	}
	if err := cursor.Err(); err != nil {
		return errors.NewStorageUnavailable(err)
	}
	return nil
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
	var collected []string
	err := d.forEachOrphaned(tx, func(keyString string, sequenceNumber model.ListenSequenceNumber) error {
		if sequenceNumber <= upperBound {
			collected = append(collected, keyString)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	ctx := txContext(tx)
	for _, keyString := range collected {
		if err := d.p.remoteDocuments.removeEntry(tx, model.MustDocumentKey(keyString)); err != nil {
			return 0, err
		}
		if err := d.deleteSentinel(ctx, keyString); err != nil {
			return 0, err
		}
	}
	return len(collected), nil
}

func (d *lruReferenceDelegate) deleteSentinel(ctx context.Context, keyString string) error {
	if _, err := d.p.collection(collSentinels).DeleteOne(ctx, bson.M{"_id": keyString}); err != nil {
		return errors.NewStorageUnavailable(err)
	}
	return nil
}

func (d *lruReferenceDelegate) CacheSize(tx repository.Transaction) (int64, error) {
	return d.p.remoteDocuments.Size(tx)
}

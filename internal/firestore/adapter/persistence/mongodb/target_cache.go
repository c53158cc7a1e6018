package mongodb

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"firestore-sync/internal/firestore/domain/model"
	"firestore-sync/internal/firestore/domain/repository"
	"firestore-sync/internal/shared/errors"
)

type targetRow struct {
	CanonicalID string `bson:"_id"`
	TargetID    int32  `bson:"targetId"`
	Data        []byte `bson:"data"`
}

type targetDocumentRow struct {
	TargetID int32  `bson:"targetId"`
	Path     string `bson:"path"`
}

// metadataRow is the singleton global-state document.
type metadataRow struct {
	ID                    string `bson:"_id"`
	HighestTargetID       int32  `bson:"highestTargetId"`
	HighestSequenceNumber int64  `bson:"highestSequenceNumber"`
	SnapshotSeconds       int64  `bson:"snapshotSeconds"`
	SnapshotNanos         int32  `bson:"snapshotNanos"`
}

// targetCache persists allocated targets and the target-to-document
// reference index.
type targetCache struct {
	p *Persistence
}

func (c *targetCache) coll() *mongo.Collection     { return c.p.collection(collTargets) }
func (c *targetCache) docsColl() *mongo.Collection { return c.p.collection(collTargetDocuments) }
func (c *targetCache) metaColl() *mongo.Collection { return c.p.collection(collMetadata) }

func (c *targetCache) loadMetadata(ctx context.Context) (metadataRow, error) {
	var row metadataRow
	err := c.metaColl().FindOne(ctx, bson.M{"_id": metadataDocID}).Decode(&row)
	if err == mongo.ErrNoDocuments {
		return metadataRow{ID: metadataDocID}, nil
	}
	if err != nil {
		return metadataRow{}, errors.NewStorageUnavailable(err)
	}
	return row, nil
}

func (c *targetCache) saveMetadata(ctx context.Context, row metadataRow) error {
	row.ID = metadataDocID
	_, err := c.metaColl().ReplaceOne(ctx, bson.M{"_id": metadataDocID}, row, options.Replace().SetUpsert(true))
	if err != nil {
		return errors.NewStorageUnavailable(err)
	}
	return nil
}

func (c *targetCache) loadHighestSequenceNumber(ctx context.Context) (model.ListenSequenceNumber, error) {
	meta, err := c.loadMetadata(ctx)
	if err != nil {
		return 0, err
	}
	return model.ListenSequenceNumber(meta.HighestSequenceNumber), nil
}

func (c *targetCache) AllocateTargetID(tx repository.Transaction) (model.TargetID, error) {
	ctx := txContext(tx)
	meta, err := c.loadMetadata(ctx)
	if err != nil {
		return 0, err
	}
	meta.HighestTargetID += 2
	if err := c.saveMetadata(ctx, meta); err != nil {
		return 0, err
	}
	return model.TargetID(meta.HighestTargetID), nil
}

func (c *targetCache) AddTargetData(tx repository.Transaction, data *model.TargetData) error {
	ctx := txContext(tx)
	encoded, err := encodeTargetData(data)
	if err != nil {
		return err
	}
	row := targetRow{
		CanonicalID: data.Target.CanonicalID(),
		TargetID:    int32(data.TargetID),
		Data:        encoded,
	}
	if _, err := c.coll().ReplaceOne(ctx, bson.M{"_id": row.CanonicalID}, row, options.Replace().SetUpsert(true)); err != nil {
		return errors.NewStorageUnavailable(err)
	}

	meta, err := c.loadMetadata(ctx)
	if err != nil {
		return err
	}
	changed := false
	if int32(data.TargetID) > meta.HighestTargetID {
		meta.HighestTargetID = int32(data.TargetID)
		changed = true
	}
	if int64(data.SequenceNumber) > meta.HighestSequenceNumber {
		meta.HighestSequenceNumber = int64(data.SequenceNumber)
		changed = true
	}
	if changed {
		return c.saveMetadata(ctx, meta)
	}
	return nil
}

func (c *targetCache) UpdateTargetData(tx repository.Transaction, data *model.TargetData) error {
	count, err := c.coll().CountDocuments(txContext(tx), bson.M{"_id": data.Target.CanonicalID()}, options.Count().SetLimit(1))
	if err != nil {
		return errors.NewStorageUnavailable(err)
	}
	if count == 0 {
		return errors.New(errors.CodeInternal, "updating unknown target")
	}
	return c.AddTargetData(tx, data)
}

func (c *targetCache) RemoveTargetData(tx repository.Transaction, data *model.TargetData) error {
	if _, err := c.coll().DeleteOne(txContext(tx), bson.M{"_id": data.Target.CanonicalID()}); err != nil {
		return errors.NewStorageUnavailable(err)
	}
	return c.RemoveMatchingKeysForTargetID(tx, data.TargetID)
}

func (c *targetCache) GetTargetData(tx repository.Transaction, target *model.Target) (*model.TargetData, error) {
	var row targetRow
	err := c.coll().FindOne(txContext(tx), bson.M{"_id": target.CanonicalID()}).Decode(&row)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewStorageUnavailable(err)
	}
	data, err := decodeTargetData(row.Data)
	if err != nil {
		return nil, err
	}
	// Canonical ids can collide across structurally different targets.
	if !data.Target.Equal(target) {
		return nil, nil
	}
	return data, nil
}

func (c *targetCache) TargetCount(tx repository.Transaction) (int, error) {
	count, err := c.coll().CountDocuments(txContext(tx), bson.M{})
	if err != nil {
		return 0, errors.NewStorageUnavailable(err)
	}
	return int(count), nil
}

func (c *targetCache) ForEachTarget(tx repository.Transaction, fn func(data *model.TargetData)) error {
	ctx := txContext(tx)
	cursor, err := c.coll().Find(ctx, bson.M{})
	if err != nil {
		return errors.NewStorageUnavailable(err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var row targetRow
		if err := cursor.Decode(&row); err != nil {
			return errors.NewStorageUnavailable(err)
		}
		data, err := decodeTargetData(row.Data)
		if err != nil {
			return err
		}
		fn(data)
	}
	if err := cursor.Err(); err != nil {
		return errors.NewStorageUnavailable(err)
	}
	return nil
}

func (c *targetCache) AddMatchingKeys(tx repository.Transaction, keys model.DocumentKeySet, targetID model.TargetID) error {
	if len(keys) == 0 {
		return nil
	}
	ctx := txContext(tx)

	writes := make([]mongo.WriteModel, 0, len(keys))
	for _, key := range keys {
		filter := bson.M{"targetId": int32(targetID), "path": key.String()}
		row := targetDocumentRow{TargetID: int32(targetID), Path: key.String()}
		writes = append(writes, mongo.NewReplaceOneModel().SetFilter(filter).SetReplacement(row).SetUpsert(true))
	}
	if _, err := c.docsColl().BulkWrite(ctx, writes); err != nil {
		return errors.NewStorageUnavailable(err)
	}

	for _, key := range keys {
		if err := c.p.delegate.AddReference(tx, targetID, key); err != nil {
			return err
		}
	}
	return nil
}

func (c *targetCache) RemoveMatchingKeys(tx repository.Transaction, keys model.DocumentKeySet, targetID model.TargetID) error {
	if len(keys) == 0 {
		return nil
	}
	ctx := txContext(tx)

	paths := make([]string, 0, len(keys))
	for _, key := range keys {
		paths = append(paths, key.String())
	}
	if _, err := c.docsColl().DeleteMany(ctx, bson.M{"targetId": int32(targetID), "path": bson.M{"$in": paths}}); err != nil {
		return errors.NewStorageUnavailable(err)
	}

	for _, key := range keys {
		if err := c.p.delegate.RemoveReference(tx, targetID, key); err != nil {
			return err
		}
	}
	return nil
}

func (c *targetCache) RemoveMatchingKeysForTargetID(tx repository.Transaction, targetID model.TargetID) error {
	if _, err := c.docsColl().DeleteMany(txContext(tx), bson.M{"targetId": int32(targetID)}); err != nil {
		return errors.NewStorageUnavailable(err)
	}
	return nil
}

func (c *targetCache) MatchingKeysForTargetID(tx repository.Transaction, targetID model.TargetID) (model.DocumentKeySet, error) {
	ctx := txContext(tx)
	cursor, err := c.docsColl().Find(ctx, bson.M{"targetId": int32(targetID)})
	if err != nil {
		return nil, errors.NewStorageUnavailable(err)
	}
	defer cursor.Close(ctx)

	keys := model.DocumentKeySet{}
	for cursor.Next(ctx) {
		var row targetDocumentRow
		if err := cursor.Decode(&row); err != nil {
			return nil, errors.NewStorageUnavailable(err)
		}
		keys.Add(model.MustDocumentKey(row.Path))
	}
	if err := cursor.Err(); err != nil {
		return nil, errors.NewStorageUnavailable(err)
	}
	return keys, nil
}

func (c *targetCache) ContainsKey(tx repository.Transaction, key model.DocumentKey) (bool, error) {
	count, err := c.docsColl().CountDocuments(txContext(tx), bson.M{"path": key.String()}, options.Count().SetLimit(1))
	if err != nil {
		return false, errors.NewStorageUnavailable(err)
	}
	return count > 0, nil
}

func (c *targetCache) LastRemoteSnapshotVersion(tx repository.Transaction) (model.SnapshotVersion, error) {
	meta, err := c.loadMetadata(txContext(tx))
	if err != nil {
		return model.SnapshotVersionMin, err
	}
	return storedTimestamp{Seconds: meta.SnapshotSeconds, Nanos: meta.SnapshotNanos}.version(), nil
}

func (c *targetCache) SetTargetsMetadata(tx repository.Transaction, highestSequenceNumber model.ListenSequenceNumber, version model.SnapshotVersion) error {
	ctx := txContext(tx)
	meta, err := c.loadMetadata(ctx)
	if err != nil {
		return err
	}
	if int64(highestSequenceNumber) > meta.HighestSequenceNumber {
		meta.HighestSequenceNumber = int64(highestSequenceNumber)
	}
	if !version.IsZero() {
		ts := version.Timestamp()
		meta.SnapshotSeconds = ts.Seconds
		meta.SnapshotNanos = ts.Nanos
	}
	return c.saveMetadata(ctx, meta)
}

func (c *targetCache) HighestSequenceNumber(tx repository.Transaction) (model.ListenSequenceNumber, error) {
	meta, err := c.loadMetadata(txContext(tx))
	if err != nil {
		return 0, err
	}
	return model.ListenSequenceNumber(meta.HighestSequenceNumber), nil
}

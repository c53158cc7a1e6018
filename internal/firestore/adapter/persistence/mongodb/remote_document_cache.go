package mongodb

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"firestore-sync/internal/firestore/domain/model"
	"firestore-sync/internal/firestore/domain/repository"
	"firestore-sync/internal/shared/errors"
)

// documentRow is the bson envelope per cached document. parentPath backs
// the query scan, readTime backs since-read-time narrowing, size backs the
// LRU threshold check.
type documentRow struct {
	Path        string `bson:"_id"`
	ParentPath  string `bson:"parentPath"`
	ReadSeconds int64  `bson:"readSeconds"`
	ReadNanos   int32  `bson:"readNanos"`
	Size        int64  `bson:"size"`
	HasDocument bool   `bson:"hasDocument"`
	Data        []byte `bson:"data"`
}

// remoteDocumentCache persists the last known server state per document.
type remoteDocumentCache struct {
	p *Persistence
}

func (c *remoteDocumentCache) coll() *mongo.Collection { return c.p.collection(collRemoteDocuments) }

func (c *remoteDocumentCache) GetEntry(tx repository.Transaction, key model.DocumentKey) (model.MaybeDocument, error) {
	var row documentRow
	err := c.coll().FindOne(txContext(tx), bson.M{"_id": key.String()}).Decode(&row)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewStorageUnavailable(err)
	}
	return decodeMaybeDocument(row.Data)
}

func (c *remoteDocumentCache) GetEntries(tx repository.Transaction, keys model.DocumentKeySet) (model.MaybeDocumentMap, error) {
	result := model.MaybeDocumentMap{}
	if len(keys) == 0 {
		return result, nil
	}
	ctx := txContext(tx)

	paths := make([]string, 0, len(keys))
	for _, key := range keys {
		paths = append(paths, key.String())
	}
	cursor, err := c.coll().Find(ctx, bson.M{"_id": bson.M{"$in": paths}})
	if err != nil {
		return nil, errors.NewStorageUnavailable(err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var row documentRow
		if err := cursor.Decode(&row); err != nil {
			return nil, errors.NewStorageUnavailable(err)
		}
		doc, err := decodeMaybeDocument(row.Data)
		if err != nil {
			return nil, err
		}
		result.Put(doc)
	}
	if err := cursor.Err(); err != nil {
		return nil, errors.NewStorageUnavailable(err)
	}
	return result, nil
}

func (c *remoteDocumentCache) GetDocumentsMatchingQuery(tx repository.Transaction, query *model.Query, sinceReadTime model.SnapshotVersion) (map[string]*model.Document, error) {
	ctx := txContext(tx)

	filter := bson.M{"parentPath": query.Path.String(), "hasDocument": true}
	if !sinceReadTime.IsZero() {
		since := sinceReadTime.Timestamp()
		filter["$or"] = bson.A{
			bson.M{"readSeconds": bson.M{"$gt": since.Seconds}},
			bson.M{"readSeconds": since.Seconds, "readNanos": bson.M{"$gt": since.Nanos}},
		}
	}

	cursor, err := c.coll().Find(ctx, filter)
	if err != nil {
		return nil, errors.NewStorageUnavailable(err)
	}
	defer cursor.Close(ctx)

	result := map[string]*model.Document{}
	for cursor.Next(ctx) {
		var row documentRow
		if err := cursor.Decode(&row); err != nil {
			return nil, errors.NewStorageUnavailable(err)
		}
		maybeDoc, err := decodeMaybeDocument(row.Data)
		if err != nil {
			return nil, err
		}
		doc, ok := maybeDoc.(*model.Document)
		if !ok {
			continue
		}
		if query.Matches(doc) {
			result[doc.Key().String()] = doc
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, errors.NewStorageUnavailable(err)
	}
	return result, nil
}

func (c *remoteDocumentCache) NewChangeBuffer() repository.RemoteDocumentChangeBuffer {
	return &changeBuffer{cache: c, changes: map[string]bufferedChange{}}
}

func (c *remoteDocumentCache) Size(tx repository.Transaction) (int64, error) {
	cursor, err := c.coll().Aggregate(txContext(tx), mongo.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": nil, "total": bson.M{"$sum": "$size"}}}},
	})
	if err != nil {
		return 0, errors.NewStorageUnavailable(err)
	}
	defer cursor.Close(txContext(tx))

	var agg struct {
		Total int64 `bson:"total"`
	}
	if cursor.Next(txContext(tx)) {
		if err := cursor.Decode(&agg); err != nil {
			return 0, errors.NewStorageUnavailable(err)
		}
	}
	if err := cursor.Err(); err != nil {
		return 0, errors.NewStorageUnavailable(err)
	}
	return agg.Total, nil
}

func (c *remoteDocumentCache) addEntry(tx repository.Transaction, doc model.MaybeDocument, readTime model.SnapshotVersion) error {
	data, err := encodeMaybeDocument(doc)
	if err != nil {
		return err
	}
	_, isDocument := doc.(*model.Document)
	read := readTime.Timestamp()
	row := documentRow{
		Path:        doc.Key().String(),
		ParentPath:  doc.Key().CollectionPath().String(),
		ReadSeconds: read.Seconds,
		ReadNanos:   read.Nanos,
		Size:        int64(len(data)),
		HasDocument: isDocument,
		Data:        data,
	}
	if _, err := c.coll().ReplaceOne(txContext(tx), bson.M{"_id": row.Path}, row, options.Replace().SetUpsert(true)); err != nil {
		return errors.NewStorageUnavailable(err)
	}
	return c.p.index.AddToCollectionParentIndex(tx, doc.Key().CollectionPath())
}

func (c *remoteDocumentCache) removeEntry(tx repository.Transaction, key model.DocumentKey) error {
	if _, err := c.coll().DeleteOne(txContext(tx), bson.M{"_id": key.String()}); err != nil {
		return errors.NewStorageUnavailable(err)
	}
	return nil
}

type bufferedChange struct {
	doc      model.MaybeDocument
	readTime model.SnapshotVersion
}

// changeBuffer stages writes in memory until Apply, so a remote event's
// document updates land with one write pass. Staged entries shadow the
// stored state for reads through the buffer.
type changeBuffer struct {
	cache   *remoteDocumentCache
	changes map[string]bufferedChange
	applied bool
}

func (b *changeBuffer) AddEntry(doc model.MaybeDocument, readTime model.SnapshotVersion) {
	b.changes[doc.Key().String()] = bufferedChange{doc: doc, readTime: readTime}
}

func (b *changeBuffer) RemoveEntry(key model.DocumentKey, readTime model.SnapshotVersion) {
	b.changes[key.String()] = bufferedChange{readTime: readTime}
}

func (b *changeBuffer) GetEntry(tx repository.Transaction, key model.DocumentKey) (model.MaybeDocument, error) {
	if change, ok := b.changes[key.String()]; ok {
		return change.doc, nil
	}
	return b.cache.GetEntry(tx, key)
}

func (b *changeBuffer) GetEntries(tx repository.Transaction, keys model.DocumentKeySet) (model.MaybeDocumentMap, error) {
	result := model.MaybeDocumentMap{}
	remaining := model.DocumentKeySet{}
	for _, key := range keys {
		if change, ok := b.changes[key.String()]; ok {
			if change.doc != nil {
				result.Put(change.doc)
			}
		} else {
			remaining.Add(key)
		}
	}
	fromCache, err := b.cache.GetEntries(tx, remaining)
	if err != nil {
		return nil, err
	}
	for _, doc := range fromCache {
		result.Put(doc)
	}
	return result, nil
}

func (b *changeBuffer) Apply(tx repository.Transaction) error {
	b.applied = true
	for keyString, change := range b.changes {
		if change.doc != nil {
			if err := b.cache.addEntry(tx, change.doc, change.readTime); err != nil {
				return err
			}
		} else {
			if err := b.cache.removeEntry(tx, model.MustDocumentKey(keyString)); err != nil {
				return err
			}
		}
	}
	b.changes = map[string]bufferedChange{}
	return nil
}

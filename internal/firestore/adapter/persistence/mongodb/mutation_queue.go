package mongodb

import (
	"context"
	"regexp"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"firestore-sync/internal/firestore/domain/model"
	"firestore-sync/internal/firestore/domain/repository"
	"firestore-sync/internal/shared/errors"
)

// batchRow is the bson envelope per mutation batch. keys duplicates the
// batch's document paths so affecting-key queries stay index-backed.
type batchRow struct {
	UserID  string   `bson:"userId"`
	BatchID int64    `bson:"batchId"`
	Keys    []string `bson:"keys"`
	Data    []byte   `bson:"data"`
}

type tokenRow struct {
	UserID string `bson:"_id"`
	Token  []byte `bson:"token"`
}

// mutationQueue persists one user's pending batches in batch id order.
type mutationQueue struct {
	p      *Persistence
	userID string

	// nextBatchID is lazily seeded from the highest stored batch id so
	// ids keep growing across restarts.
	nextBatchID model.BatchID
}

func newMutationQueue(p *Persistence, userID string) *mutationQueue {
	return &mutationQueue{p: p, userID: userID}
}

func (q *mutationQueue) coll() *mongo.Collection { return q.p.collection(collMutations) }

func (q *mutationQueue) IsEmpty(tx repository.Transaction) (bool, error) {
	ctx := txContext(tx)
	count, err := q.coll().CountDocuments(ctx, bson.M{"userId": q.userID}, options.Count().SetLimit(1))
	if err != nil {
		return false, errors.NewStorageUnavailable(err)
	}
	return count == 0, nil
}

func (q *mutationQueue) AddMutationBatch(tx repository.Transaction, localWriteTime model.Timestamp, baseMutations, mutations []model.Mutation) (*model.MutationBatch, error) {
	if len(mutations) == 0 {
		return nil, errors.NewInvalidArgument("mutation batches must not be empty")
	}
	ctx := txContext(tx)

	if q.nextBatchID == 0 {
		highest, err := q.HighestUnacknowledgedBatchID(tx)
		if err != nil {
			return nil, err
		}
		q.nextBatchID = highest + 1
		if highest == repository.BatchIDUnknown {
			q.nextBatchID = 1
		}
	}

	batch := model.NewMutationBatch(q.nextBatchID, localWriteTime, baseMutations, mutations)
	data, err := encodeBatch(batch)
	if err != nil {
		return nil, err
	}

	keys := batch.Keys()
	paths := make([]string, 0, len(keys))
	for _, key := range keys {
		paths = append(paths, key.String())
	}

	if _, err := q.coll().InsertOne(ctx, batchRow{
		UserID:  q.userID,
		BatchID: int64(batch.ID),
		Keys:    paths,
		Data:    data,
	}); err != nil {
		return nil, errors.NewStorageUnavailable(err)
	}
	q.nextBatchID++
	return batch, nil
}

func (q *mutationQueue) LookupMutationBatch(tx repository.Transaction, batchID model.BatchID) (*model.MutationBatch, error) {
	return q.findOne(txContext(tx), bson.M{"userId": q.userID, "batchId": int64(batchID)}, nil)
}

func (q *mutationQueue) NextMutationBatchAfterBatchID(tx repository.Transaction, batchID model.BatchID) (*model.MutationBatch, error) {
	filter := bson.M{"userId": q.userID, "batchId": bson.M{"$gt": int64(batchID)}}
	return q.findOne(txContext(tx), filter, options.FindOne().SetSort(bson.D{{Key: "batchId", Value: 1}}))
}

func (q *mutationQueue) HighestUnacknowledgedBatchID(tx repository.Transaction) (model.BatchID, error) {
	batch, err := q.findOne(txContext(tx), bson.M{"userId": q.userID}, options.FindOne().SetSort(bson.D{{Key: "batchId", Value: -1}}))
	if err != nil {
		return repository.BatchIDUnknown, err
	}
	if batch == nil {
		return repository.BatchIDUnknown, nil
	}
	return batch.ID, nil
}

func (q *mutationQueue) AllMutationBatches(tx repository.Transaction) ([]*model.MutationBatch, error) {
	return q.findAll(txContext(tx), bson.M{"userId": q.userID})
}

func (q *mutationQueue) AllMutationBatchesAffectingDocumentKey(tx repository.Transaction, key model.DocumentKey) ([]*model.MutationBatch, error) {
	return q.findAll(txContext(tx), bson.M{"userId": q.userID, "keys": key.String()})
}

func (q *mutationQueue) AllMutationBatchesAffectingDocumentKeys(tx repository.Transaction, keys model.DocumentKeySet) ([]*model.MutationBatch, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	paths := make([]string, 0, len(keys))
	for _, key := range keys {
		paths = append(paths, key.String())
	}
	return q.findAll(txContext(tx), bson.M{"userId": q.userID, "keys": bson.M{"$in": paths}})
}

func (q *mutationQueue) AllMutationBatchesAffectingQuery(tx repository.Transaction, query *model.Query) ([]*model.MutationBatch, error) {
	// Match batches writing documents directly under the query path:
	// prefix on the path plus exactly one more segment pair.
	batches, err := q.findAll(txContext(tx), bson.M{
		"userId": q.userID,
		"keys":   bson.M{"$regex": "^" + regexp.QuoteMeta(query.Path.String()) + "/[^/]+$"},
	})
	if err != nil {
		return nil, err
	}
	return batches, nil
}

func (q *mutationQueue) RemoveMutationBatch(tx repository.Transaction, batch *model.MutationBatch) error {
	ctx := txContext(tx)

	oldest, err := q.findOne(ctx, bson.M{"userId": q.userID}, options.FindOne().SetSort(bson.D{{Key: "batchId", Value: 1}}))
	if err != nil {
		return err
	}
	if oldest == nil || oldest.ID != batch.ID {
		return errors.New(errors.CodeInternal, "mutation batches must be removed in batch id order")
	}

	if _, err := q.coll().DeleteOne(ctx, bson.M{"userId": q.userID, "batchId": int64(batch.ID)}); err != nil {
		return errors.NewStorageUnavailable(err)
	}
	for _, key := range batch.Keys() {
		if err := q.p.delegate.RemoveMutationReference(tx, key); err != nil {
			return err
		}
	}
	return nil
}

func (q *mutationQueue) SetLastStreamToken(tx repository.Transaction, token []byte) error {
	ctx := txContext(tx)
	_, err := q.p.collection(collStreamTokens).ReplaceOne(ctx,
		bson.M{"_id": q.userID},
		tokenRow{UserID: q.userID, Token: token},
		options.Replace().SetUpsert(true))
	if err != nil {
		return errors.NewStorageUnavailable(err)
	}
	return nil
}

func (q *mutationQueue) LastStreamToken(tx repository.Transaction) ([]byte, error) {
	var row tokenRow
	err := q.p.collection(collStreamTokens).FindOne(txContext(tx), bson.M{"_id": q.userID}).Decode(&row)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewStorageUnavailable(err)
	}
	return row.Token, nil
}

func (q *mutationQueue) findOne(ctx context.Context, filter bson.M, opts *options.FindOneOptions) (*model.MutationBatch, error) {
	var row batchRow
	var err error
	if opts != nil {
		err = q.coll().FindOne(ctx, filter, opts).Decode(&row)
	} else {
		err = q.coll().FindOne(ctx, filter).Decode(&row)
	}
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewStorageUnavailable(err)
	}
	return decodeBatch(row.Data)
}

func (q *mutationQueue) findAll(ctx context.Context, filter bson.M) ([]*model.MutationBatch, error) {
	cursor, err := q.coll().Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "batchId", Value: 1}}))
	if err != nil {
		return nil, errors.NewStorageUnavailable(err)
	}
	defer cursor.Close(ctx)

	var batches []*model.MutationBatch
	for cursor.Next(ctx) {
		var row batchRow
		if err := cursor.Decode(&row); err != nil {
			return nil, errors.NewStorageUnavailable(err)
		}
		batch, err := decodeBatch(row.Data)
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}
	if err := cursor.Err(); err != nil {
		return nil, errors.NewStorageUnavailable(err)
	}
	return batches, nil
}

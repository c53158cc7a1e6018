package memory

import (
	"firestore-sync/internal/firestore/domain/model"
	"firestore-sync/internal/firestore/domain/repository"
	"firestore-sync/internal/shared/errors"
)

// mutationQueue keeps one user's pending batches in batch id order.
type mutationQueue struct {
	delegate        *lruReferenceDelegate
	batches         []*model.MutationBatch
	nextBatchID     model.BatchID
	lastStreamToken []byte
}

func newMutationQueue(delegate *lruReferenceDelegate) *mutationQueue {
	return &mutationQueue{delegate: delegate, nextBatchID: 1}
}

func (q *mutationQueue) IsEmpty(tx repository.Transaction) (bool, error) {
	return len(q.batches) == 0, nil
}

func (q *mutationQueue) AddMutationBatch(tx repository.Transaction, localWriteTime model.Timestamp, baseMutations, mutations []model.Mutation) (*model.MutationBatch, error) {
	if len(mutations) == 0 {
		return nil, errors.NewInvalidArgument("mutation batches must not be empty")
	}
	batch := model.NewMutationBatch(q.nextBatchID, localWriteTime, baseMutations, mutations)
	q.nextBatchID++
	q.batches = append(q.batches, batch)
	return batch, nil
}

func (q *mutationQueue) LookupMutationBatch(tx repository.Transaction, batchID model.BatchID) (*model.MutationBatch, error) {
	for _, batch := range q.batches {
		if batch.ID == batchID {
			return batch, nil
		}
	}
	return nil, nil
}

func (q *mutationQueue) NextMutationBatchAfterBatchID(tx repository.Transaction, batchID model.BatchID) (*model.MutationBatch, error) {
	for _, batch := range q.batches {
		if batch.ID > batchID {
			return batch, nil
		}
	}
	return nil, nil
}

func (q *mutationQueue) HighestUnacknowledgedBatchID(tx repository.Transaction) (model.BatchID, error) {
	if len(q.batches) == 0 {
		return repository.BatchIDUnknown, nil
	}
	return q.batches[len(q.batches)-1].ID, nil
}

func (q *mutationQueue) AllMutationBatches(tx repository.Transaction) ([]*model.MutationBatch, error) {
	return append([]*model.MutationBatch(nil), q.batches...), nil
}

func (q *mutationQueue) AllMutationBatchesAffectingDocumentKey(tx repository.Transaction, key model.DocumentKey) ([]*model.MutationBatch, error) {
	var result []*model.MutationBatch
	for _, batch := range q.batches {
		if batch.Keys().Contains(key) {
			result = append(result, batch)
		}
	}
	return result, nil
}

func (q *mutationQueue) AllMutationBatchesAffectingDocumentKeys(tx repository.Transaction, keys model.DocumentKeySet) ([]*model.MutationBatch, error) {
	var result []*model.MutationBatch
	for _, batch := range q.batches {
		batchKeys := batch.Keys()
		for _, key := range keys {
			if batchKeys.Contains(key) {
				result = append(result, batch)
				break
			}
		}
	}
	return result, nil
}

func (q *mutationQueue) AllMutationBatchesAffectingQuery(tx repository.Transaction, query *model.Query) ([]*model.MutationBatch, error) {
	var result []*model.MutationBatch
	for _, batch := range q.batches {
		for _, key := range batch.Keys() {
			if query.Path.IsImmediateParentOf(key.Path) {
				result = append(result, batch)
				break
			}
		}
	}
	return result, nil
}

func (q *mutationQueue) RemoveMutationBatch(tx repository.Transaction, batch *model.MutationBatch) error {
	if len(q.batches) == 0 || q.batches[0].ID != batch.ID {
		return errors.New(errors.CodeInternal, "mutation batches must be removed in batch id order")
	}
	q.batches = q.batches[1:]
	for _, key := range batch.Keys() {
		if err := q.delegate.RemoveMutationReference(tx, key); err != nil {
			return err
		}
	}
	return nil
}

func (q *mutationQueue) SetLastStreamToken(tx repository.Transaction, token []byte) error {
	q.lastStreamToken = token
	return nil
}

func (q *mutationQueue) LastStreamToken(tx repository.Transaction) ([]byte, error) {
	return q.lastStreamToken, nil
}

func (q *mutationQueue) containsKey(key model.DocumentKey) bool {
	for _, batch := range q.batches {
		if batch.Keys().Contains(key) {
			return true
		}
	}
	return false
}

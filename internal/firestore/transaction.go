package firestore

import (
	"context"

	"firestore-sync/internal/firestore/domain/model"
	"firestore-sync/internal/firestore/domain/repository"
	"firestore-sync/internal/shared/errors"
	"firestore-sync/internal/shared/logger"

	"go.uber.org/zap"
)

// transactionAttempts is how many times RunTransaction retries the
// update function before giving up on contention.
const transactionAttempts = 5

// TransactionFunc is the user's update function. It may be invoked
// several times when the commit loses a race; it must only mutate
// state through the passed Transaction.
type TransactionFunc func(ctx context.Context, tx *Transaction) error

// Transaction accumulates reads and writes against the backend's
// unary endpoints. Reads record the version they observed; commit
// turns every read into a version check so the whole batch applies
// atomically or not at all. Writes bypass the local mutation queue,
// so the result only becomes visible locally through the watch stream.
type Transaction struct {
	datastore repository.Datastore

	readVersions map[string]model.SnapshotVersion
	writtenKeys  map[string]struct{}
	mutations    []model.Mutation
	committed    bool
	err          error
}

func newTransaction(datastore repository.Datastore) *Transaction {
	return &Transaction{
		datastore:    datastore,
		readVersions: make(map[string]model.SnapshotVersion),
		writtenKeys:  make(map[string]struct{}),
	}
}

// Get reads the current server state of a document. All reads must
// happen before the first write.
func (t *Transaction) Get(ctx context.Context, key model.DocumentKey) (*model.Document, error) {
	if t.committed {
		return nil, t.fail(errors.NewFailedPrecondition("transaction already committed"))
	}
	if len(t.mutations) > 0 {
		return nil, t.fail(errors.NewInvalidArgument("transactions require all reads before all writes"))
	}

	docs, err := t.datastore.BatchGet(ctx, []model.DocumentKey{key})
	if err != nil {
		return nil, t.fail(err)
	}
	if len(docs) != 1 {
		return nil, t.fail(errors.Newf(errors.CodeInternal, "expected 1 lookup result, got %d", len(docs)))
	}

	switch doc := docs[0].(type) {
	case *model.Document:
		if err := t.recordVersion(key, doc.Version()); err != nil {
			return nil, t.fail(err)
		}
		return doc, nil
	case *model.NoDocument:
		if err := t.recordVersion(key, model.SnapshotVersionMin); err != nil {
			return nil, t.fail(err)
		}
		return nil, nil
	default:
		return nil, t.fail(errors.Newf(errors.CodeInternal, "unexpected lookup result for %s", key.String()))
	}
}

// Set writes the full document, replacing whatever the transaction
// read for that key.
func (t *Transaction) Set(key model.DocumentKey, value model.ObjectValue) error {
	if t.committed {
		return t.fail(errors.NewFailedPrecondition("transaction already committed"))
	}
	t.write(model.NewSetMutation(key, value, t.precondition(key)))
	return nil
}

// Update applies the masked fields. The document must exist; when it
// was read in this transaction the write is also pinned to the read
// version.
func (t *Transaction) Update(key model.DocumentKey, value model.ObjectValue, mask model.FieldMask) error {
	if t.committed {
		return t.fail(errors.NewFailedPrecondition("transaction already committed"))
	}
	precondition, err := t.updatePrecondition(key)
	if err != nil {
		return t.fail(err)
	}
	t.write(model.NewPatchMutation(key, value, mask, precondition))
	return nil
}

// Delete removes the document.
func (t *Transaction) Delete(key model.DocumentKey) error {
	if t.committed {
		return t.fail(errors.NewFailedPrecondition("transaction already committed"))
	}
	t.write(model.NewDeleteMutation(key, t.precondition(key)))
	return nil
}

func (t *Transaction) write(mutation model.Mutation) {
	t.mutations = append(t.mutations, mutation)
	t.writtenKeys[mutation.Key().String()] = struct{}{}
}

func (t *Transaction) recordVersion(key model.DocumentKey, version model.SnapshotVersion) error {
	existing, ok := t.readVersions[key.String()]
	if ok && existing.Compare(version) != 0 {
		return errors.NewAborted("document %s changed between reads", key.String())
	}
	t.readVersions[key.String()] = version
	return nil
}

// precondition pins a write to the version this transaction read, or
// to nothing when the key was never read.
func (t *Transaction) precondition(key model.DocumentKey) model.Precondition {
	version, ok := t.readVersions[key.String()]
	if !ok {
		return model.PreconditionNoneValue()
	}
	if version.Compare(model.SnapshotVersionMin) == 0 {
		return model.PreconditionExistsValue(false)
	}
	return model.PreconditionUpdateTimeValue(version)
}

func (t *Transaction) updatePrecondition(key model.DocumentKey) (model.Precondition, error) {
	version, ok := t.readVersions[key.String()]
	if !ok {
		return model.PreconditionExistsValue(true), nil
	}
	if version.Compare(model.SnapshotVersionMin) == 0 {
		return model.Precondition{}, errors.NewInvalidArgument("cannot update document %s that does not exist", key.String())
	}
	return model.PreconditionUpdateTimeValue(version), nil
}

func (t *Transaction) fail(err error) error {
	if t.err == nil {
		t.err = err
	}
	return err
}

// commit appends a verify mutation for every document that was read
// but never written, then applies the batch through the unary commit.
func (t *Transaction) commit(ctx context.Context) error {
	if t.err != nil {
		return t.err
	}
	if t.committed {
		return errors.NewFailedPrecondition("transaction already committed")
	}

	mutations := make([]model.Mutation, 0, len(t.mutations)+len(t.readVersions))
	mutations = append(mutations, t.mutations...)
	for path := range t.readVersions {
		if _, written := t.writtenKeys[path]; written {
			continue
		}
		key := model.MustDocumentKey(path)
		mutations = append(mutations, model.NewVerifyMutation(key, t.precondition(key)))
	}

	if _, _, err := t.datastore.Commit(ctx, mutations); err != nil {
		return err
	}
	t.committed = true
	return nil
}

// runTransaction drives the retry loop around the user function.
func runTransaction(ctx context.Context, datastore repository.Datastore, log logger.Logger, updateFn TransactionFunc) error {
	var lastErr error
	for attempt := 0; attempt < transactionAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		tx := newTransaction(datastore)
		err := updateFn(ctx, tx)
		if err == nil {
			err = tx.commit(ctx)
		}
		if err == nil {
			return nil
		}
		if !isRetryableTransactionError(err) {
			return err
		}
		lastErr = err
		log.Debug("retrying transaction", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return errors.NewAborted("transaction failed after %d attempts: %v", transactionAttempts, lastErr)
}

func isRetryableTransactionError(err error) bool {
	switch errors.CodeOf(err) {
	case errors.CodeAborted, errors.CodeFailedPrecondition:
		return true
	default:
		return !errors.IsPermanentError(err)
	}
}

package firestore

import (
	"context"
	"testing"

	"firestore-sync/internal/firestore/domain/model"
	"firestore-sync/internal/firestore/domain/repository"
	"firestore-sync/internal/shared/errors"
	"firestore-sync/internal/shared/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTxDatastore struct {
	docs map[string]model.MaybeDocument

	commits     [][]model.Mutation
	commitErrs  []error
	batchGetErr error
}

func newFakeTxDatastore() *fakeTxDatastore {
	return &fakeTxDatastore{docs: make(map[string]model.MaybeDocument)}
}

func (d *fakeTxDatastore) OpenWatch(ctx context.Context) (repository.WatchConnection, error) {
	return nil, errors.NewUnavailable("not implemented")
}

func (d *fakeTxDatastore) OpenWrite(ctx context.Context) (repository.WriteConnection, error) {
	return nil, errors.NewUnavailable("not implemented")
}

func (d *fakeTxDatastore) Commit(ctx context.Context, mutations []model.Mutation) ([]model.MutationResult, model.SnapshotVersion, error) {
	d.commits = append(d.commits, mutations)
	if len(d.commitErrs) > 0 {
		err := d.commitErrs[0]
		d.commitErrs = d.commitErrs[1:]
		if err != nil {
			return nil, model.SnapshotVersionMin, err
		}
	}
	results := make([]model.MutationResult, len(mutations))
	version := txVersion(100)
	for i := range results {
		results[i] = model.MutationResult{Version: version}
	}
	return results, version, nil
}

func (d *fakeTxDatastore) BatchGet(ctx context.Context, keys []model.DocumentKey) ([]model.MaybeDocument, error) {
	if d.batchGetErr != nil {
		return nil, d.batchGetErr
	}
	out := make([]model.MaybeDocument, 0, len(keys))
	for _, key := range keys {
		if doc, ok := d.docs[key.String()]; ok {
			out = append(out, doc)
		} else {
			out = append(out, model.NewNoDocument(key, model.SnapshotVersionMin, false))
		}
	}
	return out, nil
}

func txVersion(seconds int64) model.SnapshotVersion {
	return model.NewSnapshotVersion(model.Timestamp{Seconds: seconds})
}

func txDoc(path string, seconds int64, fields map[string]model.Value) *model.Document {
	key := model.MustDocumentKey(path)
	return model.NewDocument(key, txVersion(seconds), model.ObjectValueOf(fields), model.DocumentStateSynced)
}

func TestTransaction_ReadModifyWritePinsReadVersion(t *testing.T) {
	ds := newFakeTxDatastore()
	ds.docs["counters/hits"] = txDoc("counters/hits", 7, map[string]model.Value{
		"count": model.IntegerValue(41),
	})
	key := model.MustDocumentKey("counters/hits")

	err := runTransaction(context.Background(), ds, &logger.NoopLogger{}, func(ctx context.Context, tx *Transaction) error {
		doc, err := tx.Get(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, doc)

		count, ok := doc.Field(model.MustFieldPath("count"))
		require.True(t, ok)

		return tx.Set(key, model.ObjectValueOf(map[string]model.Value{
			"count": model.IntegerValue(count.Integer() + 1),
		}))
	})
	require.NoError(t, err)

	require.Len(t, ds.commits, 1)
	require.Len(t, ds.commits[0], 1)
	precondition := ds.commits[0][0].Precondition()
	assert.Equal(t, model.PreconditionUpdateTime, precondition.Kind())
	assert.Equal(t, 0, precondition.UpdateTime().Compare(txVersion(7)))
}

func TestTransaction_ReadOnlyCommitsVerify(t *testing.T) {
	ds := newFakeTxDatastore()
	ds.docs["rooms/lobby"] = txDoc("rooms/lobby", 3, map[string]model.Value{
		"name": model.StringValue("Lobby"),
	})
	key := model.MustDocumentKey("rooms/lobby")

	err := runTransaction(context.Background(), ds, &logger.NoopLogger{}, func(ctx context.Context, tx *Transaction) error {
		_, err := tx.Get(ctx, key)
		return err
	})
	require.NoError(t, err)

	require.Len(t, ds.commits, 1)
	require.Len(t, ds.commits[0], 1)
	_, isVerify := ds.commits[0][0].(*model.VerifyMutation)
	assert.True(t, isVerify)
	assert.Equal(t, model.PreconditionUpdateTime, ds.commits[0][0].Precondition().Kind())
}

func TestTransaction_MissingDocumentYieldsExistsFalse(t *testing.T) {
	ds := newFakeTxDatastore()
	key := model.MustDocumentKey("rooms/ghost")

	err := runTransaction(context.Background(), ds, &logger.NoopLogger{}, func(ctx context.Context, tx *Transaction) error {
		doc, err := tx.Get(ctx, key)
		require.NoError(t, err)
		require.Nil(t, doc)

		return tx.Set(key, model.ObjectValueOf(map[string]model.Value{
			"name": model.StringValue("Ghost"),
		}))
	})
	require.NoError(t, err)

	require.Len(t, ds.commits, 1)
	precondition := ds.commits[0][0].Precondition()
	assert.Equal(t, model.PreconditionExists, precondition.Kind())
	assert.False(t, precondition.Exists())
}

func TestTransaction_UpdateMissingDocumentFails(t *testing.T) {
	ds := newFakeTxDatastore()
	key := model.MustDocumentKey("rooms/ghost")

	err := runTransaction(context.Background(), ds, &logger.NoopLogger{}, func(ctx context.Context, tx *Transaction) error {
		doc, err := tx.Get(ctx, key)
		require.NoError(t, err)
		require.Nil(t, doc)

		return tx.Update(key, model.ObjectValueOf(map[string]model.Value{
			"name": model.StringValue("Ghost"),
		}), model.NewFieldMask(model.MustFieldPath("name")))
	})
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidArgument, errors.CodeOf(err))
	assert.Empty(t, ds.commits)
}

func TestTransaction_ReadAfterWriteRejected(t *testing.T) {
	ds := newFakeTxDatastore()
	key := model.MustDocumentKey("rooms/lobby")

	err := runTransaction(context.Background(), ds, &logger.NoopLogger{}, func(ctx context.Context, tx *Transaction) error {
		require.NoError(t, tx.Delete(key))
		_, err := tx.Get(ctx, key)
		return err
	})
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidArgument, errors.CodeOf(err))
}

func TestTransaction_RetriesOnAbortedCommit(t *testing.T) {
	ds := newFakeTxDatastore()
	ds.commitErrs = []error{errors.NewAborted("contention")}
	key := model.MustDocumentKey("rooms/lobby")

	attempts := 0
	err := runTransaction(context.Background(), ds, &logger.NoopLogger{}, func(ctx context.Context, tx *Transaction) error {
		attempts++
		return tx.Set(key, model.ObjectValueOf(map[string]model.Value{
			"name": model.StringValue("Lobby"),
		}))
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Len(t, ds.commits, 2)
}

func TestTransaction_PermanentErrorNotRetried(t *testing.T) {
	ds := newFakeTxDatastore()
	ds.batchGetErr = errors.New(errors.CodePermissionDenied, "denied")
	key := model.MustDocumentKey("rooms/lobby")

	attempts := 0
	err := runTransaction(context.Background(), ds, &logger.NoopLogger{}, func(ctx context.Context, tx *Transaction) error {
		attempts++
		_, err := tx.Get(ctx, key)
		return err
	})
	require.Error(t, err)
	assert.Equal(t, errors.CodePermissionDenied, errors.CodeOf(err))
	assert.Equal(t, 1, attempts)
}

func TestTransaction_GivesUpAfterMaxAttempts(t *testing.T) {
	ds := newFakeTxDatastore()
	for i := 0; i < transactionAttempts; i++ {
		ds.commitErrs = append(ds.commitErrs, errors.NewAborted("contention"))
	}
	key := model.MustDocumentKey("rooms/lobby")

	err := runTransaction(context.Background(), ds, &logger.NoopLogger{}, func(ctx context.Context, tx *Transaction) error {
		return tx.Delete(key)
	})
	require.Error(t, err)
	assert.Equal(t, errors.CodeAborted, errors.CodeOf(err))
	assert.Len(t, ds.commits, transactionAttempts)
}

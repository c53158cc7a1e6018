// Package mongodb provides the durable persistence implementation over a
// MongoDB database. Documents, mutation batches and targets are stored as
// version-stamped JSON inside thin bson envelopes whose extra fields serve
// the queries each cache needs.
//
// All access arrives on the engine's serialized queue, so no two
// transactions from the same client ever interleave. Multi-document
// atomicity is therefore not required for correctness of a single client;
// cross-client isolation comes from the primary lease.
package mongodb

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"firestore-sync/internal/firestore/domain/model"
	"firestore-sync/internal/firestore/domain/repository"
	"firestore-sync/internal/shared/errors"
	"firestore-sync/internal/shared/logger"
)

const (
	collMutations         = "mutation_batches"
	collStreamTokens      = "stream_tokens"
	collRemoteDocuments   = "remote_documents"
	collTargets           = "targets"
	collTargetDocuments   = "target_documents"
	collCollectionParents = "collection_parents"
	collSentinels         = "document_sentinels"
	collMetadata          = "metadata"

	metadataDocID = "targets_metadata"
)

type transaction struct {
	ctx            context.Context
	sequenceNumber model.ListenSequenceNumber
	onCommitted    []func()
}

func (t *transaction) CurrentSequenceNumber() model.ListenSequenceNumber { return t.sequenceNumber }

func (t *transaction) AddOnCommittedListener(fn func()) {
	t.onCommitted = append(t.onCommitted, fn)
}

// txContext recovers the request context this transaction runs under.
// Components in this package must be handed transactions created here.
func txContext(tx repository.Transaction) context.Context {
	if mt, ok := tx.(*transaction); ok {
		return mt.ctx
	}
	return context.Background()
}

// Persistence is the MongoDB-backed store.
type Persistence struct {
	db  *mongo.Database
	log logger.Logger

	// isPrimary gates primary-mode transactions; wired to the shared
	// client state's lease in multi-client deployments, nil otherwise.
	isPrimary func() bool

	started         bool
	queues          map[string]*mutationQueue
	remoteDocuments *remoteDocumentCache
	targets         *targetCache
	index           *indexManager
	delegate        *lruReferenceDelegate
	nextSequence    model.ListenSequenceNumber
}

// NewPersistence builds the store over an already connected database.
func NewPersistence(db *mongo.Database, log logger.Logger) *Persistence {
	p := &Persistence{
		db:     db,
		log:    log.WithComponent("mongodb_persistence"),
		queues: map[string]*mutationQueue{},
	}
	p.index = &indexManager{p: p}
	p.targets = &targetCache{p: p}
	p.delegate = &lruReferenceDelegate{p: p}
	p.remoteDocuments = &remoteDocumentCache{p: p}
	return p
}

// SetPrimaryCheck wires the primary-lease check used by
// TransactionModeReadWritePrimary.
func (p *Persistence) SetPrimaryCheck(fn func() bool) { p.isPrimary = fn }

func (p *Persistence) Start(ctx context.Context) error {
	if p.started {
		return errors.NewFailedPrecondition("persistence already started")
	}
	if err := p.db.Client().Ping(ctx, nil); err != nil {
		return errors.NewStorageUnavailable(err)
	}
	if err := p.ensureIndexes(ctx); err != nil {
		return err
	}

	// Resume the sequence counter past anything previously stamped.
	highest, err := p.targets.loadHighestSequenceNumber(ctx)
	if err != nil {
		return err
	}
	p.nextSequence = highest + 1
	p.started = true

	p.log.WithFields(map[string]interface{}{
		"database": p.db.Name(),
	}).Info("Persistence started")
	return nil
}

func (p *Persistence) Shutdown(ctx context.Context) error {
	p.started = false
	return nil
}

func (p *Persistence) Started() bool { return p.started }

// Clear drops every cache collection of this database. Only legal
// while the store is stopped.
func (p *Persistence) Clear(ctx context.Context) error {
	if p.started {
		return errors.NewFailedPrecondition("cannot clear persistence while started")
	}
	for _, name := range []string{
		collMutations, collStreamTokens, collRemoteDocuments, collTargets,
		collTargetDocuments, collCollectionParents, collSentinels, collMetadata,
	} {
		if err := p.collection(name).Drop(ctx); err != nil {
			return errors.NewStorageUnavailable(err)
		}
	}
	return nil
}

func (p *Persistence) MutationQueue(userID string) repository.MutationQueue {
	queue, ok := p.queues[userID]
	if !ok {
		queue = newMutationQueue(p, userID)
		p.queues[userID] = queue
	}
	return queue
}

func (p *Persistence) RemoteDocumentCache() repository.RemoteDocumentCache { return p.remoteDocuments }
func (p *Persistence) TargetCache() repository.TargetCache                 { return p.targets }
func (p *Persistence) IndexManager() repository.IndexManager               { return p.index }
func (p *Persistence) ReferenceDelegate() repository.ReferenceDelegate     { return p.delegate }

// LruDelegate exposes the reference delegate's garbage collection view.
func (p *Persistence) LruDelegate() repository.LruDelegate { return p.delegate }

func (p *Persistence) RunTransaction(ctx context.Context, label string, mode repository.TransactionMode, fn func(tx repository.Transaction) error) error {
	if !p.started {
		return errors.New(errors.CodeStorageUnavailable, "persistence not started")
	}
	if mode == repository.TransactionModeReadWritePrimary && p.isPrimary != nil && !p.isPrimary() {
		return errors.ErrLostPrimaryLease
	}

	tx := &transaction{ctx: ctx, sequenceNumber: p.nextSequence}
	p.nextSequence++
	p.log.Debugf("starting transaction: %s", label)

	if err := fn(tx); err != nil {
		return err
	}
	for _, committed := range tx.onCommitted {
		committed()
	}
	return nil
}

func (p *Persistence) collection(name string) *mongo.Collection {
	return p.db.Collection(name)
}

func (p *Persistence) ensureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		collMutations: {
			{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "batchId", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "keys", Value: 1}}},
		},
		collRemoteDocuments: {
			{Keys: bson.D{{Key: "parentPath", Value: 1}}},
		},
		collTargets: {
			{Keys: bson.D{{Key: "targetId", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		collTargetDocuments: {
			{Keys: bson.D{{Key: "targetId", Value: 1}, {Key: "path", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "path", Value: 1}}},
		},
		collCollectionParents: {
			{Keys: bson.D{{Key: "collectionId", Value: 1}}},
		},
	}
	for name, models := range indexes {
		if _, err := p.collection(name).Indexes().CreateMany(ctx, models); err != nil {
			return errors.NewStorageUnavailable(err)
		}
	}
	return nil
}

// mutationQueuesContainKey reports whether any user's queue has a pending
// mutation for the key.
func (p *Persistence) mutationQueuesContainKey(ctx context.Context, key model.DocumentKey) (bool, error) {
	count, err := p.collection(collMutations).CountDocuments(ctx, bson.M{"keys": key.String()}, options.Count().SetLimit(1))
	if err != nil {
		return false, errors.NewStorageUnavailable(err)
	}
	return count > 0, nil
}

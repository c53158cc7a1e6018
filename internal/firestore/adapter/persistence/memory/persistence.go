// Package memory provides the in-memory reference implementation of the
// persistence contract. It keeps every cache in plain maps and relies on
// the engine's serialized queue for isolation; transactions are atomic by
// construction because nothing else runs between begin and commit.
package memory

import (
	"context"

	"firestore-sync/internal/firestore/domain/model"
	"firestore-sync/internal/firestore/domain/repository"
	"firestore-sync/internal/shared/errors"
	"firestore-sync/internal/shared/logger"

	"go.uber.org/zap"
)

type transaction struct {
	sequenceNumber model.ListenSequenceNumber
	onCommitted    []func()
}

func (t *transaction) CurrentSequenceNumber() model.ListenSequenceNumber { return t.sequenceNumber }

func (t *transaction) AddOnCommittedListener(fn func()) {
	t.onCommitted = append(t.onCommitted, fn)
}

// Persistence is the in-memory store. Not safe for concurrent use; every
// call must come from the engine queue.
type Persistence struct {
	log               logger.Logger
	started           bool
	queues            map[string]*mutationQueue
	remoteDocuments   *remoteDocumentCache
	targets           *targetCache
	index             *indexManager
	referenceDelegate *lruReferenceDelegate
	nextSequence      model.ListenSequenceNumber
}

// NewPersistence builds an empty store with LRU reference tracking.
func NewPersistence(log logger.Logger) *Persistence {
	p := &Persistence{
		log:          log.WithComponent("memory_persistence"),
		queues:       map[string]*mutationQueue{},
		index:        newIndexManager(),
		nextSequence: 1,
	}
	p.targets = newTargetCache()
	p.referenceDelegate = newLRUReferenceDelegate(p)
	p.remoteDocuments = newRemoteDocumentCache(p.index)
	return p
}

func (p *Persistence) Start(ctx context.Context) error {
	if p.started {
		return errors.NewFailedPrecondition("persistence already started")
	}
	p.started = true
	return nil
}

func (p *Persistence) Shutdown(ctx context.Context) error {
	p.started = false
	return nil
}

func (p *Persistence) Started() bool { return p.started }

// Clear drops every cached document, queue and target. Only legal
// while the store is stopped.
func (p *Persistence) Clear(ctx context.Context) error {
	if p.started {
		return errors.NewFailedPrecondition("cannot clear persistence while started")
	}
	p.queues = map[string]*mutationQueue{}
	p.index = newIndexManager()
	p.targets = newTargetCache()
	p.referenceDelegate = newLRUReferenceDelegate(p)
	p.remoteDocuments = newRemoteDocumentCache(p.index)
	p.nextSequence = 1
	return nil
}

func (p *Persistence) MutationQueue(userID string) repository.MutationQueue {
	queue, ok := p.queues[userID]
	if !ok {
		queue = newMutationQueue(p.referenceDelegate)
		p.queues[userID] = queue
	}
	return queue
}

func (p *Persistence) RemoteDocumentCache() repository.RemoteDocumentCache { return p.remoteDocuments }
func (p *Persistence) TargetCache() repository.TargetCache                 { return p.targets }
func (p *Persistence) IndexManager() repository.IndexManager               { return p.index }
func (p *Persistence) ReferenceDelegate() repository.ReferenceDelegate     { return p.referenceDelegate }

// LruDelegate exposes the reference delegate's garbage collection view.
func (p *Persistence) LruDelegate() repository.LruDelegate { return p.referenceDelegate }

func (p *Persistence) RunTransaction(ctx context.Context, label string, mode repository.TransactionMode, fn func(tx repository.Transaction) error) error {
	if !p.started {
		return errors.New(errors.CodeStorageUnavailable, "persistence not started")
	}
	tx := &transaction{sequenceNumber: p.nextSequence}
	p.nextSequence++
	p.log.Debug("starting transaction", zap.String("label", label))
	if err := fn(tx); err != nil {
		return err
	}
	for _, committed := range tx.onCommitted {
		committed()
	}
	return nil
}

// mutationQueuesContainKey reports whether any user's queue has a pending
// mutation for the key.
func (p *Persistence) mutationQueuesContainKey(key model.DocumentKey) bool {
	for _, queue := range p.queues {
		if queue.containsKey(key) {
			return true
		}
	}
	return false
}

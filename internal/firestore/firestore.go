// Package firestore exposes the public client for the offline-first
// document sync engine. A Client owns the serialized engine queue and
// every component behind it: local persistence, the shared client
// state, the remote store and the sync engine. All public operations
// marshal onto the queue, so callers may use a Client from any
// goroutine.
package firestore

import (
	"context"
	"sync/atomic"
	"time"

	"firestore-sync/internal/firestore/adapter/credentials"
	memorypersistence "firestore-sync/internal/firestore/adapter/persistence/memory"
	mongopersistence "firestore-sync/internal/firestore/adapter/persistence/mongodb"
	statememory "firestore-sync/internal/firestore/adapter/state/memory"
	stateredis "firestore-sync/internal/firestore/adapter/state/redis"
	"firestore-sync/internal/firestore/adapter/transport/ws"
	"firestore-sync/internal/firestore/config"
	"firestore-sync/internal/firestore/domain/model"
	"firestore-sync/internal/firestore/domain/repository"
	"firestore-sync/internal/firestore/usecase"
	"firestore-sync/internal/shared/async"
	"firestore-sync/internal/shared/errors"
	"firestore-sync/internal/shared/logger"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	gcInitialDelay = time.Minute
	gcRegularDelay = 5 * time.Minute
)

// ListenOptions re-exports the event manager's listen options.
type ListenOptions = usecase.ListenOptions

// ListenerRegistration detaches one snapshot listener.
type ListenerRegistration struct {
	client   *Client
	listener *usecase.QueryListener
}

// Remove stops the listener. Removing twice is harmless.
func (r *ListenerRegistration) Remove() {
	if r.listener == nil {
		return
	}
	l := r.listener
	r.listener = nil
	_ = r.client.queue.Enqueue(func() {
		_ = r.client.eventManager.Unlisten(r.client.ctx, l)
	})
}

// Client is the top-level handle. Construct with NewClient, release
// with Terminate.
type Client struct {
	cfg *config.Config
	log logger.Logger

	queue       *async.Queue
	credentials *credentials.Provider

	persistence  repository.Persistence
	datastore    repository.Datastore
	sharedState  repository.SharedClientState
	// activeClients lists other live clients of the same store; nil for
	// single-client deployments. Guards ClearPersistence.
	activeClients func(ctx context.Context) ([]string, error)
	localStore   *usecase.LocalStore
	remoteStore  *usecase.RemoteStore
	syncEngine   *usecase.SyncEngine
	eventManager *usecase.EventManager
	gc           *usecase.LruGarbageCollector

	mongoClient *mongo.Client
	redisClient *redis.Client

	ctx        context.Context
	cancel     context.CancelFunc
	terminated atomic.Bool
}

// NewClient wires and starts a sync client from configuration. The
// returned client is online unless the backend is unreachable; writes
// and listens work either way and catch up when connectivity returns.
func NewClient(ctx context.Context, cfg *config.Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logger.NewLoggerWithConfig(cfg.LogLevel, cfg.LogFormat)

	creds := credentials.NewProvider()
	if cfg.AuthToken != "" {
		var err error
		creds, err = credentials.NewProviderWithToken(cfg.AuthToken)
		if err != nil {
			return nil, err
		}
	}
	// The listener fires inline with the current user, which seeds the
	// per-user components before anything else runs.
	var initialUser repository.User
	creds.SetUserChangeListener(func(user repository.User) { initialUser = user })

	clientCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:         cfg,
		log:         log.WithComponent("client"),
		credentials: creds,
		ctx:         clientCtx,
		cancel:      cancel,
	}

	var lruDelegate repository.LruDelegate
	switch cfg.Persistence {
	case config.PersistenceMongoDB:
		mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoDBURI))
		if err != nil {
			cancel()
			return nil, errors.NewStorageUnavailable(err)
		}
		c.mongoClient = mongoClient
		p := mongopersistence.NewPersistence(mongoClient.Database(cfg.MongoDatabase), log)
		c.persistence = p
		lruDelegate = p.LruDelegate()

		if cfg.MultiClient {
			c.redisClient = config.NewRedisClient(&cfg.Redis)
			shared := stateredis.NewSharedClientState(c.redisClient, cfg.Redis.KeyPrefix, initialUser, log)
			shared.SetLeaseTimings(cfg.Redis.LeaseTTL, cfg.Redis.LeaseRenewInterval)
			c.sharedState = shared
			// The session's redis client closes at Terminate, so the
			// membership probe dials a short-lived one of its own.
			c.activeClients = func(ctx context.Context) ([]string, error) {
				probe := config.NewRedisClient(&cfg.Redis)
				defer func() { _ = probe.Close() }()
				return stateredis.NewSharedClientState(probe, cfg.Redis.KeyPrefix, repository.UnauthenticatedUser, log).ActiveClients(ctx)
			}
			p.SetPrimaryCheck(shared.IsPrimary)
		} else {
			c.sharedState = statememory.NewSharedClientState()
			p.SetPrimaryCheck(func() bool { return true })
		}
	case config.PersistenceMemory:
		p := memorypersistence.NewPersistence(log)
		c.persistence = p
		lruDelegate = p.LruDelegate()
		c.sharedState = statememory.NewSharedClientState()
	}

	c.queue = async.NewQueue(log)
	datastore := ws.NewDatastore(cfg.BackendURL, creds, log)
	c.datastore = datastore
	c.localStore = usecase.NewLocalStore(c.persistence, initialUser, log)
	c.remoteStore = usecase.NewRemoteStore(c.localStore, datastore, c.queue, func(state model.OnlineState) {
		c.syncEngine.ApplyOnlineStateChange(state)
		c.sharedState.SetOnlineState(state)
	}, log)
	c.syncEngine = usecase.NewSyncEngine(c.localStore, c.remoteStore, c.sharedState, initialUser, log)
	c.syncEngine.SetMaxConcurrentLimboResolutions(cfg.LimboResolutionsLimit)
	c.eventManager = usecase.NewEventManager(c.syncEngine, log)
	c.syncEngine.SetListener(c.eventManager)

	lruParams := usecase.DefaultLruParams()
	if cfg.GCMinBytesThreshold > 0 {
		lruParams.MinBytesThreshold = cfg.GCMinBytesThreshold
	}
	c.gc = usecase.NewLruGarbageCollector(lruDelegate, lruParams, log)

	c.sharedState.SetOnPrimaryChange(func(isPrimary bool) {
		_ = c.queue.Enqueue(func() {
			if err := c.syncEngine.HandlePrimaryStateChange(c.ctx, isPrimary); err != nil {
				c.log.Error("primary state change failed", zap.Error(err))
			}
		})
	})
	c.sharedState.SetOnOnlineStateChange(func(state model.OnlineState) {
		_ = c.queue.Enqueue(func() {
			c.syncEngine.ApplyOnlineStateChange(state)
		})
	})

	var startErr error
	_ = c.queue.EnqueueAndWait(func() {
		if err := c.persistence.Start(c.ctx); err != nil {
			startErr = err
			return
		}
		if err := c.sharedState.Start(c.ctx); err != nil {
			startErr = err
			return
		}
		if err := c.remoteStore.Start(c.ctx); err != nil {
			startErr = err
		}
	})
	if startErr != nil {
		cancel()
		c.queue.Shutdown()
		return nil, startErr
	}

	// From here on credential changes flow through the engine.
	creds.SetUserChangeListener(func(user repository.User) {
		_ = c.queue.Enqueue(func() {
			if err := c.syncEngine.HandleCredentialChange(c.ctx, user); err != nil {
				c.log.Error("credential change failed", zap.Error(err))
			}
		})
	})

	c.scheduleGarbageCollection(gcInitialDelay)
	return c, nil
}

func (c *Client) scheduleGarbageCollection(delay time.Duration) {
	c.queue.EnqueueAfterDelay(async.TimerGarbageCollection, delay, func() {
		if c.terminated.Load() {
			return
		}
		results, err := c.localStore.CollectGarbage(c.ctx, c.gc)
		if err != nil {
			c.log.Error("garbage collection failed", zap.Error(err))
		} else if results.DidRun {
			c.log.Debug("garbage collection finished",
				zap.Int("targets_removed", results.TargetsRemoved),
				zap.Int("documents_removed", results.DocumentsRemoved))
		}
		c.scheduleGarbageCollection(gcRegularDelay)
	})
}

// Listen registers a snapshot listener for query. The initial snapshot
// is raised from the local cache and refined as the backend responds.
func (c *Client) Listen(query *model.Query, options ListenOptions, onSnapshot func(model.ViewSnapshot), onError func(error)) (*ListenerRegistration, error) {
	if c.terminated.Load() {
		return nil, errors.NewFailedPrecondition("client has been terminated")
	}
	listener := usecase.NewQueryListener(query, options, onSnapshot, onError)
	var listenErr error
	if err := c.queue.EnqueueAndWait(func() {
		listenErr = c.eventManager.Listen(c.ctx, listener)
	}); err != nil {
		return nil, err
	}
	if listenErr != nil {
		return nil, listenErr
	}
	return &ListenerRegistration{client: c, listener: listener}, nil
}

// Write stages mutations locally and schedules them for the backend.
// The returned channel resolves once the backend acknowledges or
// rejects the batch, which may be long after Write returns.
func (c *Client) Write(mutations []model.Mutation) (<-chan error, error) {
	if c.terminated.Load() {
		return nil, errors.NewFailedPrecondition("client has been terminated")
	}
	done := make(chan error, 1)
	var writeErr error
	if err := c.queue.EnqueueAndWait(func() {
		writeErr = c.syncEngine.Write(c.ctx, mutations, func(err error) {
			done <- err
		})
	}); err != nil {
		return nil, err
	}
	if writeErr != nil {
		return nil, writeErr
	}
	return done, nil
}

// RunTransaction runs updateFn against the backend's unary read and
// commit endpoints, retrying on contention. The function may run more
// than once. Unlike Write, a transaction requires connectivity; its
// result reaches the local cache through the watch stream.
func (c *Client) RunTransaction(ctx context.Context, updateFn TransactionFunc) error {
	if c.terminated.Load() {
		return errors.NewFailedPrecondition("client has been terminated")
	}
	return runTransaction(ctx, c.datastore, c.log, updateFn)
}

// WaitForPendingWrites resolves once every write issued before this
// call has been acknowledged or rejected by the backend. Fails with a
// cancelled error if the user changes first.
func (c *Client) WaitForPendingWrites(ctx context.Context) error {
	done := make(chan error, 1)
	if err := c.queue.Enqueue(func() {
		c.syncEngine.WaitForPendingWrites(c.ctx, func(err error) { done <- err })
	}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadDocumentFromCache returns the local view of one document without
// touching the network. A missing document reports not-found.
func (c *Client) ReadDocumentFromCache(key model.DocumentKey) (*model.Document, error) {
	var doc model.MaybeDocument
	var readErr error
	if err := c.queue.EnqueueAndWait(func() {
		doc, readErr = c.localStore.ReadDocument(c.ctx, key)
	}); err != nil {
		return nil, err
	}
	if readErr != nil {
		return nil, readErr
	}
	if existing, ok := doc.(*model.Document); ok {
		return existing, nil
	}
	return nil, errors.Newf(errors.CodeNotFound, "document %s not found in cache", key.String())
}

// ExecuteQueryFromCache runs a query against the local cache only.
func (c *Client) ExecuteQueryFromCache(query *model.Query) (map[string]*model.Document, error) {
	var result usecase.QueryResult
	var queryErr error
	if err := c.queue.EnqueueAndWait(func() {
		result, queryErr = c.localStore.ExecuteQuery(c.ctx, query, true)
	}); err != nil {
		return nil, err
	}
	return result.Documents, queryErr
}

// EnableNetwork lifts a user-requested network disable.
func (c *Client) EnableNetwork() error {
	return c.queue.EnqueueAndWait(func() {
		if err := c.remoteStore.EnableNetwork(c.ctx, usecase.NetworkReasonUserDisabled); err != nil {
			c.log.Error("enable network failed", zap.Error(err))
		}
	})
}

// DisableNetwork forces the client offline; listeners keep serving
// cached snapshots and writes queue locally.
func (c *Client) DisableNetwork() error {
	return c.queue.EnqueueAndWait(func() {
		c.remoteStore.DisableNetwork(usecase.NetworkReasonUserDisabled)
	})
}

// SignIn switches the client to the user carried by the token. Pending
// writes of the previous user stay queued under their own identity.
func (c *Client) SignIn(token string) error {
	return c.credentials.SignIn(token)
}

// SignOut reverts the client to unauthenticated access.
func (c *Client) SignOut() {
	c.credentials.SignOut()
}

// Terminate shuts the client down and releases its resources. The
// client is unusable afterwards.
func (c *Client) Terminate(ctx context.Context) error {
	if c.terminated.Load() {
		return nil
	}
	var shutdownErr error
	_ = c.queue.EnqueueAndWait(func() {
		c.terminated.Store(true)
		c.remoteStore.Shutdown()
		c.sharedState.Shutdown()
		if err := c.persistence.Shutdown(c.ctx); err != nil {
			shutdownErr = err
		}
	})
	c.cancel()
	c.queue.Shutdown()
	if c.redisClient != nil {
		if err := c.redisClient.Close(); err != nil && shutdownErr == nil {
			shutdownErr = err
		}
	}
	if c.mongoClient != nil {
		if err := c.mongoClient.Disconnect(ctx); err != nil && shutdownErr == nil {
			shutdownErr = err
		}
	}
	return shutdownErr
}

// ClearPersistence wipes the local cache: every document, pending
// mutation and target. The client must be terminated first; the next
// client constructed against the same store starts empty.
func (c *Client) ClearPersistence(ctx context.Context) error {
	if !c.terminated.Load() {
		return errors.NewFailedPrecondition("terminate the client before clearing persistence")
	}
	if c.activeClients != nil {
		// Another client of the same store may still be running; wiping
		// the cache under it would corrupt its view.
		active, err := c.activeClients(ctx)
		if err != nil {
			return err
		}
		if len(active) > 0 {
			return errors.NewFailedPrecondition("cannot clear persistence while %d other clients are active", len(active))
		}
	}
	switch c.cfg.Persistence {
	case config.PersistenceMongoDB:
		// The client held during the session disconnected at Terminate,
		// so clearing uses a short-lived connection of its own.
		mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(c.cfg.MongoDBURI))
		if err != nil {
			return errors.NewStorageUnavailable(err)
		}
		defer func() { _ = mongoClient.Disconnect(ctx) }()
		p := mongopersistence.NewPersistence(mongoClient.Database(c.cfg.MongoDatabase), c.log)
		return p.Clear(ctx)
	default:
		if p, ok := c.persistence.(*memorypersistence.Persistence); ok {
			return p.Clear(ctx)
		}
		return nil
	}
}

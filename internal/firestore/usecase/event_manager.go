package usecase

import (
	"context"

	"firestore-sync/internal/firestore/domain/model"
	"firestore-sync/internal/shared/logger"
)

// ListenOptions tune what a query listener wants to hear about.
type ListenOptions struct {
	// IncludeMetadataChanges also surfaces snapshots whose only change
	// is fromCache or hasPendingWrites.
	IncludeMetadataChanges bool
	// WaitForSyncWhenOnline suppresses the initial cached snapshot until
	// the backend confirms the result set, unless the client is offline.
	WaitForSyncWhenOnline bool
}

// QueryListener delivers a query's snapshots to one observer.
type QueryListener struct {
	Query   *model.Query
	options ListenOptions

	onEvent func(snapshot model.ViewSnapshot)
	onError func(err error)

	raisedInitialEvent bool
	snap               *model.ViewSnapshot
	onlineState        model.OnlineState
}

func NewQueryListener(query *model.Query, options ListenOptions, onEvent func(model.ViewSnapshot), onError func(error)) *QueryListener {
	return &QueryListener{
		Query:   query,
		options: options,
		onEvent: onEvent,
		onError: onError,
	}
}

// OnViewSnapshot filters and forwards one snapshot.
func (l *QueryListener) OnViewSnapshot(snapshot model.ViewSnapshot) {
	if !l.options.IncludeMetadataChanges {
		// Strip metadata-only document changes.
		var changes []model.DocumentViewChange
		for _, change := range snapshot.DocChanges {
			if change.Type != model.ChangeTypeMetadata {
				changes = append(changes, change)
			}
		}
		snapshot.DocChanges = changes
		snapshot.ExcludesMetadataChanges = true
	}

	if !l.raisedInitialEvent {
		if l.shouldRaiseInitialEvent(snapshot, l.onlineState) {
			l.raiseInitialEvent(snapshot)
		}
	} else if l.shouldRaiseEvent(snapshot) {
		l.onEvent(snapshot)
	}
	l.snap = &snapshot
}

// OnError forwards a terminal listen error. No events follow.
func (l *QueryListener) OnError(err error) {
	if l.onError != nil {
		l.onError(err)
	}
}

// ApplyOnlineStateChange may release a held-back initial snapshot once
// the client is known offline.
func (l *QueryListener) ApplyOnlineStateChange(onlineState model.OnlineState) {
	l.onlineState = onlineState
	if l.snap != nil && !l.raisedInitialEvent && l.shouldRaiseInitialEvent(*l.snap, onlineState) {
		l.raiseInitialEvent(*l.snap)
	}
}

func (l *QueryListener) shouldRaiseInitialEvent(snapshot model.ViewSnapshot, onlineState model.OnlineState) bool {
	// A fresh server snapshot is always worth raising.
	if !snapshot.FromCache {
		return true
	}
	// While we may still connect, waiting listeners hold out for the
	// backend; once offline the cache is the best we will get.
	maybeOnline := onlineState != model.OnlineStateOffline
	if l.options.WaitForSyncWhenOnline && maybeOnline {
		return false
	}
	return true
}

func (l *QueryListener) shouldRaiseEvent(snapshot model.ViewSnapshot) bool {
	if len(snapshot.DocChanges) > 0 {
		return true
	}
	hasPendingWritesChanged := l.snap != nil && l.snap.HasPendingWrites() != snapshot.HasPendingWrites()
	if snapshot.SyncStateChanged || hasPendingWritesChanged {
		return l.options.IncludeMetadataChanges
	}
	return false
}

func (l *QueryListener) raiseInitialEvent(snapshot model.ViewSnapshot) {
	snapshot = model.NewViewSnapshotFromInitialDocuments(snapshot.Query, snapshot.Docs, snapshot.MutatedKeys, snapshot.FromCache)
	l.raisedInitialEvent = true
	l.onEvent(snapshot)
}

// queryListenersInfo groups the listeners of one canonical query.
type queryListenersInfo struct {
	listeners []*QueryListener
	viewSnap  *model.ViewSnapshot
	targetID  model.TargetID
}

// EventManager fans view snapshots out to query listeners and tells the
// engine when the first listener for a query arrives or the last leaves.
type EventManager struct {
	engine      *SyncEngine
	queries     map[string]*queryListenersInfo
	onlineState model.OnlineState
	log         logger.Logger
}

func NewEventManager(engine *SyncEngine, log logger.Logger) *EventManager {
	m := &EventManager{
		engine:  engine,
		queries: map[string]*queryListenersInfo{},
		log:     log.WithComponent("event_manager"),
	}
	engine.SetListener(m)
	return m
}

// Listen registers a listener, starting the query when it is the first.
func (m *EventManager) Listen(ctx context.Context, listener *QueryListener) error {
	queryKey := listenKey(listener.Query)
	info, ok := m.queries[queryKey]
	if !ok {
		snapshot, targetID, err := m.engine.Listen(ctx, listener.Query)
		if err != nil {
			return err
		}
		info = &queryListenersInfo{viewSnap: &snapshot, targetID: targetID}
		m.queries[queryKey] = info
	}
	info.listeners = append(info.listeners, listener)

	listener.ApplyOnlineStateChange(m.onlineState)
	if info.viewSnap != nil {
		listener.OnViewSnapshot(*info.viewSnap)
	}
	return nil
}

// Unlisten removes a listener, stopping the query when it was the last.
func (m *EventManager) Unlisten(ctx context.Context, listener *QueryListener) error {
	queryKey := listenKey(listener.Query)
	info, ok := m.queries[queryKey]
	if !ok {
		return nil
	}
	for i, l := range info.listeners {
		if l == listener {
			info.listeners = append(info.listeners[:i], info.listeners[i+1:]...)
			break
		}
	}
	if len(info.listeners) == 0 {
		delete(m.queries, queryKey)
		return m.engine.Unlisten(ctx, listener.Query)
	}
	return nil
}

// OnViewSnapshots delivers new snapshots from the engine.
func (m *EventManager) OnViewSnapshots(snapshots []model.ViewSnapshot) {
	for _, snapshot := range snapshots {
		info, ok := m.queries[listenKey(snapshot.Query)]
		if !ok {
			continue
		}
		s := snapshot
		info.viewSnap = &s
		for _, listener := range info.listeners {
			listener.OnViewSnapshot(snapshot)
		}
	}
}

// OnListenError delivers a terminal error for a query and forgets it.
func (m *EventManager) OnListenError(query *model.Query, err error) {
	queryKey := listenKey(query)
	info, ok := m.queries[queryKey]
	if !ok {
		return
	}
	for _, listener := range info.listeners {
		listener.OnError(err)
	}
	delete(m.queries, queryKey)
}

// OnOnlineStateChange fans the online state to every listener.
func (m *EventManager) OnOnlineStateChange(onlineState model.OnlineState) {
	m.onlineState = onlineState
	for _, info := range m.queries {
		for _, listener := range info.listeners {
			listener.ApplyOnlineStateChange(onlineState)
		}
	}
}

func listenKey(query *model.Query) string { return query.CanonicalID() }

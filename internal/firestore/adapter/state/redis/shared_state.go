// Package redis mirrors client state through a shared Redis instance so
// that multiple sync clients over the same persistence coordinate a
// single primary and see each other's batch and target progress.
package redis

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"firestore-sync/internal/firestore/domain/model"
	"firestore-sync/internal/firestore/domain/repository"
	"firestore-sync/internal/shared/broadcast"
	"firestore-sync/internal/shared/errors"
	"firestore-sync/internal/shared/logger"
)

const (
	defaultLeaseTTL           = 10 * time.Second
	defaultLeaseRenewInterval = 4 * time.Second
	clientTTL                 = 30 * time.Second
	publishTimeout            = 5 * time.Second

	recordKeyMutation   = "mutation"
	recordKeyTarget     = "target"
	recordKeyMembership = "membership"
	recordKeyOnline     = "online"
)

type mutationPayload struct {
	BatchID   int64  `json:"batchId"`
	State     string `json:"state"`
	UserKey   string `json:"userKey"`
	ErrorCode string `json:"errorCode,omitempty"`
	ErrorMsg  string `json:"errorMsg,omitempty"`
}

type targetPayload struct {
	TargetID  int32  `json:"targetId"`
	State     string `json:"state"`
	ErrorCode string `json:"errorCode,omitempty"`
	ErrorMsg  string `json:"errorMsg,omitempty"`
}

type membershipPayload struct {
	TargetID int32 `json:"targetId"`
	Added    bool  `json:"added"`
}

type onlinePayload struct {
	State string `json:"state"`
}

// SharedClientState coordinates clients through a Redis lease and pub/sub
// records. Records reuse the broadcast envelope so same-process and
// cross-process deployments speak the same schema.
type SharedClientState struct {
	client   *redis.Client
	clientID string
	prefix   string
	user     repository.User
	log      logger.Logger

	leaseTTL           time.Duration
	leaseRenewInterval time.Duration

	mu              sync.Mutex
	syncer          repository.SharedStateSyncer
	onPrimaryChange func(isPrimary bool)
	onOnlineState   func(state model.OnlineState)
	isPrimary       bool
	localTargets    map[model.TargetID]struct{}
	pendingBatches  map[model.BatchID]struct{}
	targetStates    map[model.TargetID]repository.QueryTargetState

	pubsub *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSharedClientState builds the coordinator for one client instance.
// The prefix partitions all keys so independent databases sharing one
// Redis do not see each other.
func NewSharedClientState(client *redis.Client, prefix string, user repository.User, log logger.Logger) *SharedClientState {
	return &SharedClientState{
		client:   client,
		clientID: uuid.NewString(),
		prefix:   prefix,
		user:     user,
		log:      log.WithComponent("shared-state"),

		leaseTTL:           defaultLeaseTTL,
		leaseRenewInterval: defaultLeaseRenewInterval,

		localTargets:   map[model.TargetID]struct{}{},
		pendingBatches: map[model.BatchID]struct{}{},
		targetStates:   map[model.TargetID]repository.QueryTargetState{},
	}
}

// SetLeaseTimings overrides the primary lease TTL and renewal interval.
// Must be called before Start.
func (s *SharedClientState) SetLeaseTimings(ttl, renewInterval time.Duration) {
	if ttl > 0 {
		s.leaseTTL = ttl
	}
	if renewInterval > 0 {
		s.leaseRenewInterval = renewInterval
	}
}

func (s *SharedClientState) ClientID() string { return s.clientID }

func (s *SharedClientState) leaseKey() string       { return s.prefix + ":primary" }
func (s *SharedClientState) targetStateKey() string { return s.prefix + ":target-states" }
func (s *SharedClientState) clientKey(id string) string {
	return s.prefix + ":client:" + id
}
func (s *SharedClientState) channel(key string) string { return s.prefix + ":" + key }

func (s *SharedClientState) Start(ctx context.Context) error {
	states, err := s.client.HGetAll(ctx, s.targetStateKey()).Result()
	if err != nil && err != redis.Nil {
		return errors.NewStorageUnavailable(err)
	}
	s.mu.Lock()
	for field, value := range states {
		id, convErr := strconv.ParseInt(field, 10, 32)
		if convErr != nil {
			continue
		}
		s.targetStates[model.TargetID(id)] = repository.QueryTargetState(value)
	}
	s.mu.Unlock()

	s.pubsub = s.client.Subscribe(ctx,
		s.channel(recordKeyMutation),
		s.channel(recordKeyTarget),
		s.channel(recordKeyMembership),
		s.channel(recordKeyOnline))

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go s.receiveLoop(runCtx)
	go s.leaseLoop(runCtx)

	s.tryAcquireLease(ctx)
	return nil
}

func (s *SharedClientState) Shutdown() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	if s.pubsub != nil {
		s.pubsub.Close()
	}
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	s.client.Del(ctx, s.clientKey(s.clientID))
	// Release the lease only if we still hold it.
	held, err := s.client.Get(ctx, s.leaseKey()).Result()
	if err == nil && held == s.clientID {
		s.client.Del(ctx, s.leaseKey())
	}
}

func (s *SharedClientState) SetSyncer(syncer repository.SharedStateSyncer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncer = syncer
}

func (s *SharedClientState) SetOnPrimaryChange(fn func(isPrimary bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPrimaryChange = fn
}

func (s *SharedClientState) IsPrimary() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isPrimary
}

func (s *SharedClientState) AddPendingMutation(batchID model.BatchID) {
	s.mu.Lock()
	s.pendingBatches[batchID] = struct{}{}
	s.mu.Unlock()

	s.publishMutation(batchID, repository.MutationBatchStatePending, nil)
}

func (s *SharedClientState) UpdateMutationState(batchID model.BatchID, state repository.MutationBatchState, err error) {
	if state != repository.MutationBatchStatePending {
		s.mu.Lock()
		delete(s.pendingBatches, batchID)
		s.mu.Unlock()
	}
	s.publishMutation(batchID, state, err)
}

func (s *SharedClientState) AddLocalQueryTarget(targetID model.TargetID) repository.QueryTargetState {
	s.mu.Lock()
	s.localTargets[targetID] = struct{}{}
	state, ok := s.targetStates[targetID]
	s.mu.Unlock()

	s.publishMembership(targetID, true)
	if !ok {
		return repository.QueryTargetStateNotCurrent
	}
	return state
}

func (s *SharedClientState) RemoveLocalQueryTarget(targetID model.TargetID) {
	s.mu.Lock()
	delete(s.localTargets, targetID)
	s.mu.Unlock()

	s.publishMembership(targetID, false)
}

func (s *SharedClientState) IsLocalQueryTarget(targetID model.TargetID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.localTargets[targetID]
	return ok
}

func (s *SharedClientState) ClearQueryState(targetID model.TargetID) {
	s.mu.Lock()
	delete(s.targetStates, targetID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.client.HDel(ctx, s.targetStateKey(), strconv.Itoa(int(targetID))).Err(); err != nil {
		s.log.Warnf("Failed to clear target state %d: %v", targetID, err)
	}
}

func (s *SharedClientState) UpdateQueryState(targetID model.TargetID, state repository.QueryTargetState, err error) {
	s.mu.Lock()
	s.targetStates[targetID] = state
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if hErr := s.client.HSet(ctx, s.targetStateKey(), strconv.Itoa(int(targetID)), string(state)).Err(); hErr != nil {
		s.log.Warnf("Failed to persist target state %d: %v", targetID, hErr)
	}

	payload := targetPayload{TargetID: int32(targetID), State: string(state)}
	if err != nil {
		payload.ErrorCode = string(errors.CodeOf(err))
		payload.ErrorMsg = err.Error()
	}
	s.publish(ctx, recordKeyTarget, payload)
}

func (s *SharedClientState) SetOnlineState(state model.OnlineState) {
	if !s.IsPrimary() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	s.publish(ctx, recordKeyOnline, onlinePayload{State: state.String()})
}

func (s *SharedClientState) SetOnOnlineStateChange(fn func(state model.OnlineState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onOnlineState = fn
}

func (s *SharedClientState) HandleUserChange(user repository.User, removedBatchIDs, addedBatchIDs []model.BatchID) {
	s.mu.Lock()
	s.user = user
	s.pendingBatches = map[model.BatchID]struct{}{}
	for _, id := range addedBatchIDs {
		s.pendingBatches[id] = struct{}{}
	}
	s.mu.Unlock()
}

// ActiveClients lists the clients with a live heartbeat key.
func (s *SharedClientState) ActiveClients(ctx context.Context) ([]string, error) {
	pattern := s.clientKey("*")
	prefixLen := len(s.clientKey(""))

	var clients []string
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		clients = append(clients, iter.Val()[prefixLen:])
	}
	if err := iter.Err(); err != nil {
		return nil, errors.NewStorageUnavailable(err)
	}
	return clients, nil
}

// leaseLoop renews the heartbeat and contends for the primary lease until
// shutdown.
func (s *SharedClientState) leaseLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.leaseRenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tryAcquireLease(ctx)
		}
	}
}

func (s *SharedClientState) tryAcquireLease(ctx context.Context) {
	if err := s.client.Set(ctx, s.clientKey(s.clientID), time.Now().UTC().Format(time.RFC3339), clientTTL).Err(); err != nil {
		s.log.Warnf("Heartbeat write failed: %v", err)
	}

	acquired, err := s.client.SetNX(ctx, s.leaseKey(), s.clientID, s.leaseTTL).Result()
	if err != nil {
		s.log.Warnf("Lease attempt failed: %v", err)
		s.setPrimary(false)
		return
	}
	if acquired {
		s.setPrimary(true)
		return
	}

	holder, err := s.client.Get(ctx, s.leaseKey()).Result()
	if err != nil {
		s.setPrimary(false)
		return
	}
	if holder == s.clientID {
		if err := s.client.PExpire(ctx, s.leaseKey(), s.leaseTTL).Err(); err != nil {
			s.log.Warnf("Lease renewal failed: %v", err)
		}
		s.setPrimary(true)
		return
	}
	s.setPrimary(false)
}

func (s *SharedClientState) setPrimary(isPrimary bool) {
	s.mu.Lock()
	changed := s.isPrimary != isPrimary
	s.isPrimary = isPrimary
	fn := s.onPrimaryChange
	s.mu.Unlock()

	if changed {
		s.log.WithFields(map[string]interface{}{
			"clientId": s.clientID,
			"primary":  isPrimary,
		}).Info("Primary lease changed")
		if fn != nil {
			fn(isPrimary)
		}
	}
}

func (s *SharedClientState) receiveLoop(ctx context.Context) {
	defer s.wg.Done()

	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.handleMessage(ctx, msg)
		}
	}
}

func (s *SharedClientState) handleMessage(ctx context.Context, msg *redis.Message) {
	var rec broadcast.Record
	if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
		s.log.Warnf("Dropping malformed shared-state record: %v", err)
		return
	}
	if rec.SchemaVersion != broadcast.SchemaVersion || rec.WriterID == s.clientID {
		return
	}

	raw, err := json.Marshal(rec.Payload)
	if err != nil {
		return
	}

	switch rec.Key {
	case recordKeyMutation:
		s.handleMutationRecord(ctx, raw)
	case recordKeyTarget:
		s.handleTargetRecord(ctx, raw)
	case recordKeyMembership:
		s.handleMembershipRecord(ctx, raw)
	case recordKeyOnline:
		s.handleOnlineRecord(raw)
	}
}

func (s *SharedClientState) handleMutationRecord(ctx context.Context, raw []byte) {
	var p mutationPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}

	s.mu.Lock()
	syncer := s.syncer
	sameUser := p.UserKey == s.user.QueueKey()
	s.mu.Unlock()
	if syncer == nil || !sameUser {
		return
	}

	if err := syncer.ApplyBatchState(ctx, model.BatchID(p.BatchID), repository.MutationBatchState(p.State), payloadError(p.ErrorCode, p.ErrorMsg)); err != nil {
		s.log.Errorf("Failed to apply mirrored batch state: %v", err)
	}
}

func (s *SharedClientState) handleTargetRecord(ctx context.Context, raw []byte) {
	var p targetPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	targetID := model.TargetID(p.TargetID)
	state := repository.QueryTargetState(p.State)

	s.mu.Lock()
	s.targetStates[targetID] = state
	syncer := s.syncer
	_, local := s.localTargets[targetID]
	s.mu.Unlock()
	if syncer == nil || !local {
		return
	}

	if err := syncer.ApplyTargetState(ctx, targetID, state, payloadError(p.ErrorCode, p.ErrorMsg)); err != nil {
		s.log.Errorf("Failed to apply mirrored target state: %v", err)
	}
}

func (s *SharedClientState) handleMembershipRecord(ctx context.Context, raw []byte) {
	var p membershipPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}

	s.mu.Lock()
	syncer := s.syncer
	isPrimary := s.isPrimary
	s.mu.Unlock()
	if syncer == nil || !isPrimary {
		return
	}

	var added, removed []model.TargetID
	if p.Added {
		added = []model.TargetID{model.TargetID(p.TargetID)}
	} else {
		removed = []model.TargetID{model.TargetID(p.TargetID)}
	}
	if err := syncer.ApplyActiveTargetsChange(ctx, added, removed); err != nil {
		s.log.Errorf("Failed to apply active-targets change: %v", err)
	}
}

func (s *SharedClientState) handleOnlineRecord(raw []byte) {
	var p onlinePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}

	s.mu.Lock()
	fn := s.onOnlineState
	isPrimary := s.isPrimary
	s.mu.Unlock()
	// The primary publishes online state, it never consumes it.
	if fn == nil || isPrimary {
		return
	}
	fn(model.OnlineStateFromString(p.State))
}

func (s *SharedClientState) publishMutation(batchID model.BatchID, state repository.MutationBatchState, err error) {
	s.mu.Lock()
	userKey := s.user.QueueKey()
	s.mu.Unlock()

	payload := mutationPayload{
		BatchID: int64(batchID),
		State:   string(state),
		UserKey: userKey,
	}
	if err != nil {
		payload.ErrorCode = string(errors.CodeOf(err))
		payload.ErrorMsg = err.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	s.publish(ctx, recordKeyMutation, payload)
}

func (s *SharedClientState) publishMembership(targetID model.TargetID, added bool) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	s.publish(ctx, recordKeyMembership, membershipPayload{TargetID: int32(targetID), Added: added})
}

func (s *SharedClientState) publish(ctx context.Context, key string, payload interface{}) {
	rec := broadcast.Record{
		Key:           key,
		SchemaVersion: broadcast.SchemaVersion,
		WriterID:      s.clientID,
		WrittenAt:     time.Now().UTC(),
		Payload:       payload,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		s.log.Errorf("Failed to serialize shared-state record: %v", err)
		return
	}
	if err := s.client.Publish(ctx, s.channel(key), data).Err(); err != nil {
		s.log.Warnf("Failed to publish shared-state record %s: %v", key, err)
	}
}

func payloadError(code, msg string) error {
	if code == "" {
		return nil
	}
	return errors.New(errors.Code(code), msg)
}

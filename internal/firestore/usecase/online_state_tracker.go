package usecase

import (
	"sync"
	"time"

	"firestore-sync/internal/firestore/domain/model"
	"firestore-sync/internal/shared/logger"

	"go.uber.org/zap"
)

const (
	// maxWatchStreamFailures is how many consecutive watch stream
	// failures we tolerate before giving up and reporting offline.
	maxWatchStreamFailures = 1
	// onlineStateTimeout bounds how long we stay in the unknown state
	// while the first connection attempt is in flight.
	onlineStateTimeout = 10 * time.Second
)

// OnlineStateTracker decides what online state to surface to listeners.
// The state turns online on any successful watch message and offline once
// the stream failed enough times or the connection attempt timed out;
// until then it stays unknown so cached snapshots are not prematurely
// labeled offline.
type OnlineStateTracker struct {
	mu                sync.Mutex
	state             model.OnlineState
	watchStreamFailed int
	timer             *time.Timer
	onChange          func(state model.OnlineState)
	log               logger.Logger
}

func NewOnlineStateTracker(onChange func(state model.OnlineState), log logger.Logger) *OnlineStateTracker {
	return &OnlineStateTracker{
		state:    model.OnlineStateUnknown,
		onChange: onChange,
		log:      log.WithComponent("online_state"),
	}
}

// HandleWatchStreamStart arms the unknown-state timeout when a connection
// attempt begins from a clean slate.
func (t *OnlineStateTracker) HandleWatchStreamStart() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.watchStreamFailed != 0 || t.timer != nil || t.state != model.OnlineStateUnknown {
		return
	}
	t.timer = time.AfterFunc(onlineStateTimeout, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.timer = nil
		if t.state == model.OnlineStateUnknown {
			t.log.Debug("watch stream did not connect within timeout, reporting offline")
			t.setLocked(model.OnlineStateOffline)
		}
	})
}

// UpdateState forces a state, clearing failure tracking.
func (t *OnlineStateTracker) UpdateState(state model.OnlineState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearTimerLocked()
	t.watchStreamFailed = 0
	t.setLocked(state)
}

// HandleWatchStreamFailure counts a failure and flips to offline once the
// tolerance is spent.
func (t *OnlineStateTracker) HandleWatchStreamFailure(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == model.OnlineStateOnline {
		t.setLocked(model.OnlineStateUnknown)
		return
	}
	t.watchStreamFailed++
	if t.watchStreamFailed >= maxWatchStreamFailures {
		t.clearTimerLocked()
		t.log.Debug("watch stream failed, reporting offline", zap.Error(err))
		t.setLocked(model.OnlineStateOffline)
	}
}

// State returns the current online state.
func (t *OnlineStateTracker) State() model.OnlineState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *OnlineStateTracker) setLocked(state model.OnlineState) {
	if t.state == state {
		return
	}
	t.state = state
	if t.onChange != nil {
		t.onChange(state)
	}
}

func (t *OnlineStateTracker) clearTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

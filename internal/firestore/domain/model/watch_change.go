package model

// WatchChange is one message received on the listen stream.
type WatchChange interface {
	isWatchChange()
}

// WatchTargetChangeState is the server-reported lifecycle event for a set
// of targets.
type WatchTargetChangeState int

const (
	WatchTargetChangeStateNoChange WatchTargetChangeState = iota
	WatchTargetChangeStateAdded
	WatchTargetChangeStateRemoved
	WatchTargetChangeStateCurrent
	WatchTargetChangeStateReset
)

func (s WatchTargetChangeState) String() string {
	switch s {
	case WatchTargetChangeStateNoChange:
		return "NoChange"
	case WatchTargetChangeStateAdded:
		return "Added"
	case WatchTargetChangeStateRemoved:
		return "Removed"
	case WatchTargetChangeStateCurrent:
		return "Current"
	default:
		return "Reset"
	}
}

// WatchTargetChange reports a target lifecycle event. An empty TargetIDs
// slice addresses every active target.
type WatchTargetChange struct {
	State       WatchTargetChangeState
	TargetIDs   []TargetID
	ResumeToken []byte
	// Cause carries the server error for Removed changes.
	Cause error
}

func (c *WatchTargetChange) isWatchChange() {}

// DocumentWatchChange reports a document update together with the targets
// it now does and does not belong to. NewDoc is nil when the server only
// reports a membership change.
type DocumentWatchChange struct {
	UpdatedTargetIDs []TargetID
	RemovedTargetIDs []TargetID
	Key              DocumentKey
	NewDoc           MaybeDocument
}

func (c *DocumentWatchChange) isWatchChange() {}

// ExistenceFilterChange asserts the server-side document count for a
// target so the client can detect missed deletes.
type ExistenceFilterChange struct {
	TargetID TargetID
	Count    int
}

func (c *ExistenceFilterChange) isWatchChange() {}

package model

// OnlineState describes the client's confidence in its connection to the
// backend, as surfaced to views deciding whether results are from cache.
type OnlineState int

const (
	// OnlineStateUnknown is the initial state; no stream attempt has
	// succeeded or conclusively failed yet.
	OnlineStateUnknown OnlineState = iota
	// OnlineStateOnline means the watch stream is established.
	OnlineStateOnline
	// OnlineStateOffline means connection attempts failed; reads are
	// served from cache until a stream opens again.
	OnlineStateOffline
)

func (s OnlineState) String() string {
	switch s {
	case OnlineStateOnline:
		return "Online"
	case OnlineStateOffline:
		return "Offline"
	default:
		return "Unknown"
	}
}

// OnlineStateFromString parses the String form; anything unrecognized is
// Unknown.
func OnlineStateFromString(s string) OnlineState {
	switch s {
	case "Online":
		return OnlineStateOnline
	case "Offline":
		return OnlineStateOffline
	default:
		return OnlineStateUnknown
	}
}

package model

import (
	"fmt"
	"time"

	"firestore-sync/internal/shared/errors"
)

// Timestamp is a wire-precision instant: whole seconds since the epoch plus
// a nanosecond remainder. The representable range matches the backend's
// (years 1 to 9999).
type Timestamp struct {
	Seconds int64 `json:"seconds"`
	Nanos   int32 `json:"nanos"`
}

const (
	minTimestampSeconds = -62135596800 // 0001-01-01T00:00:00Z
	maxTimestampSeconds = 253402300799 // 9999-12-31T23:59:59Z
)

// NewTimestamp validates and builds a Timestamp.
func NewTimestamp(seconds int64, nanos int32) (Timestamp, error) {
	if nanos < 0 || nanos >= 1e9 {
		return Timestamp{}, errors.NewInvalidArgument("timestamp nanoseconds out of range: %d", nanos)
	}
	if seconds < minTimestampSeconds || seconds > maxTimestampSeconds {
		return Timestamp{}, errors.NewInvalidArgument("timestamp seconds out of range: %d", seconds)
	}
	return Timestamp{Seconds: seconds, Nanos: nanos}, nil
}

// TimestampNow returns the current time as a Timestamp.
func TimestampNow() Timestamp {
	return TimestampFromTime(time.Now())
}

// TimestampFromTime converts a time.Time.
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp{Seconds: t.Unix(), Nanos: int32(t.Nanosecond())}
}

// Time converts back to time.Time (UTC).
func (t Timestamp) Time() time.Time {
	return time.Unix(t.Seconds, int64(t.Nanos)).UTC()
}

// Compare orders timestamps by (seconds, nanos).
func (t Timestamp) Compare(other Timestamp) int {
	if t.Seconds != other.Seconds {
		if t.Seconds < other.Seconds {
			return -1
		}
		return 1
	}
	if t.Nanos != other.Nanos {
		if t.Nanos < other.Nanos {
			return -1
		}
		return 1
	}
	return 0
}

func (t Timestamp) String() string {
	return fmt.Sprintf("Timestamp(seconds=%d, nanos=%d)", t.Seconds, t.Nanos)
}

// SnapshotVersion is a document/world version assigned by the backend. It is
// a timestamp underneath; the zero value means "unknown version".
type SnapshotVersion struct {
	ts Timestamp
}

// SnapshotVersionMin is the smallest (unknown) snapshot version.
var SnapshotVersionMin = SnapshotVersion{}

// NewSnapshotVersion wraps a timestamp.
func NewSnapshotVersion(ts Timestamp) SnapshotVersion {
	return SnapshotVersion{ts: ts}
}

// Timestamp returns the underlying timestamp.
func (v SnapshotVersion) Timestamp() Timestamp {
	return v.ts
}

// Compare orders snapshot versions.
func (v SnapshotVersion) Compare(other SnapshotVersion) int {
	return v.ts.Compare(other.ts)
}

// IsZero reports whether this is the unknown version.
func (v SnapshotVersion) IsZero() bool {
	return v.ts == Timestamp{}
}

func (v SnapshotVersion) String() string {
	if v.IsZero() {
		return "SnapshotVersion(min)"
	}
	return fmt.Sprintf("SnapshotVersion(seconds=%d, nanos=%d)", v.ts.Seconds, v.ts.Nanos)
}

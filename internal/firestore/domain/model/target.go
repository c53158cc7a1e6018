package model

import "strings"

// TargetID identifies a watch target. Listen targets use even ids, limbo
// resolution targets odd ids, so the two allocators never collide.
type TargetID int32

// ListenSequenceNumber ranks targets and documents for LRU garbage
// collection. Monotonically increasing across the client's lifetime.
type ListenSequenceNumber int64

// TargetPurpose records why a target exists.
type TargetPurpose int

const (
	// TargetPurposeListen serves a user-issued query listener.
	TargetPurposeListen TargetPurpose = iota
	// TargetPurposeExistenceFilterMismatch re-fetches a target whose
	// existence filter disagreed with the local view.
	TargetPurposeExistenceFilterMismatch
	// TargetPurposeLimboResolution fetches the authoritative state of a
	// single limbo document.
	TargetPurposeLimboResolution
)

// Target is the canonical, immutable compilation of a query for the watch
// protocol. Unlike Query it has no limit-type distinction; limit-to-last
// queries compile to their inverted limit-to-first form.
type Target struct {
	Path            ResourcePath
	CollectionGroup string
	OrderBys        []OrderBy
	Filters         []FieldFilter
	Limit           int64
	StartAt         *Bound
	EndAt           *Bound

	memoizedCanonicalID string
}

// NewDocumentTarget builds a target watching a single document.
func NewDocumentTarget(key DocumentKey) *Target {
	return &Target{Path: key.Path, Limit: NoLimit}
}

// IsDocumentTarget reports whether the target watches one document.
func (t *Target) IsDocumentTarget() bool {
	return t.Path.Length()%2 == 0 && t.CollectionGroup == "" && len(t.Filters) == 0
}

// CanonicalID returns a deterministic string identity for the target; two
// targets with the same canonical id are interchangeable on the wire.
func (t *Target) CanonicalID() string {
	if t.memoizedCanonicalID != "" {
		return t.memoizedCanonicalID
	}
	var sb strings.Builder
	sb.WriteString(t.Path.String())
	if t.CollectionGroup != "" {
		sb.WriteString("|cg:")
		sb.WriteString(t.CollectionGroup)
	}
	sb.WriteString("|f:")
	for _, f := range t.Filters {
		sb.WriteString(f.canonicalID())
	}
	sb.WriteString("|ob:")
	for _, o := range t.OrderBys {
		sb.WriteString(o.canonicalID())
	}
	sb.WriteString(canonifyLimit(t.Limit))
	if t.StartAt != nil {
		sb.WriteString("|lb:")
		sb.WriteString(t.StartAt.canonicalID())
	}
	if t.EndAt != nil {
		sb.WriteString("|ub:")
		sb.WriteString(t.EndAt.canonicalID())
	}
	t.memoizedCanonicalID = sb.String()
	return t.memoizedCanonicalID
}

func (t *Target) Equal(other *Target) bool {
	if t.Limit != other.Limit ||
		t.CollectionGroup != other.CollectionGroup ||
		!t.Path.Equal(other.Path) ||
		len(t.OrderBys) != len(other.OrderBys) ||
		len(t.Filters) != len(other.Filters) {
		return false
	}
	for i, o := range t.OrderBys {
		if !o.Equal(other.OrderBys[i]) {
			return false
		}
	}
	for i, f := range t.Filters {
		if !f.Equal(other.Filters[i]) {
			return false
		}
	}
	return t.StartAt.Equal(other.StartAt) && t.EndAt.Equal(other.EndAt)
}

func (t *Target) String() string { return t.CanonicalID() }

// TargetData is the persisted bookkeeping for an allocated target.
type TargetData struct {
	Target         *Target
	TargetID       TargetID
	Purpose        TargetPurpose
	SequenceNumber ListenSequenceNumber
	// SnapshotVersion is the latest snapshot the target is known
	// consistent at.
	SnapshotVersion SnapshotVersion
	// LastLimboFreeSnapshotVersion is the latest snapshot at which the
	// target's view contained no limbo documents, enabling index-free
	// query result reuse.
	LastLimboFreeSnapshotVersion SnapshotVersion
	// ResumeToken lets the watch stream resume the target without
	// re-sending matching documents.
	ResumeToken []byte
}

func NewTargetData(target *Target, targetID TargetID, sequenceNumber ListenSequenceNumber, purpose TargetPurpose) *TargetData {
	return &TargetData{
		Target:         target,
		TargetID:       targetID,
		Purpose:        purpose,
		SequenceNumber: sequenceNumber,
	}
}

func (d *TargetData) clone() *TargetData {
	clone := *d
	return &clone
}

// WithSequenceNumber stamps a fresh LRU sequence number.
func (d *TargetData) WithSequenceNumber(sequenceNumber ListenSequenceNumber) *TargetData {
	next := d.clone()
	next.SequenceNumber = sequenceNumber
	return next
}

// WithResumeToken records a resume token observed at the given snapshot.
func (d *TargetData) WithResumeToken(resumeToken []byte, snapshotVersion SnapshotVersion) *TargetData {
	next := d.clone()
	next.ResumeToken = resumeToken
	next.SnapshotVersion = snapshotVersion
	return next
}

// WithLastLimboFreeSnapshotVersion records the latest limbo-free snapshot.
func (d *TargetData) WithLastLimboFreeSnapshotVersion(version SnapshotVersion) *TargetData {
	next := d.clone()
	next.LastLimboFreeSnapshotVersion = version
	return next
}

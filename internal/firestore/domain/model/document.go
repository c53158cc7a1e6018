package model

import "fmt"

// MaybeDocument is what the engine knows about a key: a document with data,
// a document known to be missing, or a document in an unknown state.
// Exactly one variant holds per key in any local snapshot.
type MaybeDocument interface {
	Key() DocumentKey
	Version() SnapshotVersion
	// HasPendingWrites reports whether the local view of this document
	// differs from (or may differ from) the server's.
	HasPendingWrites() bool
	isMaybeDocument()
}

// Document is a document that exists, together with its data.
type Document struct {
	key                   DocumentKey
	version               SnapshotVersion
	data                  ObjectValue
	hasLocalMutations     bool
	hasCommittedMutations bool
}

// DocumentState qualifies how a Document relates to pending writes.
type DocumentState int

const (
	// DocumentStateSynced matches the last known server state.
	DocumentStateSynced DocumentState = iota
	// DocumentStateLocalMutations carries unacknowledged local writes.
	DocumentStateLocalMutations
	// DocumentStateCommittedMutations carries acknowledged writes not yet
	// observed on the watch stream.
	DocumentStateCommittedMutations
)

// NewDocument builds a Document.
func NewDocument(key DocumentKey, version SnapshotVersion, data ObjectValue, state DocumentState) *Document {
	return &Document{
		key:                   key,
		version:               version,
		data:                  data,
		hasLocalMutations:     state == DocumentStateLocalMutations,
		hasCommittedMutations: state == DocumentStateCommittedMutations,
	}
}

func (d *Document) Key() DocumentKey         { return d.key }
func (d *Document) Version() SnapshotVersion { return d.version }
func (d *Document) Data() ObjectValue        { return d.data }

// Field returns the value at a field path.
func (d *Document) Field(path FieldPath) (Value, bool) {
	return d.data.Field(path)
}

// HasLocalMutations reports unacknowledged local writes.
func (d *Document) HasLocalMutations() bool { return d.hasLocalMutations }

// HasCommittedMutations reports acknowledged-but-unwatched writes.
func (d *Document) HasCommittedMutations() bool { return d.hasCommittedMutations }

func (d *Document) HasPendingWrites() bool {
	return d.hasLocalMutations || d.hasCommittedMutations
}

func (d *Document) isMaybeDocument() {}

// Equal compares key, version, data and state.
func (d *Document) Equal(other *Document) bool {
	return other != nil &&
		d.key.Equal(other.key) &&
		d.version.Compare(other.version) == 0 &&
		d.hasLocalMutations == other.hasLocalMutations &&
		d.hasCommittedMutations == other.hasCommittedMutations &&
		d.data.Equal(other.data)
}

func (d *Document) String() string {
	return fmt.Sprintf("Document(%s, %s, localMutations=%v, committedMutations=%v)",
		d.key, d.version, d.hasLocalMutations, d.hasCommittedMutations)
}

// NoDocument is a document known not to exist.
type NoDocument struct {
	key                   DocumentKey
	version               SnapshotVersion
	hasCommittedMutations bool
}

// NewNoDocument builds a NoDocument.
func NewNoDocument(key DocumentKey, version SnapshotVersion, hasCommittedMutations bool) *NoDocument {
	return &NoDocument{key: key, version: version, hasCommittedMutations: hasCommittedMutations}
}

func (d *NoDocument) Key() DocumentKey            { return d.key }
func (d *NoDocument) Version() SnapshotVersion    { return d.version }
func (d *NoDocument) HasCommittedMutations() bool { return d.hasCommittedMutations }
func (d *NoDocument) HasPendingWrites() bool      { return d.hasCommittedMutations }
func (d *NoDocument) isMaybeDocument()            {}

func (d *NoDocument) String() string {
	return fmt.Sprintf("NoDocument(%s, %s)", d.key, d.version)
}

// UnknownDocument is a document whose existence could not be determined,
// e.g. after a patch was acknowledged against an uncached base. Always
// treated as having pending writes until the watch stream supplies a
// concrete state.
type UnknownDocument struct {
	key     DocumentKey
	version SnapshotVersion
}

// NewUnknownDocument builds an UnknownDocument.
func NewUnknownDocument(key DocumentKey, version SnapshotVersion) *UnknownDocument {
	return &UnknownDocument{key: key, version: version}
}

func (d *UnknownDocument) Key() DocumentKey         { return d.key }
func (d *UnknownDocument) Version() SnapshotVersion { return d.version }
func (d *UnknownDocument) HasPendingWrites() bool   { return true }
func (d *UnknownDocument) isMaybeDocument()         {}

func (d *UnknownDocument) String() string {
	return fmt.Sprintf("UnknownDocument(%s, %s)", d.key, d.version)
}

// MaybeDocumentMap maps document keys to their known states, keyed by the
// canonical path string.
type MaybeDocumentMap map[string]MaybeDocument

// Put inserts a document state.
func (m MaybeDocumentMap) Put(doc MaybeDocument) { m[doc.Key().String()] = doc }

// Get looks up a document state.
func (m MaybeDocumentMap) Get(key DocumentKey) (MaybeDocument, bool) {
	doc, ok := m[key.String()]
	return doc, ok
}

// Keys returns the set of keys present.
func (m MaybeDocumentMap) Keys() DocumentKeySet {
	s := make(DocumentKeySet, len(m))
	for _, doc := range m {
		s.Add(doc.Key())
	}
	return s
}

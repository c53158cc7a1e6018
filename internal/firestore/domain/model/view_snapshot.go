package model

// ChangeType classifies a document's transition between two snapshots.
type ChangeType int

const (
	ChangeTypeAdded ChangeType = iota
	ChangeTypeRemoved
	ChangeTypeModified
	ChangeTypeMetadata
)

func (t ChangeType) String() string {
	switch t {
	case ChangeTypeAdded:
		return "added"
	case ChangeTypeRemoved:
		return "removed"
	case ChangeTypeModified:
		return "modified"
	default:
		return "metadata"
	}
}

// DocumentViewChange is one document's transition within a view update.
type DocumentViewChange struct {
	Type ChangeType
	Doc  *Document
}

// ChangeSet accumulates document changes, coalescing successive changes to
// the same key into the single change an observer would need to see.
type ChangeSet struct {
	changes map[string]DocumentViewChange
	order   []string
}

func NewChangeSet() *ChangeSet {
	return &ChangeSet{changes: map[string]DocumentViewChange{}}
}

// Track merges change with any previously tracked change for the same key.
func (s *ChangeSet) Track(change DocumentViewChange) {
	key := change.Doc.Key().String()
	old, exists := s.changes[key]
	if !exists {
		s.set(key, change)
		return
	}
	switch {
	case old.Type == ChangeTypeAdded && change.Type == ChangeTypeModified:
		s.set(key, DocumentViewChange{Type: ChangeTypeAdded, Doc: change.Doc})
	case old.Type == ChangeTypeAdded && change.Type == ChangeTypeMetadata:
		s.set(key, DocumentViewChange{Type: ChangeTypeAdded, Doc: change.Doc})
	case old.Type == ChangeTypeAdded && change.Type == ChangeTypeRemoved:
		s.delete(key)
	case old.Type == ChangeTypeRemoved && change.Type == ChangeTypeAdded:
		s.set(key, DocumentViewChange{Type: ChangeTypeModified, Doc: change.Doc})
	case old.Type == ChangeTypeModified && change.Type == ChangeTypeRemoved:
		s.set(key, DocumentViewChange{Type: ChangeTypeRemoved, Doc: change.Doc})
	case old.Type == ChangeTypeModified && change.Type == ChangeTypeModified:
		s.set(key, DocumentViewChange{Type: ChangeTypeModified, Doc: change.Doc})
	case old.Type == ChangeTypeMetadata && change.Type == ChangeTypeModified:
		s.set(key, DocumentViewChange{Type: ChangeTypeModified, Doc: change.Doc})
	default:
		s.set(key, change)
	}
}

func (s *ChangeSet) set(key string, change DocumentViewChange) {
	if _, exists := s.changes[key]; !exists {
		s.order = append(s.order, key)
	}
	s.changes[key] = change
}

func (s *ChangeSet) delete(key string) {
	if _, exists := s.changes[key]; !exists {
		return
	}
	delete(s.changes, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Changes returns the coalesced changes in first-tracked order.
func (s *ChangeSet) Changes() []DocumentViewChange {
	result := make([]DocumentViewChange, 0, len(s.order))
	for _, key := range s.order {
		result = append(result, s.changes[key])
	}
	return result
}

// SyncState is a view's confidence in its own completeness.
type SyncState int

const (
	SyncStateNone SyncState = iota
	SyncStateLocal
	SyncStateSynced
)

// ViewSnapshot is the immutable result-set state handed to listeners each
// time a view is updated.
type ViewSnapshot struct {
	Query                   *Query
	Docs                    DocumentSet
	OldDocs                 DocumentSet
	DocChanges              []DocumentViewChange
	MutatedKeys             DocumentKeySet
	FromCache               bool
	SyncStateChanged        bool
	ExcludesMetadataChanges bool
}

// NewViewSnapshotFromInitialDocuments builds the first snapshot for a
// listener: every document reported as added.
func NewViewSnapshotFromInitialDocuments(query *Query, docs DocumentSet, mutatedKeys DocumentKeySet, fromCache bool) ViewSnapshot {
	var changes []DocumentViewChange
	docs.ForEach(func(doc *Document) {
		changes = append(changes, DocumentViewChange{Type: ChangeTypeAdded, Doc: doc})
	})
	return ViewSnapshot{
		Query:            query,
		Docs:             docs,
		OldDocs:          NewDocumentSet(query.Comparator()),
		DocChanges:       changes,
		MutatedKeys:      mutatedKeys,
		FromCache:        fromCache,
		SyncStateChanged: true,
	}
}

// HasPendingWrites reports whether any result document has an
// unacknowledged local mutation.
func (s ViewSnapshot) HasPendingWrites() bool {
	return len(s.MutatedKeys) > 0
}

func (s ViewSnapshot) Equal(other ViewSnapshot) bool {
	if s.FromCache != other.FromCache ||
		s.SyncStateChanged != other.SyncStateChanged ||
		s.ExcludesMetadataChanges != other.ExcludesMetadataChanges ||
		!s.MutatedKeys.Equal(other.MutatedKeys) ||
		!s.Query.Equal(other.Query) ||
		!s.Docs.Equal(other.Docs) {
		return false
	}
	if len(s.DocChanges) != len(other.DocChanges) {
		return false
	}
	for i, c := range s.DocChanges {
		if c.Type != other.DocChanges[i].Type || !c.Doc.Equal(other.DocChanges[i].Doc) {
			return false
		}
	}
	return true
}

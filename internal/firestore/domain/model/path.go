package model

import (
	"sort"
	"strings"

	"firestore-sync/internal/shared/errors"
	sharedpath "firestore-sync/internal/shared/firestore"
)

// ResourcePath is a slash-separated path into the document tree, relative to
// the database root. Even-length paths name documents, odd-length paths name
// collections. Immutable; all helpers return copies.
type ResourcePath struct {
	segments []string
}

// EmptyResourcePath is the database root.
var EmptyResourcePath = ResourcePath{}

// NewResourcePath builds a path from segments.
func NewResourcePath(segments ...string) ResourcePath {
	return ResourcePath{segments: append([]string(nil), segments...)}
}

// ParseResourcePath parses a slash-separated path string.
func ParseResourcePath(path string) (ResourcePath, error) {
	if strings.Contains(path, "//") {
		return ResourcePath{}, errors.NewInvalidArgument("invalid path %q: must not contain // ", path)
	}
	return ResourcePath{segments: sharedpath.SplitSegments(path)}, nil
}

// MustParseResourcePath is ParseResourcePath for literals; panics on error.
func MustParseResourcePath(path string) ResourcePath {
	p, err := ParseResourcePath(path)
	if err != nil {
		panic(err)
	}
	return p
}

// Length returns the number of segments.
func (p ResourcePath) Length() int { return len(p.segments) }

// IsEmpty reports whether this is the root path.
func (p ResourcePath) IsEmpty() bool { return len(p.segments) == 0 }

// Segment returns the i-th segment.
func (p ResourcePath) Segment(i int) string { return p.segments[i] }

// FirstSegment returns the first segment.
func (p ResourcePath) FirstSegment() string { return p.segments[0] }

// LastSegment returns the final segment.
func (p ResourcePath) LastSegment() string { return p.segments[len(p.segments)-1] }

// Segments returns a copy of the segment slice.
func (p ResourcePath) Segments() []string {
	return append([]string(nil), p.segments...)
}

// Append returns p extended with the given segments.
func (p ResourcePath) Append(segments ...string) ResourcePath {
	out := make([]string, 0, len(p.segments)+len(segments))
	out = append(out, p.segments...)
	out = append(out, segments...)
	return ResourcePath{segments: out}
}

// Child returns p extended by a relative path.
func (p ResourcePath) Child(rel ResourcePath) ResourcePath {
	return p.Append(rel.segments...)
}

// Parent returns p without its final segment, or the root for the root.
func (p ResourcePath) Parent() ResourcePath {
	if len(p.segments) == 0 {
		return p
	}
	return ResourcePath{segments: append([]string(nil), p.segments[:len(p.segments)-1]...)}
}

// PopFirst returns p without its first n segments.
func (p ResourcePath) PopFirst(n int) ResourcePath {
	return ResourcePath{segments: append([]string(nil), p.segments[n:]...)}
}

// IsPrefixOf reports whether every segment of p prefixes other.
func (p ResourcePath) IsPrefixOf(other ResourcePath) bool {
	if len(p.segments) > len(other.segments) {
		return false
	}
	for i, seg := range p.segments {
		if other.segments[i] != seg {
			return false
		}
	}
	return true
}

// IsImmediateParentOf reports whether other is exactly one level below p.
func (p ResourcePath) IsImmediateParentOf(other ResourcePath) bool {
	return len(p.segments)+1 == len(other.segments) && p.IsPrefixOf(other)
}

// Compare orders paths segment-wise, shorter paths first on ties.
func (p ResourcePath) Compare(other ResourcePath) int {
	n := len(p.segments)
	if len(other.segments) < n {
		n = len(other.segments)
	}
	for i := 0; i < n; i++ {
		if c := strings.Compare(p.segments[i], other.segments[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(p.segments) < len(other.segments):
		return -1
	case len(p.segments) > len(other.segments):
		return 1
	default:
		return 0
	}
}

// Equal reports segment-wise equality.
func (p ResourcePath) Equal(other ResourcePath) bool {
	return p.Compare(other) == 0
}

// String renders the canonical slash-separated form.
func (p ResourcePath) String() string {
	return strings.Join(p.segments, "/")
}

// CollectionID returns the id of the collection this path belongs to: the
// last segment of a collection path, the second-to-last of a document path.
func (p ResourcePath) CollectionID() string {
	if len(p.segments) == 0 {
		return ""
	}
	if len(p.segments)%2 == 1 {
		return p.segments[len(p.segments)-1]
	}
	return p.segments[len(p.segments)-2]
}

// DocumentKey names a single document: an even-length resource path. The
// primary identity for every document-level map and set in the engine.
type DocumentKey struct {
	Path ResourcePath
}

// NewDocumentKey validates and builds a key.
func NewDocumentKey(path ResourcePath) (DocumentKey, error) {
	if path.Length() == 0 || path.Length()%2 != 0 {
		return DocumentKey{}, errors.NewInvalidArgument(
			"invalid document key %q: document paths must have an even number of segments", path.String())
	}
	return DocumentKey{Path: path}, nil
}

// MustDocumentKey builds a key from a path string; panics on invalid input.
func MustDocumentKey(path string) DocumentKey {
	p, err := ParseResourcePath(path)
	if err != nil {
		panic(err)
	}
	k, err := NewDocumentKey(p)
	if err != nil {
		panic(err)
	}
	return k
}

// CollectionPath returns the key's parent collection path.
func (k DocumentKey) CollectionPath() ResourcePath {
	return k.Path.Parent()
}

// CollectionID returns the id of the key's parent collection.
func (k DocumentKey) CollectionID() string {
	return k.Path.CollectionID()
}

// DocumentID returns the final path segment.
func (k DocumentKey) DocumentID() string {
	return k.Path.LastSegment()
}

// HasCollectionID reports whether the key sits in a collection with the id.
func (k DocumentKey) HasCollectionID(collectionID string) bool {
	return k.CollectionID() == collectionID
}

// Compare orders keys by path.
func (k DocumentKey) Compare(other DocumentKey) int {
	return k.Path.Compare(other.Path)
}

// Equal reports key equality.
func (k DocumentKey) Equal(other DocumentKey) bool {
	return k.Path.Equal(other.Path)
}

// IsZero reports whether the key is unset.
func (k DocumentKey) IsZero() bool {
	return k.Path.Length() == 0
}

func (k DocumentKey) String() string {
	return k.Path.String()
}

// DocumentKeySet is a set of document keys. Maps are keyed by the canonical
// path string so keys compare by value.
type DocumentKeySet map[string]DocumentKey

// NewDocumentKeySet builds a set from keys.
func NewDocumentKeySet(keys ...DocumentKey) DocumentKeySet {
	s := make(DocumentKeySet, len(keys))
	for _, k := range keys {
		s.Add(k)
	}
	return s
}

// Add inserts a key.
func (s DocumentKeySet) Add(k DocumentKey) { s[k.String()] = k }

// Remove deletes a key.
func (s DocumentKeySet) Remove(k DocumentKey) { delete(s, k.String()) }

// Contains reports membership.
func (s DocumentKeySet) Contains(k DocumentKey) bool {
	_, ok := s[k.String()]
	return ok
}

// Copy returns a shallow copy.
func (s DocumentKeySet) Copy() DocumentKeySet {
	out := make(DocumentKeySet, len(s))
	for ks, k := range s {
		out[ks] = k
	}
	return out
}

// Equal reports set equality.
func (s DocumentKeySet) Equal(other DocumentKeySet) bool {
	if len(s) != len(other) {
		return false
	}
	for ks := range s {
		if _, ok := other[ks]; !ok {
			return false
		}
	}
	return true
}

// SortedKeys returns the members in path order.
func (s DocumentKeySet) SortedKeys() []DocumentKey {
	out := make([]DocumentKey, 0, len(s))
	for _, k := range s {
		out = append(out, k)
	}
	sortDocumentKeys(out)
	return out
}

func sortDocumentKeys(keys []DocumentKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
}

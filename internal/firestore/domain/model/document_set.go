package model

import "sort"

// DocumentComparator orders documents within a DocumentSet.
type DocumentComparator func(d1, d2 *Document) int

// DocumentSet is an immutable ordered set of documents, sorted by a query
// comparator with the document key as final tiebreak, with O(log n) keyed
// lookup. Mutating operations return a new set.
type DocumentSet struct {
	comparator DocumentComparator
	sorted     []*Document
	index      map[string]*Document
}

// NewDocumentSet builds an empty set ordered by the comparator.
func NewDocumentSet(comparator DocumentComparator) DocumentSet {
	return DocumentSet{
		comparator: comparator,
		index:      map[string]*Document{},
	}
}

func (s DocumentSet) compare(d1, d2 *Document) int {
	if c := s.comparator(d1, d2); c != 0 {
		return c
	}
	return d1.Key().Compare(d2.Key())
}

func (s DocumentSet) Size() int     { return len(s.sorted) }
func (s DocumentSet) IsEmpty() bool { return len(s.sorted) == 0 }

// Has reports whether a document with the key is in the set.
func (s DocumentSet) Has(key DocumentKey) bool {
	_, ok := s.index[key.String()]
	return ok
}

// Get returns the document stored under key, or nil.
func (s DocumentSet) Get(key DocumentKey) *Document {
	return s.index[key.String()]
}

// First returns the lowest-ordered document, or nil when empty.
func (s DocumentSet) First() *Document {
	if len(s.sorted) == 0 {
		return nil
	}
	return s.sorted[0]
}

// Last returns the highest-ordered document, or nil when empty.
func (s DocumentSet) Last() *Document {
	if len(s.sorted) == 0 {
		return nil
	}
	return s.sorted[len(s.sorted)-1]
}

// IndexOf returns the position of the key's document, or -1.
func (s DocumentSet) IndexOf(key DocumentKey) int {
	doc, ok := s.index[key.String()]
	if !ok {
		return -1
	}
	i := s.search(doc)
	for i < len(s.sorted) {
		if s.sorted[i].Key().Equal(key) {
			return i
		}
		i++
	}
	return -1
}

func (s DocumentSet) search(doc *Document) int {
	return sort.Search(len(s.sorted), func(i int) bool {
		return s.compare(s.sorted[i], doc) >= 0
	})
}

// Add returns a set containing doc, replacing any previous document with
// the same key.
func (s DocumentSet) Add(doc *Document) DocumentSet {
	next := s.Delete(doc.Key())
	i := next.search(doc)
	sorted := make([]*Document, 0, len(next.sorted)+1)
	sorted = append(sorted, next.sorted[:i]...)
	sorted = append(sorted, doc)
	sorted = append(sorted, next.sorted[i:]...)
	index := make(map[string]*Document, len(next.index)+1)
	for k, v := range next.index {
		index[k] = v
	}
	index[doc.Key().String()] = doc
	return DocumentSet{comparator: s.comparator, sorted: sorted, index: index}
}

// Delete returns a set without the key's document.
func (s DocumentSet) Delete(key DocumentKey) DocumentSet {
	i := s.IndexOf(key)
	if i < 0 {
		return s
	}
	sorted := make([]*Document, 0, len(s.sorted)-1)
	sorted = append(sorted, s.sorted[:i]...)
	sorted = append(sorted, s.sorted[i+1:]...)
	index := make(map[string]*Document, len(s.index)-1)
	for k, v := range s.index {
		if k != key.String() {
			index[k] = v
		}
	}
	return DocumentSet{comparator: s.comparator, sorted: sorted, index: index}
}

// ForEach visits documents in sorted order.
func (s DocumentSet) ForEach(fn func(doc *Document)) {
	for _, doc := range s.sorted {
		fn(doc)
	}
}

// Documents returns the documents in sorted order.
func (s DocumentSet) Documents() []*Document {
	return append([]*Document(nil), s.sorted...)
}

// Equal reports equal membership and order with equal document contents.
func (s DocumentSet) Equal(other DocumentSet) bool {
	if len(s.sorted) != len(other.sorted) {
		return false
	}
	for i, doc := range s.sorted {
		if !doc.Equal(other.sorted[i]) {
			return false
		}
	}
	return true
}

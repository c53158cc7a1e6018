package memory

import (
	"firestore-sync/internal/firestore/domain/model"
	"firestore-sync/internal/firestore/domain/repository"
)

type cacheEntry struct {
	doc      model.MaybeDocument
	readTime model.SnapshotVersion
	size     int64
}

// remoteDocumentCache holds the last known server state per document key.
type remoteDocumentCache struct {
	index   *indexManager
	entries map[string]cacheEntry
	size    int64
}

func newRemoteDocumentCache(index *indexManager) *remoteDocumentCache {
	return &remoteDocumentCache{index: index, entries: map[string]cacheEntry{}}
}

func (c *remoteDocumentCache) GetEntry(tx repository.Transaction, key model.DocumentKey) (model.MaybeDocument, error) {
	if entry, ok := c.entries[key.String()]; ok {
		return entry.doc, nil
	}
	return nil, nil
}

func (c *remoteDocumentCache) GetEntries(tx repository.Transaction, keys model.DocumentKeySet) (model.MaybeDocumentMap, error) {
	result := model.MaybeDocumentMap{}
	for _, key := range keys {
		if entry, ok := c.entries[key.String()]; ok {
			result.Put(entry.doc)
		}
	}
	return result, nil
}

func (c *remoteDocumentCache) GetDocumentsMatchingQuery(tx repository.Transaction, query *model.Query, sinceReadTime model.SnapshotVersion) (map[string]*model.Document, error) {
	result := map[string]*model.Document{}
	for _, entry := range c.entries {
		doc, ok := entry.doc.(*model.Document)
		if !ok {
			continue
		}
		if !query.Path.IsImmediateParentOf(doc.Key().Path) {
			continue
		}
		if !sinceReadTime.IsZero() && entry.readTime.Compare(sinceReadTime) <= 0 {
			continue
		}
		if query.Matches(doc) {
			result[doc.Key().String()] = doc
		}
	}
	return result, nil
}

func (c *remoteDocumentCache) NewChangeBuffer() repository.RemoteDocumentChangeBuffer {
	return &changeBuffer{cache: c, changes: map[string]bufferedChange{}}
}

func (c *remoteDocumentCache) Size(tx repository.Transaction) (int64, error) {
	return c.size, nil
}

func (c *remoteDocumentCache) addEntry(doc model.MaybeDocument, readTime model.SnapshotVersion) {
	key := doc.Key().String()
	if existing, ok := c.entries[key]; ok {
		c.size -= existing.size
	}
	entry := cacheEntry{doc: doc, readTime: readTime, size: estimateDocumentSize(doc)}
	c.entries[key] = entry
	c.size += entry.size
	c.index.addCollectionParent(doc.Key().CollectionPath())
}

func (c *remoteDocumentCache) removeEntry(key model.DocumentKey) {
	if existing, ok := c.entries[key.String()]; ok {
		c.size -= existing.size
		delete(c.entries, key.String())
	}
}

// estimateDocumentSize approximates the entry's footprint for the LRU
// threshold check; exact byte accounting is not required.
func estimateDocumentSize(doc model.MaybeDocument) int64 {
	size := int64(len(doc.Key().String()))
	if d, ok := doc.(*model.Document); ok {
		size += int64(len(d.Data().Value().CanonicalID()))
	}
	return size
}

type bufferedChange struct {
	doc      model.MaybeDocument
	readTime model.SnapshotVersion
}

// changeBuffer stages writes until Apply. Staged entries shadow the cache
// for reads through the buffer.
type changeBuffer struct {
	cache   *remoteDocumentCache
	changes map[string]bufferedChange
	applied bool
}

func (b *changeBuffer) AddEntry(doc model.MaybeDocument, readTime model.SnapshotVersion) {
	b.changes[doc.Key().String()] = bufferedChange{doc: doc, readTime: readTime}
}

func (b *changeBuffer) RemoveEntry(key model.DocumentKey, readTime model.SnapshotVersion) {
	b.changes[key.String()] = bufferedChange{readTime: readTime}
}

func (b *changeBuffer) GetEntry(tx repository.Transaction, key model.DocumentKey) (model.MaybeDocument, error) {
	if change, ok := b.changes[key.String()]; ok {
		return change.doc, nil
	}
	return b.cache.GetEntry(tx, key)
}

func (b *changeBuffer) GetEntries(tx repository.Transaction, keys model.DocumentKeySet) (model.MaybeDocumentMap, error) {
	result := model.MaybeDocumentMap{}
	remaining := model.DocumentKeySet{}
	for _, key := range keys {
		if change, ok := b.changes[key.String()]; ok {
			if change.doc != nil {
				result.Put(change.doc)
			}
		} else {
			remaining.Add(key)
		}
	}
	fromCache, err := b.cache.GetEntries(tx, remaining)
	if err != nil {
		return nil, err
	}
	for _, doc := range fromCache {
		result.Put(doc)
	}
	return result, nil
}

func (b *changeBuffer) Apply(tx repository.Transaction) error {
	b.applied = true
	for keyString, change := range b.changes {
		if change.doc != nil {
			b.cache.addEntry(change.doc, change.readTime)
		} else {
			b.cache.removeEntry(model.MustDocumentKey(keyString))
		}
	}
	b.changes = map[string]bufferedChange{}
	return nil
}

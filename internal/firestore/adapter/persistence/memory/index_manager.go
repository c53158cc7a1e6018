package memory

import (
	"sort"

	"firestore-sync/internal/firestore/domain/model"
	"firestore-sync/internal/firestore/domain/repository"
)

// indexManager tracks which parent paths contain a collection of a given
// id, which is all a collection-group query needs.
type indexManager struct {
	parents map[string]map[string]model.ResourcePath
}

func newIndexManager() *indexManager {
	return &indexManager{parents: map[string]map[string]model.ResourcePath{}}
}

func (m *indexManager) AddToCollectionParentIndex(tx repository.Transaction, collectionPath model.ResourcePath) error {
	m.addCollectionParent(collectionPath)
	return nil
}

func (m *indexManager) addCollectionParent(collectionPath model.ResourcePath) {
	if collectionPath.Length()%2 == 0 {
		return
	}
	collectionID := collectionPath.LastSegment()
	parent := collectionPath.Parent()
	byParent, ok := m.parents[collectionID]
	if !ok {
		byParent = map[string]model.ResourcePath{}
		m.parents[collectionID] = byParent
	}
	byParent[parent.String()] = parent
}

func (m *indexManager) GetCollectionParents(tx repository.Transaction, collectionID string) ([]model.ResourcePath, error) {
	byParent := m.parents[collectionID]
	result := make([]model.ResourcePath, 0, len(byParent))
	for _, parent := range byParent {
		result = append(result, parent)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Compare(result[j]) < 0 })
	return result, nil
}

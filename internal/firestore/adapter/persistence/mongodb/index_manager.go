package mongodb

import (
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"firestore-sync/internal/firestore/domain/model"
	"firestore-sync/internal/firestore/domain/repository"
	"firestore-sync/internal/shared/errors"
)

type collectionParentRow struct {
	ID           string `bson:"_id"`
	CollectionID string `bson:"collectionId"`
	Parent       string `bson:"parent"`
}

// indexManager persists the collection-parent index.
type indexManager struct {
	p *Persistence
}

func (m *indexManager) AddToCollectionParentIndex(tx repository.Transaction, collectionPath model.ResourcePath) error {
	if collectionPath.Length()%2 == 0 {
		return nil
	}
	collectionID := collectionPath.LastSegment()
	parent := collectionPath.Parent()

	row := collectionParentRow{
		ID:           collectionID + "|" + parent.String(),
		CollectionID: collectionID,
		Parent:       parent.String(),
	}
	_, err := m.p.collection(collCollectionParents).ReplaceOne(txContext(tx),
		bson.M{"_id": row.ID}, row, options.Replace().SetUpsert(true))
	if err != nil {
		return errors.NewStorageUnavailable(err)
	}
	return nil
}

func (m *indexManager) GetCollectionParents(tx repository.Transaction, collectionID string) ([]model.ResourcePath, error) {
	ctx := txContext(tx)
	cursor, err := m.p.collection(collCollectionParents).Find(ctx, bson.M{"collectionId": collectionID})
	if err != nil {
		return nil, errors.NewStorageUnavailable(err)
	}
	defer cursor.Close(ctx)

	var result []model.ResourcePath
	for cursor.Next(ctx) {
		var row collectionParentRow
		if err := cursor.Decode(&row); err != nil {
			return nil, errors.NewStorageUnavailable(err)
		}
		parent, err := model.ParseResourcePath(row.Parent)
		if err != nil {
			return nil, errors.NewStorageUnavailable(err)
		}
		result = append(result, parent)
	}
	if err := cursor.Err(); err != nil {
		return nil, errors.NewStorageUnavailable(err)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Compare(result[j]) < 0 })
	return result, nil
}

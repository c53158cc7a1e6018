package usecase

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"firestore-sync/internal/firestore/domain/model"
)

func TestReferenceSet_AddAndContains(t *testing.T) {
	refs := NewReferenceSet()
	key := model.MustDocumentKey("rooms/eros")

	assert.True(t, refs.IsEmpty())
	refs.AddReference(key, 2)
	assert.True(t, refs.ContainsKey(key))
	assert.False(t, refs.IsEmpty())
}

func TestReferenceSet_RemoveLastReferenceClearsKey(t *testing.T) {
	refs := NewReferenceSet()
	key := model.MustDocumentKey("rooms/eros")

	refs.AddReference(key, 2)
	refs.AddReference(key, 4)
	refs.RemoveReference(key, 2)
	assert.True(t, refs.ContainsKey(key), "still referenced by target 4")
	refs.RemoveReference(key, 4)
	assert.False(t, refs.ContainsKey(key))
}

func TestReferenceSet_RemoveReferencesForIDReturnsKeys(t *testing.T) {
	refs := NewReferenceSet()
	keyA := model.MustDocumentKey("rooms/a")
	keyB := model.MustDocumentKey("rooms/b")
	keyC := model.MustDocumentKey("rooms/c")

	refs.AddReference(keyA, 2)
	refs.AddReference(keyB, 2)
	refs.AddReference(keyC, 4)

	removed := refs.RemoveReferencesForID(2)
	assert.True(t, removed.Contains(keyA))
	assert.True(t, removed.Contains(keyB))
	assert.False(t, removed.Contains(keyC))
	assert.True(t, refs.ContainsKey(keyC))

	forTarget := refs.ReferencesForID(4)
	assert.True(t, forTarget.Contains(keyC))
}

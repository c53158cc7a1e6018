package usecase

import "firestore-sync/internal/firestore/domain/model"

// ReferenceSet tracks document-key references by an integer id (target id
// or batch id), indexed both ways.
type ReferenceSet struct {
	keysByID map[model.TargetID]model.DocumentKeySet
	idsByKey map[string]map[model.TargetID]struct{}
}

func NewReferenceSet() *ReferenceSet {
	return &ReferenceSet{
		keysByID: map[model.TargetID]model.DocumentKeySet{},
		idsByKey: map[string]map[model.TargetID]struct{}{},
	}
}

func (s *ReferenceSet) AddReference(key model.DocumentKey, id model.TargetID) {
	keys, ok := s.keysByID[id]
	if !ok {
		keys = model.DocumentKeySet{}
		s.keysByID[id] = keys
	}
	keys.Add(key)

	ids, ok := s.idsByKey[key.String()]
	if !ok {
		ids = map[model.TargetID]struct{}{}
		s.idsByKey[key.String()] = ids
	}
	ids[id] = struct{}{}
}

func (s *ReferenceSet) AddReferences(keys model.DocumentKeySet, id model.TargetID) {
	for _, key := range keys {
		s.AddReference(key, id)
	}
}

func (s *ReferenceSet) RemoveReference(key model.DocumentKey, id model.TargetID) {
	if keys, ok := s.keysByID[id]; ok {
		keys.Remove(key)
		if len(keys) == 0 {
			delete(s.keysByID, id)
		}
	}
	if ids, ok := s.idsByKey[key.String()]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(s.idsByKey, key.String())
		}
	}
}

func (s *ReferenceSet) RemoveReferences(keys model.DocumentKeySet, id model.TargetID) {
	for _, key := range keys {
		s.RemoveReference(key, id)
	}
}

// RemoveReferencesForID drops every reference held under id and returns
// the keys that were referenced.
func (s *ReferenceSet) RemoveReferencesForID(id model.TargetID) model.DocumentKeySet {
	keys := s.keysByID[id]
	delete(s.keysByID, id)
	for _, key := range keys {
		if ids, ok := s.idsByKey[key.String()]; ok {
			delete(ids, id)
			if len(ids) == 0 {
				delete(s.idsByKey, key.String())
			}
		}
	}
	return keys
}

func (s *ReferenceSet) ReferencesForID(id model.TargetID) model.DocumentKeySet {
	return s.keysByID[id].Copy()
}

func (s *ReferenceSet) ContainsKey(key model.DocumentKey) bool {
	ids, ok := s.idsByKey[key.String()]
	return ok && len(ids) > 0
}

func (s *ReferenceSet) IsEmpty() bool {
	return len(s.idsByKey) == 0
}

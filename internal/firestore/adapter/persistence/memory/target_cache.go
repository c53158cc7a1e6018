package memory

import (
	"firestore-sync/internal/firestore/domain/model"
	"firestore-sync/internal/firestore/domain/repository"
	"firestore-sync/internal/shared/errors"
)

// targetCache persists allocated targets and the bidirectional
// target-to-document reference index.
type targetCache struct {
	targets map[string]*model.TargetData

	keysByTarget map[model.TargetID]model.DocumentKeySet
	targetsByKey map[string]map[model.TargetID]struct{}

	highestTargetID           model.TargetID
	highestSequenceNumber     model.ListenSequenceNumber
	lastRemoteSnapshotVersion model.SnapshotVersion
}

func newTargetCache() *targetCache {
	return &targetCache{
		targets:      map[string]*model.TargetData{},
		keysByTarget: map[model.TargetID]model.DocumentKeySet{},
		targetsByKey: map[string]map[model.TargetID]struct{}{},
	}
}

func (c *targetCache) AllocateTargetID(tx repository.Transaction) (model.TargetID, error) {
	c.highestTargetID += 2
	return c.highestTargetID, nil
}

func (c *targetCache) AddTargetData(tx repository.Transaction, data *model.TargetData) error {
	c.targets[data.Target.CanonicalID()] = data
	if data.TargetID > c.highestTargetID {
		c.highestTargetID = data.TargetID
	}
	if data.SequenceNumber > c.highestSequenceNumber {
		c.highestSequenceNumber = data.SequenceNumber
	}
	return nil
}

func (c *targetCache) UpdateTargetData(tx repository.Transaction, data *model.TargetData) error {
	if _, ok := c.targets[data.Target.CanonicalID()]; !ok {
		return errors.New(errors.CodeInternal, "updating unknown target")
	}
	return c.AddTargetData(tx, data)
}

func (c *targetCache) RemoveTargetData(tx repository.Transaction, data *model.TargetData) error {
	delete(c.targets, data.Target.CanonicalID())
	return c.RemoveMatchingKeysForTargetID(tx, data.TargetID)
}

func (c *targetCache) GetTargetData(tx repository.Transaction, target *model.Target) (*model.TargetData, error) {
	data, ok := c.targets[target.CanonicalID()]
	if !ok || !data.Target.Equal(target) {
		return nil, nil
	}
	return data, nil
}

func (c *targetCache) TargetCount(tx repository.Transaction) (int, error) {
	return len(c.targets), nil
}

func (c *targetCache) ForEachTarget(tx repository.Transaction, fn func(data *model.TargetData)) error {
	for _, data := range c.targets {
		fn(data)
	}
	return nil
}

func (c *targetCache) AddMatchingKeys(tx repository.Transaction, keys model.DocumentKeySet, targetID model.TargetID) error {
	existing, ok := c.keysByTarget[targetID]
	if !ok {
		existing = model.DocumentKeySet{}
		c.keysByTarget[targetID] = existing
	}
	for _, key := range keys {
		existing.Add(key)
		byKey, ok := c.targetsByKey[key.String()]
		if !ok {
			byKey = map[model.TargetID]struct{}{}
			c.targetsByKey[key.String()] = byKey
		}
		byKey[targetID] = struct{}{}
	}
	return nil
}

func (c *targetCache) RemoveMatchingKeys(tx repository.Transaction, keys model.DocumentKeySet, targetID model.TargetID) error {
	existing := c.keysByTarget[targetID]
	for _, key := range keys {
		if existing != nil {
			existing.Remove(key)
		}
		if byKey, ok := c.targetsByKey[key.String()]; ok {
			delete(byKey, targetID)
			if len(byKey) == 0 {
				delete(c.targetsByKey, key.String())
			}
		}
	}
	return nil
}

func (c *targetCache) RemoveMatchingKeysForTargetID(tx repository.Transaction, targetID model.TargetID) error {
	keys := c.keysByTarget[targetID]
	delete(c.keysByTarget, targetID)
	for _, key := range keys {
		if byKey, ok := c.targetsByKey[key.String()]; ok {
			delete(byKey, targetID)
			if len(byKey) == 0 {
				delete(c.targetsByKey, key.String())
			}
		}
	}
	return nil
}

func (c *targetCache) MatchingKeysForTargetID(tx repository.Transaction, targetID model.TargetID) (model.DocumentKeySet, error) {
	return c.keysByTarget[targetID].Copy(), nil
}

func (c *targetCache) ContainsKey(tx repository.Transaction, key model.DocumentKey) (bool, error) {
	byKey, ok := c.targetsByKey[key.String()]
	return ok && len(byKey) > 0, nil
}

func (c *targetCache) LastRemoteSnapshotVersion(tx repository.Transaction) (model.SnapshotVersion, error) {
	return c.lastRemoteSnapshotVersion, nil
}

func (c *targetCache) SetTargetsMetadata(tx repository.Transaction, highestSequenceNumber model.ListenSequenceNumber, version model.SnapshotVersion) error {
	if highestSequenceNumber > c.highestSequenceNumber {
		c.highestSequenceNumber = highestSequenceNumber
	}
	if !version.IsZero() {
		c.lastRemoteSnapshotVersion = version
	}
	return nil
}

func (c *targetCache) HighestSequenceNumber(tx repository.Transaction) (model.ListenSequenceNumber, error) {
	return c.highestSequenceNumber, nil
}

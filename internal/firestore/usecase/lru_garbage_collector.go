package usecase

import (
	"container/heap"

	"firestore-sync/internal/firestore/domain/model"
	"firestore-sync/internal/firestore/domain/repository"
	"firestore-sync/internal/shared/logger"

	"go.uber.org/zap"
)

// CollectionDisabled turns the garbage collector off entirely.
const CollectionDisabled int64 = -1

// LruParams tunes the garbage collector.
type LruParams struct {
	// MinBytesThreshold skips collection while the document cache is
	// smaller than this; CollectionDisabled disables collection.
	MinBytesThreshold int64
	// PercentileToCollect selects how many of the tracked sequence
	// numbers are eligible per run, as a percentage.
	PercentileToCollect int
	// MaximumSequenceNumbersToCollect caps eligible sequence numbers per
	// run regardless of percentile.
	MaximumSequenceNumbersToCollect int
}

// DefaultLruParams matches a 100MB threshold collecting the oldest 10%.
func DefaultLruParams() LruParams {
	return LruParams{
		MinBytesThreshold:               100 * 1024 * 1024,
		PercentileToCollect:             10,
		MaximumSequenceNumbersToCollect: 1000,
	}
}

// LruResults reports one collection run.
type LruResults struct {
	DidRun                 bool
	SequenceNumbersCounted int
	TargetsRemoved         int
	DocumentsRemoved       int
}

// rollingBuffer keeps the n smallest sequence numbers seen, so the nth
// smallest is available without sorting the full stream. A max-heap of
// bounded size: when full, a new value replaces the root if smaller.
type rollingBuffer struct {
	maxElements int
	values      sequenceNumberHeap
}

type sequenceNumberHeap []model.ListenSequenceNumber

func (h sequenceNumberHeap) Len() int            { return len(h) }
func (h sequenceNumberHeap) Less(i, j int) bool  { return h[i] > h[j] }
func (h sequenceNumberHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *sequenceNumberHeap) Push(x interface{}) { *h = append(*h, x.(model.ListenSequenceNumber)) }
func (h *sequenceNumberHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func newRollingBuffer(maxElements int) *rollingBuffer {
	return &rollingBuffer{maxElements: maxElements}
}

func (b *rollingBuffer) addEntry(sequenceNumber model.ListenSequenceNumber) {
	if b.maxElements <= 0 {
		return
	}
	if len(b.values) < b.maxElements {
		heap.Push(&b.values, sequenceNumber)
		return
	}
	if sequenceNumber < b.values[0] {
		b.values[0] = sequenceNumber
		heap.Fix(&b.values, 0)
	}
}

// maxValue returns the largest of the kept smallest values, the collection
// upper bound.
func (b *rollingBuffer) maxValue() model.ListenSequenceNumber {
	if len(b.values) == 0 {
		return 0
	}
	return b.values[0]
}

// LruGarbageCollector removes targets and orphaned documents whose LRU
// sequence numbers fall below a percentile of everything tracked.
type LruGarbageCollector struct {
	delegate repository.LruDelegate
	params   LruParams
	log      logger.Logger
}

func NewLruGarbageCollector(delegate repository.LruDelegate, params LruParams, log logger.Logger) *LruGarbageCollector {
	return &LruGarbageCollector{
		delegate: delegate,
		params:   params,
		log:      log.WithComponent("lru_gc"),
	}
}

// CalculateQueryCount returns how many sequence numbers the configured
// percentile selects.
func (gc *LruGarbageCollector) CalculateQueryCount(tx repository.Transaction) (int, error) {
	count, err := gc.delegate.SequenceNumberCount(tx)
	if err != nil {
		return 0, err
	}
	return count * gc.params.PercentileToCollect / 100, nil
}

// NthSequenceNumber computes the nth smallest sequence number among all
// targets and orphaned documents.
func (gc *LruGarbageCollector) NthSequenceNumber(tx repository.Transaction, n int) (model.ListenSequenceNumber, error) {
	if n == 0 {
		return 0, nil
	}
	buffer := newRollingBuffer(n)
	err := gc.delegate.ForEachTarget(tx, func(data *model.TargetData) {
		buffer.addEntry(data.SequenceNumber)
	})
	if err != nil {
		return 0, err
	}
	err = gc.delegate.ForEachOrphanedDocumentSequenceNumber(tx, func(sequenceNumber model.ListenSequenceNumber) {
		buffer.addEntry(sequenceNumber)
	})
	if err != nil {
		return 0, err
	}
	return buffer.maxValue(), nil
}

// Collect runs one garbage collection pass. Targets in activeTargets are
// never removed.
func (gc *LruGarbageCollector) Collect(tx repository.Transaction, activeTargets map[model.TargetID]*model.TargetData) (LruResults, error) {
	if gc.params.MinBytesThreshold == CollectionDisabled {
		return LruResults{}, nil
	}
	cacheSize, err := gc.delegate.CacheSize(tx)
	if err != nil {
		return LruResults{}, err
	}
	if cacheSize < gc.params.MinBytesThreshold {
		gc.log.Debugf("cache size %d under threshold %d, skipping collection", cacheSize, gc.params.MinBytesThreshold)
		return LruResults{}, nil
	}
	return gc.runCollection(tx, activeTargets)
}

func (gc *LruGarbageCollector) runCollection(tx repository.Transaction, activeTargets map[model.TargetID]*model.TargetData) (LruResults, error) {
	queryCount, err := gc.CalculateQueryCount(tx)
	if err != nil {
		return LruResults{}, err
	}
	if queryCount > gc.params.MaximumSequenceNumbersToCollect {
		queryCount = gc.params.MaximumSequenceNumbersToCollect
	}
	upperBound, err := gc.NthSequenceNumber(tx, queryCount)
	if err != nil {
		return LruResults{}, err
	}
	targetsRemoved, err := gc.delegate.RemoveTargets(tx, upperBound, activeTargets)
	if err != nil {
		return LruResults{}, err
	}
	documentsRemoved, err := gc.delegate.RemoveOrphanedDocuments(tx, upperBound)
	if err != nil {
		return LruResults{}, err
	}
	gc.log.Debug("garbage collection finished",
		zap.Int("targetsRemoved", targetsRemoved),
		zap.Int("documentsRemoved", documentsRemoved))
	return LruResults{
		DidRun:                 true,
		SequenceNumbersCounted: queryCount,
		TargetsRemoved:         targetsRemoved,
		DocumentsRemoved:       documentsRemoved,
	}, nil
}

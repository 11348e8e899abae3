package oplog

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Log is the single source of truth of a replica: an ordered, immutable
// sequence of operations. There is one logical writer per replica; operations
// submitted locally and operations delivered by peers converge on Ingest,
// which serializes appends under a mutex. The log layer never rejects a
// structurally valid operation; semantic conflicts are resolved during
// replay.
type Log struct {
	mu     sync.Mutex
	store  Store
	logger *logrus.Entry
}

// NewLog creates a Log backed by the given store.
func NewLog(store Store, logger *logrus.Entry) *Log {
	return &Log{
		store:  store,
		logger: logger.WithField("prefix", "oplog"),
	}
}

// Ingest validates the shape of an operation, assigns it the next ingest
// index, appends it atomically, and returns the assigned index.
func (l *Log) Ingest(op *Operation) (int, error) {
	if err := op.Validate(); err != nil {
		return -1, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.append(op)
}

// IngestBatch ingests operations in array order. Validation runs up front for
// the whole batch, so a malformed operation anywhere in the batch prevents
// any append. Semantic conflicts between batch members are still resolved
// downstream, during replay.
func (l *Log) IngestBatch(ops []*Operation) ([]int, error) {
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return nil, err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	indexes := make([]int, len(ops))
	for i, op := range ops {
		index, err := l.append(op)
		if err != nil {
			return nil, err
		}
		indexes[i] = index
	}

	return indexes, nil
}

// append assigns the next index and writes through to the store. Callers hold
// the mutex.
func (l *Log) append(op *Operation) (int, error) {
	op.IngestIndex = l.store.LastIndex() + 1

	if err := l.store.AppendOperation(op); err != nil {
		return -1, err
	}

	l.logger.WithFields(logrus.Fields{
		"type":         op.Type,
		"ingest_index": op.IngestIndex,
	}).Debug("Ingested operation")

	return op.IngestIndex, nil
}

// LastIndex returns the ingest index of the last operation, or -1 when the
// log is empty.
func (l *Log) LastIndex() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.LastIndex()
}

// Operations returns operations with ingest index > skip, up to limit items.
func (l *Log) Operations(skip int, limit int) ([]*Operation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.GetOperations(skip, limit)
}

// Store exposes the underlying store to the materializer's read path.
func (l *Log) Store() Store {
	return l.store
}

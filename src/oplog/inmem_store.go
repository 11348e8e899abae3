package oplog

import (
	"strconv"

	cm "github.com/veritas-net/veritas/src/common"
)

// InmemStore implements the Store interface in memory. Unlike caches, the
// operation sequence itself is kept whole: replay always starts from index 0,
// so operations are never evicted. Only snapshots sit behind an LRU.
type InmemStore struct {
	cacheSize     int
	operations    []*Operation
	snapshotCache *cm.LRU //snapshot id => Snapshot
	lastSnapshot  *Snapshot
	snapshotCount int
}

// NewInmemStore creates a new InmemStore where the snapshot cache is limited
// to cacheSize items.
func NewInmemStore(cacheSize int) *InmemStore {
	return &InmemStore{
		cacheSize:     cacheSize,
		operations:    []*Operation{},
		snapshotCache: cm.NewLRU(cacheSize, nil),
	}
}

// CacheSize implements the Store interface.
func (s *InmemStore) CacheSize() int {
	return s.cacheSize
}

// LastIndex implements the Store interface.
func (s *InmemStore) LastIndex() int {
	return len(s.operations) - 1
}

// GetOperation implements the Store interface.
func (s *InmemStore) GetOperation(index int) (*Operation, error) {
	if index < 0 || index >= len(s.operations) {
		return nil, cm.NewStoreErr("Operation", cm.KeyNotFound, strconv.Itoa(index))
	}
	return s.operations[index], nil
}

// GetOperations implements the Store interface.
func (s *InmemStore) GetOperations(skip int, limit int) ([]*Operation, error) {
	if skip+1 >= len(s.operations) {
		return []*Operation{}, nil
	}

	start := skip + 1
	if start < 0 {
		start = 0
	}

	end := len(s.operations)
	if limit >= 0 && start+limit < end {
		end = start + limit
	}

	res := make([]*Operation, end-start)
	copy(res, s.operations[start:end])

	return res, nil
}

// AppendOperation implements the Store interface.
func (s *InmemStore) AppendOperation(op *Operation) error {
	if op.IngestIndex != len(s.operations) {
		return cm.NewStoreErr("Operation", cm.SkippedIndex, strconv.Itoa(op.IngestIndex))
	}
	s.operations = append(s.operations, op)
	return nil
}

// GetSnapshot implements the Store interface.
func (s *InmemStore) GetSnapshot(id int) (*Snapshot, error) {
	res, ok := s.snapshotCache.Get(id)
	if !ok {
		return nil, cm.NewStoreErr("Snapshot", cm.KeyNotFound, strconv.Itoa(id))
	}
	return res.(*Snapshot), nil
}

// LastSnapshot implements the Store interface.
func (s *InmemStore) LastSnapshot() (*Snapshot, error) {
	if s.lastSnapshot == nil {
		return nil, cm.NewStoreErr("Snapshot", cm.Empty, "last")
	}
	return s.lastSnapshot, nil
}

// SetSnapshot implements the Store interface.
func (s *InmemStore) SetSnapshot(snapshot *Snapshot) error {
	s.snapshotCache.Add(snapshot.ID, snapshot)
	if s.lastSnapshot == nil || snapshot.ID > s.lastSnapshot.ID {
		s.lastSnapshot = snapshot
	}
	s.snapshotCount++
	return nil
}

// SnapshotCount implements the Store interface.
func (s *InmemStore) SnapshotCount() int {
	return s.snapshotCount
}

// Reset implements the Store interface.
func (s *InmemStore) Reset() error {
	s.operations = []*Operation{}
	s.snapshotCache = cm.NewLRU(s.cacheSize, nil)
	s.lastSnapshot = nil
	s.snapshotCount = 0
	return nil
}

// Close implements the Store interface.
func (s *InmemStore) Close() error {
	return nil
}

// StorePath implements the Store interface.
func (s *InmemStore) StorePath() string {
	return ""
}

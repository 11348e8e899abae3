package oplog

// Store is an interface for operation log backends. The log is append-only:
// operations are keyed by their ingest index, never mutated or reordered. The
// snapshot side is a disposable cache of materialized checkpoints.
type Store interface {
	// CacheSize retrieves the cacheSize setting that determines the maximum
	// number of items that caches can contain.
	CacheSize() int
	// LastIndex returns the ingest index of the last appended operation, or
	// -1 when the log is empty.
	LastIndex() int
	// GetOperation returns the operation at a given ingest index.
	GetOperation(index int) (*Operation, error)
	// GetOperations returns operations with ingest index > skip, in ascending
	// index order, up to limit items. A limit < 0 means no limit.
	GetOperations(skip int, limit int) ([]*Operation, error)
	// AppendOperation appends an operation whose IngestIndex must be exactly
	// LastIndex()+1.
	AppendOperation(op *Operation) error
	// GetSnapshot returns a snapshot by id.
	GetSnapshot(id int) (*Snapshot, error)
	// LastSnapshot returns the most recent snapshot.
	LastSnapshot() (*Snapshot, error)
	// SetSnapshot stores a snapshot.
	SetSnapshot(snapshot *Snapshot) error
	// SnapshotCount returns the number of snapshots taken.
	SnapshotCount() int
	// Reset drops every operation and snapshot. Used by import, which
	// replaces the whole log before replaying it.
	Reset() error
	// Close closes the underlying database.
	Close() error
	// StorePath returns the filepath of the underlying database.
	StorePath() string
}

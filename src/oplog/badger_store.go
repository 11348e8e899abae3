package oplog

import (
	"fmt"
	"os"
	"strconv"

	"github.com/dgraph-io/badger"
	cm "github.com/veritas-net/veritas/src/common"
)

const (
	opPrefix        = "op"
	snapshotPrefix  = "snapshot"
	lastSnapshotKey = "snapshot_last"
)

// BadgerStore implements the Store interface with a Badger key-value database
// behind an InmemStore. Writes go through to the database; reads are served
// from memory, which is rehydrated from the database on load.
type BadgerStore struct {
	inmemStore    *InmemStore
	db            *badger.DB
	path          string
	needBootstrap bool
}

// NewBadgerStore creates a brand new Store with a new database.
func NewBadgerStore(cacheSize int, path string) (*BadgerStore, error) {
	inmemStore := NewInmemStore(cacheSize)

	opts := badger.DefaultOptions(path)
	opts.SyncWrites = false
	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	store := &BadgerStore{
		inmemStore: inmemStore,
		db:         handle,
		path:       path,
	}

	return store, nil
}

// LoadBadgerStore creates a Store from an existing database.
func LoadBadgerStore(cacheSize int, path string) (*BadgerStore, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(path)
	opts.SyncWrites = false
	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	store := &BadgerStore{
		inmemStore:    NewInmemStore(cacheSize),
		db:            handle,
		path:          path,
		needBootstrap: true,
	}

	if err := store.bootstrap(); err != nil {
		store.Close()
		return nil, err
	}

	return store, nil
}

// LoadOrCreateBadgerStore loads an existing database or creates a new one.
func LoadOrCreateBadgerStore(cacheSize int, path string) (*BadgerStore, error) {
	store, err := LoadBadgerStore(cacheSize, path)

	if err != nil {
		store, err = NewBadgerStore(cacheSize, path)

		if err != nil {
			return nil, err
		}
	}

	return store, nil
}

// bootstrap reads all the operations and the last snapshot from the database
// into the InmemStore.
func (s *BadgerStore) bootstrap() error {
	index := 0
	for {
		op, err := s.dbGetOperation(index)
		if err != nil {
			if cm.IsStore(err, cm.KeyNotFound) {
				break
			}
			return err
		}
		if err := s.inmemStore.AppendOperation(op); err != nil {
			return err
		}
		index++
	}

	snapshot, err := s.dbGetLastSnapshot()
	if err == nil {
		if err := s.inmemStore.SetSnapshot(snapshot); err != nil {
			return err
		}
	} else if !cm.IsStore(err, cm.KeyNotFound) {
		return err
	}

	return nil
}

// NeedBootstrap indicates whether the store was loaded from an existing
// database, in which case the materialized view must be rebuilt by replay
// before the node starts.
func (s *BadgerStore) NeedBootstrap() bool {
	return s.needBootstrap
}

//==============================================================================
//Keys

func opKey(index int) []byte {
	return []byte(fmt.Sprintf("%s_%09d", opPrefix, index))
}

func snapshotKey(id int) []byte {
	return []byte(fmt.Sprintf("%s_%09d", snapshotPrefix, id))
}

//==============================================================================
//Implement the Store interface

// CacheSize ...
func (s *BadgerStore) CacheSize() int {
	return s.inmemStore.CacheSize()
}

// LastIndex ...
func (s *BadgerStore) LastIndex() int {
	return s.inmemStore.LastIndex()
}

// GetOperation ...
func (s *BadgerStore) GetOperation(index int) (*Operation, error) {
	op, err := s.inmemStore.GetOperation(index)
	if err != nil {
		op, err = s.dbGetOperation(index)
	}
	return op, err
}

// GetOperations ...
func (s *BadgerStore) GetOperations(skip int, limit int) ([]*Operation, error) {
	return s.inmemStore.GetOperations(skip, limit)
}

// AppendOperation ...
func (s *BadgerStore) AppendOperation(op *Operation) error {
	if err := s.inmemStore.AppendOperation(op); err != nil {
		return err
	}
	return s.dbSetOperation(op)
}

// GetSnapshot ...
func (s *BadgerStore) GetSnapshot(id int) (*Snapshot, error) {
	snapshot, err := s.inmemStore.GetSnapshot(id)
	if err != nil {
		snapshot, err = s.dbGetSnapshot(id)
	}
	return snapshot, err
}

// LastSnapshot ...
func (s *BadgerStore) LastSnapshot() (*Snapshot, error) {
	snapshot, err := s.inmemStore.LastSnapshot()
	if err != nil {
		snapshot, err = s.dbGetLastSnapshot()
	}
	return snapshot, err
}

// SetSnapshot ...
func (s *BadgerStore) SetSnapshot(snapshot *Snapshot) error {
	if err := s.inmemStore.SetSnapshot(snapshot); err != nil {
		return err
	}
	return s.dbSetSnapshot(snapshot)
}

// SnapshotCount ...
func (s *BadgerStore) SnapshotCount() int {
	return s.inmemStore.SnapshotCount()
}

// Reset drops the in-memory state and every key in the database.
func (s *BadgerStore) Reset() error {
	if err := s.inmemStore.Reset(); err != nil {
		return err
	}
	return s.db.DropAll()
}

// Close ...
func (s *BadgerStore) Close() error {
	if err := s.inmemStore.Close(); err != nil {
		return err
	}
	return s.db.Close()
}

// StorePath ...
func (s *BadgerStore) StorePath() string {
	return s.path
}

//++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++
//DB Methods

func (s *BadgerStore) dbGetOperation(index int) (*Operation, error) {
	var opBytes []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(opKey(index))
		if err != nil {
			return err
		}
		opBytes, err = item.ValueCopy(nil)
		return err
	})

	if err != nil {
		return nil, mapError(err, "Operation", strconv.Itoa(index))
	}

	op := new(Operation)
	if err := op.Unmarshal(opBytes); err != nil {
		return nil, err
	}

	return op, nil
}

func (s *BadgerStore) dbSetOperation(op *Operation) error {
	tx := s.db.NewTransaction(true)
	defer tx.Discard()

	val, err := op.Marshal()
	if err != nil {
		return err
	}

	//insert [op_index] => [op bytes]
	if err := tx.Set(opKey(op.IngestIndex), val); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *BadgerStore) dbGetSnapshot(id int) (*Snapshot, error) {
	var snapshotBytes []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(id))
		if err != nil {
			return err
		}
		snapshotBytes, err = item.ValueCopy(nil)
		return err
	})

	if err != nil {
		return nil, mapError(err, "Snapshot", strconv.Itoa(id))
	}

	snapshot := new(Snapshot)
	if err := snapshot.Unmarshal(snapshotBytes); err != nil {
		return nil, err
	}

	return snapshot, nil
}

func (s *BadgerStore) dbGetLastSnapshot() (*Snapshot, error) {
	var snapshotBytes []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(lastSnapshotKey))
		if err != nil {
			return err
		}
		snapshotBytes, err = item.ValueCopy(nil)
		return err
	})

	if err != nil {
		return nil, mapError(err, "Snapshot", "last")
	}

	snapshot := new(Snapshot)
	if err := snapshot.Unmarshal(snapshotBytes); err != nil {
		return nil, err
	}

	return snapshot, nil
}

func (s *BadgerStore) dbSetSnapshot(snapshot *Snapshot) error {
	tx := s.db.NewTransaction(true)
	defer tx.Discard()

	val, err := snapshot.Marshal()
	if err != nil {
		return err
	}

	if err := tx.Set(snapshotKey(snapshot.ID), val); err != nil {
		return err
	}

	if err := tx.Set([]byte(lastSnapshotKey), val); err != nil {
		return err
	}

	return tx.Commit()
}

//++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++

func isDBKeyNotFound(err error) bool {
	return err.Error() == badger.ErrKeyNotFound.Error()
}

func mapError(err error, name, key string) error {
	if err != nil {
		if isDBKeyNotFound(err) {
			return cm.NewStoreErr(name, cm.KeyNotFound, key)
		}
	}
	return err
}

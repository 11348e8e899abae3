package oplog

import (
	"bytes"

	"github.com/ugorji/go/codec"
)

// Snapshot is a checkpoint of the materialized view at a given log length. It
// is derived and disposable: any snapshot can be regenerated by a full
// replay, so snapshots are only a performance cache.
type Snapshot struct {
	ID          int
	OpLogLength int
	State       *State
	CapturedAt  int64
}

// Marshal returns the canonical JSON encoding of the Snapshot.
func (s *Snapshot) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(s); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal ...
func (s *Snapshot) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	if err := dec.Decode(s); err != nil {
		return err
	}

	return nil
}

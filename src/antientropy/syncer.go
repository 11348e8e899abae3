package antientropy

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"
	"github.com/veritas-net/veritas/src/membership"
	"github.com/veritas-net/veritas/src/net"
	"github.com/veritas-net/veritas/src/oplog"
)

// Names of the synchronized stores, used as keys in the root maps exchanged
// by sync requests and responses.
const (
	OplogStore      = "oplog"
	MembershipStore = "membership"
	TombstoneStore  = "tombstones"
)

// DefaultSyncLimit caps the number of operations returned in a single sync
// response when the caller does not configure a limit. A peer that is further
// behind catches up over multiple rounds.
const DefaultSyncLimit = 500

// MergeResult reports the outcome of merging a sync response.
type MergeResult struct {
	MergedOps  int
	SkippedOps int
	OplogRoot  string
	Converged  bool
}

// Syncer implements the anti-entropy protocol over a node's stores. It
// compares store roots with a peer's, transfers only the missing operations,
// and re-derives local state through the regular ingestion path, so a merge
// can never bypass validation or replay semantics.
type Syncer struct {
	id        string
	mat       *oplog.Materializer
	acc       *membership.Accumulator
	syncLimit int
	logger    *logrus.Entry
}

// NewSyncer ...
func NewSyncer(id string, mat *oplog.Materializer, acc *membership.Accumulator, syncLimit int, logger *logrus.Entry) *Syncer {
	if syncLimit <= 0 {
		syncLimit = DefaultSyncLimit
	}
	return &Syncer{
		id:        id,
		mat:       mat,
		acc:       acc,
		syncLimit: syncLimit,
		logger:    logger.WithField("prefix", "antientropy"),
	}
}

// opsRoot computes the order-normalized root of a set of operations, using
// their content hashes as entry identities.
func opsRoot(ops []*oplog.Operation) (string, error) {
	entries := make([]Entry, len(ops))
	for i, op := range ops {
		hash, err := op.Hash()
		if err != nil {
			return "", err
		}
		entries[i] = Entry{ID: hex.EncodeToString(hash)}
	}
	return ComputeRoot(entries), nil
}

// Roots returns the current root of every synchronized store. The oplog root
// is computed over operation content hashes, so replicas that ingested the
// same operations in different orders still agree.
func (s *Syncer) Roots() (map[string]string, error) {
	ops, err := s.mat.Log().Operations(-1, -1)
	if err != nil {
		return nil, err
	}

	oplogRoot, err := opsRoot(ops)
	if err != nil {
		return nil, err
	}

	tombstones := s.mat.State().Tombstones
	tsEntries := make([]Entry, 0, len(tombstones))
	for rumorID, record := range tombstones {
		data, err := canonicalEncode(record)
		if err != nil {
			return nil, err
		}
		tsEntries = append(tsEntries, Entry{ID: rumorID, Data: data})
	}

	return map[string]string{
		OplogStore:      oplogRoot,
		MembershipStore: s.acc.Root(),
		TombstoneStore:  ComputeRoot(tsEntries),
	}, nil
}

// MissingFor returns the operations a peer with the given oplog root and
// operation count is missing, capped at the sync limit. When the peer's root
// matches the root of our first peerKnown operations, the two logs share a
// prefix set and only the tail is returned. Otherwise the histories diverged
// and the whole log is resent from the start; the receiving side's
// merge-by-hash makes the repetition harmless.
func (s *Syncer) MissingFor(peerRoot string, peerKnown int) ([]oplog.Operation, error) {
	ops, err := s.mat.Log().Operations(-1, -1)
	if err != nil {
		return nil, err
	}

	localRoot, err := opsRoot(ops)
	if err != nil {
		return nil, err
	}
	if peerRoot == localRoot {
		return nil, nil
	}

	start := 0
	if peerKnown > 0 && peerKnown <= len(ops) {
		prefixRoot, err := opsRoot(ops[:peerKnown])
		if err != nil {
			return nil, err
		}
		if prefixRoot == peerRoot {
			start = peerKnown
		}
	}

	end := start + s.syncLimit
	if end > len(ops) {
		end = len(ops)
	}

	missing := make([]oplog.Operation, end-start)
	for i, op := range ops[start:end] {
		missing[i] = *op
	}

	return missing, nil
}

// CreateSyncRequest builds the pull request advertising what this node
// currently holds.
func (s *Syncer) CreateSyncRequest() (*net.SyncRequest, error) {
	roots, err := s.Roots()
	if err != nil {
		return nil, err
	}

	return &net.SyncRequest{
		FromID:   s.id,
		Roots:    roots,
		KnownOps: s.mat.Log().LastIndex() + 1,
	}, nil
}

// HandleSyncRequest serves a peer's pull request. When the peer's oplog root
// matches ours there is nothing to transfer; otherwise the operations the
// peer is missing are returned, capped at the sync limit.
func (s *Syncer) HandleSyncRequest(req *net.SyncRequest) (*net.SyncResponse, error) {
	roots, err := s.Roots()
	if err != nil {
		return nil, err
	}

	resp := &net.SyncResponse{
		FromID:   s.id,
		Roots:    roots,
		KnownOps: s.mat.Log().LastIndex() + 1,
	}

	resp.Ops, err = s.MissingFor(req.Roots[OplogStore], req.KnownOps)
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"from":      req.FromID,
		"known_ops": req.KnownOps,
		"returned":  len(resp.Ops),
	}).Debug("HandleSyncRequest")

	return resp, nil
}

// HandleSyncResponse merges a peer's response into the local stores. Every
// operation is validated before anything is merged, operations we already
// hold are skipped, and the rest go through the regular ingestion path so
// replay semantics decide conflicts. The merge is idempotent: applying the
// same response twice changes nothing.
func (s *Syncer) HandleSyncResponse(resp *net.SyncResponse) (*MergeResult, error) {
	for i := range resp.Ops {
		if err := resp.Ops[i].Validate(); err != nil {
			return nil, fmt.Errorf("sync response from %s: op %d: %v", resp.FromID, i, err)
		}
	}

	known, err := s.knownHashes()
	if err != nil {
		return nil, err
	}

	res := &MergeResult{}
	for i := range resp.Ops {
		op := resp.Ops[i]

		hash, err := op.Hash()
		if err != nil {
			return nil, err
		}

		key := hex.EncodeToString(hash)
		if known[key] {
			res.SkippedOps++
			continue
		}

		op.IngestIndex = 0
		if _, err := s.mat.Ingest(&op); err != nil {
			return nil, err
		}

		// a response may repeat an operation; once merged it is known
		known[key] = true
		res.MergedOps++
	}

	roots, err := s.Roots()
	if err != nil {
		return nil, err
	}
	res.OplogRoot = roots[OplogStore]
	res.Converged = res.OplogRoot == resp.Roots[OplogStore]

	s.logger.WithFields(logrus.Fields{
		"from":      resp.FromID,
		"merged":    res.MergedOps,
		"skipped":   res.SkippedOps,
		"converged": res.Converged,
	}).Debug("HandleSyncResponse")

	return res, nil
}

// knownHashes returns the content hashes of every operation in the local
// log.
func (s *Syncer) knownHashes() (map[string]bool, error) {
	ops, err := s.mat.Log().Operations(-1, -1)
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(ops))
	for _, op := range ops {
		hash, err := op.Hash()
		if err != nil {
			return nil, err
		}
		known[hex.EncodeToString(hash)] = true
	}

	return known, nil
}

func canonicalEncode(v interface{}) ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

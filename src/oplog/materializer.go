package oplog

import (
	"bytes"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"
)

// SkipCounters records the semantic conflicts that were silently excluded
// from the materialized view during replay. Skips are not errors and not log
// corruption; they are the expected outcome of concurrent, gossiped writes.
type SkipCounters struct {
	DuplicateJoins      int
	UnknownAuthors      int
	DuplicateRumors     int
	UnknownVoters       int
	MissingRumorVotes   int
	TombstonedVotes     int
	DuplicateVotes      int
	DuplicateTombstones int
	RetroactiveVotes    int //votes removed because their rumor was tombstoned later in the prefix
}

// Info reports snapshot bookkeeping.
type Info struct {
	OpsSinceSnapshot int
	SnapshotCount    int
}

// RebuildResult summarizes the materialized view after a rebuild.
type RebuildResult struct {
	SnapshotID       int
	OpLogLength      int
	ActiveRumors     int
	TombstonedRumors int
	TotalVotes       int
	RegisteredUsers  int
	State            *State
}

// exportPayload is the verbatim-roundtrippable export format: the whole
// operation log plus the last snapshot.
type exportPayload struct {
	OpLog        []*Operation
	LastSnapshot *Snapshot `json:",omitempty"`
}

// Materializer replays the operation log into a materialized State. Replay is
// a pure function of the log prefix: rebuilding an identical prefix always
// yields a byte-identical State. The materializer owns the log's write path;
// the last-committed view is copy-on-write, so readers iterate it freely
// while ingestion continues.
type Materializer struct {
	mu               sync.RWMutex
	log              *Log
	state            *State
	appliedIndex     int
	skips            SkipCounters
	snapshotInterval int
	opsSinceSnapshot int
	logger           *logrus.Entry
}

// NewMaterializer creates a Materializer over a Log. A snapshot checkpoint is
// taken every snapshotInterval applied operations.
func NewMaterializer(log *Log, snapshotInterval int, logger *logrus.Entry) *Materializer {
	return &Materializer{
		log:              log,
		state:            NewState(),
		appliedIndex:     -1,
		snapshotInterval: snapshotInterval,
		logger:           logger.WithField("prefix", "materializer"),
	}
}

// Log returns the underlying operation log.
func (m *Materializer) Log() *Log {
	return m.log
}

// Ingest forwards an operation to the log and folds it into the live view.
func (m *Materializer) Ingest(op *Operation) (int, error) {
	index, err := m.log.Ingest(op)
	if err != nil {
		return -1, err
	}

	if err := m.CatchUp(); err != nil {
		return index, err
	}

	return index, nil
}

// IngestBatch forwards a batch to the log and folds it into the live view.
func (m *Materializer) IngestBatch(ops []*Operation) ([]int, error) {
	indexes, err := m.log.IngestBatch(ops)
	if err != nil {
		return nil, err
	}

	if err := m.CatchUp(); err != nil {
		return indexes, err
	}

	return indexes, nil
}

// CatchUp applies the operations that were appended since the last
// application, in ascending ingest index order, and checkpoints a snapshot
// when the interval is reached.
func (m *Materializer) CatchUp() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ops, err := m.log.Operations(m.appliedIndex, -1)
	if err != nil {
		return err
	}

	if len(ops) > 0 {
		// Fold into a clone and swap. States already handed out through
		// State() stay frozen, so readers may iterate them while ingestion
		// continues.
		next := m.state.Clone()

		for _, op := range ops {
			applyOperation(next, &m.skips, op)
			m.appliedIndex = op.IngestIndex
			m.opsSinceSnapshot++
		}

		m.state = next
	}

	if m.snapshotInterval > 0 && m.opsSinceSnapshot >= m.snapshotInterval {
		if err := m.checkpoint(); err != nil {
			return err
		}
	}

	return nil
}

// Rebuild resets the materialized view and replays the entire log. It is the
// authority; the incremental path in CatchUp applies the same fold step, so
// both always agree.
func (m *Materializer) Rebuild() (*RebuildResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := NewState()
	m.skips = SkipCounters{}
	m.appliedIndex = -1

	ops, err := m.log.Operations(-1, -1)
	if err != nil {
		return nil, err
	}

	for _, op := range ops {
		applyOperation(next, &m.skips, op)
		m.appliedIndex = op.IngestIndex
	}

	m.state = next

	if err := m.checkpoint(); err != nil {
		return nil, err
	}

	snapshot, err := m.log.Store().LastSnapshot()
	snapshotID := -1
	if err == nil {
		snapshotID = snapshot.ID
	}

	result := &RebuildResult{
		SnapshotID:       snapshotID,
		OpLogLength:      m.appliedIndex + 1,
		ActiveRumors:     m.state.ActiveRumors(),
		TombstonedRumors: m.state.TombstonedRumors(),
		TotalVotes:       m.state.TotalVotes(),
		RegisteredUsers:  len(m.state.Users),
		State:            m.state,
	}

	m.logger.WithFields(logrus.Fields{
		"oplog_length":      result.OpLogLength,
		"active_rumors":     result.ActiveRumors,
		"tombstoned_rumors": result.TombstonedRumors,
		"total_votes":       result.TotalVotes,
		"registered_users":  result.RegisteredUsers,
	}).Debug("Rebuilt state")

	return result, nil
}

// checkpoint stores a snapshot of the current view. The state is cloned so
// the stored checkpoint does not alias the live view. Callers hold the mutex.
func (m *Materializer) checkpoint() error {
	clone := m.state.Clone()

	snapshot := &Snapshot{
		ID:          m.log.Store().SnapshotCount(),
		OpLogLength: m.appliedIndex + 1,
		State:       clone,
		CapturedAt:  time.Now().Unix(),
	}

	if err := m.log.Store().SetSnapshot(snapshot); err != nil {
		return err
	}

	m.opsSinceSnapshot = 0

	return nil
}

// State returns the last-committed materialized view. The returned State is
// never written again; CatchUp and Rebuild install a fresh clone instead of
// mutating a view that was handed out, so callers may iterate it without
// holding any lock.
func (m *Materializer) State() *State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Skips returns the counters of semantic replay skips.
func (m *Materializer) Skips() SkipCounters {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.skips
}

// Info reports snapshot bookkeeping.
func (m *Materializer) Info() Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Info{
		OpsSinceSnapshot: m.opsSinceSnapshot,
		SnapshotCount:    m.log.Store().SnapshotCount(),
	}
}

// Export serializes the whole operation log plus the last snapshot with the
// canonical codec. The payload round-trips verbatim through Import.
func (m *Materializer) Export() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ops, err := m.log.Operations(-1, -1)
	if err != nil {
		return nil, err
	}

	payload := exportPayload{OpLog: ops}

	if snapshot, err := m.log.Store().LastSnapshot(); err == nil {
		payload.LastSnapshot = snapshot
	}

	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	if err := codec.NewEncoder(b, jh).Encode(payload); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Import replaces the local log with an exported payload and rebuilds. The
// imported snapshot is stored as a cache but the materialized view is always
// recomputed by replay; an imported view is never trusted directly.
func (m *Materializer) Import(data []byte) (*RebuildResult, error) {
	payload := new(exportPayload)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	if err := codec.NewDecoder(bytes.NewBuffer(data), jh).Decode(payload); err != nil {
		return nil, err
	}

	for _, op := range payload.OpLog {
		if err := op.Validate(); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()

	store := m.log.Store()
	if err := store.Reset(); err != nil {
		m.mu.Unlock()
		return nil, err
	}

	for _, op := range payload.OpLog {
		if err := store.AppendOperation(op); err != nil {
			m.mu.Unlock()
			return nil, err
		}
	}

	if payload.LastSnapshot != nil {
		if err := store.SetSnapshot(payload.LastSnapshot); err != nil {
			m.mu.Unlock()
			return nil, err
		}
	}

	m.mu.Unlock()

	return m.Rebuild()
}

// applyOperation is the fold step shared by Rebuild and CatchUp. It mutates
// the in-progress clone in place and counts semantic skips. Operations were
// validated at ingest, so payloads are present and well formed here.
func applyOperation(s *State, skips *SkipCounters, op *Operation) {
	switch op.Type {
	case OpJoin:
		applyJoin(s, skips, op)
	case OpRumor:
		applyRumor(s, skips, op)
	case OpVote:
		applyVote(s, skips, op)
	case OpTombstone:
		applyTombstone(s, skips, op)
	}
}

func applyJoin(s *State, skips *SkipCounters, op *Operation) {
	p := op.Join

	if _, ok := s.Users[p.Nullifier]; ok {
		skips.DuplicateJoins++
		return
	}

	s.Users[p.Nullifier] = &User{
		Nullifier:  p.Nullifier,
		Commitment: p.Commitment,
		PubKeyHex:  p.PubKeyHex,
		JoinedAt:   op.Timestamp,
	}
}

func applyRumor(s *State, skips *SkipCounters, op *Operation) {
	p := op.Rumor

	if _, ok := s.Rumors[p.ID]; ok {
		skips.DuplicateRumors++
		return
	}

	if _, ok := s.Users[p.AuthorNullifier]; !ok {
		skips.UnknownAuthors++
		return
	}

	rumor := &Rumor{
		ID:              p.ID,
		Text:            p.Text,
		Topic:           p.Topic,
		AuthorNullifier: p.AuthorNullifier,
		CreatedAt:       op.Timestamp,
	}

	// A tombstone may have been replayed before the rumor it refers to; the
	// delete-marker is monotone, so the rumor materializes dead.
	if _, ok := s.Tombstones[p.ID]; ok {
		rumor.Tombstoned = true
	}

	s.Rumors[p.ID] = rumor
}

func applyVote(s *State, skips *SkipCounters, op *Operation) {
	p := op.Vote

	rumor, ok := s.Rumors[p.RumorID]
	if !ok {
		skips.MissingRumorVotes++
		return
	}

	if rumor.Tombstoned {
		skips.TombstonedVotes++
		return
	}

	if _, ok := s.Users[p.VoterNullifier]; !ok {
		skips.UnknownVoters++
		return
	}

	if _, ok := s.Votes[p.RumorID][p.VoterNullifier]; ok {
		skips.DuplicateVotes++
		return
	}

	if s.Votes[p.RumorID] == nil {
		s.Votes[p.RumorID] = make(map[string]*Vote)
	}

	s.Votes[p.RumorID][p.VoterNullifier] = &Vote{
		RumorID:        p.RumorID,
		VoterNullifier: p.VoterNullifier,
		Value:          p.Value,
		Prediction:     p.Prediction,
		StakeAmount:    p.StakeAmount,
		Timestamp:      op.Timestamp,
	}
}

func applyTombstone(s *State, skips *SkipCounters, op *Operation) {
	p := op.Tombstone

	if _, ok := s.Tombstones[p.RumorID]; ok {
		skips.DuplicateTombstones++
		return
	}

	s.Tombstones[p.RumorID] = &TombstoneRecord{
		RumorID:        p.RumorID,
		Reason:         p.Reason,
		ActorNullifier: p.ActorNullifier,
		CreatedAt:      op.Timestamp,
	}

	if rumor, ok := s.Rumors[p.RumorID]; ok {
		rumor.Tombstoned = true
	}

	// Once a rumor is tombstoned, its votes are retracted from the
	// materialized view even if they were applied earlier in the prefix. This
	// is a deliberate choice, asserted by tests: a tombstone suppresses the
	// rumor's vote set wholesale rather than only from its own index forward.
	if votes, ok := s.Votes[p.RumorID]; ok {
		skips.RetroactiveVotes += len(votes)
		delete(s.Votes, p.RumorID)
	}
}

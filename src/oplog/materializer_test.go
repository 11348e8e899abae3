package oplog

import (
	"bytes"
	"fmt"
	"reflect"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/veritas-net/veritas/src/common"
)

func newTestMaterializer(t *testing.T) *Materializer {
	logger := common.NewTestEntry(t, logrus.DebugLevel)
	log := NewLog(NewInmemStore(100), logger)
	return NewMaterializer(log, 0, logger)
}

func joinOp(nullifier string) *Operation {
	return &Operation{
		Type:      OpJoin,
		Join:      &JoinPayload{Nullifier: nullifier, Commitment: "c_" + nullifier},
		Timestamp: 1000,
	}
}

func rumorOp(id, author string) *Operation {
	return &Operation{
		Type:      OpRumor,
		Rumor:     &RumorPayload{ID: id, Text: "text of " + id, Topic: "general", AuthorNullifier: author},
		Timestamp: 1001,
	}
}

func voteOp(rumorID, voter string, value VoteValue, prediction [NumVoteValues]float64) *Operation {
	return &Operation{
		Type: OpVote,
		Vote: &VotePayload{
			RumorID:        rumorID,
			VoterNullifier: voter,
			Value:          value,
			Prediction:     prediction,
			StakeAmount:    1,
		},
		Timestamp: 1002,
	}
}

func tombstoneOp(rumorID string) *Operation {
	return &Operation{
		Type:      OpTombstone,
		Tombstone: &TombstonePayload{RumorID: rumorID, Reason: "moderation", ActorNullifier: "user_A"},
		Timestamp: 1003,
	}
}

func TestBasicScenario(t *testing.T) {
	m := newTestMaterializer(t)

	ops := []*Operation{
		joinOp("user_A"),
		rumorOp("r1", "user_A"),
		voteOp("r1", "user_A", VoteTrue, [NumVoteValues]float64{0.7, 0.2, 0.1}),
	}

	if _, err := m.IngestBatch(ops); err != nil {
		t.Fatal(err)
	}

	res, err := m.Rebuild()
	if err != nil {
		t.Fatal(err)
	}

	if res.ActiveRumors != 1 {
		t.Fatalf("ActiveRumors should be 1, not %d", res.ActiveRumors)
	}
	if res.TotalVotes != 1 {
		t.Fatalf("TotalVotes should be 1, not %d", res.TotalVotes)
	}
	if res.RegisteredUsers != 1 {
		t.Fatalf("RegisteredUsers should be 1, not %d", res.RegisteredUsers)
	}
	if res.State.Rumors["r1"].Tombstoned {
		t.Fatal("r1 should not be tombstoned")
	}
}

func TestTombstoneScenario(t *testing.T) {
	m := newTestMaterializer(t)

	ops := []*Operation{
		joinOp("user_A"),
		rumorOp("r1", "user_A"),
		voteOp("r1", "user_A", VoteTrue, [NumVoteValues]float64{0.7, 0.2, 0.1}),
		tombstoneOp("r1"),
	}

	if _, err := m.IngestBatch(ops); err != nil {
		t.Fatal(err)
	}

	res, err := m.Rebuild()
	if err != nil {
		t.Fatal(err)
	}

	if res.ActiveRumors != 0 {
		t.Fatalf("ActiveRumors should be 0, not %d", res.ActiveRumors)
	}
	if res.TombstonedRumors != 1 {
		t.Fatalf("TombstonedRumors should be 1, not %d", res.TombstonedRumors)
	}
}

func TestRebuildDeterminism(t *testing.T) {
	m := newTestMaterializer(t)

	ops := []*Operation{
		joinOp("user_A"),
		joinOp("user_B"),
		rumorOp("r1", "user_A"),
		rumorOp("r2", "user_B"),
		voteOp("r1", "user_B", VoteFalse, [NumVoteValues]float64{0.3, 0.6, 0.1}),
		voteOp("r2", "user_A", VoteTrue, [NumVoteValues]float64{0.8, 0.1, 0.1}),
		tombstoneOp("r2"),
	}

	if _, err := m.IngestBatch(ops); err != nil {
		t.Fatal(err)
	}

	res1, err := m.Rebuild()
	if err != nil {
		t.Fatal(err)
	}
	hash1, err := res1.State.Hash()
	if err != nil {
		t.Fatal(err)
	}

	res2, err := m.Rebuild()
	if err != nil {
		t.Fatal(err)
	}
	hash2, err := res2.State.Hash()
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(hash1, hash2) {
		t.Fatal("two rebuilds of the same log should produce byte-identical state")
	}
}

func TestIncrementalMatchesRebuild(t *testing.T) {
	m := newTestMaterializer(t)

	ops := []*Operation{
		joinOp("user_A"),
		joinOp("user_B"),
		rumorOp("r1", "user_A"),
		voteOp("r1", "user_B", VoteTrue, [NumVoteValues]float64{0.5, 0.4, 0.1}),
		tombstoneOp("r1"),
		voteOp("r1", "user_A", VoteFalse, [NumVoteValues]float64{0.2, 0.7, 0.1}),
	}

	// one at a time through the incremental path
	for _, op := range ops {
		if _, err := m.Ingest(op); err != nil {
			t.Fatal(err)
		}
	}

	incremental, err := m.State().Hash()
	if err != nil {
		t.Fatal(err)
	}

	res, err := m.Rebuild()
	if err != nil {
		t.Fatal(err)
	}

	rebuilt, err := res.State.Hash()
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(incremental, rebuilt) {
		t.Fatal("incremental fold should agree with full rebuild")
	}
}

func TestDuplicateJoinIsNoOp(t *testing.T) {
	m := newTestMaterializer(t)

	if _, err := m.IngestBatch([]*Operation{joinOp("user_A"), joinOp("user_A")}); err != nil {
		t.Fatal(err)
	}

	res, err := m.Rebuild()
	if err != nil {
		t.Fatal(err)
	}

	if res.RegisteredUsers != 1 {
		t.Fatalf("RegisteredUsers should be 1, not %d", res.RegisteredUsers)
	}
	if s := m.Skips(); s.DuplicateJoins != 1 {
		t.Fatalf("DuplicateJoins should be 1, not %d", s.DuplicateJoins)
	}
}

func TestOneVotePerVoterPerRumor(t *testing.T) {
	m := newTestMaterializer(t)

	ops := []*Operation{
		joinOp("user_A"),
		joinOp("user_B"),
		rumorOp("r1", "user_A"),
		voteOp("r1", "user_B", VoteTrue, [NumVoteValues]float64{0.7, 0.2, 0.1}),
		voteOp("r1", "user_B", VoteFalse, [NumVoteValues]float64{0.1, 0.8, 0.1}),
	}

	if _, err := m.IngestBatch(ops); err != nil {
		t.Fatal(err)
	}

	res, err := m.Rebuild()
	if err != nil {
		t.Fatal(err)
	}

	if res.TotalVotes != 1 {
		t.Fatalf("TotalVotes should be 1, not %d", res.TotalVotes)
	}

	// first write wins
	if v := res.State.Votes["r1"]["user_B"]; v.Value != VoteTrue {
		t.Fatalf("surviving vote should be the first by ingest index, got %v", v.Value)
	}

	if s := m.Skips(); s.DuplicateVotes != 1 {
		t.Fatalf("DuplicateVotes should be 1, not %d", s.DuplicateVotes)
	}
}

func TestTombstoneIsIdempotentAndPermanent(t *testing.T) {
	m := newTestMaterializer(t)

	ops := []*Operation{
		joinOp("user_A"),
		joinOp("user_B"),
		rumorOp("r1", "user_A"),
		tombstoneOp("r1"),
		tombstoneOp("r1"),
		// vote after the tombstone's ingest index must never materialize
		voteOp("r1", "user_B", VoteTrue, [NumVoteValues]float64{0.7, 0.2, 0.1}),
	}

	if _, err := m.IngestBatch(ops); err != nil {
		t.Fatal(err)
	}

	res, err := m.Rebuild()
	if err != nil {
		t.Fatal(err)
	}

	if res.TombstonedRumors != 1 {
		t.Fatalf("TombstonedRumors should be 1, not %d", res.TombstonedRumors)
	}
	if res.TotalVotes != 0 {
		t.Fatalf("TotalVotes should be 0, not %d", res.TotalVotes)
	}

	s := m.Skips()
	if s.DuplicateTombstones != 1 {
		t.Fatalf("DuplicateTombstones should be 1, not %d", s.DuplicateTombstones)
	}
	if s.TombstonedVotes != 1 {
		t.Fatalf("TombstonedVotes should be 1, not %d", s.TombstonedVotes)
	}
}

func TestTombstoneRetractsEarlierVotes(t *testing.T) {
	// Confirmed design choice: a tombstone suppresses the rumor's whole vote
	// set, including votes that were applied before the tombstone during the
	// same replay. Votes are retracted, not just blocked going forward.
	m := newTestMaterializer(t)

	ops := []*Operation{
		joinOp("user_A"),
		joinOp("user_B"),
		rumorOp("r1", "user_A"),
		voteOp("r1", "user_B", VoteTrue, [NumVoteValues]float64{0.7, 0.2, 0.1}),
		tombstoneOp("r1"),
	}

	if _, err := m.IngestBatch(ops); err != nil {
		t.Fatal(err)
	}

	res, err := m.Rebuild()
	if err != nil {
		t.Fatal(err)
	}

	if res.TotalVotes != 0 {
		t.Fatalf("TotalVotes should be 0 after tombstone, not %d", res.TotalVotes)
	}
	if s := m.Skips(); s.RetroactiveVotes != 1 {
		t.Fatalf("RetroactiveVotes should be 1, not %d", s.RetroactiveVotes)
	}
}

func TestTombstoneBeforeRumor(t *testing.T) {
	// Gossip can deliver a tombstone before the rumor it refers to. The
	// delete-marker is monotone, so the rumor materializes already dead.
	m := newTestMaterializer(t)

	ops := []*Operation{
		joinOp("user_A"),
		tombstoneOp("r1"),
		rumorOp("r1", "user_A"),
	}

	if _, err := m.IngestBatch(ops); err != nil {
		t.Fatal(err)
	}

	res, err := m.Rebuild()
	if err != nil {
		t.Fatal(err)
	}

	if res.ActiveRumors != 0 {
		t.Fatalf("ActiveRumors should be 0, not %d", res.ActiveRumors)
	}
	if res.TombstonedRumors != 1 {
		t.Fatalf("TombstonedRumors should be 1, not %d", res.TombstonedRumors)
	}
}

func TestIngestRejectsMalformedOperations(t *testing.T) {
	m := newTestMaterializer(t)

	badOps := []*Operation{
		{Type: "GOSSIP", Timestamp: 1},
		{Type: OpJoin, Timestamp: 1},
		{Type: OpJoin, Join: &JoinPayload{Nullifier: "u"}, Timestamp: 1},
		{Type: OpVote, Vote: &VotePayload{RumorID: "r", VoterNullifier: "u", Value: VoteTrue,
			Prediction: [NumVoteValues]float64{0.9, 0.9, 0.9}}, Timestamp: 1},
		{Type: OpVote, Vote: &VotePayload{RumorID: "r", VoterNullifier: "u", Value: 7,
			Prediction: [NumVoteValues]float64{0.5, 0.4, 0.1}}, Timestamp: 1},
		{Type: OpJoin, Join: &JoinPayload{Nullifier: "u", Commitment: "c"},
			Rumor: &RumorPayload{ID: "r", Text: "t", AuthorNullifier: "u"}, Timestamp: 1},
	}

	for i, op := range badOps {
		if _, err := m.Ingest(op); !IsValidation(err) {
			t.Fatalf("op %d: expected ValidationErr, got %v", i, err)
		}
	}

	if l := m.Log().LastIndex(); l != -1 {
		t.Fatalf("log should be empty after rejected ingests, got last index %d", l)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	m := newTestMaterializer(t)

	ops := []*Operation{
		joinOp("user_A"),
		rumorOp("r1", "user_A"),
		voteOp("r1", "user_A", VoteTrue, [NumVoteValues]float64{0.7, 0.2, 0.1}),
	}

	if _, err := m.IngestBatch(ops); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Rebuild(); err != nil {
		t.Fatal(err)
	}

	data, err := m.Export()
	if err != nil {
		t.Fatal(err)
	}

	m2 := newTestMaterializer(t)
	res, err := m2.Import(data)
	if err != nil {
		t.Fatal(err)
	}

	if res.RegisteredUsers != 1 || res.ActiveRumors != 1 || res.TotalVotes != 1 {
		t.Fatalf("unexpected rebuild result after import: %+v", res)
	}

	// import must rebuild, not trust the imported view
	h1, _ := m.State().Hash()
	h2, _ := m2.State().Hash()
	if !bytes.Equal(h1, h2) {
		t.Fatal("imported replica should converge to the same state hash")
	}

	data2, err := m2.Export()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, data2) {
		t.Fatal("export payload should round-trip verbatim")
	}
}

func TestSnapshotInterval(t *testing.T) {
	logger := common.NewTestEntry(t, logrus.DebugLevel)
	log := NewLog(NewInmemStore(100), logger)
	m := NewMaterializer(log, 5, logger)

	if _, err := m.Ingest(joinOp("user_A")); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		op := rumorOp(fmt.Sprintf("r%d", i), "user_A")
		if _, err := m.Ingest(op); err != nil {
			t.Fatal(err)
		}
	}

	info := m.Info()
	if info.SnapshotCount < 2 {
		t.Fatalf("expected at least 2 snapshots after 11 ops at interval 5, got %d", info.SnapshotCount)
	}

	snapshot, err := log.Store().LastSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	if snapshot.OpLogLength == 0 {
		t.Fatal("snapshot should record the log length at capture")
	}
}

func TestOperationHashIgnoresIngestIndex(t *testing.T) {
	a := rumorOp("r1", "user_A")
	b := rumorOp("r1", "user_A")
	a.IngestIndex = 3
	b.IngestIndex = 8

	ha, err := a.Hash()
	if err != nil {
		t.Fatal(err)
	}
	hb, err := b.Hash()
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(ha, hb) {
		t.Fatal("operation identity should not depend on local ingest index")
	}
}

func TestOperationMarshalRoundTrip(t *testing.T) {
	op := voteOp("r1", "user_B", VoteFalse, [NumVoteValues]float64{0.25, 0.5, 0.25})
	op.IngestIndex = 4

	data, err := op.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	decoded := new(Operation)
	if err := decoded.Unmarshal(data); err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(op, decoded) {
		t.Fatalf("operations differ after marshal round-trip:\n%+v\n%+v", op, decoded)
	}
}

func TestStateIsFrozenAfterCommit(t *testing.T) {
	m := newTestMaterializer(t)

	if _, err := m.IngestBatch([]*Operation{joinOp("user_A"), rumorOp("r1", "user_A")}); err != nil {
		t.Fatal(err)
	}

	before := m.State()

	if _, err := m.Ingest(joinOp("user_B")); err != nil {
		t.Fatal(err)
	}

	if l := len(before.Users); l != 1 {
		t.Fatalf("committed view changed under the reader, got %d users, want 1", l)
	}

	if l := len(m.State().Users); l != 2 {
		t.Fatalf("live view should have 2 users, got %d", l)
	}
}

func TestConcurrentIngestAndRead(t *testing.T) {
	m := newTestMaterializer(t)

	if _, err := m.Ingest(joinOp("user_seed")); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			if _, err := m.Ingest(joinOp(fmt.Sprintf("user_%d", i))); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	// Iterate committed views while the writer folds new operations. The race
	// detector verifies that readers never observe a view being written.
	for {
		for _, u := range m.State().Users {
			if u.Nullifier == "" {
				t.Fatal("materialized user without a nullifier")
			}
		}
		select {
		case <-done:
			if l := len(m.State().Users); l != 201 {
				t.Fatalf("expected 201 users after ingestion, got %d", l)
			}
			return
		default:
		}
	}
}

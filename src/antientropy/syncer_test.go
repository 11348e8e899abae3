package antientropy

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/veritas-net/veritas/src/common"
	"github.com/veritas-net/veritas/src/membership"
	"github.com/veritas-net/veritas/src/net"
	"github.com/veritas-net/veritas/src/oplog"
)

func newTestSyncer(t *testing.T, id string) *Syncer {
	logger := common.NewTestEntry(t, logrus.DebugLevel)
	log := oplog.NewLog(oplog.NewInmemStore(100), logger)
	mat := oplog.NewMaterializer(log, 0, logger)
	acc := membership.NewAccumulator(logger)
	return NewSyncer(id, mat, acc, 0, logger)
}

func joinOp(nullifier string) *oplog.Operation {
	return &oplog.Operation{
		Type:      oplog.OpJoin,
		Join:      &oplog.JoinPayload{Nullifier: nullifier, Commitment: "c_" + nullifier},
		Timestamp: 1000,
	}
}

func rumorOp(id, author string) *oplog.Operation {
	return &oplog.Operation{
		Type:      oplog.OpRumor,
		Rumor:     &oplog.RumorPayload{ID: id, Text: "text of " + id, Topic: "general", AuthorNullifier: author},
		Timestamp: 1001,
	}
}

func TestComputeRootOrderIndependence(t *testing.T) {
	a := []Entry{
		{ID: "a", Data: []byte("1")},
		{ID: "b", Data: []byte("2")},
		{ID: "c", Data: []byte("3")},
	}
	b := []Entry{a[2], a[0], a[1]}

	if ComputeRoot(a) != ComputeRoot(b) {
		t.Fatal("roots should not depend on entry order")
	}

	c := []Entry{a[0], a[1]}
	if ComputeRoot(a) == ComputeRoot(c) {
		t.Fatal("different content should produce different roots")
	}
}

func TestEmptyRootsAgree(t *testing.T) {
	if ComputeRoot(nil) != ComputeRoot([]Entry{}) {
		t.Fatal("empty roots should agree")
	}
}

func TestSyncRoundConverges(t *testing.T) {
	ahead := newTestSyncer(t, "node_A")
	behind := newTestSyncer(t, "node_B")

	ops := []*oplog.Operation{
		joinOp("user_A"),
		joinOp("user_B"),
		rumorOp("r1", "user_A"),
	}
	if _, err := ahead.mat.IngestBatch(ops); err != nil {
		t.Fatal(err)
	}

	req, err := behind.CreateSyncRequest()
	if err != nil {
		t.Fatal(err)
	}
	if req.KnownOps != 0 {
		t.Fatalf("fresh node should know 0 ops, not %d", req.KnownOps)
	}

	resp, err := ahead.HandleSyncRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Ops) != 3 {
		t.Fatalf("expected 3 ops in response, got %d", len(resp.Ops))
	}

	res, err := behind.HandleSyncResponse(resp)
	if err != nil {
		t.Fatal(err)
	}
	if res.MergedOps != 3 || res.SkippedOps != 0 {
		t.Fatalf("expected 3 merged / 0 skipped, got %d / %d", res.MergedOps, res.SkippedOps)
	}
	if !res.Converged {
		t.Fatal("oplog roots should match after the merge")
	}

	aheadRoots, err := ahead.Roots()
	if err != nil {
		t.Fatal(err)
	}
	behindRoots, err := behind.Roots()
	if err != nil {
		t.Fatal(err)
	}
	for _, store := range []string{OplogStore, TombstoneStore} {
		if aheadRoots[store] != behindRoots[store] {
			t.Fatalf("%s roots should match: %s != %s", store, aheadRoots[store], behindRoots[store])
		}
	}

	if len(behind.mat.State().Users) != 2 {
		t.Fatalf("merged state should have 2 users, got %d", len(behind.mat.State().Users))
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	ahead := newTestSyncer(t, "node_A")
	behind := newTestSyncer(t, "node_B")

	if _, err := ahead.mat.IngestBatch([]*oplog.Operation{
		joinOp("user_A"),
		rumorOp("r1", "user_A"),
	}); err != nil {
		t.Fatal(err)
	}

	req, err := behind.CreateSyncRequest()
	if err != nil {
		t.Fatal(err)
	}
	resp, err := ahead.HandleSyncRequest(req)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := behind.HandleSyncResponse(resp); err != nil {
		t.Fatal(err)
	}

	// Apply the very same response again
	res, err := behind.HandleSyncResponse(resp)
	if err != nil {
		t.Fatal(err)
	}
	if res.MergedOps != 0 {
		t.Fatalf("second merge should add nothing, merged %d", res.MergedOps)
	}
	if res.SkippedOps != 2 {
		t.Fatalf("second merge should skip both ops, skipped %d", res.SkippedOps)
	}
	if behind.mat.Log().LastIndex() != 1 {
		t.Fatalf("log should still hold 2 ops, last index %d", behind.mat.Log().LastIndex())
	}
}

func TestConvergedRequestReturnsNoOps(t *testing.T) {
	a := newTestSyncer(t, "node_A")

	if _, err := a.mat.IngestBatch([]*oplog.Operation{joinOp("user_A")}); err != nil {
		t.Fatal(err)
	}

	req, err := a.CreateSyncRequest()
	if err != nil {
		t.Fatal(err)
	}
	resp, err := a.HandleSyncRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Ops) != 0 {
		t.Fatalf("matching roots should transfer nothing, got %d ops", len(resp.Ops))
	}
}

func TestMalformedResponseIsRejected(t *testing.T) {
	behind := newTestSyncer(t, "node_B")

	bad := oplog.Operation{
		Type: oplog.OpRumor,
		// missing payload
		Timestamp: 1001,
	}

	resp := &net.SyncResponse{
		FromID: "node_X",
		Ops:    []oplog.Operation{bad},
	}
	if _, err := behind.HandleSyncResponse(resp); err == nil {
		t.Fatal("a response carrying a malformed op should be rejected")
	}
	if behind.mat.Log().LastIndex() != -1 {
		t.Fatal("nothing should have been merged")
	}
}

func TestSyncLimitCapsResponse(t *testing.T) {
	logger := common.NewTestEntry(t, logrus.DebugLevel)
	log := oplog.NewLog(oplog.NewInmemStore(100), logger)
	mat := oplog.NewMaterializer(log, 0, logger)
	s := NewSyncer("capped", mat, membership.NewAccumulator(logger), 2, logger)

	for _, n := range []string{"user_A", "user_B", "user_C", "user_D"} {
		if _, err := mat.Ingest(joinOp(n)); err != nil {
			t.Fatal(err)
		}
	}

	missing, err := s.MissingFor("", 0)
	if err != nil {
		t.Fatal(err)
	}

	if len(missing) != 2 {
		t.Fatalf("response should be capped at 2 operations, got %d", len(missing))
	}

	// a peer that already holds the first batch gets the rest
	prefixRoot, err := opsRoot([]*oplog.Operation{&missing[0], &missing[1]})
	if err != nil {
		t.Fatal(err)
	}

	tail, err := s.MissingFor(prefixRoot, 2)
	if err != nil {
		t.Fatal(err)
	}

	if len(tail) != 2 {
		t.Fatalf("second round should return the remaining 2 operations, got %d", len(tail))
	}

	if tail[0].Join.Nullifier != "user_C" {
		t.Fatalf("second round should start at the peer's frontier, got %s", tail[0].Join.Nullifier)
	}
}

func TestRepeatedOpInResponseMergesOnce(t *testing.T) {
	behind := newTestSyncer(t, "node_B")

	op := joinOp("user_A")

	resp := &net.SyncResponse{
		FromID: "node_X",
		Ops:    []oplog.Operation{*op, *op},
	}

	res, err := behind.HandleSyncResponse(resp)
	if err != nil {
		t.Fatal(err)
	}

	if res.MergedOps != 1 {
		t.Fatalf("the repeated op should merge once, merged %d", res.MergedOps)
	}
	if res.SkippedOps != 1 {
		t.Fatalf("the repetition should be skipped, skipped %d", res.SkippedOps)
	}
	if behind.mat.Log().LastIndex() != 0 {
		t.Fatalf("log should hold a single op, last index %d", behind.mat.Log().LastIndex())
	}
}

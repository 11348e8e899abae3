package net

import (
	"github.com/veritas-net/veritas/src/oplog"
)

// SyncRequest corresponds to the pull part of the pull-push gossip protocol.
// It advertises the requester's store roots and how many operations it holds,
// so the responder can compute the difference and return only what is
// missing.
type SyncRequest struct {
	FromID   string
	Roots    map[string]string
	KnownOps int
}

// SyncResponse returns the operations the requester is missing, along with
// the responder's own roots and operation count so the requester can
// revalidate before merging.
type SyncResponse struct {
	FromID   string
	Ops      []oplog.Operation
	Roots    map[string]string
	KnownOps int
}

// PushRequest corresponds to the push part of the pull-push gossip protocol.
// It is used to actively send freshly ingested operations to a node without
// them being requested.
type PushRequest struct {
	FromID string
	Ops    []oplog.Operation
}

// PushResponse indicates the success or failure of a PushRequest.
type PushResponse struct {
	FromID  string
	Success bool
}

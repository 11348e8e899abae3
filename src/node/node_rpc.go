package node

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/veritas-net/veritas/src/net"
	"github.com/veritas-net/veritas/src/oplog"
)

func (n *Node) processRPC(rpc net.RPC) {
	// Notify others that we are not in the Running state to prevent
	// them from hitting a wall when they try to sync with us.
	state := n.getState()
	if state != Running && state != Syncing {
		n.logger.WithField("state", state.String()).Debug("Not in a syncable state")
		rpc.Respond(nil, fmt.Errorf("not in a syncable state: %s", state.String()))
		return
	}

	switch cmd := rpc.Command.(type) {
	case *net.SyncRequest:
		n.processSyncRequest(rpc, cmd)
	case *net.PushRequest:
		n.processPushRequest(rpc, cmd)
	default:
		n.logger.WithField("cmd", rpc.Command).Error("Unexpected RPC command")
		rpc.Respond(nil, fmt.Errorf("unexpected command"))
	}
}

func (n *Node) processSyncRequest(rpc net.RPC, cmd *net.SyncRequest) {
	n.logger.WithFields(logrus.Fields{
		"from_id":   cmd.FromID,
		"known_ops": cmd.KnownOps,
	}).Debug("process SyncRequest")

	resp, err := n.core.Syncer().HandleSyncRequest(cmd)
	if err != nil {
		n.logger.WithError(err).Error("HandleSyncRequest")
		rpc.Respond(nil, err)
		return
	}

	rpc.Respond(resp, nil)
}

func (n *Node) processPushRequest(rpc net.RPC, cmd *net.PushRequest) {
	n.logger.WithFields(logrus.Fields{
		"from_id": cmd.FromID,
		"ops":     len(cmd.Ops),
	}).Debug("process PushRequest")

	resp := &net.PushResponse{FromID: n.validator.Moniker}

	if err := n.verifyPushedOps(cmd.Ops); err != nil {
		n.logger.WithError(err).WithField("from_id", cmd.FromID).Warn("Rejecting push")
		rpc.Respond(resp, err)
		return
	}

	if _, err := n.core.MergeOps(cmd.FromID, cmd.Ops); err != nil {
		n.logger.WithError(err).Error("MergeOps")
		rpc.Respond(resp, err)
		return
	}

	resp.Success = true
	rpc.Respond(resp, nil)
}

// verifyPushedOps checks the signatures of pushed operations where the
// signer's key is resolvable. An operation from a not-yet-known user cannot
// be verified here; it is accepted and left to replay semantics, which skip
// it until the matching JOIN arrives.
func (n *Node) verifyPushedOps(ops []oplog.Operation) error {
	for i := range ops {
		op := ops[i]

		if err := op.Validate(); err != nil {
			return fmt.Errorf("op %d: %v", i, err)
		}

		if op.Type != oplog.OpJoin {
			var signer string
			switch op.Type {
			case oplog.OpRumor:
				signer = op.Rumor.AuthorNullifier
			case oplog.OpVote:
				signer = op.Vote.VoterNullifier
			case oplog.OpTombstone:
				signer = op.Tombstone.ActorNullifier
			}
			if n.core.userPubKey(signer) == "" {
				continue
			}
		}

		if err := n.core.VerifyOperation(&op); err != nil {
			return fmt.Errorf("op %d: %v", i, err)
		}
	}

	return nil
}

package scoring

import (
	"encoding/binary"
	"fmt"

	"github.com/veritas-net/veritas/src/crypto"
	"github.com/veritas-net/veritas/src/oplog"
)

// rbtsMatchReward is the information reward for agreeing with the reference
// peer's vote.
const rbtsMatchReward = 1.0

// scoreRBTS scores a small vote set with the robust, peer-based variant of
// BTS. Population statistics are unstable below ~30 voters, so instead of
// scoring against the empirical distribution, each voter is matched with a
// single deterministic reference peer and scored on two components: agreement
// with the peer's vote, and the accuracy of the voter's prediction vector
// against the peer's vote under a quadratic (Brier) scoring rule. Peer
// assignment is seeded by rumor id and block height, so every replica picks
// the same peers.
func scoreRBTS(rumorID string, blockHeight int, arena []WeightedVote) *Result {
	n := len(arena)

	voterScores := make(map[string]float64, n)
	for i, wv := range arena {
		peer := arena[referencePeer(rumorID, blockHeight, i, n)]

		information := 0.0
		if wv.Vote.Value == peer.Vote.Value {
			information = rbtsMatchReward
		}

		prediction := quadraticScore(wv.Vote.Prediction, peer.Vote.Value)

		voterScores[wv.Vote.VoterNullifier] = wv.Weight * (information + prediction)
	}

	consensus, trust := consensusOf(arena)

	return &Result{
		Consensus:       consensus,
		RumorTrustScore: trust,
		VoterScores:     voterScores,
		Method:          MethodRBTS,
	}
}

// referencePeer picks a peer index for voter i, excluding i itself. The
// choice is a pure function of (rumorID, blockHeight, i), reproducible on
// every replica.
func referencePeer(rumorID string, blockHeight int, i int, n int) int {
	seed := crypto.SHA256([]byte(fmt.Sprintf("%s|%d|%d", rumorID, blockHeight, i)))
	r := int(binary.BigEndian.Uint64(seed[:8]) % uint64(n-1))
	if r >= i {
		r++
	}
	return r
}

// quadraticScore is the Brier score of a prediction vector against an
// observed outcome: 2*p[outcome] - Σp². It is a proper scoring rule, so
// reporting one's true belief maximizes the expected score. Ranges in
// [-1, 1].
func quadraticScore(p [oplog.NumVoteValues]float64, outcome oplog.VoteValue) float64 {
	sumSq := 0.0
	for k := 0; k < oplog.NumVoteValues; k++ {
		sumSq += p[k] * p[k]
	}
	return 2*p[outcome] - sumSq
}

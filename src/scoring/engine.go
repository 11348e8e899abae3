package scoring

import (
	"errors"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/veritas-net/veritas/src/oplog"
)

// Method identifies the scoring strategy that produced a Result.
type Method string

const (
	// MethodBTS is population-scale Bayesian Truth Serum.
	MethodBTS Method = "BTS"
	// MethodRBTS is the robust, peer-based variant for small populations.
	MethodRBTS Method = "RBTS"
)

// Population boundaries for strategy selection.
const (
	// MinVoters is the smallest population that can be scored. Below this,
	// finalization must not happen.
	MinVoters = 3

	// BTSPopulationThreshold is the population at which the engine switches
	// from RBTS to BTS. A rumor with exactly this many dampened voters uses
	// BTS; one fewer uses RBTS.
	BTSPopulationThreshold = 30
)

// ErrInsufficientVoters is returned when a vote set is too small to score.
// The caller must not finalize the rumor.
var ErrInsufficientVoters = errors.New("scoring: fewer than 3 voters")

// Result is the outcome of scoring one rumor's vote set.
type Result struct {
	Consensus       oplog.VoteValue
	RumorTrustScore float64
	VoterScores     map[string]float64 //nullifier => signed delta
	Method          Method
}

// Engine converts a dampened vote set into a consensus label, a rumor trust
// score, and per-voter score deltas. Two interchangeable strategies are
// selected by voter count; both are deterministic, so every replica that
// finalizes the same vote set at the same block height produces the same
// Result.
type Engine struct {
	logger *logrus.Entry
}

// NewEngine ...
func NewEngine(logger *logrus.Entry) *Engine {
	return &Engine{
		logger: logger.WithField("prefix", "scoring"),
	}
}

// Score scores a dampened vote set for one rumor. blockHeight seeds the RBTS
// peer assignment so that every replica picks the same reference peers.
func (e *Engine) Score(rumorID string, blockHeight int, weighted []WeightedVote) (*Result, error) {
	n := len(weighted)

	if n < MinVoters {
		return nil, ErrInsufficientVoters
	}

	arena := sortWeighted(weighted)

	var result *Result
	if n >= BTSPopulationThreshold {
		result = scoreBTS(arena)
	} else {
		result = scoreRBTS(rumorID, blockHeight, arena)
	}

	e.logger.WithFields(logrus.Fields{
		"rumor_id":  rumorID,
		"voters":    n,
		"method":    result.Method,
		"consensus": result.Consensus.String(),
		"trust":     result.RumorTrustScore,
	}).Debug("Scored rumor")

	return result, nil
}

// sortWeighted copies the weighted votes into a slice sorted by voter
// nullifier, giving every voter a stable index regardless of input order.
func sortWeighted(weighted []WeightedVote) []WeightedVote {
	arena := make([]WeightedVote, len(weighted))
	copy(arena, weighted)
	sort.Slice(arena, func(i, j int) bool {
		return arena[i].Vote.VoterNullifier < arena[j].Vote.VoterNullifier
	})
	return arena
}

// consensusOf returns the vote value with the highest total dampened weight,
// with ties broken by the lowest enum ordinal, and the rumor trust score: the
// signed weight imbalance between TRUE and FALSE over the total weight.
func consensusOf(weighted []WeightedVote) (oplog.VoteValue, float64) {
	var tally [oplog.NumVoteValues]float64
	total := 0.0
	for _, wv := range weighted {
		tally[wv.Vote.Value] += wv.Weight
		total += wv.Weight
	}

	consensus := oplog.VoteTrue
	for v := oplog.VoteValue(1); v < oplog.NumVoteValues; v++ {
		if tally[v] > tally[consensus] {
			consensus = v
		}
	}

	trust := 0.0
	if total > 0 {
		trust = (tally[oplog.VoteTrue] - tally[oplog.VoteFalse]) / total
	}

	return consensus, trust
}

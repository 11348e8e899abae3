package scoring

import (
	"math"

	"github.com/veritas-net/veritas/src/oplog"
)

// BTS parameters.
const (
	// btsSmoothing is the Laplace smoothing constant applied to empirical
	// frequencies and geometric means so that log terms stay finite.
	btsSmoothing = 0.01

	// btsPredictionWeight scales the prediction score relative to the
	// information score in a voter's total.
	btsPredictionWeight = 0.5
)

// scoreBTS scores a population-scale vote set with classic Bayesian Truth
// Serum. The empirical distribution of vote values is the reference: a
// voter's information score rewards answers that are surprisingly common
// relative to the population's average prediction, and the prediction score
// is a log scoring rule of the voter's prediction against the empirical
// frequencies. Dampened weights shape the empirical distribution, so
// coordinated voters move the reference less.
func scoreBTS(arena []WeightedVote) *Result {
	n := len(arena)

	// weighted empirical frequencies x̄ and geometric mean of predictions ȳ
	var freq [oplog.NumVoteValues]float64
	var logPredSum [oplog.NumVoteValues]float64
	totalWeight := 0.0

	for _, wv := range arena {
		freq[wv.Vote.Value] += wv.Weight
		totalWeight += wv.Weight
		for k := 0; k < oplog.NumVoteValues; k++ {
			logPredSum[k] += math.Log(smooth(wv.Vote.Prediction[k]))
		}
	}

	var xbar, ybar [oplog.NumVoteValues]float64
	for k := 0; k < oplog.NumVoteValues; k++ {
		xbar[k] = smooth(freq[k] / totalWeight)
		ybar[k] = math.Exp(logPredSum[k] / float64(n))
	}

	voterScores := make(map[string]float64, n)
	for _, wv := range arena {
		v := wv.Vote.Value

		// surprisingly common: log(x̄_v / ȳ_v)
		information := math.Log(xbar[v] / ybar[v])

		// log scoring rule against the empirical frequencies
		prediction := 0.0
		for k := 0; k < oplog.NumVoteValues; k++ {
			prediction += xbar[k] * math.Log(smooth(wv.Vote.Prediction[k])/xbar[k])
		}

		voterScores[wv.Vote.VoterNullifier] = wv.Weight * (information + btsPredictionWeight*prediction)
	}

	consensus, trust := consensusOf(arena)

	return &Result{
		Consensus:       consensus,
		RumorTrustScore: trust,
		VoterScores:     voterScores,
		Method:          MethodBTS,
	}
}

// smooth clamps a probability away from zero so its logarithm is finite.
func smooth(p float64) float64 {
	return (p + btsSmoothing) / (1 + float64(oplog.NumVoteValues)*btsSmoothing)
}

package scoring

import (
	"fmt"
	"math/rand"
	"reflect"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/veritas-net/veritas/src/common"
	"github.com/veritas-net/veritas/src/oplog"
)

func makeVote(voter string, value oplog.VoteValue, prediction [oplog.NumVoteValues]float64) *oplog.Vote {
	return &oplog.Vote{
		RumorID:        "r1",
		VoterNullifier: voter,
		Value:          value,
		Prediction:     prediction,
		StakeAmount:    1,
	}
}

// uniformWeights wraps votes with weight 1.
func uniformWeights(votes []*oplog.Vote) []WeightedVote {
	weighted := make([]WeightedVote, len(votes))
	for i, v := range votes {
		weighted[i] = WeightedVote{Vote: v, Weight: 1}
	}
	return weighted
}

// population builds n voters with mostly-TRUE votes and noisy predictions,
// deterministic in n.
func population(n int) []*oplog.Vote {
	rng := rand.New(rand.NewSource(int64(n)))
	votes := make([]*oplog.Vote, n)
	for i := 0; i < n; i++ {
		value := oplog.VoteTrue
		if i%4 == 3 {
			value = oplog.VoteFalse
		}
		pTrue := 0.5 + rng.Float64()*0.3
		pFalse := (1 - pTrue) * 0.8
		votes[i] = makeVote(fmt.Sprintf("voter_%03d", i), value,
			[oplog.NumVoteValues]float64{pTrue, pFalse, 1 - pTrue - pFalse})
	}
	return votes
}

func TestScoreRefusesBelowMinVoters(t *testing.T) {
	engine := NewEngine(common.NewTestEntry(t, logrus.DebugLevel))

	for n := 0; n < MinVoters; n++ {
		_, err := engine.Score("r1", 10, uniformWeights(population(n)))
		if err != ErrInsufficientVoters {
			t.Fatalf("n=%d: expected ErrInsufficientVoters, got %v", n, err)
		}
	}
}

func TestMethodSelectionBoundary(t *testing.T) {
	engine := NewEngine(common.NewTestEntry(t, logrus.DebugLevel))

	res, err := engine.Score("r1", 10, uniformWeights(population(BTSPopulationThreshold-1)))
	if err != nil {
		t.Fatal(err)
	}
	if res.Method != MethodRBTS {
		t.Fatalf("29 voters should use RBTS, not %s", res.Method)
	}

	res, err = engine.Score("r1", 10, uniformWeights(population(BTSPopulationThreshold)))
	if err != nil {
		t.Fatal(err)
	}
	if res.Method != MethodBTS {
		t.Fatalf("30 voters should use BTS, not %s", res.Method)
	}
}

func TestScoreIsOrderIndependent(t *testing.T) {
	engine := NewEngine(common.NewTestEntry(t, logrus.DebugLevel))

	votes := population(12)
	weighted := uniformWeights(votes)

	res1, err := engine.Score("r1", 42, weighted)
	if err != nil {
		t.Fatal(err)
	}

	reversed := make([]WeightedVote, len(weighted))
	for i, wv := range weighted {
		reversed[len(weighted)-1-i] = wv
	}

	res2, err := engine.Score("r1", 42, reversed)
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(res1, res2) {
		t.Fatal("scoring should not depend on input order")
	}
}

func TestRBTSIsDeterministicInSeed(t *testing.T) {
	engine := NewEngine(common.NewTestEntry(t, logrus.DebugLevel))

	weighted := uniformWeights(population(10))

	res1, err := engine.Score("r1", 42, weighted)
	if err != nil {
		t.Fatal(err)
	}
	res2, err := engine.Score("r1", 42, weighted)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(res1, res2) {
		t.Fatal("same seed should reproduce the same result")
	}

	res3, err := engine.Score("r1", 43, weighted)
	if err != nil {
		t.Fatal(err)
	}
	if res3.Consensus != res1.Consensus {
		t.Fatal("consensus should not depend on the seed")
	}
}

func TestConsensusFollowsDampenedWeight(t *testing.T) {
	engine := NewEngine(common.NewTestEntry(t, logrus.DebugLevel))

	// two TRUE voters at crushing weight disadvantage against one FALSE voter
	weighted := []WeightedVote{
		{Vote: makeVote("a", oplog.VoteTrue, [oplog.NumVoteValues]float64{0.8, 0.1, 0.1}), Weight: 0.2},
		{Vote: makeVote("b", oplog.VoteTrue, [oplog.NumVoteValues]float64{0.8, 0.1, 0.1}), Weight: 0.2},
		{Vote: makeVote("c", oplog.VoteFalse, [oplog.NumVoteValues]float64{0.1, 0.8, 0.1}), Weight: 1.0},
	}

	res, err := engine.Score("r1", 7, weighted)
	if err != nil {
		t.Fatal(err)
	}

	if res.Consensus != oplog.VoteFalse {
		t.Fatalf("consensus should be FALSE by dampened weight, not %s", res.Consensus)
	}
	if res.RumorTrustScore >= 0 {
		t.Fatalf("trust score should be negative, not %f", res.RumorTrustScore)
	}
}

func TestConsensusTieBreaksByOrdinal(t *testing.T) {
	engine := NewEngine(common.NewTestEntry(t, logrus.DebugLevel))

	// equal weight on TRUE and FALSE; TRUE has the lower ordinal
	weighted := []WeightedVote{
		{Vote: makeVote("a", oplog.VoteTrue, [oplog.NumVoteValues]float64{0.8, 0.1, 0.1}), Weight: 1},
		{Vote: makeVote("b", oplog.VoteFalse, [oplog.NumVoteValues]float64{0.1, 0.8, 0.1}), Weight: 1},
		{Vote: makeVote("c", oplog.VoteUnverified, [oplog.NumVoteValues]float64{0.1, 0.1, 0.8}), Weight: 1},
	}

	res, err := engine.Score("r1", 7, weighted)
	if err != nil {
		t.Fatal(err)
	}

	if res.Consensus != oplog.VoteTrue {
		t.Fatalf("tie should break to the lowest ordinal (TRUE), not %s", res.Consensus)
	}
}

func TestBTSRewardsInformedMinority(t *testing.T) {
	// The informed minority votes FALSE and predicts that most people will
	// say TRUE; the uninformed majority votes TRUE and expects everyone to
	// agree. FALSE is then surprisingly common and the minority scores
	// higher per voter.
	votes := []*oplog.Vote{}
	for i := 0; i < 27; i++ {
		votes = append(votes, makeVote(fmt.Sprintf("major_%02d", i), oplog.VoteTrue,
			[oplog.NumVoteValues]float64{0.9, 0.05, 0.05}))
	}
	for i := 0; i < 3; i++ {
		votes = append(votes, makeVote(fmt.Sprintf("minor_%02d", i), oplog.VoteFalse,
			[oplog.NumVoteValues]float64{0.7, 0.25, 0.05}))
	}

	engine := NewEngine(common.NewTestEntry(t, logrus.DebugLevel))
	res, err := engine.Score("r1", 99, uniformWeights(votes))
	if err != nil {
		t.Fatal(err)
	}
	if res.Method != MethodBTS {
		t.Fatalf("expected BTS, got %s", res.Method)
	}

	if res.VoterScores["minor_00"] <= res.VoterScores["major_00"] {
		t.Fatalf("surprisingly common answer should score higher: minority %f, majority %f",
			res.VoterScores["minor_00"], res.VoterScores["major_00"])
	}
}

package scoring

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/veritas-net/veritas/src/common"
	"github.com/veritas-net/veritas/src/oplog"
)

// identicalHistories builds n voters that voted identically on `rumors` past
// rumors, the signature of a coordinated cluster.
func identicalHistories(voters []string, rumors int) map[string]*VoterHistory {
	histories := map[string]*VoterHistory{}
	for _, voter := range voters {
		h := &VoterHistory{Votes: map[string]*oplog.Vote{}}
		for i := 0; i < rumors; i++ {
			rumorID := fmt.Sprintf("past_%02d", i)
			h.Votes[rumorID] = &oplog.Vote{
				RumorID:        rumorID,
				VoterNullifier: voter,
				Value:          oplog.VoteTrue,
				Prediction:     [oplog.NumVoteValues]float64{0.8, 0.1, 0.1},
			}
		}
		histories[voter] = h
	}
	return histories
}

func TestWeighDampensCorrelatedVoters(t *testing.T) {
	d := NewDampener(common.NewTestEntry(t, logrus.DebugLevel))

	bots := []string{"bot_a", "bot_b"}
	votes := []*oplog.Vote{
		makeVote("bot_a", oplog.VoteTrue, [oplog.NumVoteValues]float64{0.8, 0.1, 0.1}),
		makeVote("bot_b", oplog.VoteTrue, [oplog.NumVoteValues]float64{0.8, 0.1, 0.1}),
		makeVote("human", oplog.VoteFalse, [oplog.NumVoteValues]float64{0.3, 0.5, 0.2}),
	}

	histories := identicalHistories(bots, 10)

	weighted := d.Weigh(votes, histories)

	byVoter := map[string]float64{}
	for _, wv := range weighted {
		byVoter[wv.Vote.VoterNullifier] = wv.Weight
	}

	if byVoter["bot_a"] >= 1 || byVoter["bot_b"] >= 1 {
		t.Fatalf("correlated voters should be dampened: %v", byVoter)
	}
	if byVoter["human"] != 1 {
		t.Fatalf("uncorrelated voter should keep full weight, got %f", byVoter["human"])
	}

	for _, wv := range weighted {
		if wv.Weight < MinWeight || wv.Weight > 1 {
			t.Fatalf("weight out of (0,1]: %f", wv.Weight)
		}
	}
}

func TestWeighIsOrderIndependent(t *testing.T) {
	d := NewDampener(common.NewTestEntry(t, logrus.DebugLevel))

	votes := []*oplog.Vote{
		makeVote("c", oplog.VoteTrue, [oplog.NumVoteValues]float64{0.8, 0.1, 0.1}),
		makeVote("a", oplog.VoteFalse, [oplog.NumVoteValues]float64{0.2, 0.7, 0.1}),
		makeVote("b", oplog.VoteTrue, [oplog.NumVoteValues]float64{0.6, 0.3, 0.1}),
	}
	histories := identicalHistories([]string{"a", "b", "c"}, 5)

	res1 := d.Weigh(votes, histories)

	reversed := []*oplog.Vote{votes[2], votes[1], votes[0]}
	res2 := d.Weigh(reversed, histories)

	if !reflect.DeepEqual(res1, res2) {
		t.Fatal("dampening should not depend on input order")
	}
}

func TestWeighWithoutHistoryIsLenient(t *testing.T) {
	d := NewDampener(common.NewTestEntry(t, logrus.DebugLevel))

	// identical predictions but no shared history: similarity is capped at
	// 0.5, below the threshold, so nobody is dampened
	votes := []*oplog.Vote{
		makeVote("a", oplog.VoteTrue, [oplog.NumVoteValues]float64{0.8, 0.1, 0.1}),
		makeVote("b", oplog.VoteTrue, [oplog.NumVoteValues]float64{0.8, 0.1, 0.1}),
	}

	for _, wv := range d.Weigh(votes, nil) {
		if wv.Weight != 1 {
			t.Fatalf("voters without shared history should not be dampened, got %f", wv.Weight)
		}
	}
}

func TestDetectClusters(t *testing.T) {
	d := NewDampener(common.NewTestEntry(t, logrus.DebugLevel))

	bots := []string{"bot_a", "bot_b", "bot_c"}
	votes := []*oplog.Vote{
		makeVote("bot_a", oplog.VoteTrue, [oplog.NumVoteValues]float64{0.8, 0.1, 0.1}),
		makeVote("bot_b", oplog.VoteTrue, [oplog.NumVoteValues]float64{0.8, 0.1, 0.1}),
		makeVote("bot_c", oplog.VoteTrue, [oplog.NumVoteValues]float64{0.8, 0.1, 0.1}),
		makeVote("human", oplog.VoteFalse, [oplog.NumVoteValues]float64{0.3, 0.5, 0.2}),
	}

	histories := identicalHistories(bots, 10)

	clusters := d.DetectClusters(votes, histories)

	if len(clusters) != 1 {
		t.Fatalf("expected 1 cluster, got %d", len(clusters))
	}
	if !reflect.DeepEqual(clusters[0], bots) {
		t.Fatalf("cluster should contain the three bots, got %v", clusters[0])
	}
}

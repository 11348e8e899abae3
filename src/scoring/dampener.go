package scoring

import (
	"math"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/veritas-net/veritas/src/oplog"
)

// Default dampener parameters.
const (
	// DefaultSimilarityThreshold is the pairwise similarity above which a
	// voter's weight starts shrinking.
	DefaultSimilarityThreshold = 0.75

	// DefaultSlashThreshold is the pairwise similarity above which voters are
	// grouped into a coordination cluster for slashing.
	DefaultSlashThreshold = 0.95

	// DefaultMinSharedRumors is the minimum number of co-voted rumors before
	// historical similarity is considered meaningful.
	DefaultMinSharedRumors = 3

	// MinWeight is the floor of a dampened weight. Correlated voters are
	// dampened, never excluded, so legitimate correlated-but-independent
	// agreement is not fully erased.
	MinWeight = 0.2
)

// VoterHistory is a voter's historical vote record, keyed by rumor id.
type VoterHistory struct {
	Votes map[string]*oplog.Vote
}

// WeightedVote pairs a raw vote with the trust weight assigned by the
// dampener. Weights are in (0,1].
type WeightedVote struct {
	Vote   *oplog.Vote
	Weight float64
}

// Dampener detects correlated, bot-like voting patterns and assigns reduced
// trust weights before scoring. It never drops a vote.
type Dampener struct {
	SimilarityThreshold float64
	SlashThreshold      float64
	MinSharedRumors     int

	logger *logrus.Entry
}

// NewDampener creates a Dampener with default parameters.
func NewDampener(logger *logrus.Entry) *Dampener {
	return &Dampener{
		SimilarityThreshold: DefaultSimilarityThreshold,
		SlashThreshold:      DefaultSlashThreshold,
		MinSharedRumors:     DefaultMinSharedRumors,
		logger:              logger.WithField("prefix", "dampener"),
	}
}

// Weigh computes a trust weight for every vote in the set. Voters are laid
// out in a fixed index arena sorted by nullifier, so the result does not
// depend on the order of the input slice. A voter's weight shrinks with its
// maximum pairwise similarity to any other voter in the set, once that
// similarity exceeds the threshold.
func (d *Dampener) Weigh(votes []*oplog.Vote, histories map[string]*VoterHistory) []WeightedVote {
	arena := buildArena(votes)
	n := len(arena)

	sim := make([][]float64, n)
	for i := range sim {
		sim[i] = make([]float64, n)
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			s := d.similarity(arena[i], arena[j], histories)
			sim[i][j] = s
			sim[j][i] = s
		}
	}

	weighted := make([]WeightedVote, n)
	for i, vote := range arena {
		maxSim := 0.0
		for j := 0; j < n; j++ {
			if j != i && sim[i][j] > maxSim {
				maxSim = sim[i][j]
			}
		}

		weight := 1.0
		if maxSim > d.SimilarityThreshold {
			excess := (maxSim - d.SimilarityThreshold) / (1 - d.SimilarityThreshold)
			weight = 1 - excess*(1-MinWeight)
			if weight < MinWeight {
				weight = MinWeight
			}

			d.logger.WithFields(logrus.Fields{
				"voter":      vote.VoterNullifier,
				"similarity": maxSim,
				"weight":     weight,
			}).Debug("Dampened correlated voter")
		}

		weighted[i] = WeightedVote{Vote: vote, Weight: weight}
	}

	return weighted
}

// DetectClusters groups voters whose pairwise similarity exceeds the slash
// threshold. Clusters of size >= 2 are candidates for a group slash. The
// result is sorted for determinism.
func (d *Dampener) DetectClusters(votes []*oplog.Vote, histories map[string]*VoterHistory) [][]string {
	arena := buildArena(votes)
	n := len(arena)

	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(a, b int) {
		parent[find(a)] = find(b)
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if d.similarity(arena[i], arena[j], histories) >= d.SlashThreshold {
				union(i, j)
			}
		}
	}

	groups := map[int][]string{}
	for i, vote := range arena {
		root := find(i)
		groups[root] = append(groups[root], vote.VoterNullifier)
	}

	clusters := [][]string{}
	for _, members := range groups {
		if len(members) >= 2 {
			sort.Strings(members)
			clusters = append(clusters, members)
		}
	}

	sort.Slice(clusters, func(i, j int) bool {
		return clusters[i][0] < clusters[j][0]
	})

	return clusters
}

// similarity combines the historical vote value match rate of two voters with
// the closeness of their current prediction vectors. Without enough shared
// history, only the prediction component counts, at half strength.
func (d *Dampener) similarity(a, b *oplog.Vote, histories map[string]*VoterHistory) float64 {
	predSim := 1 - predictionL1(a.Prediction, b.Prediction)/2

	shared, matches := sharedHistory(histories[a.VoterNullifier], histories[b.VoterNullifier])
	if shared < d.MinSharedRumors {
		return predSim / 2
	}

	matchRate := float64(matches) / float64(shared)

	return 0.5*matchRate + 0.5*predSim
}

// buildArena copies votes into a slice sorted by voter nullifier. The arena
// gives every voter a stable index for the similarity matrix, which makes the
// whole pass independent of input order.
func buildArena(votes []*oplog.Vote) []*oplog.Vote {
	arena := make([]*oplog.Vote, len(votes))
	copy(arena, votes)
	sort.Slice(arena, func(i, j int) bool {
		return arena[i].VoterNullifier < arena[j].VoterNullifier
	})
	return arena
}

func sharedHistory(a, b *VoterHistory) (shared int, matches int) {
	if a == nil || b == nil {
		return 0, 0
	}
	for rumorID, va := range a.Votes {
		vb, ok := b.Votes[rumorID]
		if !ok {
			continue
		}
		shared++
		if va.Value == vb.Value {
			matches++
		}
	}
	return shared, matches
}

func predictionL1(a, b [oplog.NumVoteValues]float64) float64 {
	sum := 0.0
	for k := 0; k < oplog.NumVoteValues; k++ {
		sum += math.Abs(a[k] - b[k])
	}
	return sum
}

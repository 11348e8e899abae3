// Package trust builds a voter trust graph from historical votes and
// finalized scores, and propagates trust through it with personalized
// PageRank. The resulting scores feed back into the correlation dampener.
package trust

import (
	"sort"

	"github.com/veritas-net/veritas/src/oplog"
)

// FinalizedRumor is the scoring outcome of one settled rumor, as recorded by
// the node when finalization runs.
type FinalizedRumor struct {
	RumorID     string
	Consensus   oplog.VoteValue
	TrustScore  float64
	VoterScores map[string]float64
}

type edge struct {
	to     int
	weight float64
}

// Graph is a directed, weighted trust graph over voter nullifiers. An edge
// u -> v means u's vote history agrees with v's; its weight is the agreement
// frequency scaled by v's finalized scores on the rumors they share.
type Graph struct {
	nodes []string
	index map[string]int
	out   [][]edge
}

// BuildGraph constructs the trust graph. Only rumors that reached finalized
// consensus contribute; for each such rumor and each pair of voters (u, v)
// that agreed on it, u -> v accumulates the peer's positive finalized score.
// Nodes are ordered by nullifier, so the same inputs always build the same
// graph.
func BuildGraph(votes map[string]map[string]*oplog.Vote, finalized map[string]*FinalizedRumor) *Graph {
	// collect every voter that appears on a finalized rumor
	nodeSet := map[string]bool{}
	for rumorID := range finalized {
		for voter := range votes[rumorID] {
			nodeSet[voter] = true
		}
	}

	nodes := make([]string, 0, len(nodeSet))
	for voter := range nodeSet {
		nodes = append(nodes, voter)
	}
	sort.Strings(nodes)

	index := make(map[string]int, len(nodes))
	for i, voter := range nodes {
		index[voter] = i
	}

	type pair struct{ from, to int }
	agreements := map[pair]float64{}
	shared := map[pair]int{}

	for rumorID, result := range finalized {
		rumorVotes := votes[rumorID]

		voters := make([]string, 0, len(rumorVotes))
		for voter := range rumorVotes {
			voters = append(voters, voter)
		}
		sort.Strings(voters)

		for _, u := range voters {
			for _, v := range voters {
				if u == v {
					continue
				}
				p := pair{index[u], index[v]}
				shared[p]++
				if rumorVotes[u].Value == rumorVotes[v].Value {
					peerScore := result.VoterScores[v]
					if peerScore < 0 {
						peerScore = 0
					}
					agreements[p] += 1 + peerScore
				}
			}
		}
	}

	out := make([][]edge, len(nodes))
	for p, a := range agreements {
		w := a / float64(shared[p])
		out[p.from] = append(out[p.from], edge{to: p.to, weight: w})
	}

	for i := range out {
		sort.Slice(out[i], func(a, b int) bool {
			return out[i][a].to < out[i][b].to
		})
	}

	return &Graph{nodes: nodes, index: index, out: out}
}

// Size returns the number of nodes.
func (g *Graph) Size() int {
	return len(g.nodes)
}

// Nodes returns the nullifiers in node order.
func (g *Graph) Nodes() []string {
	return append([]string{}, g.nodes...)
}

// HasEdge reports whether u -> v exists and returns its weight.
func (g *Graph) HasEdge(u, v string) (float64, bool) {
	ui, ok := g.index[u]
	if !ok {
		return 0, false
	}
	vi, ok := g.index[v]
	if !ok {
		return 0, false
	}
	for _, e := range g.out[ui] {
		if e.to == vi {
			return e.weight, true
		}
	}
	return 0, false
}

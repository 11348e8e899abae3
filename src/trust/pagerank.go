package trust

import "math"

// PPR parameters.
const (
	// DefaultDamping is the probability of following an edge rather than
	// teleporting back to the seed distribution.
	DefaultDamping = 0.85

	// DefaultConvergence is the L1 change between iterations below which the
	// computation stops.
	DefaultConvergence = 1e-6

	// DefaultMaxIterations caps the power iteration. The cap is the only
	// cancellation mechanism of a PPR run.
	DefaultMaxIterations = 100
)

// PPROpts tunes a personalized PageRank run. Zero values fall back to the
// defaults.
type PPROpts struct {
	Damping       float64
	Convergence   float64
	MaxIterations int
}

// PPRResult reports the trust scores together with how the iteration ended.
type PPRResult struct {
	Scores     map[string]float64
	Iterations int
	Converged  bool
}

// ComputePPR runs power-iteration personalized PageRank from a seed
// distribution. When seeds is empty, the teleport distribution is uniform
// over all nodes. Nodes unreachable from the seeds keep their teleport-only
// value; mass flowing into dangling nodes is redistributed over the teleport
// distribution.
func (g *Graph) ComputePPR(seeds []string, opts PPROpts) PPRResult {
	if opts.Damping == 0 {
		opts.Damping = DefaultDamping
	}
	if opts.Convergence == 0 {
		opts.Convergence = DefaultConvergence
	}
	if opts.MaxIterations == 0 {
		opts.MaxIterations = DefaultMaxIterations
	}

	n := len(g.nodes)
	if n == 0 {
		return PPRResult{Scores: map[string]float64{}, Converged: true}
	}

	// teleport distribution
	teleport := make([]float64, n)
	seedCount := 0
	for _, seed := range seeds {
		if i, ok := g.index[seed]; ok {
			teleport[i] += 1
			seedCount++
		}
	}
	if seedCount > 0 {
		for i := range teleport {
			teleport[i] /= float64(seedCount)
		}
	} else {
		for i := range teleport {
			teleport[i] = 1 / float64(n)
		}
	}

	// out-weight normalization
	outWeight := make([]float64, n)
	for i, edges := range g.out {
		for _, e := range edges {
			outWeight[i] += e.weight
		}
	}

	rank := make([]float64, n)
	copy(rank, teleport)
	next := make([]float64, n)

	iterations := 0
	converged := false

	for iterations < opts.MaxIterations {
		iterations++

		dangling := 0.0
		for i := range next {
			next[i] = 0
		}

		for i, edges := range g.out {
			if outWeight[i] == 0 {
				dangling += rank[i]
				continue
			}
			for _, e := range edges {
				next[e.to] += opts.Damping * rank[i] * e.weight / outWeight[i]
			}
		}

		delta := 0.0
		for i := range next {
			next[i] += (1-opts.Damping)*teleport[i] + opts.Damping*dangling*teleport[i]
			delta += math.Abs(next[i] - rank[i])
		}

		rank, next = next, rank

		if delta < opts.Convergence {
			converged = true
			break
		}
	}

	scores := make(map[string]float64, n)
	for i, node := range g.nodes {
		scores[node] = rank[i]
	}

	return PPRResult{
		Scores:     scores,
		Iterations: iterations,
		Converged:  converged,
	}
}

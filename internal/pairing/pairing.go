// Package pairing decides which models of a generation are compared with each
// other and keeps every pair in its normalised (low, high) form.
package pairing

import (
	"math"
	"math/rand/v2"
	"sort"

	"github.com/haricheung/model-search/internal/types"
)

// Mode selects how comparison pairs are chosen for a new generation.
type Mode string

const (
	All              Mode = "all"
	OptimalGraph     Mode = "optimal_graph"
	Minimal          Mode = "minimal"
	SparseConnection Mode = "sparse_connection"
)

// ParseMode maps a configured value onto a Mode. Anything unknown (including
// the empty string) falls back to All.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case OptimalGraph, Minimal, SparseConnection:
		return Mode(s)
	default:
		return All
	}
}

// Pair is an unordered pair of model ids, always stored with Low < High.
type Pair struct {
	Low  types.ModelID `json:"low"`
	High types.ModelID `json:"high"`
}

// NewPair normalises (a, b) so the smaller id comes first.
func NewPair(a, b types.ModelID) Pair {
	if a > b {
		a, b = b, a
	}
	return Pair{Low: a, High: b}
}

// SelfPair reports whether both ends of p are the same model.
func (p Pair) SelfPair() bool { return p.Low == p.High }

// Other returns the opposite end of p from id.
func (p Pair) Other(id types.ModelID) types.ModelID {
	if p.Low == id {
		return p.High
	}
	return p.Low
}

// AllPairs returns every unordered pair of ids in (low, high) order:
// n·(n−1)/2 pairs for n distinct ids. Duplicated ids are collapsed first.
func AllPairs(ids []types.ModelID) []Pair {
	uniq := SortedIDs(ids)
	pairs := make([]Pair, 0, len(uniq)*(len(uniq)-1)/2)
	for i := 0; i < len(uniq); i++ {
		for j := i + 1; j < len(uniq); j++ {
			pairs = append(pairs, Pair{Low: uniq[i], High: uniq[j]})
		}
	}
	return pairs
}

// Normalize reorders each pair to (low, high), drops duplicates and sorts the
// result. Self pairs are kept so callers can reject them explicitly.
func Normalize(pairs []Pair) []Pair {
	seen := make(map[Pair]bool, len(pairs))
	out := make([]Pair, 0, len(pairs))
	for _, p := range pairs {
		n := NewPair(p.Low, p.High)
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	SortPairs(out)
	return out
}

// SortPairs orders pairs by Low then High.
func SortPairs(pairs []Pair) {
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Low != pairs[j].Low {
			return pairs[i].Low < pairs[j].Low
		}
		return pairs[i].High < pairs[j].High
	})
}

// SortedIDs returns a sorted copy of ids without duplicates.
func SortedIDs(ids []types.ModelID) []types.ModelID {
	seen := make(map[types.ModelID]bool, len(ids))
	out := make([]types.ModelID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NamePair is an unordered pair of model names, stored with A < B.
type NamePair struct {
	A string `json:"a"`
	B string `json:"b"`
}

// NewNamePair normalises (a, b) by value ordering.
func NewNamePair(a, b string) NamePair {
	if a > b {
		a, b = b, a
	}
	return NamePair{A: a, B: b}
}

// Plan is the comparison plan handed out with a new generation: either every
// pair of its models (All) or the explicit Pairs.
type Plan struct {
	All   bool       `json:"all"`
	Pairs []NamePair `json:"pairs,omitempty"`
}

// AllPlan is the "compare every pair" sentinel.
func AllPlan() Plan { return Plan{All: true} }

// ExplicitPlan normalises pairs, dropping self pairs and duplicates.
func ExplicitPlan(pairs []NamePair) Plan {
	seen := make(map[NamePair]bool, len(pairs))
	out := make([]NamePair, 0, len(pairs))
	for _, p := range pairs {
		n := NewNamePair(p.A, p.B)
		if n.A == n.B || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return Plan{Pairs: out}
}

// Count returns the number of comparisons the plan requests for n models.
func (p Plan) Count(n int) int {
	if p.All {
		return n * (n - 1) / 2
	}
	return len(p.Pairs)
}

// PlanFor builds the comparison plan for models under mode. The graph is only
// non-nil for OptimalGraph.
//
// Expectations:
//   - All (and any unknown mode) returns the All sentinel
//   - SparseConnection returns an explicit, empty plan
//   - Minimal zips the first half of models with the second half
//   - OptimalGraph returns the edges of a random regular graph over models
//   - Every explicit pair is normalised and never a self pair
func PlanFor(mode Mode, models []string, rng *rand.Rand) (Plan, *Graph) {
	switch mode {
	case OptimalGraph:
		g := RegularGraph(models, rng)
		return ExplicitPlan(g.Edges), g
	case Minimal:
		half := len(models) / 2
		first, second := models[:half], models[half:]
		pairs := make([]NamePair, 0, half)
		for i := 0; i < len(first) && i < len(second); i++ {
			pairs = append(pairs, NamePair{A: first[i], B: second[i]})
		}
		return ExplicitPlan(pairs), nil
	case SparseConnection:
		return Plan{Pairs: []NamePair{}}, nil
	default:
		return AllPlan(), nil
	}
}

// Graph is a comparison graph: nodes are model names, edges the pairs to compare.
type Graph struct {
	Nodes  []string   `json:"nodes"`
	Edges  []NamePair `json:"edges"`
	Degree int        `json:"degree"`
}

// GraphDegree is the degree used for a regular comparison graph over n models:
// enough edges to keep the ranking connected without comparing every pair.
func GraphDegree(n int) int {
	if n < 2 {
		return 0
	}
	k := int(math.Ceil(math.Log2(float64(n)))) + 1
	if k < 2 {
		k = 2
	}
	if k > n-1 {
		k = n - 1
	}
	if (k*n)%2 != 0 {
		k--
	}
	return k
}

// RegularGraph builds a k-regular circulant graph over a random permutation of
// models, k = GraphDegree(len(models)). A nil rng leaves the order untouched.
func RegularGraph(models []string, rng *rand.Rand) *Graph {
	nodes := append([]string(nil), models...)
	if rng != nil {
		rng.Shuffle(len(nodes), func(i, j int) { nodes[i], nodes[j] = nodes[j], nodes[i] })
	}
	n := len(nodes)
	k := GraphDegree(n)
	g := &Graph{Nodes: nodes, Degree: k}
	if k == 0 {
		return g
	}

	seen := make(map[NamePair]bool)
	add := func(i, j int) {
		e := NewNamePair(nodes[i], nodes[j])
		if e.A == e.B || seen[e] {
			return
		}
		seen[e] = true
		g.Edges = append(g.Edges, e)
	}
	for off := 1; off <= k/2; off++ {
		for i := 0; i < n; i++ {
			add(i, (i+off)%n)
		}
	}
	// Odd degree only happens with an even node count: join opposite nodes.
	if k%2 == 1 {
		for i := 0; i < n/2; i++ {
			add(i, i+n/2)
		}
	}
	return g
}

// Neighbours returns the nodes sharing an edge with name.
func (g *Graph) Neighbours(name string) []string {
	var out []string
	for _, e := range g.Edges {
		switch name {
		case e.A:
			out = append(out, e.B)
		case e.B:
			out = append(out, e.A)
		}
	}
	sort.Strings(out)
	return out
}

package strategy

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/haricheung/model-search/internal/naming"
	"github.com/haricheung/model-search/internal/pairing"
	"github.com/haricheung/model-search/internal/tree"
	"github.com/haricheung/model-search/internal/types"
)

var (
	ErrNoCandidates   = errors.New("strategy: no candidate models left to spawn")
	ErrNothingToPrune = errors.New("strategy: fewer than two spawn champions to prune")
)

// GreedyLimits bound a greedy search.
type GreedyLimits struct {
	Terms         []string
	MaxSpawnDepth int
	// MaxQubits drops candidates acting on more qubits. 0 means no limit.
	MaxQubits int
}

// Greedy starts from one model per term and, at every spawn step, adds each
// unused term to the latest spawn champion. Once spawning stops, a single prune
// step places the chain of spawn champions on one branch and compares every
// champion with the one it was grown into.
type Greedy struct {
	base
	terms     []string
	maxDepth  int
	maxQubits int
}

// NewGreedy returns a greedy strategy.
func NewGreedy(opts Options, limits GreedyLimits) *Greedy {
	return &Greedy{
		base:      opts.base(),
		terms:     naming.Dedupe(limits.Terms),
		maxDepth:  limits.MaxSpawnDepth,
		maxQubits: limits.MaxQubits,
	}
}

// InitialModels is nil: the first layer comes from GenerateModels.
func (g *Greedy) InitialModels() []string { return nil }

func (g *Greedy) CompletedInitially() bool { return false }

// GenerateModels builds the next generation.
//
// Expectations:
//   - With no seed and no spawn champion yet: one model per term
//   - Otherwise: the seed (req.ModelList[0], else the latest spawn champion) plus each term it lacks
//   - Candidates over MaxQubits are dropped
//   - Returns ErrNoCandidates when nothing is left to propose
func (g *Greedy) GenerateModels(req tree.SpawnRequest) ([]string, error) {
	seed := ""
	if len(req.ModelList) > 0 {
		seed = naming.Canonical(req.ModelList[0])
	} else if name, ok := g.latestChampion(spawnBranch); ok {
		seed = name
	}

	var models []string
	if seed == "" {
		models = g.withinQubits(g.terms)
	} else {
		models = g.extensions(seed)
	}
	if len(models) == 0 {
		return nil, fmt.Errorf("%w: strategy %s spawn step %d", ErrNoCandidates, g.name, req.SpawnStep)
	}
	slog.Info("[STRATEGY] models generated", "strategy", g.name, "spawn_step", req.SpawnStep,
		"seed", seed, "models", len(models))
	return models, nil
}

// CheckTreeCompleted is true once MaxSpawnDepth spawn steps have run or the
// latest spawn champion cannot be extended further.
func (g *Greedy) CheckTreeCompleted(spawnStep int) bool {
	if spawnStep >= g.maxDepth {
		return true
	}
	champ, ok := g.latestChampion(spawnBranch)
	if !ok {
		return false
	}
	return len(g.extensions(champ)) == 0
}

// CheckTreePruned is true after one prune step, or straight away when there
// is no chain of champions to prune.
func (g *Greedy) CheckTreePruned(pruneStep int) bool {
	return pruneStep >= 1 || len(g.championChain()) < 2
}

// TreePruning returns the spawn champions in the order they were found and
// pairs each with the next one.
func (g *Greedy) TreePruning(previous types.BranchID) ([]string, pairing.Plan, error) {
	chain := g.championChain()
	if len(chain) < 2 {
		return nil, pairing.Plan{}, ErrNothingToPrune
	}
	pairs := make([]pairing.NamePair, 0, len(chain)-1)
	for i := 0; i+1 < len(chain); i++ {
		pairs = append(pairs, pairing.NewNamePair(chain[i], chain[i+1]))
	}
	slog.Info("[STRATEGY] pruning champion chain", "strategy", g.name,
		"called_by", previous, "champions", len(chain))
	return chain, pairing.ExplicitPlan(pairs), nil
}

// NominateChampions nominates the latest branch champion: the prune branch
// champion when pruning ran, the last spawn champion otherwise.
func (g *Greedy) NominateChampions() []string {
	name, ok := g.latestChampion(nil)
	if !ok {
		return nil
	}
	return []string{name}
}

// extensions returns seed plus each term it lacks, canonical and within the
// qubit limit.
func (g *Greedy) extensions(seed string) []string {
	var out []string
	for _, term := range g.terms {
		if naming.HasTerm(seed, term) {
			continue
		}
		out = append(out, naming.Join(seed, term))
	}
	return g.withinQubits(out)
}

func (g *Greedy) withinQubits(names []string) []string {
	if g.maxQubits <= 0 {
		return append([]string(nil), names...)
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if naming.NumQubits(n) <= g.maxQubits {
			out = append(out, n)
		}
	}
	return out
}

// championChain lists the distinct spawn-branch champions in creation order.
func (g *Greedy) championChain() []string {
	if g.view == nil {
		return nil
	}
	var chain []string
	for _, br := range g.view.Branches() {
		if !spawnBranch(br) {
			continue
		}
		if _, name, ok := br.Champion(); ok {
			chain = append(chain, name)
		}
	}
	return naming.Dedupe(chain)
}

func spawnBranch(b *tree.Branch) bool { return b.PruneStep() == 0 }

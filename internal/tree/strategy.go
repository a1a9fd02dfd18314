package tree

import (
	"github.com/haricheung/model-search/internal/champion"
	"github.com/haricheung/model-search/internal/pairing"
	"github.com/haricheung/model-search/internal/ratings"
	"github.com/haricheung/model-search/internal/registry"
	"github.com/haricheung/model-search/internal/types"
)

// Ratings is the rating subsystem shared by every branch of a tree.
type Ratings interface {
	BatchUpdate(factors map[pairing.Pair]float64, spawnStep int, forceNewRating bool)
	Rankings(ids []types.ModelID) []types.ModelID
	Preview(factors map[pairing.Pair]float64, forceNewRating bool) *ratings.Ratings
}

// SpawnRequest is handed to Strategy.GenerateModels.
type SpawnRequest struct {
	SpawnStep      int
	ModelList      []string // seed models, e.g. the previous branch champion; empty for the first layer
	CalledByBranch types.BranchID
	Options        map[string]any
}

// FinalReport is handed to Strategy.FinaliseModelLearning once the tree is done.
type FinalReport struct {
	Tree                     string
	LastBranch               types.BranchID
	EvaluationLogLikelihoods map[types.ModelID]float64
	BranchModelPoints        map[types.ModelID]int
	Options                  map[string]any
}

// Strategy is the exploration strategy a tree consults: it proposes models,
// says when spawning and pruning are done, and owns the ratings and fitness
// machinery used to pick champions.
type Strategy interface {
	Name() string

	// InitialModels returns the predetermined first layer, or nil to have the
	// tree ask GenerateModels with an empty seed list.
	InitialModels() []string
	ComparisonMode() pairing.Mode
	ChampionPolicy() champion.Kind
	// CompletedInitially marks strategies whose model set is fixed up front.
	CompletedInitially() bool

	GenerateModels(req SpawnRequest) ([]string, error)
	CheckTreeCompleted(spawnStep int) bool
	CheckTreePruned(pruneStep int) bool
	// TreePruning returns the surviving models and the pairs to re-compare.
	TreePruning(previousPruneBranch types.BranchID) ([]string, pairing.Plan, error)

	Ratings() Ratings
	AnalyseGeneration(points map[types.ModelID]int, idToName map[types.ModelID]string) ([]string, error)

	NominateChampions() []string
	FinaliseModelLearning(report FinalReport) error
}

// View is the read-only face of a tree handed to strategies that need to
// inspect earlier branches (e.g. to build on the last champion).
type View interface {
	Name() string
	SpawnStep() int
	PruneStep() int
	Branch(id types.BranchID) (*Branch, error)
	Branches() []*Branch
	Registry() *registry.Registry
}

// TreeAware is implemented by strategies that want a View of their tree.
type TreeAware interface {
	AttachTree(v View)
}

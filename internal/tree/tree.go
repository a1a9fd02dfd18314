// Package tree implements the model-search tree: a stage machine that spawns
// generations of candidate models until its strategy says spawning is done,
// then prunes until pruning is done, and the branches that turn each
// generation's comparison results into a champion.
//
// Design constraints:
//   - A Tree and its Branches are single-writer state machines with no locks;
//     the orchestrator serialises NextLayer and UpdateBranch per tree.
//   - Branches hold model ids only and resolve handles through the tree's
//     registry; the parent link is a branch id resolved at read time.
//   - Stage and registry violations are returned as errors, never swallowed.
package tree

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/haricheung/model-search/internal/champion"
	"github.com/haricheung/model-search/internal/naming"
	"github.com/haricheung/model-search/internal/pairing"
	"github.com/haricheung/model-search/internal/registry"
	"github.com/haricheung/model-search/internal/types"
)

var (
	ErrTreeComplete    = errors.New("tree: neither spawning nor pruning is pending")
	ErrBranchNotFound  = errors.New("tree: branch not found")
	ErrDuplicateBranch = errors.New("tree: branch id already on tree")
	ErrBranchFinalised = errors.New("tree: branch champion already set")
	ErrNoBranches      = errors.New("tree: no branches")
	ErrUnknownModel    = errors.New("tree: model not resident")
	ErrInvalidPair     = errors.New("tree: invalid comparison pair")
	ErrInvalidBranch   = errors.New("tree: invalid branch spec")
)

// Publisher receives tree and branch events. *bus.Bus satisfies it.
type Publisher interface {
	Publish(msg types.Message)
}

// Layer is the next generation handed to the orchestrator.
type Layer struct {
	Models    []string
	Plan      pairing.Plan
	Stage     types.Stage
	SpawnStep int
	PruneStep int
}

// LayerRequest carries the caller's context into NextLayer.
type LayerRequest struct {
	CalledByBranch types.BranchID
	ModelList      []string
	Options        map[string]any
}

// Tree is the search tree of one exploration strategy.
type Tree struct {
	runID    string
	strategy Strategy
	policy   champion.Policy
	registry *registry.Registry
	pub      Publisher
	rng      *rand.Rand

	branches map[types.BranchID]*Branch
	order    []types.BranchID

	spawnStep int
	pruneStep int
	graphs    map[int]*pairing.Graph
	started   time.Time
}

// Option configures a Tree.
type Option func(*Tree)

// WithPublisher sends tree events to p.
func WithPublisher(p Publisher) Option { return func(t *Tree) { t.pub = p } }

// WithRand sets the randomness used for comparison graphs.
func WithRand(r *rand.Rand) Option { return func(t *Tree) { t.rng = r } }

// WithRegistry shares an existing model registry with the tree.
func WithRegistry(r *registry.Registry) Option { return func(t *Tree) { t.registry = r } }

// WithRunID tags events with the campaign run id.
func WithRunID(id string) Option { return func(t *Tree) { t.runID = id } }

// New creates a tree for strategy. The champion policy is fixed here.
func New(strategy Strategy, opts ...Option) (*Tree, error) {
	if strategy == nil {
		return nil, errors.New("tree: nil strategy")
	}
	policy, err := champion.New(strategy.ChampionPolicy())
	if err != nil {
		return nil, fmt.Errorf("tree %s: %w", strategy.Name(), err)
	}
	t := &Tree{
		strategy: strategy,
		policy:   policy,
		branches: make(map[types.BranchID]*Branch),
		graphs:   make(map[int]*pairing.Graph),
		started:  time.Now(),
	}
	for _, o := range opts {
		o(t)
	}
	if t.registry == nil {
		t.registry = registry.New()
	}
	if t.rng == nil {
		t.rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed))
	}
	if ta, ok := strategy.(TreeAware); ok {
		ta.AttachTree(t)
	}
	slog.Info("[TREE] started", "tree", t.Name(), "policy", policy.Kind(), "pairing", strategy.ComparisonMode())
	return t, nil
}

// Name is the strategy name; trees are keyed by it within a campaign.
func (t *Tree) Name() string { return t.strategy.Name() }

// Strategy returns the exploration strategy driving the tree.
func (t *Tree) Strategy() Strategy { return t.strategy }

// Policy returns the champion policy chosen at construction.
func (t *Tree) Policy() champion.Policy { return t.policy }

// SpawnStep is the number of spawn stage advances so far.
func (t *Tree) SpawnStep() int { return t.spawnStep }

// PruneStep is the number of prune stage advances so far.
func (t *Tree) PruneStep() int { return t.pruneStep }

// Registry is the tree-global model arena.
func (t *Tree) Registry() *registry.Registry { return t.registry }

// Graph returns the comparison graph built at spawnStep, if any.
func (t *Tree) Graph(spawnStep int) (*pairing.Graph, bool) {
	g, ok := t.graphs[spawnStep]
	return g, ok
}

// InitialModels returns the first generation and its comparison plan.
//
// Expectations:
//   - Uses the strategy's predetermined list when it has one
//   - Otherwise calls GenerateModels with an empty seed list
//   - Plan follows the strategy's pairing mode; optimal_graph stores the graph at the current spawn step
//   - Does not advance spawn or prune step
func (t *Tree) InitialModels() (Layer, error) {
	models := t.strategy.InitialModels()
	if models == nil {
		slog.Info("[TREE] initial models not set; retrieving from strategy", "tree", t.Name())
		var err error
		models, err = t.strategy.GenerateModels(SpawnRequest{
			SpawnStep:      t.spawnStep,
			ModelList:      []string{},
			CalledByBranch: types.NoBranch,
		})
		if err != nil {
			return Layer{}, fmt.Errorf("tree %s: generate initial models: %w", t.Name(), err)
		}
	}
	models = naming.Dedupe(models)
	plan := t.planFor(models)
	layer := Layer{Models: models, Plan: plan, Stage: types.StageInitial}
	t.publishStage(layer)
	return layer, nil
}

// NextLayer advances the stage machine by one step and returns the next
// generation. Spawning takes priority over pruning; once both are complete the
// call is an illegal state and returns ErrTreeComplete.
//
// Expectations:
//   - While spawning is incomplete: spawn step +1, prune step unchanged
//   - After spawning completes: prune step +1, spawn step unchanged
//   - Pruning receives req.CalledByBranch as the branch that triggered it
//   - Models are canonicalised and deduplicated ("B+A" and "A+B" give one entry)
//   - Every explicit pair is normalised (low, high) by value and never a self pair
func (t *Tree) NextLayer(req LayerRequest) (Layer, error) {
	var (
		models []string
		plan   pairing.Plan
		stage  types.Stage
	)
	switch {
	case !t.strategy.CheckTreeCompleted(t.spawnStep):
		t.spawnStep++
		stage = types.StageSpawn
		slog.Info("[TREE] next layer: spawn", "tree", t.Name(), "spawn_step", t.spawnStep)
		generated, err := t.strategy.GenerateModels(SpawnRequest{
			SpawnStep:      t.spawnStep,
			ModelList:      req.ModelList,
			CalledByBranch: req.CalledByBranch,
			Options:        req.Options,
		})
		if err != nil {
			return Layer{}, fmt.Errorf("tree %s: generate models at spawn step %d: %w", t.Name(), t.spawnStep, err)
		}
		models = naming.Dedupe(generated)
		plan = t.planFor(models)

	case !t.strategy.CheckTreePruned(t.pruneStep):
		t.pruneStep++
		stage = types.StagePrune
		slog.Info("[TREE] next layer: prune", "tree", t.Name(), "prune_step", t.pruneStep, "called_by", req.CalledByBranch)
		survivors, pruned, err := t.strategy.TreePruning(req.CalledByBranch)
		if err != nil {
			return Layer{}, fmt.Errorf("tree %s: prune step %d: %w", t.Name(), t.pruneStep, err)
		}
		models = naming.Dedupe(survivors)
		plan, err = canonicalPlan(pruned, models)
		if err != nil {
			return Layer{}, fmt.Errorf("tree %s: prune step %d: %w", t.Name(), t.pruneStep, err)
		}

	default:
		slog.Error("[TREE] next layer requested but neither spawning nor pruning is pending", "tree", t.Name())
		return Layer{}, fmt.Errorf("tree %s: %w", t.Name(), ErrTreeComplete)
	}

	layer := Layer{Models: models, Plan: plan, Stage: stage, SpawnStep: t.spawnStep, PruneStep: t.pruneStep}
	t.publishStage(layer)
	return layer, nil
}

// planFor applies the strategy's pairing mode to models.
func (t *Tree) planFor(models []string) pairing.Plan {
	mode := t.strategy.ComparisonMode()
	plan, graph := pairing.PlanFor(mode, models, t.rng)
	if graph != nil {
		t.graphs[t.spawnStep] = graph
		slog.Info("[TREE] comparison graph built", "tree", t.Name(), "models", len(models),
			"pairs", len(plan.Pairs), "degree", graph.Degree)
	}
	return plan
}

// canonicalPlan rewrites the names in plan to canonical form and checks every
// pair stays within models.
func canonicalPlan(plan pairing.Plan, models []string) (pairing.Plan, error) {
	if plan.All {
		return plan, nil
	}
	members := make(map[string]bool, len(models))
	for _, m := range models {
		members[m] = true
	}
	pairs := make([]pairing.NamePair, 0, len(plan.Pairs))
	for _, p := range plan.Pairs {
		a, b := naming.Canonical(p.A), naming.Canonical(p.B)
		if !members[a] || !members[b] {
			return pairing.Plan{}, fmt.Errorf("%w: (%q, %q) outside the layer's models", ErrInvalidPair, p.A, p.B)
		}
		pairs = append(pairs, pairing.NamePair{A: a, B: b})
	}
	return pairing.ExplicitPlan(pairs), nil
}

// BranchSpec describes a generation to place on the tree.
type BranchSpec struct {
	ID             types.BranchID
	Models         map[types.ModelID]string
	AllPairs       bool
	Pairs          []pairing.Pair
	Handles        map[types.ModelID]*registry.Model
	Precomputed    []types.ModelID
	SpawningBranch types.BranchID
}

// NewBranch builds a branch from spec, registers it and merges its handles
// into the tree registry.
//
// Expectations:
//   - Returns ErrDuplicateBranch when spec.ID is already on the tree
//   - Returns registry.ErrHandleConflict when a handle would replace an existing one
//   - Every resident model must resolve through the registry after the merge
//   - A rejected branch leaves the registry unchanged
//   - An unknown spawning branch leaves the parent absent and is not an error
func (t *Tree) NewBranch(spec BranchSpec) (*Branch, error) {
	if _, ok := t.branches[spec.ID]; ok {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateBranch, spec.ID)
	}
	b, err := newBranch(t, spec)
	if err != nil {
		return nil, err
	}
	for id, h := range spec.Handles {
		if name, ok := b.models[id]; ok && h != nil && h.Name != name {
			return nil, fmt.Errorf("%w: handle for model %d is %q, branch names it %q", ErrInvalidBranch, id, h.Name, name)
		}
	}
	for _, id := range b.ids {
		if h := spec.Handles[id]; h != nil {
			continue
		}
		h, err := t.registry.Get(id)
		if err != nil {
			return nil, fmt.Errorf("tree %s: branch %d: %w", t.Name(), spec.ID, err)
		}
		if h.Name != b.models[id] {
			return nil, fmt.Errorf("%w: registry names model %d %q, branch names it %q", ErrInvalidBranch, id, h.Name, b.models[id])
		}
	}
	if err := t.registry.Merge(spec.Handles); err != nil {
		return nil, fmt.Errorf("tree %s: branch %d: %w", t.Name(), spec.ID, err)
	}

	t.branches[spec.ID] = b
	t.order = append(t.order, spec.ID)
	slog.Info("[TREE] branch added", "tree", t.Name(), "branch", b.id, "models", len(b.ids),
		"pairs", len(b.pairs), "unlearned", len(b.unlearned), "parent", b.parentID)

	t.publish(types.RoleTree, types.RoleCampaign, types.MsgBranchCreated, types.BranchCreated{
		RunID:          t.runID,
		Tree:           t.Name(),
		BranchID:       b.id,
		SpawningBranch: b.parentID,
		Models:         b.Models(),
		NumPairs:       len(b.pairs),
		Unlearned:      b.Unlearned(),
	})
	return b, nil
}

// Branch returns the branch with id.
func (t *Tree) Branch(id types.BranchID) (*Branch, error) {
	b, ok := t.branches[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrBranchNotFound, id)
	}
	return b, nil
}

// Branches returns every branch in creation order.
func (t *Tree) Branches() []*Branch {
	out := make([]*Branch, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.branches[id])
	}
	return out
}

// LastBranch returns the branch with the highest id.
func (t *Tree) LastBranch() (*Branch, error) {
	if len(t.order) == 0 {
		return nil, ErrNoBranches
	}
	ids := append([]types.BranchID(nil), t.order...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return t.branches[ids[len(ids)-1]], nil
}

// IsComplete reports whether the tree needs no further branches: both stages
// are complete, or the strategy was complete from the start.
func (t *Tree) IsComplete() bool {
	complete := t.strategy.CheckTreeCompleted(t.spawnStep) && t.strategy.CheckTreePruned(t.pruneStep)
	if t.strategy.CompletedInitially() {
		slog.Debug("[TREE] tree complete initially", "tree", t.Name())
		complete = true
	}
	slog.Debug("[TREE] checking if tree complete", "tree", t.Name(), "complete", complete)
	return complete
}

// FinaliseTree forwards the last branch's log-likelihoods and win points plus
// opts to the strategy's finalisation routine.
func (t *Tree) FinaliseTree(opts map[string]any) error {
	last, err := t.LastBranch()
	if err != nil {
		return fmt.Errorf("tree %s: finalise: %w", t.Name(), err)
	}
	report := FinalReport{
		Tree:                     t.Name(),
		LastBranch:               last.id,
		EvaluationLogLikelihoods: last.EvaluationLogLikelihoods(),
		BranchModelPoints:        last.BayesPoints(),
		Options:                  opts,
	}
	if err := t.strategy.FinaliseModelLearning(report); err != nil {
		return fmt.Errorf("tree %s: finalise: %w", t.Name(), err)
	}
	return nil
}

// NominateChampions returns the strategy's nominees for the global championship.
func (t *Tree) NominateChampions() []string {
	return t.strategy.NominateChampions()
}

// Summary describes the tree for the bus and the archive.
func (t *Tree) Summary(nominated []string) types.TreeSummary {
	return types.TreeSummary{
		RunID:      t.runID,
		Tree:       t.Name(),
		Branches:   append([]types.BranchID(nil), t.order...),
		SpawnSteps: t.spawnStep,
		PruneSteps: t.pruneStep,
		Nominated:  nominated,
		ElapsedMs:  time.Since(t.started).Milliseconds(),
	}
}

func (t *Tree) publishStage(l Layer) {
	t.publish(types.RoleTree, types.RoleCampaign, types.MsgStageAdvanced, types.StageAdvance{
		RunID:     t.runID,
		Tree:      t.Name(),
		Stage:     l.Stage,
		SpawnStep: t.spawnStep,
		PruneStep: t.pruneStep,
		NumModels: len(l.Models),
		AllPairs:  l.Plan.All,
		NumPairs:  l.Plan.Count(len(l.Models)),
	})
}

func (t *Tree) publish(from, to types.Role, mt types.MessageType, payload any) {
	if t.pub == nil {
		return
	}
	t.pub.Publish(types.Message{
		Timestamp: time.Now().UTC(),
		From:      from,
		To:        to,
		Type:      mt,
		Payload:   payload,
	})
}

package tree

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/haricheung/model-search/internal/champion"
	"github.com/haricheung/model-search/internal/pairing"
	"github.com/haricheung/model-search/internal/types"
)

// BranchState is the champion state of a branch.
type BranchState int

const (
	// AwaitingResults: no round has been reported yet.
	AwaitingResults BranchState = iota
	// TiePending: the last round left several joint champions.
	TiePending
	// ChampionSet: the branch champion is final.
	ChampionSet
)

func (s BranchState) String() string {
	switch s {
	case AwaitingResults:
		return "awaiting_results"
	case TiePending:
		return "tie_pending"
	case ChampionSet:
		return "champion_set"
	}
	return fmt.Sprintf("BranchState(%d)", int(s))
}

// Branch is one generation of models on a tree together with the pairs that
// must be compared before a champion can be chosen.
type Branch struct {
	tree *Tree

	id          types.BranchID
	models      map[types.ModelID]string
	ids         []types.ModelID // ascending
	pairs       []pairing.Pair
	precomputed map[types.ModelID]bool
	unlearned   []types.ModelID
	spawning    types.BranchID // as declared by the caller
	parentID    types.BranchID // NoBranch when the spawning branch was unknown
	spawnStep   int
	pruneStep   int

	state         BranchState
	resultCounter int
	bayesPoints   map[types.ModelID]int
	logLiks       map[types.ModelID]float64
	joint         []types.ModelID
	ranked        []types.ModelID
	championID    types.ModelID
	championName  string
	forced        bool
	finalisedAt   time.Time
}

func newBranch(t *Tree, spec BranchSpec) (*Branch, error) {
	if len(spec.Models) == 0 {
		return nil, fmt.Errorf("%w: branch %d has no models", ErrInvalidBranch, spec.ID)
	}
	b := &Branch{
		tree:        t,
		id:          spec.ID,
		models:      make(map[types.ModelID]string, len(spec.Models)),
		precomputed: make(map[types.ModelID]bool, len(spec.Precomputed)),
		spawning:    spec.SpawningBranch,
		parentID:    types.NoBranch,
		spawnStep:   t.spawnStep,
		pruneStep:   t.pruneStep,
	}
	ids := make([]types.ModelID, 0, len(spec.Models))
	for id, name := range spec.Models {
		b.models[id] = name
		ids = append(ids, id)
	}
	b.ids = pairing.SortedIDs(ids)

	if spec.AllPairs {
		b.pairs = pairing.AllPairs(b.ids)
	} else {
		for _, p := range spec.Pairs {
			n := pairing.NewPair(p.Low, p.High)
			if n.SelfPair() {
				return nil, fmt.Errorf("%w: self pair (%d,%d) on branch %d", ErrInvalidPair, n.Low, n.High, spec.ID)
			}
			if !b.resident(n.Low) || !b.resident(n.High) {
				return nil, fmt.Errorf("%w: pair (%d,%d) not within branch %d", ErrInvalidPair, n.Low, n.High, spec.ID)
			}
		}
		b.pairs = pairing.Normalize(spec.Pairs)
	}

	for _, id := range spec.Precomputed {
		if !b.resident(id) {
			return nil, fmt.Errorf("%w: precomputed model %d not resident on branch %d", ErrUnknownModel, id, spec.ID)
		}
		b.precomputed[id] = true
	}
	for _, id := range b.ids {
		if !b.precomputed[id] {
			b.unlearned = append(b.unlearned, id)
		}
	}

	if spec.SpawningBranch != types.NoBranch {
		if _, err := t.Branch(spec.SpawningBranch); err != nil {
			slog.Warn("[BRANCH] spawning branch not on tree; parent left unset",
				"tree", t.Name(), "branch", spec.ID, "spawning_branch", spec.SpawningBranch)
		} else {
			b.parentID = spec.SpawningBranch
		}
	}
	return b, nil
}

func (b *Branch) resident(id types.ModelID) bool {
	_, ok := b.models[id]
	return ok
}

// UpdateBranch folds one completed comparison round into the branch.
// points holds the round's pairwise wins for every model taking part; a tie
// round is re-run with points restricted to the joint champions.
//
// Expectations:
//   - Every pair must be resident and have a stored Bayes factor; otherwise nothing is mutated
//   - A policy error leaves the branch and the ratings untouched; the retry is the same round
//   - A missing Bayes factor returns registry.ErrMissingBayesFactor
//   - First call snapshots bayes points and evaluation log-likelihoods; later calls do not
//   - Forwards every pair's factor to the strategy ratings, forced, tagged with the tree spawn step
//   - Sets the champion when the policy is decisive
//   - A tie on the first round leaves JointChampions set and the champion unset
//   - A tie on any later round is forced: points descending, ascending id
//   - Returns ErrBranchFinalised once the champion is set
func (b *Branch) UpdateBranch(pairs []pairing.Pair, points map[types.ModelID]int) error {
	if b.state == ChampionSet {
		return fmt.Errorf("%w: branch %d", ErrBranchFinalised, b.id)
	}
	for id := range points {
		if !b.resident(id) {
			return fmt.Errorf("%w: model %d has points but is not on branch %d", ErrUnknownModel, id, b.id)
		}
	}
	reg := b.tree.registry
	factors := make(map[pairing.Pair]float64, len(pairs))
	for _, p := range pairs {
		n := pairing.NewPair(p.Low, p.High)
		if n.SelfPair() || !b.resident(n.Low) || !b.resident(n.High) {
			return fmt.Errorf("%w: (%d,%d) on branch %d", ErrInvalidPair, p.Low, p.High, b.id)
		}
		bf, err := reg.BayesFactor(n)
		if err != nil {
			slog.Error("[BRANCH] comparison promised but never computed",
				"tree", b.tree.Name(), "branch", b.id, "low", n.Low, "high", n.High, "error", err)
			return fmt.Errorf("branch %d: %w", b.id, err)
		}
		factors[n] = bf
	}
	round := b.resultCounter + 1
	var logLiks map[types.ModelID]float64
	if round == 1 {
		logLiks = make(map[types.ModelID]float64, len(b.ids))
		for _, id := range b.ids {
			h, err := reg.Get(id)
			if err != nil {
				return fmt.Errorf("branch %d: %w", b.id, err)
			}
			logLiks[id] = h.EvaluationLogLikelihood()
		}
	}

	// The policy sees the ratings as they will be after this round.
	strat := b.tree.strategy
	ctx := champion.Context{Analyser: strat, IDToName: b.Models()}
	r := strat.Ratings()
	if r != nil {
		ctx.Ratings = r
		if len(factors) > 0 {
			ctx.Ratings = r.Preview(factors, true)
		}
	}
	sel, err := b.tree.policy.Select(b.ids, points, ctx)
	if err != nil {
		return fmt.Errorf("branch %d round %d: %w", b.id, round, err)
	}
	forced := false
	if !sel.Determined && round > 1 {
		sel = champion.Selection{Ranked: champion.Force(points), Determined: true}
		forced = true
	}
	if sel.Determined && len(sel.Ranked) == 0 {
		return fmt.Errorf("branch %d round %d: %w", b.id, round, champion.ErrNoPoints)
	}

	b.resultCounter = round
	if round == 1 {
		b.bayesPoints = copyPoints(points)
		b.logLiks = logLiks
	}
	if r != nil && len(factors) > 0 {
		r.BatchUpdate(factors, b.tree.spawnStep, true)
	}

	if forced {
		slog.Warn("[BRANCH] still tied after reconsideration; forcing champion",
			"tree", b.tree.Name(), "branch", b.id, "round", round, "joint", b.joint)
	}
	if sel.Determined {
		b.ranked = sel.Ranked
		b.championID = sel.Ranked[0]
		b.championName = b.models[b.championID]
		b.joint = nil
		b.forced = forced
		b.state = ChampionSet
		b.finalisedAt = time.Now().UTC()
		slog.Info("[BRANCH] champion set", "tree", b.tree.Name(), "branch", b.id,
			"champion", b.championName, "id", b.championID, "rounds", round, "forced", forced)
	} else {
		b.joint = sel.Joint
		b.state = TiePending
		slog.Info("[BRANCH] tie; reconsideration required", "tree", b.tree.Name(), "branch", b.id,
			"joint", sel.Joint, "round", round)
	}

	b.tree.publish(types.RoleBranch, types.RoleCampaign, types.MsgBranchRound, types.BranchRound{
		RunID:          b.tree.runID,
		Tree:           b.tree.Name(),
		BranchID:       b.id,
		Round:          b.resultCounter,
		Points:         copyPoints(points),
		ChampionSet:    b.state == ChampionSet,
		JointChampions: b.JointChampions(),
		Forced:         forced,
		Policy:         string(b.tree.policy.Kind()),
	})
	if b.state == ChampionSet {
		b.tree.publish(types.RoleBranch, types.RoleArchive, types.MsgChampionSet, b.Record())
	}
	return nil
}

// Record describes the finalised branch champion.
func (b *Branch) Record() types.ChampionRecord {
	rec := types.ChampionRecord{
		RunID:          b.tree.runID,
		Tree:           b.tree.Name(),
		BranchID:       b.id,
		ParentBranch:   b.parentID,
		ChampionID:     b.championID,
		ChampionName:   b.championName,
		Rounds:         b.resultCounter,
		Forced:         b.forced,
		Ranked:         append([]types.ModelID(nil), b.ranked...),
		Models:         b.Models(),
		BayesPoints:    b.BayesPoints(),
		LogLikelihoods: b.EvaluationLogLikelihoods(),
		SpawnStep:      b.spawnStep,
		PruneStep:      b.pruneStep,
	}
	if !b.finalisedAt.IsZero() {
		rec.RecordedAt = b.finalisedAt.Format(time.RFC3339)
	}
	return rec
}

// ID returns the branch id.
func (b *Branch) ID() types.BranchID { return b.id }

// State returns the champion state.
func (b *Branch) State() BranchState { return b.state }

// IsChampionSet reports whether the champion is final.
func (b *Branch) IsChampionSet() bool { return b.state == ChampionSet }

// ResultCounter is the number of rounds folded in by UpdateBranch.
func (b *Branch) ResultCounter() int { return b.resultCounter }

// Forced reports whether the champion was set by the forced tie-break.
func (b *Branch) Forced() bool { return b.forced }

// SpawnStep is the tree's spawn step when the branch was placed.
func (b *Branch) SpawnStep() int { return b.spawnStep }

// PruneStep is the tree's prune step when the branch was placed.
func (b *Branch) PruneStep() int { return b.pruneStep }

// Pairs returns the first-round comparison pairs, normalised.
func (b *Branch) Pairs() []pairing.Pair { return append([]pairing.Pair(nil), b.pairs...) }

// Champion returns the champion id and name; ok is false until one is set.
func (b *Branch) Champion() (types.ModelID, string, bool) {
	if b.state != ChampionSet {
		return 0, "", false
	}
	return b.championID, b.championName, true
}

// JointChampions returns the models tied for first after the last round.
func (b *Branch) JointChampions() []types.ModelID {
	return append([]types.ModelID(nil), b.joint...)
}

// RankedModels returns the final ranking, best first.
func (b *Branch) RankedModels() []types.ModelID {
	return append([]types.ModelID(nil), b.ranked...)
}

// Models returns a copy of the resident id → name mapping.
func (b *Branch) Models() map[types.ModelID]string {
	out := make(map[types.ModelID]string, len(b.models))
	for id, n := range b.models {
		out[id] = n
	}
	return out
}

// ResidentIDs returns the resident ids in ascending order.
func (b *Branch) ResidentIDs() []types.ModelID {
	return append([]types.ModelID(nil), b.ids...)
}

// Name returns the resident name of id.
func (b *Branch) Name(id types.ModelID) (string, bool) {
	n, ok := b.models[id]
	return n, ok
}

// Precomputed returns the residents learned on an earlier branch, ascending.
func (b *Branch) Precomputed() []types.ModelID {
	out := make([]types.ModelID, 0, len(b.precomputed))
	for id := range b.precomputed {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Unlearned returns the residents that still need learning, ascending.
func (b *Branch) Unlearned() []types.ModelID {
	return append([]types.ModelID(nil), b.unlearned...)
}

// SpawningBranch is the branch id the caller declared as this branch's origin.
func (b *Branch) SpawningBranch() types.BranchID { return b.spawning }

// ParentID is the spawning branch when it was on the tree at construction,
// NoBranch otherwise.
func (b *Branch) ParentID() types.BranchID { return b.parentID }

// Parent resolves the parent branch through the tree.
func (b *Branch) Parent() (*Branch, error) {
	if b.parentID == types.NoBranch {
		return nil, fmt.Errorf("%w: branch %d has no parent", ErrBranchNotFound, b.id)
	}
	return b.tree.Branch(b.parentID)
}

// BayesPoints returns the wins captured on the first round.
func (b *Branch) BayesPoints() map[types.ModelID]int { return copyPoints(b.bayesPoints) }

// EvaluationLogLikelihoods returns the log-likelihoods snapshotted on the first round.
func (b *Branch) EvaluationLogLikelihoods() map[types.ModelID]float64 {
	out := make(map[types.ModelID]float64, len(b.logLiks))
	for id, v := range b.logLiks {
		out[id] = v
	}
	return out
}

func copyPoints(p map[types.ModelID]int) map[types.ModelID]int {
	out := make(map[types.ModelID]int, len(p))
	for id, v := range p {
		out[id] = v
	}
	return out
}

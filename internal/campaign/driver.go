package campaign

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haricheung/model-search/internal/engine"
	"github.com/haricheung/model-search/internal/pairing"
	"github.com/haricheung/model-search/internal/registry"
	"github.com/haricheung/model-search/internal/tree"
	"github.com/haricheung/model-search/internal/types"
)

// Driver runs one tree to completion, one branch per Step. It is the single
// writer of its tree: Step must not be called concurrently.
type Driver struct {
	tree      *tree.Tree
	cat       *Catalogue
	eng       engine.Engine
	ids       *BranchIDs
	pub       tree.Publisher
	runID     string
	workers   int
	threshold float64

	started   bool         // initial models taken
	pending   *tree.Layer  // next layer to place
	current   *tree.Branch // placed, champion not yet set
	last      *tree.Branch
	done      bool
	nominated []string
}

// DriverConfig holds what a Driver shares with the rest of the campaign.
type DriverConfig struct {
	Catalogue *Catalogue
	Engine    engine.Engine
	BranchIDs *BranchIDs
	Publisher tree.Publisher
	RunID     string
	Workers   int
	// BayesFactorThreshold: a factor above it scores a win for the lower id,
	// below its inverse a win for the higher id.
	BayesFactorThreshold float64
}

// NewDriver wraps t.
func NewDriver(t *tree.Tree, cfg DriverConfig) *Driver {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BayesFactorThreshold < 1 {
		cfg.BayesFactorThreshold = 1
	}
	if cfg.BranchIDs == nil {
		cfg.BranchIDs = &BranchIDs{}
	}
	return &Driver{
		tree:      t,
		cat:       cfg.Catalogue,
		eng:       cfg.Engine,
		ids:       cfg.BranchIDs,
		pub:       cfg.Publisher,
		runID:     cfg.RunID,
		workers:   cfg.Workers,
		threshold: cfg.BayesFactorThreshold,
	}
}

// Tree returns the driven tree.
func (d *Driver) Tree() *tree.Tree { return d.tree }

// Done reports whether the tree is complete and its champions nominated.
func (d *Driver) Done() bool { return d.done }

// LastBranch returns the most recently placed branch, nil before the first Step.
func (d *Driver) LastBranch() *tree.Branch { return d.last }

// Nominated returns the champions the tree nominated once done.
func (d *Driver) Nominated() []string { return append([]string(nil), d.nominated...) }

// PendingLayer returns the layer the next Step will place, if one is prepared.
func (d *Driver) PendingLayer() *tree.Layer { return d.pending }

// Run steps the tree until it is complete.
func (d *Driver) Run(ctx context.Context) error {
	for {
		done, err := d.Step(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// Step places the pending layer on the tree as a new branch, learns and
// compares its models, settles its champion and advances the tree.
//
// Expectations:
//   - The first call takes the tree's initial models
//   - Tied rounds are re-compared among the joint champions until a champion is set
//   - When the tree is complete it is finalised and its nominees recorded; done is true
//   - Otherwise the next layer is requested with the branch champion as seed
//   - After an error the next call resumes where it failed: an unsettled branch
//     is finished before anything new is placed
//   - Calling Step on a finished driver is a no-op returning done
func (d *Driver) Step(ctx context.Context) (done bool, err error) {
	if d.done {
		return true, nil
	}
	if d.current == nil {
		if d.pending == nil {
			if err := d.prepare(); err != nil {
				return false, err
			}
			if d.done {
				return true, nil
			}
		}
		b, err := d.place(*d.pending)
		if err != nil {
			return false, err
		}
		d.pending = nil
		d.current, d.last = b, b
	} else {
		slog.Info("[CAMPAIGN] resuming unsettled branch", "tree", d.tree.Name(), "branch", d.current.ID(),
			"round", d.current.ResultCounter()+1)
	}

	b := d.current
	if err := d.settle(ctx, b); err != nil {
		return false, err
	}
	d.current = nil
	branchRounds.Observe(float64(b.ResultCounter()))
	if b.Forced() {
		forcedTotal.WithLabelValues(d.tree.Name()).Inc()
	}

	if err := d.prepare(); err != nil {
		return false, err
	}
	return d.done, nil
}

// settle learns b's models and runs comparison rounds until its champion is
// set. A round after a tie compares the joint champions again, with force.
func (d *Driver) settle(ctx context.Context, b *tree.Branch) error {
	if err := d.learn(ctx, b); err != nil {
		return err
	}
	for !b.IsChampionSet() {
		round := b.ResultCounter() + 1
		pairs, participants := b.Pairs(), b.ResidentIDs()
		if round > 1 {
			participants = b.JointChampions()
			pairs = pairing.AllPairs(participants)
		}
		// re-comparisons after a tie replace the stored factors
		if err := d.compare(ctx, b.ID(), round, pairs, round > 1); err != nil {
			return err
		}
		points, err := d.tally(pairs, participants)
		if err != nil {
			return err
		}
		if err := b.UpdateBranch(pairs, points); err != nil {
			return err
		}
		if !b.IsChampionSet() {
			tiesTotal.WithLabelValues(d.tree.Name()).Inc()
		}
	}
	return nil
}

// prepare sets the pending layer: the initial models before the first branch,
// afterwards the next layer seeded by the last champion. A complete tree is
// finished instead.
func (d *Driver) prepare() error {
	if !d.started {
		layer, err := d.tree.InitialModels()
		if err != nil {
			return err
		}
		d.pending, d.started = &layer, true
		return nil
	}
	if d.tree.IsComplete() {
		return d.finish()
	}
	_, champName, _ := d.last.Champion()
	layer, err := d.tree.NextLayer(tree.LayerRequest{
		CalledByBranch: d.last.ID(),
		ModelList:      []string{champName},
	})
	if err != nil {
		return err
	}
	stageAdvancesTotal.WithLabelValues(d.tree.Name(), string(layer.Stage)).Inc()
	d.pending = &layer
	return nil
}

// place resolves layer's names through the catalogue and puts them on the tree.
func (d *Driver) place(layer tree.Layer) (*tree.Branch, error) {
	spec := tree.BranchSpec{
		ID:             d.ids.Next(),
		Models:         make(map[types.ModelID]string, len(layer.Models)),
		Handles:        make(map[types.ModelID]*registry.Model),
		AllPairs:       layer.Plan.All,
		SpawningBranch: types.NoBranch,
	}
	if d.last != nil {
		spec.SpawningBranch = d.last.ID()
	}
	reg := d.tree.Registry()
	for _, n := range layer.Models {
		m, _ := d.cat.Resolve(n)
		spec.Models[m.ID] = m.Name
		if _, err := reg.Get(m.ID); err != nil {
			spec.Handles[m.ID] = m
		}
		if m.Learned() {
			spec.Precomputed = append(spec.Precomputed, m.ID)
		}
	}
	for _, p := range layer.Plan.Pairs {
		a, okA := d.cat.Lookup(p.A)
		b, okB := d.cat.Lookup(p.B)
		if !okA || !okB {
			return nil, fmt.Errorf("%w: (%q, %q) not in layer", tree.ErrInvalidPair, p.A, p.B)
		}
		spec.Pairs = append(spec.Pairs, pairing.NewPair(a.ID, b.ID))
	}
	b, err := d.tree.NewBranch(spec)
	if err != nil {
		return nil, err
	}
	branchesTotal.WithLabelValues(d.tree.Name()).Inc()
	return b, nil
}

// learn learns every unlearned resident on the worker pool.
func (d *Driver) learn(ctx context.Context, b *tree.Branch) error {
	reg := d.tree.Registry()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for _, id := range b.Unlearned() {
		m, err := reg.Get(id)
		if err != nil {
			return err
		}
		g.Go(func() error {
			did, err := d.cat.Learn(gctx, d.eng, m)
			if err != nil {
				return fmt.Errorf("learn %q: %w", m.Name, err)
			}
			if did {
				modelsLearnedTotal.WithLabelValues(d.tree.Name()).Inc()
			}
			return nil
		})
	}
	return g.Wait()
}

// compare computes the Bayes factor of every pair on the worker pool. Pairs
// with a stored factor are reused unless force is set.
func (d *Driver) compare(ctx context.Context, branch types.BranchID, round int, pairs []pairing.Pair, force bool) error {
	reg := d.tree.Registry()
	name := d.tree.Name()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	computed := make([]bool, len(pairs))
	for i, p := range pairs {
		if !force && reg.HasBayesFactor(p) {
			comparisonsTotal.WithLabelValues(name, "reused").Inc()
			continue
		}
		low, err := reg.Get(p.Low)
		if err != nil {
			return err
		}
		high, err := reg.Get(p.High)
		if err != nil {
			return err
		}
		g.Go(func() error {
			start := time.Now()
			bf, err := d.eng.Compare(gctx, low, high)
			if err != nil {
				return fmt.Errorf("compare %q vs %q: %w", low.Name, high.Name, err)
			}
			comparisonDuration.Observe(time.Since(start).Seconds())
			comparisonsTotal.WithLabelValues(name, "computed").Inc()
			computed[i] = true
			return reg.RecordBayesFactor(low.ID, high.ID, bf)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	n := 0
	for _, c := range computed {
		if c {
			n++
		}
	}
	slog.Info("[CAMPAIGN] comparisons done", "tree", name, "branch", branch, "round", round,
		"pairs", len(pairs), "computed", n)
	d.publish(types.MsgComparisonsDone, types.ComparisonsDone{
		RunID:    d.runID,
		Tree:     name,
		BranchID: branch,
		Round:    round,
		Pairs:    len(pairs),
		Computed: n,
	})
	return nil
}

// tally turns stored Bayes factors into win points for participants.
func (d *Driver) tally(pairs []pairing.Pair, participants []types.ModelID) (map[types.ModelID]int, error) {
	points := make(map[types.ModelID]int, len(participants))
	for _, id := range participants {
		points[id] = 0
	}
	for _, p := range pairs {
		bf, err := d.tree.Registry().BayesFactor(p)
		if err != nil {
			return nil, err
		}
		switch {
		case bf > d.threshold:
			points[p.Low]++
		case bf < 1/d.threshold:
			points[p.High]++
		}
	}
	return points, nil
}

func (d *Driver) finish() error {
	if err := d.tree.FinaliseTree(map[string]any{"run_id": d.runID}); err != nil {
		return err
	}
	d.nominated = d.tree.NominateChampions()
	d.done = true
	summary := d.tree.Summary(d.nominated)
	slog.Info("[CAMPAIGN] tree complete", "tree", summary.Tree, "branches", len(summary.Branches),
		"spawn_steps", summary.SpawnSteps, "prune_steps", summary.PruneSteps, "nominated", d.nominated)
	d.publish(types.MsgTreeComplete, summary)
	return nil
}

func (d *Driver) publish(mt types.MessageType, payload any) {
	if d.pub == nil {
		return
	}
	d.pub.Publish(types.Message{
		Timestamp: time.Now().UTC(),
		From:      types.RoleCampaign,
		To:        types.RoleUser,
		Type:      mt,
		Payload:   payload,
	})
}

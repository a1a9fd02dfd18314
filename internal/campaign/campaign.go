// Package campaign orchestrates a model search: one tree per exploration
// strategy, driven in parallel, followed by a global championship between
// the champions each tree nominates.
//
// Design constraints:
//   - Each tree is driven by exactly one Driver; trees never share a Driver.
//   - Learning and comparisons run on a bounded worker pool per Driver.
//   - Models are identified campaign-wide through one Catalogue so a model
//     reached by several strategies is learned once.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/haricheung/model-search/internal/config"
	"github.com/haricheung/model-search/internal/engine"
	"github.com/haricheung/model-search/internal/naming"
	"github.com/haricheung/model-search/internal/pairing"
	"github.com/haricheung/model-search/internal/strategy"
	"github.com/haricheung/model-search/internal/tree"
	"github.com/haricheung/model-search/internal/types"
)

// GlobalTreeName names the tree the global championship runs on.
const GlobalTreeName = "global-championship"

var (
	ErrNotFinished = errors.New("campaign: trees still running")
	ErrNoNominees  = errors.New("campaign: no tree nominated a champion")
)

// Result summarises a finished campaign.
type Result struct {
	RunID      string
	Champion   string
	ChampionID types.ModelID
	Trees      []types.TreeSummary
	Contenders []string
	Wins       map[string]int
	Elapsed    time.Duration
}

// Campaign runs every configured strategy.
type Campaign struct {
	runID     string
	cfg       config.Config
	eng       engine.Engine
	pub       tree.Publisher
	cat       *Catalogue
	branchIDs *BranchIDs
	drivers   []*Driver
	started   time.Time
}

// New builds one tree and Driver per configured strategy. pub may be nil.
func New(cfg config.Config, eng engine.Engine, pub tree.Publisher) (*Campaign, error) {
	c := &Campaign{
		runID:     uuid.New().String(),
		cfg:       cfg,
		eng:       eng,
		pub:       pub,
		cat:       NewCatalogue(),
		branchIDs: &BranchIDs{},
		started:   time.Now(),
	}
	for i, sc := range cfg.Strategies {
		if sc.Name == GlobalTreeName {
			return nil, fmt.Errorf("strategy name %q is reserved", sc.Name)
		}
		s, err := strategy.FromConfig(sc)
		if err != nil {
			return nil, err
		}
		d, err := c.newDriver(s, uint64(i))
		if err != nil {
			return nil, err
		}
		c.drivers = append(c.drivers, d)
	}
	slog.Info("[CAMPAIGN] created", "run_id", c.runID, "trees", len(c.drivers), "workers", cfg.Campaign.Workers)
	return c, nil
}

func (c *Campaign) newDriver(s tree.Strategy, stream uint64) (*Driver, error) {
	opts := []tree.Option{
		tree.WithRunID(c.runID),
		tree.WithRand(rand.New(rand.NewPCG(c.cfg.Campaign.Seed, stream))),
	}
	if c.pub != nil {
		opts = append(opts, tree.WithPublisher(c.pub))
	}
	t, err := tree.New(s, opts...)
	if err != nil {
		return nil, err
	}
	return NewDriver(t, DriverConfig{
		Catalogue:            c.cat,
		Engine:               c.eng,
		BranchIDs:            c.branchIDs,
		Publisher:            c.pub,
		RunID:                c.runID,
		Workers:              c.cfg.Campaign.Workers,
		BayesFactorThreshold: c.cfg.Campaign.BayesFactorThreshold,
	}), nil
}

// RunID identifies this campaign in messages and the archive.
func (c *Campaign) RunID() string { return c.runID }

// Drivers returns one driver per configured strategy, in config order.
func (c *Campaign) Drivers() []*Driver { return c.drivers }

// Catalogue is the model database shared by every tree.
func (c *Campaign) Catalogue() *Catalogue { return c.cat }

// Done reports whether every tree is complete.
func (c *Campaign) Done() bool {
	for _, d := range c.drivers {
		if !d.Done() {
			return false
		}
	}
	return true
}

// Run drives every tree to completion in parallel, then runs the global
// championship.
func (c *Campaign) Run(ctx context.Context) (Result, error) {
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range c.drivers {
		g.Go(func() error {
			if err := d.Run(gctx); err != nil {
				return fmt.Errorf("tree %s: %w", d.Tree().Name(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	return c.Championship(ctx)
}

// Championship places every nominated champion on a fixed tree of its own and
// compares them all; its branch champion is the campaign champion.
//
// Expectations:
//   - Returns ErrNotFinished while any tree is still running
//   - Nominees are canonicalised and deduplicated across trees
//   - A single nominee wins without comparisons
func (c *Campaign) Championship(ctx context.Context) (Result, error) {
	if !c.Done() {
		return Result{}, ErrNotFinished
	}
	var nominees []string
	res := Result{RunID: c.runID}
	for _, d := range c.drivers {
		nominees = append(nominees, d.Nominated()...)
		res.Trees = append(res.Trees, d.Tree().Summary(d.Nominated()))
	}
	nominees = naming.Dedupe(nominees)
	if len(nominees) == 0 {
		return Result{}, ErrNoNominees
	}

	s := strategy.NewFixed(strategy.Options{Name: GlobalTreeName, Pairing: pairing.All}, nominees)
	d, err := c.newDriver(s, uint64(len(c.drivers)))
	if err != nil {
		return Result{}, err
	}
	if err := d.Run(ctx); err != nil {
		return Result{}, fmt.Errorf("global championship: %w", err)
	}
	b := d.LastBranch()
	id, name, _ := b.Champion()

	res.Champion = name
	res.ChampionID = id
	res.Contenders = nominees
	res.Wins = make(map[string]int, len(nominees))
	models := b.Models()
	for mid, pts := range b.BayesPoints() {
		res.Wins[models[mid]] = pts
	}
	res.Elapsed = time.Since(c.started)

	gc := types.GlobalChampion{
		RunID:      c.runID,
		Name:       name,
		ModelID:    id,
		Contenders: nominees,
		Wins:       res.Wins,
	}
	if m, ok := c.cat.Lookup(name); ok {
		gc.LogLikelihood = m.EvaluationLogLikelihood()
	}
	slog.Info("[CAMPAIGN] global champion", "run_id", c.runID, "champion", name, "contenders", len(nominees))
	if c.pub != nil {
		c.pub.Publish(types.Message{
			Timestamp: time.Now().UTC(),
			From:      types.RoleCampaign,
			To:        types.RoleUser,
			Type:      types.MsgGlobalChampion,
			Payload:   gc,
		})
	}
	return res, nil
}

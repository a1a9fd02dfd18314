// Package strategy provides the exploration strategies a search tree consults.
//
// Two strategies are available:
//   - fixed: a predetermined model list compared once; complete from the start
//   - greedy: grows the last branch champion one term at a time, then prunes the
//     chain of spawn champions with parent/child comparisons
package strategy

import (
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/haricheung/model-search/internal/champion"
	"github.com/haricheung/model-search/internal/config"
	"github.com/haricheung/model-search/internal/pairing"
	"github.com/haricheung/model-search/internal/ratings"
	"github.com/haricheung/model-search/internal/tree"
	"github.com/haricheung/model-search/internal/types"
)

// FromConfig builds the strategy described by cfg.
func FromConfig(cfg config.StrategyConfig) (tree.Strategy, error) {
	policy, err := champion.ParseKind(cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("strategy %q: %w", cfg.Name, err)
	}
	opts := Options{
		Name:            cfg.Name,
		Pairing:         pairing.ParseMode(cfg.Pairing),
		Policy:          policy,
		Ratings:         ratings.New(cfg.RatingsInitial, cfg.RatingsK),
		FitnessExponent: cfg.FitnessExponent,
	}
	switch cfg.Kind {
	case config.KindFixed:
		return NewFixed(opts, cfg.Models), nil
	case config.KindGreedy:
		return NewGreedy(opts, GreedyLimits{Terms: cfg.Terms, MaxSpawnDepth: cfg.MaxSpawnDepth, MaxQubits: cfg.MaxQubits}), nil
	default:
		return nil, fmt.Errorf("strategy %q: unknown kind %q", cfg.Name, cfg.Kind)
	}
}

// base carries what every strategy shares: identity, pairing and champion
// configuration, the ratings subsystem and a view of the tree.
type base struct {
	name     string
	mode     pairing.Mode
	policy   champion.Kind
	ratings  *ratings.Ratings
	exponent float64

	view  tree.View
	final *tree.FinalReport
}

// Options are the settings shared by every strategy. Zero values select the
// defaults: win-count champions, fresh ratings, fitness exponent 1.
type Options struct {
	Name            string
	Pairing         pairing.Mode
	Policy          champion.Kind
	Ratings         *ratings.Ratings
	FitnessExponent float64
}

func (o Options) base() base {
	b := base{name: o.Name, mode: o.Pairing, policy: o.Policy, ratings: o.Ratings, exponent: o.FitnessExponent}
	if b.mode == "" {
		b.mode = pairing.All
	}
	if b.policy == "" {
		b.policy = champion.WinCount
	}
	if b.ratings == nil {
		b.ratings = ratings.New(0, 0)
	}
	if b.exponent == 0 {
		b.exponent = 1
	}
	return b
}

func (b *base) Name() string { return b.name }
func (b *base) ComparisonMode() pairing.Mode { return b.mode }
func (b *base) ChampionPolicy() champion.Kind { return b.policy }
func (b *base) AttachTree(v tree.View) { b.view = v }

// Ratings returns the strategy's rating system.
func (b *base) Ratings() tree.Ratings { return b.ratings }

// RatingSystem exposes the concrete ratings for reporting.
func (b *base) RatingSystem() *ratings.Ratings { return b.ratings }

// AnalyseGeneration ranks a generation by fitness: the model's win ratio
// (wins over the most wins any model could score) raised to the configured
// exponent. Ties keep name order.
func (b *base) AnalyseGeneration(points map[types.ModelID]int, idToName map[types.ModelID]string) ([]string, error) {
	if len(points) == 0 {
		return nil, champion.ErrNoPoints
	}
	maxWins := len(points) - 1
	fitness := make(map[string]float64, len(points))
	names := make([]string, 0, len(points))
	for id, wins := range points {
		name, ok := idToName[id]
		if !ok {
			return nil, fmt.Errorf("%w: id %d", champion.ErrUnknownName, id)
		}
		ratio := 1.0
		if maxWins > 0 {
			ratio = float64(wins) / float64(maxWins)
		}
		fitness[name] = math.Pow(ratio, b.exponent)
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if fitness[names[i]] != fitness[names[j]] {
			return fitness[names[i]] > fitness[names[j]]
		}
		return names[i] < names[j]
	})
	slog.Debug("[STRATEGY] generation analysed", "strategy", b.name, "ranked", names)
	return names, nil
}

// FinaliseModelLearning keeps the final report for inspection.
func (b *base) FinaliseModelLearning(r tree.FinalReport) error {
	b.final = &r
	slog.Info("[STRATEGY] model learning finalised", "strategy", b.name,
		"last_branch", r.LastBranch, "models", len(r.EvaluationLogLikelihoods))
	return nil
}

// FinalReport returns the report handed over by FinaliseTree, if any.
func (b *base) FinalReport() (tree.FinalReport, bool) {
	if b.final == nil {
		return tree.FinalReport{}, false
	}
	return *b.final, true
}

// latestChampion returns the champion name of the most recently created branch
// that has one.
func (b *base) latestChampion(filter func(*tree.Branch) bool) (string, bool) {
	if b.view == nil {
		return "", false
	}
	branches := b.view.Branches()
	for i := len(branches) - 1; i >= 0; i-- {
		br := branches[i]
		if filter != nil && !filter(br) {
			continue
		}
		if _, name, ok := br.Champion(); ok {
			return name, true
		}
	}
	return "", false
}

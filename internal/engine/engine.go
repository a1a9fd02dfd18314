// Package engine computes what a search tree only consumes: the evaluation
// log-likelihood of each learned model and the Bayes factor of each compared
// pair.
//
// Synthetic is a deterministic stand-in for the real learning engine. Each
// candidate is scored against a hidden true model by its term overlap plus
// per-model noise, so a campaign run over it is reproducible and converges on
// the true model when the strategy can reach it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/haricheung/model-search/internal/config"
	"github.com/haricheung/model-search/internal/naming"
	"github.com/haricheung/model-search/internal/registry"
)

var ErrNotLearned = errors.New("engine: model not learned")

// Engine learns models and compares learned pairs.
type Engine interface {
	// Learn computes m's evaluation log-likelihood and marks it learned.
	Learn(ctx context.Context, m *registry.Model) error
	// Compare returns the Bayes factor of a over b.
	Compare(ctx context.Context, a, b *registry.Model) (float64, error)
}

// Synthetic scores models against a true model.
type Synthetic struct {
	trueTerms       map[string]bool
	missPenalty     float64
	spuriousPenalty float64
	noise           float64
	maxLogBayes     float64
	seed            uint64
	// Delay simulates the cost of each Learn and Compare call.
	Delay time.Duration
}

// NewSynthetic builds a synthetic engine from cfg.
func NewSynthetic(cfg config.EngineConfig, seed uint64) *Synthetic {
	terms := make(map[string]bool)
	for _, t := range naming.Terms(cfg.TrueModel) {
		terms[t] = true
	}
	maxLog := cfg.MaxLogBayes
	if maxLog <= 0 {
		maxLog = 50
	}
	return &Synthetic{
		trueTerms:       terms,
		missPenalty:     cfg.MissPenalty,
		spuriousPenalty: cfg.SpuriousPenalty,
		noise:           cfg.Noise,
		maxLogBayes:     maxLog,
		seed:            seed,
	}
}

// LogLikelihood is the score Learn assigns to name.
//
// Expectations:
//   - The true model scores higher than any model missing one of its terms (when noise is small)
//   - Each missing true term costs missPenalty, each spurious term spuriousPenalty
//   - Equivalent names score identically
//   - The same seed and name always give the same score
func (s *Synthetic) LogLikelihood(name string) float64 {
	canonical := naming.Canonical(name)
	terms := naming.Terms(canonical)
	present := make(map[string]bool, len(terms))
	spurious := 0
	for _, t := range terms {
		present[t] = true
		if !s.trueTerms[t] {
			spurious++
		}
	}
	missing := 0
	for t := range s.trueTerms {
		if !present[t] {
			missing++
		}
	}
	ll := -float64(missing)*s.missPenalty - float64(spurious)*s.spuriousPenalty
	if s.noise > 0 {
		r := rand.New(rand.NewPCG(s.seed, xxhash.Sum64String(canonical)))
		ll += r.NormFloat64() * s.noise
	}
	return ll
}

func (s *Synthetic) Learn(ctx context.Context, m *registry.Model) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	m.MarkLearned(s.LogLikelihood(m.Name))
	return nil
}

// Compare returns exp(ll(a) − ll(b)), with the exponent clamped to
// ±maxLogBayes.
func (s *Synthetic) Compare(ctx context.Context, a, b *registry.Model) (float64, error) {
	if !a.Learned() {
		return 0, fmt.Errorf("%w: %q", ErrNotLearned, a.Name)
	}
	if !b.Learned() {
		return 0, fmt.Errorf("%w: %q", ErrNotLearned, b.Name)
	}
	if err := s.wait(ctx); err != nil {
		return 0, err
	}
	logBF := a.EvaluationLogLikelihood() - b.EvaluationLogLikelihood()
	logBF = math.Max(-s.maxLogBayes, math.Min(s.maxLogBayes, logBF))
	return math.Exp(logBF), nil
}

func (s *Synthetic) wait(ctx context.Context) error {
	if s.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

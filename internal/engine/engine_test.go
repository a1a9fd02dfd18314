package engine

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haricheung/model-search/internal/config"
	"github.com/haricheung/model-search/internal/registry"
)

func quiet() *Synthetic {
	return NewSynthetic(config.EngineConfig{
		TrueModel:       "a+b",
		MissPenalty:     10,
		SpuriousPenalty: 1,
		MaxLogBayes:     5,
	}, 1)
}

func TestLogLikelihood_TrueModelBest(t *testing.T) {
	s := quiet()
	assert.Equal(t, 0.0, s.LogLikelihood("b+a"))
	assert.Equal(t, -10.0, s.LogLikelihood("a"))
	assert.Equal(t, -1.0, s.LogLikelihood("a+b+c"))
	assert.Equal(t, -21.0, s.LogLikelihood("c"))
}

func TestLogLikelihood_NoiseIsDeterministic(t *testing.T) {
	cfg := config.EngineConfig{TrueModel: "a", Noise: 1, MaxLogBayes: 5}
	s1 := NewSynthetic(cfg, 7)
	s2 := NewSynthetic(cfg, 7)
	assert.Equal(t, s1.LogLikelihood("a+b"), s2.LogLikelihood("b+a"))
	assert.NotEqual(t, 0.0, s1.LogLikelihood("a"))
}

func TestCompare_FactorAndClamp(t *testing.T) {
	s := quiet()
	ctx := context.Background()
	a := registry.NewModel(1, "a+b")
	b := registry.NewModel(2, "a+b+c")
	c := registry.NewModel(3, "c")
	for _, m := range []*registry.Model{a, b, c} {
		require.NoError(t, s.Learn(ctx, m))
	}

	bf, err := s.Compare(ctx, a, b)
	require.NoError(t, err)
	assert.InDelta(t, math.E, bf, 1e-9)

	bf, err = s.Compare(ctx, c, a)
	require.NoError(t, err)
	assert.InDelta(t, math.Exp(-5), bf, 1e-12, "clamped to max_log_bayes_factor")
}

func TestCompare_RequiresLearnedModels(t *testing.T) {
	s := quiet()
	_, err := s.Compare(context.Background(), registry.NewModel(1, "a"), registry.NewModel(2, "b"))
	assert.ErrorIs(t, err, ErrNotLearned)
}

func TestLearn_HonoursCancellation(t *testing.T) {
	s := quiet()
	s.Delay = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := registry.NewModel(1, "a")
	assert.ErrorIs(t, s.Learn(ctx, m), context.Canceled)
	assert.False(t, m.Learned())
}

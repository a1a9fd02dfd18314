package strategy

import (
	"errors"
	"log/slog"

	"github.com/haricheung/model-search/internal/pairing"
	"github.com/haricheung/model-search/internal/tree"
	"github.com/haricheung/model-search/internal/types"
)

// ErrNoPruning is returned when a strategy without a prune stage is asked to prune.
var ErrNoPruning = errors.New("strategy: pruning not supported")

// Fixed compares a predetermined model list once. Its tree is complete from
// the start.
type Fixed struct {
	base
	models []string
}

// NewFixed returns a fixed strategy over models.
func NewFixed(opts Options, models []string) *Fixed {
	return &Fixed{base: opts.base(), models: append([]string(nil), models...)}
}

// A fixed tree places its list once and is complete from the start.

func (f *Fixed) InitialModels() []string { return append([]string(nil), f.models...) }
func (f *Fixed) CompletedInitially() bool { return true }
func (f *Fixed) CheckTreeCompleted(int) bool { return true }
func (f *Fixed) CheckTreePruned(int) bool { return true }
func (f *Fixed) GenerateModels(tree.SpawnRequest) ([]string, error) { return f.InitialModels(), nil }

// TreePruning is never reached: the tree is complete before any prune step.
func (f *Fixed) TreePruning(types.BranchID) ([]string, pairing.Plan, error) {
	return nil, pairing.Plan{}, ErrNoPruning
}

// NominateChampions nominates the champion of the most recent branch.
func (f *Fixed) NominateChampions() []string {
	name, ok := f.latestChampion(nil)
	if !ok {
		slog.Warn("[STRATEGY] no branch champion to nominate", "strategy", f.name)
		return nil
	}
	return []string{name}
}

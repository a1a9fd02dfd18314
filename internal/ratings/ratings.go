// Package ratings keeps a persistent Elo-style skill estimate per model, fed
// from pairwise Bayes factors. One Ratings instance is shared by every branch
// of a tree, so ratings carry over between generations.
package ratings

import (
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/haricheung/model-search/internal/pairing"
	"github.com/haricheung/model-search/internal/types"
)

// Elo hyperparameters.
const (
	DefaultInitial = 1000.0
	DefaultK       = 32.0
	eloBase        = 10.0
	eloWidth       = 400.0
)

// Update records one rating change for the history.
type Update struct {
	SpawnStep   int           `json:"spawn_step"`
	Pair        pairing.Pair  `json:"pair"`
	BayesFactor float64       `json:"bayes_factor"`
	Winner      types.ModelID `json:"winner"` // 0 on a draw
	LowBefore   float64       `json:"low_before"`
	HighBefore  float64       `json:"high_before"`
	LowAfter    float64       `json:"low_after"`
	HighAfter   float64       `json:"high_after"`
}

// Ratings is the Elo system.
type Ratings struct {
	initial float64
	k       float64

	mu      sync.Mutex
	ratings map[types.ModelID]float64
	rated   map[pairing.Pair]bool
	history []Update
}

// New creates a rating system with the given starting rating and K factor.
// Non-positive values fall back to the defaults.
func New(initial, k float64) *Ratings {
	if initial <= 0 {
		initial = DefaultInitial
	}
	if k <= 0 {
		k = DefaultK
	}
	return &Ratings{
		initial: initial,
		k:       k,
		ratings: make(map[types.ModelID]float64),
		rated:   make(map[pairing.Pair]bool),
	}
}

// BatchUpdate applies every pair's outcome in (low, high) order.
// A factor above 1 is a win for the lower id, below 1 a win for the higher id,
// exactly 1 a draw. Without forceNewRating a pair rated before is skipped.
//
// Expectations:
//   - Winner's rating increases and loser's decreases by the same amount
//   - Unrated models start from the initial rating
//   - Pairs are processed deterministically regardless of map order
//   - forceNewRating=false skips pairs already rated; true re-rates them
func (r *Ratings) BatchUpdate(factors map[pairing.Pair]float64, spawnStep int, forceNewRating bool) {
	pairs := make([]pairing.Pair, 0, len(factors))
	for p := range factors {
		pairs = append(pairs, p)
	}
	pairing.SortPairs(pairs)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.batchLocked(pairs, factors, spawnStep, forceNewRating)
}

// Preview returns a detached copy of the ratings with factors applied as
// BatchUpdate would apply them. r itself is not changed.
func (r *Ratings) Preview(factors map[pairing.Pair]float64, forceNewRating bool) *Ratings {
	pairs := make([]pairing.Pair, 0, len(factors))
	for p := range factors {
		pairs = append(pairs, p)
	}
	pairing.SortPairs(pairs)

	r.mu.Lock()
	out := &Ratings{
		initial: r.initial,
		k:       r.k,
		ratings: make(map[types.ModelID]float64, len(r.ratings)),
		rated:   make(map[pairing.Pair]bool, len(r.rated)),
	}
	for id, v := range r.ratings {
		out.ratings[id] = v
	}
	for p, v := range r.rated {
		out.rated[p] = v
	}
	r.mu.Unlock()

	out.batchLocked(pairs, factors, 0, forceNewRating)
	return out
}

func (r *Ratings) batchLocked(pairs []pairing.Pair, factors map[pairing.Pair]float64, spawnStep int, forceNewRating bool) {
	for _, p := range pairs {
		bf := factors[p]
		p = pairing.NewPair(p.Low, p.High)
		if p.SelfPair() {
			continue
		}
		if r.rated[p] && !forceNewRating {
			slog.Debug("[RATINGS] pair already rated; skipping", "low", p.Low, "high", p.High)
			continue
		}
		r.applyLocked(p, bf, spawnStep)
		r.rated[p] = true
	}
}

func (r *Ratings) applyLocked(p pairing.Pair, bf float64, spawnStep int) {
	lowR := r.ratingLocked(p.Low)
	highR := r.ratingLocked(p.High)

	score := 0.5
	var winner types.ModelID
	switch {
	case bf > 1:
		score, winner = 1, p.Low
	case bf < 1:
		score, winner = 0, p.High
	}

	expected := 1 / (1 + math.Pow(eloBase, (highR-lowR)/eloWidth))
	delta := r.k * (score - expected)
	r.ratings[p.Low] = lowR + delta
	r.ratings[p.High] = highR - delta

	r.history = append(r.history, Update{
		SpawnStep:   spawnStep,
		Pair:        p,
		BayesFactor: bf,
		Winner:      winner,
		LowBefore:   lowR,
		HighBefore:  highR,
		LowAfter:    lowR + delta,
		HighAfter:   highR - delta,
	})
}

func (r *Ratings) ratingLocked(id types.ModelID) float64 {
	if v, ok := r.ratings[id]; ok {
		return v
	}
	return r.initial
}

// Rating returns id's current rating (the initial rating if never rated).
func (r *Ratings) Rating(id types.ModelID) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ratingLocked(id)
}

// Rankings orders ids best first: rating descending, id ascending on ties.
func (r *Ratings) Rankings(ids []types.ModelID) []types.ModelID {
	out := append([]types.ModelID(nil), ids...)
	r.mu.Lock()
	scores := make(map[types.ModelID]float64, len(out))
	for _, id := range out {
		scores[id] = r.ratingLocked(id)
	}
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if scores[out[i]] != scores[out[j]] {
			return scores[out[i]] > scores[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}

// History returns a copy of every applied update, oldest first.
func (r *Ratings) History() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Update(nil), r.history...)
}

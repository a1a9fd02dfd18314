// Package champion holds the interchangeable champion-selection policies a
// branch uses to turn one round of comparison results into a ranking.
//
// The policy is chosen once per tree. Each policy is a pure function of the
// resident ids, the round's win points and an external context; it never
// mutates branch state.
package champion

import (
	"errors"
	"fmt"
	"sort"

	"github.com/haricheung/model-search/internal/types"
)

// Kind names a selection policy as it appears in configuration.
type Kind string

const (
	WinCount Kind = "number_comparison_wins"
	Ratings  Kind = "ratings"
	Fitness  Kind = "fitness"
)

var (
	ErrUnknownPolicy = errors.New("champion: unknown selection policy")
	ErrNoPoints      = errors.New("champion: no model points supplied")
	ErrUnknownName   = errors.New("champion: ranked name is not resident")
)

// Ranker orders model ids best first (the ratings subsystem).
type Ranker interface {
	Rankings(ids []types.ModelID) []types.ModelID
}

// GenerationAnalyser ranks a generation by fitness, returning model names best
// first (the genetic-algorithm evaluator).
type GenerationAnalyser interface {
	AnalyseGeneration(points map[types.ModelID]int, idToName map[types.ModelID]string) ([]string, error)
}

// Context is the external state a policy may consult.
type Context struct {
	Ratings  Ranker
	Analyser GenerationAnalyser
	IDToName map[types.ModelID]string
}

// Selection is the outcome of one policy run.
type Selection struct {
	Ranked     []types.ModelID // best first; empty when not Determined
	Determined bool
	Joint      []types.ModelID // models tied for first when not Determined
}

// Policy selects a champion from one round of results.
type Policy interface {
	Kind() Kind
	Select(resident []types.ModelID, points map[types.ModelID]int, ctx Context) (Selection, error)
}

// New returns the policy for kind.
func New(kind Kind) (Policy, error) {
	switch kind {
	case WinCount:
		return winCount{}, nil
	case Ratings:
		return byRatings{}, nil
	case Fitness:
		return byFitness{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, kind)
	}
}

// ParseKind maps a configured value onto a Kind. Empty selects WinCount.
func ParseKind(s string) (Kind, error) {
	if s == "" {
		return WinCount, nil
	}
	k := Kind(s)
	switch k {
	case WinCount, Ratings, Fitness:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// winCount crowns the model with strictly the most wins.
type winCount struct{}

func (winCount) Kind() Kind { return WinCount }

// Select:
//   - Returns Determined with the ids ranked by points when one model has the maximum
//   - Returns not Determined with Joint set (ascending ids) when several models share the maximum
//   - Only the models present in points take part
//   - Returns ErrNoPoints when points is empty
func (winCount) Select(_ []types.ModelID, points map[types.ModelID]int, _ Context) (Selection, error) {
	if len(points) == 0 {
		return Selection{}, ErrNoPoints
	}
	best := 0
	first := true
	for _, p := range points {
		if first || p > best {
			best, first = p, false
		}
	}
	var top []types.ModelID
	for id, p := range points {
		if p == best {
			top = append(top, id)
		}
	}
	if len(top) > 1 {
		sort.Slice(top, func(i, j int) bool { return top[i] < top[j] })
		return Selection{Joint: top}, nil
	}
	return Selection{Ranked: Force(points), Determined: true}, nil
}

// byRatings reads the ranking straight from the ratings subsystem; always decisive.
type byRatings struct{}

func (byRatings) Kind() Kind { return Ratings }

func (byRatings) Select(resident []types.ModelID, _ map[types.ModelID]int, ctx Context) (Selection, error) {
	if ctx.Ratings == nil {
		return Selection{}, errors.New("champion: ratings policy needs a ranker")
	}
	ranked := ctx.Ratings.Rankings(resident)
	if len(ranked) == 0 {
		return Selection{}, ErrNoPoints
	}
	return Selection{Ranked: ranked, Determined: true}, nil
}

// byFitness delegates to the genetic-algorithm analysis and maps the ranked
// names back to ids.
type byFitness struct{}

func (byFitness) Kind() Kind { return Fitness }

func (byFitness) Select(_ []types.ModelID, points map[types.ModelID]int, ctx Context) (Selection, error) {
	if ctx.Analyser == nil {
		return Selection{}, errors.New("champion: fitness policy needs a generation analyser")
	}
	names, err := ctx.Analyser.AnalyseGeneration(points, ctx.IDToName)
	if err != nil {
		return Selection{}, fmt.Errorf("analyse generation: %w", err)
	}
	if len(names) == 0 {
		return Selection{}, ErrNoPoints
	}
	byName := make(map[string]types.ModelID, len(ctx.IDToName))
	for id, name := range ctx.IDToName {
		byName[name] = id
	}
	ranked := make([]types.ModelID, 0, len(names))
	for _, n := range names {
		id, ok := byName[n]
		if !ok {
			return Selection{}, fmt.Errorf("%w: %q", ErrUnknownName, n)
		}
		ranked = append(ranked, id)
	}
	return Selection{Ranked: ranked, Determined: true}, nil
}

// Force ranks ids by points descending, ascending id on ties. It is the
// deterministic fallback used once a branch has stayed tied for a second round.
func Force(points map[types.ModelID]int) []types.ModelID {
	ids := make([]types.ModelID, 0, len(points))
	for id := range points {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if points[ids[i]] != points[ids[j]] {
			return points[ids[i]] > points[ids[j]]
		}
		return ids[i] < ids[j]
	})
	return ids
}

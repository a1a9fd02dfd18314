// Package registry is the arena of learned models shared by the branches of a
// search tree. Branches hold only model ids and resolve them here.
//
// Design constraints:
//   - A registered id is never re-bound to a different handle.
//   - A model name maps to exactly one id.
//   - The Bayes factor of a pair is stored once, on the lower id's handle,
//     indexed by the higher id. Repeated comparisons append; the latest wins.
//   - Handles are safe for concurrent use so comparison workers can record
//     factors in parallel.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/haricheung/model-search/internal/pairing"
	"github.com/haricheung/model-search/internal/types"
)

var (
	ErrUnknownModel       = errors.New("registry: unknown model")
	ErrHandleConflict     = errors.New("registry: id already bound to a different handle")
	ErrNameConflict       = errors.New("registry: name already bound to a different id")
	ErrMissingBayesFactor = errors.New("registry: bayes factor never computed")
)

// Model is the learned-model handle for one candidate.
type Model struct {
	ID   types.ModelID
	Name string

	mu           sync.RWMutex
	learned      bool
	logLik       float64
	bayesFactors map[types.ModelID][]float64 // higher id -> factors, oldest first
}

// NewModel creates an unlearned handle.
func NewModel(id types.ModelID, name string) *Model {
	return &Model{ID: id, Name: name, bayesFactors: make(map[types.ModelID][]float64)}
}

// MarkLearned records the evaluation log-likelihood produced by learning.
func (m *Model) MarkLearned(logLik float64) {
	m.mu.Lock()
	m.learned = true
	m.logLik = logLik
	m.mu.Unlock()
}

// Learned reports whether the model has been through learning.
func (m *Model) Learned() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.learned
}

// EvaluationLogLikelihood is the log-likelihood on the evaluation data set.
func (m *Model) EvaluationLogLikelihood() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.logLik
}

// record appends a factor against a higher-id model.
func (m *Model) record(higher types.ModelID, bf float64) {
	m.mu.Lock()
	m.bayesFactors[higher] = append(m.bayesFactors[higher], bf)
	m.mu.Unlock()
}

// LatestBayesFactor returns the most recent factor recorded against higher.
func (m *Model) LatestBayesFactor(higher types.ModelID) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bfs := m.bayesFactors[higher]
	if len(bfs) == 0 {
		return 0, false
	}
	return bfs[len(bfs)-1], true
}

// Registry maps model ids to handles and names to ids.
type Registry struct {
	mu     sync.RWMutex
	models map[types.ModelID]*Model
	byName map[string]types.ModelID
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		models: make(map[types.ModelID]*Model),
		byName: make(map[string]types.ModelID),
	}
}

// Register binds m under m.ID.
//
// Expectations:
//   - Registering the same handle twice is a no-op
//   - Registering a different handle under a known id returns ErrHandleConflict
//   - Registering a known name under a different id returns ErrNameConflict
func (r *Registry) Register(m *Model) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(m)
}

func (r *Registry) registerLocked(m *Model) error {
	if err := r.checkLocked(m); err != nil {
		return err
	}
	r.models[m.ID] = m
	r.byName[m.Name] = m.ID
	return nil
}

// checkLocked reports whether m can be bound without replacing an existing
// handle or name binding.
func (r *Registry) checkLocked(m *Model) error {
	if existing, ok := r.models[m.ID]; ok && existing != m {
		return fmt.Errorf("%w: id=%d", ErrHandleConflict, m.ID)
	}
	if id, ok := r.byName[m.Name]; ok && id != m.ID {
		return fmt.Errorf("%w: name=%q bound to id=%d, got id=%d", ErrNameConflict, m.Name, id, m.ID)
	}
	return nil
}

// Merge registers every handle in models, or none of them: every handle is
// checked against the registry and the rest of the batch before the first is
// registered.
func (r *Registry) Merge(models map[types.ModelID]*Model) error {
	ids := make([]types.ModelID, 0, len(models))
	for id := range models {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	r.mu.Lock()
	defer r.mu.Unlock()
	names := make(map[string]types.ModelID, len(ids))
	for _, id := range ids {
		m := models[id]
		if m == nil || m.ID != id {
			return fmt.Errorf("%w: handle keyed under id=%d does not carry that id", ErrHandleConflict, id)
		}
		if err := r.checkLocked(m); err != nil {
			return err
		}
		if other, ok := names[m.Name]; ok {
			return fmt.Errorf("%w: name=%q given to id=%d and id=%d", ErrNameConflict, m.Name, other, id)
		}
		names[m.Name] = id
	}
	for _, id := range ids {
		m := models[id]
		r.models[m.ID] = m
		r.byName[m.Name] = m.ID
	}
	return nil
}

// Get returns the handle for id.
func (r *Registry) Get(id types.ModelID) (*Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[id]
	if !ok {
		return nil, fmt.Errorf("%w: id=%d", ErrUnknownModel, id)
	}
	return m, nil
}

// IDFor returns the id registered for a (canonical) name.
func (r *Registry) IDFor(name string) (types.ModelID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	return id, ok
}

// Len returns the number of registered models.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.models)
}

// IDs returns every registered id in ascending order.
func (r *Registry) IDs() []types.ModelID {
	r.mu.RLock()
	ids := make([]types.ModelID, 0, len(r.models))
	for id := range r.models {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RecordBayesFactor stores the factor of low over high. The pair is normalised
// first; when a and b arrive reversed the factor is inverted so it always reads
// as "lower id over higher id".
func (r *Registry) RecordBayesFactor(a, b types.ModelID, bf float64) error {
	if a == b {
		return fmt.Errorf("registry: self comparison of id=%d", a)
	}
	if a > b {
		a, b = b, a
		if bf != 0 {
			bf = 1 / bf
		}
	}
	low, err := r.Get(a)
	if err != nil {
		return err
	}
	if _, err := r.Get(b); err != nil {
		return err
	}
	low.record(b, bf)
	return nil
}

// BayesFactor returns the latest stored factor for p (low over high).
// A pair that was never compared is ErrMissingBayesFactor.
func (r *Registry) BayesFactor(p pairing.Pair) (float64, error) {
	p = pairing.NewPair(p.Low, p.High)
	low, err := r.Get(p.Low)
	if err != nil {
		return 0, err
	}
	bf, ok := low.LatestBayesFactor(p.High)
	if !ok {
		return 0, fmt.Errorf("%w: pair (%d,%d)", ErrMissingBayesFactor, p.Low, p.High)
	}
	return bf, nil
}

// HasBayesFactor reports whether p has been compared at least once.
func (r *Registry) HasBayesFactor(p pairing.Pair) bool {
	_, err := r.BayesFactor(p)
	return err == nil
}

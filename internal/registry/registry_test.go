package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haricheung/model-search/internal/pairing"
	"github.com/haricheung/model-search/internal/types"
)

func TestRegister_SameHandleTwiceIsNoop(t *testing.T) {
	r := New()
	m := NewModel(1, "A")
	require.NoError(t, r.Register(m))
	require.NoError(t, r.Register(m))
	assert.Equal(t, 1, r.Len())
}

func TestRegister_DifferentHandleConflicts(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(NewModel(1, "A")))
	err := r.Register(NewModel(1, "A"))
	assert.ErrorIs(t, err, ErrHandleConflict)
}

func TestRegister_NameBoundToOneID(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(NewModel(1, "A")))
	err := r.Register(NewModel(2, "A"))
	assert.ErrorIs(t, err, ErrNameConflict)
	id, ok := r.IDFor("A")
	assert.True(t, ok)
	assert.Equal(t, types.ModelID(1), id)
}

func TestMerge_RegistersAllAndReportsConflict(t *testing.T) {
	r := New()
	a, b := NewModel(1, "A"), NewModel(2, "B")
	require.NoError(t, r.Merge(map[types.ModelID]*Model{1: a, 2: b}))
	assert.Equal(t, []types.ModelID{1, 2}, r.IDs())

	err := r.Merge(map[types.ModelID]*Model{2: NewModel(2, "B")})
	assert.ErrorIs(t, err, ErrHandleConflict)
	got, err := r.Get(2)
	require.NoError(t, err)
	assert.Same(t, b, got)
}

func TestMerge_ConflictRegistersNothing(t *testing.T) {
	r := New()
	b := NewModel(2, "B")
	require.NoError(t, r.Register(b))

	err := r.Merge(map[types.ModelID]*Model{1: NewModel(1, "A"), 2: NewModel(2, "B"), 3: NewModel(3, "C")})
	assert.ErrorIs(t, err, ErrHandleConflict)
	assert.Equal(t, []types.ModelID{2}, r.IDs())
	_, ok := r.IDFor("A")
	assert.False(t, ok)
}

func TestMerge_DuplicateNameInBatchRegistersNothing(t *testing.T) {
	r := New()
	err := r.Merge(map[types.ModelID]*Model{1: NewModel(1, "A"), 2: NewModel(2, "A")})
	assert.ErrorIs(t, err, ErrNameConflict)
	assert.Zero(t, r.Len())
}

func TestMerge_RejectsMiskeyedHandle(t *testing.T) {
	r := New()
	err := r.Merge(map[types.ModelID]*Model{3: NewModel(4, "D")})
	assert.ErrorIs(t, err, ErrHandleConflict)
}

func TestBayesFactor_StoredOnLowerHandle(t *testing.T) {
	r := New()
	require.NoError(t, r.Merge(map[types.ModelID]*Model{1: NewModel(1, "A"), 2: NewModel(2, "B")}))

	require.NoError(t, r.RecordBayesFactor(2, 1, 4))
	bf, err := r.BayesFactor(pairing.NewPair(2, 1))
	require.NoError(t, err)
	assert.InDelta(t, 0.25, bf, 1e-12)

	require.NoError(t, r.RecordBayesFactor(1, 2, 8))
	bf, err = r.BayesFactor(pairing.Pair{Low: 1, High: 2})
	require.NoError(t, err)
	assert.InDelta(t, 8, bf, 1e-12, "latest factor wins")
}

func TestBayesFactor_MissingIsError(t *testing.T) {
	r := New()
	require.NoError(t, r.Merge(map[types.ModelID]*Model{1: NewModel(1, "A"), 2: NewModel(2, "B")}))
	_, err := r.BayesFactor(pairing.Pair{Low: 1, High: 2})
	assert.ErrorIs(t, err, ErrMissingBayesFactor)
	assert.False(t, r.HasBayesFactor(pairing.Pair{Low: 1, High: 2}))

	_, err = r.BayesFactor(pairing.Pair{Low: 7, High: 9})
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestRecordBayesFactor_ConcurrentWriters(t *testing.T) {
	r := New()
	models := map[types.ModelID]*Model{}
	for i := types.ModelID(1); i <= 8; i++ {
		models[i] = NewModel(i, string(rune('A'+int(i))))
	}
	require.NoError(t, r.Merge(models))

	var wg sync.WaitGroup
	for _, p := range pairing.AllPairs(r.IDs()) {
		wg.Add(1)
		go func(p pairing.Pair) {
			defer wg.Done()
			_ = r.RecordBayesFactor(p.Low, p.High, 2)
		}(p)
	}
	wg.Wait()
	for _, p := range pairing.AllPairs(r.IDs()) {
		assert.True(t, r.HasBayesFactor(p))
	}
}

func TestModel_MarkLearned(t *testing.T) {
	m := NewModel(1, "A")
	assert.False(t, m.Learned())
	m.MarkLearned(-12.5)
	assert.True(t, m.Learned())
	assert.Equal(t, -12.5, m.EvaluationLogLikelihood())
}

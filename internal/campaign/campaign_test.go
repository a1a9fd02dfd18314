package campaign

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haricheung/model-search/internal/config"
	"github.com/haricheung/model-search/internal/engine"
	"github.com/haricheung/model-search/internal/naming"
	"github.com/haricheung/model-search/internal/pairing"
	"github.com/haricheung/model-search/internal/registry"
	"github.com/haricheung/model-search/internal/strategy"
	"github.com/haricheung/model-search/internal/tree"
	"github.com/haricheung/model-search/internal/types"
)

const trueModel = "pauliSet_1J2_zJz_d2+pauliSet_1_x_d2"

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []types.Message
}

func (p *recordingPublisher) Publish(m types.Message) {
	p.mu.Lock()
	p.msgs = append(p.msgs, m)
	p.mu.Unlock()
}

func (p *recordingPublisher) ofType(mt types.MessageType) []types.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []types.Message
	for _, m := range p.msgs {
		if m.Type == mt {
			out = append(out, m)
		}
	}
	return out
}

// noiseless scores purely on term overlap, so runs are fully determined by
// ids and the tie-break.
func noiseless() config.Config {
	cfg := config.Default()
	cfg.Engine.Noise = 0
	cfg.Engine.TrueModel = trueModel
	return cfg
}

// ── Catalogue ──

func TestCatalogueResolveCanonicalisesAndAllocatesOnce(t *testing.T) {
	c := NewCatalogue()
	a, created := c.Resolve("b+a")
	require.True(t, created)
	b, created := c.Resolve("a+b")
	assert.False(t, created)
	assert.Same(t, a, b)
	assert.Equal(t, types.ModelID(1), a.ID)
	assert.Equal(t, naming.Canonical("a+b"), a.Name)

	z, _ := c.Resolve("z")
	assert.Equal(t, types.ModelID(2), z.ID)
	assert.Equal(t, 2, c.Len())

	_, ok := c.Lookup("missing")
	assert.False(t, ok)
}

type countingEngine struct {
	engine.Engine
	mu     sync.Mutex
	learns int
}

func (e *countingEngine) Learn(ctx context.Context, m *registry.Model) error {
	e.mu.Lock()
	e.learns++
	e.mu.Unlock()
	return e.Engine.Learn(ctx, m)
}

func TestCatalogueLearnsEachModelOnce(t *testing.T) {
	c := NewCatalogue()
	eng := &countingEngine{Engine: engine.NewSynthetic(noiseless().Engine, 1)}
	m, _ := c.Resolve(trueModel)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Learn(context.Background(), eng, m)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.True(t, m.Learned())
	assert.Equal(t, 1, eng.learns)

	did, err := c.Learn(context.Background(), eng, m)
	require.NoError(t, err)
	assert.False(t, did)
}

func TestBranchIDsStartAtOne(t *testing.T) {
	var ids BranchIDs
	assert.Equal(t, types.BranchID(1), ids.Next())
	assert.Equal(t, types.BranchID(2), ids.Next())
}

// ── Driver ──

func newFixedDriver(t *testing.T, models []string, pub tree.Publisher) *Driver {
	t.Helper()
	s := strategy.NewFixed(strategy.Options{Name: "fixed", Pairing: pairing.All}, models)
	tr, err := tree.New(s)
	require.NoError(t, err)
	return NewDriver(tr, DriverConfig{
		Catalogue: NewCatalogue(),
		Engine:    engine.NewSynthetic(noiseless().Engine, 1),
		Publisher: pub,
		Workers:   2,
	})
}

func TestDriverFixedTreeFinishesInOneStep(t *testing.T) {
	pub := &recordingPublisher{}
	d := newFixedDriver(t, []string{"pauliSet_1_x_d2", trueModel, "pauliSet_1_y_d2"}, pub)

	done, err := d.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, done)
	assert.True(t, d.Done())
	assert.Equal(t, []string{naming.Canonical(trueModel)}, d.Nominated())

	_, name, ok := d.LastBranch().Champion()
	require.True(t, ok)
	assert.Equal(t, naming.Canonical(trueModel), name)
	assert.Len(t, pub.ofType(types.MsgTreeComplete), 1)
	assert.Len(t, pub.ofType(types.MsgComparisonsDone), 1)

	// finished drivers are inert
	done, err = d.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, done)
}

func TestDriverTieIsRecomparedThenForced(t *testing.T) {
	// x and zJz each miss one true term: equal scores, a tie on every round
	pub := &recordingPublisher{}
	d := newFixedDriver(t, []string{"pauliSet_1_x_d2", "pauliSet_1J2_zJz_d2", "pauliSet_1_y_d2"}, pub)
	require.NoError(t, d.Run(context.Background()))

	b := d.LastBranch()
	assert.True(t, b.Forced())
	assert.Equal(t, 2, b.ResultCounter())
	_, name, _ := b.Champion()
	// lowest id wins the forced tie-break; ids follow the fixed list
	assert.Equal(t, "pauliSet_1_x_d2", name)

	done := pub.ofType(types.MsgComparisonsDone)
	require.Len(t, done, 2)
	second := done[1].Payload.(types.ComparisonsDone)
	assert.Equal(t, 2, second.Round)
	assert.Equal(t, 1, second.Pairs)
	assert.Equal(t, 1, second.Computed)
}

func TestTallyAppliesThreshold(t *testing.T) {
	d := newFixedDriver(t, []string{"a", "b", "c"}, nil)
	d.threshold = 10
	reg := d.tree.Registry()
	for _, n := range []string{"a", "b", "c"} {
		m, _ := d.cat.Resolve(n)
		require.NoError(t, reg.Register(m))
	}
	require.NoError(t, reg.RecordBayesFactor(1, 2, 100))
	require.NoError(t, reg.RecordBayesFactor(1, 3, 0.01))
	require.NoError(t, reg.RecordBayesFactor(2, 3, 5))

	pairs := pairing.AllPairs([]types.ModelID{1, 2, 3})
	points, err := d.tally(pairs, []types.ModelID{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, map[types.ModelID]int{1: 1, 2: 0, 3: 1}, points)
}

func TestTallyMissingFactorIsAnError(t *testing.T) {
	d := newFixedDriver(t, []string{"a", "b"}, nil)
	reg := d.tree.Registry()
	for _, n := range []string{"a", "b"} {
		m, _ := d.cat.Resolve(n)
		require.NoError(t, reg.Register(m))
	}
	_, err := d.tally([]pairing.Pair{pairing.NewPair(1, 2)}, []types.ModelID{1, 2})
	assert.ErrorIs(t, err, registry.ErrMissingBayesFactor)
}

// flakyEngine fails its next failures Compare calls.
type flakyEngine struct {
	engine.Engine
	mu       sync.Mutex
	failures int
}

var errTransient = errors.New("transient engine failure")

func (e *flakyEngine) Compare(ctx context.Context, a, b *registry.Model) (float64, error) {
	e.mu.Lock()
	fail := e.failures > 0
	if fail {
		e.failures--
	}
	e.mu.Unlock()
	if fail {
		return 0, errTransient
	}
	return e.Engine.Compare(ctx, a, b)
}

func TestDriverResumesBranchAfterFailedStep(t *testing.T) {
	d := newFixedDriver(t, []string{"pauliSet_1_x_d2", "pauliSet_1_y_d2"}, nil)
	d.workers = 1
	d.eng = &flakyEngine{Engine: d.eng, failures: 1}

	_, err := d.Step(context.Background())
	assert.ErrorIs(t, err, errTransient)
	require.Len(t, d.Tree().Branches(), 1)
	assert.False(t, d.LastBranch().IsChampionSet())

	done, err := d.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, done)
	branches := d.Tree().Branches()
	require.Len(t, branches, 1, "the failed branch is resumed, not placed again")
	assert.True(t, branches[0].IsChampionSet())
	assert.Equal(t, 1, branches[0].ResultCounter())
	assert.Equal(t, 0, d.Tree().SpawnStep())
	_, name, _ := branches[0].Champion()
	assert.Equal(t, "pauliSet_1_x_d2", name)
}

func TestDriverResumesTieRound(t *testing.T) {
	// x and zJz tie; the re-comparison round fails once
	d := newFixedDriver(t, []string{"pauliSet_1_x_d2", "pauliSet_1J2_zJz_d2"}, nil)
	flaky := &flakyEngine{Engine: d.eng}
	d.eng = flaky

	// learn and compare round 1, then arm the failure for round 2
	layer, err := d.tree.InitialModels()
	require.NoError(t, err)
	b, err := d.place(layer)
	require.NoError(t, err)
	d.started, d.current, d.last = true, b, b
	require.NoError(t, d.learn(context.Background(), b))
	require.NoError(t, d.compare(context.Background(), b.ID(), 1, b.Pairs(), false))
	points, err := d.tally(b.Pairs(), b.ResidentIDs())
	require.NoError(t, err)
	require.NoError(t, b.UpdateBranch(b.Pairs(), points))
	require.Equal(t, tree.TiePending, b.State())
	flaky.failures = 1

	_, err = d.Step(context.Background())
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, b.ResultCounter())

	done, err := d.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, done)
	require.Len(t, d.Tree().Branches(), 1)
	assert.Equal(t, 2, b.ResultCounter())
	assert.True(t, b.Forced())
}

func TestDriverCancelledContext(t *testing.T) {
	d := newFixedDriver(t, []string{"a", "b"}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Step(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, d.Done())
}

// ── Campaign ──

func TestCampaignGreedyRecoversTrueModel(t *testing.T) {
	pub := &recordingPublisher{}
	cfg := noiseless()
	c, err := New(cfg, engine.NewSynthetic(cfg.Engine, cfg.Campaign.Seed), pub)
	require.NoError(t, err)
	require.Len(t, c.Drivers(), 1)

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, naming.Canonical(trueModel), res.Champion)
	assert.Equal(t, c.RunID(), res.RunID)
	assert.Equal(t, []string{naming.Canonical(trueModel)}, res.Contenders)
	require.Len(t, res.Trees, 1)
	assert.Equal(t, 1, res.Trees[0].PruneSteps)

	gcs := pub.ofType(types.MsgGlobalChampion)
	require.Len(t, gcs, 1)
	gc := gcs[0].Payload.(types.GlobalChampion)
	assert.Equal(t, res.Champion, gc.Name)
	assert.Equal(t, c.RunID(), gc.RunID)
	assert.InDelta(t, 0, gc.LogLikelihood, 1e-9)
}

func TestCampaignSharesModelsAcrossTrees(t *testing.T) {
	cfg := noiseless()
	cfg.Strategies = append(cfg.Strategies, config.StrategyConfig{
		Name:    "fixed",
		Kind:    config.KindFixed,
		Models:  []string{"pauliSet_1_x_d2+pauliSet_1J2_zJz_d2", "pauliSet_1_y_d2"},
		Pairing: string(pairing.All),
	})
	eng := &countingEngine{Engine: engine.NewSynthetic(cfg.Engine, cfg.Campaign.Seed)}
	c, err := New(cfg, eng, nil)
	require.NoError(t, err)

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	// both trees nominate the same model under different spellings
	assert.Equal(t, []string{naming.Canonical(trueModel)}, res.Contenders)
	assert.Equal(t, c.Catalogue().Len(), eng.learns)
}

func TestChampionshipBeforeTreesFinish(t *testing.T) {
	cfg := noiseless()
	c, err := New(cfg, engine.NewSynthetic(cfg.Engine, 1), nil)
	require.NoError(t, err)
	_, err = c.Championship(context.Background())
	assert.ErrorIs(t, err, ErrNotFinished)
}

func TestNewRejectsUnknownStrategyKind(t *testing.T) {
	cfg := noiseless()
	cfg.Strategies[0].Kind = "genetic"
	_, err := New(cfg, engine.NewSynthetic(cfg.Engine, 1), nil)
	assert.Error(t, err)
}

package archive

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/haricheung/model-search/internal/bus"
	"github.com/haricheung/model-search/internal/types"
)

func openTestStore(t *testing.T, tap <-chan types.Message) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "archive"), tap)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func champion(run, tree string, branch types.BranchID, name, at string) types.ChampionRecord {
	return types.ChampionRecord{
		RunID:        run,
		Tree:         tree,
		BranchID:     branch,
		ChampionName: name,
		RecordedAt:   at,
	}
}

// ── Champions ──

func TestChampionsOrderedByBranchID(t *testing.T) {
	s := openTestStore(t, nil)
	// 10 sorts before 9 lexically; keys are zero padded
	for _, id := range []types.BranchID{10, 9, 2} {
		if err := s.PutChampion(champion("r1", "greedy", id, "a", "")); err != nil {
			t.Fatal(err)
		}
	}
	recs, err := s.Champions("r1", "greedy")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 || recs[0].BranchID != 2 || recs[1].BranchID != 9 || recs[2].BranchID != 10 {
		t.Errorf("unexpected order %+v", recs)
	}
}

func TestChampionsFilteredByTreeAndRun(t *testing.T) {
	s := openTestStore(t, nil)
	_ = s.PutChampion(champion("r1", "greedy", 1, "a", ""))
	_ = s.PutChampion(champion("r1", "greedy-2", 2, "b", ""))
	_ = s.PutChampion(champion("r2", "greedy", 3, "c", ""))

	recs, _ := s.Champions("r1", "greedy")
	if len(recs) != 1 || recs[0].ChampionName != "a" {
		t.Errorf("expected only r1/greedy, got %+v", recs)
	}
	all, _ := s.Champions("r1", "")
	if len(all) != 2 {
		t.Errorf("expected both r1 trees, got %d", len(all))
	}
}

func TestChampionHistoryAcrossRuns(t *testing.T) {
	s := openTestStore(t, nil)
	_ = s.PutChampion(champion("r2", "greedy", 4, "a+b", "2026-01-02T00:00:00Z"))
	_ = s.PutChampion(champion("r1", "fixed", 1, "a+b", "2026-01-01T00:00:00Z"))
	_ = s.PutChampion(champion("r1", "fixed", 2, "a+b+c", "2026-01-01T00:00:00Z"))

	hist, err := s.ChampionHistory("a+b")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2 records, got %d", len(hist))
	}
	if hist[0].RunID != "r1" || hist[1].RunID != "r2" {
		t.Errorf("expected oldest first, got %s then %s", hist[0].RunID, hist[1].RunID)
	}
}

// ── Trees and globals ──

func TestGlobalRoundTrip(t *testing.T) {
	s := openTestStore(t, nil)
	gc := types.GlobalChampion{RunID: "r1", Name: "a", Contenders: []string{"a", "b"}, Wins: map[string]int{"a": 1}}
	if err := s.PutGlobal(gc); err != nil {
		t.Fatal(err)
	}
	got, err := s.Global("r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "a" || got.Wins["a"] != 1 || len(got.Contenders) != 2 {
		t.Errorf("unexpected %+v", got)
	}
	runs, _ := s.Runs()
	if len(runs) != 1 || runs[0] != "r1" {
		t.Errorf("expected runs [r1], got %v", runs)
	}
}

func TestGlobalMissingRun(t *testing.T) {
	s := openTestStore(t, nil)
	if _, err := s.Global("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTreesForRun(t *testing.T) {
	s := openTestStore(t, nil)
	_ = s.PutTree(types.TreeSummary{RunID: "r1", Tree: "b", Nominated: []string{"x"}})
	_ = s.PutTree(types.TreeSummary{RunID: "r1", Tree: "a"})
	trees, _ := s.Trees("r1")
	if len(trees) != 2 || trees[0].Tree != "a" {
		t.Errorf("expected trees ordered by name, got %+v", trees)
	}
}

// ── Run ──

func TestRunPersistsFromBus(t *testing.T) {
	b := bus.New()
	s := openTestStore(t, b.NewTap())

	b.Publish(types.Message{Type: types.MsgChampionSet, Payload: champion("r1", "greedy", 1, "a", "")})
	b.Publish(types.Message{Type: types.MsgBranchRound, Payload: types.BranchRound{Tree: "greedy"}})
	b.Publish(types.Message{Type: types.MsgGlobalChampion, Payload: types.GlobalChampion{RunID: "r1", Name: "a"}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// a cancelled context still drains what is buffered
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	recs, _ := s.Champions("r1", "greedy")
	if len(recs) != 1 {
		t.Errorf("expected 1 champion, got %d", len(recs))
	}
	if gc, err := s.Global("r1"); err != nil || gc.Name != "a" {
		t.Errorf("expected global champion a, got %+v (%v)", gc, err)
	}
}

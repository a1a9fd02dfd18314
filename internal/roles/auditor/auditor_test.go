package auditor

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haricheung/model-search/internal/bus"
	"github.com/haricheung/model-search/internal/types"
)

// newTestAuditor builds an Auditor that never opens its log file; writeEvent
// is a no-op until Run opens one.
func newTestAuditor() *Auditor {
	return New(make(chan types.Message), os.DevNull)
}

func roundMsg(tree string, branch types.BranchID, round int, set, forced bool) types.Message {
	return types.Message{
		From: types.RoleBranch,
		To:   types.RoleCampaign,
		Type: types.MsgBranchRound,
		Payload: types.BranchRound{
			Tree:        tree,
			BranchID:    branch,
			Round:       round,
			ChampionSet: set,
			Forced:      forced,
		},
	}
}

func stageMsg(tree string, stage types.Stage) types.Message {
	return types.Message{
		From:    types.RoleTree,
		To:      types.RoleCampaign,
		Type:    types.MsgStageAdvanced,
		Payload: types.StageAdvance{Tree: tree, Stage: stage},
	}
}

func hasAnomaly(a *Auditor, prefix string) bool {
	for _, an := range a.Report().Anomalies {
		if strings.HasPrefix(an, prefix) {
			return true
		}
	}
	return false
}

// ── Forced resolution ──

func TestForcedResolutionIsFlagged(t *testing.T) {
	a := newTestAuditor()
	a.process(roundMsg("greedy", 3, 1, false, false))
	a.process(roundMsg("greedy", 3, 2, true, true))

	r := a.Report()
	if r.ForcedResolutions != 1 {
		t.Errorf("expected 1 forced resolution, got %d", r.ForcedResolutions)
	}
	if r.Ties != 1 {
		t.Errorf("expected 1 tie, got %d", r.Ties)
	}
	if got := r.RoundsPerBranch["greedy/3"]; got != 2 {
		t.Errorf("expected 2 rounds for greedy/3, got %d", got)
	}
	if !hasAnomaly(a, "forced_resolution") {
		t.Errorf("expected forced_resolution anomaly, got %v", r.Anomalies)
	}
}

func TestDecisiveRoundIsNotFlagged(t *testing.T) {
	a := newTestAuditor()
	a.process(roundMsg("greedy", 1, 1, true, false))
	if r := a.Report(); len(r.Anomalies) != 0 || r.Ties != 0 {
		t.Errorf("expected clean report, got %+v", r)
	}
}

// ── Stage skew ──

func TestSpawnAfterPruneIsStageSkew(t *testing.T) {
	a := newTestAuditor()
	a.process(stageMsg("greedy", types.StageSpawn))
	a.process(stageMsg("greedy", types.StagePrune))
	if hasAnomaly(a, "stage_skew") {
		t.Fatal("spawn then prune is the expected order")
	}
	a.process(stageMsg("greedy", types.StageSpawn))
	if !hasAnomaly(a, "stage_skew") {
		t.Error("expected stage_skew after spawning past a prune")
	}
}

func TestStageAdvanceAfterCompleteIsStageSkew(t *testing.T) {
	a := newTestAuditor()
	a.process(types.Message{
		From:    types.RoleCampaign,
		To:      types.RoleUser,
		Type:    types.MsgTreeComplete,
		Payload: types.TreeSummary{Tree: "fixed"},
	})
	a.process(stageMsg("fixed", types.StagePrune))
	if !hasAnomaly(a, "stage_skew") {
		t.Error("expected stage_skew after tree completion")
	}
}

func TestStageSkewIsPerTree(t *testing.T) {
	a := newTestAuditor()
	a.process(stageMsg("a", types.StagePrune))
	a.process(stageMsg("b", types.StageSpawn))
	if hasAnomaly(a, "stage_skew") {
		t.Error("prune on one tree must not affect another")
	}
	if got := a.Report().TreesObserved; got != 2 {
		t.Errorf("expected 2 trees observed, got %d", got)
	}
}

// ── Boundaries ──

func TestBoundaryViolation(t *testing.T) {
	a := newTestAuditor()
	a.process(types.Message{From: types.RoleCampaign, To: types.RoleArchive, Type: types.MsgChampionSet})
	r := a.Report()
	if len(r.BoundaryViolations) != 1 {
		t.Fatalf("expected 1 boundary violation, got %v", r.BoundaryViolations)
	}
	if !strings.Contains(r.BoundaryViolations[0], "expected B→S") {
		t.Errorf("unexpected detail %q", r.BoundaryViolations[0])
	}
}

func TestJSONPayloadIsDecoded(t *testing.T) {
	// payloads replayed from a log arrive as generic maps
	a := newTestAuditor()
	raw, _ := json.Marshal(types.BranchCreated{Tree: "greedy", BranchID: 4})
	var generic map[string]any
	_ = json.Unmarshal(raw, &generic)
	a.process(types.Message{From: types.RoleTree, To: types.RoleCampaign, Type: types.MsgBranchCreated, Payload: generic})
	if got := a.Report().BranchesObserved; got != 1 {
		t.Errorf("expected 1 branch observed, got %d", got)
	}
}

// ── Run ──

func TestRunWritesJSONL(t *testing.T) {
	b := bus.New()
	path := filepath.Join(t.TempDir(), "audit", "audit.jsonl")
	a := New(b.NewTap(), path)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	b.Publish(roundMsg("greedy", 1, 2, true, true))
	deadline := time.Now().Add(2 * time.Second)
	for a.Report().ForcedResolutions == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		t.Fatal("expected one audit line")
	}
	var ev types.AuditEvent
	if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
		t.Fatalf("decode audit line: %v", err)
	}
	if ev.Anomaly != "forced_resolution" || ev.Tree != "greedy" {
		t.Errorf("unexpected event %+v", ev)
	}
}

package auditor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haricheung/model-search/internal/types"
)

// Auditor taps the message bus read-only and writes structured AuditEvents to a JSONL file.
// It detects boundary violations, forced branch resolutions and stage skew.
type Auditor struct {
	tap     <-chan types.Message
	logPath string
	mu      sync.Mutex
	logFile *os.File

	trees       map[string]*treeState
	branches    int
	forced      int
	ties        int
	violations  []string
	anomalies   []string
	rounds      map[string]int // "tree/branch" -> update rounds
	windowStart time.Time
}

type treeState struct {
	pruned   bool // a prune stage has been entered
	complete bool
}

// New creates an Auditor.
func New(tap <-chan types.Message, logPath string) *Auditor {
	return &Auditor{
		tap:         tap,
		logPath:     logPath,
		trees:       make(map[string]*treeState),
		rounds:      make(map[string]int),
		windowStart: time.Now().UTC(),
	}
}

// Run starts the auditor loop. It blocks until ctx is cancelled or the tap is closed.
func (a *Auditor) Run(ctx context.Context) {
	if err := os.MkdirAll(filepath.Dir(a.logPath), 0o755); err != nil {
		log.Printf("[AUDIT] ERROR: create log dir: %v", err)
		return
	}

	f, err := os.OpenFile(a.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("[AUDIT] ERROR: open log file: %v", err)
		return
	}
	a.mu.Lock()
	a.logFile = f
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.logFile = nil
		a.mu.Unlock()
		f.Close()
	}()

	log.Printf("[AUDIT] started; writing to %s", a.logPath)

	for {
		select {
		case <-ctx.Done():
			a.drain()
			return
		case msg, ok := <-a.tap:
			if !ok {
				return
			}
			a.process(msg)
		}
	}
}

// drain processes whatever is already buffered on the tap.
func (a *Auditor) drain() {
	for {
		select {
		case msg, ok := <-a.tap:
			if !ok {
				return
			}
			a.process(msg)
		default:
			return
		}
	}
}

// allowed sender→receiver pairs per message type
var allowedPaths = map[types.MessageType]struct {
	from types.Role
	to   types.Role
}{
	types.MsgBranchCreated:   {types.RoleTree, types.RoleCampaign},
	types.MsgStageAdvanced:   {types.RoleTree, types.RoleCampaign},
	types.MsgComparisonsDone: {types.RoleCampaign, types.RoleUser},
	types.MsgBranchRound:     {types.RoleBranch, types.RoleCampaign},
	types.MsgChampionSet:     {types.RoleBranch, types.RoleArchive},
	types.MsgTreeComplete:    {types.RoleCampaign, types.RoleUser},
	types.MsgGlobalChampion:  {types.RoleCampaign, types.RoleUser},
}

func (a *Auditor) process(msg types.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()

	anomaly := "none"
	var detail *string
	flag := func(kind, d string) {
		anomaly = kind
		detail = &d
		a.anomalies = append(a.anomalies, kind+": "+d)
	}

	// 1. Boundary violation check
	if allowed, ok := allowedPaths[msg.Type]; ok {
		if msg.From != allowed.from || msg.To != allowed.to {
			d := fmt.Sprintf("expected %s→%s for %s, got %s→%s",
				allowed.from, allowed.to, msg.Type, msg.From, msg.To)
			a.violations = append(a.violations, d)
			flag("boundary_violation", d)
			log.Printf("[AUDIT] BOUNDARY VIOLATION: %s", d)
		}
	}

	// 2. Per-type checks
	tree := ""
	switch msg.Type {
	case types.MsgBranchCreated:
		if bc, err := decode[types.BranchCreated](msg.Payload); err == nil {
			tree = bc.Tree
			a.branches++
			a.state(tree)
		}

	case types.MsgStageAdvanced:
		sa, err := decode[types.StageAdvance](msg.Payload)
		if err != nil {
			break
		}
		tree = sa.Tree
		st := a.state(tree)
		switch {
		case st.complete:
			d := fmt.Sprintf("tree %s advanced to %s after completing", tree, sa.Stage)
			flag("stage_skew", d)
			log.Printf("[AUDIT] STAGE SKEW: %s", d)
		case sa.Stage == types.StageSpawn && st.pruned:
			d := fmt.Sprintf("tree %s spawned (step %d) after pruning began", tree, sa.SpawnStep)
			flag("stage_skew", d)
			log.Printf("[AUDIT] STAGE SKEW: %s", d)
		}
		if sa.Stage == types.StagePrune {
			st.pruned = true
		}

	case types.MsgBranchRound:
		br, err := decode[types.BranchRound](msg.Payload)
		if err != nil {
			break
		}
		tree = br.Tree
		a.rounds[fmt.Sprintf("%s/%d", br.Tree, br.BranchID)] = br.Round
		if !br.ChampionSet {
			a.ties++
		}
		if br.Forced {
			a.forced++
			d := fmt.Sprintf("tree %s branch %d champion forced after %d rounds", br.Tree, br.BranchID, br.Round)
			flag("forced_resolution", d)
			log.Printf("[AUDIT] FORCED RESOLUTION: %s", d)
		}

	case types.MsgTreeComplete:
		if ts, err := decode[types.TreeSummary](msg.Payload); err == nil {
			tree = ts.Tree
			a.state(tree).complete = true
		}
	}

	event := types.AuditEvent{
		EventID:     uuid.New().String(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		FromRole:    msg.From,
		ToRole:      msg.To,
		MessageType: string(msg.Type),
		Tree:        tree,
		Anomaly:     anomaly,
		Detail:      detail,
	}

	a.writeEvent(event)
}

func (a *Auditor) state(tree string) *treeState {
	st, ok := a.trees[tree]
	if !ok {
		st = &treeState{}
		a.trees[tree] = st
	}
	return st
}

// Report summarises everything observed since the auditor was created.
func (a *Auditor) Report() types.AuditReport {
	a.mu.Lock()
	defer a.mu.Unlock()

	rounds := make(map[string]int, len(a.rounds))
	for k, v := range a.rounds {
		rounds[k] = v
	}
	anomalies := append([]string(nil), a.anomalies...)
	sort.Strings(anomalies)
	return types.AuditReport{
		ReportID: uuid.New().String(),
		Period: types.AuditPeriod{
			From: a.windowStart.Format(time.RFC3339),
			To:   time.Now().UTC().Format(time.RFC3339),
		},
		TreesObserved:      len(a.trees),
		BranchesObserved:   a.branches,
		ForcedResolutions:  a.forced,
		Ties:               a.ties,
		BoundaryViolations: append([]string(nil), a.violations...),
		Anomalies:          anomalies,
		RoundsPerBranch:    rounds,
	}
}

// writeEvent appends e to the log. Caller holds a.mu.
func (a *Auditor) writeEvent(e types.AuditEvent) {
	if a.logFile == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("[AUDIT] ERROR: marshal event: %v", err)
		return
	}
	if _, err := fmt.Fprintf(a.logFile, "%s\n", data); err != nil {
		log.Printf("[AUDIT] ERROR: write event: %v", err)
	}
}

// decode accepts the typed payload published in-process or its JSON form.
func decode[T any](payload any) (T, error) {
	if v, ok := payload.(T); ok {
		return v, nil
	}
	var v T
	b, err := json.Marshal(payload)
	if err != nil {
		return v, err
	}
	return v, json.Unmarshal(b, &v)
}

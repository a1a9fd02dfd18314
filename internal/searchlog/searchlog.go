// Package searchlog provides per-tree structured logging for a search campaign.
//
// Each tree gets one JSONL file in a configurable directory. Events capture every
// key stage: stage advances, branch placement, comparison rounds, ties and
// champions. The closing tree_end line carries the tree's cost statistics.
//
// Design constraints:
//   - All TreeLog methods are nil-safe (no-op on nil receiver).
//   - Registry is the sole owner of JSONL persistence; trees and drivers never
//     open files. They publish on the bus and Registry.Run records from a tap.
//   - A log is opened by the first event seen for its tree and closed by the
//     tree's TreeComplete message.
package searchlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/haricheung/model-search/internal/types"
)

// EventKind labels a single structured event in the search log.
type EventKind string

const (
	KindTreeBegin     EventKind = "tree_begin"
	KindTreeEnd       EventKind = "tree_end"
	KindStage         EventKind = "stage"
	KindBranchCreated EventKind = "branch_created"
	KindComparisons   EventKind = "comparisons"
	KindRound         EventKind = "round"
	KindChampion      EventKind = "champion"
)

// Event is one JSONL line in the search log.
// Fields are omitempty so each event only serialises relevant data.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp string    `json:"ts"`

	// tree_begin / tree_end
	RunID     string     `json:"run_id,omitempty"`
	Tree      string     `json:"tree,omitempty"`
	Nominated []string   `json:"nominated,omitempty"`
	ElapsedMs int64      `json:"elapsed_ms,omitempty"`
	Stats     *TreeStats `json:"stats,omitempty"` // tree_end only

	// stage
	Stage     types.Stage `json:"stage,omitempty"`
	SpawnStep int         `json:"spawn_step,omitempty"`
	PruneStep int         `json:"prune_step,omitempty"`

	// branch_created / comparisons / round / champion
	BranchID  types.BranchID  `json:"branch_id,omitempty"`
	NumModels int             `json:"num_models,omitempty"`
	NumPairs  int             `json:"num_pairs,omitempty"`
	Computed  int             `json:"computed,omitempty"`
	Round     int             `json:"round,omitempty"`
	Joint     []types.ModelID `json:"joint,omitempty"`
	Forced    bool            `json:"forced,omitempty"`
	Champion  string          `json:"champion,omitempty"`
}

// TreeStats aggregates the cost of searching one tree.
//
// Expectations:
//   - Branches counts branch_created events
//   - ComparisonsComputed + ComparisonsReused equals the pairs requested over every round
//   - Ties counts rounds that ended without a champion
type TreeStats struct {
	Branches            int `json:"branches"`
	ModelsPlaced        int `json:"models_placed"`
	Rounds              int `json:"rounds"`
	Ties                int `json:"ties"`
	Forced              int `json:"forced"`
	ComparisonsComputed int `json:"comparisons_computed"`
	ComparisonsReused   int `json:"comparisons_reused"`
	SpawnSteps          int `json:"spawn_steps"`
	PruneSteps          int `json:"prune_steps"`
}

// TreeLog is a handle for writing structured events for one tree.
//
// Expectations:
//   - All methods are nil-safe (no-op when called on nil *TreeLog)
//   - Concurrent writes are safe (mutex-protected)
type TreeLog struct {
	runID   string
	tree    string
	started time.Time
	mu      sync.Mutex
	f       *os.File
	stats   TreeStats
}

// Registry maps trees to open TreeLogs.
// It is the sole authority for creating and closing search log files.
//
// Expectations:
//   - Open creates the log directory if absent
//   - Open writes a tree_begin event as the first JSONL line
//   - Open returns the existing log when called twice for the same run and tree
//   - Get returns nil for unknown trees
//   - Close writes tree_end with nominated champions and stats, then closes the file
//   - Close no-ops gracefully when the tree is not registered
type Registry struct {
	dir   string
	mu    sync.Mutex
	logs  map[string]*TreeLog
	cache map[string]TreeStats // key -> stats snapshot saved on Close
}

// NewRegistry creates a Registry that writes one JSONL file per tree under dir.
func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:   dir,
		logs:  make(map[string]*TreeLog),
		cache: make(map[string]TreeStats),
	}
}

func key(runID, tree string) string { return runID + "|" + tree }

// Path is the file a tree's log is written to.
func (r *Registry) Path(runID, tree string) string {
	name := strings.NewReplacer("/", "_", "\\", "_").Replace(tree)
	if runID != "" {
		name = runID + "-" + name
	}
	return filepath.Join(r.dir, name+".jsonl")
}

// Open creates a TreeLog for the tree, writes a tree_begin event and registers it.
func (r *Registry) Open(runID, tree string) *TreeLog {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tl, ok := r.logs[key(runID, tree)]; ok {
		return tl
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		slog.Error("[SEARCHLOG] could not create dir", "dir", r.dir, "error", err)
		return nil
	}
	path := r.Path(runID, tree)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("[SEARCHLOG] could not open log file", "path", path, "error", err)
		return nil
	}

	tl := &TreeLog{runID: runID, tree: tree, started: time.Now(), f: f}
	r.logs[key(runID, tree)] = tl
	tl.write(Event{Kind: KindTreeBegin, RunID: runID, Tree: tree})
	return tl
}

// Get returns the TreeLog for the tree, or nil if not found.
// Nil is safe to pass to all TreeLog methods.
func (r *Registry) Get(runID, tree string) *TreeLog {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logs[key(runID, tree)]
}

// Close writes a tree_end event, closes the file and removes the entry from
// the registry. Safe to call on a nil *Registry or an unknown tree.
func (r *Registry) Close(runID, tree string, nominated []string) {
	if r == nil {
		return
	}
	k := key(runID, tree)
	r.mu.Lock()
	tl, ok := r.logs[k]
	if !ok {
		r.mu.Unlock()
		return
	}
	stats := tl.Stats()
	r.cache[k] = stats
	delete(r.logs, k)
	r.mu.Unlock()

	tl.write(Event{
		Kind:      KindTreeEnd,
		RunID:     runID,
		Tree:      tree,
		Nominated: nominated,
		ElapsedMs: time.Since(tl.started).Milliseconds(),
		Stats:     &stats,
	})

	tl.mu.Lock()
	if tl.f != nil {
		_ = tl.f.Close()
		tl.f = nil
	}
	tl.mu.Unlock()
}

// CloseAll closes every open log, e.g. when a campaign aborts.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	open := make([]*TreeLog, 0, len(r.logs))
	for _, tl := range r.logs {
		open = append(open, tl)
	}
	r.mu.Unlock()
	for _, tl := range open {
		r.Close(tl.runID, tl.tree, nil)
	}
}

// GetStats returns the stats cached when the tree's log was closed.
func (r *Registry) GetStats(runID, tree string) (TreeStats, bool) {
	if r == nil {
		return TreeStats{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.cache[key(runID, tree)]
	return s, ok
}

// Run records bus messages from tap until ctx is cancelled or the tap closes.
// Logs still open on exit are closed.
func (r *Registry) Run(ctx context.Context, tap <-chan types.Message) {
	defer r.CloseAll()
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case msg, ok := <-tap:
					if !ok {
						return
					}
					r.Record(msg)
				default:
					return
				}
			}
		case msg, ok := <-tap:
			if !ok {
				return
			}
			r.Record(msg)
		}
	}
}

// Record routes one bus message to its tree's log.
func (r *Registry) Record(msg types.Message) {
	switch msg.Type {
	case types.MsgStageAdvanced:
		if sa, ok := msg.Payload.(types.StageAdvance); ok {
			r.Open(sa.RunID, sa.Tree).Stage(sa)
		}
	case types.MsgBranchCreated:
		if bc, ok := msg.Payload.(types.BranchCreated); ok {
			r.Open(bc.RunID, bc.Tree).BranchCreated(bc)
		}
	case types.MsgComparisonsDone:
		if cd, ok := msg.Payload.(types.ComparisonsDone); ok {
			r.Open(cd.RunID, cd.Tree).Comparisons(cd)
		}
	case types.MsgBranchRound:
		if br, ok := msg.Payload.(types.BranchRound); ok {
			r.Open(br.RunID, br.Tree).Round(br)
		}
	case types.MsgChampionSet:
		if rec, ok := msg.Payload.(types.ChampionRecord); ok {
			r.Open(rec.RunID, rec.Tree).Champion(rec)
		}
	case types.MsgTreeComplete:
		if ts, ok := msg.Payload.(types.TreeSummary); ok {
			r.Close(ts.RunID, ts.Tree, ts.Nominated)
		}
	}
}

// Stage writes a stage event.
func (tl *TreeLog) Stage(sa types.StageAdvance) {
	if tl == nil {
		return
	}
	tl.mu.Lock()
	tl.stats.SpawnSteps = sa.SpawnStep
	tl.stats.PruneSteps = sa.PruneStep
	tl.mu.Unlock()
	tl.write(Event{
		Kind:      KindStage,
		Stage:     sa.Stage,
		SpawnStep: sa.SpawnStep,
		PruneStep: sa.PruneStep,
		NumModels: sa.NumModels,
		NumPairs:  sa.NumPairs,
	})
}

// BranchCreated writes a branch_created event.
func (tl *TreeLog) BranchCreated(bc types.BranchCreated) {
	if tl == nil {
		return
	}
	tl.mu.Lock()
	tl.stats.Branches++
	tl.stats.ModelsPlaced += len(bc.Models)
	tl.mu.Unlock()
	tl.write(Event{
		Kind:      KindBranchCreated,
		BranchID:  bc.BranchID,
		NumModels: len(bc.Models),
		NumPairs:  bc.NumPairs,
	})
}

// Comparisons writes a comparisons event for one round.
func (tl *TreeLog) Comparisons(cd types.ComparisonsDone) {
	if tl == nil {
		return
	}
	tl.mu.Lock()
	tl.stats.ComparisonsComputed += cd.Computed
	tl.stats.ComparisonsReused += cd.Pairs - cd.Computed
	tl.mu.Unlock()
	tl.write(Event{
		Kind:     KindComparisons,
		BranchID: cd.BranchID,
		Round:    cd.Round,
		NumPairs: cd.Pairs,
		Computed: cd.Computed,
	})
}

// Round writes a round event.
func (tl *TreeLog) Round(br types.BranchRound) {
	if tl == nil {
		return
	}
	tl.mu.Lock()
	tl.stats.Rounds++
	if !br.ChampionSet {
		tl.stats.Ties++
	}
	if br.Forced {
		tl.stats.Forced++
	}
	tl.mu.Unlock()
	tl.write(Event{
		Kind:     KindRound,
		BranchID: br.BranchID,
		Round:    br.Round,
		Joint:    br.JointChampions,
		Forced:   br.Forced,
	})
}

// Champion writes a champion event.
func (tl *TreeLog) Champion(rec types.ChampionRecord) {
	if tl == nil {
		return
	}
	tl.write(Event{
		Kind:     KindChampion,
		BranchID: rec.BranchID,
		Round:    rec.Rounds,
		Forced:   rec.Forced,
		Champion: rec.ChampionName,
	})
}

// Stats returns a snapshot of the tree's statistics so far.
func (tl *TreeLog) Stats() TreeStats {
	if tl == nil {
		return TreeStats{}
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.stats
}

// write appends one JSON line to the tree log file. Adds timestamp, mutex-protected.
func (tl *TreeLog) write(e Event) {
	e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("[SEARCHLOG] marshal event", "error", err)
		return
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.f == nil {
		return
	}
	if _, err = fmt.Fprintf(tl.f, "%s\n", data); err != nil {
		slog.Error("[SEARCHLOG] write event", "error", err)
	}
}

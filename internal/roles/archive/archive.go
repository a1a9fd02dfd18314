// Package archive persists search outcomes in LevelDB: every finalised branch
// champion, every completed tree and every global champion, keyed by run. The
// archive only listens; it never publishes.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/haricheung/model-search/internal/types"
)

// LevelDB key prefix scheme; "|" separates fields so tree names may hold colons.
//
//	c|<run>|<tree>|<branch>        → ChampionRecord JSON
//	t|<run>|<tree>                 → TreeSummary JSON
//	g|<run>                        → GlobalChampion JSON
//	n|<model>|<run>|<tree>|<branch> → nil (champion index by model name)
const (
	prefixChampion = "c|"
	prefixTree     = "t|"
	prefixGlobal   = "g|"
	prefixName     = "n|"
)

var ErrNotFound = errors.New("archive: not found")

// Store is the LevelDB-backed archive.
type Store struct {
	db  *leveldb.DB
	tap <-chan types.Message
}

// Open opens (or creates) a LevelDB database at dbPath. tap may be nil for a
// read-only store used for queries.
func Open(dbPath string, tap <-chan types.Message) (*Store, error) {
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("open archive at %s (another msearch may hold it): %w", dbPath, err)
	}
	return &Store{db: db, tap: tap}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Run persists archived message types from the tap until ctx is cancelled or
// the tap is closed. Buffered messages are drained on cancellation.
func (s *Store) Run(ctx context.Context) {
	if s.tap == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case msg, ok := <-s.tap:
			if !ok {
				return
			}
			s.handle(msg)
		}
	}
}

func (s *Store) drain() {
	for {
		select {
		case msg, ok := <-s.tap:
			if !ok {
				return
			}
			s.handle(msg)
		default:
			return
		}
	}
}

func (s *Store) handle(msg types.Message) {
	var err error
	switch msg.Type {
	case types.MsgChampionSet:
		var rec types.ChampionRecord
		if rec, err = decode[types.ChampionRecord](msg.Payload); err == nil {
			err = s.PutChampion(rec)
		}
	case types.MsgTreeComplete:
		var ts types.TreeSummary
		if ts, err = decode[types.TreeSummary](msg.Payload); err == nil {
			err = s.PutTree(ts)
		}
	case types.MsgGlobalChampion:
		var gc types.GlobalChampion
		if gc, err = decode[types.GlobalChampion](msg.Payload); err == nil {
			err = s.PutGlobal(gc)
		}
	default:
		return
	}
	if err != nil {
		slog.Error("[ARCHIVE] persist failed", "type", msg.Type, "error", err)
	}
}

// PutChampion stores a finalised branch champion and indexes it by model name.
func (s *Store) PutChampion(rec types.ChampionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(championKey(rec.RunID, rec.Tree, rec.BranchID)), data)
	batch.Put([]byte(nameKey(rec.ChampionName, rec.RunID, rec.Tree, rec.BranchID)), nil)
	if err := s.db.Write(batch, nil); err != nil {
		return err
	}
	slog.Info("[ARCHIVE] persisted champion", "run_id", rec.RunID, "tree", rec.Tree,
		"branch", rec.BranchID, "champion", rec.ChampionName)
	return nil
}

// PutTree stores a completed tree summary.
func (s *Store) PutTree(ts types.TreeSummary) error {
	data, err := json.Marshal(ts)
	if err != nil {
		return err
	}
	if err := s.db.Put([]byte(prefixTree+ts.RunID+"|"+ts.Tree), data, nil); err != nil {
		return err
	}
	slog.Info("[ARCHIVE] persisted tree", "run_id", ts.RunID, "tree", ts.Tree, "nominated", ts.Nominated)
	return nil
}

// PutGlobal stores a run's global champion.
func (s *Store) PutGlobal(gc types.GlobalChampion) error {
	data, err := json.Marshal(gc)
	if err != nil {
		return err
	}
	if err := s.db.Put([]byte(prefixGlobal+gc.RunID), data, nil); err != nil {
		return err
	}
	slog.Info("[ARCHIVE] persisted global champion", "run_id", gc.RunID, "champion", gc.Name)
	return nil
}

// Champions returns the branch champions of one tree in a run, ordered by
// branch id. An empty tree returns every tree of the run.
func (s *Store) Champions(runID, tree string) ([]types.ChampionRecord, error) {
	prefix := prefixChampion + runID + "|"
	if tree != "" {
		prefix += tree + "|"
	}
	var out []types.ChampionRecord
	err := s.scan(prefix, func(_ string, v []byte) error {
		var rec types.ChampionRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// Trees returns the tree summaries of a run ordered by tree name.
func (s *Store) Trees(runID string) ([]types.TreeSummary, error) {
	var out []types.TreeSummary
	err := s.scan(prefixTree+runID+"|", func(_ string, v []byte) error {
		var ts types.TreeSummary
		if err := json.Unmarshal(v, &ts); err != nil {
			return err
		}
		out = append(out, ts)
		return nil
	})
	return out, err
}

// Global returns the global champion of a run.
func (s *Store) Global(runID string) (types.GlobalChampion, error) {
	var gc types.GlobalChampion
	data, err := s.db.Get([]byte(prefixGlobal+runID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return gc, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	if err != nil {
		return gc, err
	}
	return gc, json.Unmarshal(data, &gc)
}

// Runs lists the ids of every run with a global champion.
func (s *Store) Runs() ([]string, error) {
	var out []string
	err := s.scan(prefixGlobal, func(k string, _ []byte) error {
		out = append(out, strings.TrimPrefix(k, prefixGlobal))
		return nil
	})
	return out, err
}

// ChampionHistory returns every branch on which the canonical model name was
// crowned, across all runs, oldest first.
func (s *Store) ChampionHistory(name string) ([]types.ChampionRecord, error) {
	prefix := prefixName + name + "|"
	var out []types.ChampionRecord
	err := s.scan(prefix, func(k string, _ []byte) error {
		parts := strings.Split(strings.TrimPrefix(k, prefix), "|")
		if len(parts) != 3 {
			return nil
		}
		data, err := s.db.Get([]byte(prefixChampion+strings.Join(parts, "|")), nil)
		if err != nil {
			return nil
		}
		var rec types.ChampionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt < out[j].RecordedAt })
	return out, err
}

func (s *Store) scan(prefix string, fn func(key string, value []byte) error) error {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		if err := fn(string(iter.Key()), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

// championKey zero-pads the branch id so keys sort numerically.
func championKey(run, tree string, branch types.BranchID) string {
	return fmt.Sprintf("%s%s|%s|%08d", prefixChampion, run, tree, branch)
}

func nameKey(name, run, tree string, branch types.BranchID) string {
	return fmt.Sprintf("%s%s|%s|%s|%08d", prefixName, name, run, tree, branch)
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

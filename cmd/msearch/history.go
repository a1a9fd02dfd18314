package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haricheung/model-search/internal/config"
	"github.com/haricheung/model-search/internal/naming"
	"github.com/haricheung/model-search/internal/roles/archive"
	"github.com/haricheung/model-search/internal/ui"
)

func runHistory(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if archivePath != "" {
		cfg.Archive.Path = archivePath
	}
	if cfg.Archive.Path == "" {
		return errors.New("no archive configured (set archive.path, MSEARCH_ARCHIVE_PATH or --archive)")
	}
	store, err := archive.Open(cfg.Archive.Path, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	switch {
	case historyModel != "":
		return modelHistory(os.Stdout, store, historyModel)
	case historyRun != "":
		return runDetail(os.Stdout, store, historyRun)
	default:
		return listRuns(os.Stdout, store)
	}
}

func listRuns(w io.Writer, store *archive.Store) error {
	runs, err := store.Runs()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "no archived runs")
		return nil
	}
	rows := make([][]string, 0, len(runs))
	for _, id := range runs {
		gc, err := store.Global(id)
		if err != nil {
			return err
		}
		rows = append(rows, []string{id, gc.Name, strconv.Itoa(len(gc.Contenders)), strconv.FormatFloat(gc.LogLikelihood, 'f', 3, 64)})
	}
	ui.Table(w, []string{"run", "champion", "contenders", "log-lik"}, rows)
	return nil
}

func runDetail(w io.Writer, store *archive.Store, runID string) error {
	gc, err := store.Global(runID)
	if err != nil && !errors.Is(err, archive.ErrNotFound) {
		return err
	}
	if err == nil {
		fmt.Fprintf(w, "global champion %s (%d contenders)\n\n", gc.Name, len(gc.Contenders))
	}
	trees, err := store.Trees(runID)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(trees))
	for _, t := range trees {
		rows = append(rows, []string{t.Tree, strconv.Itoa(len(t.Branches)), strings.Join(t.Nominated, ", ")})
	}
	if len(rows) > 0 {
		ui.Table(w, []string{"tree", "branches", "nominated"}, rows)
		fmt.Fprintln(w)
	}
	recs, err := store.Champions(runID, "")
	if err != nil {
		return err
	}
	if len(recs) == 0 && len(trees) == 0 {
		return fmt.Errorf("%w: run %s", archive.ErrNotFound, runID)
	}
	ui.ChampionsTable(w, recs)
	return nil
}

func modelHistory(w io.Writer, store *archive.Store, name string) error {
	recs, err := store.ChampionHistory(naming.Canonical(name))
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintf(w, "%s was never a branch champion\n", naming.Canonical(name))
		return nil
	}
	ui.ChampionsTable(w, recs)
	return nil
}

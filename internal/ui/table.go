package ui

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/haricheung/model-search/internal/types"
)

// maxCell caps a column's display width; longer cells are truncated with "…".
const maxCell = 60

// Table writes headers and rows as aligned columns. Widths are measured in
// terminal cells so wide runes line up.
func Table(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i := range headers {
			if i < len(row) {
				widths[i] = max(widths[i], min(runewidth.StringWidth(row[i]), maxCell))
			}
		}
	}

	line := func(cells []string) {
		parts := make([]string, len(headers))
		for i := range headers {
			cell := ""
			if i < len(cells) {
				cell = runewidth.Truncate(cells[i], maxCell, "…")
			}
			parts[i] = runewidth.FillRight(cell, widths[i])
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
	}

	line(headers)
	rule := make([]string, len(headers))
	for i, wd := range widths {
		rule[i] = strings.Repeat("─", wd)
	}
	fmt.Fprintln(w, strings.Join(rule, "  "))
	for _, row := range rows {
		line(row)
	}
}

// BranchTable lists one branch's residents: id, name, first-round points and
// evaluation log-likelihood, champion first then by points.
func BranchTable(w io.Writer, rec types.ChampionRecord) {
	ids := make([]types.ModelID, 0, len(rec.Models))
	for id := range rec.Models {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if (ids[i] == rec.ChampionID) != (ids[j] == rec.ChampionID) {
			return ids[i] == rec.ChampionID
		}
		pi, pj := rec.BayesPoints[ids[i]], rec.BayesPoints[ids[j]]
		if pi != pj {
			return pi > pj
		}
		return ids[i] < ids[j]
	})
	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		mark := ""
		if id == rec.ChampionID {
			mark = "★"
		}
		rows = append(rows, []string{
			mark,
			strconv.Itoa(int(id)),
			rec.Models[id],
			strconv.Itoa(rec.BayesPoints[id]),
			strconv.FormatFloat(rec.LogLikelihoods[id], 'f', 3, 64),
		})
	}
	Table(w, []string{"", "id", "model", "wins", "log-lik"}, rows)
}

// ChampionsTable lists branch champion records, one row per branch.
func ChampionsTable(w io.Writer, recs []types.ChampionRecord) {
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		forced := ""
		if r.Forced {
			forced = "forced"
		}
		rows = append(rows, []string{
			r.Tree,
			strconv.Itoa(int(r.BranchID)),
			fmt.Sprintf("%d/%d", r.SpawnStep, r.PruneStep),
			r.ChampionName,
			strconv.Itoa(r.Rounds),
			forced,
		})
	}
	Table(w, []string{"tree", "branch", "spawn/prune", "champion", "rounds", ""}, rows)
}

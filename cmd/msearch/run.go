package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haricheung/model-search/internal/campaign"
	"github.com/haricheung/model-search/internal/ui"
)

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runCampaign(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	s, err := newSession(ctx, cfg, !noDisplay)
	if err != nil {
		return err
	}
	res, err := s.campaign.Run(ctx)
	s.close()
	if err != nil {
		return err
	}
	printResult(os.Stdout, res)
	return nil
}

func printResult(w io.Writer, res campaign.Result) {
	fmt.Fprintln(w, "\n--- Result ---")
	fmt.Fprintf(w, "run       %s\n", res.RunID)
	fmt.Fprintf(w, "champion  %s\n", res.Champion)
	fmt.Fprintf(w, "elapsed   %v\n\n", res.Elapsed.Round(time.Millisecond))

	rows := make([][]string, 0, len(res.Trees))
	for _, t := range res.Trees {
		rows = append(rows, []string{
			t.Tree,
			strconv.Itoa(len(t.Branches)),
			strconv.Itoa(t.SpawnSteps),
			strconv.Itoa(t.PruneSteps),
			strings.Join(t.Nominated, ", "),
		})
	}
	ui.Table(w, []string{"tree", "branches", "spawn", "prune", "nominated"}, rows)

	if len(res.Contenders) > 1 {
		fmt.Fprintln(w)
		contenders := append([]string(nil), res.Contenders...)
		sort.SliceStable(contenders, func(i, j int) bool { return res.Wins[contenders[i]] > res.Wins[contenders[j]] })
		rows = rows[:0]
		for _, c := range contenders {
			rows = append(rows, []string{c, strconv.Itoa(res.Wins[c])})
		}
		ui.Table(w, []string{"contender", "wins"}, rows)
	}
}

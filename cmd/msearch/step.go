package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/haricheung/model-search/internal/campaign"
	"github.com/haricheung/model-search/internal/ui"
)

const stepHelp = `commands:
  step, s, <enter>  place one branch on every unfinished tree
  run               step until every tree is complete
  show [tree]       print the last branch of each tree (or one tree)
  status            list trees and their stage counters
  final             run the global championship once every tree is complete
  exit, quit        leave`

func runStepper(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	// The flow display would interleave with the prompt; stepping prints tables instead.
	s, err := newSession(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer s.close()

	home, _ := os.UserHomeDir()
	histPath := filepath.Join(home, ".cache", "msearch", "step_history")
	_ = os.MkdirAll(filepath.Dir(histPath), 0o755)
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "msearch> ",
		HistoryFile:     histPath,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	st := &stepper{c: s.campaign, out: rl.Stdout()}
	fmt.Fprintf(st.out, "msearch step: run %s, %d trees (type 'help' for commands)\n", s.campaign.RunID(), len(s.campaign.Drivers()))

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		fields := strings.Fields(line)
		verb := ""
		if len(fields) > 0 {
			verb = fields[0]
		}
		if verb == "exit" || verb == "quit" {
			return nil
		}
		if err := st.exec(ctx, verb, fields[min(1, len(fields)):]); err != nil {
			fmt.Fprintf(st.out, "error: %v\n", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// stepper executes interactive commands against one campaign.
type stepper struct {
	c        *campaign.Campaign
	out      io.Writer
	finished bool
}

func (st *stepper) exec(ctx context.Context, verb string, args []string) error {
	switch verb {
	case "", "s", "step":
		return st.step(ctx)
	case "run":
		for !st.c.Done() {
			if err := st.step(ctx); err != nil {
				return err
			}
		}
		return nil
	case "show":
		st.show(args)
		return nil
	case "status":
		st.status()
		return nil
	case "final":
		return st.final(ctx)
	case "help", "?":
		fmt.Fprintln(st.out, stepHelp)
		return nil
	default:
		return fmt.Errorf("unknown command %q (type 'help')", verb)
	}
}

// step advances every unfinished tree by one branch and prints what was placed.
func (st *stepper) step(ctx context.Context) error {
	if st.c.Done() {
		fmt.Fprintln(st.out, "every tree is complete; type 'final' for the global championship")
		return nil
	}
	for _, d := range st.c.Drivers() {
		if d.Done() {
			continue
		}
		done, err := d.Step(ctx)
		if err != nil {
			return fmt.Errorf("tree %s: %w", d.Tree().Name(), err)
		}
		b := d.LastBranch()
		rec := b.Record()
		fmt.Fprintf(st.out, "\n%s branch %d (spawn %d, prune %d) champion %s after %d round(s)\n",
			d.Tree().Name(), b.ID(), rec.SpawnStep, rec.PruneStep, rec.ChampionName, rec.Rounds)
		ui.BranchTable(st.out, rec)
		if done {
			fmt.Fprintf(st.out, "%s complete; nominated %s\n", d.Tree().Name(), strings.Join(d.Nominated(), ", "))
		}
	}
	return nil
}

func (st *stepper) show(args []string) {
	for _, d := range st.c.Drivers() {
		if len(args) > 0 && d.Tree().Name() != args[0] {
			continue
		}
		b := d.LastBranch()
		if b == nil {
			fmt.Fprintf(st.out, "%s: no branches yet\n", d.Tree().Name())
			continue
		}
		fmt.Fprintf(st.out, "\n%s branch %d [%s]\n", d.Tree().Name(), b.ID(), b.State())
		ui.BranchTable(st.out, b.Record())
	}
}

func (st *stepper) status() {
	rows := make([][]string, 0, len(st.c.Drivers()))
	for _, d := range st.c.Drivers() {
		t := d.Tree()
		state := "running"
		if d.Done() {
			state = "complete"
		}
		next := ""
		if l := d.PendingLayer(); l != nil {
			next = fmt.Sprintf("%s, %d models", l.Stage, len(l.Models))
		}
		rows = append(rows, []string{
			t.Name(),
			state,
			fmt.Sprint(len(t.Branches())),
			fmt.Sprint(t.SpawnStep()),
			fmt.Sprint(t.PruneStep()),
			next,
		})
	}
	ui.Table(st.out, []string{"tree", "state", "branches", "spawn", "prune", "next layer"}, rows)
}

func (st *stepper) final(ctx context.Context) error {
	if st.finished {
		return errors.New("global championship already run")
	}
	res, err := st.c.Championship(ctx)
	if err != nil {
		return err
	}
	st.finished = true
	printResult(st.out, res)
	return nil
}

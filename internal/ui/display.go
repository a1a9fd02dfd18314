package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/haricheung/model-search/internal/types"
)

// ANSI codes
const (
	ansiReset   = "\033[0m"
	ansiBold    = "\033[1m"
	ansiDim     = "\033[2m"
	ansiCyan    = "\033[36m"
	ansiYellow  = "\033[33m"
	ansiGreen   = "\033[32m"
	ansiRed     = "\033[31m"
	ansiMagenta = "\033[35m"
	ansiBlue    = "\033[34m"
)

var roleEmoji = map[types.Role]string{
	types.RoleTree:     "🌳",
	types.RoleBranch:   "🌿",
	types.RoleCampaign: "🏁",
	types.RoleComparer: "⚖️ ",
	types.RoleArchive:  "💾",
	types.RoleAuditor:  "📡",
	types.RoleUser:     "👤",
}

var msgColor = map[types.MessageType]string{
	types.MsgStageAdvanced:   ansiCyan,
	types.MsgBranchCreated:   ansiBlue,
	types.MsgComparisonsDone: ansiDim + ansiBlue,
	types.MsgBranchRound:     ansiYellow,
	types.MsgChampionSet:     ansiMagenta,
	types.MsgTreeComplete:    ansiGreen,
	types.MsgGlobalChampion:  ansiBold + ansiGreen,
}

var msgStatus = map[types.MessageType]string{
	types.MsgStageAdvanced:   "🌳 growing tree...",
	types.MsgBranchCreated:   "⚖️  learning models...",
	types.MsgComparisonsDone: "🌿 tallying wins...",
	types.MsgBranchRound:     "🌿 settling champion...",
	types.MsgChampionSet:     "🌳 choosing next layer...",
	types.MsgTreeComplete:    "🏁 waiting for other trees...",
}

// dynamicStatus returns a spinner label for msg, enriched with payload detail
// for message types where the static label alone is not informative enough.
func dynamicStatus(msg types.Message) string {
	switch msg.Type {
	case types.MsgBranchRound:
		var r types.BranchRound
		if remarshal(msg.Payload, &r) == nil && !r.ChampionSet {
			return fmt.Sprintf("🌿 %s branch %d tied, reconsidering %d models...", r.Tree, r.BranchID, len(r.JointChampions))
		}
	case types.MsgStageAdvanced:
		var s types.StageAdvance
		if remarshal(msg.Payload, &s) == nil && s.Stage == types.StagePrune {
			return "✂️  pruning..."
		}
	}
	return msgStatus[msg.Type]
}

var spinRunes = []rune("⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏")

// Display renders the live flow of a search campaign. It reads from a bus tap
// channel and draws one line per message inside a campaign box, with a spinner
// showing what the campaign is waiting on.
type Display struct {
	tap     <-chan types.Message
	out     io.Writer
	spinner bool
	mu      sync.Mutex
	status  string
	started time.Time
	inRun   bool
	spinIdx int
}

// New creates a Display reading from tap and writing to out. spinner enables
// the animated status line; disable it when out is not a terminal.
func New(tap <-chan types.Message, out io.Writer, spinner bool) *Display {
	return &Display{tap: tap, out: out, spinner: spinner}
}

// Run is the main goroutine. It renders flow lines and animates the spinner.
// All writes to out happen on this goroutine.
func (d *Display) Run(ctx context.Context) {
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.clearLine()
			if d.inRun {
				d.endRun(false)
			}
			return

		case msg, ok := <-d.tap:
			if !ok {
				d.clearLine()
				if d.inRun {
					d.endRun(false)
				}
				return
			}
			d.Handle(msg)

		case <-ticker.C:
			if !d.inRun || !d.spinner {
				continue
			}
			frame := spinRunes[d.spinIdx%len(spinRunes)]
			d.spinIdx++
			d.mu.Lock()
			status := d.status
			d.mu.Unlock()
			fmt.Fprintf(d.out, "\r%s%s%s %s", ansiCyan, string(frame), ansiReset, status)
		}
	}
}

// Handle renders one message. Run calls it for every tapped message.
func (d *Display) Handle(msg types.Message) {
	if !d.inRun {
		d.startRun()
	}
	d.clearLine()
	d.printFlow(msg)
	d.setStatus(dynamicStatus(msg))
	if msg.Type == types.MsgGlobalChampion {
		d.endRun(true)
	}
}

func (d *Display) clearLine() {
	if d.spinner {
		fmt.Fprint(d.out, "\r\033[K")
	}
}

func (d *Display) startRun() {
	d.started = time.Now()
	d.inRun = true
	d.setStatus("starting...")
	fmt.Fprintf(d.out, "\n%s┌─── 🔭 msearch campaign %s%s\n", ansiDim, strings.Repeat("─", 40), ansiReset)
}

func (d *Display) endRun(success bool) {
	d.inRun = false
	elapsed := time.Since(d.started).Round(time.Millisecond)
	icon := "✅"
	if !success {
		icon = "❌"
	}
	fmt.Fprintf(d.out, "%s└─── %s  %v %s%s\n", ansiDim, icon, elapsed, strings.Repeat("─", 35), ansiReset)
}

func (d *Display) setStatus(s string) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}

func (d *Display) printFlow(msg types.Message) {
	from := roleLabel(msg.From)
	to := roleLabel(msg.To)

	label := string(msg.Type)
	if det := msgDetail(msg); det != "" {
		label += ": " + det
	}

	color := msgColor[msg.Type]
	if color == "" {
		color = ansiDim
	}

	// Bookkeeping messages are rendered dim.
	isDim := msg.Type == types.MsgComparisonsDone

	var line string
	if isDim {
		line = fmt.Sprintf("%s  %s ──[%s]──► %s%s", ansiDim, from, label, to, ansiReset)
	} else {
		line = fmt.Sprintf("  %s ──[%s%s%s]──► %s", from, color, label, ansiReset, to)
	}
	fmt.Fprintln(d.out, line)
}

func roleLabel(r types.Role) string {
	emoji, ok := roleEmoji[r]
	if !ok {
		emoji = "•"
	}
	return emoji + " " + string(r)
}

func msgDetail(msg types.Message) string {
	switch msg.Type {
	case types.MsgStageAdvanced:
		var s types.StageAdvance
		if remarshal(msg.Payload, &s) == nil {
			return fmt.Sprintf("%s %s spawn=%d prune=%d, %d models", s.Tree, s.Stage, s.SpawnStep, s.PruneStep, s.NumModels)
		}
	case types.MsgBranchCreated:
		var b types.BranchCreated
		if remarshal(msg.Payload, &b) == nil {
			return fmt.Sprintf("#%d %d models, %d pairs, %d to learn", b.BranchID, len(b.Models), b.NumPairs, len(b.Unlearned))
		}
	case types.MsgComparisonsDone:
		var c types.ComparisonsDone
		if remarshal(msg.Payload, &c) == nil {
			return fmt.Sprintf("#%d round %d %d/%d computed", c.BranchID, c.Round, c.Computed, c.Pairs)
		}
	case types.MsgBranchRound:
		var r types.BranchRound
		if remarshal(msg.Payload, &r) == nil {
			switch {
			case r.Forced:
				return fmt.Sprintf("#%d round %d forced", r.BranchID, r.Round)
			case r.ChampionSet:
				return fmt.Sprintf("#%d round %d decided", r.BranchID, r.Round)
			default:
				return fmt.Sprintf("#%d round %d tie %v", r.BranchID, r.Round, r.JointChampions)
			}
		}
	case types.MsgChampionSet:
		var c types.ChampionRecord
		if remarshal(msg.Payload, &c) == nil {
			return fmt.Sprintf("#%d %s", c.BranchID, clip(c.ChampionName, 50))
		}
	case types.MsgTreeComplete:
		var s types.TreeSummary
		if remarshal(msg.Payload, &s) == nil {
			return fmt.Sprintf("%s nominated %s", s.Tree, clip(strings.Join(s.Nominated, ", "), 45))
		}
	case types.MsgGlobalChampion:
		var g types.GlobalChampion
		if remarshal(msg.Payload, &g) == nil {
			return fmt.Sprintf("%s of %d", clip(g.Name, 50), len(g.Contenders))
		}
	}
	return ""
}

// clip truncates s to at most n characters, appending "…" if trimmed.
func clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}

func remarshal(src, dst any) error {
	b, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

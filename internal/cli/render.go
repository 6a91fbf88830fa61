package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/PipeOpsHQ/agent-runtime-go/hooks"
	"github.com/PipeOpsHQ/agent-runtime-go/runtime"
	"github.com/PipeOpsHQ/agent-runtime-go/state"
	"github.com/PipeOpsHQ/agent-runtime-go/types"
)

const (
	ansiReset  = "\033[0m"
	ansiDim    = "\033[2m"
	ansiBold   = "\033[1m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
)

// renderer prints message snapshots as they stream. Text parts print only
// the suffix not yet written; tool and hook parts print once per status.
type renderer struct {
	out     io.Writer
	color   bool
	json    bool
	printed map[string]int
	shown   map[string]string
	open    bool
}

func newRenderer(out *os.File, jsonOutput bool) *renderer {
	fd := out.Fd()
	return &renderer{
		out:     out,
		color:   isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd),
		json:    jsonOutput,
		printed: map[string]int{},
		shown:   map[string]string{},
	}
}

func (r *renderer) paint(code, text string) string {
	if !r.color {
		return text
	}
	return code + text + ansiReset
}

func (r *renderer) message(msg *types.Message) {
	if msg == nil {
		return
	}
	if r.json {
		_ = json.NewEncoder(r.out).Encode(msg)
		return
	}
	if msg.Role != types.RoleAssistant {
		return
	}
	for i, part := range msg.Parts {
		key := fmt.Sprintf("%s/%d", msg.ID, i)
		switch p := part.(type) {
		case *types.TextPart:
			r.text(key, msg.Label, p)
		case *types.ToolPart:
			r.tool(key, p)
		case *types.HookPart:
			r.hook(key, p)
		}
	}
}

func (r *renderer) text(key, label string, p *types.TextPart) {
	n, seen := r.printed[key]
	if !seen && label != "" {
		r.endLine()
		fmt.Fprint(r.out, r.paint(ansiCyan, "["+label+"] "))
	}
	if len(p.Text) > n {
		fmt.Fprint(r.out, p.Text[n:])
		r.open = true
	}
	r.printed[key] = len(p.Text)
	if p.State == types.StateDone && r.shown[key] == "" {
		r.shown[key] = "done"
		r.endLine()
	}
}

func (r *renderer) tool(key string, p *types.ToolPart) {
	status := string(p.Status)
	if r.shown[key] == status || p.State != types.StateDone {
		return
	}
	r.shown[key] = status
	r.endLine()
	call := fmt.Sprintf("%s(%s)", p.ToolName, string(p.Arguments))
	switch p.Status {
	case types.ToolResult:
		fmt.Fprintf(r.out, "%s %s %s\n", r.paint(ansiDim, "tool"), call, r.paint(ansiGreen, "= "+string(p.Result)))
	case types.ToolError:
		fmt.Fprintf(r.out, "%s %s %s\n", r.paint(ansiDim, "tool"), call, r.paint(ansiRed, "! "+p.Error))
	default:
		fmt.Fprintf(r.out, "%s %s\n", r.paint(ansiDim, "tool"), call)
	}
}

func (r *renderer) hook(key string, p *types.HookPart) {
	status := string(p.Status)
	if r.shown[key] == status {
		return
	}
	r.shown[key] = status
	r.endLine()
	switch p.Status {
	case types.HookResolved:
		fmt.Fprintf(r.out, "%s %s %s\n", r.paint(ansiDim, "hook"), p.HookID, r.paint(ansiGreen, "resolved "+string(p.Resolution)))
	case types.HookCancelled:
		fmt.Fprintf(r.out, "%s %s %s\n", r.paint(ansiDim, "hook"), p.HookID, r.paint(ansiRed, "cancelled"))
	default:
		fmt.Fprintf(r.out, "%s %s %s\n", r.paint(ansiDim, "hook"), p.HookID, r.paint(ansiYellow, "waiting ("+p.HookType+")"))
	}
}

func (r *renderer) endLine() {
	if r.open {
		fmt.Fprintln(r.out)
		r.open = false
	}
}

// summary prints the outcome of a finished run and, for a suspended run,
// how to resume it.
func (r *renderer) summary(run *runtime.Run) {
	r.endLine()
	if r.json {
		return
	}
	st := run.State()
	code := ansiGreen
	switch st {
	case runtime.StateSuspended:
		code = ansiYellow
	case runtime.StateFailed:
		code = ansiRed
	}
	fmt.Fprintf(r.out, "\n%s %s  run=%s session=%s\n", r.paint(ansiBold, "state"), r.paint(code, st.String()), run.ID(), run.SessionID())
	if err := run.Err(); err != nil {
		fmt.Fprintf(r.out, "%s %v\n", r.paint(ansiRed, "error"), err)
	}
	if st != runtime.StateSuspended {
		return
	}
	pending := run.PendingHooks()
	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		r.pendingHook(id, pending[id])
	}
	fmt.Fprintf(r.out, "resume with: agentrun resume %s --resolve=<hook-id>=<json>\n", run.ID())
}

func (r *renderer) pendingHook(id string, info hooks.Info) {
	line := fmt.Sprintf("  %s (%s)", id, info.HookType)
	if len(info.Metadata) > 0 {
		raw, _ := json.Marshal(info.Metadata)
		line += " " + r.paint(ansiDim, string(raw))
	}
	fmt.Fprintln(r.out, line)
}

func (r *renderer) runs(runs []state.RunRecord) {
	if r.json {
		_ = json.NewEncoder(r.out).Encode(runs)
		return
	}
	if len(runs) == 0 {
		fmt.Fprintln(r.out, "no runs found")
		return
	}
	for _, run := range runs {
		fmt.Fprintf(r.out, "%s  %-10s %-10s session=%s updated=%s\n",
			run.RunID, r.paint(statusColor(run.Status), run.Status), run.Workflow, run.SessionID, ago(run.UpdatedAt))
		for _, hook := range run.PendingHooks {
			fmt.Fprintf(r.out, "    waiting on %s (%s)\n", hook.HookID, hook.HookType)
		}
	}
}

func (r *renderer) checkpoints(rows []state.CheckpointRecord) {
	if r.json {
		_ = json.NewEncoder(r.out).Encode(rows)
		return
	}
	if len(rows) == 0 {
		fmt.Fprintln(r.out, "no checkpoints found")
		return
	}
	for _, row := range rows {
		fingerprint := row.Fingerprint
		if len(fingerprint) > 12 {
			fingerprint = fingerprint[:12]
		}
		fmt.Fprintf(r.out, "#%-4d %-10s %8s  %s  %s\n",
			row.Seq, r.paint(statusColor(row.Status), row.Status), humanize.Bytes(uint64(len(row.Checkpoint))),
			fingerprint, humanize.Time(row.CreatedAt))
	}
}

func (r *renderer) workflows(described map[string]string) {
	names := make([]string, 0, len(described))
	for name := range described {
		names = append(names, name)
	}
	sort.Strings(names)
	width := 0
	for _, name := range names {
		width = max(width, len(name))
	}
	for _, name := range names {
		fmt.Fprintf(r.out, "%-*s  %s\n", width, name, strings.TrimSpace(described[name]))
	}
}

func statusColor(status string) string {
	switch status {
	case state.StatusCompleted:
		return ansiGreen
	case state.StatusSuspended:
		return ansiYellow
	case state.StatusFailed:
		return ansiRed
	}
	return ansiCyan
}

func ago(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return humanize.Time(*t)
}

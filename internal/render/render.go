// Package render prints stream events, outcomes and metrics for the
// terminal.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/charmbracelet/lipgloss"

	"github.com/user/buddy/internal/session"
	"github.com/user/buddy/internal/types"
)

const maxResultLen = 600

type Styles struct {
	Tool    lipgloss.Style
	Success lipgloss.Style
	Failure lipgloss.Style
	Muted   lipgloss.Style
	Label   lipgloss.Style
}

func DefaultStyles() Styles {
	return Styles{
		Tool:    lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true),
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		Failure: lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		Muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		Label:   lipgloss.NewStyle().Bold(true),
	}
}

// Renderer writes a live view of a stream. Its Event method matches
// session.Observer.
type Renderer struct {
	w       io.Writer
	styles  Styles
	midLine bool
}

func New(w io.Writer) *Renderer {
	return &Renderer{w: w, styles: DefaultStyles()}
}

func (r *Renderer) Event(ev types.Event) {
	switch e := ev.(type) {
	case *types.TokenEvent:
		fmt.Fprint(r.w, e.Token)
		r.midLine = !strings.HasSuffix(e.Token, "\n")
	case *types.ToolCallEvent:
		r.newline()
		fmt.Fprintf(r.w, "%s %s\n", r.styles.Tool.Render("→ "+e.ToolName), r.styles.Muted.Render(e.ToolInput))
	case *types.ToolResultEvent:
		r.newline()
		status := r.styles.Success.Render("ok")
		if !e.Success {
			status = r.styles.Failure.Render("failed")
		}
		fmt.Fprintf(r.w, "%s %s\n", r.styles.Tool.Render("← "+e.ToolName), status)
		if text := ToolResultText(e.Result); text != "" {
			fmt.Fprintln(r.w, r.styles.Muted.Render(truncate(text, maxResultLen)))
		}
	case *types.DoneEvent:
		r.newline()
		if e.Summary != "" {
			fmt.Fprintln(r.w, r.styles.Muted.Render(e.Summary))
		}
	default:
		panic(fmt.Sprintf("render: unhandled event type %T", ev))
	}
}

func (r *Renderer) newline() {
	if r.midLine {
		fmt.Fprintln(r.w)
		r.midLine = false
	}
}

// Outcome prints a one-line summary of a finished stream.
func (r *Renderer) Outcome(out *session.Outcome) {
	r.newline()
	state := string(out.State)
	switch out.State {
	case session.StateCompleted:
		state = r.styles.Success.Render(state)
	case session.StateFailed:
		state = r.styles.Failure.Render(state)
	}
	line := fmt.Sprintf("%s · %d events · ~%d tokens · %s",
		state, out.Events, CountTokens(out.Transcript), out.Duration.Round(time.Millisecond))
	fmt.Fprintln(r.w, r.styles.Muted.Render(line))
	if out.Err != nil {
		fmt.Fprintln(r.w, r.styles.Failure.Render("error: "+out.Err.Error()))
	}
}

// Metrics prints the counters as an aligned table.
func Metrics(w io.Writer, m types.Metrics) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "METRIC\tCOUNT")
	fmt.Fprintf(tw, "openai calls\t%d\n", m.OpenAICalls)
	fmt.Fprintf(tw, "search calls\t%d\n", m.SearchCalls)
	fmt.Fprintf(tw, "tokens emitted\t%d\n", m.TokensEmitted)
	fmt.Fprintf(tw, "tool calls\t%d\n", m.ToolCalls)
	tw.Flush()
}

// Activity prints one line per entry, oldest first.
func Activity(w io.Writer, entries []types.ActivityEntry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTYPE\tDETAIL")
	for _, entry := range entries {
		at := time.UnixMilli(entry.Timestamp).Format("15:04:05.000")
		fmt.Fprintf(tw, "%s\t%s\t%s\n", at, entry.Type, describe(entry.Payload))
	}
	tw.Flush()
}

// FilterActivity keeps the entries whose type is one of kinds. With no
// kinds it returns entries unchanged.
func FilterActivity(entries []types.ActivityEntry, kinds ...types.EventKind) []types.ActivityEntry {
	if len(kinds) == 0 {
		return entries
	}
	var out []types.ActivityEntry
	for _, entry := range entries {
		for _, k := range kinds {
			if entry.Type == k {
				out = append(out, entry)
				break
			}
		}
	}
	return out
}

// ActivityJSON writes entries as an indented JSON array for export.
func ActivityJSON(w io.Writer, entries []types.ActivityEntry) error {
	if entries == nil {
		entries = []types.ActivityEntry{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		return fmt.Errorf("encode activity: %w", err)
	}
	return nil
}

func describe(ev types.Event) string {
	switch e := ev.(type) {
	case *types.TokenEvent:
		return fmt.Sprintf("%q", e.Token)
	case *types.ToolCallEvent:
		return truncate(e.ToolName+" "+e.ToolInput, 60)
	case *types.ToolResultEvent:
		if e.Success {
			return e.ToolName + " ok"
		}
		return e.ToolName + " failed"
	case *types.DoneEvent:
		return e.Summary
	default:
		panic(fmt.Sprintf("render: unhandled event type %T", ev))
	}
}

// ToolResultText returns result as markdown when it looks like HTML.
func ToolResultText(result string) string {
	trimmed := strings.TrimSpace(result)
	if !strings.HasPrefix(trimmed, "<") || !strings.Contains(trimmed, "</") {
		return trimmed
	}
	md, err := htmltomarkdown.ConvertString(trimmed)
	if err != nil {
		return trimmed
	}
	return strings.TrimSpace(md)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

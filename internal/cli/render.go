package cli

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"chronobot/internal/domain"
	"chronobot/internal/storage"
)

var statusColors = map[domain.Status]lipgloss.Color{
	domain.StatusScheduled: lipgloss.Color("12"),
	domain.StatusActive:    lipgloss.Color("11"),
	domain.StatusCompleted: lipgloss.Color("10"),
	domain.StatusExpired:   lipgloss.Color("9"),
}

type printer struct {
	w     io.Writer
	color bool
	now   time.Time
	dim   lipgloss.Style
}

func newPrinter(w io.Writer, force *bool, now time.Time) *printer {
	color := false
	if force != nil {
		color = *force
	} else if f, ok := w.(*os.File); ok && os.Getenv("NO_COLOR") == "" {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &printer{w: w, color: color, now: now, dim: lipgloss.NewStyle().Faint(true)}
}

func (p *printer) status(s domain.Status) string {
	if !p.color {
		return string(s)
	}
	return lipgloss.NewStyle().Foreground(statusColors[s]).Bold(s == domain.StatusActive).Render(string(s))
}

func (p *printer) faint(s string) string {
	if !p.color {
		return s
	}
	return p.dim.Render(s)
}

// when renders t as "2026-03-01 09:00 (in 5 minutes)".
func (p *printer) when(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	rel := humanize.RelTime(t, p.now, "ago", "from now")
	return t.Local().Format("2006-01-02 15:04") + " " + p.faint("("+rel+")")
}

func truncate(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n-1]) + "…"
}

func (p *printer) table(list []domain.Action) {
	if len(list) == 0 {
		fmt.Fprintln(p.w, "No actions.")
		return
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tMODE\tNEXT CHECK\tTRIES\tCOMMAND")
	for _, a := range list {
		next := p.when(a.NextCheckAt)
		if a.Status.Terminal() {
			next = p.faint("done " + humanize.RelTime(a.UpdatedAt, p.now, "ago", "from now"))
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n",
			a.ID, p.status(a.Status), a.Mode, next, a.AttemptCount, truncate(a.Command, 48))
	}
	_ = tw.Flush()
	fmt.Fprintf(p.w, "%s\n", p.faint(humanize.Comma(int64(len(list)))+" action(s)"))
}

func (p *printer) detail(a domain.Action) {
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	row := func(k, v string) { fmt.Fprintf(tw, "%s\t%s\n", k, v) }

	row("ID", fmt.Sprint(a.ID))
	row("Command", a.Command)
	row("Status", p.status(a.Status))
	row("Mode", string(a.Mode))
	row("Trigger", p.when(a.TriggerAt))
	if a.Status.Pending() {
		row("Next check", p.when(a.NextCheckAt))
	}
	if a.RetryUntil != nil {
		row("Retry until", p.when(*a.RetryUntil))
	}
	row("Attempts", fmt.Sprint(a.AttemptCount))
	if a.LastAttemptAt != nil {
		row("Last attempt", p.when(*a.LastAttemptAt))
	}
	if a.LastMessage != "" {
		row("Last message", a.LastMessage)
	}
	if r := a.Recurrence; r != nil {
		every := "every " + r.Interval.String()
		if r.Until != nil {
			every += ", until " + r.Until.Local().Format("2006-01-02 15:04")
		}
		row("Repeats", every)
		if r.ParentID != 0 {
			row("Parent", fmt.Sprint(r.ParentID))
		}
	}
	if len(a.Context) > 0 {
		keys := make([]string, 0, len(a.Context))
		for k := range a.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, a.Context[k]))
		}
		row("Context", strings.Join(parts, " "))
	}
	row("Created", p.when(a.CreatedAt))
	row("Updated", p.when(a.UpdatedAt))
	_ = tw.Flush()
}

func (p *printer) events(events []storage.Event) {
	if len(events) == 0 {
		fmt.Fprintln(p.w, "No recorded events.")
		return
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tEVENT\tATTEMPT\tDETAIL")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", p.when(e.At), strings.TrimPrefix(e.Kind, "action."), e.Attempt, e.Detail)
	}
	_ = tw.Flush()
}

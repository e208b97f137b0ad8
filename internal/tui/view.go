package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mblsha/appforge/internal/job"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	faintStyle   = lipgloss.NewStyle().Faint(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	cursorStyle  = lipgloss.NewStyle().Reverse(true)
	sectionStyle = lipgloss.NewStyle().Bold(true).BorderStyle(lipgloss.NormalBorder()).BorderTop(true)
	stateColors  = map[job.State]lipgloss.Color{
		job.StateQueued:    "11",
		job.StateRunning:   "12",
		job.StateCompleted: "10",
		job.StateFailed:    "9",
	}
)

const (
	headerRows   = 4
	detailRows   = 3
	minListRows  = 5
	activityRows = 8
)

func (w watcher) View() string {
	var sections []string
	sections = append(sections, w.header())

	if len(w.list.items) == 0 {
		empty := "No jobs yet."
		if w.fetching {
			empty = "Loading..."
		} else if w.activeOnly {
			empty = "No active jobs."
		}
		sections = append(sections, "", empty)
	} else {
		sections = append(sections, w.table(), w.details())
	}
	if len(w.tail) > 0 {
		sections = append(sections, w.tailSection())
	}
	sections = append(sections, w.activitySection())

	out := lipgloss.JoinVertical(lipgloss.Left, sections...)
	if w.width > 0 {
		out = lipgloss.NewStyle().MaxWidth(w.width).Render(out)
	}
	return out
}

func (w watcher) header() string {
	title := "appforge build jobs"
	if w.opts.Server != "" {
		title += " @ " + w.opts.Server
	}
	if w.activeOnly {
		title += " [active only]"
	}
	status := w.status
	if w.errText != "" {
		status += "  " + errorStyle.Render("error: "+w.errText)
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render(title),
		faintStyle.Render("j/k move  enter log tail  c cancel  a active only  r refresh  q quit"),
		status,
	)
}

func (w watcher) table() string {
	rows := minListRows
	if w.height > 0 {
		rows = w.height - headerRows - detailRows - w.tailHeight() - activityRows - 2
	}
	start, end := w.list.window(rows)

	lines := make([]string, 0, end-start)
	for i := start; i < end; i++ {
		row := formatRow(w.list.items[i])
		if i == w.list.cursor {
			lines = append(lines, "> "+cursorStyle.Render(row))
		} else {
			lines = append(lines, "  "+row)
		}
	}
	return strings.Join(lines, "\n")
}

func formatRow(rec job.Record) string {
	state := string(rec.State)
	if rec.Reason != job.ReasonNone {
		state += "/" + string(rec.Reason)
	}
	cells := []string{
		lipgloss.NewStyle().Width(19).Render(rec.CreatedAt.Local().Format("2006-01-02 15:04:05")),
		lipgloss.NewStyle().Width(16).MaxWidth(16).Render(rec.App),
		lipgloss.NewStyle().Width(10).MaxWidth(10).Render(rec.Flavor),
		lipgloss.NewStyle().Width(4).Render(string(rec.OutputType)),
		lipgloss.NewStyle().Width(8).Render(string(rec.BuildMode)),
		lipgloss.NewStyle().Width(28).Foreground(stateColors[rec.State]).Render(state),
		shortID(rec.ID),
	}
	return strings.Join(cells, " ")
}

func (w watcher) details() string {
	cur, ok := w.list.current()
	if !ok {
		return ""
	}
	first := fmt.Sprintf("%s  %s/%s  %s %s", cur.ID, cur.App, cur.Flavor, cur.OutputType, cur.BuildMode)
	second := cur.Message
	if cur.Error != "" {
		second = errorStyle.Render(cur.Error)
	}
	if cur.Artifact != nil {
		second = fmt.Sprintf("%s (%d bytes, sha256 %.12s)", cur.Artifact.Name, cur.Artifact.Size, cur.Artifact.SHA256)
	}
	return sectionStyle.Render("Selected") + "\n" + first + "\n" + faintStyle.Render(second)
}

func (w watcher) tailHeight() int {
	if len(w.tail) == 0 {
		return 0
	}
	return len(w.tail) + 2
}

func (w watcher) tailSection() string {
	return sectionStyle.Render("Log tail "+shortID(w.tailID)) + "\n" + strings.Join(w.tail, "\n")
}

func (w watcher) activitySection() string {
	lines := w.activity.last(activityRows)
	body := faintStyle.Render("(no events yet)")
	if len(lines) > 0 {
		body = strings.Join(lines, "\n")
	}
	return sectionStyle.Render("Activity") + "\n" + body
}

package tui

import (
	"fmt"
	"sort"
	"time"

	"github.com/mblsha/appforge/internal/job"
)

// jobList holds the displayed jobs newest first and a cursor that follows
// the selected job id across refreshes.
type jobList struct {
	items  []job.Record
	cursor int
	id     string
}

func (l *jobList) replace(items []job.Record) {
	l.items = append(l.items[:0:0], items...)
	sort.SliceStable(l.items, func(i, j int) bool {
		a, b := l.items[i], l.items[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	for i, rec := range l.items {
		if rec.ID == l.id && l.id != "" {
			l.cursor = i
			return
		}
	}
	l.cursor = 0
	l.id = ""
	if len(l.items) > 0 {
		l.id = l.items[0].ID
	}
}

func (l *jobList) move(delta int) {
	if len(l.items) == 0 {
		return
	}
	l.cursor = min(max(l.cursor+delta, 0), len(l.items)-1)
	l.id = l.items[l.cursor].ID
}

func (l jobList) current() (job.Record, bool) {
	if l.cursor < 0 || l.cursor >= len(l.items) {
		return job.Record{}, false
	}
	return l.items[l.cursor], true
}

// window returns the [start, end) slice of rows to draw so the cursor stays
// visible in at most rows lines.
func (l jobList) window(rows int) (int, int) {
	rows = min(max(rows, 1), len(l.items))
	start := 0
	if l.cursor >= rows {
		start = l.cursor - rows + 1
	}
	return start, start + rows
}

// transitions describes what changed between the previous snapshot and items.
func transitions(prev map[string]job.State, items []job.Record) []string {
	var out []string
	for _, rec := range items {
		was, seen := prev[rec.ID]
		switch {
		case !seen:
			out = append(out, fmt.Sprintf("new job %s %s/%s %s", shortID(rec.ID), rec.App, rec.Flavor, rec.BuildMode))
		case was != rec.State:
			line := fmt.Sprintf("job %s %s -> %s", shortID(rec.ID), was, rec.State)
			if rec.Reason != job.ReasonNone {
				line += " (" + string(rec.Reason) + ")"
			}
			out = append(out, line)
		}
	}
	return out
}

type activityLog struct {
	lines []string
	max   int
}

func (a *activityLog) add(at time.Time, text string) {
	if text == "" {
		return
	}
	a.lines = append(a.lines, at.Local().Format("15:04:05")+"  "+text)
	if over := len(a.lines) - a.max; a.max > 0 && over > 0 {
		a.lines = a.lines[over:]
	}
}

func (a activityLog) last(n int) []string {
	if n <= 0 {
		return nil
	}
	if n >= len(a.lines) {
		return a.lines
	}
	return a.lines[len(a.lines)-n:]
}

// shortID keeps the tail of the id; UUIDv7 ids share their leading
// timestamp bits.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}

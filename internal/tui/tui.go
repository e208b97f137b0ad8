// Package tui is the terminal job watcher behind `appforge-cli watch`.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mblsha/appforge/internal/job"
)

// Source is the subset of the HTTP client the watcher needs.
type Source interface {
	ListJobs(ctx context.Context, limit int) ([]job.Record, error)
	GetLogTail(ctx context.Context, jobID string, lines int) (string, error)
	CancelJob(ctx context.Context, jobID string) (*job.Record, error)
}

type Options struct {
	Client          Source
	Limit           int
	RefreshInterval time.Duration
	RequestTimeout  time.Duration
	TailLines       int
	Server          string
}

func (o Options) withDefaults() Options {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = 1500 * time.Millisecond
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.TailLines <= 0 {
		o.TailLines = 15
	}
	o.Server = strings.TrimSpace(o.Server)
	return o
}

// Run blocks until the user quits or ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	w, err := newWatcher(opts)
	if err != nil {
		return err
	}
	_, err = tea.NewProgram(w, tea.WithContext(ctx), tea.WithAltScreen()).Run()
	switch {
	case err == nil, errors.Is(err, tea.ErrInterrupted):
		return nil
	case ctx.Err() != nil && (errors.Is(err, tea.ErrProgramKilled) || errors.Is(err, context.Canceled)):
		return nil
	}
	return err
}

type tickMsg struct{}

type jobsMsg struct {
	items []job.Record
	err   error
}

type tailMsg struct {
	jobID string
	lines []string
	err   error
}

type cancelledMsg struct {
	jobID string
	err   error
}

type watcher struct {
	opts Options

	list     jobList
	activity activityLog
	states   map[string]job.State

	tailID string
	tail   []string

	activeOnly bool
	fetching   bool
	cancelID   string
	status     string
	errText    string

	width, height int
	now           func() time.Time
}

func newWatcher(opts Options) (watcher, error) {
	if opts.Client == nil {
		return watcher{}, fmt.Errorf("tui client is required")
	}
	return watcher{
		opts:     opts.withDefaults(),
		activity: activityLog{max: 25},
		fetching: true,
		status:   "loading jobs...",
		now:      time.Now,
	}, nil
}

func (w watcher) Init() tea.Cmd {
	return tea.Batch(w.fetch(), w.tick())
}

func (w watcher) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		w.width, w.height = msg.Width, msg.Height
	case tickMsg:
		w.fetching = true
		cmds := []tea.Cmd{w.fetch(), w.tick()}
		if cur, ok := w.list.current(); ok && cur.ID == w.tailID && !cur.Terminal() {
			cmds = append(cmds, w.loadTail(cur.ID))
		}
		return w, tea.Batch(cmds...)
	case jobsMsg:
		w.fetching = false
		if msg.err != nil {
			w.fail("refresh failed", msg.err)
			return w, nil
		}
		w.errText = ""
		w.record(msg.items)
		w.list.replace(w.filter(msg.items))
		if w.cancelID == "" {
			w.status = fmt.Sprintf("%d jobs", len(msg.items))
		}
	case tailMsg:
		if msg.err != nil {
			w.fail("log tail failed", msg.err)
			return w, nil
		}
		w.tailID, w.tail = msg.jobID, msg.lines
	case cancelledMsg:
		w.cancelID = ""
		if msg.err != nil {
			w.fail("cancel failed", msg.err)
			return w, nil
		}
		w.errText = ""
		w.status = "cancel requested: " + shortID(msg.jobID)
		w.activity.add(w.now(), "cancel requested for "+shortID(msg.jobID))
		w.fetching = true
		return w, w.fetch()
	case tea.KeyMsg:
		return w.handleKey(msg)
	}
	return w, nil
}

func (w watcher) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return w, tea.Quit
	case "k", "up":
		w.list.move(-1)
	case "j", "down":
		w.list.move(1)
	case "r":
		w.fetching = true
		return w, w.fetch()
	case "a":
		w.activeOnly = !w.activeOnly
		w.fetching = true
		return w, w.fetch()
	case "enter", "l":
		if cur, ok := w.list.current(); ok {
			return w, w.loadTail(cur.ID)
		}
	case "c":
		cur, ok := w.list.current()
		if !ok || cur.Terminal() || w.cancelID != "" {
			return w, nil
		}
		w.cancelID = cur.ID
		w.status = "cancelling " + shortID(cur.ID) + "..."
		return w, w.cancel(cur.ID)
	}
	return w, nil
}

func (w *watcher) fail(what string, err error) {
	w.status = what
	w.errText = err.Error()
	w.activity.add(w.now(), what+": "+err.Error())
}

// record logs state changes between two refreshes. The first load only
// seeds the snapshot.
func (w *watcher) record(items []job.Record) {
	next := make(map[string]job.State, len(items))
	for _, rec := range items {
		next[rec.ID] = rec.State
	}
	if w.states == nil {
		w.states = next
		if len(items) > 0 {
			w.activity.add(w.now(), fmt.Sprintf("loaded %d jobs from server", len(items)))
		}
		return
	}
	for _, line := range transitions(w.states, items) {
		w.activity.add(w.now(), line)
	}
	w.states = next
}

func (w watcher) filter(items []job.Record) []job.Record {
	if !w.activeOnly {
		return items
	}
	var out []job.Record
	for _, rec := range items {
		if !rec.Terminal() {
			out = append(out, rec)
		}
	}
	return out
}

func (w watcher) request() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), w.opts.RequestTimeout)
}

func (w watcher) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := w.request()
		defer cancel()
		items, err := w.opts.Client.ListJobs(ctx, w.opts.Limit)
		return jobsMsg{items: items, err: err}
	}
}

func (w watcher) loadTail(jobID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := w.request()
		defer cancel()
		raw, err := w.opts.Client.GetLogTail(ctx, jobID, w.opts.TailLines)
		return tailMsg{jobID: jobID, lines: splitLines(raw), err: err}
	}
}

func (w watcher) cancel(jobID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := w.request()
		defer cancel()
		_, err := w.opts.Client.CancelJob(ctx, jobID)
		return cancelledMsg{jobID: jobID, err: err}
	}
}

func (w watcher) tick() tea.Cmd {
	return tea.Tick(w.opts.RefreshInterval, func(time.Time) tea.Msg { return tickMsg{} })
}

func splitLines(raw string) []string {
	raw = strings.TrimRight(raw, "\n")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "\n")
}

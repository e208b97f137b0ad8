package tui

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mblsha/appforge/internal/job"
)

type fakeSource struct {
	mu        sync.Mutex
	jobs      []job.Record
	tail      string
	cancelled []string
	cancelErr error
}

func (f *fakeSource) ListJobs(_ context.Context, limit int) ([]job.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]job.Record(nil), f.jobs...), nil
}

func (f *fakeSource) GetLogTail(context.Context, string, int) (string, error) {
	return f.tail, nil
}

func (f *fakeSource) CancelJob(_ context.Context, jobID string) (*job.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	return &job.Record{ID: jobID}, f.cancelErr
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func records() []job.Record {
	return []job.Record{
		{ID: "older", App: "shop", Flavor: "free", State: job.StateCompleted, CreatedAt: t0.Add(-2 * time.Minute)},
		{ID: "newer", App: "shop", Flavor: "pro", State: job.StateRunning, CreatedAt: t0},
		{ID: "middle", App: "kiosk", Flavor: "free", State: job.StateQueued, CreatedAt: t0.Add(-time.Minute)},
	}
}

func ids(items []job.Record) []string {
	out := make([]string, len(items))
	for i, rec := range items {
		out[i] = rec.ID
	}
	return out
}

func newTestWatcher(t *testing.T, src *fakeSource) watcher {
	t.Helper()
	w, err := newWatcher(Options{Client: src, Server: "http://builder:8080"})
	require.NoError(t, err)
	w.now = func() time.Time { return t0 }
	return w
}

func TestNewWatcher(t *testing.T) {
	_, err := newWatcher(Options{})
	assert.Error(t, err)

	w, err := newWatcher(Options{Client: &fakeSource{}})
	require.NoError(t, err)
	assert.Equal(t, 100, w.opts.Limit)
	assert.Equal(t, 15, w.opts.TailLines)
}

func TestJobList_OrdersNewestFirstAndFollowsSelection(t *testing.T) {
	var l jobList
	l.replace(records())
	if diff := cmp.Diff([]string{"newer", "middle", "older"}, ids(l.items)); diff != "" {
		t.Fatalf("order (-want +got):\n%s", diff)
	}
	cur, ok := l.current()
	require.True(t, ok)
	assert.Equal(t, "newer", cur.ID)

	l.move(1)
	assert.Equal(t, "middle", l.id)

	// A new job arrives on top; the cursor stays on the same job.
	items := append(records(), job.Record{ID: "latest", CreatedAt: t0.Add(time.Minute)})
	l.replace(items)
	assert.Equal(t, 2, l.cursor)
	assert.Equal(t, "middle", l.id)

	l.move(10)
	assert.Equal(t, "older", l.id)
	l.move(-10)
	assert.Equal(t, "latest", l.id)

	// The selected job disappears: fall back to the newest one.
	l.replace(records()[:1])
	assert.Equal(t, "older", l.id)
	assert.Equal(t, 0, l.cursor)
}

func TestJobList_Window(t *testing.T) {
	var l jobList
	l.replace(records())
	start, end := l.window(2)
	assert.Equal(t, [2]int{0, 2}, [2]int{start, end})

	l.move(2)
	start, end = l.window(2)
	assert.Equal(t, [2]int{1, 3}, [2]int{start, end})

	start, end = l.window(0)
	assert.Equal(t, [2]int{2, 3}, [2]int{start, end})
}

func TestTransitions(t *testing.T) {
	prev := map[string]job.State{"a": job.StateRunning, "b": job.StateQueued}
	got := transitions(prev, []job.Record{
		{ID: "a", State: job.StateFailed, Reason: job.ReasonTimeout},
		{ID: "b", State: job.StateQueued},
		{ID: "c", App: "shop", Flavor: "free", BuildMode: job.ModeRelease, State: job.StateQueued},
	})
	want := []string{
		"job a RUNNING -> FAILED (TIMEOUT)",
		"new job c shop/free release",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("transitions (-want +got):\n%s", diff)
	}
}

func TestActivityLog_KeepsLatest(t *testing.T) {
	a := activityLog{max: 3}
	for i := 0; i < 5; i++ {
		a.add(t0, string(rune('a'+i)))
	}
	a.add(t0, "")
	require.Len(t, a.lines, 3)
	assert.Contains(t, a.lines[0], "c")
	assert.Len(t, a.last(2), 2)
	assert.Nil(t, a.last(0))
}

func TestUpdate_RecordsStateChangesBetweenRefreshes(t *testing.T) {
	w := newTestWatcher(t, &fakeSource{})
	next, _ := w.Update(jobsMsg{items: records()})
	w = next.(watcher)
	require.Len(t, w.activity.lines, 1)
	assert.Contains(t, w.activity.lines[0], "loaded 3 jobs")

	changed := records()
	changed[1].State = job.StateCompleted
	next, _ = w.Update(jobsMsg{items: changed})
	w = next.(watcher)
	assert.Contains(t, w.activity.lines[len(w.activity.lines)-1], "job newer RUNNING -> COMPLETED")
	assert.Equal(t, "3 jobs", w.status)

	next, _ = w.Update(jobsMsg{err: errors.New("connection refused")})
	w = next.(watcher)
	assert.Equal(t, "refresh failed", w.status)
	assert.Equal(t, "connection refused", w.errText)
}

func TestUpdate_ActiveOnlyFilter(t *testing.T) {
	w := newTestWatcher(t, &fakeSource{jobs: records()})
	next, cmd := w.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("a")})
	require.NotNil(t, cmd)
	next, _ = next.Update(cmd())
	w = next.(watcher)
	assert.Equal(t, []string{"newer", "middle"}, ids(w.list.items))
	assert.Contains(t, w.View(), "[active only]")
}

func TestCancelKey(t *testing.T) {
	src := &fakeSource{}
	w := newTestWatcher(t, src)
	w.list.replace([]job.Record{{ID: "run-1", State: job.StateRunning, CreatedAt: t0}})

	next, cmd := w.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	require.NotNil(t, cmd)
	assert.Equal(t, "run-1", next.(watcher).cancelID)

	// A second press while the first is in flight does nothing.
	_, again := next.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	assert.Nil(t, again)

	res, ok := cmd().(cancelledMsg)
	require.True(t, ok)
	assert.Equal(t, []string{"run-1"}, src.cancelled)

	next, refresh := next.Update(res)
	assert.NotNil(t, refresh)
	assert.Equal(t, "cancel requested: run-1", next.(watcher).status)
	assert.Empty(t, next.(watcher).cancelID)
}

func TestCancelKey_IgnoresFinishedJobs(t *testing.T) {
	src := &fakeSource{}
	w := newTestWatcher(t, src)
	w.list.replace([]job.Record{{ID: "done-1", State: job.StateCompleted, CreatedAt: t0}})

	_, cmd := w.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	assert.Nil(t, cmd)
	assert.Empty(t, src.cancelled)
}

func TestCancelFailureIsReported(t *testing.T) {
	w := newTestWatcher(t, &fakeSource{})
	next, _ := w.Update(cancelledMsg{jobID: "j1", err: errors.New("AlreadyFinished")})
	got := next.(watcher)
	assert.Equal(t, "cancel failed", got.status)
	assert.Equal(t, "AlreadyFinished", got.errText)
}

func TestView_ShowsDetailsAndTail(t *testing.T) {
	src := &fakeSource{tail: "Running Gradle task 'assembleFreeDebug'...\nBuilt build/app/outputs/flutter-apk/app-free-debug.apk\n"}
	w := newTestWatcher(t, src)
	w.list.replace([]job.Record{{
		ID: "0190-aaaa-bbbb-cccc-job00001", App: "shop", Flavor: "free", State: job.StateCompleted, CreatedAt: t0,
		Artifact: &job.ArtifactRef{Name: "app-free-debug.apk", Size: 2048, SHA256: "0123456789abcdef"},
	}})

	_, cmd := w.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	next, _ := w.Update(cmd())
	view := next.(watcher).View()

	assert.Contains(t, view, "http://builder:8080")
	assert.Contains(t, view, "Log tail job00001")
	assert.Contains(t, view, "assembleFreeDebug")
	assert.Contains(t, view, "2048 bytes, sha256 0123456789ab")
}

func TestView_Empty(t *testing.T) {
	w := newTestWatcher(t, &fakeSource{})
	assert.Contains(t, w.View(), "Loading...")
	w.fetching = false
	assert.Contains(t, w.View(), "No jobs yet.")
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abc", shortID("abc"))
	assert.Equal(t, "89abcdef", shortID("01234567-89abcdef"))
}

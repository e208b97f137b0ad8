package builder

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

type CommandSpec struct {
	Name string
	Args []string
	Dir  string
	Env  []string
}

type Runner interface {
	Run(ctx context.Context, spec CommandSpec, stdout, stderr io.Writer) (int, error)
}

// OSRunner runs commands as child processes. On cancellation the whole
// process group is killed so Gradle workers do not outlive the job.
type OSRunner struct {
	WaitDelay time.Duration
}

func (r OSRunner) Run(ctx context.Context, spec CommandSpec, stdout, stderr io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 10 * time.Second
	}
	configureProcess(cmd)

	err := cmd.Run()
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), err
	}
	return -1, err
}

// lineWriter splits a byte stream into lines. It is safe for concurrent
// writers so stdout and stderr can share one instance.
type lineWriter struct {
	mu      sync.Mutex
	buf     []byte
	emit    func(string)
	secrets []string
}

const maxLineBytes = 64 * 1024

func newLineWriter(emit func(string), secrets []string) *lineWriter {
	live := make([]string, 0, len(secrets))
	for _, s := range secrets {
		if s != "" {
			live = append(live, s)
		}
	}
	return &lineWriter{emit: emit, secrets: live}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.send(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxLineBytes {
		w.send(w.buf)
		w.buf = nil
	}
	return len(p), nil
}

// Flush emits a trailing line that had no newline.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.send(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) send(raw []byte) {
	line := strings.TrimRight(string(raw), "\r")
	for _, s := range w.secrets {
		line = strings.ReplaceAll(line, s, "********")
	}
	w.emit(line)
}

// tail keeps the last n lines for failure diagnostics.
type tail struct {
	mu    sync.Mutex
	n     int
	lines []string
}

func (t *tail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *tail) bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return []byte(strings.Join(t.lines, "\n"))
}

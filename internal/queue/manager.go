package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/mblsha/appforge/internal/analyzer"
	"github.com/mblsha/appforge/internal/artifact"
	"github.com/mblsha/appforge/internal/builder"
	"github.com/mblsha/appforge/internal/config"
	"github.com/mblsha/appforge/internal/credentials"
	"github.com/mblsha/appforge/internal/job"
	"github.com/mblsha/appforge/internal/logging"
	"github.com/mblsha/appforge/internal/manifest"
	"github.com/mblsha/appforge/internal/store"
)

var (
	ErrNotFound        = errors.New("job not found")
	ErrNotReady        = errors.New("job has no artifact yet")
	ErrAlreadyFinished = errors.New("job already finished")
	ErrQueueFull       = errors.New("build queue is full")

	errCancelRequested = errors.New("cancelled by request")
)

const queueCapacity = 4096

// entry is the in-memory state of one job. rec is guarded by Manager.mu.
type entry struct {
	rec *job.Record
	log *LogBuffer

	config map[string]string
	edits  manifest.Edits

	// signing is held only until a worker stages it or the job is cancelled.
	signing *credentials.Material
	claimed bool
	cancel  context.CancelCauseFunc
	done    chan struct{}
}

// Status is a point in time view of a job and its log.
type Status struct {
	Job job.Record `json:"job"`
	Log []string   `json:"log"`
}

type Manager struct {
	cfg       config.Config
	store     *store.Store
	builder   builder.Builder
	artifacts *artifact.Store
	logger    *slog.Logger
	notifier  Notifier
	now       func() time.Time

	mu    sync.RWMutex
	jobs  map[string]*entry
	queue chan string

	events          map[string][]job.Event
	nextEventSeq    map[string]int64
	subscribers     map[string]map[chan job.Event]struct{}
	maxEventsPerJob int
	subscriberBuf   int
	notifications   chan job.Event

	analyses      singleflight.Group
	cacheMu       sync.Mutex
	analysisCache map[string]analyzer.Result

	workers sync.WaitGroup
	once    sync.Once
}

func New(cfg config.Config, st *store.Store, b builder.Builder, arts *artifact.Store, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:             cfg,
		store:           st,
		builder:         b,
		artifacts:       arts,
		logger:          logging.Ensure(logger).With("component", "queue"),
		now:             time.Now,
		jobs:            map[string]*entry{},
		queue:           make(chan string, queueCapacity),
		events:          map[string][]job.Event{},
		nextEventSeq:    map[string]int64{},
		subscribers:     map[string]map[chan job.Event]struct{}{},
		maxEventsPerJob: 2048,
		subscriberBuf:   256,
		notifications:   make(chan job.Event, 256),
		analysisCache:   map[string]analyzer.Result{},
	}
}

// SetNotifier must be called before Start.
func (m *Manager) SetNotifier(n Notifier) {
	m.notifier = n
}

// Start recovers persisted jobs and launches the worker pool. Workers stop
// when ctx is cancelled; Wait blocks until they have.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.store.EnsureDirs(); err != nil {
		return err
	}
	if err := m.recoverJobs(); err != nil {
		return err
	}

	m.once.Do(func() {
		workers := m.cfg.Workers
		if workers <= 0 {
			workers = 1
		}
		for i := 0; i < workers; i++ {
			m.workers.Add(1)
			go func() {
				defer m.workers.Done()
				m.worker(ctx)
			}()
		}
		if m.notifier != nil {
			go m.forwardNotifications(ctx)
		}
		if m.cfg.Retention > 0 {
			go m.sweeper(ctx)
		}
		m.logger.Info("job manager started", "workers", workers, "retention", m.cfg.Retention)
	})
	return nil
}

// Wait blocks until every worker has returned.
func (m *Manager) Wait() {
	m.workers.Wait()
}

// Submit validates req and queues a job for it. Validation errors wrap
// job.ErrInvalidRequest and create no job.
func (m *Manager) Submit(ctx context.Context, req job.Request) (*job.Record, error) {
	if err := ctx.Err(); err != nil {
		req.Signing.Wipe()
		return nil, err
	}
	if err := req.Normalize(); err != nil {
		req.Signing.Wipe()
		return nil, err
	}
	if len(m.queue) >= cap(m.queue) {
		req.Signing.Wipe()
		return nil, ErrQueueFull
	}

	id, err := newJobID()
	if err != nil {
		req.Signing.Wipe()
		return nil, fmt.Errorf("generate job id: %w", err)
	}
	if err := m.store.CreateJobLayout(id); err != nil {
		req.Signing.Wipe()
		return nil, err
	}
	rec := job.New(id, req, m.now())
	rec.Message = "queued"
	if err := m.store.Save(rec); err != nil {
		req.Signing.Wipe()
		return nil, err
	}

	e := &entry{
		rec:     rec,
		log:     NewLogBuffer(nil),
		config:  req.Config,
		edits:   req.Edits,
		signing: req.Signing,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	m.jobs[id] = e
	m.emitEventLocked(rec, job.EventQueued, "")
	out := rec.Clone()
	m.mu.Unlock()

	m.logger.Info("job queued", "job_id", id, "app", rec.App, "flavor", rec.Flavor,
		"output", rec.OutputType, "mode", rec.BuildMode)

	select {
	case m.queue <- id:
	default:
		m.mu.Lock()
		m.failQueuedLocked(e, job.ReasonInternal, "build queue is full", ErrQueueFull)
		out = e.rec.Clone()
		m.mu.Unlock()
		m.closeConsole(e)
	}
	return out, nil
}

// Get returns a copy of the job record.
func (m *Manager) Get(jobID string) (*job.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.jobs[jobID]
	if !ok {
		return nil, false
	}
	return e.rec.Clone(), true
}

// Status returns the record and a copy of the log. It never waits on a build.
func (m *Manager) Status(jobID string) (Status, error) {
	m.mu.RLock()
	e, ok := m.jobs[jobID]
	if !ok {
		m.mu.RUnlock()
		return Status{}, ErrNotFound
	}
	rec := e.rec.Clone()
	logBuf := e.log
	m.mu.RUnlock()
	return Status{Job: *rec, Log: logBuf.Lines()}, nil
}

// LogSince returns log lines from offset on and the offset to ask for next.
func (m *Manager) LogSince(jobID string, offset int) ([]string, int, error) {
	m.mu.RLock()
	e, ok := m.jobs[jobID]
	m.mu.RUnlock()
	if !ok {
		return nil, 0, ErrNotFound
	}
	lines := e.log.Since(offset)
	if offset < 0 {
		offset = 0
	}
	return lines, offset + len(lines), nil
}

// List returns all jobs ordered by creation time.
func (m *Manager) List() []job.Record {
	m.mu.RLock()
	out := make([]job.Record, 0, len(m.jobs))
	for _, e := range m.jobs {
		out = append(out, *e.rec.Clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Cancel stops a job. A queued job is failed without ever running; a
// running job has its toolchain killed and goes through normal cleanup.
func (m *Manager) Cancel(jobID string) error {
	m.mu.Lock()
	e, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if e.rec.Terminal() {
		m.mu.Unlock()
		return ErrAlreadyFinished
	}
	if !e.claimed {
		m.failQueuedLocked(e, job.ReasonCancelled, "cancelled before start", errCancelRequested)
		m.mu.Unlock()
		_ = m.store.RemoveWorkDir(jobID)
		m.closeConsole(e)
		m.logger.Info("cancelled queued job", "job_id", jobID)
		return nil
	}
	cancel := e.cancel
	m.mu.Unlock()
	m.logger.Info("cancelling job", "job_id", jobID)
	if cancel != nil {
		cancel(errCancelRequested)
	}
	return nil
}

// failQueuedLocked ends a job no worker has claimed. Marking it claimed keeps
// workers from picking it up later.
func (m *Manager) failQueuedLocked(e *entry, reason job.Reason, message string, cause error) {
	e.claimed = true
	e.log.Append(message)
	m.emitEventLocked(e.rec, job.EventLog, message)
	m.finishLocked(e, func(rec *job.Record, now time.Time) error {
		return rec.MarkFailed(now, reason, message, cause, nil)
	})
}

func (m *Manager) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-m.queue:
			m.process(ctx, id)
		}
	}
}

// claim gives the calling worker exclusive ownership of a queued job and
// hands over its signing material.
func (m *Manager) claim(parent context.Context, id string) (*entry, *credentials.Material, context.Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.jobs[id]
	if !ok || e.claimed || e.rec.State != job.StateQueued {
		return nil, nil, nil, false
	}
	e.claimed = true
	ctx, cancel := context.WithCancelCause(parent)
	e.cancel = cancel
	material := e.signing
	e.signing = nil
	return e, material, ctx, true
}

func (m *Manager) process(parent context.Context, id string) {
	e, material, runCtx, ok := m.claim(parent, id)
	if !ok {
		return
	}
	logger := m.logger.With("job_id", id)
	workDir := m.store.WorkJobDir(id)
	if err := m.openConsole(e); err != nil {
		logger.Warn("console log unavailable", "error", err)
	}

	var handle *credentials.Handle
	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker panic", "panic", r)
			_ = handle.Release()
			m.complete(e, failure(job.ReasonInternal, "internal error", fmt.Errorf("worker panic: %v", r), nil))
			m.cleanup(e)
		}
	}()

	if material != nil {
		h, err := credentials.Stage(workDir, material)
		if err != nil {
			logger.Warn("credential staging failed", "error", err)
			m.appendLog(e, "credential staging failed: "+err.Error())
			m.complete(e, failure(job.ReasonStagingFailed, "credential staging failed", err, nil))
			m.cleanup(e)
			return
		}
		handle = h
		defer handle.Release()
	}

	if cause := context.Cause(runCtx); cause != nil {
		_ = handle.Release()
		m.complete(e, failure(interruption(parent, runCtx, nil), "cancelled before start", cause, nil))
		m.cleanup(e)
		return
	}

	if !m.markRunning(e) {
		_ = handle.Release()
		m.cleanup(e)
		return
	}
	logger.Info("build started")

	timeout := m.cfg.WorkerTimeout
	if timeout <= 0 {
		timeout = time.Hour
	}
	buildCtx, cancel := context.WithTimeout(runCtx, timeout)
	defer cancel()

	res, buildErr := m.builder.Build(buildCtx, builder.BuildJob{
		ID:         id,
		WorkDir:    workDir,
		App:        e.rec.App,
		Flavor:     e.rec.Flavor,
		Config:     e.config,
		Edits:      e.edits,
		OutputType: e.rec.OutputType,
		Mode:       e.rec.BuildMode,
		Signing:    handle,
		Log:        func(line string) { m.appendLog(e, line) },
	})

	// Credentials are gone before anyone can observe a terminal state.
	if err := handle.Release(); err != nil {
		logger.Error("release credentials", "error", err)
	}

	var outcome func(*job.Record, time.Time) error
	switch {
	case buildErr != nil:
		exit := exitCodePtr(res.ExitCode)
		reason := classify(buildErr)
		if ctxErr := buildCtx.Err(); ctxErr != nil {
			reason = interruption(parent, runCtx, buildCtx)
			exit = nil
		}
		msg := res.Message
		if msg == "" {
			msg = "build failed"
		}
		m.appendLog(e, fmt.Sprintf("build failed (%s): %v", reason, buildErr))
		logger.Warn("build failed", "reason", reason, "error", buildErr)
		outcome = failure(reason, msg, buildErr, exit)
	default:
		info, err := m.artifacts.Put(context.WithoutCancel(runCtx), id, res.ArtifactPath)
		if err != nil {
			if errors.Is(err, artifact.ErrAlreadyStored) {
				logger.Error("artifact stored twice", "error", err)
			} else {
				logger.Error("store artifact", "error", err)
			}
			m.appendLog(e, "storing artifact failed: "+err.Error())
			outcome = failure(job.ReasonInternal, "storing artifact failed", err, exitCodePtr(res.ExitCode))
			break
		}
		m.appendLog(e, fmt.Sprintf("stored %s (%d bytes, sha256 %s)", info.Name, info.Size, info.SHA256))
		logger.Info("build completed", "artifact", info.Name, "size", info.Size)
		ref := job.ArtifactRef{Name: info.Name, Size: info.Size, SHA256: info.SHA256}
		exitCode := res.ExitCode
		outcome = func(rec *job.Record, now time.Time) error {
			return rec.MarkCompleted(now, res.Message, exitCode, ref)
		}
	}

	m.complete(e, outcome)
	m.cleanup(e)
}

// openConsole attaches console.log to the job's log. Queued jobs hold no file
// until a worker claims them.
func (m *Manager) openConsole(e *entry) error {
	f, err := os.OpenFile(m.store.ConsoleLogPath(e.rec.ID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("create console log: %w", err)
	}
	return e.log.Attach(f)
}

// closeConsole persists the log of a job that ended without a worker.
func (m *Manager) closeConsole(e *entry) {
	if err := m.openConsole(e); err != nil {
		m.logger.Warn("console log unavailable", "job_id", e.rec.ID, "error", err)
	}
	_ = e.log.Close()
}

func (m *Manager) markRunning(e *entry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := e.rec.Transition(job.StateRunning, m.now(), "build started"); err != nil {
		return false
	}
	if err := m.store.Save(e.rec); err != nil {
		m.logger.Error("persist job state", "job_id", e.rec.ID, "error", err)
	}
	m.emitEventLocked(e.rec, job.EventRunning, "")
	return true
}

func (m *Manager) complete(e *entry, apply func(*job.Record, time.Time) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finishLocked(e, apply)
}

// finishLocked moves a job to its terminal state exactly once.
func (m *Manager) finishLocked(e *entry, apply func(*job.Record, time.Time) error) {
	if e.rec.Terminal() {
		return
	}
	now := m.now()
	if err := apply(e.rec, now); err != nil {
		m.logger.Error("terminal transition rejected", "job_id", e.rec.ID, "state", e.rec.State, "error", err)
		if !e.rec.Terminal() {
			_ = e.rec.MarkFailed(now, job.ReasonInternal, "internal error", err, nil)
		}
	}
	if err := m.store.Save(e.rec); err != nil {
		m.logger.Error("persist job state", "job_id", e.rec.ID, "error", err)
	}
	e.signing.Wipe()
	e.signing = nil
	e.config = nil
	if e.cancel != nil {
		e.cancel(nil)
		e.cancel = nil
	}
	evType := job.EventFailed
	if e.rec.State == job.StateCompleted {
		evType = job.EventCompleted
	}
	m.emitEventLocked(e.rec, evType, "")
	m.closeSubscribersLocked(e.rec.ID)
	close(e.done)
}

// cleanup runs after a job finished on a worker.
func (m *Manager) cleanup(e *entry) {
	id := e.rec.ID
	if err := credentials.Sweep(m.store.WorkJobDir(id)); err != nil {
		m.logger.Error("sweep credentials", "job_id", id, "error", err)
	}
	if !m.cfg.PreserveWorkDir {
		if err := m.store.RemoveWorkDir(id); err != nil {
			m.logger.Warn("remove work dir", "job_id", id, "error", err)
		}
	}
	rec, _ := m.Get(id)
	if rec != nil {
		if err := m.writeBuildManifest(rec, e.log.Lines()); err != nil {
			m.logger.Warn("write build manifest", "job_id", id, "error", err)
		}
	}
	_ = e.log.Close()
}

func (m *Manager) appendLog(e *entry, line string) {
	e.log.Append(line)
	m.mu.Lock()
	m.emitEventLocked(e.rec, job.EventLog, line)
	m.mu.Unlock()
}

func failure(reason job.Reason, message string, err error, exitCode *int) func(*job.Record, time.Time) error {
	return func(rec *job.Record, now time.Time) error {
		return rec.MarkFailed(now, reason, message, err, exitCode)
	}
}

func classify(err error) job.Reason {
	switch {
	case errors.Is(err, credentials.ErrStagingFailed):
		return job.ReasonStagingFailed
	case errors.Is(err, builder.ErrToolchainFailure):
		return job.ReasonToolchainFailure
	case errors.Is(err, builder.ErrArtifactMissing):
		return job.ReasonArtifactMissing
	default:
		return job.ReasonInternal
	}
}

// interruption explains why a job context ended: an explicit cancel, the
// worker timeout, or the manager shutting down.
func interruption(parent, runCtx, buildCtx context.Context) job.Reason {
	switch {
	case errors.Is(context.Cause(runCtx), errCancelRequested):
		return job.ReasonCancelled
	case buildCtx != nil && errors.Is(buildCtx.Err(), context.DeadlineExceeded) && runCtx.Err() == nil:
		return job.ReasonTimeout
	case parent.Err() != nil:
		return job.ReasonInterrupted
	default:
		return job.ReasonCancelled
	}
}

func (m *Manager) recoverJobs() error {
	recs, err := m.store.LoadAll()
	if err != nil {
		m.logger.Warn("some job states could not be loaded", "error", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		if _, exists := m.jobs[rec.ID]; exists {
			continue
		}
		e := &entry{rec: rec, log: NewLogBuffer(nil), done: make(chan struct{}), claimed: true}
		for _, line := range readLines(m.store.ConsoleLogPath(rec.ID)) {
			e.log.Append(line)
		}
		m.jobs[rec.ID] = e
		if rec.Terminal() {
			close(e.done)
			continue
		}

		// Secrets never outlive the process, so unfinished jobs cannot resume.
		if err := credentials.Sweep(m.store.WorkJobDir(rec.ID)); err != nil {
			m.logger.Error("sweep credentials", "job_id", rec.ID, "error", err)
		}
		_ = m.store.RemoveWorkDir(rec.ID)
		e.log.Append("interrupted by server restart")
		if err := rec.MarkFailed(m.now(), job.ReasonInterrupted, "interrupted by server restart", errors.New("server restarted"), nil); err != nil {
			return fmt.Errorf("recover job %s: %w", rec.ID, err)
		}
		if err := m.store.Save(rec); err != nil {
			return err
		}
		m.emitEventLocked(rec, job.EventFailed, "")
		close(e.done)
		m.logger.Info("marked interrupted job as failed", "job_id", rec.ID)
	}
	return nil
}

func exitCodePtr(code int) *int {
	return &code
}

func newJobID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

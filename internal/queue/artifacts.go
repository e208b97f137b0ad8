package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mblsha/appforge/internal/analyzer"
	"github.com/mblsha/appforge/internal/artifact"
	"github.com/mblsha/appforge/internal/builder"
	"github.com/mblsha/appforge/internal/diagnostics"
	"github.com/mblsha/appforge/internal/job"
)

const (
	buildManifestName      = "build.json"
	analysisFileName       = "analysis.json"
	defaultConsoleTailLine = 200
	maxConsoleTailLines    = 5000
)

// Artifact opens the package produced by a completed job.
func (m *Manager) Artifact(ctx context.Context, jobID string) (*artifact.Handle, error) {
	rec, ok := m.Get(jobID)
	if !ok {
		return nil, ErrNotFound
	}
	if rec.State != job.StateCompleted || rec.Artifact == nil {
		return nil, fmt.Errorf("%w: job is %s", ErrNotReady, rec.State)
	}
	h, err := m.artifacts.Open(ctx, jobID)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return nil, fmt.Errorf("%w: artifact of %s is gone", ErrNotFound, jobID)
		}
		return nil, err
	}
	return h, nil
}

// Analyze returns the size analysis of a completed job's package. Results
// are cached per job and concurrent callers share one analysis.
func (m *Manager) Analyze(ctx context.Context, jobID string) (analyzer.Result, error) {
	rec, ok := m.Get(jobID)
	if !ok {
		return analyzer.Result{}, ErrNotFound
	}
	if rec.State != job.StateCompleted || rec.Artifact == nil {
		return analyzer.Result{}, fmt.Errorf("%w: job is %s", ErrNotReady, rec.State)
	}

	m.cacheMu.Lock()
	cached, ok := m.analysisCache[jobID]
	m.cacheMu.Unlock()
	if ok {
		return cached, nil
	}

	// The shared analysis must not end when the first caller goes away.
	shared := context.WithoutCancel(ctx)
	v, err, _ := m.analyses.Do(jobID, func() (any, error) {
		if res, err := m.readAnalysis(jobID); err == nil {
			return res, nil
		}
		h, err := m.Artifact(shared, jobID)
		if err != nil {
			return analyzer.Result{}, err
		}
		defer h.Close()
		res, err := analyzer.Analyze(h, h.Size())
		if err != nil {
			return analyzer.Result{}, err
		}
		if err := m.writeAnalysis(jobID, res); err != nil {
			m.logger.Warn("persist analysis", "job_id", jobID, "error", err)
		}
		return res, nil
	})
	if err != nil {
		return analyzer.Result{}, err
	}
	res := v.(analyzer.Result)
	m.cacheMu.Lock()
	m.analysisCache[jobID] = res
	m.cacheMu.Unlock()
	return res, nil
}

func (m *Manager) readAnalysis(jobID string) (analyzer.Result, error) {
	var res analyzer.Result
	raw, err := os.ReadFile(filepath.Join(m.store.ArtifactsJobDir(jobID), analysisFileName))
	if err != nil {
		return res, err
	}
	err = json.Unmarshal(raw, &res)
	return res, err
}

func (m *Manager) writeAnalysis(jobID string, res analyzer.Result) error {
	raw, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(m.store.ArtifactsJobDir(jobID), analysisFileName), raw, 0o644)
}

func (m *Manager) forgetAnalysis(jobID string) {
	m.cacheMu.Lock()
	delete(m.analysisCache, jobID)
	m.cacheMu.Unlock()
}

// ReadConsoleLog returns the spooled console of a job, which survives
// restarts. Jobs still waiting for a worker have an empty console.
func (m *Manager) ReadConsoleLog(jobID string) ([]byte, error) {
	if _, ok := m.Get(jobID); !ok {
		return nil, ErrNotFound
	}
	raw, err := os.ReadFile(m.store.ConsoleLogPath(jobID))
	if errors.Is(err, os.ErrNotExist) {
		return []byte{}, nil
	}
	return raw, err
}

func (m *Manager) ReadConsoleTail(jobID string, lines int) ([]byte, error) {
	raw, err := m.ReadConsoleLog(jobID)
	if err != nil {
		return nil, err
	}
	if lines <= 0 {
		lines = defaultConsoleTailLine
	}
	if lines > maxConsoleTailLines {
		lines = maxConsoleTailLines
	}
	return tailLastLines(raw, lines), nil
}

type artifactFile struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

type buildManifest struct {
	Schema int `json:"schema"`

	JobID       string         `json:"job_id"`
	GeneratedAt time.Time      `json:"generated_at"`
	App         string         `json:"app"`
	Flavor      string         `json:"flavor"`
	OutputType  job.OutputType `json:"output_type"`
	BuildMode   job.BuildMode  `json:"build_mode"`
	State       job.State      `json:"state"`
	Reason      job.Reason     `json:"reason,omitempty"`
	Message     string         `json:"message,omitempty"`
	ExitCode    *int           `json:"exit_code,omitempty"`

	Builder struct {
		Name   string `json:"name"`
		Binary string `json:"binary,omitempty"`
	} `json:"builder"`

	Diagnostics struct {
		Errors   int `json:"errors"`
		Warnings int `json:"warnings"`
	} `json:"diagnostics"`

	Files []artifactFile `json:"files"`
}

// writeBuildManifest records what a finished job produced next to its artifact.
func (m *Manager) writeBuildManifest(rec *job.Record, logLines []string) error {
	artDir := m.store.ArtifactsJobDir(rec.ID)
	if err := os.MkdirAll(artDir, 0o755); err != nil {
		return err
	}
	files, err := collectArtifactFiles(artDir)
	if err != nil {
		return err
	}
	report := diagnostics.Scan([]byte(strings.Join(logLines, "\n")))

	meta := buildManifest{
		Schema:      1,
		JobID:       rec.ID,
		GeneratedAt: m.now().UTC(),
		App:         rec.App,
		Flavor:      rec.Flavor,
		OutputType:  rec.OutputType,
		BuildMode:   rec.BuildMode,
		State:       rec.State,
		Reason:      rec.Reason,
		Message:     rec.Message,
		ExitCode:    rec.ExitCode,
		Files:       files,
	}
	meta.Builder.Name, meta.Builder.Binary = m.builderInfo()
	meta.Diagnostics.Errors = report.ErrorCount
	meta.Diagnostics.Warnings = report.WarningCount

	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(artDir, buildManifestName), raw, 0o644)
}

func (m *Manager) builderInfo() (name string, binary string) {
	switch b := m.builder.(type) {
	case *builder.FakeBuilder:
		return "fake", ""
	case *builder.ToolchainBuilder:
		return "flutter", b.Bin
	default:
		return fmt.Sprintf("%T", b), ""
	}
}

func collectArtifactFiles(artDir string) ([]artifactFile, error) {
	files := make([]artifactFile, 0)
	err := filepath.WalkDir(artDir, func(pathNow string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(artDir, pathNow)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == buildManifestName || rel == analysisFileName {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		sum, err := sha256File(pathNow)
		if err != nil {
			return err
		}
		files = append(files, artifactFile{Path: rel, Size: fi.Size(), SHA256: sum})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].Path < files[j].Path
	})
	return files, nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func tailLastLines(raw []byte, lines int) []byte {
	if lines <= 0 {
		return raw
	}
	parts := strings.Split(string(raw), "\n")
	if parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	if len(parts) == 0 {
		return []byte{}
	}
	if len(parts) <= lines {
		return []byte(strings.Join(parts, "\n") + "\n")
	}
	return []byte(strings.Join(parts[len(parts)-lines:], "\n") + "\n")
}

func readLines(path string) []string {
	raw, err := os.ReadFile(path)
	if err != nil || len(raw) == 0 {
		return nil
	}
	return strings.Split(strings.TrimSuffix(string(raw), "\n"), "\n")
}

// Package store keeps job state files and per-job work directories on disk.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/mblsha/appforge/internal/config"
	"github.com/mblsha/appforge/internal/job"
)

const (
	stateFileName   = "state.json"
	consoleFileName = "console.log"
)

type Store struct {
	cfg config.Config
	mu  sync.Mutex
}

func New(cfg config.Config) *Store {
	return &Store{cfg: cfg}
}

// EnsureDirs creates the base layout: jobs/, work/ and artifacts/.
func (s *Store) EnsureDirs() error {
	return mkdirs(0o755, s.cfg.BaseDir, s.cfg.JobsDir(), s.cfg.WorkDir(), s.cfg.ArtifactsDir())
}

// CreateJobLayout creates the state, work and output directories of a job.
// The work directory is private because release credentials are staged in it.
func (s *Store) CreateJobLayout(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := mkdirs(0o755, s.JobDir(jobID), s.ArtifactsJobDir(jobID)); err != nil {
		return err
	}
	return mkdirs(0o700, s.WorkJobDir(jobID))
}

// Save replaces the record's state file atomically.
func (s *Store) Save(record *job.Record) error {
	raw, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", record.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := mkdirs(0o755, s.JobDir(record.ID)); err != nil {
		return err
	}
	return writeAtomic(s.StatePath(record.ID), raw)
}

func mkdirs(perm os.FileMode, dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, perm); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func writeAtomic(path string, raw []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *Store) Load(jobID string) (*job.Record, error) {
	raw, err := os.ReadFile(s.StatePath(jobID))
	if err != nil {
		return nil, err
	}
	var rec job.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	return &rec, nil
}

// LoadAll returns every readable record ordered by creation time. Records
// that fail to load are skipped and reported in the joined error.
func (s *Store) LoadAll() ([]*job.Record, error) {
	entries, err := os.ReadDir(s.cfg.JobsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	records := make([]*job.Record, 0, len(entries))
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		rec, err := s.Load(entry.Name())
		if err != nil {
			errs = append(errs, fmt.Errorf("load job %q: %w", entry.Name(), err))
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, errors.Join(errs...)
}

func (s *Store) RemoveWorkDir(jobID string) error {
	return os.RemoveAll(s.WorkJobDir(jobID))
}

// Remove deletes everything the store holds for a job.
func (s *Store) Remove(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, p := range []string{s.WorkJobDir(jobID), s.ArtifactsJobDir(jobID), s.JobDir(jobID)} {
		if err := os.RemoveAll(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.cfg.JobsDir(), jobID)
}

func (s *Store) StatePath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), stateFileName)
}

func (s *Store) WorkJobDir(jobID string) string {
	return filepath.Join(s.cfg.WorkDir(), jobID)
}

func (s *Store) ArtifactsJobDir(jobID string) string {
	return filepath.Join(s.cfg.ArtifactsDir(), jobID)
}

func (s *Store) ConsoleLogPath(jobID string) string {
	return filepath.Join(s.ArtifactsJobDir(jobID), consoleFileName)
}

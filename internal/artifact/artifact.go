// Package artifact keeps the single output file of each completed job.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mblsha/appforge/internal/logging"
)

var (
	ErrAlreadyStored = errors.New("artifact already stored for job")
	ErrNotFound      = errors.New("artifact not found")
)

const infoFileName = "artifact.json"

type Info struct {
	JobID    string    `json:"job_id"`
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	SHA256   string    `json:"sha256"`
	StoredAt time.Time `json:"stored_at"`
}

// Handle is an open artifact. ReadAt may be used concurrently.
type Handle struct {
	*os.File
	Info Info
}

func (h *Handle) Size() int64 {
	return h.Info.Size
}

// Mirror is a remote copy of the store, keyed by "<job id>/<file name>".
type Mirror interface {
	Upload(ctx context.Context, key string, r io.Reader) error
	Download(ctx context.Context, key string, w io.WriterAt) error
	Delete(ctx context.Context, prefix string) error
}

// Store lays artifacts out as <dir>/<job id>/<name> next to an info file.
// Each job id can be written once.
type Store struct {
	dir    string
	mirror Mirror
	logger *slog.Logger

	mu    sync.Mutex
	fetch map[string]*sync.Mutex
}

func NewStore(dir string, mirror Mirror, logger *slog.Logger) *Store {
	return &Store{
		dir:    dir,
		mirror: mirror,
		logger: logging.Ensure(logger).With("component", "artifact"),
		fetch:  map[string]*sync.Mutex{},
	}
}

func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.dir, jobID)
}

// Put copies src into the store for jobID.
func (s *Store) Put(ctx context.Context, jobID, src string) (Info, error) {
	if err := validID(jobID); err != nil {
		return Info{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	infoPath := filepath.Join(s.JobDir(jobID), infoFileName)
	if _, err := os.Stat(infoPath); err == nil {
		return Info{}, fmt.Errorf("%w: %s", ErrAlreadyStored, jobID)
	}
	if err := os.MkdirAll(s.JobDir(jobID), 0o755); err != nil {
		return Info{}, fmt.Errorf("create artifact dir: %w", err)
	}

	name := filepath.Base(src)
	dst := filepath.Join(s.JobDir(jobID), name)
	size, sum, err := copyHashed(src, dst)
	if err != nil {
		return Info{}, err
	}
	info := Info{JobID: jobID, Name: name, Size: size, SHA256: sum, StoredAt: time.Now().UTC()}
	if err := writeInfo(infoPath, info); err != nil {
		_ = os.Remove(dst)
		return Info{}, err
	}

	if s.mirror != nil {
		if err := s.upload(ctx, info, dst, infoPath); err != nil {
			s.logger.Warn("artifact mirror upload failed", "job_id", jobID, "error", err)
		}
	}
	return info, nil
}

func (s *Store) upload(ctx context.Context, info Info, dst, infoPath string) error {
	for _, p := range []string{dst, infoPath} {
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		err = s.mirror.Upload(ctx, info.JobID+"/"+filepath.Base(p), f)
		f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// Stat returns the stored info without opening the artifact.
func (s *Store) Stat(ctx context.Context, jobID string) (Info, error) {
	if err := validID(jobID); err != nil {
		return Info{}, err
	}
	info, err := readInfo(filepath.Join(s.JobDir(jobID), infoFileName))
	if err == nil {
		return info, nil
	}
	if !errors.Is(err, ErrNotFound) || s.mirror == nil {
		return Info{}, err
	}
	if err := s.restore(ctx, jobID); err != nil {
		return Info{}, err
	}
	return readInfo(filepath.Join(s.JobDir(jobID), infoFileName))
}

// Open returns a handle on the artifact, restoring it from the mirror when
// the local copy is gone.
func (s *Store) Open(ctx context.Context, jobID string) (*Handle, error) {
	info, err := s.Stat(ctx, jobID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.JobDir(jobID), info.Name))
	if errors.Is(err, os.ErrNotExist) && s.mirror != nil {
		if err := s.restore(ctx, jobID); err != nil {
			return nil, err
		}
		f, err = os.Open(filepath.Join(s.JobDir(jobID), info.Name))
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return &Handle{File: f, Info: info}, nil
}

// restore downloads the info file and the artifact of jobID from the mirror.
// Concurrent restores of one job are serialized.
func (s *Store) restore(ctx context.Context, jobID string) error {
	s.mu.Lock()
	lock, ok := s.fetch[jobID]
	if !ok {
		lock = &sync.Mutex{}
		s.fetch[jobID] = lock
	}
	s.mu.Unlock()
	lock.Lock()
	defer lock.Unlock()

	dir := s.JobDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	infoPath := filepath.Join(dir, infoFileName)
	info, err := readInfo(infoPath)
	if errors.Is(err, ErrNotFound) {
		if err := s.downloadTo(ctx, jobID+"/"+infoFileName, infoPath); err != nil {
			return err
		}
		info, err = readInfo(infoPath)
	}
	if err != nil {
		return err
	}

	dst := filepath.Join(dir, info.Name)
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	if err := s.downloadTo(ctx, jobID+"/"+info.Name, dst); err != nil {
		return err
	}
	sum, err := hashFile(dst)
	if err != nil {
		return err
	}
	if sum != info.SHA256 {
		_ = os.Remove(dst)
		return fmt.Errorf("restored artifact checksum mismatch for %s", jobID)
	}
	s.logger.Info("artifact restored from mirror", "job_id", jobID, "name", info.Name)
	return nil
}

func (s *Store) downloadTo(ctx context.Context, key, dst string) error {
	tmp := dst + ".part"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	err = s.mirror.Download(ctx, key, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// Delete removes the artifact of jobID locally and from the mirror.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	if err := validID(jobID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.fetch, jobID)
	s.mu.Unlock()

	if err := os.RemoveAll(s.JobDir(jobID)); err != nil {
		return fmt.Errorf("remove artifact dir: %w", err)
	}
	if s.mirror != nil {
		if err := s.mirror.Delete(ctx, jobID+"/"); err != nil {
			return fmt.Errorf("remove mirrored artifact: %w", err)
		}
	}
	return nil
}

func validID(jobID string) error {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return fmt.Errorf("%w: invalid job id %q", ErrNotFound, jobID)
	}
	return nil
}

func copyHashed(src, dst string) (int64, string, error) {
	rf, err := os.Open(src)
	if err != nil {
		return 0, "", fmt.Errorf("open artifact source: %w", err)
	}
	defer rf.Close()

	tmp := dst + ".part"
	wf, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return 0, "", fmt.Errorf("create artifact: %w", err)
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(wf, h), rf)
	if err == nil {
		err = wf.Sync()
	}
	if cerr := wf.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, "", fmt.Errorf("copy artifact: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return 0, "", fmt.Errorf("finalize artifact: %w", err)
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

func hashFile(p string) (string, error) {
	f, err := os.Open(p)
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

func writeInfo(p string, info Info) error {
	raw, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal artifact info: %w", err)
	}
	if err := os.WriteFile(p, raw, 0o644); err != nil {
		return fmt.Errorf("write artifact info: %w", err)
	}
	return nil
}

func readInfo(p string) (Info, error) {
	raw, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Info{}, ErrNotFound
		}
		return Info{}, fmt.Errorf("read artifact info: %w", err)
	}
	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return Info{}, fmt.Errorf("parse artifact info: %w", err)
	}
	return info, nil
}

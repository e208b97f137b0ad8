// Package archive materializes app source trees into build work directories,
// either from a zip snapshot or from a checked out directory.
package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Limits bound how much data a single materialization may write.
type Limits struct {
	MaxFiles      int
	MaxTotalBytes int64
	MaxFileBytes  int64
}

func (l Limits) valid() bool {
	return l.MaxFiles > 0 && l.MaxTotalBytes > 0 && l.MaxFileBytes > 0
}

// budget tracks consumption against Limits across many entries.
type budget struct {
	limits Limits
	files  int
	total  int64
}

func (b *budget) take(name string, size int64) error {
	b.files++
	if b.files > b.limits.MaxFiles {
		return fmt.Errorf("too many entries: %d > %d", b.files, b.limits.MaxFiles)
	}
	if size > b.limits.MaxFileBytes {
		return fmt.Errorf("entry too large: %s", name)
	}
	b.total += size
	if b.total > b.limits.MaxTotalBytes {
		return errors.New("total size exceeds limit")
	}
	return nil
}

// ExtractZipSecure extracts zipPath under dest, rejecting absolute paths,
// traversal and symlinks. Executable bits recorded in the archive are kept so
// wrapper scripts such as gradlew stay runnable.
func ExtractZipSecure(zipPath, dest string, limits Limits) ([]string, error) {
	if !limits.valid() {
		return nil, errors.New("invalid extraction limits")
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("create extraction dest: %w", err)
	}

	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer zr.Close()

	root := filepath.Clean(dest)
	b := &budget{limits: limits}
	created := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		name, err := sanitizeEntryName(f.Name)
		if err != nil {
			return nil, err
		}
		if f.Mode()&os.ModeSymlink != 0 {
			return nil, fmt.Errorf("symlink entry not allowed: %s", f.Name)
		}
		target, err := within(root, name)
		if err != nil {
			return nil, fmt.Errorf("zip entry %s: %w", f.Name, err)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, fmt.Errorf("create directory %q: %w", target, err)
			}
			continue
		}
		if err := b.take(f.Name, int64(f.UncompressedSize64)); err != nil {
			return nil, fmt.Errorf("zip %w", err)
		}
		if err := extractEntry(f, target, limits.MaxFileBytes); err != nil {
			return nil, err
		}
		created = append(created, name)
	}
	return created, nil
}

func extractEntry(f *zip.File, target string, maxBytes int64) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open zip file %q: %w", f.Name, err)
	}
	defer rc.Close()

	n, err := writeFile(target, io.LimitReader(rc, maxBytes+1), fileMode(f.Mode()))
	if err != nil {
		return fmt.Errorf("extract %q: %w", f.Name, err)
	}
	if n > maxBytes {
		return fmt.Errorf("zip entry exceeds max file bytes while extracting: %s", f.Name)
	}
	return nil
}

// CopyTree copies the regular files and directories of src into dest under
// the same limits. Relative symlinks that stay inside src are recreated;
// anything else is skipped. Directories named in skip (for example build
// outputs) are not descended into.
func CopyTree(src, dest string, limits Limits, skip ...string) error {
	if !limits.valid() {
		return errors.New("invalid copy limits")
	}
	srcRoot := filepath.Clean(src)
	destRoot := filepath.Clean(dest)
	skipped := make(map[string]struct{}, len(skip))
	for _, s := range skip {
		skipped[s] = struct{}{}
	}
	b := &budget{limits: limits}

	return filepath.WalkDir(srcRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcRoot, p)
		if err != nil {
			return err
		}
		target := filepath.Join(destRoot, rel)
		if d.IsDir() {
			if _, skip := skipped[d.Name()]; skip && rel != "." {
				return filepath.SkipDir
			}
			return os.MkdirAll(target, 0o755)
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return copySymlink(srcRoot, p, target)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		if err := b.take(rel, fi.Size()); err != nil {
			return fmt.Errorf("copy %w", err)
		}
		rf, err := os.Open(p)
		if err != nil {
			return err
		}
		defer rf.Close()
		if _, err := writeFile(target, rf, fileMode(fi.Mode())); err != nil {
			return fmt.Errorf("copy %q: %w", rel, err)
		}
		return nil
	})
}

func copySymlink(srcRoot, p, target string) error {
	link, err := os.Readlink(p)
	if err != nil {
		return err
	}
	if filepath.IsAbs(link) {
		return nil
	}
	resolved := filepath.Clean(filepath.Join(filepath.Dir(p), link))
	if resolved != srcRoot && !strings.HasPrefix(resolved, srcRoot+string(os.PathSeparator)) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.Symlink(link, target)
}

func writeFile(target string, r io.Reader, mode os.FileMode) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("create parent directory: %w", err)
	}
	wf, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return 0, err
	}
	n, copyErr := io.Copy(wf, r)
	closeErr := wf.Close()
	if copyErr != nil {
		return n, copyErr
	}
	return n, closeErr
}

func fileMode(m os.FileMode) os.FileMode {
	if m.Perm()&0o111 != 0 {
		return 0o755
	}
	return 0o644
}

func within(root, name string) (string, error) {
	target := filepath.Clean(filepath.Join(root, filepath.FromSlash(name)))
	if !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", errors.New("escapes destination")
	}
	return target, nil
}

func sanitizeEntryName(name string) (string, error) {
	raw := strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if raw == "" {
		return "", errors.New("zip entry name cannot be empty")
	}
	if strings.HasPrefix(raw, "/") || hasWindowsDrive(raw) {
		return "", fmt.Errorf("absolute zip entry path not allowed: %s", name)
	}
	cleaned := path.Clean(raw)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path traversal zip entry not allowed: %s", name)
	}
	return cleaned, nil
}

func hasWindowsDrive(p string) bool {
	return len(p) >= 2 && p[1] == ':'
}

// Package manifest merges requested permission and feature declarations into
// an AndroidManifest.xml document.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// DefaultPath is where Flutter projects keep the main manifest.
const DefaultPath = "android/app/src/main/AndroidManifest.xml"

var (
	ErrNoManifest = errors.New("AndroidManifest.xml not found")

	nameRe        = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z0-9_]+)*$`)
	manifestOpen  = regexp.MustCompile(`<manifest[\s>]`)
	applicationRe = regexp.MustCompile(`(?m)^([ \t]*)<application[\s>]`)
	manifestClose = regexp.MustCompile(`</manifest\s*>`)
)

// Edits are the declarations a build asks to add. Both lists behave as sets.
type Edits struct {
	Permissions []string `json:"permissions,omitempty"`
	Features    []string `json:"features,omitempty"`
}

// Normalize trims, deduplicates and sorts both lists and rejects names that
// are not dotted identifiers.
func (e *Edits) Normalize() error {
	var err error
	if e.Permissions, err = normalizeNames(e.Permissions); err != nil {
		return fmt.Errorf("permissions: %w", err)
	}
	if e.Features, err = normalizeNames(e.Features); err != nil {
		return fmt.Errorf("features: %w", err)
	}
	return nil
}

func (e Edits) Empty() bool {
	return len(e.Permissions) == 0 && len(e.Features) == 0
}

func normalizeNames(items []string) ([]string, error) {
	if len(items) == 0 {
		return nil, nil
	}
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		name := strings.TrimSpace(item)
		if name == "" {
			continue
		}
		if !nameRe.MatchString(name) {
			return nil, fmt.Errorf("invalid name %q", item)
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// Merge returns doc with every permission and feature from edits declared
// exactly once. Declarations already present are left alone, so merging the
// same edits twice yields the same document.
func Merge(doc []byte, edits Edits) ([]byte, error) {
	if !manifestOpen.Match(doc) {
		return nil, errors.New("document has no <manifest> element")
	}
	if err := edits.Normalize(); err != nil {
		return nil, err
	}

	var missing []string
	for _, p := range edits.Permissions {
		if !declared(doc, "uses-permission", p) {
			missing = append(missing, fmt.Sprintf(`<uses-permission android:name="%s" />`, p))
		}
	}
	for _, f := range edits.Features {
		if !declared(doc, "uses-feature", f) {
			missing = append(missing, fmt.Sprintf(`<uses-feature android:name="%s" android:required="false" />`, f))
		}
	}
	if len(missing) == 0 {
		return doc, nil
	}

	if loc := applicationRe.FindSubmatchIndex(doc); loc != nil {
		indent := string(doc[loc[2]:loc[3]])
		return insertAt(doc, loc[0], indent, missing), nil
	}
	if loc := manifestClose.FindIndex(doc); loc != nil {
		return insertAt(doc, loc[0], "    ", missing), nil
	}
	return nil, errors.New("document has no closing </manifest>")
}

func declared(doc []byte, element, name string) bool {
	re := regexp.MustCompile(`<` + regexp.QuoteMeta(element) + `\b[^>]*android:name\s*=\s*["']` + regexp.QuoteMeta(name) + `["']`)
	return re.Match(doc)
}

func insertAt(doc []byte, at int, indent string, lines []string) []byte {
	var b bytes.Buffer
	b.Grow(len(doc) + len(lines)*64)
	b.Write(doc[:at])
	// Keep the element we insert before on its own, correctly indented line.
	lineStart := at
	for lineStart > 0 && (doc[lineStart-1] == ' ' || doc[lineStart-1] == '\t') {
		lineStart--
	}
	if lineStart != at {
		b.Truncate(lineStart)
	}
	for _, line := range lines {
		b.WriteString(indent)
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString(string(doc[lineStart:at]))
	b.Write(doc[at:])
	return b.Bytes()
}

// Find returns the manifest that should receive edits under root: the
// conventional Flutter location if present, otherwise the first
// AndroidManifest.xml under android/src/main or android/.
func Find(root string) (string, error) {
	conventional := filepath.Join(root, filepath.FromSlash(DefaultPath))
	if fi, err := os.Stat(conventional); err == nil && !fi.IsDir() {
		return conventional, nil
	}
	var found []string
	base := filepath.Join(root, "android")
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && (d.Name() == "build" || d.Name() == ".gradle") {
			return filepath.SkipDir
		}
		if !d.IsDir() && d.Name() == "AndroidManifest.xml" {
			found = append(found, p)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	for _, p := range found {
		if strings.Contains(filepath.ToSlash(p), "/src/main/") {
			return p, nil
		}
	}
	if len(found) > 0 {
		return found[0], nil
	}
	return "", ErrNoManifest
}

// Apply merges edits into the manifest found under root, rewriting it in place.
// Empty edits leave the project untouched.
func Apply(root string, edits Edits) (string, error) {
	if edits.Empty() {
		return "", nil
	}
	path, err := Find(root)
	if err != nil {
		return "", err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read manifest: %w", err)
	}
	merged, err := Merge(raw, edits)
	if err != nil {
		return "", fmt.Errorf("merge manifest %s: %w", path, err)
	}
	if bytes.Equal(merged, raw) {
		return path, nil
	}
	if err := os.WriteFile(path, merged, 0o644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	return path, nil
}

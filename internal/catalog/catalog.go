// Package catalog stores per app and flavor build configuration and named
// configuration templates.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotFound       = errors.New("catalog entry not found")
	ErrTemplateExists = errors.New("template already exists")
	ErrInvalid        = errors.New("invalid catalog entry")
)

// ConfigRecord is the configuration blob of one (app, flavor) pair.
type ConfigRecord struct {
	App       string          `json:"app"`
	Flavor    string          `json:"flavor"`
	Config    json.RawMessage `json:"config"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// TemplateRecord is a named configuration blob that can seed new flavors.
type TemplateRecord struct {
	Name      string          `json:"name"`
	Config    json.RawMessage `json:"config"`
	CreatedAt time.Time       `json:"created_at"`
}

type Store interface {
	ListApps(ctx context.Context) ([]string, error)
	ListFlavors(ctx context.Context, app string) ([]string, error)
	GetConfig(ctx context.Context, app, flavor string) (ConfigRecord, error)
	PutConfig(ctx context.Context, rec ConfigRecord) (ConfigRecord, error)
	ListTemplates(ctx context.Context) ([]TemplateRecord, error)
	GetTemplate(ctx context.Context, name string) (TemplateRecord, error)
	CreateTemplate(ctx context.Context, rec TemplateRecord) (TemplateRecord, error)
	DeleteTemplate(ctx context.Context, name string) error
}

// Resolver answers catalog queries. Apps are the union of source entries
// under appsDir and apps that have stored configs.
type Resolver struct {
	Store
	appsDir string
}

func NewResolver(store Store, appsDir string) *Resolver {
	return &Resolver{Store: store, appsDir: appsDir}
}

func (r *Resolver) ListApps(ctx context.Context) ([]string, error) {
	stored, err := r.Store.ListApps(ctx)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, app := range stored {
		seen[app] = true
	}
	if r.appsDir != "" {
		entries, err := os.ReadDir(r.appsDir)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read apps dir: %w", err)
		}
		for _, e := range entries {
			name := e.Name()
			if strings.HasPrefix(name, ".") {
				continue
			}
			if e.IsDir() {
				seen[name] = true
			} else if app, ok := strings.CutSuffix(name, ".zip"); ok && app != "" {
				seen[app] = true
			}
		}
	}
	return sortedKeys(seen), nil
}

// ResolveConfig returns the stored config of (app, flavor) as build
// definitions.
func (r *Resolver) ResolveConfig(ctx context.Context, app, flavor string) (map[string]string, error) {
	rec, err := r.GetConfig(ctx, app, flavor)
	if err != nil {
		return nil, err
	}
	return ConfigMap(rec.Config)
}

// ValidateBlob checks that raw is a JSON object and returns it compacted.
func ValidateBlob(raw []byte) (json.RawMessage, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, fmt.Errorf("%w: config must be a JSON object", ErrInvalid)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return json.RawMessage(buf.Bytes()), nil
}

// ConfigMap flattens a config object into string values. Strings are taken
// as is, other scalars are formatted, and nested values are re-encoded.
func ConfigMap(raw json.RawMessage) (map[string]string, error) {
	var obj map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("%w: config must be a JSON object", ErrInvalid)
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		switch val := v.(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = val
		case bool:
			out[k] = strconv.FormatBool(val)
		case json.Number:
			out[k] = val.String()
		default:
			enc, err := json.Marshal(val)
			if err != nil {
				return nil, fmt.Errorf("%w: key %s: %v", ErrInvalid, k, err)
			}
			out[k] = string(enc)
		}
	}
	return out, nil
}

func validName(kind, v string) error {
	if strings.TrimSpace(v) == "" || strings.ContainsAny(v, "/\\\n") {
		return fmt.Errorf("%w: invalid %s %q", ErrInvalid, kind, v)
	}
	return nil
}

// ValidateConfig checks the identity and blob of rec.
func ValidateConfig(rec ConfigRecord) (ConfigRecord, error) {
	if err := validName("app", rec.App); err != nil {
		return rec, err
	}
	if err := validName("flavor", rec.Flavor); err != nil {
		return rec, err
	}
	blob, err := ValidateBlob(rec.Config)
	if err != nil {
		return rec, err
	}
	rec.Config = blob
	return rec, nil
}

// ValidateTemplate checks the name and blob of rec.
func ValidateTemplate(rec TemplateRecord) (TemplateRecord, error) {
	if err := validName("template name", rec.Name); err != nil {
		return rec, err
	}
	blob, err := ValidateBlob(rec.Config)
	if err != nil {
		return rec, err
	}
	rec.Config = blob
	return rec, nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

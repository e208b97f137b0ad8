package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

var _ Store = (*FileStore)(nil)

type fileData struct {
	Configs   []ConfigRecord   `json:"configs"`
	Templates []TemplateRecord `json:"templates"`
}

// FileStore keeps the whole catalog in one JSON file, rewritten atomically
// on every change.
type FileStore struct {
	path string
	now  func() time.Time

	mu        sync.RWMutex
	configs   map[[2]string]ConfigRecord
	templates map[string]TemplateRecord
}

// OpenFileStore loads path, which may not exist yet.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path:      path,
		now:       time.Now,
		configs:   map[[2]string]ConfigRecord{},
		templates: map[string]TemplateRecord{},
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var data fileData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	for _, c := range data.Configs {
		s.configs[[2]string{c.App, c.Flavor}] = c
	}
	for _, t := range data.Templates {
		s.templates[t.Name] = t
	}
	return s, nil
}

func (s *FileStore) ListApps(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	apps := map[string]bool{}
	for k := range s.configs {
		apps[k[0]] = true
	}
	return sortedKeys(apps), nil
}

func (s *FileStore) ListFlavors(_ context.Context, app string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	flavors := map[string]bool{}
	for k := range s.configs {
		if k[0] == app {
			flavors[k[1]] = true
		}
	}
	return sortedKeys(flavors), nil
}

func (s *FileStore) GetConfig(_ context.Context, app, flavor string) (ConfigRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.configs[[2]string{app, flavor}]
	if !ok {
		return ConfigRecord{}, fmt.Errorf("%w: config %s/%s", ErrNotFound, app, flavor)
	}
	return rec, nil
}

func (s *FileStore) PutConfig(_ context.Context, rec ConfigRecord) (ConfigRecord, error) {
	rec, err := ValidateConfig(rec)
	if err != nil {
		return ConfigRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]string{rec.App, rec.Flavor}
	prev, had := s.configs[key]
	rec.UpdatedAt = s.now().UTC()
	s.configs[key] = rec
	if err := s.saveLocked(); err != nil {
		if had {
			s.configs[key] = prev
		} else {
			delete(s.configs, key)
		}
		return ConfigRecord{}, err
	}
	return rec, nil
}

func (s *FileStore) ListTemplates(context.Context) ([]TemplateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TemplateRecord, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *FileStore) GetTemplate(_ context.Context, name string) (TemplateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[name]
	if !ok {
		return TemplateRecord{}, fmt.Errorf("%w: template %s", ErrNotFound, name)
	}
	return t, nil
}

func (s *FileStore) CreateTemplate(_ context.Context, rec TemplateRecord) (TemplateRecord, error) {
	rec, err := ValidateTemplate(rec)
	if err != nil {
		return TemplateRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[rec.Name]; ok {
		return TemplateRecord{}, fmt.Errorf("%w: %s", ErrTemplateExists, rec.Name)
	}
	rec.CreatedAt = s.now().UTC()
	s.templates[rec.Name] = rec
	if err := s.saveLocked(); err != nil {
		delete(s.templates, rec.Name)
		return TemplateRecord{}, err
	}
	return rec, nil
}

func (s *FileStore) DeleteTemplate(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.templates[name]
	if !ok {
		return fmt.Errorf("%w: template %s", ErrNotFound, name)
	}
	delete(s.templates, name)
	if err := s.saveLocked(); err != nil {
		s.templates[name] = prev
		return err
	}
	return nil
}

func (s *FileStore) saveLocked() error {
	data := fileData{
		Configs:   make([]ConfigRecord, 0, len(s.configs)),
		Templates: make([]TemplateRecord, 0, len(s.templates)),
	}
	for _, c := range s.configs {
		data.Configs = append(data.Configs, c)
	}
	sort.Slice(data.Configs, func(i, j int) bool {
		if data.Configs[i].App == data.Configs[j].App {
			return data.Configs[i].Flavor < data.Configs[j].Flavor
		}
		return data.Configs[i].App < data.Configs[j].App
	})
	for _, t := range s.templates {
		data.Templates = append(data.Templates, t)
	}
	sort.Slice(data.Templates, func(i, j int) bool { return data.Templates[i].Name < data.Templates[j].Name })

	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace catalog: %w", err)
	}
	return nil
}

package artifact

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_PutOpenIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	s := NewStore(t.TempDir(), nil, nil)
	src := writeSource(t, "app-dev-debug.apk", "package-bytes")

	info, err := s.Put(ctx, "job-1", src)
	require.NoError(t, err)
	assert.Equal(t, "app-dev-debug.apk", info.Name)
	assert.Equal(t, int64(len("package-bytes")), info.Size)
	assert.Len(t, info.SHA256, 64)

	_, err = s.Put(ctx, "job-1", src)
	assert.ErrorIs(t, err, ErrAlreadyStored)

	for i := 0; i < 2; i++ {
		h, err := s.Open(ctx, "job-1")
		require.NoError(t, err)
		raw, err := io.ReadAll(h)
		require.NoError(t, err)
		require.NoError(t, h.Close())
		assert.Equal(t, "package-bytes", string(raw))
		assert.Equal(t, info, h.Info)
	}
}

func TestStore_ConcurrentReadAt(t *testing.T) {
	ctx := context.Background()
	s := NewStore(t.TempDir(), nil, nil)
	content := strings.Repeat("0123456789", 1000)
	_, err := s.Put(ctx, "job-1", writeSource(t, "a.apk", content))
	require.NoError(t, err)

	h, err := s.Open(ctx, "job-1")
	require.NoError(t, err)
	defer h.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(off int64) {
			defer wg.Done()
			buf := make([]byte, 10)
			_, err := h.ReadAt(buf, off*10)
			assert.NoError(t, err)
			assert.Equal(t, "0123456789", string(buf))
		}(int64(i))
	}
	wg.Wait()
	assert.Equal(t, int64(len(content)), h.Size())
}

func TestStore_MissingAndInvalidIDs(t *testing.T) {
	ctx := context.Background()
	s := NewStore(t.TempDir(), nil, nil)

	_, err := s.Open(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Open(ctx, "../etc")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Put(ctx, "a/b", writeSource(t, "x.apk", "x"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_DeleteRemovesLocalAndMirror(t *testing.T) {
	ctx := context.Background()
	mirror := newMemMirror()
	s := NewStore(t.TempDir(), mirror, nil)
	_, err := s.Put(ctx, "job-1", writeSource(t, "a.apk", "abc"))
	require.NoError(t, err)
	assert.Contains(t, mirror.keys(), "job-1/a.apk")
	assert.Contains(t, mirror.keys(), "job-1/artifact.json")

	require.NoError(t, s.Delete(ctx, "job-1"))
	_, err = os.Stat(s.JobDir("job-1"))
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, mirror.keys())
	_, err = s.Open(ctx, "job-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_RestoresFromMirror(t *testing.T) {
	ctx := context.Background()
	mirror := newMemMirror()
	dir := t.TempDir()
	s := NewStore(dir, mirror, nil)
	info, err := s.Put(ctx, "job-1", writeSource(t, "a.aab", "bundle-bytes"))
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(filepath.Join(dir, "job-1")))

	fresh := NewStore(dir, mirror, nil)
	h, err := fresh.Open(ctx, "job-1")
	require.NoError(t, err)
	defer h.Close()
	raw, err := io.ReadAll(h)
	require.NoError(t, err)
	assert.Equal(t, "bundle-bytes", string(raw))
	assert.Equal(t, info.SHA256, h.Info.SHA256)
}

func TestStore_MirrorFailureDoesNotFailPut(t *testing.T) {
	mirror := newMemMirror()
	mirror.failUpload = errors.New("mirror down")
	s := NewStore(t.TempDir(), mirror, nil)
	_, err := s.Put(context.Background(), "job-1", writeSource(t, "a.apk", "abc"))
	require.NoError(t, err)
}

func writeSource(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

type memMirror struct {
	mu         sync.Mutex
	objects    map[string][]byte
	failUpload error
}

func newMemMirror() *memMirror {
	return &memMirror{objects: map[string][]byte{}}
}

func (m *memMirror) Upload(_ context.Context, key string, r io.Reader) error {
	if m.failUpload != nil {
		return m.failUpload
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = raw
	return nil
}

func (m *memMirror) Download(_ context.Context, key string, w io.WriterAt) error {
	m.mu.Lock()
	raw, ok := m.objects[key]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	_, err := w.WriteAt(bytes.Clone(raw), 0)
	return err
}

func (m *memMirror) Delete(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			delete(m.objects, k)
		}
	}
	return nil
}

func (m *memMirror) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	return out
}

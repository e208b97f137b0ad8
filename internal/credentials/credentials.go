// Package credentials stages release signing material for a single build and
// guarantees that it is removed again once the build finishes.
package credentials

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var ErrStagingFailed = errors.New("credential staging failed")

const (
	EnvKeystorePath     = "APPFORGE_KEYSTORE_PATH"
	EnvKeystorePassword = "APPFORGE_KEYSTORE_PASSWORD"
	EnvKeyAlias         = "APPFORGE_KEY_ALIAS"
	EnvKeyPassword      = "APPFORGE_KEY_PASSWORD"

	stageDirName     = ".signing"
	keystoreFileName = "upload-keystore.jks"
)

// Material is the uploaded keystore plus the three secrets needed to sign a
// release artifact.
type Material struct {
	Keystore      []byte
	StorePassword string
	KeyAlias      string
	KeyPassword   string
}

// Complete reports whether every field is present.
func (m *Material) Complete() bool {
	return m != nil &&
		len(m.Keystore) > 0 &&
		strings.TrimSpace(m.StorePassword) != "" &&
		strings.TrimSpace(m.KeyAlias) != "" &&
		strings.TrimSpace(m.KeyPassword) != ""
}

// Present reports whether a keystore was supplied (possibly zero bytes) along
// with the three secrets. Content is checked later, when staging.
func (m *Material) Present() bool {
	return m != nil &&
		m.Keystore != nil &&
		strings.TrimSpace(m.StorePassword) != "" &&
		strings.TrimSpace(m.KeyAlias) != "" &&
		strings.TrimSpace(m.KeyPassword) != ""
}

// Empty reports whether no field is set at all.
func (m *Material) Empty() bool {
	return m == nil || (len(m.Keystore) == 0 && m.StorePassword == "" && m.KeyAlias == "" && m.KeyPassword == "")
}

// Wipe zeroes the keystore bytes and drops the secrets.
func (m *Material) Wipe() {
	if m == nil {
		return
	}
	for i := range m.Keystore {
		m.Keystore[i] = 0
	}
	m.Keystore = nil
	m.StorePassword = ""
	m.KeyAlias = ""
	m.KeyPassword = ""
}

func (m *Material) String() string {
	if m == nil {
		return "<no signing material>"
	}
	return fmt.Sprintf("<signing material keystore=%dB secrets=redacted>", len(m.Keystore))
}

func (m *Material) LogValue() slog.Value {
	if m == nil {
		return slog.StringValue("none")
	}
	return slog.GroupValue(
		slog.Int("keystore_bytes", len(m.Keystore)),
		slog.String("secrets", "redacted"),
	)
}

// Handle is a staged credential scope. Release must be called on every exit
// path; it is safe to call more than once.
type Handle struct {
	dir          string
	keystorePath string

	mu            sync.Mutex
	storePassword string
	keyAlias      string
	keyPassword   string
	released      bool
}

// Stage writes the keystore into a private directory under workDir and takes
// ownership of the secrets. The caller's Material is wiped either way.
func Stage(workDir string, m *Material) (*Handle, error) {
	defer m.Wipe()
	if !m.Complete() {
		return nil, fmt.Errorf("%w: keystore and all three secrets are required", ErrStagingFailed)
	}

	dir := filepath.Join(workDir, stageDirName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create staging dir: %v", ErrStagingFailed, err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: restrict staging dir: %v", ErrStagingFailed, err)
	}

	path := filepath.Join(dir, keystoreFileName)
	if err := writePrivate(path, m.Keystore); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: write keystore: %v", ErrStagingFailed, err)
	}

	return &Handle{
		dir:           dir,
		keystorePath:  path,
		storePassword: m.StorePassword,
		keyAlias:      m.KeyAlias,
		keyPassword:   m.KeyPassword,
	}, nil
}

func writePrivate(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Env returns the child process environment entries that expose the staged
// material. It returns nil once the handle is released.
func (h *Handle) Env() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	return []string{
		EnvKeystorePath + "=" + h.keystorePath,
		EnvKeystorePassword + "=" + h.storePassword,
		EnvKeyAlias + "=" + h.keyAlias,
		EnvKeyPassword + "=" + h.keyPassword,
	}
}

// Secrets returns the values that must never appear in logs.
func (h *Handle) Secrets() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	return []string{h.storePassword, h.keyPassword, h.keyAlias}
}

// Release removes the staged keystore and forgets the secrets.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true
	h.storePassword = ""
	h.keyAlias = ""
	h.keyPassword = ""
	if err := os.RemoveAll(h.dir); err != nil {
		return fmt.Errorf("remove staged credentials: %w", err)
	}
	return nil
}

// Sweep removes a staging directory left behind under workDir by a process
// that died before releasing it.
func Sweep(workDir string) error {
	return os.RemoveAll(filepath.Join(workDir, stageDirName))
}

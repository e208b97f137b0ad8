package builder

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mblsha/appforge/internal/archive"
	"github.com/mblsha/appforge/internal/credentials"
	"github.com/mblsha/appforge/internal/job"
	"github.com/mblsha/appforge/internal/manifest"
)

const sampleManifest = `<manifest xmlns:android="http://schemas.android.com/apk/res/android">
    <application android:label="shop">
    </application>
</manifest>
`

func TestToolchainArgs(t *testing.T) {
	debug := ToolchainArgs(BuildJob{
		Flavor:     "dev",
		OutputType: job.OutputAPK,
		Mode:       job.ModeDebug,
		Config:     map[string]string{"FLAVOR": "dev", "API_URL": "https://dev.example.com"},
	})
	want := []string{
		"build", "apk", "--debug", "--flavor", "dev",
		"--dart-define=API_URL=https://dev.example.com",
		"--dart-define=FLAVOR=dev",
	}
	if diff := cmp.Diff(want, debug); diff != "" {
		t.Fatalf("debug args mismatch (-want +got):\n%s", diff)
	}

	release := ToolchainArgs(BuildJob{Flavor: "prod", OutputType: job.OutputAAB, Mode: job.ModeRelease})
	assert.Equal(t, []string{"build", "appbundle", "--release", "--flavor", "prod"}, release)
}

func TestToolchainCommand_WrapsWithCmdExeOnWindows(t *testing.T) {
	spec := toolchainCommand("windows", `C:\flutter\bin\flutter.bat`, []string{"build", "apk"}, `C:\work`)
	assert.Equal(t, "cmd.exe", spec.Name)
	assert.Equal(t, []string{"/C", `C:\flutter\bin\flutter.bat`, "build", "apk"}, spec.Args)

	spec = toolchainCommand("linux", "flutter", []string{"build", "apk"}, "/work")
	assert.Equal(t, "flutter", spec.Name)
}

func TestToolchainBuilder_BuildsFromDirectorySource(t *testing.T) {
	apps := t.TempDir()
	writeApp(t, filepath.Join(apps, "shop"))

	runner := &recordingRunner{}
	b := NewToolchainBuilder("flutter", apps, testLimits(), runner)
	b.OSName = "linux"

	handle := stageSigning(t)
	defer handle.Release()

	var log logSink
	bj := BuildJob{
		ID:         "job-1",
		WorkDir:    t.TempDir(),
		App:        "shop",
		Flavor:     "prod",
		Config:     map[string]string{"FLAVOR": "prod", "API_URL": "https://api.example.com"},
		Edits:      manifest.Edits{Permissions: []string{"android.permission.CAMERA"}},
		OutputType: job.OutputAPK,
		Mode:       job.ModeRelease,
		Signing:    handle,
		Log:        log.add,
	}
	runner.hook = func(spec CommandSpec, stdout, stderr io.Writer) error {
		_, _ = io.WriteString(stdout, "Running Gradle task 'assembleProdRelease'...\n")
		_, _ = io.WriteString(stderr, "warning: something\n")
		return WriteSamplePackage(filepath.Join(spec.Dir, "build/app/outputs/flutter-apk/app-prod-release.apk"), job.OutputAPK)
	}

	res, err := b.Build(context.Background(), bj)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	src := filepath.Join(bj.WorkDir, "src")
	assert.Equal(t, filepath.Join(src, "build/app/outputs/flutter-apk/app-prod-release.apk"), res.ArtifactPath)
	assert.Equal(t, "flutter", runner.spec.Name)
	assert.Equal(t, src, runner.spec.Dir)
	assert.Contains(t, runner.spec.Args, "--dart-define=API_URL=https://api.example.com")
	assert.Contains(t, runner.spec.Env, "API_URL=https://api.example.com")
	assert.Contains(t, runner.spec.Env, credentials.EnvKeyAlias+"=upload")
	keystore := envValue(runner.spec.Env, credentials.EnvKeystorePath)
	raw, err := os.ReadFile(keystore)
	require.NoError(t, err)
	assert.Equal(t, "keystore-bytes", string(raw))

	env, err := os.ReadFile(filepath.Join(src, EnvFileName))
	require.NoError(t, err)
	assert.Equal(t, "API_URL=https://api.example.com\nFLAVOR=prod\n", string(env))

	merged, err := os.ReadFile(filepath.Join(src, manifest.DefaultPath))
	require.NoError(t, err)
	assert.Contains(t, string(merged), `<uses-permission android:name="android.permission.CAMERA" />`)

	lines := log.all()
	assert.Contains(t, lines, "Running Gradle task 'assembleProdRelease'...")
	assert.Contains(t, lines, "warning: something")
	for _, l := range lines {
		assert.NotContains(t, l, "https://api.example.com", "config values are not echoed in the command note")
	}
}

func TestToolchainBuilder_ExtractsZipSource(t *testing.T) {
	apps := t.TempDir()
	zipPath := filepath.Join(apps, "shop.zip")
	writeAppZip(t, zipPath)

	runner := &recordingRunner{hook: func(spec CommandSpec, _, _ io.Writer) error {
		return WriteSamplePackage(filepath.Join(spec.Dir, "build/app/outputs/bundle/devDebug/app-dev-debug.aab"), job.OutputAAB)
	}}
	b := NewToolchainBuilder("flutter", apps, testLimits(), runner)

	res, err := b.Build(context.Background(), BuildJob{
		WorkDir:    t.TempDir(),
		App:        "shop",
		Flavor:     "dev",
		OutputType: job.OutputAAB,
		Mode:       job.ModeDebug,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(res.ArtifactPath, "app-dev-debug.aab"))
	assert.Contains(t, runner.spec.Args, "appbundle")
}

func TestToolchainBuilder_NonZeroExitIsToolchainFailure(t *testing.T) {
	apps := t.TempDir()
	writeApp(t, filepath.Join(apps, "shop"))
	runner := &recordingRunner{
		exitCode: 1,
		err:      errors.New("exit status 1"),
		hook: func(_ CommandSpec, stdout, _ io.Writer) error {
			_, _ = io.WriteString(stdout, "lib/main.dart:14:11: Error: Undefined name 'apiBaseUrl'.\nBUILD FAILED in 9s\n")
			return nil
		},
	}
	b := NewToolchainBuilder("flutter", apps, testLimits(), runner)

	res, err := b.Build(context.Background(), BuildJob{WorkDir: t.TempDir(), App: "shop", Flavor: "dev", Mode: job.ModeDebug})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrToolchainFailure)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, "[dart] Undefined name 'apiBaseUrl'. (lib/main.dart:14)", res.Message)
}

func TestToolchainBuilder_ExitZeroWithoutArtifact(t *testing.T) {
	apps := t.TempDir()
	writeApp(t, filepath.Join(apps, "shop"))
	b := NewToolchainBuilder("flutter", apps, testLimits(), &recordingRunner{})

	res, err := b.Build(context.Background(), BuildJob{WorkDir: t.TempDir(), App: "shop", Flavor: "dev", Mode: job.ModeDebug})
	assert.ErrorIs(t, err, ErrArtifactMissing)
	assert.Equal(t, 0, res.ExitCode)
}

func TestToolchainBuilder_MissingSourceNeverRunsToolchain(t *testing.T) {
	runner := &recordingRunner{}
	b := NewToolchainBuilder("flutter", t.TempDir(), testLimits(), runner)

	_, err := b.Build(context.Background(), BuildJob{WorkDir: t.TempDir(), App: "ghost", Flavor: "dev", Mode: job.ModeDebug})
	assert.ErrorIs(t, err, ErrSourceMissing)
	assert.False(t, runner.called)
}

func TestToolchainBuilder_RedactsSecretsInOutput(t *testing.T) {
	apps := t.TempDir()
	writeApp(t, filepath.Join(apps, "shop"))
	handle := stageSigning(t)
	defer handle.Release()

	runner := &recordingRunner{hook: func(spec CommandSpec, stdout, _ io.Writer) error {
		_, _ = io.WriteString(stdout, "signing upload with storepw-123 and keypw-456\n")
		return WriteSamplePackage(filepath.Join(spec.Dir, "build/app/outputs/flutter-apk/app-prod-release.apk"), job.OutputAPK)
	}}
	var log logSink
	b := NewToolchainBuilder("flutter", apps, testLimits(), runner)
	_, err := b.Build(context.Background(), BuildJob{
		WorkDir: t.TempDir(), App: "shop", Flavor: "prod", Mode: job.ModeRelease,
		Signing: handle, Log: log.add,
	})
	require.NoError(t, err)
	for _, l := range log.all() {
		assert.NotContains(t, l, "storepw-123")
		assert.NotContains(t, l, "keypw-456")
		assert.NotContains(t, l, "upload")
	}
	assert.Contains(t, log.all(), "signing ******** with ******** and ********")
}

func TestToolchainBuilder_CancelledContext(t *testing.T) {
	apps := t.TempDir()
	writeApp(t, filepath.Join(apps, "shop"))
	ctx, cancel := context.WithCancel(context.Background())
	runner := &recordingRunner{hook: func(CommandSpec, io.Writer, io.Writer) error {
		cancel()
		return nil
	}, exitCode: -1}
	b := NewToolchainBuilder("flutter", apps, testLimits(), runner)

	_, err := b.Build(ctx, BuildJob{WorkDir: t.TempDir(), App: "shop", Flavor: "dev", Mode: job.ModeDebug})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFindArtifact_FallsBackToNewestUnderBuild(t *testing.T) {
	root := t.TempDir()
	older := filepath.Join(root, "build", "custom", "old.apk")
	newer := filepath.Join(root, "build", "other", "new.apk")
	require.NoError(t, os.MkdirAll(filepath.Dir(older), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Dir(newer), 0o755))
	require.NoError(t, os.WriteFile(older, []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(newer, []byte("new"), 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, past, past))

	got, err := FindArtifact(root, job.OutputAPK, "dev", job.ModeDebug)
	require.NoError(t, err)
	assert.Equal(t, newer, got)

	_, err = FindArtifact(root, job.OutputAAB, "dev", job.ModeDebug)
	assert.ErrorIs(t, err, ErrArtifactMissing)

	_, err = FindArtifact(t.TempDir(), job.OutputAPK, "dev", job.ModeDebug)
	assert.ErrorIs(t, err, ErrArtifactMissing)
}

func TestLineWriter_SplitsAcrossWrites(t *testing.T) {
	var got []string
	w := newLineWriter(func(l string) { got = append(got, l) }, []string{"", "hunter2"})
	_, _ = w.Write([]byte("first li"))
	_, _ = w.Write([]byte("ne\r\nsecond hunter2\nthi"))
	w.Flush()
	assert.Equal(t, []string{"first line", "second ********", "thi"}, got)
}

func TestOSRunner_MergesOutputAndReportsExitCode(t *testing.T) {
	sh := requireShell(t)
	var log logSink
	w := newLineWriter(log.add, nil)
	code, err := OSRunner{}.Run(context.Background(), CommandSpec{
		Name: sh,
		Args: []string{"-c", "echo one; echo two 1>&2; exit 3"},
		Dir:  t.TempDir(),
	}, w, w)
	w.Flush()
	require.Error(t, err)
	assert.Equal(t, 3, code)
	assert.ElementsMatch(t, []string{"one", "two"}, log.all())
}

func TestOSRunner_KillsOnCancel(t *testing.T) {
	sh := requireShell(t)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := OSRunner{WaitDelay: time.Second}.Run(ctx, CommandSpec{
		Name: sh,
		Args: []string{"-c", "sleep 30"},
		Dir:  t.TempDir(),
	}, io.Discard, io.Discard)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func requireShell(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}

func writeApp(t *testing.T, dir string) {
	t.Helper()
	files := map[string]string{
		"pubspec.yaml":        "name: shop\n",
		"lib/main.dart":       "void main() {}\n",
		manifest.DefaultPath:  sampleManifest,
		"build/stale/old.apk": "stale",
	}
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func writeAppZip(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, content := range map[string]string{
		"pubspec.yaml":       "name: shop\n",
		manifest.DefaultPath: sampleManifest,
	} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func stageSigning(t *testing.T) *credentials.Handle {
	t.Helper()
	h, err := credentials.Stage(t.TempDir(), &credentials.Material{
		Keystore:      []byte("keystore-bytes"),
		StorePassword: "storepw-123",
		KeyAlias:      "upload",
		KeyPassword:   "keypw-456",
	})
	require.NoError(t, err)
	return h
}

func envValue(env []string, key string) string {
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, key+"="); ok {
			return v
		}
	}
	return ""
}

func testLimits() archive.Limits {
	return archive.Limits{MaxFiles: 1000, MaxTotalBytes: 64 << 20, MaxFileBytes: 16 << 20}
}

type logSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *logSink) add(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
}

func (s *logSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

type recordingRunner struct {
	spec     CommandSpec
	called   bool
	exitCode int
	err      error
	hook     func(spec CommandSpec, stdout, stderr io.Writer) error
}

func (r *recordingRunner) Run(ctx context.Context, spec CommandSpec, stdout, stderr io.Writer) (int, error) {
	_ = ctx
	r.called = true
	r.spec = spec
	if r.hook != nil {
		if err := r.hook(spec, stdout, stderr); err != nil {
			return 1, err
		}
	}
	if r.exitCode == 0 && r.err == nil {
		return 0, nil
	}
	return r.exitCode, r.err
}

func TestBuildEnv_ConfigCannotOverrideHostEnv(t *testing.T) {
	base := []string{"PATH=/usr/bin:/bin", "HOME=/home/builder", "SITE_NAME=host"}
	env := buildEnv(base, BuildJob{Config: map[string]string{
		"PATH":              "/nonexistent",
		"JAVA_TOOL_OPTIONS": "-XX:OnOutOfMemoryError=touch /tmp/x",
		"LD_PRELOAD":        "/tmp/evil.so",
		"SITE_NAME":         "config",
		"API_URL":           "https://api.example.com",
	}})

	want := []string{"PATH=/usr/bin:/bin", "HOME=/home/builder", "SITE_NAME=host", "API_URL=https://api.example.com"}
	if diff := cmp.Diff(want, env); diff != "" {
		t.Fatalf("env (-want +got):\n%s", diff)
	}
}

func TestToolchainBuilder_ChildSeesHostPath(t *testing.T) {
	sh := requireShell(t)
	apps := t.TempDir()
	writeApp(t, filepath.Join(apps, "shop"))

	script := filepath.Join(t.TempDir(), "flutter")
	require.NoError(t, os.WriteFile(script, []byte("#!"+sh+"\necho \"child PATH=$PATH\"\necho \"child API_URL=$API_URL\"\nexit 1\n"), 0o755))

	b := NewToolchainBuilder(script, apps, testLimits(), OSRunner{})
	var log logSink
	_, err := b.Build(context.Background(), BuildJob{
		ID:         "job-env",
		WorkDir:    t.TempDir(),
		App:        "shop",
		Flavor:     "dev",
		Config:     map[string]string{"FLAVOR": "dev", "PATH": "/nonexistent", "API_URL": "https://dev.example.com"},
		OutputType: job.OutputAPK,
		Mode:       job.ModeDebug,
		Log:        log.add,
	})
	require.ErrorIs(t, err, ErrToolchainFailure)

	lines := log.all()
	assert.Contains(t, lines, "child PATH="+os.Getenv("PATH"))
	assert.Contains(t, lines, "child API_URL=https://dev.example.com")
	assert.NotContains(t, lines, "child PATH=/nonexistent")
}

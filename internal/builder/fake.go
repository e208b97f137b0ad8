package builder

import (
	"archive/zip"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mblsha/appforge/internal/job"
)

// FakeBuilder is intended for tests and local dry-runs. It writes a small but
// well formed package to the conventional output path.
type FakeBuilder struct {
	mu sync.Mutex

	Calls []BuildJob

	// FailApps maps an app name to the error its builds return.
	FailApps map[string]error
	// NoArtifactApps lists apps whose builds exit 0 without output.
	NoArtifactApps map[string]bool
	// OnBuild runs while the build is in progress.
	OnBuild func(BuildJob)

	BlockCh           <-chan struct{}
	HeartbeatInterval time.Duration
}

func (b *FakeBuilder) Build(ctx context.Context, bj BuildJob) (BuildResult, error) {
	b.mu.Lock()
	b.Calls = append(b.Calls, bj)
	b.mu.Unlock()

	bj.logf(fmt.Sprintf("fake build %s %s %s", bj.App, bj.Flavor, bj.Mode))
	if b.OnBuild != nil {
		b.OnBuild(bj)
	}

	if b.BlockCh != nil {
		interval := b.HeartbeatInterval
		if interval <= 0 {
			interval = 2 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
	wait:
		for {
			select {
			case <-ctx.Done():
				return BuildResult{ExitCode: -1, Message: "toolchain interrupted"}, ctx.Err()
			case <-ticker.C:
				bj.logf("fake heartbeat")
			case <-b.BlockCh:
				break wait
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return BuildResult{ExitCode: -1, Message: "toolchain interrupted"}, err
	}

	if err, ok := b.FailApps[bj.App]; ok {
		bj.logf("fake build failed")
		return BuildResult{ExitCode: 1, Message: "fake build failed"}, err
	}
	if b.NoArtifactApps[bj.App] {
		return BuildResult{ExitCode: 0, Message: "no artifact produced"}, fmt.Errorf("%w: fake build wrote nothing", ErrArtifactMissing)
	}

	src := filepath.Join(bj.WorkDir, sourceDirName)
	if err := os.MkdirAll(src, 0o755); err != nil {
		return BuildResult{ExitCode: -1}, err
	}
	if err := WriteEnvFile(filepath.Join(src, EnvFileName), bj.Config); err != nil {
		return BuildResult{ExitCode: -1}, err
	}
	out := filepath.Join(src, filepath.FromSlash(conventionalPaths(bj.OutputType, bj.Flavor, bj.Mode)[0]))
	if err := WriteSamplePackage(out, bj.OutputType); err != nil {
		return BuildResult{ExitCode: -1}, err
	}
	bj.logf(fmt.Sprintf("artifact %s", filepath.Base(out)))
	return BuildResult{ExitCode: 0, Message: fmt.Sprintf("fake build succeeded for %s", bj.ID), ArtifactPath: out}, nil
}

func (b *FakeBuilder) CallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Calls)
}

// SampleMethodCount is the method_ids_size written into the sample dex.
const SampleMethodCount = 4242

// WriteSamplePackage writes a minimal APK (or AAB when out is aab) holding a
// dex file, an asset, a resource table and a native library.
func WriteSamplePackage(path string, out job.OutputType) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(f)

	type entry struct {
		name string
		data []byte
	}
	prefix := ""
	var entries []entry
	if out == job.OutputAAB {
		prefix = "base/"
		entries = append(entries, entry{"BundleConfig.pb", []byte{0x0a, 0x02, 0x08, 0x01}})
	}
	entries = append(entries,
		entry{prefix + dexPath(out), SampleDex(SampleMethodCount, 512)},
		entry{prefix + "assets/flutter_assets/AssetManifest.json", []byte(`{"images/logo.png":["images/logo.png"]}`)},
		entry{prefix + resourceTable(out), []byte(strings.Repeat("r", 256))},
		entry{prefix + "lib/arm64-v8a/libapp.so", []byte(strings.Repeat("\x7fELF", 300))},
		entry{"META-INF/MANIFEST.MF", []byte("Manifest-Version: 1.0\n")},
	)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			f.Close()
			return err
		}
		if _, err := w.Write(e.data); err != nil {
			f.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func dexPath(out job.OutputType) string {
	if out == job.OutputAAB {
		return "dex/classes.dex"
	}
	return "classes.dex"
}

func resourceTable(out job.OutputType) string {
	if out == job.OutputAAB {
		return "resources.pb"
	}
	return "resources.arsc"
}

// SampleDex returns a dex image of size bytes (at least the 0x70 byte
// header) declaring methods method ids.
func SampleDex(methods uint32, size int) []byte {
	if size < 0x70 {
		size = 0x70
	}
	b := make([]byte, size)
	copy(b, "dex\n035\x00")
	binary.LittleEndian.PutUint32(b[0x20:], uint32(size))
	binary.LittleEndian.PutUint32(b[0x24:], 0x70)
	binary.LittleEndian.PutUint32(b[0x28:], 0x12345678)
	binary.LittleEndian.PutUint32(b[0x58:], methods)
	return b
}

package analyzer

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type zipEntry struct {
	name string
	data []byte
}

func TestAnalyze_DexAndAssetScenario(t *testing.T) {
	raw := buildZip(t, []zipEntry{
		{"classes.dex", dexImage(5123, 2_000_000)},
		{"assets/flutter_assets/fonts/Roboto.ttf", make([]byte, 500_000)},
	})

	res, err := Analyze(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)

	assert.Equal(t, int64(2_500_000), res.TotalSize)
	want := Breakdown{Dex: 2_000_000, Assets: 500_000}
	if diff := cmp.Diff(want, res.Breakdown); diff != "" {
		t.Fatalf("breakdown mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, int64(5123), res.MethodCount)
	assert.Equal(t, 1, res.DexFiles)
	assert.Zero(t, res.NativeLibSize)
	require.Len(t, res.LargestFiles, 2)
	assert.Equal(t, "classes.dex", res.LargestFiles[0].Name)
	assert.Equal(t, CategoryAssets, res.LargestFiles[1].Category)
}

func TestAnalyze_SingleUnclassifiedFile(t *testing.T) {
	raw := buildZip(t, []zipEntry{{"README.txt", []byte("hello world")}})
	res, err := Analyze(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)
	assert.Equal(t, int64(11), res.TotalSize)
	assert.Equal(t, Breakdown{Other: 11}, res.Breakdown)
	assert.Equal(t, res.TotalSize, res.Breakdown.Sum())
}

func TestAnalyze_ClassifiesApkLayout(t *testing.T) {
	raw := buildZip(t, []zipEntry{
		{"AndroidManifest.xml", make([]byte, 40)},
		{"classes.dex", dexImage(100, 300)},
		{"classes2.dex", dexImage(50, 200)},
		{"res/drawable/logo.png", make([]byte, 70)},
		{"resources.arsc", make([]byte, 30)},
		{"lib/arm64-v8a/libflutter.so", make([]byte, 900)},
		{"lib/armeabi-v7a/libflutter.so", make([]byte, 800)},
		{"lib/arm64-v8a/notes.txt", make([]byte, 5)},
		{"META-INF/CERT.SF", make([]byte, 10)},
		{"assets/", nil},
	})
	res, err := Analyze(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)

	assert.Equal(t, Breakdown{Dex: 500, Assets: 0, Resources: 100, NativeLibs: 1700, Other: 55}, res.Breakdown)
	assert.Equal(t, res.TotalSize, res.Breakdown.Sum())
	assert.Equal(t, int64(150), res.MethodCount)
	assert.Equal(t, int64(1700), res.NativeLibSize)
	assert.Equal(t, []string{"arm64-v8a", "armeabi-v7a"}, res.ABIs)
	assert.Equal(t, 9, res.Entries, "directory entries are not counted")
	assert.False(t, res.Bundle)
}

func TestAnalyze_BundleStripsModulePrefix(t *testing.T) {
	raw := buildZip(t, []zipEntry{
		{"BundleConfig.pb", make([]byte, 4)},
		{"base/dex/classes.dex", dexImage(77, 400)},
		{"base/assets/data.bin", make([]byte, 60)},
		{"base/res/layout/main.xml", make([]byte, 20)},
		{"base/resources.pb", make([]byte, 10)},
		{"base/lib/x86_64/libapp.so", make([]byte, 90)},
		{"base/manifest/AndroidManifest.xml", make([]byte, 8)},
		{"BUNDLE-METADATA/com.android.tools.build.debugsymbols/libapp.so.sym", make([]byte, 3)},
	})
	res, err := Analyze(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)

	assert.True(t, res.Bundle)
	assert.Equal(t, Breakdown{Dex: 400, Assets: 60, Resources: 30, NativeLibs: 90, Other: 15}, res.Breakdown)
	assert.Equal(t, int64(77), res.MethodCount)
	assert.Equal(t, "base/dex/classes.dex", res.LargestFiles[0].Name)
}

func TestAnalyze_InvalidDexContributesZeroMethods(t *testing.T) {
	bad := dexImage(999, 200)
	bad[0x24] = 0x40
	raw := buildZip(t, []zipEntry{
		{"classes.dex", bad},
		{"classes2.dex", []byte("short")},
		{"classes3.dex", append([]byte("xex\n035\x00"), make([]byte, 0x70)...)},
		{"classes4.dex", dexImage(12, 0x70)},
	})
	res, err := Analyze(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)
	assert.Equal(t, int64(12), res.MethodCount)
	assert.Equal(t, 4, res.DexFiles)
}

func TestAnalyze_TopKOrderedBySizeThenName(t *testing.T) {
	var entries []zipEntry
	for i := 0; i < 15; i++ {
		entries = append(entries, zipEntry{fmt.Sprintf("assets/f%02d", i), make([]byte, 100+i%3)})
	}
	raw := buildZip(t, entries)
	res, err := Analyze(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)

	require.Len(t, res.LargestFiles, TopK)
	for i := 1; i < len(res.LargestFiles); i++ {
		prev, cur := res.LargestFiles[i-1], res.LargestFiles[i]
		if prev.Size < cur.Size || (prev.Size == cur.Size && prev.Name > cur.Name) {
			t.Fatalf("largest files out of order at %d: %+v then %+v", i, prev, cur)
		}
	}
	assert.Equal(t, "assets/f02", res.LargestFiles[0].Name)
}

func TestAnalyze_NotAnArchive(t *testing.T) {
	for _, raw := range [][]byte{nil, []byte("PK"), bytes.Repeat([]byte("not a zip "), 100)} {
		_, err := Analyze(bytes.NewReader(raw), int64(len(raw)))
		assert.ErrorIs(t, err, ErrNotAnArchive)
	}
}

func TestAnalyze_Truncated(t *testing.T) {
	raw := buildZip(t, []zipEntry{{"classes.dex", dexImage(1, 0x70)}, {"assets/a", []byte("a")}})

	onlyEnd := raw[len(raw)-22:]
	_, err := Analyze(bytes.NewReader(onlyEnd), int64(len(onlyEnd)))
	assert.ErrorIs(t, err, ErrTruncated)

	corrupt := append([]byte(nil), raw...)
	first := bytes.Index(corrupt, []byte("PK\x01\x02"))
	require.Positive(t, first)
	copy(corrupt[first:], "XXXX")
	_, err = Analyze(bytes.NewReader(corrupt), int64(len(corrupt)))
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestAnalyzeFile_ConcurrentCallsAgree(t *testing.T) {
	raw := buildZip(t, []zipEntry{
		{"classes.dex", dexImage(42, 4096)},
		{"lib/arm64-v8a/libapp.so", make([]byte, 2048)},
	})
	p := filepath.Join(t.TempDir(), "app.apk")
	require.NoError(t, os.WriteFile(p, raw, 0o644))

	first, err := AnalyzeFile(p)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := AnalyzeFile(p)
			if err != nil {
				errs <- err
				return
			}
			if diff := cmp.Diff(first, got); diff != "" {
				errs <- fmt.Errorf("result differs:\n%s", diff)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func buildZip(t *testing.T, entries []zipEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)
		if len(e.data) > 0 {
			_, err = w.Write(e.data)
			require.NoError(t, err)
		}
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func dexImage(methods uint32, size int) []byte {
	b := make([]byte, size)
	copy(b, "dex\n039\x00")
	binary.LittleEndian.PutUint32(b[0x20:], uint32(size))
	binary.LittleEndian.PutUint32(b[0x24:], 0x70)
	binary.LittleEndian.PutUint32(b[0x58:], methods)
	return b
}

package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const flutterManifest = `<manifest xmlns:android="http://schemas.android.com/apk/res/android">
    <uses-permission android:name="android.permission.INTERNET"/>
    <application
        android:label="shop"
        android:icon="@mipmap/ic_launcher">
        <activity android:name=".MainActivity" />
    </application>
</manifest>
`

func TestMerge_AddsMissingDeclarationsBeforeApplication(t *testing.T) {
	out, err := Merge([]byte(flutterManifest), Edits{
		Permissions: []string{"android.permission.CAMERA", "android.permission.INTERNET"},
		Features:    []string{"android.hardware.camera"},
	})
	require.NoError(t, err)

	doc := string(out)
	assert.Equal(t, 1, strings.Count(doc, `android.permission.INTERNET`), "existing permission must not be duplicated")
	assert.Contains(t, doc, "    <uses-permission android:name=\"android.permission.CAMERA\" />\n    <uses-feature android:name=\"android.hardware.camera\" android:required=\"false\" />\n    <application")
	assert.Less(t, strings.Index(doc, "android.permission.CAMERA"), strings.Index(doc, "<application"))
}

func TestMerge_IsIdempotent(t *testing.T) {
	edits := Edits{Permissions: []string{"android.permission.CAMERA"}, Features: []string{"android.hardware.nfc"}}
	once, err := Merge([]byte(flutterManifest), edits)
	require.NoError(t, err)
	twice, err := Merge(once, edits)
	require.NoError(t, err)
	assert.Equal(t, string(once), string(twice))
}

func TestMerge_WithoutApplicationElement(t *testing.T) {
	doc := "<manifest package=\"x\">\n</manifest>\n"
	out, err := Merge([]byte(doc), Edits{Permissions: []string{"android.permission.VIBRATE"}})
	require.NoError(t, err)
	assert.Equal(t, "<manifest package=\"x\">\n    <uses-permission android:name=\"android.permission.VIBRATE\" />\n</manifest>\n", string(out))
}

func TestMerge_RejectsNonManifest(t *testing.T) {
	_, err := Merge([]byte("<resources/>"), Edits{Permissions: []string{"a.b"}})
	assert.Error(t, err)
}

func TestEditsNormalize(t *testing.T) {
	e := Edits{Permissions: []string{"b.B", "a.A", "b.B", " "}}
	require.NoError(t, e.Normalize())
	assert.Equal(t, []string{"a.A", "b.B"}, e.Permissions)

	bad := Edits{Features: []string{`x" onload="y`}}
	assert.Error(t, bad.Normalize())
}

func TestApply_FindsConventionalManifest(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, filepath.FromSlash(DefaultPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(flutterManifest), 0o644))

	got, err := Apply(root, Edits{Permissions: []string{"android.permission.CAMERA"}})
	require.NoError(t, err)
	assert.Equal(t, path, got)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "android.permission.CAMERA")
}

func TestApply_NoManifest(t *testing.T) {
	_, err := Apply(t.TempDir(), Edits{Permissions: []string{"android.permission.CAMERA"}})
	assert.ErrorIs(t, err, ErrNoManifest)

	path, err := Apply(t.TempDir(), Edits{})
	require.NoError(t, err)
	assert.Empty(t, path)
}

package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mblsha/appforge/internal/credentials"
	"github.com/mblsha/appforge/internal/manifest"
)

func signing() *credentials.Material {
	return &credentials.Material{
		Keystore:      []byte("ks"),
		StorePassword: "sp",
		KeyAlias:      "alias",
		KeyPassword:   "kp",
	}
}

func TestNormalize_FillsFlavorMarkerAndDefaults(t *testing.T) {
	req := Request{App: " shop ", Flavor: "staging", Config: map[string]string{"BASE_URL": "https://staging.example.com"}}
	require.NoError(t, req.Normalize())

	assert.Equal(t, "shop", req.App)
	assert.Equal(t, OutputAPK, req.OutputType)
	assert.Equal(t, ModeDebug, req.BuildMode)
	assert.Equal(t, "staging", req.Config[FlavorKey])
	assert.Equal(t, "https://staging.example.com", req.Config["BASE_URL"])
}

func TestNormalize_RejectsMissingFields(t *testing.T) {
	for name, req := range map[string]Request{
		"no app":    {Flavor: "staging"},
		"no flavor": {App: "shop"},
		"bad app":   {App: "../etc", Flavor: "staging"},
		"bad type":  {App: "shop", Flavor: "staging", OutputType: "ipa"},
		"bad mode":  {App: "shop", Flavor: "staging", BuildMode: "profile"},
		"bad key":   {App: "shop", Flavor: "staging", Config: map[string]string{"A=B": "x"}},
		"mismatch":  {App: "shop", Flavor: "staging", Config: map[string]string{FlavorKey: "production"}},
		"dash key":  {App: "shop", Flavor: "staging", Config: map[string]string{"API-URL": "x"}},
		"path":      {App: "shop", Flavor: "staging", Config: map[string]string{"PATH": "/tmp"}},
		"jvm opts":  {App: "shop", Flavor: "staging", Config: map[string]string{"JAVA_TOOL_OPTIONS": "-Xmx1g"}},
		"preload":   {App: "shop", Flavor: "staging", Config: map[string]string{"ld_preload": "/tmp/x.so"}},
		"gradle":    {App: "shop", Flavor: "staging", Config: map[string]string{"GRADLE_OPTS": "-Dx"}},
		"own vars":  {App: "shop", Flavor: "staging", Config: map[string]string{"APPFORGE_TOKEN": "x"}},
	} {
		t.Run(name, func(t *testing.T) {
			r := req
			assert.ErrorIs(t, r.Normalize(), ErrInvalidRequest)
		})
	}
}

func TestNormalize_ReleaseRequiresAllSigningFields(t *testing.T) {
	ok := Request{App: "shop", Flavor: "production", BuildMode: ModeRelease, Signing: signing()}
	require.NoError(t, ok.Normalize())

	for name, mutate := range map[string]func(m *credentials.Material){
		"keystore":       func(m *credentials.Material) { m.Keystore = nil },
		"store password": func(m *credentials.Material) { m.StorePassword = "" },
		"alias":          func(m *credentials.Material) { m.KeyAlias = "" },
		"key password":   func(m *credentials.Material) { m.KeyPassword = "" },
	} {
		t.Run(name, func(t *testing.T) {
			m := signing()
			mutate(m)
			req := Request{App: "shop", Flavor: "production", BuildMode: ModeRelease, Signing: m}
			assert.ErrorIs(t, req.Normalize(), ErrInvalidRequest)
		})
	}

	zeroBytes := signing()
	zeroBytes.Keystore = []byte{}
	staged := Request{App: "shop", Flavor: "production", BuildMode: ModeRelease, Signing: zeroBytes}
	assert.NoError(t, staged.Normalize(), "an uploaded but empty keystore is rejected at staging, not here")

	missing := Request{App: "shop", Flavor: "production", BuildMode: ModeRelease}
	assert.ErrorIs(t, missing.Normalize(), ErrInvalidRequest)
}

func TestNormalize_DebugNeverRequiresSigning(t *testing.T) {
	req := Request{App: "shop", Flavor: "staging", BuildMode: ModeDebug, OutputType: "bundle"}
	require.NoError(t, req.Normalize())
	assert.Equal(t, OutputAAB, req.OutputType)
	assert.Nil(t, req.Signing)

	withSigning := Request{App: "shop", Flavor: "staging", BuildMode: ModeDebug, Signing: signing()}
	assert.ErrorIs(t, withSigning.Normalize(), ErrInvalidRequest)
}

func TestNormalize_DeduplicatesEdits(t *testing.T) {
	req := Request{App: "shop", Flavor: "staging", Edits: manifest.Edits{
		Permissions: []string{"android.permission.CAMERA", " android.permission.CAMERA", "android.permission.INTERNET"},
		Features:    []string{"android.hardware.camera"},
	}}
	require.NoError(t, req.Normalize())
	assert.Equal(t, []string{"android.permission.CAMERA", "android.permission.INTERNET"}, req.Edits.Permissions)
}

func TestReservedConfigKey(t *testing.T) {
	for _, k := range []string{"PATH", "path", "HOME", "LD_LIBRARY_PATH", "DYLD_INSERT_LIBRARIES", "JAVA_HOME", "_JAVA_OPTIONS", "ANDROID_SDK_ROOT", "FLUTTER_ROOT", "HTTPS_PROXY"} {
		assert.True(t, ReservedConfigKey(k), k)
	}
	for _, k := range []string{"API_URL", "FLAVOR", "TIER", "APP_NAME", "PATHNAME"} {
		assert.False(t, ReservedConfigKey(k), k)
	}
}

package job

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/mblsha/appforge/internal/credentials"
	"github.com/mblsha/appforge/internal/manifest"
)

var ErrInvalidRequest = errors.New("invalid build request")

// FlavorKey is the config entry the toolchain reads the flavor from.
const FlavorKey = "FLAVOR"

type OutputType string

const (
	OutputAPK OutputType = "apk"
	OutputAAB OutputType = "aab"
)

type BuildMode string

const (
	ModeDebug   BuildMode = "debug"
	ModeRelease BuildMode = "release"
)

func ParseOutputType(v string) (OutputType, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "apk", "package":
		return OutputAPK, nil
	case "aab", "bundle", "appbundle":
		return OutputAAB, nil
	default:
		return "", fmt.Errorf("%w: unknown output type %q", ErrInvalidRequest, v)
	}
}

func ParseBuildMode(v string) (BuildMode, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "debug":
		return ModeDebug, nil
	case "release":
		return ModeRelease, nil
	default:
		return "", fmt.Errorf("%w: unknown build mode %q", ErrInvalidRequest, v)
	}
}

var configKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// reservedConfigKeys and reservedConfigPrefixes name variables that steer the
// toolchain process itself (loader, JVM, Gradle, SDK locations, proxies).
// Config may not set them.
var (
	reservedConfigKeys = map[string]bool{
		"PATH": true, "HOME": true, "USER": true, "SHELL": true, "PWD": true,
		"TMPDIR": true, "TMP": true, "TEMP": true, "IFS": true, "ENV": true,
		"BASH_ENV": true, "CDPATH": true, "CLASSPATH": true,
		"HTTP_PROXY": true, "HTTPS_PROXY": true, "NO_PROXY": true, "ALL_PROXY": true,
	}
	reservedConfigPrefixes = []string{
		"LD_", "DYLD_", "JAVA_", "JDK_", "_JAVA_", "GRADLE_", "ORG_GRADLE_",
		"ANDROID_", "FLUTTER_", "DART_", "PUB_", "GIT_", "SSH_", "APPFORGE_",
	}
)

// ReservedConfigKey reports whether key may not be injected from build
// config because it names a process-level variable.
func ReservedConfigKey(key string) bool {
	upper := strings.ToUpper(key)
	if reservedConfigKeys[upper] {
		return true
	}
	for _, p := range reservedConfigPrefixes {
		if strings.HasPrefix(upper, p) {
			return true
		}
	}
	return false
}

// Request is a build submission. Signing is only set for release builds.
type Request struct {
	App        string
	Flavor     string
	Config     map[string]string
	Edits      manifest.Edits
	OutputType OutputType
	BuildMode  BuildMode
	Signing    *credentials.Material
}

// Normalize validates the request in place. Errors wrap ErrInvalidRequest.
func (r *Request) Normalize() error {
	r.App = strings.TrimSpace(r.App)
	r.Flavor = strings.TrimSpace(r.Flavor)
	if r.App == "" {
		return fmt.Errorf("%w: app is required", ErrInvalidRequest)
	}
	if r.Flavor == "" {
		return fmt.Errorf("%w: flavor is required", ErrInvalidRequest)
	}
	if strings.ContainsAny(r.App, `/\`) || r.App == "." || r.App == ".." {
		return fmt.Errorf("%w: invalid app %q", ErrInvalidRequest, r.App)
	}
	if strings.ContainsAny(r.Flavor, " \t\n/\\") {
		return fmt.Errorf("%w: invalid flavor %q", ErrInvalidRequest, r.Flavor)
	}

	var err error
	if r.OutputType, err = ParseOutputType(string(r.OutputType)); err != nil {
		return err
	}
	if r.BuildMode, err = ParseBuildMode(string(r.BuildMode)); err != nil {
		return err
	}

	cfg := make(map[string]string, len(r.Config)+1)
	for k, v := range r.Config {
		key := strings.TrimSpace(k)
		if !configKeyPattern.MatchString(key) {
			return fmt.Errorf("%w: invalid config key %q", ErrInvalidRequest, k)
		}
		if ReservedConfigKey(key) {
			return fmt.Errorf("%w: config key %q is reserved", ErrInvalidRequest, key)
		}
		cfg[key] = v
	}
	if marker, ok := cfg[FlavorKey]; ok && marker != "" && marker != r.Flavor {
		return fmt.Errorf("%w: config %s=%q does not match flavor %q", ErrInvalidRequest, FlavorKey, marker, r.Flavor)
	}
	cfg[FlavorKey] = r.Flavor
	r.Config = cfg

	if err := r.Edits.Normalize(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	switch r.BuildMode {
	case ModeRelease:
		if !r.Signing.Present() {
			return fmt.Errorf("%w: release builds require keystore, store password, key alias and key password", ErrInvalidRequest)
		}
	case ModeDebug:
		if !r.Signing.Empty() {
			return fmt.Errorf("%w: signing material is only accepted for release builds", ErrInvalidRequest)
		}
		r.Signing = nil
	}
	return nil
}

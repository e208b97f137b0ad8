package builder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/mblsha/appforge/internal/archive"
	"github.com/mblsha/appforge/internal/diagnostics"
	"github.com/mblsha/appforge/internal/job"
	"github.com/mblsha/appforge/internal/manifest"
)

const (
	// EnvFileName is written at the workspace root with the injected config.
	EnvFileName = "appforge.env"

	sourceDirName = "src"
	tailLines     = 400
)

// skipOnCopy lists directories never copied from a checked out app.
var skipOnCopy = []string{"build", ".dart_tool", ".gradle", ".git"}

type ToolchainBuilder struct {
	Bin     string
	AppsDir string
	Limits  archive.Limits
	Runner  Runner
	OSName  string
}

func NewToolchainBuilder(bin, appsDir string, limits archive.Limits, runner Runner) *ToolchainBuilder {
	if runner == nil {
		runner = OSRunner{}
	}
	return &ToolchainBuilder{
		Bin:     bin,
		AppsDir: appsDir,
		Limits:  limits,
		Runner:  runner,
		OSName:  runtime.GOOS,
	}
}

func (b *ToolchainBuilder) Build(ctx context.Context, bj BuildJob) (BuildResult, error) {
	src := filepath.Join(bj.WorkDir, sourceDirName)
	if err := b.materialize(bj.App, src); err != nil {
		return BuildResult{ExitCode: -1, Message: "workspace preparation failed"}, err
	}
	bj.logf(fmt.Sprintf("workspace ready for %s", bj.App))

	if err := WriteEnvFile(filepath.Join(src, EnvFileName), bj.Config); err != nil {
		return BuildResult{ExitCode: -1, Message: "config injection failed"}, err
	}

	merged, err := manifest.Apply(src, bj.Edits)
	if err != nil {
		return BuildResult{ExitCode: -1, Message: "manifest merge failed"}, fmt.Errorf("merge manifest: %w", err)
	}
	if merged != "" {
		rel, _ := filepath.Rel(src, merged)
		bj.logf(fmt.Sprintf("merged %d permission(s) and %d feature(s) into %s", len(bj.Edits.Permissions), len(bj.Edits.Features), rel))
	}

	args := ToolchainArgs(bj)
	spec := toolchainCommand(b.OSName, b.Bin, args, src)
	spec.Env = buildEnv(os.Environ(), bj)
	bj.logf(fmt.Sprintf("running %s %s", b.Bin, strings.Join(redactDefines(args), " ")))

	var secrets []string
	if bj.Signing != nil {
		secrets = bj.Signing.Secrets()
	}
	last := &tail{n: tailLines}
	out := newLineWriter(func(line string) {
		last.add(line)
		bj.logf(line)
	}, secrets)

	exitCode, runErr := b.Runner.Run(ctx, spec, out, out)
	out.Flush()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return BuildResult{ExitCode: exitCode, Message: "toolchain interrupted"}, ctxErr
	}
	if runErr != nil && exitCode < 0 {
		return BuildResult{ExitCode: exitCode, Message: "toolchain did not start"}, fmt.Errorf("%w: %v", ErrToolchainFailure, runErr)
	}
	if exitCode != 0 {
		summary := diagnostics.Summary(diagnostics.Scan(last.bytes()), fmt.Sprintf("toolchain exited %d", exitCode))
		return BuildResult{ExitCode: exitCode, Message: summary}, fmt.Errorf("%w: %s", ErrToolchainFailure, summary)
	}

	path, err := FindArtifact(src, bj.OutputType, bj.Flavor, bj.Mode)
	if err != nil {
		return BuildResult{ExitCode: exitCode, Message: "no artifact produced"}, err
	}
	bj.logf(fmt.Sprintf("artifact %s", filepath.Base(path)))
	return BuildResult{ExitCode: 0, Message: "build succeeded", ArtifactPath: path}, nil
}

// materialize copies <apps>/<app>/ or extracts <apps>/<app>.zip into dest.
func (b *ToolchainBuilder) materialize(app, dest string) error {
	dir := filepath.Join(b.AppsDir, app)
	if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
		if err := archive.CopyTree(dir, dest, b.Limits, skipOnCopy...); err != nil {
			return fmt.Errorf("copy app source: %w", err)
		}
		return nil
	}
	zipPath := dir + ".zip"
	if _, err := os.Stat(zipPath); err == nil {
		if _, err := archive.ExtractZipSecure(zipPath, dest, b.Limits); err != nil {
			return fmt.Errorf("extract app source: %w", err)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrSourceMissing, app)
}

// ToolchainArgs returns the build arguments for a job. Config keys are
// passed as sorted --dart-define flags.
func ToolchainArgs(bj BuildJob) []string {
	target := "apk"
	if bj.OutputType == job.OutputAAB {
		target = "appbundle"
	}
	args := []string{"build", target, "--" + string(bj.Mode), "--flavor", bj.Flavor}
	for _, k := range sortedKeys(bj.Config) {
		args = append(args, "--dart-define="+k+"="+bj.Config[k])
	}
	return args
}

func toolchainCommand(osName, bin string, args []string, dir string) CommandSpec {
	if strings.EqualFold(osName, "windows") {
		return CommandSpec{
			Name: "cmd.exe",
			Args: append([]string{"/C", bin}, args...),
			Dir:  dir,
		}
	}
	return CommandSpec{Name: bin, Args: args, Dir: dir}
}

// buildEnv exposes config to the child without letting it replace anything
// the host already sets or any reserved process variable.
func buildEnv(base []string, bj BuildJob) []string {
	env := append([]string(nil), base...)
	present := make(map[string]bool, len(base))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		present[k] = true
	}
	for _, k := range sortedKeys(bj.Config) {
		if present[k] || job.ReservedConfigKey(k) {
			continue
		}
		env = append(env, k+"="+bj.Config[k])
	}
	if bj.Signing != nil {
		env = append(env, bj.Signing.Env()...)
	}
	return env
}

func redactDefines(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if rest, ok := strings.CutPrefix(a, "--dart-define="); ok {
			k, _, _ := strings.Cut(rest, "=")
			a = "--dart-define=" + k + "=***"
		}
		out[i] = a
	}
	return out
}

// WriteEnvFile writes cfg as sorted KEY=VALUE lines.
func WriteEnvFile(path string, cfg map[string]string) error {
	var b strings.Builder
	for _, k := range sortedKeys(cfg) {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(cfg[k])
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", EnvFileName, err)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FindArtifact looks in the conventional Flutter output locations first and
// then for the newest *.apk or *.aab anywhere under build/.
func FindArtifact(root string, out job.OutputType, flavor string, mode job.BuildMode) (string, error) {
	for _, rel := range conventionalPaths(out, flavor, mode) {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() && fi.Size() > 0 {
			return p, nil
		}
	}

	ext := ".apk"
	if out == job.OutputAAB {
		ext = ".aab"
	}
	type candidate struct {
		path string
		mod  int64
	}
	var found []candidate
	buildDir := filepath.Join(root, "build")
	err := filepath.WalkDir(buildDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(p), ext) {
			return nil
		}
		fi, err := d.Info()
		if err != nil || fi.Size() == 0 {
			return nil
		}
		found = append(found, candidate{path: p, mod: fi.ModTime().UnixNano()})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("search build outputs: %w", err)
	}
	if len(found) == 0 {
		return "", fmt.Errorf("%w: no %s under %s", ErrArtifactMissing, ext, buildDir)
	}
	sort.SliceStable(found, func(i, j int) bool {
		if found[i].mod != found[j].mod {
			return found[i].mod > found[j].mod
		}
		return found[i].path < found[j].path
	})
	return found[0].path, nil
}

func conventionalPaths(out job.OutputType, flavor string, mode job.BuildMode) []string {
	m := string(mode)
	if m == "" {
		m = string(job.ModeDebug)
	}
	name := "app-" + flavor + "-" + m
	if out == job.OutputAAB {
		variant := flavor + strings.ToUpper(m[:1]) + m[1:]
		return []string{
			"build/app/outputs/bundle/" + variant + "/" + name + ".aab",
			"build/app/outputs/bundle/" + variant + "/app.aab",
		}
	}
	return []string{
		"build/app/outputs/flutter-apk/" + name + ".apk",
		"build/app/outputs/apk/" + flavor + "/" + m + "/" + name + ".apk",
	}
}

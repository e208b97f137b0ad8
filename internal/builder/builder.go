package builder

import (
	"context"
	"errors"

	"github.com/mblsha/appforge/internal/credentials"
	"github.com/mblsha/appforge/internal/job"
	"github.com/mblsha/appforge/internal/manifest"
)

var (
	ErrToolchainFailure = errors.New("toolchain failed")
	ErrArtifactMissing  = errors.New("build produced no artifact")
	ErrSourceMissing    = errors.New("app source not found")
)

// LogFunc receives one line of build output or an orchestrator note.
type LogFunc func(line string)

type BuildJob struct {
	ID      string
	WorkDir string

	App        string
	Flavor     string
	Config     map[string]string
	Edits      manifest.Edits
	OutputType job.OutputType
	Mode       job.BuildMode

	// Signing is the staged credential scope for release builds, nil for debug.
	Signing *credentials.Handle

	Log LogFunc
}

func (j BuildJob) logf(line string) {
	if j.Log != nil {
		j.Log(line)
	}
}

type BuildResult struct {
	ExitCode     int
	Message      string
	ArtifactPath string
}

type Builder interface {
	Build(ctx context.Context, job BuildJob) (BuildResult, error)
}

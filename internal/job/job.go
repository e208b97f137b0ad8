package job

import (
	"errors"
	"fmt"
	"time"
)

type State string

const (
	StateQueued    State = "QUEUED"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// Reason explains why a job ended up FAILED.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonStagingFailed    Reason = "STAGING_FAILED"
	ReasonToolchainFailure Reason = "TOOLCHAIN_FAILURE"
	ReasonArtifactMissing  Reason = "ARTIFACT_MISSING"
	ReasonCancelled        Reason = "CANCELLED"
	ReasonTimeout          Reason = "TIMEOUT"
	ReasonInterrupted      Reason = "INTERRUPTED"
	ReasonInternal         Reason = "INTERNAL"
)

type ArtifactRef struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

type Record struct {
	ID string `json:"id"`

	App        string     `json:"app"`
	Flavor     string     `json:"flavor"`
	OutputType OutputType `json:"output_type"`
	BuildMode  BuildMode  `json:"build_mode"`

	Permissions []string `json:"permissions,omitempty"`
	Features    []string `json:"features,omitempty"`

	State   State  `json:"state"`
	Reason  Reason `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	ExitCode *int `json:"exit_code,omitempty"`

	Artifact *ArtifactRef `json:"artifact,omitempty"`
}

// New creates a QUEUED record for an already normalized request.
func New(id string, req Request, now time.Time) *Record {
	n := now.UTC()
	return &Record{
		ID:          id,
		App:         req.App,
		Flavor:      req.Flavor,
		OutputType:  req.OutputType,
		BuildMode:   req.BuildMode,
		Permissions: append([]string(nil), req.Edits.Permissions...),
		Features:    append([]string(nil), req.Edits.Features...),
		State:       StateQueued,
		CreatedAt:   n,
		UpdatedAt:   n,
	}
}

func (r *Record) Transition(next State, now time.Time, message string) error {
	if !isValidTransition(r.State, next) {
		return fmt.Errorf("invalid transition %s -> %s", r.State, next)
	}
	n := now.UTC()
	r.State = next
	r.UpdatedAt = n
	r.Message = message
	if next == StateRunning {
		r.StartedAt = &n
		r.FinishedAt = nil
		r.ExitCode = nil
		r.Error = ""
	}
	if next.Terminal() {
		r.FinishedAt = &n
	}
	return nil
}

func (r *Record) MarkFailed(now time.Time, reason Reason, message string, err error, exitCode *int) error {
	if err == nil {
		err = errors.New("build failed")
	}
	if reason == ReasonNone {
		reason = ReasonInternal
	}
	if err := r.Transition(StateFailed, now, message); err != nil {
		return err
	}
	r.Reason = reason
	r.Error = err.Error()
	r.ExitCode = exitCode
	return nil
}

func (r *Record) MarkCompleted(now time.Time, message string, exitCode int, artifact ArtifactRef) error {
	if r.State != StateRunning {
		return fmt.Errorf("invalid state for completion: %s", r.State)
	}
	if err := r.Transition(StateCompleted, now, message); err != nil {
		return err
	}
	r.Reason = ReasonNone
	r.Error = ""
	r.ExitCode = &exitCode
	r.Artifact = &artifact
	return nil
}

func (r *Record) Terminal() bool {
	return r.State.Terminal()
}

// Clone returns a deep copy safe to hand out to readers.
func (r *Record) Clone() *Record {
	c := *r
	c.Permissions = append([]string(nil), r.Permissions...)
	c.Features = append([]string(nil), r.Features...)
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	if r.ExitCode != nil {
		e := *r.ExitCode
		c.ExitCode = &e
	}
	if r.Artifact != nil {
		a := *r.Artifact
		c.Artifact = &a
	}
	return &c
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

func isValidTransition(from, to State) bool {
	switch from {
	case StateQueued:
		return to == StateRunning || to == StateFailed
	case StateRunning:
		return to == StateCompleted || to == StateFailed
	default:
		return false
	}
}

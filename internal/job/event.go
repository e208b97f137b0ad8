package job

import "time"

const (
	EventQueued    = "queued"
	EventRunning   = "running"
	EventLog       = "log"
	EventCompleted = "completed"
	EventFailed    = "failed"
)

type Event struct {
	Seq int64 `json:"seq"`

	JobID  string `json:"job_id"`
	Type   string `json:"type"`
	State  State  `json:"state"`
	Reason Reason `json:"reason,omitempty"`

	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Line    string `json:"line,omitempty"`

	ExitCode *int      `json:"exit_code,omitempty"`
	At       time.Time `json:"at"`
}

func (e Event) Terminal() bool {
	return e.State.Terminal() && e.Type != EventLog
}

package store

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the terminal-or-pending status of a run record.
// RunStatus 表示一次执行的状态，落库后不再改写。
type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunDone     RunStatus = "done"
	RunError    RunStatus = "error"
	RunTimeout  RunStatus = "timeout"
	RunCanceled RunStatus = "canceled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunDone, RunError, RunTimeout, RunCanceled:
		return true
	}
	return false
}

// Run is one agent CLI execution.
type Run struct {
	RunID      string
	SessionID  string
	Status     RunStatus
	Prompt     string
	StartedAt  time.Time
	FinishedAt *time.Time
	Error      string
}

// NewRunID generates an opaque run identifier.
func NewRunID() string {
	return "run_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

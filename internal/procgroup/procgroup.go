package procgroup

import (
	"errors"
	"time"
)

var (
	ErrProcessNotFound = errors.New("process not found")
	ErrKillFailed      = errors.New("kill operation failed")
)

// KillGroup attempts to terminate an entire process group tree.
// Mandatory: The process MUST have been spawned with procgroup.Set(cmd).
func KillGroup(pid int, grace, timeout time.Duration) error {
	// Standard lifecycle: SIGTERM -> wait -> SIGKILL
	return killGroup(pid, grace, timeout)
}

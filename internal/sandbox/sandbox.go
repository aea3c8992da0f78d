// Package sandbox runs a single untrusted program in an isolated working
// directory under wall-clock and output limits.
//
// Isolation is process-level: each invocation gets its own ephemeral
// directory and its own process group, a scrubbed environment, and a hard
// kill on every exit path so no descendant process or temp file survives
// the call. Network isolation is delegated to the surrounding platform
// (container or namespace), which is where it belongs per deployment.
package sandbox

import "time"

// Status is the terminal classification of one execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a status can no longer transition.
func (s Status) Terminal() bool {
	return s != StatusPending && s != StatusRunning
}

// Spec is the input to a single sandboxed run.
type Spec struct {
	Source  string
	Stdin   string
	Timeout time.Duration
}

// Result is the attributable outcome of a single sandboxed run.
type Result struct {
	Stdout      string
	Stderr      string
	ExitCode    int
	Status      Status
	Truncated   bool // combined output hit the cap
	WallTime    time.Duration
	MemoryBytes int64 // best-effort max RSS, 0 when unavailable
}

// Options tune a Runner.
type Options struct {
	// MaxOutputBytes caps combined stdout+stderr. Excess is dropped and
	// the result is flagged truncated.
	MaxOutputBytes int64
	// KillGrace is how long a process group gets between SIGTERM and
	// SIGKILL when it is being torn down.
	KillGrace time.Duration
	// NonZeroExitFails classifies a non-zero exit code as StatusFailed
	// instead of StatusCompleted.
	NonZeroExitFails bool
}

// DefaultOptions returns safe runner defaults.
func DefaultOptions() Options {
	return Options{
		MaxOutputBytes:   1 << 20,
		KillGrace:        500 * time.Millisecond,
		NonZeroExitFails: false,
	}
}

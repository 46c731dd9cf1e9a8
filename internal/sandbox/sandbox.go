package sandbox

import (
	"context"
	"errors"
	"io"
	"time"
)

// Fixed names inside every workspace.
const (
	InputFile     = "input.txt"
	CompileMarker = ".compile_failed"
)

// CompileExitCode is the exit status of a failed compile stage. A compile
// failure needs both this status and the marker, so a program that writes
// the marker and exits cleanly is still judged on its output.
const CompileExitCode = 97

var (
	ErrWorkspaceWrite = errors.New("workspace write failed")
	ErrRuntime        = errors.New("sandbox runtime failure")
)

// Outcome is how a single sandboxed run terminated.
type Outcome string

const (
	Completed   Outcome = "completed"
	TimedOut    Outcome = "timed_out"
	Crashed     Outcome = "crashed"
	SystemError Outcome = "system_error"
)

// Request is one execution attempt. Limits are already resolved.
type Request struct {
	Language      string
	SourceCode    string
	Stdin         string
	TimeLimitMs   int
	MemoryLimitMb int
}

type Result struct {
	Stdout          []byte
	Stderr          []byte
	Outcome         Outcome
	ElapsedMs       int64
	ExitCode        int
	CompileFailed   bool
	OOMKilled       bool
	StdoutTruncated bool
	StderrTruncated bool
	// ContainerMs is the run time reported by the container runtime, zero
	// when unavailable.
	ContainerMs int64
}

// systemError builds the result for a failure of the orchestration layer.
func systemError(err error, elapsed time.Duration) *Result {
	return &Result{
		Stderr:    []byte(err.Error()),
		Outcome:   SystemError,
		ElapsedMs: elapsed.Milliseconds(),
		ExitCode:  -1,
	}
}

// SystemErrorResult reports err as a SystemError outcome.
func SystemErrorResult(err error) *Result {
	return systemError(err, 0)
}

// Labels set on every sandbox container.
const (
	LabelWorkspace = "judgebox.workspace"
	LabelLanguage  = "judgebox.language"
)

// ContainerSpec is everything the runtime needs to create one sandbox.
type ContainerSpec struct {
	Image       string
	Cmd         []string
	WorkingDir  string
	User        string
	MountSource string
	MountTarget string
	MemoryBytes int64
	NanoCPUs    int64
	PidsLimit   int64
	Labels      map[string]string
}

// State is what the runtime reports about an exited container.
type State struct {
	ExitCode  int
	OOMKilled bool
	Duration  time.Duration
}

// Runtime creates sandboxed processes.
type Runtime interface {
	Create(ctx context.Context, spec ContainerSpec) (Process, error)
	EnsureImage(ctx context.Context, image string) error
}

// Process is one created container.
type Process interface {
	ID() string
	// Attach starts copying the process output into stdout and stderr. The
	// returned channel yields once both streams have ended.
	Attach(ctx context.Context, stdout, stderr io.Writer) (<-chan error, error)
	Start(ctx context.Context) error
	// Wait blocks until the process exits and returns its exit code.
	Wait(ctx context.Context) (int, error)
	// Kill terminates the process with a signal it cannot handle.
	Kill(ctx context.Context) error
	Inspect(ctx context.Context) (State, error)
	// Remove deletes the container and its writable layer. Removing an
	// already removed container is not an error.
	Remove(ctx context.Context) error
}

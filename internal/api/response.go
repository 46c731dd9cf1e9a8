package api

import (
	"fmt"

	"github.com/itstheanurag/judgebox/internal/sandbox"
)

// Status ids follow the numbering judge0 clients expect.
const (
	statusAccepted          = 3
	statusTimeLimitExceeded = 5
	statusCompilationError  = 6
	statusRuntimeError      = 11
	statusInternalError     = 13
)

type Status struct {
	ID          int    `json:"id"`
	Description string `json:"description"`
}

type ExecutionResponse struct {
	Stdout        string          `json:"stdout"`
	Stderr        string          `json:"stderr"`
	Outcome       sandbox.Outcome `json:"outcome"`
	Status        Status          `json:"status"`
	Time          string          `json:"time"` // seconds
	ElapsedMs     int64           `json:"elapsed_ms"`
	ExitCode      int             `json:"exit_code"`
	CompileFailed bool            `json:"compile_failed,omitempty"`
	OOMKilled     bool            `json:"oom_killed,omitempty"`
	Truncated     bool            `json:"truncated"`
}

// NewExecutionResponse renders a sandbox result for clients of the API and
// the command line.
func NewExecutionResponse(res *sandbox.Result) *ExecutionResponse {
	return &ExecutionResponse{
		Stdout:        string(res.Stdout),
		Stderr:        string(res.Stderr),
		Outcome:       res.Outcome,
		Status:        statusOf(res),
		Time:          fmt.Sprintf("%.3f", float64(res.ElapsedMs)/1000),
		ElapsedMs:     res.ElapsedMs,
		ExitCode:      res.ExitCode,
		CompileFailed: res.CompileFailed,
		OOMKilled:     res.OOMKilled,
		Truncated:     res.StdoutTruncated || res.StderrTruncated,
	}
}

func statusOf(res *sandbox.Result) Status {
	switch res.Outcome {
	case sandbox.Completed:
		return Status{ID: statusAccepted, Description: "Accepted"}
	case sandbox.TimedOut:
		return Status{ID: statusTimeLimitExceeded, Description: "Time Limit Exceeded"}
	case sandbox.Crashed:
		if res.CompileFailed {
			return Status{ID: statusCompilationError, Description: "Compilation Error"}
		}
		return Status{ID: statusRuntimeError, Description: "Runtime Error"}
	}
	return Status{ID: statusInternalError, Description: "Internal Error"}
}

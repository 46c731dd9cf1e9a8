// Package judge turns sandbox results into verdicts.
package judge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/itstheanurag/judgebox/internal/sandbox"
)

var (
	// ErrNoTestCases is returned for a batch with nothing to grade.
	ErrNoTestCases = errors.New("no test cases")
	// ErrSystem marks a failure of the execution engine rather than of the
	// submission. It never becomes a verdict.
	ErrSystem = errors.New("system error")
)

type Verdict string

const (
	Accepted          Verdict = "Accepted"
	WrongAnswer       Verdict = "Wrong Answer"
	RuntimeError      Verdict = "Runtime Error"
	TimeLimitExceeded Verdict = "Time Limit Exceeded"
	CompileError      Verdict = "Compilation Error"
)

// Short is the abbreviation used in trace entries.
func (v Verdict) Short() string {
	switch v {
	case Accepted:
		return "AC"
	case WrongAnswer:
		return "WA"
	case RuntimeError:
		return "RE"
	case TimeLimitExceeded:
		return "TLE"
	case CompileError:
		return "CE"
	}
	return string(v)
}

type TestCase struct {
	ID         int64  `json:"id" yaml:"id"`
	InputData  string `json:"input" yaml:"input"`
	OutputData string `json:"output" yaml:"output"`
	IsSample   bool   `json:"is_sample,omitempty" yaml:"is_sample,omitempty"`
}

type CaseResult struct {
	CaseID    int64   `json:"case_id"`
	Verdict   Verdict `json:"verdict"`
	ElapsedMs int64   `json:"elapsed_ms"`
}

type Report struct {
	Verdict Verdict      `json:"verdict"`
	Trace   []string     `json:"trace"`
	Cases   []CaseResult `json:"cases"`
}

// RunFunc executes the submission once against input.
type RunFunc func(ctx context.Context, input string) (*sandbox.Result, error)

const previewLen = 50

// Normalize strips trailing whitespace from every line and then from the
// whole text. Internal whitespace is left alone.
func Normalize(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r\f\v")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// Judge grades a single result against the expected output.
func Judge(res *sandbox.Result, expected string) (Verdict, error) {
	switch res.Outcome {
	case sandbox.SystemError:
		return "", fmt.Errorf("%w: %s", ErrSystem, res.Stderr)
	case sandbox.TimedOut:
		return TimeLimitExceeded, nil
	case sandbox.Crashed:
		if res.CompileFailed {
			return CompileError, nil
		}
		return RuntimeError, nil
	case sandbox.Completed:
		if Normalize(string(res.Stdout)) == Normalize(expected) {
			return Accepted, nil
		}
		return WrongAnswer, nil
	}
	return "", fmt.Errorf("%w: unknown outcome %q", ErrSystem, res.Outcome)
}

// JudgeAll runs cases in order and stops at the first one that is not
// accepted. The report's verdict is that case's verdict, or Accepted.
func JudgeAll(ctx context.Context, run RunFunc, cases []TestCase) (*Report, error) {
	if len(cases) == 0 {
		return nil, ErrNoTestCases
	}

	report := &Report{Verdict: Accepted}
	for _, tc := range cases {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := run(ctx, tc.InputData)
		if err != nil {
			return nil, fmt.Errorf("case %d: %w", tc.ID, err)
		}
		verdict, err := Judge(res, tc.OutputData)
		if err != nil {
			return nil, fmt.Errorf("case %d: %w", tc.ID, err)
		}

		report.Cases = append(report.Cases, CaseResult{CaseID: tc.ID, Verdict: verdict, ElapsedMs: res.ElapsedMs})
		report.Trace = append(report.Trace, traceLine(tc, verdict, res))
		if verdict != Accepted {
			report.Verdict = verdict
			break
		}
	}
	return report, nil
}

func traceLine(tc TestCase, v Verdict, res *sandbox.Result) string {
	if v != WrongAnswer {
		return fmt.Sprintf("Case %d: %s", tc.ID, v.Short())
	}
	return fmt.Sprintf("Case %d: WA (Exp: %q, Got: %q)",
		tc.ID, preview(Normalize(tc.OutputData)), preview(Normalize(string(res.Stdout))))
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewLen {
		return s
	}
	return string(r[:previewLen]) + "..."
}

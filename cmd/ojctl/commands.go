package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/itstheanurag/judgebox/internal/api"
	"github.com/itstheanurag/judgebox/internal/config"
	"github.com/itstheanurag/judgebox/internal/executor"
	"github.com/itstheanurag/judgebox/internal/judge"
	"github.com/itstheanurag/judgebox/internal/languages"
	"github.com/itstheanurag/judgebox/internal/sandbox"
	"github.com/urfave/cli"
	"gopkg.in/yaml.v3"
)

// Exit codes for results that are not failures of ojctl itself.
const (
	exitNotAccepted = 2
	exitSystemError = 3
)

var limitFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "lang,l",
		Usage: "language of the source file",
	},
	cli.IntFlag{
		Name:  "time-limit",
		Usage: "time limit in milliseconds (0 for the configured default)",
	},
	cli.IntFlag{
		Name:  "memory-limit",
		Usage: "memory limit in MB (0 for the configured default)",
	},
}

var runCmd = cli.Command{
	Name:        "run",
	Usage:       "run a source file once",
	ArgsUsage:   "SOURCE",
	Description: `The run command executes SOURCE with the contents of --input as stdin`,

	Flags: append([]cli.Flag{
		cli.StringFlag{
			Name:  "input,i",
			Usage: "file whose contents are fed to stdin",
		},
	}, limitFlags...),
	Action: func(ctx *cli.Context) error {
		if err := checkCmdStrArgsExist(ctx, []string{"lang"}); err != nil {
			return err
		}
		source, err := readSource(ctx)
		if err != nil {
			return err
		}
		var stdin []byte
		if path := ctx.String("input"); path != "" {
			if stdin, err = os.ReadFile(path); err != nil {
				return fmt.Errorf("reading input: %w", err)
			}
		}

		exec, closeFn, err := newExecutor(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		runCtx, stop := signalContext()
		defer stop()
		res, err := exec.Execute(runCtx, executor.ExecuteOptions{
			LanguageID:    ctx.String("lang"),
			SourceCode:    source,
			Stdin:         string(stdin),
			TimeLimitMs:   ctx.Int("time-limit"),
			MemoryLimitMb: ctx.Int("memory-limit"),
		})
		if err != nil {
			return err
		}

		if ctx.GlobalBool("json-res") {
			if err := printRunJSON(os.Stdout, res); err != nil {
				return err
			}
		} else {
			printRun(os.Stdout, os.Stderr, res)
		}
		switch res.Outcome {
		case sandbox.SystemError:
			return cli.NewExitError("", exitSystemError)
		case sandbox.Completed:
			return nil
		}
		return cli.NewExitError("", exitNotAccepted)
	},
}

var gradeCmd = cli.Command{
	Name:        "grade",
	Usage:       "grade a source file against test cases",
	ArgsUsage:   "SOURCE",
	Description: `The grade command runs SOURCE against every case in --cases, stopping at the first failure`,

	Flags: append([]cli.Flag{
		cli.StringFlag{
			Name:  "cases",
			Usage: "YAML (or JSON) list of {id, input, output} test cases",
		},
	}, limitFlags...),
	Action: func(ctx *cli.Context) error {
		if err := checkCmdStrArgsExist(ctx, []string{"lang", "cases"}); err != nil {
			return err
		}
		source, err := readSource(ctx)
		if err != nil {
			return err
		}
		cases, err := loadCases(ctx.String("cases"))
		if err != nil {
			return err
		}

		exec, closeFn, err := newExecutor(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		runCtx, stop := signalContext()
		defer stop()
		report, err := exec.Grade(runCtx, executor.GradeOptions{
			LanguageID:    ctx.String("lang"),
			SourceCode:    source,
			TimeLimitMs:   ctx.Int("time-limit"),
			MemoryLimitMb: ctx.Int("memory-limit"),
			TestCases:     cases,
		})
		if errors.Is(err, judge.ErrSystem) {
			return cli.NewExitError(err.Error(), exitSystemError)
		}
		if err != nil {
			return err
		}

		if ctx.GlobalBool("json-res") {
			if err := printJSON(os.Stdout, report); err != nil {
				return err
			}
		} else {
			printReport(os.Stdout, report)
		}
		if report.Verdict != judge.Accepted {
			return cli.NewExitError("", exitNotAccepted)
		}
		return nil
	},
}

var languagesCmd = cli.Command{
	Name:  "languages",
	Usage: "list supported languages",
	Action: func(ctx *cli.Context) error {
		conf, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		registry := languages.NewRegistry()
		if err := registry.Apply(conf.Languages); err != nil {
			return err
		}
		for _, l := range registry.List() {
			fmt.Printf("%-8s %-10s %s\n", l.ID, l.Name, l.Config.Image)
		}
		return nil
	},
}

// check if arguments exist for command
func checkCmdStrArgsExist(ctx *cli.Context, args []string) error {
	var missing []string
	for _, arg := range args {
		if ctx.String(arg) == "" {
			missing = append(missing, "--"+arg)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s: %q requires %s", ctx.App.Name, ctx.Command.Name, strings.Join(missing, ", "))
	}
	return nil
}

func readSource(ctx *cli.Context) (string, error) {
	if ctx.NArg() != 1 {
		return "", fmt.Errorf("%s: %q takes exactly one SOURCE argument", ctx.App.Name, ctx.Command.Name)
	}
	data, err := os.ReadFile(ctx.Args().First())
	if err != nil {
		return "", fmt.Errorf("reading source: %w", err)
	}
	return string(data), nil
}

// loadCases reads a test case list. JSON files parse as YAML too.
func loadCases(path string) ([]judge.TestCase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading test cases: %w", err)
	}
	var cases []judge.TestCase
	if err := yaml.Unmarshal(data, &cases); err != nil {
		return nil, fmt.Errorf("parsing test cases: %w", err)
	}
	for i := range cases {
		if cases[i].ID == 0 {
			cases[i].ID = int64(i + 1)
		}
	}
	return cases, nil
}

func loadConfig(ctx *cli.Context) (*config.Config, error) {
	return config.Load(ctx.GlobalString("config"))
}

func newExecutor(ctx *cli.Context) (*executor.Executor, func(), error) {
	conf, err := loadConfig(ctx)
	if err != nil {
		return nil, nil, err
	}
	registry := languages.NewRegistry()
	if err := registry.Apply(conf.Languages); err != nil {
		return nil, nil, err
	}

	rt, err := sandbox.NewDockerRuntime(conf.Sandbox.DockerHost, &logger)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := rt.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close docker client")
		}
	}

	if conf.Sandbox.PullImages {
		if lang, err := registry.Get(ctx.String("lang")); err == nil {
			if err := rt.EnsureImage(context.Background(), lang.Config.Image); err != nil {
				closeFn()
				return nil, nil, err
			}
		}
	}

	exec, err := executor.NewExecutor(conf, registry, rt, &logger)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return exec, closeFn, nil
}

// signalContext is canceled on SIGINT or SIGTERM so the sandbox is torn
// down before exit.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printRunJSON writes the same document the HTTP API returns for a run.
func printRunJSON(w io.Writer, res *sandbox.Result) error {
	return printJSON(w, api.NewExecutionResponse(res))
}

func printRun(stdout, stderr io.Writer, res *sandbox.Result) {
	_, _ = stdout.Write(res.Stdout)
	_, _ = stderr.Write(res.Stderr)
	fmt.Fprintf(stderr, "-- %s in %dms (exit %d)", res.Outcome, res.ElapsedMs, res.ExitCode)
	if res.StdoutTruncated || res.StderrTruncated {
		fmt.Fprint(stderr, ", output truncated")
	}
	fmt.Fprintln(stderr)
}

func printReport(w io.Writer, report *judge.Report) {
	for _, line := range report.Trace {
		fmt.Fprintln(w, line)
	}
	fmt.Fprintln(w, report.Verdict)
}

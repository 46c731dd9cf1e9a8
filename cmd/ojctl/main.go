package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/urfave/cli"
)

const usage = `local client for the judgebox execution engine

ojctl runs or grades a single source file in the same sandbox the server uses`

var logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(zerolog.WarnLevel)

func main() {
	app := cli.NewApp()
	app.Name = "ojctl"
	app.Usage = usage
	app.Version = "1.0.0"

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config,c",
			Usage:  "YAML config file",
			EnvVar: "EXECUTIONER_CONFIG",
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug output for logging",
		},
		cli.BoolFlag{
			Name:  "json-res",
			Usage: "print results as json",
		},
	}
	app.Commands = []cli.Command{
		runCmd,
		gradeCmd,
		languagesCmd,
	}

	app.Before = func(ctx *cli.Context) error {
		if ctx.GlobalBool("debug") {
			logger = logger.Level(zerolog.DebugLevel)
		}
		return nil
	}

	cli.ErrWriter = &fatalWriter{cli.ErrWriter}
	if err := app.Run(os.Args); err != nil {
		logger.Error().Err(err).Msg("command failed")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type fatalWriter struct {
	cliErrWriter io.Writer
}

func (f *fatalWriter) Write(p []byte) (n int, err error) {
	logger.Error().Msg(string(p))
	return f.cliErrWriter.Write(p)
}

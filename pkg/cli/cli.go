// Package cli provides the command-line interface for stepflow.
package cli

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// Version is set at build time.
var Version = "dev"

// globalFlags are available to all commands. Flags are built per app since
// urfave/cli records env lookups on the flag values.
func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "Path to config.yaml (default: ./config.yaml if present)",
			EnvVars: []string{"STEPFLOW_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "transport",
			Aliases: []string{"t"},
			Usage:   "Bridge transport (http, websocket, mock)",
			EnvVars: []string{"STEPFLOW_TRANSPORT"},
		},
		&cli.StringFlag{
			Name:    "url",
			Usage:   "Native host endpoint (http:// or ws://)",
			EnvVars: []string{"STEPFLOW_URL"},
		},
		&cli.StringFlag{
			Name:    "socket",
			Usage:   "Unix socket of the native host (http transport)",
			EnvVars: []string{"STEPFLOW_SOCKET"},
		},
		&cli.DurationFlag{
			Name:    "async-timeout",
			Usage:   "Callback window for async bridge calls",
			EnvVars: []string{"STEPFLOW_ASYNC_TIMEOUT"},
		},
		&cli.IntFlag{
			Name:    "delay-ms",
			Usage:   "Default delay before each step created by next",
			EnvVars: []string{"STEPFLOW_DELAY_MS"},
		},
		&cli.BoolFlag{
			Name:    "show-log",
			Usage:   "Log every step transition",
			EnvVars: []string{"STEPFLOW_SHOW_LOG"},
		},
		&cli.StringFlag{
			Name:    "log",
			Usage:   "Log file (default: <home>/logs/stepflow.log)",
			EnvVars: []string{"STEPFLOW_LOG"},
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Usage:   "Enable verbose logging",
			EnvVars: []string{"STEPFLOW_VERBOSE"},
		},
		&cli.BoolFlag{
			Name:  "no-ansi",
			Usage: "Disable ANSI colors",
		},
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "stepflow",
		Usage:   "Run step scripts against a native UI-automation host",
		Version: Version,
		Description: `stepflow drives JavaScript step scripts: each step function may query
and act on the accessibility tree through the native host bridge, then
return the next step, repeat itself or end the run.

Examples:
  stepflow run login.js
  stepflow --transport websocket --url ws://127.0.0.1:7912/bridge run login.js
  stepflow call getPackageName
  stepflow serve login.js`,
		Flags: globalFlags(),
		Before: func(c *cli.Context) error {
			if c.Bool("no-ansi") {
				colorsEnabled = false
			}
			return nil
		},
		Commands: []*cli.Command{
			newRunCommand(),
			newCallCommand(),
			newServeCommand(),
		},
	}
}

// Execute runs the CLI.
func Execute() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

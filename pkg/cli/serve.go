package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/stepflow/pkg/executor"
	"github.com/devicelab-dev/stepflow/pkg/logger"
	"github.com/devicelab-dev/stepflow/pkg/server"
)

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:      "serve",
		Usage:     "Serve status, control and bridge callbacks; optionally start script runs over HTTP",
		ArgsUsage: "[script.js]",
		Description: `Start the status server. With a script, POST /run/{entry} starts a run
of that function, superseding any run in progress.

Endpoints:
  GET  /health        liveness
  GET  /status        state of the latest run
  POST /stop          stop the current run
  POST /run/{entry}   start a run (script required)
  POST /callback      async bridge results from the native host
  GET  /metrics       Prometheus metrics

Examples:
  stepflow serve
  stepflow serve login.js --addr :7913`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "Listen address (default from config)",
				EnvVars: []string{"STEPFLOW_ADDR"},
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	if c.NArg() > 1 {
		return fmt.Errorf("at most one script file is accepted")
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("addr") {
		cfg.Server.Addr = c.String("addr")
	}
	closeLog, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, err := executor.New(ctx, cfg, executor.WithStdout(c.App.Writer))
	if err != nil {
		return err
	}
	defer runner.Close()

	var run server.RunFunc
	if c.NArg() == 1 {
		if err := runner.LoadFile(c.Args().First()); err != nil {
			return err
		}
		run = func(entry string) func(context.Context) error {
			gen := runner.Supersede()
			return func(context.Context) error {
				result, err := runner.RunGeneration(ctx, gen, entry)
				if err != nil {
					return err
				}
				printRunResult(c.App.Writer, result)
				return nil
			}
		}
	}

	fmt.Fprintf(c.App.Writer, "  %sstepflow%s serving on %s\n", color(colorCyan), color(colorReset), cfg.Server.Addr)
	logger.Info("=== Serving on %s ===", cfg.Server.Addr)
	return server.New(cfg.Server.Addr, serverDeps(runner, run)).ListenAndServe(ctx)
}

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/stepflow/pkg/core"
	"github.com/devicelab-dev/stepflow/pkg/executor"
	"github.com/devicelab-dev/stepflow/pkg/logger"
	"github.com/devicelab-dev/stepflow/pkg/server"
	"github.com/devicelab-dev/stepflow/pkg/step"
)

func newRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Run a step script",
		ArgsUsage: "<script.js>",
		Description: `Load a script and run its entry function as the first step.
The run ends when a step returns nothing, fails, or is interrupted (Ctrl-C).

Examples:
  stepflow run login.js
  stepflow run login.js --entry checkout --tag smoke --data '{"user":"ana"}'
  stepflow run login.js -e USER=test -e PASS=secret
  stepflow --transport mock run login.js --json`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "entry",
				Usage: "Function to start from",
				Value: executor.DefaultEntry,
			},
			&cli.StringFlag{
				Name:  "tag",
				Usage: "Tag of the first step",
			},
			&cli.StringFlag{
				Name:  "data",
				Usage: "JSON data of the first step",
			},
			&cli.StringSliceFlag{
				Name:    "env",
				Aliases: []string{"e"},
				Usage:   "Script variables (KEY=VALUE)",
			},
			&cli.StringFlag{
				Name:  "serve",
				Usage: "Also serve status, stop and metrics on this address while running",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print the result as JSON",
			},
		},
		Action: runScript,
	}
}

func runScript(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("exactly one script file is required")
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	for k, v := range parseEnvVars(c.StringSlice("env")) {
		if cfg.Env == nil {
			cfg.Env = make(map[string]string)
		}
		cfg.Env[k] = v
	}

	opts := []step.StepOption{}
	if tag := c.String("tag"); tag != "" {
		opts = append(opts, step.WithTag(tag))
	}
	if raw := c.String("data"); raw != "" {
		var data interface{}
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			return fmt.Errorf("invalid --data JSON: %w", err)
		}
		opts = append(opts, step.WithData(data))
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

	script := c.Args().First()
	if err := runner.LoadFile(script); err != nil {
		return err
	}

	if addr := c.String("serve"); addr != "" {
		srvCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		srv := server.New(addr, serverDeps(runner, nil))
		go func() {
			if err := srv.ListenAndServe(srvCtx); err != nil {
				logger.Error("status server: %v", err)
			}
		}()
	}

	logger.Info("=== Run started: %s (%s) ===", script, c.String("entry"))
	result, err := runner.Run(ctx, c.String("entry"), opts...)
	if err != nil {
		return err
	}

	if c.Bool("json") {
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		printRunResult(c.App.Writer, result)
	}

	if result.Status != core.StatusCompleted {
		return cli.Exit("", 1)
	}
	return nil
}

func serverDeps(runner *executor.Runner, run server.RunFunc) server.Deps {
	return server.Deps{
		Engine:   runner.Engine(),
		Store:    runner.Store(),
		Client:   runner.Client(),
		Gatherer: runner.Registry(),
		Run:      run,
		Stop:     runner.Stop,
	}
}

func printRunResult(w io.Writer, r *executor.RunResult) {
	status := color(colorGreen) + "✓ " + r.Status.String() + color(colorReset)
	if r.Status != core.StatusCompleted {
		status = color(colorRed) + "✗ " + r.Status.String() + color(colorReset)
	}
	fmt.Fprintf(w, "\n  %s%s%s %s  %s(%dms)%s\n",
		color(colorBold), r.Entry, color(colorReset), status,
		color(colorGray), r.Duration, color(colorReset))
	if r.RunID != "" {
		fmt.Fprintf(w, "  run:       %s\n", r.RunID)
	}
	if r.LastStep != "" {
		fmt.Fprintf(w, "  last step: %s\n", r.LastStep)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "  error:     %s%s%s\n", color(colorRed), r.Error, color(colorReset))
	}
	if len(r.Output) > 0 {
		data, _ := json.Marshal(r.Output)
		fmt.Fprintf(w, "  output:    %s\n", data)
	}
}

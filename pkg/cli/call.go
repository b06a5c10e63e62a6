package cli

import (
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/stepflow/pkg/executor"
)

func newCallCommand() *cli.Command {
	return &cli.Command{
		Name:      "call",
		Usage:     "Invoke a single bridge method and print the response",
		ArgsUsage: "<method>",
		Description: `Send one request to the native host, outside of any run.

Examples:
  stepflow call getPackageName
  stepflow call findByText --args '{"text":"Login"}'
  stepflow call takeScreenshot --async`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "args",
				Usage: "JSON object of method arguments",
			},
			&cli.BoolFlag{
				Name:  "async",
				Usage: "Use the async (callback) path",
			},
		},
		Action: runCall,
	}
}

func runCall(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("exactly one method name is required")
	}

	var args map[string]interface{}
	if raw := c.String("args"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return fmt.Errorf("invalid --args JSON: %w", err)
		}
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	closeLog, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	runner, err := executor.New(c.Context, cfg)
	if err != nil {
		return err
	}
	defer runner.Close()

	resp, err := runner.Call(c.Context, c.Args().First(), args, c.Bool("async"))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

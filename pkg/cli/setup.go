package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/stepflow/pkg/config"
	"github.com/devicelab-dev/stepflow/pkg/logger"
)

// ANSI color codes
const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorGreen = "\033[32m"
	colorRed   = "\033[31m"
	colorCyan  = "\033[36m"
	colorGray  = "\033[90m"
)

// colorsEnabled determines if ANSI colors should be used
var colorsEnabled = true

func init() {
	// Respect NO_COLOR environment variable
	if os.Getenv("NO_COLOR") != "" {
		colorsEnabled = false
		return
	}
	// Check if stdout is a terminal
	if fileInfo, err := os.Stdout.Stat(); err == nil {
		if (fileInfo.Mode() & os.ModeCharDevice) == 0 {
			colorsEnabled = false
		}
	}
}

// color returns the color code if colors are enabled, empty string otherwise
func color(c string) string {
	if colorsEnabled {
		return c
	}
	return ""
}

// loadConfig reads the config file and applies flag overrides. Flags set on
// the command line or through STEPFLOW_* variables win over the file.
func loadConfig(c *cli.Context) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := c.String("config"); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadFromDir(".")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if c.IsSet("transport") {
		cfg.Bridge.Transport = c.String("transport")
	}
	if c.IsSet("url") {
		cfg.Bridge.URL = c.String("url")
	}
	if c.IsSet("socket") {
		cfg.Bridge.Socket = c.String("socket")
	}
	if c.IsSet("async-timeout") {
		cfg.Bridge.AsyncTimeout = c.Duration("async-timeout")
	}
	if c.IsSet("delay-ms") {
		cfg.Step.DelayMs = c.Int("delay-ms")
	}
	if c.IsSet("show-log") {
		cfg.Step.ShowLog = c.Bool("show-log")
	}
	if c.IsSet("log") {
		cfg.Log.Path = c.String("log")
	}
	if c.IsSet("verbose") {
		cfg.Log.Verbose = c.Bool("verbose")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogging opens the log file. The returned func closes it.
func setupLogging(cfg *config.Config) (func(), error) {
	path := cfg.Log.Path
	if path == "" {
		path = config.DefaultLogPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if err := logger.Init(path); err != nil {
		return nil, err
	}
	logger.SetVerbose(cfg.Log.Verbose)
	return logger.Close, nil
}

// parseEnvVars parses KEY=VALUE pairs.
func parseEnvVars(envs []string) map[string]string {
	result := make(map[string]string)
	for _, e := range envs {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) == 2 {
			result[parts[0]] = parts[1]
		}
	}
	return result
}

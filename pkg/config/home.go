package config

import (
	"os"
	"path/filepath"
	"sync"
)

const (
	envHome     = "STEPFLOW_HOME"
	userHomeDir = ".stepflow"
)

var (
	homeOnce sync.Once
	homeDir  string
)

// GetHome returns the stepflow home directory, where logs are written.
//
// Resolution order:
//  1. $STEPFLOW_HOME
//  2. ~/.stepflow
//  3. Current working directory
func GetHome() string {
	homeOnce.Do(func() {
		homeDir = resolveHome(os.Getenv(envHome), os.UserHomeDir)
	})
	return homeDir
}

// GetLogsDir returns <home>/logs.
func GetLogsDir() string {
	return filepath.Join(GetHome(), "logs")
}

// DefaultLogPath returns <home>/logs/stepflow.log.
func DefaultLogPath() string {
	return filepath.Join(GetLogsDir(), "stepflow.log")
}

func resolveHome(env string, userHome func() (string, error)) string {
	if env != "" {
		return env
	}
	if home, err := userHome(); err == nil && home != "" {
		return filepath.Join(home, userHomeDir)
	}
	if cwd, err := os.Getwd(); err == nil {
		return cwd
	}
	return "."
}

// ResetHome resets the cached home directory (for testing).
func ResetHome() {
	homeOnce = sync.Once{}
	homeDir = ""
}

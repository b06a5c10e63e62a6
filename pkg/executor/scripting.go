package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/devicelab-dev/stepflow/pkg/core"
	"github.com/devicelab-dev/stepflow/pkg/jsengine"
	"github.com/devicelab-dev/stepflow/pkg/step"
)

// envVarPattern matches ALL_CAPS identifiers that look like env variables
var envVarPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]{2,}$`)

// ScriptEngine loads step scripts and manages the variables they see.
type ScriptEngine struct {
	js        *jsengine.Engine
	variables map[string]string
	scriptDir string // Directory of the loaded script (for resolving relative paths)
}

// NewScriptEngine creates a new script engine.
func NewScriptEngine() *ScriptEngine {
	return &ScriptEngine{
		js:        jsengine.New(),
		variables: make(map[string]string),
	}
}

// Close cleans up the script engine.
func (se *ScriptEngine) Close() {
	if se.js != nil {
		se.js.Close()
	}
}

// SetStdout redirects console output of scripts.
func (se *ScriptEngine) SetStdout(w io.Writer) {
	se.js.SetStdout(w)
}

// SetVariable sets a variable in both Go map and JS engine.
func (se *ScriptEngine) SetVariable(name, value string) {
	se.variables[name] = value
	se.js.SetVariable(name, value)
}

// SetVariables sets multiple variables.
func (se *ScriptEngine) SetVariables(vars map[string]string) {
	for k, v := range vars {
		se.SetVariable(k, v)
	}
}

// ImportSystemEnv imports system environment variables into the script engine.
// Only imports variables matching the pattern (uppercase with underscores).
func (se *ScriptEngine) ImportSystemEnv() {
	for _, env := range os.Environ() {
		name, value, ok := strings.Cut(env, "=")
		if ok && envVarPattern.MatchString(name) {
			se.SetVariable(name, value)
		}
	}
}

// GetVariable returns a variable value.
func (se *ScriptEngine) GetVariable(name string) string {
	return se.variables[name]
}

// GetOutput returns the JS output variables.
func (se *ScriptEngine) GetOutput() map[string]interface{} {
	return se.js.GetOutput()
}

// Load evaluates script source, defining its step functions.
func (se *ScriptEngine) Load(name, src string) error {
	if err := se.js.RunScript(name, src); err != nil {
		return core.ErrScriptFailed.WithCause(err).WithDetails(map[string]interface{}{"script": name})
	}
	return nil
}

// LoadFile reads and evaluates a script file. Later relative paths resolve
// against its directory.
func (se *ScriptEngine) LoadFile(path string) error {
	path = se.ResolvePath(path)
	data, err := os.ReadFile(path) //#nosec G304 -- user-provided script
	if err != nil {
		return fmt.Errorf("failed to read script: %w", err)
	}
	se.scriptDir = filepath.Dir(path)
	return se.Load(filepath.Base(path), string(data))
}

// ResolvePath resolves a relative path against the script directory.
func (se *ScriptEngine) ResolvePath(path string) string {
	if filepath.IsAbs(path) || se.scriptDir == "" {
		return path
	}
	return filepath.Join(se.scriptDir, path)
}

// Bind exposes the step engine to loaded scripts.
func (se *ScriptEngine) Bind(engine *step.Engine) {
	se.js.Bind(engine)
}

// RunSteps runs the global function entry as the first step.
func (se *ScriptEngine) RunSteps(ctx context.Context, entry string, opts ...step.StepOption) (*step.Step, error) {
	return se.js.RunSteps(ctx, entry, opts...)
}

// Package executor runs step scripts: it wires configuration, the bridge,
// the step engine and the script runtime together.
package executor

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/devicelab-dev/stepflow/pkg/bridge"
	"github.com/devicelab-dev/stepflow/pkg/config"
	"github.com/devicelab-dev/stepflow/pkg/core"
	"github.com/devicelab-dev/stepflow/pkg/logger"
	"github.com/devicelab-dev/stepflow/pkg/metrics"
	"github.com/devicelab-dev/stepflow/pkg/step"
	"github.com/devicelab-dev/stepflow/pkg/uia"
)

// DefaultEntry is the script function a run starts from.
const DefaultEntry = "main"

// RunResult contains the outcome of a script run.
type RunResult struct {
	RunID    string
	Status   core.RunStatus
	Entry    string
	LastStep string
	Duration int64 // milliseconds
	Error    string
	Payload  string // JSON error payload, set on failure
	Output   map[string]interface{}
}

// Runner owns one bridge client, one step engine and one script runtime.
type Runner struct {
	config   *config.Config
	client   *bridge.Client
	engine   *step.Engine
	store    *step.MemoryStore
	registry *prometheus.Registry
	scripts  *ScriptEngine

	// gen is bumped by every Run, Supersede and Stop. A run only starts if
	// its generation is still the latest once it holds runMu.
	gen    atomic.Uint64
	mu     sync.Mutex
	cancel context.CancelFunc // cancels the executing run
	runMu  sync.Mutex
}

// Option configures a Runner.
type Option func(*options)

type options struct {
	transport bridge.Transport
	registry  *prometheus.Registry
	stdout    io.Writer
}

// WithTransport uses t instead of building one from the configuration.
func WithTransport(t bridge.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithRegistry registers metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithStdout redirects script console output.
func WithStdout(w io.Writer) Option {
	return func(o *options) { o.stdout = w }
}

// New validates cfg and builds a Runner.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}

	transport := o.transport
	if transport == nil {
		t, err := NewTransport(ctx, cfg.Bridge)
		if err != nil {
			return nil, err
		}
		transport = t
	}

	m := metrics.New(o.registry)
	client := bridge.NewClient(transport,
		bridge.WithAsyncTimeout(cfg.Bridge.AsyncTimeout),
		bridge.WithMetrics(m))

	store := step.NewMemoryStore()
	engine := step.New(step.Config{
		DelayDefault:  cfg.StepDelay(),
		SliceInterval: step.DefaultSliceInterval,
		ShowLog:       cfg.Step.ShowLog,
	},
		step.WithStore(store),
		step.WithMetrics(m),
		step.WithUI(uia.NewClient(client.Sync()), uia.NewClient(client.Async())),
	)

	scripts := NewScriptEngine()
	if o.stdout != nil {
		scripts.SetStdout(o.stdout)
	}
	scripts.ImportSystemEnv()
	scripts.SetVariables(cfg.Env)
	scripts.Bind(engine)

	return &Runner{
		config:   cfg,
		client:   client,
		engine:   engine,
		store:    store,
		registry: o.registry,
		scripts:  scripts,
	}, nil
}

// Client returns the bridge client, e.g. for callback ingress.
func (r *Runner) Client() *bridge.Client { return r.client }

// Engine returns the step engine.
func (r *Runner) Engine() *step.Engine { return r.engine }

// Store returns the run state store.
func (r *Runner) Store() *step.MemoryStore { return r.store }

// Registry returns the metrics registry.
func (r *Runner) Registry() *prometheus.Registry { return r.registry }

// Scripts returns the script engine.
func (r *Runner) Scripts() *ScriptEngine { return r.scripts }

// LoadFile loads a step script.
func (r *Runner) LoadFile(path string) error {
	return r.scripts.LoadFile(path)
}

// Load loads step script source.
func (r *Runner) Load(name, src string) error {
	return r.scripts.Load(name, src)
}

// Run starts entry as a new run, superseding any run that is executing or
// waiting to start. Cancelling ctx stops the run at its next checkpoint. A
// failed step is reported in the result, not as an error; the error return
// is for runs that could not start.
func (r *Runner) Run(ctx context.Context, entry string, opts ...step.StepOption) (*RunResult, error) {
	return r.RunGeneration(ctx, r.Supersede(), entry, opts...)
}

// Supersede stops the current run, invalidates every run still waiting to
// start and returns the generation for the next one. It does not block.
func (r *Runner) Supersede() uint64 {
	gen := r.advance()
	r.engine.Stop()
	return gen
}

// Stop stops the current run and every run waiting to start.
func (r *Runner) Stop() {
	r.advance()
	r.engine.Stop()
}

func (r *Runner) advance() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	return r.gen.Add(1)
}

// RunGeneration runs entry if gen, obtained from Supersede, is still the
// latest generation once earlier runs have finished. Otherwise it returns
// ErrRunMismatch without starting.
func (r *Runner) RunGeneration(ctx context.Context, gen uint64, entry string, opts ...step.StepOption) (*RunResult, error) {
	if entry == "" {
		entry = DefaultEntry
	}

	r.runMu.Lock()
	defer r.runMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	if r.gen.Load() != gen {
		r.mu.Unlock()
		logger.Info("run of %s skipped: superseded before it started", entry)
		return nil, core.ErrRunMismatch.WithMessage("run superseded before it started").
			WithDetails(map[string]interface{}{"entry": entry})
	}
	r.cancel = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		if r.gen.Load() == gen {
			r.cancel = nil
		}
		r.mu.Unlock()
	}()

	stopped := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		r.engine.Stop()
		close(stopped)
	})
	defer func() {
		if !stop() {
			<-stopped
		}
	}()

	start := time.Now()
	last, err := r.scripts.RunSteps(ctx, entry, opts...)
	result := &RunResult{
		Entry:    entry,
		Duration: time.Since(start).Milliseconds(),
		Output:   r.scripts.GetOutput(),
	}
	if last != nil {
		result.RunID = string(last.RunID())
		result.LastStep = last.Label
	}

	var serr *step.StepError
	switch {
	case err == nil:
		result.Status = core.StatusCompleted
	case errors.As(err, &serr):
		result.Status = core.StatusError
		result.Error = serr.Err.Error()
		result.Payload = serr.Payload
	default:
		return nil, err
	}

	logger.Info("run %s (%s) %s in %dms", result.RunID, entry, result.Status, result.Duration)
	return result, nil
}

// Call invokes a single bridge method outside of any run.
func (r *Runner) Call(ctx context.Context, method string, args map[string]interface{}, async bool) (*bridge.Response, error) {
	caller := r.client.Sync()
	if async {
		caller = r.client.Async()
	}
	return caller.Call(ctx, method, bridge.Call{Args: args})
}

// Close releases the script runtime and the transport.
func (r *Runner) Close() error {
	r.Stop()
	r.scripts.Close()
	return r.client.Close()
}

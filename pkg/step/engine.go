// Package step implements the step engine: a cooperative runner that drives a
// chain of cancellable steps under a single run identity.
//
// A run is started with Engine.Run and ends when a step returns nil, a step's
// repeat limit is exceeded, or an error occurs. Engine.Stop and every new Run
// invalidate the previous run; its steps fail at their next identity check.
package step

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/devicelab-dev/stepflow/pkg/core"
	"github.com/devicelab-dev/stepflow/pkg/logger"
	"github.com/devicelab-dev/stepflow/pkg/metrics"
	"github.com/devicelab-dev/stepflow/pkg/uia"
)

// Defaults
const (
	DefaultDelay         = time.Second
	DefaultSliceInterval = 100 * time.Millisecond
)

// Config holds engine settings.
type Config struct {
	DelayDefault  time.Duration // delay for steps that don't set one
	SliceInterval time.Duration // granularity of cancellable sleeps
	ShowLog       bool          // log step progress at info level
}

// Engine runs step chains. Each Engine has its own run identity and
// interceptor chain.
type Engine struct {
	cfg Config

	current atomic.Pointer[RunID]

	mu           sync.RWMutex
	interceptors []*Registration

	store   StateStore
	metrics *metrics.Collector
	tracer  trace.Tracer

	ui      *uia.Client
	uiAsync *uia.Client
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore records run state transitions.
func WithStore(s StateStore) Option {
	return func(e *Engine) { e.store = s }
}

// WithMetrics records runs, steps and interceptor activity.
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer overrides the tracer used for run and step spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithUI sets the clients used by the step facades. async may be nil.
func WithUI(syncClient, asyncClient *uia.Client) Option {
	return func(e *Engine) {
		e.ui = syncClient
		e.uiAsync = asyncClient
	}
}

// New creates an engine.
func New(cfg Config, opts ...Option) *Engine {
	if cfg.DelayDefault < 0 {
		cfg.DelayDefault = 0
	}
	if cfg.SliceInterval <= 0 {
		cfg.SliceInterval = DefaultSliceInterval
	}
	e := &Engine{
		cfg:    cfg,
		store:  nopStore{},
		tracer: otel.Tracer("github.com/devicelab-dev/stepflow/pkg/step"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{DelayDefault: DefaultDelay, SliceInterval: DefaultSliceInterval}
}

// CurrentID returns the active run identity, or "" when stopped.
func (e *Engine) CurrentID() RunID {
	if p := e.current.Load(); p != nil {
		return *p
	}
	return ""
}

// Assert fails with core.ErrRunMismatch when id is set and is not the
// active run. An empty id always passes.
func (e *Engine) Assert(id RunID) error {
	if id == "" {
		return nil
	}
	if cur := e.CurrentID(); cur != id {
		return core.ErrRunMismatch.WithDetails(map[string]interface{}{
			"run_id":     string(id),
			"current_id": string(cur),
		})
	}
	return nil
}

// Stop cancels the active run. Its steps fail at their next identity check.
func (e *Engine) Stop() {
	if old := e.current.Swap(nil); old != nil {
		e.logf("run %s stopped", *old)
	}
}

// Run starts a new run with impl as its first step and drives the chain
// until it ends. Any previous run is superseded. It returns the last step
// that was current when the chain ended.
func (e *Engine) Run(ctx context.Context, label string, impl Impl, opts ...StepOption) (*Step, error) {
	if impl == nil {
		return nil, errNilImpl(label)
	}

	id := RunID(uuid.NewString())
	e.current.Store(&id)

	p := params{delay: e.cfg.DelayDefault, repeatCountMax: RepeatInfinite}
	p.apply(opts)
	e.store.StartStep(id, p.tag, p.data)
	e.logf("run %s started with %s", id, label)

	ctx, span := e.tracer.Start(ctx, "stepflow.run", trace.WithAttributes(
		attribute.String("stepflow.run_id", string(id)),
		attribute.String("stepflow.label", label),
		attribute.String("stepflow.tag", p.tag),
	))
	defer span.End()

	current := newStep(e, id, label, impl, p)
	last, err := e.loop(ctx, current)
	if err != nil {
		serr := e.fail(last, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.RunFinished(core.StatusError.String())
		return last, serr
	}

	e.store.CompleteStep(id)
	e.metrics.RunFinished(core.StatusCompleted.String())
	e.logf("run %s completed at %s", id, last)
	return last, nil
}

// loop drives the chain. It returns the step that was executing when the
// chain ended or failed.
func (e *Engine) loop(ctx context.Context, current *Step) (*Step, error) {
	for {
		if current.Delay > 0 {
			e.logf("delay %v before %s", current.Delay, current)
			if err := e.sleep(ctx, current.runID, current.Delay); err != nil {
				return current, err
			}
		}
		if err := e.Assert(current.runID); err != nil {
			return current, err
		}

		target := current
		if alt := e.intercept(ctx, current); alt != nil {
			e.logf("%s intercepted, running %s", current, alt)
			if alt.Delay > 0 {
				if err := e.sleep(ctx, alt.runID, alt.Delay); err != nil {
					return alt, err
				}
			}
			if err := e.Assert(alt.runID); err != nil {
				return alt, err
			}
			target = alt
		}

		next, err := e.execute(ctx, target, target != current)
		if err != nil {
			return target, err
		}

		// The limit is checked on the scheduled step, even when an
		// interceptor ran in its place, and wins over a returned next step.
		if current.RepeatCountMax > RepeatInfinite && current.RepeatCount > current.RepeatCountMax {
			e.logf("%s repeated %d times, limit %d, stopping", current, current.RepeatCount, current.RepeatCountMax)
			return current, nil
		}

		if err := e.Assert(current.runID); err != nil {
			return current, err
		}
		if next == nil {
			return current, nil
		}
		current = next
	}
}

func (e *Engine) execute(ctx context.Context, s *Step, intercepted bool) (next *Step, err error) {
	e.logf("run %s (repeat %d)", s, s.RepeatCount)

	ctx, span := e.tracer.Start(ctx, "stepflow.step", trace.WithAttributes(
		attribute.String("stepflow.label", s.Label),
		attribute.String("stepflow.tag", s.Tag),
		attribute.Int("stepflow.repeat_count", s.RepeatCount),
		attribute.Bool("stepflow.intercepted", intercepted),
	))
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			next, err = nil, fmt.Errorf("step %s panicked: %v", s.Label, r)
		}
		e.metrics.StepExecuted(s.Label, time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	return s.impl(ctx, s)
}

// sleep waits for d in slices, asserting id after each one.
func (e *Engine) sleep(ctx context.Context, id RunID, d time.Duration) error {
	remaining := d
	for remaining > 0 {
		slice := e.cfg.SliceInterval
		if remaining < slice {
			slice = remaining
		}
		timer := time.NewTimer(slice)
		select {
		case <-ctx.Done():
			timer.Stop()
			if err := e.Assert(id); err != nil {
				return err
			}
			return ctx.Err()
		case <-timer.C:
		}
		remaining -= slice
		if err := e.Assert(id); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) fail(s *Step, cause error) *StepError {
	serr := &StepError{
		Impl: s.Label,
		Tag:  s.Tag,
		Data: s.Data,
		Err:  cause,
		Step: s,
	}
	payload, err := json.Marshal(errorPayload{
		Impl:  s.Label,
		Tag:   s.Tag,
		Data:  s.Data,
		Error: cause.Error(),
	})
	if err != nil {
		payload, _ = json.Marshal(errorPayload{
			Impl:  s.Label,
			Tag:   s.Tag,
			Error: cause.Error(),
		})
	}
	serr.Payload = string(payload)

	logger.Error("step %s failed: %v", s, cause)
	e.store.SetError(s.runID, serr.Payload)
	return serr
}

func (e *Engine) logf(format string, v ...interface{}) {
	if e.cfg.ShowLog {
		logger.Info("step: "+format, v...)
		return
	}
	logger.Debug("step: "+format, v...)
}

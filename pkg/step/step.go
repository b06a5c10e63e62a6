package step

import (
	"context"
	"fmt"
	"time"
)

// RepeatInfinite disables the repeat limit.
const RepeatInfinite = -1

// RunID identifies one run of the engine. The zero value matches any run.
type RunID string

// Impl is the work of a step. It returns the next step to run, or nil to
// end the chain.
type Impl func(ctx context.Context, s *Step) (*Step, error)

// Step is one link in an automation chain. Steps are created by Engine.Run
// and Step.Next; Repeat mutates a step in place.
type Step struct {
	Facade

	Label          string
	Tag            string
	Data           interface{}
	Delay          time.Duration
	RepeatCount    int
	RepeatCountMax int

	runID  RunID
	impl   Impl
	engine *Engine
}

func newStep(e *Engine, id RunID, label string, impl Impl, p params) *Step {
	s := &Step{
		Label:          label,
		Tag:            p.tag,
		Data:           p.data,
		Delay:          p.delay,
		RepeatCountMax: p.repeatCountMax,
		runID:          id,
		impl:           impl,
		engine:         e,
	}
	s.Facade = Facade{step: s}
	return s
}

// RunID returns the run this step belongs to. It never changes.
func (s *Step) RunID() RunID {
	return s.runID
}

// Engine returns the engine that owns the step.
func (s *Step) Engine() *Engine {
	return s.engine
}

// Async returns the facade backed by the asynchronous bridge.
func (s *Step) Async() *Facade {
	return &Facade{step: s, async: true}
}

func (s *Step) String() string {
	if s.Tag != "" {
		return fmt.Sprintf("%s[%s]#%d", s.Label, s.Tag, s.RepeatCount)
	}
	return fmt.Sprintf("%s#%d", s.Label, s.RepeatCount)
}

// Next allocates a new step in the same run. Tag and data carry over from s
// unless overridden; delay defaults to the engine default; the repeat limit
// defaults to RepeatInfinite.
func (s *Step) Next(label string, impl Impl, opts ...StepOption) (*Step, error) {
	if err := s.engine.Assert(s.runID); err != nil {
		return nil, err
	}
	if impl == nil {
		return nil, errNilImpl(label)
	}
	p := params{
		tag:            s.Tag,
		data:           s.Data,
		delay:          s.engine.cfg.DelayDefault,
		repeatCountMax: RepeatInfinite,
	}
	p.apply(opts)
	return newStep(s.engine, s.runID, label, impl, p), nil
}

// Repeat schedules s again. It increments RepeatCount, applies overrides to
// tag, data, delay and repeat limit, and returns s itself.
func (s *Step) Repeat(opts ...StepOption) (*Step, error) {
	if err := s.engine.Assert(s.runID); err != nil {
		return nil, err
	}
	p := params{
		tag:            s.Tag,
		data:           s.Data,
		delay:          s.Delay,
		repeatCountMax: s.RepeatCountMax,
	}
	p.apply(opts)

	s.RepeatCount++
	s.Tag = p.tag
	s.Data = p.data
	s.Delay = p.delay
	s.RepeatCountMax = p.repeatCountMax
	return s, nil
}

// Sleep waits for d, checking the run identity after every slice.
func (s *Step) Sleep(ctx context.Context, d time.Duration) error {
	return s.engine.sleep(ctx, s.runID, d)
}

// Assert fails if the step's run is no longer current.
func (s *Step) Assert() error {
	return s.engine.Assert(s.runID)
}

// Await runs fn between two identity checks, so a result produced after the
// run was stopped or superseded is never observed.
func Await[T any](ctx context.Context, s *Step, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := s.engine.Assert(s.runID); err != nil {
		return zero, err
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	v, err := fn(ctx)
	if err != nil {
		return zero, err
	}
	if err := s.engine.Assert(s.runID); err != nil {
		return zero, err
	}
	return v, nil
}

// StepOption overrides a field when creating or repeating a step.
type StepOption func(*params)

type params struct {
	tag            string
	data           interface{}
	delay          time.Duration
	repeatCountMax int
}

func (p *params) apply(opts []StepOption) {
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
}

// WithTag sets the step tag.
func WithTag(tag string) StepOption {
	return func(p *params) { p.tag = tag }
}

// WithData sets the step data.
func WithData(data interface{}) StepOption {
	return func(p *params) { p.data = data }
}

// WithDelay sets how long to wait before the step runs. Zero runs it
// immediately.
func WithDelay(d time.Duration) StepOption {
	return func(p *params) {
		if d < 0 {
			d = 0
		}
		p.delay = d
	}
}

// WithRepeatCountMax limits how often the step may repeat. The run ends
// once RepeatCount exceeds n. RepeatInfinite removes the limit.
func WithRepeatCountMax(n int) StepOption {
	return func(p *params) {
		if n < RepeatInfinite {
			n = RepeatInfinite
		}
		p.repeatCountMax = n
	}
}

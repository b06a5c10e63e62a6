package step

import (
	"context"
	"fmt"

	"github.com/devicelab-dev/stepflow/pkg/logger"
)

// Interceptor is consulted before every step. Returning a non-nil step runs
// it in place of s for this iteration. Errors and panics are logged and the
// interceptor is skipped.
type Interceptor func(ctx context.Context, s *Step) (*Step, error)

// Registration identifies an added interceptor for removal.
type Registration struct {
	fn Interceptor
}

// AddInterceptor appends fn to the chain.
func (e *Engine) AddInterceptor(fn Interceptor) *Registration {
	r := &Registration{fn: fn}
	e.mu.Lock()
	e.interceptors = append(e.interceptors, r)
	e.mu.Unlock()
	return r
}

// RemoveInterceptor removes a registration. It reports whether it was present.
func (e *Engine) RemoveInterceptor(r *Registration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, reg := range e.interceptors {
		if reg == r {
			e.interceptors = append(e.interceptors[:i:i], e.interceptors[i+1:]...)
			return true
		}
	}
	return false
}

// ClearInterceptors removes every interceptor.
func (e *Engine) ClearInterceptors() {
	e.mu.Lock()
	e.interceptors = nil
	e.mu.Unlock()
}

// Interceptors returns a copy of the chain in registration order.
func (e *Engine) Interceptors() []Interceptor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Interceptor, len(e.interceptors))
	for i, r := range e.interceptors {
		out[i] = r.fn
	}
	return out
}

// intercept returns the first non-nil step produced by the chain.
func (e *Engine) intercept(ctx context.Context, s *Step) *Step {
	for i, fn := range e.Interceptors() {
		alt, err := e.callInterceptor(ctx, fn, s)
		if err != nil {
			logger.Warn("step: interceptor %d failed on %s: %v", i, s, err)
			e.metrics.InterceptorError()
			continue
		}
		if alt != nil {
			e.metrics.InterceptorHit()
			return alt
		}
	}
	return nil
}

func (e *Engine) callInterceptor(ctx context.Context, fn Interceptor, s *Step) (alt *Step, err error) {
	defer func() {
		if r := recover(); r != nil {
			alt, err = nil, fmt.Errorf("interceptor panicked: %v", r)
		}
	}()
	return fn(ctx, s)
}

package jsengine

import (
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/devicelab-dev/stepflow/pkg/logger"
)

// timerRegistry tracks setTimeout/setInterval handles so Close can stop them.
type timerRegistry struct {
	mu        sync.Mutex
	nextID    int
	timers    map[int]*time.Timer
	tickers   map[int]*time.Ticker
	stopChan  chan struct{}
	closeOnce sync.Once
}

func newTimerRegistry() *timerRegistry {
	return &timerRegistry{
		nextID:   1,
		timers:   make(map[int]*time.Timer),
		tickers:  make(map[int]*time.Ticker),
		stopChan: make(chan struct{}),
	}
}

func (r *timerRegistry) clear(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[id]; ok {
		t.Stop()
		delete(r.timers, id)
	}
	if t, ok := r.tickers[id]; ok {
		t.Stop()
		delete(r.tickers, id)
	}
}

func (r *timerRegistry) close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, t := range r.timers {
			t.Stop()
		}
		for _, t := range r.tickers {
			t.Stop()
		}
		r.timers = make(map[int]*time.Timer)
		r.tickers = make(map[int]*time.Ticker)
		close(r.stopChan)
	})
}

// setupTimers adds setTimeout, setInterval, clearTimeout and clearInterval.
// Callbacks run under the engine lock, so they fire between steps, never
// while a step chain is executing.
func (e *Engine) setupTimers() {
	callbackArgs := func(name string, call goja.FunctionCall) (goja.Callable, time.Duration) {
		if len(call.Arguments) < 2 {
			panic(e.runtime.NewTypeError(name + " requires 2 arguments"))
		}
		fn, ok := goja.AssertFunction(call.Arguments[0])
		if !ok {
			panic(e.runtime.NewTypeError("first argument must be a function"))
		}
		return fn, time.Duration(call.Arguments[1].ToInteger()) * time.Millisecond
	}

	fire := func(name string, fn goja.Callable) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if _, err := fn(goja.Undefined()); err != nil {
			logger.Warn("js: %s callback error: %v", name, err)
		}
	}

	e.runtime.Set("setTimeout", func(call goja.FunctionCall) goja.Value {
		fn, delay := callbackArgs("setTimeout", call)

		r := e.timers
		r.mu.Lock()
		id := r.nextID
		r.nextID++
		r.timers[id] = time.AfterFunc(delay, func() {
			fire("setTimeout", fn)
			r.mu.Lock()
			delete(r.timers, id)
			r.mu.Unlock()
		})
		r.mu.Unlock()

		return e.runtime.ToValue(id)
	})

	e.runtime.Set("setInterval", func(call goja.FunctionCall) goja.Value {
		fn, interval := callbackArgs("setInterval", call)
		if interval <= 0 {
			panic(e.runtime.NewTypeError("setInterval requires a positive interval"))
		}

		r := e.timers
		r.mu.Lock()
		id := r.nextID
		r.nextID++
		ticker := time.NewTicker(interval)
		r.tickers[id] = ticker
		r.mu.Unlock()

		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-r.stopChan:
					return
				case <-ticker.C:
					r.mu.Lock()
					_, live := r.tickers[id]
					r.mu.Unlock()
					if !live {
						return
					}
					fire("setInterval", fn)
				}
			}
		}()

		return e.runtime.ToValue(id)
	})

	clearTimer := func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) > 0 {
			e.timers.clear(int(call.Arguments[0].ToInteger()))
		}
		return goja.Undefined()
	}
	e.runtime.Set("clearTimeout", clearTimer)
	e.runtime.Set("clearInterval", clearTimer)
}

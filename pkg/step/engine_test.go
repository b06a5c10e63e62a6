package step

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/devicelab-dev/stepflow/pkg/core"
	"github.com/devicelab-dev/stepflow/pkg/metrics"
)

// fastConfig runs steps without a default delay.
func fastConfig() Config {
	return Config{DelayDefault: 0, SliceInterval: 20 * time.Millisecond}
}

func TestEngine_AssertAndStop(t *testing.T) {
	e := New(fastConfig())

	if err := e.Assert(""); err != nil {
		t.Errorf("empty id should pass, got %v", err)
	}
	if err := e.Assert("some-run"); !errors.Is(err, core.ErrRunMismatch) {
		t.Errorf("expected ErrRunMismatch with no active run, got %v", err)
	}

	var seen RunID
	_, err := e.Run(context.Background(), "capture", func(ctx context.Context, s *Step) (*Step, error) {
		seen = s.RunID()
		if e.CurrentID() != seen {
			t.Errorf("expected current id %s, got %s", seen, e.CurrentID())
		}
		return nil, e.Assert(seen)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen == "" {
		t.Fatal("expected run id to be minted")
	}

	e.Stop()
	if e.CurrentID() != "" {
		t.Errorf("expected no current id after stop, got %s", e.CurrentID())
	}
	if err := e.Assert(seen); !errors.Is(err, core.ErrRunMismatch) {
		t.Errorf("expected ErrRunMismatch after stop, got %v", err)
	}
	if core.CategoryOf(e.Assert(seen)) != core.ErrCategoryCancellation {
		t.Error("expected cancellation category")
	}
}

func TestEngine_RunChain(t *testing.T) {
	e := New(fastConfig())
	var order []string

	third := func(ctx context.Context, s *Step) (*Step, error) {
		order = append(order, s.Label+":"+s.Tag)
		return nil, nil
	}
	second := func(ctx context.Context, s *Step) (*Step, error) {
		order = append(order, s.Label+":"+s.Tag)
		return s.Next("third", third)
	}
	first := func(ctx context.Context, s *Step) (*Step, error) {
		order = append(order, s.Label+":"+s.Tag)
		return s.Next("second", second, WithTag("login"))
	}

	last, err := e.Run(context.Background(), "first", first, WithTag("start"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"first:start", "second:login", "third:login"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v, got %v", want, order)
	}
	if last == nil || last.Label != "third" {
		t.Errorf("expected last step third, got %v", last)
	}
}

func TestEngine_NilImpl(t *testing.T) {
	e := New(fastConfig())
	if _, err := e.Run(context.Background(), "none", nil); !errors.Is(err, core.ErrNilImpl) {
		t.Errorf("expected ErrNilImpl, got %v", err)
	}
}

// A superseded run must not proceed past its next identity check.
func TestEngine_SupersessionInvalidatesPriorRun(t *testing.T) {
	e := New(fastConfig())
	started := make(chan struct{})
	var proceeded atomic.Bool

	errA := make(chan error, 1)
	go func() {
		_, err := e.Run(context.Background(), "a", func(ctx context.Context, s *Step) (*Step, error) {
			close(started)
			time.Sleep(200 * time.Millisecond)
			return s.Next("a2", func(context.Context, *Step) (*Step, error) {
				proceeded.Store(true)
				return nil, nil
			})
		})
		errA <- err
	}()

	<-started
	if _, err := e.Run(context.Background(), "b", func(context.Context, *Step) (*Step, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("run b: %v", err)
	}

	err := <-errA
	if !errors.Is(err, core.ErrRunMismatch) {
		t.Fatalf("expected run a to fail with ErrRunMismatch, got %v", err)
	}
	if proceeded.Load() {
		t.Error("run a proceeded to its next step after being superseded")
	}
}

func TestEngine_SupersessionDuringDelay(t *testing.T) {
	e := New(fastConfig())
	started := make(chan struct{})

	errA := make(chan error, 1)
	go func() {
		_, err := e.Run(context.Background(), "a", func(ctx context.Context, s *Step) (*Step, error) {
			close(started)
			if err := s.Sleep(ctx, 5*time.Second); err != nil {
				return nil, err
			}
			t.Error("sleep should not complete")
			return nil, nil
		})
		errA <- err
	}()

	<-started
	e.Run(context.Background(), "b", func(context.Context, *Step) (*Step, error) { return nil, nil })

	select {
	case err := <-errA:
		if !errors.Is(err, core.ErrRunMismatch) {
			t.Errorf("expected ErrRunMismatch, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("superseded run kept sleeping")
	}
}

func TestStep_RepeatMutatesNextAllocates(t *testing.T) {
	e := New(fastConfig())

	_, err := e.Run(context.Background(), "s", func(ctx context.Context, s *Step) (*Step, error) {
		r1, err := s.Repeat()
		if err != nil {
			return nil, err
		}
		r2, err := s.Repeat(WithTag("again"))
		if err != nil {
			return nil, err
		}
		if r1 != s || r2 != s {
			t.Error("repeat should return the same step")
		}
		if s.RepeatCount != 2 {
			t.Errorf("expected repeat count 2, got %d", s.RepeatCount)
		}
		if s.Tag != "again" {
			t.Errorf("expected tag override, got %s", s.Tag)
		}

		n, err := s.Next("n", func(context.Context, *Step) (*Step, error) { return nil, nil })
		if err != nil {
			return nil, err
		}
		if n == s {
			t.Error("next should allocate a new step")
		}
		if n.RepeatCount != 0 {
			t.Errorf("expected fresh repeat count, got %d", n.RepeatCount)
		}
		if n.RunID() != s.RunID() {
			t.Error("next should keep the run identity")
		}
		if n.RepeatCountMax != RepeatInfinite {
			t.Errorf("expected infinite repeat limit, got %d", n.RepeatCountMax)
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStep_NextCarriesData(t *testing.T) {
	e := New(fastConfig())

	_, err := e.Run(context.Background(), "s", func(ctx context.Context, s *Step) (*Step, error) {
		n, _ := s.Next("n", func(context.Context, *Step) (*Step, error) { return nil, nil })
		if n.Data != "payload" || n.Tag != "t" {
			t.Errorf("expected data and tag carried over, got %v %s", n.Data, n.Tag)
		}
		o, _ := s.Next("o", func(context.Context, *Step) (*Step, error) { return nil, nil }, WithData(42), WithDelay(time.Second))
		if o.Data != 42 || o.Delay != time.Second {
			t.Errorf("expected overrides, got %v %v", o.Data, o.Delay)
		}
		return nil, nil
	}, WithTag("t"), WithData("payload"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStep_NextAfterStop(t *testing.T) {
	e := New(fastConfig())

	_, err := e.Run(context.Background(), "s", func(ctx context.Context, s *Step) (*Step, error) {
		e.Stop()
		return s.Next("n", func(context.Context, *Step) (*Step, error) { return nil, nil })
	})
	if !errors.Is(err, core.ErrRunMismatch) {
		t.Errorf("expected ErrRunMismatch, got %v", err)
	}
}

func TestEngine_RepeatLimitWinsOverNext(t *testing.T) {
	e := New(fastConfig())
	var nextRan bool

	_, err := e.Run(context.Background(), "limited", func(ctx context.Context, s *Step) (*Step, error) {
		for i := 0; i < 3; i++ {
			if _, err := s.Repeat(); err != nil {
				return nil, err
			}
		}
		return s.Next("after", func(context.Context, *Step) (*Step, error) {
			nextRan = true
			return nil, nil
		})
	}, WithRepeatCountMax(2))
	if err != nil {
		t.Fatalf("limit should end the run without error, got %v", err)
	}
	if nextRan {
		t.Error("next step ran although the repeat limit was exceeded")
	}
}

func TestEngine_RepeatPolling(t *testing.T) {
	e := New(fastConfig())
	var calls int

	last, err := e.Run(context.Background(), "poll", func(ctx context.Context, s *Step) (*Step, error) {
		calls++
		return s.Repeat()
	}, WithRepeatCountMax(2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 executions, got %d", calls)
	}
	if last.RepeatCount != 3 {
		t.Errorf("expected repeat count 3, got %d", last.RepeatCount)
	}
}

func TestEngine_DelayInterruptible(t *testing.T) {
	e := New(Config{DelayDefault: 0, SliceInterval: 100 * time.Millisecond})
	var ran bool

	stopped := make(chan time.Time, 1)
	go func() {
		time.Sleep(250 * time.Millisecond)
		stopped <- time.Now()
		e.Stop()
	}()

	_, err := e.Run(context.Background(), "slow", func(context.Context, *Step) (*Step, error) {
		ran = true
		return nil, nil
	}, WithDelay(time.Second))
	returned := time.Now()

	if !errors.Is(err, core.ErrRunMismatch) {
		t.Fatalf("expected ErrRunMismatch, got %v", err)
	}
	if ran {
		t.Error("impl ran after stop")
	}
	if lag := returned.Sub(<-stopped); lag > 200*time.Millisecond {
		t.Errorf("cancellation observed %v after stop, want within one slice", lag)
	}
}

func TestStep_SleepFullDuration(t *testing.T) {
	e := New(Config{SliceInterval: 30 * time.Millisecond})

	_, err := e.Run(context.Background(), "sleep", func(ctx context.Context, s *Step) (*Step, error) {
		start := time.Now()
		if err := s.Sleep(ctx, 100*time.Millisecond); err != nil {
			return nil, err
		}
		if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
			t.Errorf("expected at least 100ms, got %v", elapsed)
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEngine_ContextCancelled(t *testing.T) {
	e := New(fastConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := e.Run(ctx, "wait", func(context.Context, *Step) (*Step, error) {
		return nil, nil
	}, WithDelay(5*time.Second))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestEngine_StepErrorAndStore(t *testing.T) {
	store := NewMemoryStore()
	e := New(fastConfig(), WithStore(store))
	boom := errors.New("boom")

	_, err := e.Run(context.Background(), "first", func(ctx context.Context, s *Step) (*Step, error) {
		return s.Next("broken", func(context.Context, *Step) (*Step, error) {
			return nil, boom
		}, WithTag("checkout"), WithData(map[string]int{"attempt": 1}))
	})

	var serr *StepError
	if !errors.As(err, &serr) {
		t.Fatalf("expected *StepError, got %T", err)
	}
	if !errors.Is(err, boom) {
		t.Error("expected StepError to unwrap to the cause")
	}
	if serr.Impl != "broken" || serr.Tag != "checkout" {
		t.Errorf("unexpected step context %+v", serr)
	}
	if serr.Step == nil || serr.Step.Label != "broken" {
		t.Errorf("expected failing step attached, got %v", serr.Step)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(serr.Payload), &payload); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if payload["impl"] != "broken" || payload["error"] != "boom" {
		t.Errorf("unexpected payload %v", payload)
	}

	state := store.Snapshot()
	if state.Status != core.StatusError {
		t.Errorf("expected error status, got %s", state.Status)
	}
	if state.Error != serr.Payload {
		t.Errorf("expected store error to match payload, got %s", state.Error)
	}
}

func TestEngine_ImplPanic(t *testing.T) {
	e := New(fastConfig())

	_, err := e.Run(context.Background(), "panics", func(context.Context, *Step) (*Step, error) {
		panic("kaboom")
	})
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Errorf("expected panic converted to error, got %v", err)
	}
}

func TestEngine_CompletedState(t *testing.T) {
	store := NewMemoryStore()
	e := New(fastConfig(), WithStore(store))

	_, err := e.Run(context.Background(), "ok", func(context.Context, *Step) (*Step, error) {
		if store.Snapshot().Status != core.StatusRunning {
			t.Error("expected running status during run")
		}
		return nil, nil
	}, WithTag("tag"), WithData("d"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	state := store.Snapshot()
	if state.Status != core.StatusCompleted || state.Tag != "tag" || state.Data != "d" {
		t.Errorf("unexpected state %+v", state)
	}
}

func TestEngine_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	e := New(fastConfig(), WithMetrics(m))

	e.AddInterceptor(func(context.Context, *Step) (*Step, error) { return nil, errors.New("nope") })
	e.Run(context.Background(), "one", func(ctx context.Context, s *Step) (*Step, error) {
		return s.Next("two", func(context.Context, *Step) (*Step, error) { return nil, nil })
	})

	if n := counterValue(t, reg, "stepflow_runs_total"); n != 1 {
		t.Errorf("expected 1 completed run, got %v", n)
	}
	if n := counterValue(t, reg, "stepflow_interceptor_errors_total"); n != 2 {
		t.Errorf("expected 2 interceptor errors, got %v", n)
	}
	if n := testutil.CollectAndCount(reg, "stepflow_steps_total"); n != 2 {
		t.Errorf("expected 2 step label series, got %d", n)
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestEngine_ConcurrentStopIsSafe(t *testing.T) {
	e := New(fastConfig())
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Run(context.Background(), "loop", func(ctx context.Context, s *Step) (*Step, error) {
				return s.Repeat(WithDelay(time.Millisecond))
			}, WithRepeatCountMax(20))
		}()
	}
	for i := 0; i < 10; i++ {
		e.Stop()
		time.Sleep(time.Millisecond)
	}
	wg.Wait()
}

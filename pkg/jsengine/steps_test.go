package jsengine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/devicelab-dev/stepflow/pkg/bridge"
	"github.com/devicelab-dev/stepflow/pkg/bridge/mock"
	"github.com/devicelab-dev/stepflow/pkg/core"
	"github.com/devicelab-dev/stepflow/pkg/step"
	"github.com/devicelab-dev/stepflow/pkg/uia"
)

func newStepEngine(t *testing.T, script string) (*Engine, *step.Engine, *mock.Host) {
	t.Helper()
	host := mock.New(mock.Config{Screen: mock.DefaultScreen()})
	bc := bridge.NewClient(host, bridge.WithAsyncTimeout(time.Second))
	se := step.New(step.Config{SliceInterval: 20 * time.Millisecond},
		step.WithUI(uia.NewClient(bc.Sync()), uia.NewClient(bc.Async())))

	engine := New()
	t.Cleanup(engine.Close)
	engine.Bind(se)
	if err := engine.RunScript("test.js", script); err != nil {
		t.Fatalf("load script: %v", err)
	}
	return engine, se, host
}

func TestRunSteps_Chain(t *testing.T) {
	engine, _, host := newStepEngine(t, `
		function main(step) {
			output.first = step.label;
			const nodes = step.findByText("Login");
			if (nodes.length !== 1) throw new Error("expected one node");
			return step.next("tap", function(next) {
				output.clicked = next.click(nodes[0]);
				output.tag = next.tag;
				output.data = next.data.user;
				return null;
			});
		}
	`)

	last, err := engine.RunSteps(context.Background(), "main",
		step.WithTag("login"), step.WithData(map[string]interface{}{"user": "ana"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if last == nil || last.Label != "tap" {
		t.Fatalf("expected chain to end at tap, got %v", last)
	}

	out := engine.GetOutput()
	if out["first"] != "main" {
		t.Errorf("expected first label main, got %v", out["first"])
	}
	if out["clicked"] != true {
		t.Errorf("expected click to succeed, got %v", out["clicked"])
	}
	if out["tag"] != "login" {
		t.Errorf("expected tag carried forward, got %v", out["tag"])
	}
	if out["data"] != "ana" {
		t.Errorf("expected data carried forward, got %v", out["data"])
	}

	calls := host.Calls()
	if len(calls) != 2 || calls[0].Method != "findByText" || calls[1].Method != "click" {
		t.Errorf("unexpected bridge calls: %+v", calls)
	}
}

func TestRunSteps_RepeatUntilLimit(t *testing.T) {
	engine, _, _ := newStepEngine(t, `
		var calls = 0;
		function poll(step) {
			calls++;
			output.count = step.repeatCount;
			return step.repeat({repeatCountMax: 2});
		}
	`)

	if _, err := engine.RunSteps(context.Background(), "poll"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	calls, _ := engine.Eval("calls")
	if calls != int64(3) {
		t.Errorf("expected 3 executions, got %v", calls)
	}
}

func TestRunSteps_MissingEntry(t *testing.T) {
	engine, _, _ := newStepEngine(t, `var notAFunction = 1;`)

	for _, entry := range []string{"missing", "notAFunction"} {
		_, err := engine.RunSteps(context.Background(), entry)
		if !errors.Is(err, core.ErrScriptEntry) {
			t.Errorf("%s: expected ErrScriptEntry, got %v", entry, err)
		}
	}
}

func TestRunSteps_Unbound(t *testing.T) {
	engine := New()
	defer engine.Close()

	_, err := engine.RunSteps(context.Background(), "main")
	if !errors.Is(err, core.ErrScriptEntry) {
		t.Errorf("expected ErrScriptEntry, got %v", err)
	}
}

func TestRunSteps_Errors(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   error
	}{
		{"bad return value", `function main(step) { return 42; }`, core.ErrScriptResult},
		{"thrown error", `function main(step) { throw new Error("boom"); }`, core.ErrScriptFailed},
		{"go error preserved", `function main(step) { step.click(null); }`, core.ErrCallFailed},
		{"stop inside step", `function main(step) {
			stepflow.stop();
			return step.next("never", function() { output.ran = true; });
		}`, core.ErrRunMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, _, _ := newStepEngine(t, tt.script)
			_, err := engine.RunSteps(context.Background(), "main")
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			var serr *step.StepError
			if !errors.As(err, &serr) {
				t.Errorf("expected StepError, got %T", err)
			}
			if _, ran := engine.GetOutput()["ran"]; ran {
				t.Error("next step should not have run")
			}
		})
	}
}

func TestRunSteps_CancelInterruptsDelay(t *testing.T) {
	engine, _, _ := newStepEngine(t, `
		function main(step) {
			step.delay(5000);
			output.ran = true;
		}
	`)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := engine.RunSteps(ctx, "main")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancel took too long: %v", elapsed)
	}
	if _, ran := engine.GetOutput()["ran"]; ran {
		t.Error("code after delay should not have run")
	}
}

func TestRunSteps_CancelInterruptsScript(t *testing.T) {
	engine, _, _ := newStepEngine(t, `function main(step) { for (;;) {} }`)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := engine.RunSteps(ctx, "main")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}

	// The runtime is usable again afterwards.
	if _, err := engine.Eval("1 + 1"); err != nil {
		t.Errorf("runtime still interrupted: %v", err)
	}
}

func TestRunSteps_Interceptor(t *testing.T) {
	engine, se, _ := newStepEngine(t, `
		var seen = 0;
		var id = stepflow.addInterceptor(function(step) {
			if (step.label !== "main") return null;
			seen++;
			return step.next("dismiss", function(alt) {
				output.dismissed = alt.back();
				return null;
			});
		});
		function main(step) {
			output.main = true;
			return null;
		}
	`)

	if got := len(se.Interceptors()); got != 1 {
		t.Fatalf("expected 1 interceptor, got %d", got)
	}
	if _, err := engine.RunSteps(context.Background(), "main"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := engine.GetOutput()
	if out["dismissed"] != true {
		t.Errorf("expected interceptor step to run, got %v", out["dismissed"])
	}
	if _, ran := out["main"]; ran {
		t.Error("intercepted step should not have run")
	}

	removed, err := engine.Eval("stepflow.removeInterceptor(id)")
	if err != nil || removed != true {
		t.Fatalf("expected removal, got %v %v", removed, err)
	}
	again, _ := engine.Eval("stepflow.removeInterceptor(id)")
	if again != false {
		t.Errorf("second removal should report false, got %v", again)
	}
	if got := len(se.Interceptors()); got != 0 {
		t.Errorf("expected no interceptors, got %d", got)
	}

	if _, err := engine.RunSteps(context.Background(), "main"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if engine.GetOutput()["main"] != true {
		t.Error("main should run once the interceptor is removed")
	}
}

func TestRunSteps_AwaitAndAccessors(t *testing.T) {
	engine, se, _ := newStepEngine(t, `
		function main(step) {
			output.runId = step.runId;
			output.current = stepflow.currentId;
			output.awaited = step.await(function() { return 7; });
			step.assert();
			output.delayMs = step.delayMs;
			output.packageName = step.async.getPackageName();
			return null;
		}
	`)

	last, err := engine.RunSteps(context.Background(), "main", step.WithDelay(30*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := engine.GetOutput()
	if out["runId"] != string(last.RunID()) || out["current"] != out["runId"] {
		t.Errorf("run id mismatch: %v / %v / %s", out["runId"], out["current"], last.RunID())
	}
	if out["awaited"] != int64(7) {
		t.Errorf("expected awaited 7, got %v", out["awaited"])
	}
	if out["delayMs"] != int64(30) {
		t.Errorf("expected delayMs 30, got %v", out["delayMs"])
	}
	if out["packageName"] != "com.example.mock" {
		t.Errorf("unexpected package name %v", out["packageName"])
	}
	if se.CurrentID() != last.RunID() {
		t.Errorf("completed run should stay current")
	}
}

func TestRunSteps_NodeScopedBindings(t *testing.T) {
	engine, _, host := newStepEngine(t, `
		function main(step) {
			const login = step.findById("com.example.mock:id/login")[0];
			output.scoped = step.findByTextIn(login, "Login").length;
			output.descendants = step.getNodes(login).length;
			output.parent = step.findFirstParentByTags(login, "android.widget.EditText").nodeId;
			output.clickable = step.findFirstParentClickable(login).nodeId;
			output.visible = step.isVisible(login, {compareNode: login, isFullyByCompareNode: true});
			output.focused = step.focus(login);
			output.pasted = step.paste(login, "hi");
			output.selected = step.selectionText(login, 0, 2);
			output.tapped = step.nodeGestureClick(login, {offsetX: 4, clickDuration: 50});
			output.gesture = step.gestureClick(10, 20, 50);
			output.flags = step.setOverlayFlags(16);
			output.qr = step.scanQR();
			output.timedPkg = step.async.withTimeout(500).getPackageName();
			return null;
		}
	`)

	if _, err := engine.RunSteps(context.Background(), "main"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := engine.GetOutput()
	want := map[string]interface{}{
		"scoped":      int64(1),
		"descendants": int64(3),
		"parent":      "2",
		"clickable":   "3",
		"visible":     true,
		"focused":     true,
		"pasted":      true,
		"selected":    true,
		"tapped":      true,
		"gesture":     true,
		"flags":       true,
		"qr":          "",
		"timedPkg":    "com.example.mock",
	}
	for k, v := range want {
		if out[k] != v {
			t.Errorf("%s: expected %v (%T), got %v (%T)", k, v, v, out[k], out[k])
		}
	}

	for _, c := range host.Calls() {
		if c.Method == bridge.MethodIsVisible {
			if cmp, _ := c.Arguments["compareNode"].(map[string]interface{}); cmp["nodeId"] != "3" {
				t.Errorf("expected compareNode in isVisible request, got %v", c.Arguments)
			}
		}
	}
}

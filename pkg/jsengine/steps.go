package jsengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/devicelab-dev/stepflow/pkg/core"
	"github.com/devicelab-dev/stepflow/pkg/logger"
	"github.com/devicelab-dev/stepflow/pkg/step"
	"github.com/devicelab-dev/stepflow/pkg/uia"
)

// hiddenStep is the non-enumerable property linking a JS step object to
// its Go step.
const hiddenStep = "__step"

// stepBinding connects the runtime to a step engine.
type stepBinding struct {
	engine *step.Engine
	ctx    context.Context // context of the executing step, nil between runs

	mu            sync.Mutex
	nextID        int64
	registrations map[int64]*step.Registration
}

// Bind exposes se to scripts through the global stepflow object:
//
//	stepflow.addInterceptor(fn) -> id
//	stepflow.removeInterceptor(id) -> bool
//	stepflow.clearInterceptors()
//	stepflow.stop()
//	stepflow.currentId
func (e *Engine) Bind(se *step.Engine) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b := &stepBinding{engine: se, registrations: make(map[int64]*step.Registration)}
	e.steps = b

	obj := e.runtime.NewObject()
	obj.Set("addInterceptor", func(fn goja.Value) int64 {
		callable, ok := goja.AssertFunction(fn)
		if !ok {
			panic(e.runtime.NewTypeError("addInterceptor requires a function"))
		}
		reg := se.AddInterceptor(func(ctx context.Context, s *step.Step) (*step.Step, error) {
			v, err := callable(goja.Undefined(), e.wrapStep(ctx, s))
			if err != nil {
				return nil, unwrapJSError(err)
			}
			return unwrapStep(v)
		})
		b.mu.Lock()
		defer b.mu.Unlock()
		b.nextID++
		b.registrations[b.nextID] = reg
		return b.nextID
	})
	obj.Set("removeInterceptor", func(id int64) bool {
		b.mu.Lock()
		reg, ok := b.registrations[id]
		delete(b.registrations, id)
		b.mu.Unlock()
		return ok && se.RemoveInterceptor(reg)
	})
	obj.Set("clearInterceptors", func() {
		b.mu.Lock()
		b.registrations = make(map[int64]*step.Registration)
		b.mu.Unlock()
		se.ClearInterceptors()
	})
	obj.Set("stop", func() { se.Stop() })
	obj.DefineAccessorProperty("currentId", e.runtime.ToValue(func() string {
		return string(se.CurrentID())
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)

	e.runtime.Set("stepflow", obj)
}

// RunSteps starts a run whose first step is the global function entry.
// The runtime is locked for the whole run; a cancelled ctx interrupts any
// script code that is executing.
func (e *Engine) RunSteps(ctx context.Context, entry string, opts ...step.StepOption) (*step.Step, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.steps == nil {
		return nil, core.ErrScriptEntry.WithMessage("no step engine bound")
	}
	fn, ok := goja.AssertFunction(e.runtime.Get(entry))
	if !ok {
		return nil, core.ErrScriptEntry.WithDetails(map[string]interface{}{"entry": entry})
	}

	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		e.runtime.Interrupt(ctx.Err())
		close(interrupted)
	})
	defer func() {
		if !stop() {
			<-interrupted
		}
		e.runtime.ClearInterrupt()
		e.steps.ctx = nil
	}()

	return e.steps.engine.Run(ctx, entry, e.impl(fn), opts...)
}

// impl adapts a JS function to a step implementation.
func (e *Engine) impl(fn goja.Callable) step.Impl {
	return func(ctx context.Context, s *step.Step) (*step.Step, error) {
		v, err := fn(goja.Undefined(), e.wrapStep(ctx, s))
		if err != nil {
			return nil, unwrapJSError(err)
		}
		return unwrapStep(v)
	}
}

// wrapStep builds the JS view of s. Facade calls made through it use ctx.
func (e *Engine) wrapStep(ctx context.Context, s *step.Step) *goja.Object {
	rt := e.runtime
	e.steps.ctx = ctx

	obj := rt.NewObject()
	obj.DefineDataProperty(hiddenStep, rt.ToValue(s), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE)

	accessor := func(name string, get func() interface{}) {
		obj.DefineAccessorProperty(name, rt.ToValue(get), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	}
	accessor("label", func() interface{} { return s.Label })
	accessor("tag", func() interface{} { return s.Tag })
	accessor("data", func() interface{} { return s.Data })
	accessor("delayMs", func() interface{} { return s.Delay.Milliseconds() })
	accessor("repeatCount", func() interface{} { return s.RepeatCount })
	accessor("repeatCountMax", func() interface{} { return s.RepeatCountMax })
	accessor("runId", func() interface{} { return string(s.RunID()) })

	obj.Set("next", func(label string, fn goja.Value, opts map[string]interface{}) (*goja.Object, error) {
		callable, ok := goja.AssertFunction(fn)
		if !ok {
			return nil, core.ErrNilImpl.WithDetails(map[string]interface{}{"label": label})
		}
		n, err := s.Next(label, e.impl(callable), stepOptions(opts)...)
		if err != nil {
			return nil, err
		}
		return e.wrapStep(ctx, n), nil
	})
	obj.Set("repeat", func(opts map[string]interface{}) (*goja.Object, error) {
		if _, err := s.Repeat(stepOptions(opts)...); err != nil {
			return nil, err
		}
		return obj, nil
	})
	obj.Set("delay", func(ms int64) error {
		return s.Sleep(ctx, time.Duration(ms)*time.Millisecond)
	})
	obj.Set("assert", func() error {
		return s.Assert()
	})
	obj.Set("await", func(fn goja.Value) (goja.Value, error) {
		callable, ok := goja.AssertFunction(fn)
		if !ok {
			return nil, fmt.Errorf("await requires a function")
		}
		return step.Await(ctx, s, func(context.Context) (goja.Value, error) {
			v, err := callable(goja.Undefined())
			if err != nil {
				return nil, unwrapJSError(err)
			}
			return v, nil
		})
	})

	bindFacade(rt, obj, ctx, &s.Facade)
	obj.DefineAccessorProperty("async", rt.ToValue(func() *goja.Object {
		async := rt.NewObject()
		bindFacade(rt, async, ctx, s.Async())
		return async
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)

	return obj
}

// bindFacade exposes the automation API on obj. Durations are milliseconds.
func bindFacade(rt *goja.Runtime, obj *goja.Object, ctx context.Context, f *step.Facade) {
	ms := func(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

	obj.Set("withTimeout", func(timeout int64) *goja.Object {
		o := rt.NewObject()
		bindFacade(rt, o, ctx, f.WithTimeout(ms(timeout)))
		return o
	})

	obj.Set("getAllNodes", func(filter map[string]interface{}) ([]*uia.Node, error) {
		return f.GetAllNodes(ctx, toFilter(filter))
	})
	obj.Set("findById", func(id string, filter map[string]interface{}) ([]*uia.Node, error) {
		return f.FindByID(ctx, id, toFilter(filter))
	})
	obj.Set("findByText", func(text string, filter map[string]interface{}) ([]*uia.Node, error) {
		return f.FindByText(ctx, text, toFilter(filter))
	})
	obj.Set("findByTags", func(className string, filter map[string]interface{}) ([]*uia.Node, error) {
		return f.FindByTags(ctx, className, toFilter(filter))
	})
	obj.Set("findByTextAllMatch", func(text string) ([]*uia.Node, error) {
		return f.FindByTextAllMatch(ctx, text)
	})
	obj.Set("findByIdIn", func(scope *uia.Node, id string, filter map[string]interface{}) ([]*uia.Node, error) {
		return f.FindByIDIn(ctx, scope, id, toFilter(filter))
	})
	obj.Set("findByTextIn", func(scope *uia.Node, text string, filter map[string]interface{}) ([]*uia.Node, error) {
		return f.FindByTextIn(ctx, scope, text, toFilter(filter))
	})
	obj.Set("findByTagsIn", func(scope *uia.Node, className string, filter map[string]interface{}) ([]*uia.Node, error) {
		return f.FindByTagsIn(ctx, scope, className, toFilter(filter))
	})
	obj.Set("getChildren", func(n *uia.Node) ([]*uia.Node, error) {
		return f.GetChildren(ctx, n)
	})
	obj.Set("getNodes", func(n *uia.Node) ([]*uia.Node, error) {
		return f.GetNodes(ctx, n)
	})
	obj.Set("findFirstParentByTags", func(n *uia.Node, className string) (*uia.Node, error) {
		return f.FindFirstParentByTags(ctx, n, className)
	})
	obj.Set("findFirstParentClickable", func(n *uia.Node) (*uia.Node, error) {
		return f.FindFirstParentClickable(ctx, n)
	})
	obj.Set("isVisible", func(n *uia.Node, opts map[string]interface{}) (bool, error) {
		compare, _ := opts["compareNode"].(*uia.Node)
		fully, _ := opts["isFullyByCompareNode"].(bool)
		return f.IsVisible(ctx, n, compare, fully)
	})
	obj.Set("containsText", func(text string) (bool, error) {
		return f.ContainsText(ctx, text)
	})
	obj.Set("getAllText", func() ([]string, error) {
		return f.GetAllText(ctx)
	})
	obj.Set("launchApp", func(pkg string) (bool, error) {
		return f.LaunchApp(ctx, pkg)
	})
	obj.Set("getPackageName", func() (string, error) {
		return f.GetPackageName(ctx)
	})
	obj.Set("click", func(n *uia.Node) (bool, error) {
		return f.Click(ctx, n)
	})
	obj.Set("longClick", func(n *uia.Node) (bool, error) {
		return f.LongClick(ctx, n)
	})
	obj.Set("scrollForward", func(n *uia.Node) (bool, error) {
		return f.ScrollForward(ctx, n)
	})
	obj.Set("scrollBackward", func(n *uia.Node) (bool, error) {
		return f.ScrollBackward(ctx, n)
	})
	obj.Set("setNodeText", func(n *uia.Node, text string) (bool, error) {
		return f.SetNodeText(ctx, n, text)
	})
	obj.Set("focus", func(n *uia.Node) (bool, error) {
		return f.Focus(ctx, n)
	})
	obj.Set("paste", func(n *uia.Node, text string) (bool, error) {
		return f.Paste(ctx, n, text)
	})
	obj.Set("selectionText", func(n *uia.Node, start, end int) (bool, error) {
		return f.SelectionText(ctx, n, start, end)
	})
	obj.Set("nodeGestureClick", func(n *uia.Node, opts map[string]interface{}) (bool, error) {
		return f.NodeGestureClick(ctx, n, uia.GestureClickOptions{
			OffsetX:                   floatOpt(opts, "offsetX"),
			OffsetY:                   floatOpt(opts, "offsetY"),
			SwitchWindowIntervalDelay: ms(intOpt(opts, "switchWindowIntervalDelay")),
			ClickDuration:             ms(intOpt(opts, "clickDuration")),
		})
	})
	obj.Set("getBoundsInScreen", func(n *uia.Node) (uia.Bounds, error) {
		return f.GetBoundsInScreen(ctx, n)
	})
	obj.Set("gestureClick", func(x, y float64, duration int64) (bool, error) {
		return f.GestureClick(ctx, x, y, ms(duration))
	})
	obj.Set("clickByGesture", func(x, y float64, duration int64) (bool, error) {
		return f.ClickByGesture(ctx, x, y, ms(duration))
	})
	obj.Set("performLinearGesture", func(start, end uia.Point, duration int64) (bool, error) {
		return f.PerformLinearGesture(ctx, start, end, ms(duration))
	})
	obj.Set("longPressGestureAutoPaste", func(p uia.Point, text string, opts map[string]interface{}) (bool, error) {
		return f.LongPressGestureAutoPaste(ctx, p, text, uia.AutoPasteOptions{
			MatchedPackageName: stringOpt(opts, "matchedPackageName"),
			MatchedText:        stringOpt(opts, "matchedText"),
			Timeout:            ms(intOpt(opts, "timeoutMillis")),
			LongPressDuration:  ms(intOpt(opts, "longPressDuration")),
		})
	})
	obj.Set("back", func() (bool, error) { return f.Back(ctx) })
	obj.Set("home", func() (bool, error) { return f.Home(ctx) })
	obj.Set("notifications", func() (bool, error) { return f.Notifications(ctx) })
	obj.Set("recentApps", func() (bool, error) { return f.RecentApps(ctx) })
	obj.Set("getScreenSize", func() (uia.ScreenSize, error) { return f.GetScreenSize(ctx) })
	obj.Set("getAppScreenSize", func() (uia.ScreenSize, error) { return f.GetAppScreenSize(ctx) })
	obj.Set("getAppInfo", func(pkg string) (uia.AppInfo, error) {
		return f.GetAppInfo(ctx, pkg)
	})
	obj.Set("takeScreenshotNodes", func(nodes []*uia.Node, delay int64) ([]string, error) {
		return f.TakeScreenshotNodes(ctx, nodes, ms(delay))
	})
	obj.Set("takeScreenshotByNode", func(n *uia.Node, delay int64) (string, error) {
		return f.TakeScreenshotByNode(ctx, n, ms(delay))
	})
	obj.Set("overlayToast", func(text string, duration int64) (bool, error) {
		return f.OverlayToast(ctx, text, ms(duration))
	})
	obj.Set("setOverlayFlags", func(flags ...int) (bool, error) {
		return f.SetOverlayFlags(ctx, flags...)
	})
	obj.Set("scanQR", func() (string, error) {
		return f.ScanQR(ctx)
	})
}

// unwrapStep maps a step function's return value back to a Go step.
func unwrapStep(v goja.Value) (*step.Step, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	if obj, ok := v.(*goja.Object); ok {
		if h := obj.Get(hiddenStep); h != nil {
			if s, ok := h.Export().(*step.Step); ok {
				return s, nil
			}
		}
	}
	return nil, core.ErrScriptResult.WithDetails(map[string]interface{}{"value": v.String()})
}

// unwrapJSError recovers the Go error behind a JS exception, so errors.Is
// keeps working across the script boundary.
func unwrapJSError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok {
			return cause
		}
		return err
	}

	var ex *goja.Exception
	if errors.As(err, &ex) {
		if obj, ok := ex.Value().(*goja.Object); ok {
			if v := obj.Get("value"); v != nil {
				if cause, ok := v.Export().(error); ok {
					return cause
				}
			}
		}
		logger.Debug("js: exception: %s", ex.String())
		return core.ErrScriptFailed.WithMessage(ex.Error())
	}
	return err
}

func stepOptions(opts map[string]interface{}) []step.StepOption {
	if opts == nil {
		return nil
	}
	var out []step.StepOption
	if v, ok := opts["tag"]; ok && v != nil {
		out = append(out, step.WithTag(fmt.Sprint(v)))
	}
	if v, ok := opts["data"]; ok {
		out = append(out, step.WithData(v))
	}
	if _, ok := opts["delayMs"]; ok {
		out = append(out, step.WithDelay(time.Duration(intOpt(opts, "delayMs"))*time.Millisecond))
	}
	if _, ok := opts["repeatCountMax"]; ok {
		out = append(out, step.WithRepeatCountMax(int(intOpt(opts, "repeatCountMax"))))
	}
	return out
}

func toFilter(m map[string]interface{}) uia.Filter {
	return uia.Filter{
		Class:  stringOpt(m, "filterClass"),
		ViewID: stringOpt(m, "filterViewId"),
		Des:    stringOpt(m, "filterDes"),
		Text:   stringOpt(m, "filterText"),
	}
}

func stringOpt(m map[string]interface{}, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func floatOpt(m map[string]interface{}, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

func intOpt(m map[string]interface{}, key string) int64 {
	switch v := m[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

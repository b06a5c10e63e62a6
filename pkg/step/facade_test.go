package step

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/devicelab-dev/stepflow/pkg/bridge"
	"github.com/devicelab-dev/stepflow/pkg/bridge/mock"
	"github.com/devicelab-dev/stepflow/pkg/core"
	"github.com/devicelab-dev/stepflow/pkg/uia"
)

func newFacadeEngine(cfg mock.Config) (*Engine, *mock.Host) {
	if cfg.Screen == nil {
		cfg.Screen = mock.DefaultScreen()
	}
	host := mock.New(cfg)
	bc := bridge.NewClient(host, bridge.WithAsyncTimeout(time.Second))
	e := New(fastConfig(), WithUI(uia.NewClient(bc.Sync()), uia.NewClient(bc.Async())))
	return e, host
}

func TestFacade_StampsNodes(t *testing.T) {
	e, _ := newFacadeEngine(mock.Config{})

	_, err := e.Run(context.Background(), "find", func(ctx context.Context, s *Step) (*Step, error) {
		nodes, err := s.FindByText(ctx, "Login", uia.Filter{})
		if err != nil {
			return nil, err
		}
		if len(nodes) != 1 {
			t.Fatalf("expected 1 node, got %d", len(nodes))
		}
		if nodes[0].StepID != string(s.RunID()) {
			t.Errorf("expected node stamped with %s, got %s", s.RunID(), nodes[0].StepID)
		}
		ok, err := s.Click(ctx, nodes[0])
		if err != nil || !ok {
			t.Errorf("click failed: %v %v", ok, err)
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFacade_RejectsNodesFromOtherRun(t *testing.T) {
	e, host := newFacadeEngine(mock.Config{})
	var stale *uia.Node

	e.Run(context.Background(), "first", func(ctx context.Context, s *Step) (*Step, error) {
		nodes, err := s.GetAllNodes(ctx, uia.Filter{})
		if err != nil {
			return nil, err
		}
		stale = nodes[0]
		return nil, nil
	})

	calls := host.CallCount()
	_, err := e.Run(context.Background(), "second", func(ctx context.Context, s *Step) (*Step, error) {
		_, err := s.Click(ctx, stale)
		return nil, err
	})
	if !errors.Is(err, core.ErrRunMismatch) {
		t.Fatalf("expected ErrRunMismatch for stale node, got %v", err)
	}
	if host.CallCount() != calls {
		t.Error("stale node call should not reach the bridge")
	}
}

func TestFacade_StopDuringCallDiscardsResult(t *testing.T) {
	e, host := newFacadeEngine(mock.Config{})
	host.Handle(bridge.MethodGetPackageName, func(mock.Request) (interface{}, error) {
		e.Stop()
		return "com.example", nil
	})

	var got string
	_, err := e.Run(context.Background(), "pkg", func(ctx context.Context, s *Step) (*Step, error) {
		pkg, err := s.GetPackageName(ctx)
		got = pkg
		return nil, err
	})
	if !errors.Is(err, core.ErrRunMismatch) {
		t.Fatalf("expected ErrRunMismatch, got %v", err)
	}
	if got != "" {
		t.Errorf("stale result leaked to the caller: %s", got)
	}
}

func TestFacade_BridgeFailurePropagates(t *testing.T) {
	e, _ := newFacadeEngine(mock.Config{FailOnCall: 1})

	_, err := e.Run(context.Background(), "home", func(ctx context.Context, s *Step) (*Step, error) {
		_, err := s.Home(ctx)
		return nil, err
	})
	if !errors.Is(err, core.ErrCallFailed) {
		t.Fatalf("expected ErrCallFailed, got %v", err)
	}
	var serr *StepError
	if !errors.As(err, &serr) || serr.Impl != "home" {
		t.Errorf("expected StepError for home, got %v", err)
	}
}

func TestFacade_Async(t *testing.T) {
	e, host := newFacadeEngine(mock.Config{})

	_, err := e.Run(context.Background(), "shots", func(ctx context.Context, s *Step) (*Step, error) {
		nodes, err := s.Async().FindByTags(ctx, "android.widget.Button", uia.Filter{})
		if err != nil {
			return nil, err
		}
		path, err := s.Async().TakeScreenshotByNode(ctx, nodes[0], 0)
		if err != nil {
			return nil, err
		}
		if path == "" {
			t.Error("expected screenshot path")
		}
		info, err := s.Async().GetAppInfo(ctx, "com.example")
		if err != nil {
			return nil, err
		}
		if info.PackageName != "com.example" {
			t.Errorf("unexpected app info %+v", info)
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, c := range host.Calls() {
		if c.CallbackID == "" {
			t.Errorf("expected async call for %s", c.Method)
		}
	}
}

func TestFacade_NodeScopedOperations(t *testing.T) {
	e, host := newFacadeEngine(mock.Config{})

	_, err := e.Run(context.Background(), "nodes", func(ctx context.Context, s *Step) (*Step, error) {
		nodes, err := s.FindByID(ctx, "com.example.mock:id/login", uia.Filter{})
		if err != nil {
			return nil, err
		}
		login := nodes[0]
		id := string(s.RunID())

		scoped, err := s.FindByTextIn(ctx, login, "Login", uia.Filter{})
		if err != nil || len(scoped) != 1 || scoped[0].StepID != id {
			t.Errorf("FindByTextIn: %v %v", scoped, err)
		}
		if _, err := s.FindByIDIn(ctx, login, "com.example.mock:id/login", uia.Filter{}); err != nil {
			t.Errorf("FindByIDIn: %v", err)
		}
		if _, err := s.FindByTagsIn(ctx, login, "android.widget.Button", uia.Filter{}); err != nil {
			t.Errorf("FindByTagsIn: %v", err)
		}
		all, err := s.GetNodes(ctx, login)
		if err != nil || len(all) != 3 || all[2].StepID != id {
			t.Errorf("GetNodes: %d nodes, %v", len(all), err)
		}
		parent, err := s.FindFirstParentByTags(ctx, login, "android.widget.EditText")
		if err != nil || parent.NodeID != "2" || parent.StepID != id {
			t.Errorf("FindFirstParentByTags: %+v %v", parent, err)
		}
		clickable, err := s.FindFirstParentClickable(ctx, login)
		if err != nil || clickable.NodeID != "3" || clickable.StepID != id {
			t.Errorf("FindFirstParentClickable: %+v %v", clickable, err)
		}

		actions := []struct {
			name string
			fn   func() (bool, error)
		}{
			{"isVisible", func() (bool, error) { return s.IsVisible(ctx, login, parent, true) }},
			{"focus", func() (bool, error) { return s.Focus(ctx, login) }},
			{"paste", func() (bool, error) { return s.Paste(ctx, login, "hello") }},
			{"selectionText", func() (bool, error) { return s.SelectionText(ctx, login, 0, 3) }},
			{"nodeGestureClick", func() (bool, error) {
				return s.NodeGestureClick(ctx, login, uia.GestureClickOptions{OffsetX: 5})
			}},
			{"gestureClick", func() (bool, error) { return s.GestureClick(ctx, 10, 20, 0) }},
			{"setOverlayFlags", func() (bool, error) { return s.SetOverlayFlags(ctx, 16) }},
		}
		for _, a := range actions {
			if ok, err := a.fn(); err != nil || !ok {
				t.Errorf("%s: %v %v", a.name, ok, err)
			}
		}
		if _, err := s.ScanQR(ctx); err != nil {
			t.Errorf("ScanQR: %v", err)
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	scopedMethods := map[string]bool{
		bridge.MethodFindByText: true, bridge.MethodGetNodes: true, bridge.MethodPaste: true,
		bridge.MethodFindFirstParentByTags: true, bridge.MethodIsVisible: true,
	}
	for _, c := range host.Calls()[1:] {
		if scopedMethods[c.Method] && c.Node["nodeId"] != "3" {
			t.Errorf("%s: expected node 3 in request, got %v", c.Method, c.Node)
		}
	}
}

func TestFacade_NodeScopedCallsRejectStaleNodes(t *testing.T) {
	e, host := newFacadeEngine(mock.Config{})
	var stale *uia.Node

	e.Run(context.Background(), "first", func(ctx context.Context, s *Step) (*Step, error) {
		nodes, err := s.GetAllNodes(ctx, uia.Filter{})
		if err != nil {
			return nil, err
		}
		stale = nodes[0]
		return nil, nil
	})

	calls := host.CallCount()
	tests := []struct {
		name string
		fn   func(ctx context.Context, s *Step) error
	}{
		{"FindByTextIn", func(ctx context.Context, s *Step) error {
			_, err := s.FindByTextIn(ctx, stale, "Login", uia.Filter{})
			return err
		}},
		{"GetNodes", func(ctx context.Context, s *Step) error {
			_, err := s.GetNodes(ctx, stale)
			return err
		}},
		{"FindFirstParentClickable", func(ctx context.Context, s *Step) error {
			_, err := s.FindFirstParentClickable(ctx, stale)
			return err
		}},
		{"IsVisibleCompare", func(ctx context.Context, s *Step) error {
			nodes, err := s.GetAllNodes(ctx, uia.Filter{})
			if err != nil {
				return err
			}
			calls++
			_, err = s.IsVisible(ctx, nodes[0], stale, false)
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Run(context.Background(), tt.name, func(ctx context.Context, s *Step) (*Step, error) {
				return nil, tt.fn(ctx, s)
			})
			if !errors.Is(err, core.ErrRunMismatch) {
				t.Fatalf("expected ErrRunMismatch, got %v", err)
			}
			if host.CallCount() != calls {
				t.Errorf("stale node call reached the bridge")
			}
		})
	}
}

func TestFacade_AsyncPerCallTimeout(t *testing.T) {
	e, _ := newFacadeEngine(mock.Config{DropCallbacks: true})

	start := time.Now()
	_, err := e.Run(context.Background(), "timeout", func(ctx context.Context, s *Step) (*Step, error) {
		pkg, err := s.Async().WithTimeout(50*time.Millisecond).GetPackageName(ctx)
		if err != nil {
			return nil, err
		}
		if pkg != "" {
			t.Errorf("expected empty package on timeout, got %q", pkg)
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The client default is one second.
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("per-call timeout not applied, took %v", elapsed)
	}
}

func TestFacade_NoBridge(t *testing.T) {
	e := New(fastConfig())

	_, err := e.Run(context.Background(), "back", func(ctx context.Context, s *Step) (*Step, error) {
		_, err := s.Back(ctx)
		return nil, err
	})
	if !errors.Is(err, core.ErrCallFailed) {
		t.Errorf("expected ErrCallFailed without bridge, got %v", err)
	}
}

func TestAwait(t *testing.T) {
	e := New(fastConfig())

	_, err := e.Run(context.Background(), "await", func(ctx context.Context, s *Step) (*Step, error) {
		v, err := Await(ctx, s, func(context.Context) (int, error) { return 7, nil })
		if err != nil || v != 7 {
			t.Errorf("expected 7, got %d %v", v, err)
		}

		_, err = Await(ctx, s, func(context.Context) (int, error) {
			e.Stop()
			return 8, nil
		})
		return nil, err
	})
	if !errors.Is(err, core.ErrRunMismatch) {
		t.Errorf("expected ErrRunMismatch after stop inside await, got %v", err)
	}
}

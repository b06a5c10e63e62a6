package step

import (
	"context"
	"time"

	"github.com/devicelab-dev/stepflow/pkg/core"
	"github.com/devicelab-dev/stepflow/pkg/uia"
)

// Facade exposes the automation API bound to a step. Every call checks the
// run identity before and after the bridge round trip, and nodes it returns
// are stamped with the run identity. Calls that take a node also reject
// nodes produced by another run.
type Facade struct {
	step    *Step
	async   bool
	timeout time.Duration
}

// WithTimeout returns a copy of f whose async calls wait d for their
// callback instead of the client default. Sync calls ignore it.
func (f *Facade) WithTimeout(d time.Duration) *Facade {
	cp := *f
	cp.timeout = d
	return &cp
}

func (f *Facade) client() (*uia.Client, error) {
	e := f.step.engine
	c := e.ui
	if f.async {
		c = e.uiAsync
	}
	if c == nil {
		mode := "sync"
		if f.async {
			mode = "async"
		}
		return nil, core.ErrCallFailed.WithMessage("no " + mode + " bridge configured")
	}
	if f.timeout > 0 {
		c = c.WithTimeout(f.timeout)
	}
	return c, nil
}

func call[T any](ctx context.Context, f *Facade, fn func(ctx context.Context, c *uia.Client) (T, error)) (T, error) {
	c, err := f.client()
	if err != nil {
		var zero T
		return zero, err
	}
	return Await(ctx, f.step, func(ctx context.Context) (T, error) { return fn(ctx, c) })
}

func (f *Facade) nodes(ctx context.Context, fn func(ctx context.Context, c *uia.Client) ([]*uia.Node, error)) ([]*uia.Node, error) {
	nodes, err := call(ctx, f, fn)
	if err != nil {
		return nil, err
	}
	uia.AssignIDs(nodes, string(f.step.runID))
	return nodes, nil
}

func (f *Facade) node(ctx context.Context, fn func(ctx context.Context, c *uia.Client) (*uia.Node, error)) (*uia.Node, error) {
	n, err := call(ctx, f, fn)
	if err != nil {
		return nil, err
	}
	uia.AssignIDs([]*uia.Node{n}, string(f.step.runID))
	return n, nil
}

func (f *Facade) withNode(n *uia.Node) error {
	if n == nil {
		return core.ErrCallFailed.WithMessage("nil node")
	}
	return f.step.engine.Assert(RunID(n.StepID))
}

// GetAllNodes returns every node on screen matching filter.
func (f *Facade) GetAllNodes(ctx context.Context, filter uia.Filter) ([]*uia.Node, error) {
	return f.nodes(ctx, func(ctx context.Context, c *uia.Client) ([]*uia.Node, error) {
		return c.GetAllNodes(ctx, filter)
	})
}

// FindByID returns nodes with the given view id.
func (f *Facade) FindByID(ctx context.Context, id string, filter uia.Filter) ([]*uia.Node, error) {
	return f.nodes(ctx, func(ctx context.Context, c *uia.Client) ([]*uia.Node, error) {
		return c.FindByID(ctx, id, filter, nil)
	})
}

// FindByText returns nodes whose text contains text.
func (f *Facade) FindByText(ctx context.Context, text string, filter uia.Filter) ([]*uia.Node, error) {
	return f.nodes(ctx, func(ctx context.Context, c *uia.Client) ([]*uia.Node, error) {
		return c.FindByText(ctx, text, filter, nil)
	})
}

// FindByTags returns nodes of the given class.
func (f *Facade) FindByTags(ctx context.Context, className string, filter uia.Filter) ([]*uia.Node, error) {
	return f.nodes(ctx, func(ctx context.Context, c *uia.Client) ([]*uia.Node, error) {
		return c.FindByTags(ctx, className, filter, nil)
	})
}

// FindByIDIn searches the subtree of scope for nodes with the given view id.
func (f *Facade) FindByIDIn(ctx context.Context, scope *uia.Node, id string, filter uia.Filter) ([]*uia.Node, error) {
	if err := f.withNode(scope); err != nil {
		return nil, err
	}
	return f.nodes(ctx, func(ctx context.Context, c *uia.Client) ([]*uia.Node, error) {
		return c.FindByID(ctx, id, filter, scope)
	})
}

// FindByTextIn searches the subtree of scope for nodes containing text.
func (f *Facade) FindByTextIn(ctx context.Context, scope *uia.Node, text string, filter uia.Filter) ([]*uia.Node, error) {
	if err := f.withNode(scope); err != nil {
		return nil, err
	}
	return f.nodes(ctx, func(ctx context.Context, c *uia.Client) ([]*uia.Node, error) {
		return c.FindByText(ctx, text, filter, scope)
	})
}

// FindByTagsIn searches the subtree of scope for nodes of the given class.
func (f *Facade) FindByTagsIn(ctx context.Context, scope *uia.Node, className string, filter uia.Filter) ([]*uia.Node, error) {
	if err := f.withNode(scope); err != nil {
		return nil, err
	}
	return f.nodes(ctx, func(ctx context.Context, c *uia.Client) ([]*uia.Node, error) {
		return c.FindByTags(ctx, className, filter, scope)
	})
}

// FindByTextAllMatch returns nodes whose text equals text.
func (f *Facade) FindByTextAllMatch(ctx context.Context, text string) ([]*uia.Node, error) {
	return f.nodes(ctx, func(ctx context.Context, c *uia.Client) ([]*uia.Node, error) {
		return c.FindByTextAllMatch(ctx, text)
	})
}

// GetChildren returns the direct children of n.
func (f *Facade) GetChildren(ctx context.Context, n *uia.Node) ([]*uia.Node, error) {
	if err := f.withNode(n); err != nil {
		return nil, err
	}
	return f.nodes(ctx, func(ctx context.Context, c *uia.Client) ([]*uia.Node, error) {
		return c.GetChildren(ctx, n)
	})
}

// GetNodes returns every descendant of n.
func (f *Facade) GetNodes(ctx context.Context, n *uia.Node) ([]*uia.Node, error) {
	if err := f.withNode(n); err != nil {
		return nil, err
	}
	return f.nodes(ctx, func(ctx context.Context, c *uia.Client) ([]*uia.Node, error) {
		return c.GetNodes(ctx, n)
	})
}

// FindFirstParentByTags returns the nearest ancestor of n with the given class.
func (f *Facade) FindFirstParentByTags(ctx context.Context, n *uia.Node, className string) (*uia.Node, error) {
	if err := f.withNode(n); err != nil {
		return nil, err
	}
	return f.node(ctx, func(ctx context.Context, c *uia.Client) (*uia.Node, error) {
		return c.FindFirstParentByTags(ctx, n, className)
	})
}

// FindFirstParentClickable returns the nearest clickable ancestor of n.
func (f *Facade) FindFirstParentClickable(ctx context.Context, n *uia.Node) (*uia.Node, error) {
	if err := f.withNode(n); err != nil {
		return nil, err
	}
	return f.node(ctx, func(ctx context.Context, c *uia.Client) (*uia.Node, error) {
		return c.FindFirstParentClickable(ctx, n)
	})
}

// ContainsText reports whether text is anywhere on screen.
func (f *Facade) ContainsText(ctx context.Context, text string) (bool, error) {
	return call(ctx, f, func(ctx context.Context, c *uia.Client) (bool, error) {
		return c.ContainsText(ctx, text)
	})
}

// GetAllText returns the text of every node on screen.
func (f *Facade) GetAllText(ctx context.Context) ([]string, error) {
	return call(ctx, f, func(ctx context.Context, c *uia.Client) ([]string, error) {
		return c.GetAllText(ctx)
	})
}

// LaunchApp starts an application.
func (f *Facade) LaunchApp(ctx context.Context, packageName string) (bool, error) {
	return call(ctx, f, func(ctx context.Context, c *uia.Client) (bool, error) {
		return c.LaunchApp(ctx, packageName)
	})
}

// GetPackageName returns the foreground application's package.
func (f *Facade) GetPackageName(ctx context.Context) (string, error) {
	return call(ctx, f, func(ctx context.Context, c *uia.Client) (string, error) {
		return c.GetPackageName(ctx)
	})
}

// Click clicks n.
func (f *Facade) Click(ctx context.Context, n *uia.Node) (bool, error) {
	return f.nodeAction(ctx, n, (*uia.Client).Click)
}

// LongClick long-clicks n.
func (f *Facade) LongClick(ctx context.Context, n *uia.Node) (bool, error) {
	return f.nodeAction(ctx, n, (*uia.Client).LongClick)
}

// ScrollForward scrolls n forward.
func (f *Facade) ScrollForward(ctx context.Context, n *uia.Node) (bool, error) {
	return f.nodeAction(ctx, n, (*uia.Client).ScrollForward)
}

// ScrollBackward scrolls n backward.
func (f *Facade) ScrollBackward(ctx context.Context, n *uia.Node) (bool, error) {
	return f.nodeAction(ctx, n, (*uia.Client).ScrollBackward)
}

// SetNodeText replaces the text of n.
func (f *Facade) SetNodeText(ctx context.Context, n *uia.Node, text string) (bool, error) {
	if err := f.withNode(n); err != nil {
		return false, err
	}
	return call(ctx, f, func(ctx context.Context, c *uia.Client) (bool, error) {
		return c.SetNodeText(ctx, n, text)
	})
}

// Focus gives n input focus.
func (f *Facade) Focus(ctx context.Context, n *uia.Node) (bool, error) {
	return f.nodeAction(ctx, n, (*uia.Client).Focus)
}

// Paste pastes text into n.
func (f *Facade) Paste(ctx context.Context, n *uia.Node, text string) (bool, error) {
	return f.nodeAction(ctx, n, func(c *uia.Client, ctx context.Context, n *uia.Node) (bool, error) {
		return c.Paste(ctx, n, text)
	})
}

// SelectionText selects the characters [start, end) of n's text.
func (f *Facade) SelectionText(ctx context.Context, n *uia.Node, start, end int) (bool, error) {
	return f.nodeAction(ctx, n, func(c *uia.Client, ctx context.Context, n *uia.Node) (bool, error) {
		return c.SelectionText(ctx, n, start, end)
	})
}

// NodeGestureClick taps inside n's bounds.
func (f *Facade) NodeGestureClick(ctx context.Context, n *uia.Node, opts uia.GestureClickOptions) (bool, error) {
	return f.nodeAction(ctx, n, func(c *uia.Client, ctx context.Context, n *uia.Node) (bool, error) {
		return c.NodeGestureClick(ctx, n, opts)
	})
}

// IsVisible reports whether n is on screen. A non-nil compare node checks
// visibility relative to it, fully or partially.
func (f *Facade) IsVisible(ctx context.Context, n, compare *uia.Node, fully bool) (bool, error) {
	if compare != nil {
		if err := f.withNode(compare); err != nil {
			return false, err
		}
	}
	return f.nodeAction(ctx, n, func(c *uia.Client, ctx context.Context, n *uia.Node) (bool, error) {
		return c.IsVisible(ctx, n, compare, fully)
	})
}

// GetBoundsInScreen returns the current bounds of n.
func (f *Facade) GetBoundsInScreen(ctx context.Context, n *uia.Node) (uia.Bounds, error) {
	if err := f.withNode(n); err != nil {
		return uia.Bounds{}, err
	}
	return call(ctx, f, func(ctx context.Context, c *uia.Client) (uia.Bounds, error) {
		return c.GetBoundsInScreen(ctx, n)
	})
}

func (f *Facade) nodeAction(ctx context.Context, n *uia.Node, fn func(*uia.Client, context.Context, *uia.Node) (bool, error)) (bool, error) {
	if err := f.withNode(n); err != nil {
		return false, err
	}
	return call(ctx, f, func(ctx context.Context, c *uia.Client) (bool, error) {
		return fn(c, ctx, n)
	})
}

// ClickByGesture taps the screen at (x, y).
func (f *Facade) ClickByGesture(ctx context.Context, x, y float64, duration time.Duration) (bool, error) {
	return call(ctx, f, func(ctx context.Context, c *uia.Client) (bool, error) {
		return c.ClickByGesture(ctx, x, y, duration)
	})
}

// GestureClick taps the screen at (x, y).
func (f *Facade) GestureClick(ctx context.Context, x, y float64, duration time.Duration) (bool, error) {
	return call(ctx, f, func(ctx context.Context, c *uia.Client) (bool, error) {
		return c.GestureClick(ctx, x, y, duration)
	})
}

// PerformLinearGesture swipes from start to end.
func (f *Facade) PerformLinearGesture(ctx context.Context, start, end uia.Point, duration time.Duration) (bool, error) {
	return call(ctx, f, func(ctx context.Context, c *uia.Client) (bool, error) {
		return c.PerformLinearGesture(ctx, start, end, duration)
	})
}

// LongPressGestureAutoPaste long-presses at p and pastes text.
func (f *Facade) LongPressGestureAutoPaste(ctx context.Context, p uia.Point, text string, opts uia.AutoPasteOptions) (bool, error) {
	return call(ctx, f, func(ctx context.Context, c *uia.Client) (bool, error) {
		return c.LongPressGestureAutoPaste(ctx, p, text, opts)
	})
}

// Back presses the back button.
func (f *Facade) Back(ctx context.Context) (bool, error) {
	return f.globalAction(ctx, (*uia.Client).Back)
}

// Home presses the home button.
func (f *Facade) Home(ctx context.Context) (bool, error) {
	return f.globalAction(ctx, (*uia.Client).Home)
}

// Notifications opens the notification shade.
func (f *Facade) Notifications(ctx context.Context) (bool, error) {
	return f.globalAction(ctx, (*uia.Client).Notifications)
}

// RecentApps opens the recent apps screen.
func (f *Facade) RecentApps(ctx context.Context) (bool, error) {
	return f.globalAction(ctx, (*uia.Client).RecentApps)
}

func (f *Facade) globalAction(ctx context.Context, fn func(*uia.Client, context.Context) (bool, error)) (bool, error) {
	return call(ctx, f, func(ctx context.Context, c *uia.Client) (bool, error) {
		return fn(c, ctx)
	})
}

// GetScreenSize returns the display size.
func (f *Facade) GetScreenSize(ctx context.Context) (uia.ScreenSize, error) {
	return call(ctx, f, func(ctx context.Context, c *uia.Client) (uia.ScreenSize, error) {
		return c.GetScreenSize(ctx)
	})
}

// GetAppScreenSize returns the application window size.
func (f *Facade) GetAppScreenSize(ctx context.Context) (uia.ScreenSize, error) {
	return call(ctx, f, func(ctx context.Context, c *uia.Client) (uia.ScreenSize, error) {
		return c.GetAppScreenSize(ctx)
	})
}

// GetAppInfo returns metadata for an installed application.
func (f *Facade) GetAppInfo(ctx context.Context, packageName string) (uia.AppInfo, error) {
	return call(ctx, f, func(ctx context.Context, c *uia.Client) (uia.AppInfo, error) {
		return c.GetAppInfo(ctx, packageName)
	})
}

// TakeScreenshotNodes captures each node and returns the image paths.
func (f *Facade) TakeScreenshotNodes(ctx context.Context, nodes []*uia.Node, overlayDelay time.Duration) ([]string, error) {
	for _, n := range nodes {
		if err := f.withNode(n); err != nil {
			return nil, err
		}
	}
	return call(ctx, f, func(ctx context.Context, c *uia.Client) ([]string, error) {
		return c.TakeScreenshotNodes(ctx, nodes, overlayDelay)
	})
}

// TakeScreenshotByNode captures a single node.
func (f *Facade) TakeScreenshotByNode(ctx context.Context, n *uia.Node, overlayDelay time.Duration) (string, error) {
	paths, err := f.TakeScreenshotNodes(ctx, []*uia.Node{n}, overlayDelay)
	if err != nil {
		return "", err
	}
	if len(paths) == 0 {
		return "", core.ErrEmptyResponse.WithMessage("screenshot returned no image")
	}
	return paths[0], nil
}

// OverlayToast shows text in the host overlay.
func (f *Facade) OverlayToast(ctx context.Context, text string, d time.Duration) (bool, error) {
	return call(ctx, f, func(ctx context.Context, c *uia.Client) (bool, error) {
		return c.OverlayToast(ctx, text, d)
	})
}

// SetOverlayFlags sets window flags on the host overlay.
func (f *Facade) SetOverlayFlags(ctx context.Context, flags ...int) (bool, error) {
	return call(ctx, f, func(ctx context.Context, c *uia.Client) (bool, error) {
		return c.SetOverlayFlags(ctx, flags...)
	})
}

// ScanQR opens the host scanner and returns the decoded value.
func (f *Facade) ScanQR(ctx context.Context) (string, error) {
	return call(ctx, f, func(ctx context.Context, c *uia.Client) (string, error) {
		return c.ScanQR(ctx)
	})
}

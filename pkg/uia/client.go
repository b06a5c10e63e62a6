package uia

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/devicelab-dev/stepflow/pkg/bridge"
	"github.com/devicelab-dev/stepflow/pkg/core"
)

// DefaultScreenshotDelay is how long the host hides its overlay before
// capturing a screenshot.
const DefaultScreenshotDelay = 250 * time.Millisecond

// DefaultToastDuration is how long an overlay toast stays visible.
const DefaultToastDuration = 2 * time.Second

// Client is the typed automation API. It works over either the sync or the
// async side of a bridge client.
type Client struct {
	caller  bridge.Caller
	timeout time.Duration
}

// NewClient wraps a bridge caller.
func NewClient(caller bridge.Caller) *Client {
	return &Client{caller: caller}
}

// WithTimeout returns a copy whose async calls use d as the callback window.
// Ignored by sync callers.
func (c *Client) WithTimeout(d time.Duration) *Client {
	cp := *c
	cp.timeout = d
	return &cp
}

// GestureClickOptions tunes a node-relative gesture click.
type GestureClickOptions struct {
	OffsetX                   float64
	OffsetY                   float64
	SwitchWindowIntervalDelay time.Duration
	ClickDuration             time.Duration
}

// AutoPasteOptions tunes LongPressGestureAutoPaste.
type AutoPasteOptions struct {
	MatchedPackageName string
	MatchedText        string
	Timeout            time.Duration
	LongPressDuration  time.Duration
}

func (c *Client) call(ctx context.Context, method string, call bridge.Call) (*bridge.Response, error) {
	if call.Timeout == 0 {
		call.Timeout = c.timeout
	}
	resp, err := c.caller.Call(ctx, method, call)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		msg := strings.Trim(string(resp.Data), `"`)
		return nil, core.ErrCallFailed.
			WithMessage(fmt.Sprintf("%s failed (code %d): %s", method, resp.Code, msg)).
			WithDetails(map[string]interface{}{"method": method, "code": resp.Code})
	}
	return resp, nil
}

func (c *Client) nodes(ctx context.Context, method string, call bridge.Call) ([]*Node, error) {
	resp, err := c.call(ctx, method, call)
	if err != nil {
		return nil, err
	}
	return bridge.DataOrDefault(resp, []*Node{})
}

func (c *Client) node(ctx context.Context, method string, call bridge.Call) (*Node, error) {
	resp, err := c.call(ctx, method, call)
	if err != nil {
		return nil, err
	}
	return bridge.DataOrDefault(resp, &Node{})
}

func (c *Client) boolean(ctx context.Context, method string, call bridge.Call) (bool, error) {
	resp, err := c.call(ctx, method, call)
	if err != nil {
		return false, err
	}
	return bridge.DataOrDefault(resp, false)
}

// GetAllNodes returns every node on screen matching f.
func (c *Client) GetAllNodes(ctx context.Context, f Filter) ([]*Node, error) {
	return c.nodes(ctx, bridge.MethodGetAllNodes, bridge.Call{Args: f.args(nil)})
}

// FindByID returns nodes whose view id is id. A non-nil scope limits the
// search to its subtree.
func (c *Client) FindByID(ctx context.Context, id string, f Filter, scope *Node) ([]*Node, error) {
	return c.nodes(ctx, bridge.MethodFindByID, scopedCall(f.args(map[string]interface{}{"id": id}), scope))
}

// FindByText returns nodes whose text contains text.
func (c *Client) FindByText(ctx context.Context, text string, f Filter, scope *Node) ([]*Node, error) {
	return c.nodes(ctx, bridge.MethodFindByText, scopedCall(f.args(map[string]interface{}{"text": text}), scope))
}

// FindByTags returns nodes of the given class.
func (c *Client) FindByTags(ctx context.Context, className string, f Filter, scope *Node) ([]*Node, error) {
	return c.nodes(ctx, bridge.MethodFindByTags, scopedCall(f.args(map[string]interface{}{"className": className}), scope))
}

// FindByTextAllMatch returns nodes whose text equals text.
func (c *Client) FindByTextAllMatch(ctx context.Context, text string) ([]*Node, error) {
	return c.nodes(ctx, bridge.MethodFindByTextAllMatch, bridge.Call{Args: map[string]interface{}{"text": text}})
}

// ContainsText reports whether any node on screen contains text.
func (c *Client) ContainsText(ctx context.Context, text string) (bool, error) {
	return c.boolean(ctx, bridge.MethodContainsText, bridge.Call{Args: map[string]interface{}{"text": text}})
}

// GetAllText returns the text of every node on screen.
func (c *Client) GetAllText(ctx context.Context) ([]string, error) {
	resp, err := c.call(ctx, bridge.MethodGetAllText, bridge.Call{})
	if err != nil {
		return nil, err
	}
	return bridge.DataOrDefault(resp, []string{})
}

// FindFirstParentByTags returns the nearest ancestor of n with the given class.
func (c *Client) FindFirstParentByTags(ctx context.Context, n *Node, className string) (*Node, error) {
	return c.node(ctx, bridge.MethodFindFirstParentByTags, bridge.Call{Node: n, Args: map[string]interface{}{"className": className}})
}

// FindFirstParentClickable returns the nearest clickable ancestor of n.
func (c *Client) FindFirstParentClickable(ctx context.Context, n *Node) (*Node, error) {
	return c.node(ctx, bridge.MethodFindFirstParentClickable, bridge.Call{Node: n})
}

// GetNodes returns every descendant of n.
func (c *Client) GetNodes(ctx context.Context, n *Node) ([]*Node, error) {
	return c.nodes(ctx, bridge.MethodGetNodes, bridge.Call{Node: n})
}

// GetChildren returns the direct children of n.
func (c *Client) GetChildren(ctx context.Context, n *Node) ([]*Node, error) {
	return c.nodes(ctx, bridge.MethodGetChildren, bridge.Call{Node: n})
}

// GetBoundsInScreen asks the host for the current bounds of n.
func (c *Client) GetBoundsInScreen(ctx context.Context, n *Node) (Bounds, error) {
	resp, err := c.call(ctx, bridge.MethodGetBoundsInScreen, bridge.Call{Node: n})
	if err != nil {
		return Bounds{}, err
	}
	return bridge.DataOrDefault(resp, Bounds{})
}

// IsVisible reports whether n is on screen, optionally relative to compare.
func (c *Client) IsVisible(ctx context.Context, n, compare *Node, fully bool) (bool, error) {
	args := map[string]interface{}{"isFullyByCompareNode": fully}
	if compare != nil {
		args["compareNode"] = compare
	}
	return c.boolean(ctx, bridge.MethodIsVisible, bridge.Call{Node: n, Args: args})
}

// Click performs an accessibility click on n.
func (c *Client) Click(ctx context.Context, n *Node) (bool, error) {
	return c.boolean(ctx, bridge.MethodClick, bridge.Call{Node: n})
}

// LongClick performs an accessibility long click on n.
func (c *Client) LongClick(ctx context.Context, n *Node) (bool, error) {
	return c.boolean(ctx, bridge.MethodLongClick, bridge.Call{Node: n})
}

// GestureClick taps the screen at (x, y).
func (c *Client) GestureClick(ctx context.Context, x, y float64, duration time.Duration) (bool, error) {
	return c.boolean(ctx, bridge.MethodGestureClick, bridge.Call{Args: gestureArgs(x, y, duration)})
}

// ClickByGesture taps the screen at (x, y) through the gesture dispatcher.
func (c *Client) ClickByGesture(ctx context.Context, x, y float64, duration time.Duration) (bool, error) {
	return c.boolean(ctx, bridge.MethodClickByGesture, bridge.Call{Args: gestureArgs(x, y, duration)})
}

// NodeGestureClick taps inside n's bounds.
func (c *Client) NodeGestureClick(ctx context.Context, n *Node, opts GestureClickOptions) (bool, error) {
	args := map[string]interface{}{
		"offsetX": opts.OffsetX,
		"offsetY": opts.OffsetY,
	}
	if opts.SwitchWindowIntervalDelay > 0 {
		args["switchWindowIntervalDelay"] = opts.SwitchWindowIntervalDelay.Milliseconds()
	}
	if opts.ClickDuration > 0 {
		args["clickDuration"] = opts.ClickDuration.Milliseconds()
	}
	return c.boolean(ctx, bridge.MethodNodeGestureClick, bridge.Call{Node: n, Args: args})
}

// PerformLinearGesture swipes from start to end.
func (c *Client) PerformLinearGesture(ctx context.Context, start, end Point, duration time.Duration) (bool, error) {
	args := map[string]interface{}{"startPoint": start, "endPoint": end}
	if duration > 0 {
		args["duration"] = duration.Milliseconds()
	}
	return c.boolean(ctx, bridge.MethodPerformLinearGesture, bridge.Call{Args: args})
}

// LongPressGestureAutoPaste long-presses at p and pastes text into the
// field that gains focus.
func (c *Client) LongPressGestureAutoPaste(ctx context.Context, p Point, text string, opts AutoPasteOptions) (bool, error) {
	args := map[string]interface{}{"point": p, "text": text}
	if opts.MatchedPackageName != "" {
		args["matchedPackageName"] = opts.MatchedPackageName
	}
	if opts.MatchedText != "" {
		args["matchedText"] = opts.MatchedText
	}
	if opts.Timeout > 0 {
		args["timeoutMillis"] = opts.Timeout.Milliseconds()
	}
	if opts.LongPressDuration > 0 {
		args["longPressDuration"] = opts.LongPressDuration.Milliseconds()
	}
	return c.boolean(ctx, bridge.MethodLongPressGestureAutoPaste, bridge.Call{Args: args})
}

// Back presses the system back button.
func (c *Client) Back(ctx context.Context) (bool, error) {
	return c.boolean(ctx, bridge.MethodBack, bridge.Call{})
}

// Home presses the system home button.
func (c *Client) Home(ctx context.Context) (bool, error) {
	return c.boolean(ctx, bridge.MethodHome, bridge.Call{})
}

// Notifications opens the notification shade.
func (c *Client) Notifications(ctx context.Context) (bool, error) {
	return c.boolean(ctx, bridge.MethodNotifications, bridge.Call{})
}

// RecentApps opens the recent apps screen.
func (c *Client) RecentApps(ctx context.Context) (bool, error) {
	return c.boolean(ctx, bridge.MethodRecentApps, bridge.Call{})
}

// Paste pastes text into n.
func (c *Client) Paste(ctx context.Context, n *Node, text string) (bool, error) {
	return c.boolean(ctx, bridge.MethodPaste, bridge.Call{Node: n, Args: map[string]interface{}{"text": text}})
}

// Focus gives n input focus.
func (c *Client) Focus(ctx context.Context, n *Node) (bool, error) {
	return c.boolean(ctx, bridge.MethodFocus, bridge.Call{Node: n})
}

// SelectionText selects the characters [start, end) of n's text.
func (c *Client) SelectionText(ctx context.Context, n *Node, start, end int) (bool, error) {
	return c.boolean(ctx, bridge.MethodSelectionText, bridge.Call{
		Node: n,
		Args: map[string]interface{}{"selectionStart": start, "selectionEnd": end},
	})
}

// ScrollForward scrolls a scrollable node forward.
func (c *Client) ScrollForward(ctx context.Context, n *Node) (bool, error) {
	return c.boolean(ctx, bridge.MethodScrollForward, bridge.Call{Node: n})
}

// ScrollBackward scrolls a scrollable node backward.
func (c *Client) ScrollBackward(ctx context.Context, n *Node) (bool, error) {
	return c.boolean(ctx, bridge.MethodScrollBackward, bridge.Call{Node: n})
}

// SetNodeText replaces the text of an editable node.
func (c *Client) SetNodeText(ctx context.Context, n *Node, text string) (bool, error) {
	return c.boolean(ctx, bridge.MethodSetNodeText, bridge.Call{Node: n, Args: map[string]interface{}{"text": text}})
}

// LaunchApp starts the application with the given package name.
func (c *Client) LaunchApp(ctx context.Context, packageName string) (bool, error) {
	return c.boolean(ctx, bridge.MethodLaunchApp, bridge.Call{Args: map[string]interface{}{"packageName": packageName}})
}

// GetPackageName returns the foreground application's package.
func (c *Client) GetPackageName(ctx context.Context) (string, error) {
	resp, err := c.call(ctx, bridge.MethodGetPackageName, bridge.Call{})
	if err != nil {
		return "", err
	}
	return bridge.DataOrDefault(resp, "")
}

// OverlayToast shows text in the host overlay for d (DefaultToastDuration if 0).
func (c *Client) OverlayToast(ctx context.Context, text string, d time.Duration) (bool, error) {
	if d <= 0 {
		d = DefaultToastDuration
	}
	return c.boolean(ctx, bridge.MethodOverlayToast, bridge.Call{
		Args: map[string]interface{}{"text": text, "delay": d.Milliseconds()},
	})
}

// SetOverlayFlags sets window flags on the host overlay.
func (c *Client) SetOverlayFlags(ctx context.Context, flags ...int) (bool, error) {
	var v interface{} = flags
	if len(flags) == 1 {
		v = flags[0]
	}
	return c.boolean(ctx, bridge.MethodSetOverlayFlags, bridge.Call{Args: map[string]interface{}{"flags": v}})
}

// GetScreenSize returns the physical display size.
func (c *Client) GetScreenSize(ctx context.Context) (ScreenSize, error) {
	return c.screenSize(ctx, bridge.MethodGetScreenSize)
}

// GetAppScreenSize returns the application window size.
func (c *Client) GetAppScreenSize(ctx context.Context) (ScreenSize, error) {
	return c.screenSize(ctx, bridge.MethodGetAppScreenSize)
}

func (c *Client) screenSize(ctx context.Context, method string) (ScreenSize, error) {
	resp, err := c.call(ctx, method, bridge.Call{})
	if err != nil {
		return ScreenSize{}, err
	}
	return bridge.DataOrDefault(resp, ScreenSize{})
}

// GetAppInfo returns metadata for an installed application.
func (c *Client) GetAppInfo(ctx context.Context, packageName string) (AppInfo, error) {
	resp, err := c.call(ctx, bridge.MethodGetAppInfo, bridge.Call{Args: map[string]interface{}{"packageName": packageName}})
	if err != nil {
		return AppInfo{}, err
	}
	return bridge.DataOrDefault(resp, AppInfo{})
}

// TakeScreenshotNodes captures each node and returns the image paths in the
// same order. overlayDelay of 0 uses DefaultScreenshotDelay.
func (c *Client) TakeScreenshotNodes(ctx context.Context, nodes []*Node, overlayDelay time.Duration) ([]string, error) {
	if overlayDelay <= 0 {
		overlayDelay = DefaultScreenshotDelay
	}
	resp, err := c.call(ctx, bridge.MethodTakeScreenshot, bridge.Call{
		Nodes: nodes,
		Args:  map[string]interface{}{"overlayHiddenScreenshotDelayMillis": overlayDelay.Milliseconds()},
	})
	if err != nil {
		return nil, err
	}
	out, err := bridge.DataOrDefault(resp, struct {
		Images []string `json:"images"`
	}{})
	if err != nil {
		return nil, err
	}
	return out.Images, nil
}

// ScanQR opens the host scanner and returns the decoded value.
func (c *Client) ScanQR(ctx context.Context) (string, error) {
	resp, err := c.call(ctx, bridge.MethodScanQR, bridge.Call{})
	if err != nil {
		return "", err
	}
	out, err := bridge.DataOrDefault(resp, struct {
		Value string `json:"value"`
	}{})
	return out.Value, err
}

// AssignIDs stamps every node with the run identity that produced it.
// An empty id leaves the nodes untouched.
func AssignIDs(nodes []*Node, id string) {
	if id == "" {
		return
	}
	for _, n := range nodes {
		if n != nil {
			n.StepID = id
		}
	}
}

func scopedCall(args map[string]interface{}, scope *Node) bridge.Call {
	call := bridge.Call{Args: args}
	if scope != nil {
		call.Node = scope
	}
	return call
}

func gestureArgs(x, y float64, duration time.Duration) map[string]interface{} {
	return map[string]interface{}{"x": x, "y": y, "duration": duration.Milliseconds()}
}

// Package mock provides an in-process fake native host for running steps
// without a device.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Request is a decoded bridge request as seen by the fake host.
type Request struct {
	Method     string                   `json:"method"`
	Arguments  map[string]interface{}   `json:"arguments,omitempty"`
	Node       map[string]interface{}   `json:"node,omitempty"`
	Nodes      []map[string]interface{} `json:"nodes,omitempty"`
	CallbackID string                   `json:"callbackId,omitempty"`
}

// Handler produces the data for a method. A returned error becomes code 1.
type Handler func(req Request) (interface{}, error)

// Config configures mock host behavior.
type Config struct {
	// FailOnCall makes call N fail (1-indexed). 0 = never fail.
	FailOnCall int
	// CallDelay adds artificial latency to every call
	CallDelay time.Duration
	// DropCallbacks never delivers async results (exercises the timeout path)
	DropCallbacks bool
	// PackageName is the foreground app reported by getPackageName
	PackageName string
	// Screen is the flat list of accessibility nodes on screen
	Screen []map[string]interface{}
	// ScreenWidth / ScreenHeight reported by getScreenSize
	ScreenWidth  int
	ScreenHeight int
}

// Host is a fake native host implementing the bridge transports.
type Host struct {
	Config Config

	mu         sync.Mutex
	handlers   map[string]Handler
	calls      []Request
	callCount  int
	onCallback func(string)
	wg         sync.WaitGroup
}

// New creates a mock host with default handlers for the common methods.
func New(cfg Config) *Host {
	if cfg.PackageName == "" {
		cfg.PackageName = "com.example.mock"
	}
	if cfg.ScreenWidth == 0 {
		cfg.ScreenWidth = 1080
	}
	if cfg.ScreenHeight == 0 {
		cfg.ScreenHeight = 2400
	}
	h := &Host{Config: cfg, handlers: make(map[string]Handler)}
	h.registerDefaults()
	return h
}

// DefaultScreen returns a small login screen used by the CLI mock mode.
func DefaultScreen() []map[string]interface{} {
	return []map[string]interface{}{
		{"nodeId": "1", "text": "Welcome", "viewId": "com.example.mock:id/title", "className": "android.widget.TextView", "isEnabled": true, "isVisibleToUser": true,
			"boundsInScreen": map[string]interface{}{"left": 0, "top": 100, "right": 1080, "bottom": 200}},
		{"nodeId": "2", "text": "", "hintText": "Username", "viewId": "com.example.mock:id/username", "className": "android.widget.EditText", "isEnabled": true, "isFocusable": true, "isVisibleToUser": true,
			"boundsInScreen": map[string]interface{}{"left": 40, "top": 400, "right": 1040, "bottom": 520}},
		{"nodeId": "3", "text": "Login", "viewId": "com.example.mock:id/login", "className": "android.widget.Button", "isClickable": true, "isEnabled": true, "isVisibleToUser": true,
			"boundsInScreen": map[string]interface{}{"left": 340, "top": 700, "right": 740, "bottom": 820}},
	}
}

// Handle overrides the handler for method.
func (h *Host) Handle(method string, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[method] = fn
}

// Calls returns a copy of the requests received so far.
func (h *Host) Calls() []Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Request, len(h.calls))
	copy(out, h.calls)
	return out
}

// CallCount returns how many requests have been received.
func (h *Host) CallCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.callCount
}

// OnCallback registers the receiver for async results.
func (h *Host) OnCallback(fn func(data string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onCallback = fn
}

// Wait blocks until every in-flight async callback has been delivered.
func (h *Host) Wait() {
	h.wg.Wait()
}

// Call handles a synchronous request.
func (h *Host) Call(ctx context.Context, params string) (string, error) {
	req, err := decode(params)
	if err != nil {
		return "", err
	}
	if h.Config.CallDelay > 0 {
		select {
		case <-time.After(h.Config.CallDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return h.respond(req), nil
}

// CallAsync handles an asynchronous request, delivering the result through
// the registered callback receiver unless DropCallbacks is set.
func (h *Host) CallAsync(_ context.Context, params string) error {
	req, err := decode(params)
	if err != nil {
		return err
	}
	if req.CallbackID == "" {
		return fmt.Errorf("async request %s has no callbackId", req.Method)
	}

	resp := h.respond(req)
	if h.Config.DropCallbacks {
		return nil
	}

	h.mu.Lock()
	fn := h.onCallback
	h.mu.Unlock()
	if fn == nil {
		return nil
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if h.Config.CallDelay > 0 {
			time.Sleep(h.Config.CallDelay)
		}
		fn(resp)
	}()
	return nil
}

func (h *Host) respond(req Request) string {
	h.mu.Lock()
	h.callCount++
	n := h.callCount
	h.calls = append(h.calls, req)
	handler := h.handlers[req.Method]
	h.mu.Unlock()

	envelope := map[string]interface{}{"code": 0, "data": nil}
	if req.CallbackID != "" {
		envelope["callbackId"] = req.CallbackID
	}

	switch {
	case h.Config.FailOnCall > 0 && n == h.Config.FailOnCall:
		envelope["code"] = 1
		envelope["data"] = fmt.Sprintf("mock failure on call %d (%s)", n, req.Method)
	case handler == nil:
		envelope["code"] = 1
		envelope["data"] = fmt.Sprintf("unsupported method %s", req.Method)
	default:
		data, err := handler(req)
		if err != nil {
			envelope["code"] = 1
			envelope["data"] = err.Error()
		} else {
			envelope["data"] = data
		}
	}

	out, _ := json.Marshal(envelope)
	return string(out)
}

func decode(params string) (Request, error) {
	var req Request
	if err := json.Unmarshal([]byte(params), &req); err != nil {
		return req, fmt.Errorf("mock: bad request: %w", err)
	}
	return req, nil
}

func (h *Host) registerDefaults() {
	ok := func(Request) (interface{}, error) { return true, nil }
	for _, m := range []string{
		"click", "longClick", "gestureClick", "clickByGesture", "nodeGestureClick",
		"performLinearGesture", "longPressGestureAutoPaste", "back", "home",
		"notifications", "recentApps", "paste", "focus", "selectionText",
		"scrollForward", "scrollBackward", "setNodeText", "overlayToast", "setOverlayFlags",
		"isVisible",
	} {
		h.handlers[m] = ok
	}

	h.handlers["getAllNodes"] = func(req Request) (interface{}, error) {
		return h.filter(func(n map[string]interface{}) bool { return matchFilters(n, req.Arguments) }), nil
	}
	h.handlers["findByText"] = func(req Request) (interface{}, error) {
		text := argString(req.Arguments, "text")
		return h.filter(func(n map[string]interface{}) bool {
			return strings.Contains(str(n["text"]), text) && matchFilters(n, req.Arguments)
		}), nil
	}
	h.handlers["findByTextAllMatch"] = func(req Request) (interface{}, error) {
		text := argString(req.Arguments, "text")
		return h.filter(func(n map[string]interface{}) bool { return str(n["text"]) == text }), nil
	}
	h.handlers["findById"] = func(req Request) (interface{}, error) {
		id := argString(req.Arguments, "id")
		return h.filter(func(n map[string]interface{}) bool {
			return str(n["viewId"]) == id && matchFilters(n, req.Arguments)
		}), nil
	}
	h.handlers["findByTags"] = func(req Request) (interface{}, error) {
		className := argString(req.Arguments, "className")
		return h.filter(func(n map[string]interface{}) bool {
			return str(n["className"]) == className && matchFilters(n, req.Arguments)
		}), nil
	}
	h.handlers["getChildren"] = func(Request) (interface{}, error) { return []interface{}{}, nil }
	h.handlers["getNodes"] = func(Request) (interface{}, error) {
		return h.filter(func(map[string]interface{}) bool { return true }), nil
	}
	h.handlers["findFirstParentByTags"] = func(req Request) (interface{}, error) {
		className := argString(req.Arguments, "className")
		return first(h.filter(func(n map[string]interface{}) bool { return str(n["className"]) == className })), nil
	}
	h.handlers["findFirstParentClickable"] = func(Request) (interface{}, error) {
		return first(h.filter(func(n map[string]interface{}) bool { return n["isClickable"] == true })), nil
	}
	h.handlers["containsText"] = func(req Request) (interface{}, error) {
		text := argString(req.Arguments, "text")
		return len(h.filter(func(n map[string]interface{}) bool { return strings.Contains(str(n["text"]), text) })) > 0, nil
	}
	h.handlers["getAllText"] = func(Request) (interface{}, error) {
		var texts []string
		for _, n := range h.filter(func(map[string]interface{}) bool { return true }) {
			if t := str(n["text"]); t != "" {
				texts = append(texts, t)
			}
		}
		return texts, nil
	}
	h.handlers["getBoundsInScreen"] = func(req Request) (interface{}, error) {
		return req.Node["boundsInScreen"], nil
	}
	h.handlers["launchApp"] = func(req Request) (interface{}, error) {
		h.mu.Lock()
		h.Config.PackageName = argString(req.Arguments, "packageName")
		h.mu.Unlock()
		return true, nil
	}
	h.handlers["getPackageName"] = func(Request) (interface{}, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.Config.PackageName, nil
	}
	size := func(Request) (interface{}, error) {
		return map[string]interface{}{"width": h.Config.ScreenWidth, "height": h.Config.ScreenHeight}, nil
	}
	h.handlers["getScreenSize"] = size
	h.handlers["getAppScreenSize"] = size
	h.handlers["getAppInfo"] = func(req Request) (interface{}, error) {
		return map[string]interface{}{
			"packageName": argString(req.Arguments, "packageName"),
			"name":        "Mock App",
			"versionName": "1.0.0",
			"versionCode": 1,
		}, nil
	}
	h.handlers["takeScreenshot"] = func(req Request) (interface{}, error) {
		images := make([]string, 0, len(req.Nodes))
		for i := range req.Nodes {
			images = append(images, fmt.Sprintf("/sdcard/stepflow/shot-%d.png", i))
		}
		return map[string]interface{}{"images": images}, nil
	}
	h.handlers["scanQR"] = func(Request) (interface{}, error) {
		return map[string]interface{}{"value": ""}, nil
	}
}

func (h *Host) filter(match func(map[string]interface{}) bool) []map[string]interface{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]map[string]interface{}, 0)
	for _, n := range h.Config.Screen {
		if match(n) {
			out = append(out, n)
		}
	}
	return out
}

func matchFilters(n map[string]interface{}, args map[string]interface{}) bool {
	checks := []struct{ arg, field string }{
		{"filterClass", "className"},
		{"filterViewId", "viewId"},
		{"filterDes", "des"},
		{"filterText", "text"},
	}
	for _, c := range checks {
		if want := argString(args, c.arg); want != "" && str(n[c.field]) != want {
			return false
		}
	}
	return true
}

// first returns the first node, or nil so the envelope carries null data.
func first(nodes []map[string]interface{}) interface{} {
	if len(nodes) == 0 {
		return nil
	}
	return nodes[0]
}

func argString(args map[string]interface{}, key string) string {
	if args == nil {
		return ""
	}
	return str(args[key])
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

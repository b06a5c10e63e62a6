// Package uia holds the accessibility data model and the typed automation
// API the native host exposes over the bridge.
package uia

import "fmt"

// Bounds is a rectangle in screen pixels.
type Bounds struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// Width returns the horizontal extent.
func (b Bounds) Width() int { return b.Right - b.Left }

// Height returns the vertical extent.
func (b Bounds) Height() int { return b.Bottom - b.Top }

// Center returns the midpoint of the rectangle.
func (b Bounds) Center() Point {
	return Point{X: float64(b.Left+b.Right) / 2, Y: float64(b.Top+b.Bottom) / 2}
}

// IsEmpty reports whether the rectangle has no area.
func (b Bounds) IsEmpty() bool {
	return b.Width() <= 0 || b.Height() <= 0
}

func (b Bounds) String() string {
	return fmt.Sprintf("[%d,%d][%d,%d]", b.Left, b.Top, b.Right, b.Bottom)
}

// Point is a screen coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is one element of the accessibility tree as reported by the host.
// StepID binds the node to the run that produced it.
type Node struct {
	NodeID          string `json:"nodeId"`
	Text            string `json:"text"`
	Des             string `json:"des"`
	ViewID          string `json:"viewId"`
	ClassName       string `json:"className"`
	IsScrollable    bool   `json:"isScrollable"`
	IsClickable     bool   `json:"isClickable"`
	IsEnabled       bool   `json:"isEnabled"`
	StepID          string `json:"stepId,omitempty"`
	HintText        string `json:"hintText"`
	IsCheckable     bool   `json:"isCheckable"`
	IsChecked       bool   `json:"isChecked"`
	IsFocusable     bool   `json:"isFocusable"`
	IsFocused       bool   `json:"isFocused"`
	IsLongClickable bool   `json:"isLongClickable"`
	IsPassword      bool   `json:"isPassword"`
	IsSelected      bool   `json:"isSelected"`
	IsVisibleToUser bool   `json:"isVisibleToUser"`
	DrawingOrder    int    `json:"drawingOrder"`
	BoundsInScreen  Bounds `json:"boundsInScreen"`
}

func (n *Node) String() string {
	label := n.Text
	if label == "" {
		label = n.Des
	}
	if label == "" {
		label = n.ViewID
	}
	return fmt.Sprintf("%s(%s %q %s)", n.ClassName, n.NodeID, label, n.BoundsInScreen)
}

// Filter narrows a node query. Empty fields are not sent.
type Filter struct {
	Class  string
	ViewID string
	Des    string
	Text   string
}

func (f Filter) args(extra map[string]interface{}) map[string]interface{} {
	args := make(map[string]interface{}, len(extra)+4)
	for k, v := range extra {
		args[k] = v
	}
	if f.Class != "" {
		args["filterClass"] = f.Class
	}
	if f.ViewID != "" {
		args["filterViewId"] = f.ViewID
	}
	if f.Des != "" {
		args["filterDes"] = f.Des
	}
	if f.Text != "" {
		args["filterText"] = f.Text
	}
	return args
}

// ScreenSize is the display or app window size in pixels.
type ScreenSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// AppInfo describes an installed application.
type AppInfo struct {
	IsSystem         bool   `json:"isSystem"`
	MinSdkVersion    int    `json:"minSdkVersion"`
	Name             string `json:"name"`
	PackageName      string `json:"packageName"`
	TargetSdkVersion int    `json:"targetSdkVersion"`
	VersionCode      int    `json:"versionCode"`
	VersionName      string `json:"versionName"`
}

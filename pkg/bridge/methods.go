package bridge

// Method names understood by the native host.
const (
	MethodSetOverlayFlags           = "setOverlayFlags"
	MethodSetNodeText               = "setNodeText"
	MethodFindByTags                = "findByTags"
	MethodFindByID                  = "findById"
	MethodFindByText                = "findByText"
	MethodFindByTextAllMatch        = "findByTextAllMatch"
	MethodContainsText              = "containsText"
	MethodGetAllText                = "getAllText"
	MethodFindFirstParentByTags     = "findFirstParentByTags"
	MethodGetAllNodes               = "getAllNodes"
	MethodGetNodes                  = "getNodes"
	MethodFindFirstParentClickable  = "findFirstParentClickable"
	MethodGetChildren               = "getChildren"
	MethodGetBoundsInScreen         = "getBoundsInScreen"
	MethodIsVisible                 = "isVisible"
	MethodClick                     = "click"
	MethodLongClick                 = "longClick"
	MethodGestureClick              = "gestureClick"
	MethodClickByGesture            = "clickByGesture"
	MethodNodeGestureClick          = "nodeGestureClick"
	MethodPerformLinearGesture      = "performLinearGesture"
	MethodLongPressGestureAutoPaste = "longPressGestureAutoPaste"
	MethodBack                      = "back"
	MethodHome                      = "home"
	MethodNotifications             = "notifications"
	MethodRecentApps                = "recentApps"
	MethodPaste                     = "paste"
	MethodFocus                     = "focus"
	MethodSelectionText             = "selectionText"
	MethodScrollForward             = "scrollForward"
	MethodScrollBackward            = "scrollBackward"
	MethodLaunchApp                 = "launchApp"
	MethodGetPackageName            = "getPackageName"
	MethodOverlayToast              = "overlayToast"
	MethodTakeScreenshot            = "takeScreenshot"
	MethodGetScreenSize             = "getScreenSize"
	MethodGetAppScreenSize          = "getAppScreenSize"
	MethodGetAppInfo                = "getAppInfo"
	MethodScanQR                    = "scanQR"
)

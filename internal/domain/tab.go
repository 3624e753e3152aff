package domain

// Tab is a snapshot of one open browser tab.
type Tab struct {
	ID       int    `json:"id"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	Active   bool   `json:"active"`
	WindowID int    `json:"windowId"`
	Index    int    `json:"index"`
	Pinned   bool   `json:"pinned"`
	Status   string `json:"status"` // "loading" or "complete"
}

// WindowBounds describes the geometry of the window hosting a tab.
type WindowBounds struct {
	Left   int    `json:"left"`
	Top    int    `json:"top"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	State  string `json:"state,omitempty"` // "normal", "minimized", "maximized", "fullscreen"
}

// Viewport describes the visible page area of a tab.
type Viewport struct {
	Width  int     `json:"width"`
	Height int     `json:"height"`
	DPR    float64 `json:"dpr"`
}

// EvalResult is the outcome of evaluating an expression in page context.
// Thrown errors are captured here, not surfaced as transport errors.
type EvalResult struct {
	Value string `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

// Threw reports whether the evaluated expression raised an error.
func (r EvalResult) Threw() bool {
	return r.Error != ""
}

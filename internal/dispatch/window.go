package dispatch

import "fmt"

// Window is an inclusive range of item hours served by one invocation.
type Window struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Contains reports whether hour h falls in the window.
func (w Window) Contains(h int) bool { return h >= w.Start && h <= w.End }

func (w Window) String() string { return fmt.Sprintf("%02d-%02d", w.Start, w.End) }

// Windows lists the dispatch windows in order. Together they cover 0..23 once.
var Windows = []Window{
	{Start: 0, End: 8},
	{Start: 9, End: 13},
	{Start: 14, End: 18},
	{Start: 19, End: 23},
}

// Hours are the invocation hours, one per window.
var Hours = []int{0, 9, 14, 19}

// WindowFor returns the window containing h. Hours outside 0..23 are wrapped.
func WindowFor(h int) Window {
	h = ((h % 24) + 24) % 24
	for _, w := range Windows {
		if w.Contains(h) {
			return w
		}
	}
	return Windows[len(Windows)-1]
}

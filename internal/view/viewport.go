// Package view implements the scroll-follow policy for a message list:
// auto-advance to the newest message only when the viewer was already at
// the bottom, otherwise keep the position and raise a "new messages"
// affordance instead of yanking the viewport away from history.
package view

// Viewport tracks the scroll geometry of one message list in pixels.
type Viewport struct {
	threshold int

	scrollTop     int
	height        int
	contentHeight int

	userScrolled bool
	newMessages  bool
}

// Decision is the outcome of observing one message arrival.
type Decision struct {
	// ScrollToBottom tells the renderer to advance to the new bottom.
	ScrollToBottom bool
	// NewMessages tells the renderer to show the non-modal "new messages"
	// affordance instead.
	NewMessages bool
}

// NewViewport builds a viewport with the given near-bottom threshold in
// pixels.
func NewViewport(thresholdPx int) *Viewport {
	return &Viewport{threshold: thresholdPx}
}

// SetMetrics records the viewport and content heights reported by the
// renderer.
func (v *Viewport) SetMetrics(height, contentHeight int) {
	v.height = height
	v.contentHeight = contentHeight
}

// HandleScroll records a user-driven scroll position change. Reaching the
// bottom clears the "new messages" affordance.
func (v *Viewport) HandleScroll(scrollTop int) {
	v.scrollTop = scrollTop
	v.userScrolled = true
	if v.NearBottom() {
		v.newMessages = false
	}
}

// NearBottom reports whether the view is within the threshold of the
// content's bottom edge.
func (v *Viewport) NearBottom() bool {
	return v.contentHeight-(v.scrollTop+v.height) <= v.threshold
}

// ObserveAppend applies the scroll-follow rule for one appended message.
// The near-bottom check uses the geometry from immediately before the
// append; newContentHeight is the content height afterwards.
func (v *Viewport) ObserveAppend(newContentHeight int) Decision {
	follow := v.NearBottom() || !v.userScrolled
	v.contentHeight = newContentHeight

	if follow {
		v.scrollTop = newContentHeight - v.height
		if v.scrollTop < 0 {
			v.scrollTop = 0
		}
		v.newMessages = false
		return Decision{ScrollToBottom: true}
	}

	v.newMessages = true
	return Decision{NewMessages: true}
}

// Height returns the last reported viewport height.
func (v *Viewport) Height() int {
	return v.height
}

// ScrollTop returns the current scroll offset.
func (v *Viewport) ScrollTop() int {
	return v.scrollTop
}

// HasNewMessages reports whether the "new messages" affordance is active.
func (v *Viewport) HasNewMessages() bool {
	return v.newMessages
}

// JumpToBottom advances to the newest content, clearing the affordance.
// Bound to the "new messages" control.
func (v *Viewport) JumpToBottom() {
	v.scrollTop = v.contentHeight - v.height
	if v.scrollTop < 0 {
		v.scrollTop = 0
	}
	v.newMessages = false
}

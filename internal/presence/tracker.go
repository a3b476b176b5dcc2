// Package presence tracks ephemeral typing signals. Signals are broadcast
// over the active channel, never persisted; the backend provides no expiry,
// so each peer gets a local timer that clears the signal when no refresh
// arrives.
package presence

import (
	"sync"
	"time"
)

// DefaultTTL is how long a typing signal stays visible without a refresh.
// The sender's own stop signal does not always fire on disconnect, so the
// receiver-side timer is the guarantee.
const DefaultTTL = 4 * time.Second

// Tracker keeps the set of peers currently typing in one scope.
type Tracker struct {
	ttl      time.Duration
	onChange func()

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// Option tweaks tracker construction.
type Option func(*Tracker)

// WithTTL overrides the signal expiry.
func WithTTL(ttl time.Duration) Option {
	return func(t *Tracker) {
		if ttl > 0 {
			t.ttl = ttl
		}
	}
}

// WithOnChange registers a callback fired whenever the typing set changes,
// including timer-driven expiry. Called without the tracker lock held.
func WithOnChange(fn func()) Option {
	return func(t *Tracker) { t.onChange = fn }
}

// NewTracker builds an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		ttl:    DefaultTTL,
		timers: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Observe records a received typing signal for a peer. A true signal
// starts or refreshes the peer's expiry timer; a false signal clears the
// peer immediately.
func (t *Tracker) Observe(peerID string, isTyping bool) {
	t.mu.Lock()
	changed := false

	if timer, ok := t.timers[peerID]; ok {
		timer.Stop()
		if !isTyping {
			delete(t.timers, peerID)
			changed = true
		}
	} else if !isTyping {
		t.mu.Unlock()
		return
	} else {
		changed = true
	}

	if isTyping {
		t.timers[peerID] = time.AfterFunc(t.ttl, func() {
			t.expire(peerID)
		})
	}
	t.mu.Unlock()

	if changed {
		t.notify()
	}
}

// Typing returns the peers currently typing.
func (t *Tracker) Typing() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.timers))
	for peer := range t.timers {
		out = append(out, peer)
	}
	return out
}

// IsTyping reports whether the given peer is typing.
func (t *Tracker) IsTyping(peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[peerID]
	return ok
}

// Reset clears all peers and stops their timers. Used on scope change:
// typing state never crosses scopes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	had := len(t.timers) > 0
	for peer, timer := range t.timers {
		timer.Stop()
		delete(t.timers, peer)
	}
	t.mu.Unlock()

	if had {
		t.notify()
	}
}

func (t *Tracker) expire(peerID string) {
	t.mu.Lock()
	_, ok := t.timers[peerID]
	if ok {
		delete(t.timers, peerID)
	}
	t.mu.Unlock()

	if ok {
		t.notify()
	}
}

func (t *Tracker) notify() {
	if t.onChange != nil {
		t.onChange()
	}
}

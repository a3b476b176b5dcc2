package realtime

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/entraide/beacon/internal/scope"
	"github.com/entraide/beacon/internal/source"
)

// State is the channel manager's subscription lifecycle state.
type State int32

const (
	// StateIdle means no scope is active or activation failed.
	StateIdle State = iota
	// StateSubscribing means the subscription and snapshot for the current
	// scope are being set up.
	StateSubscribing
	// StateLive means both the subscription and the snapshot completed.
	StateLive
	// StateClosing means the previous subscription's teardown is in flight.
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribing:
		return "subscribing"
	case StateLive:
		return "live"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

// Handler receives the manager's merged output. All callbacks are invoked
// from the manager's run loop goroutine, one at a time.
type Handler interface {
	// OnScopeChange fires when the active scope changes. A nil scope is the
	// inactive state: the surface renders its placeholder.
	OnScopeChange(sc *scope.Scope)

	// OnSnapshot delivers the point-in-time rows for the current scope.
	// Stale snapshots (issued for a since-abandoned scope) never arrive
	// here.
	OnSnapshot(sc *scope.Scope, rows []source.Row)

	// OnEvent delivers one pushed event for the current scope.
	OnEvent(sc *scope.Scope, ev source.Event)

	// OnSyncError reports a failed activation (wraps ErrSnapshotLoadFailed
	// or ErrSubscribeFailed). The scope stays Idle until Refresh or a new
	// scope is set.
	OnSyncError(err error)
}

// Manager owns the subscription lifecycle for one chat surface: at most
// one live subscription at a time, teardown initiated before the next
// setup, and stale completions discarded by activation token.
type Manager struct {
	src              source.Source
	handler          Handler
	log              zerolog.Logger
	resubscribeDelay time.Duration

	commands chan any
	inbox    chan any
	state    atomic.Int32

	// Loop-owned; touched only from Run.
	current      *scope.Scope
	token        scope.Token
	sub          source.Subscription
	haveSnapshot bool

	// Events pushed between subscribe completion and snapshot arrival are
	// held back and replayed after the snapshot, so the wholesale snapshot
	// load cannot erase them.
	preSnapshot []source.Event
}

// ManagerOption tweaks manager construction.
type ManagerOption func(*Manager)

// WithResubscribeDelay sets the pause before re-subscribing after the
// event source drops the live stream.
func WithResubscribeDelay(d time.Duration) ManagerOption {
	return func(m *Manager) { m.resubscribeDelay = d }
}

// NewManager builds a channel manager for one surface. The surface name
// only labels log output.
func NewManager(surface string, src source.Source, handler Handler, logger *zerolog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		src:              src,
		handler:          handler,
		log:              logger.With().Str("surface", surface).Logger(),
		resubscribeDelay: time.Second,
		commands:         make(chan any, 8),
		inbox:            make(chan any, 32),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// SetScope switches the surface to a new scope. A nil scope deactivates
// the surface. The old subscription's teardown is initiated before the new
// setup starts; events still in flight for the old scope are discarded by
// token comparison rather than forcibly aborted.
func (m *Manager) SetScope(sc *scope.Scope) {
	m.commands <- setScopeCmd{sc: sc}
}

// Refresh re-activates the current scope from scratch: fresh token, fresh
// subscription, fresh snapshot. Used by the retry affordance after a
// failed activation.
func (m *Manager) Refresh() {
	m.commands <- refreshCmd{}
}

// Broadcast relays an ephemeral payload over the active channel. Best
// effort: dropped silently when no subscription is live.
func (m *Manager) Broadcast(name string, payload source.Row) {
	m.commands <- broadcastCmd{name: name, payload: payload}
}

type setScopeCmd struct{ sc *scope.Scope }
type refreshCmd struct{}
type broadcastCmd struct {
	name    string
	payload source.Row
}
type resubscribeCmd struct{ token scope.Token }

type subscribeDone struct {
	token scope.Token
	sub   source.Subscription
	err   error
}
type snapshotDone struct {
	token scope.Token
	rows  []source.Row
	err   error
}
type eventMsg struct {
	token scope.Token
	ev    source.Event
}
type streamClosed struct {
	token scope.Token
	err   error
}
type closeDone struct{ token scope.Token }

// Run drives the manager until the context is cancelled. All state
// transitions and handler callbacks happen on this goroutine, so async
// completion interleavings are serialized here.
func (m *Manager) Run(ctx context.Context) {
	defer m.shutdown()

	for {
		select {
		case cmd := <-m.commands:
			m.handleCommand(ctx, cmd)
		case msg := <-m.inbox:
			m.handleInbox(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) handleCommand(ctx context.Context, cmd any) {
	switch c := cmd.(type) {
	case setScopeCmd:
		m.handleSetScope(ctx, c.sc)
	case refreshCmd:
		if m.current != nil {
			m.activate(ctx, m.current, m.closeSubscription())
		}
	case broadcastCmd:
		if m.sub == nil {
			m.log.Debug().Str("event", c.name).Msg("broadcast dropped: no live subscription")
			return
		}
		sub := m.sub
		go func() {
			if err := sub.Broadcast(ctx, c.name, c.payload); err != nil {
				m.log.Debug().Err(err).Str("event", c.name).Msg("broadcast failed")
			}
		}()
	case resubscribeCmd:
		// Reconnect only if no newer activation superseded the dropped one.
		if c.token == m.token && m.current != nil {
			m.log.Info().Str("scope", m.current.Key).Msg("re-subscribing after stream drop")
			m.activate(ctx, m.current, m.closeSubscription())
		}
	}
}

func (m *Manager) handleInbox(ctx context.Context, msg any) {
	switch c := msg.(type) {
	case subscribeDone:
		if c.token != m.token {
			// A scope change raced the subscribe call; this handle must not
			// stay live alongside the current one.
			if c.sub != nil {
				closeQuietly(c.sub, &m.log)
			}
			m.log.Debug().Msg("discarded stale subscribe result")
			return
		}
		if c.err != nil {
			m.setState(StateIdle)
			m.handler.OnSyncError(fmt.Errorf("%w: %v", ErrSubscribeFailed, c.err))
			return
		}
		m.sub = c.sub
		go m.pump(ctx, c.token, c.sub)
		if m.haveSnapshot {
			m.setState(StateLive)
		}

	case snapshotDone:
		if c.token != m.token {
			m.log.Debug().Msg("discarded stale snapshot")
			return
		}
		if c.err != nil {
			m.idleWhenClosed(ctx, m.closeSubscription(), m.token)
			m.handler.OnSyncError(fmt.Errorf("%w: %v", ErrSnapshotLoadFailed, c.err))
			return
		}
		m.haveSnapshot = true
		m.handler.OnSnapshot(m.current, c.rows)
		for _, ev := range m.preSnapshot {
			m.handler.OnEvent(m.current, ev)
		}
		m.preSnapshot = nil
		if m.sub != nil {
			m.setState(StateLive)
		}

	case eventMsg:
		if c.token != m.token {
			m.log.Debug().Msg("discarded event for abandoned scope")
			return
		}
		if !m.haveSnapshot && c.ev.Kind != source.EventBroadcast {
			m.preSnapshot = append(m.preSnapshot, c.ev)
			return
		}
		m.handler.OnEvent(m.current, c.ev)

	case streamClosed:
		if c.token != m.token {
			return
		}
		m.sub = nil
		m.setState(StateSubscribing)
		if c.err != nil {
			m.log.Warn().Err(c.err).Msg("subscription stream dropped")
		}
		token := m.token
		time.AfterFunc(m.resubscribeDelay, func() {
			select {
			case m.commands <- resubscribeCmd{token: token}:
			case <-ctx.Done():
			}
		})

	case closeDone:
		// Teardown landed with no newer activation in between: the manager
		// is now at rest.
		if c.token != m.token {
			return
		}
		m.setState(StateIdle)
	}
}

func (m *Manager) handleSetScope(ctx context.Context, sc *scope.Scope) {
	if m.current.Equal(sc) && m.State() != StateIdle {
		return
	}

	// Teardown of the old subscription is initiated before the new setup.
	closed := m.closeSubscription()

	if sc == nil {
		m.current = nil
		m.token = ""
		m.haveSnapshot = false
		m.preSnapshot = nil
		m.handler.OnScopeChange(nil)
		m.idleWhenClosed(ctx, closed, "")
		return
	}

	m.handler.OnScopeChange(sc)
	m.activate(ctx, sc, closed)
}

// activate issues the subscribe and snapshot calls for a scope under a
// fresh token. The setup goroutine first waits for the previous handle's
// close to land, so two subscriptions are never live at once; it then
// subscribes before querying the snapshot so no insert can fall between
// the two. The overlap duplicates this produces are absorbed by the dedup
// store.
func (m *Manager) activate(ctx context.Context, sc *scope.Scope, closed <-chan struct{}) {
	m.current = sc
	m.token = scope.NewToken()
	m.haveSnapshot = false
	m.preSnapshot = nil
	m.setState(StateSubscribing)

	token := m.token
	go func() {
		select {
		case <-closed:
		case <-ctx.Done():
			return
		}

		sub, err := m.src.Subscribe(ctx, sc.Channel, source.SubscribeOptions{
			Table:  sc.Table,
			Event:  source.EventAny,
			Filter: sc.Filters(),
		})
		m.deliver(ctx, subscribeDone{token: token, sub: sub, err: err})
		if err != nil {
			return
		}

		rows, qerr := m.src.Query(ctx, sc.Table, sc.Filters(), source.Order{Field: "created_at"})
		m.deliver(ctx, snapshotDone{token: token, rows: rows, err: qerr})
	}()
}

// pump forwards subscription events into the run loop, tagged with the
// activation token they belong to.
func (m *Manager) pump(ctx context.Context, token scope.Token, sub source.Subscription) {
	for ev := range sub.Events() {
		m.deliver(ctx, eventMsg{token: token, ev: ev})
	}
	m.deliver(ctx, streamClosed{token: token, err: sub.Err()})
}

func (m *Manager) deliver(ctx context.Context, msg any) {
	select {
	case m.inbox <- msg:
	case <-ctx.Done():
	}
}

// closeSubscription initiates a best-effort close of the current
// subscription handle and returns a channel closed once the close has
// landed. The state stays Closing until a caller moves it on: activation
// paths set Subscribing right away, deactivation waits for closeDone.
// Close errors are logged, never surfaced.
func (m *Manager) closeSubscription() <-chan struct{} {
	done := make(chan struct{})
	if m.sub == nil {
		close(done)
		return done
	}
	m.setState(StateClosing)
	sub := m.sub
	m.sub = nil
	go func() {
		closeQuietly(sub, &m.log)
		close(done)
	}()
	return done
}

// idleWhenClosed reports teardown completion back into the run loop so
// Closing is observable for as long as the close is actually in flight.
func (m *Manager) idleWhenClosed(ctx context.Context, closed <-chan struct{}, token scope.Token) {
	go func() {
		select {
		case <-closed:
			m.deliver(ctx, closeDone{token: token})
		case <-ctx.Done():
		}
	}()
}

func (m *Manager) shutdown() {
	if m.sub != nil {
		closeQuietly(m.sub, &m.log)
		m.sub = nil
	}
	m.setState(StateIdle)
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
}

func closeQuietly(sub source.Subscription, log *zerolog.Logger) {
	if err := sub.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close subscription")
	}
}

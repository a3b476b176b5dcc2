// Package chat assembles one chat surface: scope selection, the
// subscription lifecycle, the deduplicated working set, typing presence,
// and the scroll-follow decision, behind a single facade the renderer
// talks to.
package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/entraide/beacon/internal/presence"
	"github.com/entraide/beacon/internal/realtime"
	"github.com/entraide/beacon/internal/scope"
	"github.com/entraide/beacon/internal/source"
	"github.com/entraide/beacon/internal/view"
)

// BroadcastTyping is the broadcast event name typing signals travel under.
const BroadcastTyping = "typing"

// Callbacks deliver surface output to the renderer. They may fire from
// the sync loop or from send goroutines; implementations must be safe
// for that and must not call back into the surface synchronously.
type Callbacks struct {
	// OnMessages fires whenever the visible working set changes, with a
	// copy in display order.
	OnMessages func(msgs []realtime.Message)
	// OnAppend fires for each newly visible message together with the
	// scroll-follow decision for it.
	OnAppend func(m realtime.Message, d view.Decision)
	// OnTyping fires when the set of peers typing in the current scope
	// changes.
	OnTyping func(peers []string)
	// OnError reports a sync or send failure, once per failure.
	OnError func(err error)
}

// Surface is one chat view bound to a fixed kind (community, report
// thread, or direct). Selection changes produce new scopes; the surface
// keeps at most one live.
type Surface struct {
	kind scope.Kind
	self string
	src  source.Source
	log  zerolog.Logger
	cb   Callbacks

	mgr    *realtime.Manager
	typing *presence.Tracker

	mu       sync.Mutex
	current  *scope.Scope
	store    *realtime.Store
	viewport *view.Viewport
}

// Option tweaks surface construction.
type Option func(*cfg)

type cfg struct {
	followThreshold int
	typingTTL       []presence.Option
	manager         []realtime.ManagerOption
}

// WithFollowThreshold sets how close to the bottom, in rows, the view
// must be for new messages to auto-scroll.
func WithFollowThreshold(rows int) Option {
	return func(c *cfg) { c.followThreshold = rows }
}

// WithTypingTTL overrides the typing signal expiry.
func WithTypingTTL(opt presence.Option) Option {
	return func(c *cfg) { c.typingTTL = append(c.typingTTL, opt) }
}

// WithManagerOptions forwards options to the underlying channel manager.
func WithManagerOptions(opts ...realtime.ManagerOption) Option {
	return func(c *cfg) { c.manager = append(c.manager, opts...) }
}

// NewCommunitySurface builds the topic+region community chat for selfID.
func NewCommunitySurface(selfID string, src source.Source, logger *zerolog.Logger, cb Callbacks, opts ...Option) *Surface {
	return newSurface(scope.KindTopicRegion, selfID, src, logger, cb, opts...)
}

// NewReportSurface builds the per-report thread chat for selfID.
func NewReportSurface(selfID string, src source.Source, logger *zerolog.Logger, cb Callbacks, opts ...Option) *Surface {
	return newSurface(scope.KindThread, selfID, src, logger, cb, opts...)
}

// NewDirectSurface builds the one-to-one chat for selfID.
func NewDirectSurface(selfID string, src source.Source, logger *zerolog.Logger, cb Callbacks, opts ...Option) *Surface {
	return newSurface(scope.KindPeerPair, selfID, src, logger, cb, opts...)
}

func newSurface(kind scope.Kind, selfID string, src source.Source, logger *zerolog.Logger, cb Callbacks, opts ...Option) *Surface {
	c := cfg{followThreshold: 2}
	for _, opt := range opts {
		opt(&c)
	}

	log := logger.With().Str("surface", string(kind)).Logger()
	s := &Surface{
		kind:     kind,
		self:     selfID,
		src:      src,
		log:      log,
		cb:       cb,
		store:    realtime.NewStore(&log),
		viewport: view.NewViewport(c.followThreshold),
	}
	s.typing = presence.NewTracker(append(c.typingTTL, presence.WithOnChange(s.typingChanged))...)
	s.mgr = realtime.NewManager(string(kind), src, s, logger, c.manager...)
	return s
}

// Run drives the surface's sync loop until the context is cancelled.
func (s *Surface) Run(ctx context.Context) {
	s.mgr.Run(ctx)
}

// Select resolves a scope from the given parameters and switches to it.
// The kind and self id are the surface's own; missing selectors
// deactivate the surface.
func (s *Surface) Select(p scope.Params) {
	p.Kind = s.kind
	if p.SelfID == "" {
		p.SelfID = s.self
	}
	if s.kind == scope.KindUser && p.UserID == "" {
		p.UserID = s.self
	}
	s.mgr.SetScope(scope.Resolve(p))
}

// Deactivate retires the current scope without selecting a new one.
func (s *Surface) Deactivate() {
	s.mgr.SetScope(nil)
}

// Refresh re-activates the current scope from scratch. The retry
// affordance after a reported sync failure.
func (s *Surface) Refresh() {
	s.mgr.Refresh()
}

// State returns the subscription lifecycle state.
func (s *Surface) State() realtime.State {
	return s.mgr.State()
}

// Messages returns the working set in display order.
func (s *Surface) Messages() []realtime.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Messages()
}

// TypingPeers returns the peers currently typing in the active scope.
func (s *Surface) TypingPeers() []string {
	return s.typing.Typing()
}

// Send inserts a message into the active scope. A provisional entry
// appears immediately; the write happens in the background, and on
// failure the entry is removed and the error surfaced so the composer
// can keep the draft.
func (s *Surface) Send(ctx context.Context, body string) error {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil
	}

	s.mu.Lock()
	sc := s.current
	if sc == nil {
		s.mu.Unlock()
		return realtime.ErrScopeInvalid
	}
	ref := uuid.NewString()
	s.store.AppendPending(realtime.Message{
		ScopeKey:  sc.Key,
		SenderID:  s.self,
		Body:      body,
		ClientRef: ref,
	})
	msgs := s.store.Messages()
	s.mu.Unlock()
	s.emitMessages(msgs)

	go s.persistSend(ctx, sc, ref, body)
	return nil
}

func (s *Surface) persistSend(ctx context.Context, sc *scope.Scope, ref, body string) {
	row := source.Row{
		"sender_id":  s.self,
		"body":       body,
		"client_ref": ref,
	}
	// The scope's filter fields are exactly the columns that route the row
	// back to this scope's subscribers.
	for _, f := range sc.Filters() {
		row[f.Field] = f.Value
	}

	confirmed, err := s.src.Insert(ctx, sc.Table, row)
	if err != nil {
		s.mu.Lock()
		dropped := s.store.DropPending(ref)
		msgs := s.store.Messages()
		s.mu.Unlock()
		if dropped {
			s.emitMessages(msgs)
		}
		s.reportError(fmt.Errorf("%w: %v", realtime.ErrSendFailed, err))
		return
	}

	// The confirmed row usually also echoes back through the subscription;
	// merging it here just resolves the pending entry sooner. The store's
	// dedup absorbs the echo.
	m, ok := realtime.MessageFromRow(confirmed)
	if !ok {
		return
	}
	s.mu.Lock()
	if !sc.Equal(s.current) {
		s.mu.Unlock()
		return
	}
	changed := s.store.Append(m)
	msgs := s.store.Messages()
	s.mu.Unlock()
	if changed {
		s.emitMessages(msgs)
	}
}

// SetTyping broadcasts the user's typing state on the active channel.
// Best effort and unpersisted.
func (s *Surface) SetTyping(isTyping bool) {
	s.mgr.Broadcast(BroadcastTyping, source.Row{
		"user_id":   s.self,
		"is_typing": isTyping,
	})
}

// SetViewportHeight tells the surface how many message rows are visible.
func (s *Surface) SetViewportHeight(rows int) {
	s.mu.Lock()
	s.viewport.SetMetrics(rows, s.store.Len())
	s.mu.Unlock()
}

// HandleScroll records a user-driven scroll to the given top row.
func (s *Surface) HandleScroll(topRow int) {
	s.mu.Lock()
	s.viewport.HandleScroll(topRow)
	s.mu.Unlock()
}

// ScrollTop returns the current top row of the view.
func (s *Surface) ScrollTop() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewport.ScrollTop()
}

// HasNewMessages reports whether the "new messages" affordance is active.
func (s *Surface) HasNewMessages() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewport.HasNewMessages()
}

// JumpToBottom advances the view to the newest message.
func (s *Surface) JumpToBottom() {
	s.mu.Lock()
	s.viewport.JumpToBottom()
	s.mu.Unlock()
}

// OnScopeChange implements the sync handler: the working set and typing
// state never survive a scope change.
func (s *Surface) OnScopeChange(sc *scope.Scope) {
	s.mu.Lock()
	s.current = sc
	s.store.Clear()
	s.viewport.SetMetrics(s.viewport.Height(), 0)
	msgs := s.store.Messages()
	s.mu.Unlock()

	s.typing.Reset()
	s.emitMessages(msgs)
}

// OnSnapshot replaces the working set with the snapshot rows.
func (s *Surface) OnSnapshot(_ *scope.Scope, rows []source.Row) {
	batch := make([]realtime.Message, 0, len(rows))
	for _, row := range rows {
		m, ok := realtime.MessageFromRow(row)
		if !ok {
			s.log.Warn().Msg("dropped malformed snapshot row")
			continue
		}
		batch = append(batch, m)
	}

	s.mu.Lock()
	s.store.LoadSnapshot(batch)
	s.viewport.SetMetrics(s.viewport.Height(), s.store.Len())
	s.viewport.JumpToBottom()
	msgs := s.store.Messages()
	s.mu.Unlock()
	s.emitMessages(msgs)
}

// OnEvent merges one pushed event: inserts join the working set and drive
// the scroll-follow decision, updates patch read state, broadcasts feed
// the typing tracker.
func (s *Surface) OnEvent(_ *scope.Scope, ev source.Event) {
	switch ev.Kind {
	case source.EventInsert:
		m, ok := realtime.MessageFromRow(ev.Row)
		if !ok {
			s.log.Warn().Msg("dropped malformed message event")
			return
		}
		s.mu.Lock()
		if !s.store.Append(m) {
			s.mu.Unlock()
			return
		}
		d := s.viewport.ObserveAppend(s.store.Len())
		msgs := s.store.Messages()
		s.mu.Unlock()

		s.emitMessages(msgs)
		if s.cb.OnAppend != nil {
			s.cb.OnAppend(m, d)
		}

	case source.EventUpdate:
		m, ok := realtime.MessageFromRow(ev.Row)
		if !ok {
			return
		}
		s.mu.Lock()
		changed := s.store.Patch(m)
		msgs := s.store.Messages()
		s.mu.Unlock()
		if changed {
			s.emitMessages(msgs)
		}

	case source.EventBroadcast:
		if ev.Name != BroadcastTyping {
			return
		}
		peer := ev.Payload.String("user_id")
		if peer == "" || peer == s.self {
			return
		}
		s.typing.Observe(peer, ev.Payload.Bool("is_typing"))
	}
}

// OnSyncError surfaces a failed activation once. The scope stays idle
// until Refresh or a new selection.
func (s *Surface) OnSyncError(err error) {
	s.reportError(err)
}

func (s *Surface) typingChanged() {
	if s.cb.OnTyping != nil {
		s.cb.OnTyping(s.typing.Typing())
	}
}

func (s *Surface) emitMessages(msgs []realtime.Message) {
	if s.cb.OnMessages != nil {
		s.cb.OnMessages(msgs)
	}
}

func (s *Surface) reportError(err error) {
	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
}

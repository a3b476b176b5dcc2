package realtime

import (
	"context"
	"errors"
	stdsync "sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/entraide/beacon/internal/scope"
	"github.com/entraide/beacon/internal/source"
)

// fakeSub is a controllable subscription handle.
type fakeSub struct {
	src     *fakeSource
	channel string
	events  chan source.Event
	err     error

	mu     stdsync.Mutex
	closed bool
	// When set, Close blocks until the gate is closed, so teardown
	// duration is under test control.
	closeGate chan struct{}
}

func (s *fakeSub) Events() <-chan source.Event { return s.events }

func (s *fakeSub) Broadcast(_ context.Context, name string, payload source.Row) error {
	s.src.mu.Lock()
	defer s.src.mu.Unlock()
	s.src.broadcasts = append(s.src.broadcasts, name)
	return nil
}

func (s *fakeSub) Err() error { return s.err }

func (s *fakeSub) Close() error {
	s.mu.Lock()
	wasClosed := s.closed
	s.closed = true
	gate := s.closeGate
	s.mu.Unlock()
	if wasClosed {
		return nil
	}
	if gate != nil {
		<-gate
	}
	s.src.mu.Lock()
	s.src.live--
	s.src.mu.Unlock()
	close(s.events)
	return nil
}

// drop simulates the event source dropping the connection.
func (s *fakeSub) drop(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	s.mu.Unlock()
	s.src.mu.Lock()
	s.src.live--
	s.src.mu.Unlock()
	close(s.events)
}

func (s *fakeSub) push(ev source.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

// fakeSource records subscription concurrency and lets tests gate query
// completion to exercise stale-result interleavings.
type fakeSource struct {
	mu         stdsync.Mutex
	live       int
	maxLive    int
	subs       []*fakeSub
	broadcasts []string

	subscribeErr error
	queryErr     error
	queryRows    []source.Row

	// When set, each Query posts a request here and blocks until the test
	// replies, so completion interleavings are scripted deterministically.
	queryReqs chan *queryReq
}

type queryReq struct {
	filters []source.Filter
	reply   chan []source.Row
}

func (f *fakeSource) Query(ctx context.Context, table string, filters []source.Filter, order source.Order) ([]source.Row, error) {
	if f.queryReqs != nil {
		req := &queryReq{filters: filters, reply: make(chan []source.Row, 1)}
		select {
		case f.queryReqs <- req:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		select {
		case rows := <-req.reply:
			return rows, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.queryRows, nil
}

func (f *fakeSource) Subscribe(_ context.Context, channel string, _ source.SubscribeOptions) (source.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	sub := &fakeSub{src: f, channel: channel, events: make(chan source.Event, 16)}
	f.live++
	if f.live > f.maxLive {
		f.maxLive = f.live
	}
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeSource) Insert(context.Context, string, source.Row) (source.Row, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeSource) Update(context.Context, string, string, source.Row) error {
	return errors.New("not implemented")
}

func (f *fakeSource) lastSub() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

// recordingHandler captures manager callbacks for assertions.
type recordingHandler struct {
	mu        stdsync.Mutex
	snapshots [][]source.Row
	events    []source.Event
	scopes    []*scope.Scope
	errs      []error

	snapshotCh chan struct{}
	eventCh    chan source.Event
	errCh      chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		snapshotCh: make(chan struct{}, 8),
		eventCh:    make(chan source.Event, 16),
		errCh:      make(chan error, 8),
	}
}

func (h *recordingHandler) OnScopeChange(sc *scope.Scope) {
	h.mu.Lock()
	h.scopes = append(h.scopes, sc)
	h.mu.Unlock()
}

func (h *recordingHandler) OnSnapshot(_ *scope.Scope, rows []source.Row) {
	h.mu.Lock()
	h.snapshots = append(h.snapshots, rows)
	h.mu.Unlock()
	h.snapshotCh <- struct{}{}
}

func (h *recordingHandler) OnEvent(_ *scope.Scope, ev source.Event) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
	h.eventCh <- ev
}

func (h *recordingHandler) OnSyncError(err error) {
	h.mu.Lock()
	h.errs = append(h.errs, err)
	h.mu.Unlock()
	h.errCh <- err
}

func (h *recordingHandler) snapshotCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.snapshots)
}

func startManager(t *testing.T, src source.Source, h Handler) *Manager {
	t.Helper()
	logger := zerolog.Nop()
	m := NewManager("test", src, h, &logger, WithResubscribeDelay(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)
	return m
}

func waitSnapshot(t *testing.T, h *recordingHandler) {
	t.Helper()
	select {
	case <-h.snapshotCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", m.State(), want)
}

func nextQuery(t *testing.T, src *fakeSource) *queryReq {
	t.Helper()
	select {
	case req := <-src.queryReqs:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot query")
		return nil
	}
}

func communityScope(topic, region string) *scope.Scope {
	return scope.Resolve(scope.Params{Kind: scope.KindTopicRegion, Topic: topic, Region: region})
}

func TestManagerBecomesLiveAfterSnapshotAndSubscribe(t *testing.T) {
	src := &fakeSource{queryRows: []source.Row{{"id": "m1"}}}
	h := newRecordingHandler()
	m := startManager(t, src, h)

	m.SetScope(communityScope("autre", "Île-de-France"))
	waitSnapshot(t, h)
	waitState(t, m, StateLive)

	if src.maxLive != 1 {
		t.Fatalf("expected a single live subscription, saw %d", src.maxLive)
	}
}

func TestManagerAtMostOneLiveSubscription(t *testing.T) {
	src := &fakeSource{}
	h := newRecordingHandler()
	m := startManager(t, src, h)

	regions := []string{"Bretagne", "Normandie", "Occitanie", "Grand Est", "Corse"}
	for _, region := range regions {
		m.SetScope(communityScope("autre", region))
		waitSnapshot(t, h)
	}
	waitState(t, m, StateLive)

	src.mu.Lock()
	defer src.mu.Unlock()
	if src.maxLive > 1 {
		t.Fatalf("held %d live subscriptions simultaneously", src.maxLive)
	}
	if src.live != 1 {
		t.Fatalf("expected exactly one live subscription at rest, got %d", src.live)
	}
}

func TestManagerStaleSnapshotIsDiscarded(t *testing.T) {
	// Scope A's snapshot resolves only after the switch to scope B; the
	// late result must not reach the handler.
	src := &fakeSource{queryReqs: make(chan *queryReq, 2)}
	h := newRecordingHandler()
	m := startManager(t, src, h)

	m.SetScope(communityScope("autre", "Bretagne"))
	reqA := nextQuery(t, src)

	m.SetScope(communityScope("autre", "Normandie"))
	reqB := nextQuery(t, src)

	// Resolve A's query with rows that would be visible if the stale gate
	// failed, then B's.
	reqA.reply <- []source.Row{{"id": "stale-a"}}
	reqB.reply <- []source.Row{{"id": "fresh-b"}}

	waitSnapshot(t, h)
	waitState(t, m, StateLive)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.snapshots) != 1 {
		t.Fatalf("expected exactly one delivered snapshot, got %d", len(h.snapshots))
	}
	if h.snapshots[0][0].String("id") != "fresh-b" {
		t.Fatalf("stale snapshot leaked through: %v", h.snapshots[0])
	}
}

func TestManagerEventsForAbandonedScopeDropped(t *testing.T) {
	src := &fakeSource{}
	h := newRecordingHandler()
	m := startManager(t, src, h)

	m.SetScope(communityScope("autre", "Bretagne"))
	waitSnapshot(t, h)
	oldSub := src.lastSub()

	m.SetScope(communityScope("autre", "Normandie"))
	waitSnapshot(t, h)
	waitState(t, m, StateLive)

	// The old handle may still spill events before its close lands.
	oldSub.push(source.Event{Kind: source.EventInsert, Row: source.Row{"id": "late-old"}})

	newSub := src.lastSub()
	newSub.push(source.Event{Kind: source.EventInsert, Row: source.Row{"id": "current"}})

	select {
	case ev := <-h.eventCh:
		if ev.Row.String("id") != "current" {
			t.Fatalf("event from abandoned scope delivered: %v", ev.Row)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for current-scope event")
	}
}

func TestManagerNilScopeGoesIdle(t *testing.T) {
	src := &fakeSource{}
	h := newRecordingHandler()
	m := startManager(t, src, h)

	m.SetScope(communityScope("autre", "Bretagne"))
	waitSnapshot(t, h)
	waitState(t, m, StateLive)

	// Region cleared: scope resolves to nil, subscription torn down.
	m.SetScope(nil)
	waitState(t, m, StateIdle)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		src.mu.Lock()
		live := src.live
		src.mu.Unlock()
		if live == 0 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("subscription not closed after deactivation")
}

func TestManagerDeactivationHoldsClosingUntilTeardownLands(t *testing.T) {
	src := &fakeSource{}
	h := newRecordingHandler()
	m := startManager(t, src, h)

	m.SetScope(communityScope("autre", "Bretagne"))
	waitSnapshot(t, h)
	waitState(t, m, StateLive)

	gate := make(chan struct{})
	sub := src.lastSub()
	sub.mu.Lock()
	sub.closeGate = gate
	sub.mu.Unlock()

	m.SetScope(nil)
	waitState(t, m, StateClosing)

	// The close has not landed yet; Idle must not be reported.
	time.Sleep(20 * time.Millisecond)
	if s := m.State(); s != StateClosing {
		t.Fatalf("state = %v while teardown in flight, want closing", s)
	}

	close(gate)
	waitState(t, m, StateIdle)
}

func TestManagerSubscribeFailureStaysIdle(t *testing.T) {
	src := &fakeSource{subscribeErr: errors.New("boom")}
	h := newRecordingHandler()
	m := startManager(t, src, h)

	m.SetScope(communityScope("autre", "Bretagne"))

	select {
	case err := <-h.errCh:
		if !errors.Is(err, ErrSubscribeFailed) {
			t.Fatalf("expected ErrSubscribeFailed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error")
	}
	waitState(t, m, StateIdle)

	if h.snapshotCount() != 0 {
		t.Fatal("no snapshot should be delivered after subscribe failure")
	}

	// Retry affordance: clearing the error lets Refresh go Live.
	src.mu.Lock()
	src.subscribeErr = nil
	src.mu.Unlock()
	m.Refresh()
	waitSnapshot(t, h)
	waitState(t, m, StateLive)
}

func TestManagerSnapshotFailureStaysIdle(t *testing.T) {
	src := &fakeSource{queryErr: errors.New("db exploded")}
	h := newRecordingHandler()
	m := startManager(t, src, h)

	m.SetScope(communityScope("autre", "Bretagne"))

	select {
	case err := <-h.errCh:
		if !errors.Is(err, ErrSnapshotLoadFailed) {
			t.Fatalf("expected ErrSnapshotLoadFailed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error")
	}
	waitState(t, m, StateIdle)
}

func TestManagerResubscribesAfterStreamDrop(t *testing.T) {
	src := &fakeSource{}
	h := newRecordingHandler()
	m := startManager(t, src, h)

	m.SetScope(communityScope("autre", "Bretagne"))
	waitSnapshot(t, h)
	waitState(t, m, StateLive)

	src.lastSub().drop(errors.New("connection reset"))

	// Fresh snapshot for the same scope after the drop.
	waitSnapshot(t, h)
	waitState(t, m, StateLive)

	src.mu.Lock()
	defer src.mu.Unlock()
	if len(src.subs) != 2 {
		t.Fatalf("expected a second subscription after drop, got %d", len(src.subs))
	}
	if src.maxLive > 1 {
		t.Fatalf("reconnect overlapped subscriptions: max %d", src.maxLive)
	}
}

func TestManagerPreSnapshotEventsReplayedAfterSnapshot(t *testing.T) {
	src := &fakeSource{queryReqs: make(chan *queryReq, 1)}
	h := newRecordingHandler()
	m := startManager(t, src, h)

	m.SetScope(communityScope("autre", "Bretagne"))

	// Subscription is up before the snapshot resolves; an insert lands in
	// the gap.
	req := nextQuery(t, src)
	src.lastSub().push(source.Event{Kind: source.EventInsert, Row: source.Row{"id": "gap"}})

	req.reply <- []source.Row{{"id": "m1"}}
	waitSnapshot(t, h)

	select {
	case ev := <-h.eventCh:
		if ev.Row.String("id") != "gap" {
			t.Fatalf("unexpected replayed event: %v", ev.Row)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("gap event was not replayed after snapshot")
	}
}

func TestManagerBroadcastRequiresLiveSubscription(t *testing.T) {
	src := &fakeSource{}
	h := newRecordingHandler()
	m := startManager(t, src, h)

	// No scope yet: dropped silently.
	m.Broadcast("typing", source.Row{"user_id": "u1", "is_typing": true})

	m.SetScope(communityScope("autre", "Bretagne"))
	waitSnapshot(t, h)
	waitState(t, m, StateLive)

	m.Broadcast("typing", source.Row{"user_id": "u1", "is_typing": true})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		src.mu.Lock()
		n := len(src.broadcasts)
		src.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("broadcast did not reach the subscription")
}

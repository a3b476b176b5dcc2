package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/entraide/beacon/internal/source"
)

type fakeSource struct {
	mu      sync.Mutex
	updates []string
	fail    map[string]error
}

func (f *fakeSource) Query(context.Context, string, []source.Filter, source.Order) ([]source.Row, error) {
	return nil, nil
}

func (f *fakeSource) Subscribe(context.Context, string, source.SubscribeOptions) (source.Subscription, error) {
	return nil, errors.New("not used")
}

func (f *fakeSource) Insert(context.Context, string, source.Row) (source.Row, error) {
	return nil, errors.New("not used")
}

func (f *fakeSource) Update(_ context.Context, _ string, id string, _ source.Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, id)
	if err, ok := f.fail[id]; ok {
		return err
	}
	return nil
}

func (f *fakeSource) updated() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.updates...)
}

type harness struct {
	ledger *Ledger
	src    *fakeSource
	toasts chan Notification
	errs   chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		src:    &fakeSource{fail: make(map[string]error)},
		toasts: make(chan Notification, 8),
		errs:   make(chan error, 8),
	}
	logger := zerolog.Nop()
	h.ledger = NewLedger("user-1", h.src, &logger, Callbacks{
		OnToast: func(n Notification) { h.toasts <- n },
		OnError: func(err error) { h.errs <- err },
	})
	return h
}

func row(id string, at time.Time, read bool) source.Row {
	return source.Row{
		"id":         id,
		"user_id":    "user-1",
		"message":    "help requested nearby",
		"created_at": at,
		"is_read":    read,
	}
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a reported error")
		return nil
	}
}

// waitUntil polls for a background write-back to land.
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestSnapshotPopulatesFeedNewestFirst(t *testing.T) {
	h := newHarness(t)
	base := time.Now().UTC()
	h.ledger.OnSnapshot(nil, []source.Row{
		row("n1", base, true),
		row("n3", base.Add(2*time.Second), false),
		row("n2", base.Add(time.Second), false),
		{"message": "no id"},
	})

	feed := h.ledger.Notifications()
	if len(feed) != 3 {
		t.Fatalf("feed length = %d, want 3", len(feed))
	}
	if feed[0].ID != "n3" || feed[1].ID != "n2" || feed[2].ID != "n1" {
		t.Fatalf("display order = %s %s %s, want n3 n2 n1", feed[0].ID, feed[1].ID, feed[2].ID)
	}
	if got := h.ledger.UnreadCount(); got != 2 {
		t.Fatalf("unread = %d, want 2", got)
	}
}

func TestInsertEventToastsOnce(t *testing.T) {
	h := newHarness(t)
	ev := source.Event{Kind: source.EventInsert, Row: row("n1", time.Now(), false)}

	h.ledger.OnEvent(nil, ev)
	h.ledger.OnEvent(nil, ev) // redelivery

	select {
	case n := <-h.toasts:
		if n.ID != "n1" {
			t.Fatalf("toast for %s, want n1", n.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a toast for the fresh insert")
	}
	select {
	case <-h.toasts:
		t.Fatal("redelivered insert must not toast again")
	default:
	}
	if got := len(h.ledger.Notifications()); got != 1 {
		t.Fatalf("feed length = %d, want 1", got)
	}
}

func TestUpdateEventPatchesReadState(t *testing.T) {
	h := newHarness(t)
	at := time.Now().UTC()
	h.ledger.OnSnapshot(nil, []source.Row{row("n1", at, false)})

	h.ledger.OnEvent(nil, source.Event{Kind: source.EventUpdate, Row: row("n1", at, true)})

	if got := h.ledger.UnreadCount(); got != 0 {
		t.Fatalf("unread = %d, want 0 after update", got)
	}
	// An update for a row never seen here is not an insert.
	h.ledger.OnEvent(nil, source.Event{Kind: source.EventUpdate, Row: row("n9", at, true)})
	if got := len(h.ledger.Notifications()); got != 1 {
		t.Fatalf("feed length = %d, want 1", got)
	}
}

func TestMarkReadPersistsInBackground(t *testing.T) {
	h := newHarness(t)
	h.ledger.OnSnapshot(nil, []source.Row{row("n1", time.Now(), false)})

	h.ledger.MarkRead(context.Background(), "n1")

	if got := h.ledger.UnreadCount(); got != 0 {
		t.Fatalf("unread = %d, want 0 immediately after MarkRead", got)
	}
	waitUntil(t, func() bool { return len(h.src.updated()) == 1 })
	if got := h.src.updated(); got[0] != "n1" {
		t.Fatalf("persisted id = %s, want n1", got[0])
	}

	// Already-read entries are not written again.
	h.ledger.MarkRead(context.Background(), "n1")
	time.Sleep(20 * time.Millisecond)
	if got := len(h.src.updated()); got != 1 {
		t.Fatalf("updates = %d, want 1", got)
	}
}

func TestMarkReadRollsBackOnWriteFailure(t *testing.T) {
	h := newHarness(t)
	h.src.fail["n1"] = errors.New("backend down")
	h.ledger.OnSnapshot(nil, []source.Row{row("n1", time.Now(), false)})

	h.ledger.MarkRead(context.Background(), "n1")

	err := waitErr(t, h.errs)
	if !errors.Is(err, ErrMarkReadFailed) {
		t.Fatalf("err = %v, want ErrMarkReadFailed", err)
	}
	if got := h.ledger.UnreadCount(); got != 1 {
		t.Fatalf("unread = %d, want 1 after rollback", got)
	}
	select {
	case err := <-h.errs:
		t.Fatalf("failure reported twice: %v", err)
	default:
	}
}

func TestMarkAllReadRollsBackOnlyFailures(t *testing.T) {
	h := newHarness(t)
	h.src.fail["n2"] = errors.New("backend down")
	at := time.Now().UTC()
	h.ledger.OnSnapshot(nil, []source.Row{
		row("n1", at, false),
		row("n2", at.Add(time.Second), false),
		row("n3", at.Add(2*time.Second), true),
	})

	h.ledger.MarkAllRead(context.Background())

	if err := waitErr(t, h.errs); !errors.Is(err, ErrMarkReadFailed) {
		t.Fatalf("err = %v, want ErrMarkReadFailed", err)
	}
	if got := h.ledger.UnreadCount(); got != 1 {
		t.Fatalf("unread = %d, want only the rolled-back entry", got)
	}
	// n3 was already read and must not have been written.
	for _, id := range h.src.updated() {
		if id == "n3" {
			t.Fatal("already-read entry was written back")
		}
	}
}

func TestMarkAllReadWithNothingUnreadIsQuiet(t *testing.T) {
	h := newHarness(t)
	h.ledger.OnSnapshot(nil, []source.Row{row("n1", time.Now(), true)})

	h.ledger.MarkAllRead(context.Background())
	time.Sleep(20 * time.Millisecond)
	if got := len(h.src.updated()); got != 0 {
		t.Fatalf("updates = %d, want 0", got)
	}
}

// Package notify maintains a user's notification feed: a snapshot plus a
// live subscription scoped to the user, with optimistic read-state
// mutations written back to the event source.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/entraide/beacon/internal/realtime"
	"github.com/entraide/beacon/internal/scope"
	"github.com/entraide/beacon/internal/source"
)

// ErrMarkReadFailed wraps a failed read-state write. The optimistic local
// change is rolled back before this is surfaced.
var ErrMarkReadFailed = errors.New("failed to persist read state")

// Callbacks deliver ledger output to the owning surface. OnChange and
// OnToast may be invoked from the sync loop or from write-back
// goroutines; implementations must be safe for that.
type Callbacks struct {
	// OnChange fires whenever the feed contents or read state change.
	OnChange func()
	// OnToast fires once per freshly pushed notification.
	OnToast func(n Notification)
	// OnError reports a sync or write-back failure. Each failure is
	// reported once, never retried in a loop.
	OnError func(err error)
}

// Ledger is the notification feed for one user. It owns a channel manager
// permanently scoped to that user and is the only writer of its entries.
type Ledger struct {
	userID string
	src    source.Source
	log    zerolog.Logger
	cb     Callbacks
	mgr    *realtime.Manager

	mu      sync.Mutex
	entries map[string]Notification
}

// NewLedger builds a ledger for the given user. Call Run to start
// syncing.
func NewLedger(userID string, src source.Source, logger *zerolog.Logger, cb Callbacks, opts ...realtime.ManagerOption) *Ledger {
	l := &Ledger{
		userID:  userID,
		src:     src,
		log:     logger.With().Str("user", userID).Logger(),
		cb:      cb,
		entries: make(map[string]Notification),
	}
	l.mgr = realtime.NewManager("notifications", src, l, logger, opts...)
	return l
}

// Run syncs the feed until the context is cancelled.
func (l *Ledger) Run(ctx context.Context) {
	l.mgr.SetScope(scope.Resolve(scope.Params{Kind: scope.KindUser, UserID: l.userID}))
	l.mgr.Run(ctx)
}

// Refresh re-activates the feed from scratch. The retry affordance after
// a reported sync failure.
func (l *Ledger) Refresh() {
	l.mgr.Refresh()
}

// Notifications returns the feed in display order, newest first.
func (l *Ledger) Notifications() []Notification {
	l.mu.Lock()
	out := make([]Notification, 0, len(l.entries))
	for _, n := range l.entries {
		out = append(out, n)
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return displayBefore(out[i], out[j]) })
	return out
}

// UnreadCount derives the number of unread entries from the feed. It is
// never maintained as a separate counter.
func (l *Ledger) UnreadCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, n := range l.entries {
		if !n.Read {
			count++
		}
	}
	return count
}

// MarkRead flips one entry to read. The local change is applied
// immediately; the write to the event source happens in the background
// and rolls the entry back on failure.
func (l *Ledger) MarkRead(ctx context.Context, id string) {
	l.mu.Lock()
	n, ok := l.entries[id]
	if !ok || n.Read {
		l.mu.Unlock()
		return
	}
	n.Read = true
	l.entries[id] = n
	l.mu.Unlock()

	l.changed()
	go l.persistRead(ctx, []string{id})
}

// MarkAllRead flips every unread entry to read, optimistically, with one
// background write per entry. Entries whose write fails are rolled back.
func (l *Ledger) MarkAllRead(ctx context.Context) {
	l.mu.Lock()
	var ids []string
	for id, n := range l.entries {
		if n.Read {
			continue
		}
		n.Read = true
		l.entries[id] = n
		ids = append(ids, id)
	}
	l.mu.Unlock()

	if len(ids) == 0 {
		return
	}
	l.changed()
	go l.persistRead(ctx, ids)
}

func (l *Ledger) persistRead(ctx context.Context, ids []string) {
	var failed []string
	var firstErr error
	for _, id := range ids {
		err := l.src.Update(ctx, scope.TableNotifications, id, source.Row{"is_read": true})
		if err == nil {
			continue
		}
		failed = append(failed, id)
		if firstErr == nil {
			firstErr = err
		}
		l.log.Warn().Err(err).Str("id", id).Msg("mark-read write failed")
	}
	if len(failed) == 0 {
		return
	}

	l.mu.Lock()
	for _, id := range failed {
		if n, ok := l.entries[id]; ok {
			n.Read = false
			l.entries[id] = n
		}
	}
	l.mu.Unlock()

	l.changed()
	l.reportError(fmt.Errorf("%w: %v", ErrMarkReadFailed, firstErr))
}

// OnScopeChange implements the sync handler. The ledger's scope only
// changes between the user's feed and nil at shutdown.
func (l *Ledger) OnScopeChange(sc *scope.Scope) {
	if sc != nil {
		return
	}
	l.mu.Lock()
	l.entries = make(map[string]Notification)
	l.mu.Unlock()
	l.changed()
}

// OnSnapshot replaces the feed with the snapshot rows.
func (l *Ledger) OnSnapshot(_ *scope.Scope, rows []source.Row) {
	fresh := make(map[string]Notification, len(rows))
	for _, row := range rows {
		n, ok := FromRow(row)
		if !ok {
			l.log.Warn().Msg("dropped malformed notification row")
			continue
		}
		fresh[n.ID] = n
	}

	l.mu.Lock()
	l.entries = fresh
	l.mu.Unlock()
	l.changed()
}

// OnEvent merges one pushed event into the feed. Inserts of entries not
// seen before also fire the toast side-channel; updates patch read state
// in place.
func (l *Ledger) OnEvent(_ *scope.Scope, ev source.Event) {
	switch ev.Kind {
	case source.EventInsert:
		n, ok := FromRow(ev.Row)
		if !ok {
			l.log.Warn().Msg("dropped malformed notification event")
			return
		}
		l.mu.Lock()
		_, seen := l.entries[n.ID]
		l.entries[n.ID] = n
		l.mu.Unlock()

		l.changed()
		if !seen && l.cb.OnToast != nil {
			l.cb.OnToast(n)
		}

	case source.EventUpdate:
		n, ok := FromRow(ev.Row)
		if !ok {
			return
		}
		l.mu.Lock()
		_, known := l.entries[n.ID]
		if known {
			l.entries[n.ID] = n
		}
		l.mu.Unlock()
		if known {
			l.changed()
		}
	}
}

// OnSyncError surfaces a failed activation once.
func (l *Ledger) OnSyncError(err error) {
	l.reportError(err)
}

func (l *Ledger) changed() {
	if l.cb.OnChange != nil {
		l.cb.OnChange()
	}
}

func (l *Ledger) reportError(err error) {
	if l.cb.OnError != nil {
		l.cb.OnError(err)
	}
}

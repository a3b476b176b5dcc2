package notify

import (
	"time"

	"github.com/entraide/beacon/internal/source"
)

// Notification is one entry in a user's feed. Entries are created
// server-side on a triggering domain event and are never deleted here;
// only the read flag is mutated.
type Notification struct {
	ID        string
	UserID    string
	Message   string
	CreatedAt time.Time
	Read      bool

	// DistanceMeters is set for proximity-triggered notifications, such as
	// a help request raised nearby. HasDistance distinguishes zero from
	// absent.
	DistanceMeters float64
	HasDistance    bool
}

// FromRow maps an event-source row onto a Notification. Rows without a
// durable id are reported as not ok and must be dropped by the caller.
func FromRow(row source.Row) (Notification, bool) {
	id := row.String("id")
	if id == "" {
		return Notification{}, false
	}
	n := Notification{
		ID:        id,
		UserID:    row.String("user_id"),
		Message:   row.String("message"),
		CreatedAt: row.Time("created_at"),
		Read:      row.Bool("is_read"),
	}
	n.DistanceMeters, n.HasDistance = row.Float("distance_meters")
	return n, true
}

// displayBefore orders the feed newest-first, id as tie-breaker.
func displayBefore(a, b Notification) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

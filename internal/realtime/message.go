package realtime

import (
	"time"

	"github.com/entraide/beacon/internal/source"
)

// Message is the domain model for one entry in a chat surface's working
// set. ID is the durable identity assigned by the event source; uniqueness
// of ID within a scope is what deduplication keys on.
type Message struct {
	ID        string
	ScopeKey  string
	SenderID  string
	Body      string
	CreatedAt time.Time
	Read      bool

	// ClientRef is the client-generated reference carried by optimistic
	// sends. The confirmed event echoes it back so the provisional entry
	// can be replaced instead of duplicated.
	ClientRef string

	// Pending marks a locally-inserted entry awaiting server confirmation.
	Pending bool
}

// MessageFromRow decodes an event source row into a Message. A row without
// an id is malformed and yields ok=false; the caller drops it.
func MessageFromRow(row source.Row) (Message, bool) {
	id := row.String("id")
	if id == "" {
		return Message{}, false
	}
	return Message{
		ID:        id,
		SenderID:  row.String("sender_id"),
		Body:      row.String("body"),
		CreatedAt: row.Time("created_at"),
		Read:      row.Bool("is_read"),
		ClientRef: row.String("client_ref"),
	}, true
}

// sortBefore reports whether a displays before b: ascending (created_at,
// id). Ties on the full key preserve insertion order via the store's
// stable insert.
func sortBefore(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

package source

import (
	"context"
	"time"
)

// Row is a single record as delivered by the event source. Values are
// whatever the backend produced for the column, so callers go through the
// typed accessors instead of asserting directly.
type Row map[string]any

// String returns the value for key as a string, or "" if absent.
func (r Row) String(key string) string {
	if v, ok := r[key].(string); ok {
		return v
	}
	return ""
}

// Bool returns the value for key as a bool. SQLite hands booleans back as
// integers, so both representations are accepted.
func (r Row) Bool(key string) bool {
	switch v := r[key].(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case float64:
		return v != 0
	}
	return false
}

// Float returns the value for key as a float64, or 0 if absent.
func (r Row) Float(key string) (float64, bool) {
	switch v := r[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Time returns the value for key as a time.Time. String values are parsed
// as RFC3339; zero time is returned when the value is absent or malformed.
func (r Row) Time(key string) time.Time {
	switch v := r[key].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// EventKind describes what a subscription event carries.
type EventKind string

const (
	// EventInsert is a newly inserted row.
	EventInsert EventKind = "INSERT"
	// EventUpdate is an updated row.
	EventUpdate EventKind = "UPDATE"
	// EventBroadcast is an ephemeral payload relayed between subscribers,
	// never persisted (typing signals).
	EventBroadcast EventKind = "BROADCAST"
	// EventAny subscribes to inserts and updates alike.
	EventAny EventKind = "*"
)

// Event is a single delivery on a subscription.
type Event struct {
	Kind  EventKind
	Table string
	// Row holds the new row for insert/update events.
	Row Row
	// Name and Payload are set for broadcast events.
	Name    string
	Payload Row
}

// Order specifies snapshot sort order.
type Order struct {
	Field      string
	Descending bool
}

// SubscribeOptions selects which rows a subscription delivers.
type SubscribeOptions struct {
	Table  string
	Event  EventKind
	Filter []Filter
}

// Subscription is a live, filtered push stream of events. Delivery is
// at-least-once with no ordering guarantee across reconnects; consumers
// deduplicate by row id.
type Subscription interface {
	// Events yields deliveries until the subscription is closed or the
	// connection drops. The channel is closed afterwards; Err reports why.
	Events() <-chan Event

	// Broadcast relays an ephemeral payload to the channel's other
	// subscribers. Best effort, never persisted.
	Broadcast(ctx context.Context, name string, payload Row) error

	// Err returns the terminal error after Events is closed, or nil for a
	// clean close.
	Err() error

	// Close tears down the subscription.
	Close() error
}

// Source is the event source collaborator: a queryable snapshot store plus
// filtered live subscriptions.
type Source interface {
	// Query returns a point-in-time snapshot of rows matching the filters.
	Query(ctx context.Context, table string, filters []Filter, order Order) ([]Row, error)

	// Subscribe opens a live stream of events for rows matching the filter.
	Subscribe(ctx context.Context, channel string, opts SubscribeOptions) (Subscription, error)

	// Insert writes a row and returns it with server-assigned fields (id,
	// created_at) populated.
	Insert(ctx context.Context, table string, row Row) (Row, error)

	// Update patches the row with the given id.
	Update(ctx context.Context, table, id string, patch Row) error
}

// Package proto defines the wire envelopes for the realtime websocket
// endpoint: clients subscribe to filtered channels, the server streams
// row events back, and ephemeral broadcasts travel in both directions.
package proto

import "encoding/json"

// Inbound is the envelope for messages coming from the client.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	ProtocolVersion = 1

	InboundTypeSubscribe   = "subscribe"
	InboundTypeUnsubscribe = "unsubscribe"
	InboundTypeBroadcast   = "broadcast"

	OutboundTypeSubscribed = "subscribed"
	OutboundTypeEvent      = "event"
	OutboundTypeClosed     = "closed"
	OutboundTypeError      = "error"
)

// SubscribeData opens a filtered live stream on a channel.
type SubscribeData struct {
	Channel string `json:"channel"`
	Table   string `json:"table,omitempty"`
	// Event selects the row event kinds to deliver: "INSERT", "UPDATE",
	// or "*".
	Event string `json:"event,omitempty"`
	// Filter is a conjunction of equality clauses in the
	// "field=eq.value" grammar, joined by " and ".
	Filter string `json:"filter,omitempty"`
}

// UnsubscribeData closes the stream on a channel.
type UnsubscribeData struct {
	Channel string `json:"channel"`
}

// BroadcastData relays an ephemeral payload to the channel's other
// subscribers. Never persisted.
type BroadcastData struct {
	Channel string         `json:"channel"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Outbound is the envelope for messages sent to the client.
type Outbound struct {
	Type    string     `json:"type"`
	Channel string     `json:"channel,omitempty"`
	Event   *EventData `json:"event,omitempty"`
	Error   *Error     `json:"error,omitempty"`
}

// EventData is one delivery on a subscribed channel.
type EventData struct {
	// Kind is "INSERT", "UPDATE", or "BROADCAST".
	Kind  string `json:"kind"`
	Table string `json:"table,omitempty"`
	// Row holds the new row for insert/update events.
	Row map[string]any `json:"row,omitempty"`
	// Name and Payload are set for broadcast events.
	Name    string         `json:"name,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

const (
	ErrCodeBadRequest    = "bad_request"
	ErrCodeUnknownTable  = "unknown_table"
	ErrCodeNotSubscribed = "not_subscribed"
	ErrCodeInternal      = "internal"
)

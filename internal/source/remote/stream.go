package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/entraide/beacon/internal/proto"
	"github.com/entraide/beacon/internal/source"
)

const (
	streamBuffer     = 64
	handshakeTimeout = 10 * time.Second
)

// errSubscribeRejected marks a server-side refusal of the subscribe
// request, as opposed to a transport failure.
var errSubscribeRejected = errors.New("subscribe rejected")

// Subscribe dials the realtime endpoint, requests the channel, and waits
// for the server's acknowledgement before handing the stream back. When
// the server refuses the filtered subscribe, a second attempt goes out
// without the filter and the clauses are applied locally instead.
func (c *Client) Subscribe(ctx context.Context, channel string, opts source.SubscribeOptions) (source.Subscription, error) {
	st, err := c.openStream(ctx, channel, opts, opts.Filter, nil)
	if errors.Is(err, errSubscribeRejected) && len(opts.Filter) > 0 {
		c.log.Warn().Err(err).Str("channel", channel).
			Msg("filtered subscribe rejected, retrying unfiltered with local filtering")
		st, err = c.openStream(ctx, channel, opts, nil, opts.Filter)
	}
	if err != nil {
		return nil, err
	}

	go st.readLoop(ctx)
	return st, nil
}

// openStream performs one dial+subscribe handshake. wire is the filter
// sent to the server; local is applied on this side before delivery.
func (c *Client) openStream(ctx context.Context, channel string, opts source.SubscribeOptions, wire, local []source.Filter) (*stream, error) {
	conn, _, err := websocket.Dial(ctx, c.wsURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}

	st := &stream{
		conn:    conn,
		channel: channel,
		local:   local,
		log:     c.log.With().Str("channel", channel).Logger(),
		events:  make(chan source.Event, streamBuffer),
		done:    make(chan struct{}),
	}

	kind := opts.Event
	if kind == "" {
		kind = source.EventAny
	}
	if err := st.write(ctx, proto.InboundTypeSubscribe, proto.SubscribeData{
		Channel: channel,
		Table:   opts.Table,
		Event:   string(kind),
		Filter:  source.Expr(wire),
	}); err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return nil, fmt.Errorf("send subscribe: %w", err)
	}

	if err := st.awaitAck(ctx); err != nil {
		conn.Close(websocket.StatusNormalClosure, "subscribe rejected")
		return nil, err
	}
	return st, nil
}

// stream is one live subscription over its own websocket connection.
type stream struct {
	conn    *websocket.Conn
	channel string
	// local holds filter clauses applied on this side when the server
	// accepted only an unfiltered subscribe.
	local []source.Filter
	log   zerolog.Logger

	writeMu sync.Mutex
	events  chan source.Event
	done    chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

var _ source.Subscription = (*stream)(nil)

// awaitAck reads until the server confirms or rejects the subscription.
// Events pushed between registration and the ack are delivered into the
// stream buffer, not lost.
func (s *stream) awaitAck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	for {
		var outbound proto.Outbound
		if err := wsjson.Read(ctx, s.conn, &outbound); err != nil {
			return fmt.Errorf("await subscribe ack: %w", err)
		}
		switch outbound.Type {
		case proto.OutboundTypeSubscribed:
			return nil
		case proto.OutboundTypeError:
			if outbound.Error != nil {
				return fmt.Errorf("%w: %s: %s", errSubscribeRejected, outbound.Error.Code, outbound.Error.Msg)
			}
			return errSubscribeRejected
		case proto.OutboundTypeEvent:
			if ev, ok := eventFrom(outbound); ok {
				s.deliver(ev)
			}
		}
	}
}

func (s *stream) readLoop(ctx context.Context) {
	defer close(s.events)

	for {
		var outbound proto.Outbound
		if err := wsjson.Read(ctx, s.conn, &outbound); err != nil {
			select {
			case <-s.done:
				// Intentional close reads as a clean end of stream.
			default:
				if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
					err = nil
				}
				s.setErr(err)
			}
			return
		}

		switch outbound.Type {
		case proto.OutboundTypeEvent:
			if ev, ok := eventFrom(outbound); ok {
				s.deliver(ev)
			}
		case proto.OutboundTypeError:
			if outbound.Error != nil {
				s.log.Warn().Str("code", outbound.Error.Code).Str("msg", outbound.Error.Msg).Msg("server reported error")
			}
		case proto.OutboundTypeClosed:
			return
		}
	}
}

func (s *stream) deliver(ev source.Event) {
	if len(s.local) > 0 && ev.Kind != source.EventBroadcast && !source.MatchAll(s.local, ev.Row) {
		return
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Events yields deliveries until the stream ends.
func (s *stream) Events() <-chan source.Event {
	return s.events
}

// Broadcast relays an ephemeral payload to the channel's other
// subscribers.
func (s *stream) Broadcast(ctx context.Context, name string, payload source.Row) error {
	return s.write(ctx, proto.InboundTypeBroadcast, proto.BroadcastData{
		Channel: s.channel,
		Event:   name,
		Payload: payload,
	})
}

// Err reports why the stream ended; nil for an intentional close.
func (s *stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close tears the connection down.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close(websocket.StatusNormalClosure, "unsubscribe")
	})
	return nil
}

func (s *stream) write(ctx context.Context, msgType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wsjson.Write(ctx, s.conn, proto.Inbound{Type: msgType, Data: raw})
}

func (s *stream) setErr(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}

func eventFrom(outbound proto.Outbound) (source.Event, bool) {
	if outbound.Event == nil {
		return source.Event{}, false
	}
	return source.Event{
		Kind:    source.EventKind(outbound.Event.Kind),
		Table:   outbound.Event.Table,
		Row:     source.Row(outbound.Event.Row),
		Name:    outbound.Event.Name,
		Payload: source.Row(outbound.Event.Payload),
	}, true
}

package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	stdhttp "net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/entraide/beacon/internal/proto"
	"github.com/entraide/beacon/internal/source"
)

const (
	outboundBuffer = 64
	// Broadcasts are ephemeral typing signals; one connection gets this
	// many per minute before the rest are dropped.
	broadcastLimit = 120
)

// WSHandler upgrades connections to the realtime stream: clients
// subscribe to filtered channels and receive row events and broadcasts.
type WSHandler struct {
	src source.Source
	log *zerolog.Logger
}

// NewWSHandler builds the realtime websocket handler.
func NewWSHandler(src source.Source, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{src: src, log: logger}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	ctx := r.Context()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := &wsSession{
		handler: h,
		subs:    make(map[string]source.Subscription),
		out:     make(chan proto.Outbound, outboundBuffer),
		limiter: newBroadcastLimiter(broadcastLimit),
	}
	defer sess.closeAll()
	sess.limiter.startReset(ctx.Done())

	errCh := make(chan error, 2)
	go func() {
		errCh <- sess.readLoop(ctx, conn)
	}()
	go func() {
		errCh <- sess.writeLoop(ctx, conn)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != 0 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = err.Error()
			h.log.Warn().Err(err).Msg("ws connection closed with error")
		}
	}

	conn.Close(status, reason)
}

// wsSession is the per-connection state: open subscriptions keyed by
// channel and the outbound queue feeding the write loop.
type wsSession struct {
	handler *WSHandler

	mu      sync.Mutex
	subs    map[string]source.Subscription
	out     chan proto.Outbound
	limiter *broadcastLimiter
}

func (s *wsSession) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var inbound proto.Inbound
		if err := wsjson.Read(ctx, conn, &inbound); err != nil {
			return err
		}

		switch inbound.Type {
		case proto.InboundTypeSubscribe:
			s.handleSubscribe(ctx, inbound.Data)
		case proto.InboundTypeUnsubscribe:
			s.handleUnsubscribe(inbound.Data)
		case proto.InboundTypeBroadcast:
			s.handleBroadcast(ctx, inbound.Data)
		default:
			s.sendError("", proto.ErrCodeBadRequest, "unknown message type "+inbound.Type)
		}
	}
}

func (s *wsSession) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case outbound, ok := <-s.out:
			if !ok {
				return nil
			}
			if err := wsjson.Write(ctx, conn, outbound); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *wsSession) handleSubscribe(ctx context.Context, data json.RawMessage) {
	var req proto.SubscribeData
	if err := json.Unmarshal(data, &req); err != nil || req.Channel == "" {
		s.sendError(req.Channel, proto.ErrCodeBadRequest, "invalid subscribe request")
		return
	}
	if _, ok := servedTables[req.Table]; !ok {
		s.sendError(req.Channel, proto.ErrCodeUnknownTable, "unknown table")
		return
	}

	filters, err := source.ParseExpr(req.Filter)
	if err != nil {
		s.sendError(req.Channel, proto.ErrCodeBadRequest, err.Error())
		return
	}

	kind := source.EventKind(req.Event)
	if kind == "" {
		kind = source.EventAny
	}

	sub, err := s.handler.src.Subscribe(ctx, req.Channel, source.SubscribeOptions{
		Table:  req.Table,
		Event:  kind,
		Filter: filters,
	})
	if err != nil {
		s.sendError(req.Channel, proto.ErrCodeUnknownTable, err.Error())
		return
	}

	s.mu.Lock()
	if old, dup := s.subs[req.Channel]; dup {
		// Re-subscribing a channel replaces the old stream.
		_ = old.Close()
	}
	s.subs[req.Channel] = sub
	s.mu.Unlock()

	go s.pump(ctx, req.Channel, sub)
	s.send(proto.Outbound{Type: proto.OutboundTypeSubscribed, Channel: req.Channel})
}

func (s *wsSession) handleUnsubscribe(data json.RawMessage) {
	var req proto.UnsubscribeData
	if err := json.Unmarshal(data, &req); err != nil || req.Channel == "" {
		s.sendError(req.Channel, proto.ErrCodeBadRequest, "invalid unsubscribe request")
		return
	}

	s.mu.Lock()
	sub, ok := s.subs[req.Channel]
	delete(s.subs, req.Channel)
	s.mu.Unlock()

	if !ok {
		s.sendError(req.Channel, proto.ErrCodeNotSubscribed, "not subscribed")
		return
	}
	_ = sub.Close()
	s.send(proto.Outbound{Type: proto.OutboundTypeClosed, Channel: req.Channel})
}

func (s *wsSession) handleBroadcast(ctx context.Context, data json.RawMessage) {
	var req proto.BroadcastData
	if err := json.Unmarshal(data, &req); err != nil || req.Channel == "" {
		s.sendError(req.Channel, proto.ErrCodeBadRequest, "invalid broadcast request")
		return
	}
	if !s.limiter.allow() {
		return
	}

	s.mu.Lock()
	sub, ok := s.subs[req.Channel]
	s.mu.Unlock()
	if !ok {
		s.sendError(req.Channel, proto.ErrCodeNotSubscribed, "not subscribed")
		return
	}

	if err := sub.Broadcast(ctx, req.Event, source.Row(req.Payload)); err != nil {
		s.handler.log.Debug().Err(err).Str("channel", req.Channel).Msg("broadcast failed")
	}
}

// pump forwards subscription events to the write loop until the stream
// or the connection ends.
func (s *wsSession) pump(ctx context.Context, channel string, sub source.Subscription) {
	for ev := range sub.Events() {
		outbound := proto.Outbound{
			Type:    proto.OutboundTypeEvent,
			Channel: channel,
			Event: &proto.EventData{
				Kind:    string(ev.Kind),
				Table:   ev.Table,
				Row:     ev.Row,
				Name:    ev.Name,
				Payload: ev.Payload,
			},
		}
		select {
		case s.out <- outbound:
		case <-ctx.Done():
			return
		}
	}
}

func (s *wsSession) send(outbound proto.Outbound) {
	select {
	case s.out <- outbound:
	default:
		s.handler.log.Warn().Str("type", outbound.Type).Msg("outbound queue full, dropping message")
	}
}

func (s *wsSession) sendError(channel, code, msg string) {
	s.send(proto.Outbound{
		Type:    proto.OutboundTypeError,
		Channel: channel,
		Error:   &proto.Error{Code: code, Msg: msg},
	})
}

func (s *wsSession) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for channel, sub := range s.subs {
		_ = sub.Close()
		delete(s.subs, channel)
	}
}

// broadcastLimiter caps broadcasts per connection per minute.
type broadcastLimiter struct {
	mu      sync.Mutex
	limit   int
	counter int
	reset   *time.Ticker
}

func newBroadcastLimiter(limit int) *broadcastLimiter {
	if limit <= 0 {
		return &broadcastLimiter{limit: 0}
	}
	return &broadcastLimiter{
		limit: limit,
		reset: time.NewTicker(time.Minute),
	}
}

func (r *broadcastLimiter) allow() bool {
	if r == nil || r.limit <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counter++
	return r.counter <= r.limit
}

func (r *broadcastLimiter) startReset(stop <-chan struct{}) {
	if r == nil || r.reset == nil {
		return
	}
	go func() {
		for {
			select {
			case <-r.reset.C:
				r.mu.Lock()
				r.counter = 0
				r.mu.Unlock()
			case <-stop:
				r.reset.Stop()
				return
			}
		}
	}()
}

package local

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/entraide/beacon/internal/source"
)

const eventBuffer = 64

// hub fans insert/update events out to every matching subscription and
// relays broadcasts between subscribers of the same channel.
type hub struct {
	log zerolog.Logger

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

func newHub(logger *zerolog.Logger) *hub {
	return &hub{
		log:  logger.With().Str("component", "hub").Logger(),
		subs: make(map[*subscription]struct{}),
	}
}

func (h *hub) subscribe(channel string, opts source.SubscribeOptions) *subscription {
	sub := &subscription{
		hub:     h,
		channel: channel,
		opts:    opts,
		events:  make(chan source.Event, eventBuffer),
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// publish delivers a row event to every subscription whose table, event
// kind, and filter match. Slow consumers lose events rather than block
// the writer; the durable row is still visible to the next snapshot.
func (h *hub) publish(ev source.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if !sub.wants(ev) {
			continue
		}
		select {
		case sub.events <- ev:
		default:
			h.log.Warn().
				Str("channel", sub.channel).
				Str("table", ev.Table).
				Msg("subscriber buffer full, dropping event")
		}
	}
}

// broadcast relays an ephemeral payload to the channel's other
// subscribers. The origin does not hear its own broadcast.
func (h *hub) broadcast(origin *subscription, name string, payload source.Row) {
	ev := source.Event{Kind: source.EventBroadcast, Name: name, Payload: payload}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub == origin || sub.channel != origin.channel {
			continue
		}
		select {
		case sub.events <- ev:
		default:
			h.log.Warn().
				Str("channel", sub.channel).
				Str("event", name).
				Msg("subscriber buffer full, dropping broadcast")
		}
	}
}

func (h *hub) remove(sub *subscription) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; !ok {
		return false
	}
	delete(h.subs, sub)
	return true
}

func (h *hub) closeAll() {
	h.mu.Lock()
	subs := make([]*subscription, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
		delete(h.subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		close(sub.events)
	}
}

// subscription is one live, filtered stream handed out by Subscribe.
type subscription struct {
	hub     *hub
	channel string
	opts    source.SubscribeOptions
	events  chan source.Event
}

var _ source.Subscription = (*subscription)(nil)

func (s *subscription) Events() <-chan source.Event {
	return s.events
}

func (s *subscription) Broadcast(_ context.Context, name string, payload source.Row) error {
	s.hub.broadcast(s, name, payload)
	return nil
}

// Err always reports a clean close; the in-process stream has no
// transport failures.
func (s *subscription) Err() error {
	return nil
}

func (s *subscription) Close() error {
	if s.hub.remove(s) {
		close(s.events)
	}
	return nil
}

func (s *subscription) wants(ev source.Event) bool {
	if s.opts.Table != "" && s.opts.Table != ev.Table {
		return false
	}
	if s.opts.Event != "" && s.opts.Event != source.EventAny && s.opts.Event != ev.Kind {
		return false
	}
	return source.MatchAll(s.opts.Filter, ev.Row)
}

package realtime

import (
	"sort"

	"github.com/rs/zerolog"
)

// Store is the ordered, deduplicated working set of messages for the
// currently active scope. Snapshot loads replace it wholesale; pushed
// events are merged at their sort position. Messages for inactive scopes
// are discarded on scope change, never cached.
//
// Store is not safe for concurrent use; the owning surface serializes
// access.
type Store struct {
	messages []Message
	present  map[string]struct{}
	log      *zerolog.Logger
}

// NewStore builds an empty store.
func NewStore(logger *zerolog.Logger) *Store {
	return &Store{
		present: make(map[string]struct{}),
		log:     logger,
	}
}

// LoadSnapshot replaces the working set with the snapshot rows, sorted by
// (created_at, id) ascending. Pending optimistic entries that the snapshot
// does not confirm (by client reference) are carried over so an in-flight
// send is not visually dropped by a reconnect.
//
// The caller (the channel manager) has already verified the snapshot's
// scope token is still current; a stale snapshot never reaches the store.
func (s *Store) LoadSnapshot(messages []Message) {
	pending := s.pendingUnconfirmedBy(messages)

	s.messages = s.messages[:0]
	s.present = make(map[string]struct{}, len(messages))

	sorted := make([]Message, len(messages))
	copy(sorted, messages)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sortBefore(sorted[i], sorted[j])
	})

	for _, m := range sorted {
		if m.ID == "" {
			s.log.Debug().Msg("dropping snapshot row without id")
			continue
		}
		if _, dup := s.present[m.ID]; dup {
			s.log.Debug().Str("id", m.ID).Msg("dropping duplicate snapshot row")
			continue
		}
		s.present[m.ID] = struct{}{}
		s.messages = append(s.messages, m)
	}

	s.messages = append(s.messages, pending...)
}

// Append merges a pushed message into the working set. It is idempotent on
// the message id and returns true only when the visible set changed. The
// insertion position is computed by sort key, not assumed to be the tail,
// since push delivery order is not guaranteed across reconnects.
//
// A confirmed message whose client reference matches a pending entry
// replaces it instead of appearing alongside it.
func (s *Store) Append(m Message) bool {
	if m.ID == "" {
		s.log.Debug().Msg("dropping pushed message without id")
		return false
	}
	if _, dup := s.present[m.ID]; dup {
		s.log.Debug().Str("id", m.ID).Msg("dropping duplicate message")
		return false
	}

	if i := s.findPending(m); i >= 0 {
		s.messages = append(s.messages[:i], s.messages[i+1:]...)
	}

	s.present[m.ID] = struct{}{}
	s.insertSorted(m)
	return true
}

// AppendPending adds a provisional, locally-inserted entry at the tail of
// the working set. It stays until a confirmed event with a matching client
// reference arrives or the send fails and the entry is rolled back.
func (s *Store) AppendPending(m Message) {
	m.Pending = true
	s.messages = append(s.messages, m)
}

// DropPending removes the provisional entry with the given client
// reference after a failed send. Returns false if no such entry exists.
func (s *Store) DropPending(clientRef string) bool {
	for i, m := range s.messages {
		if m.Pending && m.ClientRef == clientRef {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return true
		}
	}
	return false
}

// Patch applies an update event to an existing message in place (read
// flags). Updates for unknown ids are ignored.
func (s *Store) Patch(m Message) bool {
	if _, ok := s.present[m.ID]; !ok {
		s.log.Debug().Str("id", m.ID).Msg("ignoring update for unknown message")
		return false
	}
	for i := range s.messages {
		if s.messages[i].ID == m.ID {
			m.Pending = false
			s.messages[i] = m
			return true
		}
	}
	return false
}

// Clear discards the working set, including pending entries. Used when the
// scope becomes inactive.
func (s *Store) Clear() {
	s.messages = s.messages[:0]
	s.present = make(map[string]struct{})
}

// Messages returns a copy of the working set in display order.
func (s *Store) Messages() []Message {
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of visible messages, pending included.
func (s *Store) Len() int {
	return len(s.messages)
}

// insertSorted places m after every entry that does not sort strictly
// after it, so equal sort keys keep arrival order.
func (s *Store) insertSorted(m Message) {
	i := len(s.messages)
	for i > 0 {
		prev := s.messages[i-1]
		// Pending tail entries have no durable id; confirmed messages slot
		// in before them only when strictly older.
		if prev.Pending {
			if m.CreatedAt.Before(prev.CreatedAt) {
				i--
				continue
			}
			break
		}
		if sortBefore(m, prev) {
			i--
			continue
		}
		break
	}
	s.messages = append(s.messages, Message{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = m
}

// findPending locates the provisional entry a confirmed message supersedes:
// first by client reference, then by sender and body for backends that do
// not echo the reference.
func (s *Store) findPending(m Message) int {
	if m.ClientRef != "" {
		for i, p := range s.messages {
			if p.Pending && p.ClientRef == m.ClientRef {
				return i
			}
		}
		return -1
	}
	for i, p := range s.messages {
		if p.Pending && p.SenderID == m.SenderID && p.Body == m.Body {
			return i
		}
	}
	return -1
}

// pendingUnconfirmedBy returns the pending entries not confirmed by any
// snapshot row's client reference.
func (s *Store) pendingUnconfirmedBy(snapshot []Message) []Message {
	var out []Message
	for _, p := range s.messages {
		if !p.Pending {
			continue
		}
		confirmed := false
		for _, m := range snapshot {
			if m.ClientRef != "" && m.ClientRef == p.ClientRef {
				confirmed = true
				break
			}
		}
		if !confirmed {
			out = append(out, p)
		}
	}
	return out
}

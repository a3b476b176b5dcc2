package scope

import (
	"github.com/google/uuid"

	"github.com/entraide/beacon/internal/source"
)

// Kind identifies which chat surface a scope belongs to.
type Kind string

const (
	// KindTopicRegion is the community chat, filtered by topic and region.
	KindTopicRegion Kind = "topic_region"
	// KindThread is the per-report chat, filtered by report thread id.
	KindThread Kind = "thread"
	// KindPeerPair is the direct chat between two users.
	KindPeerPair Kind = "peer_pair"
	// KindUser is the per-user notification feed.
	KindUser Kind = "user"
)

// Tables the chat surfaces read from.
const (
	TableCommunityMessages = "community_messages"
	TableReportMessages    = "report_messages"
	TableDirectMessages    = "direct_messages"
	TableNotifications     = "notifications"
)

// Token tags in-flight snapshot and subscribe calls with the scope
// activation they were issued for. Completions carrying a stale token are
// discarded instead of mutating the current working set.
type Token string

// NewToken returns a fresh activation token.
func NewToken() Token {
	return Token(uuid.NewString())
}

// Params are the user-selected inputs a surface resolves its scope from.
// Only the fields relevant to the surface's kind are consulted.
type Params struct {
	Kind Kind

	// Community chat.
	Topic  string
	Region string

	// Report thread chat.
	ThreadID string

	// Direct chat.
	SelfID string
	PeerID string

	// Notification feed.
	UserID string
}

// Scope is the resolved filter criteria for one chat surface. It is a
// value: changing selection produces a new Scope rather than mutating the
// old one.
type Scope struct {
	Kind    Kind
	Key     string
	Table   string
	Channel string

	filters []source.Filter
}

// Filters returns the server-side row filter for snapshots and
// subscriptions.
func (s *Scope) Filters() []source.Filter {
	return s.filters
}

// Equal reports whether two scopes select the same stream. A nil scope is
// the inactive state and only equals another nil scope.
func (s *Scope) Equal(other *Scope) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.Kind == other.Kind && s.Key == other.Key
}

// Resolve computes the scope for the given parameters. It returns nil when
// a required selector is missing; in that state the surface renders a
// "select criteria" placeholder and neither loads a snapshot nor
// subscribes.
func Resolve(p Params) *Scope {
	switch p.Kind {
	case KindTopicRegion:
		if p.Topic == "" || p.Region == "" {
			return nil
		}
		return &Scope{
			Kind:    KindTopicRegion,
			Key:     p.Topic + ":" + p.Region,
			Table:   TableCommunityMessages,
			Channel: "community:" + p.Topic + ":" + p.Region,
			filters: []source.Filter{
				source.Eq("topic", p.Topic),
				source.Eq("region", p.Region),
			},
		}
	case KindThread:
		if p.ThreadID == "" {
			return nil
		}
		return &Scope{
			Kind:    KindThread,
			Key:     p.ThreadID,
			Table:   TableReportMessages,
			Channel: "report:" + p.ThreadID,
			filters: []source.Filter{source.Eq("thread_id", p.ThreadID)},
		}
	case KindPeerPair:
		if p.SelfID == "" || p.PeerID == "" {
			return nil
		}
		key := PairKey(p.SelfID, p.PeerID)
		return &Scope{
			Kind:    KindPeerPair,
			Key:     key,
			Table:   TableDirectMessages,
			Channel: "direct:" + key,
			filters: []source.Filter{source.Eq("pair_key", key)},
		}
	case KindUser:
		if p.UserID == "" {
			return nil
		}
		return &Scope{
			Kind:    KindUser,
			Key:     p.UserID,
			Table:   TableNotifications,
			Channel: "notifications:" + p.UserID,
			filters: []source.Filter{source.Eq("user_id", p.UserID)},
		}
	}
	return nil
}

// PairKey builds the order-independent key for a direct chat between two
// users: "dm:{min}:{max}".
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "dm:" + a + ":" + b
}

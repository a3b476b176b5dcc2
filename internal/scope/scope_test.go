package scope

import (
	"testing"

	"github.com/entraide/beacon/internal/source"
)

func TestResolveTopicRegion(t *testing.T) {
	s := Resolve(Params{Kind: KindTopicRegion, Topic: "autre", Region: "Île-de-France"})
	if s == nil {
		t.Fatal("expected active scope")
	}
	if s.Table != TableCommunityMessages {
		t.Fatalf("unexpected table %q", s.Table)
	}
	if s.Key != "autre:Île-de-France" {
		t.Fatalf("unexpected key %q", s.Key)
	}
	expr := source.Expr(s.Filters())
	if expr != "topic=eq.autre and region=eq.Île-de-France" {
		t.Fatalf("unexpected filter expr %q", expr)
	}
}

func TestResolveMissingSelectorsIsInactive(t *testing.T) {
	tests := []struct {
		name   string
		params Params
	}{
		{"region before topic", Params{Kind: KindTopicRegion, Region: "Bretagne"}},
		{"topic before region", Params{Kind: KindTopicRegion, Topic: "autre"}},
		{"no thread selected", Params{Kind: KindThread}},
		{"direct chat without peer", Params{Kind: KindPeerPair, SelfID: "u1"}},
		{"notifications without user", Params{Kind: KindUser}},
		{"unknown kind", Params{Kind: Kind("bogus"), Topic: "autre", Region: "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if s := Resolve(tt.params); s != nil {
				t.Fatalf("expected inactive scope, got %+v", s)
			}
		})
	}
}

func TestResolveThread(t *testing.T) {
	s := Resolve(Params{Kind: KindThread, ThreadID: "report-42"})
	if s == nil {
		t.Fatal("expected active scope")
	}
	if s.Channel != "report:report-42" {
		t.Fatalf("unexpected channel %q", s.Channel)
	}
	if got := source.Expr(s.Filters()); got != "thread_id=eq.report-42" {
		t.Fatalf("unexpected filter expr %q", got)
	}
}

func TestResolvePeerPairIsOrderIndependent(t *testing.T) {
	a := Resolve(Params{Kind: KindPeerPair, SelfID: "u9", PeerID: "u2"})
	b := Resolve(Params{Kind: KindPeerPair, SelfID: "u2", PeerID: "u9"})
	if a == nil || b == nil {
		t.Fatal("expected active scopes")
	}
	if !a.Equal(b) {
		t.Fatalf("pair scopes differ: %q vs %q", a.Key, b.Key)
	}
	if a.Key != "dm:u2:u9" {
		t.Fatalf("unexpected pair key %q", a.Key)
	}
}

func TestScopeEqual(t *testing.T) {
	a := Resolve(Params{Kind: KindTopicRegion, Topic: "autre", Region: "Bretagne"})
	b := Resolve(Params{Kind: KindTopicRegion, Topic: "autre", Region: "Bretagne"})
	c := Resolve(Params{Kind: KindTopicRegion, Topic: "autre", Region: "Normandie"})

	if !a.Equal(b) {
		t.Fatal("identical selections should be equal")
	}
	if a.Equal(c) {
		t.Fatal("different regions should not be equal")
	}
	if a.Equal(nil) {
		t.Fatal("active scope should not equal inactive")
	}
	var none *Scope
	if !none.Equal(nil) {
		t.Fatal("inactive should equal inactive")
	}
}

func TestNewTokenIsUnique(t *testing.T) {
	if NewToken() == NewToken() {
		t.Fatal("tokens should be unique per activation")
	}
}

package presence

import (
	"sort"
	"testing"
	"time"
)

func waitChange(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a typing change")
	}
}

func TestObserveMarksPeerTyping(t *testing.T) {
	tr := NewTracker(WithTTL(time.Minute))

	tr.Observe("alice", true)
	if !tr.IsTyping("alice") {
		t.Fatal("alice should be typing")
	}
	tr.Observe("bob", true)

	peers := tr.Typing()
	sort.Strings(peers)
	if len(peers) != 2 || peers[0] != "alice" || peers[1] != "bob" {
		t.Fatalf("typing set = %v, want [alice bob]", peers)
	}
}

func TestStopSignalClearsImmediately(t *testing.T) {
	tr := NewTracker(WithTTL(time.Minute))
	tr.Observe("alice", true)

	tr.Observe("alice", false)
	if tr.IsTyping("alice") {
		t.Fatal("explicit stop should clear the peer")
	}
}

func TestSignalExpiresWithoutRefresh(t *testing.T) {
	changes := make(chan struct{}, 4)
	tr := NewTracker(WithTTL(20*time.Millisecond), WithOnChange(func() {
		changes <- struct{}{}
	}))

	tr.Observe("alice", true)
	waitChange(t, changes) // the start signal

	waitChange(t, changes) // the expiry
	if tr.IsTyping("alice") {
		t.Fatal("signal should expire after the TTL")
	}
}

func TestRefreshExtendsExpiry(t *testing.T) {
	tr := NewTracker(WithTTL(60 * time.Millisecond))
	tr.Observe("alice", true)

	// Keep refreshing past the original deadline.
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		tr.Observe("alice", true)
		if !tr.IsTyping("alice") {
			t.Fatal("refreshed signal should stay live")
		}
	}
}

func TestStopForUnknownPeerIsQuiet(t *testing.T) {
	changes := make(chan struct{}, 1)
	tr := NewTracker(WithOnChange(func() { changes <- struct{}{} }))

	tr.Observe("ghost", false)
	select {
	case <-changes:
		t.Fatal("no change expected for an unknown peer's stop")
	default:
	}
}

func TestResetClearsEverything(t *testing.T) {
	changes := make(chan struct{}, 8)
	tr := NewTracker(WithTTL(time.Minute), WithOnChange(func() {
		changes <- struct{}{}
	}))

	tr.Observe("alice", true)
	tr.Observe("bob", true)
	tr.Reset()

	if len(tr.Typing()) != 0 {
		t.Fatal("reset should clear all peers")
	}

	// alice, bob, and the reset itself.
	for i := 0; i < 3; i++ {
		waitChange(t, changes)
	}
}

package session

import (
	"encoding/json"
	"reflect"
	"testing"

	"kruzhok/internal/realtime"
)

func presenceSnapshot(keys ...string) realtime.PresenceState {
	state := make(realtime.PresenceState)
	for _, key := range keys {
		state[key] = []json.RawMessage{json.RawMessage(`{"online":true}`)}
	}
	return state
}

func TestPresenceTracker_ApplyReplacesMembership(t *testing.T) {
	p := newPresenceTracker()

	p.Apply(presenceSnapshot("user-b", "user-a"))
	if got := p.Online(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("expected sorted [a b], got %v", got)
	}
	if p.Count() != 2 {
		t.Errorf("expected count 2, got %d", p.Count())
	}

	// A new snapshot fully replaces the previous membership.
	p.Apply(presenceSnapshot("user-c"))
	if got := p.Online(); !reflect.DeepEqual(got, []string{"c"}) {
		t.Errorf("expected [c], got %v", got)
	}

	p.Apply(presenceSnapshot())
	if p.Count() != 0 {
		t.Errorf("expected empty room, got %d", p.Count())
	}
}

func TestPresenceTracker_KeepsUnprefixedKeys(t *testing.T) {
	p := newPresenceTracker()
	p.Apply(presenceSnapshot("service-bot"))
	if got := p.Online(); !reflect.DeepEqual(got, []string{"service-bot"}) {
		t.Errorf("expected key passed through unchanged, got %v", got)
	}
}

func TestPresenceTracker_SnapshotIsolation(t *testing.T) {
	p := newPresenceTracker()
	p.Apply(presenceSnapshot("user-a"))

	got := p.Online()
	got[0] = "mutated"
	if fresh := p.Online(); fresh[0] != "a" {
		t.Errorf("Online snapshot must be a copy, got %v", fresh)
	}
}

package realtime

import (
	"context"
	"encoding/json"
)

// ChangeType is the kind of row-change event delivered by the backend's
// change feed.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeDelete ChangeType = "DELETE"
)

// RowChange carries one row-change event. New is set for inserts, Old for
// deletes. Rows are raw backend JSON; callers parse them at the adapter edge.
type RowChange struct {
	Type ChangeType
	New  json.RawMessage
	Old  json.RawMessage
}

// BroadcastEvent is one fire-and-forget payload received on an ephemeral
// broadcast topic.
type BroadcastEvent struct {
	Event   string
	Payload json.RawMessage
}

// PresenceState is the full presence snapshot for a topic: tracking key to
// the list of metadata payloads tracked under that key.
type PresenceState map[string][]json.RawMessage

// RowFeed is a per-room subscription to insert/delete events on a table.
// Events is closed when the subscription drops or the feed is closed.
type RowFeed interface {
	Events() <-chan RowChange
	Close() error
}

// Broadcast is an ephemeral pub/sub topic. Sends are fire-and-forget and
// are not echoed back to the sender.
type Broadcast interface {
	Send(event string, payload any) error
	Events() <-chan BroadcastEvent
	Close() error
}

// Presence is a transport-managed membership channel. Every track/untrack
// by any member (including the local one) triggers a full-state snapshot on
// Syncs for all members.
type Presence interface {
	Track(key string, meta any) error
	Untrack() error
	Syncs() <-chan PresenceState
	Close() error
}

// Conn is one logical connection to the realtime backend. Each room session
// receives its own Conn so tests can substitute an in-memory broker.
type Conn interface {
	RowChanges(ctx context.Context, table, roomID string) (RowFeed, error)
	Broadcast(ctx context.Context, topic string) (Broadcast, error)
	Presence(ctx context.Context, topic string) (Presence, error)
	Close() error
}

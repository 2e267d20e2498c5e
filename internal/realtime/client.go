package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	heartbeatInterval = 25 * time.Second
	joinTimeout       = 10 * time.Second
)

// Client speaks the phoenix-style wire protocol of the hosted realtime
// backend over a single websocket: one channel join per logical topic,
// heartbeats on the reserved "phoenix" topic, replies matched by ref.
type Client struct {
	url   string
	token string

	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	nextRef int
	subs    map[string]*liveChannel
	replies map[string]chan replyStatus

	done chan struct{}
}

type replyStatus struct {
	OK     bool
	Reason string
}

type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

// Dial connects to the realtime endpoint. The token is the access token the
// backend expects as a query parameter.
func Dial(ctx context.Context, url, apiKey, token string) (*Client, error) {
	full := fmt.Sprintf("%s/websocket?apikey=%s&token=%s", url, apiKey, token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, full, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial realtime endpoint: %w", err)
	}

	c := &Client{
		url:     url,
		token:   token,
		conn:    conn,
		subs:    make(map[string]*liveChannel),
		replies: make(map[string]chan replyStatus),
		done:    make(chan struct{}),
	}

	go c.readLoop()
	go c.heartbeatLoop()

	return c, nil
}

func (c *Client) RowChanges(ctx context.Context, table, roomID string) (RowFeed, error) {
	topic := "realtime:" + table
	change := map[string]any{"event": "*", "schema": "public", "table": table}
	if roomID != "" {
		topic += ":" + roomID
		change["filter"] = "room_id=eq." + roomID
	}
	cfg := map[string]any{
		"config": map[string]any{
			"postgres_changes": []map[string]any{change},
		},
		"access_token": c.token,
	}

	ch, err := c.join(ctx, topic, cfg)
	if err != nil {
		return nil, err
	}
	return &liveFeed{ch: ch}, nil
}

func (c *Client) Broadcast(ctx context.Context, topic string) (Broadcast, error) {
	cfg := map[string]any{
		"config":       map[string]any{"broadcast": map[string]any{"self": false}},
		"access_token": c.token,
	}

	ch, err := c.join(ctx, "realtime:"+topic, cfg)
	if err != nil {
		return nil, err
	}
	return &liveBroadcast{client: c, ch: ch}, nil
}

func (c *Client) Presence(ctx context.Context, topic string) (Presence, error) {
	cfg := map[string]any{
		"config":       map[string]any{"presence": map[string]any{"enabled": true}},
		"access_token": c.token,
	}

	ch, err := c.join(ctx, "realtime:"+topic, cfg)
	if err != nil {
		return nil, err
	}
	return &livePresence{client: c, ch: ch}, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*liveChannel, 0, len(c.subs))
	for _, ch := range c.subs {
		subs = append(subs, ch)
	}
	c.subs = map[string]*liveChannel{}
	close(c.done)
	c.mu.Unlock()

	for _, ch := range subs {
		ch.shutdown()
	}
	return c.conn.Close()
}

// join sends phx_join for the topic and waits for the matching reply.
func (c *Client) join(ctx context.Context, topic string, payload any) (*liveChannel, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("realtime client is closed")
	}
	if _, exists := c.subs[topic]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("topic %s already joined", topic)
	}

	ch := &liveChannel{
		client:   c,
		topic:    topic,
		rows:     make(chan RowChange, subscriberBuffer),
		events:   make(chan BroadcastEvent, subscriberBuffer),
		syncs:    make(chan PresenceState, subscriberBuffer),
		presence: make(PresenceState),
	}
	c.subs[topic] = ch

	ref := strconv.Itoa(c.nextRef)
	c.nextRef++
	reply := make(chan replyStatus, 1)
	c.replies[ref] = reply
	c.mu.Unlock()

	if err := c.send(topic, "phx_join", payload, ref); err != nil {
		c.dropTopic(topic, ref)
		return nil, err
	}

	select {
	case st := <-reply:
		if !st.OK {
			c.dropTopic(topic, ref)
			return nil, fmt.Errorf("failed to join %s: %s", topic, st.Reason)
		}
		return ch, nil
	case <-time.After(joinTimeout):
		c.dropTopic(topic, ref)
		return nil, fmt.Errorf("timed out joining %s", topic)
	case <-ctx.Done():
		c.dropTopic(topic, ref)
		return nil, ctx.Err()
	}
}

func (c *Client) dropTopic(topic, ref string) {
	c.mu.Lock()
	delete(c.subs, topic)
	delete(c.replies, ref)
	c.mu.Unlock()
}

func (c *Client) send(topic, event string, payload any, ref string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(frame{Topic: topic, Event: event, Payload: data, Ref: ref})
}

func (c *Client) readLoop() {
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				slog.Error("realtime connection dropped", "error", err)
				_ = c.Close()
			}
			return
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f frame) {
	if f.Event == "phx_reply" && f.Ref != "" {
		var reply struct {
			Status   string          `json:"status"`
			Response json.RawMessage `json:"response"`
		}
		_ = json.Unmarshal(f.Payload, &reply)

		c.mu.Lock()
		ch, ok := c.replies[f.Ref]
		delete(c.replies, f.Ref)
		c.mu.Unlock()
		if ok {
			ch <- replyStatus{OK: reply.Status == "ok", Reason: string(reply.Response)}
		}
		return
	}

	c.mu.Lock()
	sub, ok := c.subs[f.Topic]
	c.mu.Unlock()
	if !ok {
		return
	}
	sub.handle(f)
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.send("phoenix", "heartbeat", map[string]any{}, ""); err != nil {
				slog.Error("realtime heartbeat failed", "error", err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// liveChannel holds the per-topic state of one joined channel. The same
// struct backs row feeds, broadcast topics and presence channels; only the
// chans relevant to the join config ever see traffic.
type liveChannel struct {
	client *Client
	topic  string

	rows   chan RowChange
	events chan BroadcastEvent
	syncs  chan PresenceState

	mu       sync.Mutex
	closed   bool
	presence PresenceState
}

func (ch *liveChannel) handle(f frame) {
	switch f.Event {
	case "postgres_changes":
		var payload struct {
			Data struct {
				Type      ChangeType      `json:"type"`
				Record    json.RawMessage `json:"record"`
				OldRecord json.RawMessage `json:"old_record"`
			} `json:"data"`
		}
		if err := json.Unmarshal(f.Payload, &payload); err != nil {
			slog.Error("bad postgres_changes payload", "topic", ch.topic, "error", err)
			return
		}
		ch.deliverRow(RowChange{Type: payload.Data.Type, New: payload.Data.Record, Old: payload.Data.OldRecord})

	case "broadcast":
		var payload struct {
			Event   string          `json:"event"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(f.Payload, &payload); err != nil {
			slog.Error("bad broadcast payload", "topic", ch.topic, "error", err)
			return
		}
		ch.deliverEvent(BroadcastEvent{Event: payload.Event, Payload: payload.Payload})

	case "presence_state":
		var state map[string]struct {
			Metas []json.RawMessage `json:"metas"`
		}
		if err := json.Unmarshal(f.Payload, &state); err != nil {
			slog.Error("bad presence_state payload", "topic", ch.topic, "error", err)
			return
		}
		ch.mu.Lock()
		ch.presence = make(PresenceState, len(state))
		for key, entry := range state {
			ch.presence[key] = entry.Metas
		}
		snapshot := ch.snapshotLocked()
		ch.mu.Unlock()
		ch.deliverSync(snapshot)

	case "presence_diff":
		var diff struct {
			Joins map[string]struct {
				Metas []json.RawMessage `json:"metas"`
			} `json:"joins"`
			Leaves map[string]struct {
				Metas []json.RawMessage `json:"metas"`
			} `json:"leaves"`
		}
		if err := json.Unmarshal(f.Payload, &diff); err != nil {
			slog.Error("bad presence_diff payload", "topic", ch.topic, "error", err)
			return
		}
		ch.mu.Lock()
		for key := range diff.Leaves {
			delete(ch.presence, key)
		}
		for key, entry := range diff.Joins {
			ch.presence[key] = entry.Metas
		}
		snapshot := ch.snapshotLocked()
		ch.mu.Unlock()
		ch.deliverSync(snapshot)
	}
}

func (ch *liveChannel) snapshotLocked() PresenceState {
	snapshot := make(PresenceState, len(ch.presence))
	for key, metas := range ch.presence {
		snapshot[key] = metas
	}
	return snapshot
}

func (ch *liveChannel) deliverRow(ev RowChange) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	select {
	case ch.rows <- ev:
	default:
	}
}

func (ch *liveChannel) deliverEvent(ev BroadcastEvent) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	select {
	case ch.events <- ev:
	default:
	}
}

func (ch *liveChannel) deliverSync(state PresenceState) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	select {
	case ch.syncs <- state:
	default:
	}
}

func (ch *liveChannel) leave() {
	_ = ch.client.send(ch.topic, "phx_leave", map[string]any{}, "")
	ch.client.mu.Lock()
	delete(ch.client.subs, ch.topic)
	ch.client.mu.Unlock()
	ch.shutdown()
}

func (ch *liveChannel) shutdown() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	ch.closed = true
	close(ch.rows)
	close(ch.events)
	close(ch.syncs)
}

type liveFeed struct {
	ch *liveChannel
}

func (f *liveFeed) Events() <-chan RowChange { return f.ch.rows }

func (f *liveFeed) Close() error {
	f.ch.leave()
	return nil
}

type liveBroadcast struct {
	client *Client
	ch     *liveChannel
}

func (b *liveBroadcast) Send(event string, payload any) error {
	body := map[string]any{"type": "broadcast", "event": event, "payload": payload}
	return b.client.send(b.ch.topic, "broadcast", body, "")
}

func (b *liveBroadcast) Events() <-chan BroadcastEvent { return b.ch.events }

func (b *liveBroadcast) Close() error {
	b.ch.leave()
	return nil
}

type livePresence struct {
	client *Client
	ch     *liveChannel
}

func (p *livePresence) Track(key string, meta any) error {
	body := map[string]any{"type": "presence", "event": "track", "key": key, "payload": meta}
	return p.client.send(p.ch.topic, "presence", body, "")
}

func (p *livePresence) Untrack() error {
	body := map[string]any{"type": "presence", "event": "untrack"}
	return p.client.send(p.ch.topic, "presence", body, "")
}

func (p *livePresence) Syncs() <-chan PresenceState { return p.ch.syncs }

func (p *livePresence) Close() error {
	p.ch.leave()
	return nil
}

package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

const subscriberBuffer = 16

// Broker is an in-process realtime backend: row-change feeds, broadcast
// topics and presence channels with the same delivery semantics as the
// hosted transport. It backs the demo's local mode and the session tests.
type Broker struct {
	mu       sync.RWMutex
	feeds    map[string][]*memFeed
	topics   map[string][]*memBroadcast
	presence map[string][]*memPresence
}

func NewBroker() *Broker {
	return &Broker{
		feeds:    make(map[string][]*memFeed),
		topics:   make(map[string][]*memBroadcast),
		presence: make(map[string][]*memPresence),
	}
}

// Connect returns a Conn handle scoped to one session. Closing the Conn
// tears down everything it subscribed, including tracked presence.
func (b *Broker) Connect() Conn {
	return &brokerConn{broker: b}
}

func feedKey(table, roomID string) string {
	return table + ":" + roomID
}

// PublishInsert fans an insert event for a row out to every feed subscribed
// to (table, roomID). The row is marshaled once; a marshal failure drops the
// event.
func (b *Broker) PublishInsert(table, roomID string, row any) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal row: %w", err)
	}
	b.publish(feedKey(table, roomID), RowChange{Type: ChangeInsert, New: data})
	return nil
}

// PublishDelete fans a delete event out to every feed subscribed to
// (table, roomID). Only the old row's id is meaningful to consumers.
func (b *Broker) PublishDelete(table, roomID string, oldRow any) error {
	data, err := json.Marshal(oldRow)
	if err != nil {
		return fmt.Errorf("failed to marshal row: %w", err)
	}
	b.publish(feedKey(table, roomID), RowChange{Type: ChangeDelete, Old: data})
	return nil
}

func (b *Broker) publish(key string, ev RowChange) {
	b.mu.RLock()
	subs := make([]*memFeed, len(b.feeds[key]))
	copy(subs, b.feeds[key])
	b.mu.RUnlock()

	for _, f := range subs {
		f.deliver(ev)
	}
}

func (b *Broker) removeFeed(key string, f *memFeed) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.feeds[key]
	for i, s := range subs {
		if s == f {
			b.feeds[key] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func (b *Broker) removeTopic(topic string, m *memBroadcast) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[topic]
	for i, s := range subs {
		if s == m {
			b.topics[topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// presenceState aggregates the tracked metadata of every subscriber on the
// topic. Caller must hold at least a read lock.
func (b *Broker) presenceState(topic string) PresenceState {
	state := make(PresenceState)
	for _, p := range b.presence[topic] {
		if p.key == "" {
			continue
		}
		state[p.key] = append(state[p.key], p.meta)
	}
	return state
}

// syncPresence delivers the full topic snapshot to every subscriber.
// Fired on every track, untrack and disconnect.
func (b *Broker) syncPresence(topic string) {
	b.mu.RLock()
	state := b.presenceState(topic)
	subs := make([]*memPresence, len(b.presence[topic]))
	copy(subs, b.presence[topic])
	b.mu.RUnlock()

	for _, p := range subs {
		p.deliver(state)
	}
}

func (b *Broker) removePresence(topic string, p *memPresence) {
	b.mu.Lock()
	subs := b.presence[topic]
	for i, s := range subs {
		if s == p {
			b.presence[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	b.syncPresence(topic)
}

type brokerConn struct {
	broker *Broker
	mu     sync.Mutex
	closed bool
	feeds  []*memFeed
	topics []*memBroadcast
	pres   []*memPresence
}

func (c *brokerConn) RowChanges(ctx context.Context, table, roomID string) (RowFeed, error) {
	key := feedKey(table, roomID)
	f := &memFeed{
		broker: c.broker,
		key:    key,
		ch:     make(chan RowChange, subscriberBuffer),
	}

	c.broker.mu.Lock()
	c.broker.feeds[key] = append(c.broker.feeds[key], f)
	c.broker.mu.Unlock()

	c.mu.Lock()
	c.feeds = append(c.feeds, f)
	c.mu.Unlock()
	return f, nil
}

func (c *brokerConn) Broadcast(ctx context.Context, topic string) (Broadcast, error) {
	m := &memBroadcast{
		broker: c.broker,
		topic:  topic,
		ch:     make(chan BroadcastEvent, subscriberBuffer),
	}

	c.broker.mu.Lock()
	c.broker.topics[topic] = append(c.broker.topics[topic], m)
	c.broker.mu.Unlock()

	c.mu.Lock()
	c.topics = append(c.topics, m)
	c.mu.Unlock()
	return m, nil
}

func (c *brokerConn) Presence(ctx context.Context, topic string) (Presence, error) {
	p := &memPresence{
		broker: c.broker,
		topic:  topic,
		ch:     make(chan PresenceState, subscriberBuffer),
	}

	c.broker.mu.Lock()
	c.broker.presence[topic] = append(c.broker.presence[topic], p)
	c.broker.mu.Unlock()

	c.mu.Lock()
	c.pres = append(c.pres, p)
	c.mu.Unlock()

	// The local join itself triggers a sync, as the transport does.
	c.broker.syncPresence(topic)
	return p, nil
}

func (c *brokerConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	feeds, topics, pres := c.feeds, c.topics, c.pres
	c.mu.Unlock()

	for _, f := range feeds {
		_ = f.Close()
	}
	for _, m := range topics {
		_ = m.Close()
	}
	for _, p := range pres {
		_ = p.Close()
	}
	return nil
}

type memFeed struct {
	broker *Broker
	key    string

	mu     sync.Mutex
	closed bool
	ch     chan RowChange
}

// deliver drops the event if the subscriber is closed or not keeping up.
func (f *memFeed) deliver(ev RowChange) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.ch <- ev:
	default:
	}
}

func (f *memFeed) Events() <-chan RowChange { return f.ch }

func (f *memFeed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.ch)
	f.mu.Unlock()

	f.broker.removeFeed(f.key, f)
	return nil
}

type memBroadcast struct {
	broker *Broker
	topic  string

	mu     sync.Mutex
	closed bool
	ch     chan BroadcastEvent
}

// Send delivers the payload to every other subscriber on the topic. The
// sender does not receive its own broadcasts.
func (m *memBroadcast) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast payload: %w", err)
	}

	m.broker.mu.RLock()
	subs := make([]*memBroadcast, len(m.broker.topics[m.topic]))
	copy(subs, m.broker.topics[m.topic])
	m.broker.mu.RUnlock()

	for _, s := range subs {
		if s == m {
			continue
		}
		s.deliver(BroadcastEvent{Event: event, Payload: data})
	}
	return nil
}

func (m *memBroadcast) deliver(ev BroadcastEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.ch <- ev:
	default:
	}
}

func (m *memBroadcast) Events() <-chan BroadcastEvent { return m.ch }

func (m *memBroadcast) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.ch)
	m.mu.Unlock()

	m.broker.removeTopic(m.topic, m)
	return nil
}

type memPresence struct {
	broker *Broker
	topic  string

	mu     sync.Mutex
	closed bool
	ch     chan PresenceState
	key    string
	meta   json.RawMessage
}

func (p *memPresence) deliver(state PresenceState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.ch <- state:
	default:
	}
}

func (p *memPresence) Track(key string, meta any) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal presence meta: %w", err)
	}

	p.mu.Lock()
	p.key = key
	p.meta = data
	p.mu.Unlock()

	p.broker.syncPresence(p.topic)
	return nil
}

func (p *memPresence) Untrack() error {
	p.mu.Lock()
	p.key = ""
	p.meta = nil
	p.mu.Unlock()

	p.broker.syncPresence(p.topic)
	return nil
}

func (p *memPresence) Syncs() <-chan PresenceState { return p.ch }

func (p *memPresence) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.key = ""
	p.meta = nil
	close(p.ch)
	p.mu.Unlock()

	p.broker.removePresence(p.topic, p)
	return nil
}

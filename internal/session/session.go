// Package session implements the chat session core: for one (room, user)
// pair it owns the visible message list, merging optimistic local writes
// with the authoritative remote change feed, and runs the typing and
// presence sub-protocols on their side-channels.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"kruzhok/internal/content"
	"kruzhok/internal/models"
	"kruzhok/internal/realtime"
	"kruzhok/internal/store"

	"github.com/c-pro/geche"
)

const (
	DefaultHistoryLimit = 100

	authorCacheTTL = 5 * time.Minute

	// assistantThrottle is the minimum spacing between assistant questions;
	// assistantContext bounds how much room history travels with one.
	assistantThrottle = 3 * time.Second
	assistantContext  = 10
)

var (
	ErrClosed       = errors.New("session is closed")
	ErrNotElevated  = errors.New("announcements require elevated rights")
	ErrAskThrottled = errors.New("assistant question throttled")
	ErrNoAssistant  = errors.New("no assistant configured")
)

// MessageStore is the slice of the store adapter the session consumes.
type MessageStore interface {
	FetchHistory(ctx context.Context, roomID string, limit int) ([]models.Message, error)
	Persist(ctx context.Context, msg models.Message) (models.Message, error)
	DeleteByID(ctx context.Context, id string) error
	AuthorInfo(ctx context.Context, userID string) (models.Author, error)
}

// Notifier is signalled for incoming text messages authored by other users.
type Notifier interface {
	Notify(author, body, roomName string)
}

// Assistant answers a user question given the recent room history. Optional;
// answers surface as local system messages and are never persisted.
type Assistant interface {
	Answer(ctx context.Context, question string, history []models.Message) (string, error)
}

// HistoryCache persists durable messages locally so a reopened room renders
// instantly. Optional; a nil cache disables local history.
type HistoryCache interface {
	SaveMessage(msg models.Message) error
	DeleteMessage(roomID, id string) error
	RecentMessages(roomID string, limit int) ([]models.Message, error)
}

type Config struct {
	Room     models.Room
	UserID   string
	Username string
	// Elevated marks moderator rights. Authorization itself is enforced
	// by the caller; the session only carries the flag.
	Elevated     bool
	HistoryLimit int

	Store     MessageStore
	Conn      realtime.Conn
	History   HistoryCache
	Notifier  Notifier
	Assistant Assistant

	// OnUpdate is invoked after every externally-visible state change:
	// message list, typing set or online membership.
	OnUpdate func()
}

func (c *Config) validate() error {
	if c.Room.ID == "" {
		return fmt.Errorf("room id is required")
	}
	if c.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	if c.Store == nil {
		return fmt.Errorf("message store is required")
	}
	if c.Conn == nil {
		return fmt.Errorf("realtime connection is required")
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	return nil
}

// Session is the core for one open room. All mutations of the visible list
// are serialized through one mutex; async callbacks arriving after Close
// become no-ops.
type Session struct {
	cfg Config

	mu       sync.Mutex
	closed   bool
	messages []models.Message
	lastAsk  time.Time

	emitter  *typingEmitter
	tracker  *typingTracker
	presence *presenceTracker

	feed  realtime.RowFeed
	bcast realtime.Broadcast
	pres  realtime.Presence

	names geche.Geche[string, string]

	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// Open fetches the room history, opens the three room-scoped subscriptions
// (message changes, typing, presence) and starts advertising this session's
// presence. The returned session must be Closed to release them.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	sessionCtx, cancel := context.WithCancel(context.Background())

	s := &Session{
		cfg:      cfg,
		tracker:  newTypingTracker(),
		presence: newPresenceTracker(),
		names:    geche.NewMapTTLCache[string, string](sessionCtx, authorCacheTTL, time.Minute),
		cancel:   cancel,
		now:      time.Now,
	}
	s.emitter = newTypingEmitter(typingIdle, s.broadcastTyping)

	// Cached history renders first; the remote fetch below is authoritative.
	if cfg.History != nil {
		if cached, err := cfg.History.RecentMessages(cfg.Room.ID, cfg.HistoryLimit); err != nil {
			slog.Warn("failed to read local history", "room", cfg.Room.ID, "error", err)
		} else {
			s.messages = cached
		}
	}

	remote, err := cfg.Store.FetchHistory(ctx, cfg.Room.ID, cfg.HistoryLimit)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}
	s.messages = remote

	if s.feed, err = cfg.Conn.RowChanges(ctx, "chat_messages", cfg.Room.ID); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to message changes: %w", err)
	}
	if s.bcast, err = cfg.Conn.Broadcast(ctx, "typing:"+cfg.Room.ID); err != nil {
		_ = s.feed.Close()
		cancel()
		return nil, fmt.Errorf("failed to subscribe to typing broadcasts: %w", err)
	}
	if s.pres, err = cfg.Conn.Presence(ctx, "presence:"+cfg.Room.ID); err != nil {
		_ = s.bcast.Close()
		_ = s.feed.Close()
		cancel()
		return nil, fmt.Errorf("failed to subscribe to presence: %w", err)
	}

	meta := models.PresenceMeta{Online: true, At: s.now(), RoomID: cfg.Room.ID}
	if err := s.pres.Track(presenceKeyPrefix+cfg.UserID, meta); err != nil {
		slog.Warn("failed to track presence", "room", cfg.Room.ID, "error", err)
	}

	s.wg.Add(4)
	go s.rowLoop()
	go s.typingLoop()
	go s.presenceLoop()
	go s.sweepLoop(sessionCtx)

	return s, nil
}

// Close tears down the three subscriptions, retracts presence and cancels
// any pending typing timers. In-flight persist/delete calls are not
// cancelled; their callbacks find the session closed and do nothing.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.emitter.Stop()
	if err := s.pres.Untrack(); err != nil {
		slog.Warn("failed to untrack presence", "room", s.cfg.Room.ID, "error", err)
	}
	_ = s.pres.Close()
	_ = s.bcast.Close()
	_ = s.feed.Close()
	s.cancel()
	s.wg.Wait()
	return nil
}

// Messages returns a snapshot of the visible list, oldest first.
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Send appends an optimistic entry immediately and persists it remotely.
// An empty (after trimming) body is a no-op. On persist failure the
// optimistic entry is removed and the error returned.
func (s *Session) Send(ctx context.Context, body string) error {
	return s.send(ctx, body, models.MessageKindText, nil)
}

// Announce sends an announcement message. Requires elevated rights.
func (s *Session) Announce(ctx context.Context, body string) error {
	if !s.cfg.Elevated {
		return ErrNotElevated
	}
	return s.send(ctx, body, models.MessageKindAnnouncement, nil)
}

// SendWithAttachments behaves like Send with attachments on the message.
func (s *Session) SendWithAttachments(ctx context.Context, body string, atts []models.Attachment) error {
	return s.send(ctx, body, models.MessageKindText, atts)
}

func (s *Session) send(ctx context.Context, body string, kind models.MessageKind, atts []models.Attachment) error {
	body = content.NormalizeBody(body)
	if body == "" {
		return nil
	}

	pending := models.Message{
		ID:          models.NewPendingID(),
		RoomID:      s.cfg.Room.ID,
		AuthorID:    s.cfg.UserID,
		Body:        body,
		Kind:        kind,
		CreatedAt:   s.now(),
		Author:      &models.Author{Username: s.cfg.Username},
		Attachments: atts,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.messages = append(s.messages, pending)
	s.mu.Unlock()
	s.notifyUpdate()

	// Sending retracts any active typing claim immediately.
	s.emitter.Stop()

	confirmed, err := s.cfg.Store.Persist(ctx, pending)
	if err != nil {
		s.removePending(pending.ID)
		s.notifyUpdate()
		return fmt.Errorf("failed to send message: %w", err)
	}

	// The change-feed echo may already have promoted the entry; this
	// replacement is then a no-op.
	if s.promote(pending.ID, confirmed) {
		s.notifyUpdate()
	}
	s.cacheMessage(confirmed)
	return nil
}

// promote replaces the pending entry's identity with the store-confirmed
// one, preserving its list position. Returns false if the pending entry is
// gone (already promoted, removed, or the session closed).
func (s *Session) promote(pendingID models.MessageID, confirmed models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	for i := range s.messages {
		if s.messages[i].ID.Equal(pendingID) {
			if confirmed.Author == nil {
				confirmed.Author = s.messages[i].Author
			}
			s.messages[i] = confirmed
			return true
		}
	}
	return false
}

func (s *Session) removePending(id models.MessageID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for i := range s.messages {
		if s.messages[i].ID.Equal(id) {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return
		}
	}
}

// Delete removes the given messages: a remote delete for every durable id,
// then optimistic removal of all of them locally regardless of remote
// outcome. Confirmation for bulk deletes is the caller's concern.
func (s *Session) Delete(ctx context.Context, ids []models.MessageID) error {
	var firstErr error
	for _, id := range ids {
		durable, ok := id.Durable()
		if !ok {
			continue
		}
		if err := s.cfg.Store.DeleteByID(ctx, durable); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to delete message %s: %w", durable, err)
			}
			continue
		}
		if s.cfg.History != nil {
			if err := s.cfg.History.DeleteMessage(s.cfg.Room.ID, durable); err != nil {
				slog.Warn("failed to drop cached message", "id", durable, "error", err)
			}
		}
	}

	s.mu.Lock()
	if !s.closed {
		kept := s.messages[:0]
		for _, msg := range s.messages {
			if !containsID(ids, msg.ID) {
				kept = append(kept, msg)
			}
		}
		s.messages = kept
	}
	s.mu.Unlock()
	s.notifyUpdate()

	// Deletion is best-effort-then-final: entries are not restored on error.
	return firstErr
}

func containsID(ids []models.MessageID, id models.MessageID) bool {
	for _, candidate := range ids {
		if candidate.Equal(id) {
			return true
		}
	}
	return false
}

// Ask sends a question to the room assistant with the most recent messages
// as context. The answer is appended as a local system message visible only
// to this session; it is never persisted or echoed. Questions closer
// together than the throttle window return ErrAskThrottled.
func (s *Session) Ask(ctx context.Context, question string) error {
	if s.cfg.Assistant == nil {
		return ErrNoAssistant
	}
	question = content.NormalizeBody(question)
	if question == "" {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	now := s.now()
	if !s.lastAsk.IsZero() && now.Sub(s.lastAsk) < assistantThrottle {
		s.mu.Unlock()
		return ErrAskThrottled
	}
	s.lastAsk = now

	start := len(s.messages) - assistantContext
	if start < 0 {
		start = 0
	}
	history := make([]models.Message, len(s.messages)-start)
	copy(history, s.messages[start:])
	s.mu.Unlock()

	answer, err := s.cfg.Assistant.Answer(ctx, question, history)
	if err != nil {
		return fmt.Errorf("assistant request failed: %w", err)
	}

	reply := models.Message{
		ID:        models.NewPendingID(),
		RoomID:    s.cfg.Room.ID,
		AuthorID:  "assistant",
		Body:      content.Sanitize(answer),
		Kind:      models.MessageKindSystem,
		CreatedAt: s.now(),
		Author:    &models.Author{Username: "Assistant"},
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.messages = append(s.messages, reply)
	s.mu.Unlock()
	s.notifyUpdate()
	return nil
}

// InputChanged feeds the local typing emitter; call it on every keystroke.
func (s *Session) InputChanged(text string) {
	s.emitter.InputChanged(text)
}

// TypingLabel renders the "is typing" text from signals fresher than the
// display window, excluding the local user. Empty when nobody is typing.
func (s *Session) TypingLabel() string {
	return typingLabel(s.tracker.Active(s.now(), typingFreshness, s.cfg.UserID))
}

// Online returns the user ids currently present in the room.
func (s *Session) Online() []string {
	return s.presence.Online()
}

func (s *Session) OnlineCount() int {
	return s.presence.Count()
}

func (s *Session) broadcastTyping(isTyping bool) {
	payload := typingPayload{
		UserID:    s.cfg.UserID,
		Username:  s.cfg.Username,
		RoomID:    s.cfg.Room.ID,
		IsTyping:  isTyping,
		Timestamp: s.now().UnixMilli(),
	}
	if err := s.bcast.Send("typing", payload); err != nil {
		slog.Warn("failed to broadcast typing signal", "room", s.cfg.Room.ID, "error", err)
	}
}

func (s *Session) rowLoop() {
	defer s.wg.Done()
	for ev := range s.feed.Events() {
		switch ev.Type {
		case realtime.ChangeInsert:
			msg, err := store.ParseMessageRow(ev.New)
			if err != nil {
				slog.Error("dropping bad insert event", "room", s.cfg.Room.ID, "error", err)
				continue
			}
			s.handleInsert(msg)
		case realtime.ChangeDelete:
			id, err := store.ParseDeletedRowID(ev.Old)
			if err != nil {
				slog.Error("dropping bad delete event", "room", s.cfg.Room.ID, "error", err)
				continue
			}
			s.handleDelete(id)
		}
	}
}

// handleInsert applies the dedup/promotion rule for one durable row:
// a row whose id is already visible is a replay and is ignored; otherwise a
// pending entry with the same room, author and body is promoted in place;
// otherwise the row is appended. The rule is commutative with the persist
// response path, so echo-before-response and response-before-echo converge.
func (s *Session) handleInsert(msg models.Message) {
	if msg.Kind == models.MessageKindText {
		msg.Author = s.lookupAuthor(msg.AuthorID)
		if msg.AuthorID != s.cfg.UserID && s.cfg.Notifier != nil {
			s.cfg.Notifier.Notify(msg.Author.Username, msg.Body, s.cfg.Room.Name)
		}
	}

	durableID, _ := msg.ID.Durable()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	changed := false
	replaced := false
	duplicate := false
	for i := range s.messages {
		if existing, ok := s.messages[i].ID.Durable(); ok && existing == durableID {
			duplicate = true
			break
		}
	}
	if !duplicate {
		for i := range s.messages {
			m := &s.messages[i]
			if m.ID.IsPending() && m.RoomID == msg.RoomID && m.AuthorID == msg.AuthorID && m.Body == msg.Body {
				if msg.Author == nil {
					msg.Author = m.Author
				}
				s.messages[i] = msg
				replaced = true
				changed = true
				break
			}
		}
		if !replaced {
			s.messages = append(s.messages, msg)
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
		s.cacheMessage(msg)
		s.notifyUpdate()
	}
}

// handleDelete removes the message with the given durable id. No-op when it
// is absent, which makes replayed delete events harmless.
func (s *Session) handleDelete(id string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	changed := false
	for i := range s.messages {
		if existing, ok := s.messages[i].ID.Durable(); ok && existing == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			changed = true
			break
		}
	}
	s.mu.Unlock()

	if changed {
		if s.cfg.History != nil {
			if err := s.cfg.History.DeleteMessage(s.cfg.Room.ID, id); err != nil {
				slog.Warn("failed to drop cached message", "id", id, "error", err)
			}
		}
		s.notifyUpdate()
	}
}

// lookupAuthor resolves display metadata for a row's author, best-effort.
// Results are cached; a failed lookup degrades to "Unknown".
func (s *Session) lookupAuthor(userID string) *models.Author {
	if userID == s.cfg.UserID {
		return &models.Author{Username: s.cfg.Username}
	}

	if username, err := s.names.Get(userID); err == nil {
		return &models.Author{Username: username}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	author, err := s.cfg.Store.AuthorInfo(ctx, userID)
	if err != nil {
		slog.Warn("failed to resolve author", "user", userID, "error", err)
		return &models.Author{Username: "Unknown"}
	}
	s.names.Set(userID, author.Username)
	return &author
}

func (s *Session) typingLoop() {
	defer s.wg.Done()
	for ev := range s.bcast.Events() {
		if ev.Event != "typing" {
			continue
		}
		var payload typingPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			slog.Error("dropping bad typing payload", "room", s.cfg.Room.ID, "error", err)
			continue
		}

		if payload.IsTyping {
			s.tracker.Upsert(payload.UserID, payload.Username, time.UnixMilli(payload.Timestamp))
		} else {
			s.tracker.Remove(payload.UserID)
		}
		s.notifyUpdate()
	}
}

func (s *Session) presenceLoop() {
	defer s.wg.Done()
	for state := range s.pres.Syncs() {
		s.presence.Apply(state)
		s.notifyUpdate()
	}
}

// sweepLoop is the liveness backstop for typing claims whose stop event was
// lost: any claim older than the retention window is dropped.
func (s *Session) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if s.tracker.Sweep(s.now(), typingRetention) {
				s.notifyUpdate()
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) cacheMessage(msg models.Message) {
	if s.cfg.History == nil {
		return
	}
	if _, ok := msg.ID.Durable(); !ok {
		return
	}
	if err := s.cfg.History.SaveMessage(msg); err != nil {
		slog.Warn("failed to cache message", "id", msg.ID.String(), "error", err)
	}
}

func (s *Session) notifyUpdate() {
	if s.cfg.OnUpdate != nil {
		s.cfg.OnUpdate()
	}
}

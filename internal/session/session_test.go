package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"kruzhok/internal/models"
	"kruzhok/internal/realtime"
	"kruzhok/internal/store"
)

type fakeStore struct {
	mu            sync.Mutex
	history       []models.Message
	authors       map[string]models.Author
	persistErr    error
	deleteErr     error
	persistGate   chan struct{}
	persistResult *models.Message
	persisted     []models.Message
	deleted       []string
	nextID        int
}

func newFakeStore() *fakeStore {
	return &fakeStore{authors: make(map[string]models.Author), nextID: 1}
}

func (f *fakeStore) FetchHistory(ctx context.Context, roomID string, limit int) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Message, len(f.history))
	copy(out, f.history)
	return out, nil
}

func (f *fakeStore) Persist(ctx context.Context, msg models.Message) (models.Message, error) {
	f.mu.Lock()
	gate := f.persistGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.persistErr != nil {
		return models.Message{}, f.persistErr
	}
	f.persisted = append(f.persisted, msg)

	if f.persistResult != nil {
		return *f.persistResult, nil
	}

	confirmed := msg
	confirmed.ID = models.DurableID("srv-" + strconv.Itoa(f.nextID))
	confirmed.CreatedAt = time.Now()
	f.nextID++
	return confirmed, nil
}

func (f *fakeStore) DeleteByID(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeStore) AuthorInfo(ctx context.Context, userID string) (models.Author, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	author, ok := f.authors[userID]
	if !ok {
		return models.Author{}, models.ErrNotFound
	}
	return author, nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *fakeNotifier) Notify(author, body, roomName string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, author+": "+body)
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type fakeAssistant struct {
	mu        sync.Mutex
	questions []string
	contexts  []int
	answer    string
	err       error
}

func (a *fakeAssistant) Answer(ctx context.Context, question string, history []models.Message) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.questions = append(a.questions, question)
	a.contexts = append(a.contexts, len(history))
	if a.err != nil {
		return "", a.err
	}
	return a.answer, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

const testRoomID = "room1"

func openTestSession(t *testing.T, broker *realtime.Broker, fs *fakeStore, userID, username string) *Session {
	t.Helper()
	sess, err := Open(context.Background(), Config{
		Room:     models.Room{ID: testRoomID, Name: "Quiz Talk"},
		UserID:   userID,
		Username: username,
		Store:    fs,
		Conn:     broker.Connect(),
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func echoRow(id, userID, body string) store.RemoteMessageRow {
	return store.RemoteMessageRow{
		ID:          id,
		RoomID:      testRoomID,
		UserID:      userID,
		Message:     body,
		MessageType: "text",
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}
}

func TestSend_ResponseBeforeEcho(t *testing.T) {
	broker := realtime.NewBroker()
	fs := newFakeStore()
	row := echoRow("42", "userA", "hello")
	confirmed, err := row.ToMessage()
	if err != nil {
		t.Fatal(err)
	}
	fs.persistResult = &confirmed

	sess := openTestSession(t, broker, fs, "userA", "alice")

	if err := sess.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	msgs := sess.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if id, _ := msgs[0].ID.Durable(); id != "42" {
		t.Errorf("expected durable id 42, got %s", msgs[0].ID)
	}

	// The late echo of the same row must not duplicate it.
	if err := broker.PublishInsert("chat_messages", testRoomID, row); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if msgs := sess.Messages(); len(msgs) != 1 {
		t.Errorf("echo duplicated the message: %d entries", len(msgs))
	}
}

func TestSend_EchoBeforeResponse(t *testing.T) {
	broker := realtime.NewBroker()
	fs := newFakeStore()
	row := echoRow("42", "userA", "hello")
	confirmed, err := row.ToMessage()
	if err != nil {
		t.Fatal(err)
	}
	fs.persistResult = &confirmed
	fs.persistGate = make(chan struct{})

	sess := openTestSession(t, broker, fs, "userA", "alice")

	sendDone := make(chan error, 1)
	go func() { sendDone <- sess.Send(context.Background(), "hello") }()

	// Optimistic entry is visible before the persist call returns.
	waitFor(t, "optimistic entry", func() bool {
		msgs := sess.Messages()
		return len(msgs) == 1 && msgs[0].ID.IsPending()
	})

	// Echo lands first and promotes the entry in place.
	if err := broker.PublishInsert("chat_messages", testRoomID, row); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "promotion by echo", func() bool {
		msgs := sess.Messages()
		if len(msgs) != 1 {
			return false
		}
		id, ok := msgs[0].ID.Durable()
		return ok && id == "42"
	})

	// Now the persist response arrives; its replacement must be a no-op.
	close(fs.persistGate)
	if err := <-sendDone; err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	msgs := sess.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected exactly 1 message after both paths, got %d", len(msgs))
	}
	if id, _ := msgs[0].ID.Durable(); id != "42" {
		t.Errorf("expected durable id 42, got %s", msgs[0].ID)
	}
	if msgs[0].Body != "hello" {
		t.Errorf("expected body hello, got %q", msgs[0].Body)
	}
}

func TestSend_PersistFailureRollsBack(t *testing.T) {
	broker := realtime.NewBroker()
	fs := newFakeStore()
	fs.persistErr = errors.New("backend unavailable")

	sess := openTestSession(t, broker, fs, "userA", "alice")

	if err := sess.Send(context.Background(), "doomed"); err == nil {
		t.Fatal("expected error from Send")
	}
	if msgs := sess.Messages(); len(msgs) != 0 {
		t.Errorf("transient entry not rolled back: %v", msgs)
	}
}

func TestSend_EmptyBodyIsNoop(t *testing.T) {
	broker := realtime.NewBroker()
	fs := newFakeStore()
	sess := openTestSession(t, broker, fs, "userA", "alice")

	if err := sess.Send(context.Background(), "   \n "); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
	if len(fs.persisted) != 0 {
		t.Error("empty message was persisted")
	}
	if msgs := sess.Messages(); len(msgs) != 0 {
		t.Errorf("empty message appended: %v", msgs)
	}
}

func TestReceiveInsert_ReplayIgnored(t *testing.T) {
	broker := realtime.NewBroker()
	fs := newFakeStore()
	fs.authors["userB"] = models.Author{Username: "bob"}
	sess := openTestSession(t, broker, fs, "userA", "alice")

	row := echoRow("7", "userB", "hi there")
	for i := 0; i < 2; i++ {
		if err := broker.PublishInsert("chat_messages", testRoomID, row); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, "message delivery", func() bool { return len(sess.Messages()) >= 1 })
	time.Sleep(50 * time.Millisecond)

	msgs := sess.Messages()
	if len(msgs) != 1 {
		t.Fatalf("replayed row duplicated: %d entries", len(msgs))
	}
	if msgs[0].Author == nil || msgs[0].Author.Username != "bob" {
		t.Errorf("expected resolved author bob, got %+v", msgs[0].Author)
	}
}

func TestReceiveInsert_UnknownAuthor(t *testing.T) {
	broker := realtime.NewBroker()
	fs := newFakeStore()
	sess := openTestSession(t, broker, fs, "userA", "alice")

	if err := broker.PublishInsert("chat_messages", testRoomID, echoRow("9", "ghost", "boo")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "message delivery", func() bool { return len(sess.Messages()) == 1 })
	if author := sess.Messages()[0].Author; author == nil || author.Username != "Unknown" {
		t.Errorf("expected Unknown author, got %+v", author)
	}
}

func TestReceiveInsert_NotifiesOthersOnly(t *testing.T) {
	broker := realtime.NewBroker()
	fs := newFakeStore()
	fs.authors["userB"] = models.Author{Username: "bob"}
	notifier := &fakeNotifier{}

	sess, err := Open(context.Background(), Config{
		Room:     models.Room{ID: testRoomID, Name: "Quiz Talk"},
		UserID:   "userA",
		Username: "alice",
		Store:    fs,
		Conn:     broker.Connect(),
		Notifier: notifier,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = sess.Close() }()

	if err := broker.PublishInsert("chat_messages", testRoomID, echoRow("1", "userB", "ping")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "notification", func() bool { return notifier.count() == 1 })

	// Own echo and announcements never notify.
	if err := broker.PublishInsert("chat_messages", testRoomID, echoRow("2", "userA", "mine")); err != nil {
		t.Fatal(err)
	}
	announcement := echoRow("3", "userB", "big news")
	announcement.MessageType = "announcement"
	if err := broker.PublishInsert("chat_messages", testRoomID, announcement); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "all rows delivered", func() bool { return len(sess.Messages()) == 3 })
	if notifier.count() != 1 {
		t.Errorf("expected 1 notification, got %d", notifier.count())
	}
}

func TestReceiveDelete_Idempotent(t *testing.T) {
	broker := realtime.NewBroker()
	fs := newFakeStore()
	fs.history = []models.Message{
		{ID: models.DurableID("m1"), RoomID: testRoomID, AuthorID: "userB", Body: "bye", Kind: models.MessageKindText, CreatedAt: time.Now()},
	}
	sess := openTestSession(t, broker, fs, "userA", "alice")

	deleted := map[string]string{"id": "m1"}
	for i := 0; i < 2; i++ {
		if err := broker.PublishDelete("chat_messages", testRoomID, deleted); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, "deletion", func() bool { return len(sess.Messages()) == 0 })
	time.Sleep(50 * time.Millisecond)
	if msgs := sess.Messages(); len(msgs) != 0 {
		t.Errorf("expected empty list, got %v", msgs)
	}
}

func TestDelete_OptimisticRemoval(t *testing.T) {
	broker := realtime.NewBroker()
	fs := newFakeStore()
	fs.history = []models.Message{
		{ID: models.DurableID("m1"), RoomID: testRoomID, AuthorID: "userA", Body: "one", Kind: models.MessageKindText, CreatedAt: time.Now()},
		{ID: models.DurableID("m2"), RoomID: testRoomID, AuthorID: "userA", Body: "two", Kind: models.MessageKindText, CreatedAt: time.Now()},
	}
	sess := openTestSession(t, broker, fs, "userA", "alice")

	if err := sess.Delete(context.Background(), []models.MessageID{models.DurableID("m1")}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if got := fs.deleted; len(got) != 1 || got[0] != "m1" {
		t.Errorf("expected remote delete of m1, got %v", got)
	}
	msgs := sess.Messages()
	if len(msgs) != 1 || msgs[0].Body != "two" {
		t.Errorf("expected only m2 to remain, got %v", msgs)
	}

	// A remote delete failure still removes locally and surfaces the error.
	fs.deleteErr = errors.New("forbidden")
	if err := sess.Delete(context.Background(), []models.MessageID{models.DurableID("m2")}); err == nil {
		t.Error("expected error from failed remote delete")
	}
	if msgs := sess.Messages(); len(msgs) != 0 {
		t.Errorf("expected optimistic removal despite error, got %v", msgs)
	}

	// Deleting an id that was never shown is a no-op.
	if err := sess.Delete(context.Background(), []models.MessageID{models.DurableID("m1")}); err == nil {
		t.Error("expected delete error to propagate")
	}
}

func TestDelete_SkipsPendingIDsRemotely(t *testing.T) {
	broker := realtime.NewBroker()
	fs := newFakeStore()
	fs.persistGate = make(chan struct{})
	sess := openTestSession(t, broker, fs, "userA", "alice")

	go func() { _ = sess.Send(context.Background(), "in flight") }()
	waitFor(t, "pending entry", func() bool { return len(sess.Messages()) == 1 })

	pendingID := sess.Messages()[0].ID
	if err := sess.Delete(context.Background(), []models.MessageID{pendingID}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if len(fs.deleted) != 0 {
		t.Errorf("pending id must not be deleted remotely, got %v", fs.deleted)
	}
	if msgs := sess.Messages(); len(msgs) != 0 {
		t.Errorf("pending entry not removed locally: %v", msgs)
	}
	close(fs.persistGate)
}

func TestTyping_RemoteSignals(t *testing.T) {
	broker := realtime.NewBroker()
	fs := newFakeStore()
	sess := openTestSession(t, broker, fs, "userA", "alice")

	peer, err := broker.Connect().Broadcast(context.Background(), "typing:"+testRoomID)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = peer.Close() }()

	start := typingPayload{UserID: "userB", Username: "bob", RoomID: testRoomID, IsTyping: true, Timestamp: time.Now().UnixMilli()}
	if err := peer.Send("typing", start); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "typing label", func() bool { return sess.TypingLabel() == "bob is typing..." })

	stop := start
	stop.IsTyping = false
	if err := peer.Send("typing", stop); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "label cleared", func() bool { return sess.TypingLabel() == "" })
}

func TestPresence_Accounting(t *testing.T) {
	broker := realtime.NewBroker()
	fs := newFakeStore()

	sessA := openTestSession(t, broker, fs, "userA", "alice")
	sessB := openTestSession(t, broker, fs, "userB", "bob")

	waitFor(t, "both online in A", func() bool { return sessA.OnlineCount() == 2 })
	waitFor(t, "both online in B", func() bool { return sessB.OnlineCount() == 2 })

	online := sessA.Online()
	if len(online) != 2 || online[0] != "userA" || online[1] != "userB" {
		t.Errorf("expected [userA userB], got %v", online)
	}

	if err := sessB.Close(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "B left", func() bool { return sessA.OnlineCount() == 1 })
	if online := sessA.Online(); len(online) != 1 || online[0] != "userA" {
		t.Errorf("expected only userA, got %v", online)
	}
}

func TestSession_ClosedGuards(t *testing.T) {
	broker := realtime.NewBroker()
	fs := newFakeStore()
	sess := openTestSession(t, broker, fs, "userA", "alice")

	if err := sess.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Closing twice is fine.
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if err := sess.Send(context.Background(), "too late"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestAnnounce_RequiresElevation(t *testing.T) {
	broker := realtime.NewBroker()
	fs := newFakeStore()
	sess := openTestSession(t, broker, fs, "userA", "alice")

	if err := sess.Announce(context.Background(), "hear ye"); !errors.Is(err, ErrNotElevated) {
		t.Errorf("expected ErrNotElevated, got %v", err)
	}

	elevated, err := Open(context.Background(), Config{
		Room:     models.Room{ID: testRoomID},
		UserID:   "admin",
		Username: "root",
		Elevated: true,
		Store:    fs,
		Conn:     broker.Connect(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = elevated.Close() }()

	if err := elevated.Announce(context.Background(), "hear ye"); err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	msgs := elevated.Messages()
	if len(msgs) != 1 || msgs[0].Kind != models.MessageKindAnnouncement {
		t.Errorf("expected one announcement, got %v", msgs)
	}
}

func TestAsk_InsertsLocalSystemMessage(t *testing.T) {
	broker := realtime.NewBroker()
	fs := newFakeStore()
	for i := 1; i <= 12; i++ {
		fs.history = append(fs.history, models.Message{
			ID:        models.DurableID(strconv.Itoa(i)),
			RoomID:    testRoomID,
			AuthorID:  "userB",
			Body:      fmt.Sprintf("msg %d", i),
			Kind:      models.MessageKindText,
			CreatedAt: time.Now(),
		})
	}
	assistant := &fakeAssistant{answer: "Question 3 was about goroutines."}

	sess, err := Open(context.Background(), Config{
		Room:      models.Room{ID: testRoomID, Name: "Quiz Talk"},
		UserID:    "userA",
		Username:  "alice",
		Store:     fs,
		Conn:      broker.Connect(),
		Assistant: assistant,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = sess.Close() }()

	if err := sess.Ask(context.Background(), "explain question 3"); err != nil {
		t.Fatalf("Ask failed: %v", err)
	}

	msgs := sess.Messages()
	last := msgs[len(msgs)-1]
	if last.Kind != models.MessageKindSystem {
		t.Errorf("expected system message, got %s", last.Kind)
	}
	if last.Body != "Question 3 was about goroutines." {
		t.Errorf("unexpected body %q", last.Body)
	}
	if last.Author == nil || last.Author.Username != "Assistant" {
		t.Errorf("expected Assistant author, got %+v", last.Author)
	}
	// Answers are local only; nothing reaches the store.
	if len(fs.persisted) != 0 {
		t.Errorf("assistant answer was persisted: %v", fs.persisted)
	}
	// Context is capped to the most recent window.
	if got := assistant.contexts[0]; got != 10 {
		t.Errorf("expected 10 context messages, got %d", got)
	}
	if assistant.questions[0] != "explain question 3" {
		t.Errorf("unexpected question %q", assistant.questions[0])
	}
}

func TestAsk_Throttled(t *testing.T) {
	broker := realtime.NewBroker()
	fs := newFakeStore()
	assistant := &fakeAssistant{answer: "ok"}

	sess, err := Open(context.Background(), Config{
		Room:      models.Room{ID: testRoomID},
		UserID:    "userA",
		Username:  "alice",
		Store:     fs,
		Conn:      broker.Connect(),
		Assistant: assistant,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = sess.Close() }()

	if err := sess.Ask(context.Background(), "first"); err != nil {
		t.Fatalf("Ask failed: %v", err)
	}
	if err := sess.Ask(context.Background(), "too soon"); !errors.Is(err, ErrAskThrottled) {
		t.Fatalf("expected ErrAskThrottled, got %v", err)
	}

	// Once the throttle window has passed, the next question goes through.
	sess.mu.Lock()
	sess.lastAsk = sess.lastAsk.Add(-assistantThrottle - time.Second)
	sess.mu.Unlock()
	if err := sess.Ask(context.Background(), "second"); err != nil {
		t.Fatalf("Ask after window failed: %v", err)
	}
	if len(assistant.questions) != 2 {
		t.Errorf("expected 2 delivered questions, got %v", assistant.questions)
	}
}

func TestAsk_FailureAndMissingAssistant(t *testing.T) {
	broker := realtime.NewBroker()
	fs := newFakeStore()
	assistant := &fakeAssistant{err: errors.New("model unavailable")}

	sess, err := Open(context.Background(), Config{
		Room:      models.Room{ID: testRoomID},
		UserID:    "userA",
		Username:  "alice",
		Store:     fs,
		Conn:      broker.Connect(),
		Assistant: assistant,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = sess.Close() }()

	if err := sess.Ask(context.Background(), "doomed"); err == nil {
		t.Fatal("expected error from failed assistant call")
	}
	if msgs := sess.Messages(); len(msgs) != 0 {
		t.Errorf("failed answer appended a message: %v", msgs)
	}

	// An empty question never reaches the assistant.
	if err := sess.Ask(context.Background(), "  "); err != nil {
		t.Errorf("empty question must be a no-op, got %v", err)
	}
	if len(assistant.questions) != 1 {
		t.Errorf("expected 1 delivered question, got %v", assistant.questions)
	}

	plain := openTestSession(t, broker, fs, "userB", "bob")
	if err := plain.Ask(context.Background(), "anyone?"); !errors.Is(err, ErrNoAssistant) {
		t.Errorf("expected ErrNoAssistant, got %v", err)
	}
}

func TestOpen_LoadsHistoryInOrder(t *testing.T) {
	broker := realtime.NewBroker()
	fs := newFakeStore()
	for i := 1; i <= 3; i++ {
		fs.history = append(fs.history, models.Message{
			ID:        models.DurableID(strconv.Itoa(i)),
			RoomID:    testRoomID,
			AuthorID:  "userB",
			Body:      fmt.Sprintf("msg %d", i),
			Kind:      models.MessageKindText,
			CreatedAt: time.Now(),
		})
	}

	sess := openTestSession(t, broker, fs, "userA", "alice")
	msgs := sess.Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, msg := range msgs {
		if want := fmt.Sprintf("msg %d", i+1); msg.Body != want {
			t.Errorf("index %d: expected %q, got %q", i, want, msg.Body)
		}
	}
}

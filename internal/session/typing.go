package session

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	// typingIdle is how long after the last keystroke a "stopped typing"
	// signal is emitted.
	typingIdle = 3 * time.Second
	// typingFreshness bounds which remote signals count towards the
	// rendered "is typing" label.
	typingFreshness = 3 * time.Second
	// typingRetention bounds how long a remote signal is tracked at all.
	// Covers lost stop events (closed tabs, dropped connections).
	typingRetention = 5 * time.Second
	// sweepInterval is the cadence of the retention sweep.
	sweepInterval = time.Second
)

// typingPayload is the wire shape of a typing broadcast. Timestamps travel
// as unix milliseconds.
type typingPayload struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	RoomID    string `json:"roomId"`
	IsTyping  bool   `json:"isTyping"`
	Timestamp int64  `json:"timestamp"`
}

// typingEmitter runs the local side of the typing protocol: one "typing"
// broadcast on the idle-to-typing edge, debounced keystrokes while typing,
// and a single "stopped" broadcast on inactivity, empty input or send.
type typingEmitter struct {
	mu     sync.Mutex
	typing bool
	timer  *time.Timer
	idle   time.Duration
	send   func(isTyping bool)
}

func newTypingEmitter(idle time.Duration, send func(isTyping bool)) *typingEmitter {
	return &typingEmitter{idle: idle, send: send}
}

// InputChanged is called on every keystroke with the current input text.
func (e *typingEmitter) InputChanged(text string) {
	if text == "" {
		e.Stop()
		return
	}

	e.mu.Lock()
	if e.typing {
		// Already advertised; just push the inactivity deadline out.
		e.timer.Reset(e.idle)
		e.mu.Unlock()
		return
	}
	e.typing = true
	e.timer = time.AfterFunc(e.idle, e.Stop)
	e.mu.Unlock()

	e.send(true)
}

// Stop retracts an active typing claim. Safe to call when idle.
func (e *typingEmitter) Stop() {
	e.mu.Lock()
	if !e.typing {
		e.mu.Unlock()
		return
	}
	e.typing = false
	e.timer.Stop()
	e.mu.Unlock()

	e.send(false)
}

type typingEntry struct {
	username string
	at       time.Time
}

// typingTracker holds the remote typing claims for one room. Entries expire
// two ways: explicit stop signals remove them immediately, and the periodic
// sweep drops anything older than the retention window.
type typingTracker struct {
	mu      sync.Mutex
	entries map[string]typingEntry
}

func newTypingTracker() *typingTracker {
	return &typingTracker{entries: make(map[string]typingEntry)}
}

func (t *typingTracker) Upsert(userID, username string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[userID] = typingEntry{username: username, at: at}
}

func (t *typingTracker) Remove(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, userID)
}

// Sweep drops entries whose claim is older than maxAge at the given time.
// Reports whether anything was removed.
func (t *typingTracker) Sweep(now time.Time, maxAge time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := false
	for userID, entry := range t.entries {
		if now.Sub(entry.at) >= maxAge {
			delete(t.entries, userID)
			removed = true
		}
	}
	return removed
}

// Active returns the usernames of users with claims fresher than the
// freshness window, excluding the local user, oldest claim first.
func (t *typingTracker) Active(now time.Time, fresh time.Duration, excludeUserID string) []string {
	t.mu.Lock()
	type active struct {
		username string
		at       time.Time
	}
	var list []active
	for userID, entry := range t.entries {
		if userID == excludeUserID {
			continue
		}
		if now.Sub(entry.at) < fresh {
			list = append(list, active{username: entry.username, at: entry.at})
		}
	}
	t.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		if !list[i].at.Equal(list[j].at) {
			return list[i].at.Before(list[j].at)
		}
		return list[i].username < list[j].username
	})

	names := make([]string, len(list))
	for i, a := range list {
		names[i] = a.username
	}
	return names
}

// typingLabel composes the indicator text from the active usernames.
func typingLabel(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("%s is typing...", names[0])
	case 2:
		return fmt.Sprintf("%s and %s are typing...", names[0], names[1])
	default:
		return fmt.Sprintf("%s and %d others are typing...", names[0], len(names)-1)
	}
}

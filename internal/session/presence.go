package session

import (
	"sort"
	"strings"
	"sync"

	"kruzhok/internal/realtime"
)

const presenceKeyPrefix = "user-"

// presenceTracker holds the online membership of one room. It is only ever
// recomputed from full-state snapshots delivered by the transport; joins and
// leaves are never counted incrementally, so the set cannot drift.
type presenceTracker struct {
	mu     sync.Mutex
	online []string
}

func newPresenceTracker() *presenceTracker {
	return &presenceTracker{}
}

// Apply replaces the tracked membership with the given snapshot.
func (p *presenceTracker) Apply(state realtime.PresenceState) {
	online := make([]string, 0, len(state))
	for key := range state {
		online = append(online, strings.TrimPrefix(key, presenceKeyPrefix))
	}
	sort.Strings(online)

	p.mu.Lock()
	p.online = online
	p.mu.Unlock()
}

func (p *presenceTracker) Online() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.online))
	copy(out, p.online)
	return out
}

func (p *presenceTracker) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.online)
}

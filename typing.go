package chatsync

import (
	"sort"
	"sync"
	"time"
)

// defaultTypingTTL is how long a typing indicator survives without a refresh.
const defaultTypingTTL = 4 * time.Second

// TypingTracker keeps the transient per-room set of users currently typing.
// Each start event arms (or re-arms) an expiry timer, so indicators vanish on
// their own when the peer stops sending refreshes.
type TypingTracker struct {
	ttl time.Duration

	mu    sync.Mutex
	rooms map[string]map[string]*typingEntry
}

type typingEntry struct {
	name  string
	timer *time.Timer
}

// NewTypingTracker creates a tracker with the default 4s expiry.
func NewTypingTracker() *TypingTracker {
	return &TypingTracker{
		ttl:   defaultTypingTTL,
		rooms: make(map[string]map[string]*typingEntry),
	}
}

// Start records that userID is typing in roomID and resets their expiry.
func (t *TypingTracker) Start(roomID, userID, userName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	users, ok := t.rooms[roomID]
	if !ok {
		users = make(map[string]*typingEntry)
		t.rooms[roomID] = users
	}
	if e, ok := users[userID]; ok {
		e.name = userName
		e.timer.Reset(t.ttl)
		return
	}
	users[userID] = &typingEntry{
		name: userName,
		timer: time.AfterFunc(t.ttl, func() {
			t.Stop(roomID, userID)
		}),
	}
}

// Stop removes userID's typing indicator in roomID.
func (t *TypingTracker) Stop(roomID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	users, ok := t.rooms[roomID]
	if !ok {
		return
	}
	if e, ok := users[userID]; ok {
		e.timer.Stop()
		delete(users, userID)
	}
	if len(users) == 0 {
		delete(t.rooms, roomID)
	}
}

// Active returns the display names of users currently typing in roomID,
// sorted for stable rendering.
func (t *TypingTracker) Active(roomID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	users, ok := t.rooms[roomID]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(users))
	for _, e := range users {
		names = append(names, e.name)
	}
	sort.Strings(names)
	return names
}

// Close stops every pending expiry timer.
func (t *TypingTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, users := range t.rooms {
		for _, e := range users {
			e.timer.Stop()
		}
	}
	t.rooms = make(map[string]map[string]*typingEntry)
}

package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog"
)

// ============================================================================
// Snapshot store
// ============================================================================

// SnapshotStore persists per-room message snapshots so a re-opened room can
// paint instantly before the authoritative fetch lands. The cache is a pure
// latency optimization: a successful fetch always replaces its contents, and
// a snapshot that fails to parse is treated as a miss, never an error.
type SnapshotStore interface {
	// ReadSnapshot returns the cached list for a room. ok is false on a miss
	// or an unreadable record.
	ReadSnapshot(roomID string) (msgs []Message, ok bool)
	// WriteSnapshot stores the room's list. Callers strip ephemeral fields
	// first (see StripEphemeral).
	WriteSnapshot(roomID string, msgs []Message) error
	Close() error
}

// StripEphemeral clears fields that must not survive a session: in-flight
// upload bookkeeping and local blob references. Streaming state never reaches
// the cache because snapshots only contain the message list.
func StripEphemeral(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		out[i].UploadProgress = 0
		out[i].UploadStatus = ""
		out[i].LocalBlobRef = ""
	}
	return out
}

// ============================================================================
// MemorySnapshots
// ============================================================================

// MemorySnapshots is a goroutine-safe in-memory snapshot store, useful for
// tests and for platforms without durable local storage.
type MemorySnapshots struct {
	mu    sync.RWMutex
	rooms map[string][]byte
}

// NewMemorySnapshots creates an empty in-memory store.
func NewMemorySnapshots() *MemorySnapshots {
	return &MemorySnapshots{rooms: make(map[string][]byte)}
}

func (m *MemorySnapshots) ReadSnapshot(roomID string) ([]Message, bool) {
	m.mu.RLock()
	data, ok := m.rooms[roomID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, false
	}
	return msgs, true
}

func (m *MemorySnapshots) WriteSnapshot(roomID string, msgs []Message) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	m.mu.Lock()
	m.rooms[roomID] = data
	m.mu.Unlock()
	return nil
}

func (m *MemorySnapshots) Close() error { return nil }

// ============================================================================
// PebbleSnapshots
// ============================================================================

const snapshotKeyPrefix = "room:"

// PebbleSnapshots stores snapshots in an embedded Pebble database, one JSON
// record per room.
type PebbleSnapshots struct {
	db  *pebble.DB
	log zerolog.Logger
}

// OpenPebbleSnapshots opens (or creates) the snapshot database at path.
func OpenPebbleSnapshots(path string, logger zerolog.Logger) (*PebbleSnapshots, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	return &PebbleSnapshots{db: db, log: logger}, nil
}

func snapshotKey(roomID string) []byte {
	return []byte(snapshotKeyPrefix + roomID + ":snapshot")
}

func (p *PebbleSnapshots) ReadSnapshot(roomID string) ([]Message, bool) {
	val, closer, err := p.db.Get(snapshotKey(roomID))
	if err != nil {
		if !errors.Is(err, pebble.ErrNotFound) {
			p.log.Debug().Err(err).Str("roomId", roomID).Msg("snapshot read failed")
		}
		return nil, false
	}
	data := make([]byte, len(val))
	copy(data, val)
	_ = closer.Close()

	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		// A corrupt record is a cache miss; the authoritative fetch follows.
		p.log.Debug().Err(err).Str("roomId", roomID).Msg("snapshot unreadable, treating as miss")
		return nil, false
	}
	return msgs, true
}

func (p *PebbleSnapshots) WriteSnapshot(roomID string, msgs []Message) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := p.db.Set(snapshotKey(roomID), data, pebble.Sync); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

func (p *PebbleSnapshots) Close() error {
	return p.db.Close()
}

// ============================================================================
// Debounced writer
// ============================================================================

// snapshotWriter debounces snapshot writes per room: every state change
// schedules a write, rapid successive changes collapse into one.
type snapshotWriter struct {
	store  SnapshotStore
	source func(roomID string) []Message
	delay  time.Duration
	log    zerolog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

func newSnapshotWriter(store SnapshotStore, source func(string) []Message, delay time.Duration, logger zerolog.Logger) *snapshotWriter {
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	return &snapshotWriter{
		store:  store,
		source: source,
		delay:  delay,
		log:    logger,
		timers: make(map[string]*time.Timer),
	}
}

// Schedule queues a debounced write for roomID.
func (w *snapshotWriter) Schedule(roomID string) {
	if w == nil || w.store == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.timers[roomID]; ok {
		t.Reset(w.delay)
		return
	}
	w.timers[roomID] = time.AfterFunc(w.delay, func() {
		w.mu.Lock()
		delete(w.timers, roomID)
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return
		}
		w.flush(roomID)
	})
}

// Flush writes the snapshot immediately, cancelling any pending timer.
func (w *snapshotWriter) Flush(roomID string) {
	if w == nil || w.store == nil {
		return
	}
	w.mu.Lock()
	if t, ok := w.timers[roomID]; ok {
		t.Stop()
		delete(w.timers, roomID)
	}
	w.mu.Unlock()
	w.flush(roomID)
}

func (w *snapshotWriter) flush(roomID string) {
	msgs := StripEphemeral(w.source(roomID))
	if err := w.store.WriteSnapshot(roomID, msgs); err != nil {
		w.log.Debug().Err(err).Str("roomId", roomID).Msg("snapshot write failed")
	}
}

// Close stops all pending timers. In-flight writes finish on their own.
func (w *snapshotWriter) Close() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	for id, t := range w.timers {
		t.Stop()
		delete(w.timers, id)
	}
}

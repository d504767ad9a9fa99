package chatsync

import (
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestStripEphemeral(t *testing.T) {
	msgs := []Message{{
		ID:             "m1",
		Content:        "photo",
		UploadProgress: 60,
		UploadStatus:   "uploading",
		LocalBlobRef:   "blob://tmp/abc",
	}}

	out := StripEphemeral(msgs)

	require.Zero(t, out[0].UploadProgress)
	require.Empty(t, out[0].UploadStatus)
	require.Empty(t, out[0].LocalBlobRef)
	// Input is untouched.
	require.Equal(t, 60, msgs[0].UploadProgress)
}

func TestMemorySnapshotsRoundTrip(t *testing.T) {
	store := NewMemorySnapshots()

	_, ok := store.ReadSnapshot("r1")
	require.False(t, ok)

	want := []Message{{ID: "m1", Content: "hello", Type: TypeText}}
	require.NoError(t, store.WriteSnapshot("r1", want))

	got, ok := store.ReadSnapshot("r1")
	require.True(t, ok)
	require.Equal(t, "m1", got[0].ID)
}

func TestPebbleSnapshots(t *testing.T) {
	store, err := OpenPebbleSnapshots(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	t.Run("miss on empty db", func(t *testing.T) {
		_, ok := store.ReadSnapshot("r1")
		require.False(t, ok)
	})

	t.Run("round trip", func(t *testing.T) {
		want := []Message{
			{ID: "m1", Content: "hello", Type: TypeText, Status: StatusSeen},
			{ID: "m2", Content: "bye", Type: TypeText},
		}
		require.NoError(t, store.WriteSnapshot("r1", want))

		got, ok := store.ReadSnapshot("r1")
		require.True(t, ok)
		require.Len(t, got, 2)
		require.Equal(t, StatusSeen, got[0].Status)
	})

	t.Run("rooms are isolated", func(t *testing.T) {
		_, ok := store.ReadSnapshot("r2")
		require.False(t, ok)
	})

	t.Run("corrupt record is a miss", func(t *testing.T) {
		require.NoError(t, store.db.Set(snapshotKey("r3"), []byte("{not json"), pebble.NoSync))
		_, ok := store.ReadSnapshot("r3")
		require.False(t, ok)
	})
}

// countingStore records writes per room.
type countingStore struct {
	mu     sync.Mutex
	writes map[string]int
	last   map[string][]Message
}

func newCountingStore() *countingStore {
	return &countingStore{writes: make(map[string]int), last: make(map[string][]Message)}
}

func (c *countingStore) ReadSnapshot(roomID string) ([]Message, bool) { return nil, false }

func (c *countingStore) WriteSnapshot(roomID string, msgs []Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes[roomID]++
	c.last[roomID] = msgs
	return nil
}

func (c *countingStore) Close() error { return nil }

func (c *countingStore) count(roomID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes[roomID]
}

func TestSnapshotWriterDebounces(t *testing.T) {
	backing := newCountingStore()
	source := func(roomID string) []Message {
		return []Message{{ID: "m1", Content: "x"}}
	}
	w := newSnapshotWriter(backing, source, 30*time.Millisecond, zerolog.Nop())
	defer w.Close()

	// A burst of schedules collapses into one write.
	for i := 0; i < 10; i++ {
		w.Schedule("r1")
	}
	require.Eventually(t, func() bool {
		return backing.count("r1") == 1
	}, time.Second, 5*time.Millisecond)

	// Quiet period, then another burst: exactly one more write.
	w.Schedule("r1")
	require.Eventually(t, func() bool {
		return backing.count("r1") == 2
	}, time.Second, 5*time.Millisecond)
}

func TestSnapshotWriterFlushIsImmediate(t *testing.T) {
	backing := newCountingStore()
	w := newSnapshotWriter(backing, func(string) []Message {
		return []Message{{ID: "m1", LocalBlobRef: "blob://x"}}
	}, time.Hour, zerolog.Nop())
	defer w.Close()

	w.Schedule("r1")
	w.Flush("r1")

	require.Equal(t, 1, backing.count("r1"))
	// Ephemeral fields were stripped on the way out.
	backing.mu.Lock()
	require.Empty(t, backing.last["r1"][0].LocalBlobRef)
	backing.mu.Unlock()
}

func TestSnapshotWriterCloseStopsPendingWrites(t *testing.T) {
	backing := newCountingStore()
	w := newSnapshotWriter(backing, func(string) []Message { return nil }, 20*time.Millisecond, zerolog.Nop())

	w.Schedule("r1")
	w.Close()
	w.Schedule("r2")

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, 0, backing.count("r1"))
	require.Equal(t, 0, backing.count("r2"))
}

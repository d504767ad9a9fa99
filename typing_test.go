package chatsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTypingTrackerStartStop(t *testing.T) {
	tr := NewTypingTracker()
	defer tr.Close()

	tr.Start("r1", "u1", "Alice")
	tr.Start("r1", "u2", "Bob")
	tr.Start("r2", "u3", "Carol")

	require.Equal(t, []string{"Alice", "Bob"}, tr.Active("r1"))
	require.Equal(t, []string{"Carol"}, tr.Active("r2"))

	tr.Stop("r1", "u1")
	require.Equal(t, []string{"Bob"}, tr.Active("r1"))

	tr.Stop("r1", "u2")
	require.Empty(t, tr.Active("r1"))
}

func TestTypingTrackerExpires(t *testing.T) {
	tr := &TypingTracker{
		ttl:   25 * time.Millisecond,
		rooms: make(map[string]map[string]*typingEntry),
	}
	defer tr.Close()

	tr.Start("r1", "u1", "Alice")
	require.Len(t, tr.Active("r1"), 1)

	require.Eventually(t, func() bool {
		return len(tr.Active("r1")) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestTypingTrackerRefreshExtendsTTL(t *testing.T) {
	tr := &TypingTracker{
		ttl:   40 * time.Millisecond,
		rooms: make(map[string]map[string]*typingEntry),
	}
	defer tr.Close()

	tr.Start("r1", "u1", "Alice")
	time.Sleep(25 * time.Millisecond)
	tr.Start("r1", "u1", "Alice")
	time.Sleep(25 * time.Millisecond)

	// Still active: the second start re-armed the timer.
	require.Len(t, tr.Active("r1"), 1)
}

func TestTypingTrackerStopUnknownIsNoop(t *testing.T) {
	tr := NewTypingTracker()
	defer tr.Close()
	tr.Stop("r1", "ghost")
	require.Empty(t, tr.Active("r1"))
}

package chatsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeCommander records outbound AI commands and serves canned responses.
type fakeCommander struct {
	mu        sync.Mutex
	nextOpID  string
	submitErr error
	submits   int
	cancels   []string
}

func (f *fakeCommander) SubmitQuery(ctx context.Context, roomID, prompt, replyToID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.nextOpID, nil
}

func (f *fakeCommander) CancelOperation(ctx context.Context, operationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, operationID)
	return nil
}

func (f *fakeCommander) cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cancels))
	copy(out, f.cancels)
	return out
}

func newTestEngine(t *testing.T, cmdr *fakeCommander) (*AiOperationEngine, *RoomMessageStore) {
	t.Helper()
	store := NewRoomMessageStore()
	engine := NewAiOperationEngine(store, cmdr, NewCancelledSet(), &AiEngineOptions{
		SelfUserID:  "u1",
		AssistantID: "ai",
	})
	return engine, store
}

func TestSendQueryLifecycle(t *testing.T) {
	engine, store := newTestEngine(t, &fakeCommander{nextOpID: "op-1"})

	opID, err := engine.SendQuery(context.Background(), "r1", "why is the sky blue", "")
	require.NoError(t, err)
	require.Equal(t, "op-1", opID)

	msgs := store.Messages("r1", "")
	require.Len(t, msgs, 1)
	require.Equal(t, "why is the sky blue", msgs[0].Content)
	require.Equal(t, StatusSent, msgs[0].Status)
	require.True(t, store.Thinking("r1"))

	op := store.Operation("r1")
	require.NotNil(t, op)
	require.False(t, op.IsStreaming)
}

func TestSendQueryRejectsEmptyPrompt(t *testing.T) {
	engine, _ := newTestEngine(t, &fakeCommander{nextOpID: "op-1"})
	_, err := engine.SendQuery(context.Background(), "r1", "   ", "")
	require.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSendQueryRejectsConcurrentOperation(t *testing.T) {
	engine, _ := newTestEngine(t, &fakeCommander{nextOpID: "op-1"})

	_, err := engine.SendQuery(context.Background(), "r1", "first", "")
	require.NoError(t, err)
	_, err = engine.SendQuery(context.Background(), "r1", "second", "")
	require.ErrorIs(t, err, ErrOperationActive)
}

func TestSendQueryAllowsConcurrentRooms(t *testing.T) {
	cmdr := &fakeCommander{nextOpID: "op-a"}
	engine, store := newTestEngine(t, cmdr)

	_, err := engine.SendQuery(context.Background(), "r1", "one", "")
	require.NoError(t, err)
	cmdr.nextOpID = "op-b"
	_, err = engine.SendQuery(context.Background(), "r2", "two", "")
	require.NoError(t, err)

	// Chunks without a roomId resolve through the operation index.
	engine.OnPartialToken("", "op-b", "for room two")
	require.Equal(t, "for room two", store.Operation("r2").AccumulatedContent)
	require.Empty(t, store.Operation("r1").AccumulatedContent)
}

func TestSendQuerySubmitFailure(t *testing.T) {
	engine, store := newTestEngine(t, &fakeCommander{submitErr: errors.New("boom")})

	_, err := engine.SendQuery(context.Background(), "r1", "hello", "")
	require.Error(t, err)

	msgs := store.Messages("r1", "")
	require.Len(t, msgs, 1)
	require.Equal(t, StatusError, msgs[0].Status)
	require.False(t, store.Thinking("r1"))
	require.Nil(t, store.Operation("r1"))
}

func TestPartialTokenAccumulation(t *testing.T) {
	engine, store := newTestEngine(t, &fakeCommander{nextOpID: "op-1"})
	_, err := engine.SendQuery(context.Background(), "r1", "greet me", "")
	require.NoError(t, err)

	engine.OnPartialToken("r1", "op-1", "Hello")
	engine.OnPartialToken("r1", "op-1", ", world")

	op := store.Operation("r1")
	require.Equal(t, "Hello, world", op.AccumulatedContent)
	require.True(t, op.IsStreaming)
	require.False(t, store.Thinking("r1"))
}

func TestFirstTokenMarksQuerySeen(t *testing.T) {
	engine, store := newTestEngine(t, &fakeCommander{nextOpID: "op-1"})
	_, err := engine.SendQuery(context.Background(), "r1", "greet me", "")
	require.NoError(t, err)

	engine.OnPartialToken("r1", "op-1", "Hi")

	msgs := store.Messages("r1", "")
	require.Equal(t, StatusSeen, msgs[0].Status)
}

func TestPartialTokenForUnknownOperationStartsFresh(t *testing.T) {
	// Another device submitted the query; this client only sees the stream.
	engine, store := newTestEngine(t, &fakeCommander{})

	engine.OnPartialToken("r1", "op-ext", "from elsewhere")

	op := store.Operation("r1")
	require.NotNil(t, op)
	require.Equal(t, "op-ext", op.OperationID)
	require.Equal(t, "from elsewhere", op.AccumulatedContent)
	require.True(t, op.IsStreaming)
}

func TestOnDoneClearsState(t *testing.T) {
	engine, store := newTestEngine(t, &fakeCommander{nextOpID: "op-1"})
	_, err := engine.SendQuery(context.Background(), "r1", "q", "")
	require.NoError(t, err)
	engine.OnPartialToken("r1", "op-1", "answer")

	engine.OnDone("r1", "op-1", "srv-42")

	require.Nil(t, store.Operation("r1"))
	require.False(t, store.Thinking("r1"))
}

func TestDoneThenAuthoritativeCopyYieldsOneMessage(t *testing.T) {
	engine, store := newTestEngine(t, &fakeCommander{nextOpID: "op-1"})
	_, err := engine.SendQuery(context.Background(), "r1", "q", "")
	require.NoError(t, err)
	engine.OnPartialToken("r1", "op-1", "the answer")
	engine.OnDone("r1", "op-1", "srv-42")

	final := Message{
		ID: "srv-42", AuthorID: "ai", Content: "the answer", Type: TypeText,
		Meta: &MessageMeta{OperationID: "op-1"},
	}
	store.Reconcile("r1", final)
	store.Reconcile("r1", final)

	// One query bubble plus one response.
	require.Equal(t, 2, store.Len("r1"))
}

func TestOnErrorInsertsSystemMessage(t *testing.T) {
	engine, store := newTestEngine(t, &fakeCommander{nextOpID: "op-1"})
	_, err := engine.SendQuery(context.Background(), "r1", "q", "")
	require.NoError(t, err)

	engine.OnError("r1", "op-1", "model overloaded", false)

	msgs := store.Messages("r1", "")
	require.Len(t, msgs, 2)
	require.Equal(t, TypeSystem, msgs[1].Type)
	require.Equal(t, "model overloaded", msgs[1].Content)
	require.Equal(t, "op-1", msgs[1].OperationID())
	require.Nil(t, store.Operation("r1"))
	require.False(t, store.Thinking("r1"))
}

func TestOnErrorStaleOperationDropped(t *testing.T) {
	engine, store := newTestEngine(t, &fakeCommander{nextOpID: "op-2"})
	_, err := engine.SendQuery(context.Background(), "r1", "q", "")
	require.NoError(t, err)

	engine.OnError("r1", "op-old", "late failure", false)

	require.Equal(t, 1, store.Len("r1"))
	require.NotNil(t, store.Operation("r1"))
}

func TestCancelCommitsAccumulatedContent(t *testing.T) {
	cmdr := &fakeCommander{nextOpID: "op-1"}
	engine, store := newTestEngine(t, cmdr)
	_, err := engine.SendQuery(context.Background(), "r1", "q", "")
	require.NoError(t, err)
	engine.OnPartialToken("r1", "op-1", "partial ans")

	engine.Cancel(context.Background(), "r1")

	msgs := store.Messages("r1", "")
	require.Len(t, msgs, 2)
	require.Equal(t, "partial ans", msgs[1].Content)
	require.Equal(t, "op-1", msgs[1].OperationID())
	require.Nil(t, store.Operation("r1"))

	// Backend cancellation goes out asynchronously.
	require.Eventually(t, func() bool {
		c := cmdr.cancelled()
		return len(c) == 1 && c[0] == "op-1"
	}, time.Second, 10*time.Millisecond)
}

func TestCancelSuppressesLateEvents(t *testing.T) {
	engine, store := newTestEngine(t, &fakeCommander{nextOpID: "op-1"})
	_, err := engine.SendQuery(context.Background(), "r1", "q", "")
	require.NoError(t, err)
	engine.OnPartialToken("r1", "op-1", "before cancel")
	engine.Cancel(context.Background(), "r1")
	count := store.Len("r1")

	// Everything arriving after the cancel is ignored.
	engine.OnPartialToken("r1", "op-1", " extra")
	engine.OnDone("r1", "op-1", "srv-9")
	engine.OnError("r1", "op-1", "aborted", true)

	require.Equal(t, count, store.Len("r1"))
	require.Nil(t, store.Operation("r1"))
	msgs := store.Messages("r1", "")
	require.Equal(t, "before cancel", msgs[len(msgs)-1].Content)
}

func TestCancelThenAuthoritativeCompletionMerges(t *testing.T) {
	engine, store := newTestEngine(t, &fakeCommander{nextOpID: "op-1"})
	_, err := engine.SendQuery(context.Background(), "r1", "q", "")
	require.NoError(t, err)
	engine.OnPartialToken("r1", "op-1", "half of")
	engine.Cancel(context.Background(), "r1")

	// The backend finished anyway; its copy merges over the synthesized entry.
	store.Reconcile("r1", Message{
		ID: "srv-5", AuthorID: "ai", Content: "half of the story, completed", Type: TypeText,
		Meta: &MessageMeta{OperationID: "op-1"},
	})

	require.Equal(t, 2, store.Len("r1"))
	got, ok := store.MessageByID("r1", "srv-5")
	require.True(t, ok)
	require.Equal(t, "half of the story, completed", got.Content)
}

func TestCancelWithoutOperationIsNoop(t *testing.T) {
	cmdr := &fakeCommander{}
	engine, store := newTestEngine(t, cmdr)

	engine.Cancel(context.Background(), "r1")

	require.Equal(t, 0, store.Len("r1"))
	require.Empty(t, cmdr.cancelled())
}

func TestRegeneratePositionsResponse(t *testing.T) {
	cmdr := &fakeCommander{nextOpID: "op-9"}
	engine, store := newTestEngine(t, cmdr)

	ids := []string{"a", "b", "c", "old-ai", "e", "f"}
	for _, id := range ids {
		store.Reconcile("r1", Message{ID: id, AuthorID: "u1", Content: id, Type: TypeText})
	}

	opID, err := engine.Regenerate(context.Background(), "r1", "try again", 3, "old-ai")
	require.NoError(t, err)
	require.Equal(t, "op-9", opID)
	require.Equal(t, 5, store.Len("r1"))
	require.True(t, store.Thinking("r1"))

	// The fresh response lands at the removed message's position.
	store.Reconcile("r1", Message{
		ID: "new-ai", AuthorID: "ai", Content: "better answer", Type: TypeText,
		Meta: &MessageMeta{OperationID: "op-9"},
	})
	msgs := store.Messages("r1", "")
	require.Equal(t, "new-ai", msgs[3].ID)
	require.Equal(t, 6, store.Len("r1"))
}

func TestRegenerateSubmitFailureRestoresState(t *testing.T) {
	engine, store := newTestEngine(t, &fakeCommander{submitErr: errors.New("down")})
	store.Reconcile("r1", Message{ID: "old-ai", AuthorID: "ai", Content: "x", Type: TypeText})

	_, err := engine.Regenerate(context.Background(), "r1", "again", 0, "old-ai")
	require.Error(t, err)
	require.False(t, store.Thinking("r1"))

	// The pending splice position was reverted: new messages append normally.
	store.Reconcile("r1", Message{
		ID: "later", AuthorID: "ai", Content: "y", Type: TypeText,
		Meta: &MessageMeta{OperationID: "op-x"},
	})
	msgs := store.Messages("r1", "")
	require.Equal(t, "later", msgs[len(msgs)-1].ID)
}

func TestCancelledSetIsAppendOnly(t *testing.T) {
	set := NewCancelledSet()
	require.False(t, set.Contains("op-1"))
	set.Add("op-1")
	set.Add("op-1")
	require.True(t, set.Contains("op-1"))
	require.Equal(t, 1, set.Len())
}

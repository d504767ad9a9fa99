package chatsync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Cancelled operation set
// ============================================================================

// CancelledSet records operation ids cancelled locally during this session.
// Entries are never removed: membership is the authority for suppressing late
// events for an operation, which is what makes every post-cancel race safe.
// Inject one instance per session; do not share across sessions.
type CancelledSet struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewCancelledSet creates an empty set.
func NewCancelledSet() *CancelledSet {
	return &CancelledSet{ids: make(map[string]struct{})}
}

// Add marks an operation id as cancelled.
func (c *CancelledSet) Add(operationID string) {
	c.mu.Lock()
	c.ids[operationID] = struct{}{}
	c.mu.Unlock()
}

// Contains reports whether the operation id was cancelled.
func (c *CancelledSet) Contains(operationID string) bool {
	c.mu.RLock()
	_, ok := c.ids[operationID]
	c.mu.RUnlock()
	return ok
}

// Len returns the number of cancelled operations recorded this session.
func (c *CancelledSet) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ids)
}

// ============================================================================
// Commander
// ============================================================================

// Commander issues the outbound AI commands. *Client satisfies it.
type Commander interface {
	// SubmitQuery submits a prompt and returns the server-assigned operation id.
	SubmitQuery(ctx context.Context, roomID, prompt, replyToID string) (string, error)
	// CancelOperation requests backend cancellation. Best effort: callers do
	// not gate UI state on its outcome.
	CancelOperation(ctx context.Context, operationID string) error
}

// ============================================================================
// AiOperationEngine
// ============================================================================

// AiEngineOptions configures the engine.
type AiEngineOptions struct {
	// SelfUserID is the local user; the engine flips their latest message to
	// seen when the first streamed token arrives.
	SelfUserID string
	// AssistantID is the author id stamped on synthesized AI messages.
	AssistantID string
	Logger      zerolog.Logger
}

// AiOperationEngine manages the lifecycle of one streaming AI response per
// room and integrates its result into the RoomMessageStore.
//
// Per-room state machine: idle -> awaiting (query submitted) -> streaming
// (first chunk) -> finalized or cancelled -> idle. Handlers are idempotent
// and order-tolerant; no ordering is assumed between partial, done, and error
// events.
type AiOperationEngine struct {
	store     *RoomMessageStore
	commander Commander
	cancelled *CancelledSet

	selfID      string
	assistantID string
	log         zerolog.Logger

	// opRooms maps operationId to its owning room, populated at operation
	// creation. It resolves events whose wire payload omits roomId in O(1)
	// and disambiguates concurrent operations across rooms.
	mu      sync.Mutex
	opRooms map[string]string
}

// NewAiOperationEngine creates an engine bound to a store and commander.
func NewAiOperationEngine(store *RoomMessageStore, commander Commander, cancelled *CancelledSet, opts *AiEngineOptions) *AiOperationEngine {
	e := &AiOperationEngine{
		store:       store,
		commander:   commander,
		cancelled:   cancelled,
		assistantID: "assistant",
		log:         zerolog.Nop(),
		opRooms:     make(map[string]string),
	}
	if opts != nil {
		e.selfID = opts.SelfUserID
		if opts.AssistantID != "" {
			e.assistantID = opts.AssistantID
		}
		e.log = opts.Logger
	}
	return e
}

// SendQuery appends the optimistic user message, shows the thinking
// indicator, and submits the query. The returned operation id correlates all
// subsequent streaming events. Submission success marks the user message
// sent; it does not imply AI completion.
func (e *AiOperationEngine) SendQuery(ctx context.Context, roomID, prompt, replyToID string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", ErrEmptyMessage
	}
	if e.store.Operation(roomID) != nil {
		return "", ErrOperationActive
	}

	tempID := uuid.NewString()
	e.store.AppendOptimistic(roomID, Message{
		ID:        tempID,
		TempID:    tempID,
		AuthorID:  e.selfID,
		Content:   prompt,
		Type:      TypeText,
		CreatedAt: time.Now().UTC(),
		ReplyToID: replyToID,
	})
	if replyToID != "" {
		e.store.HydrateRoom(roomID)
	}
	e.store.setThinking(roomID, true)

	opID, err := e.commander.SubmitQuery(ctx, roomID, prompt, replyToID)
	if err != nil {
		e.store.MarkError(roomID, tempID)
		e.store.setThinking(roomID, false)
		return "", fmt.Errorf("submit query: %w", err)
	}

	e.store.ApplyStatusUpdate(roomID, []string{tempID}, StatusSent)
	e.store.setOperation(roomID, &AiOperation{
		OperationID: opID,
		RoomID:      roomID,
		InsertIndex: -1,
	})
	e.register(opID, roomID)
	return opID, nil
}

// OnPartialToken accumulates one streamed chunk. Late chunks for cancelled
// operations are dropped; chunks for an operation the engine has not seen
// (another device's query) start a fresh one. The transport guarantees
// in-order delivery within a single operation, so plain append preserves
// token order.
func (e *AiOperationEngine) OnPartialToken(roomID, operationID, chunk string) {
	if e.cancelled.Contains(operationID) {
		e.log.Debug().Str("operationId", operationID).Msg("partial token for cancelled operation dropped")
		return
	}
	room := e.resolveRoom(roomID, operationID)
	if room == "" {
		e.log.Debug().Str("operationId", operationID).Msg("partial token for unknown operation dropped")
		return
	}

	op := e.store.Operation(room)
	if op == nil || op.OperationID != operationID {
		e.store.setOperation(room, &AiOperation{
			OperationID:        operationID,
			RoomID:             room,
			AccumulatedContent: chunk,
			IsStreaming:        true,
			InsertIndex:        -1,
		})
		e.register(operationID, room)
		e.store.setThinking(room, false)
		e.store.markLatestSeen(room, e.selfID)
		return
	}

	if began := e.store.appendChunk(room, chunk); began {
		e.store.markLatestSeen(room, e.selfID)
	}
}

// OnDone finalizes streaming state. The final message itself arrives through
// the ordinary message channel and is merged by the store using the
// operationId match rule, so this handler only clears the ephemeral state.
func (e *AiOperationEngine) OnDone(roomID, operationID, savedMessageID string) {
	if e.cancelled.Contains(operationID) {
		e.log.Debug().Str("operationId", operationID).Msg("done for cancelled operation dropped")
		return
	}
	room := e.resolveRoom(roomID, operationID)
	if room == "" {
		return
	}
	if op := e.store.Operation(room); op != nil && op.OperationID == operationID {
		e.store.setOperation(room, nil)
	}
	e.store.setThinking(room, false)
	e.unregister(operationID)
	e.log.Debug().
		Str("operationId", operationID).
		Str("savedMessageId", savedMessageID).
		Msg("operation finalized")
}

// OnError appends a synthetic system message and clears streaming state.
// Errors for locally cancelled operations are ignored: the cancellation path
// already finalized state, and the server flags its own cancel acks.
func (e *AiOperationEngine) OnError(roomID, operationID, errMsg string, cancelled bool) {
	if cancelled || e.cancelled.Contains(operationID) {
		return
	}
	room := e.resolveRoom(roomID, operationID)
	if room == "" {
		return
	}
	defer e.unregister(operationID)

	op := e.store.Operation(room)
	if op == nil || op.OperationID != operationID {
		e.log.Debug().Str("operationId", operationID).Msg("error for stale operation dropped")
		return
	}

	if errMsg == "" {
		errMsg = "The assistant could not complete this response."
	}
	e.store.InsertLocal(room, -1, Message{
		ID:        "sys-" + uuid.NewString(),
		AuthorID:  e.assistantID,
		Content:   errMsg,
		Type:      TypeSystem,
		Status:    StatusSent,
		CreatedAt: time.Now().UTC(),
		Meta:      &MessageMeta{OperationID: operationID},
	})
	e.store.setOperation(room, nil)
	e.store.setThinking(room, false)
	e.store.setInsertIndex(room, -1)
}

// Cancel finalizes the room's current operation locally. The cancelled set is
// updated before anything else so that every event arriving afterwards is a
// no-op, then the content generated so far is committed as a normal message
// tagged with the operation id. The eventual authoritative copy, if the
// backend finishes anyway, merges over that entry without duplication.
// Backend cancellation is fire-and-forget.
func (e *AiOperationEngine) Cancel(ctx context.Context, roomID string) {
	op := e.store.Operation(roomID)
	if op == nil {
		return
	}

	e.cancelled.Add(op.OperationID)

	e.store.InsertLocal(roomID, op.InsertIndex, Message{
		ID:        "local-" + uuid.NewString(),
		AuthorID:  e.assistantID,
		Content:   op.AccumulatedContent,
		Type:      TypeText,
		Status:    StatusSent,
		CreatedAt: time.Now().UTC(),
		Meta:      &MessageMeta{OperationID: op.OperationID},
	})
	e.store.setOperation(roomID, nil)
	e.store.setThinking(roomID, false)
	e.store.setInsertIndex(roomID, -1)
	e.unregister(op.OperationID)

	go func(opID string) {
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.commander.CancelOperation(cctx, opID); err != nil {
			e.log.Debug().Err(err).Str("operationId", opID).Msg("backend cancel failed")
		}
	}(op.OperationID)
}

// Regenerate removes a historical AI message, records its position, and
// submits the prompt again without creating a new user bubble. The eventual
// response is spliced back into the recorded position rather than appended.
func (e *AiOperationEngine) Regenerate(ctx context.Context, roomID, prompt string, insertIndex int, replaceMessageID string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", ErrEmptyMessage
	}
	if e.store.Operation(roomID) != nil {
		return "", ErrOperationActive
	}

	e.store.RemoveLocal(roomID, replaceMessageID)
	e.store.setInsertIndex(roomID, insertIndex)
	e.store.setThinking(roomID, true)

	opID, err := e.commander.SubmitQuery(ctx, roomID, prompt, "")
	if err != nil {
		e.store.setThinking(roomID, false)
		e.store.setInsertIndex(roomID, -1)
		return "", fmt.Errorf("submit query: %w", err)
	}

	e.store.setOperation(roomID, &AiOperation{
		OperationID: opID,
		RoomID:      roomID,
		InsertIndex: insertIndex,
	})
	e.register(opID, roomID)
	return opID, nil
}

// resolveRoom maps an event to its owning room: the explicit payload roomId
// wins; otherwise the operation index is consulted. Events that resolve to
// neither are stale and dropped by the caller.
func (e *AiOperationEngine) resolveRoom(roomID, operationID string) string {
	if roomID != "" {
		e.register(operationID, roomID)
		return roomID
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opRooms[operationID]
}

func (e *AiOperationEngine) register(operationID, roomID string) {
	e.mu.Lock()
	e.opRooms[operationID] = roomID
	e.mu.Unlock()
}

func (e *AiOperationEngine) unregister(operationID string) {
	e.mu.Lock()
	delete(e.opRooms, operationID)
	e.mu.Unlock()
}

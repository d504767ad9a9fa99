package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// API is the full outbound command surface the coordinator needs. *Client
// satisfies it.
type API interface {
	Commander
	FetchMessages(ctx context.Context, roomID string) ([]Message, error)
	SendMessage(ctx context.Context, roomID string, msg Message) (Message, error)
	EditMessage(ctx context.Context, messageID, content string) error
	DeleteForEveryone(ctx context.Context, messageID string) error
	DeleteForMe(ctx context.Context, messageID string) error
	ClearRoom(ctx context.Context, roomID string) error
}

var _ API = (*Client)(nil)
var _ Commander = (*Client)(nil)
var _ EnvelopeSink = (*SyncCoordinator)(nil)

// ============================================================================
// SyncCoordinator
// ============================================================================

// SyncCoordinator orchestrates room registration, initial hydration (cache
// paint followed by the authoritative fetch), and the public action surface
// exposed to the UI layer. Inbound socket envelopes are queued onto a single
// channel and applied by one reducer goroutine, so every mutation of a room's
// list runs to completion before the next — the single-writer model the merge
// semantics rely on.
type SyncCoordinator struct {
	store  *RoomMessageStore
	engine *AiOperationEngine
	typing *TypingTracker
	api    API
	cache  SnapshotStore
	writer *snapshotWriter
	log    zerolog.Logger

	selfID      string
	assistantID string

	fetches singleflight.Group
	events  chan Envelope
	done    chan struct{}
}

// CoordinatorOption customizes a SyncCoordinator.
type CoordinatorOption func(*coordinatorConfig)

type coordinatorConfig struct {
	selfID      string
	assistantID string
	cache       SnapshotStore
	cacheDelay  time.Duration
	logger      zerolog.Logger
	buffer      int
}

// WithSelfUser sets the local user id stamped on optimistic messages.
func WithSelfUser(userID string) CoordinatorOption {
	return func(c *coordinatorConfig) { c.selfID = userID }
}

// WithAssistant sets the author id used for synthesized AI messages.
func WithAssistant(id string) CoordinatorOption {
	return func(c *coordinatorConfig) { c.assistantID = id }
}

// WithCache enables snapshot persistence through the given store.
func WithCache(store SnapshotStore) CoordinatorOption {
	return func(c *coordinatorConfig) { c.cache = store }
}

// WithCacheDebounce overrides the snapshot write debounce interval.
func WithCacheDebounce(d time.Duration) CoordinatorOption {
	return func(c *coordinatorConfig) { c.cacheDelay = d }
}

// WithLogger sets the structured logger.
func WithLogger(logger zerolog.Logger) CoordinatorOption {
	return func(c *coordinatorConfig) { c.logger = logger }
}

// WithEventBuffer sets the inbound envelope queue depth.
func WithEventBuffer(n int) CoordinatorOption {
	return func(c *coordinatorConfig) { c.buffer = n }
}

// NewSyncCoordinator creates the coordinator and its store and engine.
func NewSyncCoordinator(api API, opts ...CoordinatorOption) *SyncCoordinator {
	cfg := &coordinatorConfig{
		logger: zerolog.Nop(),
		buffer: 256,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	store := NewRoomMessageStore()
	sc := &SyncCoordinator{
		store:       store,
		typing:      NewTypingTracker(),
		api:         api,
		log:         cfg.logger,
		selfID:      cfg.selfID,
		assistantID: cfg.assistantID,
		events:      make(chan Envelope, cfg.buffer),
		done:        make(chan struct{}),
	}
	sc.engine = NewAiOperationEngine(store, api, NewCancelledSet(), &AiEngineOptions{
		SelfUserID:  cfg.selfID,
		AssistantID: cfg.assistantID,
		Logger:      cfg.logger,
	})
	if cfg.cache != nil {
		sc.writer = newSnapshotWriter(cfg.cache, func(roomID string) []Message {
			return store.Messages(roomID, "")
		}, cfg.cacheDelay, cfg.logger)
	}
	sc.cache = cfg.cache
	return sc
}

// Store exposes the underlying message store for read access.
func (sc *SyncCoordinator) Store() *RoomMessageStore {
	return sc.store
}

// Engine exposes the AI operation engine.
func (sc *SyncCoordinator) Engine() *AiOperationEngine {
	return sc.engine
}

// ============================================================================
// Room lifecycle
// ============================================================================

// RegisterRoom brings a room into the working set: the cached snapshot (if
// any) paints immediately, then the authoritative fetch fully replaces the
// list. Concurrent registrations of the same room share one fetch. The cached
// paint survives a failed fetch, so the returned error does not mean an empty
// room.
func (sc *SyncCoordinator) RegisterRoom(ctx context.Context, roomID string) ([]Message, error) {
	sc.store.EnsureRoom(roomID)

	if sc.cache != nil {
		if snap, ok := sc.cache.ReadSnapshot(roomID); ok {
			sc.store.ReplaceAll(roomID, HydrateReplies(snap))
		}
	}

	_, err, _ := sc.fetches.Do(roomID, func() (interface{}, error) {
		msgs, err := sc.api.FetchMessages(ctx, roomID)
		if err != nil {
			return nil, err
		}
		sc.store.ReplaceAll(roomID, HydrateReplies(msgs))
		sc.scheduleSnapshot(roomID)
		return nil, nil
	})
	if err != nil {
		return sc.store.Messages(roomID, sc.selfID), fmt.Errorf("fetch room %s: %w", roomID, err)
	}
	return sc.store.Messages(roomID, sc.selfID), nil
}

// DropRoom tears a room down after it permanently leaves the working set.
// Mere navigation away must not call this.
func (sc *SyncCoordinator) DropRoom(roomID string) {
	if sc.writer != nil {
		sc.writer.Flush(roomID)
	}
	sc.store.RemoveRoom(roomID)
}

// Snapshot returns the derived read model for a room.
func (sc *SyncCoordinator) Snapshot(roomID string) RoomSnapshot {
	return RoomSnapshot{
		RoomID:       roomID,
		Messages:     sc.store.Messages(roomID, sc.selfID),
		IsAiThinking: sc.store.Thinking(roomID),
		Streaming:    sc.store.Operation(roomID),
		Typing:       sc.typing.Active(roomID),
	}
}

// ============================================================================
// Inbound events
// ============================================================================

// Deliver queues an inbound envelope for the reducer. It never blocks the
// transport read loop for long: if the queue is full the envelope is dropped
// with a warning, which the next authoritative fetch repairs.
func (sc *SyncCoordinator) Deliver(env Envelope) {
	select {
	case sc.events <- env:
	default:
		sc.log.Warn().Str("type", env.Type).Msg("event queue full, envelope dropped")
	}
}

// Run drains the event queue until ctx is cancelled or Close is called. Run
// is the single writer: handlers execute sequentially and to completion.
func (sc *SyncCoordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sc.done:
			return
		case env := <-sc.events:
			sc.Handle(env)
		}
	}
}

// Handle applies one envelope synchronously. Exposed so callers embedding
// their own loop (or tests) can drive the reducer directly.
func (sc *SyncCoordinator) Handle(env Envelope) {
	switch env.Type {
	case EventNewMessage:
		var msg Message
		if !sc.decode(env, &msg) {
			return
		}
		sc.store.Reconcile(msg.RoomID, msg)
		if msg.ReplyToID != "" {
			sc.store.HydrateRoom(msg.RoomID)
		}
		sc.scheduleSnapshot(msg.RoomID)

	case EventStatusUpdate:
		var p StatusUpdatePayload
		if !sc.decode(env, &p) {
			return
		}
		sc.store.ApplyStatusUpdate(p.RoomID, p.MessageIDs, p.Status)
		sc.scheduleSnapshot(p.RoomID)

	case EventMessageEdited:
		var p MessageEditedPayload
		if !sc.decode(env, &p) {
			return
		}
		sc.store.ApplyEdit(p.RoomID, p.ID, p.Content, p.EditedAt, p.EditVersion)
		sc.scheduleSnapshot(p.RoomID)

	case EventMessageDeleted:
		var p MessageDeletedPayload
		if !sc.decode(env, &p) {
			return
		}
		sc.store.ApplyDeleteForEveryone(p.RoomID, p.MessageID)
		sc.scheduleSnapshot(p.RoomID)

	case EventTypingStart:
		var p TypingPayload
		if !sc.decode(env, &p) {
			return
		}
		sc.typing.Start(p.RoomID, p.UserID, p.UserName)

	case EventTypingStop:
		var p TypingPayload
		if !sc.decode(env, &p) {
			return
		}
		sc.typing.Stop(p.RoomID, p.UserID)

	case EventAiPartial:
		var p AiPartialPayload
		if !sc.decode(env, &p) {
			return
		}
		sc.engine.OnPartialToken(p.RoomID, p.OperationID, p.Chunk)

	case EventAiDone:
		var p AiDonePayload
		if !sc.decode(env, &p) {
			return
		}
		sc.engine.OnDone(p.RoomID, p.OperationID, p.SavedMessageID)

	case EventAiError:
		var p AiErrorPayload
		if !sc.decode(env, &p) {
			return
		}
		sc.engine.OnError(p.RoomID, p.OperationID, p.Error, p.Cancelled)

	case EventChatCleared:
		var p ChatClearedPayload
		if !sc.decode(env, &p) {
			return
		}
		sc.store.Clear(p.RoomID)
		sc.scheduleSnapshot(p.RoomID)

	case EventRoomAdded:
		var room Room
		if !sc.decode(env, &room) {
			return
		}
		sc.store.EnsureRoom(room.ID)

	default:
		sc.log.Debug().Str("type", env.Type).Msg("unhandled event type")
	}
}

func (sc *SyncCoordinator) decode(env Envelope, v interface{}) bool {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		sc.log.Debug().Err(err).Str("type", env.Type).Msg("malformed payload dropped")
		return false
	}
	return true
}

// ============================================================================
// Actions
// ============================================================================

// SendMessage validates and optimistically appends a message, then submits
// it. A transport failure leaves the entry in the error state for a retry;
// the message and the error are both returned so the UI can render the
// affordance.
func (sc *SyncCoordinator) SendMessage(ctx context.Context, roomID string, draft Message) (Message, error) {
	if strings.TrimSpace(draft.Content) == "" && draft.LocalBlobRef == "" {
		return Message{}, ErrEmptyMessage
	}

	tempID := uuid.NewString()
	msg := draft
	msg.ID = tempID
	msg.TempID = tempID
	msg.RoomID = roomID
	msg.AuthorID = sc.selfID
	if msg.Type == "" {
		msg.Type = TypeText
	}
	msg.CreatedAt = time.Now().UTC()

	sc.store.AppendOptimistic(roomID, msg)
	if msg.ReplyToID != "" {
		sc.store.HydrateRoom(roomID)
	}
	sc.scheduleSnapshot(roomID)

	return sc.submit(ctx, roomID, tempID, msg)
}

// Resend retries a message stuck in the error state, reusing its tempId so
// the eventual echo reconciles onto the same entry.
func (sc *SyncCoordinator) Resend(ctx context.Context, roomID, messageID string) (Message, error) {
	msg, ok := sc.store.MarkSending(roomID, messageID)
	if !ok {
		return Message{}, fmt.Errorf("message %s is not retryable", messageID)
	}
	return sc.submit(ctx, roomID, msg.ID, msg)
}

func (sc *SyncCoordinator) submit(ctx context.Context, roomID, tempID string, msg Message) (Message, error) {
	saved, err := sc.api.SendMessage(ctx, roomID, msg)
	if err != nil {
		sc.store.MarkError(roomID, tempID)
		sc.scheduleSnapshot(roomID)
		return msg, fmt.Errorf("send message: %w", err)
	}

	if saved.TempID == "" {
		saved.TempID = tempID
	}
	sc.store.Reconcile(roomID, saved)
	sc.scheduleSnapshot(roomID)

	final, _ := sc.store.MessageByID(roomID, saved.ID)
	return final, nil
}

// EditMessage applies the edit optimistically and submits it. On failure the
// edited entry is flagged error; the next authoritative event restores truth.
func (sc *SyncCoordinator) EditMessage(ctx context.Context, roomID, messageID, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	cur, ok := sc.store.MessageByID(roomID, messageID)
	if !ok {
		return fmt.Errorf("message %s not found", messageID)
	}
	sc.store.ApplyEdit(roomID, messageID, content, time.Now().UTC(), cur.EditVersion+1)
	sc.scheduleSnapshot(roomID)

	if err := sc.api.EditMessage(ctx, messageID, content); err != nil {
		sc.store.MarkError(roomID, messageID)
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

// DeleteForEveryone tombstones the message locally and submits the delete.
func (sc *SyncCoordinator) DeleteForEveryone(ctx context.Context, roomID, messageID string) error {
	sc.store.ApplyDeleteForEveryone(roomID, messageID)
	sc.scheduleSnapshot(roomID)
	if err := sc.api.DeleteForEveryone(ctx, messageID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// DeleteForMe hides the message for the local user and submits the hide.
func (sc *SyncCoordinator) DeleteForMe(ctx context.Context, roomID, messageID string) error {
	sc.store.ApplyDeleteForMe(roomID, messageID, sc.selfID)
	sc.scheduleSnapshot(roomID)
	if err := sc.api.DeleteForMe(ctx, messageID); err != nil {
		return fmt.Errorf("hide message: %w", err)
	}
	return nil
}

// ClearRoom wipes the room locally and submits the clear.
func (sc *SyncCoordinator) ClearRoom(ctx context.Context, roomID string) error {
	sc.store.Clear(roomID)
	sc.scheduleSnapshot(roomID)
	if err := sc.api.ClearRoom(ctx, roomID); err != nil {
		return fmt.Errorf("clear room: %w", err)
	}
	return nil
}

// SendQuery submits an AI prompt for the room.
func (sc *SyncCoordinator) SendQuery(ctx context.Context, roomID, prompt, replyToID string) (string, error) {
	opID, err := sc.engine.SendQuery(ctx, roomID, prompt, replyToID)
	sc.scheduleSnapshot(roomID)
	return opID, err
}

// CancelQuery cancels the room's streaming operation.
func (sc *SyncCoordinator) CancelQuery(ctx context.Context, roomID string) {
	sc.engine.Cancel(ctx, roomID)
	sc.scheduleSnapshot(roomID)
}

// Regenerate replaces a historical AI reply in place.
func (sc *SyncCoordinator) Regenerate(ctx context.Context, roomID, prompt string, insertIndex int, replaceMessageID string) (string, error) {
	opID, err := sc.engine.Regenerate(ctx, roomID, prompt, insertIndex, replaceMessageID)
	sc.scheduleSnapshot(roomID)
	return opID, err
}

// Close stops the reducer and the snapshot writer. The snapshot store itself
// is owned by the caller.
func (sc *SyncCoordinator) Close() {
	select {
	case <-sc.done:
	default:
		close(sc.done)
	}
	if sc.writer != nil {
		sc.writer.Close()
	}
	sc.typing.Close()
}

func (sc *SyncCoordinator) scheduleSnapshot(roomID string) {
	if sc.writer != nil {
		sc.writer.Schedule(roomID)
	}
}

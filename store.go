package chatsync

import (
	"sync"
	"time"
)

// ============================================================================
// RoomMessageStore
// ============================================================================

// RoomMessageStore owns the canonical per-room message sequence and provides
// idempotent merge operations. Every mutation runs under the store lock and
// executes to completion, so readers never observe a torn list.
//
// No operation fails on an absent target: events for messages not yet known
// locally (or already discarded) are expected under network races and are
// applied as no-ops.
type RoomMessageStore struct {
	mu    sync.RWMutex
	rooms map[string]*roomState
}

// roomState is the owning aggregate for one room. It is created on first
// registration (or first event) and torn down only when the room leaves the
// working set.
type roomState struct {
	messages   []Message
	currentOp  *AiOperation
	aiThinking bool

	// insertIndex is where the next appended AI message must be spliced,
	// recorded by regenerate. -1 means plain append.
	insertIndex int
}

// NewRoomMessageStore creates an empty store.
func NewRoomMessageStore() *RoomMessageStore {
	return &RoomMessageStore{rooms: make(map[string]*roomState)}
}

// room returns the state for roomID, creating it if needed. Callers must
// hold s.mu.
func (s *RoomMessageStore) room(roomID string) *roomState {
	r, ok := s.rooms[roomID]
	if !ok {
		r = &roomState{insertIndex: -1}
		s.rooms[roomID] = r
	}
	return r
}

// EnsureRoom creates the room aggregate if it does not exist yet.
func (s *RoomMessageStore) EnsureRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room(roomID)
}

// RemoveRoom tears down a room permanently removed from the working set.
func (s *RoomMessageStore) RemoveRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
}

// ============================================================================
// Write operations
// ============================================================================

// AppendOptimistic inserts a client-originated message with status "sending".
// It always appends: the UI intent is the most recent action. It never fails.
func (s *RoomMessageStore) AppendOptimistic(roomID string, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.RoomID = roomID
	msg.Status = StatusSending
	r := s.room(roomID)
	r.messages = append(r.messages, msg)
}

// Reconcile merges an authoritative message into the room's list. Match
// strategies are tried in order: durable id, tempId, operationId, then a
// content heuristic for legacy echoes lacking correlation ids, and finally
// append. The explicit-id tiers guarantee idempotence under duplicate
// delivery; the content heuristic trades a small false-positive risk (two
// simultaneous identical sends by one author) for robustness.
func (s *RoomMessageStore) Reconcile(roomID string, incoming Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	incoming.RoomID = roomID
	if incoming.Status == "" {
		incoming.Status = StatusSent
	}

	r := s.room(roomID)

	// 1. Durable id already present: replace in place.
	if incoming.ID != "" {
		if i := indexByID(r.messages, incoming.ID); i >= 0 {
			r.messages[i] = mergeOverLocal(r.messages[i], incoming)
			return
		}
	}

	// 2. Echo of an optimistic send: the local entry still carries the tempId
	// as its id.
	if incoming.TempID != "" {
		if i := indexByID(r.messages, incoming.TempID); i >= 0 {
			r.messages[i] = mergeOverLocal(r.messages[i], incoming)
			return
		}
	}

	// 3. Finalized AI response merging over a locally synthesized entry.
	if opID := incoming.OperationID(); opID != "" {
		if i := indexByOperationID(r.messages, opID); i >= 0 {
			r.messages[i] = mergeOverLocal(r.messages[i], incoming)
			return
		}
	}

	// 4. Last-resort heuristic: newest sending entry with the same author and
	// identical content.
	for i := len(r.messages) - 1; i >= 0; i-- {
		m := &r.messages[i]
		if m.Status == StatusSending && m.AuthorID == incoming.AuthorID && m.Content == incoming.Content {
			r.messages[i] = mergeOverLocal(*m, incoming)
			return
		}
	}

	// 5. New entry. A pending insert index (recorded by regenerate) applies
	// only to messages that belong to an AI operation.
	if r.insertIndex >= 0 && incoming.OperationID() != "" {
		r.spliceAt(r.insertIndex, incoming)
		r.insertIndex = -1
		return
	}
	r.messages = append(r.messages, incoming)
}

// ApplyStatusUpdate bumps the status of the listed messages. Bumps are
// monotonic along sending -> sent -> delivered -> seen; regressions and
// updates for absent or errored messages are no-ops.
func (s *RoomMessageStore) ApplyStatusUpdate(roomID string, messageIDs []string, status MessageStatus) {
	newRank, ok := statusRank[status]
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.room(roomID)
	for _, id := range messageIDs {
		i := indexByID(r.messages, id)
		if i < 0 {
			continue
		}
		cur, ok := statusRank[r.messages[i].Status]
		if !ok || newRank > cur {
			if r.messages[i].Status != StatusError {
				r.messages[i].Status = status
			}
		}
	}
}

// ApplyEdit updates content and edit metadata, leaving the reply snippet and
// attachment fields untouched.
func (s *RoomMessageStore) ApplyEdit(roomID, id, content string, editedAt time.Time, editVersion int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.room(roomID)
	i := indexByID(r.messages, id)
	if i < 0 {
		return
	}
	m := &r.messages[i]
	m.Content = content
	t := editedAt
	m.EditedAt = &t
	if editVersion > m.EditVersion {
		m.EditVersion = editVersion
	}
}

// ApplyDeleteForEveryone tombstones a message: content is cleared but the
// entry stays in place so surrounding ordering is preserved.
func (s *RoomMessageStore) ApplyDeleteForEveryone(roomID, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.room(roomID)
	i := indexByID(r.messages, id)
	if i < 0 {
		return
	}
	r.messages[i].DeletedForEveryone = true
	r.messages[i].Content = ""
}

// ApplyDeleteForMe hides a message for one user. The entry remains in the
// underlying sequence so later reconciliation by id still matches; the read
// path filters it out.
func (s *RoomMessageStore) ApplyDeleteForMe(roomID, id, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.room(roomID)
	i := indexByID(r.messages, id)
	if i < 0 {
		return
	}
	if !r.messages[i].HiddenFor(userID) {
		r.messages[i].DeletedForUserIDs = append(r.messages[i].DeletedForUserIDs, userID)
	}
}

// RemoveLocal hard-removes an entry. Used only to discard ephemeral or
// errored optimistic entries (for example the AI placeholder swapped out
// during regeneration).
func (s *RoomMessageStore) RemoveLocal(roomID, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.room(roomID)
	i := indexByID(r.messages, id)
	if i < 0 {
		return
	}
	r.messages = append(r.messages[:i], r.messages[i+1:]...)
}

// ReplaceAll swaps in an authoritative message list, fully superseding any
// cached or partial state. Streaming state is left untouched.
func (s *RoomMessageStore) ReplaceAll(roomID string, msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.room(roomID)
	r.messages = make([]Message, len(msgs))
	copy(r.messages, msgs)
	for i := range r.messages {
		r.messages[i].RoomID = roomID
	}
}

// Clear empties the room's message list (chat:cleared).
func (s *RoomMessageStore) Clear(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.room(roomID)
	r.messages = nil
	r.insertIndex = -1
}

// InsertLocal splices a locally synthesized message at index, clamped to the
// current list bounds. index -1 appends.
func (s *RoomMessageStore) InsertLocal(roomID string, index int, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.RoomID = roomID
	s.room(roomID).spliceAt(index, msg)
}

// MarkError forces a message into the error state, outside the monotonic
// ladder. Used when the network round trip confirming an optimistic entry
// fails.
func (s *RoomMessageStore) MarkError(roomID, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.room(roomID)
	if i := indexByID(r.messages, id); i >= 0 {
		r.messages[i].Status = StatusError
	}
}

// MarkSending returns a message to the sending state for a retry. It reports
// whether the message was found in the error state.
func (s *RoomMessageStore) MarkSending(roomID, id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.room(roomID)
	i := indexByID(r.messages, id)
	if i < 0 || r.messages[i].Status != StatusError {
		return Message{}, false
	}
	r.messages[i].Status = StatusSending
	return r.messages[i], true
}

// markLatestSeen flips the most recent not-yet-seen message by authorID to
// seen. The AI engine uses it when the first streamed token implies the
// backend has read the query.
func (s *RoomMessageStore) markLatestSeen(roomID, authorID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.room(roomID)
	for i := len(r.messages) - 1; i >= 0; i-- {
		m := &r.messages[i]
		if m.AuthorID != authorID {
			continue
		}
		if m.Status == StatusSeen || m.Status == StatusError {
			return
		}
		m.Status = StatusSeen
		return
	}
}

// HydrateRoom rebuilds the denormalized reply snippets for a room.
func (s *RoomMessageStore) HydrateRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.room(roomID)
	r.messages = HydrateReplies(r.messages)
}

// ============================================================================
// Streaming state accessors (used by the AI engine)
// ============================================================================

func (s *RoomMessageStore) setOperation(roomID string, op *AiOperation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room(roomID).currentOp = op
}

// Operation returns a copy of the room's current AI operation, or nil.
func (s *RoomMessageStore) Operation(roomID string) *AiOperation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok || r.currentOp == nil {
		return nil
	}
	op := *r.currentOp
	return &op
}

// appendChunk extends the current operation's accumulated content. It reports
// whether this chunk began streaming (thinking -> streaming transition).
func (s *RoomMessageStore) appendChunk(roomID, chunk string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.room(roomID)
	if r.currentOp == nil {
		return false
	}
	began := !r.currentOp.IsStreaming
	r.currentOp.AccumulatedContent += chunk
	r.currentOp.IsStreaming = true
	r.aiThinking = false
	return began
}

func (s *RoomMessageStore) setThinking(roomID string, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room(roomID).aiThinking = v
}

// Thinking reports whether the room shows the "AI is thinking" indicator.
func (s *RoomMessageStore) Thinking(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	return ok && r.aiThinking
}

func (s *RoomMessageStore) setInsertIndex(roomID string, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room(roomID).insertIndex = index
}

// ============================================================================
// Read path
// ============================================================================

// Messages returns a copy of the room's list with entries hidden for viewerID
// filtered out. Pass an empty viewerID for the raw visible sequence.
func (s *RoomMessageStore) Messages(roomID, viewerID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(r.messages))
	for _, m := range r.messages {
		if viewerID != "" && m.HiddenFor(viewerID) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// MessageByID returns a copy of one message, if present.
func (s *RoomMessageStore) MessageByID(roomID, id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return Message{}, false
	}
	i := indexByID(r.messages, id)
	if i < 0 {
		return Message{}, false
	}
	return r.messages[i], true
}

// Len returns the number of entries in the room's underlying sequence.
func (s *RoomMessageStore) Len(roomID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return 0
	}
	return len(r.messages)
}

// ============================================================================
// Internals
// ============================================================================

// spliceAt inserts msg at index, clamped to [0, len]; -1 appends. The list
// may have shrunk since an index was captured, so clamping (not failing) is
// the contract.
func (r *roomState) spliceAt(index int, msg Message) {
	if index < 0 || index >= len(r.messages) {
		r.messages = append(r.messages, msg)
		return
	}
	r.messages = append(r.messages, Message{})
	copy(r.messages[index+1:], r.messages[index:])
	r.messages[index] = msg
}

func indexByID(msgs []Message, id string) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func indexByOperationID(msgs []Message, opID string) int {
	for i := range msgs {
		if msgs[i].OperationID() == opID {
			return i
		}
	}
	return -1
}

// mergeOverLocal lays the server copy over a local entry, preserving
// locally-held fields the server does not know about: the delivery status
// already climbed, the denormalized reply snippet, and in-flight upload
// artifacts.
func mergeOverLocal(local, server Message) Message {
	out := server
	// Status is a local lifecycle tag. A duplicate or replayed push carries
	// at best "sent" and must not regress a delivered/seen entry.
	if lr, ok := statusRank[local.Status]; ok {
		if ir, ok := statusRank[out.Status]; !ok || ir < lr {
			out.Status = local.Status
		}
	}
	if out.ReplyTo == nil {
		out.ReplyTo = local.ReplyTo
	}
	if out.ReplyToID == "" {
		out.ReplyToID = local.ReplyToID
	}
	if out.LocalBlobRef == "" {
		out.LocalBlobRef = local.LocalBlobRef
	}
	if out.UploadStatus == "" {
		out.UploadStatus = local.UploadStatus
		out.UploadProgress = local.UploadProgress
	}
	if out.Meta == nil {
		out.Meta = local.Meta
	}
	return out
}

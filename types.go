// Package chatsync implements the client-side message synchronization and
// optimistic-update reconciliation engine behind a chat application.
//
// It maintains one authoritative ordered message list per room, reflects
// user-initiated sends and edits immediately (optimistic entries), merges
// asynchronous and possibly duplicated server events without producing
// duplicates, and manages the streaming AI-response lifecycle (partial
// tokens, completion, cancellation) on top of the same list.
//
// Example:
//
//	client := chatsync.NewClient("https://chat.example.com", token)
//	coord := chatsync.NewSyncCoordinator(client,
//		chatsync.WithSelfUser("user-1"),
//		chatsync.WithCache(cache),
//	)
//	go coord.Run(ctx)
//
//	coord.RegisterRoom(ctx, "room-7")
//	coord.SendMessage(ctx, "room-7", chatsync.Message{Content: "hi"})
package chatsync

import (
	"encoding/json"
	"errors"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrEmptyMessage is returned when a send has no content and no attachment.
	ErrEmptyMessage = errors.New("chatsync: message has no content or attachment")

	// ErrOperationActive is returned when a room already has a streaming AI
	// operation in flight.
	ErrOperationActive = errors.New("chatsync: an AI operation is already active in this room")

	// ErrNotConnected is returned by the socket client when no connection is up.
	ErrNotConnected = errors.New("chatsync: not connected")
)

// APIError represents a structured error returned by the backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic backend response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Message model
// ============================================================================

// MessageType classifies a chat message.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeAudio    MessageType = "audio"
	TypeImage    MessageType = "image"
	TypeGif      MessageType = "gif"
	TypeFile     MessageType = "file"
	TypeLocation MessageType = "location"
	TypePoll     MessageType = "poll"
	TypeSystem   MessageType = "system"
)

// MessageStatus is the local delivery lifecycle of a message. It is never
// round-tripped to the server except when echoing a real status push.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusSeen      MessageStatus = "seen"
	StatusError     MessageStatus = "error"
)

// statusRank orders the delivery ladder for monotonic bumps. StatusError is
// deliberately outside the ladder.
var statusRank = map[MessageStatus]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusSeen:      3,
}

// MessageMeta carries correlation metadata attached to a message.
type MessageMeta struct {
	// OperationID links the message to an AI operation lifecycle.
	OperationID string `json:"operationId,omitempty"`
}

// ReplySnippet is the denormalized preview of a referenced message. It is
// derived by the reply hydrator and is never authoritative.
type ReplySnippet struct {
	ID     string      `json:"id"`
	Sender string      `json:"sender"`
	Type   MessageType `json:"type"`
	Text   string      `json:"text,omitempty"`
}

// GeoPoint is the coordinate payload of a location message.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Message represents one chat event in a room's ordered list.
//
// ID holds either a durable server-assigned id or, prior to confirmation, the
// locally generated TempID. At most one entry with a given durable id exists
// in a room at any time.
type Message struct {
	ID     string `json:"id"`
	TempID string `json:"tempId,omitempty"`
	RoomID string `json:"roomId"`

	AuthorID   string `json:"authorId"`
	AuthorName string `json:"authorName,omitempty"`

	Content   string        `json:"content"`
	Type      MessageType   `json:"type"`
	Status    MessageStatus `json:"status,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`

	EditedAt    *time.Time `json:"editedAt,omitempty"`
	EditVersion int        `json:"editVersion,omitempty"`

	DeletedForEveryone bool     `json:"deletedForEveryone,omitempty"`
	DeletedForUserIDs  []string `json:"deletedForUserIds,omitempty"`

	ReplyToID string        `json:"replyToId,omitempty"`
	ReplyTo   *ReplySnippet `json:"replyTo,omitempty"`

	Meta *MessageMeta `json:"meta,omitempty"`

	// Attachment details, also feeding the reply hydrator's summaries.
	Duration        int       `json:"duration,omitempty"` // audio length, seconds
	Question        string    `json:"question,omitempty"` // poll question
	Location        *GeoPoint `json:"location,omitempty"`
	Caption         string    `json:"caption,omitempty"`
	AttachmentCount int       `json:"attachmentCount,omitempty"`

	// Local-only upload bookkeeping. LocalBlobRef is owned by this entry
	// until the upload succeeds (cleared) or the entry is discarded.
	UploadProgress int    `json:"uploadProgress,omitempty"`
	UploadStatus   string `json:"uploadStatus,omitempty"`
	LocalBlobRef   string `json:"localBlobRef,omitempty"`
}

// OperationID returns the AI operation correlation id, if any.
func (m *Message) OperationID() string {
	if m.Meta == nil {
		return ""
	}
	return m.Meta.OperationID
}

// HiddenFor reports whether the message was deleted-for-me by userID.
func (m *Message) HiddenFor(userID string) bool {
	for _, id := range m.DeletedForUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// ============================================================================
// AI operation model
// ============================================================================

// AiOperation is the ephemeral state of one streaming AI response. It is
// created on query submission, mutated on each partial-token event, and
// consumed (turned into a Message) on completion or cancellation.
type AiOperation struct {
	OperationID        string `json:"operationId"`
	RoomID             string `json:"roomId"`
	AccumulatedContent string `json:"accumulatedContent"`
	IsStreaming        bool   `json:"isStreaming"`

	// InsertIndex is the list position the finalized message must be
	// spliced into. -1 means append.
	InsertIndex int `json:"insertIndex"`
}

// Room describes a conversation surfaced through room_added events.
type Room struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"` // direct | group | assistant
}

// RoomSnapshot is the derived read model handed to the UI layer.
type RoomSnapshot struct {
	RoomID       string       `json:"roomId"`
	Messages     []Message    `json:"messages"`
	IsAiThinking bool         `json:"isAiThinking"`
	Streaming    *AiOperation `json:"streaming,omitempty"`
	Typing       []string     `json:"typing,omitempty"`
}

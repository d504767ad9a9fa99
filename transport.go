package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire events
// ============================================================================

// Inbound event types.
const (
	EventNewMessage     = "new_message"
	EventStatusUpdate   = "messages_status_update"
	EventMessageDeleted = "message_deleted"
	EventMessageEdited  = "message_edited"
	EventTypingStart    = "typing:start"
	EventTypingStop     = "typing:stop"
	EventAiPartial      = "ai:partial"
	EventAiDone         = "ai:done"
	EventAiError        = "ai:error"
	EventChatCleared    = "chat:cleared"
	EventRoomAdded      = "room_added"
)

// Envelope is the wire format for all socket events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// StatusUpdatePayload carries a bulk delivery-status push.
type StatusUpdatePayload struct {
	RoomID     string        `json:"roomId"`
	MessageIDs []string      `json:"messageIds"`
	Status     MessageStatus `json:"status"`
}

// MessageDeletedPayload announces a delete-for-everyone.
type MessageDeletedPayload struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
}

// MessageEditedPayload announces an edit.
type MessageEditedPayload struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"roomId"`
	Content     string    `json:"content"`
	EditedAt    time.Time `json:"editedAt"`
	EditVersion int       `json:"editVersion"`
}

// TypingPayload announces a typing indicator change.
type TypingPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

// AiPartialPayload carries one streamed chunk. RoomID is optional on the
// wire; the engine resolves the owning room through its operation index.
type AiPartialPayload struct {
	OperationID string `json:"operationId"`
	RoomID      string `json:"roomId,omitempty"`
	Chunk       string `json:"chunk"`
}

// AiDonePayload announces stream completion.
type AiDonePayload struct {
	OperationID    string `json:"operationId"`
	RoomID         string `json:"roomId,omitempty"`
	SavedMessageID string `json:"savedMessageId,omitempty"`
}

// AiErrorPayload announces stream failure. Cancelled is set on acks of a
// client-initiated cancel.
type AiErrorPayload struct {
	OperationID string `json:"operationId"`
	RoomID      string `json:"roomId,omitempty"`
	Error       string `json:"error,omitempty"`
	Cancelled   bool   `json:"cancelled,omitempty"`
}

// ChatClearedPayload announces a room wipe.
type ChatClearedPayload struct {
	RoomID string `json:"roomId"`
}

// Command is a client-to-server socket message.
type Command struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// EnvelopeSink receives decoded inbound envelopes. The SyncCoordinator
// satisfies it; delivery order matches socket order.
type EnvelopeSink interface {
	Deliver(env Envelope)
}

// ============================================================================
// Socket configuration
// ============================================================================

// SocketConfig configures the realtime socket client.
type SocketConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
}

func (c *SocketConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// ConnState represents the socket connection state.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnReconnecting ConnState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

// stableConnWindow is how long a connection must hold before a later failure
// restarts the backoff ladder from the base delay.
const stableConnWindow = 60 * time.Second

// reconnector tracks backoff state across reconnect attempts: exponential
// growth from the base delay with up to 50% jitter, capped at the max.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *SocketConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

// shouldReconnect reports whether the attempt budget allows another try.
// maxAttempts 0 means unbounded.
func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay consumes one attempt and returns how long to wait before it.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > stableConnWindow {
		r.attempt = 0
	}
	backoff := float64(r.baseDelay) * math.Pow(2, float64(r.attempt))
	backoff += rand.Float64() * float64(r.baseDelay) * 0.5
	if limit := float64(r.maxDelay); backoff > limit {
		backoff = limit
	}
	r.attempt++
	return time.Duration(backoff)
}

// ============================================================================
// SocketClient
// ============================================================================

// SocketClient is the websocket transport for inbound events, with
// auto-reconnect and heartbeat. Every decoded envelope is handed to the sink
// in arrival order; the sink's reducer provides the single-writer guarantee,
// so the client never processes events concurrently.
type SocketClient struct {
	baseURL string
	config  *SocketConfig
	sink    EnvelopeSink
	log     zerolog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	intentionalClose bool
	cancelFn         context.CancelFunc
	recon            *reconnector
}

// NewSocketClient creates a socket client. Call Connect to establish the
// connection.
func NewSocketClient(baseURL string, config *SocketConfig, sink EnvelopeSink, logger zerolog.Logger) *SocketClient {
	cfg := *config
	cfg.defaults()
	return &SocketClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  &cfg,
		sink:    sink,
		log:     logger,
		state:   ConnDisconnected,
		recon:   newReconnector(&cfg),
	}
}

// State returns the current connection state.
func (sc *SocketClient) State() ConnState {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state
}

// Connect establishes the websocket connection and starts the read and
// heartbeat loops.
func (sc *SocketClient) Connect(ctx context.Context) error {
	sc.mu.Lock()
	if sc.state == ConnConnected || sc.state == ConnConnecting {
		sc.mu.Unlock()
		return nil
	}
	sc.state = ConnConnecting
	sc.intentionalClose = false
	sc.mu.Unlock()

	wsURL := strings.Replace(sc.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/socket?token=" + sc.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		sc.mu.Lock()
		sc.state = ConnDisconnected
		sc.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(ctx)
	sc.mu.Lock()
	sc.conn = conn
	sc.state = ConnConnected
	sc.cancelFn = cancel
	sc.mu.Unlock()
	sc.recon.markConnected()
	sc.log.Info().Str("url", sc.baseURL).Msg("socket connected")

	go sc.readLoop(connCtx)
	go sc.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection and disables reconnects.
func (sc *SocketClient) Disconnect() error {
	sc.mu.Lock()
	sc.intentionalClose = true
	if sc.cancelFn != nil {
		sc.cancelFn()
		sc.cancelFn = nil
	}
	conn := sc.conn
	sc.conn = nil
	sc.state = ConnDisconnected
	sc.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Send writes a raw command over the socket.
func (sc *SocketClient) Send(ctx context.Context, cmd *Command) error {
	sc.mu.Lock()
	conn := sc.conn
	sc.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// NotifyTypingStart tells the room the local user started typing.
func (sc *SocketClient) NotifyTypingStart(ctx context.Context, roomID string) error {
	return sc.Send(ctx, &Command{
		Type:    EventTypingStart,
		Payload: map[string]string{"roomId": roomID},
	})
}

// NotifyTypingStop tells the room the local user stopped typing.
func (sc *SocketClient) NotifyTypingStop(ctx context.Context, roomID string) error {
	return sc.Send(ctx, &Command{
		Type:    EventTypingStop,
		Payload: map[string]string{"roomId": roomID},
	})
}

func (sc *SocketClient) readLoop(ctx context.Context) {
	for {
		sc.mu.Lock()
		conn := sc.conn
		sc.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			sc.mu.Lock()
			intentional := sc.intentionalClose
			sc.state = ConnDisconnected
			sc.conn = nil
			sc.mu.Unlock()
			if intentional {
				return
			}

			sc.log.Warn().Err(err).Msg("socket read failed")
			if sc.config.AutoReconnect && sc.recon.shouldReconnect() {
				sc.scheduleReconnect(ctx)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			sc.log.Debug().Err(err).Msg("undecodable socket frame dropped")
			continue
		}
		sc.sink.Deliver(env)
	}
}

func (sc *SocketClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(sc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sc.mu.Lock()
			conn := sc.conn
			sc.mu.Unlock()
			if conn == nil {
				return
			}
			pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				sc.log.Warn().Err(err).Msg("heartbeat failed, closing connection")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (sc *SocketClient) scheduleReconnect(ctx context.Context) {
	delay := sc.recon.nextDelay()
	sc.mu.Lock()
	sc.state = ConnReconnecting
	sc.mu.Unlock()
	sc.log.Info().Dur("delay", delay).Int("attempt", sc.recon.attempt).Msg("socket reconnecting")

	time.Sleep(delay)

	if err := sc.Connect(ctx); err != nil {
		if sc.config.AutoReconnect && sc.recon.shouldReconnect() {
			sc.scheduleReconnect(ctx)
			return
		}
		sc.mu.Lock()
		sc.state = ConnDisconnected
		sc.mu.Unlock()
	}
}

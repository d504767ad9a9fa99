package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds every HTTP request issued by the client.
const DefaultTimeout = 30 * time.Second

// ============================================================================
// Client
// ============================================================================

// Client issues the outbound chat commands over HTTP. It satisfies both the
// coordinator's API interface and the AI engine's Commander.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// NewClient creates a chat API client. token may be empty for anonymous
// access during development.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken updates the auth token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if !result.OK {
		if result.Error != nil {
			return &result, result.Error
		}
		return &result, fmt.Errorf("request rejected: %s %s", method, path)
	}
	return &result, nil
}

// ============================================================================
// Message commands
// ============================================================================

// FetchMessages returns the authoritative message list for a room.
func (c *Client) FetchMessages(ctx context.Context, roomID string) ([]Message, error) {
	res, err := c.do(ctx, "GET", "/api/chat/rooms/"+roomID+"/messages", nil, nil)
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := res.Decode(&msgs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return msgs, nil
}

// SendMessage submits a message and returns the saved server copy, which
// echoes the tempId for reconciliation.
func (c *Client) SendMessage(ctx context.Context, roomID string, msg Message) (Message, error) {
	res, err := c.do(ctx, "POST", "/api/chat/rooms/"+roomID+"/messages", msg, nil)
	if err != nil {
		return Message{}, err
	}
	var saved Message
	if err := res.Decode(&saved); err != nil {
		return Message{}, fmt.Errorf("decode saved message: %w", err)
	}
	return saved, nil
}

// EditMessage updates a message's content.
func (c *Client) EditMessage(ctx context.Context, messageID, content string) error {
	_, err := c.do(ctx, "PATCH", "/api/chat/messages/"+messageID,
		map[string]string{"content": content}, nil)
	return err
}

// DeleteForEveryone tombstones a message for all participants.
func (c *Client) DeleteForEveryone(ctx context.Context, messageID string) error {
	_, err := c.do(ctx, "DELETE", "/api/chat/messages/"+messageID, nil, nil)
	return err
}

// DeleteForMe hides a message for the calling user only.
func (c *Client) DeleteForMe(ctx context.Context, messageID string) error {
	_, err := c.do(ctx, "POST", "/api/chat/messages/"+messageID+"/hide", nil, nil)
	return err
}

// ClearRoom wipes a room's history.
func (c *Client) ClearRoom(ctx context.Context, roomID string) error {
	_, err := c.do(ctx, "POST", "/api/chat/rooms/"+roomID+"/clear", nil, nil)
	return err
}

// ============================================================================
// AI commands
// ============================================================================

// SubmitQuery submits an AI prompt and returns the operation id correlating
// the streamed response.
func (c *Client) SubmitQuery(ctx context.Context, roomID, prompt, replyToID string) (string, error) {
	body := map[string]string{"prompt": prompt}
	if replyToID != "" {
		body["replyToId"] = replyToID
	}
	res, err := c.do(ctx, "POST", "/api/chat/rooms/"+roomID+"/query", body, nil)
	if err != nil {
		return "", err
	}
	var data struct {
		OperationID string `json:"operationId"`
	}
	if err := res.Decode(&data); err != nil {
		return "", fmt.Errorf("decode operation id: %w", err)
	}
	if data.OperationID == "" {
		return "", fmt.Errorf("server returned no operation id")
	}
	return data.OperationID, nil
}

// CancelOperation asks the backend to stop a streaming operation.
func (c *Client) CancelOperation(ctx context.Context, operationID string) error {
	_, err := c.do(ctx, "POST", "/api/chat/operations/"+operationID+"/cancel", nil, nil)
	return err
}

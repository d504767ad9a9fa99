package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, NewClient(srv.URL, "test-token")
}

func writeOK(t *testing.T, w http.ResponseWriter, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, json.NewEncoder(w).Encode(Result{OK: true, Data: raw}))
}

func TestClientFetchMessages(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "GET", r.Method)
		require.Equal(t, "/api/chat/rooms/r1/messages", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		writeOK(t, w, []Message{{ID: "m1", Content: "hi", Type: TypeText}})
	})

	msgs, err := client.FetchMessages(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "m1", msgs[0].ID)
}

func TestClientSendMessageEchoesTempID(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "POST", r.Method)

		var msg Message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		require.Equal(t, "tmp-1", msg.TempID)

		msg.ID = "srv-1"
		msg.Status = StatusSent
		writeOK(t, w, msg)
	})

	saved, err := client.SendMessage(context.Background(), "r1", Message{
		TempID: "tmp-1", Content: "hello", Type: TypeText,
	})
	require.NoError(t, err)
	require.Equal(t, "srv-1", saved.ID)
	require.Equal(t, "tmp-1", saved.TempID)
}

func TestClientAPIErrorSurfaced(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(Result{
			OK:    false,
			Error: &APIError{Code: "not_found", Message: "no such room"},
		}))
	})

	_, err := client.FetchMessages(context.Background(), "ghost")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "not_found", apiErr.Code)
}

func TestClientSubmitQuery(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat/rooms/r1/query", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "explain this", body["prompt"])
		require.Equal(t, "m5", body["replyToId"])

		writeOK(t, w, map[string]string{"operationId": "op-42"})
	})

	opID, err := client.SubmitQuery(context.Background(), "r1", "explain this", "m5")
	require.NoError(t, err)
	require.Equal(t, "op-42", opID)
}

func TestClientSubmitQueryMissingOperationID(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeOK(t, w, map[string]string{})
	})

	_, err := client.SubmitQuery(context.Background(), "r1", "prompt", "")
	require.Error(t, err)
}

func TestClientCancelOperation(t *testing.T) {
	var gotPath string
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		writeOK(t, w, nil)
	})

	require.NoError(t, client.CancelOperation(context.Background(), "op-42"))
	require.Equal(t, "/api/chat/operations/op-42/cancel", gotPath)
}

func TestClientEditAndDeletePaths(t *testing.T) {
	var calls []string
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		writeOK(t, w, nil)
	})

	ctx := context.Background()
	require.NoError(t, client.EditMessage(ctx, "m1", "new text"))
	require.NoError(t, client.DeleteForEveryone(ctx, "m1"))
	require.NoError(t, client.DeleteForMe(ctx, "m1"))
	require.NoError(t, client.ClearRoom(ctx, "r1"))

	require.Equal(t, []string{
		"PATCH /api/chat/messages/m1",
		"DELETE /api/chat/messages/m1",
		"POST /api/chat/messages/m1/hide",
		"POST /api/chat/rooms/r1/clear",
	}, calls)
}

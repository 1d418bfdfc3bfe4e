package transport_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/uam-network/uam-relay/internal/sdk/transport"
)

func TestSend_PostsEnvelopeToRelay(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{"message_id": "msg-1", "status": "delivered"})
	}))
	defer srv.Close()

	tr := transport.New(srv.URL, "tok_abc")
	if err := tr.Send(context.Background(), map[string]any{"type": "message", "to": "bob::example.com"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if gotPath != "/api/v1/send" {
		t.Fatalf("path = %q, want /api/v1/send", gotPath)
	}
	if gotAuth != "Bearer tok_abc" {
		t.Fatalf("Authorization = %q, want Bearer tok_abc", gotAuth)
	}
	env, ok := gotBody["envelope"].(map[string]any)
	if !ok {
		t.Fatalf("request body envelope = %v, want a map", gotBody["envelope"])
	}
	if env["to"] != "bob::example.com" {
		t.Fatalf("envelope.to = %v, want bob::example.com", env["to"])
	}
}

func TestReceive_PullsStoredInboxWhenNothingBuffered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]any{
				{"message_id": "m1", "from": "bob::example.com"},
			},
			"count": 1,
		})
	}))
	defer srv.Close()

	tr := transport.New(srv.URL, "tok_abc")
	messages, err := tr.Receive(context.Background(), "alice::example.com", 20)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(messages) != 1 || messages[0]["message_id"] != "m1" {
		t.Fatalf("messages = %+v, want one entry for m1", messages)
	}
}

func TestConnect_BuffersPushedEnvelopes(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		pushed := map[string]any{
			"uam_version": "0.1",
			"message_id":  "pushed-1",
			"type":        "message",
			"from":        "bob::example.com",
			"to":          "alice::example.com",
		}
		_ = conn.WriteJSON(pushed)
		// Keep the connection open briefly so the client's read loop has
		// time to receive the frame before the handler returns.
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	wsBase := "ws" + srv.URL[len("http"):]
	tr := transport.New(wsBase, "tok_abc")
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Disconnect()

	deadline := time.Now().Add(time.Second)
	var messages []map[string]any
	for time.Now().Before(deadline) {
		var err error
		messages, err = tr.Receive(context.Background(), "alice::example.com", 1)
		if err == nil && len(messages) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if len(messages) != 1 || messages[0]["message_id"] != "pushed-1" {
		t.Fatalf("messages = %+v, want one pushed envelope with message_id pushed-1", messages)
	}
}

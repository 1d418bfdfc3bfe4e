// Package transport is the SDK's connection to one relay: a persistent
// WebSocket for live-pushed envelopes, paired with REST calls for sending
// and draining any messages the relay stored while the agent was offline.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/uam-network/uam-relay/pkg/uamclient"
)

// Transport owns one agent's relay connection.
type Transport struct {
	relayURL string
	token    string
	client   *uamclient.Client

	mu       sync.Mutex
	conn     *websocket.Conn
	pushed   []map[string]any
	readDone chan struct{}
}

// New builds a Transport bound to relayURL (HTTP base) using token for
// authentication.
func New(relayURL, token string) *Transport {
	return &Transport{
		relayURL: relayURL,
		token:    token,
		client:   uamclient.New(relayURL),
	}
}

func wsURL(relayURL string) string {
	u := strings.TrimSuffix(relayURL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws"
}

// Connect dials the relay's live-socket endpoint and starts a background
// read loop buffering pushed envelope frames.
func (t *Transport) Connect(ctx context.Context) error {
	header := http.Header{}
	dialURL := fmt.Sprintf("%s?token=%s", wsURL(t.relayURL), t.token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, dialURL, header)
	if err != nil {
		return fmt.Errorf("connect live socket: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.readDone = make(chan struct{})
	t.mu.Unlock()

	go t.readLoop(conn, t.readDone)
	return nil
}

func (t *Transport) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, body, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var wire map[string]any
		if err := json.Unmarshal(body, &wire); err != nil {
			continue
		}
		if _, isControl := wire["type"]; isControl && wire["uam_version"] == nil {
			continue // control message such as {"type":"pong"}, not an envelope
		}
		t.mu.Lock()
		t.pushed = append(t.pushed, wire)
		t.mu.Unlock()
	}
}

// Disconnect closes the live socket, if connected.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Send posts wire to the relay's REST send endpoint.
func (t *Transport) Send(ctx context.Context, wire map[string]any) error {
	_, err := t.client.Send(ctx, t.token, wire)
	return err
}

// Receive returns pending envelopes addressed to this agent: any
// already-buffered live-pushed frames first, topped up with stored
// messages pulled from the relay's REST inbox up to limit.
func (t *Transport) Receive(ctx context.Context, address string, limit int) ([]map[string]any, error) {
	t.mu.Lock()
	buffered := t.pushed
	t.pushed = nil
	t.mu.Unlock()

	if len(buffered) >= limit && limit > 0 {
		return buffered[:limit], nil
	}

	remaining := limit
	if remaining > 0 {
		remaining -= len(buffered)
	}
	stored, _, err := t.client.Inbox(ctx, t.token, address, remaining)
	if err != nil {
		return nil, fmt.Errorf("pull stored inbox: %w", err)
	}
	return append(buffered, stored...), nil
}

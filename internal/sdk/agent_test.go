package sdk_test

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/uam-network/uam-relay/internal/protocol/envelope"
	"github.com/uam-network/uam-relay/internal/sdk"
	"github.com/uam-network/uam-relay/internal/sdk/config"
)

// fakeRelay is a minimal in-memory relay exercising the REST+WS surface the
// Agent façade depends on: register, send, inbox, public-key and a
// no-op live socket.
type fakeRelay struct {
	srv       *httptest.Server
	upgrader  websocket.Upgrader
	publicKey string
	sent      []map[string]any
}

func newFakeRelay(t *testing.T, publicKey string) *fakeRelay {
	t.Helper()
	fr := &fakeRelay{publicKey: publicKey}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/register", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		name, _ := body["agent_name"].(string)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"address": name + "::test.relay",
			"token":   "tok_" + name,
		})
	})

	mux.HandleFunc("/api/v1/send", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if env, ok := body["envelope"].(map[string]any); ok {
			fr.sent = append(fr.sent, env)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"message_id": "sent-1", "status": "delivered"})
	})

	mux.HandleFunc("/api/v1/inbox/", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"messages": []map[string]any{}, "count": 0})
	})

	mux.HandleFunc("/api/v1/agents/", func(w http.ResponseWriter, r *http.Request) {
		address := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/v1/agents/"), "/public-key")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"address":    address,
			"public_key": fr.publicKey,
			"tier":       "full",
		})
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := fr.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	fr.srv = httptest.NewServer(mux)
	return fr
}

func (fr *fakeRelay) close() { fr.srv.Close() }

func testConfig(t *testing.T, name string, fr *fakeRelay) config.Config {
	t.Helper()
	return config.Config{
		Name:             name,
		RelayDomain:      "test.relay",
		RelayURL:         fr.srv.URL,
		RelayWSURL:       "ws" + strings.TrimPrefix(fr.srv.URL, "http") + "/ws",
		DisplayName:      name,
		KeyDir:           t.TempDir(),
		DataDir:          t.TempDir(),
		TrustPolicy:      "auto-accept",
		AutoRegister:     true,
		ResolverCacheTTL: time.Minute,
	}
}

func TestAgent_ConnectRegistersAndAssignsAddress(t *testing.T) {
	fr := newFakeRelay(t, "")
	defer fr.close()

	agent, err := sdk.New(testConfig(t, "alice", fr))
	if err != nil {
		t.Fatalf("sdk.New: %v", err)
	}
	if err := agent.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer agent.Close()

	if !agent.IsConnected() {
		t.Fatal("expected agent to report connected")
	}
	if agent.Address() != "alice::test.relay" {
		t.Fatalf("Address() = %q, want alice::test.relay", agent.Address())
	}
	if agent.PublicKey() == "" {
		t.Fatal("expected a non-empty public key after Connect")
	}
}

func TestAgent_ConnectIsIdempotent(t *testing.T) {
	fr := newFakeRelay(t, "")
	defer fr.close()

	agent, err := sdk.New(testConfig(t, "alice", fr))
	if err != nil {
		t.Fatalf("sdk.New: %v", err)
	}
	if err := agent.Connect(t.Context()); err != nil {
		t.Fatalf("Connect (1): %v", err)
	}
	defer agent.Close()
	if err := agent.Connect(t.Context()); err != nil {
		t.Fatalf("Connect (2): %v", err)
	}
}

func TestAgent_ContactCardRequiresConnection(t *testing.T) {
	fr := newFakeRelay(t, "")
	defer fr.close()

	agent, err := sdk.New(testConfig(t, "alice", fr))
	if err != nil {
		t.Fatalf("sdk.New: %v", err)
	}
	if _, err := agent.ContactCard(); err == nil {
		t.Fatal("expected ContactCard to fail before Connect")
	}
}

func TestAgent_SendToUnresolvedContactCachesKeyAndSends(t *testing.T) {
	fr := newFakeRelay(t, "")
	defer fr.close()

	alice, err := sdk.New(testConfig(t, "alice", fr))
	if err != nil {
		t.Fatalf("sdk.New: %v", err)
	}
	if err := alice.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer alice.Close()

	// The fake relay's public-key endpoint always answers with bob's key,
	// regardless of which address is queried, so we seed it with a real
	// verify key to keep envelope creation honest.
	bobVK, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	fr.publicKey = base64.StdEncoding.EncodeToString(bobVK)

	messageID, err := alice.Send(t.Context(), "bob::test.relay", "hello bob", envelope.CreateOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if messageID == "" {
		t.Fatal("expected a non-empty message id")
	}
	// bob was not a known contact before this Send, so Send emits a
	// handshake.request first and then the message itself.
	if len(fr.sent) != 2 {
		t.Fatalf("relay received %d envelopes, want 2 (handshake.request, message)", len(fr.sent))
	}
	if fr.sent[0]["type"] != "handshake.request" {
		t.Fatalf("first envelope type = %v, want handshake.request", fr.sent[0]["type"])
	}
	if fr.sent[1]["type"] != "message" {
		t.Fatalf("envelope type = %v, want message", fr.sent[1]["type"])
	}
}

func TestAgent_PendingAndDenyLifecycle(t *testing.T) {
	fr := newFakeRelay(t, "")
	defer fr.close()

	agent, err := sdk.New(testConfig(t, "alice", fr))
	if err != nil {
		t.Fatalf("sdk.New: %v", err)
	}
	if err := agent.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer agent.Close()

	entries, err := agent.Pending(t.Context())
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("Pending = %+v, want none for a fresh agent", entries)
	}

	if err := agent.Deny(t.Context(), "nobody::test.relay"); err == nil {
		t.Fatal("expected Deny to fail for an address with no pending request")
	}
}

func TestAgent_BlockAndUnblock(t *testing.T) {
	fr := newFakeRelay(t, "")
	defer fr.close()

	agent, err := sdk.New(testConfig(t, "alice", fr))
	if err != nil {
		t.Fatalf("sdk.New: %v", err)
	}
	if err := agent.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer agent.Close()

	if err := agent.Block(t.Context(), "*::spam.example"); err != nil {
		t.Fatalf("Block: %v", err)
	}
	if err := agent.Unblock(t.Context(), "*::spam.example"); err != nil {
		t.Fatalf("Unblock: %v", err)
	}
}

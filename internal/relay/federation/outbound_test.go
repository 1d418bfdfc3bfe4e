package federation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	uamcrypto "github.com/uam-network/uam-relay/internal/protocol/crypto"
	"github.com/uam-network/uam-relay/internal/relay/model"
	"github.com/uam-network/uam-relay/internal/relay/store"
)

func newTestOutbound(t *testing.T, st store.Storage, selfDomain string, sk []byte) *Outbound {
	t.Helper()
	return NewOutbound(st, NewDiscoverer(st, nil), selfDomain, sk, nil)
}

func TestForwardDeliversAndLogsSuccess(t *testing.T) {
	st := store.NewMemoryStore()
	self, _ := uamcrypto.GenerateKeypair()

	var received *Body
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-UAM-Relay-Signature") == "" || r.Header.Get("X-UAM-Relay-Domain") != "alpha.test" {
			t.Errorf("missing/incorrect federation headers")
		}
		var b Body
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		received = &b
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_ = st.UpsertKnownRelay(context.Background(), &model.KnownRelay{
		Domain: "peer.test", FederationURL: srv.URL,
		PublicKey: "unused-for-outbound", LastVerified: time.Now(), TTLHours: 24, Status: "active",
	})

	o := newTestOutbound(t, st, "alpha.test", self.SigningKey)
	envelope := map[string]any{"message_id": "m1", "to": "bob::peer.test", "from": "alice::alpha.test"}

	if err := o.Forward(context.Background(), envelope, nil, 0); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if received == nil {
		t.Fatal("peer relay never received a request")
	}
	if received.HopCount != 1 {
		t.Fatalf("HopCount = %d, want 1", received.HopCount)
	}
	if len(received.Via) != 1 || received.Via[0] != "alpha.test" {
		t.Fatalf("Via = %v, want [alpha.test]", received.Via)
	}

	logs, err := st.ListFederationLogs(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListFederationLogs: %v", err)
	}
	if len(logs) != 1 || logs[0].Outcome != "delivered" {
		t.Fatalf("logs = %+v, want one delivered entry", logs)
	}
}

func TestForwardEnqueuesRetryOnFailure(t *testing.T) {
	st := store.NewMemoryStore()
	self, _ := uamcrypto.GenerateKeypair()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_ = st.UpsertKnownRelay(context.Background(), &model.KnownRelay{
		Domain: "peer.test", FederationURL: srv.URL,
		PublicKey: "unused-for-outbound", LastVerified: time.Now(), TTLHours: 24, Status: "active",
	})

	o := newTestOutbound(t, st, "alpha.test", self.SigningKey)
	envelope := map[string]any{"message_id": "m2", "to": "bob::peer.test", "from": "alice::alpha.test"}

	if err := o.Forward(context.Background(), envelope, nil, 0); err != nil {
		t.Fatalf("Forward should swallow delivery failure by enqueueing retry, got %v", err)
	}

	entries, err := st.DueFederationEntries(context.Background(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("DueFederationEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].Status != "pending" {
		t.Fatalf("entries = %+v, want one pending entry", entries)
	}

	logs, err := st.ListFederationLogs(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListFederationLogs: %v", err)
	}
	if len(logs) != 1 || logs[0].Outcome != "error" {
		t.Fatalf("logs = %+v, want one error entry", logs)
	}
}

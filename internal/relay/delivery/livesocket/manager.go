// Package livesocket implements the relay's Tier-1 delivery path: a
// registry of live WebSocket connections keyed by agent address, grounded
// on SAGE's pkg/agent/transport/websocket.WSServer connection-tracking
// shape, generalized from a single global connection set to a per-address
// map with displacement: one live session per address.
package livesocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	pongTimeout  = 60 * time.Second
)

// Manager tracks one live connection per agent address. A new connection
// for an address already present displaces (closes) the old one.
type Manager struct {
	mu        sync.RWMutex
	conns     map[string]*websocket.Conn
	onConnect func(address string)
	log       *zap.Logger
}

// NewManager constructs an empty Manager.
func NewManager(log *zap.Logger) *Manager {
	return &Manager{conns: make(map[string]*websocket.Conn), log: log}
}

// SetOnConnect registers a callback fired after a connection is registered
// but before its read loop starts, used to drain store-and-forward
// messages the instant an address comes online.
func (m *Manager) SetOnConnect(fn func(address string)) {
	m.onConnect = fn
}

// Upgrade upgrades the HTTP request to a WebSocket connection for address,
// displacing any existing session, and blocks reading control frames until
// the connection closes. Call in its own goroutine from the HTTP handler.
func (m *Manager) Upgrade(w http.ResponseWriter, r *http.Request, address string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	m.register(address, conn)
	defer m.unregister(address, conn)

	if m.onConnect != nil {
		m.onConnect(address)
	}

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	done := make(chan struct{})
	go m.pingLoop(conn, done)
	defer close(done)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return nil
		}
	}
}

func (m *Manager) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (m *Manager) register(address string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.conns[address]; ok {
		old.Close()
	}
	m.conns[address] = conn
	if m.log != nil {
		m.log.Debug("livesocket: connected", zap.String("address", address))
	}
}

func (m *Manager) unregister(address string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[address] == conn {
		delete(m.conns, address)
	}
}

// IsOnline reports whether address currently has a live connection.
func (m *Manager) IsOnline(address string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[address]
	return ok
}

// Send writes a JSON-encoded envelope to address's live connection,
// reporting false if no connection is registered or the write fails.
func (m *Manager) Send(address string, wire map[string]any) bool {
	m.mu.RLock()
	conn, ok := m.conns[address]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return false
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
		m.mu.Lock()
		if m.conns[address] == conn {
			delete(m.conns, address)
		}
		m.mu.Unlock()
		return false
	}
	return true
}

// Count returns the number of live connections, for metrics.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Package adminws broadcasts pool status snapshots to read-only WebSocket
// observers, adapted from the connection-management idiom of the stream
// WebSocket manager this codebase descends from.
package adminws

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scriptd/scriptd/internal/pool"
)

// client is a single read-only WebSocket observer.
type client struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Manager accepts WebSocket connections and periodically broadcasts the
// pool manager's Stats snapshot to every connected client. Connections are
// strictly read-only: adminws never interprets an incoming client message.
type Manager struct {
	mgr      *pool.Manager
	logger   *slog.Logger
	interval time.Duration
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client

	done chan struct{}
}

// NewManager builds an adminws Manager that samples mgr's stats every
// interval and fans each snapshot out to connected clients.
func NewManager(mgr *pool.Manager, logger *slog.Logger, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = time.Second
	}
	return &Manager{
		mgr:      mgr,
		logger:   logger,
		interval: interval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
		done:    make(chan struct{}),
	}
}

// statusMessage is the JSON shape broadcast to every connected observer.
type statusMessage struct {
	Free     int       `json:"free"`
	Reserved int       `json:"reserved"`
	Waiting  int       `json:"waiting"`
	Total    int       `json:"total"`
	SampledAt time.Time `json:"sampled_at"`
}

// ServeHTTP upgrades the connection and registers it as a read-only
// observer until the client disconnects.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{id: generateConnID(), conn: conn}
	m.addClient(c)
	defer m.removeClient(c.id)

	m.sendSnapshot(c)

	// Drain and discard incoming frames purely to detect close/error; admin
	// observers have no write API of their own.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (m *Manager) addClient(c *client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[c.id] = c
}

func (m *Manager) removeClient(id string) {
	m.mu.Lock()
	c, ok := m.clients[id]
	if ok {
		delete(m.clients, id)
	}
	m.mu.Unlock()
	if ok {
		c.conn.Close()
	}
}

// Run broadcasts a status snapshot on every tick until Stop is called.
func (m *Manager) Run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.broadcastSnapshot()
		case <-m.done:
			return
		}
	}
}

// Stop ends the broadcast loop and closes every connected observer.
func (m *Manager) Stop() {
	close(m.done)

	m.mu.Lock()
	clients := make([]*client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.clients = make(map[string]*client)
	m.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

func (m *Manager) broadcastSnapshot() {
	data := m.encodeSnapshot()

	m.mu.RLock()
	clients := make([]*client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	for _, c := range clients {
		if err := c.send(data); err != nil {
			m.logger.Warn("admin broadcast send failed", "conn_id", c.id, "error", err)
		}
	}
}

func (m *Manager) sendSnapshot(c *client) {
	if err := c.send(m.encodeSnapshot()); err != nil {
		m.logger.Warn("admin initial send failed", "conn_id", c.id, "error", err)
	}
}

func (m *Manager) encodeSnapshot() []byte {
	stats := m.mgr.StatsSnapshot()
	msg := statusMessage{
		Free:      stats.Free,
		Reserved:  stats.Reserved,
		Waiting:   stats.Waiting,
		Total:     stats.Total,
		SampledAt: time.Now(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		m.logger.Error("marshaling status snapshot", "error", err)
		return []byte(`{}`)
	}
	return data
}

func generateConnID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

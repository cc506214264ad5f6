// Package live pushes pet progress to connected WebSocket clients.
package live

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	TypeWelcome     = "welcome"
	TypePetProgress = "pet_progress"
	TypePong        = "pong"
)

type Message struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PetProgress is broadcast whenever an interaction commits pet experience.
type PetProgress struct {
	UserID          string   `json:"userId"`
	Kind            string   `json:"kind"`
	Level           int      `json:"level"`
	TotalExperience int64    `json:"totalExperience"`
	Version         int64    `json:"version"`
	LeveledUp       bool     `json:"leveledUp"`
	UnlockedContent []string `json:"unlockedContent,omitempty"`
}

type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	PingPeriod      time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	MaxMessageSize  int64
	SendBuffer      int
	// AllowedOrigins lists accepted Origin hosts; empty accepts any origin.
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		PingPeriod:      30 * time.Second,
		PongWait:        35 * time.Second,
		WriteWait:       10 * time.Second,
		MaxMessageSize:  512,
		SendBuffer:      64,
	}
}

type client struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

type Hub struct {
	cfg      Config
	log      logrus.FieldLogger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	count   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

func NewHub(cfg Config, log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:     cfg,
		log:     log.WithField("component", "live"),
		clients: map[*client]struct{}{},
		ctx:     ctx,
		cancel:  cancel,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	hosts := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "*" {
			return func(*http.Request) bool { return true }
		}
		if u, err := url.Parse(a); err == nil && u.Host != "" {
			a = u.Host
		}
		hosts[strings.ToLower(a)] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return hosts[strings.ToLower(u.Host)]
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int { return int(h.count.Load()) }

// Stop closes every connection.
func (h *Hub) Stop() {
	h.cancel()
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		_ = c.conn.Close()
	}
}

// HandleWebSocket upgrades the request and registers the connection for
// userID. welcome, when non-nil, is sent as the first message.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, userID string, welcome any) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	c := &client{userID: userID, conn: conn, send: make(chan []byte, max(h.cfg.SendBuffer, 1))}
	h.addClient(c)

	go c.writePump(h)
	go c.readPump(h)

	if welcome != nil {
		h.sendTo(c, Message{Type: TypeWelcome, Data: welcome, Timestamp: time.Now()})
	}
}

// Broadcast sends msg to every client. Clients whose buffers are full are dropped.
func (h *Hub) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.WithError(err).Warn("marshal broadcast")
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.removeClient(c)
	}
}

func (h *Hub) BroadcastPetProgress(p PetProgress) {
	h.Broadcast(Message{Type: TypePetProgress, Data: p})
}

func (h *Hub) addClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	h.count.Add(1)
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.count.Add(-1)
	}
}

func (h *Hub) sendTo(c *client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	_, ok := h.clients[c]
	full := false
	if ok {
		select {
		case c.send <- data:
		default:
			full = true
		}
	}
	h.mu.RUnlock()
	if full {
		h.removeClient(c)
	}
}

func (c *client) readPump(h *Hub) {
	defer func() {
		h.removeClient(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(h.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.WithError(err).WithField("user_id", c.userID).Debug("websocket closed")
			}
			return
		}
		var msg Message
		if json.Unmarshal(raw, &msg) == nil && msg.Type == "ping" {
			h.sendTo(c, Message{Type: TypePong, Timestamp: time.Now()})
		}
	}
}

func (c *client) writePump(h *Hub) {
	ticker := time.NewTicker(h.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-h.ctx.Done():
			return
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package realtime

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matchslot/matchslot/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	defaultBufferSize = 32
)

// Message is a JSON payload delivered to subscribers of an offer.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type controlMessage struct {
	Action string `json:"action"`
}

// Hub fans live offer updates out to the guest views watching a share link.
// Subscriptions are keyed by the offer's share token; a connection watches
// exactly the offer it was opened for.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[*connection]struct{}
	upgrader    websocket.Upgrader
	log         *zap.Logger
}

// NewHub constructs a realtime hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[*connection]struct{}),
		log:         logger.WithModule("realtime"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Allow same-origin requests and localhost development.
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				originHost := hostWithoutPort(origin)
				return originHost == hostWithoutPort(r.Host) || isLoopback(originHost)
			},
		},
	}
}

// Serve upgrades the HTTP connection to a WebSocket subscribed to one offer.
func (h *Hub) Serve(shareToken string, w http.ResponseWriter, r *http.Request) {
	shareToken = strings.TrimSpace(shareToken)
	if shareToken == "" {
		http.Error(w, "missing share token", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &connection{
		hub:    h,
		socket: conn,
		token:  shareToken,
		send:   make(chan Message, defaultBufferSize),
	}
	h.register(client)

	go client.writeLoop()
	client.readLoop()
}

// Broadcast delivers a message to every subscriber of an offer. Slow
// subscribers are closed after the subscriber lock is released; close
// re-acquires it to unregister.
func (h *Hub) Broadcast(shareToken string, message Message) {
	var slow []*connection

	h.mu.RLock()
	for client := range h.subscribers[shareToken] {
		if !client.trySend(message) {
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		// A subscriber that cannot keep up is dropped; it can reconnect
		// and refetch the offer for current state.
		h.log.Warn("dropping slow realtime subscriber", zap.String("token", shareToken))
		client.close()
	}
}

// SubscriberCount reports how many connections watch an offer.
func (h *Hub) SubscriberCount(shareToken string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[shareToken])
}

func (h *Hub) register(client *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subscribers[client.token] == nil {
		h.subscribers[client.token] = make(map[*connection]struct{})
	}
	h.subscribers[client.token][client] = struct{}{}
}

func (h *Hub) unregister(client *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := h.subscribers[client.token]
	if clients == nil {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.subscribers, client.token)
	}
}

type connection struct {
	hub    *Hub
	socket *websocket.Conn
	token  string
	send   chan Message

	mu     sync.Mutex
	closed bool
	once   sync.Once
}

// trySend queues a message without blocking. It reports false when the
// buffer is full or the connection is already closed.
func (c *connection) trySend(message Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

func (c *connection) readLoop() {
	defer c.close()

	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("unexpected websocket close", zap.Error(err))
			}
			break
		}

		if len(payload) == 0 {
			continue
		}

		var ctrl controlMessage
		if err := json.Unmarshal(payload, &ctrl); err != nil {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(ctrl.Action), "ping") {
			c.trySend(Message{Event: "pong"})
		}
	}
}

func (c *connection) writeLoop() {
	defer c.close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.socket.WriteJSON(message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *connection) close() {
	c.once.Do(func() {
		c.hub.unregister(c)

		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()

		_ = c.socket.Close()
	})
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}

	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		parsed, err := http.NewRequest(http.MethodGet, host, nil)
		if err == nil {
			return hostWithoutPort(parsed.URL.Host)
		}
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}

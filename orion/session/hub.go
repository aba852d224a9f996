package session

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
)

// client is one WebSocket connection following a session.
type client struct {
	id        string
	sessionID string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
}

// Hub keeps the sockets of every session and implements Publisher.
type Hub struct {
	upgrader *websocket.Upgrader
	logger   zerolog.Logger

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:  logger.With().Str("component", "ws_hub").Logger(),
		clients: make(map[string]map[*client]struct{}),
	}
}

// Connections returns the number of open sockets for a session.
func (h *Hub) Connections(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[sessionID])
}

// Publish queues ev for every socket of the session. A client whose buffer
// is full misses the event.
func (h *Hub) Publish(sessionID string, ev Event) {
	data, err := json.Marshal(Envelope{SessionID: sessionID, Event: ev})
	if err != nil {
		h.logger.Error().Err(err).Str("event", ev.Type).Msg("Failed to encode event")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[sessionID] {
		h.enqueue(c, data)
	}
}

func (h *Hub) enqueue(c *client, data []byte) {
	select {
	case c.send <- data:
	case <-c.done:
	default:
		h.logger.Warn().Str("session_id", c.sessionID).Str("connection_id", c.id).Msg("Client too slow, event dropped")
	}
}

// ServeWS upgrades the request and serves the socket until it closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("session_id", sessionID).Msg("WebSocket upgrade failed")
		return
	}

	c := &client{
		id:        uuid.NewString(),
		sessionID: sessionID,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
	}
	if !h.register(c) {
		conn.Close()
		return
	}
	log := h.logger.With().Str("session_id", sessionID).Str("connection_id", c.id).Logger()
	log.Info().Msg("WebSocket connected")

	go h.writePump(c, log)

	h.sendTo(c, NewEvent(EventConnected, map[string]any{
		"connectionId": c.id,
		"message":      "Learning agent ready!",
	}))
	h.readPump(c, log)

	h.unregister(c)
	log.Info().Msg("WebSocket disconnected")
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set := h.clients[c.sessionID]
	if set == nil {
		set = make(map[*client]struct{})
		h.clients[c.sessionID] = set
	}
	set[c] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if set, ok := h.clients[c.sessionID]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			close(c.done)
		}
		if len(set) == 0 {
			delete(h.clients, c.sessionID)
		}
	}
	h.mu.Unlock()
	c.conn.Close()
}

func (h *Hub) sendTo(c *client, ev Event) {
	data, err := json.Marshal(Envelope{SessionID: c.sessionID, Event: ev})
	if err != nil {
		return
	}
	h.enqueue(c, data)
}

// clientMessage is what browsers send; only ping is understood.
type clientMessage struct {
	Type string `json:"type"`
}

func (h *Hub) readPump(c *client, log zerolog.Logger) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("WebSocket read failed")
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug().Err(err).Msg("Ignoring malformed client message")
			continue
		}
		if msg.Type == "ping" {
			h.sendTo(c, NewEvent(EventPong, nil))
		}
	}
}

func (h *Hub) writePump(c *client, log zerolog.Logger) {
	defer h.wg.Done()
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Msg("WebSocket write failed")
				c.conn.Close()
				return
			}
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

// Close disconnects every client and waits for the writers to stop.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for id, set := range h.clients {
		for c := range set {
			close(c.done)
			c.conn.Close()
		}
		delete(h.clients, id)
	}
	h.mu.Unlock()
	h.wg.Wait()
}

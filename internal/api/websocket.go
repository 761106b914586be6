package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ppezzull/1balancer-sub000/internal/bus"
	"github.com/ppezzull/1balancer-sub000/internal/session"
	"github.com/ppezzull/1balancer-sub000/pkg/logging"
)

// WebSocket configuration
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsReadLimit  = 4096
)

// wsFrame is an inbound client frame.
type wsFrame struct {
	Type      string `json:"type"`
	APIKey    string `json:"api_key,omitempty"`
	Channel   string `json:"channel,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// wsClient is one connected WebSocket client.
type wsClient struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	sub      *bus.Subscription
	hub      *wsHub
	closeOne sync.Once

	mu       sync.Mutex
	authed   bool
	sessions map[string]bool
}

// wsHub tracks connected clients and per-session subscriber counts.
type wsHub struct {
	server *Server
	log    *logging.Logger

	mu         sync.Mutex
	clients    map[*wsClient]bool
	perSession map[string]int
}

func newWSHub(s *Server) *wsHub {
	return &wsHub{
		server:     s,
		log:        s.log.Component("ws"),
		clients:    make(map[*wsClient]bool),
		perSession: make(map[string]int),
	}
}

// handleWS upgrades the connection and runs the client pumps.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		id:       uuid.NewString(),
		conn:     conn,
		send:     make(chan []byte, 256),
		sub:      s.bus.Subscribe(),
		hub:      s.hub,
		sessions: make(map[string]bool),
	}
	s.hub.add(client)

	go client.writePump()
	go client.forwardPump()
	client.readPump()
}

func (h *wsHub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("WebSocket client connected", "client_id", c.id, "clients", count)
}

func (h *wsHub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.mu.Lock()
		for id := range c.sessions {
			h.perSession[id]--
			if h.perSession[id] <= 0 {
				delete(h.perSession, id)
			}
		}
		c.sessions = make(map[string]bool)
		c.mu.Unlock()
	}
	count := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("WebSocket client disconnected", "client_id", c.id, "clients", count)
}

// reserve claims a subscriber slot for a session, enforcing the per-session
// cap. Re-subscribing to an already held session is a no-op.
func (h *wsHub) reserve(c *wsClient, sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[sessionID] {
		return true
	}
	if max := h.server.cfg.MaxSubscribers; max > 0 && h.perSession[sessionID] >= max {
		return false
	}
	h.perSession[sessionID]++
	c.sessions[sessionID] = true
	return true
}

func (h *wsHub) release(c *wsClient, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sessions[sessionID] {
		return
	}
	delete(c.sessions, sessionID)
	h.perSession[sessionID]--
	if h.perSession[sessionID] <= 0 {
		delete(h.perSession, sessionID)
	}
}

// closeAll disconnects every client. Used during server shutdown.
func (h *wsHub) closeAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// close tears the client down exactly once: the bus subscription first so
// forwardPump exits, then the send channel so writePump exits.
func (c *wsClient) close() {
	c.closeOne.Do(func() {
		c.hub.remove(c)
		c.sub.Close()
		close(c.send)
		c.conn.Close()
	})
}

// readPump reads client frames and drives the auth/subscribe protocol.
func (c *wsClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(wsReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("WebSocket read error", "client_id", c.id, "error", err)
			}
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.sendError("invalid_input", "malformed frame")
			continue
		}
		c.handleFrame(&frame)
	}
}

func (c *wsClient) handleFrame(frame *wsFrame) {
	switch frame.Type {
	case "auth":
		ok := c.hub.server.validKey(frame.APIKey)
		c.mu.Lock()
		c.authed = ok
		c.mu.Unlock()
		c.enqueue(map[string]interface{}{
			"type":      "authenticated",
			"success":   ok,
			"client_id": c.id,
		})
		if !ok {
			c.sendError("unauthorized", "missing or invalid API key")
		}

	case "subscribe":
		if !c.isAuthed() {
			c.sendError("unauthorized", "authenticate before subscribing")
			return
		}
		switch frame.Channel {
		case "event":
			// The global firehose: every session update plus orphan chain
			// events. No per-session cap applies.
			c.sub.AddTopic(bus.TopicGlobal)
			c.enqueue(map[string]interface{}{
				"type":          "subscribed",
				"channel":       "event",
				"dropped_count": c.sub.DroppedCount(),
			})
		case "session":
			if frame.SessionID == "" {
				c.sendError("invalid_input", "channel \"session\" requires a session_id")
				return
			}
			if !c.hub.reserve(c, frame.SessionID) {
				c.sendError("forbidden", "session subscriber limit reached")
				return
			}
			c.sub.AddTopic(bus.SessionTopic(frame.SessionID))
			c.enqueue(map[string]interface{}{
				"type":          "subscribed",
				"channel":       "session",
				"session_id":    frame.SessionID,
				"dropped_count": c.sub.DroppedCount(),
			})
		default:
			c.sendError("invalid_input", "channel must be \"session\" or \"event\"")
		}

	case "unsubscribe":
		if !c.isAuthed() {
			c.sendError("unauthorized", "authenticate before subscribing")
			return
		}
		if frame.Channel == "event" {
			c.sub.RemoveTopic(bus.TopicGlobal)
			c.enqueue(map[string]interface{}{
				"type":    "unsubscribed",
				"channel": "event",
			})
			return
		}
		c.sub.RemoveTopic(bus.SessionTopic(frame.SessionID))
		c.hub.release(c, frame.SessionID)
		c.enqueue(map[string]interface{}{
			"type":       "unsubscribed",
			"session_id": frame.SessionID,
		})

	default:
		c.sendError("invalid_input", "unknown frame type "+frame.Type)
	}
}

// forwardPump translates bus messages into client frames. A single goroutine
// per client keeps per-session delivery ordered.
func (c *wsClient) forwardPump() {
	for msg := range c.sub.Messages() {
		c.enqueue(frameFor(msg))
	}
}

// frameFor maps a bus message onto the wire protocol.
func frameFor(msg bus.Message) interface{} {
	sessionID := bus.SessionIDFrom(msg.Topic)
	switch msg.Kind {
	case session.KindSessionUpdate:
		frame := map[string]interface{}{
			"type":       "session_update",
			"session_id": sessionID,
		}
		if u, ok := msg.Payload.(session.Update); ok {
			frame["status"] = string(u.Status)
			frame["data"] = map[string]interface{}{
				"progress":     u.Progress,
				"phase":        u.Phase,
				"tx_ref":       u.TxRef,
				"contract_ref": u.ContractRef,
			}
		}
		return frame

	case session.KindExecutionStep:
		return map[string]interface{}{
			"type":       "execution_step",
			"session_id": sessionID,
			"step":       msg.Payload,
		}

	default:
		frame := map[string]interface{}{
			"type": msg.Kind,
			"data": msg.Payload,
		}
		// Orphan chain events ride the global topic and carry no session.
		if sessionID != "" {
			frame["session_id"] = sessionID
		}
		return frame
	}
}

func (c *wsClient) isAuthed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

func (c *wsClient) sendError(code, message string) {
	c.enqueue(map[string]interface{}{
		"type":    "error",
		"code":    code,
		"message": message,
	})
}

// enqueue marshals a frame onto the send buffer. A client that cannot keep
// up is disconnected rather than blocking the caller.
func (c *wsClient) enqueue(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.hub.log.Error("failed to marshal frame", "error", err)
		return
	}

	defer func() {
		// send may be closed concurrently by close(); treat it as a drop.
		recover()
	}()
	select {
	case c.send <- data:
	default:
		c.hub.log.Warn("WebSocket send buffer full, disconnecting", "client_id", c.id)
		go c.close()
	}
}

// writePump flushes the send buffer and keeps the connection alive with pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

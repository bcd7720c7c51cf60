// Package notify is the control-plane realtime channel: one WebSocket
// per device, grouped into per-user rooms. The gateway pushes
// permission-changed and lifecycle notifications into a room, and
// devices issue request/response control operations (get/set
// capabilities, configure/unconfigure server) keyed by a requestId.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBuffer     = 32
)

// Notification actions pushed by the gateway.
const (
	EventPermissionChanged = "permission_changed"
	EventUserDisabled      = "user_disabled"
	EventUserExpired       = "user_expired"
	EventOnlineSessions    = "online_sessions"
	EventServerOnline      = "mcp_server_online"
	EventServerOffline     = "mcp_server_offline"
)

// Message is the control-plane wire envelope. Requests and their
// replies share a requestId; pushed notifications carry none. Replies
// always carry success and either data or error.
type Message struct {
	RequestID string          `json:"requestId,omitempty"`
	Action    string          `json:"action"`
	Success   *bool           `json:"success,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *ErrorInfo      `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// ErrorInfo is the error half of a round-trip reply.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrRequestTimeout marks a gateway-initiated round trip the device
// did not answer in time.
var ErrRequestTimeout = fmt.Errorf("control request timeout")

// ErrDisconnected marks a round trip cut short by the socket closing.
var ErrDisconnected = fmt.Errorf("control socket disconnected")

// Conn is one device socket.
type Conn struct {
	hub    *Hub
	userID string
	ws     *websocket.Conn

	send chan []byte
	done chan struct{}

	closeOnce sync.Once

	pendingMu sync.Mutex
	pending   map[string]chan Message
}

func newConn(hub *Hub, userID string, ws *websocket.Conn) *Conn {
	return &Conn{
		hub:     hub,
		userID:  userID,
		ws:      ws,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		pending: make(map[string]chan Message),
	}
}

// UserID returns the room this socket belongs to.
func (c *Conn) UserID() string { return c.userID }

// close signals teardown. The write pump drains queued frames and
// closes the underlying socket, which in turn unblocks the read pump.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.hub.unregister(c)
		c.pendingMu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
	})
}

// enqueue queues one outbound message; a slow consumer loses the
// socket rather than stalling the hub.
func (c *Conn) enqueue(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.hub.log.Error("marshal control message", "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.hub.log.Warn("control socket backed up, dropping connection", "user_id", c.userID)
		c.close()
	}
}

// Request performs a gateway-initiated round trip against this device.
func (c *Conn) Request(ctx context.Context, action string, data any, timeout time.Duration) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("marshal request data: %w", err)
	}
	requestID := uuid.NewString()
	reply := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[requestID] = reply
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, requestID)
		c.pendingMu.Unlock()
	}()

	c.enqueue(Message{
		RequestID: requestID,
		Action:    action,
		Data:      raw,
		Timestamp: c.hub.nowFunc().UnixMilli(),
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg, ok := <-reply:
		if !ok {
			return Message{}, ErrDisconnected
		}
		return msg, nil
	case <-timer.C:
		return Message{}, ErrRequestTimeout
	case <-c.done:
		return Message{}, ErrDisconnected
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// resolve settles a pending gateway-initiated request. It reports
// whether the requestId was outstanding.
func (c *Conn) resolve(msg Message) bool {
	c.pendingMu.Lock()
	reply, ok := c.pending[msg.RequestID]
	if ok {
		delete(c.pending, msg.RequestID)
	}
	c.pendingMu.Unlock()
	if !ok {
		return false
	}
	reply <- msg
	return true
}

func (c *Conn) readPump() {
	defer c.close()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(c.hub.nowFunc().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(c.hub.nowFunc().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Warn("control socket read failed", "user_id", c.userID, "error", err)
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.log.Debug("malformed control message dropped", "user_id", c.userID, "error", err)
			continue
		}
		if msg.RequestID != "" && c.resolve(msg) {
			continue
		}
		c.enqueue(c.hub.handleControl(c, msg))
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		c.ws.Close()
	}()
	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			// Flush anything queued before the teardown signal, then
			// say goodbye.
			for {
				select {
				case data := <-c.send:
					c.ws.SetWriteDeadline(time.Now().Add(writeWait))
					if c.ws.WriteMessage(websocket.TextMessage, data) != nil {
						return
					}
				default:
					c.ws.SetWriteDeadline(time.Now().Add(writeWait))
					c.ws.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

// Hub owns the per-user rooms and the control-operation handlers.
type Hub struct {
	deps Deps
	log  *slog.Logger

	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]map[*Conn]struct{}

	nowFunc func() time.Time
}

// NewHub creates an empty hub.
func NewHub(deps Deps, log *slog.Logger) *Hub {
	return &Hub{
		deps: deps,
		log:  log.With("component", "notify"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		rooms:   make(map[string]map[*Conn]struct{}),
		nowFunc: time.Now,
	}
}

// Serve upgrades one authenticated request to a control socket and
// runs its pumps. The caller has already validated the bearer token.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) error {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade: %w", err)
	}
	conn := newConn(h, userID, ws)
	h.register(conn)
	go conn.writePump()
	go conn.readPump()
	return nil
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	room, ok := h.rooms[c.userID]
	if !ok {
		room = make(map[*Conn]struct{})
		h.rooms[c.userID] = room
	}
	room[c] = struct{}{}
	h.mu.Unlock()
	h.log.Debug("control socket opened", "user_id", c.userID)
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	if room, ok := h.rooms[c.userID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, c.userID)
		}
	}
	h.mu.Unlock()
	h.log.Debug("control socket closed", "user_id", c.userID)
}

// roomConns snapshots the sockets of one user.
func (h *Hub) roomConns(userID string) []*Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Conn, 0, len(h.rooms[userID]))
	for c := range h.rooms[userID] {
		out = append(out, c)
	}
	return out
}

// OnlineCount reports the number of open sockets for one user.
func (h *Hub) OnlineCount(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[userID])
}

// Push sends one notification to every socket in a user's room.
func (h *Hub) Push(userID, action string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.log.Error("marshal notification", "action", action, "error", err)
		return
	}
	msg := Message{Action: action, Data: raw, Timestamp: h.nowFunc().UnixMilli()}
	for _, c := range h.roomConns(userID) {
		c.enqueue(msg)
	}
}

// PushAll sends one notification to every connected socket, used for
// server lifecycle events.
func (h *Hub) PushAll(action string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.log.Error("marshal notification", "action", action, "error", err)
		return
	}
	msg := Message{Action: action, Data: raw, Timestamp: h.nowFunc().UnixMilli()}
	h.mu.Lock()
	var conns []*Conn
	for _, room := range h.rooms {
		for c := range room {
			conns = append(conns, c)
		}
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.enqueue(msg)
	}
}

// DisconnectUser pushes a final notification to a user's room and
// closes every socket in it, used on disable/expiry/delete.
func (h *Hub) DisconnectUser(userID, action string) {
	h.Push(userID, action, map[string]string{"reason": action})
	for _, c := range h.roomConns(userID) {
		c.close()
	}
}

// Shutdown closes every socket.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	var conns []*Conn
	for _, room := range h.rooms {
		for c := range room {
			conns = append(conns, c)
		}
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/SimplyPrint/apdu-shell/internal/codec"
	"github.com/SimplyPrint/apdu-shell/internal/core"
	"github.com/SimplyPrint/apdu-shell/internal/logging"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: checkOrigin,
}

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type    string          `json:"type"`              // Message type
	ID      string          `json:"id,omitempty"`      // Request ID for request/response matching
	Payload json.RawMessage `json:"payload,omitempty"` // Message payload
	Error   string          `json:"error,omitempty"`   // Error message if any
}

// TransmitResult is the payload of a "response" message.
type TransmitResult struct {
	Command  string `json:"command"`  // hex as sent
	Response string `json:"response"` // full response hex, status word included
	SW       string `json:"sw,omitempty"`
	Data     string `json:"data"`
	Meaning  string `json:"meaning,omitempty"`
}

// WSClient represents a connected WebSocket client. Each client owns at
// most one card session.
type WSClient struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	hub     *WSHub
	mu      sync.Mutex
	session *core.Session

	// sendMu guards closed; send is only written or closed under it
	sendMu sync.Mutex
	closed bool
}

// WSHub manages all WebSocket connections
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
	}
}

// Run starts the hub's main loop
func (h *WSHub) Run() {
	// Re-panic after logging since hub crash is fatal
	defer logging.RecoverAndLog("WebSocket hub", true)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closeSend()
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.queue(message) {
					client.closeSend()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Global hub instance
var wsHub *WSHub

// Broadcast sends a message to every connected client. No-op before
// InitWebSocket.
func Broadcast(msgType string, payload interface{}) {
	if wsHub == nil {
		return
	}
	msg := WSMessage{Type: msgType}
	if payload != nil {
		msg.Payload, _ = json.Marshal(payload)
	}
	data, _ := json.Marshal(msg)
	wsHub.broadcast <- data
}

// InitWebSocket initializes the WebSocket hub and returns the handler
func InitWebSocket() http.HandlerFunc {
	wsHub = NewWSHub()
	go wsHub.Run()

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Error(logging.CatWebSocket, "WebSocket upgrade failed", map[string]any{
				"error":      err.Error(),
				"remoteAddr": r.RemoteAddr,
			})
			return
		}

		client := newWSClient(conn, wsHub)
		logging.Info(logging.CatWebSocket, "Client connected", map[string]any{
			"client":     client.id,
			"remoteAddr": r.RemoteAddr,
		})

		// queued before the pumps start so it is always the first frame
		client.sendResponse("", "hello", map[string]string{
			"clientId": client.id,
			"version":  Version,
		})

		wsHub.register <- client

		go client.writePump()
		go client.readPump()
	}
}

func newWSClient(conn *websocket.Conn, hub *WSHub) *WSClient {
	return &WSClient{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, 256),
		hub:  hub,
	}
}

func (c *WSClient) readPump() {
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket readPump", false)
	// Cleanup (runs first)
	defer func() {
		c.closeSession()
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024) // 512KB max message size
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn(logging.CatWebSocket, "WebSocket unexpected close", map[string]any{
					"client": c.id,
					"error":  err.Error(),
				})
			} else {
				logging.Debug(logging.CatWebSocket, "Client disconnected", map[string]any{
					"client": c.id,
				})
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("", "invalid message format")
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket writePump", false)
	// Cleanup (runs first)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if _, err := w.Write(message); err != nil {
				return
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(msg WSMessage) {
	logging.Debug(logging.CatWebSocket, "Received message", map[string]any{
		"client": c.id,
		"type":   msg.Type,
		"id":     msg.ID,
	})

	switch msg.Type {
	case "list_readers":
		c.handleListReaders(msg.ID)
	case "connect":
		c.handleConnect(msg.ID, msg.Payload)
	case "transmit":
		c.handleTransmit(msg.ID, msg.Payload)
	case "status":
		c.handleStatus(msg.ID)
	case "disconnect":
		c.handleDisconnect(msg.ID)
	case "version":
		c.handleVersion(msg.ID)
	case "health":
		c.handleHealth(msg.ID)
	default:
		logging.Warn(logging.CatWebSocket, "Unknown message type", map[string]any{
			"type": msg.Type,
		})
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

func (c *WSClient) sendResponse(id string, msgType string, payload interface{}) {
	payloadBytes, _ := json.Marshal(payload)
	response := WSMessage{
		Type:    msgType,
		ID:      id,
		Payload: payloadBytes,
	}
	responseBytes, _ := json.Marshal(response)
	c.deliver(responseBytes)
}

func (c *WSClient) sendError(id string, errMsg string) {
	response := WSMessage{
		Type:  "error",
		ID:    id,
		Error: errMsg,
	}
	responseBytes, _ := json.Marshal(response)
	c.deliver(responseBytes)
}

// deliver queues a reply, dropping it once the client is gone or its
// buffer is full.
func (c *WSClient) deliver(message []byte) {
	if !c.queue(message) {
		logging.Warn(logging.CatWebSocket, "Dropped message for client", map[string]any{
			"client": c.id,
		})
	}
}

// queue reports false if the client was closed or its buffer is full.
func (c *WSClient) queue(message []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
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

// closeSend stops the write pump. Safe to call more than once.
func (c *WSClient) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// decodePayload treats an absent payload as an empty object.
func decodePayload(payload json.RawMessage, v interface{}) error {
	if len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, v)
}

func (c *WSClient) handleListReaders(id string) {
	readers, err := listReaders()
	if err != nil {
		c.sendError(id, err.Error())
		return
	}
	c.sendResponse(id, "readers", readers)
}

func (c *WSClient) handleConnect(id string, payload json.RawMessage) {
	var req struct {
		Reader      string `json:"reader"`
		ReaderIndex *int   `json:"readerIndex"`
		ShareMode   string `json:"shareMode"`
		Protocol    string `json:"protocol"`
	}
	if err := decodePayload(payload, &req); err != nil {
		c.sendError(id, "invalid payload")
		return
	}

	mode, err := core.ParseShareMode(req.ShareMode)
	if err != nil {
		c.sendError(id, err.Error())
		return
	}
	proto, err := core.ParseProtocol(req.Protocol)
	if err != nil {
		c.sendError(id, err.Error())
		return
	}

	var sel core.ReaderSelector = core.FirstReader{}
	switch {
	case req.ReaderIndex != nil:
		sel = core.IndexSelector{Index: *req.ReaderIndex}
	case req.Reader != "":
		sel = core.NameSelector{Name: req.Reader}
	}

	ctx, err := currentContext()
	if err != nil {
		c.sendError(id, err.Error())
		return
	}
	reader, err := core.NewDirectory(ctx).Select(sel)
	if err != nil {
		c.sendError(id, err.Error())
		return
	}

	// a client holds one session; connecting again replaces it
	c.closeSession()

	sess, err := core.Connect(ctx, reader, mode, proto)
	if err != nil {
		c.sendError(id, err.Error())
		return
	}
	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()

	logging.Info(logging.CatWebSocket, "Client session opened", map[string]any{
		"client": c.id,
		"reader": reader.Name,
	})

	result := map[string]interface{}{
		"reader":    reader.Name,
		"shareMode": mode.String(),
	}
	if st, err := sess.Status(); err == nil {
		result["protocol"] = st.Protocol
		result["atr"] = st.ATR
	}
	c.sendResponse(id, "connected", result)
}

func (c *WSClient) currentSession() *core.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *WSClient) handleTransmit(id string, payload json.RawMessage) {
	var req struct {
		APDU      string `json:"apdu"`
		MaxLength int    `json:"maxLength"`
	}
	if err := decodePayload(payload, &req); err != nil {
		c.sendError(id, "invalid payload")
		return
	}

	sess := c.currentSession()
	if sess == nil {
		c.sendError(id, "not connected")
		return
	}

	cmd, err := codec.Encode(req.APDU)
	if err != nil {
		c.sendError(id, err.Error())
		return
	}
	if len(cmd) == 0 {
		c.sendError(id, "empty command")
		return
	}

	rsp, err := sess.Send(cmd, req.MaxLength)
	if err != nil {
		c.sendError(id, err.Error())
		return
	}

	result := TransmitResult{
		Command:  codec.Hex(cmd),
		Response: codec.Hex(rsp),
		Data:     codec.Hex(rsp),
	}
	if r, ok := core.ParseResponse(rsp); ok {
		result.SW = fmt.Sprintf("%04X", r.StatusWord())
		result.Data = codec.Hex(r.Data)
		result.Meaning = r.Describe()
	}
	c.sendResponse(id, "response", result)
}

func (c *WSClient) handleStatus(id string) {
	sess := c.currentSession()
	if sess == nil {
		c.sendError(id, "not connected")
		return
	}
	st, err := sess.Status()
	if err != nil {
		c.sendError(id, err.Error())
		return
	}
	c.sendResponse(id, "status", st)
}

func (c *WSClient) handleDisconnect(id string) {
	closed := c.closeSession()
	c.sendResponse(id, "disconnected", map[string]bool{
		"wasConnected": closed,
	})
}

// closeSession ends the client's session if it has one.
func (c *WSClient) closeSession() bool {
	c.mu.Lock()
	sess := c.session
	c.session = nil
	c.mu.Unlock()

	if sess == nil {
		return false
	}
	if err := sess.Close(); err != nil {
		logging.Warn(logging.CatWebSocket, "Closing client session failed", map[string]any{
			"client": c.id,
			"error":  err.Error(),
		})
	}
	return true
}

func (c *WSClient) handleVersion(id string) {
	c.sendResponse(id, "version", map[string]string{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
	})
}

func (c *WSClient) handleHealth(id string) {
	c.sendResponse(id, "health", healthStatus())
}

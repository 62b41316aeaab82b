package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harun/parley/pkg/agent"
)

// Inbound frame types.
const (
	FrameMessage = "message"
	FrameCancel  = "cancel"
	FramePing    = "ping"
)

// Outbound frame types.
const (
	FrameConnected  = "connected"
	FrameStream     = "stream"
	FrameToolUpdate = "tool_update"
	FrameComplete   = "complete"
	FrameError      = "error"
	FramePong       = "pong"
)

// User-facing error messages.
const (
	MsgEmptyMessage   = "Empty message"
	MsgCancelled      = "Request cancelled"
	MsgRateLimited    = "Rate limit exceeded. Please wait a moment before sending another message."
	MsgInvalidFrame   = "Invalid message format"
	MsgUnknownFrame   = "Unknown message type"
	MsgShuttingDown   = "Server is shutting down"
	MsgSessionInvalid = "Session not found"
)

// Frame is the JSON envelope exchanged over the websocket. Which fields are
// set depends on Type.
type Frame struct {
	Type      string        `json:"type"`
	Content   string        `json:"content,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	TenantID  string        `json:"tenant_id,omitempty"`
	UserID    string        `json:"user_id,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
	Delta     string        `json:"delta,omitempty"`
	Tool      string        `json:"tool,omitempty"`
	Status    string        `json:"status,omitempty"`
	Output    *agent.Output `json:"output,omitempty"`
	Message   string        `json:"message,omitempty"`
}

func errorFrame(message string) Frame {
	return Frame{Type: FrameError, Message: message}
}

// suppressedOnCancel reports whether frames of type t are dropped once the
// connection is cancelled.
func suppressedOnCancel(t string) bool {
	return t == FrameStream || t == FrameComplete
}

// Connection is one live websocket client.
type Connection struct {
	ID          string
	TenantID    string
	UserID      string
	Stream      bool
	ConnectedAt time.Time
	IPAddress   string

	conn         *websocket.Conn
	writeTimeout time.Duration
	// gorilla/websocket supports one concurrent writer.
	writeMu sync.Mutex

	mu           sync.RWMutex
	sessionID    string
	lastActivity time.Time
}

// NewConnection wraps an upgraded websocket.
func NewConnection(id string, conn *websocket.Conn, tenantID, userID string) *Connection {
	now := time.Now()
	return &Connection{
		ID:           id,
		TenantID:     tenantID,
		UserID:       userID,
		ConnectedAt:  now,
		conn:         conn,
		writeTimeout: 10 * time.Second,
		lastActivity: now,
	}
}

// SessionID returns the current session.
func (c *Connection) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Connection) setSessionID(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// Identity is the rate limiting key of the connection's user.
func (c *Connection) Identity() string {
	return c.TenantID + ":" + c.UserID
}

// writeLocked writes f. The caller holds writeMu.
func (c *Connection) writeLocked(f Frame) error {
	if c.conn == nil {
		return nil
	}
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteJSON(f)
}

func (c *Connection) close() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// ConnectionInfo describes a connected client.
type ConnectionInfo struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	UserID       string    `json:"user_id"`
	SessionID    string    `json:"session_id"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	IPAddress    string    `json:"ip_address"`
	Idle         bool      `json:"idle"`
	Cancelled    bool      `json:"cancelled"`
}

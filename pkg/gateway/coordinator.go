package gateway

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/parley/internal/observability"
)

// Coordinator tracks live connections and their cancellation state, and is
// the only path frames take to a client.
//
// Cancellation is held at two levels. The connection flag is set by Cancel
// and cleared by ResetCancel when the client sends its next message. Each
// request admitted on the connection is also marked by Cancel and stays
// cancelled until it is done, so a newer message never revives it.
type Coordinator struct {
	mu        sync.RWMutex
	conns     map[string]*Connection
	cancelled map[string]bool
	// requests maps connection id to in-flight request ids and whether each
	// was cancelled.
	requests map[string]map[string]bool
	logger   zerolog.Logger
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator(logger zerolog.Logger) *Coordinator {
	observability.EnsureRegistered()
	return &Coordinator{
		conns:     make(map[string]*Connection),
		cancelled: make(map[string]bool),
		requests:  make(map[string]map[string]bool),
		logger:    logger.With().Str("component", "coordinator").Logger(),
	}
}

// Register adds a connection.
func (c *Coordinator) Register(conn *Connection) {
	c.mu.Lock()
	c.conns[conn.ID] = conn
	count := len(c.conns)
	c.mu.Unlock()

	observability.SetActiveConnections(count)
}

// Unregister removes a connection and its cancellation flag.
func (c *Coordinator) Unregister(connID string) {
	c.mu.Lock()
	delete(c.conns, connID)
	delete(c.cancelled, connID)
	delete(c.requests, connID)
	count := len(c.conns)
	c.mu.Unlock()

	observability.SetActiveConnections(count)
}

// Admit records requestID as in flight on the connection. It returns false
// for unknown connections.
func (c *Coordinator) Admit(connID, requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.conns[connID]; !ok {
		return false
	}
	reqs, ok := c.requests[connID]
	if !ok {
		reqs = make(map[string]bool)
		c.requests[connID] = reqs
	}
	reqs[requestID] = false
	return true
}

// Done forgets a request admitted with Admit.
func (c *Coordinator) Done(connID, requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reqs, ok := c.requests[connID]; ok {
		delete(reqs, requestID)
		if len(reqs) == 0 {
			delete(c.requests, connID)
		}
	}
}

// Get returns a connection by id.
func (c *Coordinator) Get(connID string) (*Connection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conn, ok := c.conns[connID]
	return conn, ok
}

// Count returns the number of live connections.
func (c *Coordinator) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conns)
}

// Cancel marks the connection and every request in flight on it as
// cancelled. It returns false for unknown connections. Once Cancel returns,
// no stream or complete frame reaches the client until ResetCancel, and
// none for the requests it marked ever again.
func (c *Coordinator) Cancel(connID string) bool {
	conn, ok := c.Get(connID)
	if !ok {
		return false
	}

	// Taking the write lock orders the flag after any frame being written.
	conn.writeMu.Lock()
	c.mu.Lock()
	c.cancelled[connID] = true
	for id := range c.requests[connID] {
		c.requests[connID][id] = true
	}
	c.mu.Unlock()
	conn.writeMu.Unlock()

	observability.RecordCancel()
	return true
}

// IsCancelled reports whether the connection is cancelled.
func (c *Coordinator) IsCancelled(connID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cancelled[connID]
}

// IsRequestCancelled reports whether a cancel arrived while requestID was in
// flight on the connection.
func (c *Coordinator) IsRequestCancelled(connID, requestID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.requests[connID][requestID]
}

// ResetCancel clears the connection flag so the connection can be reused.
// Requests already cancelled stay cancelled.
func (c *Coordinator) ResetCancel(connID string) {
	c.mu.Lock()
	delete(c.cancelled, connID)
	c.mu.Unlock()
}

// Send writes f to the connection. Unknown connections are a no-op. Stream
// and complete frames are dropped while the connection is cancelled or when
// they belong to a cancelled request.
func (c *Coordinator) Send(connID string, f Frame) error {
	conn, ok := c.Get(connID)
	if !ok {
		return nil
	}

	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()

	if suppressedOnCancel(f.Type) && c.suppressed(connID, f.RequestID) {
		return nil
	}
	if err := conn.writeLocked(f); err != nil {
		c.logger.Debug().Err(err).Str("connection_id", connID).Str("frame", f.Type).Msg("Failed to write frame")
		return err
	}
	observability.RecordFrame("out", f.Type)
	return nil
}

func (c *Coordinator) suppressed(connID, requestID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cancelled[connID] || c.requests[connID][requestID]
}

// Broadcast sends f to every connection.
func (c *Coordinator) Broadcast(f Frame) {
	c.mu.RLock()
	ids := make([]string, 0, len(c.conns))
	for id := range c.conns {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	for _, id := range ids {
		_ = c.Send(id, f)
	}
}

// Connections returns information about every live connection.
func (c *Coordinator) Connections() []ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	infos := make([]ConnectionInfo, 0, len(c.conns))
	for id, conn := range c.conns {
		conn.mu.RLock()
		info := ConnectionInfo{
			ID:           id,
			TenantID:     conn.TenantID,
			UserID:       conn.UserID,
			SessionID:    conn.sessionID,
			ConnectedAt:  conn.ConnectedAt,
			LastActivity: conn.lastActivity,
			IPAddress:    conn.IPAddress,
			Idle:         now.Sub(conn.lastActivity) > 5*time.Minute,
			Cancelled:    c.cancelled[id],
		}
		conn.mu.RUnlock()
		infos = append(infos, info)
	}
	return infos
}

func (c *Coordinator) closeAll() {
	c.mu.RLock()
	conns := make([]*Connection, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.RUnlock()

	for _, conn := range conns {
		conn.close()
	}
}

package sessionmanager

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"vrlink/internal/metrics"
	"vrlink/pkg/models"
)

var (
	// ErrDeviceConnected is returned when a headset with the same name is already connected
	ErrDeviceConnected = errors.New("device already connected")
	// ErrConnectionNotFound is returned for unknown connection or session ids
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrTooManyConnections is returned when the headset limit is reached
	ErrTooManyConnections = errors.New("too many headset connections")
)

// Connection is one connected headset
type Connection struct {
	ID          string
	DeviceName  string
	RemoteAddr  string
	ConnectedAt time.Time

	mu         sync.RWMutex
	session    *models.NegotiatedSession
	disconnect func()
}

// Session returns the active session, or nil while negotiating
func (c *Connection) Session() *models.NegotiatedSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// Manager handles headset connection lifecycle and maintains in-memory registry
type Manager struct {
	conns map[string]*Connection // connection id -> Connection
	mu    sync.RWMutex

	maxConns int // 0 = unlimited
	metrics  *metrics.Metrics
}

// New creates a new session manager
func New(m *metrics.Metrics, maxConnections int) *Manager {
	return &Manager{
		conns:    make(map[string]*Connection),
		maxConns: maxConnections,
		metrics:  m,
	}
}

// Register adds a headset connection. disconnect is invoked by Disconnect to
// tear down the underlying link.
func (m *Manager) Register(id, deviceName, remoteAddr string, disconnect func()) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conns[id]; exists {
		return nil, fmt.Errorf("connection %s already registered", id)
	}
	if m.maxConns > 0 && len(m.conns) >= m.maxConns {
		return nil, fmt.Errorf("%w: limit is %d", ErrTooManyConnections, m.maxConns)
	}
	for _, c := range m.conns {
		if deviceName != "" && c.DeviceName == deviceName {
			return nil, fmt.Errorf("%w: %s", ErrDeviceConnected, deviceName)
		}
	}

	conn := &Connection{
		ID:          id,
		DeviceName:  deviceName,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
		disconnect:  disconnect,
	}
	m.conns[id] = conn
	return conn, nil
}

// Activate makes sess the connection's active session. Any previous session
// on the connection is invalidated first.
func (m *Manager) Activate(connID string, sess *models.NegotiatedSession) error {
	conn, ok := m.GetConnection(connID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}

	conn.mu.Lock()
	prev := conn.session
	conn.session = sess
	conn.mu.Unlock()

	if prev != nil && prev != sess {
		m.end(prev, models.SessionStateInvalidated)
	}
	m.metrics.RecordSessionStart()
	return nil
}

// Invalidate ends the connection's active session, if any. The connection
// stays registered so it can renegotiate.
func (m *Manager) Invalidate(connID string) (*models.NegotiatedSession, bool) {
	conn, ok := m.GetConnection(connID)
	if !ok {
		return nil, false
	}

	conn.mu.Lock()
	prev := conn.session
	conn.session = nil
	conn.mu.Unlock()

	if prev == nil {
		return nil, false
	}
	m.end(prev, models.SessionStateInvalidated)
	return prev, true
}

// Remove unregisters a connection and closes its session
func (m *Manager) Remove(connID string) {
	m.mu.Lock()
	conn, exists := m.conns[connID]
	delete(m.conns, connID)
	m.mu.Unlock()

	if !exists {
		return
	}

	conn.mu.Lock()
	prev := conn.session
	conn.session = nil
	conn.mu.Unlock()

	if prev != nil {
		m.end(prev, models.SessionStateClosed)
	}
}

// Disconnect tears down the connection owning sessionID
func (m *Manager) Disconnect(sessionID string) error {
	_, conn, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: session %s", ErrConnectionNotFound, sessionID)
	}
	if conn.disconnect != nil {
		conn.disconnect()
	}
	return nil
}

// GetConnection retrieves a connection by id
func (m *Manager) GetConnection(connID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, exists := m.conns[connID]
	return conn, exists
}

// Get retrieves an active session and its connection by session id
func (m *Manager) Get(sessionID string) (*models.NegotiatedSession, *Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, conn := range m.conns {
		if sess := conn.Session(); sess != nil && sess.ID == sessionID {
			return sess, conn, true
		}
	}
	return nil, nil, false
}

// List returns all connections, oldest first
func (m *Manager) List() []*Connection {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool {
		return conns[i].ConnectedAt.Before(conns[j].ConnectedAt)
	})
	return conns
}

// ConnectionCount returns the number of connected headsets
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// ActiveSessionCount returns the number of connections with an active session
func (m *Manager) ActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, conn := range m.conns {
		if sess := conn.Session(); sess != nil && sess.IsActive() {
			count++
		}
	}
	return count
}

func (m *Manager) end(sess *models.NegotiatedSession, state models.SessionState) {
	// The scheduler may already have invalidated it; keep that state.
	if sess.IsActive() {
		sess.SetState(state)
	}
	m.metrics.RecordSessionEnd(time.Since(sess.CreatedAt).Seconds())
}

package server

import (
	"net"
	"sync"
	"time"

	"github.com/aeolun/pairchat/pkg/protocol"
	"golang.org/x/time/rate"
)

// writeTimeout bounds a single frame write so a stalled peer cannot block the writer forever
const writeTimeout = 10 * time.Second

// SafeConn wraps a connection so that whole frames are written atomically.
// Frames routed from other connections' handlers never interleave with the
// owner's own responses.
type SafeConn struct {
	conn    net.Conn
	maxSize uint32
	mu      sync.Mutex
}

// NewSafeConn wraps conn; maxSize caps outbound frame payloads
func NewSafeConn(conn net.Conn, maxSize uint32) *SafeConn {
	return &SafeConn{conn: conn, maxSize: maxSize}
}

// WritePayload frames payload and writes it under the connection's write lock
func (c *SafeConn) WritePayload(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer c.conn.SetWriteDeadline(time.Time{})

	return protocol.EncodeFrame(c.conn, payload, c.maxSize)
}

// Close closes the underlying connection
func (c *SafeConn) Close() error {
	return c.conn.Close()
}

// RemoteAddr returns the peer address
func (c *SafeConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Session represents one accepted connection.
// It starts unauthenticated; a successful login binds it to a username.
type Session struct {
	ID          uint64
	Conn        *SafeConn // Connection with automatic write synchronization
	ConnType    string    // "tcp" or "websocket"
	ConnectedAt time.Time

	username string        // Bound identity, empty while unauthenticated (guarded by SessionManager.mu)
	limiter  *rate.Limiter // Send limiter, nil when unlimited
}

// Allow reports whether the session may send another message now
func (s *Session) Allow() bool {
	return s.limiter == nil || s.limiter.Allow()
}

// SessionManager is the registry of live connections and the identities bound to them
type SessionManager struct {
	sessions map[uint64]*Session
	nextID   uint64
	mu       sync.RWMutex
	closed   bool
	metrics  *Metrics

	maxFrameSize   uint32
	messagesPerMin int
}

// NewSessionManager creates a new session manager. messagesPerMinute of 0
// disables send rate limiting.
func NewSessionManager(maxFrameSize uint32, messagesPerMinute int) *SessionManager {
	if maxFrameSize == 0 {
		maxFrameSize = protocol.DefaultMaxFrameSize
	}
	return &SessionManager{
		sessions:       make(map[uint64]*Session),
		nextID:         1,
		maxFrameSize:   maxFrameSize,
		messagesPerMin: messagesPerMinute,
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// CreateSession registers a new unauthenticated session for conn.
// After CloseAll the connection is closed immediately, so its reader sees
// an error on the first read.
func (sm *SessionManager) CreateSession(conn net.Conn, connType string) *Session {
	sess := &Session{
		Conn:        NewSafeConn(conn, sm.maxFrameSize),
		ConnType:    connType,
		ConnectedAt: time.Now(),
	}
	if sm.messagesPerMin > 0 {
		sess.limiter = rate.NewLimiter(rate.Limit(float64(sm.messagesPerMin)/60), sm.messagesPerMin)
	}

	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		conn.Close()
		return sess
	}
	sess.ID = sm.nextID
	sm.nextID++
	sm.sessions[sess.ID] = sess
	count := len(sm.sessions)
	sm.mu.Unlock()

	sm.metrics.RecordActiveSessions(count)
	sm.metrics.RecordSessionCreated()

	return sess
}

// GetSession returns a session by ID
func (sm *SessionManager) GetSession(sessionID uint64) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.sessions[sessionID]
	return sess, ok
}

// Put binds a live session to username, replacing any earlier binding.
// It returns false if the session is gone.
func (sm *SessionManager) Put(sessionID uint64, username string) bool {
	sm.mu.Lock()
	sess, ok := sm.sessions[sessionID]
	if ok {
		sess.username = username
	}
	authenticated := sm.countAuthenticatedLocked()
	sm.mu.Unlock()

	if ok {
		sm.metrics.RecordAuthenticatedSessions(authenticated)
	}
	return ok
}

// Get returns the username bound to a session, if any
func (sm *SessionManager) Get(sessionID uint64) (string, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.sessions[sessionID]
	if !ok || sess.username == "" {
		return "", false
	}
	return sess.username, true
}

// FindConnection returns the earliest live session bound to username
func (sm *SessionManager) FindConnection(username string) (*Session, bool) {
	if username == "" {
		return nil, false
	}

	sm.mu.RLock()
	defer sm.mu.RUnlock()

	var found *Session
	for _, sess := range sm.sessions {
		if sess.username != username {
			continue
		}
		if found == nil || sess.ID < found.ID {
			found = sess
		}
	}
	return found, found != nil
}

// RemoveSession removes a session and closes the connection. Removing an
// unknown session is a no-op.
func (sm *SessionManager) RemoveSession(sessionID uint64) {
	sm.mu.Lock()
	sess, ok := sm.sessions[sessionID]
	if !ok {
		sm.mu.Unlock()
		return
	}
	delete(sm.sessions, sessionID)
	count := len(sm.sessions)
	authenticated := sm.countAuthenticatedLocked()
	sm.mu.Unlock()

	sm.metrics.RecordActiveSessions(count)
	sm.metrics.RecordAuthenticatedSessions(authenticated)
	sm.metrics.RecordSessionDisconnected()

	sess.Conn.Close()
}

// CountOnline returns the number of open connections
func (sm *SessionManager) CountOnline() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return len(sm.sessions)
}

// CountAuthenticated returns the number of connections bound to an identity
func (sm *SessionManager) CountAuthenticated() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return sm.countAuthenticatedLocked()
}

func (sm *SessionManager) countAuthenticatedLocked() int {
	n := 0
	for _, sess := range sm.sessions {
		if sess.username != "" {
			n++
		}
	}
	return n
}

// CloseAll closes every session and refuses new ones
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	sessions := sm.sessions
	sm.sessions = make(map[uint64]*Session)
	sm.closed = true
	sm.mu.Unlock()

	for _, sess := range sessions {
		sess.Conn.Close()
	}

	sm.metrics.RecordActiveSessions(0)
	sm.metrics.RecordAuthenticatedSessions(0)
}

// Package session keeps MCP session state: negotiated protocol version,
// the authenticated principal, and attached SSE connections.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/ashfox/meshgate/internal/auth"
	"github.com/ashfox/meshgate/internal/clock"
	"github.com/ashfox/meshgate/internal/logger"
	"github.com/ashfox/meshgate/internal/metrics"
)

const idPrefix = "mcps_"

// Defaults for the SSE policy knobs.
const (
	DefaultTTL          = 30 * time.Minute
	DefaultMaxSSE       = 4
	DefaultStreamBuffer = 64
)

// ErrTooManyConnections is returned when a session is at its SSE cap.
var ErrTooManyConnections = errors.New("too many SSE connections for session")

// Conn is one SSE stream attached to a session. Messages are queued on a
// buffered channel; a full buffer means the consumer is gone, and the
// connection is dropped rather than blocking the fan-out.
type Conn struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

// NewConn creates a connection with the given buffer (0 uses the default).
func NewConn(buffer int) *Conn {
	if buffer <= 0 {
		buffer = DefaultStreamBuffer
	}
	return &Conn{ch: make(chan []byte, buffer)}
}

// Send queues data for the stream writer. Returns false if the connection
// is closed or had to be dropped because its buffer was full.
func (c *Conn) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.ch <- data:
		return true
	default:
		c.closeLocked()
		return false
	}
}

// Messages is the stream writer's receive side; it is closed when the
// connection closes.
func (c *Conn) Messages() <-chan []byte {
	return c.ch
}

// Close tears down the connection. Safe to call more than once.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Conn) closeLocked() {
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

// IsClosed reports whether the connection has been torn down.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Session is one MCP connection context.
type Session struct {
	ID              string
	ProtocolVersion string
	Principal       *auth.Principal
	AgentID         string
	CreatedAt       time.Time

	mu         sync.Mutex
	conns      map[*Conn]struct{}
	lastSeenAt time.Time
}

// LastSeenAt returns the last activity timestamp.
func (s *Session) LastSeenAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeenAt
}

// ConnCount returns the number of attached live connections.
func (s *Session) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Broadcast queues data on every live connection, detaching any that
// were closed or overflowed.
func (s *Session) Broadcast(data []byte) {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if !c.Send(data) {
			s.detach(c)
		}
	}
}

func (s *Session) detach(c *Conn) {
	s.mu.Lock()
	_, present := s.conns[c]
	delete(s.conns, c)
	s.mu.Unlock()
	if present {
		metrics.SSEConnections.Dec()
	}
}

// hasLiveConn reports whether any attached connection is still open.
func (s *Session) hasLiveConn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		if !c.IsClosed() {
			return true
		}
	}
	return false
}

// Store is the in-process session table.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	clock    clock.Clock
	ttl      time.Duration
	maxSSE   int
}

// NewStore creates a session store. Zero values pick the defaults; a nil
// clk uses the system clock.
func NewStore(ttl time.Duration, maxSSE int, clk clock.Clock) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSSE <= 0 {
		maxSSE = DefaultMaxSSE
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Store{sessions: make(map[string]*Session), clock: clk, ttl: ttl, maxSSE: maxSSE}
}

// Create registers a new session for the principal.
func (s *Store) Create(protocolVersion string, principal *auth.Principal, agentID string) *Session {
	now := s.clock.Now()
	sess := &Session{
		ID:              newSessionID(),
		ProtocolVersion: protocolVersion,
		Principal:       principal,
		AgentID:         agentID,
		CreatedAt:       now,
		conns:           make(map[*Conn]struct{}),
		lastSeenAt:      now,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	metrics.ActiveSessions.Inc()
	return sess
}

// Get returns the session, or nil.
func (s *Store) Get(id string) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

// Touch extends the session's lifetime.
func (s *Store) Touch(sess *Session) {
	now := s.clock.Now()
	sess.mu.Lock()
	sess.lastSeenAt = now
	sess.mu.Unlock()
}

// AttachSSE adds a connection, enforcing the per-session cap.
func (s *Store) AttachSSE(sess *Session, c *Conn) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	// Closed connections no longer count against the cap.
	for existing := range sess.conns {
		if existing.IsClosed() {
			delete(sess.conns, existing)
			metrics.SSEConnections.Dec()
		}
	}
	if len(sess.conns) >= s.maxSSE {
		return ErrTooManyConnections
	}
	sess.conns[c] = struct{}{}
	metrics.SSEConnections.Inc()
	return nil
}

// DetachSSE removes and closes a connection.
func (s *Store) DetachSSE(sess *Session, c *Conn) {
	c.Close()
	sess.detach(c)
}

// All returns a snapshot of every live session.
func (s *Store) All() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Remove tears down a session explicitly, closing its streams. Returns
// the removed session, or nil if the id was unknown.
func (s *Store) Remove(id string) *Session {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	sess.mu.Lock()
	for c := range sess.conns {
		c.Close()
		metrics.SSEConnections.Dec()
	}
	sess.conns = make(map[*Conn]struct{})
	sess.mu.Unlock()
	metrics.ActiveSessions.Dec()
	return sess
}

// PruneStale removes sessions idle past the TTL with no live SSE
// connection, returning the removed sessions so the caller can release
// any locks they still own.
func (s *Store) PruneStale() []*Session {
	now := s.clock.Now()

	s.mu.Lock()
	var removed []*Session
	for id, sess := range s.sessions {
		if sess.LastSeenAt().Add(s.ttl).After(now) {
			continue
		}
		if sess.hasLiveConn() {
			continue
		}
		delete(s.sessions, id)
		removed = append(removed, sess)
	}
	s.mu.Unlock()

	for _, sess := range removed {
		sess.mu.Lock()
		for c := range sess.conns {
			c.Close()
			metrics.SSEConnections.Dec()
		}
		sess.conns = make(map[*Conn]struct{})
		sess.mu.Unlock()
		metrics.ActiveSessions.Dec()
	}
	if len(removed) > 0 {
		logger.Info("pruned %d stale session(s)", len(removed))
	}
	return removed
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func newSessionID() string {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		panic(err)
	}
	return idPrefix + hex.EncodeToString(raw)
}

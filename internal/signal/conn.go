package signal

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/unisonfm/unison/internal/auth"
	"github.com/unisonfm/unison/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

// Conn is one client transport endpoint: a websocket or a polling buffer.
type Conn interface {
	TrySend(frame []byte) error
	Close()
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn, send: make(chan []byte, 32)}
}

func (c *wsConn) TrySend(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- frame:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// pollConn buffers room frames for a polling-fallback client until its
// next poll drains them. Oldest frames drop first under pressure.
const pollBufferCap = 256

type pollConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (c *pollConn) TrySend(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	if len(c.frames) >= pollBufferCap {
		c.frames = c.frames[1:]
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *pollConn) drain() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.frames
	c.frames = nil
	return out
}

func (c *pollConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.frames = nil
	c.mu.Unlock()
}

// session is the per-connection state machine: authenticated at creation,
// joined while groupID is set, pending cleanup after an unannounced
// disconnect.
type session struct {
	socketID domain.SocketID
	identity *auth.Identity
	conn     Conn

	mu       sync.Mutex
	groupID  domain.GroupID
	lastSeen time.Time
}

func (s *session) group() domain.GroupID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groupID
}

func (s *session) setGroup(id domain.GroupID) {
	s.mu.Lock()
	s.groupID = id
	s.mu.Unlock()
}

func (s *session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastSeen)
}

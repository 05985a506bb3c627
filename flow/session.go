package flow

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tunelapp/tunrelay/packet"
)

// Session is one established proxied connection.
type Session struct {
	key     packet.FlowKey
	conn    net.Conn
	created time.Time

	// wmu serializes writes towards the proxy so payloads of one flow keep
	// their device order.
	wmu        sync.Mutex
	closeOnce  sync.Once
	closeErr   error
	closed     atomic.Bool
	lastActive atomic.Int64
}

// NewSession wraps an established proxy connection for key.
func NewSession(key packet.FlowKey, conn net.Conn) *Session {
	s := &Session{key: key, conn: conn, created: time.Now()}
	s.Touch()
	return s
}

func (s *Session) Key() packet.FlowKey { return s.key }

// Conn returns the proxy connection. Reads belong to the session's return path.
func (s *Session) Conn() net.Conn { return s.conn }

func (s *Session) Created() time.Time { return s.created }

// Write forwards p to the proxy.
func (s *Session) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.write(p)
}

func (s *Session) write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, net.ErrClosed
	}
	n, err := s.conn.Write(p)
	if n > 0 {
		s.Touch()
	}
	return n, err
}

// CloseWrite half-closes the proxy connection when it supports it.
func (s *Session) CloseWrite() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.closeWrite()
}

func (s *Session) closeWrite() error {
	if cw, ok := s.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Close closes the proxy connection. Only the first call has an effect.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *Session) Closed() bool { return s.closed.Load() }

// Touch marks the session as active now.
func (s *Session) Touch() { s.lastActive.Store(time.Now().UnixNano()) }

func (s *Session) LastActive() time.Time { return time.Unix(0, s.lastActive.Load()) }

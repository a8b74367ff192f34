package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const defaultWriteTimeout = 10 * time.Second

// Socket is the session's view of its connection.
type Socket interface {
	Send(v any) error
	Ping() error
	Close() error     // graceful close
	Terminate() error // drop the connection without a close handshake
	RemoteAddr() string
}

// wsSocket serializes writes on a gorilla connection. gorilla allows one
// concurrent writer, and sessions write from broker dispatch and the
// supervisor at the same time.
type wsSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func newWSSocket(conn *websocket.Conn) *wsSocket {
	return &wsSocket{conn: conn, writeTimeout: defaultWriteTimeout}
}

// Send writes v as a JSON text frame. It is a no-op once the socket is closed.
func (s *wsSocket) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSocket) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
}

func (s *wsSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return s.conn.Close()
}

func (s *wsSocket) Terminate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

func (s *wsSocket) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

package server

import (
	"encoding/json"
	"sync"
)

// fakeSocket records what a session writes and lets tests answer pings.
type fakeSocket struct {
	mu         sync.Mutex
	sent       [][]byte
	pings      int
	closed     bool
	terminated bool
	onPing     func()
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{}
}

func (s *fakeSocket) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.terminated {
		return nil
	}
	s.sent = append(s.sent, data)
	return nil
}

func (s *fakeSocket) Ping() error {
	s.mu.Lock()
	s.pings++
	fn := s.onPing
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSocket) Terminate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminated = true
	return nil
}

func (s *fakeSocket) RemoteAddr() string {
	return "192.0.2.10:5000"
}

func (s *fakeSocket) frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

func (s *fakeSocket) pingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

func (s *fakeSocket) isTerminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

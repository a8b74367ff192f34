package server

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const DefaultHeartbeatInterval = 60 * time.Second

// Supervisor pings a socket every interval and terminates it when no pong
// arrived since the previous tick. The ticker never outlives the socket:
// Stop is called on every teardown path and the loop stops itself after a
// termination.
type Supervisor struct {
	socket   Socket
	interval time.Duration
	onDead   func()
	metrics  *Metrics

	alive     atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
}

// NewSupervisor builds a supervisor for socket. onDead, if set, runs after the
// supervisor terminates the socket.
func NewSupervisor(socket Socket, interval time.Duration, onDead func()) *Supervisor {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Supervisor{
		socket:   socket,
		interval: interval,
		onDead:   onDead,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start marks the socket alive and starts the ticker. Later calls are no-ops.
func (s *Supervisor) Start() {
	s.startOnce.Do(func() {
		s.alive.Store(true)
		go s.run()
	})
}

func (s *Supervisor) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.alive.Swap(false) {
				slog.Warn("Heartbeat missed, terminating socket", "addr", s.socket.RemoteAddr())
				s.socket.Terminate()
				s.metrics.heartbeatTermination()
				s.stopOnce.Do(func() { close(s.stopCh) })
				if s.onDead != nil {
					s.onDead()
				}
				return
			}
			if err := s.socket.Ping(); err != nil {
				slog.Debug("Heartbeat ping failed", "addr", s.socket.RemoteAddr(), "error", err)
			}
		}
	}
}

// Pong marks the socket alive until the next tick.
func (s *Supervisor) Pong() {
	s.alive.Store(true)
}

func (s *Supervisor) Alive() bool {
	return s.alive.Load()
}

// Stop cancels the ticker. Safe to call more than once, before Start, or from
// the onDead callback.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Done is closed once the ticker loop has exited. It stays open if Start was
// never called.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

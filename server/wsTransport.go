package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

const (
	DefaultMaxSessions = 256
	maxFrameSize       = 1 << 20
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // UI clients are served from other origins
	},
}

// WSTransport accepts UI clients on /client and sensor processes on /process.
type WSTransport struct {
	Addr         string
	server       *http.Server
	opts         SessionOptions
	heartbeat    time.Duration
	onConnect    func(Session)
	onDisconnect func(Session)

	name        string
	description string
	sessions    map[string]Session
	smu         sync.RWMutex

	maxSessions int
	connected   atomic.Bool
	mounts      []mount
}

type mount struct {
	pattern string
	handler http.Handler
}

func NewWSTransport(addr string, opts SessionOptions) *WSTransport {
	return &WSTransport{
		Addr:        addr,
		opts:        opts,
		heartbeat:   DefaultHeartbeatInterval,
		maxSessions: DefaultMaxSessions,
		sessions:    make(map[string]Session),
	}
}

// Router returns the transport's HTTP handler.
func (t *WSTransport) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/client", t.handleWebSocket(KindClient))
	r.Get("/process", t.handleWebSocket(KindProcess))
	r.Get("/healthz", t.handleHealth)
	r.Handle("/metrics", t.opts.Metrics.Handler())
	for _, m := range t.mounts {
		r.Mount(m.pattern, m.handler)
	}
	return r
}

func (t *WSTransport) Start() error {
	slog.Info("Starting WebSocket server", "addr", t.Addr)

	t.smu.Lock()
	t.server = &http.Server{
		Addr:              t.Addr,
		Handler:           t.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := t.server
	t.smu.Unlock()

	t.connected.Store(true)
	err := srv.ListenAndServe()
	t.connected.Store(false)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (t *WSTransport) handleWebSocket(kind SessionKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("Failed to upgrade connection", "error", err)
			return
		}

		t.smu.RLock()
		count := len(t.sessions)
		t.smu.RUnlock()

		if count >= t.maxSessions {
			slog.Warn("Max sessions reached, rejecting connection", "remote_addr", r.RemoteAddr)
			conn.Close()
			return
		}

		go t.handleConnection(conn, kind)
	}
}

func (t *WSTransport) newSession(kind SessionKind, socket Socket) Session {
	if kind == KindProcess {
		return NewProcessSession(socket, t.opts)
	}
	return NewClientSession(socket, t.opts)
}

func (t *WSTransport) handleConnection(conn *websocket.Conn, kind SessionKind) {
	remoteAddr := conn.RemoteAddr().String()
	conn.SetReadLimit(maxFrameSize)

	sess := t.newSession(kind, newWSSocket(conn))
	slog.Info("WebSocket session connected", "addr", remoteAddr, "id", sess.ID(), "kind", kind.String())

	t.smu.Lock()
	t.sessions[sess.ID()] = sess
	t.smu.Unlock()
	if t.onConnect != nil {
		t.onConnect(sess)
	}

	defer func() {
		t.smu.Lock()
		delete(t.sessions, sess.ID())
		t.smu.Unlock()
		if t.onDisconnect != nil {
			t.onDisconnect(sess)
		}
		slog.Info("WebSocket session disconnected", "addr", remoteAddr, "id", sess.ID())
	}()

	conn.SetPongHandler(func(string) error {
		sess.Pong()
		return nil
	})
	sess.StartHeartbeat(t.heartbeat)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					slog.Warn("WebSocket closed unexpectedly", "addr", remoteAddr, "error", err)
				}
				sess.Close()
			} else {
				sess.Fail(err)
			}
			return
		}

		slog.Debug("WebSocket frame received", "id", sess.ID(), "size", len(frame))
		sess.HandleFrame(frame)
	}
}

type healthResponse struct {
	Status   string         `json:"status"`
	Sessions map[string]int `json:"sessions"`
}

func (t *WSTransport) handleHealth(w http.ResponseWriter, r *http.Request) {
	res := healthResponse{
		Status:   "ok",
		Sessions: map[string]int{KindClient.String(): 0, KindProcess.String(): 0},
	}
	t.smu.RLock()
	for _, s := range t.sessions {
		res.Sessions[s.Kind().String()]++
	}
	t.smu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

// Sessions returns the sessions currently open on this transport.
func (t *WSTransport) Sessions() []Session {
	t.smu.RLock()
	defer t.smu.RUnlock()
	out := make([]Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}

// Shutdown stops accepting connections and closes every open session.
func (t *WSTransport) Shutdown() error {
	slog.Info("Shutting down WebSocket server", "addr", t.Addr)

	t.smu.RLock()
	srv := t.server
	t.smu.RUnlock()

	var err error
	if srv != nil {
		err = srv.Close()
	}
	for _, s := range t.Sessions() {
		s.Close()
	}
	return err
}

func (t *WSTransport) OnConnect(fn func(Session)) {
	t.onConnect = fn
}

func (t *WSTransport) OnDisconnect(fn func(Session)) {
	t.onDisconnect = fn
}

func (t *WSTransport) Meta() TransportMetadata {
	t.smu.RLock()
	count := len(t.sessions)
	t.smu.RUnlock()
	return TransportMetadata{
		ID:          "ws-" + t.Addr,
		Name:        t.name,
		Description: t.description,
		Protocol:    "websocket",
		Address:     t.Addr,
		Sessions:    count,
		MaxSessions: t.maxSessions,
		Connected:   t.connected.Load(),
	}
}

// Mount serves handler under pattern alongside the WebSocket endpoints. It
// must be called before Start.
func (t *WSTransport) Mount(pattern string, handler http.Handler) {
	t.mounts = append(t.mounts, mount{pattern: pattern, handler: handler})
}

func (t *WSTransport) SetName(name string) {
	t.name = name
}

func (t *WSTransport) SetMaxSessions(n int) {
	t.maxSessions = n
}

func (t *WSTransport) SetHeartbeat(interval time.Duration) {
	t.heartbeat = interval
}

func (t *WSTransport) SetDescription(description string) {
	t.description = description
}

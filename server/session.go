package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mbocsi/relay/broker"
	"github.com/mbocsi/relay/proto"
)

type SessionKind int

const (
	KindClient SessionKind = iota
	KindProcess
)

func (k SessionKind) String() string {
	switch k {
	case KindClient:
		return "client"
	case KindProcess:
		return "process"
	default:
		return "unknown"
	}
}

type SessionState int

const (
	StateUninitialized SessionState = iota
	StateConnectingBroker
	StateReady
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnectingBroker:
		return "connecting_broker"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one live WebSocket connection bridged onto the backbone.
type Session interface {
	ID() string
	Kind() SessionKind
	RemoteAddr() string
	State() SessionState
	Topics() []string

	// HandleFrame processes one frame read from the socket.
	HandleFrame(frame []byte)
	// OnMessage replaces the listener that receives packets from the
	// backbone. The default writes them to the socket.
	OnMessage(func(proto.Packet))

	StartHeartbeat(interval time.Duration)
	Pong()

	// Close tears the session down. Fail does the same after a socket error
	// and also terminates the socket. Both are idempotent.
	Close() error
	Fail(err error)
}

// SessionOptions are shared by every session a transport creates.
type SessionOptions struct {
	Backbone broker.Backbone
	Tags     proto.Tags
	Metrics  *Metrics
}

func generateSessionID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// session holds what client and process sessions have in common: the socket,
// one gateway, the heartbeat and the lifecycle state.
type session struct {
	id      string
	kind    SessionKind
	socket  Socket
	gateway *broker.Gateway
	tags    proto.Tags
	metrics *Metrics
	log     *slog.Logger

	// ctx is cancelled on teardown so a blocked connect or subscribe returns.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      SessionState
	onMessage  func(proto.Packet)
	supervisor *Supervisor
	closeOnce  sync.Once
	closeErr   error
}

func newSession(kind SessionKind, socket Socket, opts SessionOptions) *session {
	if opts.Tags == (proto.Tags{}) {
		opts.Tags = proto.DefaultTags()
	}
	id := generateSessionID(kind.String())
	ctx, cancel := context.WithCancel(context.Background())

	s := &session{
		id:      id,
		kind:    kind,
		socket:  socket,
		gateway: broker.NewGateway(id, opts.Backbone),
		tags:    opts.Tags,
		metrics: opts.Metrics,
		log:     slog.With("session", id),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.onMessage = s.sendToSocket
	return s
}

// open acknowledges the socket and starts connecting the gateway in the
// background. The ack never waits for the backbone.
func (s *session) open() {
	if err := s.socket.Send(proto.NewAck()); err != nil {
		s.log.Warn("Failed to send connection ack", "error", err)
	}
	s.metrics.sessionOpened(s.kind)
	go s.connect()
}

func (s *session) connect() {
	s.mu.Lock()
	if s.state != StateUninitialized {
		s.mu.Unlock()
		return
	}
	s.state = StateConnectingBroker
	s.mu.Unlock()

	err := s.gateway.Connect(s.ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	if err != nil {
		// The next subscribe or publish retries.
		s.state = StateUninitialized
		s.log.Warn("Backbone connection failed", "error", err)
		return
	}
	s.state = StateReady
	s.log.Debug("Backbone connected")
}

// markReady records that an operation reached the backbone.
func (s *session) markReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosed {
		s.state = StateReady
	}
}

func (s *session) ID() string {
	return s.id
}

func (s *session) Kind() SessionKind {
	return s.kind
}

func (s *session) RemoteAddr() string {
	return s.socket.RemoteAddr()
}

func (s *session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) Topics() []string {
	return s.gateway.Topics()
}

func (s *session) closed() bool {
	return s.State() == StateClosed
}

func (s *session) OnMessage(fn func(proto.Packet)) {
	if fn == nil {
		fn = s.sendToSocket
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = fn
}

func (s *session) sendToSocket(pkt proto.Packet) {
	if err := s.socket.Send(pkt); err != nil {
		s.log.Warn("Failed to send packet", "type", pkt.Type, "location", pkt.LocationID, "error", err)
		s.metrics.frameDropped(s.kind, "send")
		return
	}
	s.metrics.frameSent(s.kind)
}

// handleBackbone is the gateway handler for every topic the session
// subscribes to. JSON decoding happens here, not in the gateway.
func (s *session) handleBackbone(payload []byte, topic string) {
	if s.closed() {
		return
	}
	if _, ok := s.tags.Parse(topic); !ok {
		s.log.Debug("Dropping message on unroutable topic", "topic", topic)
		s.metrics.frameDropped(s.kind, "topic")
		return
	}

	pkt, err := proto.DecodePacket(topic, payload)
	if err != nil {
		s.log.Warn("Failed to decode backbone message", "topic", topic, "size", len(payload), "error", err)
		s.metrics.frameDropped(s.kind, "decode")
		return
	}

	s.mu.Lock()
	fn := s.onMessage
	s.mu.Unlock()
	fn(pkt)
}

// subscribe subscribes to tag|locationID. An empty location id is logged and
// nothing reaches the gateway.
func (s *session) subscribe(ctx context.Context, tag proto.Tag, locationID string) error {
	if locationID == "" {
		s.log.Warn("Can't subscribe to an empty location")
		return proto.ErrEmptyLocation
	}
	topic, err := s.tags.Build(tag, locationID)
	if err != nil {
		s.log.Warn("Can't build topic", "location", locationID, "error", err)
		return err
	}

	if err := s.gateway.Subscribe(ctx, topic, s.handleBackbone); err != nil {
		return err
	}
	s.markReady()
	s.log.Info("Subscribed", "topic", topic)
	return nil
}

func (s *session) StartHeartbeat(interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.supervisor != nil {
		return
	}
	s.supervisor = NewSupervisor(s.socket, interval, func() { s.Close() })
	s.supervisor.metrics = s.metrics
	s.supervisor.Start()
}

func (s *session) Pong() {
	s.mu.Lock()
	sup := s.supervisor
	s.mu.Unlock()
	if sup != nil {
		sup.Pong()
	}
}

// Close stops the heartbeat, unsubscribes, and closes both gateway links. It
// does not wait for an in-flight connect.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		sup := s.supervisor
		s.mu.Unlock()

		if sup != nil {
			sup.Stop()
		}
		s.cancel()
		s.closeErr = s.gateway.Close()
		s.socket.Close()
		s.metrics.sessionClosed(s.kind)
		s.log.Info("Session closed")
	})
	return s.closeErr
}

func (s *session) Fail(err error) {
	s.log.Warn("Socket error, terminating session", "error", err)
	s.socket.Terminate()
	s.Close()
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbocsi/relay/broker"
	"github.com/mbocsi/relay/proto"
	"golang.org/x/time/rate"
)

const (
	DefaultSourceLocation = "ub.model-uk.tower-bridge"
	maxDatagramSize       = 65535
	readErrorBackoff      = 100 * time.Millisecond
	outboundRetryInterval = 5 * time.Second
)

var (
	ErrNotBound          = errors.New("udp transport is not bound")
	ErrTransportShutdown = errors.New("udp transport is shut down")
)

type UDPConfig struct {
	Addr           string
	SourceLocation string   // location id of the one datagram source
	SourceAddr     string   // when set, datagrams from other hosts are dropped
	MaxRate        float64  // datagrams per second, 0 for unlimited
	Peers          []string // initial outbound peers, host:port
}

// UDPTransport receives datagrams from the sensor gateway and publishes them,
// unparsed, on fromSensor|<source location>. Packets UI clients publish on
// fromClient|<source location> are sent back out to a list of UDP peers.
type UDPTransport struct {
	Addr     string
	gateway  *broker.Gateway
	topic    string
	outbound string
	sourceIP net.IP
	limiter  *rate.Limiter
	metrics  *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	conn       *net.UDPConn
	peers      []*net.UDPAddr
	connecting atomic.Bool
	closed     atomic.Bool
	readErrLog rate.Sometimes

	name        string
	description string
}

// NewUDPTransport builds the transport and starts connecting its publisher
// link. Datagrams that arrive before the link is up are dropped.
func NewUDPTransport(config UDPConfig, opts SessionOptions) (*UDPTransport, error) {
	if opts.Tags == (proto.Tags{}) {
		opts.Tags = proto.DefaultTags()
	}
	if config.SourceLocation == "" {
		config.SourceLocation = DefaultSourceLocation
	}
	topic, err := opts.Tags.Build(opts.Tags.FromSensor, config.SourceLocation)
	if err != nil {
		return nil, fmt.Errorf("udp ingest topic: %w", err)
	}
	outbound, err := opts.Tags.Build(opts.Tags.FromClient, config.SourceLocation)
	if err != nil {
		return nil, fmt.Errorf("udp outbound topic: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &UDPTransport{
		Addr:     config.Addr,
		gateway:  broker.NewGateway("udp", opts.Backbone),
		topic:    topic,
		outbound: outbound,
		metrics:  opts.Metrics,
		ctx:      ctx,
		cancel:   cancel,

		readErrLog: rate.Sometimes{Interval: time.Second},
	}

	if config.SourceAddr != "" {
		ips, err := net.LookupIP(config.SourceAddr)
		if err != nil || len(ips) == 0 {
			cancel()
			return nil, fmt.Errorf("udp source address %q: %w", config.SourceAddr, err)
		}
		t.sourceIP = ips[0]
	}
	if config.MaxRate > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(config.MaxRate), max(1, int(config.MaxRate)))
	}
	for _, peer := range config.Peers {
		if err := t.AddPeer(peer); err != nil {
			cancel()
			return nil, err
		}
	}

	t.connectPublisher()
	return t, nil
}

// Topic returns the backbone topic datagrams are published on.
func (t *UDPTransport) Topic() string {
	return t.topic
}

// OutboundTopic returns the backbone topic whose packets go to the peers.
func (t *UDPTransport) OutboundTopic() string {
	return t.outbound
}

func (t *UDPTransport) connectPublisher() {
	if !t.connecting.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer t.connecting.Store(false)
		if err := t.gateway.ConnectPublisher(t.ctx); err != nil {
			slog.Warn("UDP ingest backbone connection failed", "error", err)
			return
		}
		slog.Info("UDP ingest connected to backbone", "topic", t.topic)
	}()
}

// Listen binds the socket. It binds at most once per transport.
func (t *UDPTransport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return ErrTransportShutdown
	}
	if t.conn != nil {
		return nil
	}

	addr, err := net.ResolveUDPAddr("udp", t.Addr)
	if err != nil {
		return fmt.Errorf("resolve udp address %s: %w", t.Addr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen udp %s: %w", t.Addr, err)
	}
	t.conn = conn
	slog.Info("UDP server listening", "addr", conn.LocalAddr().String())
	return nil
}

// LocalAddr returns the bound address, or nil before Listen.
func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Start binds if needed and reads datagrams until Shutdown. A transport shut
// down before or during Start returns nil; only a bind failure is an error.
func (t *UDPTransport) Start() error {
	if t.closed.Load() {
		return nil
	}
	if err := t.Listen(); err != nil {
		if errors.Is(err, ErrTransportShutdown) {
			return nil
		}
		return err
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	go t.relayOutbound()

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if t.readFailed(err) {
				return nil
			}
			continue
		}
		t.handleDatagram(buf[:n], from)
	}
}

// readFailed reports whether the read loop should stop. Other read errors
// are logged at most once a second and back off before the next read.
func (t *UDPTransport) readFailed(err error) bool {
	if t.closed.Load() || errors.Is(err, net.ErrClosed) {
		return true
	}
	t.readErrLog.Do(func() {
		slog.Warn("UDP read failed", "addr", t.Addr, "error", err)
	})
	select {
	case <-t.ctx.Done():
		return true
	case <-time.After(readErrorBackoff):
		return false
	}
}

func (t *UDPTransport) handleDatagram(data []byte, from *net.UDPAddr) {
	t.metrics.datagramReceived(len(data))

	if t.sourceIP != nil && !from.IP.Equal(t.sourceIP) {
		slog.Debug("Dropping datagram from unexpected source", "from", from.String())
		t.metrics.datagramDropped("source")
		return
	}
	if t.limiter != nil && !t.limiter.Allow() {
		slog.Debug("Dropping datagram over rate limit", "from", from.String())
		t.metrics.datagramDropped("rate")
		return
	}

	payload := bytes.Clone(data)
	err := t.gateway.TryPublish(t.ctx, t.topic, payload)
	switch {
	case err == nil:
		slog.Debug("Datagram forwarded", "topic", t.topic, "size", len(payload))
	case errors.Is(err, broker.ErrNotConnected):
		slog.Warn("Backbone not connected, dropping datagram", "topic", t.topic, "size", len(payload))
		t.metrics.datagramDropped("not_connected")
		t.connectPublisher()
	default:
		t.metrics.datagramDropped("publish")
	}
}

// relayOutbound subscribes to the outbound topic, retrying until it succeeds
// or the transport shuts down.
func (t *UDPTransport) relayOutbound() {
	for {
		err := t.gateway.Subscribe(t.ctx, t.outbound, t.handleOutbound)
		if err == nil {
			slog.Info("UDP peers receiving client packets", "topic", t.outbound)
			return
		}
		if t.closed.Load() {
			return
		}
		slog.Warn("UDP outbound subscribe failed, retrying", "topic", t.outbound, "error", err)
		select {
		case <-t.ctx.Done():
			return
		case <-time.After(outboundRetryInterval):
		}
	}
}

func (t *UDPTransport) handleOutbound(payload []byte, topic string) {
	pkt, err := proto.DecodePacket(topic, payload)
	if err != nil {
		slog.Warn("Dropping undecodable outbound packet", "topic", topic, "error", err)
		return
	}
	sent, err := t.SendPacket(pkt)
	if err != nil {
		slog.Warn("Outbound packet not sent", "topic", topic, "error", err)
		return
	}
	slog.Debug("Outbound packet sent", "topic", topic, "type", pkt.Type, "peers", sent)
}

// AddPeer registers host:port for outbound packets. Adding a peer twice is a
// no-op.
func (t *UDPTransport) AddPeer(addr string) error {
	peer, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve udp peer %s: %w", addr, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if slices.ContainsFunc(t.peers, func(p *net.UDPAddr) bool { return p.String() == peer.String() }) {
		return nil
	}
	t.peers = append(t.peers, peer)
	slog.Debug("UDP peer added", "peer", peer.String())
	return nil
}

func (t *UDPTransport) RemovePeer(addr string) {
	peer, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers = slices.DeleteFunc(t.peers, func(p *net.UDPAddr) bool { return p.String() == peer.String() })
}

func (t *UDPTransport) Peers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.peers))
	for i, p := range t.peers {
		out[i] = p.String()
	}
	return out
}

// SendPacket serializes v once and writes it to every peer. A failed write
// is logged and the remaining peers are still tried. It returns the number
// of peers reached.
func (t *UDPTransport) SendPacket(v any) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	conn := t.conn
	peers := slices.Clone(t.peers)
	t.mu.Unlock()
	if conn == nil {
		return 0, ErrNotBound
	}

	sent := 0
	for _, peer := range peers {
		if _, err := conn.WriteToUDP(data, peer); err != nil {
			slog.Warn("Failed to send packet to UDP peer", "peer", peer.String(), "error", err)
			continue
		}
		sent++
	}
	return sent, nil
}

func (t *UDPTransport) Shutdown() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	slog.Info("Shutting down UDP server", "addr", t.Addr)
	t.cancel()

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	var errs []error
	if conn != nil {
		errs = append(errs, conn.Close())
	}
	errs = append(errs, t.gateway.Close())
	return errors.Join(errs...)
}

func (t *UDPTransport) Meta() TransportMetadata {
	addr := t.Addr
	if local := t.LocalAddr(); local != nil {
		addr = local.String()
	}
	return TransportMetadata{
		ID:          "udp-" + t.Addr,
		Name:        t.name,
		Description: t.description,
		Protocol:    "udp",
		Address:     addr,
		Peers:       len(t.Peers()),
		Connected:   t.LocalAddr() != nil && !t.closed.Load(),
	}
}

// BackboneConnected reports whether datagrams are currently being forwarded.
func (t *UDPTransport) BackboneConnected() bool {
	return t.gateway.Connected()
}

func (t *UDPTransport) SetName(name string) {
	t.name = name
}

func (t *UDPTransport) SetDescription(description string) {
	t.description = description
}

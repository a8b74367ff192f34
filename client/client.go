// Package client connects to a relay's /client endpoint and fans the packets
// it receives out through an events.Dispatcher.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbocsi/relay/events"
	"github.com/mbocsi/relay/proto"
)

const (
	DefaultReconnectInterval = time.Second
	DefaultPingTimeout       = 330 * time.Second
	DefaultAckTimeout        = 5 * time.Second

	// PacketEvent is dispatched for every packet, after its compound event.
	PacketEvent = "packet"
)

var ErrNoAck = errors.New("relay did not acknowledge the connection")

type Options struct {
	ReconnectInterval time.Duration
	PingTimeout       time.Duration // drop the connection when the relay stops pinging
	AckTimeout        time.Duration
	NewTransport      func(onPing func()) Transport
}

type Client struct {
	addr       string
	dispatcher *events.Dispatcher
	opts       Options

	mu        sync.Mutex
	locations []string
	transport Transport // nil unless acknowledged

	lastPing atomic.Int64
}

func NewClient(addr string, dispatcher *events.Dispatcher, opts Options) *Client {
	if dispatcher == nil {
		dispatcher = events.NewDispatcher()
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = DefaultPingTimeout
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.NewTransport == nil {
		opts.NewTransport = func(onPing func()) Transport { return NewWebSocketTransport(onPing) }
	}
	return &Client{addr: addr, dispatcher: dispatcher, opts: opts}
}

func (c *Client) Dispatcher() *events.Dispatcher {
	return c.dispatcher
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport != nil
}

// Listen subscribes to locationID now if connected and again after every
// reconnect.
func (c *Client) Listen(locationID string) error {
	if locationID == "" {
		return proto.ErrEmptyLocation
	}

	c.mu.Lock()
	if slices.Contains(c.locations, locationID) {
		c.mu.Unlock()
		return nil
	}
	c.locations = append(c.locations, locationID)
	t := c.transport
	c.mu.Unlock()

	if t == nil {
		return nil
	}
	return t.Send(proto.NewSubscribeCommand(locationID))
}

// Run keeps a connection to the relay open until ctx is done, redialling
// ReconnectInterval after every failure.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("Relay connection lost, reconnecting", "addr", c.addr, "error", err, "in", c.opts.ReconnectInterval)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.opts.ReconnectInterval):
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	t := c.opts.NewTransport(c.markPing)
	if err := t.Connect(c.addr); err != nil {
		return err
	}

	stop := make(chan struct{})
	defer close(stop)
	defer t.Close()
	go func() {
		select {
		case <-ctx.Done():
			t.Close()
		case <-stop:
		}
	}()

	if err := c.awaitAck(t); err != nil {
		return err
	}
	slog.Info("Connected to relay", "addr", c.addr)

	c.markPing()
	if err := c.attach(t); err != nil {
		return err
	}
	defer c.detach()
	go c.watchdog(t, stop)

	for {
		data, err := t.Read()
		if err != nil {
			return err
		}
		c.handleFrame(data)
	}
}

func (c *Client) awaitAck(t Transport) error {
	timer := time.AfterFunc(c.opts.AckTimeout, func() { t.Close() })
	data, err := t.Read()
	if !timer.Stop() {
		return ErrNoAck
	}
	if err != nil {
		return err
	}
	if !proto.IsAck(data) {
		return fmt.Errorf("%w: got %s", ErrNoAck, data)
	}
	return nil
}

// attach makes t the live transport and subscribes every listened location.
func (c *Client) attach(t Transport) error {
	c.mu.Lock()
	c.transport = t
	locations := slices.Clone(c.locations)
	c.mu.Unlock()

	for _, loc := range locations {
		if err := t.Send(proto.NewSubscribeCommand(loc)); err != nil {
			return err
		}
		slog.Debug("Subscribing", "location", loc)
	}
	return nil
}

func (c *Client) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transport = nil
}

func (c *Client) markPing() {
	c.lastPing.Store(time.Now().UnixNano())
}

// watchdog closes t once the relay has not pinged for PingTimeout.
func (c *Client) watchdog(t Transport, stop <-chan struct{}) {
	ticker := time.NewTicker(max(c.opts.PingTimeout/10, 10*time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			since := time.Since(time.Unix(0, c.lastPing.Load()))
			if since > c.opts.PingTimeout {
				slog.Warn("No ping from relay, dropping connection", "addr", c.addr, "since", since)
				t.Close()
				return
			}
		}
	}
}

func (c *Client) handleFrame(data []byte) {
	if proto.IsAck(data) {
		return
	}

	var pkt proto.Packet
	if err := json.Unmarshal(data, &pkt); err != nil {
		slog.Warn("Invalid JSON frame received", "error", err, "data", string(data))
		return
	}
	if err := pkt.Validate(); err != nil {
		slog.Warn("Invalid packet received", "error", err, "data", string(data))
		return
	}

	ev := events.NewPacketEvent(pkt)
	slog.Debug("Packet received", "event", ev.Type, "kind", ev.Decoded.Kind.String())
	c.dispatcher.DispatchEvent(ev)

	ev.Type = PacketEvent
	c.dispatcher.DispatchEvent(ev)
}

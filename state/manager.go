// Package state owns the relay's shared position state and the forwarding of
// sensor packets from fromSensor topics to the UI clients' toClient topics.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/mbocsi/relay/broker"
	"github.com/mbocsi/relay/proto"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultDirection         = 1
	DefaultLastKnownPosition = "ub.model-uk.glasgow-station"

	resubscribeInterval = 5 * time.Second
)

// DefaultWatch lists the locations watched when none are configured: the
// datagram source and the controller that reports position changes.
var DefaultWatch = []string{"ub.model-uk.tower-bridge", "ub.model-uk.controller"}

type State struct {
	Direction         int    `json:"direction"`
	LastKnownPosition string `json:"lastKnownPosition"`
}

func DefaultState() State {
	return State{Direction: DefaultDirection, LastKnownPosition: DefaultLastKnownPosition}
}

type Options struct {
	Backbone broker.Backbone
	Tags     proto.Tags
	Watch    []string
	Initial  State
}

// Manager is built once at startup and handed to whatever needs the state.
type Manager struct {
	gateway *broker.Gateway
	tags    proto.Tags
	watch   []string

	mu    sync.RWMutex
	state State

	forwarded prometheus.Counter
	undecoded prometheus.Counter
}

func NewManager(opts Options) *Manager {
	if opts.Tags == (proto.Tags{}) {
		opts.Tags = proto.DefaultTags()
	}
	if opts.Watch == nil {
		opts.Watch = DefaultWatch
	}
	if opts.Initial == (State{}) {
		opts.Initial = DefaultState()
	}

	return &Manager{
		gateway: broker.NewGateway("state", opts.Backbone),
		tags:    opts.Tags,
		watch:   slices.Clone(opts.Watch),
		state:   opts.Initial,
		forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "state",
			Name:      "packets_forwarded_total",
			Help:      "Sensor packets republished to UI clients",
		}),
		undecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "state",
			Name:      "payloads_undecoded_total",
			Help:      "Sensor payloads that were not JSON packets",
		}),
	}
}

// Collectors returns the manager's metrics for registration.
func (m *Manager) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.forwarded, m.undecoded}
}

// Watched returns the locations whose fromSensor topics are forwarded.
func (m *Manager) Watched() []string {
	return slices.Clone(m.watch)
}

// Run subscribes to every watched location, retrying the ones that fail,
// and closes the gateway when ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	defer m.gateway.Close()

	pending := m.subscribeAll(ctx, m.watch)
	ticker := time.NewTicker(resubscribeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Shutting down state manager")
			return nil
		case <-ticker.C:
			if len(pending) > 0 {
				pending = m.subscribeAll(ctx, pending)
			}
		}
	}
}

// subscribeAll returns the locations that could not be subscribed.
func (m *Manager) subscribeAll(ctx context.Context, locations []string) []string {
	var failed []string
	for _, loc := range locations {
		if err := m.Subscribe(ctx, loc); err != nil && !errors.Is(err, proto.ErrEmptyLocation) {
			failed = append(failed, loc)
		}
	}
	return failed
}

// Subscribe starts forwarding packets from fromSensor|locationID.
func (m *Manager) Subscribe(ctx context.Context, locationID string) error {
	if locationID == "" {
		slog.Warn("Can't subscribe to an empty location")
		return proto.ErrEmptyLocation
	}
	topic, err := m.tags.Build(m.tags.FromSensor, locationID)
	if err != nil {
		return err
	}
	if err := m.gateway.Subscribe(ctx, topic, m.handle); err != nil {
		slog.Warn("State manager subscribe failed", "topic", topic, "error", err)
		return err
	}
	slog.Info("State manager watching", "topic", topic)
	return nil
}

func (m *Manager) handle(payload []byte, topic string) {
	if _, ok := m.tags.Parse(topic); !ok {
		return
	}

	pkt, err := proto.DecodePacket(topic, payload)
	if err != nil {
		// The datagram source publishes opaque frames on its topic.
		slog.Debug("Received non-packet sensor payload", "topic", topic, "size", len(payload))
		m.undecoded.Inc()
		return
	}

	decoded := proto.Decode(pkt)
	if decoded.Kind == proto.KindSelect && decoded.Select.LocationID != "" {
		m.mu.Lock()
		m.state.LastKnownPosition = decoded.Select.LocationID
		m.mu.Unlock()
		slog.Info("Position changed", "location", decoded.Select.LocationID)
	}

	if err := m.Publish(context.Background(), pkt.LocationID, pkt); err == nil {
		m.forwarded.Inc()
	}
}

// Publish sends pkt to the UI clients subscribed to locationID.
func (m *Manager) Publish(ctx context.Context, locationID string, pkt proto.Packet) error {
	if locationID == "" {
		slog.Warn("Can't publish to an empty location")
		return proto.ErrEmptyLocation
	}
	topic, err := m.tags.Build(m.tags.ToClient, locationID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(pkt)
	if err != nil {
		return err
	}
	return m.gateway.Publish(ctx, topic, payload)
}

func (m *Manager) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) SetDirection(direction int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Direction = direction
}

func (m *Manager) Close() error {
	return m.gateway.Close()
}

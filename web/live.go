package web

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mbocsi/relay/broker"
	"github.com/mbocsi/relay/events"
	"github.com/mbocsi/relay/proto"
)

// Live taps the packets delivered to UI clients so the dashboard can stream
// them. Each location is subscribed once, on first use, and events are
// dispatched under the location id.
type Live struct {
	gateway    *broker.Gateway
	tags       proto.Tags
	dispatcher *events.Dispatcher

	mu       sync.Mutex
	watching map[string]struct{}
}

func NewLive(backbone broker.Backbone, tags proto.Tags) *Live {
	if tags == (proto.Tags{}) {
		tags = proto.DefaultTags()
	}
	return &Live{
		gateway:    broker.NewGateway("web", backbone),
		tags:       tags,
		dispatcher: events.NewDispatcher(),
		watching:   make(map[string]struct{}),
	}
}

func (l *Live) Watch(ctx context.Context, locationID string) error {
	l.mu.Lock()
	_, ok := l.watching[locationID]
	l.mu.Unlock()
	if ok {
		return nil
	}

	topic, err := l.tags.Build(l.tags.ToClient, locationID)
	if err != nil {
		return err
	}
	if err := l.gateway.Subscribe(ctx, topic, l.handle); err != nil {
		return err
	}

	l.mu.Lock()
	l.watching[locationID] = struct{}{}
	l.mu.Unlock()
	return nil
}

func (l *Live) handle(payload []byte, topic string) {
	pkt, err := proto.DecodePacket(topic, payload)
	if err != nil {
		slog.Debug("Live view dropped payload", "topic", topic, "error", err)
		return
	}
	ev := events.NewPacketEvent(pkt)
	ev.Type = pkt.LocationID
	l.dispatcher.DispatchEvent(ev)
}

func (l *Live) AddListener(locationID string, listener *events.Listener) {
	l.dispatcher.AddEventListener(locationID, listener)
}

func (l *Live) RemoveListener(locationID string, listener *events.Listener) {
	l.dispatcher.RemoveEventListener(locationID, listener)
}

func (l *Live) Close() error {
	return l.gateway.Close()
}

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const closeTimeout = 2 * time.Second

// Gateway owns at most one publisher link and one subscriber link to the
// backbone. Links are opened lazily by the first operation that needs them;
// concurrent callers wait on the same attempt. A failed attempt is forgotten,
// so the next operation tries again.
type Gateway struct {
	name     string
	backbone Backbone
	log      *slog.Logger
	group    singleflight.Group

	mu       sync.Mutex
	pub      Publisher
	sub      Subscriber
	handlers map[string]Handler
	active   map[string]bool // topics the subscriber link has confirmed
	closed   bool
}

func NewGateway(name string, backbone Backbone) *Gateway {
	return &Gateway{
		name:     name,
		backbone: backbone,
		log:      slog.With("gateway", name),
		handlers: make(map[string]Handler),
		active:   make(map[string]bool),
	}
}

func (g *Gateway) Name() string {
	return g.name
}

// Connect opens both links. Calling it again while connecting or connected
// waits for, or returns, the existing state.
func (g *Gateway) Connect(ctx context.Context) error {
	if _, err := g.publisher(ctx); err != nil {
		return err
	}
	_, err := g.subscriber(ctx)
	return err
}

// ConnectPublisher opens only the publisher link.
func (g *Gateway) ConnectPublisher(ctx context.Context) error {
	_, err := g.publisher(ctx)
	return err
}

// Connected reports whether the publisher link is ready.
func (g *Gateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pub != nil
}

func (g *Gateway) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *Gateway) publisher(ctx context.Context) (Publisher, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrClosed
	}
	if g.pub != nil {
		pub := g.pub
		g.mu.Unlock()
		return pub, nil
	}
	g.mu.Unlock()

	v, err, _ := g.group.Do("publisher", func() (any, error) {
		g.mu.Lock()
		existing := g.pub
		g.mu.Unlock()
		if existing != nil {
			return existing, nil
		}

		pub, err := g.backbone.NewPublisher(ctx)
		if err != nil {
			return nil, err
		}

		g.mu.Lock()
		defer g.mu.Unlock()
		if g.closed {
			pub.Close()
			return nil, ErrClosed
		}
		if g.pub == nil {
			g.pub = pub
			g.log.Debug("Publisher link connected")
		} else {
			pub.Close()
		}
		return g.pub, nil
	})
	if err != nil {
		return nil, fmt.Errorf("gateway %s: connect publisher: %w", g.name, err)
	}
	return v.(Publisher), nil
}

func (g *Gateway) subscriber(ctx context.Context) (Subscriber, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrClosed
	}
	if g.sub != nil {
		sub := g.sub
		g.mu.Unlock()
		return sub, nil
	}
	g.mu.Unlock()

	v, err, _ := g.group.Do("subscriber", func() (any, error) {
		g.mu.Lock()
		existing := g.sub
		g.mu.Unlock()
		if existing != nil {
			return existing, nil
		}

		sub, err := g.backbone.NewSubscriber(ctx)
		if err != nil {
			return nil, err
		}

		g.mu.Lock()
		defer g.mu.Unlock()
		if g.closed {
			sub.Close()
			return nil, ErrClosed
		}
		if g.sub == nil {
			g.sub = sub
			go g.dispatch(sub.Messages())
			g.log.Debug("Subscriber link connected")
		} else {
			sub.Close()
		}
		return g.sub, nil
	})
	if err != nil {
		return nil, fmt.Errorf("gateway %s: connect subscriber: %w", g.name, err)
	}
	return v.(Subscriber), nil
}

// dispatch delivers messages serially, preserving backbone order per topic.
func (g *Gateway) dispatch(messages <-chan Message) {
	for msg := range messages {
		g.mu.Lock()
		handler, closed := g.handlers[msg.Topic], g.closed
		g.mu.Unlock()

		if closed {
			return
		}
		if handler == nil {
			g.log.Debug("No handler for topic, dropping message", "topic", msg.Topic)
			continue
		}
		handler(msg.Payload, msg.Topic)
	}
}

// Publish waits for the publisher link and publishes payload unchanged.
// Failures are logged and returned; they never panic.
func (g *Gateway) Publish(ctx context.Context, topic string, payload []byte) error {
	pub, err := g.publisher(ctx)
	if err != nil {
		g.log.Warn("Publish failed, backbone unavailable", "topic", topic, "error", err)
		return err
	}
	return g.publishOn(ctx, pub, topic, payload)
}

// TryPublish publishes only if the publisher link is already connected and
// returns ErrNotConnected otherwise.
func (g *Gateway) TryPublish(ctx context.Context, topic string, payload []byte) error {
	g.mu.Lock()
	pub, closed := g.pub, g.closed
	g.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if pub == nil {
		return ErrNotConnected
	}
	return g.publishOn(ctx, pub, topic, payload)
}

func (g *Gateway) publishOn(ctx context.Context, pub Publisher, topic string, payload []byte) error {
	if err := pub.Publish(ctx, topic, payload); err != nil {
		g.log.Warn("Publish failed", "topic", topic, "error", err)
		return fmt.Errorf("gateway %s: publish %s: %w", g.name, topic, err)
	}
	g.log.Debug("Message published", "topic", topic, "size", len(payload))
	return nil
}

// Subscribe waits for the subscriber link and routes every message on topic
// to handler. Subscribing again to the same topic replaces the handler.
func (g *Gateway) Subscribe(ctx context.Context, topic string, handler Handler) error {
	if topic == "" {
		return errors.New("topic is empty")
	}
	if handler == nil {
		return errors.New("handler is nil")
	}

	sub, err := g.subscriber(ctx)
	if err != nil {
		g.log.Warn("Subscribe failed, backbone unavailable", "topic", topic, "error", err)
		return err
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	g.handlers[topic] = handler
	active := g.active[topic]
	g.mu.Unlock()

	if active {
		return nil
	}

	// Callers racing on one topic share a single link subscribe and its result.
	_, err, _ = g.group.Do("subscribe:"+topic, func() (any, error) {
		g.mu.Lock()
		done := g.active[topic]
		g.mu.Unlock()
		if done {
			return nil, nil
		}
		if err := sub.Subscribe(ctx, topic); err != nil {
			return nil, err
		}
		g.mu.Lock()
		if !g.closed {
			g.active[topic] = true
		}
		g.mu.Unlock()
		g.log.Debug("Subscribing", "topic", topic)
		return nil, nil
	})

	g.mu.Lock()
	defer g.mu.Unlock()
	if err != nil {
		if !g.active[topic] {
			delete(g.handlers, topic)
		}
		g.log.Warn("Subscribe failed", "topic", topic, "error", err)
		return fmt.Errorf("gateway %s: subscribe %s: %w", g.name, topic, err)
	}
	if g.closed {
		return ErrClosed
	}
	g.handlers[topic] = handler
	return nil
}

// Topics returns the subscribed topics in sorted order.
func (g *Gateway) Topics() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Sorted(maps.Keys(g.handlers))
}

// UnsubscribeAll drops every subscription but keeps the links open.
func (g *Gateway) UnsubscribeAll(ctx context.Context) error {
	g.mu.Lock()
	topics := slices.Collect(maps.Keys(g.handlers))
	clear(g.handlers)
	clear(g.active)
	sub := g.sub
	g.mu.Unlock()

	if sub == nil || len(topics) == 0 {
		return nil
	}
	if err := sub.Unsubscribe(ctx, topics...); err != nil {
		g.log.Warn("Unsubscribe failed", "topics", topics, "error", err)
		return err
	}
	g.log.Debug("Unsubscribed", "topics", len(topics))
	return nil
}

// Close unsubscribes from every topic and closes both links. It does not wait
// for an in-flight connect: a link that arrives after Close is closed at once.
// Calling Close again is a no-op.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	topics := slices.Collect(maps.Keys(g.handlers))
	clear(g.handlers)
	clear(g.active)
	pub, sub := g.pub, g.sub
	g.pub, g.sub = nil, nil
	g.mu.Unlock()

	var errs []error
	if sub != nil {
		if len(topics) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			if err := sub.Unsubscribe(ctx, topics...); err != nil {
				errs = append(errs, err)
			}
			cancel()
		}
		errs = append(errs, sub.Close())
	}
	if pub != nil {
		errs = append(errs, pub.Close())
	}

	err := errors.Join(errs...)
	if err != nil {
		g.log.Warn("Gateway closed with errors", "error", err)
	} else {
		g.log.Debug("Gateway closed", "topics", len(topics))
	}
	return err
}

package broker

import (
	"context"
	"log/slog"
	"sync"
)

const memoryBufferSize = 256

// MemoryBackbone is an in-process backbone. It keeps a publish history per
// topic so tests can assert on what reached the backbone.
type MemoryBackbone struct {
	mu        sync.RWMutex
	subs      map[string]map[*memorySubscriber]struct{} // Map topic to hashset of subscriber links
	published map[string][][]byte

	dialMu     sync.Mutex
	dials      int
	dialErr    error
	publishErr error
	dialGate   chan struct{}

	subscribeErr  error
	subscribeGate chan struct{}
	subscribes    int
}

func NewMemoryBackbone() *MemoryBackbone {
	return &MemoryBackbone{
		subs:      make(map[string]map[*memorySubscriber]struct{}),
		published: make(map[string][][]byte),
	}
}

// FailDial makes every following link attempt fail with err (nil restores).
func (b *MemoryBackbone) FailDial(err error) {
	b.dialMu.Lock()
	defer b.dialMu.Unlock()
	b.dialErr = err
}

// FailPublish makes every following publish fail with err (nil restores).
func (b *MemoryBackbone) FailPublish(err error) {
	b.dialMu.Lock()
	defer b.dialMu.Unlock()
	b.publishErr = err
}

// HoldDial blocks link attempts until the returned release func is called.
func (b *MemoryBackbone) HoldDial() (release func()) {
	gate := make(chan struct{})
	b.dialMu.Lock()
	b.dialGate = gate
	b.dialMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.dialMu.Lock()
			if b.dialGate == gate {
				b.dialGate = nil
			}
			b.dialMu.Unlock()
			close(gate)
		})
	}
}

// FailSubscribe makes every following topic subscribe fail with err (nil
// restores). Links still connect.
func (b *MemoryBackbone) FailSubscribe(err error) {
	b.dialMu.Lock()
	defer b.dialMu.Unlock()
	b.subscribeErr = err
}

// HoldSubscribe blocks topic subscribes until the returned release func is
// called.
func (b *MemoryBackbone) HoldSubscribe() (release func()) {
	gate := make(chan struct{})
	b.dialMu.Lock()
	b.subscribeGate = gate
	b.dialMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.dialMu.Lock()
			if b.subscribeGate == gate {
				b.subscribeGate = nil
			}
			b.dialMu.Unlock()
			close(gate)
		})
	}
}

// Subscribes returns the number of topic subscribe calls made so far.
func (b *MemoryBackbone) Subscribes() int {
	b.dialMu.Lock()
	defer b.dialMu.Unlock()
	return b.subscribes
}

func (b *MemoryBackbone) beforeSubscribe(ctx context.Context) error {
	b.dialMu.Lock()
	b.subscribes++
	gate := b.subscribeGate
	b.dialMu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.dialMu.Lock()
	defer b.dialMu.Unlock()
	return b.subscribeErr
}

func (b *MemoryBackbone) dial(ctx context.Context) error {
	b.dialMu.Lock()
	b.dials++
	gate, err := b.dialGate, b.dialErr
	b.dialMu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (b *MemoryBackbone) NewPublisher(ctx context.Context) (Publisher, error) {
	if err := b.dial(ctx); err != nil {
		return nil, err
	}
	return &memoryPublisher{backbone: b}, nil
}

func (b *MemoryBackbone) NewSubscriber(ctx context.Context) (Subscriber, error) {
	if err := b.dial(ctx); err != nil {
		return nil, err
	}
	return &memorySubscriber{
		backbone: b,
		topics:   make(map[string]struct{}),
		ch:       make(chan Message, memoryBufferSize),
	}, nil
}

// Dials returns the number of link attempts made so far.
func (b *MemoryBackbone) Dials() int {
	b.dialMu.Lock()
	defer b.dialMu.Unlock()
	return b.dials
}

// Published returns a copy of every payload published to topic, in order.
func (b *MemoryBackbone) Published(topic string) [][]byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([][]byte, len(b.published[topic]))
	copy(out, b.published[topic])
	return out
}

// Subscribers returns the number of links subscribed to topic.
func (b *MemoryBackbone) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func (b *MemoryBackbone) publish(topic string, payload []byte) error {
	b.dialMu.Lock()
	err := b.publishErr
	b.dialMu.Unlock()
	if err != nil {
		return err
	}

	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}

	b.mu.Lock()
	b.published[topic] = append(b.published[topic], msg.Payload)
	b.mu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[topic] {
		select {
		case sub.ch <- msg:
		default:
			slog.Warn("Dropped message to subscriber (buffer full)", "topic", topic)
		}
	}
	return nil
}

func (b *MemoryBackbone) subscribe(sub *memorySubscriber, topic string) {
	slog.Debug("Subscribing", "topic", topic)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*memorySubscriber]struct{})
	}
	b.subs[topic][sub] = struct{}{}
}

func (b *MemoryBackbone) unsubscribe(sub *memorySubscriber, topic string) {
	slog.Debug("Unsubscribing", "topic", topic)
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subs[topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.subs, topic)
		}
	}
}

// detach removes sub from every topic and closes its channel. Publishers hold
// the read lock while sending, so closing under the write lock is safe.
func (b *MemoryBackbone) detach(sub *memorySubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic := range sub.topics {
		if subs, ok := b.subs[topic]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(b.subs, topic)
			}
		}
	}
	close(sub.ch)
}

type memoryPublisher struct {
	backbone *MemoryBackbone
	mu       sync.Mutex
	closed   bool
}

func (p *memoryPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.backbone.publish(topic, payload)
}

func (p *memoryPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type memorySubscriber struct {
	backbone *MemoryBackbone
	ch       chan Message

	mu     sync.Mutex
	topics map[string]struct{}
	closed bool
}

func (s *memorySubscriber) Subscribe(ctx context.Context, topics ...string) error {
	if err := s.backbone.beforeSubscribe(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, topic := range topics {
		s.topics[topic] = struct{}{}
		s.backbone.subscribe(s, topic)
	}
	return nil
}

func (s *memorySubscriber) Unsubscribe(ctx context.Context, topics ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, topic := range topics {
		delete(s.topics, topic)
		s.backbone.unsubscribe(s, topic)
	}
	return nil
}

func (s *memorySubscriber) Messages() <-chan Message {
	return s.ch
}

func (s *memorySubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.backbone.detach(s)
	return nil
}

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// RedisBackbone uses Redis Pub/Sub as the backbone. Every link is its own
// client connection; payloads are published unchanged.
type RedisBackbone struct {
	config RedisConfig
}

func NewRedisBackbone(config RedisConfig) *RedisBackbone {
	if config.Addr == "" {
		config.Addr = "localhost:6379"
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}
	return &RedisBackbone{config: config}
}

func (b *RedisBackbone) dial(ctx context.Context) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        b.config.Addr,
		Password:    b.config.Password,
		DB:          b.config.DB,
		DialTimeout: b.config.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, b.config.DialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", b.config.Addr, err)
	}
	return client, nil
}

func (b *RedisBackbone) NewPublisher(ctx context.Context) (Publisher, error) {
	client, err := b.dial(ctx)
	if err != nil {
		return nil, err
	}
	slog.Debug("Redis publisher link connected", "addr", b.config.Addr)
	return &redisPublisher{client: client}, nil
}

func (b *RedisBackbone) NewSubscriber(ctx context.Context) (Subscriber, error) {
	client, err := b.dial(ctx)
	if err != nil {
		return nil, err
	}
	slog.Debug("Redis subscriber link connected", "addr", b.config.Addr)
	return &redisSubscriber{
		client: client,
		pubsub: client.Subscribe(context.Background()),
		out:    make(chan Message, memoryBufferSize),
		done:   make(chan struct{}),
	}, nil
}

type redisPublisher struct {
	client *redis.Client
}

func (p *redisPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := p.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}

func (p *redisPublisher) Close() error {
	return p.client.Close()
}

type redisSubscriber struct {
	client *redis.Client
	pubsub *redis.PubSub
	out    chan Message
	done   chan struct{}

	mu      sync.Mutex
	pumping bool
	closed  bool
}

func (s *redisSubscriber) Subscribe(ctx context.Context, topics ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if err := s.pubsub.Subscribe(ctx, topics...); err != nil {
		return fmt.Errorf("failed to subscribe to redis: %w", err)
	}

	// The receive loop starts with the first subscription so the pubsub
	// connection is never read before it has a channel.
	if !s.pumping {
		s.pumping = true
		go s.pump(s.pubsub.Channel())
	}
	return nil
}

func (s *redisSubscriber) Unsubscribe(ctx context.Context, topics ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.pubsub.Unsubscribe(ctx, topics...); err != nil {
		return fmt.Errorf("failed to unsubscribe from redis: %w", err)
	}
	return nil
}

func (s *redisSubscriber) pump(in <-chan *redis.Message) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSubscriber) Messages() <-chan Message {
	return s.out
}

func (s *redisSubscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	if !s.pumping {
		close(s.out)
	}
	s.mu.Unlock()

	err := s.pubsub.Close()
	if cerr := s.client.Close(); err == nil {
		err = cerr
	}
	return err
}

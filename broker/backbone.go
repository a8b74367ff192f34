// Package broker connects relay components to the publish/subscribe
// backbone. A Backbone hands out links; a Gateway owns one publisher link and
// one subscriber link and routes delivered messages to per-topic handlers.
package broker

import (
	"context"
	"errors"
)

var (
	ErrClosed       = errors.New("broker link is closed")
	ErrNotConnected = errors.New("broker link is not connected")
)

// Message is a payload delivered on a topic, exactly as the backbone carried it.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler receives the raw payload and the topic it arrived on. Decoding is
// the handler's job: some topics carry non-JSON payloads.
type Handler func(payload []byte, topic string)

type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

type Subscriber interface {
	Subscribe(ctx context.Context, topics ...string) error
	Unsubscribe(ctx context.Context, topics ...string) error
	// Messages is closed once the link is closed.
	Messages() <-chan Message
	Close() error
}

// Backbone opens links to the publish/subscribe backbone.
type Backbone interface {
	NewPublisher(ctx context.Context) (Publisher, error)
	NewSubscriber(ctx context.Context) (Subscriber, error)
}

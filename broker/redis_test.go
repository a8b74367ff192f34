package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisBackbone) {
	mr := miniredis.RunT(t)
	return mr, NewRedisBackbone(RedisConfig{Addr: mr.Addr(), DialTimeout: time.Second})
}

func waitForSubscription(t *testing.T, mr *miniredis.Miniredis, topic string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(topic)[topic] > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisBackbone_PublishSubscribe(t *testing.T) {
	mr, backbone := setupTestRedis(t)
	ctx := context.Background()

	sub := NewGateway("redis-sub", backbone)
	defer sub.Close()
	pub := NewGateway("redis-pub", backbone)
	defer pub.Close()

	var got received
	topic := "toClient|loc-1"
	require.NoError(t, sub.Subscribe(ctx, topic, got.handler))
	waitForSubscription(t, mr, topic)

	payload := []byte(`{"locationId":"loc-1","type":"env","data":{"temp":21.5}}`)
	require.NoError(t, pub.Publish(ctx, topic, payload))

	require.Eventually(t, func() bool { return len(got.get()) == 1 }, 2*time.Second, 10*time.Millisecond)
	msg := got.get()[0]
	assert.Equal(t, topic, msg.Topic)
	assert.Equal(t, payload, msg.Payload, "payload is carried without an envelope")
}

func TestRedisBackbone_BinaryPayload(t *testing.T) {
	mr, backbone := setupTestRedis(t)
	ctx := context.Background()

	g := NewGateway("redis-raw", backbone)
	defer g.Close()

	var got received
	topic := "fromSensor|ub.model-uk.tower-bridge"
	require.NoError(t, g.Subscribe(ctx, topic, got.handler))
	waitForSubscription(t, mr, topic)

	raw := []byte{0xde, 0xad, 0x00, 0xbe, 0xef}
	mr.Publish(topic, string(raw))

	require.Eventually(t, func() bool { return len(got.get()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, raw, got.get()[0].Payload)
}

func TestRedisBackbone_Unreachable(t *testing.T) {
	mr, backbone := setupTestRedis(t)
	mr.Close()

	g := NewGateway("redis-down", backbone)
	defer g.Close()

	err := g.Publish(context.Background(), "toClient|loc-1", []byte("x"))
	assert.Error(t, err)
	assert.False(t, g.Connected())
}

func TestRedisBackbone_CloseUnsubscribes(t *testing.T) {
	mr, backbone := setupTestRedis(t)
	ctx := context.Background()

	g := NewGateway("redis-close", backbone)
	var got received
	topic := "fromClient|loc-3"
	require.NoError(t, g.Subscribe(ctx, topic, got.handler))
	waitForSubscription(t, mr, topic)

	require.NoError(t, g.Close())
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(topic)[topic] == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.NoError(t, g.Close())
}

func TestRedisSubscriber_CloseWithoutSubscriptions(t *testing.T) {
	_, backbone := setupTestRedis(t)

	sub, err := backbone.NewSubscriber(context.Background())
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	_, open := <-sub.Messages()
	assert.False(t, open, "messages channel is closed with the link")
	assert.ErrorIs(t, sub.Subscribe(context.Background(), "x|y"), ErrClosed)
}

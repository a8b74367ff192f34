package integration

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/mbocsi/relay/broker"
	"github.com/mbocsi/relay/client"
	"github.com/mbocsi/relay/events"
	"github.com/mbocsi/relay/proto"
	"github.com/mbocsi/relay/server"
	"github.com/mbocsi/relay/state"
	"github.com/stretchr/testify/require"
)

func getRandomPort(t *testing.T) int {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to get port: %v", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port
}

// relayFixture is a full relay on loopback backed by miniredis.
type relayFixture struct {
	redis    *miniredis.Miniredis
	state    *state.Manager
	udp      *server.UDPTransport
	registry *server.SessionRegistry
	metrics  *server.Metrics
	wsAddr   string
}

func startRelay(t *testing.T) *relayFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	backbone := broker.NewRedisBackbone(broker.RedisConfig{Addr: mr.Addr(), DialTimeout: time.Second})
	metrics := server.NewMetrics()
	opts := server.SessionOptions{Backbone: backbone, Metrics: metrics}

	stateManager := state.NewManager(state.Options{Backbone: backbone})
	require.NoError(t, metrics.Register(stateManager.Collectors()...))

	wsAddr := fmt.Sprintf("127.0.0.1:%d", getRandomPort(t))
	ws := server.NewWSTransport(wsAddr, opts)

	udp, err := server.NewUDPTransport(server.UDPConfig{Addr: "127.0.0.1:0"}, opts)
	require.NoError(t, err)
	require.NoError(t, udp.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	relay := server.NewRelayServer(server.RelayServerOptions{State: stateManager, Context: ctx})
	relay.RegisterTransport(ws)
	relay.RegisterTransport(udp)

	done := make(chan error, 1)
	go func() { done <- relay.Start() }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("relay did not shut down")
		}
	})

	f := &relayFixture{
		redis:    mr,
		state:    stateManager,
		udp:      udp,
		registry: relay.Registry(),
		metrics:  metrics,
		wsAddr:   wsAddr,
	}
	f.waitForSubscriber(t, "fromSensor|ub.model-uk.tower-bridge")
	f.waitForSubscriber(t, "fromSensor|ub.model-uk.controller")
	f.waitForSubscriber(t, udp.OutboundTopic())
	require.Eventually(t, udp.BackboneConnected, 3*time.Second, 10*time.Millisecond)
	return f
}

func (f *relayFixture) waitForSubscriber(t *testing.T, topic string) {
	t.Helper()
	f.waitForSubscribers(t, topic, 1)
}

func (f *relayFixture) waitForSubscribers(t *testing.T, topic string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.redis.PubSubNumSub(topic)[topic] >= n
	}, 3*time.Second, 10*time.Millisecond, "fewer than %d subscribers on %s", n, topic)
}

// newWatcher runs a relay client listening to locations and returns every
// packet event it receives.
func (f *relayFixture) newWatcher(t *testing.T, locations ...string) chan events.Event {
	t.Helper()
	got := make(chan events.Event, 16)
	dispatcher := events.NewDispatcher()
	dispatcher.AddEventListener(client.PacketEvent, events.NewListener(func(e events.Event) { got <- e }))

	c := client.NewClient("ws://"+f.wsAddr+"/client", dispatcher, client.Options{ReconnectInterval: 20 * time.Millisecond})
	for _, loc := range locations {
		require.NoError(t, c.Listen(loc))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	for _, loc := range locations {
		f.waitForSubscriber(t, "toClient|"+loc)
	}
	return got
}

// dialProcess opens a /process socket and consumes its ack.
func (f *relayFixture) dialProcess(t *testing.T) *websocket.Conn {
	t.Helper()
	var conn *websocket.Conn
	require.Eventually(t, func() bool {
		c, _, err := websocket.DefaultDialer.Dial("ws://"+f.wsAddr+"/process", nil)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 3*time.Second, 10*time.Millisecond)
	t.Cleanup(func() { conn.Close() })

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.True(t, proto.IsAck(data), "first frame is the ack, got %s", data)
	return conn
}

func expectEvent(t *testing.T, ch chan events.Event) events.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("no packet received")
		return events.Event{}
	}
}

package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbocsi/relay/broker"
	"github.com/mbocsi/relay/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsFixture struct {
	transport *WSTransport
	backbone  *broker.MemoryBackbone
	server    *httptest.Server
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	backbone := broker.NewMemoryBackbone()
	transport := NewWSTransport("127.0.0.1:0", SessionOptions{Backbone: backbone, Metrics: NewMetrics()})
	srv := httptest.NewServer(transport.Router())
	t.Cleanup(func() {
		transport.Shutdown()
		srv.Close()
	})
	return &wsFixture{transport: transport, backbone: backbone, server: srv}
}

func (f *wsFixture) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return data
}

func TestNewWSTransport(t *testing.T) {
	transport := NewWSTransport("localhost:0", SessionOptions{})

	assert.Equal(t, "localhost:0", transport.Addr)
	assert.Equal(t, DefaultMaxSessions, transport.maxSessions)
	assert.Equal(t, DefaultHeartbeatInterval, transport.heartbeat)
	assert.NotNil(t, transport.sessions)
}

func TestWSTransport_Meta(t *testing.T) {
	transport := NewWSTransport("localhost:8090", SessionOptions{})
	transport.SetName("test-ws-transport")
	transport.SetDescription("Test WebSocket transport")
	transport.SetMaxSessions(5)

	meta := transport.Meta()
	assert.Equal(t, "ws-localhost:8090", meta.ID)
	assert.Equal(t, "test-ws-transport", meta.Name)
	assert.Equal(t, "Test WebSocket transport", meta.Description)
	assert.Equal(t, "websocket", meta.Protocol)
	assert.Equal(t, 5, meta.MaxSessions)
	assert.False(t, meta.Connected)
}

func TestWSTransport_ClientReceivesPublishedPackets(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "/client")

	assert.True(t, proto.IsAck(readFrame(t, conn)))

	require.NoError(t, conn.WriteJSON(proto.NewSubscribeCommand("loc-1")))
	require.Eventually(t, func() bool { return f.backbone.Subscribers("toClient|loc-1") == 1 }, time.Second, 5*time.Millisecond)

	body := `{"locationId":"loc-1","type":"env","data":{"temp":21.5}}`
	publishOn(t, f.backbone, "toClient|loc-1", []byte(body))

	assert.JSONEq(t, body, string(readFrame(t, conn)))
}

func TestWSTransport_ProcessPublishes(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "/process")
	assert.True(t, proto.IsAck(readFrame(t, conn)))

	frame := `{"type":"neo","locationId":"loc-2","data":{"commands":[]}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))

	require.Eventually(t, func() bool { return len(f.backbone.Published("fromSensor|loc-2")) == 1 }, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, frame, string(f.backbone.Published("fromSensor|loc-2")[0]))
}

func TestWSTransport_DisconnectTearsDownSession(t *testing.T) {
	f := newWSFixture(t)
	var disconnected []Session
	done := make(chan struct{})
	f.transport.OnDisconnect(func(s Session) {
		disconnected = append(disconnected, s)
		close(done)
	})

	conn := f.dial(t, "/client")
	readFrame(t, conn)
	require.NoError(t, conn.WriteJSON(proto.NewSubscribeCommand("loc-1")))
	require.Eventually(t, func() bool { return f.backbone.Subscribers("toClient|loc-1") == 1 }, time.Second, 5*time.Millisecond)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, msg))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session was not torn down")
	}
	require.Len(t, disconnected, 1)
	assert.Equal(t, StateClosed, disconnected[0].State())
	assert.Equal(t, 0, f.backbone.Subscribers("toClient|loc-1"))
	assert.Equal(t, 0, f.transport.Meta().Sessions)
}

func TestWSTransport_AbruptDisconnect(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "/process")
	readFrame(t, conn)
	require.NoError(t, conn.WriteJSON(proto.NewSubscribeCommand("loc-3")))
	require.Eventually(t, func() bool { return f.backbone.Subscribers("fromClient|loc-3") == 1 }, time.Second, 5*time.Millisecond)

	conn.UnderlyingConn().Close()

	require.Eventually(t, func() bool {
		return f.transport.Meta().Sessions == 0 && f.backbone.Subscribers("fromClient|loc-3") == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWSTransport_MaxSessions(t *testing.T) {
	f := newWSFixture(t)
	f.transport.SetMaxSessions(1)

	first := f.dial(t, "/client")
	readFrame(t, first)
	require.Eventually(t, func() bool { return f.transport.Meta().Sessions == 1 }, time.Second, 5*time.Millisecond)

	second := f.dial(t, "/client")
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := second.ReadMessage()
	assert.Error(t, err, "connection over the limit is closed without an ack")
	assert.Equal(t, 1, f.transport.Meta().Sessions)
}

func TestWSTransport_HeartbeatTerminatesSilentPeer(t *testing.T) {
	f := newWSFixture(t)
	f.transport.SetHeartbeat(30 * time.Millisecond)

	// Never reads after the ack, so pings go unanswered.
	conn := f.dial(t, "/client")
	readFrame(t, conn)
	require.Eventually(t, func() bool { return f.transport.Meta().Sessions == 1 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return f.transport.Meta().Sessions == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWSTransport_HeartbeatKeepsResponsivePeer(t *testing.T) {
	f := newWSFixture(t)
	f.transport.SetHeartbeat(30 * time.Millisecond)

	conn := f.dial(t, "/client")
	readFrame(t, conn)
	go func() {
		for {
			// Reading lets gorilla's default ping handler answer with pongs.
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, f.transport.Meta().Sessions)
}

func TestWSTransport_Health(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "/process")
	readFrame(t, conn)
	require.Eventually(t, func() bool { return f.transport.Meta().Sessions == 1 }, time.Second, 5*time.Millisecond)

	resp, err := http.Get(f.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, map[string]int{"client": 0, "process": 1}, health.Sessions)
}

func TestWSTransport_Mount(t *testing.T) {
	transport := NewWSTransport("127.0.0.1:0", SessionOptions{Backbone: broker.NewMemoryBackbone()})
	transport.Mount("/ui", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "dashboard "+r.URL.Path)
	}))
	srv := httptest.NewServer(transport.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ui/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "dashboard /ui/sessions", string(body))

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWSTransport_Metrics(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "/client")
	readFrame(t, conn)
	require.NoError(t, conn.WriteJSON(proto.NewSubscribeCommand("loc-1")))
	require.Eventually(t, func() bool { return f.backbone.Subscribers("toClient|loc-1") == 1 }, time.Second, 5*time.Millisecond)

	resp, err := http.Get(f.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `relay_sessions_active{kind="client"} 1`)
	assert.Contains(t, string(body), `relay_frames_received_total{kind="client"} 1`)
}

func TestWSTransport_StartAndShutdown(t *testing.T) {
	transport := NewWSTransport("127.0.0.1:0", SessionOptions{Backbone: broker.NewMemoryBackbone()})

	done := make(chan error, 1)
	go func() { done <- transport.Start() }()
	require.Eventually(t, func() bool { return transport.Meta().Connected }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, transport.Shutdown())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("Start() did not return after shutdown")
	}
	assert.False(t, transport.Meta().Connected)
}

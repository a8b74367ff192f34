package server

import (
	"context"

	"github.com/mbocsi/relay/proto"
)

// ClientSession bridges one UI socket: it subscribes to toClient topics on
// request and writes every packet published there to the socket.
type ClientSession struct {
	*session
}

// NewClientSession acknowledges the socket at once and starts connecting to
// the backbone in the background.
func NewClientSession(socket Socket, opts SessionOptions) *ClientSession {
	s := &ClientSession{session: newSession(KindClient, socket, opts)}
	s.open()
	return s
}

// Subscribe starts forwarding packets for locationID to the socket.
func (s *ClientSession) Subscribe(ctx context.Context, locationID string) error {
	return s.subscribe(ctx, s.tags.ToClient, locationID)
}

// HandleFrame acts on subscribe commands. Anything else is ignored.
func (s *ClientSession) HandleFrame(frame []byte) {
	s.metrics.frameReceived(s.kind)

	cmd, err := proto.ParseCommand(frame)
	if err != nil {
		s.log.Warn("Invalid frame received", "error", err, "data", string(frame))
		s.metrics.frameDropped(s.kind, "malformed")
		return
	}
	if !cmd.IsSubscribe() {
		s.log.Debug("Ignoring frame", "type", cmd.Type)
		s.metrics.frameDropped(s.kind, "unsupported")
		return
	}
	s.Subscribe(s.ctx, cmd.LocationID)
}

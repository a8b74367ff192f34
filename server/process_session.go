package server

import (
	"context"
	"encoding/json"

	"github.com/mbocsi/relay/proto"
)

// ProcessSession bridges one sensor-facing socket. Packets it sends are
// published on fromSensor topics; packets UI clients publish on the fromClient
// topics it subscribed to are written back to it.
type ProcessSession struct {
	*session
}

func NewProcessSession(socket Socket, opts SessionOptions) *ProcessSession {
	s := &ProcessSession{session: newSession(KindProcess, socket, opts)}
	s.open()
	return s
}

// Publish sends pkt on fromSensor|locationID. Packets without object data are
// dropped.
func (s *ProcessSession) Publish(ctx context.Context, locationID string, pkt proto.Packet) error {
	if locationID == "" {
		s.log.Warn("Can't publish to an empty location")
		return proto.ErrEmptyLocation
	}
	if pkt.Type == "" || !proto.IsJSONObject(pkt.Data) {
		s.log.Debug("Dropping invalid packet", "location", locationID, "type", pkt.Type)
		s.metrics.frameDropped(s.kind, "invalid")
		return nil
	}

	topic, err := s.tags.Build(s.tags.FromSensor, locationID)
	if err != nil {
		s.log.Warn("Can't build topic", "location", locationID, "error", err)
		return err
	}
	payload, err := json.Marshal(pkt)
	if err != nil {
		return err
	}

	if err := s.gateway.Publish(ctx, topic, payload); err != nil {
		return err
	}
	s.markReady()
	s.log.Debug("Published", "topic", topic, "type", pkt.Type, "size", len(payload))
	return nil
}

// Subscribe starts forwarding fromClient packets for locationID to the socket.
func (s *ProcessSession) Subscribe(ctx context.Context, locationID string) error {
	return s.subscribe(ctx, s.tags.FromClient, locationID)
}

func (s *ProcessSession) HandleFrame(frame []byte) {
	s.metrics.frameReceived(s.kind)

	cmd, err := proto.ParseCommand(frame)
	if err != nil {
		s.log.Warn("Invalid frame received", "error", err, "data", string(frame))
		s.metrics.frameDropped(s.kind, "malformed")
		return
	}
	if cmd.IsSubscribe() {
		s.Subscribe(s.ctx, cmd.LocationID)
		return
	}

	pkt, ok := cmd.PublishPacket()
	if !ok {
		s.log.Debug("Dropping invalid publish frame", "data", string(frame))
		s.metrics.frameDropped(s.kind, "invalid")
		return
	}
	s.Publish(s.ctx, pkt.LocationID, pkt)
}

package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrDecode = errors.New("payload is not a valid packet")

// Packet is the envelope exchanged with UI clients and processes.
type Packet struct {
	LocationID string          `json:"locationId"`
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
}

func (p Packet) Validate() error {
	if p.LocationID == "" {
		return ErrEmptyLocation
	}
	if p.Type == "" {
		return errors.New("packet type is empty")
	}
	return nil
}

// EventName returns the compound "<locationId>=><type>" name used to fan
// packets out to listeners.
func (p Packet) EventName() string {
	return EventName(p.LocationID, p.Type)
}

func EventName(locationID, packetType string) string {
	return locationID + "=>" + packetType
}

// Ack is the first frame written to every accepted WebSocket.
type Ack struct {
	Connect bool `json:"connect"`
	Status  int  `json:"status"`
}

func NewAck() Ack {
	return Ack{Connect: true, Status: 200}
}

// IsAck reports whether a raw frame is the connection acknowledgement.
func IsAck(frame []byte) bool {
	var ack Ack
	if err := json.Unmarshal(frame, &ack); err != nil {
		return false
	}
	return ack.Connect && ack.Status == 200
}

const CommandSubscribe = "subscribe"

// Command is a frame received from a client or process socket. The raw
// fields are kept so publish validation can check JSON types, not just
// presence.
type Command struct {
	Type       string
	LocationID string
	Data       json.RawMessage

	typeIsString     bool
	locationIsString bool
}

// SubscribeCommand is the frame clients and processes send to subscribe.
type SubscribeCommand struct {
	Type       string `json:"type"`
	LocationID string `json:"locationId"`
}

func NewSubscribeCommand(locationID string) SubscribeCommand {
	return SubscribeCommand{Type: CommandSubscribe, LocationID: locationID}
}

// ParseCommand decodes a socket frame. Only malformed JSON or a non-object
// frame is an error; missing or mistyped fields are reported through
// IsSubscribe and PublishPacket.
func ParseCommand(frame []byte) (Command, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(frame, &fields); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if fields == nil {
		return Command{}, fmt.Errorf("%w: frame is not an object", ErrDecode)
	}

	var cmd Command
	if raw, ok := fields["type"]; ok {
		cmd.typeIsString = json.Unmarshal(raw, &cmd.Type) == nil && isJSONString(raw)
	}
	if raw, ok := fields["locationId"]; ok {
		cmd.locationIsString = json.Unmarshal(raw, &cmd.LocationID) == nil && isJSONString(raw)
	}
	cmd.Data = fields["data"]
	return cmd, nil
}

func (c Command) IsSubscribe() bool {
	return c.typeIsString && c.Type == CommandSubscribe
}

// PublishPacket returns the packet carried by a publish frame. ok is false
// unless type and locationId are strings and data is a JSON object.
func (c Command) PublishPacket() (Packet, bool) {
	if !c.typeIsString || !c.locationIsString || !IsJSONObject(c.Data) {
		return Packet{}, false
	}
	return Packet{LocationID: c.LocationID, Type: c.Type, Data: c.Data}, true
}

// DecodePacket decodes a backbone payload into a packet addressed to the
// location carried by topic.
func DecodePacket(topic string, payload []byte) (Packet, error) {
	t := ParseTopic(topic)
	if t.LocationID == "" {
		return Packet{}, fmt.Errorf("%w: unroutable topic %q", ErrDecode, topic)
	}

	var body struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	pkt := Packet{LocationID: t.LocationID, Type: body.Type, Data: body.Data}
	if len(pkt.Data) == 0 || bytes.Equal(pkt.Data, []byte("null")) {
		pkt.Data = json.RawMessage("{}")
	}
	if err := pkt.Validate(); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return pkt, nil
}

func isJSONString(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '"'
}

// IsJSONObject reports whether raw holds a JSON object.
func IsJSONObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind is the closed set of packet types the front end understands.
type Kind int

const (
	KindUnknown Kind = iota
	KindEnv
	KindTof
	KindNeo
	KindTilt
	KindSelect
)

var kindNames = map[Kind]string{
	KindUnknown: "unknown",
	KindEnv:     "env",
	KindTof:     "tof",
	KindNeo:     "neo",
	KindTilt:    "tilt",
	KindSelect:  "select",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// KindOf maps a packet type string onto a Kind.
func KindOf(packetType string) Kind {
	for k, name := range kindNames {
		if k != KindUnknown && name == packetType {
			return k
		}
	}
	return KindUnknown
}

// Env carries environmental readings keyed by measurement name
// (temperature, humidity, pressure, ...).
type Env map[string]float64

// Tof is a time-of-flight presence reading.
type Tof struct {
	Side    string `json:"side"`
	Present bool   `json:"present"`
}

// Tilt carries the bridge angles in radians.
type Tilt struct {
	LeftTower   float64 `json:"leftTower"`
	RightTower  float64 `json:"rightTower"`
	LeftBridge  float64 `json:"leftBridge"`
	RightBridge float64 `json:"rightBridge"`
}

// Select asks the UI to focus a location.
type Select struct {
	LocationID string `json:"locationId"`
}

// NeoCommand lights one LED. On the wire it is [led, [r, g, b]].
type NeoCommand struct {
	LED int
	RGB [3]uint8
}

func (c *NeoCommand) UnmarshalJSON(b []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return err
	}
	if len(parts) != 2 {
		return errors.New("neo command must be [led, [r, g, b]]")
	}
	if err := json.Unmarshal(parts[0], &c.LED); err != nil {
		return fmt.Errorf("neo led: %w", err)
	}
	if err := json.Unmarshal(parts[1], &c.RGB); err != nil {
		return fmt.Errorf("neo rgb: %w", err)
	}
	return nil
}

func (c NeoCommand) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{c.LED, c.RGB})
}

type Neo struct {
	Commands []NeoCommand `json:"commands"`
}

// Decoded is a packet decoded once at the boundary. Exactly one of the kind
// specific fields is set, matching Kind; KindUnknown keeps only Packet.
type Decoded struct {
	Kind   Kind
	Packet Packet

	Env    Env
	Tof    *Tof
	Neo    *Neo
	Tilt   *Tilt
	Select *Select
}

// Decode never fails: a type outside the known set, or a body that does not
// fit its kind, yields KindUnknown with the raw packet preserved.
func Decode(p Packet) Decoded {
	d := Decoded{Kind: KindOf(p.Type), Packet: p}
	if err := d.decodeData(); err != nil {
		return Decoded{Kind: KindUnknown, Packet: p}
	}
	return d
}

func (d *Decoded) decodeData() error {
	data := d.Packet.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}

	switch d.Kind {
	case KindEnv:
		return json.Unmarshal(data, &d.Env)
	case KindTof:
		d.Tof = &Tof{}
		return json.Unmarshal(data, d.Tof)
	case KindNeo:
		d.Neo = &Neo{}
		return json.Unmarshal(data, d.Neo)
	case KindTilt:
		d.Tilt = &Tilt{}
		return json.Unmarshal(data, d.Tilt)
	case KindSelect:
		d.Select = &Select{}
		if err := json.Unmarshal(data, d.Select); err != nil {
			return err
		}
		if strings.TrimSpace(d.Select.LocationID) == "" {
			return errors.New("select packet requires a location id")
		}
	}
	return nil
}

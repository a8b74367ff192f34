package proto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand_Subscribe(t *testing.T) {
	cmd, err := ParseCommand([]byte(`{"type":"subscribe","locationId":"loc-1"}`))
	require.NoError(t, err)
	assert.True(t, cmd.IsSubscribe())
	assert.Equal(t, "loc-1", cmd.LocationID)
}

func TestParseCommand_Malformed(t *testing.T) {
	for _, frame := range []string{`not json`, `[1,2]`, `"subscribe"`, `null`} {
		_, err := ParseCommand([]byte(frame))
		assert.ErrorIs(t, err, ErrDecode, frame)
	}
}

func TestCommand_PublishPacket(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		ok    bool
	}{
		{"valid", `{"type":"neo","locationId":"loc-2","data":{"commands":[]}}`, true},
		{"missing data", `{"type":"neo","locationId":"loc-2"}`, false},
		{"data is array", `{"type":"neo","locationId":"loc-2","data":[1]}`, false},
		{"data is null", `{"type":"neo","locationId":"loc-2","data":null}`, false},
		{"numeric type", `{"type":7,"locationId":"loc-2","data":{}}`, false},
		{"numeric location", `{"type":"neo","locationId":2,"data":{}}`, false},
		{"missing location", `{"type":"neo","data":{}}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := ParseCommand([]byte(tt.frame))
			require.NoError(t, err)

			pkt, ok := cmd.PublishPacket()
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, "loc-2", pkt.LocationID)
				assert.Equal(t, "neo", pkt.Type)
				assert.JSONEq(t, `{"commands":[]}`, string(pkt.Data))
			}
		})
	}
}

func TestDecodePacket(t *testing.T) {
	pkt, err := DecodePacket("toClient|loc-1", []byte(`{"locationId":"elsewhere","type":"env","data":{"temp":21.5}}`))
	require.NoError(t, err)
	assert.Equal(t, "loc-1", pkt.LocationID, "location comes from the topic")
	assert.Equal(t, "env", pkt.Type)
	assert.JSONEq(t, `{"temp":21.5}`, string(pkt.Data))
}

func TestDecodePacket_DefaultsData(t *testing.T) {
	pkt, err := DecodePacket("fromClient|loc-1", []byte(`{"type":"ping"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(pkt.Data))
}

func TestDecodePacket_Errors(t *testing.T) {
	_, err := DecodePacket("toClient|loc-1", []byte{0x01, 0xfe, 0x33})
	assert.ErrorIs(t, err, ErrDecode)

	_, err = DecodePacket("toClient", []byte(`{"type":"env","data":{}}`))
	assert.ErrorIs(t, err, ErrDecode)

	_, err = DecodePacket("toClient|loc-1", []byte(`{"data":{}}`))
	assert.ErrorIs(t, err, ErrDecode)
}

func TestPacketWireShape(t *testing.T) {
	pkt := Packet{LocationID: "loc-1", Type: "env", Data: json.RawMessage(`{"temp":21.5}`)}
	b, err := json.Marshal(pkt)
	require.NoError(t, err)
	assert.JSONEq(t, `{"locationId":"loc-1","type":"env","data":{"temp":21.5}}`, string(b))
	assert.Equal(t, "loc-1=>env", pkt.EventName())
}

func TestAck(t *testing.T) {
	b, err := json.Marshal(NewAck())
	require.NoError(t, err)
	assert.JSONEq(t, `{"connect":true,"status":200}`, string(b))
	assert.True(t, IsAck(b))
	assert.False(t, IsAck([]byte(`{"locationId":"x","type":"env","data":{}}`)))
}

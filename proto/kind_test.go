package proto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func packet(typ, data string) Packet {
	return Packet{LocationID: "loc-1", Type: typ, Data: json.RawMessage(data)}
}

func TestDecode_Kinds(t *testing.T) {
	env := Decode(packet("env", `{"temperature":21.5,"humidity":40}`))
	require.Equal(t, KindEnv, env.Kind)
	assert.Equal(t, 21.5, env.Env["temperature"])

	tof := Decode(packet("tof", `{"side":"all","present":true}`))
	require.Equal(t, KindTof, tof.Kind)
	assert.Equal(t, Tof{Side: "all", Present: true}, *tof.Tof)

	tilt := Decode(packet("tilt", `{"leftTower":0.1,"rightTower":-0.1,"leftBridge":0.5,"rightBridge":0.4}`))
	require.Equal(t, KindTilt, tilt.Kind)
	assert.Equal(t, 0.5, tilt.Tilt.LeftBridge)

	sel := Decode(packet("select", `{"locationId":"ub.model-uk.leeds"}`))
	require.Equal(t, KindSelect, sel.Kind)
	assert.Equal(t, "ub.model-uk.leeds", sel.Select.LocationID)
}

func TestDecode_Neo(t *testing.T) {
	neo := Decode(packet("neo", `{"commands":[[3,[255,0,16]],[7,[0,0,0]]]}`))
	require.Equal(t, KindNeo, neo.Kind)
	require.Len(t, neo.Neo.Commands, 2)
	assert.Equal(t, NeoCommand{LED: 3, RGB: [3]uint8{255, 0, 16}}, neo.Neo.Commands[0])

	b, err := json.Marshal(neo.Neo)
	require.NoError(t, err)
	assert.JSONEq(t, `{"commands":[[3,[255,0,16]],[7,[0,0,0]]]}`, string(b))
}

func TestDecode_Unknown(t *testing.T) {
	cases := []Packet{
		packet("weather", `{"x":1}`),
		packet("env", `{"temperature":"warm"}`),
		packet("neo", `{"commands":[[1]]}`),
		packet("select", `{}`),
	}
	for _, p := range cases {
		d := Decode(p)
		assert.Equal(t, KindUnknown, d.Kind, p.Type+" "+string(p.Data))
		assert.Equal(t, p, d.Packet)
		assert.Nil(t, d.Tof)
		assert.Nil(t, d.Neo)
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindTilt, KindOf("tilt"))
	assert.Equal(t, KindUnknown, KindOf("unknown"))
	assert.Equal(t, KindUnknown, KindOf(""))
	assert.Equal(t, "neo", KindNeo.String())
}

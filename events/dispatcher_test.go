package events

import (
	"encoding/json"
	"testing"

	"github.com/mbocsi/relay/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatch_InRegistrationOrder(t *testing.T) {
	d := NewDispatcher()
	var calls []string
	a := NewListener(func(Event) { calls = append(calls, "a") })
	b := NewListener(func(Event) { calls = append(calls, "b") })
	c := NewListener(func(Event) { calls = append(calls, "c") })

	d.AddEventListener("loc=>env", a)
	d.AddEventListener("loc=>env", b)
	d.AddEventListener("loc=>env", c)
	d.AddEventListener("loc=>tof", NewListener(func(Event) { calls = append(calls, "tof") }))

	d.DispatchEvent(Event{Type: "loc=>env"})
	assert.Equal(t, []string{"a", "b", "c"}, calls)
}

func TestDispatch_NoListenersIsNoop(t *testing.T) {
	d := NewDispatcher()
	assert.NotPanics(t, func() { d.DispatchEvent(Event{Type: "nobody"}) })
}

func TestAddEventListener_IgnoresNilCallback(t *testing.T) {
	d := NewDispatcher()
	d.AddEventListener("e", nil)
	d.AddEventListener("e", NewListener(nil))
	d.AddEventListener("e", &Listener{})
	assert.Equal(t, 0, d.Len("e"))
	assert.NotPanics(t, func() { d.DispatchEvent(Event{Type: "e"}) })
}

func TestAddEventListener_IgnoresDuplicates(t *testing.T) {
	d := NewDispatcher()
	count := 0
	l := NewListener(func(Event) { count++ })

	d.AddEventListener("e", l)
	d.AddEventListener("e", l)
	assert.Equal(t, 1, d.Len("e"))

	d.DispatchEvent(Event{Type: "e"})
	assert.Equal(t, 1, count)

	// Same callback, different handle: a distinct listener.
	d.AddEventListener("e", NewListener(func(Event) { count++ }))
	assert.Equal(t, 2, d.Len("e"))
}

func TestRemoveEventListener(t *testing.T) {
	d := NewDispatcher()
	count := 0
	l := NewListener(func(Event) { count++ })

	d.RemoveEventListener("e", l)
	d.AddEventListener("e", l)
	assert.True(t, d.HasEventListener("e", l))

	d.RemoveEventListener("e", l)
	d.RemoveEventListener("e", l)
	assert.False(t, d.HasEventListener("e", l))
	assert.Equal(t, 0, d.Len("e"))

	d.DispatchEvent(Event{Type: "e"})
	assert.Equal(t, 0, count)
}

func TestDispatch_SelfRemovalDuringDispatch(t *testing.T) {
	d := NewDispatcher()
	var calls []string
	var self *Listener
	self = NewListener(func(Event) {
		calls = append(calls, "self")
		d.RemoveEventListener("e", self)
	})
	other := NewListener(func(Event) { calls = append(calls, "other") })

	d.AddEventListener("e", self)
	d.AddEventListener("e", other)

	d.DispatchEvent(Event{Type: "e"})
	assert.Equal(t, []string{"self", "other"}, calls)

	calls = nil
	d.DispatchEvent(Event{Type: "e"})
	assert.Equal(t, []string{"other"}, calls)
}

func TestDispatch_RemovingLaterListenerKeepsSnapshot(t *testing.T) {
	d := NewDispatcher()
	var calls []string
	second := NewListener(func(Event) { calls = append(calls, "second") })
	first := NewListener(func(Event) {
		calls = append(calls, "first")
		d.RemoveEventListener("e", second)
		d.AddEventListener("e", NewListener(func(Event) { calls = append(calls, "added") }))
	})

	d.AddEventListener("e", first)
	d.AddEventListener("e", second)

	d.DispatchEvent(Event{Type: "e"})
	assert.Equal(t, []string{"first", "second"}, calls, "current dispatch uses the snapshot")

	calls = nil
	d.DispatchEvent(Event{Type: "e"})
	assert.Equal(t, []string{"first", "added"}, calls)
}

func TestDispatch_ReentrantDispatch(t *testing.T) {
	d := NewDispatcher()
	var calls []string
	d.AddEventListener("outer", NewListener(func(Event) {
		calls = append(calls, "outer")
		d.DispatchEvent(Event{Type: "inner"})
	}))
	d.AddEventListener("inner", NewListener(func(Event) { calls = append(calls, "inner") }))

	d.DispatchEvent(Event{Type: "outer"})
	assert.Equal(t, []string{"outer", "inner"}, calls)
}

func TestNewPacketEvent(t *testing.T) {
	pkt := proto.Packet{LocationID: "ub.model-uk.st-enoch", Type: "tof", Data: json.RawMessage(`{"side":"all","present":true}`)}

	d := NewDispatcher()
	var got Event
	d.AddEventListener("ub.model-uk.st-enoch=>tof", NewListener(func(e Event) { got = e }))
	d.DispatchEvent(NewPacketEvent(pkt))

	require.Equal(t, proto.KindTof, got.Decoded.Kind)
	assert.True(t, got.Decoded.Tof.Present)
	assert.Equal(t, pkt, got.Packet)
}

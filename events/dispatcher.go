// Package events fans decoded packets out to independent listeners keyed by
// compound event names ("<locationId>=><type>").
package events

import (
	"slices"
	"sync"

	"github.com/mbocsi/relay/proto"
)

// Event is what listeners receive. Type selects the listeners.
type Event struct {
	Type    string
	Packet  proto.Packet
	Decoded proto.Decoded
}

// NewPacketEvent wraps a packet under its compound event name.
func NewPacketEvent(p proto.Packet) Event {
	return Event{Type: p.EventName(), Packet: p, Decoded: proto.Decode(p)}
}

// Listener is a handle around a callback. Go funcs are not comparable, so a
// listener's identity is its pointer.
type Listener struct {
	fn func(Event)
}

func NewListener(fn func(Event)) *Listener {
	return &Listener{fn: fn}
}

// Dispatcher is a synchronous listener registry. Dispatch runs on the
// caller's goroutine; the lock only protects the registry itself, listeners
// run without it.
type Dispatcher struct {
	mu        sync.Mutex
	listeners map[string][]*Listener
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{listeners: make(map[string][]*Listener)}
}

// AddEventListener appends l to name's listeners. Adding the same listener
// twice is a no-op, as is adding one without a callback.
func (d *Dispatcher) AddEventListener(name string, l *Listener) {
	if l == nil || l.fn == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if slices.Contains(d.listeners[name], l) {
		return
	}
	d.listeners[name] = append(d.listeners[name], l)
}

// RemoveEventListener removes l from name's listeners if present.
func (d *Dispatcher) RemoveEventListener(name string, l *Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()

	list := d.listeners[name]
	i := slices.Index(list, l)
	if i < 0 {
		return
	}
	// Clone so a snapshot held by an in-progress dispatch is untouched.
	list = slices.Delete(slices.Clone(list), i, i+1)
	if len(list) == 0 {
		delete(d.listeners, name)
		return
	}
	d.listeners[name] = list
}

func (d *Dispatcher) HasEventListener(name string, l *Listener) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Contains(d.listeners[name], l)
}

// Len returns the number of listeners registered for name.
func (d *Dispatcher) Len(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.listeners[name])
}

// DispatchEvent invokes every listener registered for e.Type, in registration
// order, over a snapshot taken before the first call. Listeners added or
// removed meanwhile take effect from the next dispatch.
func (d *Dispatcher) DispatchEvent(e Event) {
	d.mu.Lock()
	snapshot := slices.Clone(d.listeners[e.Type])
	d.mu.Unlock()

	for _, l := range snapshot {
		l.fn(e)
	}
}

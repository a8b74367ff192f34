package server

import (
	"fmt"
	"sync"
	"testing"

	"github.com/mbocsi/relay/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSessions(t *testing.T, n int, kind SessionKind) []Session {
	t.Helper()
	backbone := broker.NewMemoryBackbone()
	out := make([]Session, 0, n)
	for i := 0; i < n; i++ {
		var s Session
		if kind == KindProcess {
			s = NewProcessSession(newFakeSocket(), SessionOptions{Backbone: backbone})
		} else {
			s = NewClientSession(newFakeSocket(), SessionOptions{Backbone: backbone})
		}
		t.Cleanup(func() { s.Close() })
		out = append(out, s)
	}
	return out
}

func TestSessionRegistry_StoreGetDelete(t *testing.T) {
	registry := NewSessionRegistry()
	s := newTestSessions(t, 1, KindClient)[0]

	registry.Store(s)
	got, ok := registry.Get(s.ID())
	require.True(t, ok)
	assert.Same(t, s, got)

	registry.Delete(s.ID())
	_, ok = registry.Get(s.ID())
	assert.False(t, ok)

	registry.Delete("client-missing")
	assert.Equal(t, 0, registry.Count())
}

func TestSessionRegistry_ListIsSorted(t *testing.T) {
	registry := NewSessionRegistry()
	for _, s := range newTestSessions(t, 5, KindClient) {
		registry.Store(s)
	}

	list := registry.List()
	require.Len(t, list, 5)
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].ID(), list[i].ID())
	}
}

func TestSessionRegistry_CountKind(t *testing.T) {
	registry := NewSessionRegistry()
	for _, s := range newTestSessions(t, 3, KindClient) {
		registry.Store(s)
	}
	for _, s := range newTestSessions(t, 2, KindProcess) {
		registry.Store(s)
	}

	assert.Equal(t, 5, registry.Count())
	assert.Equal(t, 3, registry.CountKind(KindClient))
	assert.Equal(t, 2, registry.CountKind(KindProcess))
}

func TestSessionRegistry_CloseAll(t *testing.T) {
	registry := NewSessionRegistry()
	sessions := newTestSessions(t, 3, KindProcess)
	for _, s := range sessions {
		registry.Store(s)
	}

	registry.CloseAll()
	assert.Equal(t, 0, registry.Count())
	for _, s := range sessions {
		assert.Equal(t, StateClosed, s.State())
	}
}

func TestSessionRegistry_Concurrent(t *testing.T) {
	registry := NewSessionRegistry()
	sessions := newTestSessions(t, 20, KindClient)

	var wg sync.WaitGroup
	for i, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			registry.Store(s)
			registry.List()
			if i%2 == 0 {
				registry.Delete(s.ID())
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, registry.Count(), fmt.Sprintf("sessions: %d", len(registry.List())))
}

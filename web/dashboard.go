// Package web serves a small operator dashboard next to the relay's
// WebSocket endpoints.
package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/mbocsi/relay/server"
	"github.com/mbocsi/relay/state"
)

// Prefix is where the dashboard is mounted on the relay's router.
const Prefix = "/ui"

type SessionSource interface {
	List() []server.Session
	Get(id string) (server.Session, bool)
}

type StateSource interface {
	Snapshot() state.State
	SetDirection(direction int)
}

type Options struct {
	Sessions   SessionSource
	State      StateSource               // Optional
	Transports func() []server.Transport // Optional
	Live       *Live                     // Optional, enables the live packet stream
}

type Dashboard struct {
	sessions   SessionSource
	state      StateSource
	transports func() []server.Transport
	live       *Live
	templates  *Templates
}

func NewDashboard(opts Options) *Dashboard {
	if opts.Transports == nil {
		opts.Transports = func() []server.Transport { return nil }
	}
	return &Dashboard{
		sessions:   opts.Sessions,
		state:      opts.State,
		transports: opts.Transports,
		live:       opts.Live,
		templates:  NewTemplates(),
	}
}

// Routes returns the dashboard's handler, to be mounted at Prefix.
func (d *Dashboard) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/", d.HandleHome)
	r.Get("/sessions", d.HandleSessions)
	r.Get("/sessions/{id}", d.HandleSessionDetail)
	r.Post("/sessions/{id}/close", d.HandleSessionClose)
	r.Get("/transports", d.HandleTransports)
	r.Get("/state", d.HandleState)
	r.Post("/state/direction", d.HandleSetDirection)
	r.Get("/watch/{location}", d.HandleWatch)
	r.Get("/live/{location}", d.HandleLive)

	r.Get("/api/sessions", d.HandleAPISessions)
	r.Get("/api/state", d.HandleAPIState)
	return r
}

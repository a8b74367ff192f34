package web

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/mbocsi/relay/events"
	"github.com/mbocsi/relay/server"
)

const liveBuffer = 32

func (d *Dashboard) HandleHome(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, Prefix+"/sessions", http.StatusFound)
}

func (d *Dashboard) describeSessions() []server.SessionInfo {
	sessions := d.sessions.List()
	infos := make([]server.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, server.Describe(s))
	}
	return infos
}

func (d *Dashboard) HandleSessions(w http.ResponseWriter, r *http.Request) {
	d.templates.pages["sessions"].RenderPage(w, map[string]any{
		"Title":    "Sessions",
		"Sessions": d.describeSessions(),
	})
}

func (d *Dashboard) HandleSessionDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s, ok := d.sessions.Get(id)
	if !ok {
		http.Error(w, fmt.Sprintf("session %s not found", id), http.StatusNotFound)
		return
	}
	d.templates.pages["session"].RenderPage(w, map[string]any{
		"Title":   "Session " + id,
		"Session": server.Describe(s),
	})
}

func (d *Dashboard) HandleSessionClose(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s, ok := d.sessions.Get(id)
	if !ok {
		http.Error(w, fmt.Sprintf("session %s not found", id), http.StatusNotFound)
		return
	}
	if err := s.Close(); err != nil {
		slog.Warn("Closing session from dashboard failed", "session", id, "error", err)
	}
	slog.Info("Session closed from dashboard", "session", id)
	http.Redirect(w, r, Prefix+"/sessions", http.StatusSeeOther)
}

func (d *Dashboard) HandleTransports(w http.ResponseWriter, r *http.Request) {
	transports := d.transports()
	metas := make([]server.TransportMetadata, 0, len(transports))
	for _, t := range transports {
		metas = append(metas, t.Meta())
	}
	d.templates.pages["transports"].RenderPage(w, map[string]any{
		"Title":      "Transports",
		"Transports": metas,
	})
}

func (d *Dashboard) HandleState(w http.ResponseWriter, r *http.Request) {
	if d.state == nil {
		http.Error(w, "relay state is not available", http.StatusNotFound)
		return
	}
	d.templates.pages["state"].RenderPage(w, map[string]any{
		"Title": "State",
		"State": d.state.Snapshot(),
	})
}

func (d *Dashboard) HandleSetDirection(w http.ResponseWriter, r *http.Request) {
	if d.state == nil {
		http.Error(w, "relay state is not available", http.StatusNotFound)
		return
	}
	direction, err := strconv.Atoi(r.FormValue("direction"))
	if err != nil {
		http.Error(w, "direction must be an integer", http.StatusBadRequest)
		return
	}
	d.state.SetDirection(direction)
	slog.Info("Direction set from dashboard", "direction", direction)
	http.Redirect(w, r, Prefix+"/state", http.StatusSeeOther)
}

func (d *Dashboard) HandleWatch(w http.ResponseWriter, r *http.Request) {
	location := chi.URLParam(r, "location")
	d.templates.pages["watch"].RenderPage(w, map[string]any{
		"Title":    "Watching " + location,
		"Location": location,
	})
}

// HandleLive streams the packets delivered to clients of one location as
// Server-Sent Events.
func (d *Dashboard) HandleLive(w http.ResponseWriter, r *http.Request) {
	if d.live == nil {
		http.Error(w, "live view is not enabled", http.StatusNotFound)
		return
	}
	location := chi.URLParam(r, "location")

	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("Streaming unsupported", "location", location)
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	if err := d.live.Watch(r.Context(), location); err != nil {
		slog.Warn("Live view subscribe failed", "location", location, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	ch := make(chan events.Event, liveBuffer)
	listener := events.NewListener(func(e events.Event) {
		select {
		case ch <- e:
		default:
			// Slow viewer, drop.
		}
	})
	d.live.AddListener(location, listener)
	defer d.live.RemoveListener(location, listener)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", location)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-ch:
			data, err := json.Marshal(e.Packet)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: packet\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (d *Dashboard) HandleAPISessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, d.describeSessions())
}

func (d *Dashboard) HandleAPIState(w http.ResponseWriter, r *http.Request) {
	if d.state == nil {
		http.Error(w, "relay state is not available", http.StatusNotFound)
		return
	}
	writeJSON(w, d.state.Snapshot())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

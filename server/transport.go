package server

type Transport interface {
	Start() error
	Shutdown() error
	Meta() TransportMetadata
	SetName(name string)
	SetDescription(description string)
}

// SessionTransport is a transport that accepts WebSocket sessions. The
// coordinator hooks its callbacks to keep the session registry current.
type SessionTransport interface {
	Transport
	OnConnect(func(Session))
	OnDisconnect(func(Session))
}

type TransportMetadata struct {
	ID          string
	Name        string // Human-friendly name, e.g., "WebSocket Gateway"
	Protocol    string // "websocket" or "udp"
	Address     string // Bind address, e.g., "0.0.0.0:8090"
	Description string

	Sessions    int // Current active sessions
	MaxSessions int // 0 when the transport has no sessions
	Peers       int // Outbound UDP peers
	Connected   bool
}

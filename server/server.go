package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mbocsi/relay/state"
)

type RelayServerOptions struct {
	MCPServer  *MCPServer       // Optional stdio MCP server to run alongside
	State      *state.Manager   // Optional state manager run with the transports
	Advertiser *Advertiser      // Optional mDNS advertisement, shut down on exit
	Registry   *SessionRegistry // Optional (defaults to new Registry if nil)
	Context    context.Context  // Optional (defaults to context.Background())
}

type RelayServer struct {
	options     RelayServerOptions
	coordinator *Coordinator
}

func NewRelayServer(opts RelayServerOptions) *RelayServer {
	if opts.Registry == nil {
		opts.Registry = NewSessionRegistry()
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}

	coordinator := NewCoordinator(opts.Registry, opts.State, opts.MCPServer)
	coordinator.Advertiser = opts.Advertiser

	return &RelayServer{
		options:     opts,
		coordinator: coordinator,
	}
}

func (s *RelayServer) RegisterTransport(t Transport) {
	s.coordinator.RegisterTransport(t)
}

func (s *RelayServer) Transports() []Transport {
	return s.coordinator.Transports
}

func (s *RelayServer) Registry() *SessionRegistry {
	return s.options.Registry
}

// Start runs until SIGINT, SIGTERM, or cancellation of the options context.
func (s *RelayServer) Start() error {
	ctx, stop := signal.NotifyContext(s.options.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.coordinator.Start(ctx)
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mbocsi/relay/state"
	"golang.org/x/sync/errgroup"
)

type Coordinator struct {
	Registry   *SessionRegistry
	State      *state.Manager
	MCPServer  *MCPServer
	Advertiser *Advertiser
	Transports []Transport
}

func NewCoordinator(registry *SessionRegistry, stateManager *state.Manager, mcpServer *MCPServer) *Coordinator {
	c := &Coordinator{Registry: registry, State: stateManager, MCPServer: mcpServer}
	if mcpServer != nil {
		listSessions := mcp.NewTool("list_sessions", mcp.WithDescription("Get a list of the WebSocket sessions connected to this relay"))
		mcpServer.AddTool(listSessions, c.listSessions)

		relayState := mcp.NewTool("relay_state", mcp.WithDescription("Get the relay's current direction and last known position"))
		mcpServer.AddTool(relayState, c.relayState)
	}
	return c
}

func (c *Coordinator) listSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions := c.Registry.List()
	res := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		res = append(res, Describe(s))
	}
	return jsonResult(res)
}

func (c *Coordinator) relayState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if c.State == nil {
		return nil, errors.New("relay state is not available")
	}
	return jsonResult(c.State.Snapshot())
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(jsonBytes),
			},
		}}, nil
}

// Start runs the state manager and every transport until ctx is done or one
// of them fails, then shuts the rest down.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.MCPServer != nil {
		go func() {
			if err := c.MCPServer.Start(); err != nil {
				slog.Error("MCP server stopped", "error", err)
			}
		}()
	}

	g, ctx := errgroup.WithContext(ctx)
	if c.State != nil {
		g.Go(func() error { return c.State.Run(ctx) })
	}
	for _, t := range c.Transports {
		g.Go(t.Start)
	}

	g.Go(func() error {
		<-ctx.Done()
		slog.Info("Shutting down transports and server")

		if c.Advertiser != nil {
			if err := c.Advertiser.Shutdown(); err != nil {
				slog.Error("There was an error when shutting down mDNS advertisement", "error", err.Error())
			}
		}
		for _, t := range c.Transports {
			if err := t.Shutdown(); err != nil {
				slog.Error("There was an error when shutting down transport server", "error", err.Error())
			}
		}
		c.Registry.CloseAll()
		return nil
	})

	return g.Wait()
}

func (c *Coordinator) RegisterTransport(t Transport) {
	if st, ok := t.(SessionTransport); ok {
		st.OnConnect(c.RegisterSession)
		st.OnDisconnect(func(s Session) { c.Registry.Delete(s.ID()) })
	}
	c.Transports = append(c.Transports, t)
}

func (c *Coordinator) RegisterSession(s Session) {
	c.Registry.Store(s)
	slog.Info("Registered session", "id", s.ID(), "kind", s.Kind().String())
}

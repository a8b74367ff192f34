package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mbocsi/relay/broker"
	"github.com/mbocsi/relay/config"
	"github.com/mbocsi/relay/server"
	"github.com/mbocsi/relay/state"
	"github.com/mbocsi/relay/web"
	"github.com/spf13/cobra"
)

var configFile string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		// MCP speaks on stdout, so logs go to stderr.
		config.SetupLogger(cfg.Log, os.Stderr)
		return serve(cfg)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "", "Config file path (defaults are used when empty)")
}

func newBackbone(cfg config.BackboneConfig) broker.Backbone {
	if cfg.Type == config.BackboneMemory {
		slog.Warn("Using the in-process backbone, messages stay inside this relay")
		return broker.NewMemoryBackbone()
	}
	return broker.NewRedisBackbone(broker.RedisConfig{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
}

func serve(cfg config.Config) error {
	backbone := newBackbone(cfg.Backbone)
	tags := cfg.Tags.Tags()
	metrics := server.NewMetrics()
	opts := server.SessionOptions{Backbone: backbone, Tags: tags, Metrics: metrics}

	stateManager := state.NewManager(state.Options{
		Backbone: backbone,
		Tags:     tags,
		Watch:    cfg.State.Watch,
	})
	if err := metrics.Register(stateManager.Collectors()...); err != nil {
		return fmt.Errorf("register state metrics: %w", err)
	}

	wsTransport := server.NewWSTransport(cfg.HTTP.Addr, opts)
	wsTransport.SetName(cfg.Name)
	wsTransport.SetDescription("UI clients on /client, processes on /process")
	wsTransport.SetMaxSessions(cfg.HTTP.MaxSessions)
	wsTransport.SetHeartbeat(cfg.Heartbeat.Interval)

	udpTransport, err := server.NewUDPTransport(server.UDPConfig{
		Addr:           cfg.UDP.Addr,
		SourceLocation: cfg.UDP.SourceLocation,
		SourceAddr:     cfg.UDP.SourceAddr,
		MaxRate:        cfg.UDP.MaxRate,
		Peers:          cfg.UDP.Peers,
	}, opts)
	if err != nil {
		return err
	}
	udpTransport.SetName(cfg.Name + " sensor ingest")

	registry := server.NewSessionRegistry()
	serverOpts := server.RelayServerOptions{State: stateManager, Registry: registry}
	if cfg.MCP.Enabled {
		serverOpts.MCPServer = server.NewMCPServer(cfg.Name, version)
	}
	if cfg.MDNS.Enabled {
		advertiser, err := server.Advertise(cfg.Name, cfg.MDNS.Service, cfg.HTTP.Addr, []string{"version=" + version})
		if err != nil {
			slog.Warn("mDNS advertisement disabled", "error", err)
		} else {
			serverOpts.Advertiser = advertiser
		}
	}

	relay := server.NewRelayServer(serverOpts)
	relay.RegisterTransport(wsTransport)
	relay.RegisterTransport(udpTransport)

	if cfg.HTTP.Dashboard {
		live := web.NewLive(backbone, tags)
		defer live.Close()
		dashboard := web.NewDashboard(web.Options{
			Sessions:   registry,
			State:      stateManager,
			Transports: relay.Transports,
			Live:       live,
		})
		wsTransport.Mount(web.Prefix, dashboard.Routes())
	}

	slog.Info("Starting relay",
		"name", cfg.Name,
		"http", cfg.HTTP.Addr,
		"udp", cfg.UDP.Addr,
		"backbone", cfg.Backbone.Type,
		"version", version,
	)
	if err := relay.Start(); err != nil {
		slog.Error("Relay stopped with error", "error", err)
		return err
	}
	slog.Info("Relay stopped")
	return nil
}

// relaywatch connects to a relay as a UI client and prints every packet it
// receives for the given locations.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mbocsi/relay/client"
	"github.com/mbocsi/relay/config"
	"github.com/mbocsi/relay/events"
	"github.com/spf13/cobra"
)

var (
	relayURL  string
	locations []string
	discover  bool
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "relaywatch",
	Short: "Print the packets a relay delivers for one or more locations",
	Long: `relaywatch subscribes to locations on a relay's /client endpoint and
prints every packet as one JSON line.

Examples:
  relaywatch --url localhost:8090 --location ub.model-uk.tower-bridge
  relaywatch --discover -l ub.model-uk.tower-bridge -l ub.model-uk.controller`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&relayURL, "url", "u", "localhost:8090", "Relay address or WebSocket URL")
	rootCmd.Flags().StringSliceVarP(&locations, "location", "l", nil, "Location to subscribe to (repeatable)")
	rootCmd.Flags().BoolVar(&discover, "discover", false, "Find the relay over mDNS instead of using --url")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.MarkFlagRequired("location")
}

type line struct {
	Time     time.Time       `json:"time"`
	Event    string          `json:"event"`
	Kind     string          `json:"kind"`
	Location string          `json:"locationId"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
}

func printer(w io.Writer) *events.Listener {
	enc := json.NewEncoder(w)
	return events.NewListener(func(e events.Event) {
		enc.Encode(line{
			Time:     time.Now(),
			Event:    e.Packet.EventName(),
			Kind:     e.Decoded.Kind.String(),
			Location: e.Packet.LocationID,
			Type:     e.Packet.Type,
			Data:     e.Packet.Data,
		})
	})
}

func run(cmd *cobra.Command, args []string) error {
	config.SetupLogger(config.LogConfig{Level: logLevel, Format: "text"}, os.Stderr)

	addr := relayURL
	if discover {
		relay, err := client.DiscoverRelay(5 * time.Second)
		if err != nil {
			return fmt.Errorf("discover relay: %w", err)
		}
		addr = relay.URL()
	}

	dispatcher := events.NewDispatcher()
	dispatcher.AddEventListener(client.PacketEvent, printer(cmd.OutOrStdout()))

	c := client.NewClient(addr, dispatcher, client.Options{})
	for _, loc := range locations {
		if err := c.Listen(loc); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Watching relay", "addr", addr, "locations", locations)
	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

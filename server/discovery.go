package server

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/hashicorp/mdns"
)

const DefaultMDNSService = "_relay-ws._tcp"

// Advertiser announces the WebSocket endpoint over mDNS so relay clients
// can find it without configuration.
type Advertiser struct {
	server *mdns.Server
}

// Advertise publishes service for the host:port in addr. info becomes the
// TXT records.
func Advertise(instance, service, addr string, info []string) (*Advertiser, error) {
	if service == "" {
		service = DefaultMDNSService
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("mdns advertise %s: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("mdns advertise %s: %w", addr, err)
	}

	host, _ := os.Hostname()
	if instance == "" {
		instance = host
	}

	zone, err := mdns.NewMDNSService(instance, service, "", "", port, nil, info)
	if err != nil {
		return nil, fmt.Errorf("mdns service: %w", err)
	}
	srv, err := mdns.NewServer(&mdns.Config{Zone: zone})
	if err != nil {
		return nil, fmt.Errorf("mdns server: %w", err)
	}

	slog.Info("Advertising relay over mDNS", "instance", instance, "service", service, "port", port)
	return &Advertiser{server: srv}, nil
}

func (a *Advertiser) Shutdown() error {
	return a.server.Shutdown()
}

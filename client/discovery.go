package client

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/hashicorp/mdns"
)

const relayService = "_relay-ws._tcp"

// DiscoveredRelay is a relay advertised over mDNS.
type DiscoveredRelay struct {
	Instance   string
	Address    string
	Port       int
	TXTRecords []string
}

// URL returns the relay's /client endpoint.
func (r *DiscoveredRelay) URL() string {
	return "ws://" + net.JoinHostPort(r.Address, strconv.Itoa(r.Port)) + "/client"
}

// DiscoverRelay returns the first relay that answers within timeout.
func DiscoverRelay(timeout time.Duration) (*DiscoveredRelay, error) {
	return discoverService(relayService, timeout)
}

func discoverService(serviceType string, timeout time.Duration) (*DiscoveredRelay, error) {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	entriesCh := make(chan *mdns.ServiceEntry, 4)

	params := mdns.DefaultParams(serviceType)
	params.Entries = entriesCh
	params.Timeout = timeout
	params.DisableIPv6 = true

	go func() {
		defer close(entriesCh)
		if err := mdns.Query(params); err != nil {
			slog.Debug("mDNS query failed", "service", serviceType, "error", err)
		}
	}()

	select {
	case entry := <-entriesCh:
		if entry == nil {
			return nil, fmt.Errorf("no %s service found", serviceType)
		}
		return relayFromEntry(entry)
	case <-time.After(timeout):
		return nil, fmt.Errorf("mDNS discovery timeout for %s", serviceType)
	}
}

func relayFromEntry(entry *mdns.ServiceEntry) (*DiscoveredRelay, error) {
	var address string
	switch {
	case entry.AddrV4 != nil:
		address = entry.AddrV4.String()
	case entry.AddrV6 != nil:
		address = entry.AddrV6.String()
	default:
		return nil, fmt.Errorf("no valid address found for %s", entry.Name)
	}

	relay := &DiscoveredRelay{
		Instance:   entry.Name,
		Address:    address,
		Port:       entry.Port,
		TXTRecords: entry.InfoFields,
	}
	slog.Info("Discovered relay", "instance", relay.Instance, "address", relay.Address, "port", relay.Port)
	return relay, nil
}

package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType is the mDNS service type a relay advertises.
	ServiceType = "_peerelect._tcp"
	domain      = "local."
)

var ErrRelayNotFound = errors.New("no relay found via mDNS")

// Advertise registers the relay on the local network. Shut the returned
// server down on exit.
func Advertise(instance string, port int) (*zeroconf.Server, error) {
	server, err := zeroconf.Register(instance, ServiceType, domain, port, []string{"path=/ws"}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}
	return server, nil
}

// Discover browses for a relay until one answers or ctx expires.
func Discover(ctx context.Context) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("failed to initialize mDNS resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, ServiceType, domain, entries); err != nil {
		return "", fmt.Errorf("failed to browse for mDNS services: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return "", ErrRelayNotFound
		case entry, ok := <-entries:
			if !ok {
				return "", ErrRelayNotFound
			}
			if u := EntryURL(entry); u != "" {
				return u, nil
			}
		}
	}
}

// EntryURL turns a discovered service into a relay base URL, preferring
// IPv4. It returns "" for entries without an address.
func EntryURL(entry *zeroconf.ServiceEntry) string {
	if entry == nil {
		return ""
	}
	var ip net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0]
	default:
		return ""
	}
	return "ws://" + net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port))
}

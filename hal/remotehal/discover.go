package remotehal

import (
	"context"
	"fmt"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/nfcworks/t2t-agent/protocol"
)

// Endpoint is one agent found on the local network.
type Endpoint struct {
	Name string // mDNS instance name
	Host string
	Port int
	URL  string // ready to pass to Dial
}

// Discover browses the local network for agents for the given window and
// returns every endpoint that answered.
func Discover(ctx context.Context, wait time.Duration) ([]Endpoint, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("remotehal: creating mDNS resolver: %w", err)
	}

	browseCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	collected := make(chan []Endpoint, 1)
	go func() {
		var endpoints []Endpoint
		for entry := range entries {
			ep := Endpoint{Name: entry.Instance, Port: entry.Port}
			switch {
			case len(entry.AddrIPv4) > 0:
				ep.Host = entry.AddrIPv4[0].String()
			case len(entry.AddrIPv6) > 0:
				ep.Host = entry.AddrIPv6[0].String()
			default:
				ep.Host = entry.HostName
			}
			ep.URL = fmt.Sprintf("ws://%s:%d/ws", ep.Host, ep.Port)
			endpoints = append(endpoints, ep)
		}
		collected <- endpoints
	}()

	if err := resolver.Browse(browseCtx, protocol.MDNSServiceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("remotehal: browsing for agents: %w", err)
	}

	<-browseCtx.Done()
	return <-collected, nil
}

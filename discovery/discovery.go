// Package discovery locates a notebook runtime host on the local network via
// mDNS. The sync core never blocks on it: whether a runtime exists only
// matters when a front-end wants to execute code, which is outside the room
// boundary.
package discovery

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/grandcat/zeroconf"
)

// Service types on the local network: runtime hosts announce themselves
// under RuntimeService, and the sync daemon advertises itself under
// ServerService so front-ends can find it without configuration.
const (
	RuntimeService = "_collabnb-runtime._tcp"
	ServerService  = "_collabnb-sync._tcp"
)

// Runtime is a located execution backend.
type Runtime struct {
	Instance string `json:"instance"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
}

// Locate browses for a runtime host until one is found or the context ends.
func Locate(ctx context.Context, service string) (Runtime, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return Runtime{}, fmt.Errorf("init mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, service, "local.", entries); err != nil {
		return Runtime{}, fmt.Errorf("browse %s: %w", service, err)
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return Runtime{}, fmt.Errorf("no runtime found for %s", service)
			}
			if entry == nil {
				continue
			}
			rt := Runtime{Instance: entry.Instance, Port: entry.Port}
			if len(entry.AddrIPv4) > 0 {
				rt.Host = entry.AddrIPv4[0].String()
			} else {
				rt.Host = entry.HostName
			}
			log.Printf("[discovery] found runtime %s at %s:%d", rt.Instance, rt.Host, rt.Port)
			return rt, nil
		case <-ctx.Done():
			return Runtime{}, ctx.Err()
		}
	}
}

// Announce registers this daemon under the given service type so front-ends
// can find it. Returns a shutdown func.
func Announce(service string, port int) (func(), error) {
	host, _ := os.Hostname()
	server, err := zeroconf.Register(
		fmt.Sprintf("syncd-%s", host),
		service,
		"local.",
		port,
		[]string{"txtv=0"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}
	log.Printf("[discovery] announced %s on port %d", service, port)
	return server.Shutdown, nil
}

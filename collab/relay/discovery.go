package relay

import (
	"context"
	"fmt"
	"net"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/grandcat/zeroconf"
)

const (
	DiscoveryService = "_collab._tcp"
	DiscoveryDomain  = "local."
)

// Advertise registers the relay over mDNS until the returned function is called.
func Advertise(instance string, port int, path string) (func(), error) {
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("collab-relay-%s", host)
	}
	server, err := zeroconf.Register(
		instance,
		DiscoveryService,
		DiscoveryDomain,
		port,
		[]string{"txtv=1", fmt.Sprintf("path=%s", path)},
		nil,
	)
	if err != nil {
		return nil, err
	}
	glog.V(1).Infof("[relay]advertise %s on port %d\n", instance, port)
	return server.Shutdown, nil
}

type DiscoveredRelay struct {
	Instance string
	Host     string
	Port     int
	Path     string
	Addrs    []net.IP
}

// Url of the websocket endpoint, preferring ipv4.
func (self *DiscoveredRelay) Url() string {
	host := self.Host
	if 0 < len(self.Addrs) {
		host = self.Addrs[0].String()
		if self.Addrs[0].To4() == nil {
			host = fmt.Sprintf("[%s]", host)
		}
	}
	path := self.Path
	if path == "" {
		path = "/ws"
	}
	return fmt.Sprintf("ws://%s:%d%s", host, self.Port, path)
}

func discoveredRelay(entry *zeroconf.ServiceEntry) *DiscoveredRelay {
	relay := &DiscoveredRelay{
		Instance: entry.Instance,
		Host:     strings.TrimSuffix(entry.HostName, "."),
		Port:     entry.Port,
	}
	relay.Addrs = append(relay.Addrs, entry.AddrIPv4...)
	relay.Addrs = append(relay.Addrs, entry.AddrIPv6...)
	for _, txt := range entry.Text {
		if path, ok := strings.CutPrefix(txt, "path="); ok {
			relay.Path = path
		}
	}
	return relay
}

// Discover browses for relays until the timeout.
func Discover(ctx context.Context, timeout time.Duration) ([]*DiscoveredRelay, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}

	browseCtx, browseCancel := context.WithTimeout(ctx, timeout)
	defer browseCancel()

	entries := make(chan *zeroconf.ServiceEntry)
	var relaysLock sync.Mutex
	relays := []*DiscoveredRelay{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			relay := discoveredRelay(entry)
			glog.V(1).Infof("[relay]discovered %s at %s\n", relay.Instance, relay.Url())
			relaysLock.Lock()
			relays = append(relays, relay)
			relaysLock.Unlock()
		}
	}()

	if err := resolver.Browse(browseCtx, DiscoveryService, DiscoveryDomain, entries); err != nil {
		return nil, err
	}
	<-browseCtx.Done()
	// the resolver closes `entries` when the browse context ends
	select {
	case <-done:
	case <-time.After(time.Second):
	}

	relaysLock.Lock()
	defer relaysLock.Unlock()
	relays = slices.Clone(relays)
	slices.SortFunc(relays, func(a *DiscoveredRelay, b *DiscoveredRelay) int {
		return strings.Compare(a.Instance, b.Instance)
	})
	return relays, nil
}

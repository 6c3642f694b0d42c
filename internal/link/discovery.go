package link

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

// BridgeService is the mDNS service type network bridges advertise.
const BridgeService = "_txbridge._tcp"

// Host is a bridge discovered over mDNS.
type Host struct {
	Instance  string
	Hostname  string
	Addresses []net.IP
	Port      int
	TXT       []string
}

// Address returns the tcp:// address for the host, preferring IPv4.
func (h Host) Address() string {
	host := strings.TrimSuffix(h.Hostname, ".")
	if len(h.Addresses) > 0 {
		host = h.Addresses[0].String()
	}
	if host == "" || h.Port == 0 {
		return ""
	}
	return SchemeTCP + "://" + net.JoinHostPort(host, strconv.Itoa(h.Port))
}

// DiscoverBridges browses for bridges until timeout or ctx ends, returning
// hosts deduplicated by hostname and port.
func DiscoverBridges(ctx context.Context, timeout time.Duration) ([]Host, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("link: mdns resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(map[string]Host)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				if e == nil {
					continue
				}
				addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
				addrs = append(addrs, e.AddrIPv4...)
				addrs = append(addrs, e.AddrIPv6...)
				found[fmt.Sprintf("%s|%d", e.HostName, e.Port)] = Host{
					Instance:  cleanInstance(e.Instance),
					Hostname:  e.HostName,
					Addresses: addrs,
					Port:      e.Port,
					TXT:       append([]string{}, e.Text...),
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, BridgeService, "local.", entries); err != nil {
		return nil, fmt.Errorf("link: mdns browse: %w", err)
	}
	<-done

	out := make([]Host, 0, len(found))
	for _, h := range found {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, nil
}

// cleanInstance removes zeroconf escapes: "\ " becomes " ".
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}

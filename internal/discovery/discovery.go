// Package discovery finds TCP-JSON debugger bridges advertised via mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/kstaniek/go-can-debugger/internal/logging"
)

const (
	ServiceType = "_can-debug._tcp"
	Domain      = "local."
)

// ErrNotFound is returned when browsing ends without any instance.
var ErrNotFound = errors.New("discovery: no debugger found")

// Service is one advertised debugger endpoint.
type Service struct {
	Instance string
	Host     string
	Port     int
	Text     []string
}

// Target renders the service as a TCP-JSON connect target.
func (s Service) Target() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// browseFn is swapped in tests.
var browseFn = func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}
	return r.Browse(ctx, service, domain, entries)
}

// Browse collects instances until timeout elapses or ctx ends. Results are
// sorted by instance name.
func Browse(ctx context.Context, timeout time.Duration) ([]Service, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	entries := make(chan *zeroconf.ServiceEntry, 8)
	if err := browseFn(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}
	seen := map[string]bool{}
	var out []Service
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return finish(out)
			}
			if s, ok := fromEntry(e); ok && !seen[s.Instance] {
				seen[s.Instance] = true
				logging.L().Debug("mdns_found", "instance", s.Instance, "target", s.Target())
				out = append(out, s)
			}
		case <-ctx.Done():
			return finish(out)
		}
	}
}

// First returns the first instance found before timeout.
func First(ctx context.Context, timeout time.Duration) (Service, error) {
	svcs, err := Browse(ctx, timeout)
	if err != nil {
		return Service{}, err
	}
	return svcs[0], nil
}

func finish(out []Service) ([]Service, error) {
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, nil
}

func fromEntry(e *zeroconf.ServiceEntry) (Service, bool) {
	if e == nil || e.Port <= 0 {
		return Service{}, false
	}
	var host string
	switch {
	case len(e.AddrIPv4) > 0:
		host = e.AddrIPv4[0].String()
	case len(e.AddrIPv6) > 0:
		host = e.AddrIPv6[0].String()
	case e.HostName != "":
		host = e.HostName
	default:
		return Service{}, false
	}
	return Service{Instance: e.Instance, Host: host, Port: e.Port, Text: e.Text}, true
}

// Package dns implements a resolver for the "dns" scheme, periodically
// re-resolving the target hostname and pushing updated addresses to the
// ClientConn. Importing it for its side effect registers the scheme:
//
//	import _ "github.com/chalvern/grpctransport/resolver/dns"
package dns

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/chalvern/grpctransport/grpclog"
	"github.com/chalvern/grpctransport/resolver"
)

const scheme = "dns"

// defaultPort is used when the target carries no explicit port.
const defaultPort = "443"

// minResolveInterval is the period of the watcher's background
// re-resolution. ResolveNow is not rate-limited by it: each call triggers
// an immediate lookup unless one is already pending.
const minResolveInterval = 30 * time.Second

var logger = grpclog.Component("dns")

type builder struct {
	// Resolver, if non-nil, is used instead of a fresh miekg/dns.Client;
	// tests substitute a stub here.
	Resolver resolverFunc
}

// resolverFunc performs one DNS A/AAAA lookup for host, returning resolved
// IPs. The default implementation uses miekg/dns against the system's
// configured nameservers (via /etc/resolv.conf), matching the rest of the
// pack's direct use of github.com/miekg/dns instead of net.Resolver.
type resolverFunc func(host string) ([]net.IP, error)

func (b *builder) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOption) (resolver.Resolver, error) {
	host, port, err := splitHostPort(target.Endpoint)
	if err != nil {
		return nil, err
	}
	lookup := b.Resolver
	if lookup == nil {
		lookup = lookupHost
	}
	d := &dnsResolver{
		host:     host,
		port:     port,
		cc:       cc,
		lookup:   lookup,
		resolveCh: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	d.wg.Add(1)
	go d.watcher()
	d.ResolveNow(resolver.ResolveNowOption{})
	return d, nil
}

func (b *builder) Scheme() string { return scheme }

func splitHostPort(endpoint string) (host, port string, err error) {
	host, port, err = net.SplitHostPort(endpoint)
	if err != nil {
		// No port present; treat the whole endpoint as host.
		return endpoint, defaultPort, nil
	}
	return host, port, nil
}

type dnsResolver struct {
	host, port string
	cc         resolver.ClientConn
	lookup     resolverFunc

	resolveCh chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup

	mu       sync.Mutex
	lastLookup time.Time
}

func (d *dnsResolver) watcher() {
	defer d.wg.Done()
	t := time.NewTicker(minResolveInterval)
	defer t.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-d.resolveCh:
		case <-t.C:
		}
		d.resolveOnce()
	}
}

func (d *dnsResolver) resolveOnce() {
	ips, err := d.lookup(d.host)
	if err != nil {
		logger.Warningf("dns: lookup for %q failed: %v", d.host, err)
		return
	}
	addrs := make([]resolver.Address, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, resolver.Address{Addr: net.JoinHostPort(ip.String(), d.port)})
	}
	d.cc.NewAddress(addrs)
}

func (d *dnsResolver) ResolveNow(resolver.ResolveNowOption) {
	select {
	case d.resolveCh <- struct{}{}:
	default:
	}
}

func (d *dnsResolver) Close() {
	select {
	case <-d.done:
		return
	default:
	}
	close(d.done)
	d.wg.Wait()
}

// lookupHost resolves host's A and AAAA records directly against the
// system nameservers using github.com/miekg/dns, rather than going
// through the standard library's cgo/netgo resolver.
func lookupHost(host string) ([]net.IP, error) {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		conf = &dns.ClientConfig{Servers: []string{"127.0.0.1"}, Port: "53"}
	}
	c := new(dns.Client)
	server := net.JoinHostPort(conf.Servers[0], conf.Port)

	var ips []net.IP
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qtype)
		m.RecursionDesired = true
		in, _, err := c.Exchange(m, server)
		if err != nil {
			continue
		}
		for _, rr := range in.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				ips = append(ips, rec.A)
			case *dns.AAAA:
				ips = append(ips, rec.AAAA)
			}
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("dns: no A/AAAA records found for %q", host)
	}
	return ips, nil
}

func init() {
	resolver.Register(&builder{})
}

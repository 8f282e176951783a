// Package unix implements a resolver for the "unix" scheme, resolving
// targets of the form unix:///path/to/socket (or unix://path/to/socket)
// to a single net.Conn-compatible address with no name resolution
// involved. Importing it for its side effect registers the scheme:
//
//	import _ "github.com/chalvern/grpctransport/resolver/unix"
package unix

import (
	"strings"

	"github.com/chalvern/grpctransport/resolver"
)

const scheme = "unix"

type builder struct{}

func (*builder) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOption) (resolver.Resolver, error) {
	addr := target.Endpoint
	if target.Authority != "" {
		// unix://path form: strings.SplitN in parseTarget treated the
		// leading slash-free segment as authority; stitch it back.
		addr = target.Authority + "/" + addr
	}
	addr = "/" + strings.TrimPrefix(addr, "/")
	cc.NewAddress([]resolver.Address{{Addr: addr}})
	return &res{}, nil
}

func (*builder) Scheme() string { return scheme }

type res struct{}

func (*res) ResolveNow(resolver.ResolveNowOption) {}
func (*res) Close()                               {}

func init() {
	resolver.Register(&builder{})
}

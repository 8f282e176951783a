// Package passthrough implements a resolver that forwards the dial target
// to the ClientConn as the sole address, performing no name resolution of
// its own. Importing it for its side effect registers the "passthrough"
// scheme:
//
//	import _ "github.com/chalvern/grpctransport/resolver/passthrough"
package passthrough

import "github.com/chalvern/grpctransport/resolver"

const scheme = "passthrough"

type passthroughBuilder struct{}

func (*passthroughBuilder) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOption) (resolver.Resolver, error) {
	cc.NewAddress([]resolver.Address{{Addr: target.Endpoint}})
	return &passthroughResolver{}, nil
}

func (*passthroughBuilder) Scheme() string { return scheme }

type passthroughResolver struct{}

func (*passthroughResolver) ResolveNow(resolver.ResolveNowOption) {}
func (*passthroughResolver) Close()                               {}

func init() {
	resolver.Register(&passthroughBuilder{})
}

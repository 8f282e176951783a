// Package resolver defines APIs for name resolution in gRPC.
// All APIs in this package are experimental.
package resolver

import "strings"

// Address represents a server the client may connect to.
type Address struct {
	// Addr is the server address on which a connection will be established.
	Addr string
	// ServerName overrides the virtual hostname presented for TLS
	// handshakes and authority headers, if non-empty.
	ServerName string
	// Metadata is resolver-specific information about the address, e.g.
	// weights for weighted round-robin.
	Metadata interface{}
}

// BuildOption includes additional information for the builder to create
// the resolver.
type BuildOption struct{}

// ResolveNowOption includes additional information for ResolveNow.
type ResolveNowOption struct{}

// Target represents a target for gRPC, as specified in:
// https://github.com/grpc/grpc/blob/master/doc/naming.md.
type Target struct {
	Scheme    string
	Authority string
	Endpoint  string
}

// ClientConn contains the callbacks for resolver to notify any updates to
// the gRPC ClientConn.
//
// This interface is implemented by grpc.ClientConn and is not intended to
// be implemented by resolvers.
type ClientConn interface {
	// NewAddress is called by resolver to notify ClientConn a new list of
	// resolved addresses. The address list should be the complete list of
	// addresses as instructed by Resolver, not an update.
	NewAddress(addresses []Address)
	// NewServiceConfig is called by resolver to notify ClientConn a new
	// service config. The service config should be a json string formatted
	// as a service config.
	NewServiceConfig(serviceConfig string)
}

// Builder creates a resolver that will be used to watch name resolution
// updates.
type Builder interface {
	// Build creates a new resolver for the given target.
	//
	// gRPC dial calls Build synchronously, and fails if the returned error
	// is not nil.
	Build(target Target, cc ClientConn, opts BuildOption) (Resolver, error)
	// Scheme returns the scheme supported by this resolver. Scheme is
	// defined at https://github.com/grpc/grpc/blob/master/doc/naming.md.
	Scheme() string
}

// Resolver watches for the updates on the specified target. Updates
// include address updates and service config updates.
type Resolver interface {
	// ResolveNow will be called by gRPC to try to resolve the target name
	// again. It's just a hint, resolver can ignore this if it's not
	// necessary.
	ResolveNow(ResolveNowOption)
	// Close closes the resolver.
	Close()
}

var m = make(map[string]Builder)

// Register registers the resolver builder to the resolver map. b.Scheme
// will be used as the scheme registered with this builder. The registry
// is case-insensitive, and later registrations for the same scheme
// override earlier ones.
func Register(b Builder) {
	m[strings.ToLower(b.Scheme())] = b
}

// Get returns the resolver builder registered with the given scheme. If
// no builder is register with the scheme, nil will be returned.
func Get(scheme string) Builder {
	if b, ok := m[strings.ToLower(scheme)]; ok {
		return b
	}
	return nil
}

// defaultScheme is the scheme used for target strings that don't specify
// one explicitly.
var defaultScheme = "passthrough"

// SetDefaultScheme sets the default scheme used when a dial target has no
// "scheme://" prefix.
func SetDefaultScheme(scheme string) { defaultScheme = scheme }

// GetDefaultScheme returns the scheme used when a dial target has no
// "scheme://" prefix.
func GetDefaultScheme() string { return defaultScheme }

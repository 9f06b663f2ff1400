package discovery

import (
	"context"
	"net"

	"go.uber.org/zap"

	"github.com/latticedb/lattice-go/common/routing"
)

// HostNameResolver expands the bootstrap address into zero or more resolved
// addresses to seed discovery with.
type HostNameResolver interface {
	Resolve(ctx context.Context, addr routing.ServerAddress) []routing.ServerAddress
}

// DNSResolver resolves the bootstrap host through the system resolver,
// producing one candidate per A/AAAA record.  If resolution fails, the
// original address is returned so discovery can still try it verbatim.
type DNSResolver struct {
	logger   *zap.Logger
	resolver *net.Resolver
}

type DNSResolverOptions struct {
	Logger *zap.Logger

	// Resolver overrides the system resolver, mostly for tests.
	Resolver *net.Resolver
}

func NewDNSResolver(opts DNSResolverOptions) *DNSResolver {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	return &DNSResolver{
		logger:   logger,
		resolver: resolver,
	}
}

var _ HostNameResolver = (*DNSResolver)(nil)

func (r *DNSResolver) Resolve(ctx context.Context, addr routing.ServerAddress) []routing.ServerAddress {
	hosts, err := r.resolver.LookupHost(ctx, addr.Host)
	if err != nil {
		r.logger.Warn("failed to resolve bootstrap host, using it unresolved",
			zap.String("host", addr.Host), zap.Error(err))
		return []routing.ServerAddress{addr}
	}

	resolved := make([]routing.ServerAddress, 0, len(hosts))
	for _, host := range hosts {
		resolved = append(resolved, routing.NewServerAddress(host, addr.Port))
	}
	return resolved
}

// PassthroughResolver performs no resolution at all.
type PassthroughResolver struct{}

var _ HostNameResolver = (*PassthroughResolver)(nil)

func (r *PassthroughResolver) Resolve(ctx context.Context, addr routing.ServerAddress) []routing.ServerAddress {
	return []routing.ServerAddress{addr}
}

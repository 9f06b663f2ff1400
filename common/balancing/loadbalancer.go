package balancing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/latticedb/lattice-go/common/dberrors"
	"github.com/latticedb/lattice-go/common/discovery"
	"github.com/latticedb/lattice-go/common/pool"
	"github.com/latticedb/lattice-go/common/routing"
	"github.com/latticedb/lattice-go/pkg/metrics"
)

// LoadBalancer is the front door of the routing core.  Every acquisition is
// guaranteed a fresh routing table, a server selected by the least-connected
// policy, and a connection wrapped so its failures feed back into the table.
type LoadBalancer struct {
	logger      *zap.Logger
	connPool    pool.Pool
	table       *routing.RoutingTable
	rediscovery *discovery.Rediscovery

	// refreshLock serializes routing refreshes so concurrent callers that
	// find the table stale share a single rediscovery.
	refreshLock sync.Mutex

	readerCursor atomic.Uint64
	writerCursor atomic.Uint64
}

type LoadBalancerOptions struct {
	Logger *zap.Logger

	Pool pool.Pool

	RoutingTable *routing.RoutingTable

	Rediscovery *discovery.Rediscovery
}

// NewLoadBalancer constructs the balancer and performs one eager routing
// refresh, so a bad bootstrap configuration fails here rather than on the
// first query.
func NewLoadBalancer(ctx context.Context, opts LoadBalancerOptions) (*LoadBalancer, error) {
	if opts.Pool == nil {
		return nil, &dberrors.ConfigurationError{Message: "load balancer requires a connection pool"}
	}
	if opts.RoutingTable == nil {
		return nil, &dberrors.ConfigurationError{Message: "load balancer requires a routing table"}
	}
	if opts.Rediscovery == nil {
		return nil, &dberrors.ConfigurationError{Message: "load balancer requires a rediscovery"}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &LoadBalancer{
		logger:      logger.Named("loadbalancer"),
		connPool:    opts.Pool,
		table:       opts.RoutingTable,
		rediscovery: opts.Rediscovery,
	}

	if err := b.ensureRouting(ctx, routing.ReadAccess, false); err != nil {
		return nil, err
	}

	return b, nil
}

// Acquire returns a connection towards a server suitable for the given
// access mode.  Blocking callers pass context.Background(); event-driven
// callers pass their own context and may cancel at any suspension point.
func (b *LoadBalancer) Acquire(ctx context.Context, mode routing.AccessMode) (pool.Connection, error) {
	m := metrics.GetDriverMetrics()

	conn, err := b.acquire(ctx, mode)
	if err != nil {
		m.AcquisitionFailures.Add(ctx, 1)
		return nil, err
	}

	m.Acquisitions.Add(ctx, 1)
	return newRoutingConnection(conn, mode, b), nil
}

func (b *LoadBalancer) acquire(ctx context.Context, mode routing.AccessMode) (pool.Connection, error) {
	if err := b.ensureRouting(ctx, mode, false); err != nil {
		return nil, err
	}

	conn, err := b.acquireForMode(ctx, mode)
	if err == nil {
		return conn, nil
	}

	var expiredErr *dberrors.SessionExpiredError
	if !errors.As(err, &expiredErr) {
		return nil, err
	}

	// every candidate we knew of was exhausted; the table may have gone
	// stale under us, so force one refresh and take a second pass
	b.logger.Info("exhausted all candidate servers, forcing a routing refresh",
		zap.Stringer("mode", mode))
	if refreshErr := b.ensureRouting(ctx, mode, true); refreshErr != nil {
		return nil, refreshErr
	}

	return b.acquireForMode(ctx, mode)
}

// ensureRouting refreshes the routing table if it is stale for the given
// mode.  Addresses dropped by the refresh have their pooled connections
// purged before any caller can acquire again.
func (b *LoadBalancer) ensureRouting(ctx context.Context, mode routing.AccessMode, force bool) error {
	if !force && !b.table.IsStaleFor(mode) {
		return nil
	}

	b.refreshLock.Lock()
	defer b.refreshLock.Unlock()

	if !force && !b.table.IsStaleFor(mode) {
		// a concurrent caller refreshed while we waited for the lock
		return nil
	}

	comp, err := b.rediscovery.Lookup(ctx, b.table, b.connPool)
	if err != nil {
		return err
	}

	removed := b.table.Update(comp)
	for _, addr := range removed {
		b.connPool.Purge(addr)
	}

	return nil
}

func (b *LoadBalancer) acquireForMode(ctx context.Context, mode routing.AccessMode) (pool.Connection, error) {
	for {
		var candidates []routing.ServerAddress
		var cursor *atomic.Uint64
		if mode == routing.ReadAccess {
			candidates = b.table.Readers()
			cursor = &b.readerCursor
		} else {
			candidates = b.table.Writers()
			cursor = &b.writerCursor
		}

		if len(candidates) == 0 {
			return nil, &dberrors.SessionExpiredError{
				Message: fmt.Sprintf("failed to obtain a connection towards a %s server", mode),
			}
		}

		selected := b.selectAddress(candidates, cursor)

		conn, err := b.connPool.Acquire(ctx, selected)
		if err == nil {
			return conn, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		b.logger.Warn("failed to acquire a connection, forgetting server",
			zap.Stringer("address", selected), zap.Error(err))
		b.forgetServer(selected)
	}
}

// selectAddress picks the candidate with the fewest active connections.
// The scan starts at a per-role round-robin cursor and ties go to the
// earliest scanned position, which yields uniform rotation under zero load
// and drains traffic away from hot servers under load.
func (b *LoadBalancer) selectAddress(candidates []routing.ServerAddress, cursor *atomic.Uint64) routing.ServerAddress {
	n := uint64(len(candidates))
	start := (cursor.Add(1) - 1) % n

	bestIdx := int(start)
	bestActive := -1
	for i := uint64(0); i < n; i++ {
		idx := int((start + i) % n)
		active := b.connPool.ActiveConnections(candidates[idx])
		if bestActive < 0 || active < bestActive {
			bestIdx = idx
			bestActive = active
		}
	}

	return candidates[bestIdx]
}

func (b *LoadBalancer) forgetServer(addr routing.ServerAddress) {
	b.table.Forget(addr)
	b.connPool.Purge(addr)
	metrics.GetDriverMetrics().ServersForgotten.Add(context.Background(), 1)
}

// OnConnectionFailure is invoked by routing connections whose transport
// broke.  The server is removed from the data-plane roles and its pooled
// connections are dropped.
func (b *LoadBalancer) OnConnectionFailure(addr routing.ServerAddress) {
	b.logger.Info("connection failure reported, forgetting server", zap.Stringer("address", addr))
	b.forgetServer(addr)
}

// OnWriteFailure is invoked by routing connections whose server rejected a
// write.  Only its writer role is forgotten; it may still serve reads.
func (b *LoadBalancer) OnWriteFailure(addr routing.ServerAddress) {
	b.logger.Info("write rejection reported, forgetting writer", zap.Stringer("address", addr))
	b.table.ForgetWriter(addr)
	b.connPool.Purge(addr)
	metrics.GetDriverMetrics().ServersForgotten.Add(context.Background(), 1)
}

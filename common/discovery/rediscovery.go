package discovery

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/latticedb/lattice-go/common/dberrors"
	"github.com/latticedb/lattice-go/common/pool"
	"github.com/latticedb/lattice-go/common/routing"
	"github.com/latticedb/lattice-go/pkg/metrics"
)

// maxRetryInterval bounds the doubling of the inter-attempt delay.
const maxRetryInterval = time.Minute

// RoutingSettings bounds the rediscovery retry loop.
type RoutingSettings struct {
	// MaxRoutingFailures is the number of whole failed attempts tolerated
	// before discovery gives up.
	MaxRoutingFailures int

	// RetryTimeoutDelay is the initial inter-attempt delay; it doubles on
	// every subsequent failure.
	RetryTimeoutDelay time.Duration
}

func (s RoutingSettings) Validate() error {
	if s.MaxRoutingFailures <= 0 {
		return &dberrors.ConfigurationError{Message: "max routing failures must be positive"}
	}
	if s.RetryTimeoutDelay <= 0 {
		return &dberrors.ConfigurationError{Message: "retry timeout delay must be positive"}
	}
	return nil
}

// Rediscovery refreshes a routing table by invoking the routing procedure on
// known routers and, when those fail, on the bootstrap-resolved addresses.
//
// A lookup that produces a composition without writers flips the ordering so
// the NEXT lookup tries the bootstrap addresses first; the flip stays in
// effect until a composition with writers is observed.  A cluster that has
// lost every writer is likely mid-failover, and the known routers may have
// partitioned out with it.
type Rediscovery struct {
	logger   *zap.Logger
	clock    routing.Clock
	provider CompositionProvider
	resolver HostNameResolver

	bootstrapRouter routing.ServerAddress
	settings        RoutingSettings

	useBootstrapFirst atomic.Bool
}

type RediscoveryOptions struct {
	Logger *zap.Logger

	Clock routing.Clock

	Provider CompositionProvider

	Resolver HostNameResolver

	// BootstrapRouter is the address supplied at driver construction,
	// used as the fallback seed for discovery.
	BootstrapRouter routing.ServerAddress

	Settings RoutingSettings
}

func NewRediscovery(opts RediscoveryOptions) (*Rediscovery, error) {
	if opts.BootstrapRouter.Host == "" {
		return nil, &dberrors.ConfigurationError{Message: "bootstrap router address is empty"}
	}
	if err := opts.Settings.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Rediscovery{
		logger:          logger.Named("rediscovery"),
		clock:           opts.Clock,
		provider:        opts.Provider,
		resolver:        opts.Resolver,
		bootstrapRouter: opts.BootstrapRouter,
		settings:        opts.Settings,
	}, nil
}

// Lookup fetches a fresh cluster composition, retrying with exponentially
// growing delays until it succeeds or MaxRoutingFailures attempts have
// failed.  The returned composition always has at least one router.
// Authentication failures abort immediately.
func (r *Rediscovery) Lookup(
	ctx context.Context,
	table *routing.RoutingTable,
	connPool pool.Pool,
) (*routing.ClusterComposition, error) {
	m := metrics.GetDriverMetrics()
	b := r.newBackOff()

	// lastErr remembers the most recent recoverable failure so exhaustion
	// can surface what actually went wrong with the final router
	var lastErr error

	for failures := 0; ; {
		m.RediscoveryAttempts.Add(ctx, 1)

		comp, err := r.lookupAttempt(ctx, table, connPool, &lastErr)
		if err != nil {
			return nil, err
		}
		if comp != nil {
			r.useBootstrapFirst.Store(!comp.HasWriters())
			if !comp.HasWriters() {
				r.logger.Info("composition has no writers, next lookup will try the bootstrap router first")
			}
			return comp, nil
		}

		failures++
		if failures >= r.settings.MaxRoutingFailures {
			m.RediscoveryFailures.Add(ctx, 1)
			return nil, &dberrors.ServiceUnavailableError{
				Message: "could not perform discovery, no routing servers available",
				Cause:   lastErr,
			}
		}

		delay := b.NextBackOff()
		r.logger.Info("unable to fetch a routing table, retrying",
			zap.Duration("delay", delay), zap.Int("failures", failures))
		if err := r.clock.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (r *Rediscovery) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.settings.RetryTimeoutDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = maxRetryInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// lookupAttempt runs one full pass over the candidate routers.  It returns
// (nil, nil) when every candidate failed recoverably.
func (r *Rediscovery) lookupAttempt(
	ctx context.Context,
	table *routing.RoutingTable,
	connPool pool.Pool,
	lastErr *error,
) (*routing.ClusterComposition, error) {
	if r.useBootstrapFirst.Load() {
		comp, err := r.lookupOnBootstrap(ctx, table, connPool, nil, lastErr)
		if comp != nil || err != nil {
			return comp, err
		}
		return r.lookupOnKnownRouters(ctx, table, connPool, nil, lastErr)
	}

	seen := make(map[routing.ServerAddress]struct{})
	comp, err := r.lookupOnKnownRouters(ctx, table, connPool, seen, lastErr)
	if comp != nil || err != nil {
		return comp, err
	}
	return r.lookupOnBootstrap(ctx, table, connPool, seen, lastErr)
}

func (r *Rediscovery) lookupOnKnownRouters(
	ctx context.Context,
	table *routing.RoutingTable,
	connPool pool.Pool,
	seen map[routing.ServerAddress]struct{},
	lastErr *error,
) (*routing.ClusterComposition, error) {
	for _, addr := range table.Routers() {
		comp, err := r.lookupOnRouter(ctx, addr, table, connPool, lastErr)
		if comp != nil || err != nil {
			return comp, err
		}
		if seen != nil {
			seen[addr] = struct{}{}
		}
	}
	return nil, nil
}

func (r *Rediscovery) lookupOnBootstrap(
	ctx context.Context,
	table *routing.RoutingTable,
	connPool pool.Pool,
	exclude map[routing.ServerAddress]struct{},
	lastErr *error,
) (*routing.ClusterComposition, error) {
	for _, addr := range r.resolver.Resolve(ctx, r.bootstrapRouter) {
		if _, ok := exclude[addr]; ok {
			continue
		}

		comp, err := r.lookupOnRouter(ctx, addr, table, connPool, lastErr)
		if comp != nil || err != nil {
			return comp, err
		}
	}
	return nil, nil
}

// lookupOnRouter tries a single candidate.  Recoverable failures forget the
// address and return (nil, nil) so the caller moves on; authentication
// failures and cancellation are returned as errors and abort discovery.
func (r *Rediscovery) lookupOnRouter(
	ctx context.Context,
	addr routing.ServerAddress,
	table *routing.RoutingTable,
	connPool pool.Pool,
	lastErr *error,
) (*routing.ClusterComposition, error) {
	conn, err := connPool.Acquire(ctx, addr)
	if err != nil {
		return nil, r.handleLookupError(err, table, addr, lastErr)
	}
	defer func() { _ = conn.Close() }()

	comp, err := r.provider.GetClusterComposition(ctx, conn)
	if err != nil {
		return nil, r.handleLookupError(err, table, addr, lastErr)
	}

	r.logger.Info("fetched cluster composition",
		zap.Stringer("router", addr), zap.Stringer("composition", comp))
	return comp, nil
}

func (r *Rediscovery) handleLookupError(
	err error,
	table *routing.RoutingTable,
	addr routing.ServerAddress,
	lastErr *error,
) error {
	if dberrors.IsAuthenticationFailure(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	r.logger.Warn("failed to fetch a routing table from router",
		zap.Stringer("router", addr), zap.Error(err))
	table.Forget(addr)
	*lastErr = err
	return nil
}

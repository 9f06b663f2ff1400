package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice-go/common/dberrors"
	"github.com/latticedb/lattice-go/common/routing"
	"github.com/latticedb/lattice-go/testutils"
)

var (
	bootstrapAddr = routing.NewServerAddress("bootstrap", 7687)
	router1       = routing.NewServerAddress("router-1", 7687)
	router2       = routing.NewServerAddress("router-2", 7687)
	reader1       = routing.NewServerAddress("reader-1", 7687)
)

// staticResolver resolves the bootstrap to a fixed list.
type staticResolver struct {
	addrs []routing.ServerAddress
}

func (r *staticResolver) Resolve(ctx context.Context, addr routing.ServerAddress) []routing.ServerAddress {
	return r.addrs
}

type rediscoveryHarness struct {
	clock       *testutils.FakeClock
	pool        *testutils.ScriptedPool
	table       *routing.RoutingTable
	rediscovery *Rediscovery
}

func newRediscoveryHarness(t *testing.T, resolved []routing.ServerAddress, settings RoutingSettings) *rediscoveryHarness {
	clock := testutils.NewFakeClock()
	scriptedPool := testutils.NewScriptedPool()

	table := routing.NewRoutingTable(routing.RoutingTableOptions{
		Clock:           clock,
		BootstrapRouter: bootstrapAddr,
	})

	if resolved == nil {
		resolved = []routing.ServerAddress{bootstrapAddr}
	}

	rediscovery, err := NewRediscovery(RediscoveryOptions{
		Clock:    clock,
		Provider: NewProcedureProvider(ProcedureProviderOptions{Clock: clock}),
		Resolver: &staticResolver{addrs: resolved},

		BootstrapRouter: bootstrapAddr,
		Settings:        settings,
	})
	require.NoError(t, err)

	return &rediscoveryHarness{
		clock:       clock,
		pool:        scriptedPool,
		table:       table,
		rediscovery: rediscovery,
	}
}

func defaultSettings() RoutingSettings {
	return RoutingSettings{MaxRoutingFailures: 3, RetryTimeoutDelay: 50 * time.Millisecond}
}

func TestRediscoveryPrefersKnownRouters(t *testing.T) {
	h := newRediscoveryHarness(t, nil, defaultSettings())

	// seed the table with a known router distinct from the bootstrap
	h.table.Update(routing.NewClusterComposition(60_000,
		nil, nil, []routing.ServerAddress{router1}))

	h.pool.Script(router1, testutils.AcquireConn(testutils.NewRouterConn(router1,
		testutils.RoutingRecord(60,
			[]string{"reader-1:7687"}, []string{"writer-1:7687"}, []string{"router-1:7687"}))))

	comp, err := h.rediscovery.Lookup(context.Background(), h.table, h.pool)
	require.NoError(t, err)

	assert.Equal(t, []routing.ServerAddress{reader1}, comp.Readers())
	assert.Equal(t, 0, h.pool.AcquireCount(bootstrapAddr),
		"bootstrap should not be contacted when a known router answers")
}

func TestRediscoveryFallsBackToBootstrap(t *testing.T) {
	h := newRediscoveryHarness(t, nil, defaultSettings())

	// the known router is also a reader, so we can observe the forget
	h.table.Update(routing.NewClusterComposition(60_000,
		[]routing.ServerAddress{router1}, nil, []routing.ServerAddress{router1}))

	h.pool.Script(router1, testutils.AcquireError(&dberrors.ServiceUnavailableError{Message: "connrefused"}))
	h.pool.Script(bootstrapAddr, testutils.AcquireConn(testutils.NewRouterConn(bootstrapAddr,
		testutils.RoutingRecord(60,
			[]string{"reader-1:7687"}, []string{"writer-1:7687"}, []string{"router-2:7687"}))))

	comp, err := h.rediscovery.Lookup(context.Background(), h.table, h.pool)
	require.NoError(t, err)

	assert.Equal(t, []routing.ServerAddress{router2}, comp.Routers())
	assert.NotContains(t, h.table.Readers(), router1, "failed router should be forgotten")
	assert.Equal(t, 1, h.pool.AcquireCount(router1))
	assert.Equal(t, 1, h.pool.AcquireCount(bootstrapAddr))
}

func TestRediscoverySkipsAlreadySeenBootstrapAddresses(t *testing.T) {
	// the bootstrap resolves to the known router plus one fresh address
	h := newRediscoveryHarness(t,
		[]routing.ServerAddress{router1, router2}, defaultSettings())

	h.table.Update(routing.NewClusterComposition(60_000,
		nil, nil, []routing.ServerAddress{router1}))

	h.pool.Script(router1, testutils.AcquireError(&dberrors.ServiceUnavailableError{Message: "connrefused"}))
	h.pool.Script(router2, testutils.AcquireConn(testutils.NewRouterConn(router2,
		testutils.RoutingRecord(60,
			[]string{"reader-1:7687"}, []string{"writer-1:7687"}, []string{"router-2:7687"}))))

	_, err := h.rediscovery.Lookup(context.Background(), h.table, h.pool)
	require.NoError(t, err)

	assert.Equal(t, 1, h.pool.AcquireCount(router1),
		"an address that already failed this attempt should not be retried from the bootstrap list")
}

func TestRediscoveryBootstrapFirstAfterNoWriters(t *testing.T) {
	h := newRediscoveryHarness(t, nil, defaultSettings())

	h.table.Update(routing.NewClusterComposition(60_000,
		nil, nil, []routing.ServerAddress{router1}))

	writerless := testutils.RoutingRecord(60,
		[]string{"reader-1:7687"}, nil, []string{"router-1:7687"})
	h.pool.Script(router1,
		testutils.AcquireConn(testutils.NewRouterConn(router1, writerless)),
		testutils.AcquireConn(testutils.NewRouterConn(router1, writerless)))
	h.pool.Script(bootstrapAddr, testutils.AcquireConn(testutils.NewRouterConn(bootstrapAddr, writerless)))

	comp, err := h.rediscovery.Lookup(context.Background(), h.table, h.pool)
	require.NoError(t, err)
	require.False(t, comp.HasWriters())

	// the next lookup must try the bootstrap before the known routers
	_, err = h.rediscovery.Lookup(context.Background(), h.table, h.pool)
	require.NoError(t, err)

	order := h.pool.AcquireOrder()
	require.Len(t, order, 2)
	assert.Equal(t, router1, order[0])
	assert.Equal(t, bootstrapAddr, order[1])
}

func TestRediscoveryBootstrapFirstStaysStickyWithoutWriters(t *testing.T) {
	h := newRediscoveryHarness(t, nil, defaultSettings())

	h.table.Update(routing.NewClusterComposition(60_000,
		nil, nil, []routing.ServerAddress{router1}))

	writerless := testutils.RoutingRecord(60,
		[]string{"reader-1:7687"}, nil, []string{"router-1:7687"})
	withWriters := testutils.RoutingRecord(60,
		[]string{"reader-1:7687"}, []string{"writer-1:7687"}, []string{"router-1:7687"})

	h.pool.Script(router1, testutils.AcquireConn(testutils.NewRouterConn(router1, writerless)))
	h.pool.Script(bootstrapAddr,
		testutils.AcquireConn(testutils.NewRouterConn(bootstrapAddr, writerless)),
		testutils.AcquireConn(testutils.NewRouterConn(bootstrapAddr, withWriters)),
		testutils.AcquireConn(testutils.NewRouterConn(bootstrapAddr, withWriters)))

	// first lookup sees no writers via the known router
	_, err := h.rediscovery.Lookup(context.Background(), h.table, h.pool)
	require.NoError(t, err)

	// second lookup goes bootstrap-first and STILL sees no writers; the
	// flag must stay set rather than being consumed
	_, err = h.rediscovery.Lookup(context.Background(), h.table, h.pool)
	require.NoError(t, err)

	// third lookup must therefore also go bootstrap-first; this time
	// writers are back, which finally clears the flag
	comp, err := h.rediscovery.Lookup(context.Background(), h.table, h.pool)
	require.NoError(t, err)
	require.True(t, comp.HasWriters())

	order := h.pool.AcquireOrder()
	require.Len(t, order, 3)
	assert.Equal(t, []routing.ServerAddress{router1, bootstrapAddr, bootstrapAddr}, order)

	// with writers observed, the fourth lookup prefers known routers again
	h.table.Update(comp)
	h.pool.Script(router1, testutils.AcquireConn(testutils.NewRouterConn(router1, withWriters)))

	_, err = h.rediscovery.Lookup(context.Background(), h.table, h.pool)
	require.NoError(t, err)

	order = h.pool.AcquireOrder()
	require.Len(t, order, 4)
	assert.Equal(t, router1, order[3])
}

func TestRediscoveryRetriesWithDoublingDelay(t *testing.T) {
	h := newRediscoveryHarness(t, nil, RoutingSettings{
		MaxRoutingFailures: 4,
		RetryTimeoutDelay:  50 * time.Millisecond,
	})

	h.pool.Script(bootstrapAddr, testutils.AcquireError(&dberrors.ServiceUnavailableError{Message: "connrefused"}))

	_, err := h.rediscovery.Lookup(context.Background(), h.table, h.pool)

	var unavailableErr *dberrors.ServiceUnavailableError
	require.ErrorAs(t, err, &unavailableErr)
	assert.Contains(t, err.Error(), "no routing servers available")

	assert.Equal(t, []time.Duration{
		50 * time.Millisecond,
		100 * time.Millisecond,
		200 * time.Millisecond,
	}, h.clock.Sleeps())
}

func TestRediscoveryFailsAfterMaxFailures(t *testing.T) {
	h := newRediscoveryHarness(t, nil, RoutingSettings{
		MaxRoutingFailures: 2,
		RetryTimeoutDelay:  50 * time.Millisecond,
	})

	h.pool.Script(bootstrapAddr, testutils.AcquireError(&dberrors.ServiceUnavailableError{Message: "connrefused"}))

	_, err := h.rediscovery.Lookup(context.Background(), h.table, h.pool)

	var unavailableErr *dberrors.ServiceUnavailableError
	require.ErrorAs(t, err, &unavailableErr)
	assert.Contains(t, err.Error(), "connrefused",
		"exhaustion should surface what went wrong with the last router")

	// exactly two attempts: the seeded router IS the bootstrap, so the
	// bootstrap pass skips it as already seen, one acquire per attempt
	assert.Equal(t, 2, h.pool.AcquireCount(bootstrapAddr))
	assert.Equal(t, []time.Duration{50 * time.Millisecond}, h.clock.Sleeps())
}

func TestRediscoveryAuthFailureAborts(t *testing.T) {
	h := newRediscoveryHarness(t, nil, defaultSettings())

	h.table.Update(routing.NewClusterComposition(60_000,
		[]routing.ServerAddress{reader1}, nil, []routing.ServerAddress{router1, router2}))

	authConn := testutils.NewScriptedConn(router1)
	authConn.Err = &dberrors.ServerError{
		Code:    "Lattice.ClientError.Security.Unauthorized",
		Message: "bad credentials",
	}
	h.pool.Script(router1, testutils.AcquireConn(authConn))

	_, err := h.rediscovery.Lookup(context.Background(), h.table, h.pool)
	require.True(t, dberrors.IsAuthenticationFailure(err))

	assert.Equal(t, 0, h.pool.AcquireCount(router2), "no further routers should be contacted")
	assert.Contains(t, h.table.Readers(), reader1, "routing table should be unchanged")
	assert.Empty(t, h.clock.Sleeps())
}

func TestRediscoveryValidatesConfiguration(t *testing.T) {
	clock := testutils.NewFakeClock()
	provider := NewProcedureProvider(ProcedureProviderOptions{Clock: clock})

	var configErr *dberrors.ConfigurationError

	_, err := NewRediscovery(RediscoveryOptions{
		Clock:           clock,
		Provider:        provider,
		Resolver:        &PassthroughResolver{},
		BootstrapRouter: routing.ServerAddress{},
		Settings:        defaultSettings(),
	})
	require.ErrorAs(t, err, &configErr)

	_, err = NewRediscovery(RediscoveryOptions{
		Clock:           clock,
		Provider:        provider,
		Resolver:        &PassthroughResolver{},
		BootstrapRouter: bootstrapAddr,
		Settings:        RoutingSettings{MaxRoutingFailures: 0, RetryTimeoutDelay: time.Second},
	})
	require.ErrorAs(t, err, &configErr)

	_, err = NewRediscovery(RediscoveryOptions{
		Clock:           clock,
		Provider:        provider,
		Resolver:        &PassthroughResolver{},
		BootstrapRouter: bootstrapAddr,
		Settings:        RoutingSettings{MaxRoutingFailures: 1, RetryTimeoutDelay: 0},
	})
	require.ErrorAs(t, err, &configErr)
}

package routing

import (
	"sync"

	"go.uber.org/zap"

	"github.com/latticedb/lattice-go/utils/sliceutils"
)

// RoutingTable is the driver's cached view of the cluster.  It answers
// per-mode staleness queries and is replaced atomically by Update when a new
// composition is accepted.
//
// A single mutex serializes Update and Forget; role accessors return the
// role set's lock-free snapshot without taking it, so callers never hold it.
type RoutingTable struct {
	logger *zap.Logger
	clock  Clock

	lock      sync.Mutex
	expiresAt int64
	readers   *AddressSet
	writers   *AddressSet
	routers   *AddressSet
}

type RoutingTableOptions struct {
	Logger *zap.Logger

	Clock Clock

	// BootstrapRouter seeds the router set so the very first rediscovery
	// has somewhere to go.  The seeded table is immediately stale.
	BootstrapRouter ServerAddress
}

func NewRoutingTable(opts RoutingTableOptions) *RoutingTable {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RoutingTable{
		logger:    logger,
		clock:     opts.Clock,
		expiresAt: 0,
		readers:   NewAddressSet(),
		writers:   NewAddressSet(),
		routers:   NewAddressSet(opts.BootstrapRouter),
	}
}

// IsStaleFor reports whether the table needs a refresh before serving the
// given access mode.  A table with no writers is treated as stale even for
// reads: a writerless composition usually means the cluster is mid-failover,
// and refreshing eagerly recovers faster.
func (t *RoutingTable) IsStaleFor(mode AccessMode) bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.expiresAt <= t.clock.Millis() ||
		t.routers.Size() == 0 ||
		t.writers.Size() == 0 ||
		(mode == ReadAccess && t.readers.Size() == 0)
}

// Update atomically replaces all three role sets with the given composition
// and returns the addresses that were present before but appear in no role
// afterwards.  The caller is expected to purge pooled connections to every
// returned address before handing out new connections.
func (t *RoutingTable) Update(comp *ClusterComposition) []ServerAddress {
	t.lock.Lock()

	var before []ServerAddress
	before = append(before, t.readers.Snapshot()...)
	before = append(before, t.writers.Snapshot()...)
	before = append(before, t.routers.Snapshot()...)

	t.expiresAt = comp.ExpiresAt()
	t.readers.Update(comp.Readers())
	t.writers.Update(comp.Writers())
	t.routers.Update(comp.Routers())

	var after []ServerAddress
	after = append(after, comp.Readers()...)
	after = append(after, comp.Writers()...)
	after = append(after, comp.Routers()...)

	t.lock.Unlock()

	removed := sliceutils.RemoveDuplicates(sliceutils.Difference(before, after))

	t.logger.Debug("updated routing table",
		zap.Int64("expiresAt", comp.ExpiresAt()),
		zap.Stringers("readers", comp.Readers()),
		zap.Stringers("writers", comp.Writers()),
		zap.Stringers("routers", comp.Routers()),
		zap.Stringers("removed", removed))

	return removed
}

// Forget removes an address from the readers and writers.  It deliberately
// stays in the routers: a server that dropped out of the data plane may
// still answer routing questions.
func (t *RoutingTable) Forget(addr ServerAddress) {
	t.lock.Lock()
	t.readers.Remove(addr)
	t.writers.Remove(addr)
	t.lock.Unlock()

	t.logger.Debug("forgot server", zap.Stringer("address", addr))
}

// ForgetWriter removes an address from the writers only, used when a server
// rejects a write but otherwise remains healthy.
func (t *RoutingTable) ForgetWriter(addr ServerAddress) {
	t.lock.Lock()
	t.writers.Remove(addr)
	t.lock.Unlock()

	t.logger.Debug("forgot writer", zap.Stringer("address", addr))
}

func (t *RoutingTable) Readers() []ServerAddress { return t.readers.Snapshot() }
func (t *RoutingTable) Writers() []ServerAddress { return t.writers.Snapshot() }
func (t *RoutingTable) Routers() []ServerAddress { return t.routers.Snapshot() }

package routing

import (
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/latticedb/lattice-go/utils/sliceutils"
)

// ClusterComposition is an immutable snapshot of the cluster's reader,
// writer and router sets together with its expiry deadline (monotonic
// milliseconds, per the table's Clock).
type ClusterComposition struct {
	expiresAt int64
	readers   []ServerAddress
	writers   []ServerAddress
	routers   []ServerAddress
}

func NewClusterComposition(
	expiresAt int64,
	readers []ServerAddress,
	writers []ServerAddress,
	routers []ServerAddress,
) *ClusterComposition {
	return &ClusterComposition{
		expiresAt: expiresAt,
		readers:   sliceutils.RemoveDuplicates(readers),
		writers:   sliceutils.RemoveDuplicates(writers),
		routers:   sliceutils.RemoveDuplicates(routers),
	}
}

func (c *ClusterComposition) ExpiresAt() int64 { return c.expiresAt }

// The returned slices are shared and must not be modified.
func (c *ClusterComposition) Readers() []ServerAddress { return c.readers }
func (c *ClusterComposition) Writers() []ServerAddress { return c.writers }
func (c *ClusterComposition) Routers() []ServerAddress { return c.routers }

func (c *ClusterComposition) HasWriters() bool { return len(c.writers) > 0 }
func (c *ClusterComposition) HasRouters() bool { return len(c.routers) > 0 }

func (c *ClusterComposition) Equal(o *ClusterComposition) bool {
	if o == nil {
		return false
	}
	return c.expiresAt == o.expiresAt &&
		slices.Equal(c.readers, o.readers) &&
		slices.Equal(c.writers, o.writers) &&
		slices.Equal(c.routers, o.routers)
}

func (c *ClusterComposition) String() string {
	return fmt.Sprintf("ClusterComposition{expiresAt=%d, readers=%v, writers=%v, routers=%v}",
		c.expiresAt, c.readers, c.writers, c.routers)
}

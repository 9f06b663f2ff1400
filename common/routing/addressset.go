package routing

import (
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/slices"

	"github.com/latticedb/lattice-go/utils/sliceutils"
)

// AddressSet is an insertion-ordered set of server addresses.  Reads are
// lock-free snapshots; mutation happens by whole-set replacement or by
// removal of a single address.
type AddressSet struct {
	lock     sync.Mutex
	snapshot atomic.Value // []ServerAddress
}

func NewAddressSet(addrs ...ServerAddress) *AddressSet {
	s := &AddressSet{}
	s.snapshot.Store(sliceutils.RemoveDuplicates(addrs))
	return s
}

// Snapshot returns the current contents in insertion order.  The returned
// slice is shared and must not be modified.
func (s *AddressSet) Snapshot() []ServerAddress {
	return s.snapshot.Load().([]ServerAddress)
}

func (s *AddressSet) Size() int {
	return len(s.Snapshot())
}

func (s *AddressSet) Contains(addr ServerAddress) bool {
	return slices.Contains(s.Snapshot(), addr)
}

// Update replaces the whole set, deduplicating while preserving the order of
// the incoming list.
func (s *AddressSet) Update(addrs []ServerAddress) {
	s.lock.Lock()
	s.snapshot.Store(sliceutils.RemoveDuplicates(addrs))
	s.lock.Unlock()
}

// Remove removes a single address if present.  Removing an absent address is
// a no-op.
func (s *AddressSet) Remove(addr ServerAddress) {
	s.lock.Lock()

	cur := s.snapshot.Load().([]ServerAddress)
	idx := slices.Index(cur, addr)
	if idx < 0 {
		s.lock.Unlock()
		return
	}

	next := make([]ServerAddress, 0, len(cur)-1)
	next = append(next, cur[:idx]...)
	next = append(next, cur[idx+1:]...)
	s.snapshot.Store(next)

	s.lock.Unlock()
}

func (s *AddressSet) String() string {
	addrs := s.Snapshot()
	strs := make([]string, len(addrs))
	for i, addr := range addrs {
		strs[i] = addr.String()
	}
	return "[" + strings.Join(strs, " ") + "]"
}

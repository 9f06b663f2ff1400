package testutils

import (
	"context"
	"sync"
	"time"

	"github.com/latticedb/lattice-go/common/routing"
)

// FakeClock is a manually driven routing.Clock.  Sleep returns immediately,
// advancing the clock by the requested duration and recording it so tests
// can assert on the delay schedule.
type FakeClock struct {
	mu     sync.Mutex
	nowMs  int64
	sleeps []time.Duration
}

func NewFakeClock() *FakeClock {
	return &FakeClock{}
}

var _ routing.Clock = (*FakeClock)(nil)

func (c *FakeClock) Millis() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowMs
}

func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.nowMs += d.Milliseconds()
	c.mu.Unlock()
	return nil
}

// Advance moves the clock forward without recording a sleep.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.nowMs += d.Milliseconds()
	c.mu.Unlock()
}

// Sleeps returns every duration passed to Sleep, in order.
func (c *FakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}

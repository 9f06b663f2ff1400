package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/latticedb/lattice-go/common/dberrors"
	"github.com/latticedb/lattice-go/common/pool"
	"github.com/latticedb/lattice-go/common/routing"
)

// simCluster simulates a LatticeDB cluster behind the pool contract.  Every
// member answers the routing procedure with the cluster's current shape, and
// members can be taken down or promoted at runtime to exercise failover
// handling in the balancer.
type simCluster struct {
	logger *zap.Logger

	lock    sync.Mutex
	readers []routing.ServerAddress
	writers []routing.ServerAddress
	routers []routing.ServerAddress
	ttlSecs int64
	down    map[routing.ServerAddress]bool
	active  map[routing.ServerAddress]int

	changesCh chan string
}

type simClusterOptions struct {
	Logger  *zap.Logger
	Readers []routing.ServerAddress
	Writers []routing.ServerAddress
	Routers []routing.ServerAddress
	TtlSecs int64
}

func newSimCluster(opts simClusterOptions) *simCluster {
	return &simCluster{
		logger:    opts.Logger,
		readers:   opts.Readers,
		writers:   opts.Writers,
		routers:   opts.Routers,
		ttlSecs:   opts.TtlSecs,
		down:      make(map[routing.ServerAddress]bool),
		active:    make(map[routing.ServerAddress]int),
		changesCh: make(chan string, 16),
	}
}

var _ pool.Pool = (*simCluster)(nil)

// Changes delivers a human-readable note for every topology mutation.  The
// channel must be drained (or wrapped) by the consumer.
func (c *simCluster) Changes() <-chan string {
	return c.changesCh
}

func (c *simCluster) notifyChange(format string, args ...any) {
	note := fmt.Sprintf(format, args...)
	c.logger.Debug("topology change", zap.String("change", note))

	select {
	case c.changesCh <- note:
	default:
	}
}

// TakeDown makes a member refuse connections until Restore.
func (c *simCluster) TakeDown(addr routing.ServerAddress) {
	c.lock.Lock()
	c.down[addr] = true
	c.lock.Unlock()
	c.notifyChange("server %s went down", addr)
}

func (c *simCluster) Restore(addr routing.ServerAddress) {
	c.lock.Lock()
	delete(c.down, addr)
	c.lock.Unlock()
	c.notifyChange("server %s came back", addr)
}

// DemoteWriters drops every writer from the data plane, simulating a
// cluster that is mid-failover.
func (c *simCluster) DemoteWriters() {
	c.lock.Lock()
	c.writers = nil
	c.lock.Unlock()
	c.notifyChange("all writers demoted")
}

// PromoteWriter installs a new writer, completing a failover.
func (c *simCluster) PromoteWriter(addr routing.ServerAddress) {
	c.lock.Lock()
	c.writers = []routing.ServerAddress{addr}
	c.lock.Unlock()
	c.notifyChange("server %s promoted to writer", addr)
}

func (c *simCluster) Acquire(ctx context.Context, addr routing.ServerAddress) (pool.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.lock.Lock()
	if c.down[addr] {
		c.lock.Unlock()
		return nil, &dberrors.ServiceUnavailableError{
			Message: fmt.Sprintf("connection to %s refused", addr),
		}
	}
	c.active[addr]++
	c.lock.Unlock()

	return &simConn{
		id:      uuid.NewString(),
		addr:    addr,
		cluster: c,
	}, nil
}

func (c *simCluster) Purge(addr routing.ServerAddress) {
	c.lock.Lock()
	c.active[addr] = 0
	c.lock.Unlock()
}

func (c *simCluster) ActiveConnections(addr routing.ServerAddress) int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.active[addr]
}

func (c *simCluster) release(addr routing.ServerAddress) {
	c.lock.Lock()
	if c.active[addr] > 0 {
		c.active[addr]--
	}
	c.lock.Unlock()
}

func (c *simCluster) routingRecord() pool.Record {
	c.lock.Lock()
	defer c.lock.Unlock()

	return pool.Record{
		"ttl": c.ttlSecs,
		"servers": []any{
			map[string]any{"role": "READ", "addresses": addrStrings(c.readers)},
			map[string]any{"role": "WRITE", "addresses": addrStrings(c.writers)},
			map[string]any{"role": "ROUTE", "addresses": addrStrings(c.routers)},
		},
	}
}

func addrStrings(addrs []routing.ServerAddress) []any {
	out := make([]any, len(addrs))
	for i, addr := range addrs {
		out[i] = addr.String()
	}
	return out
}

type simConn struct {
	id      string
	addr    routing.ServerAddress
	cluster *simCluster
}

var _ pool.Connection = (*simConn)(nil)

func (c *simConn) RunProcedure(
	ctx context.Context,
	procedure string,
	params map[string]any,
) ([]pool.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.cluster.lock.Lock()
	isDown := c.cluster.down[c.addr]
	c.cluster.lock.Unlock()
	if isDown {
		return nil, &dberrors.ServiceUnavailableError{
			Message: fmt.Sprintf("connection to %s broke", c.addr),
		}
	}

	switch {
	case strings.Contains(procedure, "dbms.cluster.routing."):
		return []pool.Record{c.cluster.routingRecord()}, nil
	case strings.Contains(procedure, "db.ping"):
		return []pool.Record{{"pong": int64(1)}}, nil
	default:
		return nil, &dberrors.ServerError{
			Code:    "Lattice.ClientError.Procedure.ProcedureNotFound",
			Message: fmt.Sprintf("no procedure %q registered", procedure),
		}
	}
}

func (c *simConn) ServerVersion() string {
	return "Lattice/3.4.0"
}

func (c *simConn) Address() routing.ServerAddress {
	return c.addr
}

func (c *simConn) Close() error {
	c.cluster.release(c.addr)
	return nil
}

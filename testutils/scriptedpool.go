package testutils

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/latticedb/lattice-go/common/pool"
	"github.com/latticedb/lattice-go/common/routing"
)

// AcquireFunc scripts one Acquire outcome for an address.
type AcquireFunc func(ctx context.Context) (pool.Connection, error)

// AcquireConn scripts a successful acquisition of the given connection.
func AcquireConn(conn pool.Connection) AcquireFunc {
	return func(ctx context.Context) (pool.Connection, error) {
		return conn, nil
	}
}

// AcquireError scripts a failed acquisition.
func AcquireError(err error) AcquireFunc {
	return func(ctx context.Context) (pool.Connection, error) {
		return nil, err
	}
}

// ScriptedPool implements pool.Pool against per-address scripts.  Scripted
// outcomes are consumed in order, with the last one sticky; addresses with
// no script yield a fresh ScriptedConn.  Every purge and acquire is
// recorded.
type ScriptedPool struct {
	mu       sync.Mutex
	scripts      map[routing.ServerAddress][]AcquireFunc
	active       map[routing.ServerAddress]int
	acquires     map[routing.ServerAddress]int
	acquireOrder []routing.ServerAddress
	purges       map[routing.ServerAddress]int
	purged       []routing.ServerAddress
}

func NewScriptedPool() *ScriptedPool {
	return &ScriptedPool{
		scripts:  make(map[routing.ServerAddress][]AcquireFunc),
		active:   make(map[routing.ServerAddress]int),
		acquires: make(map[routing.ServerAddress]int),
		purges:   make(map[routing.ServerAddress]int),
	}
}

var _ pool.Pool = (*ScriptedPool)(nil)

// Script appends acquisition outcomes for an address.
func (p *ScriptedPool) Script(addr routing.ServerAddress, fns ...AcquireFunc) {
	p.mu.Lock()
	p.scripts[addr] = append(p.scripts[addr], fns...)
	p.mu.Unlock()
}

// SetActive fixes the active-connection count reported for an address.
func (p *ScriptedPool) SetActive(addr routing.ServerAddress, n int) {
	p.mu.Lock()
	p.active[addr] = n
	p.mu.Unlock()
}

func (p *ScriptedPool) Acquire(ctx context.Context, addr routing.ServerAddress) (pool.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.acquires[addr]++
	p.acquireOrder = append(p.acquireOrder, addr)

	var fn AcquireFunc
	if script := p.scripts[addr]; len(script) > 0 {
		fn = script[0]
		if len(script) > 1 {
			p.scripts[addr] = script[1:]
		}
	}
	p.mu.Unlock()

	if fn == nil {
		return NewScriptedConn(addr), nil
	}
	return fn(ctx)
}

func (p *ScriptedPool) Purge(addr routing.ServerAddress) {
	p.mu.Lock()
	p.purges[addr]++
	p.purged = append(p.purged, addr)
	p.mu.Unlock()
}

func (p *ScriptedPool) ActiveConnections(addr routing.ServerAddress) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active[addr]
}

func (p *ScriptedPool) AcquireCount(addr routing.ServerAddress) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquires[addr]
}

// AcquireOrder returns every acquired address in order, duplicates included.
func (p *ScriptedPool) AcquireOrder() []routing.ServerAddress {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]routing.ServerAddress, len(p.acquireOrder))
	copy(out, p.acquireOrder)
	return out
}

func (p *ScriptedPool) PurgeCount(addr routing.ServerAddress) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.purges[addr]
}

// Purged returns every purged address in order, duplicates included.
func (p *ScriptedPool) Purged() []routing.ServerAddress {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]routing.ServerAddress, len(p.purged))
	copy(out, p.purged)
	return out
}

// ScriptedConn implements pool.Connection with scripted procedure results.
type ScriptedConn struct {
	ID      string
	Addr    routing.ServerAddress
	Version string

	// RunFunc, when set, handles RunProcedure outright.  Otherwise Err is
	// returned if set, else Records.
	RunFunc func(ctx context.Context, procedure string, params map[string]any) ([]pool.Record, error)
	Records []pool.Record
	Err     error

	mu         sync.Mutex
	statements []string
	closeCount int
}

func NewScriptedConn(addr routing.ServerAddress) *ScriptedConn {
	return &ScriptedConn{
		ID:      uuid.NewString(),
		Addr:    addr,
		Version: "Lattice/3.4.0",
	}
}

// NewRouterConn builds a connection that answers the routing procedure with
// the given record.
func NewRouterConn(addr routing.ServerAddress, record pool.Record) *ScriptedConn {
	conn := NewScriptedConn(addr)
	conn.Records = []pool.Record{record}
	return conn
}

var _ pool.Connection = (*ScriptedConn)(nil)

func (c *ScriptedConn) RunProcedure(
	ctx context.Context,
	procedure string,
	params map[string]any,
) ([]pool.Record, error) {
	c.mu.Lock()
	c.statements = append(c.statements, procedure)
	c.mu.Unlock()

	if c.RunFunc != nil {
		return c.RunFunc(ctx, procedure, params)
	}
	if c.Err != nil {
		return nil, c.Err
	}
	return c.Records, nil
}

func (c *ScriptedConn) ServerVersion() string {
	return c.Version
}

func (c *ScriptedConn) Address() routing.ServerAddress {
	return c.Addr
}

func (c *ScriptedConn) Close() error {
	c.mu.Lock()
	c.closeCount++
	c.mu.Unlock()
	return nil
}

func (c *ScriptedConn) Statements() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.statements))
	copy(out, c.statements)
	return out
}

func (c *ScriptedConn) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}

func (c *ScriptedConn) String() string {
	return fmt.Sprintf("ScriptedConn{%s %s}", c.ID, c.Addr)
}

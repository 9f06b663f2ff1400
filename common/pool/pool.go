package pool

import (
	"context"

	"github.com/latticedb/lattice-go/common/routing"
)

// Record is a single result row returned by a server procedure, keyed by
// field name.  Values carry the wire-level types: int64, string, []any and
// map[string]any.
type Record map[string]any

// Connection is one established connection to a cluster member.  The
// transport implements it; the routing core only consumes it.
//
// Implementations surface transport-level failures as
// *dberrors.ServiceUnavailableError and server-sent failures as
// *dberrors.ServerError.
type Connection interface {
	// RunProcedure invokes a server procedure and returns every record it
	// produced.
	RunProcedure(ctx context.Context, procedure string, params map[string]any) ([]Record, error)

	// ServerVersion returns the server's reported version, in the
	// "Lattice/3.2.0" agent form.
	ServerVersion() string

	// Address returns the address this connection is established to.
	Address() routing.ServerAddress

	Close() error
}

// Pool hands out pooled connections by address.  It must be safe for
// concurrent use.
type Pool interface {
	// Acquire returns an open connection to the given address, dialing if
	// needed.  It may block; cancellation follows the context.
	Acquire(ctx context.Context, addr routing.ServerAddress) (Connection, error)

	// Purge drops any idle or open connections to the given address.
	Purge(addr routing.ServerAddress)

	// ActiveConnections is a best-effort count of in-use connections to
	// the given address.  It need not be linearizable.
	ActiveConnections(addr routing.ServerAddress) int
}

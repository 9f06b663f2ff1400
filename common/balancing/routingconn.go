package balancing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/latticedb/lattice-go/common/dberrors"
	"github.com/latticedb/lattice-go/common/pool"
	"github.com/latticedb/lattice-go/common/routing"
)

// failureObserver is the narrow capability a routing connection uses to
// report its server as unusable.  The load balancer implements it; handing
// the wrapper only this interface keeps the wrapper from extending the
// balancer's lifetime.
type failureObserver interface {
	OnConnectionFailure(addr routing.ServerAddress)
	OnWriteFailure(addr routing.ServerAddress)
}

// routingConnection delegates to a pooled connection, intercepting failures
// and translating them into forget-this-address signals.  Each wrapped
// connection reports at most one failure.
type routingConnection struct {
	delegate pool.Connection
	mode     routing.AccessMode
	observer failureObserver
	notified atomic.Bool
}

func newRoutingConnection(delegate pool.Connection, mode routing.AccessMode, observer failureObserver) *routingConnection {
	return &routingConnection{
		delegate: delegate,
		mode:     mode,
		observer: observer,
	}
}

var _ pool.Connection = (*routingConnection)(nil)

func (c *routingConnection) RunProcedure(
	ctx context.Context,
	procedure string,
	params map[string]any,
) ([]pool.Record, error) {
	records, err := c.delegate.RunProcedure(ctx, procedure, params)
	if err != nil {
		return nil, c.handleError(err)
	}
	return records, nil
}

func (c *routingConnection) ServerVersion() string {
	return c.delegate.ServerVersion()
}

func (c *routingConnection) Address() routing.ServerAddress {
	return c.delegate.Address()
}

func (c *routingConnection) Close() error {
	return c.delegate.Close()
}

func (c *routingConnection) handleError(err error) error {
	addr := c.delegate.Address()

	if isConnectionError(err) {
		if c.notified.CompareAndSwap(false, true) {
			c.observer.OnConnectionFailure(addr)
		}
		return &dberrors.SessionExpiredError{
			Message: fmt.Sprintf("server at %s is no longer available", addr),
			Cause:   err,
		}
	}

	if c.mode == routing.WriteAccess && dberrors.IsWriteRejected(err) {
		if c.notified.CompareAndSwap(false, true) {
			c.observer.OnWriteFailure(addr)
		}
		return &dberrors.SessionExpiredError{
			Message: fmt.Sprintf("server at %s no longer accepts writes", addr),
			Cause:   err,
		}
	}

	return err
}

func isConnectionError(err error) bool {
	var unavailableErr *dberrors.ServiceUnavailableError
	if errors.As(err, &unavailableErr) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

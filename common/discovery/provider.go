package discovery

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/mod/semver"

	"github.com/latticedb/lattice-go/common/dberrors"
	"github.com/latticedb/lattice-go/common/pool"
	"github.com/latticedb/lattice-go/common/routing"
)

const (
	getServersStatement      = "CALL dbms.cluster.routing.getServers"
	getRoutingTableStatement = "CALL dbms.cluster.routing.getRoutingTable({context})"
	routingContextParam      = "context"

	// routingContextMinVersion is the first server version whose routing
	// procedure accepts a routing context.
	routingContextMinVersion = "v3.2.0"

	roleRead  = "READ"
	roleWrite = "WRITE"
	roleRoute = "ROUTE"
)

// CompositionProvider fetches a cluster composition over an open connection
// to a presumed router.
type CompositionProvider interface {
	GetClusterComposition(ctx context.Context, conn pool.Connection) (*routing.ClusterComposition, error)
}

// ProcedureProvider implements CompositionProvider by invoking the remote
// routing procedure and validating its single result record.
type ProcedureProvider struct {
	logger         *zap.Logger
	clock          routing.Clock
	routingContext RoutingContext
}

type ProcedureProviderOptions struct {
	Logger *zap.Logger

	Clock routing.Clock

	// RoutingContext is forwarded to servers that support the
	// parameterized routing procedure.
	RoutingContext RoutingContext
}

func NewProcedureProvider(opts ProcedureProviderOptions) *ProcedureProvider {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ProcedureProvider{
		logger:         logger,
		clock:          opts.Clock,
		routingContext: opts.RoutingContext,
	}
}

var _ CompositionProvider = (*ProcedureProvider)(nil)

func (p *ProcedureProvider) GetClusterComposition(
	ctx context.Context,
	conn pool.Connection,
) (*routing.ClusterComposition, error) {
	statement, params := p.routingStatement(conn.ServerVersion())

	records, err := conn.RunProcedure(ctx, statement, params)
	if err != nil {
		return nil, p.classifyProcedureError(err)
	}

	if len(records) != 1 {
		return nil, &dberrors.ProtocolError{
			Message: fmt.Sprintf("%q returned %d records, expected exactly one", statement, len(records)),
		}
	}

	comp, err := p.parseRecord(records[0])
	if err != nil {
		return nil, err
	}

	if !comp.HasRouters() {
		return nil, &dberrors.ProtocolError{
			Message: fmt.Sprintf("%q returned no routers", statement),
		}
	}

	return comp, nil
}

func (p *ProcedureProvider) routingStatement(serverVersion string) (string, map[string]any) {
	if supportsRoutingContext(serverVersion) {
		return getRoutingTableStatement, map[string]any{
			routingContextParam: p.routingContext.ToParams(),
		}
	}
	return getServersStatement, nil
}

// supportsRoutingContext reports whether a server agent string like
// "Lattice/3.2.0" identifies a server new enough for the parameterized
// routing procedure.  Unrecognizable versions are assumed current.
func supportsRoutingContext(serverVersion string) bool {
	version := serverVersion
	if idx := strings.LastIndex(version, "/"); idx >= 0 {
		version = version[idx+1:]
	}
	version = "v" + version

	if !semver.IsValid(version) {
		return true
	}
	return semver.Compare(version, routingContextMinVersion) >= 0
}

func (p *ProcedureProvider) classifyProcedureError(err error) error {
	if dberrors.IsAuthenticationFailure(err) {
		// never swallowed, aborts the whole discovery operation
		return err
	}

	if dberrors.IsProcedureNotFound(err) {
		return &dberrors.ProtocolError{
			Message: "server does not support the routing procedure and is not a router",
			Cause:   err,
		}
	}

	return err
}

func (p *ProcedureProvider) parseRecord(record pool.Record) (*routing.ClusterComposition, error) {
	ttl, err := recordInt(record, "ttl")
	if err != nil {
		return nil, err
	}
	if ttl < 0 {
		ttl = 0
	}

	serversVal, ok := record["servers"]
	if !ok {
		return nil, &dberrors.ProtocolError{Message: "routing record has no servers field"}
	}
	servers, ok := serversVal.([]any)
	if !ok {
		return nil, &dberrors.ProtocolError{
			Message: fmt.Sprintf("routing record servers field has type %T, expected a list", serversVal),
		}
	}

	var readers, writers, routers []routing.ServerAddress
	for _, serverVal := range servers {
		server, ok := serverVal.(map[string]any)
		if !ok {
			return nil, &dberrors.ProtocolError{
				Message: fmt.Sprintf("routing record server entry has type %T, expected a map", serverVal),
			}
		}

		role, err := entryString(server, "role")
		if err != nil {
			return nil, err
		}

		addrs, err := entryAddresses(server)
		if err != nil {
			return nil, err
		}

		switch role {
		case roleRead:
			readers = append(readers, addrs...)
		case roleWrite:
			writers = append(writers, addrs...)
		case roleRoute:
			routers = append(routers, addrs...)
		default:
			p.logger.Debug("ignoring unknown routing role", zap.String("role", role))
		}
	}

	expiresAt := p.clock.Millis() + ttl*1000
	return routing.NewClusterComposition(expiresAt, readers, writers, routers), nil
}

func recordInt(record pool.Record, field string) (int64, error) {
	val, ok := record[field]
	if !ok {
		return 0, &dberrors.ProtocolError{Message: fmt.Sprintf("routing record has no %s field", field)}
	}
	num, ok := val.(int64)
	if !ok {
		return 0, &dberrors.ProtocolError{
			Message: fmt.Sprintf("routing record %s field has type %T, expected an integer", field, val),
		}
	}
	return num, nil
}

func entryString(entry map[string]any, field string) (string, error) {
	val, ok := entry[field]
	if !ok {
		return "", &dberrors.ProtocolError{Message: fmt.Sprintf("server entry has no %s field", field)}
	}
	str, ok := val.(string)
	if !ok {
		return "", &dberrors.ProtocolError{
			Message: fmt.Sprintf("server entry %s field has type %T, expected a string", field, val),
		}
	}
	return str, nil
}

func entryAddresses(entry map[string]any) ([]routing.ServerAddress, error) {
	val, ok := entry["addresses"]
	if !ok {
		return nil, &dberrors.ProtocolError{Message: "server entry has no addresses field"}
	}
	list, ok := val.([]any)
	if !ok {
		return nil, &dberrors.ProtocolError{
			Message: fmt.Sprintf("server entry addresses field has type %T, expected a list", val),
		}
	}

	addrs := make([]routing.ServerAddress, 0, len(list))
	for _, item := range list {
		str, ok := item.(string)
		if !ok {
			return nil, &dberrors.ProtocolError{
				Message: fmt.Sprintf("server entry address has type %T, expected a string", item),
			}
		}

		addr, err := routing.ParseServerAddress(str)
		if err != nil {
			return nil, &dberrors.ProtocolError{
				Message: fmt.Sprintf("server entry address %q is malformed", str),
				Cause:   err,
			}
		}
		addrs = append(addrs, addr)
	}

	return addrs, nil
}

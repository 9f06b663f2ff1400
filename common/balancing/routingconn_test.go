package balancing

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice-go/common/dberrors"
	"github.com/latticedb/lattice-go/common/routing"
	"github.com/latticedb/lattice-go/testutils"
)

type recordingObserver struct {
	mu            sync.Mutex
	connFailures  []routing.ServerAddress
	writeFailures []routing.ServerAddress
}

func (o *recordingObserver) OnConnectionFailure(addr routing.ServerAddress) {
	o.mu.Lock()
	o.connFailures = append(o.connFailures, addr)
	o.mu.Unlock()
}

func (o *recordingObserver) OnWriteFailure(addr routing.ServerAddress) {
	o.mu.Lock()
	o.writeFailures = append(o.writeFailures, addr)
	o.mu.Unlock()
}

func TestRoutingConnectionTranslatesConnectionFailures(t *testing.T) {
	observer := &recordingObserver{}

	delegate := testutils.NewScriptedConn(reader1)
	delegate.Err = &dberrors.ServiceUnavailableError{Message: "socket closed"}

	conn := newRoutingConnection(delegate, routing.ReadAccess, observer)

	_, err := conn.RunProcedure(context.Background(), "CALL db.ping()", nil)

	var expiredErr *dberrors.SessionExpiredError
	require.ErrorAs(t, err, &expiredErr)

	var unavailableErr *dberrors.ServiceUnavailableError
	require.ErrorAs(t, err, &unavailableErr, "the cause must stay reachable")

	assert.Equal(t, []routing.ServerAddress{reader1}, observer.connFailures)
}

func TestRoutingConnectionNotifiesAtMostOnce(t *testing.T) {
	observer := &recordingObserver{}

	delegate := testutils.NewScriptedConn(reader1)
	delegate.Err = &dberrors.ServiceUnavailableError{Message: "socket closed"}

	conn := newRoutingConnection(delegate, routing.ReadAccess, observer)

	for i := 0; i < 3; i++ {
		_, err := conn.RunProcedure(context.Background(), "CALL db.ping()", nil)
		require.Error(t, err)
	}

	assert.Len(t, observer.connFailures, 1)
}

func TestRoutingConnectionTranslatesWriteRejections(t *testing.T) {
	observer := &recordingObserver{}

	delegate := testutils.NewScriptedConn(writer1)
	delegate.Err = &dberrors.ServerError{
		Code:    "Lattice.ClientError.Cluster.NotALeader",
		Message: "demoted",
	}

	conn := newRoutingConnection(delegate, routing.WriteAccess, observer)

	_, err := conn.RunProcedure(context.Background(), "CALL db.ping()", nil)

	var expiredErr *dberrors.SessionExpiredError
	require.ErrorAs(t, err, &expiredErr)

	assert.Empty(t, observer.connFailures)
	assert.Equal(t, []routing.ServerAddress{writer1}, observer.writeFailures)
}

func TestRoutingConnectionIgnoresWriteRejectionsInReadMode(t *testing.T) {
	observer := &recordingObserver{}

	serverErr := &dberrors.ServerError{
		Code:    "Lattice.ClientError.Cluster.NotALeader",
		Message: "demoted",
	}
	delegate := testutils.NewScriptedConn(reader1)
	delegate.Err = serverErr

	conn := newRoutingConnection(delegate, routing.ReadAccess, observer)

	_, err := conn.RunProcedure(context.Background(), "CALL db.ping()", nil)

	// outside write mode this is not a routing signal; it propagates as-is
	require.ErrorIs(t, err, error(serverErr))
	assert.Empty(t, observer.connFailures)
	assert.Empty(t, observer.writeFailures)
}

func TestRoutingConnectionPropagatesOtherErrors(t *testing.T) {
	observer := &recordingObserver{}

	serverErr := &dberrors.ServerError{
		Code:    "Lattice.ClientError.Statement.SyntaxError",
		Message: "bad statement",
	}
	delegate := testutils.NewScriptedConn(writer1)
	delegate.Err = serverErr

	conn := newRoutingConnection(delegate, routing.WriteAccess, observer)

	_, err := conn.RunProcedure(context.Background(), "CALL db.ping()", nil)

	require.ErrorIs(t, err, error(serverErr))
	assert.Empty(t, observer.connFailures)
	assert.Empty(t, observer.writeFailures)
}

func TestRoutingConnectionDelegates(t *testing.T) {
	observer := &recordingObserver{}

	delegate := testutils.NewRouterConn(reader1, testutils.RoutingRecord(60, nil, nil, []string{"router-1:7687"}))
	conn := newRoutingConnection(delegate, routing.ReadAccess, observer)

	records, err := conn.RunProcedure(context.Background(), "CALL db.ping()", nil)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	assert.Equal(t, reader1, conn.Address())
	assert.Equal(t, delegate.Version, conn.ServerVersion())

	require.NoError(t, conn.Close())
	assert.Equal(t, 1, delegate.CloseCount())
}

package dberrors

import (
	"errors"
	"fmt"
	"strings"
)

// ServiceUnavailableError indicates that no member of the cluster could be
// reached.  Whether to retry is up to the caller.
type ServiceUnavailableError struct {
	Message string
	Cause   error
}

func (e *ServiceUnavailableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("service unavailable: %s: %s", e.Message, e.Cause)
	}
	return fmt.Sprintf("service unavailable: %s", e.Message)
}

func (e *ServiceUnavailableError) Unwrap() error { return e.Cause }

// SessionExpiredError indicates that the specific server a caller was routed
// to is no longer suitable for the operation.  The routing table has already
// been updated, so the caller should simply re-enter acquisition.
type SessionExpiredError struct {
	Message string
	Cause   error
}

func (e *SessionExpiredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("session expired: %s: %s", e.Message, e.Cause)
	}
	return fmt.Sprintf("session expired: %s", e.Message)
}

func (e *SessionExpiredError) Unwrap() error { return e.Cause }

// AuthenticationError indicates the server rejected our credentials.  It is
// never swallowed or retried by the routing layer.
type AuthenticationError struct {
	Message string
	Cause   error
}

func (e *AuthenticationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("authentication failure: %s: %s", e.Message, e.Cause)
	}
	return fmt.Sprintf("authentication failure: %s", e.Message)
}

func (e *AuthenticationError) Unwrap() error { return e.Cause }

// ProtocolError indicates a malformed or rejected routing payload.
type ProtocolError struct {
	Message string
	Cause   error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("protocol error: %s: %s", e.Message, e.Cause)
	}
	return fmt.Sprintf("protocol error: %s", e.Message)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// ConfigurationError indicates invalid driver configuration, detected at
// construction time.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Message)
}

// ServerError is a failure message received from a LatticeDB server.  Code
// carries the server-defined status code, which the routing layer uses to
// classify failures.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error [%s]: %s", e.Code, e.Message)
}

const (
	codeProcedureNotFound = "Lattice.ClientError.Procedure.ProcedureNotFound"
	codeNotALeader        = "Lattice.ClientError.Cluster.NotALeader"
	codeForbiddenReadOnly = "Lattice.ClientError.General.ForbiddenOnReadOnlyDatabase"

	securityCodePrefix = "Lattice.ClientError.Security."
	authFailureCode    = "Lattice.ClientError.Security.Unauthorized"
)

// IsProcedureNotFound reports whether err is the server telling us it does
// not implement a called procedure.  During discovery this means the server
// is not a router.
func IsProcedureNotFound(err error) bool {
	var serverErr *ServerError
	if !errors.As(err, &serverErr) {
		return false
	}
	return serverErr.Code == codeProcedureNotFound
}

// IsWriteRejected reports whether err is the server refusing a write, either
// because it lost leadership or because the database is read-only.
func IsWriteRejected(err error) bool {
	var serverErr *ServerError
	if !errors.As(err, &serverErr) {
		return false
	}
	return serverErr.Code == codeNotALeader || serverErr.Code == codeForbiddenReadOnly
}

// IsAuthenticationFailure reports whether err is a driver-side
// AuthenticationError or a server error whose code falls under the
// Lattice.ClientError.Security. prefix.
func IsAuthenticationFailure(err error) bool {
	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		return true
	}
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return strings.HasPrefix(serverErr.Code, securityCodePrefix)
	}
	return false
}

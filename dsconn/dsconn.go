package dsconn

import (
	"context"
	"net"
	"time"

	"github.com/cockroachdb/dsinspect/metabase"
	"github.com/cockroachdb/errors"
)

// Conn is an established connection to a data source. A Conn is scoped to a
// single operation and must be closed by the caller.
type Conn interface {
	ID() ID
	Kind() Kind
	// Close closes the connection and any tunnel it uses.
	Close(ctx context.Context) error
	// Dialect returns the name of the system on the other end, which may be
	// more specific than Kind (e.g. CockroachDB for a postgresql source).
	Dialect() string
}

// Connect connects to the source desc describes. Any failure is returned as
// a *metabase.ConnectionError. timeout bounds the dial of each network
// connection, the caller's context bounds the overall attempt.
func Connect(ctx context.Context, desc Descriptor, timeout time.Duration) (Conn, error) {
	if err := desc.Validate(); err != nil {
		return nil, metabase.NewConnectionError(metabase.ConnectionHandshake, err)
	}
	dialer := NewDialer(desc, timeout)
	var conn Conn
	var err error
	switch desc.Kind {
	case KindPostgreSQL:
		conn, err = ConnectPG(ctx, desc, dialer)
	case KindMySQL:
		conn, err = ConnectMySQL(ctx, desc, dialer)
	case KindSQLServer:
		conn, err = ConnectMSSQL(ctx, desc, dialer)
	case KindKafka:
		conn, err = ConnectKafka(ctx, desc, dialer)
	default:
		return nil, metabase.NewConnectionError(
			metabase.ConnectionHandshake,
			errors.AssertionFailedf("unhandled kind %s", desc.Kind),
		)
	}
	if err != nil {
		return nil, classifyConnectError(err, dialer)
	}
	return conn, nil
}

// authError marks a driver error as an authentication failure.
type authError struct {
	cause error
}

func (e *authError) Error() string { return e.cause.Error() }
func (e *authError) Unwrap() error { return e.cause }

func markAuth(err error) error {
	return &authError{cause: err}
}

func classifyConnectError(err error, dialer *Dialer) error {
	if _, ok := metabase.AsConnectionError(err); ok {
		return err
	}
	var ae *authError
	if errors.As(err, &ae) {
		return metabase.NewConnectionError(metabase.ConnectionAuth, ae.cause)
	}
	if tunnelErr := dialer.TunnelErr(); tunnelErr != nil {
		return metabase.NewConnectionError(metabase.ConnectionTunnel, err)
	}
	var netErr net.Error
	var dnsErr *net.DNSError
	var opErr *net.OpError
	switch {
	case errors.As(err, &dnsErr), errors.As(err, &opErr),
		errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		return metabase.NewConnectionError(metabase.ConnectionUnreachable, err)
	}
	return metabase.NewConnectionError(metabase.ConnectionHandshake, err)
}

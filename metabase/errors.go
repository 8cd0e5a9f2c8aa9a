package metabase

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
)

// ConnectionErrorKind classifies why a connection could not be established.
type ConnectionErrorKind int

const (
	ConnectionUnreachable ConnectionErrorKind = iota
	ConnectionTunnel
	ConnectionAuth
	ConnectionHandshake
)

func (k ConnectionErrorKind) String() string {
	switch k {
	case ConnectionUnreachable:
		return "unreachable"
	case ConnectionTunnel:
		return "tunnel"
	case ConnectionAuth:
		return "auth"
	case ConnectionHandshake:
		return "handshake"
	}
	return fmt.Sprintf("ConnectionErrorKind(%d)", int(k))
}

// ConnectionError is returned when a source cannot be connected to.
type ConnectionError struct {
	Kind  ConnectionErrorKind
	Cause error
}

func NewConnectionError(kind ConnectionErrorKind, cause error) *ConnectionError {
	return &ConnectionError{Kind: kind, Cause: cause}
}

func (e *ConnectionError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("connection error (%s)", e.Kind)
	}
	return fmt.Sprintf("connection error (%s): %s", e.Kind, e.Cause)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// FetchErrorKind classifies a failed metadata fetch.
type FetchErrorKind int

const (
	FetchQuery FetchErrorKind = iota
	FetchConnection
	FetchNormalize
	FetchTimeout
	FetchConfig
	FetchNotFound
	FetchUnsupported
)

func (k FetchErrorKind) String() string {
	switch k {
	case FetchQuery:
		return "query"
	case FetchConnection:
		return "connection"
	case FetchNormalize:
		return "normalize"
	case FetchTimeout:
		return "timeout"
	case FetchConfig:
		return "config"
	case FetchNotFound:
		return "not found"
	case FetchUnsupported:
		return "unsupported"
	}
	return fmt.Sprintf("FetchErrorKind(%d)", int(k))
}

// FetchError is returned by every metadata operation that fails. A failed
// fetch never yields a partial result.
type FetchError struct {
	Kind  FetchErrorKind
	Cause error
}

func NewFetchError(kind FetchErrorKind, cause error) *FetchError {
	return &FetchError{Kind: kind, Cause: cause}
}

// NewFetchErrorf creates a FetchError with a formatted cause.
func NewFetchErrorf(kind FetchErrorKind, format string, args ...interface{}) *FetchError {
	return &FetchError{Kind: kind, Cause: errors.Newf(format, args...)}
}

func (e *FetchError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("fetch error (%s)", e.Kind)
	}
	return fmt.Sprintf("fetch error (%s): %s", e.Kind, e.Cause)
}

func (e *FetchError) Unwrap() error {
	return e.Cause
}

// AsFetchError extracts the FetchError from err, if any.
func AsFetchError(err error) (*FetchError, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// AsConnectionError extracts the ConnectionError from err, if any.
func AsConnectionError(err error) (*ConnectionError, bool) {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// FetchErrorKindOf returns the kind of the FetchError wrapped by err. ok is
// false if err does not contain one.
func FetchErrorKindOf(err error) (kind FetchErrorKind, ok bool) {
	fe, ok := AsFetchError(err)
	if !ok {
		return 0, false
	}
	return fe.Kind, true
}

func IsNotFound(err error) bool {
	k, ok := FetchErrorKindOf(err)
	return ok && k == FetchNotFound
}

func IsTimeout(err error) bool {
	k, ok := FetchErrorKindOf(err)
	return ok && k == FetchTimeout
}

// WrapFetchError converts err into a FetchError. Existing fetch errors are
// passed through, connection errors become FetchConnection, and expired
// deadlines become FetchTimeout. Anything else is given fallback.
func WrapFetchError(err error, fallback FetchErrorKind) error {
	if err == nil {
		return nil
	}
	if _, ok := AsFetchError(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewFetchError(FetchTimeout, err)
	}
	if _, ok := AsConnectionError(err); ok {
		return NewFetchError(FetchConnection, err)
	}
	return NewFetchError(fallback, err)
}

// Package apperrors defines the error kinds the engine distinguishes.
// Handlers match these with errors.Is and map them to HTTP status codes.
package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrNameConflict         = errors.New("name conflict")
	ErrInvalidName          = errors.New("invalid name")
	ErrInvalidConfig        = errors.New("invalid config")
	ErrNotConfigured        = errors.New("secret store not configured")
	ErrAuthenticationFailed = errors.New("secret authentication failed")
	ErrFetchTimeout         = errors.New("fetch deadline exceeded")
	ErrStorage              = errors.New("storage failure")
	ErrCatalog              = errors.New("catalog failure")
	ErrInternal             = errors.New("internal error")
)

// DriverErrorKind classifies remote-side driver failures.
type DriverErrorKind string

const (
	DriverConnection  DriverErrorKind = "connection"
	DriverAuth        DriverErrorKind = "auth"
	DriverQuery       DriverErrorKind = "query"
	DriverDiscovery   DriverErrorKind = "discovery"
	DriverUnsupported DriverErrorKind = "unsupported"
)

// DriverError is a remote-side failure reported with the driver's message.
type DriverError struct {
	Kind    DriverErrorKind
	Message string
	Err     error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("driver %s failed: %s", e.Kind, e.Message)
}

func (e *DriverError) Unwrap() error { return e.Err }

// NewDriverError wraps err as a driver failure of the given kind.
func NewDriverError(kind DriverErrorKind, err error) *DriverError {
	return &DriverError{Kind: kind, Message: err.Error(), Err: err}
}

// Driverf builds a driver failure from a format string.
func Driverf(kind DriverErrorKind, format string, args ...any) *DriverError {
	return &DriverError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

package driver

import (
	"errors"
	"io/fs"
	"net"
	"os"
	"syscall"
)

// Transport error kinds. Every error returned by a Bus wraps one of these
// through an *OpError.
var (
	ErrNotFound         = errors.New("endpoint not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrBusy             = errors.New("endpoint busy")
	ErrMalformed        = errors.New("malformed frame")
	ErrClosed           = errors.New("bus closed")
)

// Configuration error kinds, wrapped by *LocatorError.
var (
	ErrUnsupportedScheme = errors.New("unsupported scheme")
	ErrUnknownOption     = errors.New("unknown option")
	ErrBadOption         = errors.New("invalid option value")
)

// OpError records a failed bus operation.
type OpError struct {
	Op     string // open, send, receive, close
	Scheme string
	Target string
	Kind   error // one of the Err* kinds, may be nil
	Err    error // underlying cause, may be nil
}

func (e *OpError) Error() string {
	s := e.Scheme + "://" + e.Target + ": " + e.Op
	if e.Kind != nil {
		s += ": " + e.Kind.Error()
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *OpError) Unwrap() []error {
	var out []error
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// LocatorError reports a driver locator that could not be resolved. It is a
// configuration error, never a transport failure.
type LocatorError struct {
	Locator string
	Segment string // the offending part of the locator
	Err     error
}

func (e *LocatorError) Error() string {
	s := "locator " + quote(e.Locator)
	if e.Segment != "" {
		s += " at " + quote(e.Segment)
	}
	return s + ": " + e.Err.Error()
}

func (e *LocatorError) Unwrap() error { return e.Err }

func quote(s string) string { return "\"" + s + "\"" }

// IsConfigError reports whether err stems from a bad locator or option.
func IsConfigError(err error) bool {
	var le *LocatorError
	return errors.As(err, &le)
}

func opError(op string, cfg Config, kind, err error) error {
	return &OpError{Op: op, Scheme: cfg.Scheme, Target: cfg.Target, Kind: kind, Err: err}
}

// classify maps an OS level error onto a transport error kind.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrClosed), errors.Is(err, net.ErrClosed):
		return ErrClosed
	case errors.Is(err, fs.ErrNotExist),
		errors.Is(err, syscall.ENODEV),
		errors.Is(err, syscall.ENXIO):
		return ErrNotFound
	case errors.Is(err, fs.ErrPermission),
		errors.Is(err, syscall.EPERM),
		errors.Is(err, syscall.EACCES):
		return ErrPermissionDenied
	case errors.Is(err, syscall.EBUSY),
		errors.Is(err, syscall.EADDRINUSE),
		errors.Is(err, syscall.EWOULDBLOCK):
		return ErrBusy
	}
	return nil
}

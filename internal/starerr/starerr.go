// Package starerr defines the error taxonomy used to decide how far an
// error propagates: configuration and device-open errors are fatal,
// transport errors stop one link, protocol errors are merely logged.
package starerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation purposes.
type Kind int

const (
	// Config marks a malformed or inconsistent configuration snapshot.
	// Fatal at start-up.
	Config Kind = iota
	// DeviceOpen marks a failure to open a serial port. Fatal to the
	// owning link; triggers a global stop.
	DeviceOpen
	// Transport marks a read/write failure on an open port. The
	// SerialLink reader or writer loop that hit it exits and reports it
	// to the link's controller; the link itself stays Running until its
	// Stop is called. Other links continue.
	Transport
	// Protocol marks an unexpected reply or parse failure. Logged and
	// dropped; state is preserved.
	Protocol
)

func (k Kind) String() string {
	switch k {
	case Config:
		return "config"
	case DeviceOpen:
		return "device-open"
	case Transport:
		return "transport"
	case Protocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with the Kind that decides how it
// propagates.
type Error struct {
	Kind   Kind
	Device string
	Err    error
}

func (e *Error) Error() string {
	if e.Device == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s[%s]: %v", e.Kind, e.Device, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind for the named device.
func New(kind Kind, device string, err error) *Error {
	return &Error{Kind: kind, Device: device, Err: err}
}

// Newf is New with a formatted message.
func Newf(kind Kind, device, format string, args ...any) *Error {
	return &Error{Kind: kind, Device: device, Err: fmt.Errorf(format, args...)}
}

// sentinels so callers can errors.Is(err, starerr.ErrConfig) without
// reaching into a *Error's Kind field.
var (
	ErrConfig     = errors.New("configuration error")
	ErrDeviceOpen = errors.New("device-open error")
	ErrTransport  = errors.New("transport error")
	ErrProtocol   = errors.New("protocol error")
)

func (e *Error) Is(target error) bool {
	switch e.Kind {
	case Config:
		return target == ErrConfig
	case DeviceOpen:
		return target == ErrDeviceOpen
	case Transport:
		return target == ErrTransport
	case Protocol:
		return target == ErrProtocol
	}
	return false
}

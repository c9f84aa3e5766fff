package qinet

import "errors"

// Error kinds raised by the transport, directory, and session layers.
// Each is a distinct sentinel so callers can use errors.Is against it.
var (
	// ErrInvalidURL is returned when a URL cannot be parsed.
	ErrInvalidURL = errors.New("qinet: invalid url")
	// ErrDNSResolution is returned when a host lookup fails.
	ErrDNSResolution = errors.New("qinet: dns resolution failed")
	// ErrConnectRefused is returned when a TCP connect is rejected.
	ErrConnectRefused = errors.New("qinet: connection refused")
	// ErrTimeout is returned when a future exceeds its wait deadline.
	ErrTimeout = errors.New("qinet: timeout")
	// ErrDisconnected is returned when a socket is torn down with pending work.
	ErrDisconnected = errors.New("qinet: disconnected")
	// ErrProtocolCorrupt is returned by the Codec when a value runs past the
	// end of its buffer. Magic resyncs in the receive path are recovered
	// locally and counted by Metrics.IncrementResyncs; they do not return it.
	ErrProtocolCorrupt = errors.New("qinet: protocol corrupt")
	// ErrAlreadyRegistered is returned on a directory name collision.
	ErrAlreadyRegistered = errors.New("qinet: service already registered")
	// ErrNotFound is returned when a service or id is absent.
	ErrNotFound = errors.New("qinet: not found")
	// ErrPermissionDenied is returned when a listen fails due to permissions.
	ErrPermissionDenied = errors.New("qinet: permission denied")
	// ErrAddressInUse is returned when a listen address is already bound.
	ErrAddressInUse = errors.New("qinet: address in use")
	// ErrMethodFault is returned when a remote call raises an error.
	ErrMethodFault = errors.New("qinet: method fault")
	// ErrNotConnected is returned when an operation requires a connected socket.
	ErrNotConnected = errors.New("qinet: not connected")
	// ErrNotListening is returned when registerService is called before listen.
	ErrNotListening = errors.New("qinet: not listening")
	// ErrClosed is returned on operations against a closed Session.
	ErrClosed = errors.New("qinet: session closed")
	// ErrInvalidConfigValue is returned when a Config fails Validate.
	ErrInvalidConfigValue = errors.New("qinet: invalid configuration")
)

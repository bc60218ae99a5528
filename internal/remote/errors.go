package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured is returned when no remote URL is set.
	ErrNotConfigured = errors.New("remote authority not configured")
	// ErrDeviceUnknown is returned when the device token matches no device,
	// or when a device-scoped write references a device the remote dropped.
	ErrDeviceUnknown = errors.New("device not registered")
)

// ConnectivityError reports that the remote could not be reached at all.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s: remote unreachable: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// ProtocolError reports an unexpected status or an undecodable body.
type ProtocolError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: http %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsConnectivity reports whether err means the remote was unreachable.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// StatusCode returns the HTTP status carried by a ProtocolError, or 0.
func StatusCode(err error) int {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.StatusCode
	}
	return 0
}

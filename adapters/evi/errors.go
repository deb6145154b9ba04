package evi

import "errors"

// ErrInvalidState is returned by Connect when the session is not disconnected
var ErrInvalidState = errors.New("voice session is not disconnected")

// ConnectionError reports that the socket could not be opened, or closed
// before Connect returned.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return "voice session connection failed: " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ProtocolError describes an inbound frame that is not a JSON object.
// It is only delivered on the router's diagnostic hook.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return "malformed frame: " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

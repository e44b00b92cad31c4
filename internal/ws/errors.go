package ws

import (
	"errors"
	"fmt"
)

// ErrAuthRejected is returned when the agent rejects the WebSocket handshake with 401.
var ErrAuthRejected = errors.New("agent rejected credential (401)")

// ConfigurationError reports a bad endpoint or credential. It is fatal: the
// Client never retries it.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// NotConnectedError is returned by Send when the link is not open.
type NotConnectedError struct {
	State State
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("not connected (state %s)", e.State)
}

// TransportError is a socket-level failure. Fatal is set once reconnect
// attempts are exhausted.
type TransportError struct {
	Op       string
	Attempts int
	Fatal    bool
	Err      error
}

func (e *TransportError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("transport %s: giving up after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolViolation is a malformed or semantically invalid envelope. It is
// dropped and logged, never allowed to tear down the connection.
type ProtocolViolation struct {
	Kind   Kind
	ID     string
	Reason string
	Err    error
}

func (e *ProtocolViolation) Error() string {
	msg := "protocol violation: " + e.Reason
	if e.Kind != "" {
		msg += " (kind " + string(e.Kind) + ")"
	}
	if e.ID != "" {
		msg += " (id " + e.ID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolViolation) Unwrap() error { return e.Err }

// IsFatal reports whether err should put the session into a user-visible
// failure state: configuration errors and exhausted transport retries.
func IsFatal(err error) bool {
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		return true
	}
	var te *TransportError
	return errors.As(err, &te) && te.Fatal
}

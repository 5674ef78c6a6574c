package rconclient

import (
	"errors"
	"fmt"
)

var (
	// ErrRequestTimeout is returned when no response arrived within the
	// request timeout. the connection stays usable.
	ErrRequestTimeout = errors.New("rcon: request timed out")

	// ErrConnectionLost is returned to every request that was in flight when
	// the connection went away. it wraps the cause.
	ErrConnectionLost = errors.New("rcon: connection lost")

	// ErrClosed is returned when submitting on a connection that is not open.
	ErrClosed = errors.New("rcon: connection closed")
)

// ConnectError is returned when a connection could not be established
// (resolution failure, refused, timed out). it is never retried internally.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("rcon: could not connect to %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// CommandError is returned by Exec when the server answered with anything
// other than OK.
type CommandError struct {
	Command string
	Status  string
}

func (e *CommandError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("rcon: %s: empty response", e.Command)
	}
	return fmt.Sprintf("rcon: %s: %s", e.Command, e.Status)
}

package terminal

import "errors"

var (
	// ErrAuthentication means the terminal rejected the credentials.
	// Fatal for the connection; never retried.
	ErrAuthentication = errors.New("terminal: authentication rejected")

	// ErrConnectTimeout means the terminal did not answer the dial or the
	// login handshake within the configured window.
	ErrConnectTimeout = errors.New("terminal: connect timeout")

	// ErrConnectionLost fails pending command handles when the socket
	// drops; the connection retries with backoff.
	ErrConnectionLost = errors.New("terminal: connection lost")

	// ErrCommandTimeout means a single command got no complete response in
	// time. Callers retry once, then defer to the next cycle.
	ErrCommandTimeout = errors.New("terminal: command timeout")

	// ErrClosed is returned once the connection has been shut down.
	ErrClosed = errors.New("terminal: connection closed")
)

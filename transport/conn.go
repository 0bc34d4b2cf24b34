package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConnected is returned when sending or receiving on a
	// connection that has not been established or was closed
	ErrNotConnected = errors.New("transport: not connected")
	// ErrClosed is returned when the peer or the local side closed
	// the connection normally
	ErrClosed = errors.New("transport: connection closed")
)

// Conn is one physical channel to a peer: a plain or TLS stream
// socket, or a WebSocket over either. Implementations frame complete
// messages; Receive returns exactly one frame without the framing
// delimiter.
type Conn interface {
	// Connect establishes the channel. Calling Connect on an already
	// connected Conn is an error; the owner dials a fresh Conn per
	// attempt.
	Connect(ctx context.Context) error
	// Send writes one framed message.
	Send(data []byte) error
	// Receive blocks until one complete message arrives.
	Receive() ([]byte, error)
	// Close tears the channel down. Safe to call more than once.
	Close() error
	// RemoteAddr describes the peer for logs.
	RemoteAddr() string
}

// Dialer produces a fresh unconnected Conn. The reconnecting client
// invokes it on every attempt; tests inject fakes to drive message
// delivery deterministically.
type Dialer func() Conn

// Error wraps a transport-level failure with its operation context.
type Error struct {
	Op        string
	Addr      string
	Err       error
	Timestamp time.Time
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrapErr(op, addr string, err error) *Error {
	return &Error{Op: op, Addr: addr, Err: err, Timestamp: time.Now()}
}

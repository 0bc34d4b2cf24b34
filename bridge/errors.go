package bridge

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClientClosed is returned for operations on a closed client;
	// closing bulk-rejects every pending and queued request
	ErrClientClosed = errors.New("bridge: client closed")
	// ErrNilDialer is returned when the client is constructed without
	// a transport dialer
	ErrNilDialer = errors.New("bridge: dialer cannot be nil")
)

// TimeoutError rejects a request that received no correlated response
// within its deadline.
type TimeoutError struct {
	Function string
	Waited   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("bridge: request %q timed out after %v", e.Function, e.Waited.Round(time.Millisecond))
}

// RequestFailedError carries the remote agent's explicit failure for a
// response matched to its request by numeric id.
type RequestFailedError struct {
	Function string
	Reason   string
}

func (e *RequestFailedError) Error() string {
	if e.Function == "" {
		return fmt.Sprintf("bridge: request failed: %s", e.Reason)
	}
	return fmt.Sprintf("bridge: request %q failed: %s", e.Function, e.Reason)
}

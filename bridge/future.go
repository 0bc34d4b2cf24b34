package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/zhnurbekov/robot-sub000/contracts"
)

// Result is the settled outcome of a request future.
type Result struct {
	Response *contracts.Response
	Err      error
}

// Future is the caller's handle on an in-flight request. It settles
// exactly once: with a correlated response, a timeout, a send error,
// or the client closing.
type Future struct {
	request    *contracts.Request
	wire       []byte
	enqueuedAt time.Time
	timer      *time.Timer

	once sync.Once
	ch   chan Result
}

func newFuture(req *contracts.Request) (*Future, error) {
	wire, err := contracts.Encode(req)
	if err != nil {
		return nil, err
	}
	return &Future{
		request:    req,
		wire:       wire,
		enqueuedAt: time.Now(),
		ch:         make(chan Result, 1),
	}, nil
}

// Function returns the request's function tag, used for correlation.
func (f *Future) Function() string {
	return f.request.Function
}

// Request returns the outbound request.
func (f *Future) Request() *contracts.Request {
	return f.request
}

// Done exposes the settlement channel for select-based callers.
func (f *Future) Done() <-chan Result {
	return f.ch
}

// Wait blocks until the future settles or ctx is cancelled.
func (f *Future) Wait(ctx context.Context) (*contracts.Response, error) {
	select {
	case res := <-f.ch:
		return res.Response, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// settle delivers the outcome. Later settlements are no-ops, so a late
// response can never overwrite a timeout and vice versa.
func (f *Future) settle(res Result) {
	f.once.Do(func() {
		if f.timer != nil {
			f.timer.Stop()
		}
		f.ch <- res
	})
}

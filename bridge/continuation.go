package bridge

import (
	"log/slog"
	"sync"

	"github.com/zhnurbekov/robot-sub000/contracts"
)

// ContinuationFunc handles an out-of-band result. msg is the parsed
// frame, cbCtx the value supplied at registration.
type ContinuationFunc func(msg *contracts.Message, cbCtx any)

// Registry holds at most one live continuation. Some agent operations
// run a multi-step computation and broadcast the final result instead
// of replying to the call that started it; callers subscribe here
// before sending that call.
//
// A new registration replaces the previous one. Last write wins, which
// is unsafe under concurrent calls for the same function; the
// replacement is logged so the overlap is at least observable.
type Registry struct {
	logger *slog.Logger

	mu       sync.Mutex
	function string
	callback ContinuationFunc
	cbCtx    any
}

// NewRegistry creates an empty continuation registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register stores the continuation for function, replacing any prior
// registration.
func (r *Registry) Register(function string, callback ContinuationFunc, cbCtx any) {
	r.mu.Lock()
	if r.callback != nil {
		r.logger.Warn("replacing live continuation registration",
			"previous", r.function, "function", function)
	}
	r.function = function
	r.callback = callback
	r.cbCtx = cbCtx
	r.mu.Unlock()
}

// Clear removes the registration.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.function = ""
	r.callback = nil
	r.cbCtx = nil
	r.mu.Unlock()
}

// Deliver fires the continuation when the frame carries the registered
// function tag and a successful result shape. The callback runs on its
// own goroutine, independent of correlation resolution for the same
// frame.
func (r *Registry) Deliver(msg *contracts.Message) {
	if msg.Response == nil {
		return
	}

	r.mu.Lock()
	callback := r.callback
	cbCtx := r.cbCtx
	function := r.function
	r.mu.Unlock()

	if callback == nil || msg.Response.Function != function {
		return
	}
	if !msg.Response.Successful() {
		r.logger.Debug("continuation skipped: result not successful", "function", function)
		return
	}

	go callback(msg, cbCtx)
}

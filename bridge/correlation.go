package bridge

import (
	"log/slog"
	"sync"

	"github.com/zhnurbekov/robot-sub000/contracts"
)

// Engine matches inbound frames to outstanding requests. The agent
// protocol carries no reliable request identifier, so matching runs in
// three stages: numeric id when present, then the oldest pending entry
// with the same function tag, then the globally oldest pending entry.
// Frames that resolve nothing are handed to the unmatched sink (the
// continuation registry).
//
// Two in-flight requests sharing one function name are told apart only
// by submission order; callers that need exact correlation serialize
// same-function calls.
type Engine struct {
	logger    *slog.Logger
	unmatched func(*contracts.Message)

	mu      sync.Mutex
	pending []*Future // FIFO, oldest first
}

// NewEngine creates a correlation engine. unmatched receives frames
// that no pending entry claimed; it may be nil.
func NewEngine(logger *slog.Logger, unmatched func(*contracts.Message)) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger:    logger,
		unmatched: unmatched,
	}
}

// Track appends a dispatched request to the pending set. Queue flush
// order on reconnect preserves enqueue order, which the FIFO fallback
// depends on.
func (e *Engine) Track(f *Future) {
	e.mu.Lock()
	e.pending = append(e.pending, f)
	e.mu.Unlock()
}

// Remove drops a future from the pending set without settling it. Used
// by the timeout path, which settles the future itself.
func (e *Engine) Remove(f *Future) {
	e.mu.Lock()
	e.removeLocked(f)
	e.mu.Unlock()
}

// Fail rejects one specific pending entry, leaving every other entry
// untouched. Used for send-level transport errors.
func (e *Engine) Fail(f *Future, err error) {
	e.mu.Lock()
	e.removeLocked(f)
	e.mu.Unlock()
	f.settle(Result{Err: err})
}

// FailAll bulk-rejects the whole pending set on connection teardown.
func (e *Engine) FailAll(err error) {
	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, f := range pending {
		f.settle(Result{Err: err})
	}
}

// PendingCount returns the number of requests awaiting correlation.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	n := len(e.pending)
	e.mu.Unlock()
	return n
}

// HandleFrame processes one inbound frame. Unparsable frames are
// dropped without touching pending state.
func (e *Engine) HandleFrame(data []byte) {
	msg, err := contracts.Parse(data)
	if err != nil {
		e.logger.Debug("dropping unparsable frame", "error", err)
		return
	}

	switch msg.Kind {
	case contracts.KindHandshake:
		e.logger.Debug("handshake acknowledged", "version", msg.Handshake.Result.Version)
	case contracts.KindResponse, contracts.KindError:
		e.dispatch(msg)
	default:
		e.handOff(msg)
	}
}

// dispatch runs the three-stage match. A frame that resolved a pending
// entry only through the FIFO fallback is still offered to the
// unmatched sink: the continuation mechanism exists precisely for
// results the agent emits without addressing them to their request.
func (e *Engine) dispatch(msg *contracts.Message) {
	resp := msg.Response

	e.mu.Lock()

	// Stage 1: numeric id.
	if resp.ID != nil {
		for _, f := range e.pending {
			if f.request.ID != nil && *f.request.ID == *resp.ID {
				e.removeLocked(f)
				e.mu.Unlock()
				if msg.Kind == contracts.KindError {
					f.settle(Result{Err: &RequestFailedError{Function: f.Function(), Reason: resp.ErrorText()}})
				} else {
					f.settle(Result{Response: resp})
				}
				return
			}
		}
	}

	// Stage 2: oldest pending entry with the same function tag.
	if resp.Function != "" {
		for _, f := range e.pending {
			if f.Function() == resp.Function {
				e.removeLocked(f)
				e.mu.Unlock()
				f.settle(Result{Response: resp})
				return
			}
		}
	}

	// Stage 3: FIFO fallback. The agent does not tag every reply with
	// the function that produced it, so the globally oldest pending
	// entry claims the frame.
	if len(e.pending) > 0 {
		f := e.pending[0]
		e.removeLocked(f)
		e.mu.Unlock()
		e.logger.Debug("untagged response resolved by arrival order",
			"function", f.Function(), "responseFunction", resp.Function)
		f.settle(Result{Response: resp})
		e.handOff(msg)
		return
	}

	e.mu.Unlock()
	e.handOff(msg)
}

func (e *Engine) handOff(msg *contracts.Message) {
	if e.unmatched != nil {
		e.unmatched(msg)
	}
}

func (e *Engine) removeLocked(f *Future) {
	for i, p := range e.pending {
		if p == f {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return
		}
	}
}

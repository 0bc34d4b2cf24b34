package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zhnurbekov/robot-sub000/contracts"
	"github.com/zhnurbekov/robot-sub000/transport"
)

// State tracks the handshake lifecycle toward the real agent.
type State int

const (
	StateInitial State = iota
	StateAwaitingVersion
	StateReady
)

func (s State) String() string {
	switch s {
	case StateAwaitingVersion:
		return "awaiting-version"
	case StateReady:
		return "ready"
	default:
		return "initial"
	}
}

var (
	// ErrHandshakeFailed reports a connect attempt that never reached
	// the Ready state.
	ErrHandshakeFailed = errors.New("agent: handshake failed")
	// ErrNotReady is returned by Sign before the handshake completed.
	ErrNotReady = errors.New("agent: client is not ready")
	// ErrSuperseded rejects a sign call displaced by a newer one.
	ErrSuperseded = errors.New("agent: sign call superseded by a newer call")
	// ErrClientClosed is returned after Close.
	ErrClientClosed = errors.New("agent: client closed")
)

type signResult struct {
	resp *contracts.Response
	err  error
}

// signSlot is the single outstanding sign call. Settling is
// once-only so a late frame cannot resurrect a displaced call.
type signSlot struct {
	once sync.Once
	ch   chan signResult
}

func newSignSlot() *signSlot {
	return &signSlot{ch: make(chan signResult, 1)}
}

func (s *signSlot) settle(resp *contracts.Response, err error) {
	s.once.Do(func() {
		s.ch <- signResult{resp: resp, err: err}
	})
}

// Client drives a real signing agent directly: it connects, exchanges
// the version handshake, and then serves one sign call at a time.
// Unlike the bridge client it never queues and never reconnects on its
// own; after Close or connection loss the caller decides whether to
// Connect again.
type Client struct {
	dial             transport.Dialer
	logger           *slog.Logger
	handshakeTimeout time.Duration

	mu         sync.Mutex
	state      State
	conn       transport.Conn
	connecting chan struct{}
	connectErr error
	ready      chan error
	pending    *signSlot
}

// Option configures the client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHandshakeTimeout bounds the wait for the version
// acknowledgement after the transport connects.
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.handshakeTimeout = timeout
	}
}

// NewClient creates a client that dials the agent through dial.
func NewClient(dial transport.Dialer, opts ...Option) (*Client, error) {
	if dial == nil {
		return nil, errors.New("agent: dialer cannot be nil")
	}

	c := &Client{
		dial:             dial,
		logger:           slog.Default(),
		handshakeTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connect dials the agent and runs the version handshake. It is
// idempotent when Ready, and concurrent callers share one in-flight
// attempt instead of opening duplicate connections.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateReady {
		c.mu.Unlock()
		return nil
	}
	if ch := c.connecting; ch != nil {
		c.mu.Unlock()
		select {
		case <-ch:
			c.mu.Lock()
			err := c.connectErr
			c.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	attempt := make(chan struct{})
	ready := make(chan error, 1)
	c.connecting = attempt
	c.ready = ready
	c.mu.Unlock()

	err := c.runHandshake(ctx, ready)

	c.mu.Lock()
	c.connectErr = err
	c.connecting = nil
	c.ready = nil
	close(attempt)
	c.mu.Unlock()
	return err
}

// runHandshake performs one connect attempt: dial, send the version
// probe, await the acknowledgement delivered by the read loop.
func (c *Client) runHandshake(ctx context.Context, ready chan error) error {
	conn := c.dial()
	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateAwaitingVersion
	c.mu.Unlock()

	if err := conn.Send(contracts.HandshakeAck()); err != nil {
		c.reset(conn)
		return fmt.Errorf("%w: send probe: %v", ErrHandshakeFailed, err)
	}
	go c.readLoop(conn, ready)

	timer := time.NewTimer(c.handshakeTimeout)
	defer timer.Stop()
	select {
	case err := <-ready:
		if err != nil {
			c.reset(conn)
			return err
		}
		c.logger.Info("agent handshake completed", "peer", conn.RemoteAddr())
		return nil
	case <-timer.C:
		c.reset(conn)
		return fmt.Errorf("%w: no version acknowledgement within %s", ErrHandshakeFailed, c.handshakeTimeout)
	case <-ctx.Done():
		c.reset(conn)
		return ctx.Err()
	}
}

// Sign issues one signing call over the agent connection. Only one
// call may be outstanding; a second call displaces the first, which
// rejects with ErrSuperseded. There is no queueing here.
func (c *Client) Sign(ctx context.Context, data string, params map[string]any) (*contracts.Response, error) {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return nil, ErrNotReady
	}
	if c.pending != nil {
		c.logger.Warn("replacing outstanding sign call")
		c.pending.settle(nil, ErrSuperseded)
	}
	slot := newSignSlot()
	c.pending = slot
	conn := c.conn
	c.mu.Unlock()

	param := map[string]any{"data": data}
	for k, v := range params {
		param[k] = v
	}
	frame, err := contracts.Encode(&contracts.Request{
		Module: contracts.ModuleBasics,
		Method: "sign",
		Param:  param,
	})
	if err != nil {
		c.clearSlot(slot)
		return nil, err
	}
	if err := conn.Send(frame); err != nil {
		c.clearSlot(slot)
		return nil, fmt.Errorf("agent: send sign request: %w", err)
	}

	select {
	case res := <-slot.ch:
		return res.resp, res.err
	case <-ctx.Done():
		c.clearSlot(slot)
		return nil, ctx.Err()
	}
}

// State returns the handshake state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close tears the connection down. Before Ready it rejects the
// in-flight connect attempt; after Ready it resets to Initial without
// reconnecting. The caller may Connect again explicitly.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = StateInitial
	slot := c.pending
	c.pending = nil
	ready := c.ready
	c.mu.Unlock()

	if ready != nil {
		select {
		case ready <- fmt.Errorf("%w: closed before version acknowledgement", ErrHandshakeFailed):
		default:
		}
	}
	if slot != nil {
		slot.settle(nil, ErrClientClosed)
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// reset drops the connection after a failed attempt or loss.
func (c *Client) reset(conn transport.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.state = StateInitial
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Client) clearSlot(slot *signSlot) {
	c.mu.Lock()
	if c.pending == slot {
		c.pending = nil
	}
	c.mu.Unlock()
}

// readLoop pumps inbound frames: the first handshake acknowledgement
// flips the state to Ready, responses settle the sign slot, anything
// else is dropped.
func (c *Client) readLoop(conn transport.Conn, ready chan error) {
	for {
		data, err := conn.Receive()
		if err != nil {
			c.handleConnLoss(conn, ready, err)
			return
		}

		msg, perr := contracts.Parse(data)
		if perr != nil {
			c.logger.Debug("dropping unparsable frame", "error", perr)
			continue
		}

		switch msg.Kind {
		case contracts.KindHandshake:
			c.mu.Lock()
			if c.state == StateAwaitingVersion && c.conn == conn {
				c.state = StateReady
				c.mu.Unlock()
				c.logger.Debug("version acknowledged", "version", msg.Handshake.Result.Version)
				select {
				case ready <- nil:
				default:
				}
				continue
			}
			c.mu.Unlock()
		case contracts.KindResponse, contracts.KindError:
			c.mu.Lock()
			slot := c.pending
			c.pending = nil
			c.mu.Unlock()
			if slot == nil {
				c.logger.Debug("dropping unsolicited response")
				continue
			}
			if msg.Kind == contracts.KindError {
				slot.settle(msg.Response, fmt.Errorf("agent: sign failed: %s", msg.Response.ErrorText()))
			} else {
				slot.settle(msg.Response, nil)
			}
		default:
			c.logger.Debug("ignoring frame", "kind", msg.Kind.String())
		}
	}
}

// handleConnLoss reacts to the connection dropping: the sign slot and
// any pre-Ready connect attempt reject, the state resets to Initial,
// and no reconnect is scheduled.
func (c *Client) handleConnLoss(conn transport.Conn, ready chan error, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pre := c.state
	c.state = StateInitial
	slot := c.pending
	c.pending = nil
	c.mu.Unlock()

	if slot != nil {
		slot.settle(nil, fmt.Errorf("agent: connection lost: %w", err))
	}
	if pre == StateAwaitingVersion {
		select {
		case ready <- fmt.Errorf("%w: %v", ErrHandshakeFailed, err):
		default:
		}
		return
	}
	if errors.Is(err, transport.ErrClosed) {
		c.logger.Info("agent closed the connection", "peer", conn.RemoteAddr())
	} else {
		c.logger.Warn("agent connection lost", "peer", conn.RemoteAddr(), "error", err)
	}
}

package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/zhnurbekov/robot-sub000/contracts"
	"github.com/zhnurbekov/robot-sub000/internal/reliability"
	"github.com/zhnurbekov/robot-sub000/transport"
)

// ConnectionState tracks the client's transport lifecycle.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

// Client is the reconnecting RPC client toward the signing agent.
// Requests sent while disconnected are queued and flushed in enqueue
// order once the connection opens; correlation of replies is delegated
// to the Engine and out-of-band results to the Registry.
type Client struct {
	dial           transport.Dialer
	logger         *slog.Logger
	defaultTimeout time.Duration
	reconnect      reliability.RetryPolicy

	engine   *Engine
	registry *Registry

	mu           sync.Mutex
	state        ConnectionState
	conn         transport.Conn
	connecting   chan struct{}
	connectErr   error
	queue        []*Future
	reconnecting bool
	closed       bool
	done         chan struct{}
}

// ClientOption configures the client.
type ClientOption func(*clientConfig)

type clientConfig struct {
	logger         *slog.Logger
	defaultTimeout time.Duration
	baseInterval   time.Duration
	maxAttempts    int
	policy         reliability.RetryPolicy
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithDefaultTimeout sets the per-request timeout used when Send is
// called with a non-positive one.
func WithDefaultTimeout(timeout time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.defaultTimeout = timeout
	}
}

// WithReconnect sets the reconnect schedule: attempt n waits
// baseInterval*n, and scheduling stops after maxAttempts.
func WithReconnect(baseInterval time.Duration, maxAttempts int) ClientOption {
	return func(c *clientConfig) {
		c.baseInterval = baseInterval
		c.maxAttempts = maxAttempts
	}
}

// WithReconnectPolicy overrides the reconnect schedule with an
// arbitrary retry policy.
func WithReconnectPolicy(policy reliability.RetryPolicy) ClientOption {
	return func(c *clientConfig) {
		c.policy = policy
	}
}

// NewClient creates a client that dials the signing agent through
// dial. The connection is not established until Connect or the first
// Send.
func NewClient(dial transport.Dialer, opts ...ClientOption) (*Client, error) {
	if dial == nil {
		return nil, ErrNilDialer
	}

	cfg := &clientConfig{
		logger:         slog.Default(),
		defaultTimeout: 30 * time.Second,
		baseInterval:   time.Second,
		maxAttempts:    5,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.policy == nil {
		cfg.policy = reliability.NewIncrementalBackoff(cfg.baseInterval, cfg.maxAttempts)
	}

	c := &Client{
		dial:           dial,
		logger:         cfg.logger,
		defaultTimeout: cfg.defaultTimeout,
		reconnect:      cfg.policy,
		registry:       NewRegistry(cfg.logger),
		done:           make(chan struct{}),
	}
	c.engine = NewEngine(cfg.logger, c.registry.Deliver)
	return c, nil
}

// Connect establishes the connection. It is idempotent: a no-op when
// already open, and concurrent callers share one in-flight attempt.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.state == StateOpen {
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
	c.connecting = attempt
	c.state = StateConnecting
	c.mu.Unlock()

	conn := c.dial()
	err := conn.Connect(ctx)

	c.mu.Lock()
	if c.closed {
		c.connecting = nil
		c.connectErr = ErrClientClosed
		close(attempt)
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClientClosed
	}

	c.connectErr = err
	c.connecting = nil
	if err != nil {
		c.state = StateDisconnected
		close(attempt)
		c.mu.Unlock()
		c.logger.Warn("connect failed", "peer", conn.RemoteAddr(), "error", err)
		return err
	}

	c.conn = conn
	c.state = StateOpen
	flush := c.queue
	c.queue = nil

	// Flush strictly in enqueue order through the same dispatch path
	// as a fresh send; FIFO correlation fallback depends on it.
	for _, f := range flush {
		c.dispatchLocked(conn, f)
	}
	close(attempt)
	c.mu.Unlock()

	c.logger.Info("connected to signing agent", "peer", conn.RemoteAddr(), "flushed", len(flush))
	go c.readLoop(conn)
	return nil
}

// Send issues a tagged function request and returns its future. When
// the connection is not open the request is queued and a connect is
// triggered; its timeout runs from now either way.
func (c *Client) Send(function, namespace string, params map[string]any, timeout time.Duration) *Future {
	return c.SendRequest(&contracts.Request{
		Function:  function,
		Namespace: namespace,
		Param:     params,
	}, timeout)
}

// SendRequest issues a fully specified request, for callers using the
// module/method addressing style.
func (c *Client) SendRequest(req *contracts.Request, timeout time.Duration) *Future {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	f, err := newFuture(req)
	if err != nil {
		f = &Future{request: req, ch: make(chan Result, 1)}
		f.settle(Result{Err: err})
		return f
	}
	f.timer = time.AfterFunc(timeout, func() {
		c.expire(f)
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		f.settle(Result{Err: ErrClientClosed})
		return f
	}
	if c.state == StateOpen {
		conn := c.conn
		c.dispatchLocked(conn, f)
		c.mu.Unlock()
		return f
	}

	c.queue = append(c.queue, f)
	c.mu.Unlock()
	c.logger.Debug("queued request while disconnected", "function", req.Function)
	go c.ensureConnected()
	return f
}

// Call sends and waits, the synchronous convenience used by the
// submission workflow.
func (c *Client) Call(ctx context.Context, function, namespace string, params map[string]any, timeout time.Duration) (*contracts.Response, error) {
	return c.Send(function, namespace, params, timeout).Wait(ctx)
}

// RegisterContinuation subscribes to an out-of-band result for
// function. Must be called before the triggering request is sent.
func (c *Client) RegisterContinuation(function string, callback ContinuationFunc, cbCtx any) {
	c.registry.Register(function, callback, cbCtx)
}

// ClearContinuation drops the live continuation, if any.
func (c *Client) ClearContinuation() {
	c.registry.Clear()
}

// PendingCount returns the number of requests awaiting correlation.
func (c *Client) PendingCount() int {
	return c.engine.PendingCount()
}

// State returns the connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close tears the client down and bulk-rejects every queued and
// pending request.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateClosing
	conn := c.conn
	c.conn = nil
	queued := c.queue
	c.queue = nil
	close(c.done)
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	for _, f := range queued {
		f.settle(Result{Err: ErrClientClosed})
	}
	c.engine.FailAll(ErrClientClosed)

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	return err
}

// dispatchLocked tracks the future and writes it to the wire. A send
// error rejects only this entry; other pending entries are unaffected.
// Caller holds c.mu.
func (c *Client) dispatchLocked(conn transport.Conn, f *Future) {
	c.engine.Track(f)
	if err := conn.Send(f.wire); err != nil {
		c.logger.Warn("send failed", "function", f.Function(), "error", err)
		c.engine.Fail(f, err)
	}
}

// expire fires when a request's own timer lapses: the entry leaves the
// pending set (or the outbound queue) and rejects with the function
// name and elapsed wait.
func (c *Client) expire(f *Future) {
	c.mu.Lock()
	for i, q := range c.queue {
		if q == f {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	c.engine.Remove(f)
	f.settle(Result{Err: &TimeoutError{
		Function: f.Function(),
		Waited:   time.Since(f.enqueuedAt),
	}})
}

// readLoop pumps inbound frames into the correlation engine until the
// connection drops.
func (c *Client) readLoop(conn transport.Conn) {
	for {
		data, err := conn.Receive()
		if err != nil {
			c.handleConnLoss(conn, err)
			return
		}
		c.engine.HandleFrame(data)
	}
}

// handleConnLoss reacts to a non-normal close: outstanding futures are
// left to their own timeouts and a reconnect schedule starts.
func (c *Client) handleConnLoss(conn transport.Conn, err error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()
	_ = conn.Close()

	if errors.Is(err, transport.ErrClosed) {
		c.logger.Info("connection closed by peer", "peer", conn.RemoteAddr())
	} else {
		c.logger.Warn("connection lost", "peer", conn.RemoteAddr(), "error", err)
	}
	go c.scheduleReconnect()
}

// ensureConnected backs a send-triggered connect; a failed attempt
// falls through to the reconnect schedule.
func (c *Client) ensureConnected() {
	if err := c.Connect(context.Background()); err != nil && !errors.Is(err, ErrClientClosed) {
		go c.scheduleReconnect()
	}
}

// scheduleReconnect runs the backoff schedule: attempt n waits
// baseInterval*n, and after the policy's attempt budget no further
// attempts are scheduled. Outstanding futures are not failed here; a
// later manual Connect may still succeed and resume traffic.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.closed || c.reconnecting || c.state == StateOpen {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	for attempt := 0; attempt < c.reconnect.MaxAttempts(); attempt++ {
		delay := c.reconnect.NextDelay(attempt)
		c.logger.Info("scheduling reconnect", "attempt", attempt+1, "delay", delay)

		select {
		case <-time.After(delay):
		case <-c.done:
			return
		}

		err := c.Connect(context.Background())
		if err == nil {
			c.logger.Info("reconnected", "attempt", attempt+1)
			return
		}
		if errors.Is(err, ErrClientClosed) {
			return
		}
	}
	c.logger.Error("reconnect attempts exhausted",
		"attempts", c.reconnect.MaxAttempts())
}

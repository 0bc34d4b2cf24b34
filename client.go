// Package robot wires the signing stack together: configuration,
// transport selection, and the reconnecting bridge toward the signing
// agent, with convenience wrappers for the common operations.
package robot

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/zhnurbekov/robot-sub000/bridge"
	"github.com/zhnurbekov/robot-sub000/config"
	"github.com/zhnurbekov/robot-sub000/contracts"
	"github.com/zhnurbekov/robot-sub000/transport"
)

// Client is the main entry point for driving the signing agent from
// the submission workflow.
type Client struct {
	bridge  *bridge.Client
	timeout time.Duration
}

// clientConfig holds client construction options.
type clientConfig struct {
	logger  *slog.Logger
	dial    transport.Dialer
	tlsConf *tls.Config
}

// ClientOption configures the client.
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithDialer overrides the transport dialer derived from the agent
// URL; tests use it to inject fake connections.
func WithDialer(dial transport.Dialer) ClientOption {
	return func(c *clientConfig) {
		c.dial = dial
	}
}

// WithTLSConfig sets the client TLS configuration used for wss and
// tls agent URLs.
func WithTLSConfig(conf *tls.Config) ClientOption {
	return func(c *clientConfig) {
		c.tlsConf = conf
	}
}

// NewClient creates a client from configuration. The connection is
// not established until Connect or the first call.
func NewClient(cfg *config.Config, options ...ClientOption) (*Client, error) {
	cc := &clientConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cc)
	}

	dial := cc.dial
	if dial == nil {
		var err error
		dial, err = dialerFor(cfg.Agent.URL, cc.tlsConf)
		if err != nil {
			return nil, err
		}
	}

	b, err := bridge.NewClient(dial,
		bridge.WithLogger(cc.logger),
		bridge.WithDefaultTimeout(cfg.CallTimeout.Std()),
		bridge.WithReconnect(cfg.Reconnect.BaseInterval.Std(), cfg.Reconnect.MaxAttempts),
	)
	if err != nil {
		return nil, err
	}
	return &Client{bridge: b, timeout: cfg.CallTimeout.Std()}, nil
}

// dialerFor derives the transport from the agent URL scheme.
func dialerFor(rawURL string, tlsConf *tls.Config) (transport.Dialer, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("robot: parse agent url %q: %w", rawURL, err)
	}

	switch u.Scheme {
	case "ws", "wss":
		return func() transport.Conn {
			return transport.DialWS(rawURL, tlsConf)
		}, nil
	case "tcp":
		addr := u.Host
		return func() transport.Conn {
			return transport.DialStream(addr, nil)
		}, nil
	case "tls":
		conf := tlsConf
		if conf == nil {
			conf = &tls.Config{}
		}
		addr := u.Host
		return func() transport.Conn {
			return transport.DialStream(addr, conf)
		}, nil
	default:
		return nil, fmt.Errorf("robot: unsupported agent url scheme %q", u.Scheme)
	}
}

// Connect establishes the agent connection.
func (c *Client) Connect(ctx context.Context) error {
	return c.bridge.Connect(ctx)
}

// SignXML signs an XML document with the supplied certificate.
func (c *Client) SignXML(ctx context.Context, xml, cert, password string) (*contracts.Response, error) {
	return c.call(ctx, "signXml", map[string]any{
		"xml":         xml,
		"certificate": cert,
		"password":    password,
	})
}

// SignData signs binary (base64) data.
func (c *Client) SignData(ctx context.Context, data, cert, password string) (*contracts.Response, error) {
	req := &contracts.Request{
		Module: contracts.ModuleBasics,
		Method: "sign",
		Param: map[string]any{
			"data":        data,
			"certificate": cert,
			"password":    password,
		},
	}
	return c.bridge.SendRequest(req, c.timeout).Wait(ctx)
}

// GetKeyInfo fetches certificate metadata.
func (c *Client) GetKeyInfo(ctx context.Context, cert, password string) (*contracts.Response, error) {
	return c.call(ctx, "getKeyInfo", map[string]any{
		"certificate": cert,
		"password":    password,
	})
}

// SetAPIKey registers the portal API key with the agent. Safe to call
// while disconnected; the request is queued and flushed on connect.
func (c *Client) SetAPIKey(key string) *bridge.Future {
	return c.bridge.Send("SetAPIKey", contracts.SystemNamespace,
		map[string]any{"apiKey": key}, c.timeout)
}

// RegisterContinuation subscribes to an out-of-band result for
// function. Must be called before the triggering request is sent.
func (c *Client) RegisterContinuation(function string, callback bridge.ContinuationFunc, cbCtx any) {
	c.bridge.RegisterContinuation(function, callback, cbCtx)
}

// ClearContinuation drops the live continuation, if any.
func (c *Client) ClearContinuation() {
	c.bridge.ClearContinuation()
}

// PendingCount returns the number of requests awaiting correlation.
func (c *Client) PendingCount() int {
	return c.bridge.PendingCount()
}

// State returns the connection state.
func (c *Client) State() bridge.ConnectionState {
	return c.bridge.State()
}

// Close tears the client down and rejects everything outstanding.
func (c *Client) Close() error {
	return c.bridge.Close()
}

// call issues a commonUtils request via the module/method addressing.
func (c *Client) call(ctx context.Context, method string, param map[string]any) (*contracts.Response, error) {
	req := &contracts.Request{
		Module: contracts.ModuleCommonUtils,
		Method: method,
		Param:  param,
	}
	return c.bridge.SendRequest(req, c.timeout).Wait(ctx)
}

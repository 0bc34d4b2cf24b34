package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zhnurbekov/robot-sub000/internal/reliability"
)

// Paths of the signing microservice.
const (
	PathInfo    = "/info"
	PathSign    = "/sign"
	PathSignXML = "/xml/sign"
	PathSignCMS = "/cms/sign"
)

// KeyInfo is the certificate metadata returned by /info.
type KeyInfo struct {
	Subject      string `json:"subject"`
	Issuer       string `json:"issuer"`
	SerialNumber string `json:"serialNumber"`
	NotBefore    string `json:"notBefore"`
	NotAfter     string `json:"notAfter"`
}

// Client calls the upstream signing microservice. The service loads a
// private key from a base64 PKCS#12 certificate plus password and
// returns a signature over the given bytes. Calls run behind a
// circuit breaker so a dead upstream fails fast instead of tying up
// every emulation session.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *reliability.CircuitBreaker
	retry      reliability.RetryPolicy
	logger     *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithBreaker sets the circuit breaker guarding upstream calls.
func WithBreaker(breaker *reliability.CircuitBreaker) Option {
	return func(c *Client) {
		c.breaker = breaker
	}
}

// WithRetryPolicy sets the retry schedule for transient upstream
// failures (5xx and transport errors).
func WithRetryPolicy(policy reliability.RetryPolicy) Option {
	return func(c *Client) {
		c.retry = policy
	}
}

// NewClient creates a client for the signing service at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = reliability.NewCircuitBreaker(
			reliability.WithName("signer"),
			reliability.WithFailureThreshold(5),
			reliability.WithOpenTimeout(15*time.Second),
		)
	}
	if c.retry == nil {
		c.retry = reliability.NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 2)
	}
	return c
}

type signPayload struct {
	Data     string `json:"data,omitempty"`
	Cert     string `json:"cert"`
	Password string `json:"password"`
}

// Info fetches certificate metadata for a base64 PKCS#12 container.
func (c *Client) Info(ctx context.Context, cert, password string) (*KeyInfo, error) {
	body, err := c.post(ctx, PathInfo, signPayload{Cert: cert, Password: password})
	if err != nil {
		return nil, err
	}
	var info KeyInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, &UpstreamError{Path: PathInfo, Err: fmt.Errorf("decode key info: %w", err)}
	}
	return &info, nil
}

// SignData signs raw base64 data via /sign.
func (c *Client) SignData(ctx context.Context, data, cert, password string) (string, error) {
	return c.sign(ctx, PathSign, data, cert, password)
}

// SignXML produces an XMLDSig signature via /xml/sign.
func (c *Client) SignXML(ctx context.Context, xml, cert, password string) (string, error) {
	return c.sign(ctx, PathSignXML, xml, cert, password)
}

// SignCMS produces a CMS/CAdES signature via /cms/sign.
func (c *Client) SignCMS(ctx context.Context, data, cert, password string) (string, error) {
	return c.sign(ctx, PathSignCMS, data, cert, password)
}

func (c *Client) sign(ctx context.Context, path, data, cert, password string) (string, error) {
	body, err := c.post(ctx, path, signPayload{Data: data, Cert: cert, Password: password})
	if err != nil {
		return "", err
	}
	return normalizeSignature(path, body)
}

// Forward posts an unrecognized request body verbatim; kind selects
// the upstream path ("xml", "cms", anything else plain /sign). The
// response is normalized to a bare signature/result string.
func (c *Client) Forward(ctx context.Context, kind string, raw []byte) (string, error) {
	path := PathSign
	switch strings.ToLower(kind) {
	case "xml":
		path = PathSignXML
	case "cms":
		path = PathSignCMS
	}

	body, err := c.postRaw(ctx, path, raw)
	if err != nil {
		return "", err
	}
	return normalizeSignature(path, body)
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, &UpstreamError{Path: path, Err: fmt.Errorf("encode request: %w", err)}
	}
	return c.postRaw(ctx, path, raw)
}

func (c *Client) postRaw(ctx context.Context, path string, raw []byte) ([]byte, error) {
	var body []byte
	trace := uuid.NewString()[:8]

	// Transient failures (5xx, transport errors) are retried inside
	// the breaker, so one upstream hiccup counts as one breaker
	// failure at most. Client-side rejections are not retried.
	err := c.breaker.Execute(ctx, func() error {
		return reliability.Retry(ctx, c.retry, func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
			if err != nil {
				return &UpstreamError{Path: path, Err: err}
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := c.httpClient.Do(req)
			if err != nil {
				c.logger.Warn("upstream request failed", "path", path, "trace", trace, "error", err)
				return &UpstreamError{Path: path, Err: err}
			}
			defer resp.Body.Close()

			body, err = io.ReadAll(resp.Body)
			if err != nil {
				return &UpstreamError{Path: path, StatusCode: resp.StatusCode, Err: err}
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				c.logger.Warn("upstream returned non-success status",
					"path", path, "trace", trace, "status", resp.StatusCode)
				return &UpstreamError{Path: path, StatusCode: resp.StatusCode, Body: truncate(body, 512)}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("upstream call succeeded", "path", path, "trace", trace, "bytes", len(body))
	return body, nil
}

// normalizeSignature extracts the signature from an upstream response.
// The service answers either with raw XML text or with JSON carrying
// the signature under one of several alternative field names.
func normalizeSignature(path string, body []byte) (string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "", &UpstreamError{Path: path, Err: fmt.Errorf("empty upstream response")}
	}

	if trimmed[0] == '<' {
		return string(trimmed), nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		// Not JSON and not XML: take the body as the signature text.
		return string(trimmed), nil
	}

	for _, key := range []string{"signature", "sign", "signedData", "result"} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s, nil
		}
		return string(raw), nil
	}
	return "", &UpstreamError{Path: path, Body: truncate(trimmed, 512),
		Err: fmt.Errorf("no signature field in upstream response")}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

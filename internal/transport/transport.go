// Package transport owns the single process-wide HTTP client every remote
// call goes through. It applies connection pooling, a bounded status-level
// retry, browser-shaped headers, an optional upstream proxy and optional
// request pacing.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout       = 60 * time.Second
	DefaultMaxRetries    = 3
	DefaultBackoffFactor = time.Second
	DefaultMaxIdleConns  = 10

	maxLoggedBody = 512
)

// Config configures a Client. The zero value is usable.
type Config struct {
	Proxy *ProxyConfig
	// Timeout applies to requests that do not carry their own.
	Timeout time.Duration
	// MaxRetries bounds transport-level retries. Zero disables them.
	MaxRetries    int
	BackoffFactor time.Duration
	// RequestsPerSecond paces outbound calls across all workers. Zero
	// disables pacing.
	RequestsPerSecond   float64
	MaxIdleConnsPerHost int

	// Base replaces the pooled http.Transport. Used by tests.
	Base   http.RoundTripper
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger zerolog.Logger
}

// Request is one outbound call. Body may be nil.
type Request struct {
	Method  string
	URL     string
	Header  http.Header
	Body    []byte
	Timeout time.Duration
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	timeout    time.Duration
	proxy      *ProxyConfig
	userAgent  func() string
	logger     zerolog.Logger
}

func New(cfg Config) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = DefaultBackoffFactor
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = DefaultMaxIdleConns
	}

	base := cfg.Base
	if base == nil {
		proxyFunc := http.ProxyFromEnvironment
		if cfg.Proxy != nil {
			if err := cfg.Proxy.Validate(); err != nil {
				return nil, err
			}
			proxyFunc = cfg.Proxy.ProxyFunc()
		}
		base = &http.Transport{
			Proxy: proxyFunc,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          cfg.MaxIdleConnsPerHost * 4,
			MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		}
	}

	c := &Client{
		httpClient: &http.Client{
			Transport: &retryTransport{
				base:       base,
				maxRetries: cfg.MaxRetries,
				backoff:    cfg.BackoffFactor,
				sleep:      cfg.Sleep,
				logger:     cfg.Logger,
			},
		},
		timeout:   cfg.Timeout,
		proxy:     cfg.Proxy,
		userAgent: randomUserAgent,
		logger:    cfg.Logger,
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return c, nil
}

// Proxy returns the configured proxy or nil.
func (c *Client) Proxy() *ProxyConfig {
	return c.proxy
}

// Send issues req and reads the whole response body. A non-2xx status is not
// an error here; callers classify statuses themselves. Errors are always
// *Error.
func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &Error{Kind: KindGeneric, Method: req.Method, URL: req.URL, Err: err}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, &Error{Kind: KindGeneric, Method: req.Method, URL: req.URL, Err: err}
	}
	mergeHeaders(httpReq.Header, BrowserHeaders(c.userAgent()), req.Header)

	c.logger.Debug().
		Str("method", req.Method).
		Str("url", req.URL).
		Interface("headers", redactedHeaders(httpReq.Header)).
		Int("bodyBytes", len(req.Body)).
		Dur("timeout", timeout).
		Msg("Sending request")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.wrap(req, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.wrap(req, fmt.Errorf("reading response body: %w", err))
	}

	c.logger.Debug().
		Str("method", req.Method).
		Str("url", req.URL).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Int("bodyBytes", len(data)).
		Str("body", truncateBody(data)).
		Msg("Received response")

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

func (c *Client) wrap(req *Request, err error) error {
	te := &Error{Kind: Classify(err), Method: req.Method, URL: req.URL, Err: err}
	c.logger.Warn().Err(err).Str("kind", te.Kind.String()).Str("url", req.URL).Msg("Request failed")
	return te
}

func truncateBody(b []byte) string {
	if len(b) <= maxLoggedBody {
		return string(b)
	}
	return fmt.Sprintf("%s...[%d bytes]", b[:maxLoggedBody], len(b))
}

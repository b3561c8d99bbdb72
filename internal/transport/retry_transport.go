package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

var retryStatuses = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

const maxRetryAfter = 2 * time.Minute

// retryTransport retries transient failures below the application retry
// layer. Status retries and read failures are limited to idempotent methods;
// failures to establish a connection are retried for every method since the
// request never reached the server.
type retryTransport struct {
	base       http.RoundTripper
	maxRetries int
	backoff    time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
	logger     zerolog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	for n := 0; ; n++ {
		attemptReq := req
		if n > 0 {
			r, err := rewind(req)
			if err != nil {
				return nil, err
			}
			attemptReq = r
		}

		resp, err := t.base.RoundTrip(attemptReq)
		if n >= t.maxRetries || !t.shouldRetry(req, resp, err) {
			return resp, err
		}

		wait := t.backoff * time.Duration(1<<n)
		if resp != nil {
			if ra, ok := retryAfter(resp.Header.Get("Retry-After")); ok {
				wait = ra
			}
			t.logger.Debug().
				Str("url", req.URL.String()).
				Int("status", resp.StatusCode).
				Int("retry", n+1).
				Dur("wait", wait).
				Msg("Transport retrying status")
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		} else {
			t.logger.Debug().
				Err(err).
				Str("url", req.URL.String()).
				Int("retry", n+1).
				Dur("wait", wait).
				Msg("Transport retrying connection failure")
		}

		if err := t.doSleep(req.Context(), wait); err != nil {
			return nil, err
		}
	}
}

func (t *retryTransport) shouldRetry(req *http.Request, resp *http.Response, err error) bool {
	if req.Context().Err() != nil {
		return false
	}
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return false
	}
	if err != nil {
		if isConnectError(err) {
			return true
		}
		return idempotent(req.Method) && Classify(err) == KindConnection
	}
	return idempotent(req.Method) && retryStatuses[resp.StatusCode]
}

func (t *retryTransport) doSleep(ctx context.Context, d time.Duration) error {
	if t.sleep != nil {
		return t.sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func rewind(req *http.Request) (*http.Request, error) {
	r := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		r.Body = body
	}
	return r, nil
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

func isConnectError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial" || opErr.Op == "proxyconnect"
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func retryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return min(time.Duration(secs)*time.Second, maxRetryAfter), true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := time.Until(at)
		if d < 0 {
			d = 0
		}
		return min(d, maxRetryAfter), true
	}
	return 0, false
}

package transport

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultProbeEndpoints are GET targets expected to answer from any working
// network path.
var DefaultProbeEndpoints = []string{
	"https://labs.google/",
	"https://www.google.com/generate_204",
}

const probeTimeout = 15 * time.Second

type ProbeResult struct {
	URL        string
	StatusCode int
	Elapsed    time.Duration
	Err        error
}

func (r ProbeResult) OK() bool {
	return r.Err == nil && r.StatusCode > 0 && r.StatusCode < 500
}

// SelfTest probes endpoints concurrently through the client, including its
// proxy. Failures are logged as warnings and returned; they never abort.
func (c *Client) SelfTest(ctx context.Context, endpoints []string) []ProbeResult {
	if len(endpoints) == 0 {
		endpoints = DefaultProbeEndpoints
	}
	results := make([]ProbeResult, len(endpoints))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, endpoint := range endpoints {
		g.Go(func() error {
			start := time.Now()
			resp, err := c.Send(ctx, &Request{
				Method:  http.MethodGet,
				URL:     endpoint,
				Timeout: probeTimeout,
			})
			r := ProbeResult{URL: endpoint, Elapsed: time.Since(start), Err: err}
			if resp != nil {
				r.StatusCode = resp.StatusCode
			}
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.OK() {
			c.logger.Info().Str("url", r.URL).Int("status", r.StatusCode).Dur("elapsed", r.Elapsed).Msg("Connectivity check passed")
			continue
		}
		c.logger.Warn().Err(r.Err).Str("url", r.URL).Int("status", r.StatusCode).Str("proxy", c.proxy.String()).Msg("Connectivity check failed")
	}
	return results
}

// Healthy reports whether every probe succeeded.
func Healthy(results []ProbeResult) bool {
	for _, r := range results {
		if !r.OK() {
			return false
		}
	}
	return len(results) > 0
}

// Package client provides the outbound HTTP client shared by the download and
// upload sides of a relay.
package client

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"url-relay/internal/config"
	"url-relay/internal/metrics"
)

// HTTPClient sends download and upload requests with connection pooling.
type HTTPClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewHTTPClient creates an HTTPClient from the transfer settings.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
//
// transfer.timeout_seconds bounds the whole exchange including the body, so it
// is left at zero by default: relays of large files can legitimately run for
// a long time. Stalled servers are caught by the response header timeout.
func NewHTTPClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *HTTPClient {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          cfg.Transfer.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Transfer.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Transfer.HeaderTimeoutSeconds) * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &HTTPClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Transfer.TimeoutSeconds) * time.Second,
		},
		logger:  logger.With("component", "http_client"),
		metrics: m,
	}
}

// Do executes req and returns the raw response.
// The caller is responsible for closing the response body.
func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	c.logger.Debug("outbound request",
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	c.logger.Debug("outbound response",
		"method", req.Method,
		"host", req.URL.Host,
		"status", resp.StatusCode,
		"duration", duration,
	)
	return resp, nil
}

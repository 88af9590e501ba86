// Package client provides the outbound HTTP client used to reach SSE endpoints.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"sse-monitor-go/internal/config"
	"sse-monitor-go/internal/metrics"
	"sse-monitor-go/internal/model"
)

// UpstreamClient opens outbound streaming requests. It keeps one pooled
// transport per connection kind so plaintext and TLS targets never share
// connection state.
type UpstreamClient struct {
	clients map[model.Transport]*http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and
// connect/header timeouts. There is no overall request timeout: a healthy
// event stream may stay open indefinitely.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	dialer := &net.Dialer{
		Timeout:   time.Duration(cfg.Upstream.ConnectTimeoutSeconds) * time.Second,
		KeepAlive: 30 * time.Second,
	}

	newTransport := func(tlsConfig *tls.Config) *http.Transport {
		return &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSClientConfig:       tlsConfig,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: time.Duration(cfg.Upstream.HeaderTimeoutSeconds) * time.Second,
			MaxIdleConns:          cfg.Upstream.IdleConnections,
			MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
			IdleConnTimeout:       90 * time.Second,
			// The relay must pass the upstream bytes through untouched.
			DisableCompression: true,
		}
	}

	plain := newTransport(nil)
	secure := newTransport(&tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.Upstream.InsecureSkipVerify, //nolint:gosec // opt-in for self-signed dev endpoints
	})

	return &UpstreamClient{
		clients: map[model.Transport]*http.Client{
			model.TransportPlain: newHTTPClient(plain),
			model.TransportTLS:   newHTTPClient(secure),
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

func newHTTPClient(t *http.Transport) *http.Client {
	return &http.Client{
		Transport: t,
		// Redirects are reported to the browser as a non-200 status.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Do executes an HTTP request over the given transport and returns the raw response.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(transport model.Transport, req *http.Request) (*model.UpstreamResponse, error) {
	hc, ok := c.clients[transport]
	if !ok {
		return nil, fmt.Errorf("unknown transport %q", transport)
	}

	c.logger.Debug("upstream request",
		"transport", transport,
		"host", req.URL.Host,
	)

	start := time.Now()
	resp, err := hc.Do(req) //nolint:bodyclose // body ownership transfers to caller via UpstreamResponse
	duration := time.Since(start).Seconds()

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(string(transport)).Observe(duration)
	}
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(string(transport), strconv.Itoa(resp.StatusCode)).Inc()
	}

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// DoStream executes a GET request and returns the response body as a stream.
// The caller is responsible for closing the returned body.
// The provided context controls the lifetime of the upstream request:
// when the context is canceled (e.g. client disconnects), the upstream
// request is also canceled.
func (c *UpstreamClient) DoStream(ctx context.Context, transport model.Transport, url string, header http.Header) (*model.UpstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header

	return c.Do(transport, req)
}

// Close releases idle pooled connections.
func (c *UpstreamClient) Close() {
	for _, hc := range c.clients {
		hc.CloseIdleConnections()
	}
}

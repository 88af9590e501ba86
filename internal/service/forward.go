// Package service validates forwarding requests and translates them into
// outbound calls.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"sse-monitor-go/internal/client"
	"sse-monitor-go/internal/model"
)

var (
	// ErrMissingParameter is returned when the url query parameter is absent.
	ErrMissingParameter = errors.New("Missing url parameter") //nolint:staticcheck // message is part of the public JSON contract
	// ErrInvalidURL is returned when the target is not an absolute http(s) URL.
	ErrInvalidURL = errors.New("Invalid URL") //nolint:staticcheck // message is part of the public JSON contract
)

// Query parameter names accepted on the forwarding route.
const (
	ParamURL  = "url"
	ParamAuth = "auth"
)

// ForwardService turns validated forwarding requests into outbound streams.
type ForwardService struct {
	client *client.UpstreamClient
	logger *slog.Logger
}

// NewForwardService creates a ForwardService.
func NewForwardService(c *client.UpstreamClient, logger *slog.Logger) *ForwardService {
	return &ForwardService{
		client: c,
		logger: logger.With("component", "forward_service"),
	}
}

// Validate extracts the target URL and optional auth value from an inbound
// query string. The transport is chosen from the target scheme.
func Validate(query url.Values) (*model.ForwardRequest, error) {
	raw := query.Get(ParamURL)
	if raw == "" {
		return nil, ErrMissingParameter
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if !u.IsAbs() || u.Host == "" || u.Hostname() == "" {
		return nil, fmt.Errorf("%w: %q is not an absolute URL", ErrInvalidURL, raw)
	}

	var transport model.Transport
	switch u.Scheme {
	case "https":
		transport = model.TransportTLS
	case "http":
		transport = model.TransportPlain
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}

	return &model.ForwardRequest{
		Target:    u,
		Auth:      query.Get(ParamAuth),
		Transport: transport,
	}, nil
}

// OutboundHeader returns the header set sent upstream for fr.
func OutboundHeader(fr *model.ForwardRequest) http.Header {
	h := http.Header{}
	h.Set("Accept", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	if fr.Auth != "" {
		h.Set("Authorization", fr.Auth)
	}
	return h
}

// Open performs the single outbound GET for fr. The caller owns the response
// body. Canceling ctx aborts the request at any point, including mid-body.
func (s *ForwardService) Open(ctx context.Context, fr *model.ForwardRequest) (*model.UpstreamResponse, error) {
	s.logger.Debug("opening upstream",
		"host", fr.Target.Host,
		"transport", fr.Transport,
		"auth", MaskSecret(fr.Auth),
	)

	resp, err := s.client.DoStream(ctx, fr.Transport, fr.Target.String(), OutboundHeader(fr))
	if err != nil {
		return nil, fmt.Errorf("open upstream: %w", err)
	}
	return resp, nil
}

// MaskSecret shortens a credential for logging.
func MaskSecret(s string) string {
	const keep = 12
	if s == "" {
		return ""
	}
	if len(s) <= keep {
		return "[REDACTED]"
	}
	return s[:keep] + "..."
}

// Package model defines shared types for the relay.
package model

import (
	"io"
	"net/http"
	"net/url"
)

// Transport identifies how the outbound connection is carried.
type Transport string

const (
	TransportPlain Transport = "plain"
	TransportTLS   Transport = "tls"
)

// ForwardRequest is a validated inbound forwarding request. It lives for the
// duration of exactly one outbound call.
type ForwardRequest struct {
	Target    *url.URL
	Auth      string // forwarded verbatim as the Authorization header; empty means none
	Transport Transport
}

// UpstreamResponse is the outbound response whose body is relayed to the client.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

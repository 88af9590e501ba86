package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"sse-monitor-go/internal/client"
	"sse-monitor-go/internal/config"
	"sse-monitor-go/internal/metrics"
	"sse-monitor-go/internal/middleware"
	"sse-monitor-go/internal/service"
)

// testStack is the full server wired the way main wires it, minus fx.
type testStack struct {
	srv      *httptest.Server
	sse      *SSEHandler
	upstream *client.UpstreamClient
}

func newTestStack(idleTimeoutSeconds int) *testStack {
	cfg := &config.Config{
		Server: config.ServerConfig{Route: config.DefaultRoute},
		Upstream: config.UpstreamConfig{
			ConnectTimeoutSeconds: 5,
			HeaderTimeoutSeconds:  5,
			IdleTimeoutSeconds:    idleTimeoutSeconds,
			IdleConnections:       10,
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()

	uc := client.NewUpstreamClient(cfg, logger, m)
	sse := NewSSEHandler(service.NewForwardService(uc, logger), cfg, logger, m)
	health := NewHealthHandler(cfg, "test", sse)

	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(logger)
	e.Use(middleware.CORS())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.MetricsMiddleware(m, KnownRoutes(cfg)))
	RegisterRoutes(e, cfg, sse, health, m)

	return &testStack{srv: httptest.NewServer(e), sse: sse, upstream: uc}
}

func (s *testStack) Close() {
	s.srv.Close()
	s.upstream.Close()
}

// forwardURL builds the inbound URL asking the relay to open target.
func (s *testStack) forwardURL(target, auth string) string {
	q := url.Values{}
	q.Set("url", target)
	if auth != "" {
		q.Set("auth", auth)
	}
	return s.srv.URL + "/api/sse?" + q.Encode()
}

func (s *testStack) waitIdle(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.sse.Active() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("active relays = %d, want 0", s.sse.Active())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegisterRoutes_Wiring(t *testing.T) {
	stack := newTestStack(300)
	defer stack.Close()

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantError  string
	}{
		{"GET /healthz", http.MethodGet, "/healthz", http.StatusOK, ""},
		{"GET /proxy/status", http.MethodGet, "/proxy/status", http.StatusOK, ""},
		{"GET /metrics", http.MethodGet, "/metrics", http.StatusOK, ""},
		{"GET forwarding route without url", http.MethodGet, "/api/sse", http.StatusBadRequest, "Missing url parameter"},
		{"POST forwarding sub-path without url", http.MethodPost, "/api/sse/feeds/1", http.StatusBadRequest, "Missing url parameter"},
		{"OPTIONS preflight", http.MethodOptions, "/api/sse", http.StatusOK, ""},
		{"GET unknown path", http.MethodGet, "/unknown", http.StatusNotFound, "Not found"},
		{"GET root", http.MethodGet, "/", http.StatusNotFound, "Not found"},
		{"GET route prefix lookalike", http.MethodGet, "/api/sseX?url=http://example.com", http.StatusNotFound, "Not found"},
		{"OPTIONS unknown path", http.MethodOptions, "/unknown", http.StatusNotFound, "Not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, stack.srv.URL+tt.path, http.NoBody)
			if err != nil {
				t.Fatalf("NewRequest: %v", err)
			}
			resp, err := stack.srv.Client().Do(req)
			if err != nil {
				t.Fatalf("Do: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "*")
			}
			if tt.wantError == "" {
				return
			}

			var body map[string]string
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["error"] != tt.wantError {
				t.Errorf("error = %q, want %q", body["error"], tt.wantError)
			}
		})
	}
}

func TestForwarding_StreamsUpstreamVerbatim(t *testing.T) {
	var (
		mu      sync.Mutex
		gotReq  *http.Request
		payload = []string{"data: {\"type\":\"A\"}\n\n", "event: ping\ndata: 1\n\n", ": keepalive\n\n"}
	)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotReq = r.Clone(context.Background())
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, p := range payload {
			_, _ = io.WriteString(w, p)
			w.(http.Flusher).Flush()
		}
	}))
	defer upstream.Close()

	stack := newTestStack(300)
	defer stack.Close()

	// Any inbound method is relayed as a GET.
	req, err := http.NewRequest(http.MethodPost, stack.forwardURL(upstream.URL+"/events?topic=x", "Bearer secret-token"), http.NoBody)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := stack.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q, want %q", got, "text/event-stream")
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-cache" {
		t.Errorf("Cache-Control = %q, want %q", got, "no-cache")
	}
	if got, want := string(body), strings.Join(payload, ""); got != want {
		t.Errorf("body = %q, want %q", got, want)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotReq == nil {
		t.Fatal("upstream was not called")
	}
	if gotReq.Method != http.MethodGet {
		t.Errorf("upstream method = %q, want GET", gotReq.Method)
	}
	if gotReq.URL.Path != "/events" || gotReq.URL.Query().Get("topic") != "x" {
		t.Errorf("upstream URL = %q, want /events?topic=x", gotReq.URL.String())
	}
	wantHeaders := map[string]string{
		"Authorization": "Bearer secret-token",
		"Accept":        "text/event-stream",
		"Cache-Control": "no-cache",
	}
	for k, v := range wantHeaders {
		if got := gotReq.Header.Get(k); got != v {
			t.Errorf("upstream %s = %q, want %q", k, got, v)
		}
	}
}

func TestForwarding_UpstreamFailures(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		wantStatus int
		wantBody   string
	}{
		{
			name:       "unauthorized",
			status:     http.StatusUnauthorized,
			wantStatus: http.StatusUnauthorized,
			wantBody:   "event: error\ndata: {\"error\": \"Unauthorized - Invalid authentication\"}\n\n",
		},
		{
			name:       "service unavailable",
			status:     http.StatusServiceUnavailable,
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "event: error\ndata: {\"error\": \"Server returned 503\"}\n\n",
		},
		{
			name:       "redirect is not followed",
			status:     http.StatusFound,
			wantStatus: http.StatusFound,
			wantBody:   "event: error\ndata: {\"error\": \"Server returned 302\"}\n\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.status == http.StatusFound {
					w.Header().Set("Location", "/elsewhere")
				}
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, "upstream body is not relayed")
			}))
			defer upstream.Close()

			stack := newTestStack(300)
			defer stack.Close()

			resp, err := stack.srv.Client().Get(stack.forwardURL(upstream.URL, ""))
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
				t.Errorf("Content-Type = %q, want %q", got, "text/event-stream")
			}
			if string(body) != tt.wantBody {
				t.Errorf("body = %q, want %q", body, tt.wantBody)
			}
		})
	}
}

func TestForwarding_UnreachableUpstream(t *testing.T) {
	gone := httptest.NewServer(http.NotFoundHandler())
	target := gone.URL
	gone.Close()

	stack := newTestStack(300)
	defer stack.Close()

	resp, err := stack.srv.Client().Get(stack.forwardURL(target, ""))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] == "" {
		t.Error("expected a failure reason in the error field")
	}
}

func TestForwarding_IdleUpstreamIsAborted(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "data: first\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer upstream.Close()

	stack := newTestStack(1)
	defer stack.Close()

	resp, err := stack.srv.Client().Get(stack.forwardURL(upstream.URL, ""))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	want := "data: first\n\nevent: error\ndata: {\"error\": \"upstream idle timeout\"}\n\n"
	if string(body) != want {
		t.Errorf("body = %q, want %q", body, want)
	}
}

func TestForwarding_ClientDisconnectClosesUpstream(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	upstreamDone := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "data: first\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(upstreamDone)
	}))
	defer upstream.Close()

	stack := newTestStack(300)
	defer stack.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, stack.forwardURL(upstream.URL, ""), http.NoBody)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := stack.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read first event: %v", err)
	}
	if line != "data: first\n" {
		t.Errorf("first line = %q, want %q", line, "data: first\n")
	}

	cancel()
	_ = resp.Body.Close()

	select {
	case <-upstreamDone:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream request was not canceled after client disconnect")
	}
	stack.waitIdle(t)
}

func TestForwarding_ConcurrentRelaysAreIndependent(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := r.URL.Query().Get("n")
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for i := range 3 {
			_, _ = fmt.Fprintf(w, "id: %d\ndata: client-%s\n\n", i, n)
			w.(http.Flusher).Flush()
		}
	}))
	defer upstream.Close()

	stack := newTestStack(300)
	defer stack.Close()

	const clients = 8
	g, ctx := errgroup.WithContext(context.Background())
	for n := range clients {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet,
				stack.forwardURL(fmt.Sprintf("%s/stream?n=%d", upstream.URL, n), fmt.Sprintf("Bearer %d", n)), http.NoBody)
			if err != nil {
				return err
			}
			resp, err := stack.srv.Client().Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			var want strings.Builder
			for i := range 3 {
				fmt.Fprintf(&want, "id: %d\ndata: client-%d\n\n", i, n)
			}
			if string(body) != want.String() {
				return fmt.Errorf("client %d: body = %q, want %q", n, body, want.String())
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	stack.waitIdle(t)

	resp, err := stack.srv.Client().Get(stack.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("Get /metrics: %v", err)
	}
	defer resp.Body.Close()
	exposition, _ := io.ReadAll(resp.Body)

	want := fmt.Sprintf(`sse_monitor_relay_outcomes_total{outcome="completed"} %d`, clients)
	if !strings.Contains(string(exposition), want) {
		t.Errorf("metrics exposition missing %q", want)
	}
}

package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/labstack/echo/v4"

	"sse-monitor-go/internal/config"
	"sse-monitor-go/internal/metrics"
	"sse-monitor-go/internal/relay"
	"sse-monitor-go/internal/service"
)

// SSEHandler serves the forwarding route: it validates the target and hands
// the connection to a relay.
type SSEHandler struct {
	opener  relay.Opener
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	active  atomic.Int64
}

// NewSSEHandler creates an SSEHandler. The metrics parameter is optional.
func NewSSEHandler(svc *service.ForwardService, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *SSEHandler {
	return newSSEHandler(svc, cfg, logger, m)
}

func newSSEHandler(opener relay.Opener, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *SSEHandler {
	return &SSEHandler{
		opener:  opener,
		cfg:     cfg,
		logger:  logger.With("component", "sse_handler"),
		metrics: m,
	}
}

// Handle answers CORS preflights, rejects malformed requests with a JSON 400
// and otherwise relays the target stream until either side goes away.
func (h *SSEHandler) Handle(c echo.Context) error {
	req := c.Request()
	if req.Method == http.MethodOptions {
		return c.NoContent(http.StatusOK)
	}

	fr, err := service.Validate(req.URL.Query())
	if err != nil {
		return h.reject(c, err)
	}

	h.active.Add(1)
	defer h.active.Add(-1)

	h.logger.Info("relaying",
		"host", fr.Target.Host,
		"path", fr.Target.Path,
		"auth", service.MaskSecret(fr.Auth),
		"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
	)

	relay.New(fr, h.opener, c.Response(), relay.Options{
		IdleTimeout: h.cfg.Upstream.IdleTimeout(),
		Logger:      h.logger,
		Metrics:     h.metrics,
	}).Run(req.Context())

	return nil
}

// Active returns the number of relays currently open.
func (h *SSEHandler) Active() int64 {
	return h.active.Load()
}

func (h *SSEHandler) reject(c echo.Context, err error) error {
	h.logger.Warn("rejected forwarding request", "err", err)

	msg := "Invalid URL"
	if errors.Is(err, service.ErrMissingParameter) {
		msg = service.ErrMissingParameter.Error()
	}
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}

// Package relay bridges one inbound event-stream connection to one outbound
// HTTP request.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"sse-monitor-go/internal/metrics"
	"sse-monitor-go/internal/model"
	"sse-monitor-go/internal/sse"
)

// ErrIdleTimeout is the cancellation cause used when the upstream sends no
// bytes for longer than the configured idle timeout.
var ErrIdleTimeout = errors.New("upstream idle timeout")

// MsgUnauthorized is the error event text sent when the upstream answers 401.
const MsgUnauthorized = "Unauthorized - Invalid authentication"

const chunkSize = 32 * 1024

// secretParamPattern matches credential-like query parameters in URLs embedded in error messages.
var secretParamPattern = regexp.MustCompile(`(?i)((?:access_token|token|auth|api_?key|key)=)[^&\s"]+`)

// Opener opens the single outbound request of a relay.
type Opener interface {
	Open(ctx context.Context, fr *model.ForwardRequest) (*model.UpstreamResponse, error)
}

// ResponseWriter is the inbound side of a relay.
type ResponseWriter interface {
	http.ResponseWriter
	http.Flusher
}

// Options configures a Relay. Zero values are usable: no idle watchdog, no
// metrics, discarded logs.
type Options struct {
	IdleTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Relay is a single-use state machine. Create one per inbound request.
type Relay struct {
	fr      *model.ForwardRequest
	opener  Opener
	w       ResponseWriter
	idle    time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	state   State
	outcome Outcome

	parent   context.Context
	ctx      context.Context
	cancel   context.CancelCauseFunc
	watchdog *time.Timer

	resp   *model.UpstreamResponse
	err    error
	bytes  int64
	events sse.EventCounter
}

// New creates a relay for fr that writes to w.
func New(fr *model.ForwardRequest, opener Opener, w ResponseWriter, opts Options) *Relay {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Relay{
		fr:     fr,
		opener: opener,
		w:      w,
		idle:   opts.IdleTimeout,
		logger: logger.With(
			"component", "relay",
			"relay_id", uuid.NewString(),
			"target", fr.Target.Host,
		),
		metrics: opts.Metrics,
		state:   Connecting,
	}
}

// Run drives the relay until it is closed and reports how it ended. Canceling
// ctx (the inbound request context) aborts the outbound request.
func (r *Relay) Run(ctx context.Context) Outcome {
	r.parent = ctx
	r.ctx, r.cancel = context.WithCancelCause(ctx)

	start := time.Now()
	if r.metrics != nil {
		r.metrics.RelaysActive.Inc()
	}
	defer func() {
		r.release()
		if r.metrics != nil {
			r.metrics.RelaysActive.Dec()
			r.metrics.RelayOutcomes.WithLabelValues(string(r.outcome)).Inc()
			r.metrics.RelayDuration.Observe(time.Since(start).Seconds())
		}
		r.logger.Info("relay closed",
			"outcome", r.outcome,
			"bytes", r.bytes,
			"events", r.events.Count(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}()

	for r.state != Closed {
		var next State
		switch r.state {
		case Connecting:
			next = r.connect()
		case OutboundError:
			next = r.outboundError()
		case UnauthorizedRelay:
			next = r.unauthorized()
		case UpstreamErrorRelay:
			next = r.upstreamError()
		case Streaming:
			next = r.stream()
		}
		r.transition(next)
	}
	return r.outcome
}

// State returns the current state.
func (r *Relay) State() State {
	return r.state
}

func (r *Relay) transition(next State) {
	if !canTransition(r.state, next) {
		panic(fmt.Sprintf("relay: illegal transition %s -> %s", r.state, next))
	}
	r.logger.Debug("relay transition", "from", r.state, "to", next)
	r.state = next
}

func (r *Relay) connect() State {
	r.logger.Info("connecting", "transport", r.fr.Transport)

	resp, err := r.opener.Open(r.ctx, r.fr)
	if err != nil {
		if r.parent.Err() != nil {
			r.outcome = OutcomeClientGone
			return Closed
		}
		r.err = err
		return OutboundError
	}
	r.resp = resp

	r.logger.Info("upstream responded", "status", resp.StatusCode)
	switch resp.StatusCode {
	case http.StatusOK:
		return Streaming
	case http.StatusUnauthorized:
		return UnauthorizedRelay
	default:
		return UpstreamErrorRelay
	}
}

func (r *Relay) outboundError() State {
	r.outcome = OutcomeOutboundError
	msg := failureReason(r.err)
	r.logger.Error("upstream request failed", "err", msg)

	body, _ := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(map[string]string{"error": msg})
	r.w.Header().Set("Content-Type", "application/json")
	r.w.WriteHeader(http.StatusInternalServerError)
	_, _ = r.w.Write(body)
	return Closed
}

func (r *Relay) unauthorized() State {
	r.outcome = OutcomeUnauthorized
	r.logger.Warn("upstream rejected credentials")

	r.w.Header().Set("Content-Type", sse.ContentType)
	r.w.WriteHeader(http.StatusUnauthorized)
	r.writeFrame(MsgUnauthorized)
	return Closed
}

func (r *Relay) upstreamError() State {
	r.outcome = OutcomeUpstreamError
	status := r.resp.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	r.logger.Warn("upstream returned non-success status", "status", status)

	r.w.Header().Set("Content-Type", sse.ContentType)
	r.w.WriteHeader(status)
	r.writeFrame(fmt.Sprintf("Server returned %d", status))
	return Closed
}

func (r *Relay) stream() State {
	sse.StreamHeaders(r.w.Header())
	r.w.WriteHeader(http.StatusOK)
	r.w.Flush()

	if r.idle > 0 {
		r.watchdog = time.AfterFunc(r.idle, func() { r.cancel(ErrIdleTimeout) })
	}

	buf := make([]byte, chunkSize)
	for {
		n, readErr := r.resp.Body.Read(buf)
		if n > 0 {
			if r.watchdog != nil {
				r.watchdog.Reset(r.idle)
			}
			if err := r.forward(buf[:n]); err != nil {
				r.logger.Info("client write failed", "err", err)
				r.outcome = OutcomeClientGone
				return Closed
			}
		}
		if readErr == nil {
			continue
		}

		switch {
		case errors.Is(readErr, io.EOF):
			r.outcome = OutcomeCompleted
		case r.parent.Err() != nil:
			r.outcome = OutcomeClientGone
		case errors.Is(context.Cause(r.ctx), ErrIdleTimeout):
			r.outcome = OutcomeIdleTimeout
			r.logger.Warn("upstream idle, aborting", "idle_timeout", r.idle)
			r.writeFrame(ErrIdleTimeout.Error())
		default:
			r.outcome = OutcomeStreamError
			msg := redact(readErr.Error())
			r.logger.Error("upstream stream error", "err", msg)
			r.writeFrame(msg)
		}
		return Closed
	}
}

// forward writes one upstream chunk unmodified and flushes it.
func (r *Relay) forward(chunk []byte) error {
	if _, err := r.w.Write(chunk); err != nil {
		return err
	}
	r.w.Flush()

	before := r.events.Count()
	_, _ = r.events.Write(chunk)
	r.bytes += int64(len(chunk))
	if r.metrics != nil {
		r.metrics.BytesRelayed.Add(float64(len(chunk)))
		r.metrics.EventsRelayed.Add(float64(r.events.Count() - before))
	}
	return nil
}

func (r *Relay) writeFrame(msg string) {
	if _, err := r.w.Write(sse.ErrorFrame(msg)); err != nil {
		r.logger.Debug("error frame not delivered", "err", err)
		return
	}
	r.w.Flush()
}

// release aborts the outbound request if it is still open and frees its resources.
func (r *Relay) release() {
	if r.watchdog != nil {
		r.watchdog.Stop()
	}
	r.cancel(context.Canceled)
	if r.resp != nil {
		_ = r.resp.Body.Close()
	}
}

// failureReason extracts the transport-level reason from an outbound error,
// dropping the request line the HTTP client wraps around it.
func failureReason(err error) string {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		err = urlErr.Err
	}
	return redact(err.Error())
}

// redact hides credential-like query parameter values in error messages.
func redact(msg string) string {
	return secretParamPattern.ReplaceAllString(msg, "${1}[REDACTED]")
}

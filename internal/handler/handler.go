package handler

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angeloszaimis/devserver/internal/circuitbreaker"
	"github.com/angeloszaimis/devserver/internal/metrics"
	"github.com/angeloszaimis/devserver/internal/proxy"
)

// RequestIDHeader carries the request ID to the upstream and back to the client.
const RequestIDHeader = "X-Request-Id"

// DevServerHandler sends requests matching a proxy rule to its upstream and
// everything else to the fallback handler. Proxy rules are consulted first.
type DevServerHandler struct {
	logger           *slog.Logger
	rules            *proxy.Table
	breakers         *circuitbreaker.Registry
	fallback         http.Handler
	metricsCollector *metrics.Collector
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func NewDevServerHandler(
	logger *slog.Logger,
	rules *proxy.Table,
	breakers *circuitbreaker.Registry,
	fallback http.Handler,
	collector *metrics.Collector,
) *DevServerHandler {
	return &DevServerHandler{
		logger:           logger,
		rules:            rules,
		breakers:         breakers,
		fallback:         fallback,
		metricsCollector: collector,
	}
}

func (h *DevServerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	requestID := r.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
		r.Header.Set(RequestIDHeader, requestID)
	}
	w.Header().Set(RequestIDHeader, requestID)

	rule := h.rules.Match(r.URL.Path)

	route := metrics.RouteStatic
	if rule != nil {
		route = rule.Prefix()
	}

	h.metricsCollector.Emit(metrics.MetricEvent{
		Type:  metrics.EventRequestReceived,
		Route: route,
	})

	wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

	if rule != nil {
		h.forward(wrapped, r, rule)
	} else {
		h.fallback.ServeHTTP(wrapped, r)
	}

	duration := time.Since(start)

	h.metricsCollector.Emit(metrics.MetricEvent{
		Type:       metrics.EventResponseCompleted,
		Route:      route,
		Duration:   duration,
		StatusCode: wrapped.statusCode,
	})

	h.logger.Info("Served request",
		slog.String("request_id", requestID),
		slog.String("from", extractClientIP(r)),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("route", route),
		slog.Int("status", wrapped.statusCode),
		slog.Duration("duration", duration))
}

func (h *DevServerHandler) forward(w *statusRecorder, r *http.Request, rule *proxy.Rule) {
	breaker := h.breakers.GetBreaker(rule.Prefix())

	if !breaker.Allow() {
		h.metricsCollector.Emit(metrics.MetricEvent{
			Type:  metrics.EventRequestRejected,
			Route: rule.Prefix(),
		})
		h.logger.Warn("Upstream circuit open, rejecting request",
			slog.String("path", r.URL.Path),
			slog.String("upstream", rule.Target().String()))
		http.Error(w, "Upstream unavailable: "+rule.Target().String(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("X-Dev-Server-Proxy", rule.Prefix())

	err := rule.Forward(w, r)
	switch {
	case err == nil:
		breaker.RecordSuccess()
	case r.Context().Err() != nil:
		// Client disconnected; the upstream's health is unknown.
	default:
		breaker.RecordFailure()
	}
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.statusCode = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

// Hijack and Flush pass through so websocket upgrades and streamed
// responses survive the wrapper.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	r.statusCode = http.StatusSwitchingProtocols
	r.wroteHeader = true
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

func (r *statusRecorder) Flush() {
	_ = http.NewResponseController(r.ResponseWriter).Flush()
}

// Unwrap lets http.ResponseController reach the underlying writer for
// flushing and hijacking (websocket upgrades through the proxy).
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

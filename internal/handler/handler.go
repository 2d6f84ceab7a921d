package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/angeloszaimis/edgeproxy/internal/cors"
	"github.com/angeloszaimis/edgeproxy/internal/loadbalancer"
	"github.com/angeloszaimis/edgeproxy/internal/metrics"
	"github.com/angeloszaimis/edgeproxy/internal/platform"
	"github.com/angeloszaimis/edgeproxy/internal/retry"
)

// Options is the static request policy of the proxy.
type Options struct {
	Name            string
	Version         string
	UserAgent       string
	AllowedPaths    []string
	AllowedMethods  []string
	HealthPaths     []string
	PreflightStatus int
	// Timeout bounds the wait for upstream response headers per attempt.
	// Zero disables it.
	Timeout      time.Duration
	MaxBodyBytes int64
	CORS         cors.Headers
}

type ProxyHandler struct {
	logger           *slog.Logger
	opts             Options
	methods          map[string]struct{}
	healthPaths      map[string]struct{}
	balancer         *loadbalancer.LoadBalancer
	retrier          *retry.Executor
	platform         *platform.Extractor
	metricsCollector *metrics.Collector
	clock            clock.PassiveClock
	newID            func() string
}

type Option func(*ProxyHandler)

// WithClock replaces the clock used for response timestamps and timings.
func WithClock(c clock.PassiveClock) Option {
	return func(h *ProxyHandler) {
		h.clock = c
	}
}

// WithIDGenerator replaces the generator used for correlation ids when the
// platform did not supply a trace id.
func WithIDGenerator(fn func() string) Option {
	return func(h *ProxyHandler) {
		h.newID = fn
	}
}

// WithMetrics attaches a collector. Without one no events are emitted.
func WithMetrics(c *metrics.Collector) Option {
	return func(h *ProxyHandler) {
		h.metricsCollector = c
	}
}

func NewProxyHandler(
	logger *slog.Logger,
	opts Options,
	lb *loadbalancer.LoadBalancer,
	retrier *retry.Executor,
	extractor *platform.Extractor,
	options ...Option,
) *ProxyHandler {
	if opts.PreflightStatus == 0 {
		opts.PreflightStatus = http.StatusNoContent
	}

	h := &ProxyHandler{
		logger:      logger,
		opts:        opts,
		methods:     make(map[string]struct{}, len(opts.AllowedMethods)),
		healthPaths: make(map[string]struct{}, len(opts.HealthPaths)),
		balancer:    lb,
		retrier:     retrier,
		platform:    extractor,
		clock:       clock.RealClock{},
		newID:       uuid.NewString,
	}

	for _, m := range opts.AllowedMethods {
		h.methods[strings.ToUpper(m)] = struct{}{}
	}
	for _, p := range opts.HealthPaths {
		h.healthPaths[p] = struct{}{}
	}

	for _, option := range options {
		option(h)
	}

	return h
}

func (h *ProxyHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	start := h.clock.Now()
	meta := h.platform.Extract(r)
	w := &trackingWriter{ResponseWriter: rw}

	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		if rec == http.ErrAbortHandler {
			panic(rec)
		}
		h.logger.Error("Recovered from panic",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Bool("headers_sent", w.wroteHeader),
			slog.Any("panic", rec))
		h.finish(metrics.OutcomeFailed)
		if w.wroteHeader {
			// The status line is gone; the client sees a truncated body.
			return
		}
		h.writeError(w, fmt.Sprintf("Internal server error: %v", rec), http.StatusInternalServerError)
	}()

	r = withCleanPath(r)

	h.emitEvent(metrics.MetricEvent{Type: metrics.EventRequestReceived})

	h.logger.Debug("Received request",
		slog.String("client", meta.ClientIP()),
		slog.String("remote", r.RemoteAddr),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("country", meta.Country),
		slog.String("user_agent", r.UserAgent()))

	switch {
	case r.Method == http.MethodOptions:
		h.finish(metrics.OutcomePreflight)
		h.handlePreflight(w)

	case h.isHealthPath(r.URL.Path):
		h.finish(metrics.OutcomeHealth)
		h.handleHealth(w, meta)

	case !h.methodAllowed(r.Method):
		h.reject(w, r, meta, "Method not allowed", http.StatusMethodNotAllowed)

	case !h.pathAllowed(r.URL.Path):
		h.reject(w, r, meta, "Path not allowed", http.StatusForbidden)

	default:
		h.forward(w, r, meta, start)
	}
}

func (h *ProxyHandler) isHealthPath(path string) bool {
	_, ok := h.healthPaths[path]
	return ok
}

func (h *ProxyHandler) methodAllowed(method string) bool {
	_, ok := h.methods[method]
	return ok
}

// pathAllowed matches the cleaned path against the prefix whitelist. An
// empty whitelist allows every path.
func (h *ProxyHandler) pathAllowed(path string) bool {
	if len(h.opts.AllowedPaths) == 0 {
		return true
	}
	for _, prefix := range h.opts.AllowedPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (h *ProxyHandler) reject(w http.ResponseWriter, r *http.Request, meta platform.Metadata, message string, status int) {
	h.logger.Warn("Rejected request",
		slog.String("client", meta.ClientIP()),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status))

	h.finish(metrics.OutcomeRejected)
	h.writeError(w, message, status)
}

func (h *ProxyHandler) finish(outcome string) {
	h.emitEvent(metrics.MetricEvent{
		Type:    metrics.EventRequestFinished,
		Outcome: outcome,
	})
}

func (h *ProxyHandler) emitEvent(event metrics.MetricEvent) {
	if h.metricsCollector == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = h.clock.Now()
	}
	h.metricsCollector.Emit(event)
}

// withCleanPath resolves dot segments so classification and forwarding see
// the same path a backend would. Percent-encoded dots are already decoded in
// URL.Path. A trailing slash is kept.
func withCleanPath(r *http.Request) *http.Request {
	cleaned := cleanPath(r.URL.Path)
	if cleaned == r.URL.Path {
		return r
	}

	u := *r.URL
	u.Path = cleaned
	u.RawPath = ""

	out := r.WithContext(r.Context())
	out.URL = &u
	return out
}

func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	cleaned := path.Clean(p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

// trackingWriter remembers whether the status line was sent, so a late
// panic does not try to write a second response.
type trackingWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (t *trackingWriter) WriteHeader(status int) {
	t.ResponseWriter.WriteHeader(status)
	t.wroteHeader = true
}

func (t *trackingWriter) Write(b []byte) (int, error) {
	if !t.wroteHeader {
		t.WriteHeader(http.StatusOK)
	}
	return t.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the connection for flushing.
func (t *trackingWriter) Unwrap() http.ResponseWriter {
	return t.ResponseWriter
}
